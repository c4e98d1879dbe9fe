package messenger

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
)

// AuthError is a webhook verification or signature failure. It is never
// retried and surfaces synchronously with a fixed status.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "unauthorized: " + e.Reason
}

// Status returns the HTTP status for this error.
func (e *AuthError) Status() int {
	return http.StatusUnauthorized
}

// VerifyWebhook checks the webhook-setup query against the configured verify
// token and returns the hub.challenge to echo back.
func VerifyWebhook(query url.Values, verifyToken string) (string, error) {
	if verifyToken == "" {
		return "", &AuthError{Reason: "missing configuration (verify_token)"}
	}
	token := query.Get("hub.verify_token")
	if token == "" {
		return "", &AuthError{Reason: "missing hub.verify_token in query"}
	}
	if token != verifyToken {
		return "", &AuthError{Reason: "wrong hub.verify_token"}
	}
	return query.Get("hub.challenge"), nil
}

// VerifyRequest checks the x-hub-signature header against an HMAC-SHA1 of the
// raw request body. Verification is skipped entirely when no app secret is
// configured.
func VerifyRequest(body []byte, header http.Header, appSecret string) error {
	if appSecret == "" {
		return nil
	}

	signature := header.Get("x-hub-signature")
	if signature == "" {
		return &AuthError{Reason: "missing x-hub-signature"}
	}

	parts := strings.SplitN(signature, "=", 2)
	if len(parts) != 2 {
		return &AuthError{Reason: "malformed x-hub-signature"}
	}

	mac := hmac.New(sha1.New, []byte(appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(parts[1]), []byte(expected)) {
		return &AuthError{Reason: "could not validate the request signature"}
	}
	return nil
}
