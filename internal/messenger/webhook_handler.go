package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

const webhookMaxBodyBytes int64 = 1 << 20 // 1 MiB

// WebhookHandler receives Facebook Messenger webhook callbacks: the GET
// subscription verification and the POST event batches.
type WebhookHandler struct {
	logger      *slog.Logger
	gateway     *Gateway
	verifyToken string
	appSecret   string
}

// NewWebhookHandler creates the public webhook handler for Messenger
// callbacks.
func NewWebhookHandler(log *slog.Logger, gateway *Gateway, verifyToken, appSecret string) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		logger:      log.With(slog.String("handler", "messenger_webhook")),
		gateway:     gateway,
		verifyToken: verifyToken,
		appSecret:   appSecret,
	}
}

// Register registers webhook callback routes.
func (h *WebhookHandler) Register(e *echo.Echo) {
	e.GET("/messenger/webhook", h.HandleVerify)
	e.POST("/messenger/webhook", h.Handle)
}

// HandleVerify answers the platform's subscription verification request by
// echoing hub.challenge when the verify token matches.
func (h *WebhookHandler) HandleVerify(c echo.Context) error {
	challenge, err := VerifyWebhook(c.QueryParams(), h.verifyToken)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return echo.NewHTTPError(authErr.Status(), authErr.Reason)
		}
		return err
	}
	return c.String(http.StatusOK, challenge)
}

// Handle processes one webhook event batch. The signature is verified against
// the raw body before any parsing; the batch is routed synchronously so the
// platform's delivery confirmation covers the whole fan-out.
func (h *WebhookHandler) Handle(c echo.Context) error {
	if h.gateway == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "messenger webhook gateway not configured")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, webhookMaxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if int64(len(body)) > webhookMaxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("payload too large: max %d bytes", webhookMaxBodyBytes))
	}

	if err := VerifyRequest(body, c.Request().Header, h.appSecret); err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return echo.NewHTTPError(authErr.Status(), authErr.Reason)
		}
		return err
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid webhook payload: %v", err))
	}

	unprocessed := h.gateway.ProcessEvent(context.WithoutCancel(c.Request().Context()), &payload)
	if len(unprocessed) > 0 {
		h.logger.Info("webhook batch carried unrecognized events",
			slog.Int("count", len(unprocessed)))
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"unprocessed": unprocessed,
	})
}
