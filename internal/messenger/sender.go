package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// DefaultAPIURL is the Graph API base for Send API calls. Endpoint suffixes
// are appended by payload shape unless an override URL is configured.
const DefaultAPIURL = "https://graph.facebook.com/v3.2/me"

// seenFailureDelay is how long a failed mark_seen send is held back before
// being reported as a swallowed seen error.
const seenFailureDelay = 500 * time.Millisecond

// Platform error codes that mean the recipient cannot be reached at all.
var unreachableErrorCodes = map[int]bool{
	200: true,
	10:  true,
}

// ErrRecipientUnreachable marks a permanent delivery failure caused by the
// recipient being unavailable to this page, distinguished from transient
// transport errors so callers can stop retrying.
var ErrRecipientUnreachable = errors.New("recipient unreachable")

// ErrNoRecipientResolution is returned by OnStateSave when a conversation that
// started from an optin reference finished without any confirmable send, so no
// durable identity could ever be resolved.
var ErrNoRecipientResolution = errors.New("no confirmable message was ever sent for this optin")

var errResolutionRepeated = errors.New("recipient resolution already completed")

// SendError wraps a delivery failure with its HTTP-level classification.
type SendError struct {
	Status int
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed (%d): %v", e.Status, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// HTTPDoer is the outbound HTTP capability of the sender, injectable in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// AttachmentCache maps previously uploaded attachment URLs to reusable
// platform attachment ids. A miss returns "" with no error.
type AttachmentCache interface {
	FindAttachmentByURL(ctx context.Context, url string) (string, error)
	SaveAttachmentID(ctx context.Context, url, attachmentID string) error
}

// StateStorage is the narrow get/set contract of the external conversation
// state store.
type StateStorage interface {
	GetState(ctx context.Context, senderID, pageID string) (map[string]any, bool, error)
	SetState(ctx context.Context, senderID, pageID string, state map[string]any) error
}

// RecipientBinding records how a conversation is addressed. A binding starts
// at the optin reference and upgrades monotonically to the durable id once the
// platform confirms one; it never downgrades.
type RecipientBinding struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref,omitempty"`
	ID   string `json:"id,omitempty"`
}

// Binding kinds and the state key the binding persists under.
const (
	BindingKindRef = "ref"
	BindingKindID  = "id"

	recipientBindingStateKey = "_recipientBinding"
	mergedFromStateKey       = "_mergedFromSenderId"
)

// recipientResolution is the single-resolution future for a reference-based
// conversation's durable identity. The first successful send resolves it; a
// failed send releases waiters with the failure.
type recipientResolution struct {
	mu        sync.Mutex
	done      chan struct{}
	attempted bool
	resolved  bool
	id        string
	err       error
}

func newRecipientResolution() *recipientResolution {
	return &recipientResolution{done: make(chan struct{})}
}

func (r *recipientResolution) markAttempt() {
	r.mu.Lock()
	r.attempted = true
	r.mu.Unlock()
}

func (r *recipientResolution) resolve(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return errResolutionRepeated
	}
	r.resolved = true
	r.id = id
	close(r.done)
	return nil
}

func (r *recipientResolution) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return
	}
	r.resolved = true
	r.err = err
	close(r.done)
}

// wait blocks until the resolution completes. It fails fast with
// ErrNoRecipientResolution when no send was ever attempted, since nothing
// could possibly complete the future.
func (r *recipientResolution) wait(ctx context.Context) (string, error) {
	r.mu.Lock()
	attempted := r.attempted
	r.mu.Unlock()
	if !attempted {
		return "", ErrNoRecipientResolution
	}
	select {
	case <-r.done:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SenderOptions configures a conversation Sender.
type SenderOptions struct {
	PageToken string
	// APIURL overrides the Graph API base and disables endpoint routing.
	APIURL string
	AppID  string
	PageID string

	Attachments AttachmentCache
	Client      HTTPDoer
	Logger      *slog.Logger
}

// Sender delivers outbound payloads for one conversation. It substitutes the
// recipient binding, reuses cached attachments, routes payloads to the right
// Send API endpoint, and classifies platform errors.
type Sender struct {
	log       *slog.Logger
	client    HTTPDoer
	cache     AttachmentCache
	token     string
	apiURL    string
	staticURL bool
	appID     string
	pageID    string
	senderID  string

	mu         sync.Mutex
	binding    *RecipientBinding
	resolution *recipientResolution
	hopCount   int
}

// NewSender builds a Sender for one conversation around its triggering event.
// An optin event without a durable sender id starts the conversation in the
// reference-addressed mode with a pending recipient resolution.
func NewSender(opts SenderOptions, senderID string, incoming *Event) *Sender {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	apiURL := opts.APIURL
	staticURL := apiURL != ""
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	pageID := opts.PageID
	if pageID == "" && incoming != nil && incoming.Recipient != nil {
		pageID = incoming.Recipient.ID
	}

	s := &Sender{
		log:       log.With(slog.String("component", "messenger_sender")),
		client:    client,
		cache:     opts.Attachments,
		token:     opts.PageToken,
		apiURL:    apiURL,
		staticURL: staticURL,
		appID:     opts.AppID,
		pageID:    pageID,
		senderID:  senderID,
	}

	if incoming != nil && incoming.Optin != nil && incoming.Optin.UserRef != "" &&
		(incoming.Sender == nil || incoming.Sender.ID == "") {
		s.binding = &RecipientBinding{Kind: BindingKindRef, Ref: incoming.Optin.UserRef}
		s.resolution = newRecipientResolution()
	}
	return s
}

// setHopCount records the hop count captured from an inbound handover so it
// can be propagated on outgoing pass-thread calls.
func (s *Sender) setHopCount(n int) {
	s.mu.Lock()
	s.hopCount = n
	s.mu.Unlock()
}

// Send delivers one outbound payload and returns the platform response.
func (s *Sender) Send(ctx context.Context, payload OutboundPayload) (*Response, error) {
	s.mu.Lock()
	if s.binding != nil {
		payload.Recipient = s.binding.endpoint()
	}
	if payload.TargetAppID != "" && payload.Metadata == "" && s.hopCount > 0 {
		payload.Metadata = hopMetadata(s.hopCount + 1)
	}
	resolution := s.resolution
	s.mu.Unlock()

	if resolution != nil {
		resolution.markAttempt()
	}

	attachmentURL := s.substituteAttachment(ctx, &payload)

	res, err := s.request(ctx, payload)
	if err != nil {
		if resolution != nil {
			resolution.fail(err)
		}
		if payload.SenderAction == SenderActionMarkSeen {
			return s.swallowSeenFailure(ctx, err)
		}
		return nil, classifySendError(err)
	}

	if attachmentURL != "" && res.AttachmentID != "" && s.cache != nil {
		if err := s.cache.SaveAttachmentID(ctx, attachmentURL, res.AttachmentID.String()); err != nil {
			s.log.Warn("failed to cache attachment id", slog.String("error", err.Error()))
		}
	}

	if res.RecipientID != "" {
		s.confirmRecipient(res.RecipientID)
	} else if resolution != nil {
		resolution.fail(nil)
	}

	return res, nil
}

// confirmRecipient upgrades the binding to the durable id and resolves the
// pending future. Repeated resolution is a defined error state and is only
// logged.
func (s *Sender) confirmRecipient(id string) {
	s.mu.Lock()
	if s.binding != nil && s.binding.Kind == BindingKindRef {
		s.binding = &RecipientBinding{Kind: BindingKindID, ID: id}
	}
	resolution := s.resolution
	s.mu.Unlock()

	if resolution != nil {
		if err := resolution.resolve(id); err != nil {
			s.log.Warn("duplicate recipient resolution",
				slog.String("sender_id", s.senderID),
				slog.String("recipient_id", id))
		}
	}
}

// substituteAttachment swaps a reusable URL attachment for a cached attachment
// id when one is known. It returns the original URL when the payload carries a
// reusable attachment, so a newly minted id can be cached after the send.
func (s *Sender) substituteAttachment(ctx context.Context, payload *OutboundPayload) string {
	if s.cache == nil || payload.Message == nil {
		return ""
	}
	attachment, ok := payload.Message["attachment"].(map[string]any)
	if !ok {
		return ""
	}
	inner, ok := attachment["payload"].(map[string]any)
	if !ok {
		return ""
	}
	reusable, _ := inner["is_reusable"].(bool)
	rawURL, _ := inner["url"].(string)
	if !reusable || rawURL == "" {
		return ""
	}

	id, err := s.cache.FindAttachmentByURL(ctx, rawURL)
	if err != nil {
		s.log.Warn("attachment cache lookup failed", slog.String("error", err.Error()))
		return rawURL
	}
	if id == "" {
		return rawURL
	}

	attachment["payload"] = map[string]any{"attachment_id": id}
	return ""
}

// request routes the payload to its Send API endpoint and performs the call.
func (s *Sender) request(ctx context.Context, payload OutboundPayload) (*Response, error) {
	uri := s.apiURL
	var body any = payload

	if !s.staticURL {
		switch {
		case payload.TargetAppID != "":
			uri += "/pass_thread_control"
		case payload.TakeThreadControl != nil:
			uri += "/take_thread_control"
			body = controlBody(payload.Recipient, payload.TakeThreadControl)
		case payload.RequestThreadControl != nil:
			uri += "/request_thread_control"
			body = controlBody(payload.Recipient, payload.RequestThreadControl)
		default:
			uri += "/messages"
		}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode send payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		uri+"?access_token="+url.QueryEscape(s.token), bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpRes, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send api request failed: %w", err)
	}
	defer httpRes.Body.Close()

	resBody, err := io.ReadAll(io.LimitReader(httpRes.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read send api response: %w", err)
	}

	var envelope errorEnvelope
	if err := json.Unmarshal(resBody, &envelope); err == nil && envelope.Error != nil {
		return nil, envelope.Error
	}
	if httpRes.StatusCode >= http.StatusBadRequest {
		return nil, &PlatformError{
			Message: fmt.Sprintf("send api returned status %d", httpRes.StatusCode),
			Code:    httpRes.StatusCode,
		}
	}

	res := &Response{}
	if err := json.Unmarshal(resBody, res); err != nil {
		return nil, fmt.Errorf("failed to decode send api response: %w", err)
	}
	return res, nil
}

// swallowSeenFailure holds a failed mark_seen back briefly, then reports it as
// a non-error seen failure instead of failing the pipeline.
func (s *Sender) swallowSeenFailure(ctx context.Context, cause error) (*Response, error) {
	s.log.Debug("mark_seen delivery failed", slog.String("error", cause.Error()))
	timer := time.NewTimer(seenFailureDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	return &Response{SeenError: true}, nil
}

// OnStateLoad adjusts the freshly loaded conversation state before processing.
// A prior-message link migrates state from the previous conversation identity;
// otherwise a persisted recipient binding is restored into the sender.
func (s *Sender) OnStateLoad(ctx context.Context, store StateStorage, incoming *Event, st map[string]any) (map[string]any, error) {
	if incoming != nil && incoming.PriorMessage != nil && incoming.PriorMessage.Identifier != "" && store != nil {
		prior, found, err := store.GetState(ctx, incoming.PriorMessage.Identifier, s.pageID)
		if err != nil {
			return nil, fmt.Errorf("failed to load prior conversation state: %w", err)
		}
		if found {
			merged := map[string]any{}
			for k, v := range prior {
				merged[k] = v
			}
			merged[mergedFromStateKey] = incoming.PriorMessage.Identifier
			return merged, nil
		}
	}

	if raw, ok := st[recipientBindingStateKey]; ok {
		if binding := decodeBinding(raw); binding != nil {
			s.mu.Lock()
			// A persisted id binding always wins over a fresh ref binding.
			if s.binding == nil || binding.Kind == BindingKindID {
				s.binding = binding
			}
			s.mu.Unlock()
		}
	}
	return nil, nil
}

// OnStateSave contributes the sender's state patch before the conversation
// state is persisted. For a reference-started conversation it waits for the
// recipient resolution so the durable id lands in the same write.
func (s *Sender) OnStateSave(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	resolution := s.resolution
	s.mu.Unlock()

	if resolution != nil {
		id, err := resolution.wait(ctx)
		if err != nil {
			if errors.Is(err, ErrNoRecipientResolution) || errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			// A failed send already surfaced through Send; keep the ref binding.
		} else if id != "" {
			s.mu.Lock()
			if s.binding != nil && s.binding.Kind == BindingKindRef {
				s.binding = &RecipientBinding{Kind: BindingKindID, ID: id}
			}
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binding == nil {
		return nil, nil
	}
	return map[string]any{recipientBindingStateKey: map[string]any{
		"kind": s.binding.Kind,
		"ref":  s.binding.Ref,
		"id":   s.binding.ID,
	}}, nil
}

func (b *RecipientBinding) endpoint() *Endpoint {
	if b.Kind == BindingKindID {
		return &Endpoint{ID: b.ID}
	}
	return &Endpoint{UserRef: b.Ref}
}

func decodeBinding(raw any) *RecipientBinding {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	binding := &RecipientBinding{}
	binding.Kind, _ = m["kind"].(string)
	binding.Ref, _ = m["ref"].(string)
	binding.ID, _ = m["id"].(string)
	if binding.Kind != BindingKindRef && binding.Kind != BindingKindID {
		return nil
	}
	return binding
}

// controlBody reshapes a take or request thread-control payload into the flat
// {recipient, ...control} document those endpoints expect.
func controlBody(recipient *Endpoint, control map[string]any) map[string]any {
	body := map[string]any{"recipient": recipient}
	for k, v := range control {
		body[k] = v
	}
	return body
}

// hopMetadata encodes an outgoing handover hop counter the way the normalizer
// reads it back on the receiving side.
func hopMetadata(n int) string {
	payload, _ := json.Marshal(map[string]any{
		MetadataKeyData: map[string]any{HopCountField: n},
	})
	return string(payload)
}

func classifySendError(err error) error {
	var perr *PlatformError
	if errors.As(err, &perr) && unreachableErrorCodes[perr.Code] {
		return &SendError{
			Status: http.StatusForbidden,
			Err:    fmt.Errorf("%w: %s", ErrRecipientUnreachable, perr.Message),
		}
	}
	return err
}
