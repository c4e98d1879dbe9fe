package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/threadline/threadline/internal/messenger"
)

// HTTPDoer is the outbound HTTP capability, injectable in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// relayRequest is the document posted to the downstream bot service for each
// normalized event.
type relayRequest struct {
	Event    *messenger.Event `json:"event"`
	SenderID string           `json:"sender_id"`
	PageID   string           `json:"page_id"`
	BatchID  string           `json:"batch_id"`
	State    map[string]any   `json:"state,omitempty"`
	Data     map[string]any   `json:"data,omitempty"`
}

// relayResponse is the downstream service's reply: a processing status plus
// the messages to deliver on its behalf.
type relayResponse struct {
	Status   int                         `json:"status"`
	Messages []messenger.OutboundPayload `json:"messages,omitempty"`
	SetState map[string]any              `json:"set_state,omitempty"`
}

// HTTP relays normalized events to a downstream bot service over HTTP and
// delivers the payloads it returns.
type HTTP struct {
	log    *slog.Logger
	client HTTPDoer
	url    string
}

// NewHTTP builds the relay engine for one downstream URL.
func NewHTTP(log *slog.Logger, client HTTPDoer, url string, timeout time.Duration) *HTTP {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTP{
		log:    log.With(slog.String("component", "http_engine")),
		client: client,
		url:    url,
	}
}

func (h *HTTP) ProcessMessage(ctx context.Context, ev *messenger.Event, meta messenger.ProcessMeta, sender messenger.ReplySender) (messenger.ProcessResult, error) {
	body, err := json.Marshal(relayRequest{
		Event:    ev,
		SenderID: meta.SenderID,
		PageID:   meta.PageID,
		BatchID:  meta.BatchID,
		State:    meta.State,
		Data:     meta.Data,
	})
	if err != nil {
		return messenger.ProcessResult{}, fmt.Errorf("failed to encode relay request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return messenger.ProcessResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpRes, err := h.client.Do(req)
	if err != nil {
		return messenger.ProcessResult{}, fmt.Errorf("relay request failed: %w", err)
	}
	defer httpRes.Body.Close()

	resBody, err := io.ReadAll(io.LimitReader(httpRes.Body, 1<<20))
	if err != nil {
		return messenger.ProcessResult{}, fmt.Errorf("failed to read relay response: %w", err)
	}
	if httpRes.StatusCode >= http.StatusBadRequest {
		return messenger.ProcessResult{}, fmt.Errorf("relay returned status %d", httpRes.StatusCode)
	}

	var relay relayResponse
	if err := json.Unmarshal(resBody, &relay); err != nil {
		return messenger.ProcessResult{}, fmt.Errorf("failed to decode relay response: %w", err)
	}

	if meta.State != nil {
		for k, v := range relay.SetState {
			meta.State[k] = v
		}
	}

	for _, payload := range relay.Messages {
		if _, err := h.deliver(ctx, sender, payload); err != nil {
			return messenger.ProcessResult{Status: messenger.StatusProcessingFailed}, err
		}
	}

	status := relay.Status
	if status == 0 {
		status = messenger.StatusProcessed
	}
	return messenger.ProcessResult{Status: status}, nil
}

// deliver sends one payload. A permanently unreachable recipient is logged
// and skipped rather than failing the whole event, since retrying can never
// succeed.
func (h *HTTP) deliver(ctx context.Context, sender messenger.ReplySender, payload messenger.OutboundPayload) (*messenger.Response, error) {
	res, err := sender.Send(ctx, payload)
	if err != nil {
		if errors.Is(err, messenger.ErrRecipientUnreachable) {
			h.log.Warn("recipient unreachable, dropping message", slog.String("error", err.Error()))
			return nil, nil
		}
		return nil, err
	}
	return res, nil
}
