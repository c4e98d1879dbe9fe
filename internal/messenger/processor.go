package messenger

import (
	"context"
	"net/http"
)

// Processing statuses reported per handled event.
const (
	// StatusProcessed means the engine handled the event.
	StatusProcessed = http.StatusOK
	// StatusNoAction is the fixed accepted-but-ignored status reported when
	// an event is suppressed without an engine or platform call.
	StatusNoAction = http.StatusNoContent
	// StatusProcessingFailed is the engine's "finished with error" status.
	StatusProcessingFailed = http.StatusInternalServerError
)

// ProcessResult is the delivery outcome for one processed event.
type ProcessResult struct {
	Status int `json:"status"`
}

// ProcessMeta carries the conversation context handed to the engine alongside
// the normalized event.
type ProcessMeta struct {
	SenderID string
	PageID   string
	BatchID  string
	// State is the conversation state loaded before processing, including
	// any patch contributed by the handover normalizer.
	State map[string]any
	// Data carries contextual values for the engine. A captured handover hop
	// count is threaded through here under HopCountField so the engine can
	// bound recursive handover loops.
	Data map[string]any
}

// ReplySender is the narrow delivery capability handed to the processing
// engine. Sender is its one implementation here.
type ReplySender interface {
	Send(ctx context.Context, payload OutboundPayload) (*Response, error)
}

// Processor is the external conversational-bot processing engine: it receives
// a normalized event plus a sender handle and returns a delivery outcome.
type Processor interface {
	ProcessMessage(ctx context.Context, ev *Event, meta ProcessMeta, sender ReplySender) (ProcessResult, error)
}
