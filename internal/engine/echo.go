// Package engine provides processing engines for the messenger gateway: a
// local echo engine for development and an HTTP relay that forwards
// normalized events to a downstream bot service.
package engine

import (
	"context"
	"log/slog"

	"github.com/threadline/threadline/internal/messenger"
)

// Echo replies to every text message with the received text. It exists for
// development and end-to-end smoke testing of the delivery pipeline.
type Echo struct {
	log *slog.Logger
}

func NewEcho(log *slog.Logger) *Echo {
	if log == nil {
		log = slog.Default()
	}
	return &Echo{log: log.With(slog.String("component", "echo_engine"))}
}

func (e *Echo) ProcessMessage(ctx context.Context, ev *messenger.Event, meta messenger.ProcessMeta, sender messenger.ReplySender) (messenger.ProcessResult, error) {
	if ev.Message == nil || ev.Message.Text == "" {
		return messenger.ProcessResult{Status: messenger.StatusNoAction}, nil
	}

	_, err := sender.Send(ctx, messenger.OutboundPayload{
		Recipient: &messenger.Endpoint{ID: meta.SenderID},
		Message:   map[string]any{"text": ev.Message.Text},
	})
	if err != nil {
		return messenger.ProcessResult{Status: messenger.StatusProcessingFailed}, err
	}
	return messenger.ProcessResult{Status: messenger.StatusProcessed}, nil
}
