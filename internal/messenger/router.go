package messenger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ProfileLoader fetches a user's public profile as a state value. It is
// optional; a nil loader disables profile enrichment.
type ProfileLoader interface {
	Load(ctx context.Context, senderID string) (map[string]any, error)
}

// GatewayOptions wires the gateway's collaborators and fixed policy.
type GatewayOptions struct {
	PageToken string
	APIURL    string
	PageID    string
	Policy    HandoverPolicy

	// ThrowOnProcessorError escalates an engine status of 500 or higher into
	// a processing error for the conversation.
	ThrowOnProcessorError bool

	Processor   Processor
	States      StateStorage
	Attachments AttachmentCache
	Profiles    ProfileLoader
	Client      HTTPDoer
	Logger      *slog.Logger
}

// GatewayStats is a point-in-time snapshot of processing counters.
type GatewayStats struct {
	Processed   int64     `json:"processed"`
	Suppressed  int64     `json:"suppressed"`
	Failed      int64     `json:"failed"`
	Unprocessed int64     `json:"unprocessed"`
	StartedAt   time.Time `json:"started_at"`
}

// InboundEnvelope is one routable event with its conversation routing key and
// originating page.
type InboundEnvelope struct {
	PageID    string
	SenderKey string
	Event     *Event
}

// Gateway fans webhook payloads out into per-conversation queues, keeps each
// queue strictly ordered, and runs distinct conversations concurrently.
type Gateway struct {
	opts GatewayOptions
	log  *slog.Logger

	processed   atomic.Int64
	suppressed  atomic.Int64
	failed      atomic.Int64
	unprocessed atomic.Int64
	startedAt   time.Time
}

// NewGateway builds the event router around its processing engine.
func NewGateway(opts GatewayOptions) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		opts:      opts,
		log:       log.With(slog.String("component", "messenger_gateway")),
		startedAt: time.Now(),
	}
}

// Stats returns the gateway's processing counters.
func (g *Gateway) Stats() GatewayStats {
	return GatewayStats{
		Processed:   g.processed.Load(),
		Suppressed:  g.suppressed.Load(),
		Failed:      g.failed.Load(),
		Unprocessed: g.unprocessed.Load(),
		StartedAt:   g.startedAt,
	}
}

// ProcessEvent routes one webhook payload. Events of the same conversation are
// processed strictly in arrival order; distinct conversations run
// concurrently. The call returns after every conversation queue has drained,
// with the list of events that carried no recognized type.
func (g *Gateway) ProcessEvent(ctx context.Context, payload *WebhookPayload) []UnprocessedEvent {
	if payload == nil || payload.Object != PageObjectType {
		return nil
	}

	batchID := uuid.NewString()
	queues := map[string][]InboundEnvelope{}
	var unprocessed []UnprocessedEvent

	for _, entry := range payload.Entry {
		for _, ev := range entry.Messaging {
			g.enqueue(queues, &unprocessed, entry.ID, ev)
		}
		for _, ev := range entry.Standby {
			// Plain texts in standby would double-deliver while another app
			// owns the thread.
			if ev.IsPlainText() {
				g.log.Debug("dropping standby text",
					slog.String("page_id", entry.ID),
					slog.String("sender_key", ev.SenderKey()))
				continue
			}
			g.enqueue(queues, &unprocessed, entry.ID, ev)
		}
	}

	g.unprocessed.Add(int64(len(unprocessed)))

	var wg sync.WaitGroup
	for key, queue := range queues {
		wg.Add(1)
		go func(key string, queue []InboundEnvelope) {
			defer wg.Done()
			g.processConversation(ctx, batchID, key, queue)
		}(key, queue)
	}
	wg.Wait()

	return unprocessed
}

func (g *Gateway) enqueue(queues map[string][]InboundEnvelope, unprocessed *[]UnprocessedEvent, pageID string, ev *Event) {
	if !ev.IsRoutable() {
		*unprocessed = append(*unprocessed, UnprocessedEvent{PageID: pageID, Event: ev})
		return
	}
	key := ev.SenderKey()
	if key == "" {
		*unprocessed = append(*unprocessed, UnprocessedEvent{PageID: pageID, Event: ev})
		return
	}
	if ev.Sender == nil || ev.Sender.ID == "" {
		// Optin events come without a sender; synthesize one from the user
		// reference so downstream consumers see a uniform identity.
		ev.Sender = &Endpoint{ID: key}
	}
	queues[key] = append(queues[key], InboundEnvelope{PageID: pageID, SenderKey: key, Event: ev})
}

// processConversation drains one conversation queue to completion. A failure
// of one event is logged and does not stop the rest of the queue, nor does it
// ever propagate to other conversations.
func (g *Gateway) processConversation(ctx context.Context, batchID, key string, queue []InboundEnvelope) {
	for _, env := range queue {
		res, err := g.processMessage(ctx, batchID, env)
		if err != nil {
			g.failed.Add(1)
			g.log.Error("event processing failed",
				slog.String("batch_id", batchID),
				slog.String("sender_key", key),
				slog.String("page_id", env.PageID),
				slog.String("error", err.Error()))
			continue
		}
		if res.Status == StatusNoAction {
			g.suppressed.Add(1)
		} else {
			g.processed.Add(1)
		}
	}
}

// processMessage runs the full pipeline for one event: normalization, state
// load with the sender's hooks, engine invocation, and the state save.
func (g *Gateway) processMessage(ctx context.Context, batchID string, env InboundEnvelope) (ProcessResult, error) {
	norm := normalizeEvent(env.Event, g.opts.Policy)
	if norm == nil {
		return ProcessResult{Status: StatusNoAction}, nil
	}

	sender := NewSender(SenderOptions{
		PageToken:   g.opts.PageToken,
		APIURL:      g.opts.APIURL,
		AppID:       g.opts.Policy.AppID,
		PageID:      g.pageID(env),
		Attachments: g.opts.Attachments,
		Client:      g.opts.Client,
		Logger:      g.log,
	}, env.SenderKey, env.Event)

	if norm.HopCount > 0 {
		sender.setHopCount(norm.HopCount)
	}

	st, err := g.loadState(ctx, env, sender)
	if err != nil {
		return ProcessResult{}, err
	}
	if norm.Event.SetState != nil {
		for k, v := range norm.Event.SetState {
			st[k] = v
		}
	}
	g.loadProfile(ctx, env, st)

	meta := ProcessMeta{
		SenderID: env.SenderKey,
		PageID:   g.pageID(env),
		BatchID:  batchID,
		State:    st,
		Data:     map[string]any{},
	}
	if norm.HopCount > 0 {
		meta.Data[HopCountField] = norm.HopCount
	}

	res, err := g.opts.Processor.ProcessMessage(ctx, norm.Event, meta, sender)
	if err != nil {
		return ProcessResult{}, err
	}
	if g.opts.ThrowOnProcessorError && res.Status >= StatusProcessingFailed {
		return ProcessResult{}, fmt.Errorf("processing engine reported status %d", res.Status)
	}

	if err := g.saveState(ctx, env, sender, st); err != nil {
		return ProcessResult{}, err
	}
	return res, nil
}

func (g *Gateway) pageID(env InboundEnvelope) string {
	if g.opts.PageID != "" {
		return g.opts.PageID
	}
	return env.PageID
}

func (g *Gateway) loadState(ctx context.Context, env InboundEnvelope, sender *Sender) (map[string]any, error) {
	st := map[string]any{}
	if g.opts.States == nil {
		return st, nil
	}
	loaded, _, err := g.opts.States.GetState(ctx, env.SenderKey, g.pageID(env))
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation state: %w", err)
	}
	if loaded != nil {
		st = loaded
	}
	replacement, err := sender.OnStateLoad(ctx, g.opts.States, env.Event, st)
	if err != nil {
		return nil, err
	}
	if replacement != nil {
		st = replacement
	}
	return st, nil
}

func (g *Gateway) loadProfile(ctx context.Context, env InboundEnvelope, st map[string]any) {
	if g.opts.Profiles == nil {
		return
	}
	if _, ok := st["user"]; ok {
		return
	}
	profile, err := g.opts.Profiles.Load(ctx, env.SenderKey)
	if err != nil {
		g.log.Debug("profile load failed",
			slog.String("sender_key", env.SenderKey),
			slog.String("error", err.Error()))
		return
	}
	if profile != nil {
		st["user"] = profile
	}
}

func (g *Gateway) saveState(ctx context.Context, env InboundEnvelope, sender *Sender, st map[string]any) error {
	if g.opts.States == nil {
		return nil
	}
	patch, err := sender.OnStateSave(ctx)
	if err != nil {
		return err
	}
	for k, v := range patch {
		st[k] = v
	}
	if err := g.opts.States.SetState(ctx, env.SenderKey, g.pageID(env), st); err != nil {
		return fmt.Errorf("failed to save conversation state: %w", err)
	}
	return nil
}
