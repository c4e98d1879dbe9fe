package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/messenger"
)

type fakeSender struct {
	mu       sync.Mutex
	payloads []messenger.OutboundPayload
	err      error
}

func (s *fakeSender) Send(_ context.Context, payload messenger.OutboundPayload) (*messenger.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.payloads = append(s.payloads, payload)
	return &messenger.Response{RecipientID: "123", MessageID: "mid.1"}, nil
}

type fakeRelayDoer struct {
	requests []map[string]any
	response string
	status   int
}

func (d *fakeRelayDoer) Do(req *http.Request) (*http.Response, error) {
	raw, _ := io.ReadAll(req.Body)
	body := map[string]any{}
	_ = json.Unmarshal(raw, &body)
	d.requests = append(d.requests, body)

	status := d.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(d.response))),
	}, nil
}

func TestEcho_RepliesWithReceivedText(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	eng := NewEcho(nil)

	res, err := eng.ProcessMessage(context.Background(),
		&messenger.Event{Message: &messenger.Message{Text: "hello"}},
		messenger.ProcessMeta{SenderID: "alice"},
		sender)
	require.NoError(t, err)
	assert.Equal(t, messenger.StatusProcessed, res.Status)
	require.Len(t, sender.payloads, 1)
	assert.Equal(t, "hello", sender.payloads[0].Message["text"])
	assert.Equal(t, "alice", sender.payloads[0].Recipient.ID)
}

func TestEcho_IgnoresNonText(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	eng := NewEcho(nil)

	res, err := eng.ProcessMessage(context.Background(),
		&messenger.Event{Postback: &messenger.Postback{Payload: "go"}},
		messenger.ProcessMeta{SenderID: "alice"},
		sender)
	require.NoError(t, err)
	assert.Equal(t, messenger.StatusNoAction, res.Status)
	assert.Empty(t, sender.payloads)
}

func TestHTTP_RelaysAndDelivers(t *testing.T) {
	t.Parallel()

	doer := &fakeRelayDoer{response: `{"status":200,"messages":[{"recipient":{"id":"alice"},"message":{"text":"from bot"}}]}`}
	sender := &fakeSender{}
	eng := NewHTTP(nil, doer, "http://bot.internal/process", 0)

	res, err := eng.ProcessMessage(context.Background(),
		&messenger.Event{Sender: &messenger.Endpoint{ID: "alice"}, Message: &messenger.Message{Text: "hi"}},
		messenger.ProcessMeta{SenderID: "alice", PageID: "page-1", State: map[string]any{}},
		sender)
	require.NoError(t, err)
	assert.Equal(t, messenger.StatusProcessed, res.Status)

	require.Len(t, doer.requests, 1)
	assert.Equal(t, "alice", doer.requests[0]["sender_id"])
	assert.Equal(t, "page-1", doer.requests[0]["page_id"])

	require.Len(t, sender.payloads, 1)
	assert.Equal(t, "from bot", sender.payloads[0].Message["text"])
}

func TestHTTP_AppliesSetState(t *testing.T) {
	t.Parallel()

	doer := &fakeRelayDoer{response: `{"status":200,"set_state":{"step":"done"}}`}
	state := map[string]any{}
	eng := NewHTTP(nil, doer, "http://bot.internal/process", 0)

	_, err := eng.ProcessMessage(context.Background(),
		&messenger.Event{Message: &messenger.Message{Text: "hi"}},
		messenger.ProcessMeta{SenderID: "alice", State: state},
		&fakeSender{})
	require.NoError(t, err)
	assert.Equal(t, "done", state["step"])
}

func TestHTTP_DownstreamFailure(t *testing.T) {
	t.Parallel()

	doer := &fakeRelayDoer{response: `oops`, status: http.StatusBadGateway}
	eng := NewHTTP(nil, doer, "http://bot.internal/process", 0)

	_, err := eng.ProcessMessage(context.Background(),
		&messenger.Event{Message: &messenger.Message{Text: "hi"}},
		messenger.ProcessMeta{SenderID: "alice"},
		&fakeSender{})
	assert.Error(t, err)
}

func TestHTTP_DropsUnreachableRecipient(t *testing.T) {
	t.Parallel()

	doer := &fakeRelayDoer{response: `{"status":200,"messages":[{"recipient":{"id":"alice"},"message":{"text":"x"}}]}`}
	sender := &fakeSender{err: &messenger.SendError{Status: http.StatusForbidden, Err: messenger.ErrRecipientUnreachable}}
	eng := NewHTTP(nil, doer, "http://bot.internal/process", 0)

	res, err := eng.ProcessMessage(context.Background(),
		&messenger.Event{Message: &messenger.Message{Text: "hi"}},
		messenger.ProcessMeta{SenderID: "alice"},
		sender)
	require.NoError(t, err)
	assert.Equal(t, messenger.StatusProcessed, res.Status)
}
