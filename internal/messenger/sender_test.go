package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDoer struct {
	requests  []*http.Request
	bodies    []map[string]any
	responses []string
	statuses  []int
}

func (d *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	raw, _ := io.ReadAll(req.Body)
	body := map[string]any{}
	_ = json.Unmarshal(raw, &body)
	d.requests = append(d.requests, req)
	d.bodies = append(d.bodies, body)

	res := `{"recipient_id":"123","message_id":"mid.1"}`
	status := http.StatusOK
	if n := len(d.requests) - 1; n < len(d.responses) {
		res = d.responses[n]
		if n < len(d.statuses) {
			status = d.statuses[n]
		}
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(res))),
	}, nil
}

func newTestSender(doer *fakeDoer, incoming *Event, opts SenderOptions) *Sender {
	opts.PageToken = "tok"
	opts.Client = doer
	key := ""
	if incoming != nil {
		key = incoming.SenderKey()
	}
	return NewSender(opts, key, incoming)
}

func textEvent(senderID string) *Event {
	return &Event{
		Sender:    &Endpoint{ID: senderID},
		Recipient: &Endpoint{ID: "page-1"},
		Message:   &Message{Text: "hi"},
	}
}

func TestSender_EndpointRouting(t *testing.T) {
	t.Parallel()

	t.Run("messages", func(t *testing.T) {
		t.Parallel()
		doer := &fakeDoer{}
		s := newTestSender(doer, textEvent("u1"), SenderOptions{})

		_, err := s.Send(context.Background(), OutboundPayload{
			Recipient: &Endpoint{ID: "u1"},
			Message:   map[string]any{"text": "hello"},
		})
		require.NoError(t, err)
		require.Len(t, doer.requests, 1)
		assert.Contains(t, doer.requests[0].URL.Path, "/messages")
		assert.Equal(t, "tok", doer.requests[0].URL.Query().Get("access_token"))
	})

	t.Run("pass thread control", func(t *testing.T) {
		t.Parallel()
		doer := &fakeDoer{}
		s := newTestSender(doer, textEvent("u1"), SenderOptions{})

		_, err := s.Send(context.Background(), OutboundPayload{
			Recipient:   &Endpoint{ID: "u1"},
			TargetAppID: "365",
		})
		require.NoError(t, err)
		require.Len(t, doer.requests, 1)
		assert.Contains(t, doer.requests[0].URL.Path, "/pass_thread_control")
		assert.Equal(t, "365", doer.bodies[0]["target_app_id"])
	})

	t.Run("take thread control reshapes body", func(t *testing.T) {
		t.Parallel()
		doer := &fakeDoer{}
		s := newTestSender(doer, textEvent("u1"), SenderOptions{})

		_, err := s.Send(context.Background(), OutboundPayload{
			Recipient:         &Endpoint{ID: "u1"},
			TakeThreadControl: map[string]any{"metadata": "m"},
		})
		require.NoError(t, err)
		require.Len(t, doer.requests, 1)
		assert.Contains(t, doer.requests[0].URL.Path, "/take_thread_control")
		assert.Equal(t, "m", doer.bodies[0]["metadata"])
		recipient, ok := doer.bodies[0]["recipient"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "u1", recipient["id"])
		assert.NotContains(t, doer.bodies[0], "take_thread_control")
	})

	t.Run("request thread control reshapes body", func(t *testing.T) {
		t.Parallel()
		doer := &fakeDoer{}
		s := newTestSender(doer, textEvent("u1"), SenderOptions{})

		_, err := s.Send(context.Background(), OutboundPayload{
			Recipient:            &Endpoint{ID: "u1"},
			RequestThreadControl: map[string]any{"metadata": "please"},
		})
		require.NoError(t, err)
		require.Len(t, doer.requests, 1)
		assert.Contains(t, doer.requests[0].URL.Path, "/request_thread_control")
		assert.Equal(t, "please", doer.bodies[0]["metadata"])
	})

	t.Run("override url disables routing", func(t *testing.T) {
		t.Parallel()
		doer := &fakeDoer{}
		s := newTestSender(doer, textEvent("u1"), SenderOptions{APIURL: "http://localhost:9999/hook"})

		_, err := s.Send(context.Background(), OutboundPayload{
			Recipient:   &Endpoint{ID: "u1"},
			TargetAppID: "365",
		})
		require.NoError(t, err)
		require.Len(t, doer.requests, 1)
		assert.Equal(t, "/hook", doer.requests[0].URL.Path)
	})
}

func TestSender_HopCountPropagation(t *testing.T) {
	t.Parallel()

	doer := &fakeDoer{}
	s := newTestSender(doer, textEvent("u1"), SenderOptions{})
	s.setHopCount(1)

	_, err := s.Send(context.Background(), OutboundPayload{
		Recipient:   &Endpoint{ID: "u1"},
		TargetAppID: "365",
	})
	require.NoError(t, err)
	require.Len(t, doer.bodies, 1)

	metadata, _ := doer.bodies[0]["metadata"].(string)
	var decoded map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(metadata), &decoded))
	assert.Equal(t, float64(2), decoded["data"][HopCountField])
}

func TestSender_HopCountDoesNotOverrideMetadata(t *testing.T) {
	t.Parallel()

	doer := &fakeDoer{}
	s := newTestSender(doer, textEvent("u1"), SenderOptions{})
	s.setHopCount(1)

	_, err := s.Send(context.Background(), OutboundPayload{
		Recipient:   &Endpoint{ID: "u1"},
		TargetAppID: "365",
		Metadata:    "custom",
	})
	require.NoError(t, err)
	assert.Equal(t, "custom", doer.bodies[0]["metadata"])
}

func reusableImagePayload(url string) OutboundPayload {
	return OutboundPayload{
		Recipient: &Endpoint{ID: "u1"},
		Message: map[string]any{
			"attachment": map[string]any{
				"type": "image",
				"payload": map[string]any{
					"url":         url,
					"is_reusable": true,
				},
			},
		},
	}
}

func TestSender_AttachmentReuse(t *testing.T) {
	t.Parallel()

	t.Run("cache hit substitutes attachment id", func(t *testing.T) {
		t.Parallel()
		cache := newMemoryAttachmentCache()
		require.NoError(t, cache.SaveAttachmentID(context.Background(), "https://img/x.png", "456"))

		doer := &fakeDoer{}
		s := newTestSender(doer, textEvent("u1"), SenderOptions{Attachments: cache})

		_, err := s.Send(context.Background(), reusableImagePayload("https://img/x.png"))
		require.NoError(t, err)

		message := doer.bodies[0]["message"].(map[string]any)
		attachment := message["attachment"].(map[string]any)
		payload := attachment["payload"].(map[string]any)
		assert.Equal(t, "456", payload["attachment_id"])
		assert.NotContains(t, payload, "url")
	})

	t.Run("second send of the same url reuses the stored id", func(t *testing.T) {
		t.Parallel()
		cache := newMemoryAttachmentCache()
		doer := &fakeDoer{responses: []string{`{"recipient_id":"123","message_id":"mid.1","attachment_id":"888"}`}}
		s := newTestSender(doer, textEvent("u1"), SenderOptions{Attachments: cache})

		_, err := s.Send(context.Background(), reusableImagePayload("https://img/z.png"))
		require.NoError(t, err)
		_, err = s.Send(context.Background(), reusableImagePayload("https://img/z.png"))
		require.NoError(t, err)
		require.Len(t, doer.bodies, 2)

		// Only the first send carries the url for upload.
		first := doer.bodies[0]["message"].(map[string]any)["attachment"].(map[string]any)["payload"].(map[string]any)
		assert.Equal(t, "https://img/z.png", first["url"])
		assert.NotContains(t, first, "attachment_id")

		second := doer.bodies[1]["message"].(map[string]any)["attachment"].(map[string]any)["payload"].(map[string]any)
		assert.Equal(t, "888", second["attachment_id"])
		assert.NotContains(t, second, "url")
	})

	t.Run("cache miss stores returned id", func(t *testing.T) {
		t.Parallel()
		cache := newMemoryAttachmentCache()
		doer := &fakeDoer{responses: []string{`{"recipient_id":"123","message_id":"mid.1","attachment_id":777}`}}
		s := newTestSender(doer, textEvent("u1"), SenderOptions{Attachments: cache})

		_, err := s.Send(context.Background(), reusableImagePayload("https://img/y.png"))
		require.NoError(t, err)

		id, err := cache.FindAttachmentByURL(context.Background(), "https://img/y.png")
		require.NoError(t, err)
		assert.Equal(t, "777", id)
	})
}

func optinEvent(userRef string) *Event {
	return &Event{
		Recipient: &Endpoint{ID: "page-1"},
		Optin:     &Optin{Ref: "campaign", UserRef: userRef},
	}
}

func TestSender_RecipientBindingUpgrade(t *testing.T) {
	t.Parallel()

	doer := &fakeDoer{}
	s := newTestSender(doer, optinEvent("REF-1"), SenderOptions{})

	_, err := s.Send(context.Background(), OutboundPayload{
		Recipient: &Endpoint{ID: "REF-1"},
		Message:   map[string]any{"text": "welcome"},
	})
	require.NoError(t, err)

	// First send is addressed by user_ref regardless of the given recipient.
	recipient := doer.bodies[0]["recipient"].(map[string]any)
	assert.Equal(t, "REF-1", recipient["user_ref"])
	assert.NotContains(t, recipient, "id")

	// Platform confirmed a durable id; later sends must use it.
	_, err = s.Send(context.Background(), OutboundPayload{
		Recipient: &Endpoint{UserRef: "REF-1"},
		Message:   map[string]any{"text": "again"},
	})
	require.NoError(t, err)
	recipient = doer.bodies[1]["recipient"].(map[string]any)
	assert.Equal(t, "123", recipient["id"])
	assert.NotContains(t, recipient, "user_ref")

	patch, err := s.OnStateSave(context.Background())
	require.NoError(t, err)
	binding := patch[recipientBindingStateKey].(map[string]any)
	assert.Equal(t, BindingKindID, binding["kind"])
	assert.Equal(t, "123", binding["id"])
}

func TestSender_OnStateSaveWithoutSend(t *testing.T) {
	t.Parallel()

	s := newTestSender(&fakeDoer{}, optinEvent("REF-1"), SenderOptions{})
	_, err := s.OnStateSave(context.Background())
	assert.ErrorIs(t, err, ErrNoRecipientResolution)
}

func TestSender_OnStateSaveWithoutBinding(t *testing.T) {
	t.Parallel()

	s := newTestSender(&fakeDoer{}, textEvent("u1"), SenderOptions{})
	patch, err := s.OnStateSave(context.Background())
	require.NoError(t, err)
	assert.Nil(t, patch)
}

func TestSender_OnStateLoadRestoresBinding(t *testing.T) {
	t.Parallel()

	doer := &fakeDoer{}
	s := newTestSender(doer, optinEvent("REF-1"), SenderOptions{})

	_, err := s.OnStateLoad(context.Background(), nil, optinEvent("REF-1"), map[string]any{
		recipientBindingStateKey: map[string]any{"kind": BindingKindID, "id": "987"},
	})
	require.NoError(t, err)

	_, err = s.Send(context.Background(), OutboundPayload{
		Recipient: &Endpoint{UserRef: "REF-1"},
		Message:   map[string]any{"text": "hi"},
	})
	require.NoError(t, err)
	recipient := doer.bodies[0]["recipient"].(map[string]any)
	assert.Equal(t, "987", recipient["id"])
}

func TestSender_MarkSeenFailureSwallowed(t *testing.T) {
	t.Parallel()

	doer := &fakeDoer{
		responses: []string{`{"error":{"message":"nope","code":100}}`},
		statuses:  []int{http.StatusBadRequest},
	}
	s := newTestSender(doer, textEvent("u1"), SenderOptions{})

	res, err := s.Send(context.Background(), OutboundPayload{
		Recipient:    &Endpoint{ID: "u1"},
		SenderAction: SenderActionMarkSeen,
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.SeenError)
}

func TestSender_UnreachableRecipient(t *testing.T) {
	t.Parallel()

	for _, code := range []int{200, 10} {
		doer := &fakeDoer{
			responses: []string{`{"error":{"message":"This person isn't available right now","code":` + jsonInt(code) + `}}`},
			statuses:  []int{http.StatusBadRequest},
		}
		s := newTestSender(doer, textEvent("u1"), SenderOptions{})

		_, err := s.Send(context.Background(), OutboundPayload{
			Recipient: &Endpoint{ID: "u1"},
			Message:   map[string]any{"text": "hi"},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRecipientUnreachable)

		var sendErr *SendError
		require.ErrorAs(t, err, &sendErr)
		assert.Equal(t, http.StatusForbidden, sendErr.Status)
	}
}

func TestSender_PlatformErrorPassthrough(t *testing.T) {
	t.Parallel()

	doer := &fakeDoer{
		responses: []string{`{"error":{"message":"invalid parameter","code":100}}`},
		statuses:  []int{http.StatusBadRequest},
	}
	s := newTestSender(doer, textEvent("u1"), SenderOptions{})

	_, err := s.Send(context.Background(), OutboundPayload{
		Recipient: &Endpoint{ID: "u1"},
		Message:   map[string]any{"text": "hi"},
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRecipientUnreachable)

	var perr *PlatformError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 100, perr.Code)
}

func jsonInt(n int) string {
	raw, _ := json.Marshal(n)
	return string(raw)
}

// memoryAttachmentCache is a test double matching the attachments package
// semantics without importing it.
type memoryAttachmentCache struct {
	entries map[string]string
}

func newMemoryAttachmentCache() *memoryAttachmentCache {
	return &memoryAttachmentCache{entries: map[string]string{}}
}

func (c *memoryAttachmentCache) FindAttachmentByURL(_ context.Context, url string) (string, error) {
	return c.entries[url], nil
}

func (c *memoryAttachmentCache) SaveAttachmentID(_ context.Context, url, id string) error {
	c.entries[url] = id
	return nil
}

func TestFlexID_Unmarshal(t *testing.T) {
	t.Parallel()

	var control ThreadControl
	require.NoError(t, json.Unmarshal([]byte(`{"previous_owner_app_id":263902037430900}`), &control))
	assert.Equal(t, "263902037430900", control.PreviousOwnerAppID.String())

	require.NoError(t, json.Unmarshal([]byte(`{"previous_owner_app_id":"1"}`), &control))
	assert.Equal(t, "1", control.PreviousOwnerAppID.String())
}
