package messenger

import (
	"encoding/json"
	"regexp"
)

// HandoverPolicy is the fixed per-deployment configuration for translating
// thread-control events into bot actions. An empty action name disables the
// translation for that control type, suppressing the event instead.
type HandoverPolicy struct {
	// AppID is this deployment's own application identity, used to detect
	// self-originated take-thread events. Empty means "trust every take".
	AppID string

	PassThreadAction    string
	TakeThreadAction    string
	RequestThreadAction string
}

// NormalizedEvent is the output of the handover normalizer: either the raw
// event passed through unchanged or a synthetic event translated from a
// control event, plus the hop count captured from its metadata (0 = none).
type NormalizedEvent struct {
	Event    *Event
	HopCount int
}

// handoverMetadata is the decoded metadata of a pass-thread-control event.
type handoverMetadata struct {
	Action   string
	Data     map[string]any
	Text     string
	SetState map[string]any
}

var structuredMetadataPattern = regexp.MustCompile(`^\{".+\}$`)

// parseHandoverMetadata decodes a control metadata string against the strict
// object grammar: every key drawn from {action, data, text, setState}, action
// a string or null, data/setState objects, text a string, and at least one of
// action/text present. Any violation yields (zero, false) and the caller falls
// back to the raw-event passthrough policy.
func parseHandoverMetadata(metadata string) (handoverMetadata, bool) {
	var meta handoverMetadata

	if !structuredMetadataPattern.MatchString(metadata) {
		return meta, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(metadata), &fields); err != nil {
		return meta, false
	}

	for key, raw := range fields {
		switch key {
		case MetadataKeyAction:
			if string(raw) == "null" {
				continue
			}
			if err := json.Unmarshal(raw, &meta.Action); err != nil {
				return handoverMetadata{}, false
			}
		case MetadataKeyData:
			if err := json.Unmarshal(raw, &meta.Data); err != nil || meta.Data == nil {
				return handoverMetadata{}, false
			}
		case MetadataKeyText:
			// Unlike action, text may not be null: only absent or a string.
			if string(raw) == "null" {
				return handoverMetadata{}, false
			}
			if err := json.Unmarshal(raw, &meta.Text); err != nil {
				return handoverMetadata{}, false
			}
		case MetadataKeySetState:
			if err := json.Unmarshal(raw, &meta.SetState); err != nil || meta.SetState == nil {
				return handoverMetadata{}, false
			}
		default:
			return handoverMetadata{}, false
		}
	}

	if meta.Action == "" && meta.Text == "" {
		return handoverMetadata{}, false
	}
	return meta, true
}

// hopCount extracts the numeric $hopCount field from metadata data.
func (m handoverMetadata) hopCount() int {
	if m.Data == nil {
		return 0
	}
	if v, ok := m.Data[HopCountField].(float64); ok {
		return int(v)
	}
	return 0
}

// actionPayload encodes an action with its data the way quick-reply and
// postback payloads carry structured actions.
func actionPayload(action string, data map[string]any) string {
	if data == nil {
		data = map[string]any{}
	}
	payload, _ := json.Marshal(struct {
		Action string         `json:"action"`
		Data   map[string]any `json:"data"`
	}{Action: action, Data: data})
	return string(payload)
}

// normalizeEvent turns one inbound event into zero or one normalized event.
// A nil result means the event is suppressed: the engine is never invoked and
// the pipeline reports the fixed accepted status without a platform call.
func normalizeEvent(ev *Event, policy HandoverPolicy) *NormalizedEvent {
	if ev.PassThreadControl != nil {
		if meta, ok := parseHandoverMetadata(ev.PassThreadControl.Metadata); ok {
			return normalizeMetadata(ev, meta)
		}
	}

	switch {
	case ev.TakeThreadControl != nil:
		return normalizeTakeThread(ev, policy)
	case ev.PassThreadControl != nil:
		return normalizeControlAction(ev, policy.PassThreadAction, ev.PassThreadControl)
	case ev.RequestThreadControl != nil:
		return normalizeControlAction(ev, policy.RequestThreadAction, ev.RequestThreadControl)
	}

	return &NormalizedEvent{Event: ev}
}

// normalizeMetadata emits the event described by valid pass-thread metadata:
// a quick-reply text when both action and text are present, an action when
// only the action is, a plain text otherwise. setState rides along as a state
// patch in every case.
func normalizeMetadata(ev *Event, meta handoverMetadata) *NormalizedEvent {
	synthetic := &Event{
		Sender:    ev.Sender,
		Recipient: ev.Recipient,
		Timestamp: ev.Timestamp,
		SetState:  meta.SetState,
	}

	switch {
	case meta.Action != "" && meta.Text != "":
		synthetic.Message = &Message{
			Text:       meta.Text,
			QuickReply: &QuickReply{Payload: actionPayload(meta.Action, meta.Data)},
		}
	case meta.Action != "":
		synthetic.Postback = &Postback{Payload: actionPayload(meta.Action, meta.Data)}
	default:
		synthetic.Message = &Message{Text: meta.Text}
	}

	return &NormalizedEvent{Event: synthetic, HopCount: meta.hopCount()}
}

// normalizeTakeThread applies the loop-prevention guard: the take is
// translated only when it was taken from ourselves (previous owner equals our
// app id, or no app id is configured) and the control metadata is not our own
// app id (a flag meaning "we already know about this take").
func normalizeTakeThread(ev *Event, policy HandoverPolicy) *NormalizedEvent {
	if policy.TakeThreadAction == "" {
		return nil
	}
	control := ev.TakeThreadControl
	if policy.AppID != "" && control.PreviousOwnerAppID.String() != policy.AppID {
		return nil
	}
	if policy.AppID != "" && control.Metadata == policy.AppID {
		return nil
	}
	return controlActionEvent(ev, policy.TakeThreadAction, control)
}

func normalizeControlAction(ev *Event, action string, control *ThreadControl) *NormalizedEvent {
	if action == "" {
		return nil
	}
	return controlActionEvent(ev, action, control)
}

func controlActionEvent(ev *Event, action string, control *ThreadControl) *NormalizedEvent {
	data := map[string]any{}
	if raw, err := json.Marshal(control); err == nil {
		_ = json.Unmarshal(raw, &data)
	}
	synthetic := &Event{
		Sender:    ev.Sender,
		Recipient: ev.Recipient,
		Timestamp: ev.Timestamp,
		Postback:  &Postback{Payload: actionPayload(action, data)},
	}
	return &NormalizedEvent{Event: synthetic}
}
