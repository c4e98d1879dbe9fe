// Package messenger adapts the Facebook Messenger webhook and Send API to a
// generic conversational-bot processing engine. It normalizes heterogeneous
// webhook events (messages, postbacks, optins, and the three-way thread
// handover protocol) into a uniform event model, preserves per-conversation
// ordering while processing independent conversations concurrently, and
// delivers outbound messages through an endpoint-routing, attachment-caching,
// recipient-resolving sender.
package messenger

import (
	"encoding/json"
	"strconv"
)

// Event keys the router recognizes. An inbound item carrying none of these
// bypasses the pipeline and is returned as an unprocessed event.
const (
	EventKeyMessage              = "message"
	EventKeyPostback             = "postback"
	EventKeyReferral             = "referral"
	EventKeyOptin                = "optin"
	EventKeyPassThreadControl    = "pass_thread_control"
	EventKeyTakeThreadControl    = "take_thread_control"
	EventKeyRequestThreadControl = "request_thread_control"
	EventKeyRead                 = "read"
	EventKeyDelivery             = "delivery"
)

// RecognizedEventKeys lists every event type the router forwards into the
// processing pipeline.
var RecognizedEventKeys = []string{
	EventKeyMessage,
	EventKeyPostback,
	EventKeyReferral,
	EventKeyOptin,
	EventKeyPassThreadControl,
	EventKeyTakeThreadControl,
	EventKeyRequestThreadControl,
	EventKeyRead,
	EventKeyDelivery,
}

// Allowed keys of the handover metadata object grammar.
const (
	MetadataKeyAction   = "action"
	MetadataKeyData     = "data"
	MetadataKeyText     = "text"
	MetadataKeySetState = "setState"
)

// HopCountField is the private counter key inside handover metadata data that
// bounds recursive re-passes of a conversation between applications.
const HopCountField = "$hopCount"

// FlexID tolerates the Graph API's habit of sending identifiers either as
// JSON strings or as numbers.
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

func (f FlexID) String() string {
	return string(f)
}

// Endpoint identifies one side of a conversation, either by a durable
// page-scoped id or by a short-lived optin user reference.
type Endpoint struct {
	ID      string `json:"id,omitempty"`
	UserRef string `json:"user_ref,omitempty"`
}

// QuickReply carries the payload of a tapped quick reply.
type QuickReply struct {
	Payload string `json:"payload,omitempty"`
}

// Attachment is a message attachment. Payload keeps its raw map shape so the
// delivery pipeline can substitute cached attachment ids generically.
type Attachment struct {
	Type    string         `json:"type,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Message is the content of a message event.
type Message struct {
	MID         string       `json:"mid,omitempty"`
	Text        string       `json:"text,omitempty"`
	QuickReply  *QuickReply  `json:"quick_reply,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	IsEcho      bool         `json:"is_echo,omitempty"`
}

// Postback is a tapped button event.
type Postback struct {
	Title   string `json:"title,omitempty"`
	Payload string `json:"payload,omitempty"`
}

// Optin is a checkbox-plugin or send-to-messenger opt-in. UserRef addresses
// the conversation until a durable id is confirmed by a successful send.
type Optin struct {
	Ref     string `json:"ref,omitempty"`
	UserRef string `json:"user_ref,omitempty"`
}

// ThreadControl is the shared body of the three handover control events.
type ThreadControl struct {
	NewOwnerAppID       FlexID `json:"new_owner_app_id,omitempty"`
	PreviousOwnerAppID  FlexID `json:"previous_owner_app_id,omitempty"`
	RequestedOwnerAppID FlexID `json:"requested_owner_app_id,omitempty"`
	Metadata            string `json:"metadata,omitempty"`
}

// PriorMessage links an event to a previous conversation identity, used for
// reference-to-id state migration on first real contact.
type PriorMessage struct {
	Source     string `json:"source,omitempty"`
	Identifier string `json:"identifier,omitempty"`
}

// Event is one messaging or standby item from a webhook entry. The original
// JSON is preserved so passthrough and unprocessed events stay verbatim.
type Event struct {
	Sender    *Endpoint `json:"sender,omitempty"`
	Recipient *Endpoint `json:"recipient,omitempty"`
	Timestamp int64     `json:"timestamp,omitempty"`

	Message              *Message       `json:"message,omitempty"`
	Postback             *Postback      `json:"postback,omitempty"`
	Referral             map[string]any `json:"referral,omitempty"`
	Optin                *Optin         `json:"optin,omitempty"`
	PassThreadControl    *ThreadControl `json:"pass_thread_control,omitempty"`
	TakeThreadControl    *ThreadControl `json:"take_thread_control,omitempty"`
	RequestThreadControl *ThreadControl `json:"request_thread_control,omitempty"`
	Read                 map[string]any `json:"read,omitempty"`
	Delivery             map[string]any `json:"delivery,omitempty"`
	PriorMessage         *PriorMessage  `json:"prior_message,omitempty"`

	// SetState is a state patch attached by the handover normalizer. It never
	// comes from the wire.
	SetState map[string]any `json:"set_state,omitempty"`

	raw json.RawMessage
}

type eventAlias Event

func (e *Event) UnmarshalJSON(data []byte) error {
	var a eventAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = Event(a)
	e.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (e *Event) MarshalJSON() ([]byte, error) {
	if len(e.raw) > 0 {
		return e.raw, nil
	}
	return json.Marshal((*eventAlias)(e))
}

// IsRoutable reports whether the event carries at least one recognized
// event-type key.
func (e *Event) IsRoutable() bool {
	return e.Message != nil ||
		e.Postback != nil ||
		e.Referral != nil ||
		e.Optin != nil ||
		e.PassThreadControl != nil ||
		e.TakeThreadControl != nil ||
		e.RequestThreadControl != nil ||
		e.Read != nil ||
		e.Delivery != nil
}

// IsPlainText reports whether the event is a plain text message without a
// quick reply. Standby items of this shape are dropped to avoid
// double-delivery while the thread is owned by another application.
func (e *Event) IsPlainText() bool {
	return e.Message != nil && e.Message.Text != "" && e.Message.QuickReply == nil
}

// SenderKey returns the stable conversation identifier: the sender's durable
// id if present, else the optin user reference, else "".
func (e *Event) SenderKey() string {
	if e.Sender != nil && e.Sender.ID != "" {
		return e.Sender.ID
	}
	if e.Optin != nil && e.Optin.UserRef != "" {
		return e.Optin.UserRef
	}
	return ""
}

// Entry is one page's batch of webhook events.
type Entry struct {
	ID        string   `json:"id"`
	Time      int64    `json:"time,omitempty"`
	Messaging []*Event `json:"messaging,omitempty"`
	Standby   []*Event `json:"standby,omitempty"`
}

// WebhookPayload is the top-level webhook document. Object must equal "page"
// for the payload to be accepted.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// PageObjectType is the only webhook object type this adapter processes.
const PageObjectType = "page"

// UnprocessedEvent is an inbound item with no recognized event type, returned
// to the caller for external handling.
type UnprocessedEvent struct {
	PageID string `json:"pageId"`
	Event  *Event `json:"message"`
}

// OutboundPayload is the processing engine's envelope for what to send. Its
// shape selects the Send API endpoint.
type OutboundPayload struct {
	Recipient            *Endpoint      `json:"recipient,omitempty"`
	Message              map[string]any `json:"message,omitempty"`
	SenderAction         string         `json:"sender_action,omitempty"`
	MessagingType        string         `json:"messaging_type,omitempty"`
	Tag                  string         `json:"tag,omitempty"`
	TargetAppID          string         `json:"target_app_id,omitempty"`
	Metadata             string         `json:"metadata,omitempty"`
	TakeThreadControl    map[string]any `json:"take_thread_control,omitempty"`
	RequestThreadControl map[string]any `json:"request_thread_control,omitempty"`
}

// SenderActionMarkSeen is the best-effort "seen" indicator; its delivery
// failures are swallowed.
const SenderActionMarkSeen = "mark_seen"

// Response is the parsed Send API response body.
type Response struct {
	RecipientID  string `json:"recipient_id,omitempty"`
	MessageID    string `json:"message_id,omitempty"`
	AttachmentID FlexID `json:"attachment_id,omitempty"`
	// SeenError marks a swallowed mark_seen delivery failure.
	SeenError bool `json:"seen_error,omitempty"`
}

// PlatformError is the structured error body returned by the Send API.
type PlatformError struct {
	Message   string `json:"message"`
	Type      string `json:"type,omitempty"`
	Code      int    `json:"code,omitempty"`
	Subcode   int    `json:"error_subcode,omitempty"`
	FBTraceID string `json:"fbtrace_id,omitempty"`
}

func (e *PlatformError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "messenger platform error " + strconv.Itoa(e.Code)
}

type errorEnvelope struct {
	Error *PlatformError `json:"error,omitempty"`
}
