// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

package matrix

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/matriisi/matriisi/lib/ref"
)

// Content is the decoded content of a Matrix event. Concrete variants
// are pointers: *MessageContent, *MemberContent, and so on, with
// *UnknownContent for unrecognized event types and *MalformedContent
// for recognized types whose content failed to parse.
//
// Externally defined content types registered via RegisterContentType
// embed CustomContent to satisfy this interface.
type Content interface {
	isEventContent()
}

// CustomContent is embedded by externally registered content types.
type CustomContent struct{}

func (CustomContent) isEventContent() {}

// validator is implemented by content variants with required fields.
// A registered type may implement it to have structurally valid JSON
// with missing required fields degraded to *MalformedContent.
type validator interface {
	Validate() error
}

// CreateContent is the content of m.room.create.
type CreateContent struct {
	Creator     ref.UserID `json:"creator"`
	RoomVersion string     `json:"room_version,omitempty"`
	// Federate is the m.federate flag; nil means unset, which the
	// protocol treats as federated.
	Federate *bool `json:"m.federate,omitempty"`
}

func (*CreateContent) isEventContent() {}

// Federated reports whether the room participates in federation.
func (c *CreateContent) Federated() bool {
	return c.Federate == nil || *c.Federate
}

// MemberContent is the content of m.room.member. The state key of the
// carrying event names the affected user.
type MemberContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (*MemberContent) isEventContent() {}

// Validate checks the required membership discriminant.
func (c *MemberContent) Validate() error {
	switch c.Membership {
	case "join", "leave", "invite", "ban", "knock":
		return nil
	case "":
		return fmt.Errorf("member event missing membership")
	default:
		return fmt.Errorf("unknown membership %q", c.Membership)
	}
}

// MessageContent is the content of m.room.message.
type MessageContent struct {
	MsgType       string     `json:"msgtype"`
	Body          string     `json:"body"`
	Format        string     `json:"format,omitempty"`
	FormattedBody string     `json:"formatted_body,omitempty"`
	RelatesTo     *RelatesTo `json:"m.relates_to,omitempty"`
}

func (*MessageContent) isEventContent() {}

// Validate checks the required msgtype discriminant.
func (c *MessageContent) Validate() error {
	if c.MsgType == "" {
		return fmt.Errorf("message event missing msgtype")
	}
	return nil
}

// RelatesTo expresses relationships between events. For threads,
// RelType is "m.thread" and EventID is the thread root.
type RelatesTo struct {
	RelType   string      `json:"rel_type,omitempty"`
	EventID   ref.EventID `json:"event_id,omitempty"`
	InReplyTo *InReplyTo  `json:"m.in_reply_to,omitempty"`
}

// InReplyTo references the event being replied to.
type InReplyTo struct {
	EventID ref.EventID `json:"event_id"`
}

// NameContent is the content of m.room.name.
type NameContent struct {
	Name string `json:"name"`
}

func (*NameContent) isEventContent() {}

// TopicContent is the content of m.room.topic.
type TopicContent struct {
	Topic string `json:"topic"`
}

func (*TopicContent) isEventContent() {}

// CanonicalAliasContent is the content of m.room.canonical_alias.
type CanonicalAliasContent struct {
	Alias      ref.RoomAlias   `json:"alias,omitempty"`
	AltAliases []ref.RoomAlias `json:"alt_aliases,omitempty"`
}

func (*CanonicalAliasContent) isEventContent() {}

// JoinRulesContent is the content of m.room.join_rules.
type JoinRulesContent struct {
	JoinRule string `json:"join_rule"`
}

func (*JoinRulesContent) isEventContent() {}

// Validate checks the required join_rule field.
func (c *JoinRulesContent) Validate() error {
	if c.JoinRule == "" {
		return fmt.Errorf("join rules event missing join_rule")
	}
	return nil
}

// HistoryVisibilityContent is the content of m.room.history_visibility.
type HistoryVisibilityContent struct {
	HistoryVisibility string `json:"history_visibility"`
}

func (*HistoryVisibilityContent) isEventContent() {}

// TypingContent is the content of the ephemeral m.typing event: the
// complete set of users currently typing in the room. Each event
// replaces the previous set.
type TypingContent struct {
	UserIDs []ref.UserID `json:"user_ids"`
}

func (*TypingContent) isEventContent() {}

// ReceiptContent is the content of the ephemeral m.receipt event.
// The wire shape is a map keyed by event ID, then receipt type
// ("m.read"), then user ID.
type ReceiptContent struct {
	Receipts map[ref.EventID]map[string]map[ref.UserID]Receipt
}

func (*ReceiptContent) isEventContent() {}

// Receipt is a single user's receipt on an event.
type Receipt struct {
	TS int64 `json:"ts"`
}

func (c *ReceiptContent) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &c.Receipts)
}

func (c ReceiptContent) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Receipts)
}

// PresenceContent is the content of m.presence. The sender of the
// carrying event is the user whose presence changed.
type PresenceContent struct {
	// Presence is "online", "unavailable", or "offline".
	Presence        string `json:"presence"`
	LastActiveAgo   int64  `json:"last_active_ago,omitempty"`
	CurrentlyActive bool   `json:"currently_active,omitempty"`
	StatusMsg       string `json:"status_msg,omitempty"`
}

func (*PresenceContent) isEventContent() {}

// Validate checks the required presence state.
func (c *PresenceContent) Validate() error {
	if c.Presence == "" {
		return fmt.Errorf("presence event missing presence state")
	}
	return nil
}

// UnknownContent carries the raw content of an event whose type has no
// registered decoder. Decoding an unrecognized type is not an error;
// the event flows through with its payload intact.
type UnknownContent struct {
	Type ref.EventType
	Raw  json.RawMessage
}

func (*UnknownContent) isEventContent() {}

// MalformedContent carries the raw content of an event whose type is
// recognized but whose content failed to parse or validate. The fold
// skips malformed events; siblings in the same batch are unaffected.
type MalformedContent struct {
	Raw json.RawMessage
	Err error
}

func (*MalformedContent) isEventContent() {}

// contentRegistry maps event types to content factories. Built-in
// types are present from package initialization; RegisterContentType
// adds custom types at runtime.
var contentRegistry = struct {
	sync.RWMutex
	factories map[ref.EventType]func() Content
}{
	factories: map[ref.EventType]func() Content{
		"m.room.create":             func() Content { return &CreateContent{} },
		"m.room.member":             func() Content { return &MemberContent{} },
		"m.room.message":            func() Content { return &MessageContent{} },
		"m.room.name":               func() Content { return &NameContent{} },
		"m.room.topic":              func() Content { return &TopicContent{} },
		"m.room.canonical_alias":    func() Content { return &CanonicalAliasContent{} },
		"m.room.join_rules":         func() Content { return &JoinRulesContent{} },
		"m.room.history_visibility": func() Content { return &HistoryVisibilityContent{} },
		"m.typing":                  func() Content { return &TypingContent{} },
		"m.receipt":                 func() Content { return &ReceiptContent{} },
		"m.presence":                func() Content { return &PresenceContent{} },
	},
}

// RegisterContentType installs a decoder for a custom event type. The
// factory returns a fresh pointer for each decoded event; the type
// should embed CustomContent and may implement Validate() error to
// have incomplete content degraded to *MalformedContent.
//
// Registering a type that is already registered replaces the previous
// factory. Safe for concurrent use.
func RegisterContentType(eventType ref.EventType, factory func() Content) {
	contentRegistry.Lock()
	defer contentRegistry.Unlock()
	contentRegistry.factories[eventType] = factory
}

// decodeContent dispatches on the event type discriminant. Unknown
// types and content failures never return an error: they produce
// *UnknownContent and *MalformedContent respectively.
func decodeContent(eventType ref.EventType, raw json.RawMessage) Content {
	if len(raw) == 0 {
		// Redacted events arrive with no content field.
		raw = json.RawMessage("{}")
	}

	contentRegistry.RLock()
	factory, ok := contentRegistry.factories[eventType]
	contentRegistry.RUnlock()

	if !ok {
		return &UnknownContent{Type: eventType, Raw: cloneJSON(raw)}
	}

	content := factory()
	if err := json.Unmarshal(raw, content); err != nil {
		return &MalformedContent{Raw: cloneJSON(raw), Err: err}
	}
	if v, ok := content.(validator); ok {
		if err := v.Validate(); err != nil {
			return &MalformedContent{Raw: cloneJSON(raw), Err: err}
		}
	}
	return content
}
