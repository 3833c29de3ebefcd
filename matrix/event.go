// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

package matrix

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matriisi/matriisi/lib/ref"
)

// Event is a Matrix event with its content decoded into a typed
// variant. The decoder degrades per event, never per batch: an
// unrecognized type yields *UnknownContent, a recognized type whose
// content fails to parse or validate yields *MalformedContent, and in
// both cases sibling events in the same response are unaffected.
//
// Ephemeral events (m.typing, m.receipt) carry no event ID or sender;
// those fields are zero for them.
type Event struct {
	ID             ref.EventID
	Type           ref.EventType
	Sender         ref.UserID
	RoomID         ref.RoomID
	StateKey       *string
	OriginServerTS int64
	Content        Content
	// Raw is the undecoded content JSON, kept for re-serialization and
	// for consumers that need fields outside the typed variant.
	Raw json.RawMessage
}

// IsState reports whether the event is a state event (has a state key,
// possibly empty).
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// wireEvent mirrors the Matrix event envelope with identifier fields
// left as strings, so a single event with a mangled identifier can be
// degraded instead of failing the batch.
type wireEvent struct {
	EventID        string          `json:"event_id,omitempty"`
	Type           string          `json:"type"`
	Sender         string          `json:"sender,omitempty"`
	RoomID         string          `json:"room_id,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
}

// MarshalJSON re-serializes the event envelope. Content is written
// from the preserved raw payload, so decode-marshal round trips do not
// lose fields outside the typed variant.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		EventID:        e.ID.String(),
		Type:           string(e.Type),
		Sender:         e.Sender.String(),
		RoomID:         e.RoomID.String(),
		StateKey:       e.StateKey,
		OriginServerTS: e.OriginServerTS,
		Content:        e.Raw,
	})
}

// UnmarshalJSON decodes an event envelope. Failures are absorbed into
// *MalformedContent on this event; the method itself only reports an
// error for input that is not a JSON object at all, which indicates a
// broken envelope rather than a broken event.
func (e *Event) UnmarshalJSON(data []byte) error {
	var wire wireEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			// A field of the wrong JSON type breaks this event only.
			e.Content = &MalformedContent{Raw: cloneJSON(data), Err: err}
			return nil
		}
		return fmt.Errorf("event envelope: %w", err)
	}

	if wire.Type == "" {
		e.Content = &MalformedContent{
			Raw: cloneJSON(data),
			Err: fmt.Errorf("event missing type discriminant"),
		}
		return nil
	}
	e.Type = ref.EventType(wire.Type)
	e.StateKey = wire.StateKey
	e.OriginServerTS = wire.OriginServerTS
	e.Raw = cloneJSON(wire.Content)

	if wire.EventID != "" {
		id, err := ref.ParseEventID(wire.EventID)
		if err != nil {
			e.Content = &MalformedContent{Raw: e.Raw, Err: fmt.Errorf("event ID: %w", err)}
			return nil
		}
		e.ID = id
	}
	if wire.Sender != "" {
		sender, err := ref.ParseUserID(wire.Sender)
		if err != nil {
			e.Content = &MalformedContent{Raw: e.Raw, Err: fmt.Errorf("sender: %w", err)}
			return nil
		}
		e.Sender = sender
	}
	if wire.RoomID != "" {
		roomID, err := ref.ParseRoomID(wire.RoomID)
		if err != nil {
			e.Content = &MalformedContent{Raw: e.Raw, Err: fmt.Errorf("room ID: %w", err)}
			return nil
		}
		e.RoomID = roomID
	}

	e.Content = decodeContent(e.Type, wire.Content)
	return nil
}

// DecodeSyncResponse parses a /sync response body. A failure to parse
// the envelope itself returns *DecodeError; individual events never
// fail the response (see Event).
func DecodeSyncResponse(data []byte) (*SyncResponse, error) {
	var response SyncResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &response, nil
}

// DecodeEvent parses a single event. Returns *DecodeError only when
// the input is not a JSON object; content-level problems degrade into
// the event's Content field.
func DecodeEvent(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &event, nil
}

func cloneJSON(data json.RawMessage) json.RawMessage {
	if data == nil {
		return nil
	}
	return append(json.RawMessage(nil), data...)
}
