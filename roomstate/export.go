// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

package roomstate

import (
	"encoding/json"
	"fmt"

	"github.com/matriisi/matriisi/lib/ref"
	"github.com/matriisi/matriisi/matrix"
)

// Export is the serializable form of the store, used for snapshot
// persistence. Events are carried as their JSON envelopes so the
// export does not depend on which content types were registered when
// the snapshot was written; Import re-decodes with whatever registry
// the reading process has.
type Export struct {
	Rooms map[string]RoomExport `json:"rooms" cbor:"1,keyasint"`
}

// RoomExport is one room's serialized state.
type RoomExport struct {
	State       []json.RawMessage `json:"state" cbor:"1,keyasint"`
	Timeline    []json.RawMessage `json:"timeline" cbor:"2,keyasint"`
	LastEventID string            `json:"last_event_id,omitempty" cbor:"3,keyasint,omitempty"`
}

// Export serializes the current state. Ephemeral typing and receipt
// data is deliberately not exported: it describes a transient moment
// and is stale by the time a snapshot is restored.
func (s *Store) Export() (*Export, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	export := &Export{Rooms: make(map[string]RoomExport, len(s.rooms))}
	for roomID, room := range s.rooms {
		roomExport := RoomExport{
			LastEventID: room.lastEventID.String(),
		}
		for _, byKey := range room.state {
			for _, event := range byKey {
				encoded, err := json.Marshal(event)
				if err != nil {
					return nil, fmt.Errorf("roomstate: exporting state event in %s: %w", roomID, err)
				}
				roomExport.State = append(roomExport.State, encoded)
			}
		}
		for _, event := range room.timeline {
			encoded, err := json.Marshal(event)
			if err != nil {
				return nil, fmt.Errorf("roomstate: exporting timeline event in %s: %w", roomID, err)
			}
			roomExport.Timeline = append(roomExport.Timeline, encoded)
		}
		export.Rooms[roomID.String()] = roomExport
	}
	return export, nil
}

// Import replaces the store contents with an exported snapshot.
// Imported events do not populate the duplicate-detection window: the
// sync token stored alongside a snapshot points past these events, so
// the server will not replay them.
func (s *Store) Import(export *Export) error {
	rooms := make(map[ref.RoomID]*roomState, len(export.Rooms))

	for rawRoomID, roomExport := range export.Rooms {
		roomID, err := ref.ParseRoomID(rawRoomID)
		if err != nil {
			return fmt.Errorf("roomstate: importing room: %w", err)
		}

		room := &roomState{
			id:       roomID,
			state:    make(map[ref.EventType]map[string]matrix.Event),
			receipts: make(map[ref.EventID]map[ref.UserID]int64),
			seen:     make(map[ref.EventID]struct{}),
		}

		for _, encoded := range roomExport.State {
			event, err := matrix.DecodeEvent(encoded)
			if err != nil {
				return fmt.Errorf("roomstate: importing state event in %s: %w", roomID, err)
			}
			if !event.IsState() {
				return fmt.Errorf("roomstate: snapshot state section in %s holds a non-state event", roomID)
			}
			room.setState(event.Type, *event.StateKey, *event)
		}
		for _, encoded := range roomExport.Timeline {
			event, err := matrix.DecodeEvent(encoded)
			if err != nil {
				return fmt.Errorf("roomstate: importing timeline event in %s: %w", roomID, err)
			}
			room.timeline = append(room.timeline, *event)
		}
		if roomExport.LastEventID != "" {
			lastEventID, err := ref.ParseEventID(roomExport.LastEventID)
			if err != nil {
				return fmt.Errorf("roomstate: importing last event ID in %s: %w", roomID, err)
			}
			room.lastEventID = lastEventID
		}

		rooms[roomID] = room
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = rooms
	return nil
}
