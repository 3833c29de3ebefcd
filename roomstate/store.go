// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

package roomstate

import (
	"log/slog"
	"sync"

	"github.com/matriisi/matriisi/lib/ref"
	"github.com/matriisi/matriisi/matrix"
)

// DefaultTimelineWindow is the per-room timeline retention when the
// config leaves it unset.
const DefaultTimelineWindow = 128

// seenWindow bounds the per-room duplicate-detection set. Old IDs are
// evicted in insertion order once the window is full, so replay
// protection covers recent folds without unbounded growth.
const seenWindow = 1024

// Config holds configuration for creating a Store.
type Config struct {
	// TimelineWindow is the number of timeline events retained per
	// room. Zero uses DefaultTimelineWindow.
	TimelineWindow int

	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Store is the materialized room state. The sync loop is the single
// writer through Fold; any goroutine may read through Snapshot, Rooms,
// and Presence.
type Store struct {
	mu             sync.RWMutex
	rooms          map[ref.RoomID]*roomState
	presence       map[ref.UserID]matrix.PresenceContent
	timelineWindow int
	logger         *slog.Logger
}

// roomState is the mutable per-room record behind the write lock.
type roomState struct {
	id          ref.RoomID
	state       map[ref.EventType]map[string]matrix.Event
	timeline    []matrix.Event
	typing      []ref.UserID
	receipts    map[ref.EventID]map[ref.UserID]int64
	lastEventID ref.EventID

	// seen is the bounded duplicate-detection set; seenOrder tracks
	// insertion order for eviction.
	seen      map[ref.EventID]struct{}
	seenOrder []ref.EventID
}

// Batch is one room's slice of a sync response, in the order the fold
// applies it: state section first, then backfilled gap events (oldest
// first), then the timeline section.
type Batch struct {
	State      []matrix.Event
	Backfilled []matrix.Event
	Timeline   []matrix.Event
	Ephemeral  []matrix.Event
}

// Diff describes what one Fold changed, for subscriber notification.
type Diff struct {
	RoomID ref.RoomID

	// NewRoom is true when this fold created the room record.
	NewRoom bool

	// Timeline lists the accepted new timeline events, oldest first.
	// Duplicates and malformed events are absent.
	Timeline []matrix.Event

	// StateChanges lists the state events that were applied.
	StateChanges []matrix.Event

	// Joined and Left list membership transitions into and out of the
	// "join" state.
	Joined []ref.UserID
	Left   []ref.UserID

	// TypingChanged is true when the batch replaced the typing set.
	TypingChanged bool
}

// Empty reports whether the fold changed nothing observable.
func (d *Diff) Empty() bool {
	return !d.NewRoom && len(d.Timeline) == 0 && len(d.StateChanges) == 0 &&
		len(d.Joined) == 0 && len(d.Left) == 0 && !d.TypingChanged
}

// New creates an empty Store.
func New(config Config) *Store {
	window := config.TimelineWindow
	if window <= 0 {
		window = DefaultTimelineWindow
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		rooms:          make(map[ref.RoomID]*roomState),
		presence:       make(map[ref.UserID]matrix.PresenceContent),
		timelineWindow: window,
		logger:         logger,
	}
}

// Fold applies one room's batch atomically and returns the resulting
// Diff. Readers never observe a partially applied batch. Events whose
// content is malformed are skipped with a debug log; duplicate event
// IDs within the seen window are skipped silently, making replays
// idempotent.
func (s *Store) Fold(roomID ref.RoomID, batch Batch) Diff {
	s.mu.Lock()
	defer s.mu.Unlock()

	diff := Diff{RoomID: roomID}

	room, ok := s.rooms[roomID]
	if !ok {
		room = &roomState{
			id:       roomID,
			state:    make(map[ref.EventType]map[string]matrix.Event),
			receipts: make(map[ref.EventID]map[ref.UserID]int64),
			seen:     make(map[ref.EventID]struct{}),
		}
		s.rooms[roomID] = room
		diff.NewRoom = true
	}

	// State section events change state without entering the timeline.
	for _, event := range batch.State {
		s.applyEvent(room, event, &diff, false)
	}
	// Backfilled gap events precede the current timeline section.
	for _, event := range batch.Backfilled {
		s.applyEvent(room, event, &diff, true)
	}
	for _, event := range batch.Timeline {
		s.applyEvent(room, event, &diff, true)
	}

	s.applyEphemeral(room, batch.Ephemeral, &diff)

	return diff
}

// applyEvent folds a single event into the room.
func (s *Store) applyEvent(room *roomState, event matrix.Event, diff *Diff, timeline bool) {
	if malformed, ok := event.Content.(*matrix.MalformedContent); ok {
		s.logger.Debug("skipping malformed event",
			"room_id", room.id,
			"event_id", event.ID,
			"event_type", event.Type,
			"error", malformed.Err,
		)
		return
	}

	if !event.ID.IsZero() {
		if _, dup := room.seen[event.ID]; dup {
			return
		}
		room.rememberSeen(event.ID)
	}

	if event.IsState() {
		s.applyState(room, event, diff)
	}

	if timeline {
		room.timeline = append(room.timeline, event)
		if overflow := len(room.timeline) - s.timelineWindow; overflow > 0 {
			room.timeline = append(room.timeline[:0], room.timeline[overflow:]...)
		}
		if !event.ID.IsZero() {
			room.lastEventID = event.ID
		}
		diff.Timeline = append(diff.Timeline, event)
	}
}

// applyState applies a state event with last-writer-wins semantics per
// (event type, state key). Member leave events prune the entry instead
// of storing a tombstone.
func (s *Store) applyState(room *roomState, event matrix.Event, diff *Diff) {
	stateKey := *event.StateKey

	if event.Type == "m.room.member" {
		content, ok := event.Content.(*matrix.MemberContent)
		if !ok {
			// Unknown content under a member type means a registry
			// override; store it like any other state event.
			room.setState(event.Type, stateKey, event)
			diff.StateChanges = append(diff.StateChanges, event)
			return
		}

		userID, err := ref.ParseUserID(stateKey)
		if err != nil {
			s.logger.Debug("skipping member event with invalid state key",
				"room_id", room.id,
				"state_key", stateKey,
			)
			return
		}

		wasJoined := false
		if previous, ok := room.state["m.room.member"][stateKey]; ok {
			if previousContent, ok := previous.Content.(*matrix.MemberContent); ok {
				wasJoined = previousContent.Membership == "join"
			}
		}

		if content.Membership == "leave" {
			if members := room.state["m.room.member"]; members != nil {
				delete(members, stateKey)
			}
		} else {
			room.setState(event.Type, stateKey, event)
		}
		diff.StateChanges = append(diff.StateChanges, event)

		isJoined := content.Membership == "join"
		switch {
		case isJoined && !wasJoined:
			diff.Joined = append(diff.Joined, userID)
		case wasJoined && !isJoined:
			diff.Left = append(diff.Left, userID)
		}
		return
	}

	room.setState(event.Type, stateKey, event)
	diff.StateChanges = append(diff.StateChanges, event)
}

func (r *roomState) setState(eventType ref.EventType, stateKey string, event matrix.Event) {
	byKey, ok := r.state[eventType]
	if !ok {
		byKey = make(map[string]matrix.Event)
		r.state[eventType] = byKey
	}
	byKey[stateKey] = event
}

// rememberSeen records an applied event ID, evicting the oldest entry
// once the window is full. Receipts ride on the same window: an event
// evicted here takes its read receipts with it, which keeps the
// receipts map bounded too.
func (r *roomState) rememberSeen(eventID ref.EventID) {
	r.seen[eventID] = struct{}{}
	r.seenOrder = append(r.seenOrder, eventID)
	if len(r.seenOrder) > seenWindow {
		evicted := r.seenOrder[0]
		delete(r.seen, evicted)
		delete(r.receipts, evicted)
		r.seenOrder = r.seenOrder[1:]
	}
}

// applyEphemeral replaces the typing set and merges receipt deltas.
// Receipts targeting events outside the seen window are dropped; the
// window is what bounds receipt memory.
func (s *Store) applyEphemeral(room *roomState, events []matrix.Event, diff *Diff) {
	for _, event := range events {
		switch content := event.Content.(type) {
		case *matrix.TypingContent:
			room.typing = append(room.typing[:0:0], content.UserIDs...)
			diff.TypingChanged = true
		case *matrix.ReceiptContent:
			for eventID, byType := range content.Receipts {
				if _, known := room.seen[eventID]; !known {
					continue
				}
				for _, byUser := range byType {
					for userID, receipt := range byUser {
						perEvent, ok := room.receipts[eventID]
						if !ok {
							perEvent = make(map[ref.UserID]int64)
							room.receipts[eventID] = perEvent
						}
						perEvent[userID] = receipt.TS
					}
				}
			}
		case *matrix.MalformedContent:
			s.logger.Debug("skipping malformed ephemeral event",
				"room_id", room.id,
				"event_type", event.Type,
				"error", content.Err,
			)
		}
	}
}

// ApplyPresence folds global presence events. The sender of each event
// is the user whose presence changed; each event overwrites that
// user's entry.
func (s *Store) ApplyPresence(events []matrix.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range events {
		content, ok := event.Content.(*matrix.PresenceContent)
		if !ok || event.Sender.IsZero() {
			continue
		}
		s.presence[event.Sender] = *content
	}
}

// Presence returns the last known presence for a user.
func (s *Store) Presence(userID ref.UserID) (matrix.PresenceContent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.presence[userID]
	return content, ok
}

// Forget drops a room from the store, e.g. after leaving it.
func (s *Store) Forget(roomID ref.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}

// Snapshot returns a deep-copied immutable view of one room. The
// second return is false when the room is unknown.
func (s *Store) Snapshot(roomID ref.RoomID) (*Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return nil, false
	}
	return room.snapshot(), true
}

// Rooms returns the IDs of all known rooms.
func (s *Store) Rooms() []ref.RoomID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]ref.RoomID, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids
}

// snapshot deep-copies the room record. matrix.Event values are copied
// by value; their Raw payloads are never mutated after decoding, so
// sharing the underlying bytes is safe.
func (r *roomState) snapshot() *Room {
	state := make(map[ref.EventType]map[string]matrix.Event, len(r.state))
	for eventType, byKey := range r.state {
		copied := make(map[string]matrix.Event, len(byKey))
		for stateKey, event := range byKey {
			copied[stateKey] = event
		}
		state[eventType] = copied
	}

	receipts := make(map[ref.EventID]map[ref.UserID]int64, len(r.receipts))
	for eventID, byUser := range r.receipts {
		copied := make(map[ref.UserID]int64, len(byUser))
		for userID, ts := range byUser {
			copied[userID] = ts
		}
		receipts[eventID] = copied
	}

	return &Room{
		id:          r.id,
		state:       state,
		timeline:    append([]matrix.Event(nil), r.timeline...),
		typing:      append([]ref.UserID(nil), r.typing...),
		receipts:    receipts,
		lastEventID: r.lastEventID,
	}
}
