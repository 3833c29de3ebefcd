// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

package roomstate

import (
	"github.com/matriisi/matriisi/lib/ref"
	"github.com/matriisi/matriisi/matrix"
)

// Room is an immutable snapshot of one room's state. Snapshots are
// deep copies: they stay valid and unchanging while the store folds
// further batches.
type Room struct {
	id          ref.RoomID
	state       map[ref.EventType]map[string]matrix.Event
	timeline    []matrix.Event
	typing      []ref.UserID
	receipts    map[ref.EventID]map[ref.UserID]int64
	lastEventID ref.EventID
}

// Member is a joined room member.
type Member struct {
	UserID      ref.UserID
	DisplayName string
	AvatarURL   string
}

// ID returns the room ID.
func (r *Room) ID() ref.RoomID { return r.id }

// FindState returns the current state event for (eventType, stateKey),
// if one is present.
func (r *Room) FindState(eventType ref.EventType, stateKey string) (matrix.Event, bool) {
	event, ok := r.state[eventType][stateKey]
	return event, ok
}

// Name returns the room's display name (m.room.name), or "" if unset.
func (r *Room) Name() string {
	if event, ok := r.FindState("m.room.name", ""); ok {
		if content, ok := event.Content.(*matrix.NameContent); ok {
			return content.Name
		}
	}
	return ""
}

// Topic returns the room topic (m.room.topic), or "" if unset.
func (r *Room) Topic() string {
	if event, ok := r.FindState("m.room.topic", ""); ok {
		if content, ok := event.Content.(*matrix.TopicContent); ok {
			return content.Topic
		}
	}
	return ""
}

// Creator returns the user who created the room, from m.room.create.
// Zero if the create event has not been seen.
func (r *Room) Creator() ref.UserID {
	if event, ok := r.FindState("m.room.create", ""); ok {
		if content, ok := event.Content.(*matrix.CreateContent); ok {
			return content.Creator
		}
	}
	return ref.UserID{}
}

// IsFederated reports whether the room participates in federation.
// A missing create event or unset m.federate flag means federated,
// per the protocol default.
func (r *Room) IsFederated() bool {
	if event, ok := r.FindState("m.room.create", ""); ok {
		if content, ok := event.Content.(*matrix.CreateContent); ok {
			return content.Federated()
		}
	}
	return true
}

// CanonicalAlias returns the room's canonical alias, or the zero value
// if unset.
func (r *Room) CanonicalAlias() ref.RoomAlias {
	if event, ok := r.FindState("m.room.canonical_alias", ""); ok {
		if content, ok := event.Content.(*matrix.CanonicalAliasContent); ok {
			return content.Alias
		}
	}
	return ref.RoomAlias{}
}

// JoinRule returns the room's join rule ("public", "invite", ...), or
// "" if unset.
func (r *Room) JoinRule() string {
	if event, ok := r.FindState("m.room.join_rules", ""); ok {
		if content, ok := event.Content.(*matrix.JoinRulesContent); ok {
			return content.JoinRule
		}
	}
	return ""
}

// Member returns the joined member with the given user ID. Members in
// other membership states (invited, banned) are not returned.
func (r *Room) Member(userID ref.UserID) (Member, bool) {
	event, ok := r.FindState("m.room.member", userID.String())
	if !ok {
		return Member{}, false
	}
	content, ok := event.Content.(*matrix.MemberContent)
	if !ok || content.Membership != "join" {
		return Member{}, false
	}
	return Member{
		UserID:      userID,
		DisplayName: content.DisplayName,
		AvatarURL:   content.AvatarURL,
	}, true
}

// Members returns all joined members of the room.
func (r *Room) Members() []Member {
	var members []Member
	for stateKey, event := range r.state["m.room.member"] {
		content, ok := event.Content.(*matrix.MemberContent)
		if !ok || content.Membership != "join" {
			continue
		}
		userID, err := ref.ParseUserID(stateKey)
		if err != nil {
			// The fold only stores member events under valid user ID
			// state keys; an invalid key here is unreachable.
			continue
		}
		members = append(members, Member{
			UserID:      userID,
			DisplayName: content.DisplayName,
			AvatarURL:   content.AvatarURL,
		})
	}
	return members
}

// Timeline returns the retained timeline events, oldest first. The
// slice is the snapshot's own copy; callers may keep it.
func (r *Room) Timeline() []matrix.Event {
	return r.timeline
}

// Typing returns the users currently typing, per the latest ephemeral
// typing event.
func (r *Room) Typing() []ref.UserID {
	return r.typing
}

// ReadReceipt returns the read-receipt timestamp (milliseconds) the
// given user last acknowledged for the given event, if any. Receipts
// for events that have aged out of the store's retention window are
// gone with the events.
func (r *Room) ReadReceipt(eventID ref.EventID, userID ref.UserID) (int64, bool) {
	ts, ok := r.receipts[eventID][userID]
	return ts, ok
}

// LastEventID returns the newest timeline event ID the room has seen.
// The sync loop rewinds gapped timelines back to this event.
func (r *Room) LastEventID() ref.EventID {
	return r.lastEventID
}
