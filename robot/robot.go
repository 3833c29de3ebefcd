// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

package robot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/matriisi/matriisi/lib/clock"
	"github.com/matriisi/matriisi/lib/config"
	"github.com/matriisi/matriisi/lib/ref"
	"github.com/matriisi/matriisi/matrix"
	"github.com/matriisi/matriisi/roomstate"
)

const (
	defaultLongPollTimeout = 30 * time.Second
	defaultBackoffFloor    = time.Second
	defaultBackoffCap      = 60 * time.Second

	// Backfill pagination for limited timelines. Eight pages of a
	// hundred events bounds the worst-case gap fetch; anything older
	// is dropped, matching the timeline window's own horizon.
	backfillPageSize = 100
	maxBackfillPages = 8
)

// Status reports what the sync loop is doing right now.
type Status int32

const (
	// StatusIdle means the robot is between sync cycles or not running.
	StatusIdle Status = iota
	// StatusPolling means a /sync long-poll is in flight.
	StatusPolling
	// StatusFolding means a response is being folded into the store.
	StatusFolding
	// StatusErrored means the last poll failed: the loop has halted on
	// a fatal error, or is backing off before retrying a transient one.
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPolling:
		return "polling"
	case StatusFolding:
		return "folding"
	case StatusErrored:
		return "errored"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Handler signatures. All handlers run on the sync goroutine after the
// token commit for the cycle that produced the event; a slow handler
// delays the next poll, so anything expensive should hand off to its
// own goroutine.
type (
	// MessageHandler receives timeline messages from other users.
	MessageHandler func(ctx context.Context, room *roomstate.Room, event matrix.Event)
	// MemberHandler receives membership transitions into or out of the
	// joined state.
	MemberHandler func(ctx context.Context, room *roomstate.Room, userID ref.UserID)
	// RoomHandler fires when the robot first sees a room.
	RoomHandler func(ctx context.Context, room *roomstate.Room)
	// StateHandler receives every applied state event.
	StateHandler func(ctx context.Context, room *roomstate.Room, event matrix.Event)
	// InviteHandler fires when the robot is invited to a room it has
	// not joined. The handler decides whether to call JoinRoom.
	InviteHandler func(ctx context.Context, roomID ref.RoomID, inviter ref.UserID)
)

// Options configures a Robot. The zero value is usable for tests: an
// in-memory token store, no snapshots, default timings.
type Options struct {
	Logger *slog.Logger
	Clock  clock.Clock

	// TokenStore persists the sync token across restarts. Nil means a
	// MemoryTokenStore, which forces an initial sync every run.
	TokenStore TokenStore

	// Snapshots, when set, restores room state on startup and saves it
	// on shutdown so a restart can skip the initial sync fold.
	Snapshots *SnapshotStore

	Dispatcher DispatcherConfig

	// LongPollTimeout is how long /sync blocks server-side waiting for
	// events. Zero means defaultLongPollTimeout.
	LongPollTimeout time.Duration

	// TimelineWindow bounds each room's retained timeline. Zero means
	// roomstate.DefaultTimelineWindow.
	TimelineWindow int

	// Backfill controls fetching of timeline gaps on limited sync
	// responses. Nil means enabled.
	Backfill *bool

	// BackoffFloor and BackoffCap bound the retry delay after failed
	// polls. Zeroes mean 1s and 60s.
	BackoffFloor time.Duration
	BackoffCap   time.Duration
}

// FromConfig builds Options from a loaded configuration file.
func FromConfig(cfg *config.Config, logger *slog.Logger) Options {
	options := Options{
		Logger: logger,
		Dispatcher: DispatcherConfig{
			RequestsPerSecond: cfg.Dispatcher.RequestsPerSecond,
			Burst:             cfg.Dispatcher.Burst,
			QueueDepth:        cfg.Dispatcher.QueueDepth,
			Logger:            logger,
		},
		LongPollTimeout: cfg.Sync.LongPollTimeout,
		TimelineWindow:  cfg.Sync.TimelineWindow,
		Backfill:        cfg.Sync.Backfill,
		BackoffFloor:    cfg.Sync.BackoffFloor,
		BackoffCap:      cfg.Sync.BackoffCap,
	}
	if cfg.Paths.TokenFile != "" {
		options.TokenStore = NewFileTokenStore(cfg.Paths.TokenFile)
	}
	if cfg.Paths.SnapshotFile != "" {
		options.Snapshots = NewSnapshotStore(cfg.Paths.SnapshotFile)
	}
	return options
}

// SessionFromConfig builds the authenticated session described by a
// loaded configuration file: the homeserver URL and request timeout
// come from the homeserver section, the access token from the
// configured token file.
func SessionFromConfig(cfg *config.Config, logger *slog.Logger) (*matrix.Session, error) {
	userID, err := ref.ParseUserID(cfg.Homeserver.UserID)
	if err != nil {
		return nil, fmt.Errorf("robot: homeserver.user_id: %w", err)
	}
	token, err := cfg.AccessToken()
	if err != nil {
		return nil, fmt.Errorf("robot: %w", err)
	}
	client, err := matrix.NewClient(matrix.ClientConfig{
		HomeserverURL:  cfg.Homeserver.URL,
		RequestTimeout: cfg.Homeserver.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	return client.SessionFromToken(userID, token), nil
}

// Robot drives the sync loop for one authenticated session.
type Robot struct {
	session    *matrix.Session
	store      *roomstate.Store
	tokens     TokenStore
	snapshots  *SnapshotStore
	dispatcher *Dispatcher
	bus        *diffBus
	logger     *slog.Logger
	clock      clock.Clock

	longPoll     time.Duration
	backfill     bool
	backoffFloor time.Duration
	backoffCap   time.Duration

	status atomic.Int32

	mu            sync.RWMutex
	onMessage     []MessageHandler
	onMemberJoin  []MemberHandler
	onMemberLeave []MemberHandler
	onRoomJoin    []RoomHandler
	onStateChange []StateHandler
	onInvite      []InviteHandler
}

// New wraps a session in a sync loop. Call Run to start it.
func New(session *matrix.Session, options Options) *Robot {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	tokens := options.TokenStore
	if tokens == nil {
		tokens = &MemoryTokenStore{}
	}
	longPoll := options.LongPollTimeout
	if longPoll <= 0 {
		longPoll = defaultLongPollTimeout
	}
	backoffFloor := options.BackoffFloor
	if backoffFloor <= 0 {
		backoffFloor = defaultBackoffFloor
	}
	backoffCap := options.BackoffCap
	if backoffCap <= 0 {
		backoffCap = defaultBackoffCap
	}
	dispatcherConfig := options.Dispatcher
	if dispatcherConfig.Logger == nil {
		dispatcherConfig.Logger = logger
	}
	if dispatcherConfig.Clock == nil {
		dispatcherConfig.Clock = clk
	}

	return &Robot{
		session: session,
		store: roomstate.New(roomstate.Config{
			TimelineWindow: options.TimelineWindow,
			Logger:         logger,
		}),
		tokens:       tokens,
		snapshots:    options.Snapshots,
		dispatcher:   NewDispatcher(dispatcherConfig),
		bus:          newDiffBus(),
		logger:       logger,
		clock:        clk,
		longPoll:     longPoll,
		backfill:     options.Backfill == nil || *options.Backfill,
		backoffFloor: backoffFloor,
		backoffCap:   backoffCap,
	}
}

// Session returns the underlying authenticated session.
func (r *Robot) Session() *matrix.Session { return r.session }

// Status reports the sync loop's current phase.
func (r *Robot) Status() Status {
	return Status(r.status.Load())
}

func (r *Robot) setStatus(s Status) {
	r.status.Store(int32(s))
}

// Room returns an immutable snapshot of a room, if known.
func (r *Robot) Room(roomID ref.RoomID) (*roomstate.Room, bool) {
	return r.store.Snapshot(roomID)
}

// Rooms lists the rooms the robot currently tracks.
func (r *Robot) Rooms() []ref.RoomID {
	return r.store.Rooms()
}

// Presence returns the last seen presence for a user.
func (r *Robot) Presence(userID ref.UserID) (matrix.PresenceContent, bool) {
	return r.store.Presence(userID)
}

// Subscribe returns a channel of room diffs and a cancel function.
// depth bounds the pending queue; zero uses a default. A subscriber
// that falls behind loses its oldest pending diffs.
func (r *Robot) Subscribe(depth int) (<-chan roomstate.Diff, func()) {
	return r.bus.subscribe(depth)
}

func (r *Robot) OnMessage(handler MessageHandler) {
	r.mu.Lock()
	r.onMessage = append(r.onMessage, handler)
	r.mu.Unlock()
}

func (r *Robot) OnMemberJoin(handler MemberHandler) {
	r.mu.Lock()
	r.onMemberJoin = append(r.onMemberJoin, handler)
	r.mu.Unlock()
}

func (r *Robot) OnMemberLeave(handler MemberHandler) {
	r.mu.Lock()
	r.onMemberLeave = append(r.onMemberLeave, handler)
	r.mu.Unlock()
}

func (r *Robot) OnRoomJoin(handler RoomHandler) {
	r.mu.Lock()
	r.onRoomJoin = append(r.onRoomJoin, handler)
	r.mu.Unlock()
}

func (r *Robot) OnStateChange(handler StateHandler) {
	r.mu.Lock()
	r.onStateChange = append(r.onStateChange, handler)
	r.mu.Unlock()
}

func (r *Robot) OnInvite(handler InviteHandler) {
	r.mu.Lock()
	r.onInvite = append(r.onInvite, handler)
	r.mu.Unlock()
}

// Run starts the dispatcher and the sync loop and blocks until ctx is
// canceled or the loop hits a fatal error (an expired access token, a
// transport that exhausted its retry budget, a token store that cannot
// persist). On return every subscriber channel is closed and, when
// snapshots are configured, current room state has been saved.
func (r *Robot) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return r.dispatcher.Run(groupCtx)
	})
	group.Go(func() error {
		return r.syncLoop(groupCtx)
	})

	err := group.Wait()
	r.bus.close()

	if r.snapshots != nil {
		if saveErr := r.SaveSnapshot(); saveErr != nil {
			r.logger.Error("saving shutdown snapshot", "error", saveErr)
		}
	}

	if errors.Is(err, context.Canceled) {
		r.setStatus(StatusIdle)
		return nil
	}
	if err != nil {
		// Leave the status as the loop set it, so callers can observe
		// StatusErrored after a fatal failure.
		return err
	}
	r.setStatus(StatusIdle)
	return nil
}

// SaveSnapshot exports current room state together with the committed
// sync token. Safe to call while Run is active.
func (r *Robot) SaveSnapshot() error {
	if r.snapshots == nil {
		return fmt.Errorf("robot: no snapshot store configured")
	}
	token, err := r.tokens.Load()
	if err != nil {
		return err
	}
	if token == "" {
		// Nothing folded under a committed token yet.
		return nil
	}
	export, err := r.store.Export()
	if err != nil {
		return err
	}
	return r.snapshots.Save(&Snapshot{Token: token, Rooms: export})
}

// restore primes the store and returns the token to sync from.
func (r *Robot) restore() (string, error) {
	token, err := r.tokens.Load()
	if err != nil {
		return "", err
	}

	if r.snapshots == nil {
		return token, nil
	}
	snapshot, err := r.snapshots.Load()
	if err != nil {
		r.logger.Warn("ignoring unreadable snapshot", "error", err)
		return token, nil
	}
	if snapshot == nil {
		return token, nil
	}
	// The snapshot's rooms only make sense under the snapshot's own
	// token. When the token store is ahead (snapshot save failed on a
	// previous shutdown), syncing from the newer token over restored
	// rooms would skip the gap, so prefer the matched pair.
	if err := r.store.Import(snapshot.Rooms); err != nil {
		r.logger.Warn("ignoring undecodable snapshot", "error", err)
		return token, nil
	}
	r.logger.Info("restored room snapshot",
		"rooms", len(r.store.Rooms()),
	)
	return snapshot.Token, nil
}

func (r *Robot) syncLoop(ctx context.Context) error {
	token, err := r.restore()
	if err != nil {
		return err
	}
	if token == "" {
		r.logger.Info("starting initial sync")
	} else {
		r.logger.Info("resuming sync", "since", token)
	}

	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.setStatus(StatusPolling)
		response, err := r.session.Sync(ctx, matrix.SyncOptions{
			Since:      token,
			Timeout:    int(r.longPoll / time.Millisecond),
			SetTimeout: true,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, matrix.ErrReauthRequired) {
				r.setStatus(StatusErrored)
				return fmt.Errorf("robot: sync: %w", err)
			}
			// The transport already spent its whole retry budget on
			// these. Halt and surface the error; the supervisor decides
			// when to call Run again, which resumes from the committed
			// token.
			var exhausted *matrix.TransportError
			var rateLimited *matrix.RateLimitError
			if errors.As(err, &exhausted) || errors.As(err, &rateLimited) {
				r.setStatus(StatusErrored)
				return fmt.Errorf("robot: sync: %w", err)
			}
			failures++
			delay := r.retryDelay(failures)
			r.setStatus(StatusErrored)
			r.logger.Warn("sync failed, backing off",
				"failures", failures,
				"delay", delay,
				"error", err,
			)
			select {
			case <-r.clock.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		failures = 0

		r.setStatus(StatusFolding)
		diffs, invites := r.fold(ctx, response, token)

		// The token commit is the durability point: a crash before it
		// replays this response, which the idempotent fold absorbs. A
		// token store that cannot save breaks that guarantee, so it is
		// fatal.
		if err := r.tokens.Save(response.NextBatch); err != nil {
			r.setStatus(StatusErrored)
			return fmt.Errorf("robot: committing sync token: %w", err)
		}
		token = response.NextBatch

		for _, diff := range diffs {
			r.bus.publish(diff)
			r.dispatch(ctx, diff)
		}
		for _, invite := range invites {
			r.dispatchInvite(ctx, invite)
		}
		r.setStatus(StatusIdle)
	}
}

// retryDelay is exponential from the floor with upper-half jitter,
// capped.
func (r *Robot) retryDelay(failures int) time.Duration {
	shift := failures - 1
	if shift > 16 {
		shift = 16
	}
	delay := r.backoffFloor << shift
	if delay > r.backoffCap || delay <= 0 {
		delay = r.backoffCap
	}
	half := delay / 2
	return half + rand.N(half+1)
}

type invite struct {
	roomID  ref.RoomID
	inviter ref.UserID
}

// fold applies one sync response to the store and collects the
// non-empty diffs plus pending invites.
func (r *Robot) fold(ctx context.Context, response *matrix.SyncResponse, sinceToken string) ([]roomstate.Diff, []invite) {
	r.store.ApplyPresence(response.Presence.Events)

	var diffs []roomstate.Diff
	for roomID, joined := range response.Rooms.Join {
		batch := roomstate.Batch{
			State:     joined.State.Events,
			Timeline:  joined.Timeline.Events,
			Ephemeral: joined.Ephemeral.Events,
		}
		if joined.Timeline.Limited && sinceToken != "" && r.backfill {
			batch.Backfilled = r.backfillGap(ctx, roomID, joined.Timeline.PrevBatch)
		}
		diff := r.store.Fold(roomID, batch)
		if !diff.Empty() {
			diffs = append(diffs, diff)
		}
	}

	for roomID := range response.Rooms.Leave {
		r.logger.Info("left room", "room_id", roomID)
		r.store.Forget(roomID)
	}

	var invites []invite
	for roomID, invited := range response.Rooms.Invite {
		invites = append(invites, invite{
			roomID:  roomID,
			inviter: inviteSender(invited, r.session.UserID()),
		})
	}
	return diffs, invites
}

// inviteSender digs the inviting user out of the stripped invite
// state.
func inviteSender(invited matrix.InvitedRoom, self ref.UserID) ref.UserID {
	for _, event := range invited.InviteState.Events {
		if event.Type != "m.room.member" || event.StateKey == nil || *event.StateKey != self.String() {
			continue
		}
		if content, ok := event.Content.(*matrix.MemberContent); ok && content.Membership == "invite" {
			return event.Sender
		}
	}
	return ref.UserID{}
}

// backfillGap pages backward from prevBatch until it reconnects with
// the last event the store already holds. Events come back newest
// first; the returned slice is oldest first, ready to fold ahead of
// the timeline section. Fetch errors degrade to folding without the
// gap rather than stalling the loop.
func (r *Robot) backfillGap(ctx context.Context, roomID ref.RoomID, prevBatch string) []matrix.Event {
	if prevBatch == "" {
		return nil
	}
	room, ok := r.store.Snapshot(roomID)
	if !ok {
		return nil
	}
	lastKnown := room.LastEventID()
	if lastKnown.IsZero() {
		return nil
	}

	var collected []matrix.Event
	from := prevBatch
	for page := 0; page < maxBackfillPages; page++ {
		response, err := r.session.RoomMessages(ctx, roomID, matrix.RoomMessagesOptions{
			From:      from,
			Direction: "b",
			Limit:     backfillPageSize,
		})
		if err != nil {
			r.logger.Warn("backfill fetch failed, folding without gap",
				"room_id", roomID,
				"error", err,
			)
			return nil
		}

		for _, event := range response.Chunk {
			if event.ID == lastKnown {
				slices.Reverse(collected)
				return collected
			}
			collected = append(collected, event)
		}
		if len(response.Chunk) == 0 || response.End == "" {
			break
		}
		from = response.End
	}

	// Never reconnected: the gap is older than we are willing to
	// fetch. Fold what we have; the dedupe window absorbs any overlap.
	r.logger.Debug("backfill page limit reached",
		"room_id", roomID,
		"events", len(collected),
	)
	slices.Reverse(collected)
	return collected
}

// dispatch runs registered handlers against one diff. The room
// snapshot handed to handlers reflects this diff's fold.
func (r *Robot) dispatch(ctx context.Context, diff roomstate.Diff) {
	room, ok := r.store.Snapshot(diff.RoomID)
	if !ok {
		return
	}

	r.mu.RLock()
	onMessage := slices.Clone(r.onMessage)
	onMemberJoin := slices.Clone(r.onMemberJoin)
	onMemberLeave := slices.Clone(r.onMemberLeave)
	onRoomJoin := slices.Clone(r.onRoomJoin)
	onStateChange := slices.Clone(r.onStateChange)
	r.mu.RUnlock()

	if diff.NewRoom {
		for _, handler := range onRoomJoin {
			handler(ctx, room)
		}
	}
	for _, userID := range diff.Joined {
		for _, handler := range onMemberJoin {
			handler(ctx, room, userID)
		}
	}
	for _, userID := range diff.Left {
		for _, handler := range onMemberLeave {
			handler(ctx, room, userID)
		}
	}
	for _, event := range diff.StateChanges {
		for _, handler := range onStateChange {
			handler(ctx, room, event)
		}
	}

	self := r.session.UserID()
	for _, event := range diff.Timeline {
		if event.Sender == self {
			continue
		}
		if _, ok := event.Content.(*matrix.MessageContent); !ok {
			continue
		}
		for _, handler := range onMessage {
			handler(ctx, room, event)
		}
	}
}

func (r *Robot) dispatchInvite(ctx context.Context, inv invite) {
	r.mu.RLock()
	handlers := slices.Clone(r.onInvite)
	r.mu.RUnlock()
	for _, handler := range handlers {
		handler(ctx, inv.roomID, inv.inviter)
	}
}

// Do routes a raw client-server API request through the dispatcher
// under the given priority. Use this for endpoints the typed helpers
// do not cover.
func (r *Robot) Do(ctx context.Context, priority Priority, request matrix.Request) (json.RawMessage, error) {
	value, err := r.dispatcher.Execute(ctx, priority, func(ctx context.Context) (any, error) {
		return r.session.Execute(ctx, request)
	})
	if err != nil {
		return nil, err
	}
	return value.(json.RawMessage), nil
}

// SendText sends a plain text message through the interactive queue.
func (r *Robot) SendText(ctx context.Context, roomID ref.RoomID, body string) (ref.EventID, error) {
	return r.sendMessage(ctx, roomID, matrix.NewTextMessage(body))
}

// SendNotice sends an m.notice, which well-behaved bots ignore,
// preventing reply loops between robots.
func (r *Robot) SendNotice(ctx context.Context, roomID ref.RoomID, body string) (ref.EventID, error) {
	return r.sendMessage(ctx, roomID, matrix.NewNotice(body))
}

// SendMarkdown renders GitHub-flavored markdown to a formatted
// message.
func (r *Robot) SendMarkdown(ctx context.Context, roomID ref.RoomID, markdown string) (ref.EventID, error) {
	content, err := matrix.NewMarkdownMessage(markdown)
	if err != nil {
		return ref.EventID{}, err
	}
	return r.sendMessage(ctx, roomID, content)
}

// ReplyInThread sends a text reply into the thread rooted at
// threadRootID.
func (r *Robot) ReplyInThread(ctx context.Context, roomID ref.RoomID, threadRootID ref.EventID, body string) (ref.EventID, error) {
	return r.sendMessage(ctx, roomID, matrix.NewThreadReply(threadRootID, body))
}

func (r *Robot) sendMessage(ctx context.Context, roomID ref.RoomID, content matrix.MessageContent) (ref.EventID, error) {
	value, err := r.dispatcher.Execute(ctx, PriorityInteractive, func(ctx context.Context) (any, error) {
		return r.session.SendMessage(ctx, roomID, content)
	})
	if err != nil {
		return ref.EventID{}, err
	}
	return value.(ref.EventID), nil
}

// JoinRoom joins through the interactive queue.
func (r *Robot) JoinRoom(ctx context.Context, roomID ref.RoomID) error {
	_, err := r.dispatcher.Execute(ctx, PriorityInteractive, func(ctx context.Context) (any, error) {
		return r.session.JoinRoom(ctx, roomID)
	})
	return err
}

// LeaveRoom leaves through the interactive queue. The room is dropped
// from the store when the server confirms the leave in a later sync.
func (r *Robot) LeaveRoom(ctx context.Context, roomID ref.RoomID) error {
	_, err := r.dispatcher.Execute(ctx, PriorityInteractive, func(ctx context.Context) (any, error) {
		return nil, r.session.LeaveRoom(ctx, roomID)
	})
	return err
}

// MarkRead sends a read receipt through the background queue.
func (r *Robot) MarkRead(ctx context.Context, roomID ref.RoomID, eventID ref.EventID) error {
	_, err := r.dispatcher.Execute(ctx, PriorityBackground, func(ctx context.Context) (any, error) {
		return nil, r.session.SendReceipt(ctx, roomID, eventID)
	})
	return err
}

// SetTyping toggles the typing notification through the background
// queue.
func (r *Robot) SetTyping(ctx context.Context, roomID ref.RoomID, typing bool, timeout time.Duration) error {
	_, err := r.dispatcher.Execute(ctx, PriorityBackground, func(ctx context.Context) (any, error) {
		return nil, r.session.Typing(ctx, roomID, typing, timeout)
	})
	return err
}
