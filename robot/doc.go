// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

// Package robot runs the synchronization loop that keeps a
// [roomstate.Store] current against a Matrix homeserver and drives
// event handlers from the resulting diffs.
//
// A [Robot] wraps an authenticated [matrix.Session]. Run repeatedly
// long-polls /sync, folds each response into the store, and only then
// commits the next_batch token to its [TokenStore]; a crash between
// fold and commit replays the last response, which the store's
// idempotent fold absorbs. Outbound requests go through a shared
// [Dispatcher] so interactive traffic (messages, joins) is never
// starved by background traffic (receipts, typing) and a rate-limited
// homeserver pauses everything at once.
//
// Handlers registered with OnMessage, OnMemberJoin and friends are
// invoked from the sync goroutine after the token commit, so a handler
// always observes a room snapshot at least as new as the event it is
// handed. Consumers that want raw diffs instead can Subscribe; slow
// subscribers lose their oldest pending diffs rather than stalling the
// loop.
package robot
