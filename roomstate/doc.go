// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

// Package roomstate maintains the materialized view of room state that
// the sync loop folds incremental updates into.
//
// [Store] is the single authority for room state. The sync loop is its
// only writer: [Store.Fold] applies one room's batch atomically under
// a write lock and returns a [Diff] describing what changed. Readers
// call [Store.Snapshot] or [Store.Rooms] from any goroutine and
// receive deep-copied, immutable [Room] views; no reader ever observes
// a half-applied batch.
//
// The fold is idempotent: event IDs already applied (bounded by a
// seen-ID window) are skipped, so replaying a response after a crash
// between fold and token commit converges to the same state. State
// events apply in arrival order with last-writer-wins per (event type,
// state key) pair, and a leave membership prunes the member entry
// rather than storing a tombstone. Timelines are bounded ring buffers;
// the oldest events fall off when the configured window overflows.
// Ephemeral typing state is replaced wholesale per batch, receipts are
// merged (the wire carries them as deltas) and retained only for
// events still inside the duplicate-detection window. Events with
// malformed
// content are logged and skipped; their siblings still apply.
//
// [Store.Export] and [Store.Import] convert the state to and from a
// serializable form for snapshot persistence.
package roomstate
