// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable Matrix identifier
// references: user IDs, room IDs, room aliases, event IDs, and event
// types.
//
// Matrix identifiers are sigil-prefixed strings ('@' for users, '!'
// for rooms, '#' for aliases, '$' for events). Matriisi code never
// constructs them by string concatenation in application logic —
// identifiers arrive from the homeserver (login responses, /sync
// payloads, alias resolution) and are parsed into these types at the
// wire boundary. A value that exists is structurally valid.
//
// All constructors validate their inputs and return errors for
// invalid identifiers. Once constructed, a ref is immutable. The zero
// value of each type is "unset"; use IsZero to check.
//
// JSON marshaling uses the canonical Matrix form via
// encoding.TextMarshaler, so a map keyed by RoomID round-trips
// through the /sync response shape with validation for free.
package ref
