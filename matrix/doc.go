// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

// Package matrix wraps the Matrix client-server API: the transport
// channel, the authenticated session surface, and the typed event
// decoder that the sync engine builds on.
//
// The package provides two core types. [Client] is an unauthenticated
// Matrix client holding the homeserver URL, the HTTP transport (HTTP/2
// enabled, so the long poll and concurrent sends multiplex one
// connection), and the retry policy: bounded attempts with exponential
// back-off from floor to cap, a 429 back-off window honored exactly,
// and terminal 4xx returned immediately. [Session] wraps a Client with
// an access token for authenticated operations: room management
// (create, join, leave, invite), messaging (send events, room messages
// with pagination), state events, incremental sync with long-polling,
// receipts and typing notifications, and identity verification
// (WhoAmI). Sessions are lightweight and safe for concurrent use; the
// dispatcher executes queued requests through [Session.Execute].
//
// Event decoding degrades per event, never per batch. [Event] carries
// a [Content] variant chosen by the type discriminant: an unrecognized
// type yields [*UnknownContent] with the raw payload intact, and a
// recognized type with unparseable or incomplete content yields
// [*MalformedContent] on that event alone. Only an unparseable
// response envelope fails a whole response, as [*DecodeError].
// [RegisterContentType] installs decoders for custom event types.
//
// API errors are returned as [*APIError] with the standard Matrix
// error code (M_FORBIDDEN, M_NOT_FOUND, etc.) and HTTP status code;
// [IsAPIError] tests for a specific code, and token rejections match
// [ErrReauthRequired] via errors.Is. Retry exhaustion surfaces as
// [*TransportError], or [*RateLimitError] when every attempt was
// rate-limited. Request URLs are built by string concatenation rather
// than url.URL to avoid double-encoding of path segments that contain
// URL-encoded characters (such as room aliases with slashes).
package matrix
