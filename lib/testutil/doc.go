// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Matriisi packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// timeout safety valve pattern (select with time.After fallback) so
// that individual tests do not need direct time.After calls. These are
// the only places in the test suite where real wall-clock timeouts are
// used; everything time-dependent in production code goes through
// lib/clock and is driven deterministically with a FakeClock.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation. Use it instead of time.Now() when tests need unique
// event IDs, sync tokens, or message bodies.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no Matriisi-internal dependencies.
package testutil
