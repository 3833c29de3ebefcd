// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts wall-clock time behind a small interface so
// that back-off schedules and rate-limit pauses are deterministic
// under test.
//
// Production code injects [Real]; tests inject [Fake] and drive time
// with [FakeClock.Advance]. [FakeClock.WaitForTimers] closes the race
// between a goroutine registering a delay and the test advancing the
// clock, so retry tests never sleep for real.
package clock
