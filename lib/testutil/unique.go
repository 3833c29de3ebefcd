// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns a string of the form "prefix-N" where N is a
// monotonically increasing integer. Use this instead of time.Now()
// when tests need unique identifiers for event IDs, sync tokens, or
// message bodies that must be distinguishable across subtests.
//
//	token := testutil.UniqueID("batch")      // "batch-1", "batch-2", ...
//	body := testutil.UniqueID("hello")       // "hello-3", ...
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
