// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

package robot

import (
	"sync"

	"github.com/matriisi/matriisi/roomstate"
)

// defaultSubscriberDepth bounds a subscriber's pending diff queue.
const defaultSubscriberDepth = 32

// diffBus fans folded diffs out to subscribers. Publishing never
// blocks: a subscriber that falls behind loses its oldest pending
// diffs first, so the sync loop keeps pace with the homeserver no
// matter how slow a consumer is.
type diffBus struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	ch chan roomstate.Diff
}

func newDiffBus() *diffBus {
	return &diffBus{subscribers: make(map[*subscriber]struct{})}
}

// subscribe registers a queue of the given depth and returns the
// receive side plus a cancel function. Cancel closes the channel.
func (b *diffBus) subscribe(depth int) (<-chan roomstate.Diff, func()) {
	if depth <= 0 {
		depth = defaultSubscriberDepth
	}
	sub := &subscriber{ch: make(chan roomstate.Diff, depth)}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

func (b *diffBus) publish(diff roomstate.Diff) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		for {
			select {
			case sub.ch <- diff:
			default:
				// Full queue: evict the oldest and retry once. The
				// retry can still lose a race only with the consumer,
				// in which case the send succeeds next pass.
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// close shuts every subscriber channel down.
func (b *diffBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
}
