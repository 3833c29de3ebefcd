// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

package robot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matriisi/matriisi/lib/clock"
	"github.com/matriisi/matriisi/lib/testutil"
	"github.com/matriisi/matriisi/matrix"
)

func TestDispatcherInteractiveFirst(t *testing.T) {
	dispatcher := NewDispatcher(DispatcherConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var order []string
	record := func(name string) RequestFunc {
		return func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	// Queue everything before the dispatcher starts so the priority
	// pick is deterministic.
	background1 := dispatcher.Submit(ctx, PriorityBackground, record("background-1"))
	background2 := dispatcher.Submit(ctx, PriorityBackground, record("background-2"))
	interactive := dispatcher.Submit(ctx, PriorityInteractive, record("interactive"))

	go dispatcher.Run(ctx)

	testutil.RequireReceive(t, interactive, time.Second, "interactive result")
	testutil.RequireReceive(t, background1, time.Second, "background-1 result")
	testutil.RequireReceive(t, background2, time.Second, "background-2 result")

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "interactive" {
		t.Errorf("execution order = %v, want interactive first", order)
	}
}

func TestDispatcherQueueFull(t *testing.T) {
	dispatcher := NewDispatcher(DispatcherConfig{QueueDepth: 1})
	ctx := context.Background()

	blocked := func(context.Context) (any, error) { return nil, nil }

	// Not running, so the first submit occupies the only slot.
	dispatcher.Submit(ctx, PriorityBackground, blocked)
	result := testutil.RequireReceive(t,
		dispatcher.Submit(ctx, PriorityBackground, blocked),
		time.Second, "rejection")

	if !errors.Is(result.Err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", result.Err)
	}
}

func TestDispatcherSubmitCanceledContext(t *testing.T) {
	dispatcher := NewDispatcher(DispatcherConfig{QueueDepth: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Fill the slot so the canceled-context branch is reachable.
	dispatcher.Submit(context.Background(), PriorityInteractive, func(context.Context) (any, error) {
		return nil, nil
	})
	result := testutil.RequireReceive(t,
		dispatcher.Submit(ctx, PriorityInteractive, func(context.Context) (any, error) {
			t.Error("request ran despite canceled context")
			return nil, nil
		}),
		time.Second, "cancellation result")

	if !errors.Is(result.Err, context.Canceled) && !errors.Is(result.Err, ErrQueueFull) {
		t.Errorf("err = %v", result.Err)
	}
}

// TestDispatcherRateLimitPause verifies a rate-limited request pauses
// both queues for the server's window.
func TestDispatcherRateLimitPause(t *testing.T) {
	fake := clock.Fake(time.Unix(1700000000, 0))
	dispatcher := NewDispatcher(DispatcherConfig{Clock: fake})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dispatcher.Run(ctx)

	limited := dispatcher.Submit(ctx, PriorityInteractive, func(context.Context) (any, error) {
		return nil, &matrix.RateLimitError{
			Attempts:   4,
			RetryAfter: 5 * time.Second,
			Err:        &matrix.APIError{Code: matrix.ErrCodeLimitExceeded, StatusCode: 429},
		}
	})
	result := testutil.RequireReceive(t, limited, time.Second, "rate-limited result")
	var rateLimited *matrix.RateLimitError
	if !errors.As(result.Err, &rateLimited) {
		t.Fatalf("err = %v", result.Err)
	}

	executed := make(chan struct{})
	next := dispatcher.Submit(ctx, PriorityInteractive, func(context.Context) (any, error) {
		close(executed)
		return "after pause", nil
	})

	// The dispatcher must be parked on the pause timer, not executing.
	fake.WaitForTimers(1)
	select {
	case <-executed:
		t.Fatal("request executed during rate-limit pause")
	default:
	}

	fake.Advance(5 * time.Second)
	result = testutil.RequireReceive(t, next, time.Second, "post-pause result")
	if result.Err != nil || result.Value != "after pause" {
		t.Errorf("result = %+v", result)
	}
}

func TestDispatcherResultValue(t *testing.T) {
	dispatcher := NewDispatcher(DispatcherConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dispatcher.Run(ctx)

	value, err := dispatcher.Execute(ctx, PriorityBackground, func(context.Context) (any, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if value != 42 {
		t.Errorf("value = %v", value)
	}
}

func TestDispatcherCancelResolvesPending(t *testing.T) {
	dispatcher := NewDispatcher(DispatcherConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pending := dispatcher.Submit(context.Background(), PriorityBackground, func(context.Context) (any, error) {
		return nil, nil
	})

	done := make(chan error, 1)
	go func() { done <- dispatcher.Run(ctx) }()

	if err := testutil.RequireReceive(t, done, time.Second, "Run return"); err != nil {
		t.Errorf("Run returned %v", err)
	}
	result := testutil.RequireReceive(t, pending, time.Second, "pending resolution")
	if result.Err == nil {
		t.Error("pending request resolved without error after shutdown")
	}
}
