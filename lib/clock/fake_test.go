// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeNow(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := Fake(start)

	if !fake.Now().Equal(start) {
		t.Errorf("Now() = %v, want %v", fake.Now(), start)
	}

	fake.Advance(time.Minute)
	if !fake.Now().Equal(start.Add(time.Minute)) {
		t.Errorf("Now() after Advance = %v, want %v", fake.Now(), start.Add(time.Minute))
	}
}

func TestFakeAfter(t *testing.T) {
	fake := Fake(time.Unix(0, 0))

	ch := fake.After(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	fake.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	fake.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}

func TestFakeSleepAndWaitForTimers(t *testing.T) {
	fake := Fake(time.Unix(0, 0))

	done := make(chan struct{})
	go func() {
		fake.Sleep(10 * time.Second)
		close(done)
	}()

	fake.WaitForTimers(1)
	if fake.PendingCount() != 1 {
		t.Errorf("PendingCount() = %d, want 1", fake.PendingCount())
	}

	fake.Advance(10 * time.Second)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Sleep did not return after Advance")
	}
}

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	fake := Fake(time.Unix(0, 0))

	late := fake.After(3 * time.Second)
	early := fake.After(1 * time.Second)

	fake.Advance(5 * time.Second)

	earlyTime := <-early
	lateTime := <-late
	if earlyTime.After(lateTime) {
		t.Error("waiters fired with inconsistent times")
	}
}
