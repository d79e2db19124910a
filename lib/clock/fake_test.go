// Copyright 2026 The Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()
	fake := NewFake()

	ch := fake.After(10 * time.Second)

	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	fake.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	fake.Advance(time.Second)
	select {
	case fired := <-ch:
		if !fired.Equal(fake.Now()) {
			t.Errorf("fired at %v, want %v", fired, fake.Now())
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	t.Parallel()
	fake := NewFake()

	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeAdvanceFiresMultipleWaitersInOrder(t *testing.T) {
	t.Parallel()
	fake := NewFake()

	late := fake.After(2 * time.Second)
	early := fake.After(time.Second)

	fake.Advance(5 * time.Second)

	earlyTime := <-early
	lateTime := <-late
	if lateTime.Before(earlyTime) {
		t.Errorf("late waiter fired at %v before early waiter at %v", lateTime, earlyTime)
	}
	if fake.WaiterCount() != 0 {
		t.Errorf("WaiterCount = %d, want 0", fake.WaiterCount())
	}
}
