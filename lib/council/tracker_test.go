// Copyright 2026 The Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package council

import "testing"

func TestTrackerCompleteRequiresAllSessions(t *testing.T) {
	t.Parallel()
	tracker := newStageTracker([]string{"a", "b", "c"})

	if tracker.complete() {
		t.Error("empty tracker must not be complete")
	}
	if !tracker.record("a", outcome{output: "one"}) {
		t.Error("first record for a rejected")
	}
	if !tracker.record("b", outcome{failed: true, message: "boom"}) {
		t.Error("first record for b rejected")
	}
	if tracker.complete() {
		t.Error("partial observation must not complete the stage")
	}
	if !tracker.record("c", outcome{output: "three"}) {
		t.Error("first record for c rejected")
	}
	if !tracker.complete() {
		t.Error("all sessions terminal, stage should be complete")
	}
}

func TestTrackerIgnoresDuplicatesAndStrays(t *testing.T) {
	t.Parallel()
	tracker := newStageTracker([]string{"a", "b"})

	if !tracker.record("a", outcome{output: "first"}) {
		t.Error("first record rejected")
	}
	if tracker.record("a", outcome{output: "second"}) {
		t.Error("duplicate terminal must not count")
	}
	if tracker.record("z", outcome{output: "stray"}) {
		t.Error("unexpected session must not count")
	}
	if tracker.complete() {
		t.Error("duplicates must not complete the stage")
	}

	result, ok := tracker.outcomeFor("a")
	if !ok || result.output != "first" {
		t.Errorf("outcomeFor(a) = %+v, %v; want first record retained", result, ok)
	}
}

func TestTrackerAllFailed(t *testing.T) {
	t.Parallel()
	tracker := newStageTracker([]string{"a", "b"})
	if tracker.allFailed() {
		t.Error("allFailed on empty tracker")
	}
	tracker.record("a", outcome{failed: true})
	tracker.record("b", outcome{failed: true})
	if !tracker.allFailed() {
		t.Error("both failed, allFailed should hold")
	}

	mixed := newStageTracker([]string{"a", "b"})
	mixed.record("a", outcome{failed: true})
	mixed.record("b", outcome{output: "fine"})
	if mixed.allFailed() {
		t.Error("one success, allFailed must not hold")
	}
}

func TestTrackerSucceededPreservesOrder(t *testing.T) {
	t.Parallel()
	tracker := newStageTracker([]string{"a", "b", "c"})
	tracker.record("c", outcome{output: "three"})
	tracker.record("a", outcome{output: "one"})
	tracker.record("b", outcome{failed: true})

	got := tracker.succeeded([]string{"a", "b", "c"})
	want := []string{"a", "c"}
	if len(got) != len(want) {
		t.Fatalf("succeeded = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("succeeded = %v, want %v", got, want)
		}
	}
}
