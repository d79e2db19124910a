// Copyright 2026 The Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package council

// outcome is what one session's terminal event contributed to the
// stage it ran in.
type outcome struct {
	output  string
	failed  bool
	message string
}

// stageTracker decides when one stage (or one discussion round) of a
// launch is done. It is pure bookkeeping: no bus, no processes, no
// locks — callers serialize access. A stage advances only when a
// terminal outcome has been recorded for every expected session;
// duplicates and strays never double-count.
type stageTracker struct {
	expected map[string]bool
	outcomes map[string]outcome
}

func newStageTracker(sessionIDs []string) *stageTracker {
	expected := make(map[string]bool, len(sessionIDs))
	for _, id := range sessionIDs {
		expected[id] = true
	}
	return &stageTracker{
		expected: expected,
		outcomes: make(map[string]outcome, len(sessionIDs)),
	}
}

// record stores a session's terminal outcome. Returns false when the
// session is not expected in this stage or already recorded.
func (t *stageTracker) record(sessionID string, result outcome) bool {
	if !t.expected[sessionID] {
		return false
	}
	if _, seen := t.outcomes[sessionID]; seen {
		return false
	}
	t.outcomes[sessionID] = result
	return true
}

// complete reports whether every expected session has a recorded
// outcome.
func (t *stageTracker) complete() bool {
	return len(t.outcomes) == len(t.expected)
}

// allFailed reports whether every recorded outcome is a failure. Only
// meaningful once complete.
func (t *stageTracker) allFailed() bool {
	if len(t.outcomes) == 0 {
		return false
	}
	for _, result := range t.outcomes {
		if !result.failed {
			return false
		}
	}
	return true
}

// outcomeFor returns the recorded outcome for one session.
func (t *stageTracker) outcomeFor(sessionID string) (outcome, bool) {
	result, ok := t.outcomes[sessionID]
	return result, ok
}

// succeeded returns the subset of sessionIDs whose outcome was a
// success, preserving order.
func (t *stageTracker) succeeded(sessionIDs []string) []string {
	var survivors []string
	for _, id := range sessionIDs {
		if result, ok := t.outcomes[id]; ok && !result.failed {
			survivors = append(survivors, id)
		}
	}
	return survivors
}
