// Copyright 2026 The Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sync"

	"github.com/quorumhq/quorum/lib/driver"
	"github.com/quorumhq/quorum/lib/stream"
)

// runner is the supervision state for one live process instance. The
// manager's table maps session id → runner while a process is
// attached; everything mutable inside is guarded by the runner's own
// lock so sessions never contend with each other.
type runner struct {
	sessionID string
	limits    Limits

	// input is the bounded stdin queue. SendInput enqueues with a
	// deadline; the stdin writer goroutine drains it.
	input chan string

	// exited closes when the process has been reaped and its event
	// stream fully drained.
	exited chan struct{}

	// finalized closes after the session record has been updated and
	// terminal events emitted.
	finalized chan struct{}

	// mu also guards process and cancel: they are nil until attach,
	// and a stop or pause can arrive while the spawn is still in
	// flight.
	mu                sync.Mutex
	process           driver.Process
	cancel            context.CancelFunc
	pauseRequested    bool
	stopRequested     bool
	limitReason       string
	limitMessage      string
	terminalEvent     *stream.Event
	providerSessionID string
	costUSD           float64
}

// runnerState is an immutable snapshot taken at finalize time.
type runnerState struct {
	pauseRequested    bool
	stopRequested     bool
	limitReason       string
	limitMessage      string
	terminalEvent     *stream.Event
	providerSessionID string
	costUSD           float64
}

func newRunner(sessionID string, limits Limits, baseCostUSD float64) *runner {
	return &runner{
		sessionID: sessionID,
		limits:    limits,
		input:     make(chan string, 16),
		exited:    make(chan struct{}),
		finalized: make(chan struct{}),
		costUSD:   baseCostUSD,
	}
}

// attach records the live process. Returns true when a stop or pause
// arrived during the spawn window, in which case the caller owes the
// process an immediate interrupt.
func (r *runner) attach(process driver.Process, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.process = process
	r.cancel = cancel
	return r.stopRequested || r.pauseRequested
}

// attachedProcess returns the live process, or nil while the spawn is
// still in flight.
func (r *runner) attachedProcess() driver.Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.process
}

// requestPause and requestStop return the attached process so the
// caller can interrupt it; nil means the spawn has not completed yet
// and attach will deliver the interrupt instead.
func (r *runner) requestPause() driver.Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pauseRequested = true
	return r.process
}

func (r *runner) requestStop() driver.Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopRequested = true
	return r.process
}

// requestLimitStop records a budget or timeout violation. Returns
// false when a stop, pause, or earlier violation is already in flight,
// so enforcement runs at most once.
func (r *runner) requestLimitStop(reason, message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopRequested || r.pauseRequested || r.limitReason != "" {
		return false
	}
	r.limitReason = reason
	r.limitMessage = message
	return true
}

// holdTerminal keeps the runtime's own terminal event for finalize to
// emit. Terminal events must not reach the bus while the runner is
// still registered: a subscriber reacting to one may immediately start
// the session's next process instance.
func (r *runner) holdTerminal(event stream.Event) {
	r.mu.Lock()
	r.terminalEvent = &event
	r.mu.Unlock()
}

func (r *runner) setProviderSessionID(id string) {
	r.mu.Lock()
	r.providerSessionID = id
	r.mu.Unlock()
}

// addCost accumulates metric-reported cost and returns the cumulative
// total (including prior process instances of the session).
func (r *runner) addCost(costUSD float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.costUSD += costUSD
	return r.costUSD
}

func (r *runner) state() runnerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return runnerState{
		pauseRequested:    r.pauseRequested,
		stopRequested:     r.stopRequested,
		limitReason:       r.limitReason,
		limitMessage:      r.limitMessage,
		terminalEvent:     r.terminalEvent,
		providerSessionID: r.providerSessionID,
		costUSD:           r.costUSD,
	}
}
