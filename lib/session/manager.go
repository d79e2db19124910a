// Copyright 2026 The Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quorumhq/quorum/lib/bus"
	"github.com/quorumhq/quorum/lib/clock"
	"github.com/quorumhq/quorum/lib/driver"
	"github.com/quorumhq/quorum/lib/stream"
)

// Options configures a Manager.
type Options struct {
	// Bus receives every stream event. Required.
	Bus *bus.Bus

	// Driver spawns and decodes agent processes. Required.
	Driver driver.Driver

	// Catalog resolves project/agent ids into spawn specs. Required.
	Catalog Catalog

	// Store persists session records. Optional; nil disables
	// persistence.
	Store Store

	// Clock drives timeouts and grace periods. Defaults to Real().
	Clock clock.Clock

	// Logger is the audit sink for spawn failures, budget violations,
	// and journal errors. Defaults to discard.
	Logger *slog.Logger

	// JournalDir enables per-session JSONL journals when non-empty.
	JournalDir string

	// StopGracePeriod is how long Stop (and limit enforcement) waits
	// for graceful exit before SIGKILL. Defaults to 10s.
	StopGracePeriod time.Duration

	// InputTimeout bounds SendInput's wait for stdin queue capacity.
	// Defaults to 5s.
	InputTimeout time.Duration

	// MaxRunning bounds concurrently attached processes. Zero means
	// unlimited.
	MaxRunning int
}

// Manager owns the session table and the supervised process behind
// each running session. All mutation of session state goes through its
// methods. Safe for concurrent use.
type Manager struct {
	bus          *bus.Bus
	driver       driver.Driver
	catalog      Catalog
	store        Store
	clock        clock.Clock
	logger       *slog.Logger
	journalDir   string
	stopGrace    time.Duration
	inputTimeout time.Duration
	maxRunning   int

	instanceCounter atomic.Int64

	mu       sync.Mutex
	sessions map[string]*Session
	runners  map[string]*runner
}

// NewManager creates a Manager. Panics if a required option is
// missing — the wiring is static, a missing collaborator is a
// programming error, not a runtime condition.
func NewManager(options Options) *Manager {
	if options.Bus == nil {
		panic("session.NewManager: Bus is required")
	}
	if options.Driver == nil {
		panic("session.NewManager: Driver is required")
	}
	if options.Catalog == nil {
		panic("session.NewManager: Catalog is required")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if options.StopGracePeriod == 0 {
		options.StopGracePeriod = 10 * time.Second
	}
	if options.InputTimeout == 0 {
		options.InputTimeout = 5 * time.Second
	}
	return &Manager{
		bus:          options.Bus,
		driver:       options.Driver,
		catalog:      options.Catalog,
		store:        options.Store,
		clock:        options.Clock,
		logger:       options.Logger,
		journalDir:   options.JournalDir,
		stopGrace:    options.StopGracePeriod,
		inputTimeout: options.InputTimeout,
		maxRunning:   options.MaxRunning,
		sessions:     make(map[string]*Session),
		runners:      make(map[string]*runner),
	}
}

// CreateSession allocates a session record in idle status. No process
// is started. Fails if the project or agent id is unknown.
func (m *Manager) CreateSession(ctx context.Context, projectID, agentID string, options CreateOptions) (Session, error) {
	spec, err := m.catalog.Resolve(projectID, agentID)
	if err != nil {
		return Session{}, fmt.Errorf("resolving %s/%s: %w", projectID, agentID, err)
	}

	now := m.clock.Now()
	record := &Session{
		ID:              newSessionID(now),
		ProjectID:       projectID,
		AgentID:         agentID,
		Name:            options.Name,
		Status:          StatusIdle,
		CouncilLaunchID: options.CouncilLaunchID,
		CouncilRole:     options.CouncilRole,
		Limits:          spec.Limits,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if record.Name == "" {
		record.Name = agentID + " @ " + projectID
	}
	if options.Limits != nil {
		record.Limits = *options.Limits
	}

	m.mu.Lock()
	m.sessions[record.ID] = record
	m.mu.Unlock()

	m.persist(ctx, *record)
	m.logger.Info("session created",
		"session_id", record.ID,
		"project_id", projectID,
		"agent_id", agentID,
	)
	return *record, nil
}

// GetSession returns a snapshot of one session.
func (m *Manager) GetSession(sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return *record, nil
}

// ListSessions returns snapshots of all sessions, oldest first.
func (m *Manager) ListSessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]Session, 0, len(m.sessions))
	for _, record := range m.sessions {
		sessions = append(sessions, *record)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// RunningCount returns the number of sessions with an attached
// process.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runners)
}

// StartSession spawns a fresh process for the session. Fails with
// ErrAlreadyRunning if one is attached. A failed spawn is not an API
// error: the session transitions to error status and a terminal
// spawn_failed event is emitted on the bus.
func (m *Manager) StartSession(ctx context.Context, sessionID, prompt string) error {
	return m.spawn(ctx, sessionID, prompt, false)
}

// ResumeSession spawns a process continuing the session's prior
// context. Fails with ErrNotPaused unless the session is paused or has
// prior history (a captured provider session id).
func (m *Manager) ResumeSession(ctx context.Context, sessionID, prompt string) error {
	return m.spawn(ctx, sessionID, prompt, true)
}

func (m *Manager) spawn(ctx context.Context, sessionID, prompt string, resume bool) error {
	m.mu.Lock()
	record, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if _, running := m.runners[sessionID]; running {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, sessionID)
	}
	if resume && record.Status != StatusPaused && record.ProviderSessionID == "" {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s has no prior context", ErrNotPaused, sessionID)
	}
	if m.maxRunning > 0 && len(m.runners) >= m.maxRunning {
		m.mu.Unlock()
		return fmt.Errorf("%w (limit %d)", ErrTooManyRunning, m.maxRunning)
	}
	spec, err := m.catalog.Resolve(record.ProjectID, record.AgentID)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("resolving %s/%s: %w", record.ProjectID, record.AgentID, err)
	}

	run := newRunner(sessionID, record.Limits, record.CostUSD)
	// Reserve the slot before forking so a concurrent start observes
	// AlreadyRunning instead of racing to spawn a second process.
	m.runners[sessionID] = run
	resumeID := ""
	if resume {
		resumeID = record.ProviderSessionID
	}
	m.mu.Unlock()

	// The process outlives this API call's context; its lifetime is
	// bounded by Stop/limits, not by the caller's request deadline.
	processCtx, cancel := context.WithCancel(context.Background())
	process, stdout, startErr := m.driver.Start(processCtx, driver.Config{
		Prompt:                  prompt,
		ResumeProviderSessionID: resumeID,
		Model:                   spec.Model,
		WorkingDirectory:        spec.WorkingDirectory,
		Env:                     spec.Env,
	})
	if startErr != nil {
		cancel()
		m.mu.Lock()
		delete(m.runners, sessionID)
		record.Status = StatusError
		record.LastError = startErr.Error()
		record.UpdatedAt = m.clock.Now()
		snapshot := *record
		m.mu.Unlock()

		m.logger.Error("spawning session process",
			"session_id", sessionID,
			"project_id", snapshot.ProjectID,
			"agent_id", snapshot.AgentID,
			"error", startErr,
		)
		m.persist(ctx, snapshot)
		m.emitStatus(sessionID, StatusError)
		m.bus.Emit(sessionID, stream.Event{
			Timestamp: m.clock.Now(),
			Type:      stream.EventTypeError,
			Error: &stream.ErrorEvent{
				Message:  startErr.Error(),
				Reason:   stream.ReasonSpawnFailed,
				Terminal: true,
			},
		})
		// Release anything blocked on this instance: a Stop or
		// SendInput issued during the spawn window waits on these.
		close(run.exited)
		close(run.finalized)
		return nil
	}

	if interruptNow := run.attach(process, cancel); interruptNow {
		// A stop or pause raced the spawn; it found no process to
		// interrupt, so the interrupt is delivered here.
		if err := m.driver.Interrupt(process); err != nil {
			m.logger.Warn("interrupting session process", "session_id", sessionID, "error", err)
		}
	}

	var journal *Journal
	if m.journalDir != "" {
		journal, err = NewJournal(m.journalDir, sessionID, m.instanceCounter.Add(1))
		if err != nil {
			m.logger.Warn("opening session journal", "session_id", sessionID, "error", err)
			journal = nil
		}
	}

	m.mu.Lock()
	record.Status = StatusRunning
	record.UpdatedAt = m.clock.Now()
	snapshot := *record
	m.mu.Unlock()
	m.persist(ctx, snapshot)

	m.logger.Info("session process started",
		"session_id", sessionID,
		"project_id", snapshot.ProjectID,
		"agent_id", snapshot.AgentID,
		"resume", resume,
	)
	m.emitStatus(sessionID, StatusRunning)
	m.bus.Emit(sessionID, stream.Event{
		Timestamp: m.clock.Now(),
		Type:      stream.EventTypeMessageStart,
		MessageStart: &stream.MessageStartEvent{
			ProviderSessionID: resumeID,
			Model:             spec.Model,
		},
	})

	m.supervise(processCtx, run, process, stdout, journal)
	return nil
}

// supervise starts the per-session goroutines: output parser, stdin
// writer, event pump, timeout watcher, and the reaper that finalizes
// the session.
func (m *Manager) supervise(ctx context.Context, run *runner, process driver.Process, stdout io.ReadCloser, journal *Journal) {
	events := make(chan stream.Event, 64)

	// Producer: decode stdout into structured events.
	go func() {
		if parseErr := m.driver.ParseOutput(ctx, stdout, events); parseErr != nil && ctx.Err() == nil {
			m.logger.Warn("parsing session output", "session_id", run.sessionID, "error", parseErr)
		}
		stdout.Close()
		close(events)
	}()

	// Stdin writer: drains the bounded input queue into the process.
	go func() {
		stdin := process.Stdin()
		for {
			select {
			case line := <-run.input:
				if _, writeErr := io.WriteString(stdin, line+"\n"); writeErr != nil {
					m.logger.Warn("writing session input", "session_id", run.sessionID, "error", writeErr)
					return
				}
			case <-run.exited:
				return
			}
		}
	}()

	// Pump: journal, budget enforcement, bus emission. Single
	// goroutine per session, so producer order is preserved end to
	// end.
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for event := range events {
			m.handleEvent(run, journal, event)
		}
	}()

	// Timeout watcher.
	if run.limits.MaxDuration > 0 {
		go func() {
			select {
			case <-m.clock.After(run.limits.MaxDuration):
				m.enforceLimit(run, stream.ReasonTimeoutExceeded,
					fmt.Sprintf("session exceeded maximum duration %s", run.limits.MaxDuration))
			case <-run.exited:
			}
		}()
	}

	// Reaper: wait for the output stream to drain, reap the process,
	// finalize the session record.
	go func() {
		<-pumpDone
		waitErr := process.Wait()
		close(run.exited)
		run.cancel()
		m.finalize(run, journal, waitErr)
		close(run.finalized)
	}()
}

// handleEvent processes one decoded event on the session's pump
// goroutine.
func (m *Manager) handleEvent(run *runner, journal *Journal, event stream.Event) {
	switch event.Type {
	case stream.EventTypeMessageStart:
		if event.MessageStart != nil && event.MessageStart.ProviderSessionID != "" {
			run.setProviderSessionID(event.MessageStart.ProviderSessionID)
		}
	case stream.EventTypeMetric:
		if event.Metric != nil && event.Metric.CostUSD > 0 {
			total := run.addCost(event.Metric.CostUSD)
			if run.limits.MaxCostUSD > 0 && total > run.limits.MaxCostUSD {
				m.enforceLimit(run, stream.ReasonBudgetExceeded,
					fmt.Sprintf("cumulative cost $%.4f exceeds budget $%.4f", total, run.limits.MaxCostUSD))
			}
		}
	}
	if journal != nil {
		if err := journal.Write(event); err != nil {
			m.logger.Warn("writing session journal", "session_id", run.sessionID, "error", err)
		}
	}
	if event.Terminal() {
		// Withheld until finalize has deregistered the runner. A
		// subscriber reacting to the terminal (a council resuming the
		// member, say) must be able to start the next process
		// instance immediately.
		run.holdTerminal(event)
		return
	}
	m.bus.Emit(run.sessionID, event)
}

// enforceLimit forcibly stops a session that violated its budget or
// timeout. Runs at most once per process instance.
func (m *Manager) enforceLimit(run *runner, reason, message string) {
	if !run.requestLimitStop(reason, message) {
		return
	}
	m.logger.Warn("session limit exceeded",
		"session_id", run.sessionID,
		"reason", reason,
	)
	process := run.attachedProcess()
	if err := m.driver.Interrupt(process); err != nil {
		m.logger.Warn("interrupting session process", "session_id", run.sessionID, "error", err)
	}
	go func() {
		select {
		case <-m.clock.After(m.stopGrace):
			process.Signal(os.Kill)
		case <-run.exited:
		}
	}()
}

// PauseSession asks the process to stop gracefully while remembering
// resumable state. The captured provider session id survives, so a
// later Resume respawns with prior context. Fails with ErrNotRunning
// if no process is attached.
func (m *Manager) PauseSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	run, ok := m.runners[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRunning, sessionID)
	}
	record := m.sessions[sessionID]
	process := run.requestPause()
	record.Status = StatusPaused
	record.UpdatedAt = m.clock.Now()
	snapshot := *record
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	m.emitStatus(sessionID, StatusPaused)
	// A nil process means the spawn is still in flight; attach sees
	// the pause request and interrupts on our behalf.
	if process != nil {
		if err := m.driver.Interrupt(process); err != nil {
			m.logger.Warn("interrupting session process", "session_id", sessionID, "error", err)
		}
	}
	return nil
}

// StopSession terminates the session's process: graceful interrupt,
// then SIGKILL after the grace period. Blocks until the session is
// finalized. Subscriber registrations on the bus are deliberately left
// alone — subscriber lifetime is independent of process lifetime.
func (m *Manager) StopSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	run, ok := m.runners[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, sessionID)
	}

	// A nil process means the spawn is still in flight; attach sees
	// the stop request and interrupts on our behalf (or a failed
	// spawn closes finalized).
	if process := run.requestStop(); process != nil {
		if err := m.driver.Interrupt(process); err != nil {
			m.logger.Warn("interrupting session process", "session_id", sessionID, "error", err)
		}
	}

	select {
	case <-run.finalized:
		return nil
	case <-m.clock.After(m.stopGrace):
	case <-ctx.Done():
		return ctx.Err()
	}

	m.logger.Warn("session did not exit within grace period, killing", "session_id", sessionID)
	if process := run.attachedProcess(); process != nil {
		process.Signal(os.Kill)
	}

	select {
	case <-run.finalized:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendInput writes content to the session's stdin queue. Fails with
// ErrNotRunning if no process is attached, and with
// ErrInputBackpressure if the process does not make queue room within
// the bounded window — the caller is never blocked indefinitely.
func (m *Manager) SendInput(ctx context.Context, sessionID, content string) error {
	m.mu.Lock()
	run, ok := m.runners[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, sessionID)
	}

	select {
	case run.input <- content:
		return nil
	case <-run.exited:
		return fmt.Errorf("%w: %s", ErrNotRunning, sessionID)
	case <-m.clock.After(m.inputTimeout):
		return fmt.Errorf("%w: %s", ErrInputBackpressure, sessionID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finalize updates the session record after its process exited and
// emits the status change followed by the terminal event — the
// runtime's own if the pump held one, a synthesized one otherwise.
// Runs once per process instance, after the event stream has drained,
// so the terminal always follows all output events. The runner is
// removed from the table before anything is emitted, which is what
// lets a subscriber callback reacting to the terminal start a new
// process instance immediately.
func (m *Manager) finalize(run *runner, journal *Journal, waitErr error) {
	state := run.state()

	m.mu.Lock()
	delete(m.runners, run.sessionID)
	record := m.sessions[run.sessionID]

	var status Status
	var terminal *stream.Event
	switch {
	case state.limitReason != "":
		status = StatusError
		record.LastError = state.limitMessage
		terminal = &stream.Event{
			Type: stream.EventTypeError,
			Error: &stream.ErrorEvent{
				Message:  state.limitMessage,
				Reason:   state.limitReason,
				Terminal: true,
			},
		}
	case state.pauseRequested:
		status = StatusPaused
	case state.stopRequested:
		status = StatusStopped
		terminal = &stream.Event{
			Type:       stream.EventTypeMessageEnd,
			MessageEnd: &stream.MessageEndEvent{},
		}
	case waitErr != nil:
		status = StatusError
		record.LastError = waitErr.Error()
		terminal = &stream.Event{
			Type: stream.EventTypeError,
			Error: &stream.ErrorEvent{
				Message:  fmt.Sprintf("process exited: %v", waitErr),
				Reason:   stream.ReasonProcessFailed,
				Terminal: true,
			},
		}
	default:
		status = StatusStopped
		terminal = &stream.Event{
			Type:       stream.EventTypeMessageEnd,
			MessageEnd: &stream.MessageEndEvent{},
		}
	}
	if state.terminalEvent != nil {
		// The runtime produced its own terminal; it supersedes the
		// synthesized one.
		terminal = state.terminalEvent
	}
	if state.providerSessionID != "" {
		record.ProviderSessionID = state.providerSessionID
	}
	record.CostUSD = state.costUSD
	record.Status = status
	record.UpdatedAt = m.clock.Now()
	snapshot := *record
	m.mu.Unlock()

	m.persist(context.Background(), snapshot)

	if journal != nil {
		if summary, err := journal.Close(); err != nil {
			m.logger.Warn("finalizing session journal", "session_id", run.sessionID, "error", err)
		} else {
			m.logger.Info("session journal finalized",
				"session_id", run.sessionID,
				"path", summary.Path,
				"checksum", summary.Checksum,
				"events", summary.EventCount,
			)
		}
	}

	m.logger.Info("session process exited",
		"session_id", run.sessionID,
		"status", status,
		"exit_error", waitErr,
	)
	m.emitStatus(run.sessionID, status)
	if terminal != nil {
		if terminal.Timestamp.IsZero() {
			terminal.Timestamp = m.clock.Now()
		}
		m.bus.Emit(run.sessionID, *terminal)
	}
}

func (m *Manager) emitStatus(sessionID string, status Status) {
	m.bus.Emit(sessionID, stream.Event{
		Timestamp: m.clock.Now(),
		Type:      stream.EventTypeStatus,
		Status:    &stream.StatusEvent{Status: string(status)},
	})
}

func (m *Manager) persist(ctx context.Context, snapshot Session) {
	if m.store == nil {
		return
	}
	if err := m.store.PutSession(ctx, snapshot); err != nil {
		m.logger.Error("persisting session", "session_id", snapshot.ID, "error", err)
	}
}
