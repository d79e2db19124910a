// Copyright 2026 The Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/quorumhq/quorum/lib/bus"
	"github.com/quorumhq/quorum/lib/clock"
	"github.com/quorumhq/quorum/lib/driver"
	"github.com/quorumhq/quorum/lib/stream"
	"github.com/quorumhq/quorum/lib/testutil"
)

// fakeCatalog resolves every project/agent pair except those listed
// in unknown.
type fakeCatalog struct {
	spec    SpawnSpec
	unknown map[string]bool
}

func (c *fakeCatalog) Resolve(projectID, agentID string) (SpawnSpec, error) {
	if c.unknown[projectID+"/"+agentID] {
		return SpawnSpec{}, errors.New("no such agent")
	}
	return c.spec, nil
}

// fakeProcess is a scriptable stand-in for an agent process. The test
// pushes events through script; they surface via the fake driver's
// ParseOutput. The process "exits" when exit is called (directly or as
// a side effect of Interrupt / SIGKILL).
type fakeProcess struct {
	config driver.Config

	script chan stream.Event

	stdinMu   sync.Mutex
	stdinData []byte
	stdinGate chan struct{} // non-nil blocks writes until closed

	exitOnce sync.Once
	waitErr  error
	done     chan struct{}

	interrupted chan struct{}
}

func (p *fakeProcess) Wait() error {
	<-p.done
	return p.waitErr
}

func (p *fakeProcess) Stdin() io.Writer { return stdinWriter{p} }

type stdinWriter struct{ p *fakeProcess }

func (w stdinWriter) Write(data []byte) (int, error) {
	if w.p.stdinGate != nil {
		<-w.p.stdinGate
	}
	w.p.stdinMu.Lock()
	defer w.p.stdinMu.Unlock()
	w.p.stdinData = append(w.p.stdinData, data...)
	return len(data), nil
}

func (p *fakeProcess) stdin() string {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	return string(p.stdinData)
}

func (p *fakeProcess) Signal(signal os.Signal) error {
	if signal == os.Kill {
		p.exit(errors.New("signal: killed"))
	}
	return nil
}

// exit ends the scripted stream and unblocks Wait.
func (p *fakeProcess) exit(err error) {
	p.exitOnce.Do(func() {
		p.waitErr = err
		close(p.script)
		close(p.done)
	})
}

// scriptReader ties a process's script channel to the stdout handle
// the manager passes back into ParseOutput.
type scriptReader struct{ process *fakeProcess }

func (r *scriptReader) Read([]byte) (int, error) { return 0, io.EOF }
func (r *scriptReader) Close() error             { return nil }

// fakeDriver spawns fakeProcesses and decodes their scripted events.
type fakeDriver struct {
	startErr        error
	gateStdin       bool
	ignoreInterrupt bool
	startGate       chan struct{} // non-nil blocks Start until closed

	starting chan struct{}
	started  chan *fakeProcess
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		starting: make(chan struct{}, 8),
		started:  make(chan *fakeProcess, 8),
	}
}

func (d *fakeDriver) Start(ctx context.Context, config driver.Config) (driver.Process, io.ReadCloser, error) {
	d.starting <- struct{}{}
	if d.startGate != nil {
		<-d.startGate
	}
	if d.startErr != nil {
		return nil, nil, d.startErr
	}
	process := &fakeProcess{
		config:      config,
		script:      make(chan stream.Event, 64),
		done:        make(chan struct{}),
		interrupted: make(chan struct{}, 4),
	}
	if d.gateStdin {
		process.stdinGate = make(chan struct{})
	}
	d.started <- process
	return process, &scriptReader{process: process}, nil
}

func (d *fakeDriver) ParseOutput(ctx context.Context, stdout io.Reader, events chan<- stream.Event) error {
	reader := stdout.(*scriptReader)
	for event := range reader.process.script {
		select {
		case events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *fakeDriver) Interrupt(process driver.Process) error {
	fake := process.(*fakeProcess)
	fake.interrupted <- struct{}{}
	if !d.ignoreInterrupt {
		fake.exit(nil)
	}
	return nil
}

// recordedStore captures persisted snapshots.
type recordedStore struct {
	mu      sync.Mutex
	records []Session
}

func (s *recordedStore) PutSession(ctx context.Context, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, session)
	return nil
}

// collectEvents subscribes to one session and returns a channel of
// everything emitted for it.
func collectEvents(b *bus.Bus, sessionID string) <-chan stream.Event {
	events := make(chan stream.Event, 128)
	b.Subscribe(sessionID, func(_ string, event stream.Event) {
		events <- event
	})
	return events
}

func newTestManager(t *testing.T, options Options) *Manager {
	t.Helper()
	if options.Bus == nil {
		options.Bus = bus.New(nil)
	}
	if options.Driver == nil {
		options.Driver = newFakeDriver()
	}
	if options.Catalog == nil {
		options.Catalog = &fakeCatalog{}
	}
	return NewManager(options)
}

func createTestSession(t *testing.T, manager *Manager) Session {
	t.Helper()
	created, err := manager.CreateSession(context.Background(), "proj", "agent", CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return created
}

func TestCreateSessionUnknownAgent(t *testing.T) {
	t.Parallel()
	manager := newTestManager(t, Options{
		Catalog: &fakeCatalog{unknown: map[string]bool{"proj/nope": true}},
	})

	_, err := manager.CreateSession(context.Background(), "proj", "nope", CreateOptions{})
	if err == nil {
		t.Fatal("expected error for unknown agent")
	}
}

func TestCreateSessionDefaults(t *testing.T) {
	t.Parallel()
	manager := newTestManager(t, Options{
		Catalog: &fakeCatalog{spec: SpawnSpec{Limits: Limits{MaxCostUSD: 2.5}}},
	})

	created := createTestSession(t, manager)
	if created.Status != StatusIdle {
		t.Errorf("status = %q, want %q", created.Status, StatusIdle)
	}
	if got, want := created.Name, "agent @ proj"; got != want {
		t.Errorf("derived name = %q, want %q", got, want)
	}
	if created.Limits.MaxCostUSD != 2.5 {
		t.Errorf("limits not inherited from catalog: %+v", created.Limits)
	}

	override := Limits{MaxCostUSD: 9}
	custom, err := manager.CreateSession(context.Background(), "proj", "agent", CreateOptions{
		Name:   "custom",
		Limits: &override,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if custom.Name != "custom" || custom.Limits.MaxCostUSD != 9 {
		t.Errorf("overrides not applied: %+v", custom)
	}
}

func TestStartSessionLifecycle(t *testing.T) {
	t.Parallel()
	eventBus := bus.New(nil)
	fake := newFakeDriver()
	store := &recordedStore{}
	manager := newTestManager(t, Options{Bus: eventBus, Driver: fake, Store: store})

	created := createTestSession(t, manager)
	events := collectEvents(eventBus, created.ID)

	if err := manager.StartSession(context.Background(), created.ID, "do the thing"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	process := testutil.RequireReceive(t, fake.started, 5*time.Second, "waiting for spawn")
	if process.config.Prompt != "do the thing" {
		t.Errorf("prompt = %q", process.config.Prompt)
	}

	status := testutil.RequireReceive(t, events, 5*time.Second, "waiting for status event")
	if status.Type != stream.EventTypeStatus || status.Status.Status != string(StatusRunning) {
		t.Fatalf("first event = %+v, want running status", status)
	}
	start := testutil.RequireReceive(t, events, 5*time.Second, "waiting for message_start")
	if start.Type != stream.EventTypeMessageStart {
		t.Fatalf("second event type = %q, want message_start", start.Type)
	}

	process.script <- stream.Event{
		Type:         stream.EventTypeMessageStart,
		MessageStart: &stream.MessageStartEvent{ProviderSessionID: "prov-1"},
	}
	process.script <- stream.Event{
		Type:         stream.EventTypeMessageDelta,
		MessageDelta: &stream.MessageDeltaEvent{Content: "hello"},
	}
	process.script <- stream.Event{
		Type:   stream.EventTypeMetric,
		Metric: &stream.MetricEvent{CostUSD: 0.25},
	}
	process.script <- stream.Event{
		Type:       stream.EventTypeMessageEnd,
		MessageEnd: &stream.MessageEndEvent{Result: "done"},
	}
	process.exit(nil)

	// The runtime's message_end is withheld until after the session is
	// finalized, so it arrives last, after the stopped status.
	var sequence []stream.EventType
	for {
		event := testutil.RequireReceive(t, events, 5*time.Second, "waiting for stream drain")
		sequence = append(sequence, event.Type)
		if event.Type == stream.EventTypeMessageEnd {
			break
		}
	}
	want := []stream.EventType{
		stream.EventTypeMessageStart,
		stream.EventTypeMessageDelta,
		stream.EventTypeMetric,
		stream.EventTypeStatus,
		stream.EventTypeMessageEnd,
	}
	if len(sequence) != len(want) {
		t.Fatalf("event sequence = %v, want %v", sequence, want)
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Fatalf("event sequence = %v, want %v", sequence, want)
		}
	}

	testutil.WaitFor(t, 5*time.Second, func() bool {
		return manager.RunningCount() == 0
	}, "waiting for runner cleanup")

	final, err := manager.GetSession(created.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if final.Status != StatusStopped {
		t.Errorf("status = %q, want stopped", final.Status)
	}
	if final.ProviderSessionID != "prov-1" {
		t.Errorf("provider session id = %q, want prov-1", final.ProviderSessionID)
	}
	if final.CostUSD != 0.25 {
		t.Errorf("cost = %v, want 0.25", final.CostUSD)
	}

	// The terminal message_end came from the runtime; the manager must
	// not have synthesized a second one.
	select {
	case extra := <-events:
		t.Errorf("unexpected trailing event: %+v", extra)
	default:
	}

	store.mu.Lock()
	persisted := len(store.records)
	store.mu.Unlock()
	if persisted == 0 {
		t.Error("no snapshots persisted")
	}
}

func TestStartSessionSpawnFailure(t *testing.T) {
	t.Parallel()
	eventBus := bus.New(nil)
	fake := newFakeDriver()
	fake.startErr = errors.New("exec: no such binary")
	manager := newTestManager(t, Options{Bus: eventBus, Driver: fake})

	created := createTestSession(t, manager)
	events := collectEvents(eventBus, created.ID)

	// A failed spawn is reported through the stream, not the API.
	if err := manager.StartSession(context.Background(), created.ID, "hi"); err != nil {
		t.Fatalf("StartSession returned API error: %v", err)
	}

	status := testutil.RequireReceive(t, events, 5*time.Second, "waiting for status event")
	if status.Type != stream.EventTypeStatus || status.Status.Status != string(StatusError) {
		t.Fatalf("first event = %+v, want error status", status)
	}
	failure := testutil.RequireReceive(t, events, 5*time.Second, "waiting for spawn failure event")
	if failure.Type != stream.EventTypeError {
		t.Fatalf("event type = %q, want error", failure.Type)
	}
	if failure.Error.Reason != stream.ReasonSpawnFailed {
		t.Errorf("reason = %q, want %q", failure.Error.Reason, stream.ReasonSpawnFailed)
	}
	if !failure.Terminal() {
		t.Error("spawn failure event must be terminal")
	}

	if got := manager.RunningCount(); got != 0 {
		t.Errorf("RunningCount = %d, want 0", got)
	}
	record, err := manager.GetSession(created.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if record.Status != StatusError {
		t.Errorf("status = %q, want error", record.Status)
	}
	if record.LastError == "" {
		t.Error("LastError not recorded")
	}
}

func TestStartSessionAlreadyRunning(t *testing.T) {
	t.Parallel()
	fake := newFakeDriver()
	manager := newTestManager(t, Options{Driver: fake})

	created := createTestSession(t, manager)
	if err := manager.StartSession(context.Background(), created.ID, "hi"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	process := testutil.RequireReceive(t, fake.started, 5*time.Second, "waiting for spawn")

	if err := manager.StartSession(context.Background(), created.ID, "again"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second start error = %v, want ErrAlreadyRunning", err)
	}
	process.exit(nil)
}

func TestStartSessionUnknown(t *testing.T) {
	t.Parallel()
	manager := newTestManager(t, Options{})
	if err := manager.StartSession(context.Background(), "sess-missing", "hi"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("error = %v, want ErrUnknownSession", err)
	}
}

func TestMaxRunningSessions(t *testing.T) {
	t.Parallel()
	fake := newFakeDriver()
	manager := newTestManager(t, Options{Driver: fake, MaxRunning: 1})

	first := createTestSession(t, manager)
	second := createTestSession(t, manager)
	if err := manager.StartSession(context.Background(), first.ID, "hi"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	process := testutil.RequireReceive(t, fake.started, 5*time.Second, "waiting for spawn")

	if err := manager.StartSession(context.Background(), second.ID, "hi"); !errors.Is(err, ErrTooManyRunning) {
		t.Errorf("error = %v, want ErrTooManyRunning", err)
	}
	process.exit(nil)
}

func TestSendInputNotRunning(t *testing.T) {
	t.Parallel()
	manager := newTestManager(t, Options{})
	created := createTestSession(t, manager)

	if err := manager.SendInput(context.Background(), created.ID, "hello"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("error = %v, want ErrNotRunning", err)
	}
}

func TestSendInputDelivered(t *testing.T) {
	t.Parallel()
	fake := newFakeDriver()
	manager := newTestManager(t, Options{Driver: fake})

	created := createTestSession(t, manager)
	if err := manager.StartSession(context.Background(), created.ID, "hi"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	process := testutil.RequireReceive(t, fake.started, 5*time.Second, "waiting for spawn")

	if err := manager.SendInput(context.Background(), created.ID, "follow up"); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	testutil.WaitFor(t, 5*time.Second, func() bool {
		return process.stdin() == "follow up\n"
	}, "waiting for stdin write")
	process.exit(nil)
}

func TestSendInputBackpressure(t *testing.T) {
	t.Parallel()
	fake := newFakeDriver()
	fake.gateStdin = true
	manager := newTestManager(t, Options{Driver: fake, InputTimeout: 20 * time.Millisecond})

	created := createTestSession(t, manager)
	if err := manager.StartSession(context.Background(), created.ID, "hi"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	process := testutil.RequireReceive(t, fake.started, 5*time.Second, "waiting for spawn")

	// Fill the queue: the writer goroutine takes one line and blocks
	// on the gated stdin, the rest sit in the channel.
	for range 17 {
		if err := manager.SendInput(context.Background(), created.ID, "x"); err != nil {
			break
		}
	}
	err := manager.SendInput(context.Background(), created.ID, "overflow")
	if !errors.Is(err, ErrInputBackpressure) {
		t.Errorf("error = %v, want ErrInputBackpressure", err)
	}

	close(process.stdinGate)
	process.exit(nil)
}

func TestStopSession(t *testing.T) {
	t.Parallel()
	eventBus := bus.New(nil)
	fake := newFakeDriver()
	manager := newTestManager(t, Options{Bus: eventBus, Driver: fake})

	created := createTestSession(t, manager)
	events := collectEvents(eventBus, created.ID)
	if err := manager.StartSession(context.Background(), created.ID, "hi"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	process := testutil.RequireReceive(t, fake.started, 5*time.Second, "waiting for spawn")

	if err := manager.StopSession(context.Background(), created.ID); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	testutil.RequireReceive(t, process.interrupted, 5*time.Second, "waiting for interrupt")

	record, err := manager.GetSession(created.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if record.Status != StatusStopped {
		t.Errorf("status = %q, want stopped", record.Status)
	}

	// Drain to the synthesized terminal: status stopped, then
	// message_end.
	var sawEnd bool
	for !sawEnd {
		event := testutil.RequireReceive(t, events, 5*time.Second, "waiting for terminal")
		sawEnd = event.Type == stream.EventTypeMessageEnd
	}

	if err := manager.SendInput(context.Background(), created.ID, "late"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("SendInput after stop = %v, want ErrNotRunning", err)
	}
}

func TestStopSessionEscalatesToKill(t *testing.T) {
	t.Parallel()
	fake := newFakeDriver()
	fake.ignoreInterrupt = true
	fakeClock := clock.NewFake()
	manager := newTestManager(t, Options{Driver: fake, Clock: fakeClock, StopGracePeriod: 10 * time.Second})

	created := createTestSession(t, manager)
	if err := manager.StartSession(context.Background(), created.ID, "hi"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	testutil.RequireReceive(t, fake.started, 5*time.Second, "waiting for spawn")

	stopErr := make(chan error, 1)
	go func() {
		stopErr <- manager.StopSession(context.Background(), created.ID)
	}()

	// StopSession is now waiting on the grace timer. Firing it forces
	// the SIGKILL path.
	testutil.WaitFor(t, 5*time.Second, func() bool {
		return fakeClock.WaiterCount() > 0
	}, "waiting for grace timer")
	fakeClock.Advance(10 * time.Second)

	if err := testutil.RequireReceive(t, stopErr, 5*time.Second, "waiting for stop"); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	record, err := manager.GetSession(created.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if record.Status != StatusStopped {
		t.Errorf("status = %q, want stopped", record.Status)
	}
}

// A stop can land while the driver is still inside Start, before any
// process exists. It must not touch a nil process; the spawn path
// delivers the interrupt as soon as the process is attached.
func TestStopSessionDuringSpawnWindow(t *testing.T) {
	t.Parallel()
	fake := newFakeDriver()
	fake.startGate = make(chan struct{})
	manager := newTestManager(t, Options{Driver: fake})

	created := createTestSession(t, manager)
	startErr := make(chan error, 1)
	go func() {
		startErr <- manager.StartSession(context.Background(), created.ID, "hi")
	}()
	testutil.RequireReceive(t, fake.starting, 5*time.Second, "waiting for driver start")

	stopErr := make(chan error, 1)
	go func() {
		stopErr <- manager.StopSession(context.Background(), created.ID)
	}()
	// Give the stop a moment to pass the runner lookup and reach the
	// wait before the spawn completes.
	time.Sleep(20 * time.Millisecond)
	close(fake.startGate)

	process := testutil.RequireReceive(t, fake.started, 5*time.Second, "waiting for spawn")
	testutil.RequireReceive(t, process.interrupted, 5*time.Second, "waiting for deferred interrupt")

	if err := testutil.RequireReceive(t, startErr, 5*time.Second, "waiting for start"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := testutil.RequireReceive(t, stopErr, 5*time.Second, "waiting for stop"); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	record, err := manager.GetSession(created.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if record.Status != StatusStopped {
		t.Errorf("status = %q, want stopped", record.Status)
	}
}

// A stop waiting out the spawn window must be released when the spawn
// itself fails.
func TestStopSessionDuringFailedSpawn(t *testing.T) {
	t.Parallel()
	fake := newFakeDriver()
	fake.startGate = make(chan struct{})
	fake.startErr = errors.New("exec: no such binary")
	manager := newTestManager(t, Options{Driver: fake})

	created := createTestSession(t, manager)
	startErr := make(chan error, 1)
	go func() {
		startErr <- manager.StartSession(context.Background(), created.ID, "hi")
	}()
	testutil.RequireReceive(t, fake.starting, 5*time.Second, "waiting for driver start")

	stopErr := make(chan error, 1)
	go func() {
		stopErr <- manager.StopSession(context.Background(), created.ID)
	}()
	time.Sleep(20 * time.Millisecond)
	close(fake.startGate)

	if err := testutil.RequireReceive(t, startErr, 5*time.Second, "waiting for start"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := testutil.RequireReceive(t, stopErr, 5*time.Second, "waiting for stop"); err != nil {
		t.Fatalf("StopSession after failed spawn: %v", err)
	}
	record, err := manager.GetSession(created.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if record.Status != StatusError {
		t.Errorf("status = %q, want error", record.Status)
	}
}

// A subscriber reacting to the terminal event must be able to start
// the session's next process instance inline: the terminal is only
// observable after the runner has been deregistered.
func TestTerminalEventAllowsImmediateRestart(t *testing.T) {
	t.Parallel()
	eventBus := bus.New(nil)
	fake := newFakeDriver()
	manager := newTestManager(t, Options{Bus: eventBus, Driver: fake})

	created := createTestSession(t, manager)
	resumeErr := make(chan error, 1)
	eventBus.Subscribe(created.ID, func(sessionID string, event stream.Event) {
		if event.Type == stream.EventTypeMessageEnd {
			resumeErr <- manager.ResumeSession(context.Background(), sessionID, "round two")
		}
	})

	if err := manager.StartSession(context.Background(), created.ID, "round one"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	process := testutil.RequireReceive(t, fake.started, 5*time.Second, "waiting for spawn")
	process.script <- stream.Event{
		Type:         stream.EventTypeMessageStart,
		MessageStart: &stream.MessageStartEvent{ProviderSessionID: "prov-1"},
	}
	process.script <- stream.Event{
		Type:       stream.EventTypeMessageEnd,
		MessageEnd: &stream.MessageEndEvent{Result: "first answer"},
	}
	process.exit(nil)

	if err := testutil.RequireReceive(t, resumeErr, 5*time.Second, "waiting for resume from subscriber"); err != nil {
		t.Fatalf("ResumeSession from terminal subscriber: %v", err)
	}
	resumed := testutil.RequireReceive(t, fake.started, 5*time.Second, "waiting for resume spawn")
	if resumed.config.ResumeProviderSessionID != "prov-1" {
		t.Errorf("resume id = %q, want prov-1", resumed.config.ResumeProviderSessionID)
	}
	if resumed.config.Prompt != "round two" {
		t.Errorf("resume prompt = %q, want %q", resumed.config.Prompt, "round two")
	}
	resumed.exit(nil)
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()
	eventBus := bus.New(nil)
	fake := newFakeDriver()
	manager := newTestManager(t, Options{Bus: eventBus, Driver: fake})

	created := createTestSession(t, manager)
	events := collectEvents(eventBus, created.ID)
	if err := manager.StartSession(context.Background(), created.ID, "hi"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	process := testutil.RequireReceive(t, fake.started, 5*time.Second, "waiting for spawn")
	process.script <- stream.Event{
		Type:         stream.EventTypeMessageStart,
		MessageStart: &stream.MessageStartEvent{ProviderSessionID: "prov-7"},
	}

	if err := manager.PauseSession(context.Background(), created.ID); err != nil {
		t.Fatalf("PauseSession: %v", err)
	}
	testutil.WaitFor(t, 5*time.Second, func() bool {
		return manager.RunningCount() == 0
	}, "waiting for pause finalize")

	record, err := manager.GetSession(created.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if record.Status != StatusPaused {
		t.Fatalf("status = %q, want paused", record.Status)
	}
	if record.ProviderSessionID != "prov-7" {
		t.Fatalf("provider session id = %q, want prov-7", record.ProviderSessionID)
	}

	// A pause must not synthesize a terminal event.
	for {
		select {
		case event := <-events:
			if event.Terminal() {
				t.Fatalf("unexpected terminal event after pause: %+v", event)
			}
			continue
		default:
		}
		break
	}

	if err := manager.ResumeSession(context.Background(), created.ID, "continue"); err != nil {
		t.Fatalf("ResumeSession: %v", err)
	}
	resumed := testutil.RequireReceive(t, fake.started, 5*time.Second, "waiting for resume spawn")
	if resumed.config.ResumeProviderSessionID != "prov-7" {
		t.Errorf("resume id = %q, want prov-7", resumed.config.ResumeProviderSessionID)
	}
	resumed.exit(nil)
}

func TestResumeWithoutHistory(t *testing.T) {
	t.Parallel()
	manager := newTestManager(t, Options{})
	created := createTestSession(t, manager)

	if err := manager.ResumeSession(context.Background(), created.ID, "go"); !errors.Is(err, ErrNotPaused) {
		t.Errorf("error = %v, want ErrNotPaused", err)
	}
}

func TestBudgetExceeded(t *testing.T) {
	t.Parallel()
	eventBus := bus.New(nil)
	fake := newFakeDriver()
	manager := newTestManager(t, Options{
		Bus:     eventBus,
		Driver:  fake,
		Catalog: &fakeCatalog{spec: SpawnSpec{Limits: Limits{MaxCostUSD: 1.0}}},
	})

	created := createTestSession(t, manager)
	events := collectEvents(eventBus, created.ID)
	if err := manager.StartSession(context.Background(), created.ID, "hi"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	process := testutil.RequireReceive(t, fake.started, 5*time.Second, "waiting for spawn")

	process.script <- stream.Event{
		Type:   stream.EventTypeMetric,
		Metric: &stream.MetricEvent{CostUSD: 0.6},
	}
	process.script <- stream.Event{
		Type:   stream.EventTypeMetric,
		Metric: &stream.MetricEvent{CostUSD: 0.6},
	}
	testutil.RequireReceive(t, process.interrupted, 5*time.Second, "waiting for enforcement interrupt")

	var terminal stream.Event
	for {
		terminal = testutil.RequireReceive(t, events, 5*time.Second, "waiting for terminal")
		if terminal.Terminal() {
			break
		}
	}
	if terminal.Type != stream.EventTypeError || terminal.Error.Reason != stream.ReasonBudgetExceeded {
		t.Fatalf("terminal event = %+v, want budget_exceeded error", terminal)
	}

	record, err := manager.GetSession(created.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if record.Status != StatusError {
		t.Errorf("status = %q, want error", record.Status)
	}
	if record.CostUSD != 1.2 {
		t.Errorf("cost = %v, want 1.2", record.CostUSD)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	t.Parallel()
	eventBus := bus.New(nil)
	fake := newFakeDriver()
	fakeClock := clock.NewFake()
	manager := newTestManager(t, Options{
		Bus:     eventBus,
		Driver:  fake,
		Clock:   fakeClock,
		Catalog: &fakeCatalog{spec: SpawnSpec{Limits: Limits{MaxDuration: time.Minute}}},
	})

	created := createTestSession(t, manager)
	events := collectEvents(eventBus, created.ID)
	if err := manager.StartSession(context.Background(), created.ID, "hi"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	process := testutil.RequireReceive(t, fake.started, 5*time.Second, "waiting for spawn")

	testutil.WaitFor(t, 5*time.Second, func() bool {
		return fakeClock.WaiterCount() > 0
	}, "waiting for timeout watcher")
	fakeClock.Advance(time.Minute)

	testutil.RequireReceive(t, process.interrupted, 5*time.Second, "waiting for enforcement interrupt")

	var terminal stream.Event
	for {
		terminal = testutil.RequireReceive(t, events, 5*time.Second, "waiting for terminal")
		if terminal.Terminal() {
			break
		}
	}
	if terminal.Type != stream.EventTypeError || terminal.Error.Reason != stream.ReasonTimeoutExceeded {
		t.Fatalf("terminal event = %+v, want timeout_exceeded error", terminal)
	}
}

func TestProcessFailure(t *testing.T) {
	t.Parallel()
	eventBus := bus.New(nil)
	fake := newFakeDriver()
	manager := newTestManager(t, Options{Bus: eventBus, Driver: fake})

	created := createTestSession(t, manager)
	events := collectEvents(eventBus, created.ID)
	if err := manager.StartSession(context.Background(), created.ID, "hi"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	process := testutil.RequireReceive(t, fake.started, 5*time.Second, "waiting for spawn")
	process.exit(errors.New("exit status 1"))

	var terminal stream.Event
	for {
		terminal = testutil.RequireReceive(t, events, 5*time.Second, "waiting for terminal")
		if terminal.Terminal() {
			break
		}
	}
	if terminal.Type != stream.EventTypeError || terminal.Error.Reason != stream.ReasonProcessFailed {
		t.Fatalf("terminal event = %+v, want process_failed error", terminal)
	}

	record, err := manager.GetSession(created.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if record.Status != StatusError {
		t.Errorf("status = %q, want error", record.Status)
	}
}

func TestListSessionsOrdered(t *testing.T) {
	t.Parallel()
	fakeClock := clock.NewFake()
	manager := newTestManager(t, Options{Clock: fakeClock})

	first := createTestSession(t, manager)
	fakeClock.Advance(time.Second)
	second := createTestSession(t, manager)

	sessions := manager.ListSessions()
	if len(sessions) != 2 {
		t.Fatalf("len = %d, want 2", len(sessions))
	}
	if sessions[0].ID != first.ID || sessions[1].ID != second.ID {
		t.Errorf("order = [%s %s], want [%s %s]", sessions[0].ID, sessions[1].ID, first.ID, second.ID)
	}
}
