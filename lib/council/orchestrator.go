// Copyright 2026 The Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package council

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/quorumhq/quorum/lib/bus"
	"github.com/quorumhq/quorum/lib/clock"
	"github.com/quorumhq/quorum/lib/session"
	"github.com/quorumhq/quorum/lib/stream"
)

// Options configures an Orchestrator.
type Options struct {
	// Sessions creates and drives the member and chairman sessions.
	// Required.
	Sessions SessionControl

	// Bus is where session terminal events are observed. Required.
	Bus *bus.Bus

	// Store persists launch records. Optional; nil disables
	// persistence.
	Store Store

	// Clock stamps launch records. Defaults to Real().
	Clock clock.Clock

	// Logger defaults to discard.
	Logger *slog.Logger
}

// Orchestrator drives council launches. Stage advancement is driven
// entirely by bus subscriptions: every session of the open stage is
// watched, terminal events are counted (once per session), and the
// stage advances only when all expected sessions have terminated.
// Safe for concurrent use.
type Orchestrator struct {
	sessions SessionControl
	bus      *bus.Bus
	store    Store
	clock    clock.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	launches map[string]*launchState
}

// launchState is the mutable tracking state behind one live launch.
// Guarded by the orchestrator mutex. The mutex is never held across a
// session-manager or store call: bus callbacks run synchronously on
// the emitting goroutine, so holding it while starting a session
// would deadlock on the session's own status events.
type launchState struct {
	launch       Launch
	memberAgents map[string]string

	// participants are the session ids expected to terminate in the
	// current stage (or discussion round).
	participants []string
	tracker      *stageTracker

	// buffers accumulate message deltas per session, the fallback
	// output when a terminal message_end carries no result text.
	buffers map[string]*strings.Builder

	subs []*bus.Subscription
}

// stagePlan is the side-effect half of a stage transition, computed
// under the mutex and executed outside it.
type stagePlan struct {
	resume   []resumeStep
	chairman *chairmanStep
}

type resumeStep struct {
	sessionID string
	prompt    string
}

type chairmanStep struct {
	agentID string
	prompt  string
}

// NewOrchestrator creates an Orchestrator. Panics if a required
// option is missing.
func NewOrchestrator(options Options) *Orchestrator {
	if options.Sessions == nil {
		panic("council.NewOrchestrator: Sessions is required")
	}
	if options.Bus == nil {
		panic("council.NewOrchestrator: Bus is required")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		sessions: options.Sessions,
		bus:      options.Bus,
		store:    options.Store,
		clock:    options.Clock,
		logger:   options.Logger,
		launches: make(map[string]*launchState),
	}
}

// LaunchCouncil creates one session per member agent, starts them all
// with the shared prompt, and returns the launch record immediately.
// Completion is asynchronous: callers observe progress through the
// bus or by polling GetLaunch. The chairman agent defaults to the
// first member agent when empty.
func (o *Orchestrator) LaunchCouncil(ctx context.Context, projectID, prompt string, memberAgentIDs []string, chairmanAgentID string, discussionRounds int) (Launch, error) {
	if len(memberAgentIDs) == 0 {
		return Launch{}, ErrNoMembers
	}
	if discussionRounds < 0 {
		return Launch{}, fmt.Errorf("negative discussion rounds: %d", discussionRounds)
	}
	if chairmanAgentID == "" {
		chairmanAgentID = memberAgentIDs[0]
	}

	now := o.clock.Now()
	launch := Launch{
		ID:               newLaunchID(now),
		ProjectID:        projectID,
		Prompt:           prompt,
		MemberAgentIDs:   memberAgentIDs,
		ChairmanAgentID:  chairmanAgentID,
		DiscussionRounds: discussionRounds,
		Stage:            StageResponding,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	// Create every member session before starting any, so an unknown
	// agent fails the whole launch instead of leaving half a council
	// running.
	memberAgents := make(map[string]string, len(memberAgentIDs))
	for _, agentID := range memberAgentIDs {
		created, err := o.sessions.CreateSession(ctx, projectID, agentID, session.CreateOptions{
			CouncilLaunchID: launch.ID,
			CouncilRole:     session.RoleMember,
		})
		if err != nil {
			return Launch{}, fmt.Errorf("creating member session for %s: %w", agentID, err)
		}
		launch.MemberSessionIDs = append(launch.MemberSessionIDs, created.ID)
		memberAgents[created.ID] = agentID
	}
	for _, sessionID := range launch.MemberSessionIDs {
		launch.Results = append(launch.Results, MemberResult{
			SessionID: sessionID,
			AgentID:   memberAgents[sessionID],
		})
	}

	state := &launchState{
		launch:       launch,
		memberAgents: memberAgents,
		participants: append([]string(nil), launch.MemberSessionIDs...),
		tracker:      newStageTracker(launch.MemberSessionIDs),
		buffers:      make(map[string]*strings.Builder),
	}

	o.mu.Lock()
	o.launches[launch.ID] = state
	o.mu.Unlock()

	o.persist(launch)
	o.logger.Info("council launched",
		"launch_id", launch.ID,
		"project_id", projectID,
		"members", len(memberAgentIDs),
		"discussion_rounds", discussionRounds,
	)

	// Subscribe before starting: a process that fails instantly emits
	// its terminal event during StartSession, and that event must be
	// counted.
	for _, sessionID := range launch.MemberSessionIDs {
		o.addSubscription(launch.ID, o.watch(launch.ID, sessionID))
	}
	for _, sessionID := range launch.MemberSessionIDs {
		if err := o.sessions.StartSession(ctx, sessionID, prompt); err != nil {
			o.logger.Warn("starting member session",
				"launch_id", launch.ID,
				"session_id", sessionID,
				"error", err,
			)
			o.recordTerminal(launch.ID, sessionID, outcome{failed: true, message: err.Error()})
		}
	}
	return launch, nil
}

// GetLaunch returns a snapshot of one launch.
func (o *Orchestrator) GetLaunch(launchID string) (Launch, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.launches[launchID]
	if !ok {
		return Launch{}, fmt.Errorf("%w: %s", ErrUnknownLaunch, launchID)
	}
	return snapshotLocked(state), nil
}

// ListLaunches returns snapshots of all launches, oldest first.
func (o *Orchestrator) ListLaunches() []Launch {
	o.mu.Lock()
	defer o.mu.Unlock()
	launches := make([]Launch, 0, len(o.launches))
	for _, state := range o.launches {
		launches = append(launches, snapshotLocked(state))
	}
	sort.Slice(launches, func(i, j int) bool {
		if launches[i].CreatedAt.Equal(launches[j].CreatedAt) {
			return launches[i].ID < launches[j].ID
		}
		return launches[i].CreatedAt.Before(launches[j].CreatedAt)
	})
	return launches
}

// CancelLaunch stops every session the orchestrator currently owns
// for the launch and marks it complete with a failure marker. Fails
// with ErrLaunchComplete on an already-finished launch.
func (o *Orchestrator) CancelLaunch(ctx context.Context, launchID string) error {
	o.mu.Lock()
	state, ok := o.launches[launchID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownLaunch, launchID)
	}
	if state.launch.Stage == StageComplete {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrLaunchComplete, launchID)
	}
	state.launch.Stage = StageComplete
	state.launch.Failed = true
	state.launch.FailureReason = "cancelled"
	state.launch.UpdatedAt = o.clock.Now()
	participants := append([]string(nil), state.participants...)
	subs := state.subs
	state.subs = nil
	snapshot := snapshotLocked(state)
	o.mu.Unlock()

	for _, sub := range subs {
		o.bus.Unsubscribe(sub)
	}
	for _, sessionID := range participants {
		if err := o.sessions.StopSession(ctx, sessionID); err != nil && !errors.Is(err, session.ErrNotRunning) {
			o.logger.Warn("stopping cancelled council session",
				"launch_id", launchID,
				"session_id", sessionID,
				"error", err,
			)
		}
	}
	o.persist(snapshot)
	o.logger.Info("council cancelled", "launch_id", launchID)
	return nil
}

// watch subscribes to one session's stream on behalf of a launch.
func (o *Orchestrator) watch(launchID, sessionID string) *bus.Subscription {
	return o.bus.Subscribe(sessionID, func(_ string, event stream.Event) {
		o.observe(launchID, sessionID, event)
	})
}

func (o *Orchestrator) addSubscription(launchID string, sub *bus.Subscription) {
	o.mu.Lock()
	state, ok := o.launches[launchID]
	if !ok || state.launch.Stage == StageComplete {
		o.mu.Unlock()
		// The launch finished while we were subscribing; the
		// subscription is already useless.
		o.bus.Unsubscribe(sub)
		return
	}
	state.subs = append(state.subs, sub)
	o.mu.Unlock()
}

// observe handles one bus event for a watched session: deltas are
// buffered as fallback output, terminal events feed the stage
// tracker.
func (o *Orchestrator) observe(launchID, sessionID string, event stream.Event) {
	if event.Type == stream.EventTypeMessageDelta && event.MessageDelta != nil {
		o.mu.Lock()
		if state, ok := o.launches[launchID]; ok && state.launch.Stage != StageComplete {
			buffer := state.buffers[sessionID]
			if buffer == nil {
				buffer = &strings.Builder{}
				state.buffers[sessionID] = buffer
			}
			buffer.WriteString(event.MessageDelta.Content)
		}
		o.mu.Unlock()
		return
	}
	if !event.Terminal() {
		return
	}

	var result outcome
	switch {
	case event.Type == stream.EventTypeError && event.Error != nil:
		result = outcome{failed: true, message: event.Error.Message}
	case event.Type == stream.EventTypeMessageEnd && event.MessageEnd != nil:
		result = outcome{output: event.MessageEnd.Result}
	}
	o.recordTerminal(launchID, sessionID, result)
}

// recordTerminal feeds one session's terminal outcome into its
// launch's stage tracker and, when the stage condition is met,
// advances the launch.
func (o *Orchestrator) recordTerminal(launchID, sessionID string, result outcome) {
	o.mu.Lock()
	state, ok := o.launches[launchID]
	if !ok || state.launch.Stage == StageComplete {
		o.mu.Unlock()
		return
	}
	if result.output == "" && !result.failed {
		if buffer := state.buffers[sessionID]; buffer != nil {
			result.output = buffer.String()
		}
	}
	if !state.tracker.record(sessionID, result) {
		o.mu.Unlock()
		return
	}
	if !state.tracker.complete() {
		o.mu.Unlock()
		return
	}

	plan := o.advanceLocked(state)
	subs := state.subs
	state.subs = nil
	snapshot := snapshotLocked(state)
	o.mu.Unlock()

	// Stage condition met: tear the stage's subscriptions down before
	// opening the next stage.
	for _, sub := range subs {
		o.bus.Unsubscribe(sub)
	}
	o.persist(snapshot)
	o.logger.Info("council stage advanced",
		"launch_id", launchID,
		"stage", snapshot.Stage,
		"round", snapshot.CurrentRound,
	)
	o.runPlan(launchID, snapshot, plan)
}

// advanceLocked applies one stage transition to the launch record and
// returns the side effects to run once the mutex is released. Called
// with the mutex held and the current tracker complete.
func (o *Orchestrator) advanceLocked(state *launchState) stagePlan {
	launch := &state.launch
	launch.UpdatedAt = o.clock.Now()

	switch launch.Stage {
	case StageResponding, StageReviewing:
		o.collectResultsLocked(state)
		if state.tracker.allFailed() {
			launch.Stage = StageComplete
			launch.Failed = true
			launch.FailureReason = "all members failed"
			return stagePlan{}
		}
		survivors := state.tracker.succeeded(state.participants)
		if launch.Stage == StageResponding && launch.DiscussionRounds > 0 {
			launch.Stage = StageReviewing
			launch.CurrentRound = 1
			return o.planReviewRoundLocked(state, survivors)
		}
		if launch.Stage == StageReviewing && launch.CurrentRound < launch.DiscussionRounds {
			launch.CurrentRound++
			return o.planReviewRoundLocked(state, survivors)
		}
		launch.Stage = StageSynthesizing
		return stagePlan{chairman: &chairmanStep{
			agentID: launch.ChairmanAgentID,
			prompt:  buildSynthesisPrompt(*launch),
		}}

	case StageSynthesizing:
		result, _ := state.tracker.outcomeFor(launch.ChairmanSessionID)
		if result.failed {
			launch.Failed = true
			launch.FailureReason = "chairman failed: " + result.message
		} else {
			launch.Synthesis = result.output
		}
		launch.Stage = StageComplete
		return stagePlan{}
	}
	return stagePlan{}
}

// collectResultsLocked copies the finished round's outcomes into the
// launch record. Members that did not participate this round keep
// their prior entry.
func (o *Orchestrator) collectResultsLocked(state *launchState) {
	round := state.launch.CurrentRound
	for i, sessionID := range state.launch.MemberSessionIDs {
		result, ok := state.tracker.outcomeFor(sessionID)
		if !ok {
			continue
		}
		state.launch.Results[i] = MemberResult{
			SessionID: sessionID,
			AgentID:   state.memberAgents[sessionID],
			Round:     round,
			Output:    result.output,
			Failed:    result.failed,
			Error:     result.message,
		}
	}
}

// planReviewRoundLocked opens a discussion round for the surviving
// members: fresh tracker and delta buffers, one resume step per
// member with that member's peer-review prompt.
func (o *Orchestrator) planReviewRoundLocked(state *launchState, survivors []string) stagePlan {
	state.participants = survivors
	state.tracker = newStageTracker(survivors)
	state.buffers = make(map[string]*strings.Builder)

	plan := stagePlan{}
	for _, sessionID := range survivors {
		plan.resume = append(plan.resume, resumeStep{
			sessionID: sessionID,
			prompt:    buildReviewPrompt(state.launch, sessionID),
		})
	}
	return plan
}

// runPlan executes a stage transition's side effects: resuming
// members for a discussion round or creating and starting the
// chairman. Runs without the mutex; subscriptions are registered
// before each session starts.
func (o *Orchestrator) runPlan(launchID string, snapshot Launch, plan stagePlan) {
	for _, step := range plan.resume {
		o.addSubscription(launchID, o.watch(launchID, step.sessionID))
		if err := o.sessions.ResumeSession(context.Background(), step.sessionID, step.prompt); err != nil {
			o.logger.Warn("resuming council member",
				"launch_id", launchID,
				"session_id", step.sessionID,
				"error", err,
			)
			o.recordTerminal(launchID, step.sessionID, outcome{failed: true, message: err.Error()})
		}
	}

	if plan.chairman == nil {
		return
	}
	created, err := o.sessions.CreateSession(context.Background(), snapshot.ProjectID, plan.chairman.agentID, session.CreateOptions{
		CouncilLaunchID: launchID,
		CouncilRole:     session.RoleChairman,
	})
	if err != nil {
		o.logger.Error("creating chairman session",
			"launch_id", launchID,
			"agent_id", plan.chairman.agentID,
			"error", err,
		)
		o.failLaunch(launchID, "chairman session creation failed: "+err.Error())
		return
	}

	o.mu.Lock()
	state, ok := o.launches[launchID]
	if !ok || state.launch.Stage != StageSynthesizing {
		o.mu.Unlock()
		return
	}
	state.launch.ChairmanSessionID = created.ID
	state.participants = []string{created.ID}
	state.tracker = newStageTracker(state.participants)
	state.buffers = make(map[string]*strings.Builder)
	o.mu.Unlock()

	o.addSubscription(launchID, o.watch(launchID, created.ID))
	if err := o.sessions.StartSession(context.Background(), created.ID, plan.chairman.prompt); err != nil {
		o.logger.Warn("starting chairman session",
			"launch_id", launchID,
			"session_id", created.ID,
			"error", err,
		)
		o.recordTerminal(launchID, created.ID, outcome{failed: true, message: err.Error()})
	}
}

// failLaunch force-completes a launch with a failure marker.
func (o *Orchestrator) failLaunch(launchID, reason string) {
	o.mu.Lock()
	state, ok := o.launches[launchID]
	if !ok || state.launch.Stage == StageComplete {
		o.mu.Unlock()
		return
	}
	state.launch.Stage = StageComplete
	state.launch.Failed = true
	state.launch.FailureReason = reason
	state.launch.UpdatedAt = o.clock.Now()
	subs := state.subs
	state.subs = nil
	snapshot := snapshotLocked(state)
	o.mu.Unlock()

	for _, sub := range subs {
		o.bus.Unsubscribe(sub)
	}
	o.persist(snapshot)
}

func (o *Orchestrator) persist(snapshot Launch) {
	if o.store == nil {
		return
	}
	if err := o.store.PutLaunch(context.Background(), snapshot); err != nil {
		o.logger.Error("persisting council launch", "launch_id", snapshot.ID, "error", err)
	}
}

// snapshotLocked deep-copies the slices that callers might otherwise
// share with live tracking state.
func snapshotLocked(state *launchState) Launch {
	snapshot := state.launch
	snapshot.MemberAgentIDs = append([]string(nil), state.launch.MemberAgentIDs...)
	snapshot.MemberSessionIDs = append([]string(nil), state.launch.MemberSessionIDs...)
	snapshot.Results = append([]MemberResult(nil), state.launch.Results...)
	return snapshot
}

// buildReviewPrompt asks one member to revise its answer against its
// peers' prior-round outputs.
func buildReviewPrompt(launch Launch, sessionID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You previously answered the following prompt as part of a council of %d agents:\n\n%s\n\n", len(launch.MemberSessionIDs), launch.Prompt)
	b.WriteString("Here are your peers' current answers:\n\n")
	for _, result := range launch.Results {
		if result.SessionID == sessionID {
			continue
		}
		if result.Failed {
			fmt.Fprintf(&b, "--- %s: (failed: %s)\n\n", result.AgentID, result.Error)
			continue
		}
		fmt.Fprintf(&b, "--- %s:\n%s\n\n", result.AgentID, result.Output)
	}
	fmt.Fprintf(&b, "This is discussion round %d of %d. Revise your answer in light of your peers' responses. Reply with your complete revised answer only.", launch.CurrentRound, launch.DiscussionRounds)
	return b.String()
}

// buildSynthesisPrompt gives the chairman every member's final output
// and asks for a single combined answer.
func buildSynthesisPrompt(launch Launch) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the chairman of a council of %d agents that was asked:\n\n%s\n\n", len(launch.MemberSessionIDs), launch.Prompt)
	b.WriteString("The members' final answers:\n\n")
	for _, result := range launch.Results {
		if result.Failed {
			fmt.Fprintf(&b, "--- %s: (failed: %s)\n\n", result.AgentID, result.Error)
			continue
		}
		fmt.Fprintf(&b, "--- %s:\n%s\n\n", result.AgentID, result.Output)
	}
	b.WriteString("Synthesize the members' answers into one final response. Resolve disagreements explicitly and reply with the synthesis only.")
	return b.String()
}
