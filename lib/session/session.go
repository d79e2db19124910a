// Copyright 2026 The Quorum Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns the supervised child-process lifecycle behind
// each agent session. The Manager maps session identity to at most one
// live process, translates process output into stream events on the
// bus, and enforces per-session budget and timeout limits.
//
// Status transitions: idle → running → {stopped, error}, with
// running ↔ paused. stopped and error are terminal for one process
// instance only — a new Start or Resume call attaches a fresh process
// to the same session id. Session records are never garbage-collected
// here; only process handles are cleaned up.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// Role is a session's role within a council launch.
type Role string

const (
	RoleMember    Role = "member"
	RoleReviewer  Role = "reviewer"
	RoleChairman  Role = "chairman"
	RoleDiscusser Role = "discusser"
)

// Limits bounds one session's resource consumption. Zero values mean
// unlimited.
type Limits struct {
	// MaxCostUSD caps the cumulative cost reported by metric events.
	MaxCostUSD float64 `json:"max_cost_usd,omitempty"`

	// MaxDuration caps wall-clock time per process instance.
	MaxDuration time.Duration `json:"max_duration,omitempty"`
}

// Session is one unit of conversation with one agent.
type Session struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	Status    Status `json:"status"`

	// CouncilLaunchID and CouncilRole are set for sessions created by
	// the council orchestrator.
	CouncilLaunchID string `json:"council_launch_id,omitempty"`
	CouncilRole     Role   `json:"council_role,omitempty"`

	// ProviderSessionID is the runtime's own session identifier,
	// captured from the message_start event. Resume uses it to
	// reattach prior context.
	ProviderSessionID string `json:"provider_session_id,omitempty"`

	// CostUSD is the cumulative cost across all process instances.
	CostUSD float64 `json:"cost_usd,omitempty"`

	// LastError describes the most recent error terminal, if any.
	LastError string `json:"last_error,omitempty"`

	Limits Limits `json:"limits"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateOptions configures CreateSession.
type CreateOptions struct {
	// Name is a display name. Empty derives one from agent and
	// project ids.
	Name string

	// CouncilLaunchID and CouncilRole mark council-owned sessions.
	CouncilLaunchID string
	CouncilRole     Role

	// Limits overrides the agent's configured limits when non-nil.
	Limits *Limits
}

// SpawnSpec is the resolved spawn configuration for one session
// process: where it runs, its environment, and its budget.
type SpawnSpec struct {
	WorkingDirectory string
	Env              []string
	Model            string
	Limits           Limits
}

// Catalog resolves project and agent identifiers into spawn
// configuration. Implemented by config.Registry; the manager treats
// the result as opaque input to process spawning.
type Catalog interface {
	Resolve(projectID, agentID string) (SpawnSpec, error)
}

// Store persists session records. Persistence failures are logged and
// never affect lifecycle control flow, so implementations should not
// assume their errors abort anything.
type Store interface {
	PutSession(ctx context.Context, session Session) error
}

// Lifecycle misuse errors, returned to the caller of the synchronous
// API. Asynchronous process failures are never returned here — they
// surface as error events on the bus.
var (
	// ErrUnknownSession: the session id has no record.
	ErrUnknownSession = errors.New("unknown session")

	// ErrAlreadyRunning: a process is already attached.
	ErrAlreadyRunning = errors.New("session already running")

	// ErrNotRunning: no process is attached.
	ErrNotRunning = errors.New("session not running")

	// ErrNotPaused: resume on a session with neither paused status
	// nor prior history.
	ErrNotPaused = errors.New("session not paused")

	// ErrInputBackpressure: the process did not consume stdin within
	// the bounded write window.
	ErrInputBackpressure = errors.New("session input backpressure")

	// ErrTooManyRunning: the configured running-session bound is
	// reached.
	ErrTooManyRunning = errors.New("too many running sessions")
)

// newSessionID allocates an opaque unique session id.
func newSessionID(now time.Time) string {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		// crypto/rand failure means the platform is broken.
		panic("session: reading random bytes: " + err.Error())
	}
	return fmt.Sprintf("sess-%d-%s", now.UnixMilli(), hex.EncodeToString(suffix))
}
