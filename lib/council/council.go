// Copyright 2026 The Quorum Authors
// SPDX-License-Identifier: Apache-2.0

// Package council coordinates multi-agent deliberation on top of the
// session manager. A launch drives N member sessions plus one chairman
// session through a fixed pipeline: every member answers the prompt,
// optional discussion rounds let members revise against each other's
// answers, and the chairman synthesizes the final output.
//
// The orchestrator owns a launch exclusively until its stage reaches
// complete, after which the record is immutable. All progress
// observation happens through bus subscriptions — the orchestrator has
// no privileged channel into a session beyond what any subscriber
// sees.
package council

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/quorumhq/quorum/lib/session"
)

// Stage is the pipeline position of a launch. Stages only move
// forward.
type Stage string

const (
	// StageResponding: every member session answers the shared
	// prompt.
	StageResponding Stage = "responding"

	// StageReviewing: members revise their answers against the peer
	// set's prior-round outputs. Entered only when DiscussionRounds
	// is positive.
	StageReviewing Stage = "reviewing"

	// StageSynthesizing: the chairman session combines the members'
	// final outputs.
	StageSynthesizing Stage = "synthesizing"

	// StageComplete: terminal. The launch record is immutable from
	// here.
	StageComplete Stage = "complete"
)

// MemberResult is one member's final contribution to a launch. A
// member that terminated with an error contributes a failure
// placeholder instead of blocking the stage.
type MemberResult struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`

	// Round is the discussion round that produced Output (0 for the
	// initial responding stage).
	Round int `json:"round"`

	Output string `json:"output,omitempty"`

	Failed bool   `json:"failed,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Launch is one execution of a council.
type Launch struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Prompt    string `json:"prompt"`

	MemberAgentIDs  []string `json:"member_agent_ids"`
	ChairmanAgentID string   `json:"chairman_agent_id"`

	DiscussionRounds int `json:"discussion_rounds"`
	CurrentRound     int `json:"current_round"`

	Stage Stage `json:"stage"`

	MemberSessionIDs  []string `json:"member_session_ids"`
	ChairmanSessionID string   `json:"chairman_session_id,omitempty"`

	// Results holds the latest contribution per member, ordered like
	// MemberSessionIDs.
	Results []MemberResult `json:"results,omitempty"`

	// Synthesis is the chairman's final output.
	Synthesis string `json:"synthesis,omitempty"`

	// Failed marks a launch that completed without a synthesis:
	// every member failed, the chairman failed, or the launch was
	// cancelled. FailureReason says which.
	Failed        bool   `json:"failed,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionControl is the slice of the session manager the orchestrator
// drives. Implemented by *session.Manager.
type SessionControl interface {
	CreateSession(ctx context.Context, projectID, agentID string, options session.CreateOptions) (session.Session, error)
	StartSession(ctx context.Context, sessionID, prompt string) error
	ResumeSession(ctx context.Context, sessionID, prompt string) error
	StopSession(ctx context.Context, sessionID string) error
}

// Store persists launch records at every stage transition. Failures
// are logged and never block stage advancement.
type Store interface {
	PutLaunch(ctx context.Context, launch Launch) error
}

var (
	// ErrUnknownLaunch: the launch id has no record.
	ErrUnknownLaunch = errors.New("unknown council launch")

	// ErrLaunchComplete: the operation needs a live launch but the
	// record already reached the complete stage.
	ErrLaunchComplete = errors.New("council launch already complete")

	// ErrNoMembers: a launch needs at least one member agent.
	ErrNoMembers = errors.New("council launch needs at least one member")
)

// newLaunchID allocates an opaque unique launch id.
func newLaunchID(now time.Time) string {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		panic("council: reading random bytes: " + err.Error())
	}
	return fmt.Sprintf("council-%d-%s", now.UnixMilli(), hex.EncodeToString(suffix))
}
