// Copyright 2026 The Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"encoding/json"
	"time"
)

// EventType classifies stream events.
type EventType string

const (
	// EventTypeMessageStart marks the start of a session's process
	// instance. Carries the runtime's own session identifier when the
	// runtime reports one (used for resume).
	EventTypeMessageStart EventType = "message_start"

	// EventTypeMessageDelta is an incremental text chunk of the
	// agent's response.
	EventTypeMessageDelta EventType = "message_delta"

	// EventTypeThinking is a reasoning block from the agent.
	EventTypeThinking EventType = "thinking"

	// EventTypeToolUse is a tool invocation by the agent.
	EventTypeToolUse EventType = "tool_use"

	// EventTypeToolResult is the result returned from a tool invocation.
	EventTypeToolResult EventType = "tool_result"

	// EventTypeStatus is a session status change notification
	// (running, paused, stopped, ...) or a council stage notification.
	EventTypeStatus EventType = "status"

	// EventTypeMetric is a summary metric event (tokens, cost,
	// duration). The session manager reads cumulative cost from these
	// for budget enforcement.
	EventTypeMetric EventType = "metric"

	// EventTypeError is an error. Error events are terminal only when
	// the Terminal flag on the variant is set — a malformed output
	// line produces a non-terminal error event and the session keeps
	// running.
	EventTypeError EventType = "error"

	// EventTypeMessageEnd is the terminal success event for one
	// process instance of a session.
	EventTypeMessageEnd EventType = "message_end"

	// EventTypeRaw preserves process output that does not map to any
	// structured variant.
	EventTypeRaw EventType = "raw"
)

// Reason codes carried by error events. Distinguish why a session
// reached an error terminal state.
const (
	ReasonSpawnFailed     = "spawn_failed"
	ReasonProcessFailed   = "process_failed"
	ReasonMalformedOutput = "malformed_output"
	ReasonBudgetExceeded  = "budget_exceeded"
	ReasonTimeoutExceeded = "timeout_exceeded"
	ReasonCancelled       = "cancelled"
)

// Event is one structured unit of session output. Type selects the
// variant; exactly one variant pointer is non-nil. Events serialize as
// JSONL in session journals.
type Event struct {
	// Timestamp is when the event was produced.
	Timestamp time.Time `json:"timestamp"`

	// Type classifies the event.
	Type EventType `json:"type"`

	// MessageStart is set for EventTypeMessageStart events.
	MessageStart *MessageStartEvent `json:"message_start,omitempty"`

	// MessageDelta is set for EventTypeMessageDelta events.
	MessageDelta *MessageDeltaEvent `json:"message_delta,omitempty"`

	// Thinking is set for EventTypeThinking events.
	Thinking *ThinkingEvent `json:"thinking,omitempty"`

	// ToolUse is set for EventTypeToolUse events.
	ToolUse *ToolUseEvent `json:"tool_use,omitempty"`

	// ToolResult is set for EventTypeToolResult events.
	ToolResult *ToolResultEvent `json:"tool_result,omitempty"`

	// Status is set for EventTypeStatus events.
	Status *StatusEvent `json:"status,omitempty"`

	// Metric is set for EventTypeMetric events.
	Metric *MetricEvent `json:"metric,omitempty"`

	// Error is set for EventTypeError events.
	Error *ErrorEvent `json:"error,omitempty"`

	// MessageEnd is set for EventTypeMessageEnd events.
	MessageEnd *MessageEndEvent `json:"message_end,omitempty"`

	// Raw is set for EventTypeRaw events.
	Raw *RawEvent `json:"raw,omitempty"`
}

// Terminal reports whether this event ends the session's current
// process instance: a message_end, or an error with the Terminal flag.
// Stage advancement in the council orchestrator counts exactly these.
func (e Event) Terminal() bool {
	if e.Type == EventTypeMessageEnd {
		return true
	}
	return e.Type == EventTypeError && e.Error != nil && e.Error.Terminal
}

// MessageStartEvent records the start of a process instance.
type MessageStartEvent struct {
	// ProviderSessionID is the runtime's own session identifier
	// (e.g., Claude Code's session_id from its init event). Captured
	// by the session manager so a later resume can reattach context.
	ProviderSessionID string `json:"provider_session_id,omitempty"`

	// Model is the model identifier the runtime reported, if any.
	Model string `json:"model,omitempty"`
}

// MessageDeltaEvent is an incremental chunk of response text.
type MessageDeltaEvent struct {
	// Content is the text chunk.
	Content string `json:"content"`

	// Done marks the last chunk of the current response message.
	Done bool `json:"done,omitempty"`
}

// ThinkingEvent is a reasoning block from the agent.
type ThinkingEvent struct {
	// Content is the reasoning text. May be empty when the runtime
	// only signals that thinking started or stopped.
	Content string `json:"content,omitempty"`

	// Active reports whether the agent is currently in a thinking
	// block.
	Active bool `json:"active"`
}

// ToolUseEvent records a tool invocation by the agent.
type ToolUseEvent struct {
	// ID is the runtime-specific tool invocation identifier.
	ID string `json:"id,omitempty"`

	// Name is the tool name (e.g., "Read", "Bash").
	Name string `json:"name"`

	// Input is the tool input, preserved as raw JSON.
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResultEvent records the result of a tool invocation.
type ToolResultEvent struct {
	// ID matches the corresponding ToolUseEvent.ID.
	ID string `json:"id,omitempty"`

	// IsError indicates the tool call failed.
	IsError bool `json:"is_error,omitempty"`

	// Output is the tool result text.
	Output string `json:"output,omitempty"`
}

// StatusEvent notifies observers of a session status change or a
// council stage transition.
type StatusEvent struct {
	// Status is the new session status, or a council notification
	// such as "council_complete".
	Status string `json:"status"`

	// CouncilLaunchID is set when the notification concerns a council
	// launch rather than a single session.
	CouncilLaunchID string `json:"council_launch_id,omitempty"`

	// Stage is the council stage, set together with CouncilLaunchID.
	Stage string `json:"stage,omitempty"`
}

// MetricEvent records summary metrics reported by the runtime.
type MetricEvent struct {
	InputTokens      int64   `json:"input_tokens,omitempty"`
	OutputTokens     int64   `json:"output_tokens,omitempty"`
	CacheReadTokens  int64   `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64   `json:"cache_write_tokens,omitempty"`

	// CostUSD is the cost of the turn or session in USD.
	CostUSD float64 `json:"cost_usd,omitempty"`

	// DurationSeconds is the runtime-reported wall-clock duration.
	DurationSeconds float64 `json:"duration_seconds,omitempty"`

	// TurnCount is the number of agent turns (API round-trips).
	TurnCount int64 `json:"turn_count,omitempty"`
}

// ErrorEvent records an error.
type ErrorEvent struct {
	// Message is the error description.
	Message string `json:"message"`

	// Reason is a machine-readable reason code (ReasonSpawnFailed,
	// ReasonBudgetExceeded, ...). Empty for runtime-reported errors
	// that carry no classification.
	Reason string `json:"reason,omitempty"`

	// Terminal marks errors that end the session's process instance.
	// Malformed-output errors leave it false; spawn failures, budget
	// violations, and process exit failures set it.
	Terminal bool `json:"terminal,omitempty"`
}

// MessageEndEvent is the terminal success event for a process instance.
type MessageEndEvent struct {
	// Result is the final response text the runtime reported, when it
	// reports one. Council members' Result is what feeds review rounds
	// and synthesis.
	Result string `json:"result,omitempty"`
}

// RawEvent preserves unstructured process output.
type RawEvent struct {
	// Data is the original output line, preserved as raw JSON (or a
	// JSON string when the line was not valid JSON).
	Data json.RawMessage `json:"data"`
}
