// Copyright 2026 The Quorum Authors
// SPDX-License-Identifier: Apache-2.0

// Package claude implements driver.Driver for Claude Code. The driver
// spawns the claude CLI in print mode with stream-json output and
// decodes each stdout line into a stream.Event.
package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/quorumhq/quorum/lib/driver"
	"github.com/quorumhq/quorum/lib/stream"
)

// Driver spawns Claude Code processes.
type Driver struct {
	// Binary is the claude executable path. Empty means "claude"
	// resolved through PATH.
	Binary string
}

// process wraps an exec.Cmd to implement driver.Process. The child
// runs in its own process group so signals reach any subprocesses the
// agent spawned.
type process struct {
	command *exec.Cmd
	stdin   io.WriteCloser
}

func (p *process) Wait() error {
	return p.command.Wait()
}

func (p *process) Stdin() io.Writer {
	return p.stdin
}

func (p *process) Signal(signal os.Signal) error {
	if p.command.Process == nil {
		return fmt.Errorf("process not started")
	}
	number, ok := signal.(syscall.Signal)
	if !ok {
		return p.command.Process.Signal(signal)
	}
	// Negative pid targets the process group.
	return unix.Kill(-p.command.Process.Pid, number)
}

// Start spawns a Claude Code process with stream-json output.
func (d *Driver) Start(ctx context.Context, config driver.Config) (driver.Process, io.ReadCloser, error) {
	binary := d.Binary
	if binary == "" {
		binary = "claude"
	}

	arguments := []string{
		"--output-format", "stream-json",
		"--print",
		"--verbose",
	}
	if config.Model != "" {
		arguments = append(arguments, "--model", config.Model)
	}
	if config.ResumeProviderSessionID != "" {
		arguments = append(arguments, "--resume", config.ResumeProviderSessionID)
	}
	arguments = append(arguments, config.Prompt)

	command := exec.CommandContext(ctx, binary, arguments...)
	command.Dir = config.WorkingDirectory
	command.Stderr = os.Stderr
	command.Env = append(os.Environ(), config.Env...)
	command.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := command.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdin pipe: %w", err)
	}

	stdout, err := command.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	if err := command.Start(); err != nil {
		stdin.Close()
		return nil, nil, fmt.Errorf("starting %s: %w", binary, err)
	}

	return &process{command: command, stdin: stdin}, stdout, nil
}

// ParseOutput reads stream-json stdout line by line. Each line is a
// JSON object with a "type" field:
//
//   - {"type":"system","subtype":"init",...}  → message_start
//   - {"type":"assistant","message":{...}}    → one event per content
//     block: text → message_delta, thinking → thinking, tool_use → tool_use
//   - {"type":"user","message":{...}}         → tool_result blocks
//   - {"type":"result",...}                   → metric, then the terminal
//     message_end or error
//
// Unknown types are preserved as raw events. A line that is not valid
// JSON becomes a non-terminal error event.
func (d *Driver) ParseOutput(ctx context.Context, stdout io.Reader, events chan<- stream.Event) error {
	scanner := bufio.NewScanner(stdout)
	// Tool results can embed large file contents on a single line.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		for _, event := range decodeLine(line) {
			select {
			case events <- event:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return scanner.Err()
}

// Interrupt sends SIGINT, which Claude Code treats as "finish the
// current tool call and exit".
func (d *Driver) Interrupt(p driver.Process) error {
	return p.Signal(syscall.SIGINT)
}

// envelope is the common wrapper of every stream-json line.
type envelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
}

// contentBlock is one entry of a message's content array. Fields for
// all block types are flattened here; Type selects which are set.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
	Content   json.RawMessage `json:"content"`
}

// decodeLine converts one stdout line into zero or more events.
func decodeLine(line []byte) []stream.Event {
	now := time.Now()

	var outer envelope
	if err := json.Unmarshal(line, &outer); err != nil {
		return []stream.Event{{
			Timestamp: now,
			Type:      stream.EventTypeError,
			Error: &stream.ErrorEvent{
				Message: fmt.Sprintf("undecodable output line: %v", err),
				Reason:  stream.ReasonMalformedOutput,
			},
		}}
	}

	switch outer.Type {
	case "system":
		if outer.Subtype == "init" {
			var init struct {
				SessionID string `json:"session_id"`
				Model     string `json:"model"`
			}
			json.Unmarshal(line, &init)
			return []stream.Event{{
				Timestamp: now,
				Type:      stream.EventTypeMessageStart,
				MessageStart: &stream.MessageStartEvent{
					ProviderSessionID: init.SessionID,
					Model:             init.Model,
				},
			}}
		}
		return []stream.Event{rawEvent(now, line)}

	case "assistant", "user":
		return decodeMessage(now, line)

	case "result":
		return decodeResult(now, line)

	default:
		return []stream.Event{rawEvent(now, line)}
	}
}

// decodeMessage handles assistant and user lines, emitting one event
// per content block.
func decodeMessage(timestamp time.Time, line []byte) []stream.Event {
	var wrapper struct {
		Message struct {
			Content []contentBlock `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(line, &wrapper); err != nil {
		return []stream.Event{rawEvent(timestamp, line)}
	}

	var events []stream.Event
	for _, block := range wrapper.Message.Content {
		switch block.Type {
		case "text":
			events = append(events, stream.Event{
				Timestamp:    timestamp,
				Type:         stream.EventTypeMessageDelta,
				MessageDelta: &stream.MessageDeltaEvent{Content: block.Text},
			})
		case "thinking":
			events = append(events, stream.Event{
				Timestamp: timestamp,
				Type:      stream.EventTypeThinking,
				Thinking:  &stream.ThinkingEvent{Content: block.Thinking, Active: true},
			})
		case "tool_use":
			events = append(events, stream.Event{
				Timestamp: timestamp,
				Type:      stream.EventTypeToolUse,
				ToolUse: &stream.ToolUseEvent{
					ID:    block.ID,
					Name:  block.Name,
					Input: block.Input,
				},
			})
		case "tool_result":
			events = append(events, stream.Event{
				Timestamp: timestamp,
				Type:      stream.EventTypeToolResult,
				ToolResult: &stream.ToolResultEvent{
					ID:      block.ToolUseID,
					IsError: block.IsError,
					Output:  toolResultText(block.Content),
				},
			})
		}
	}
	if events == nil {
		return []stream.Event{rawEvent(timestamp, line)}
	}
	return events
}

// decodeResult handles the final result line: a metric event followed
// by the terminal event for the process instance.
func decodeResult(timestamp time.Time, line []byte) []stream.Event {
	var result struct {
		IsError    bool    `json:"is_error"`
		Result     string  `json:"result"`
		CostUSD    float64 `json:"cost_usd"`
		TotalCost  float64 `json:"total_cost_usd"`
		DurationMS float64 `json:"duration_ms"`
		TurnCount  int64   `json:"num_turns"`
		Usage      struct {
			InputTokens      int64 `json:"input_tokens"`
			OutputTokens     int64 `json:"output_tokens"`
			CacheReadTokens  int64 `json:"cache_read_input_tokens"`
			CacheWriteTokens int64 `json:"cache_creation_input_tokens"`
		} `json:"usage"`
	}
	json.Unmarshal(line, &result)

	cost := result.CostUSD
	if cost == 0 {
		cost = result.TotalCost
	}

	metric := stream.Event{
		Timestamp: timestamp,
		Type:      stream.EventTypeMetric,
		Metric: &stream.MetricEvent{
			InputTokens:      result.Usage.InputTokens,
			OutputTokens:     result.Usage.OutputTokens,
			CacheReadTokens:  result.Usage.CacheReadTokens,
			CacheWriteTokens: result.Usage.CacheWriteTokens,
			CostUSD:          cost,
			DurationSeconds:  result.DurationMS / 1000.0,
			TurnCount:        result.TurnCount,
		},
	}

	if result.IsError {
		return []stream.Event{metric, {
			Timestamp: timestamp,
			Type:      stream.EventTypeError,
			Error: &stream.ErrorEvent{
				Message:  result.Result,
				Reason:   stream.ReasonProcessFailed,
				Terminal: true,
			},
		}}
	}
	return []stream.Event{metric, {
		Timestamp:  timestamp,
		Type:       stream.EventTypeMessageEnd,
		MessageEnd: &stream.MessageEndEvent{Result: result.Result},
	}}
}

// toolResultText extracts the text of a tool_result content field,
// which is either a plain string or an array of content blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if json.Unmarshal(raw, &text) == nil {
		return text
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) == nil {
		combined := ""
		for _, block := range blocks {
			if block.Type == "text" {
				combined += block.Text
			}
		}
		return combined
	}
	return string(raw)
}

func rawEvent(timestamp time.Time, line []byte) stream.Event {
	return stream.Event{
		Timestamp: timestamp,
		Type:      stream.EventTypeRaw,
		Raw:       &stream.RawEvent{Data: json.RawMessage(append([]byte(nil), line...))},
	}
}
