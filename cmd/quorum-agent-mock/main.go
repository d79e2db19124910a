// Copyright 2026 The Quorum Authors
// SPDX-License-Identifier: Apache-2.0

// quorum-agent-mock emits a scripted stream-json conversation on
// stdout, matching the envelope format the claude driver decodes. It
// exists for manual testing of the process boundary without an AI
// agent or API key: point the daemon's claude_binary at this
// executable and every session speaks the full protocol.
//
// The mock ignores the CLI arguments the driver passes (they are
// accepted so spawning succeeds) and configures itself from
// environment variables:
//
//	QUORUM_MOCK_FAIL=1        emit an is_error result
//	QUORUM_MOCK_DELAY=250ms   spacing between lines (default 50ms)
//	QUORUM_MOCK_LINGER=1      wait for SIGINT before the result line
//	QUORUM_MOCK_COST=0.25     reported cost in USD
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "quorum-agent-mock: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fail := os.Getenv("QUORUM_MOCK_FAIL") == "1"
	linger := os.Getenv("QUORUM_MOCK_LINGER") == "1"

	delay := 50 * time.Millisecond
	if raw := os.Getenv("QUORUM_MOCK_DELAY"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing QUORUM_MOCK_DELAY: %w", err)
		}
		delay = parsed
	}
	cost := 0.001
	if raw := os.Getenv("QUORUM_MOCK_COST"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("parsing QUORUM_MOCK_COST: %w", err)
		}
		cost = parsed
	}

	emit := func(line map[string]any) error {
		data, err := json.Marshal(line)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(os.Stdout, "%s\n", data); err != nil {
			return err
		}
		time.Sleep(delay)
		return nil
	}

	script := []map[string]any{
		{
			"type":       "system",
			"subtype":    "init",
			"session_id": fmt.Sprintf("mock-%d", os.Getpid()),
			"model":      "mock-model",
		},
		{
			"type": "assistant",
			"message": map[string]any{
				"content": []map[string]any{
					{"type": "thinking", "thinking": "Considering the prompt."},
				},
			},
		},
		{
			"type": "assistant",
			"message": map[string]any{
				"content": []map[string]any{
					{"type": "text", "text": "Working on it. "},
					{"type": "tool_use", "id": "tu-mock-1", "name": "Read",
						"input": map[string]string{"file_path": "/tmp/input.txt"}},
				},
			},
		},
		{
			"type": "user",
			"message": map[string]any{
				"content": []map[string]any{
					{"type": "tool_result", "tool_use_id": "tu-mock-1",
						"content": "file contents", "is_error": false},
				},
			},
		},
		{
			"type": "assistant",
			"message": map[string]any{
				"content": []map[string]any{
					{"type": "text", "text": "Done."},
				},
			},
		},
	}
	for _, line := range script {
		if err := emit(line); err != nil {
			return err
		}
	}

	if linger {
		interrupted := make(chan os.Signal, 1)
		signal.Notify(interrupted, syscall.SIGINT, syscall.SIGTERM)
		<-interrupted
	}

	result := map[string]any{
		"type":        "result",
		"subtype":     "success",
		"is_error":    fail,
		"result":      "Mock task complete.",
		"cost_usd":    cost,
		"duration_ms": 500,
		"num_turns":   1,
		"usage": map[string]any{
			"input_tokens":  100,
			"output_tokens": 50,
		},
	}
	if fail {
		result["subtype"] = "error"
		result["result"] = "Mock task failed."
	}
	if err := emit(result); err != nil {
		return err
	}
	if fail {
		os.Exit(1)
	}
	return nil
}
