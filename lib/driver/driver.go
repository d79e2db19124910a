// Copyright 2026 The Quorum Authors
// SPDX-License-Identifier: Apache-2.0

// Package driver is the abstraction boundary between session lifecycle
// management and agent-runtime specifics. Each runtime (Claude Code,
// and any other executable that speaks a decodable stdout protocol)
// implements Driver; the session manager only ever talks to these
// interfaces, so any process meeting the contract is substitutable.
package driver

import (
	"context"
	"io"
	"os"

	"github.com/quorumhq/quorum/lib/stream"
)

// Process is a handle on a running agent process. The session manager
// uses it to wait for completion, write input, and send signals.
type Process interface {
	// Wait blocks until the process exits and returns its exit error.
	// Returns nil if the process exited with status 0.
	Wait() error

	// Stdin returns the write end of the process's stdin pipe. The
	// semantics of written content are runtime-specific (Claude Code
	// reads newline-delimited prompts in print mode).
	Stdin() io.Writer

	// Signal sends an OS signal to the process.
	Signal(signal os.Signal) error
}

// Config holds the spawn configuration passed to Driver.Start. It is
// assembled by the session manager from the project and agent
// definitions the caller registered.
type Config struct {
	// Prompt is the initial prompt for this process instance. May be
	// empty on resume when the continuation prompt is injected via
	// stdin instead.
	Prompt string

	// ResumeProviderSessionID, when non-empty, asks the runtime to
	// continue the conversation it previously reported under this
	// identifier (captured from a message_start event).
	ResumeProviderSessionID string

	// Model is the model identifier to request, if the runtime takes
	// one. Empty means the runtime's default.
	Model string

	// WorkingDirectory is the directory the process starts in.
	WorkingDirectory string

	// Env is additional environment for the process, in "KEY=VALUE"
	// form, appended to the parent environment.
	Env []string
}

// Driver spawns and decodes one agent runtime.
type Driver interface {
	// Start spawns the agent process. Returns a Process handle and
	// the process's stdout reader. The caller must read stdout to
	// completion (via ParseOutput) before calling Process.Wait.
	Start(ctx context.Context, config Config) (Process, io.ReadCloser, error)

	// ParseOutput reads the process's stdout and emits structured
	// events on the channel. Called in a goroutine; blocks until the
	// reader returns EOF or ctx is cancelled. The caller closes the
	// events channel after ParseOutput returns. An undecodable unit
	// of output must become an event (error or raw variant), never an
	// abort of the loop.
	ParseOutput(ctx context.Context, stdout io.Reader, events chan<- stream.Event) error

	// Interrupt requests a graceful stop. The implementation sends
	// whatever the runtime treats as "finish up and exit" (SIGINT for
	// Claude Code).
	Interrupt(process Process) error
}
