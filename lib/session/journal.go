// Copyright 2026 The Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/quorumhq/quorum/lib/stream"
)

// journalDomainKey is the BLAKE3 keyed-hash domain for journal
// checksums. ASCII of the domain name, zero-padded to 32 bytes, so
// the key is inspectable in hex dumps while keeping domain separation
// from any other hashing in the system.
var journalDomainKey = []byte{
	'q', 'u', 'o', 'r', 'u', 'm', '.', 's', 'e', 's', 's', 'i', 'o', 'n', '.',
	'j', 'o', 'u', 'r', 'n', 'a', 'l', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Journal is the append-only JSONL record of one process instance's
// events. Events are written uncompressed while the process runs
// (crash leaves a readable file); Close compresses the journal with
// zstd and returns a keyed BLAKE3 checksum of the uncompressed bytes.
//
// Journals are observability artifacts. Lifecycle correctness never
// depends on reading one back.
type Journal struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	hasher     *blake3.Hasher
	eventCount int
	closed     bool
}

// JournalSummary is the result of finalizing a journal.
type JournalSummary struct {
	// Path is the compressed journal file.
	Path string

	// Checksum is the hex BLAKE3 keyed hash of the uncompressed
	// JSONL bytes.
	Checksum string

	// EventCount is the number of events written.
	EventCount int
}

// NewJournal creates a journal file for one process instance of a
// session. The file name carries the session id and an instance
// discriminator so resumed sessions get separate journals.
func NewJournal(dir, sessionID string, instance int64) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.jsonl", sessionID, instance))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating journal %s: %w", path, err)
	}
	hasher, err := blake3.NewKeyed(journalDomainKey)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("initializing journal hasher: %w", err)
	}
	return &Journal{path: path, file: file, hasher: hasher}, nil
}

// Write appends one event as a JSONL line.
func (j *Journal) Write(event stream.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling journal event: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("journal %s is closed", j.path)
	}
	if _, err := j.file.Write(data); err != nil {
		return fmt.Errorf("writing journal %s: %w", j.path, err)
	}
	j.hasher.Write(data)
	j.eventCount++
	return nil
}

// Close finalizes the journal: the plain JSONL file is compressed to
// <path>.zst and removed. Safe to call once; returns the summary.
func (j *Journal) Close() (JournalSummary, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return JournalSummary{}, fmt.Errorf("journal %s already closed", j.path)
	}
	j.closed = true

	if err := j.file.Close(); err != nil {
		return JournalSummary{}, fmt.Errorf("closing journal %s: %w", j.path, err)
	}

	summary := JournalSummary{
		Path:       j.path + ".zst",
		Checksum:   hex.EncodeToString(j.hasher.Sum(nil)),
		EventCount: j.eventCount,
	}
	if err := compressFile(j.path, summary.Path); err != nil {
		return JournalSummary{}, err
	}
	if err := os.Remove(j.path); err != nil {
		return JournalSummary{}, fmt.Errorf("removing uncompressed journal: %w", err)
	}
	return summary, nil
}

// compressFile zstd-compresses source into destination.
func compressFile(source, destination string) error {
	input, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("opening %s: %w", source, err)
	}
	defer input.Close()

	output, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", destination, err)
	}

	encoder, err := zstd.NewWriter(output)
	if err != nil {
		output.Close()
		return fmt.Errorf("initializing zstd: %w", err)
	}
	if _, err := io.Copy(encoder, input); err != nil {
		encoder.Close()
		output.Close()
		return fmt.Errorf("compressing %s: %w", source, err)
	}
	if err := encoder.Close(); err != nil {
		output.Close()
		return fmt.Errorf("finishing zstd stream: %w", err)
	}
	return output.Close()
}
