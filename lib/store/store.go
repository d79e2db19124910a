// Copyright 2026 The Quorum Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists session and council-launch records in
// SQLite. It implements session.Store and council.Store, so the
// manager and orchestrator survive a daemon restart with their
// records intact (running processes do not survive; their sessions
// come back as stopped or error, whatever was last persisted).
//
// Scalar fields live in columns and are queryable; the council
// roster (member ids and per-member results) is a single
// deterministically-encoded CBOR blob, since nothing queries inside
// it.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/quorumhq/quorum/lib/council"
	"github.com/quorumhq/quorum/lib/session"
)

// ErrNotFound: the requested record does not exist.
var ErrNotFound = errors.New("record not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id                  TEXT PRIMARY KEY,
    project_id          TEXT NOT NULL,
    agent_id            TEXT NOT NULL,
    name                TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL,
    council_launch_id   TEXT NOT NULL DEFAULT '',
    council_role        TEXT NOT NULL DEFAULT '',
    provider_session_id TEXT NOT NULL DEFAULT '',
    cost_usd            REAL NOT NULL DEFAULT 0,
    last_error          TEXT NOT NULL DEFAULT '',
    max_cost_usd        REAL NOT NULL DEFAULT 0,
    max_duration_ms     INTEGER NOT NULL DEFAULT 0,
    created_at_ms       INTEGER NOT NULL,
    updated_at_ms       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS sessions_by_launch
    ON sessions (council_launch_id) WHERE council_launch_id <> '';

CREATE TABLE IF NOT EXISTS council_launches (
    id                  TEXT PRIMARY KEY,
    project_id          TEXT NOT NULL,
    prompt              TEXT NOT NULL,
    stage               TEXT NOT NULL,
    discussion_rounds   INTEGER NOT NULL,
    current_round       INTEGER NOT NULL,
    chairman_agent_id   TEXT NOT NULL DEFAULT '',
    chairman_session_id TEXT NOT NULL DEFAULT '',
    synthesis           TEXT NOT NULL DEFAULT '',
    failed              INTEGER NOT NULL DEFAULT 0,
    failure_reason      TEXT NOT NULL DEFAULT '',
    roster              BLOB NOT NULL,
    created_at_ms       INTEGER NOT NULL,
    updated_at_ms       INTEGER NOT NULL
);
`

// launchRoster is the CBOR-encoded portion of a launch record: the
// arrays nothing ever queries by column.
type launchRoster struct {
	MemberAgentIDs   []string               `cbor:"member_agent_ids"`
	MemberSessionIDs []string               `cbor:"member_session_ids"`
	Results          []council.MemberResult `cbor:"results"`
}

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist; the file is created on first
	// open. ":memory:" gives an in-memory database (PoolSize must be
	// 1 — each in-memory connection is independent).
	Path string

	// PoolSize is the number of connections. Zero or negative
	// defaults to max(NumCPU, 4).
	PoolSize int

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Store is a fixed-size pool of SQLite connections over the quorum
// schema. Safe for concurrent use; individual connections are not,
// so every method takes its own connection for the duration of the
// call.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open opens the database, applies the standard pragmas to every
// connection, and creates the schema. The caller must Close the
// store when done.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}

	logger.Info("store opened", "path", cfg.Path, "pool_size", poolSize)
	return &Store{pool: pool, logger: logger, path: cfg.Path}, nil
}

// Close closes all connections. Blocks until borrowed connections
// are returned.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: closing %s: %w", s.path, err)
	}
	s.logger.Info("store closed", "path", s.path)
	return nil
}

// prepareConnection runs once per pooled connection: standard
// pragmas, then the schema. WAL for concurrent readers,
// synchronous=NORMAL for process-crash durability, busy_timeout so
// write contention waits instead of failing.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: creating schema: %w", err)
	}
	return nil
}

// PutSession upserts one session record.
func (s *Store) PutSession(ctx context.Context, record session.Session) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: put session: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO sessions (
			id, project_id, agent_id, name, status,
			council_launch_id, council_role, provider_session_id,
			cost_usd, last_error, max_cost_usd, max_duration_ms,
			created_at_ms, updated_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			council_launch_id = excluded.council_launch_id,
			council_role = excluded.council_role,
			provider_session_id = excluded.provider_session_id,
			cost_usd = excluded.cost_usd,
			last_error = excluded.last_error,
			max_cost_usd = excluded.max_cost_usd,
			max_duration_ms = excluded.max_duration_ms,
			updated_at_ms = excluded.updated_at_ms
	`, &sqlitex.ExecOptions{
		Args: []any{
			record.ID, record.ProjectID, record.AgentID, record.Name, string(record.Status),
			record.CouncilLaunchID, string(record.CouncilRole), record.ProviderSessionID,
			record.CostUSD, record.LastError, record.Limits.MaxCostUSD, record.Limits.MaxDuration.Milliseconds(),
			record.CreatedAt.UnixMilli(), record.UpdatedAt.UnixMilli(),
		},
	})
	if err != nil {
		return fmt.Errorf("store: put session %s: %w", record.ID, err)
	}
	return nil
}

// GetSession reads one session record. Returns ErrNotFound for an
// unknown id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (session.Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return session.Session{}, fmt.Errorf("store: get session: %w", err)
	}
	defer s.pool.Put(conn)

	var record session.Session
	var found bool
	err = sqlitex.Execute(conn, `
		SELECT id, project_id, agent_id, name, status,
		       council_launch_id, council_role, provider_session_id,
		       cost_usd, last_error, max_cost_usd, max_duration_ms,
		       created_at_ms, updated_at_ms
		FROM sessions WHERE id = ?
	`, &sqlitex.ExecOptions{
		Args: []any{sessionID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			record = scanSession(stmt)
			found = true
			return nil
		},
	})
	if err != nil {
		return session.Session{}, fmt.Errorf("store: get session %s: %w", sessionID, err)
	}
	if !found {
		return session.Session{}, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	return record, nil
}

// ListSessions reads all session records, oldest first.
func (s *Store) ListSessions(ctx context.Context) ([]session.Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer s.pool.Put(conn)

	var records []session.Session
	err = sqlitex.Execute(conn, `
		SELECT id, project_id, agent_id, name, status,
		       council_launch_id, council_role, provider_session_id,
		       cost_usd, last_error, max_cost_usd, max_duration_ms,
		       created_at_ms, updated_at_ms
		FROM sessions ORDER BY created_at_ms, id
	`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			records = append(records, scanSession(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	return records, nil
}

func scanSession(stmt *sqlite.Stmt) session.Session {
	return session.Session{
		ID:                stmt.ColumnText(0),
		ProjectID:         stmt.ColumnText(1),
		AgentID:           stmt.ColumnText(2),
		Name:              stmt.ColumnText(3),
		Status:            session.Status(stmt.ColumnText(4)),
		CouncilLaunchID:   stmt.ColumnText(5),
		CouncilRole:       session.Role(stmt.ColumnText(6)),
		ProviderSessionID: stmt.ColumnText(7),
		CostUSD:           stmt.ColumnFloat(8),
		LastError:         stmt.ColumnText(9),
		Limits: session.Limits{
			MaxCostUSD:  stmt.ColumnFloat(10),
			MaxDuration: time.Duration(stmt.ColumnInt64(11)) * time.Millisecond,
		},
		CreatedAt: time.UnixMilli(stmt.ColumnInt64(12)).UTC(),
		UpdatedAt: time.UnixMilli(stmt.ColumnInt64(13)).UTC(),
	}
}

// PutLaunch upserts one council launch record.
func (s *Store) PutLaunch(ctx context.Context, launch council.Launch) error {
	roster, err := encMode.Marshal(launchRoster{
		MemberAgentIDs:   launch.MemberAgentIDs,
		MemberSessionIDs: launch.MemberSessionIDs,
		Results:          launch.Results,
	})
	if err != nil {
		return fmt.Errorf("store: encoding launch roster: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: put launch: %w", err)
	}
	defer s.pool.Put(conn)

	failed := 0
	if launch.Failed {
		failed = 1
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO council_launches (
			id, project_id, prompt, stage, discussion_rounds,
			current_round, chairman_agent_id, chairman_session_id,
			synthesis, failed, failure_reason, roster,
			created_at_ms, updated_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			stage = excluded.stage,
			current_round = excluded.current_round,
			chairman_session_id = excluded.chairman_session_id,
			synthesis = excluded.synthesis,
			failed = excluded.failed,
			failure_reason = excluded.failure_reason,
			roster = excluded.roster,
			updated_at_ms = excluded.updated_at_ms
	`, &sqlitex.ExecOptions{
		Args: []any{
			launch.ID, launch.ProjectID, launch.Prompt, string(launch.Stage), launch.DiscussionRounds,
			launch.CurrentRound, launch.ChairmanAgentID, launch.ChairmanSessionID,
			launch.Synthesis, failed, launch.FailureReason, roster,
			launch.CreatedAt.UnixMilli(), launch.UpdatedAt.UnixMilli(),
		},
	})
	if err != nil {
		return fmt.Errorf("store: put launch %s: %w", launch.ID, err)
	}
	return nil
}

// GetLaunch reads one launch record. Returns ErrNotFound for an
// unknown id.
func (s *Store) GetLaunch(ctx context.Context, launchID string) (council.Launch, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return council.Launch{}, fmt.Errorf("store: get launch: %w", err)
	}
	defer s.pool.Put(conn)

	var launch council.Launch
	var found bool
	err = sqlitex.Execute(conn, `
		SELECT id, project_id, prompt, stage, discussion_rounds,
		       current_round, chairman_agent_id, chairman_session_id,
		       synthesis, failed, failure_reason, roster,
		       created_at_ms, updated_at_ms
		FROM council_launches WHERE id = ?
	`, &sqlitex.ExecOptions{
		Args: []any{launchID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			scanned, scanErr := scanLaunch(stmt)
			if scanErr != nil {
				return scanErr
			}
			launch = scanned
			found = true
			return nil
		},
	})
	if err != nil {
		return council.Launch{}, fmt.Errorf("store: get launch %s: %w", launchID, err)
	}
	if !found {
		return council.Launch{}, fmt.Errorf("%w: launch %s", ErrNotFound, launchID)
	}
	return launch, nil
}

// ListLaunches reads all launch records, oldest first.
func (s *Store) ListLaunches(ctx context.Context) ([]council.Launch, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list launches: %w", err)
	}
	defer s.pool.Put(conn)

	var launches []council.Launch
	err = sqlitex.Execute(conn, `
		SELECT id, project_id, prompt, stage, discussion_rounds,
		       current_round, chairman_agent_id, chairman_session_id,
		       synthesis, failed, failure_reason, roster,
		       created_at_ms, updated_at_ms
		FROM council_launches ORDER BY created_at_ms, id
	`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			scanned, scanErr := scanLaunch(stmt)
			if scanErr != nil {
				return scanErr
			}
			launches = append(launches, scanned)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list launches: %w", err)
	}
	return launches, nil
}

func scanLaunch(stmt *sqlite.Stmt) (council.Launch, error) {
	roster := make([]byte, stmt.ColumnLen(11))
	stmt.ColumnBytes(11, roster)
	var decoded launchRoster
	if err := decMode.Unmarshal(roster, &decoded); err != nil {
		return council.Launch{}, fmt.Errorf("decoding launch roster for %s: %w", stmt.ColumnText(0), err)
	}
	return council.Launch{
		ID:                stmt.ColumnText(0),
		ProjectID:         stmt.ColumnText(1),
		Prompt:            stmt.ColumnText(2),
		Stage:             council.Stage(stmt.ColumnText(3)),
		DiscussionRounds:  int(stmt.ColumnInt64(4)),
		CurrentRound:      int(stmt.ColumnInt64(5)),
		ChairmanAgentID:   stmt.ColumnText(6),
		ChairmanSessionID: stmt.ColumnText(7),
		Synthesis:         stmt.ColumnText(8),
		Failed:            stmt.ColumnInt64(9) != 0,
		FailureReason:     stmt.ColumnText(10),
		MemberAgentIDs:    decoded.MemberAgentIDs,
		MemberSessionIDs:  decoded.MemberSessionIDs,
		Results:           decoded.Results,
		CreatedAt:         time.UnixMilli(stmt.ColumnInt64(12)).UTC(),
		UpdatedAt:         time.UnixMilli(stmt.ColumnInt64(13)).UTC(),
	}, nil
}
