// Copyright 2026 The Quorum Authors
// SPDX-License-Identifier: Apache-2.0

// quorumd is the session orchestration daemon. It owns the session
// manager, the event bus, and the council orchestrator, and exposes
// them over a unix-socket HTTP control API.
//
// Usage:
//
//	quorumd --config /etc/quorum/quorumd.yaml
//	quorumd status --socket /run/quorum/quorumd.sock
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/quorumhq/quorum/lib/bus"
	"github.com/quorumhq/quorum/lib/config"
	"github.com/quorumhq/quorum/lib/council"
	"github.com/quorumhq/quorum/lib/driver/claude"
	"github.com/quorumhq/quorum/lib/relay"
	"github.com/quorumhq/quorum/lib/session"
	"github.com/quorumhq/quorum/lib/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "quorumd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		socketPath string
		logLevel   string
	)
	pflag.StringVar(&configPath, "config", os.Getenv("QUORUM_CONFIG"), "daemon configuration file")
	pflag.StringVar(&socketPath, "socket", "", "control socket path (status subcommand)")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	if pflag.Arg(0) == "status" {
		return runStatus(socketPath, configPath)
	}
	if configPath == "" {
		return errors.New("--config is required (or set QUORUM_CONFIG)")
	}

	level, err := parseLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	registry, err := config.LoadRegistry(cfg.RegistryPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	db, err := store.Open(store.Config{
		Path:   filepath.Join(cfg.StateDir, "quorum.db"),
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	eventBus := bus.New(logger)
	manager := session.NewManager(session.Options{
		Bus:             eventBus,
		Driver:          &claude.Driver{Binary: cfg.ClaudeBinary},
		Catalog:         registry,
		Store:           db,
		Logger:          logger,
		JournalDir:      cfg.JournalDir,
		StopGracePeriod: cfg.StopGracePeriod,
		InputTimeout:    cfg.InputTimeout,
		MaxRunning:      cfg.MaxRunningSessions,
	})
	orchestrator := council.NewOrchestrator(council.Options{
		Sessions: manager,
		Bus:      eventBus,
		Store:    db,
		Logger:   logger,
	})
	eventRelay := relay.New(relay.Options{Bus: eventBus, Logger: logger})
	defer eventRelay.Close()

	api := newServer(manager, orchestrator, eventRelay, logger)

	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	// A stale socket from a crashed daemon blocks the listen.
	if err := os.Remove(cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	listener, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.SocketPath, err)
	}

	httpServer := &http.Server{Handler: api.routes()}
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- httpServer.Serve(listener)
	}()

	logger.Info("quorumd running",
		"socket", cfg.SocketPath,
		"state_dir", cfg.StateDir,
		"agents", len(registry.AgentIDs()),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopGracePeriod+5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	for _, record := range manager.ListSessions() {
		if record.Status != session.StatusRunning {
			continue
		}
		if err := manager.StopSession(shutdownCtx, record.ID); err != nil && !errors.Is(err, session.ErrNotRunning) {
			logger.Warn("stopping session at shutdown", "session_id", record.ID, "error", err)
		}
	}

	if err := <-serveDone; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func parseLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}
