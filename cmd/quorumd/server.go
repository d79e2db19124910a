// Copyright 2026 The Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quorumhq/quorum/lib/council"
	"github.com/quorumhq/quorum/lib/relay"
	"github.com/quorumhq/quorum/lib/session"
	"github.com/quorumhq/quorum/lib/store"
)

// server is the HTTP control API. Handlers translate between JSON
// requests and the manager/orchestrator methods; all lifecycle
// decisions live in the libraries, not here.
type server struct {
	manager      *session.Manager
	orchestrator *council.Orchestrator
	relay        *relay.Relay
	logger       *slog.Logger
}

func newServer(manager *session.Manager, orchestrator *council.Orchestrator, eventRelay *relay.Relay, logger *slog.Logger) *server {
	return &server{
		manager:      manager,
		orchestrator: orchestrator,
		relay:        eventRelay,
		logger:       logger,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /v1/sessions/{id}/start", s.handleStartSession)
	mux.HandleFunc("POST /v1/sessions/{id}/resume", s.handleResumeSession)
	mux.HandleFunc("POST /v1/sessions/{id}/pause", s.handlePauseSession)
	mux.HandleFunc("POST /v1/sessions/{id}/stop", s.handleStopSession)
	mux.HandleFunc("POST /v1/sessions/{id}/input", s.handleSendInput)
	mux.HandleFunc("GET /v1/sessions/{id}/events", s.handleSessionEvents)
	mux.HandleFunc("GET /v1/events", s.handleAllEvents)
	mux.HandleFunc("POST /v1/councils", s.handleLaunchCouncil)
	mux.HandleFunc("GET /v1/councils", s.handleListCouncils)
	mux.HandleFunc("GET /v1/councils/{id}", s.handleGetCouncil)
	mux.HandleFunc("POST /v1/councils/{id}/cancel", s.handleCancelCouncil)
	return mux
}

type createSessionRequest struct {
	ProjectID   string  `json:"project_id"`
	AgentID     string  `json:"agent_id"`
	Name        string  `json:"name,omitempty"`
	MaxCostUSD  float64 `json:"max_cost_usd,omitempty"`
	MaxDuration string  `json:"max_duration,omitempty"`
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var request createSessionRequest
	if !s.decode(w, r, &request) {
		return
	}
	options := session.CreateOptions{Name: request.Name}
	if request.MaxCostUSD > 0 || request.MaxDuration != "" {
		limits := session.Limits{MaxCostUSD: request.MaxCostUSD}
		if request.MaxDuration != "" {
			maxDuration, err := time.ParseDuration(request.MaxDuration)
			if err != nil {
				s.clientError(w, http.StatusBadRequest, fmt.Errorf("parsing max_duration: %w", err))
				return
			}
			limits.MaxDuration = maxDuration
		}
		options.Limits = &limits
	}

	created, err := s.manager.CreateSession(r.Context(), request.ProjectID, request.AgentID, options)
	if err != nil {
		s.clientError(w, http.StatusBadRequest, err)
		return
	}
	s.respond(w, http.StatusCreated, created)
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.manager.ListSessions())
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	record, err := s.manager.GetSession(r.PathValue("id"))
	if err != nil {
		s.lifecycleError(w, err)
		return
	}
	s.respond(w, http.StatusOK, record)
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

func (s *server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var request promptRequest
	if !s.decode(w, r, &request) {
		return
	}
	if err := s.manager.StartSession(r.Context(), r.PathValue("id"), request.Prompt); err != nil {
		s.lifecycleError(w, err)
		return
	}
	// A spawn failure is not an API error: the caller observes it as
	// an error event and an error status on the session record.
	s.respond(w, http.StatusAccepted, map[string]string{"status": "starting"})
}

func (s *server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	var request promptRequest
	if !s.decode(w, r, &request) {
		return
	}
	if err := s.manager.ResumeSession(r.Context(), r.PathValue("id"), request.Prompt); err != nil {
		s.lifecycleError(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"status": "resuming"})
}

func (s *server) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.PauseSession(r.Context(), r.PathValue("id")); err != nil {
		s.lifecycleError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "pausing"})
}

func (s *server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.StopSession(r.Context(), r.PathValue("id")); err != nil {
		s.lifecycleError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type inputRequest struct {
	Content string `json:"content"`
}

func (s *server) handleSendInput(w http.ResponseWriter, r *http.Request) {
	var request inputRequest
	if !s.decode(w, r, &request) {
		return
	}
	if err := s.manager.SendInput(r.Context(), r.PathValue("id"), request.Content); err != nil {
		s.lifecycleError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "queued"})
}

// handleSessionEvents streams one session's events as JSON lines
// until the client disconnects. Slow readers overflow their relay
// queue and lose events rather than stalling the bus.
func (s *server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, r.PathValue("id"))
}

func (s *server) handleAllEvents(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, "")
}

func (s *server) streamEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.clientError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	clientID := fmt.Sprintf("%s-%d", r.RemoteAddr, time.Now().UnixNano())
	client, err := s.relay.Register(clientID, sessionID)
	if err != nil {
		s.clientError(w, http.StatusConflict, err)
		return
	}
	defer s.relay.Unregister(clientID)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	encoder := json.NewEncoder(w)
	for {
		select {
		case envelope, open := <-client.Events():
			if !open {
				return
			}
			if err := encoder.Encode(envelope); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

type launchCouncilRequest struct {
	ProjectID        string   `json:"project_id"`
	Prompt           string   `json:"prompt"`
	MemberAgentIDs   []string `json:"member_agent_ids"`
	ChairmanAgentID  string   `json:"chairman_agent_id,omitempty"`
	DiscussionRounds int      `json:"discussion_rounds,omitempty"`
}

func (s *server) handleLaunchCouncil(w http.ResponseWriter, r *http.Request) {
	var request launchCouncilRequest
	if !s.decode(w, r, &request) {
		return
	}
	launch, err := s.orchestrator.LaunchCouncil(r.Context(), request.ProjectID, request.Prompt,
		request.MemberAgentIDs, request.ChairmanAgentID, request.DiscussionRounds)
	if err != nil {
		s.clientError(w, http.StatusBadRequest, err)
		return
	}
	s.respond(w, http.StatusCreated, launch)
}

func (s *server) handleListCouncils(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.orchestrator.ListLaunches())
}

func (s *server) handleGetCouncil(w http.ResponseWriter, r *http.Request) {
	launch, err := s.orchestrator.GetLaunch(r.PathValue("id"))
	if err != nil {
		s.lifecycleError(w, err)
		return
	}
	s.respond(w, http.StatusOK, launch)
}

func (s *server) handleCancelCouncil(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.CancelLaunch(r.Context(), r.PathValue("id")); err != nil {
		s.lifecycleError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *server) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		s.clientError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return false
	}
	return true
}

func (s *server) respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("writing response", "error", err)
	}
}

func (s *server) clientError(w http.ResponseWriter, status int, err error) {
	s.respond(w, status, map[string]string{"error": err.Error()})
}

// lifecycleError maps the libraries' sentinel errors onto HTTP
// status codes.
func (s *server) lifecycleError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrUnknownSession),
		errors.Is(err, council.ErrUnknownLaunch),
		errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyRunning),
		errors.Is(err, session.ErrNotRunning),
		errors.Is(err, session.ErrNotPaused),
		errors.Is(err, council.ErrLaunchComplete):
		status = http.StatusConflict
	case errors.Is(err, session.ErrInputBackpressure),
		errors.Is(err, session.ErrTooManyRunning):
		status = http.StatusTooManyRequests
	}
	s.clientError(w, status, err)
}
