// Copyright 2026 The Quorum Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus is the in-memory pub/sub router for session stream
// events. Producers (session runners, the council orchestrator) call
// Emit; consumers register handlers scoped to one session or to all
// sessions.
//
// Delivery is synchronous on the emitting goroutine: session-scoped
// handlers first, in registration order, then global handlers. Because
// each session has a single emitting goroutine, every handler observes
// that session's events in producer order. No ordering exists across
// sessions. A handler must not block — a consumer that can stall
// (network writes, full queues) hands events off to its own buffered
// queue (see lib/relay).
//
// The bus holds no history and never garbage-collects on its own:
// subscriber lifetime is independent of process lifetime, so a UI can
// attach to a session after it completed. Callers prune dead sessions'
// subscribers with PruneSubscribers.
package bus

import (
	"log/slog"
	"sync"

	"github.com/quorumhq/quorum/lib/stream"
)

// Handler receives events. The session id is passed alongside the
// event for both session-scoped and global handlers.
type Handler func(sessionID string, event stream.Event)

// Subscription identifies one registered handler. Handlers are
// function values and not comparable, so Subscribe returns a handle
// that Unsubscribe takes back.
type Subscription struct {
	sessionID string
	global    bool
	handler   Handler
}

// Bus routes events from session runners to subscribers. Safe for
// concurrent use. The zero value is not usable; call New.
type Bus struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string][]*Subscription
	global   []*Subscription
}

// New creates an empty bus. The logger receives subscriber panic
// reports; if nil, they are discarded.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		logger:   logger,
		sessions: make(map[string][]*Subscription),
	}
}

// Subscribe registers handler for all future events of sessionID.
// Registrations are additive: subscribing twice delivers each event
// twice. Returns the handle for Unsubscribe.
func (b *Bus) Subscribe(sessionID string, handler Handler) *Subscription {
	sub := &Subscription{sessionID: sessionID, handler: handler}
	b.mu.Lock()
	b.sessions[sessionID] = append(b.sessions[sessionID], sub)
	b.mu.Unlock()
	return sub
}

// SubscribeAll registers handler for events of every session,
// including sessions that have no session-scoped subscribers.
func (b *Bus) SubscribeAll(handler Handler) *Subscription {
	sub := &Subscription{global: true, handler: handler}
	b.mu.Lock()
	b.global = append(b.global, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes exactly the given subscription. No-op for nil,
// for an already-removed subscription, and for unknown sessions. Other
// subscriptions for the same session are unaffected.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.global {
		b.global = removeSubscription(b.global, sub)
		return
	}
	remaining := removeSubscription(b.sessions[sub.sessionID], sub)
	if len(remaining) == 0 {
		delete(b.sessions, sub.sessionID)
		return
	}
	b.sessions[sub.sessionID] = remaining
}

// Emit delivers event to every session-scoped subscriber of sessionID
// in registration order, then to every global subscriber, with the
// same (sessionID, event) pair. Emitting to a session with no
// subscribers, or on an entirely empty bus, is a no-op.
//
// A panicking handler is recovered and logged; it never prevents
// delivery to the remaining handlers and never propagates to the
// caller.
func (b *Bus) Emit(sessionID string, event stream.Event) {
	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.sessions[sessionID])+len(b.global))
	targets = append(targets, b.sessions[sessionID]...)
	targets = append(targets, b.global...)
	b.mu.Unlock()

	for _, sub := range targets {
		b.deliver(sub, sessionID, event)
	}
}

// deliver invokes one handler with panic isolation.
func (b *Bus) deliver(sub *Subscription, sessionID string, event stream.Event) {
	defer func() {
		if failure := recover(); failure != nil {
			scope := "session"
			if sub.global {
				scope = "global"
			}
			b.logger.Error("subscriber panicked",
				"session_id", sessionID,
				"event_type", event.Type,
				"scope", scope,
				"panic", failure,
			)
		}
	}()
	sub.handler(sessionID, event)
}

// RemoveSessionSubscribers drops all session-scoped subscribers for
// one session. Global subscribers are unaffected. No-op for unknown
// sessions.
func (b *Bus) RemoveSessionSubscribers(sessionID string) {
	b.mu.Lock()
	delete(b.sessions, sessionID)
	b.mu.Unlock()
}

// ClearAllSessionSubscribers drops every session-scoped subscriber for
// every session. Global subscribers are unaffected.
func (b *Bus) ClearAllSessionSubscribers() {
	b.mu.Lock()
	b.sessions = make(map[string][]*Subscription)
	b.mu.Unlock()
}

// PruneSubscribers removes all session-scoped entries whose session id
// satisfies predicate and returns the number of sessions removed (not
// the number of handlers). Callers use this to sweep subscribers of
// dead sessions.
func (b *Bus) PruneSubscribers(predicate func(sessionID string) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for sessionID := range b.sessions {
		if predicate(sessionID) {
			delete(b.sessions, sessionID)
			removed++
		}
	}
	return removed
}

// SubscriberCount returns the number of distinct sessions with at
// least one session-scoped subscriber.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// GlobalSubscriberCount returns the number of global subscribers.
func (b *Bus) GlobalSubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.global)
}

func removeSubscription(subs []*Subscription, target *Subscription) []*Subscription {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}
