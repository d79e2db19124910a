// Copyright 2026 The Quorum Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay is the boundary between the synchronous event bus and
// push transports (WebSocket handlers, SSE writers, log tails). Each
// registered client gets its own bounded queue: a slow consumer
// overflows its queue and loses events — counted, never silently —
// while emit and every other consumer stay unblocked.
package relay

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/quorumhq/quorum/lib/bus"
	"github.com/quorumhq/quorum/lib/stream"
)

// Envelope pairs an event with the session it came from, since
// events do not carry their session id internally.
type Envelope struct {
	SessionID string       `json:"session_id"`
	Event     stream.Event `json:"event"`
}

// Client is one registered consumer. Read events from Events; the
// channel is closed on Unregister.
type Client struct {
	id string

	mu      sync.Mutex
	events  chan Envelope
	dropped uint64
	closed  bool

	sub *bus.Subscription
}

// Events is the client's queue. Closed when the client is
// unregistered.
func (c *Client) Events() <-chan Envelope {
	return c.events
}

// Dropped returns how many events were discarded because the queue
// was full.
func (c *Client) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// deliver enqueues without blocking. Runs on the bus's emitting
// goroutine, so it must never wait on the consumer.
func (c *Client) deliver(envelope Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- envelope:
	default:
		c.dropped++
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.events)
}

// Options configures a Relay.
type Options struct {
	// Bus is the event source. Required.
	Bus *bus.Bus

	// BufferSize is each client's queue capacity. Defaults to 256.
	BufferSize int

	// Logger defaults to discard.
	Logger *slog.Logger
}

// Relay fans bus events out to registered clients. Safe for
// concurrent use.
type Relay struct {
	bus        *bus.Bus
	bufferSize int
	logger     *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

// New creates a Relay. Panics if Bus is missing.
func New(options Options) *Relay {
	if options.Bus == nil {
		panic("relay.New: Bus is required")
	}
	if options.BufferSize <= 0 {
		options.BufferSize = 256
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	return &Relay{
		bus:        options.Bus,
		bufferSize: options.BufferSize,
		logger:     options.Logger,
		clients:    make(map[string]*Client),
	}
}

// Register creates a client. An empty sessionID subscribes to every
// session's events; otherwise the client sees only the named
// session. Fails if the client id is already registered.
func (r *Relay) Register(clientID, sessionID string) (*Client, error) {
	client := &Client{
		id:     clientID,
		events: make(chan Envelope, r.bufferSize),
	}

	handler := func(eventSessionID string, event stream.Event) {
		client.deliver(Envelope{SessionID: eventSessionID, Event: event})
	}
	if sessionID == "" {
		client.sub = r.bus.SubscribeAll(handler)
	} else {
		client.sub = r.bus.Subscribe(sessionID, handler)
	}

	r.mu.Lock()
	if _, exists := r.clients[clientID]; exists {
		r.mu.Unlock()
		r.bus.Unsubscribe(client.sub)
		return nil, fmt.Errorf("relay: client %s already registered", clientID)
	}
	r.clients[clientID] = client
	r.mu.Unlock()

	r.logger.Debug("relay client registered", "client_id", clientID, "session_id", sessionID)
	return client, nil
}

// Unregister removes a client: its bus subscription is dropped and
// its channel closed. Unknown ids are a no-op.
func (r *Relay) Unregister(clientID string) {
	r.mu.Lock()
	client, ok := r.clients[clientID]
	delete(r.clients, clientID)
	r.mu.Unlock()
	if !ok {
		return
	}

	r.bus.Unsubscribe(client.sub)
	client.close()
	if dropped := client.Dropped(); dropped > 0 {
		r.logger.Warn("relay client dropped events", "client_id", clientID, "dropped", dropped)
	}
	r.logger.Debug("relay client unregistered", "client_id", clientID)
}

// ClientCount returns the number of registered clients.
func (r *Relay) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Close unregisters every client.
func (r *Relay) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Unregister(id)
	}
}
