// Package session implements the per-connection WebSocket protocol
// layer: message framing, subscription bookkeeping, and live broadcast
// of newly stored events to matching subscriptions on this shard.
// Cross-shard fanout is layered on top by internal/broker, which
// registers itself as a Hub observer.
package session

import (
	"sync"

	"github.com/klppl/vidrelay/internal/nostrtype"
)

// Broadcaster is implemented by anything that wants to observe every
// event accepted on this shard, used by internal/broker to fan events
// out to sibling shards without this package depending on broker.
type Broadcaster interface {
	BroadcastLocal(ev *nostrtype.Event)
}

// Hub owns the set of live sessions on this shard and dispatches
// accepted events to every subscription whose filters match.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}

	observersMu sync.RWMutex
	observers   []Broadcaster
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[*Session]struct{})}
}

// AddObserver registers b to receive every event this hub broadcasts
// locally, e.g. internal/broker's cross-shard fanout.
func (h *Hub) AddObserver(b Broadcaster) {
	h.observersMu.Lock()
	defer h.observersMu.Unlock()
	h.observers = append(h.observers, b)
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = struct{}{}
}

// SessionCount returns the number of live sessions on this shard,
// reported by the server's diagnostics endpoint.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s)
}

// Broadcast dispatches ev to every live subscription on this shard
// whose filters match, and notifies any registered observers so they
// can fan it out further (e.g. to sibling shards).
func (h *Hub) Broadcast(ev *nostrtype.Event) {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		s.deliver(ev)
	}

	h.observersMu.RLock()
	observers := h.observers
	h.observersMu.RUnlock()
	// Cross-shard fanout is fire-and-forget: a slow or unreachable
	// sibling must never stall this session's read loop, so each
	// observer runs on its own goroutine instead of being awaited here.
	for _, o := range observers {
		go o.BroadcastLocal(ev)
	}
}

// Deliver pushes ev to every subscription on this shard without
// notifying observers, used by internal/broker to relay an event that
// originated on a sibling shard (avoiding a broadcast loop).
func (h *Hub) Deliver(ev *nostrtype.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		s.deliver(ev)
	}
}
