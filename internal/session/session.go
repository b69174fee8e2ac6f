package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/klppl/vidrelay/internal/config"
	"github.com/klppl/vidrelay/internal/cursor"
	"github.com/klppl/vidrelay/internal/nostrtype"
	"github.com/klppl/vidrelay/internal/query"
	"github.com/klppl/vidrelay/internal/store"
	"github.com/klppl/vidrelay/internal/validate"
)

// maxSubscriptionsPerSession caps how many concurrent REQ subscriptions
// a single connection may hold open, independent of its REQ rate limit.
const maxSubscriptionsPerSession = 20

// Session wraps one client WebSocket connection: its live subscriptions,
// its two token buckets (EVENT writes and REQ queries get independent
// limits since a single greedy subscriber shouldn't starve writers),
// and a single writer goroutine serializing outbound frames.
type Session struct {
	conn *websocket.Conn
	hub  *Hub

	validator *validate.Pipeline
	store     *store.Store
	query     *query.Executor

	eventLimiter *rate.Limiter
	reqLimiter   *rate.Limiter

	mu   sync.Mutex
	subs map[string][]nostrtype.Filter

	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

// New creates a Session for an already-upgraded connection. The caller
// is responsible for calling Run, which blocks until the connection
// closes.
func New(conn *websocket.Conn, hub *Hub, cfg *config.Config, validator *validate.Pipeline, st *store.Store, qe *query.Executor) *Session {
	return &Session{
		conn:         conn,
		hub:          hub,
		validator:    validator,
		store:        st,
		query:        qe,
		eventLimiter: rate.NewLimiter(rate.Limit(cfg.EventRateLimit), cfg.EventBurst),
		reqLimiter:   rate.NewLimiter(rate.Limit(cfg.ReqRateLimit), cfg.ReqBurst),
		subs:         make(map[string][]nostrtype.Filter),
		send:         make(chan []byte, 64),
		closed:       make(chan struct{}),
	}
}

// Run registers the session, starts its writer goroutine, and blocks
// reading client frames until the connection fails or ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	s.hub.register(s)
	defer s.hub.unregister(s)

	go s.writePump()
	defer s.close()

	s.conn.SetReadLimit(512 * 1024)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleMessage(ctx, raw)
	}
}

func (s *Session) close() {
	s.once.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

func (s *Session) writePump() {
	for {
		select {
		case <-s.closed:
			return
		case msg := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.close()
				return
			}
		}
	}
}

func (s *Session) enqueue(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("session: marshal outbound message", "error", err)
		return
	}
	select {
	case s.send <- b:
	case <-s.closed:
	default:
		// writer is backed up; drop rather than block the read loop or
		// grow the queue unbounded for a slow client.
		slog.Warn("session: outbound queue full, dropping message")
	}
}

// handleMessage dispatches a single client frame: ["EVENT", ev],
// ["REQ", subID, filter...], or ["CLOSE", subID].
func (s *Session) handleMessage(ctx context.Context, raw []byte) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) == 0 {
		s.sendNotice("invalid: malformed message")
		return
	}

	var kind string
	if err := json.Unmarshal(parts[0], &kind); err != nil {
		s.sendNotice("invalid: missing message type")
		return
	}

	switch kind {
	case "EVENT":
		s.handleEvent(ctx, parts)
	case "REQ":
		s.handleReq(parts)
	case "CLOSE":
		s.handleClose(parts)
	default:
		s.sendNotice(fmt.Sprintf("invalid: unknown message type %q", kind))
	}
}

func (s *Session) handleEvent(ctx context.Context, parts []json.RawMessage) {
	if len(parts) != 2 {
		s.sendNotice("invalid: EVENT requires exactly one event")
		return
	}
	var ev nostrtype.Event
	if err := json.Unmarshal(parts[1], &ev); err != nil {
		s.sendNotice("invalid: could not parse event")
		return
	}

	if !s.eventLimiter.Allow() {
		s.sendOK(ev.ID, false, "rate-limited: slow down")
		return
	}

	if rej := s.validator.Check(ctx, &ev); rej != nil {
		s.sendOK(ev.ID, false, rej.Error())
		return
	}

	result, err := s.store.StoreEvent(&ev)
	if err != nil {
		slog.Error("session: store event", "error", err, "event_id", ev.ID)
		s.sendOK(ev.ID, false, "error: could not save event")
		return
	}

	switch {
	case result.Stale:
		s.sendOK(ev.ID, false, "duplicate: newer event already exists")
	case result.Duplicate:
		s.sendOK(ev.ID, false, "duplicate: already have this event")
	case result.Unauthorized != "":
		s.sendOK(ev.ID, false, result.Unauthorized)
	case result.Replaced:
		s.sendOK(ev.ID, true, "")
		s.hub.Broadcast(&ev)
	default:
		s.sendOK(ev.ID, true, "")
		s.hub.Broadcast(&ev)
	}
}

func (s *Session) handleReq(parts []json.RawMessage) {
	if len(parts) < 2 {
		s.sendNotice("invalid: REQ requires a subscription id")
		return
	}
	var subID string
	if err := json.Unmarshal(parts[1], &subID); err != nil {
		s.sendNotice("invalid: subscription id must be a string")
		return
	}

	if !s.reqLimiter.Allow() {
		s.sendClosed(subID, "rate-limited: slow down")
		return
	}

	filters := make([]nostrtype.Filter, 0, len(parts)-2)
	for _, raw := range parts[2:] {
		var f nostrtype.Filter
		if err := json.Unmarshal(raw, &f); err != nil {
			s.sendClosed(subID, "invalid: could not parse filter")
			return
		}
		filters = append(filters, f)
	}
	if len(filters) == 0 {
		s.sendClosed(subID, "invalid: REQ requires at least one filter")
		return
	}

	s.mu.Lock()
	_, existed := s.subs[subID]
	if !existed && len(s.subs) >= maxSubscriptionsPerSession {
		s.mu.Unlock()
		s.sendClosed(subID, "rate-limited: too many open subscriptions")
		return
	}
	s.subs[subID] = filters
	s.mu.Unlock()

	var cursors []string
	for _, f := range filters {
		page, err := s.query.Run(f)
		if err != nil {
			s.sendClosed(subID, closedReason(err))
			s.mu.Lock()
			delete(s.subs, subID)
			s.mu.Unlock()
			return
		}
		for _, ev := range page.Events {
			s.sendEvent(subID, ev)
		}
		if page.NextCursor != "" {
			cursors = append(cursors, page.NextCursor)
		}
	}
	// §5 orders the initial EVENT stream, then EOSE, then an optional
	// trailing cursor NOTICE — never the reverse — so a client can treat
	// EOSE as "stored results done" even when more pages exist.
	s.sendEOSE(subID)
	for _, c := range cursors {
		s.sendVendorCursor(subID, c)
	}
}

func (s *Session) handleClose(parts []json.RawMessage) {
	if len(parts) < 2 {
		return
	}
	var subID string
	if err := json.Unmarshal(parts[1], &subID); err != nil {
		return
	}
	s.mu.Lock()
	delete(s.subs, subID)
	s.mu.Unlock()
}

// deliver pushes ev to every subscription on this session whose
// filters match, called by Hub.Broadcast/Deliver for live fanout.
func (s *Session) deliver(ev *nostrtype.Event) {
	s.mu.Lock()
	matches := make([]string, 0, 1)
	for subID, filters := range s.subs {
		if MatchesAny(ev, filters) {
			matches = append(matches, subID)
		}
	}
	s.mu.Unlock()

	for _, subID := range matches {
		s.sendEvent(subID, ev)
	}
}

func (s *Session) sendEvent(subID string, ev *nostrtype.Event) {
	s.enqueue([]interface{}{"EVENT", subID, ev})
}

func (s *Session) sendOK(eventID string, accepted bool, message string) {
	s.enqueue([]interface{}{"OK", eventID, accepted, message})
}

func (s *Session) sendNotice(message string) {
	s.enqueue([]interface{}{"NOTICE", message})
}

// sendVendorCursor emits the vendor keyset-pagination continuation
// NOTICE (§4.5/§6): ["NOTICE", "VCURSOR", {"sub": subId, "cursor": c}].
func (s *Session) sendVendorCursor(subID, cursorToken string) {
	s.enqueue([]interface{}{"NOTICE", "VCURSOR", map[string]string{
		"sub":    subID,
		"cursor": cursorToken,
	}})
}

func (s *Session) sendEOSE(subID string) {
	s.enqueue([]interface{}{"EOSE", subID})
}

func (s *Session) sendClosed(subID, message string) {
	s.enqueue([]interface{}{"CLOSED", subID, message})
}

// closedReason maps a query.Executor error to the NIP-01 machine-
// readable CLOSED prefix a client matches on (§7): cursor tampering and
// cursor/query rebinding are distinct classes, everything else
// (complexity, shape caps) is a generic "invalid:" filter rejection.
func closedReason(err error) string {
	switch {
	case errors.Is(err, cursor.ErrTampered):
		return "invalid: cursor tampering detected"
	case errors.Is(err, cursor.ErrQueryMismatch):
		return "invalid: cursor query mismatch"
	default:
		return "invalid: " + err.Error()
	}
}

// pingInterval is a keepalive cadence that nothing references: neither
// this package nor internal/server sends ping frames or sets read/pong
// deadlines on the connection.
const pingInterval = 30 * time.Second
