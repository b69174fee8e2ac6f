package session

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/klppl/vidrelay/internal/config"
	"github.com/klppl/vidrelay/internal/cursor"
	"github.com/klppl/vidrelay/internal/nostrtype"
	"github.com/klppl/vidrelay/internal/query"
	"github.com/klppl/vidrelay/internal/search"
	"github.com/klppl/vidrelay/internal/store"
	"github.com/klppl/vidrelay/internal/validate"
)

func newTestServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), "")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if err := st.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	idx, err := search.Open(nil, st.Driver())
	if err != nil {
		t.Fatalf("search.Open: %v", err)
	}

	cfg := &config.Config{
		EventRateLimit:     100,
		EventBurst:         100,
		ReqRateLimit:       100,
		ReqBurst:           100,
		QueryComplexityMax: 100000,
		LegacyLimitMax:     500,
		ProjectionLimitMax: 200,
		CursorSecret:       "test-secret",
	}
	codec := cursor.New(cfg.CursorSecret, "")
	qe := query.New(cfg, st, idx, codec)
	validator := validate.New(cfg, st)

	hub := NewHub()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := New(conn, hub, cfg, validator, st, qe)
		s.Run(r.Context())
	}))
	t.Cleanup(srv.Close)
	return srv, hub
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func signedTestEvent(kind int, content string, tags [][]string) *nostr.Event {
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	ev := &nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	ev.ID = ev.GetID()
	_ = ev.Sign(sk)
	return ev
}

func readJSONArray(t *testing.T, conn *websocket.Conn) []interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg []interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestEventRoundTripAndOK(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	ev := signedTestEvent(1, "hello", nil)
	if err := conn.WriteJSON([]interface{}{"EVENT", ev}); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := readJSONArray(t, conn)
	if msg[0] != "OK" {
		t.Fatalf("expected OK, got %v", msg)
	}
	if msg[1] != ev.ID {
		t.Fatalf("OK event id = %v, want %v", msg[1], ev.ID)
	}
	if accepted, _ := msg[2].(bool); !accepted {
		t.Fatalf("expected event accepted, got %v", msg)
	}
}

func TestEventRejectsTamperedSignature(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	ev := signedTestEvent(1, "hello", nil)
	ev.Content = "tampered after signing"

	if err := conn.WriteJSON([]interface{}{"EVENT", ev}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readJSONArray(t, conn)
	if msg[0] != "OK" {
		t.Fatalf("expected OK, got %v", msg)
	}
	if accepted, _ := msg[2].(bool); accepted {
		t.Fatalf("expected rejection for tampered event, got %v", msg)
	}
}

func TestReqReturnsStoredEventsThenEOSE(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	ev := signedTestEvent(1, "stored before sub", nil)
	if err := conn.WriteJSON([]interface{}{"EVENT", ev}); err != nil {
		t.Fatalf("write EVENT: %v", err)
	}
	readJSONArray(t, conn) // OK

	filter := nostrtype.Filter{Kinds: []int{1}}
	if err := conn.WriteJSON([]interface{}{"REQ", "sub1", filter}); err != nil {
		t.Fatalf("write REQ: %v", err)
	}

	got := readJSONArray(t, conn)
	if got[0] != "EVENT" {
		t.Fatalf("expected EVENT, got %v", got)
	}
	if got[1] != "sub1" {
		t.Fatalf("expected sub id sub1, got %v", got[1])
	}

	eose := readJSONArray(t, conn)
	if eose[0] != "EOSE" || eose[1] != "sub1" {
		t.Fatalf("expected EOSE sub1, got %v", eose)
	}
}

func TestLiveBroadcastReachesMatchingSubscription(t *testing.T) {
	srv, _ := newTestServer(t)
	sub := dial(t, srv)
	pub := dial(t, srv)

	filter := nostrtype.Filter{Kinds: []int{1}}
	if err := sub.WriteJSON([]interface{}{"REQ", "live", filter}); err != nil {
		t.Fatalf("write REQ: %v", err)
	}
	eose := readJSONArray(t, sub)
	if eose[0] != "EOSE" {
		t.Fatalf("expected EOSE first (no stored events), got %v", eose)
	}

	ev := signedTestEvent(1, "live broadcast", nil)
	if err := pub.WriteJSON([]interface{}{"EVENT", ev}); err != nil {
		t.Fatalf("write EVENT: %v", err)
	}
	readJSONArray(t, pub) // OK on the publisher's connection

	got := readJSONArray(t, sub)
	if got[0] != "EVENT" || got[1] != "live" {
		t.Fatalf("expected live EVENT for sub live, got %v", got)
	}
}

func TestCloseRemovesSubscriptionFromFurtherBroadcast(t *testing.T) {
	srv, hub := newTestServer(t)
	sub := dial(t, srv)

	filter := nostrtype.Filter{Kinds: []int{1}}
	if err := sub.WriteJSON([]interface{}{"REQ", "temp", filter}); err != nil {
		t.Fatalf("write REQ: %v", err)
	}
	readJSONArray(t, sub) // EOSE

	if err := sub.WriteJSON([]interface{}{"CLOSE", "temp"}); err != nil {
		t.Fatalf("write CLOSE: %v", err)
	}
	// give the read loop a moment to process CLOSE before asserting state
	time.Sleep(50 * time.Millisecond)

	hub.mu.RLock()
	for s := range hub.sessions {
		s.mu.Lock()
		if _, ok := s.subs["temp"]; ok {
			s.mu.Unlock()
			hub.mu.RUnlock()
			t.Fatal("expected subscription temp to be removed after CLOSE")
		}
		s.mu.Unlock()
	}
	hub.mu.RUnlock()
}

func TestMatchesPrefixSemantics(t *testing.T) {
	ev := &nostrtype.Event{ID: "abcdef1234", PubKey: "feedface01", Kind: 1}
	f := nostrtype.Filter{IDs: []string{"abcdef"}}
	if !Matches(ev, f) {
		t.Fatal("expected short-prefix id match to succeed")
	}
	f = nostrtype.Filter{IDs: []string{"zzzzzz"}}
	if Matches(ev, f) {
		t.Fatal("expected non-matching prefix to fail")
	}
}

func TestReqSendsVendorCursorNoticeWhenMoreResultsExist(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	for i := 0; i < 3; i++ {
		ev := signedTestEvent(1, fmt.Sprintf("event %d", i), nil)
		if err := conn.WriteJSON([]interface{}{"EVENT", ev}); err != nil {
			t.Fatalf("write EVENT: %v", err)
		}
		readJSONArray(t, conn) // OK
	}

	limit := 1
	filter := nostrtype.Filter{Kinds: []int{1}, Limit: &limit}
	if err := conn.WriteJSON([]interface{}{"REQ", "paged", filter}); err != nil {
		t.Fatalf("write REQ: %v", err)
	}

	ev := readJSONArray(t, conn)
	if ev[0] != "EVENT" || ev[1] != "paged" {
		t.Fatalf("expected EVENT paged, got %v", ev)
	}

	eose := readJSONArray(t, conn)
	if eose[0] != "EOSE" || eose[1] != "paged" {
		t.Fatalf("expected EOSE paged, got %v", eose)
	}

	notice := readJSONArray(t, conn)
	if notice[0] != "NOTICE" || notice[1] != "VCURSOR" {
		t.Fatalf("expected NOTICE VCURSOR after EOSE, got %v", notice)
	}
	payload, ok := notice[2].(map[string]interface{})
	if !ok {
		t.Fatalf("expected VCURSOR payload to be an object, got %v", notice[2])
	}
	if payload["sub"] != "paged" {
		t.Fatalf("expected cursor sub paged, got %v", payload["sub"])
	}
	if cur, _ := payload["cursor"].(string); cur == "" {
		t.Fatalf("expected non-empty cursor token, got %v", payload["cursor"])
	}
}

func TestMatchesTagFilter(t *testing.T) {
	ev := &nostrtype.Event{Kind: 1, Tags: [][]string{{"t", "video"}}}
	f := nostrtype.Filter{Tags: map[string][]string{"t": {"video"}}}
	if !Matches(ev, f) {
		t.Fatal("expected tag filter to match")
	}
	f = nostrtype.Filter{Tags: map[string][]string{"t": {"other"}}}
	if Matches(ev, f) {
		t.Fatal("expected non-matching tag value to fail")
	}
}
