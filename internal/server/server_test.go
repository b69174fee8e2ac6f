package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/klppl/vidrelay/internal/config"
	"github.com/klppl/vidrelay/internal/cursor"
	"github.com/klppl/vidrelay/internal/query"
	"github.com/klppl/vidrelay/internal/search"
	"github.com/klppl/vidrelay/internal/session"
	"github.com/klppl/vidrelay/internal/store"
	"github.com/klppl/vidrelay/internal/validate"
)

func newTestServerStack(t *testing.T) *Server {
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
		RelayName:          "testrelay",
		RelayDescription:   "a test relay",
		RelayPubkey:        "deadbeefcafe",
		ShardID:            "WNAM",
		Shards:             []string{"WNAM", "ENAM"},
		EventRateLimit:     100, EventBurst: 100,
		ReqRateLimit: 100, ReqBurst: 100,
		QueryComplexityMax: 100000,
		LegacyLimitMax:     500,
		ProjectionLimitMax: 200,
		CursorSecret:       "test-secret",
	}
	codec := cursor.New(cfg.CursorSecret, "")
	qe := query.New(cfg, st, idx, codec)
	validator := validate.New(cfg, st)
	hub := session.NewHub()

	return New(cfg, st, validator, qe, hub, nil, nil, NewNoopPaymentVerifier(st))
}

func TestHandleInfoReturnsNIP11Document(t *testing.T) {
	s := newTestServerStack(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "application/nostr+json")
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc["name"] != "testrelay" {
		t.Fatalf("name = %v, want testrelay", doc["name"])
	}
	ext, ok := doc["divine_extensions"].(map[string]interface{})
	if !ok {
		t.Fatal("expected divine_extensions object")
	}
	if ext["videos_kind"].(float64) != 34236 {
		t.Fatalf("videos_kind = %v, want 34236", ext["videos_kind"])
	}
	if _, ok := doc["search"].(map[string]interface{}); !ok {
		t.Fatal("expected search object")
	}
}

func TestHandleRootPlainTextWithoutAcceptHeader(t *testing.T) {
	s := newTestServerStack(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "testrelay") {
		t.Fatalf("expected landing page to mention relay name, got %q", rec.Body.String())
	}
}

func TestHandleNIP05ReturnsRelayPubkey(t *testing.T) {
	s := newTestServerStack(t)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/nostr.json?name=testrelay", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	var doc struct {
		Names map[string]string `json:"names"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.Names["testrelay"] != "deadbeefcafe" {
		t.Fatalf("names[testrelay] = %q, want deadbeefcafe", doc.Names["testrelay"])
	}
}

func TestHandleNIP05UnknownNameReturnsEmpty(t *testing.T) {
	s := newTestServerStack(t)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/nostr.json?name=nobody", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	var doc struct {
		Names map[string]string `json:"names"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(doc.Names) != 0 {
		t.Fatalf("expected empty names map, got %v", doc.Names)
	}
}

func TestHandleHealthReportsOK(t *testing.T) {
	s := newTestServerStack(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleMigrationsListsApplied(t *testing.T) {
	s := newTestServerStack(t)
	req := httptest.NewRequest(http.MethodGet, "/_migrations", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	var doc struct {
		Applied []string `json:"applied"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(doc.Applied) == 0 {
		t.Fatal("expected at least one applied migration")
	}
}

func TestWebSocketUpgradeAndReqReturnsEOSE(t *testing.T) {
	s := newTestServerStack(t)
	srv := httptest.NewServer(s.mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON([]interface{}{"REQ", "sub1", map[string]interface{}{"kinds": []int{1}}}); err != nil {
		t.Fatalf("write REQ: %v", err)
	}
	var msg []interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg[0] != "EOSE" {
		t.Fatalf("expected EOSE for empty store, got %v", msg)
	}
}
