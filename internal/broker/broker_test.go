package broker

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/klppl/vidrelay/internal/nostrtype"
	"github.com/klppl/vidrelay/internal/session"
)

func TestBroadcastLocalDeliversToSiblingHub(t *testing.T) {
	siblingHub := session.NewHub()
	var received nostrtype.Event
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev nostrtype.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = ev
		mu.Unlock()
		siblingHub.Deliver(&ev)
		w.WriteHeader(http.StatusNoContent)
		wg.Done()
	}))
	defer srv.Close()

	localHub := session.NewHub()
	b := New("WNAM", map[string]string{"ENAM": srv.URL}, localHub)

	ev := &nostrtype.Event{ID: "abc123", PubKey: "pub1", Kind: 1, Content: "hi"}
	b.BroadcastLocal(ev)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sibling delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	if received.ID != "abc123" {
		t.Fatalf("sibling received id = %q, want abc123", received.ID)
	}
}

func TestBroadcastLocalNoPeersIsNoop(t *testing.T) {
	hub := session.NewHub()
	b := New("WNAM", nil, hub)
	b.BroadcastLocal(&nostrtype.Event{ID: "x"}) // must not panic or block
}

func TestReceiveHandlerDeliversWithoutReBroadcast(t *testing.T) {
	hub := session.NewHub()
	b := New("ENAM", nil, hub)

	body, _ := json.Marshal(&nostrtype.Event{ID: "inbound1", Kind: 1})
	req := httptest.NewRequest(http.MethodPost, "/_broker/relay", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	b.ReceiveHandler()(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestRouterFallsBackFromCountryToContinentToDefault(t *testing.T) {
	r, err := NewRouter("", "WNAM")
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	if got := r.Route("US", ""); got != "ENAM" {
		t.Fatalf("Route(US) = %q, want ENAM", got)
	}
	if got := r.Route("", "AF"); got != "AFR" {
		t.Fatalf("Route(continent AF) = %q, want AFR", got)
	}
	if got := r.Route("ZZ", "QQ"); got != "WNAM" {
		t.Fatalf("Route(unknown) = %q, want default WNAM", got)
	}
}
