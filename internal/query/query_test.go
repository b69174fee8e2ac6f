package query

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/klppl/vidrelay/internal/config"
	"github.com/klppl/vidrelay/internal/cursor"
	"github.com/klppl/vidrelay/internal/nostrtype"
	"github.com/klppl/vidrelay/internal/store"
)

func newTestExecutor(t *testing.T) (*Executor, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		QueryComplexityMax: 100000,
		LegacyLimitMax:     500,
		ProjectionLimitMax: 200,
	}
	codec := cursor.New("test-secret", "")
	return New(cfg, st, nil, codec), st
}

func mustStore(t *testing.T, st *store.Store, ev *nostrtype.Event) {
	t.Helper()
	if _, err := st.StoreEvent(ev); err != nil {
		t.Fatalf("StoreEvent: %v", err)
	}
}

func TestRunChronologicalOrdersNewestFirst(t *testing.T) {
	exec, st := newTestExecutor(t)
	mustStore(t, st, sampleEvent("e1", 1, 1000, "p1", nil))
	mustStore(t, st, sampleEvent("e2", 1, 2000, "p1", nil))
	mustStore(t, st, sampleEvent("e3", 1, 1500, "p1", nil))

	page, err := exec.Run(nostrtype.Filter{Kinds: []int{1}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(page.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(page.Events))
	}
	if page.Events[0].ID != "e2" || page.Events[1].ID != "e3" || page.Events[2].ID != "e1" {
		t.Fatalf("unexpected order: %v", eventIDs(page.Events))
	}
}

func TestRunRejectsTooManyIntFilters(t *testing.T) {
	exec, _ := newTestExecutor(t)
	f := nostrtype.Filter{
		IntFilters: map[string]nostrtype.IntComparator{
			"likes": {}, "views": {}, "comments": {}, "loop_count": {},
		},
	}
	_, err := exec.Run(f)
	if err != ErrTooManyIntFilters {
		t.Fatalf("expected ErrTooManyIntFilters, got %v", err)
	}
}

func TestRunPaginatesWithCursor(t *testing.T) {
	exec, st := newTestExecutor(t)
	for i := 0; i < 5; i++ {
		mustStore(t, st, sampleEvent(string(rune('a'+i)), 1, int64(1000+i), "p1", nil))
	}

	limit := 2
	page1, err := exec.Run(nostrtype.Filter{Kinds: []int{1}, Limit: &limit})
	if err != nil {
		t.Fatalf("Run page1: %v", err)
	}
	if len(page1.Events) != 2 || page1.NextCursor == "" {
		t.Fatalf("expected 2 events with a next cursor, got %d events cursor=%q", len(page1.Events), page1.NextCursor)
	}

	page2, err := exec.Run(nostrtype.Filter{Kinds: []int{1}, Limit: &limit, Cursor: page1.NextCursor})
	if err != nil {
		t.Fatalf("Run page2: %v", err)
	}
	if len(page2.Events) != 2 {
		t.Fatalf("expected 2 events on page2, got %d", len(page2.Events))
	}
	for _, ev := range page2.Events {
		for _, seen := range page1.Events {
			if ev.ID == seen.ID {
				t.Fatalf("event %s appeared on both pages", ev.ID)
			}
		}
	}
}

func TestRunIgnoresVendorSortWithoutVideoKind(t *testing.T) {
	exec, st := newTestExecutor(t)
	mustStore(t, st, sampleEvent("e1", 1, 1000, "p1", nil))
	mustStore(t, st, sampleEvent("e2", 1, 2000, "p1", nil))

	// A sort on a video metric with no video kind requested can't be
	// served by the videos projection, which only has rows for kind
	// 34236. It must fall back to the chronological path instead of
	// silently joining against an empty projection.
	page, err := exec.Run(nostrtype.Filter{
		Kinds: []int{1},
		Sort:  &nostrtype.Sort{Field: nostrtype.SortLikes},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(page.Events) != 2 {
		t.Fatalf("expected 2 events via the chronological fallback, got %d", len(page.Events))
	}
	if page.Events[0].ID != "e2" || page.Events[1].ID != "e1" {
		t.Fatalf("unexpected order: %v", eventIDs(page.Events))
	}
}

func TestRunIgnoresIntFiltersWithoutVideoKind(t *testing.T) {
	exec, st := newTestExecutor(t)
	mustStore(t, st, sampleEvent("e1", 1, 1000, "p1", nil))

	page, err := exec.Run(nostrtype.Filter{
		Kinds:      []int{1},
		IntFilters: map[string]nostrtype.IntComparator{"likes": {}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(page.Events) != 1 {
		t.Fatalf("expected the chronological path to still serve kind-1 events, got %d", len(page.Events))
	}
}

func TestRunChunksOversizedTagFilter(t *testing.T) {
	exec, st := newTestExecutor(t)
	for i := 0; i < 60; i++ {
		pubkey := fmt.Sprintf("mention-%02d", i)
		id := fmt.Sprintf("e%02d", i)
		mustStore(t, st, sampleEvent(id, 1, int64(1000+i), pubkey, [][]string{{"p", pubkey}}))
	}

	values := make([]string, 60)
	for i := range values {
		values[i] = fmt.Sprintf("mention-%02d", i)
	}
	limit := 100
	page, err := exec.Run(nostrtype.Filter{
		Kinds: []int{1},
		Tags:  map[string][]string{"p": values},
		Limit: &limit,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(page.Events) != 60 {
		t.Fatalf("expected all 60 events across chunked #p batches, got %d", len(page.Events))
	}
}

func eventIDs(events []*nostrtype.Event) []string {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return ids
}

func sampleEvent(id string, kind int, createdAt int64, pubkey string, tags [][]string) *nostrtype.Event {
	return &nostrtype.Event{
		ID:        id,
		PubKey:    pubkey,
		CreatedAt: nostrtype.Timestamp(createdAt),
		Kind:      kind,
		Tags:      tags,
		Content:   "hello",
		Sig:       "deadbeef",
	}
}
