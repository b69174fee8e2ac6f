package archive

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/klppl/vidrelay/internal/nostrtype"
	"github.com/klppl/vidrelay/internal/store"
)

func TestArchiveBatchMovesEventsOutOfHotStore(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	oldTime := time.Now().Add(-48 * time.Hour).UTC()
	old := &nostrtype.Event{
		ID: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd", PubKey: "pub1", Kind: 1, Content: "ancient",
		CreatedAt: nostrtype.Timestamp(oldTime.Unix()),
		Tags:      [][]string{{"t", "retro"}},
		Sig:       "deadbeef",
	}
	if _, err := st.StoreEvent(old); err != nil {
		t.Fatalf("StoreEvent: %v", err)
	}

	blobs, err := NewFileBlobstore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBlobstore: %v", err)
	}

	w := New(st, blobs, time.Hour, 24*time.Hour, 500)
	w.runOnce(context.Background())

	if got, _ := st.GetByID(old.ID); got != nil {
		t.Fatal("expected archived event to be removed from hot store")
	}

	raw, err := blobs.Get(idIndexKey(old.ID))
	if err != nil {
		t.Fatalf("expected by-id index entry, got error: %v", err)
	}
	var archived nostrtype.Event
	if err := json.Unmarshal(raw, &archived); err != nil {
		t.Fatalf("unmarshal archived event: %v", err)
	}
	if archived.ID != old.ID {
		t.Fatalf("archived event id = %q, want %q", archived.ID, old.ID)
	}

	hour := oldTime.Format("2006-01-02/15")
	if _, err := blobs.Get("events/" + hour + ".jsonl"); err != nil {
		t.Fatalf("expected hourly events shard, got error: %v", err)
	}
	if _, err := blobs.Get("index/author/pub1/" + hour + ".jsonl"); err != nil {
		t.Fatalf("expected author index shard, got error: %v", err)
	}
	if _, err := blobs.Get("index/kind/1/" + hour + ".jsonl"); err != nil {
		t.Fatalf("expected kind index shard, got error: %v", err)
	}
	if _, err := blobs.Get("index/tag/t/retro/" + hour + ".jsonl"); err != nil {
		t.Fatalf("expected tag index shard, got error: %v", err)
	}

	manifestRaw, err := blobs.Get(manifestKey)
	if err != nil {
		t.Fatalf("expected manifest to exist: %v", err)
	}
	var m manifest
	if err := json.Unmarshal(manifestRaw, &m); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if len(m.HoursWithEvents) != 1 || m.HoursWithEvents[0] != hour {
		t.Fatalf("expected manifest to record hour %q, got %v", hour, m.HoursWithEvents)
	}
	if m.TotalEvents != 1 {
		t.Fatalf("manifest.TotalEvents = %d, want 1", m.TotalEvents)
	}
	if len(m.Indices.Authors) != 1 || m.Indices.Authors[0] != "pub1" {
		t.Fatalf("manifest.Indices.Authors = %v, want [pub1]", m.Indices.Authors)
	}
	if len(m.Indices.Kinds) != 1 || m.Indices.Kinds[0] != 1 {
		t.Fatalf("manifest.Indices.Kinds = %v, want [1]", m.Indices.Kinds)
	}

	reader := NewReader(blobs)
	got, ok, err := reader.GetByID(old.ID)
	if err != nil || !ok {
		t.Fatalf("expected archived event retrievable by id, ok=%v err=%v", ok, err)
	}
	if got.Content != "ancient" {
		t.Fatalf("archived-and-retrieved content = %q, want ancient", got.Content)
	}

	since := oldTime.Add(-time.Hour).Unix()
	until := oldTime.Add(time.Hour).Unix()
	ranged, err := reader.GetHourRange(&since, &until)
	if err != nil {
		t.Fatalf("GetHourRange: %v", err)
	}
	if len(ranged) != 1 || ranged[0].ID != old.ID {
		t.Fatalf("expected GetHourRange to return archived event, got %v", ranged)
	}

	tooLate := oldTime.Add(2 * time.Hour).Unix()
	missed, err := reader.GetHourRange(&tooLate, nil)
	if err != nil {
		t.Fatalf("GetHourRange (out of range): %v", err)
	}
	if len(missed) != 0 {
		t.Fatalf("expected no events for out-of-range since, got %v", missed)
	}
}

func TestArchiveLeavesRecentEventsInHotStore(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	recent := &nostrtype.Event{
		ID: "recent1", PubKey: "pub1", Kind: 1, Content: "fresh",
		CreatedAt: nostrtype.Timestamp(time.Now().Unix()),
		Sig:       "deadbeef",
	}
	if _, err := st.StoreEvent(recent); err != nil {
		t.Fatalf("StoreEvent: %v", err)
	}

	blobs, err := NewFileBlobstore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBlobstore: %v", err)
	}
	w := New(st, blobs, time.Hour, 24*time.Hour, 500)
	w.runOnce(context.Background())

	if got, _ := st.GetByID("recent1"); got == nil {
		t.Fatal("expected recent event to remain in hot store")
	}
}
