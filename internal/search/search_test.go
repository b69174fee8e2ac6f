package search

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "search.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteIndexUpsertAndSearch(t *testing.T) {
	db := newTestDB(t)
	idx, err := Open(db, "sqlite")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := idx.EnsureSchema(); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	if err := idx.Upsert(EntityVideo, "vid1", "a skateboarding trick compilation"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Upsert(EntityVideo, "vid2", "cooking pasta from scratch"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := idx.Search([]EntityKind{EntityVideo}, "skateboarding", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].EventID != "vid1" {
		t.Fatalf("expected 1 result for vid1, got %+v", results)
	}
}

func TestSQLiteIndexDelete(t *testing.T) {
	db := newTestDB(t)
	idx, _ := Open(db, "sqlite")
	idx.EnsureSchema()
	idx.Upsert(EntityNote, "note1", "hello world")

	if err := idx.Delete(EntityNote, "note1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	results, err := idx.Search([]EntityKind{EntityNote}, "hello", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results after delete, got %+v", results)
	}
}
