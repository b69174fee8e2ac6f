package store

import (
	"log/slog"

	"github.com/klppl/vidrelay/internal/nostrtype"
	"github.com/klppl/vidrelay/internal/search"
)

// SetSearchIndex attaches the full-text index so every subsequent write
// through StoreEvent also updates it. Call once after search.Open, since
// that itself needs this Store's underlying *sql.DB via DB().
func (s *Store) SetSearchIndex(idx search.Index) {
	s.searchIdx = idx
}

// searchEntityKind maps a Nostr event kind to the search entity type it
// belongs to, per spec.md's seven searchable entity kinds. ok is false
// for kinds with no search projection (reactions, deletions, etc).
func searchEntityKind(kind int) (search.EntityKind, bool) {
	switch kind {
	case 0:
		return search.EntityUser, true
	case 1:
		return search.EntityNote, true
	case nostrtype.VideoKind:
		return search.EntityVideo, true
	case 30001, 30003: // NIP-51 lists
		return search.EntityList, true
	case 30023: // NIP-23 long-form articles
		return search.EntityArticle, true
	case 34550: // NIP-72 communities
		return search.EntityCommunity, true
	default:
		return "", false
	}
}

// searchText extracts the text an event should be indexed under. Video
// events fold their title tag and hashtags in alongside the content so
// a search hits title or tag words, not just free-text content.
func searchText(ev *nostrtype.Event) string {
	if ev.Kind != nostrtype.VideoKind {
		return ev.Content
	}
	text := nostrtype.FirstTagValue(ev, "title")
	if ev.Content != "" {
		text += " " + ev.Content
	}
	for _, h := range nostrtype.TagValues(ev, "t") {
		text += " " + h
	}
	return text
}

// indexForSearch upserts ev into the full-text index if one is attached
// and its kind has a search projection. Indexing errors are logged, not
// propagated: search is an auxiliary capability that must never block
// accepting an otherwise-valid event.
func (s *Store) indexForSearch(ev *nostrtype.Event) {
	if s.searchIdx == nil {
		return
	}
	kind, ok := searchEntityKind(ev.Kind)
	if !ok {
		return
	}
	if err := s.searchIdx.Upsert(kind, ev.ID, searchText(ev)); err != nil {
		slog.Error("search: upsert failed", "error", err, "event_id", ev.ID)
	}
}

// deindexForSearch removes id from the full-text index under the entity
// type kind maps to, mirroring indexForSearch's best-effort policy.
func (s *Store) deindexForSearch(kind int, id string) {
	if s.searchIdx == nil {
		return
	}
	entityKind, ok := searchEntityKind(kind)
	if !ok {
		return
	}
	if err := s.searchIdx.Delete(entityKind, id); err != nil {
		slog.Error("search: delete failed", "error", err, "event_id", id)
	}
}
