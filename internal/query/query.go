// Package query compiles a vendor-extended filter into SQL against the
// hot store, handling chunked IN-lists, vendor numeric/sort/search
// extensions, and HMAC keyset cursor pagination. It is the only package
// that translates nostrtype.Filter into SQL text.
package query

import (
	"fmt"
	"time"

	"github.com/klppl/vidrelay/internal/config"
	"github.com/klppl/vidrelay/internal/cursor"
	"github.com/klppl/vidrelay/internal/nostrtype"
	"github.com/klppl/vidrelay/internal/search"
	"github.com/klppl/vidrelay/internal/store"
)

// chunkSize is the maximum number of values batched into a single IN
// clause; larger id/author/kind lists are split into several queries
// and merged, since very long IN lists defeat index usage on SQLite.
const chunkSize = 50

// ArchiveLookup resolves events against cold storage, for data the
// retention sweep has already purged from the hot store.
// internal/archive.Reader implements this.
type ArchiveLookup interface {
	GetByID(id string) (*nostrtype.Event, bool, error)
	// GetHourRange returns every archived event whose created_at falls
	// within [since, until] (either bound nil means unbounded there).
	GetHourRange(since, until *int64) ([]*nostrtype.Event, error)
}

// Executor plans and runs filters against the hot store.
type Executor struct {
	store   *store.Store
	search  search.Index
	cursor  *cursor.Codec
	cfg     *config.Config
	archive ArchiveLookup
}

// New builds an Executor. searchIdx may be nil if search.Open failed to
// initialize (the relay still serves ordinary filters without it).
func New(cfg *config.Config, st *store.Store, searchIdx search.Index, codec *cursor.Codec) *Executor {
	return &Executor{store: st, search: searchIdx, cursor: codec, cfg: cfg}
}

// SetArchiveReader attaches the cold-storage fallback so an id lookup
// or search hit that the retention sweep already purged from the hot
// store can still be served instead of silently dropped.
func (e *Executor) SetArchiveReader(a ArchiveLookup) {
	e.archive = a
}

// lookupByID resolves id against the hot store first, falling back to
// the archive reader (if attached) when the hot store no longer has it.
func (e *Executor) lookupByID(id string) (*nostrtype.Event, error) {
	ev, err := e.store.GetByID(id)
	if err != nil {
		return nil, err
	}
	if ev != nil {
		return ev, nil
	}
	if e.archive == nil {
		return nil, nil
	}
	archived, ok, err := e.archive.GetByID(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return archived, nil
}

// archiveCutoff returns the unix timestamp of the retention sweep's
// cutoff: hot-store rows older than this may already have been moved to
// cold storage, so a filter whose since/until range reaches back past
// it needs the archive merged in (§4.5 "Archive merge", condition b).
func (e *Executor) archiveCutoff() int64 {
	days := e.cfg.RetentionDays
	if days <= 0 {
		days = 30
	}
	return time.Now().AddDate(0, 0, -days).Unix()
}

// Page is one page of query results plus an opaque cursor for the next
// page, empty when exhausted.
type Page struct {
	Events     []*nostrtype.Event
	NextCursor string
}

// Error categories returned by Run, surfaced to the client as a NOTICE
// or CLOSED message by internal/session.
var (
	ErrComplexityExceeded = fmt.Errorf("query: complexity exceeds the configured maximum")
	ErrTooManyIntFilters  = fmt.Errorf("query: too many int# predicates")
	ErrTooManyTagValues   = fmt.Errorf("query: too many #t tag values")
)

// Run executes f and returns a page of matching events, newest-complying
// first unless a vendor sort is requested.
func (e *Executor) Run(f nostrtype.Filter) (Page, error) {
	if err := e.validateShape(f); err != nil {
		return Page{}, err
	}

	limit := e.effectiveLimit(f)

	if f.Search != "" {
		return e.runSearch(f, limit)
	}

	queryHash, err := cursor.QueryHash(f)
	if err != nil {
		return Page{}, err
	}

	var afterPos *cursor.Position
	if f.Cursor != "" {
		pos, err := e.cursor.Decode(f.Cursor, queryHash)
		if err != nil {
			return Page{}, err
		}
		afterPos = &pos
	}

	if isVendorSorted(f) || containsVideoOnly(f) {
		return e.runVideoSorted(f, limit, afterPos, queryHash)
	}
	return e.runChronological(f, limit, afterPos, queryHash)
}

// validateShape enforces the hard caps that exist independent of the
// complexity score (at most 3 int# predicates and 5 #t tag values),
// then rejects filters whose complexity exceeds QueryComplexityMax.
func (e *Executor) validateShape(f nostrtype.Filter) error {
	if len(f.IntFilters) > 3 {
		return ErrTooManyIntFilters
	}
	if len(f.Tags["t"]) > 5 {
		return ErrTooManyTagValues
	}
	if complexity(f) > float64(e.cfg.QueryComplexityMax) {
		return ErrComplexityExceeded
	}
	return nil
}

// complexity scores a filter as Σ|ids|·1 + |authors|·2 + |kinds|·5 +
// Σ|#tag|·10, doubled when neither since nor until bounds the scan (an
// unbounded time range means the planner can't rely on the created_at
// index to limit rows examined), and scaled ×1.5 when limit exceeds
// 1000 (a large limit means more rows carried through the final
// sort/merge step).
func complexity(f nostrtype.Filter) float64 {
	score := float64(len(f.IDs))
	score += float64(len(f.Authors)) * 2
	score += float64(len(f.Kinds)) * 5
	for _, values := range f.Tags {
		score += float64(len(values)) * 10
	}
	if f.Since == nil && f.Until == nil {
		score *= 2
	}
	if f.Limit != nil && *f.Limit > 1000 {
		score *= 1.5
	}
	return score
}

func (e *Executor) effectiveLimit(f nostrtype.Filter) int {
	max := e.cfg.LegacyLimitMax
	if isVendorSorted(f) || containsVideoOnly(f) {
		max = e.cfg.ProjectionLimitMax
	}
	limit := 20
	if f.Limit != nil {
		limit = *f.Limit
	}
	if limit <= 0 {
		limit = max
	}
	if limit > max {
		limit = max
	}
	return limit
}

// isVendorSorted reports whether f requests a vendor sort field, which
// only the videos projection can serve — so it must also require the
// video kind be present among the requested kinds (§4.5: routing is
// conditioned on "34236 ∈ kinds").
func isVendorSorted(f nostrtype.Filter) bool {
	if f.Sort == nil || f.Sort.Field == "" || f.Sort.Field == nostrtype.SortCreatedAt {
		return false
	}
	return kindsIncludeVideo(f.Kinds)
}

// containsVideoOnly reports whether the video kind is among the
// requested kinds and either every kind named is the video kind, or the
// filter carries an int#/verification predicate that only the videos
// projection can evaluate. A filter naming int#/verification but no
// video kind (or no kinds at all) can't be served by the projection and
// falls back to the chronological path, where those predicates are
// simply not applied.
func containsVideoOnly(f nostrtype.Filter) bool {
	if !kindsIncludeVideo(f.Kinds) {
		return false
	}
	if len(f.IntFilters) > 0 || len(f.Verification) > 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k != nostrtype.VideoKind {
			return false
		}
	}
	return true
}

func kindsIncludeVideo(kinds []int) bool {
	for _, k := range kinds {
		if k == nostrtype.VideoKind {
			return true
		}
	}
	return false
}

func chunk(values []string, size int) [][]string {
	if len(values) == 0 {
		return [][]string{nil}
	}
	var out [][]string
	for len(values) > 0 {
		n := size
		if n > len(values) {
			n = len(values)
		}
		out = append(out, values[:n])
		values = values[n:]
	}
	return out
}

func chunkInts(values []int, size int) [][]int {
	if len(values) == 0 {
		return [][]int{nil}
	}
	var out [][]int
	for len(values) > 0 {
		n := size
		if n > len(values) {
			n = len(values)
		}
		out = append(out, values[:n])
		values = values[n:]
	}
	return out
}

func dedupeEvents(events []*nostrtype.Event) []*nostrtype.Event {
	seen := make(map[string]bool, len(events))
	out := make([]*nostrtype.Event, 0, len(events))
	for _, ev := range events {
		if seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		out = append(out, ev)
	}
	return out
}
