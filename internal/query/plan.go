package query

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/klppl/vidrelay/internal/cursor"
	"github.com/klppl/vidrelay/internal/nostrtype"
	"github.com/klppl/vidrelay/internal/search"
)

// chunkPlan is one (ids, authors, kinds, tags) combination to execute as
// an independent query whose results get unioned by id. filterChunks
// hands out one of these per chunk of whichever list is currently the
// largest.
type chunkPlan struct {
	ids     []string
	authors []string
	kinds   []int
	tags    map[string][]string
}

// filterChunks splits whichever of ids/authors/kinds/#<tag> is largest
// into chunkSize-sized groups, leaving the rest whole, and returns one
// chunkPlan per chunk. This avoids a combinatorial cross product while
// still bounding any single IN clause (or tag EXISTS subquery) to
// chunkSize entries, which is the case that actually matters in
// practice (one long list, not several at once).
func filterChunks(f nostrtype.Filter) []chunkPlan {
	largestTag, largestTagLen := "", 0
	for name, values := range f.Tags {
		if len(values) > largestTagLen {
			largestTag, largestTagLen = name, len(values)
		}
	}

	idsLen, authorsLen, kindsLen := len(f.IDs), len(f.Authors), len(f.Kinds)
	switch {
	case idsLen >= authorsLen && idsLen >= kindsLen && idsLen >= largestTagLen && idsLen > chunkSize:
		var plans []chunkPlan
		for _, c := range chunk(f.IDs, chunkSize) {
			plans = append(plans, chunkPlan{ids: c, authors: f.Authors, kinds: f.Kinds, tags: f.Tags})
		}
		return plans
	case authorsLen >= kindsLen && authorsLen >= largestTagLen && authorsLen > chunkSize:
		var plans []chunkPlan
		for _, c := range chunk(f.Authors, chunkSize) {
			plans = append(plans, chunkPlan{ids: f.IDs, authors: c, kinds: f.Kinds, tags: f.Tags})
		}
		return plans
	case kindsLen >= largestTagLen && kindsLen > chunkSize:
		var plans []chunkPlan
		for _, c := range chunkInts(f.Kinds, chunkSize) {
			plans = append(plans, chunkPlan{ids: f.IDs, authors: f.Authors, kinds: c, tags: f.Tags})
		}
		return plans
	case largestTagLen > chunkSize:
		var plans []chunkPlan
		for _, c := range chunk(f.Tags[largestTag], chunkSize) {
			plans = append(plans, chunkPlan{ids: f.IDs, authors: f.Authors, kinds: f.Kinds, tags: withTagOverride(f.Tags, largestTag, c)})
		}
		return plans
	default:
		return []chunkPlan{{ids: f.IDs, authors: f.Authors, kinds: f.Kinds, tags: f.Tags}}
	}
}

// withTagOverride returns a shallow copy of tags with name's value list
// replaced by values, leaving every other tag name's list untouched and
// shared with the original map.
func withTagOverride(tags map[string][]string, name string, values []string) map[string][]string {
	out := make(map[string][]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	out[name] = values
	return out
}

// runChronological serves the common case: events ordered by
// created_at DESC (or ASC with since/until reversed semantics are not
// supported — Nostr filters are always newest-first), with keyset
// pagination on (created_at, id). This is the degenerate case of the
// universal (sort_field, created_at, event_id) 3-tuple (§4.5) where
// sort_field and created_at are the same column, so only the
// created_at/event_id pair needs binding; event_id is always the
// ascending tie-breaker so forward paging never skips or repeats a row.
func (e *Executor) runChronological(f nostrtype.Filter, limit int, after *cursor.Position, queryHash string) (Page, error) {
	var all []*nostrtype.Event

	// Over-fetch by one row per chunk so that, after chunks are merged
	// and re-sorted, whether more than limit rows exist overall can be
	// read off the merged count directly instead of re-querying.
	fetchLimit := limit + 1

	for _, plan := range filterChunks(f) {
		w := newWhereBuilder(e.store)
		w.baseConditions(f, plan.ids, plan.authors, plan.kinds)
		w.addTagConditions(plan.tags)

		if after != nil {
			createdAt := mustParseInt64(after.SortValue)
			lt := w.bind(createdAt)
			eq := w.bind(createdAt)
			idGT := w.bind(after.EventID)
			w.addRaw("(created_at < " + lt + " OR (created_at = " + eq + " AND id > " + idGT + "))")
		}

		q := fmt.Sprintf(
			`SELECT id, pubkey, created_at, kind, tags, content, sig FROM events WHERE %s ORDER BY created_at DESC, id ASC LIMIT %s`,
			w.sql(), w.placeholderForLimit(),
		)
		w.args = append(w.args, fetchLimit)

		events, err := e.store.QueryEvents(q, w.args...)
		if err != nil {
			return Page{}, fmt.Errorf("query: chronological query failed: %w", err)
		}
		all = append(all, events...)
	}

	all = append(all, e.archiveFallbackForIDs(f, all)...)
	all = append(all, e.archiveFallbackForTimeRange(f, all)...)

	all = dedupeEvents(all)
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt != all[j].CreatedAt {
			return all[i].CreatedAt > all[j].CreatedAt
		}
		return all[i].ID < all[j].ID
	})
	hasMore := len(all) > limit
	if len(all) > limit {
		all = all[:limit]
	}

	return e.pageWithCursor(all, hasMore, queryHash, func(ev *nostrtype.Event) cursor.Position {
		return cursor.Position{SortValue: fmt.Sprintf("%d", ev.CreatedAt), CreatedAt: int64(ev.CreatedAt), EventID: ev.ID}
	})
}

// archiveFallbackForIDs resolves any id explicitly named in f.IDs that
// the hot store didn't return, against cold storage — the retention
// sweep deletes hot-store rows once an event is archived, so an
// id-filtered REQ is otherwise unable to ever see it again. Only
// applies to direct id lookups; since/until-bounded scans are covered
// by archiveFallbackForTimeRange.
func (e *Executor) archiveFallbackForIDs(f nostrtype.Filter, found []*nostrtype.Event) []*nostrtype.Event {
	if e.archive == nil || len(f.IDs) == 0 {
		return nil
	}
	have := make(map[string]bool, len(found))
	for _, ev := range found {
		have[ev.ID] = true
	}
	var extra []*nostrtype.Event
	for _, id := range f.IDs {
		if have[id] {
			continue
		}
		ev, ok, err := e.archive.GetByID(id)
		if err != nil || !ok {
			continue
		}
		if matchesScalarFilter(f, ev) {
			extra = append(extra, ev)
		}
	}
	return extra
}

// archiveFallbackForTimeRange merges in cold-storage events for a
// since/until-bounded filter whose range reaches back past the
// retention cutoff (§4.5 "Archive merge", condition b) — without this,
// a REQ bounded only by time (no ids) permanently loses any data the
// retention sweep has already moved out of the hot store. Skipped for
// id-filtered or #tag-filtered requests, which archiveFallbackForIDs
// and the hot-store EXISTS subquery already cover respectively; a
// broad time-bounded tag scan against the archive would require
// reading every touched hour's tag index and isn't attempted here.
func (e *Executor) archiveFallbackForTimeRange(f nostrtype.Filter, found []*nostrtype.Event) []*nostrtype.Event {
	if e.archive == nil || len(f.IDs) > 0 || len(f.Tags) > 0 {
		return nil
	}
	if f.Since == nil && f.Until == nil {
		return nil
	}
	cutoff := e.archiveCutoff()
	if f.Since != nil && *f.Since >= cutoff {
		// entire range is within the hot store's retention window
		return nil
	}

	events, err := e.archive.GetHourRange(f.Since, f.Until)
	if err != nil {
		return nil
	}

	have := make(map[string]bool, len(found))
	for _, ev := range found {
		have[ev.ID] = true
	}
	var extra []*nostrtype.Event
	for _, ev := range events {
		if have[ev.ID] {
			continue
		}
		if matchesScalarFilter(f, ev) {
			extra = append(extra, ev)
		}
	}
	return extra
}

// matchesScalarFilter re-checks the non-tag predicates an archived
// event must still satisfy before being merged into a result page.
func matchesScalarFilter(f nostrtype.Filter, ev *nostrtype.Event) bool {
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, ev.PubKey) {
		return false
	}
	if f.Since != nil && int64(ev.CreatedAt) < *f.Since {
		return false
	}
	if f.Until != nil && int64(ev.CreatedAt) > *f.Until {
		return false
	}
	return true
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// runVideoSorted serves filters that name a vendor sort field or an
// int# predicate: it joins events to the videos projection and orders
// by the requested metric (or created_at, for int#-filtered-but-
// unsorted queries). Ordering and keyset paging both follow the
// universal 3-tuple from §4.5: (sort_field, created_at, event_id), with
// event_id always breaking ties ascending regardless of sort.dir.
func (e *Executor) runVideoSorted(f nostrtype.Filter, limit int, after *cursor.Position, queryHash string) (Page, error) {
	sortField := nostrtype.SortCreatedAt
	dir := "DESC"
	if f.Sort != nil && f.Sort.Field != "" {
		if !nostrtype.ValidSortField(f.Sort.Field) {
			return Page{}, fmt.Errorf("query: unknown sort field %q", f.Sort.Field)
		}
		sortField = f.Sort.Field
		dir = "ASC"
		if f.Sort.EffectiveDir() == "desc" {
			dir = "DESC"
		}
	}
	sortCol := "v." + sortField
	if sortField == nostrtype.SortCreatedAt {
		sortCol = "events.created_at"
	}

	var all []*nostrtype.Event
	var rowValues = make(map[string]float64)
	fetchLimit := limit + 1

	for _, plan := range filterChunks(f) {
		kinds := plan.kinds
		if len(kinds) == 0 {
			kinds = []int{nostrtype.VideoKind}
		}

		w := newWhereBuilder(e.store)
		w.baseConditions(f, plan.ids, plan.authors, kinds)
		w.addTagConditions(plan.tags)
		w.addIntFilterConditions(f)
		w.addVerificationCondition(f)

		if after != nil {
			cmp := "<"
			if dir == "ASC" {
				cmp = ">"
			}
			afterSortValue := mustParseFloat64(after.SortValue)
			sortLT := w.bind(afterSortValue)
			sortEQ1 := w.bind(afterSortValue)
			createdLT := w.bind(after.CreatedAt)
			sortEQ2 := w.bind(afterSortValue)
			createdEQ := w.bind(after.CreatedAt)
			idGT := w.bind(after.EventID)
			w.addRaw(
				"(" + sortCol + " " + cmp + " " + sortLT +
					" OR (" + sortCol + " = " + sortEQ1 + " AND events.created_at " + cmp + " " + createdLT + ")" +
					" OR (" + sortCol + " = " + sortEQ2 + " AND events.created_at = " + createdEQ + " AND events.id > " + idGT + "))",
			)
		}

		q := fmt.Sprintf(
			`SELECT events.id, events.pubkey, events.created_at, events.kind, events.tags, events.content, events.sig, %s
			 FROM events JOIN videos v ON v.event_id = events.id
			 WHERE %s ORDER BY %s %s, events.created_at %s, events.id ASC LIMIT %s`,
			sortCol, w.sql(), sortCol, dir, dir, w.placeholderForLimit(),
		)
		w.args = append(w.args, fetchLimit)

		events, sortVals, err := e.store.QueryEventsExtra(q, w.args...)
		if err != nil {
			return Page{}, fmt.Errorf("query: video-sorted query failed: %w", err)
		}
		all = append(all, events...)
		for i, ev := range events {
			rowValues[ev.ID] = sortVals[i]
		}
	}

	all = dedupeEvents(all)
	sort.Slice(all, func(i, j int) bool {
		vi, vj := rowValues[all[i].ID], rowValues[all[j].ID]
		if vi != vj {
			if dir == "ASC" {
				return vi < vj
			}
			return vi > vj
		}
		if all[i].CreatedAt != all[j].CreatedAt {
			if dir == "ASC" {
				return all[i].CreatedAt < all[j].CreatedAt
			}
			return all[i].CreatedAt > all[j].CreatedAt
		}
		return all[i].ID < all[j].ID
	})
	hasMore := len(all) > limit
	if len(all) > limit {
		all = all[:limit]
	}

	return e.pageWithCursor(all, hasMore, queryHash, func(ev *nostrtype.Event) cursor.Position {
		return cursor.Position{SortValue: formatSortValue(rowValues[ev.ID]), CreatedAt: int64(ev.CreatedAt), EventID: ev.ID}
	})
}

// formatSortValue renders a vendor-sort metric as the exact decimal
// string carried inside a cursor, round-trippable via mustParseFloat64.
func formatSortValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func mustParseFloat64(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// runSearch routes a filter carrying a NIP-50-style "search" field
// through the FTS index, then fetches the matched events' full payload
// from the hot store. Search results are not keyset-paginated: a client
// wanting more must issue a new query with a larger limit.
func (e *Executor) runSearch(f nostrtype.Filter, limit int) (Page, error) {
	if e.search == nil {
		return Page{}, fmt.Errorf("query: full-text search is not available")
	}
	var kinds []search.EntityKind
	for _, t := range f.SearchTypes {
		kinds = append(kinds, search.EntityKind(t))
	}
	results, err := e.search.Search(kinds, f.Search, limit)
	if err != nil {
		return Page{}, fmt.Errorf("query: search failed: %w", err)
	}

	var events []*nostrtype.Event
	for _, r := range results {
		ev, err := e.lookupByID(r.EventID)
		if err != nil {
			return Page{}, err
		}
		if ev != nil {
			events = append(events, ev)
		}
	}
	return Page{Events: events}, nil
}

func (e *Executor) pageWithCursor(events []*nostrtype.Event, hasMore bool, queryHash string, posOf func(*nostrtype.Event) cursor.Position) (Page, error) {
	page := Page{Events: events}
	if !hasMore || len(events) == 0 {
		return page, nil
	}
	last := events[len(events)-1]
	token, err := e.cursor.Encode(posOf(last), queryHash)
	if err != nil {
		return Page{}, err
	}
	page.NextCursor = token
	return page, nil
}

func mustParseInt64(s string) int64 {
	var n int64
	var neg bool
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}
