package query

import (
	"fmt"
	"strings"

	"github.com/klppl/vidrelay/internal/nostrtype"
	"github.com/klppl/vidrelay/internal/store"
)

// whereBuilder accumulates SQL conditions and their positional args,
// handing out driver-correct placeholders (? for sqlite, $N for
// postgres) as each condition is appended.
type whereBuilder struct {
	st    *store.Store
	conds []string
	args  []interface{}
}

func newWhereBuilder(st *store.Store) *whereBuilder {
	return &whereBuilder{st: st}
}

func (w *whereBuilder) placeholder() string {
	return w.st.Placeholder(len(w.args) + 1)
}

// placeholderForLimit returns the placeholder for the LIMIT argument,
// which callers append to w.args themselves after building the WHERE
// clause (LIMIT is not a WHERE condition so it doesn't go through add).
func (w *whereBuilder) placeholderForLimit() string {
	return w.st.Placeholder(len(w.args) + 1)
}

func (w *whereBuilder) add(cond string, args ...interface{}) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

// bind appends arg and returns the placeholder for its position. Unlike
// placeholder(), which only previews the next slot, bind reserves it
// immediately — needed when building one condition string out of
// several values, so postgres's numbered "$N" placeholders stay in
// sync with args instead of all resolving to the same unreserved slot.
func (w *whereBuilder) bind(arg interface{}) string {
	w.args = append(w.args, arg)
	return w.st.Placeholder(len(w.args))
}

// addRaw appends a condition whose placeholders were already bound (via
// bind) and so must not have their args appended a second time.
func (w *whereBuilder) addRaw(cond string) {
	w.conds = append(w.conds, cond)
}

// addIn appends an "col IN (...)" condition for a chunk of string
// values, or does nothing if values is empty.
func (w *whereBuilder) addIn(col string, values []string) {
	if len(values) == 0 {
		return
	}
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = w.placeholder()
		w.args = append(w.args, v)
	}
	w.conds = append(w.conds, col+" IN ("+strings.Join(placeholders, ", ")+")")
}

func (w *whereBuilder) addIntIn(col string, values []int) {
	if len(values) == 0 {
		return
	}
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = w.placeholder()
		w.args = append(w.args, v)
	}
	w.conds = append(w.conds, col+" IN ("+strings.Join(placeholders, ", ")+")")
}

func (w *whereBuilder) sql() string {
	if len(w.conds) == 0 {
		return "1=1"
	}
	return strings.Join(w.conds, " AND ")
}

// baseConditions applies the standard ids/authors/kinds/since/until
// fields (but not #tags or int# filters, which differ between the
// chronological and video-sorted query shapes) for one chunk of the
// filter's id/author/kind lists.
func (w *whereBuilder) baseConditions(f nostrtype.Filter, ids, authors []string, kinds []int) {
	w.addIn("id", ids)
	w.addIn("pubkey", authors)
	w.addIntIn("kind", kinds)
	if f.Since != nil {
		w.add("created_at >= "+w.placeholder(), *f.Since)
	}
	if f.Until != nil {
		w.add("created_at <= "+w.placeholder(), *f.Until)
	}
}

// addTagConditions appends an EXISTS subquery against event_tags for
// every "#name" entry in tags. Callers pass the chunk's own tag-value
// lists (see filterChunks), not necessarily the full filter's, so that
// an oversized #<tag> list is bounded the same way ids/authors/kinds
// are.
func (w *whereBuilder) addTagConditions(tags map[string][]string) {
	for name, values := range tags {
		if len(values) == 0 {
			continue
		}
		namePH := w.placeholder()
		w.args = append(w.args, name)
		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = w.placeholder()
			w.args = append(w.args, v)
		}
		w.conds = append(w.conds, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM event_tags et WHERE et.event_id = events.id AND et.name = %s AND et.value IN (%s))",
			namePH, strings.Join(placeholders, ", "),
		))
	}
}

// addVerificationCondition appends a "v.verification_level IN (...)"
// condition when the filter names an allowlist of verification levels.
// Callers must have already joined events to videos under the alias "v".
func (w *whereBuilder) addVerificationCondition(f nostrtype.Filter) {
	if len(f.Verification) == 0 {
		return
	}
	placeholders := make([]string, len(f.Verification))
	for i, v := range f.Verification {
		placeholders[i] = w.placeholder()
		w.args = append(w.args, v)
	}
	w.conds = append(w.conds, "v.verification_level IN ("+strings.Join(placeholders, ", ")+")")
}

// addIntFilterConditions appends comparator conditions against the
// videos projection's numeric columns. Callers must have already joined
// events to videos under the alias "v".
func (w *whereBuilder) addIntFilterConditions(f nostrtype.Filter) {
	for metric, cmp := range f.IntFilters {
		if !nostrtype.ValidIntMetric(metric) {
			continue
		}
		col := "v." + metric
		if cmp.GTE != nil {
			w.add(col+" >= "+w.placeholder(), *cmp.GTE)
		}
		if cmp.GT != nil {
			w.add(col+" > "+w.placeholder(), *cmp.GT)
		}
		if cmp.LTE != nil {
			w.add(col+" <= "+w.placeholder(), *cmp.LTE)
		}
		if cmp.LT != nil {
			w.add(col+" < "+w.placeholder(), *cmp.LT)
		}
		if cmp.EQ != nil {
			w.add(col+" = "+w.placeholder(), *cmp.EQ)
		}
		if cmp.NEQ != nil {
			w.add(col+" != "+w.placeholder(), *cmp.NEQ)
		}
	}
}
