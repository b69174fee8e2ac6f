package nostrtype

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Accepted vendor sort fields.
const (
	SortLoopCount     = "loop_count"
	SortLikes         = "likes"
	SortViews         = "views"
	SortComments      = "comments"
	SortAvgCompletion = "avg_completion"
	SortCreatedAt     = "created_at"
)

var validSortFields = map[string]bool{
	SortLoopCount: true, SortLikes: true, SortViews: true,
	SortComments: true, SortAvgCompletion: true, SortCreatedAt: true,
}

// Accepted int# metrics.
var validIntMetrics = map[string]bool{
	"loop_count": true, "likes": true, "views": true, "comments": true,
	"avg_completion": true, "has_proofmode": true,
	"has_device_attestation": true, "has_pgp_signature": true,
}

// Accepted verification levels.
var validVerificationLevels = map[string]bool{
	"verified_mobile": true, "verified_web": true,
	"basic_proof": true, "unverified": true,
}

// IntComparator is one numeric comparator object, e.g. {"gte": 100}.
// Every field is optional; a filter may combine several (the query
// planner ANDs them together).
type IntComparator struct {
	GTE *float64 `json:"gte,omitempty"`
	GT  *float64 `json:"gt,omitempty"`
	LTE *float64 `json:"lte,omitempty"`
	LT  *float64 `json:"lt,omitempty"`
	EQ  *float64 `json:"eq,omitempty"`
	NEQ *float64 `json:"neq,omitempty"`
}

// Empty reports whether no comparator field was set.
func (c IntComparator) Empty() bool {
	return c.GTE == nil && c.GT == nil && c.LTE == nil && c.LT == nil && c.EQ == nil && c.NEQ == nil
}

// Sort describes the requested ordering for vendor-sorted queries.
type Sort struct {
	Field string `json:"field"`
	Dir   string `json:"dir,omitempty"`
}

// EffectiveDir returns the sort direction, defaulting to "desc" for
// every field (including created_at) per the spec's adopted
// interpretation of the source's missing-dir behavior.
func (s Sort) EffectiveDir() string {
	if s.Dir == "asc" {
		return "asc"
	}
	return "desc"
}

// Filter is a single Nostr subscription filter, generalized with the
// vendor extensions this relay understands: numeric comparators, a
// sort spec, an opaque pagination cursor, a verification-level
// allowlist, and NIP-50 search.
type Filter struct {
	IDs     []string         `json:"ids,omitempty"`
	Authors []string         `json:"authors,omitempty"`
	Kinds   []int            `json:"kinds,omitempty"`
	Since   *int64           `json:"since,omitempty"`
	Until   *int64           `json:"until,omitempty"`
	Limit   *int             `json:"limit,omitempty"`
	Tags    map[string][]string `json:"-"` // parsed from "#<name>" keys

	IntFilters   map[string]IntComparator `json:"-"` // parsed from "int#<metric>" keys
	Sort         *Sort                    `json:"sort,omitempty"`
	Cursor       string                   `json:"cursor,omitempty"`
	Verification []string                 `json:"verification,omitempty"`
	Search       string                   `json:"search,omitempty"`
	SearchTypes  []string                 `json:"search_types,omitempty"`
}

// UnmarshalJSON implements the standard-plus-vendor-plus-tag parsing
// idiom: decode to a generic map first, then pick known fields and
// "#x"/"int#x" prefixed keys out of it.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	type alias Filter // avoid infinite recursion through UnmarshalJSON
	var a alias
	// Decode the original bytes again through filterScalars so standard
	// fields use their normal struct tags; this keeps field definitions
	// in one place instead of hand-rolling every scalar assignment.
	if err := json.Unmarshal(data, (*filterScalars)(&a)); err != nil {
		return err
	}
	*f = Filter(a)

	f.Tags = make(map[string][]string)
	f.IntFilters = make(map[string]IntComparator)
	for key, value := range raw {
		switch {
		case len(key) >= 2 && key[0] == '#':
			var values []string
			if err := json.Unmarshal(value, &values); err != nil {
				return fmt.Errorf("filter: invalid tag values for %q: %w", key, err)
			}
			f.Tags[key[1:]] = values
		case len(key) > 4 && key[:4] == "int#":
			var cmp IntComparator
			if err := json.Unmarshal(value, &cmp); err != nil {
				return fmt.Errorf("filter: invalid int comparator for %q: %w", key, err)
			}
			f.IntFilters[key[4:]] = cmp
		}
	}
	return nil
}

// filterScalars decodes only the JSON-tagged scalar fields of Filter.
type filterScalars Filter

// MarshalJSON re-emits the "#tag" and "int#metric" keys alongside the
// scalar fields, the inverse of UnmarshalJSON. Used when canonicalizing
// a filter for cursor binding (internal/cursor) and when echoing a
// filter back in diagnostics.
func (f Filter) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{})
	if f.IDs != nil {
		out["ids"] = f.IDs
	}
	if f.Authors != nil {
		out["authors"] = f.Authors
	}
	if f.Kinds != nil {
		out["kinds"] = f.Kinds
	}
	if f.Since != nil {
		out["since"] = *f.Since
	}
	if f.Until != nil {
		out["until"] = *f.Until
	}
	if f.Limit != nil {
		out["limit"] = *f.Limit
	}
	if f.Sort != nil {
		out["sort"] = f.Sort
	}
	if f.Cursor != "" {
		out["cursor"] = f.Cursor
	}
	if f.Verification != nil {
		out["verification"] = f.Verification
	}
	if f.Search != "" {
		out["search"] = f.Search
	}
	if f.SearchTypes != nil {
		out["search_types"] = f.SearchTypes
	}
	for name, values := range f.Tags {
		out["#"+name] = values
	}
	for metric, cmp := range f.IntFilters {
		out["int#"+metric] = cmp
	}
	return json.Marshal(out)
}

// Canonicalize returns a deterministic JSON encoding of the filter with
// recursively lexicographically-sorted map keys, used as the input to
// the cursor HMAC. Go's encoding/json already sorts map keys when
// marshaling map[string]interface{}, so routing every field through
// MarshalJSON's map gives us that property for free; this helper exists
// to make the "recursively lex-sorted" invariant explicit and testable.
func (f Filter) Canonicalize() ([]byte, error) {
	b, err := f.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, err
	}
	return canonicalJSON(generic)
}

// canonicalJSON recursively sorts map keys and re-encodes, guaranteeing
// byte-stable output regardless of map iteration order at any nesting
// depth.
func canonicalJSON(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf []byte
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := canonicalJSON(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []interface{}:
		var buf []byte
		buf = append(buf, '[')
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := canonicalJSON(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(val)
	}
}

// ValidSortField reports whether field is one of the accepted vendor
// sort fields.
func ValidSortField(field string) bool { return validSortFields[field] }

// ValidIntMetric reports whether metric is one of the accepted int#
// metrics.
func ValidIntMetric(metric string) bool { return validIntMetrics[metric] }

// IntMetrics returns every accepted int# metric name, for the NIP-11
// "divine_extensions" document.
func IntMetrics() []string {
	names := make([]string, 0, len(validIntMetrics))
	for m := range validIntMetrics {
		names = append(names, m)
	}
	sort.Strings(names)
	return names
}

// ValidVerificationLevel reports whether level is recognized.
func ValidVerificationLevel(level string) bool { return validVerificationLevels[level] }
