package session

import "github.com/klppl/vidrelay/internal/nostrtype"

// Matches reports whether ev satisfies every constraint in f. Only the
// NIP-01 standard fields and tag filters apply to live subscription
// matching; vendor sort/cursor/search fields are query-time-only
// concerns handled by internal/query and ignored here.
func Matches(ev *nostrtype.Event, f nostrtype.Filter) bool {
	if len(f.IDs) > 0 && !containsPrefixMatch(f.IDs, ev.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsPrefixMatch(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if f.Since != nil && int64(ev.CreatedAt) < *f.Since {
		return false
	}
	if f.Until != nil && int64(ev.CreatedAt) > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		if !eventHasTagValue(ev, name, values) {
			return false
		}
	}
	return true
}

// MatchesAny reports whether ev satisfies at least one of filters, the
// OR semantics a single REQ message's filter array carries.
func MatchesAny(ev *nostrtype.Event, filters []nostrtype.Filter) bool {
	for _, f := range filters {
		if Matches(ev, f) {
			return true
		}
	}
	return false
}

func containsPrefixMatch(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
		if len(v) < len(target) && target[:len(v)] == v {
			return true
		}
	}
	return false
}

func containsInt(values []int, target int) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func eventHasTagValue(ev *nostrtype.Event, name string, values []string) bool {
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != name {
			continue
		}
		for _, v := range values {
			if tag[1] == v {
				return true
			}
		}
	}
	return false
}
