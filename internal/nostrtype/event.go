// Package nostrtype holds the wire types shared across the relay: the
// Nostr event (delegated to nbd-wtf/go-nostr for canonical serialization
// and Schnorr verification) and the vendor-extended filter this relay
// understands.
package nostrtype

import (
	"github.com/nbd-wtf/go-nostr"
)

// Event is an alias for the go-nostr event type. Using the library's own
// type keeps canonical serialization, ID computation, and Schnorr
// signature verification grounded in the same dependency the rest of
// this repository's ancestry already relies on, rather than
// reimplementing NIP-01 serialization by hand.
type Event = nostr.Event

// Timestamp is an alias for go-nostr's Unix-second timestamp type, used
// when the store layer needs to convert a raw int64 column back into
// the event's CreatedAt field.
type Timestamp = nostr.Timestamp

// VideoKind is the event kind this relay specializes in.
const VideoKind = 34236

// DeletionKind is NIP-09.
const DeletionKind = 5

// IsRegularReplaceable reports whether kind is in the regular
// replaceable range: {0, 3} ∪ [10000, 19999].
func IsRegularReplaceable(kind int) bool {
	return kind == 0 || kind == 3 || (kind >= 10000 && kind <= 19999)
}

// IsParameterizedReplaceable reports whether kind is in [30000, 39999].
func IsParameterizedReplaceable(kind int) bool {
	return kind >= 30000 && kind <= 39999
}

// IsReplaceable reports whether kind is replaceable in either sense.
func IsReplaceable(kind int) bool {
	return IsRegularReplaceable(kind) || IsParameterizedReplaceable(kind)
}

// EventClass is the closed set of write-path dispatch classes named in
// the design notes: regular, regular-replaceable, parameterized-
// replaceable, or deletion. The event store's insert entry point
// switches on this instead of ad-hoc kind range checks scattered
// through the write path.
type EventClass int

const (
	ClassRegular EventClass = iota
	ClassRegularReplaceable
	ClassParamReplaceable
	ClassDeletion
)

// ClassOf returns the write-path dispatch class for kind.
func ClassOf(kind int) EventClass {
	switch {
	case kind == DeletionKind:
		return ClassDeletion
	case IsRegularReplaceable(kind):
		return ClassRegularReplaceable
	case IsParameterizedReplaceable(kind):
		return ClassParamReplaceable
	default:
		return ClassRegular
	}
}

// DTagValue returns the value of the event's first "d" tag, or "" if
// absent. Used to identify parameterized-replaceable events.
func DTagValue(e *Event) string {
	return FirstTagValue(e, "d")
}

// FirstTagValue returns the first value (index 1) of the first tag
// named name, or "" if none exists.
func FirstTagValue(e *Event, name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// TagValues returns every value (index 1) across all tags named name,
// in order, without deduplication.
func TagValues(e *Event, name string) []string {
	var values []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}

// DedupStrings returns values with duplicates removed, preserving the
// first occurrence's order.
func DedupStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
