// Package cursor implements opaque keyset-pagination cursors: an
// HMAC-SHA256-signed, base64url-encoded token binding the last row seen
// to the exact filter and sort that produced it, so a client cannot
// forge or replay a cursor against a different query.
package cursor

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/klppl/vidrelay/internal/nostrtype"
)

// Position is the keyset position encoded in a cursor: the sort value
// of the last row returned (as a driver-agnostic string so both an int
// metric and created_at can share one field), that row's created_at
// (the spec's mandatory middle tie-breaker, distinct from SortValue
// whenever the vendor sort field isn't created_at itself), and the
// final tie-breaking event id.
type Position struct {
	SortValue string `json:"sort_value"`
	CreatedAt int64  `json:"created_at"`
	EventID   string `json:"event_id"`
}

// payload is the data signed inside a cursor, bound to the query that
// produced it via QueryHash so a cursor from one filter can't be
// replayed against another.
type payload struct {
	Position  Position `json:"position"`
	QueryHash string   `json:"query_hash"`
}

// Codec encodes and decodes cursors using a current signing secret and
// an optional previous secret, so a secret rotation doesn't invalidate
// cursors already handed out to clients mid-rotation.
type Codec struct {
	secret     []byte
	prevSecret []byte
}

// New builds a Codec. previous may be empty if no rotation is in progress.
func New(secret, previous string) *Codec {
	c := &Codec{secret: []byte(secret)}
	if previous != "" {
		c.prevSecret = []byte(previous)
	}
	return c
}

// QueryHash derives a stable fingerprint of a filter and its vendor
// sort spec, used to bind a cursor to the query that issued it. The
// filter is canonicalized (recursively lex-sorted JSON keys) before
// hashing so semantically identical filters always hash the same way
// regardless of field order in the original wire JSON.
func QueryHash(f nostrtype.Filter) (string, error) {
	// The cursor itself is not part of the query it pages through.
	f.Cursor = ""
	canon, err := f.Canonicalize()
	if err != nil {
		return "", fmt.Errorf("cursor: canonicalize filter: %w", err)
	}
	sum := sha256.Sum256(canon)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// Encode produces an opaque cursor string for pos bound to queryHash.
// The body and its MAC are each base64url-encoded and joined with '.',
// the same JWT-like convention used elsewhere so a '.' byte inside the
// raw MAC can never be mistaken for the separator.
func (c *Codec) Encode(pos Position, queryHash string) (string, error) {
	p := payload{Position: pos, QueryHash: queryHash}
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("cursor: marshal payload: %w", err)
	}
	mac := c.sign(body, c.secret)
	return base64.RawURLEncoding.EncodeToString(body) + "." + base64.RawURLEncoding.EncodeToString(mac), nil
}

// ErrTampered means the cursor's outer HMAC did not verify under either
// the current or previous secret: the payload was altered or forged.
var ErrTampered = fmt.Errorf("cursor: tampering detected")

// ErrQueryMismatch means the cursor verified but was bound to a
// different (filter, sort) than the one it's now being replayed
// against — e.g. the same token resubmitted with a different sort.dir.
var ErrQueryMismatch = fmt.Errorf("cursor: query mismatch")

// Decode verifies and unpacks a cursor string produced by Encode,
// checking it against expectedQueryHash. It accepts a MAC produced by
// either the current or previous secret, to tolerate secret rotation.
func (c *Codec) Decode(cursorStr, expectedQueryHash string) (Position, error) {
	sep := lastIndexByte([]byte(cursorStr), '.')
	if sep < 0 {
		return Position{}, ErrTampered
	}
	bodyB64, macB64 := cursorStr[:sep], cursorStr[sep+1:]

	body, err := base64.RawURLEncoding.DecodeString(bodyB64)
	if err != nil {
		return Position{}, ErrTampered
	}
	mac, err := base64.RawURLEncoding.DecodeString(macB64)
	if err != nil {
		return Position{}, ErrTampered
	}

	if !c.verify(body, mac, c.secret) && !(c.prevSecret != nil && c.verify(body, mac, c.prevSecret)) {
		return Position{}, ErrTampered
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Position{}, ErrTampered
	}
	if p.QueryHash != expectedQueryHash {
		return Position{}, ErrQueryMismatch
	}
	return p.Position, nil
}

func (c *Codec) sign(body, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return mac.Sum(nil)
}

func (c *Codec) verify(body, mac, key []byte) bool {
	expected := c.sign(body, key)
	return subtle.ConstantTimeCompare(expected, mac) == 1
}

func lastIndexByte(b []byte, c byte) int {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] == c {
			return i
		}
	}
	return -1
}
