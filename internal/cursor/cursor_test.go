package cursor

import (
	"testing"

	"github.com/klppl/vidrelay/internal/nostrtype"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := New("secret-a", "")
	hash, err := QueryHash(nostrtype.Filter{Kinds: []int{1}})
	if err != nil {
		t.Fatalf("QueryHash: %v", err)
	}
	pos := Position{SortValue: "1700000000", EventID: "abc123"}

	token, err := c.Encode(pos, hash)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := c.Decode(token, hash)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != pos {
		t.Fatalf("Decode = %+v, want %+v", got, pos)
	}
}

func TestDecodeRejectsQueryMismatch(t *testing.T) {
	c := New("secret-a", "")
	hash1, _ := QueryHash(nostrtype.Filter{Kinds: []int{1}})
	hash2, _ := QueryHash(nostrtype.Filter{Kinds: []int{2}})

	token, _ := c.Encode(Position{EventID: "x"}, hash1)
	if _, err := c.Decode(token, hash2); err == nil {
		t.Fatal("expected decode to reject cursor bound to a different query")
	}
}

func TestDecodeRejectsTamperedToken(t *testing.T) {
	c := New("secret-a", "")
	hash, _ := QueryHash(nostrtype.Filter{Kinds: []int{1}})
	token, _ := c.Encode(Position{EventID: "x"}, hash)

	tampered := token + "a"
	if _, err := c.Decode(tampered, hash); err == nil {
		t.Fatal("expected decode to reject a tampered token")
	}
}

func TestDecodeAcceptsPreviousSecretDuringRotation(t *testing.T) {
	oldCodec := New("old-secret", "")
	hash, _ := QueryHash(nostrtype.Filter{Kinds: []int{1}})
	token, _ := oldCodec.Encode(Position{EventID: "x"}, hash)

	rotated := New("new-secret", "old-secret")
	if _, err := rotated.Decode(token, hash); err != nil {
		t.Fatalf("expected decode with previous secret to succeed, got %v", err)
	}

	noPrev := New("new-secret", "")
	if _, err := noPrev.Decode(token, hash); err == nil {
		t.Fatal("expected decode without previous secret to fail")
	}
}

func TestQueryHashStableAcrossFieldOrder(t *testing.T) {
	f1 := nostrtype.Filter{Kinds: []int{1, 2}, Authors: []string{"a", "b"}}
	f2 := nostrtype.Filter{Authors: []string{"a", "b"}, Kinds: []int{1, 2}}
	h1, _ := QueryHash(f1)
	h2, _ := QueryHash(f2)
	if h1 != h2 {
		t.Fatalf("expected stable hash regardless of struct field order, got %q vs %q", h1, h2)
	}
}
