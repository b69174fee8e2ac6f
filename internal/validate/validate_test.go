package validate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/klppl/vidrelay/internal/config"
	"github.com/klppl/vidrelay/internal/nostrtype"
	"github.com/klppl/vidrelay/internal/store"
)

func newTestPipeline(t *testing.T, mutate func(*config.Config)) *Pipeline {
	t.Helper()
	cfg := &config.Config{
		EventRateLimit: 100,
		EventBurst:     100,
	}
	if mutate != nil {
		mutate(cfg)
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(cfg, st)
}

func signedEvent(t *testing.T, kind int, content string, tags nostr.Tags) *nostrtype.Event {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	ev := &nostrtype.Event{
		Kind:      kind,
		Content:   content,
		Tags:      tags,
		CreatedAt: nostr.Now(),
	}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return ev
}

func TestCheckAcceptsValidEvent(t *testing.T) {
	p := newTestPipeline(t, nil)
	ev := signedEvent(t, 1, "hello world", nil)
	if r := p.Check(context.Background(), ev); r != nil {
		t.Fatalf("expected valid event to pass, got %v", r)
	}
}

func TestCheckRejectsTamperedID(t *testing.T) {
	p := newTestPipeline(t, nil)
	ev := signedEvent(t, 1, "hello world", nil)
	ev.ID = "0000000000000000000000000000000000000000000000000000000000000000"[:64]
	r := p.Check(context.Background(), ev)
	if r == nil || r.Prefix != "invalid" {
		t.Fatalf("expected invalid rejection, got %v", r)
	}
}

func TestCheckRejectsBlockedPubkey(t *testing.T) {
	ev := signedEvent(t, 1, "hello", nil)
	p := newTestPipeline(t, func(c *config.Config) {
		c.BlockedPubkeys = []string{ev.PubKey}
	})
	r := p.Check(context.Background(), ev)
	if r == nil || r.Prefix != "blocked" {
		t.Fatalf("expected blocked rejection, got %v", r)
	}
}

func TestCheckRejectsBlockedKind(t *testing.T) {
	ev := signedEvent(t, 1, "hello", nil)
	p := newTestPipeline(t, func(c *config.Config) {
		c.BlockedKinds = []int{1}
	})
	r := p.Check(context.Background(), ev)
	if r == nil || r.Prefix != "blocked" {
		t.Fatalf("expected blocked rejection for blocked kind, got %v", r)
	}
}

func TestCheckRejectsBlockedPhrase(t *testing.T) {
	ev := signedEvent(t, 1, "this is spam content", nil)
	p := newTestPipeline(t, func(c *config.Config) {
		c.BlockedPhrases = []string{"spam"}
	})
	r := p.Check(context.Background(), ev)
	if r == nil || r.Prefix != "blocked" {
		t.Fatalf("expected blocked rejection for phrase match, got %v", r)
	}
}

func TestCheckRejectsParameterizedReplaceableWithoutDTag(t *testing.T) {
	p := newTestPipeline(t, nil)
	ev := signedEvent(t, nostrtype.VideoKind, "a video", nil)
	r := p.Check(context.Background(), ev)
	if r == nil || r.Prefix != "invalid" {
		t.Fatalf("expected invalid rejection for missing d tag, got %v", r)
	}
}

func TestCheckRateLimitsBurstyPubkey(t *testing.T) {
	p := newTestPipeline(t, func(c *config.Config) {
		c.EventRateLimit = 1
		c.EventBurst = 1
	})
	sk := nostr.GeneratePrivateKey()
	mkEvent := func(content string) *nostrtype.Event {
		ev := &nostrtype.Event{Kind: 1, Content: content, CreatedAt: nostr.Now()}
		if err := ev.Sign(sk); err != nil {
			t.Fatalf("Sign: %v", err)
		}
		return ev
	}

	first := mkEvent("one")
	if r := p.Check(context.Background(), first); r != nil {
		t.Fatalf("expected first event to pass, got %v", r)
	}
	second := mkEvent("two")
	r := p.Check(context.Background(), second)
	if r == nil || r.Prefix != "rate-limited" {
		t.Fatalf("expected rate-limited rejection on burst, got %v", r)
	}
}

func TestCheckRejectsDuplicateContent(t *testing.T) {
	p := newTestPipeline(t, nil)
	sk := nostr.GeneratePrivateKey()
	mkEvent := func() *nostrtype.Event {
		ev := &nostrtype.Event{Kind: 1, Content: "same content", CreatedAt: nostr.Now()}
		if err := ev.Sign(sk); err != nil {
			t.Fatalf("Sign: %v", err)
		}
		return ev
	}

	first := mkEvent()
	if r := p.Check(context.Background(), first); r != nil {
		t.Fatalf("expected first event to pass, got %v", r)
	}
	second := mkEvent()
	r := p.Check(context.Background(), second)
	if r == nil || r.Prefix != "duplicate" {
		t.Fatalf("expected duplicate rejection for repeated content, got %v", r)
	}
}

func TestCheckRateLimitExemptKindBypassesBucket(t *testing.T) {
	p := newTestPipeline(t, func(c *config.Config) {
		c.EventRateLimit = 1
		c.EventBurst = 1
		c.RateLimitExemptKinds = []int{nostrtype.DeletionKind}
	})
	sk := nostr.GeneratePrivateKey()
	mkDeletion := func(targetID string) *nostrtype.Event {
		ev := &nostrtype.Event{
			Kind: nostrtype.DeletionKind, CreatedAt: nostr.Now(),
			Tags: [][]string{{"e", targetID}},
		}
		if err := ev.Sign(sk); err != nil {
			t.Fatalf("Sign: %v", err)
		}
		return ev
	}

	if r := p.Check(context.Background(), mkDeletion("a")); r != nil {
		t.Fatalf("expected first deletion to pass, got %v", r)
	}
	// A second deletion from the same pubkey in the same instant would
	// normally exhaust burst=1, but deletions are rate-limit exempt.
	if r := p.Check(context.Background(), mkDeletion("b")); r != nil {
		t.Fatalf("expected exempt-kind deletion to bypass rate limiting, got %v", r)
	}
}
