package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CURSOR_SECRET", "test-secret")
	cfg := Load()

	if cfg.Port != "8000" {
		t.Errorf("Port = %q, want 8000", cfg.Port)
	}
	if cfg.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want 30", cfg.RetentionDays)
	}
	if cfg.ArchiveInterval != time.Hour {
		t.Errorf("ArchiveInterval = %v, want 1h", cfg.ArchiveInterval)
	}
	if cfg.ProjectionLimitMax != 200 {
		t.Errorf("ProjectionLimitMax = %d, want 200", cfg.ProjectionLimitMax)
	}
	if len(cfg.Shards) != 9 {
		t.Errorf("len(Shards) = %d, want 9", len(cfg.Shards))
	}
}

func TestLoadPolicyLists(t *testing.T) {
	t.Setenv("CURSOR_SECRET", "test-secret")
	t.Setenv("BLOCKED_KINDS", "4, 1059 ,9999")
	t.Setenv("BLOCKED_PUBKEYS", "abc, def")

	cfg := Load()
	if len(cfg.BlockedKinds) != 3 {
		t.Fatalf("len(BlockedKinds) = %d, want 3", len(cfg.BlockedKinds))
	}
	if cfg.BlockedKinds[1] != 1059 {
		t.Errorf("BlockedKinds[1] = %d, want 1059", cfg.BlockedKinds[1])
	}
	if len(cfg.BlockedPubkeys) != 2 || cfg.BlockedPubkeys[1] != "def" {
		t.Errorf("BlockedPubkeys = %v", cfg.BlockedPubkeys)
	}
}

func TestLoadGeneratesEphemeralCursorSecret(t *testing.T) {
	t.Setenv("CURSOR_SECRET", "")
	cfg := Load()
	if cfg.CursorSecret == "" {
		t.Fatal("expected an ephemeral cursor secret to be generated")
	}
}

func TestShardPeers(t *testing.T) {
	t.Setenv("CURSOR_SECRET", "test-secret")
	t.Setenv("BROKER_PEER_ENAM", "http://enam.internal:9000")
	cfg := Load()
	if cfg.ShardPeers["ENAM"] != "http://enam.internal:9000" {
		t.Errorf("ShardPeers[ENAM] = %q", cfg.ShardPeers["ENAM"])
	}
}
