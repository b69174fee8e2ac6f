// vidrelay is a Nostr relay specialized for short-form video (kind
// 34236): event ingress and validation, replaceable/deletion
// semantics, vendor-extended filter matching, a tiered hot-store/
// archive query executor, and a sharded broker topology for
// cross-region deployments.
//
// Usage:
//
//	export DATABASE_URL=vidrelay.db
//	export BROKER_SHARD_ID=WNAM
//	./vidrelay
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klppl/vidrelay/internal/archive"
	"github.com/klppl/vidrelay/internal/broker"
	"github.com/klppl/vidrelay/internal/config"
	"github.com/klppl/vidrelay/internal/cursor"
	"github.com/klppl/vidrelay/internal/query"
	"github.com/klppl/vidrelay/internal/search"
	"github.com/klppl/vidrelay/internal/server"
	"github.com/klppl/vidrelay/internal/session"
	"github.com/klppl/vidrelay/internal/store"
	"github.com/klppl/vidrelay/internal/validate"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting vidrelay", "version", "1.0.0")

	// ─── Configuration ────────────────────────────────────────────────────
	cfg := config.Load()
	slog.Info("config loaded",
		"shard", cfg.ShardID,
		"peers", len(cfg.ShardPeers),
		"database", cfg.DatabaseURL,
		"retention_days", cfg.RetentionDays,
	)

	// ─── Hot store ────────────────────────────────────────────────────────
	st, err := store.Open(cfg.DatabaseURL, cfg.DatabaseURLReplica)
	if err != nil {
		slog.Error("failed to open database", "error", err, "url", cfg.DatabaseURL)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	// ─── Search index ─────────────────────────────────────────────────────
	searchIdx, err := search.Open(st.DB(), st.Driver())
	if err != nil {
		slog.Error("failed to initialize search index", "error", err)
		os.Exit(1)
	}
	if err := searchIdx.EnsureSchema(); err != nil {
		slog.Error("failed to create search schema", "error", err)
		os.Exit(1)
	}
	st.SetSearchIndex(searchIdx)

	// ─── Write-path validation pipeline ───────────────────────────────────
	validator := validate.New(cfg, st)

	// ─── Query executor (cursor pagination + vendor sort/search) ─────────
	codec := cursor.New(cfg.CursorSecret, cfg.CursorSecretPrevious)
	qe := query.New(cfg, st, searchIdx, codec)

	// ─── Live subscription hub + cross-shard broker ──────────────────────
	hub := session.NewHub()
	var brk *broker.Broker
	if len(cfg.ShardPeers) > 0 {
		brk = broker.New(cfg.ShardID, cfg.ShardPeers, hub)
	}

	// ─── Geo routing (cross-shard WebSocket redirect) ────────────────────
	locationRtr, err := broker.NewRouter(cfg.LocationTablePath, cfg.ShardID)
	if err != nil {
		slog.Error("failed to load location table", "error", err, "path", cfg.LocationTablePath)
		os.Exit(1)
	}

	// ─── Archive worker ───────────────────────────────────────────────────
	blobs, err := archive.NewFileBlobstore(cfg.ArchiveDir)
	if err != nil {
		slog.Error("failed to initialize archive blobstore", "error", err)
		os.Exit(1)
	}
	qe.SetArchiveReader(archive.NewReader(blobs))
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	archiveWorker := archive.New(st, blobs, cfg.ArchiveInterval, retention, cfg.ArchiveBatchSize)

	// ─── Graceful shutdown ────────────────────────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go archiveWorker.Start(ctx)

	// ─── HTTP/WebSocket server ────────────────────────────────────────────
	payments := server.NewNoopPaymentVerifier(st)
	srv := server.New(cfg, st, validator, qe, hub, brk, locationRtr, payments)
	srv.Start(ctx) // blocks until ctx is cancelled

	slog.Info("vidrelay stopped")
}
