package store

import (
	"fmt"
	"log/slog"
	"strings"
)

// migration is one forward-only schema change, tracked by name in the
// schema_migrations table so Migrate is idempotent across restarts.
type migration struct {
	name string
	sql  []string
}

var migrations = []migration{
	{
		name: "001_events",
		sql: []string{
			`CREATE TABLE IF NOT EXISTS events (
				id         TEXT NOT NULL PRIMARY KEY,
				pubkey     TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				kind       INTEGER NOT NULL,
				tags       TEXT NOT NULL,
				content    TEXT NOT NULL,
				sig        TEXT NOT NULL,
				d_tag      TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS events_pubkey_kind_created ON events(pubkey, kind, created_at)`,
			`CREATE INDEX IF NOT EXISTS events_kind_created ON events(kind, created_at)`,
			`CREATE INDEX IF NOT EXISTS events_created ON events(created_at)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS events_replaceable ON events(pubkey, kind, d_tag) WHERE kind = 0 OR kind = 3 OR (kind >= 10000 AND kind <= 19999) OR (kind >= 30000 AND kind <= 39999)`,
		},
	},
	{
		name: "002_tags",
		sql: []string{
			`CREATE TABLE IF NOT EXISTS event_tags (
				event_id TEXT NOT NULL,
				name     TEXT NOT NULL,
				value    TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS event_tags_name_value ON event_tags(name, value)`,
			`CREATE INDEX IF NOT EXISTS event_tags_event_id ON event_tags(event_id)`,
		},
	},
	{
		name: "003_content_hashes",
		sql: []string{
			`CREATE TABLE IF NOT EXISTS content_hashes (
				pubkey TEXT NOT NULL,
				hash   TEXT NOT NULL,
				seen_at INTEGER NOT NULL,
				PRIMARY KEY (pubkey, hash)
			)`,
		},
	},
	{
		name: "004_paid_pubkeys",
		sql: []string{
			`CREATE TABLE IF NOT EXISTS paid_pubkeys (
				pubkey     TEXT NOT NULL PRIMARY KEY,
				paid_at    INTEGER NOT NULL,
				expires_at INTEGER NOT NULL DEFAULT 0
			)`,
		},
	},
	{
		name: "005_videos",
		sql: []string{
			`CREATE TABLE IF NOT EXISTS videos (
				event_id       TEXT NOT NULL PRIMARY KEY,
				pubkey         TEXT NOT NULL,
				d_tag          TEXT NOT NULL,
				created_at     INTEGER NOT NULL,
				title          TEXT NOT NULL DEFAULT '',
				duration       INTEGER NOT NULL DEFAULT 0,
				loop_count     INTEGER NOT NULL DEFAULT 0,
				likes          INTEGER NOT NULL DEFAULT 0,
				views          INTEGER NOT NULL DEFAULT 0,
				comments       INTEGER NOT NULL DEFAULT 0,
				avg_completion REAL NOT NULL DEFAULT 0,
				has_proofmode  INTEGER NOT NULL DEFAULT 0,
				has_device_attestation INTEGER NOT NULL DEFAULT 0,
				has_pgp_signature      INTEGER NOT NULL DEFAULT 0,
				verification_level     TEXT NOT NULL DEFAULT 'unverified'
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS videos_pubkey_dtag ON videos(pubkey, d_tag)`,
			`CREATE INDEX IF NOT EXISTS videos_created ON videos(created_at)`,
			`CREATE INDEX IF NOT EXISTS videos_loop_count ON videos(loop_count)`,
			`CREATE INDEX IF NOT EXISTS videos_likes ON videos(likes)`,
			`CREATE INDEX IF NOT EXISTS videos_views ON videos(views)`,
		},
	},
	{
		name: "006_video_junctions",
		sql: []string{
			`CREATE TABLE IF NOT EXISTS video_hashtags (
				event_id TEXT NOT NULL,
				hashtag  TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS video_hashtags_hashtag ON video_hashtags(hashtag)`,
			`CREATE INDEX IF NOT EXISTS video_hashtags_event ON video_hashtags(event_id)`,
			`CREATE TABLE IF NOT EXISTS video_mentions (
				event_id TEXT NOT NULL,
				pubkey   TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS video_mentions_pubkey ON video_mentions(pubkey)`,
			`CREATE INDEX IF NOT EXISTS video_mentions_event ON video_mentions(event_id)`,
			`CREATE TABLE IF NOT EXISTS video_references (
				event_id     TEXT NOT NULL,
				ref_event_id TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS video_references_ref ON video_references(ref_event_id)`,
			`CREATE INDEX IF NOT EXISTS video_references_event ON video_references(event_id)`,
			`CREATE TABLE IF NOT EXISTS video_addresses (
				event_id TEXT NOT NULL,
				address  TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS video_addresses_address ON video_addresses(address)`,
			`CREATE INDEX IF NOT EXISTS video_addresses_event ON video_addresses(event_id)`,
		},
	},
	{
		name: "007_hashtag_stats",
		sql: []string{
			`CREATE TABLE IF NOT EXISTS hashtag_stats (
				hashtag       TEXT NOT NULL PRIMARY KEY,
				usage_count   INTEGER NOT NULL DEFAULT 0,
				last_used_at  INTEGER NOT NULL DEFAULT 0,
				trending_score REAL NOT NULL DEFAULT 0
			)`,
		},
	},
	{
		name: "008_video_reposts_hashtag",
		sql: []string{
			`ALTER TABLE videos ADD COLUMN reposts INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE videos ADD COLUMN hashtag TEXT NOT NULL DEFAULT ''`,
			`CREATE INDEX IF NOT EXISTS videos_hashtag ON videos(hashtag)`,
		},
	},
	{
		name: "009_hashtag_stats_unique_first_seen",
		sql: []string{
			`ALTER TABLE hashtag_stats ADD COLUMN unique_events INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE hashtag_stats ADD COLUMN first_seen INTEGER NOT NULL DEFAULT 0`,
		},
	},
	{
		name: "010_content_hashes_global",
		sql: []string{
			`CREATE TABLE IF NOT EXISTS content_hashes_global (
				hash    TEXT NOT NULL PRIMARY KEY,
				seen_at INTEGER NOT NULL
			)`,
		},
	},
}

// Migrate runs every pending migration in order, recording each applied
// name in schema_migrations so repeated startups are no-ops.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")

	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT NOT NULL PRIMARY KEY, applied_at INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.db.Query(`SELECT name FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	names, err := scanStringRows(rows)
	if err != nil {
		return err
	}
	for _, n := range names {
		applied[n] = true
	}

	for _, m := range migrations {
		if applied[m.name] {
			continue
		}
		for _, stmt := range m.sql {
			if _, err := s.db.Exec(stmt); err != nil {
				if s.driver == "postgres" && strings.Contains(err.Error(), "already exists") {
					continue
				}
				return fmt.Errorf("migration %s failed: %w\nSQL: %s", m.name, err, stmt)
			}
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations (name, applied_at) VALUES (`+s.ph(1)+`, `+s.ph(2)+`)`,
			m.name, nowUnix(),
		); err != nil {
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
		slog.Info("applied migration", "name", m.name)
	}

	slog.Info("migrations complete", "count", len(migrations))
	return nil
}

// AppliedMigrations returns the names of every migration recorded as
// applied, for the /_migrations diagnostic endpoint.
func (s *Store) AppliedMigrations() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM schema_migrations ORDER BY applied_at`)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}
