// Package store is the relay's event database: dual SQLite/PostgreSQL
// persistence, replaceable-event and deletion dispatch, the video
// projection tables, and the hot-store side of query execution. It
// follows the same dual-driver, placeholder-helper idiom as the rest of
// this repository's data layer.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/klppl/vidrelay/internal/search"
)

// Store wraps a database connection and provides all event persistence
// and query-support methods. A second, read-only connection may be
// attached for replica routing so subscription/query traffic never
// contends with the write path.
type Store struct {
	db        *sql.DB
	replicaDB *sql.DB // nil if no replica configured; falls back to db
	driver    string

	// searchIdx is attached post-construction via SetSearchIndex, since
	// internal/search.Open itself needs this Store's *sql.DB. Nil until
	// then (and in tests that don't exercise NIP-50 search), in which
	// case indexing is skipped rather than failing the write path.
	searchIdx search.Index

	// contentHashSeen caches recent content-hash anti-spam lookups so a
	// burst of near-duplicate events from the same pubkey doesn't each
	// round-trip to the DB. Keyed "pubkey:hash" for the per-pubkey
	// variant, bare "hash" for the global variant.
	contentHashSeen       sync.Map
	globalContentHashSeen sync.Map
}

// Open opens the primary database connection and, if replicaURL is
// non-empty, a second read-only connection for query traffic.
func Open(databaseURL, replicaURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := tuneSQLite(db, driver); err != nil {
		return nil, err
	}

	s := &Store{db: db, driver: driver}

	if replicaURL != "" {
		replicaDriver, replicaDSN := detectDriver(replicaURL)
		rdb, err := sql.Open(replicaDriver, replicaDSN)
		if err != nil {
			return nil, fmt.Errorf("open replica db: %w", err)
		}
		if err := rdb.Ping(); err != nil {
			return nil, fmt.Errorf("ping replica db: %w", err)
		}
		if err := tuneSQLite(rdb, replicaDriver); err != nil {
			return nil, err
		}
		s.replicaDB = rdb
		slog.Info("read replica attached")
	}

	return s, nil
}

func tuneSQLite(db *sql.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	// WAL mode lets readers (subscription matching, query execution)
	// proceed alongside the single writer. A relay under load is read-
	// heavy: most connections are REQ filters, not EVENT submissions.
	const sqliteMaxConns = 8
	db.SetMaxOpenConns(sqliteMaxConns)
	db.SetMaxIdleConns(sqliteMaxConns)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("sqlite pragma (%s): %w", pragma, err)
		}
	}
	return nil
}

// Close closes both the primary and replica connections, if any.
func (s *Store) Close() error {
	if s.replicaDB != nil {
		s.replicaDB.Close()
	}
	return s.db.Close()
}

// reader returns the connection to use for read-only query traffic: the
// replica if attached, otherwise the primary.
func (s *Store) reader() *sql.DB {
	if s.replicaDB != nil {
		return s.replicaDB
	}
	return s.db
}

// Driver reports the active SQL driver name ("sqlite" or "postgres").
func (s *Store) Driver() string { return s.driver }

// Ping checks connectivity to the primary database, used by the
// /health endpoint.
func (s *Store) Ping() error { return s.db.Ping() }

// DB exposes the primary connection for packages that need to run
// driver-specific DDL of their own (internal/search's FTS schema),
// rather than duplicating dual-driver connection setup a second time.
func (s *Store) DB() *sql.DB { return s.db }

// ph returns the nth SQL placeholder token for the active driver.
func (s *Store) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// phList returns a comma-joined placeholder list starting at argument
// index start (1-based), e.g. phList(1, 3) -> "?, ?, ?" for sqlite or
// "$1, $2, $3" for postgres.
func (s *Store) phList(start, count int) string {
	parts := make([]string, count)
	for i := 0; i < count; i++ {
		parts[i] = s.ph(start + i)
	}
	return strings.Join(parts, ", ")
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	return "sqlite", u
}

// scanStringRows scans a single-string-column result set into a slice,
// closing rows before returning.
func scanStringRows(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
