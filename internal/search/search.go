// Package search provides full-text search over the relay's entity
// projections (profiles, notes, videos, lists, articles, communities,
// hashtags), backed by SQLite FTS5 or PostgreSQL tsvector depending on
// which driver the store was opened with — mirroring the dual-driver
// split the rest of the persistence layer uses.
package search

import (
	"database/sql"
	"fmt"
)

// EntityKind names one of the searchable entity types, used in the
// vendor filter's "search_types" field.
type EntityKind string

const (
	EntityUser      EntityKind = "user"
	EntityNote      EntityKind = "note"
	EntityVideo     EntityKind = "video"
	EntityList      EntityKind = "list"
	EntityArticle   EntityKind = "article"
	EntityCommunity EntityKind = "community"
	EntityHashtag   EntityKind = "hashtag"
)

// tableFor maps an entity kind to its FTS-backing table name.
var tableFor = map[EntityKind]string{
	EntityUser:      "users_fts",
	EntityNote:      "notes_fts",
	EntityVideo:     "videos_fts",
	EntityList:      "lists_fts",
	EntityArticle:   "articles_fts",
	EntityCommunity: "communities_fts",
	EntityHashtag:   "hashtags_fts",
}

// Result is one search hit: the underlying event id, a relevance score
// (higher is better, driver-specific scale), and an optional headline
// snippet highlighting the match.
type Result struct {
	EventID  string
	Score    float64
	Headline string
}

// Index is implemented by the driver-specific FTS backends.
type Index interface {
	// EnsureSchema creates the FTS tables (and, on PostgreSQL, their GIN
	// indexes) for every entity kind if they do not already exist.
	EnsureSchema() error
	// Upsert (re)indexes a single entity's searchable text.
	Upsert(kind EntityKind, eventID, text string) error
	// Delete removes an entity's indexed text.
	Delete(kind EntityKind, eventID string) error
	// Search runs a query against one or more entity kinds, returning up
	// to limit results ordered by relevance.
	Search(kinds []EntityKind, query string, limit int) ([]Result, error)
}

// Open returns the FTS implementation matching driver ("sqlite" or
// "postgres").
func Open(db *sql.DB, driver string) (Index, error) {
	switch driver {
	case "sqlite":
		return &sqliteIndex{db: db}, nil
	case "postgres":
		return &postgresIndex{db: db}, nil
	default:
		return nil, fmt.Errorf("search: unsupported driver %q", driver)
	}
}

func entityTable(kind EntityKind) (string, error) {
	t, ok := tableFor[kind]
	if !ok {
		return "", fmt.Errorf("search: unknown entity kind %q", kind)
	}
	return t, nil
}

func allEntityKinds() []EntityKind {
	return []EntityKind{EntityUser, EntityNote, EntityVideo, EntityList, EntityArticle, EntityCommunity, EntityHashtag}
}
