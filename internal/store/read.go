package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/klppl/vidrelay/internal/nostrtype"
)

// Placeholder exposes the driver-specific placeholder token for
// internal/query's SQL compiler, which builds dynamic WHERE clauses
// this package can't anticipate ahead of time.
func (s *Store) Placeholder(n int) string { return s.ph(n) }

// PlaceholderList exposes a comma-joined run of placeholders, see ph.
func (s *Store) PlaceholderList(start, count int) string { return s.phList(start, count) }

// QueryEvents runs an arbitrary read-only query against the hot store
// (routed to the replica when configured) and scans each row as an
// event. The query must select columns in exactly this order: id,
// pubkey, created_at, kind, tags, content, sig.
func (s *Store) QueryEvents(query string, args ...interface{}) ([]*nostrtype.Event, error) {
	rows, err := s.reader().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*nostrtype.Event
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEventRow(rows *sql.Rows) (*nostrtype.Event, error) {
	var ev nostrtype.Event
	var createdAt int64
	var tagsJSON string
	if err := rows.Scan(&ev.ID, &ev.PubKey, &createdAt, &ev.Kind, &tagsJSON, &ev.Content, &ev.Sig); err != nil {
		return nil, fmt.Errorf("scan event row: %w", err)
	}
	ev.CreatedAt = nostrtype.Timestamp(createdAt)
	if err := json.Unmarshal([]byte(tagsJSON), &ev.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	return &ev, nil
}

// QueryEventsExtra runs a read-only query that selects the 7 standard
// event columns (id, pubkey, created_at, kind, tags, content, sig)
// followed by exactly one extra numeric column, returning both the
// scanned events and that extra value per row in matching order. Used
// by the vendor-sort query path, where the extra column is whichever
// metric or created_at value drove the ORDER BY; it is kept numeric
// (not stringified) so cross-chunk merge sorting and cursor rebinding
// compare magnitudes rather than lexical digit order.
func (s *Store) QueryEventsExtra(query string, args ...interface{}) ([]*nostrtype.Event, []float64, error) {
	rows, err := s.reader().Query(query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*nostrtype.Event
	var extras []float64
	for rows.Next() {
		var ev nostrtype.Event
		var createdAt int64
		var tagsJSON string
		var extra sql.NullFloat64
		if err := rows.Scan(&ev.ID, &ev.PubKey, &createdAt, &ev.Kind, &tagsJSON, &ev.Content, &ev.Sig, &extra); err != nil {
			return nil, nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.CreatedAt = nostrtype.Timestamp(createdAt)
		if err := json.Unmarshal([]byte(tagsJSON), &ev.Tags); err != nil {
			return nil, nil, fmt.Errorf("unmarshal tags: %w", err)
		}
		events = append(events, &ev)
		extras = append(extras, extra.Float64)
	}
	return events, extras, rows.Err()
}

// GetByID fetches a single event by id from the hot store, or nil if
// not found.
func (s *Store) GetByID(id string) (*nostrtype.Event, error) {
	row := s.reader().QueryRow(
		`SELECT id, pubkey, created_at, kind, tags, content, sig FROM events WHERE id = `+s.ph(1), id,
	)
	ev, err := scanSingleEventRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ev, err
}

func scanSingleEventRow(row *sql.Row) (*nostrtype.Event, error) {
	var ev nostrtype.Event
	var createdAt int64
	var tagsJSON string
	if err := row.Scan(&ev.ID, &ev.PubKey, &createdAt, &ev.Kind, &tagsJSON, &ev.Content, &ev.Sig); err != nil {
		return nil, err
	}
	ev.CreatedAt = nostrtype.Timestamp(createdAt)
	if err := json.Unmarshal([]byte(tagsJSON), &ev.Tags); err != nil {
		return nil, err
	}
	return &ev, nil
}

// QueryVideoRows runs an arbitrary read-only query against the videos
// projection table. The query must select columns in exactly this
// order: event_id, loop_count, likes, views, comments, avg_completion,
// created_at. The query planner does not call it; its vendor-sort path
// joins videos against events in a single query.
func (s *Store) QueryVideoRows(query string, args ...interface{}) ([]VideoRow, error) {
	rows, err := s.reader().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query videos: %w", err)
	}
	defer rows.Close()

	var out []VideoRow
	for rows.Next() {
		var r VideoRow
		if err := rows.Scan(&r.EventID, &r.LoopCount, &r.Likes, &r.Views, &r.Comments, &r.AvgCompletion, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// VideoRow is a projection-table row as scanned by QueryVideoRows.
type VideoRow struct {
	EventID       string
	LoopCount     int64
	Likes         int64
	Views         int64
	Comments      int64
	AvgCompletion float64
	CreatedAt     int64
}
