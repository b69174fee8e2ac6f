package search

import (
	"database/sql"
	"fmt"
	"sort"
)

// sqliteIndex backs Index with one FTS5 virtual table per entity kind.
// FTS5's bm25() ranking function gives a relevance score comparable in
// spirit to PostgreSQL's ts_rank, and snippet() produces the headline.
type sqliteIndex struct {
	db *sql.DB
}

func (s *sqliteIndex) EnsureSchema() error {
	for _, table := range tableFor {
		stmt := fmt.Sprintf(
			`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING fts5(event_id UNINDEXED, body)`,
			table,
		)
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("search: create %s: %w", table, err)
		}
	}
	return nil
}

func (s *sqliteIndex) Upsert(kind EntityKind, eventID, text string) error {
	table, err := entityTable(kind)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM `+table+` WHERE event_id = ?`, eventID); err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO `+table+` (event_id, body) VALUES (?, ?)`, eventID, text)
	return err
}

func (s *sqliteIndex) Delete(kind EntityKind, eventID string) error {
	table, err := entityTable(kind)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`DELETE FROM `+table+` WHERE event_id = ?`, eventID)
	return err
}

func (s *sqliteIndex) Search(kinds []EntityKind, query string, limit int) ([]Result, error) {
	if len(kinds) == 0 {
		kinds = allEntityKinds()
	}

	var all []Result
	for _, kind := range kinds {
		table, err := entityTable(kind)
		if err != nil {
			return nil, err
		}
		stmt := fmt.Sprintf(
			`SELECT event_id, bm25(%s) AS rank, snippet(%s, 1, '<b>', '</b>', '...', 10)
			 FROM %s WHERE %s MATCH ? ORDER BY rank LIMIT ?`,
			table, table, table, table,
		)
		rows, err := s.db.Query(stmt, query, limit)
		if err != nil {
			// FTS5 MATCH syntax errors surface as ordinary SQL errors;
			// skip this entity kind rather than failing the whole search.
			continue
		}
		for rows.Next() {
			var r Result
			var rank float64
			if err := rows.Scan(&r.EventID, &rank, &r.Headline); err != nil {
				rows.Close()
				return nil, err
			}
			// bm25() returns lower-is-better; invert so Result.Score keeps
			// the higher-is-better convention used across both drivers.
			r.Score = -rank
			all = append(all, r)
		}
		rows.Close()
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
