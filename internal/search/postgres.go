package search

import (
	"database/sql"
	"fmt"
	"sort"
)

// postgresIndex backs Index with one table per entity kind carrying a
// generated tsvector column, ranked with ts_rank and highlighted with
// ts_headline — PostgreSQL's equivalent of FTS5's bm25()/snippet().
type postgresIndex struct {
	db *sql.DB
}

func (p *postgresIndex) EnsureSchema() error {
	for _, table := range tableFor {
		stmt := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				event_id TEXT NOT NULL PRIMARY KEY,
				body     TEXT NOT NULL,
				tsv      TSVECTOR GENERATED ALWAYS AS (to_tsvector('english', body)) STORED
			)`, table)
		if _, err := p.db.Exec(stmt); err != nil {
			return fmt.Errorf("search: create %s: %w", table, err)
		}
		idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_tsv ON %s USING GIN(tsv)`, table, table)
		if _, err := p.db.Exec(idx); err != nil {
			return fmt.Errorf("search: index %s: %w", table, err)
		}
	}
	return nil
}

func (p *postgresIndex) Upsert(kind EntityKind, eventID, text string) error {
	table, err := entityTable(kind)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(
		`INSERT INTO `+table+` (event_id, body) VALUES ($1, $2)
		 ON CONFLICT (event_id) DO UPDATE SET body = EXCLUDED.body`,
		eventID, text,
	)
	return err
}

func (p *postgresIndex) Delete(kind EntityKind, eventID string) error {
	table, err := entityTable(kind)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(`DELETE FROM `+table+` WHERE event_id = $1`, eventID)
	return err
}

func (p *postgresIndex) Search(kinds []EntityKind, query string, limit int) ([]Result, error) {
	if len(kinds) == 0 {
		kinds = allEntityKinds()
	}

	var all []Result
	for _, kind := range kinds {
		table, err := entityTable(kind)
		if err != nil {
			return nil, err
		}
		stmt := fmt.Sprintf(`
			SELECT event_id,
			       ts_rank(tsv, plainto_tsquery('english', $1)) AS rank,
			       ts_headline('english', body, plainto_tsquery('english', $1))
			FROM %s
			WHERE tsv @@ plainto_tsquery('english', $1)
			ORDER BY rank DESC
			LIMIT $2`, table)
		rows, err := p.db.Query(stmt, query, limit)
		if err != nil {
			continue
		}
		for rows.Next() {
			var r Result
			if err := rows.Scan(&r.EventID, &r.Score, &r.Headline); err != nil {
				rows.Close()
				return nil, err
			}
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
