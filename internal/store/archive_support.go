package store

import "github.com/klppl/vidrelay/internal/nostrtype"

// EventsOlderThan returns up to limit events with created_at < cutoff,
// oldest first, for the archival pipeline to batch out of the hot
// store. Every kind is included, deletion events (kind 5) too, so no
// event older than the cutoff stays in the hot store.
func (s *Store) EventsOlderThan(cutoff int64, limit int) ([]*nostrtype.Event, error) {
	return s.QueryEvents(
		`SELECT id, pubkey, created_at, kind, tags, content, sig FROM events
		 WHERE created_at < `+s.ph(1)+`
		 ORDER BY created_at ASC LIMIT `+s.ph(2),
		cutoff, limit,
	)
}

// DeleteEventsBatch removes a batch of events (and their dependent
// rows) from the hot store in a single transaction, used after the
// archiver has durably persisted them to cold storage.
func (s *Store) DeleteEventsBatch(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if err := deleteEventTx(tx, s, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}
