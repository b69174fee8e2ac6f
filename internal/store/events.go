package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/klppl/vidrelay/internal/nostrtype"
)

// StoreResult reports what happened to an incoming event so the caller
// (internal/validate, internal/session) can decide whether to relay an
// OK/duplicate/replaced response.
type StoreResult struct {
	Stored    bool
	Duplicate bool
	// Stale is set alongside Duplicate when a replaceable event was
	// rejected because a newer event already occupies its (pubkey,
	// kind, d) slot — as opposed to the client simply resending the
	// exact event already stored, which is an identical-resend
	// duplicate and leaves Stale false.
	Stale    bool
	Replaced bool // an older replaceable event was superseded
	// Unauthorized is set when a kind-5 deletion named at least one
	// target event not owned by the requesting pubkey (§4.2, §7). The
	// deletion event itself is still persisted and any authorized
	// targets are still removed; only the OK response for the
	// deletion event reflects this.
	Unauthorized string
}

// StoreEvent persists ev according to its write-path class: a plain
// insert for regular events, a replace-if-newer upsert for replaceable
// kinds, or deletion processing for kind 5. Video (kind 34236) events
// are additionally projected into the videos table and its junctions.
func (s *Store) StoreEvent(ev *nostrtype.Event) (StoreResult, error) {
	switch nostrtype.ClassOf(ev.Kind) {
	case nostrtype.ClassDeletion:
		return s.processDeletion(ev)
	case nostrtype.ClassRegularReplaceable, nostrtype.ClassParamReplaceable:
		return s.storeReplaceable(ev)
	default:
		return s.storeRegular(ev)
	}
}

func (s *Store) storeRegular(ev *nostrtype.Event) (StoreResult, error) {
	exists, err := s.eventExists(ev.ID)
	if err != nil {
		return StoreResult{}, err
	}
	if exists {
		return StoreResult{Duplicate: true}, nil
	}
	if err := s.insertEvent(ev); err != nil {
		return StoreResult{}, err
	}
	if ev.Kind == nostrtype.VideoKind {
		if err := s.projectVideo(ev); err != nil {
			return StoreResult{}, fmt.Errorf("project video: %w", err)
		}
	}
	s.indexForSearch(ev)
	return StoreResult{Stored: true}, nil
}

// storeReplaceable implements NIP-01 replaceable-event semantics: the
// newest event (by created_at, tie-broken by lexically-smallest id)
// wins and superseded rows are removed.
func (s *Store) storeReplaceable(ev *nostrtype.Event) (StoreResult, error) {
	dTag := ""
	if nostrtype.IsParameterizedReplaceable(ev.Kind) {
		dTag = nostrtype.DTagValue(ev)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return StoreResult{}, err
	}
	defer tx.Rollback()

	var existingID string
	var existingCreated int64
	row := tx.QueryRow(
		`SELECT id, created_at FROM events WHERE pubkey = `+s.ph(1)+` AND kind = `+s.ph(2)+` AND d_tag = `+s.ph(3),
		ev.PubKey, ev.Kind, dTag,
	)
	err = row.Scan(&existingID, &existingCreated)
	switch {
	case err == sql.ErrNoRows:
		// no prior event for this (pubkey, kind, d) slot
	case err != nil:
		return StoreResult{}, err
	default:
		if existingID == ev.ID {
			// the exact same event the client already submitted.
			return StoreResult{Duplicate: true}, nil
		}
		if existingCreated > int64(ev.CreatedAt) {
			return StoreResult{Duplicate: true, Stale: true}, nil
		}
		if existingCreated == int64(ev.CreatedAt) && existingID <= ev.ID {
			return StoreResult{Duplicate: true, Stale: true}, nil
		}
		if err := deleteEventTx(tx, s, existingID); err != nil {
			return StoreResult{}, err
		}
	}

	if err := insertEventTx(tx, s, ev, dTag); err != nil {
		return StoreResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return StoreResult{}, err
	}

	if ev.Kind == nostrtype.VideoKind {
		if err := s.projectVideo(ev); err != nil {
			return StoreResult{}, fmt.Errorf("project video: %w", err)
		}
	}
	if existingID != "" {
		// the superseded row shared ev's kind (same pubkey/kind/d slot).
		s.deindexForSearch(ev.Kind, existingID)
	}
	s.indexForSearch(ev)
	return StoreResult{Stored: true, Replaced: existingID != ""}, nil
}

// processDeletion implements NIP-09: each "e" tag names an event id to
// delete, each "a" tag names a replaceable event coordinate
// "kind:pubkey:d". Only events authored by the same pubkey as the
// deletion request are removed; mismatches are skipped and reported
// through StoreResult.Unauthorized, while the deletion event itself is
// still stored.
func (s *Store) processDeletion(ev *nostrtype.Event) (StoreResult, error) {
	if err := s.insertEvent(ev); err != nil {
		return StoreResult{}, err
	}

	var unauthorized string
	for _, id := range nostrtype.TagValues(ev, "e") {
		owner, kind, ok, err := s.eventOwnerKind(id)
		if err != nil {
			return StoreResult{}, err
		}
		if !ok {
			continue
		}
		if owner != ev.PubKey {
			if unauthorized == "" {
				unauthorized = fmt.Sprintf("unauthorized: cannot delete event %s - wrong pubkey", id)
			}
			continue
		}
		if err := s.deleteEventByID(id); err != nil {
			return StoreResult{}, err
		}
		s.deindexForSearch(kind, id)
	}

	for _, coord := range nostrtype.TagValues(ev, "a") {
		id, kind, ok, err := s.resolveAddress(coord, ev.PubKey)
		if err != nil {
			return StoreResult{}, err
		}
		if ok {
			if err := s.deleteEventByID(id); err != nil {
				return StoreResult{}, err
			}
			s.deindexForSearch(kind, id)
		}
	}

	return StoreResult{Stored: true, Unauthorized: unauthorized}, nil
}

// resolveAddress resolves an "a" tag coordinate "kind:pubkey:d" to the
// current event id (and kind) for that slot, but only when pubkey
// matches requester (a deletion event may not delete another author's
// events).
func (s *Store) resolveAddress(coord, requester string) (string, int, bool, error) {
	parts := splitCoordinate(coord)
	if len(parts) != 3 {
		return "", 0, false, nil
	}
	kind := parseIntOrZero(parts[0])
	pubkey := parts[1]
	dTag := parts[2]
	if pubkey != requester {
		return "", 0, false, nil
	}
	var id string
	err := s.db.QueryRow(
		`SELECT id FROM events WHERE pubkey = `+s.ph(1)+` AND kind = `+s.ph(2)+` AND d_tag = `+s.ph(3),
		pubkey, kind, dTag,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	return id, kind, true, nil
}

func splitCoordinate(coord string) []string {
	var parts []string
	start := 0
	count := 0
	for i, c := range coord {
		if c == ':' && count < 2 {
			parts = append(parts, coord[start:i])
			start = i + 1
			count++
		}
	}
	parts = append(parts, coord[start:])
	if len(parts) < 3 {
		return nil
	}
	return parts
}

func parseIntOrZero(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func (s *Store) eventExists(id string) (bool, error) {
	var found int
	err := s.db.QueryRow(`SELECT 1 FROM events WHERE id = `+s.ph(1), id).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) eventOwnerKind(id string) (pubkey string, kind int, ok bool, err error) {
	err = s.db.QueryRow(`SELECT pubkey, kind FROM events WHERE id = `+s.ph(1), id).Scan(&pubkey, &kind)
	if err == sql.ErrNoRows {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	return pubkey, kind, true, nil
}

func (s *Store) insertEvent(ev *nostrtype.Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	dTag := ""
	if nostrtype.IsParameterizedReplaceable(ev.Kind) {
		dTag = nostrtype.DTagValue(ev)
	}
	if err := insertEventTx(tx, s, ev, dTag); err != nil {
		return err
	}
	return tx.Commit()
}

func insertEventTx(tx *sql.Tx, s *Store, ev *nostrtype.Event, dTag string) error {
	tagsJSON, err := json.Marshal(ev.Tags)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO events (id, pubkey, created_at, kind, tags, content, sig, d_tag)
		 VALUES (`+s.phList(1, 8)+`)`,
		ev.ID, ev.PubKey, int64(ev.CreatedAt), ev.Kind, string(tagsJSON), ev.Content, ev.Sig, dTag,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		for _, value := range tag[1:] {
			if _, err := tx.Exec(
				`INSERT INTO event_tags (event_id, name, value) VALUES (`+s.phList(1, 3)+`)`,
				ev.ID, tag[0], value,
			); err != nil {
				return fmt.Errorf("insert event_tags: %w", err)
			}
		}
	}
	return nil
}

// deleteEventByID removes an event and its dependent rows (tags, video
// projection) outside of a caller-managed transaction.
func (s *Store) deleteEventByID(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := deleteEventTx(tx, s, id); err != nil {
		return err
	}
	return tx.Commit()
}

func deleteEventTx(tx *sql.Tx, s *Store, id string) error {
	if err := deleteContentHashTx(tx, s, id); err != nil {
		return err
	}
	for _, table := range []string{"video_hashtags", "video_mentions", "video_references", "video_addresses"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE event_id = `+s.ph(1), id); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`DELETE FROM videos WHERE event_id = `+s.ph(1), id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM event_tags WHERE event_id = `+s.ph(1), id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM events WHERE id = `+s.ph(1), id); err != nil {
		return err
	}
	return nil
}

// deleteContentHashTx removes id's content-hash row(s) (both the
// per-pubkey and global variants) before the event itself is deleted,
// and evicts the matching in-memory anti-spam caches — spec.md's kind-5
// deletion path names the content-hash row alongside tag rows, the
// cached-tag row, and the event itself as things a deletion must
// remove. Without this, a pubkey could never legitimately repost
// identical content after deleting the original: it would keep hashing
// to an already-seen row (and cache entry) forever. A no-op if id
// wasn't an anti-spam-hashed event to begin with, since the DELETEs
// then simply match no rows.
func deleteContentHashTx(tx *sql.Tx, s *Store, id string) error {
	var pubkey, tagsJSON, content string
	var kind int
	err := tx.QueryRow(
		`SELECT pubkey, kind, tags, content FROM events WHERE id = `+s.ph(1), id,
	).Scan(&pubkey, &kind, &tagsJSON, &content)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	var ev nostrtype.Event
	ev.PubKey = pubkey
	ev.Kind = kind
	ev.Content = content
	if err := json.Unmarshal([]byte(tagsJSON), &ev.Tags); err != nil {
		return err
	}

	globalHash := ContentHash(&ev)
	perPubkeyHash := PerPubkeyContentHash(&ev)

	if _, err := tx.Exec(
		`DELETE FROM content_hashes WHERE pubkey = `+s.ph(1)+` AND hash = `+s.ph(2),
		pubkey, perPubkeyHash,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM content_hashes_global WHERE hash = `+s.ph(1), globalHash); err != nil {
		return err
	}
	s.forgetContentHash(pubkey, perPubkeyHash, globalHash)
	return nil
}

// ─── Anti-spam content hashing ──────────────────────────────────────────

// ContentHash returns the global content-hash fingerprint of an event —
// SHA-256 over the canonical `[kind, tags, content]` array — used to
// throttle identical content reposted by any pubkey (spec.md's
// content-hash row, global variant). Tags are already an ordered array
// (not a map), so json.Marshal alone gives a byte-stable encoding
// without needing Filter's recursive key-sorting.
func ContentHash(ev *nostrtype.Event) string {
	return hashContentFields(ev.Kind, ev.Tags, ev.Content)
}

// PerPubkeyContentHash returns the per-pubkey content-hash fingerprint —
// SHA-256 over the canonical `[pubkey, kind, tags, content]` array —
// used to throttle one pubkey reposting its own near-identical content
// (spec.md's content-hash row, per-pubkey variant).
func PerPubkeyContentHash(ev *nostrtype.Event) string {
	return hashContentFields(ev.PubKey, ev.Kind, ev.Tags, ev.Content)
}

func hashContentFields(fields ...interface{}) string {
	body, err := json.Marshal(fields)
	if err != nil {
		// fields are always JSON-primitive or the event's own tag array,
		// which already round-trips through insertEventTx; this can't
		// actually fail in practice.
		body = []byte("{}")
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// SeenContentHash reports whether pubkey has already submitted an event
// with this content hash, recording it if not. A local in-memory cache
// absorbs the common case (resubmission within the same process
// lifetime) before falling back to the database.
func (s *Store) SeenContentHash(pubkey, hash string) (bool, error) {
	cacheKey := pubkey + ":" + hash
	if _, ok := s.contentHashSeen.Load(cacheKey); ok {
		return true, nil
	}

	var found int
	err := s.db.QueryRow(
		`SELECT 1 FROM content_hashes WHERE pubkey = `+s.ph(1)+` AND hash = `+s.ph(2),
		pubkey, hash,
	).Scan(&found)
	if err != nil && err != sql.ErrNoRows {
		return false, err
	}
	if err == nil {
		s.contentHashSeen.Store(cacheKey, struct{}{})
		return true, nil
	}

	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO content_hashes (pubkey, hash, seen_at) VALUES (?, ?, ?)`
	} else {
		q = `INSERT INTO content_hashes (pubkey, hash, seen_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`
	}
	if _, err := s.db.Exec(q, pubkey, hash, nowUnix()); err != nil {
		return false, err
	}
	s.contentHashSeen.Store(cacheKey, struct{}{})
	return false, nil
}

// SeenGlobalContentHash reports whether any pubkey has already submitted
// an event with this content hash, recording it if not. Mirrors
// SeenContentHash but keyed on the hash alone, against
// content_hashes_global, for the spec's global anti-spam variant.
func (s *Store) SeenGlobalContentHash(hash string) (bool, error) {
	if _, ok := s.globalContentHashSeen.Load(hash); ok {
		return true, nil
	}

	var found int
	err := s.db.QueryRow(`SELECT 1 FROM content_hashes_global WHERE hash = `+s.ph(1), hash).Scan(&found)
	if err != nil && err != sql.ErrNoRows {
		return false, err
	}
	if err == nil {
		s.globalContentHashSeen.Store(hash, struct{}{})
		return true, nil
	}

	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO content_hashes_global (hash, seen_at) VALUES (?, ?)`
	} else {
		q = `INSERT INTO content_hashes_global (hash, seen_at) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	}
	if _, err := s.db.Exec(q, hash, nowUnix()); err != nil {
		return false, err
	}
	s.globalContentHashSeen.Store(hash, struct{}{})
	return false, nil
}

// forgetContentHash evicts both the per-pubkey and global in-memory
// anti-spam cache entries for a deleted event's content hashes, so a
// legitimate repost after deletion isn't flagged as spam for the rest
// of the process lifetime.
func (s *Store) forgetContentHash(pubkey, perPubkeyHash, globalHash string) {
	s.contentHashSeen.Delete(pubkey + ":" + perPubkeyHash)
	s.globalContentHashSeen.Delete(globalHash)
}

// ─── Pay-to-relay ────────────────────────────────────────────────────────

// IsPaidPubkey reports whether pubkey has an unexpired payment record.
func (s *Store) IsPaidPubkey(pubkey string) (bool, error) {
	var expiresAt int64
	err := s.db.QueryRow(`SELECT expires_at FROM paid_pubkeys WHERE pubkey = `+s.ph(1), pubkey).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return expiresAt == 0 || expiresAt > nowUnix(), nil
}

// MarkPaid records a successful payment for pubkey. expiresAt of 0
// means the payment never expires.
func (s *Store) MarkPaid(pubkey string, expiresAt int64) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO paid_pubkeys (pubkey, paid_at, expires_at) VALUES (?, ?, ?)
		     ON CONFLICT(pubkey) DO UPDATE SET paid_at=excluded.paid_at, expires_at=excluded.expires_at`
	} else {
		q = `INSERT INTO paid_pubkeys (pubkey, paid_at, expires_at) VALUES ($1, $2, $3)
		     ON CONFLICT(pubkey) DO UPDATE SET paid_at=EXCLUDED.paid_at, expires_at=EXCLUDED.expires_at`
	}
	_, err := s.db.Exec(q, pubkey, nowUnix(), expiresAt)
	return err
}
