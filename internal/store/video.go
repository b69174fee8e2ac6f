package store

import (
	"database/sql"
	"strconv"

	"github.com/klppl/vidrelay/internal/nostrtype"
)

// projectVideo upserts the denormalized videos row and rebuilds its
// junction tables (hashtags, mentions, references, addresses) for a
// kind-34236 event. Junction rows use delete-then-insert rather than
// diffing, since a replaceable event's tag set is replaced wholesale on
// every update and videos are low write-volume relative to reads.
func (s *Store) projectVideo(ev *nostrtype.Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	dTag := nostrtype.DTagValue(ev)
	title := nostrtype.FirstTagValue(ev, "title")
	duration := parseIntTag(nostrtype.FirstTagValue(ev, "duration"))

	hashtags := nostrtype.DedupStrings(nostrtype.TagValues(ev, "t"))
	legacyHashtag := ""
	if len(hashtags) > 0 {
		legacyHashtag = hashtags[0]
	}

	loopCount := parseIntTag(nostrtype.FirstTagValue(ev, "loops"))
	likes := parseIntTag(nostrtype.FirstTagValue(ev, "likes"))
	views := parseIntTag(nostrtype.FirstTagValue(ev, "views"))
	comments := parseIntTag(nostrtype.FirstTagValue(ev, "comments"))
	reposts := parseIntTag(nostrtype.FirstTagValue(ev, "reposts"))
	avgCompletion := clampInt(parseIntTag(nostrtype.FirstTagValue(ev, "avg_completion")), 0, 100)

	verificationLevel := nostrtype.FirstTagValue(ev, "verification")
	if !nostrtype.ValidVerificationLevel(verificationLevel) {
		verificationLevel = "unverified"
	}
	hasProofmode := nostrtype.FirstTagValue(ev, "proofmode") != ""
	hasDeviceAttestation := nostrtype.FirstTagValue(ev, "device_attestation") != ""
	hasPGPSignature := nostrtype.FirstTagValue(ev, "pgp_fingerprint") != ""

	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO videos (
		       event_id, pubkey, d_tag, created_at, title, duration,
		       loop_count, likes, views, comments, reposts, avg_completion, hashtag,
		       has_proofmode, has_device_attestation, has_pgp_signature, verification_level
		     ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		     ON CONFLICT(event_id) DO UPDATE SET
		       pubkey=excluded.pubkey, d_tag=excluded.d_tag, created_at=excluded.created_at,
		       title=excluded.title, duration=excluded.duration,
		       loop_count=excluded.loop_count, likes=excluded.likes, views=excluded.views,
		       comments=excluded.comments, reposts=excluded.reposts,
		       avg_completion=excluded.avg_completion, hashtag=excluded.hashtag,
		       has_proofmode=excluded.has_proofmode,
		       has_device_attestation=excluded.has_device_attestation,
		       has_pgp_signature=excluded.has_pgp_signature,
		       verification_level=excluded.verification_level`
	} else {
		q = `INSERT INTO videos (
		       event_id, pubkey, d_tag, created_at, title, duration,
		       loop_count, likes, views, comments, reposts, avg_completion, hashtag,
		       has_proofmode, has_device_attestation, has_pgp_signature, verification_level
		     ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		     ON CONFLICT(event_id) DO UPDATE SET
		       pubkey=EXCLUDED.pubkey, d_tag=EXCLUDED.d_tag, created_at=EXCLUDED.created_at,
		       title=EXCLUDED.title, duration=EXCLUDED.duration,
		       loop_count=EXCLUDED.loop_count, likes=EXCLUDED.likes, views=EXCLUDED.views,
		       comments=EXCLUDED.comments, reposts=EXCLUDED.reposts,
		       avg_completion=EXCLUDED.avg_completion, hashtag=EXCLUDED.hashtag,
		       has_proofmode=EXCLUDED.has_proofmode,
		       has_device_attestation=EXCLUDED.has_device_attestation,
		       has_pgp_signature=EXCLUDED.has_pgp_signature,
		       verification_level=EXCLUDED.verification_level`
	}
	if _, err := tx.Exec(q,
		ev.ID, ev.PubKey, dTag, int64(ev.CreatedAt), title, duration,
		loopCount, likes, views, comments, reposts, avgCompletion, legacyHashtag,
		hasProofmode, hasDeviceAttestation, hasPGPSignature, verificationLevel,
	); err != nil {
		return err
	}

	mentions := nostrtype.DedupStrings(nostrtype.TagValues(ev, "p"))
	refs := nostrtype.DedupStrings(nostrtype.TagValues(ev, "e"))
	addresses := nostrtype.DedupStrings(nostrtype.TagValues(ev, "a"))

	if err := rebuildJunction(tx, s, "video_hashtags", "hashtag", ev.ID, hashtags); err != nil {
		return err
	}
	if err := rebuildJunction(tx, s, "video_mentions", "pubkey", ev.ID, mentions); err != nil {
		return err
	}
	if err := rebuildJunction(tx, s, "video_references", "ref_event_id", ev.ID, refs); err != nil {
		return err
	}
	if err := rebuildJunction(tx, s, "video_addresses", "address", ev.ID, addresses); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	for _, h := range hashtags {
		if err := s.bumpHashtagUsage(h); err != nil {
			return err
		}
	}
	return nil
}

func rebuildJunction(tx *sql.Tx, s *Store, table, col, eventID string, values []string) error {
	if _, err := tx.Exec(`DELETE FROM `+table+` WHERE event_id = `+s.ph(1), eventID); err != nil {
		return err
	}
	for _, v := range values {
		if _, err := tx.Exec(
			`INSERT INTO `+table+` (event_id, `+col+`) VALUES (`+s.phList(1, 2)+`)`,
			eventID, v,
		); err != nil {
			return err
		}
	}
	return nil
}

func parseIntTag(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func clampInt(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// bumpHashtagUsage increments a hashtag's usage_count, recomputes its
// unique_events count and trending_score, and refreshes last_used_at.
// trending_score = total_usage / (now - first_seen + 86400), matching
// spec.md's recency-weighted ranking: total usage decayed by the
// hashtag's age, so a hashtag used a lot recently outranks one that
// accumulated the same usage slowly over a long time.
func (s *Store) bumpHashtagUsage(hashtag string) error {
	now := nowUnix()

	uniqueEvents, err := s.countHashtagEvents(hashtag)
	if err != nil {
		return err
	}

	firstSeen := now
	var existingFirstSeen, usageCount int64
	row := s.db.QueryRow(`SELECT first_seen, usage_count FROM hashtag_stats WHERE hashtag = `+s.ph(1), hashtag)
	switch err := row.Scan(&existingFirstSeen, &usageCount); err {
	case nil:
		firstSeen = existingFirstSeen
	case sql.ErrNoRows:
		// first time this hashtag is seen; firstSeen stays at now, usageCount stays 0.
	default:
		return err
	}
	totalUsage := usageCount + 1

	trendingScore := float64(totalUsage) / float64(now-firstSeen+86400)

	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO hashtag_stats (hashtag, usage_count, unique_events, first_seen, last_used_at, trending_score)
		     VALUES (?, 1, ?, ?, ?, ?)
		     ON CONFLICT(hashtag) DO UPDATE SET
		       usage_count = usage_count + 1, unique_events = excluded.unique_events,
		       last_used_at = excluded.last_used_at, trending_score = excluded.trending_score`
	} else {
		q = `INSERT INTO hashtag_stats (hashtag, usage_count, unique_events, first_seen, last_used_at, trending_score)
		     VALUES ($1, 1, $2, $3, $4, $5)
		     ON CONFLICT(hashtag) DO UPDATE SET
		       usage_count = hashtag_stats.usage_count + 1, unique_events = EXCLUDED.unique_events,
		       last_used_at = EXCLUDED.last_used_at, trending_score = EXCLUDED.trending_score`
	}
	_, err = s.db.Exec(q, hashtag, uniqueEvents, firstSeen, now, trendingScore)
	return err
}

// countHashtagEvents returns the number of distinct events currently
// tagged with hashtag, used to keep hashtag_stats.unique_events accurate
// as videos are edited or re-tagged.
func (s *Store) countHashtagEvents(hashtag string) (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(DISTINCT event_id) FROM video_hashtags WHERE hashtag = `+s.ph(1), hashtag).Scan(&n)
	return n, err
}
