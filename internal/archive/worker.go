package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/klppl/vidrelay/internal/nostrtype"
	"github.com/klppl/vidrelay/internal/store"
)

// deleteBatchSize bounds how many ids are removed from the hot store in
// a single transaction per archived shard.
const deleteBatchSize = 100

// Worker runs the scheduled archival pass: batch events older than the
// retention window out of the hot store into hourly JSONL shards plus
// secondary indexes, then delete them from the hot store.
type Worker struct {
	store     *store.Store
	blobs     Blobstore
	interval  time.Duration
	retention time.Duration
	batchSize int
	// TriggerCh, if non-nil, forces an immediate run when sent to.
	TriggerCh <-chan struct{}
}

// New builds a Worker.
func New(st *store.Store, blobs Blobstore, interval, retention time.Duration, batchSize int) *Worker {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Worker{store: st, blobs: blobs, interval: interval, retention: retention, batchSize: batchSize}
}

// Start runs the archival loop until ctx is cancelled, mirroring the
// poll-on-start-then-tick shape used by this relay's other background
// workers.
func (w *Worker) Start(ctx context.Context) {
	if w.interval <= 0 {
		w.interval = time.Hour
	}
	slog.Info("archive worker started", "interval", w.interval, "retention", w.retention)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.runOnce(ctx)

	trigCh := w.TriggerCh
	for {
		select {
		case <-ctx.Done():
			slog.Info("archive worker stopped")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		case <-trigCh:
			slog.Info("archive run triggered manually")
			w.runOnce(ctx)
		}
	}
}

// runOnce archives every eligible batch, stopping either when no events
// remain older than the cutoff or when ctx is cancelled between
// batches — never mid-batch, so a shutdown can't leave a half-written
// shard without its matching hot-store deletion.
func (w *Worker) runOnce(ctx context.Context) {
	cutoff := time.Now().Add(-w.retention).Unix()
	total := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, err := w.store.EventsOlderThan(cutoff, w.batchSize)
		if err != nil {
			slog.Error("archive: failed to load batch", "error", err)
			return
		}
		if len(events) == 0 {
			break
		}

		if err := w.archiveBatch(events); err != nil {
			slog.Error("archive: failed to archive batch", "error", err, "count", len(events))
			return
		}
		total += len(events)

		if len(events) < w.batchSize {
			break
		}
	}
	if total > 0 {
		slog.Info("archive run complete", "events_archived", total)
	}
}

// hourKey returns the "YYYY-MM-DD/HH" bucket an event's created_at
// falls into, matching the archive object layout's path segments.
func hourKey(ev *nostrtype.Event) string {
	return time.Unix(int64(ev.CreatedAt), 0).UTC().Format("2006-01-02/15")
}

// archiveBatch groups events by hour (primary), then by author, kind,
// and tag within that hour, read-modify-write-appending each group's
// JSONL shard, writing a by-id object per event, and finally updating
// the manifest before deleting the batch from the hot store.
func (w *Worker) archiveBatch(events []*nostrtype.Event) error {
	byHour := make(map[string][]*nostrtype.Event)
	for _, ev := range events {
		h := hourKey(ev)
		byHour[h] = append(byHour[h], ev)
	}

	var ids []string
	hoursTouched := make(map[string]bool)
	authorsTouched := make(map[string]bool)
	kindsTouched := make(map[int]bool)
	tagsTouched := make(map[string]bool)

	for hour, group := range byHour {
		if err := w.appendHourlyShard("events/"+hour+".jsonl", group); err != nil {
			return fmt.Errorf("append events shard for %s: %w", hour, err)
		}
		hoursTouched[hour] = true

		byAuthor := make(map[string][]*nostrtype.Event)
		byKind := make(map[int][]*nostrtype.Event)
		byTag := make(map[string][]*nostrtype.Event)

		for _, ev := range group {
			ids = append(ids, ev.ID)
			byAuthor[ev.PubKey] = append(byAuthor[ev.PubKey], ev)
			byKind[ev.Kind] = append(byKind[ev.Kind], ev)
			for _, tag := range ev.Tags {
				if len(tag) < 2 || tag[0] == "" {
					continue
				}
				key := sanitizeKey(tag[0]) + "/" + sanitizeKey(tag[1])
				byTag[key] = append(byTag[key], ev)
			}

			if err := w.putByID(ev); err != nil {
				return fmt.Errorf("put by-id index for %s: %w", ev.ID, err)
			}
		}

		for author, evs := range byAuthor {
			key := fmt.Sprintf("index/author/%s/%s.jsonl", author, hour)
			if err := w.appendHourlyShard(key, evs); err != nil {
				return fmt.Errorf("append author index for %s/%s: %w", author, hour, err)
			}
			authorsTouched[author] = true
		}
		for kind, evs := range byKind {
			key := fmt.Sprintf("index/kind/%d/%s.jsonl", kind, hour)
			if err := w.appendHourlyShard(key, evs); err != nil {
				return fmt.Errorf("append kind index for %d/%s: %w", kind, hour, err)
			}
			kindsTouched[kind] = true
		}
		for tagKey, evs := range byTag {
			key := fmt.Sprintf("index/tag/%s/%s.jsonl", tagKey, hour)
			if err := w.appendHourlyShard(key, evs); err != nil {
				return fmt.Errorf("append tag index for %s/%s: %w", tagKey, hour, err)
			}
			tagsTouched[tagKey] = true
		}
	}

	if err := w.updateManifest(hoursTouched, authorsTouched, kindsTouched, tagsTouched, len(events)); err != nil {
		return fmt.Errorf("update manifest: %w", err)
	}

	return w.deleteInChunks(ids)
}

// appendHourlyShard read-modify-write-appends full event JSON lines to
// the JSONL object at key.
func (w *Worker) appendHourlyShard(key string, events []*nostrtype.Event) error {
	var body []byte
	if existing, err := w.blobs.Get(key); err == nil {
		body = existing
	}
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", ev.ID, err)
		}
		body = append(body, line...)
		body = append(body, '\n')
	}
	return w.blobs.Put(key, body)
}

func (w *Worker) putByID(ev *nostrtype.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	return w.blobs.Put(idIndexKey(ev.ID), line)
}

func (w *Worker) deleteInChunks(ids []string) error {
	for len(ids) > 0 {
		n := deleteBatchSize
		if n > len(ids) {
			n = len(ids)
		}
		if err := w.store.DeleteEventsBatch(ids[:n]); err != nil {
			return fmt.Errorf("delete archived batch: %w", err)
		}
		ids = ids[n:]
	}
	return nil
}

// manifest tracks which hours have been archived and the distinct
// authors/kinds/tags seen, so a query-time archive scan knows which
// shard keys to consult without listing the whole bucket.
type manifest struct {
	HoursWithEvents []string `json:"hoursWithEvents"`
	FirstHour       string   `json:"firstHour"`
	LastHour        string   `json:"lastHour"`
	TotalEvents     int      `json:"totalEvents"`
	LastUpdated     int64    `json:"lastUpdated"`
	Indices         struct {
		Authors []string `json:"authors"`
		Kinds   []int    `json:"kinds"`
		Tags    []string `json:"tags"`
	} `json:"indices"`
}

const manifestKey = "manifest.json"

func (w *Worker) updateManifest(hours, authors map[string]bool, kinds map[int]bool, tags map[string]bool, newEvents int) error {
	var m manifest
	if existing, err := w.blobs.Get(manifestKey); err == nil {
		if err := json.Unmarshal(existing, &m); err != nil {
			return err
		}
	}

	for h := range hours {
		if !containsString(m.HoursWithEvents, h) {
			m.HoursWithEvents = append(m.HoursWithEvents, h)
		}
	}
	sort.Strings(m.HoursWithEvents)
	if len(m.HoursWithEvents) > 0 {
		m.FirstHour = m.HoursWithEvents[0]
		m.LastHour = m.HoursWithEvents[len(m.HoursWithEvents)-1]
	}

	for a := range authors {
		if !containsString(m.Indices.Authors, a) {
			m.Indices.Authors = append(m.Indices.Authors, a)
		}
	}
	sort.Strings(m.Indices.Authors)

	for k := range kinds {
		if !containsInt(m.Indices.Kinds, k) {
			m.Indices.Kinds = append(m.Indices.Kinds, k)
		}
	}
	sort.Ints(m.Indices.Kinds)

	for t := range tags {
		if !containsString(m.Indices.Tags, t) {
			m.Indices.Tags = append(m.Indices.Tags, t)
		}
	}
	sort.Strings(m.Indices.Tags)

	m.TotalEvents += newEvents
	m.LastUpdated = time.Now().Unix()

	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return w.blobs.Put(manifestKey, body)
}

func containsString(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func sanitizeKey(key string) string {
	out := make([]rune, 0, len(key))
	for _, c := range key {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
