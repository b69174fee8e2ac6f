package archive

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"time"

	"github.com/klppl/vidrelay/internal/nostrtype"
)

// Reader serves read-only lookups against the blobstore's by-id index,
// so a query that asks for an event purged from the hot store by the
// retention sweep can still be answered instead of silently returning
// nothing.
type Reader struct {
	blobs Blobstore
}

// NewReader wraps blobs for id-lookup queries.
func NewReader(blobs Blobstore) *Reader {
	return &Reader{blobs: blobs}
}

// GetByID returns the archived event with the given id, or ok=false if
// no such object exists in the by-id index.
func (r *Reader) GetByID(id string) (*nostrtype.Event, bool, error) {
	if len(id) < 2 {
		return nil, false, nil
	}
	data, err := r.blobs.Get(idIndexKey(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if data == nil {
		return nil, false, nil
	}
	var ev nostrtype.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, false, err
	}
	return &ev, true, nil
}

func idIndexKey(id string) string {
	return "index/id/" + id[:2] + "/" + id + ".json"
}

// GetHourRange returns every archived event whose primary "events/<hour>"
// shard falls within [since, until] (either bound may be nil, meaning
// unbounded on that side), consulting the manifest first so only hours
// actually archived are read. This is the primary-shard scan backing
// the since/until archive-merge path (§4.5): a REQ bounded only by time,
// with no ids, still needs to see data the retention sweep moved here.
func (r *Reader) GetHourRange(since, until *int64) ([]*nostrtype.Event, error) {
	m, ok, err := r.readManifest()
	if err != nil || !ok {
		return nil, err
	}

	var out []*nostrtype.Event
	for _, hour := range m.HoursWithEvents {
		t, err := time.Parse("2006-01-02/15", hour)
		if err != nil {
			continue
		}
		hourStart := t.Unix()
		hourEnd := t.Add(time.Hour).Unix() - 1
		if since != nil && hourEnd < *since {
			continue
		}
		if until != nil && hourStart > *until {
			continue
		}

		data, err := r.blobs.Get("events/" + hour + ".jsonl")
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		events, err := decodeJSONLEvents(data)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if since != nil && int64(ev.CreatedAt) < *since {
				continue
			}
			if until != nil && int64(ev.CreatedAt) > *until {
				continue
			}
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r *Reader) readManifest() (manifest, bool, error) {
	var m manifest
	data, err := r.blobs.Get(manifestKey)
	if err != nil {
		if os.IsNotExist(err) {
			return m, false, nil
		}
		return m, false, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, false, err
	}
	return m, true, nil
}

func decodeJSONLEvents(data []byte) ([]*nostrtype.Event, error) {
	var out []*nostrtype.Event
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev nostrtype.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, scanner.Err()
}
