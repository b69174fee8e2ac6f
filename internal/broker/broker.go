// Package broker implements cross-shard event fanout: each relay
// process owns one geographic shard's hot store and live subscriptions
// (internal/session.Hub); the Broker relays every locally-accepted
// event to every sibling shard over HTTP so a subscriber connected to
// any shard sees writes accepted on any other, and accepts inbound
// relayed events from siblings to deliver into its own local Hub.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/klppl/vidrelay/internal/nostrtype"
	"github.com/klppl/vidrelay/internal/session"
)

// fanoutConcurrency bounds how many sibling deliveries run at once,
// mirroring the bounded worker-pool fan-out this relay's ancestry uses
// for its own outbound delivery.
const fanoutConcurrency = 10

// Broker fans out locally-accepted events to sibling shards and accepts
// relayed events from them. It implements session.Broadcaster so it can
// register itself as a Hub observer without the session package
// depending on broker.
type Broker struct {
	shardID string
	peers   map[string]string // shardID -> base URL, excludes self
	hub     *session.Hub

	httpClient *http.Client
}

// New builds a Broker for shardID, fanning out to every entry in peers
// (sibling shard id -> base URL). hub is the local shard's Hub; the
// Broker registers itself as an observer so every locally-accepted
// event is relayed.
func New(shardID string, peers map[string]string, hub *session.Hub) *Broker {
	b := &Broker{
		shardID:    shardID,
		peers:      peers,
		hub:        hub,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	hub.AddObserver(b)
	return b
}

// ShardID returns this broker's own shard identifier.
func (b *Broker) ShardID() string { return b.shardID }

// BroadcastLocal relays ev to every sibling shard, bounded to
// fanoutConcurrency concurrent deliveries so a large peer set can't
// exhaust local connections or overwhelm a single slow sibling.
func (b *Broker) BroadcastLocal(ev *nostrtype.Event) {
	if len(b.peers) == 0 {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		slog.Error("broker: marshal event for fanout", "error", err)
		return
	}

	sem := make(chan struct{}, fanoutConcurrency)
	var wg sync.WaitGroup
	for shardID, baseURL := range b.peers {
		sem <- struct{}{}
		wg.Add(1)
		go func(shardID, baseURL string) {
			defer func() { <-sem; wg.Done() }()
			if err := b.deliverTo(baseURL, body); err != nil {
				slog.Warn("broker: fanout delivery failed", "shard", shardID, "error", err)
			}
		}(shardID, baseURL)
	}
	wg.Wait()
}

func (b *Broker) deliverTo(baseURL string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/_broker/relay", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Relay-Shard", b.shardID)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sibling returned status %d", resp.StatusCode)
	}
	return nil
}

// ReceiveHandler is the inbound HTTP handler a sibling's fanout POST
// hits: it decodes the event and delivers it into the local Hub without
// re-broadcasting, so a relayed event never bounces back out.
func (b *Broker) ReceiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var ev nostrtype.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b.hub.Deliver(&ev)
		w.WriteHeader(http.StatusNoContent)
	}
}
