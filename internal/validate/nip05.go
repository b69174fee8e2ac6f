package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/klppl/vidrelay/internal/nostrtype"
)

// nip05Verified caches successful NIP-05 verifications by pubkey so
// every subsequent event from the same author skips the WebFinger-style
// round trip. Entries expire after nip05CacheTTL to tolerate a domain
// later revoking a name.
var (
	nip05Cache   sync.Map // pubkey -> nip05CacheEntry
	nip05CacheTTL = time.Hour
)

type nip05CacheEntry struct {
	verified  bool
	checkedAt time.Time
}

// checkNIP05 enforces RequireNIP05: events from a pubkey must have a
// verified NIP-05 identifier, unless the event's kind is exempt (kind 0
// itself and ephemeral DM-wrapper kinds, by default) or NIP-05
// enforcement is disabled entirely.
func (p *Pipeline) checkNIP05(ctx context.Context, ev *nostrtype.Event) *Rejection {
	if !p.cfg.RequireNIP05 {
		return nil
	}
	if p.nip05ExemptKinds[ev.Kind] {
		return nil
	}

	if entry, ok := nip05Cache.Load(ev.PubKey); ok {
		e := entry.(nip05CacheEntry)
		if time.Since(e.checkedAt) < nip05CacheTTL {
			if e.verified {
				return nil
			}
			return reject("invalid", "NIP-05 validation failed")
		}
	}

	identifier, ok := p.latestNIP05For(ev.PubKey)
	if !ok {
		nip05Cache.Store(ev.PubKey, nip05CacheEntry{verified: false, checkedAt: time.Now()})
		return reject("invalid", "NIP-05 validation failed")
	}

	verified := p.verifyNIP05(ctx, identifier, ev.PubKey)
	nip05Cache.Store(ev.PubKey, nip05CacheEntry{verified: verified, checkedAt: time.Now()})
	if !verified {
		return reject("invalid", "NIP-05 validation failed")
	}
	return nil
}

// latestNIP05For extracts the nip05 field from a pubkey's most recent
// kind-0 metadata event, if one is in the hot store.
func (p *Pipeline) latestNIP05For(pubkey string) (string, bool) {
	rows, err := p.store.QueryEvents(
		`SELECT id, pubkey, created_at, kind, tags, content, sig FROM events
		 WHERE pubkey = `+p.store.Placeholder(1)+` AND kind = 0 ORDER BY created_at DESC LIMIT 1`,
		pubkey,
	)
	if err != nil || len(rows) == 0 {
		return "", false
	}
	var meta struct {
		NIP05 string `json:"nip05"`
	}
	if err := json.Unmarshal([]byte(rows[0].Content), &meta); err != nil || meta.NIP05 == "" {
		return "", false
	}
	return meta.NIP05, true
}

// verifyNIP05 fetches the domain's WebFinger-style nostr.json document
// and checks that it maps the identifier's local part to pubkey,
// honoring domain allow/block lists.
func (p *Pipeline) verifyNIP05(ctx context.Context, identifier, pubkey string) bool {
	parts := strings.SplitN(identifier, "@", 2)
	if len(parts) != 2 {
		return false
	}
	name, domain := parts[0], parts[1]

	if len(p.allowedDomains) > 0 && !p.allowedDomains[domain] {
		return false
	}
	if p.blockedDomains[domain] {
		return false
	}

	u := fmt.Sprintf("https://%s/.well-known/nostr.json?name=%s", domain, url.QueryEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false
	}

	var doc struct {
		Names map[string]string `json:"names"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return false
	}
	return strings.EqualFold(doc.Names[name], pubkey)
}
