// Package validate implements the write-path pipeline every incoming
// EVENT message passes through before it reaches internal/store:
// structural and signature checks, policy lists, pay-to-relay gating,
// and per-pubkey rate limiting. Rejections use the same NIP-01
// machine-readable prefixes ("blocked:", "invalid:", "rate-limited:",
// "auth-required:") the rest of this relay's ancestry already speaks.
package validate

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/klppl/vidrelay/internal/config"
	"github.com/klppl/vidrelay/internal/nostrtype"
	"github.com/klppl/vidrelay/internal/store"
)

// PaidChecker is the narrow pay-to-relay lookup that *store.Store
// satisfies. Pipeline itself calls its *store.Store directly.
type PaidChecker interface {
	IsPaidPubkey(pubkey string) (bool, error)
}

// Pipeline runs every policy and signature check for incoming events.
type Pipeline struct {
	cfg   *config.Config
	store *store.Store

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // pubkey -> EVENT token bucket

	httpClient *http.Client

	blockedPubkeys map[string]bool
	allowedPubkeys map[string]bool
	blockedKinds   map[int]bool
	allowedKinds   map[int]bool
	blockedTags    map[string]bool
	allowedTags    map[string]bool
	blockedDomains map[string]bool
	allowedDomains map[string]bool
	nip05ExemptKinds map[int]bool
	rateLimitExemptKinds map[int]bool
	antiSpamKinds    map[int]bool
}

// New builds a Pipeline from configuration. store is used for the
// content-hash anti-spam check and the pay-to-relay gate.
func New(cfg *config.Config, st *store.Store) *Pipeline {
	p := &Pipeline{
		cfg:        cfg,
		store:      st,
		limiters:   make(map[string]*rate.Limiter),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	p.blockedPubkeys = toSet(cfg.BlockedPubkeys)
	p.allowedPubkeys = toSet(cfg.AllowedPubkeys)
	p.blockedKinds = toIntSet(cfg.BlockedKinds)
	p.allowedKinds = toIntSet(cfg.AllowedKinds)
	p.blockedTags = toSet(cfg.BlockedTags)
	p.allowedTags = toSet(cfg.AllowedTags)
	p.blockedDomains = toSet(cfg.BlockedDomains)
	p.allowedDomains = toSet(cfg.AllowedDomains)
	p.nip05ExemptKinds = toIntSet(cfg.NIP05ExemptKinds)
	p.rateLimitExemptKinds = toIntSet(cfg.RateLimitExemptKinds)
	p.antiSpamKinds = toIntSet(cfg.AntiSpamKinds)
	return p
}

func toSet(values []string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}

func toIntSet(values []int) map[int]bool {
	m := make(map[int]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}

// Rejection is returned by Check when an event fails validation; Prefix
// is the NIP-01 machine-readable category for the relay's OK message.
type Rejection struct {
	Prefix string
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Prefix, r.Reason)
}

func reject(prefix, reason string) *Rejection {
	return &Rejection{Prefix: prefix, Reason: reason}
}

// Check runs the full pipeline against ev. A nil return means the event
// may proceed to the store.
func (p *Pipeline) Check(ctx context.Context, ev *nostrtype.Event) *Rejection {
	if r := p.checkStructure(ev); r != nil {
		return r
	}
	if r := p.checkPolicy(ev); r != nil {
		return r
	}
	if r := p.checkContentPhrases(ev); r != nil {
		return r
	}
	if r := p.checkNIP05(ctx, ev); r != nil {
		return r
	}
	if r := p.checkPayToRelay(ev); r != nil {
		return r
	}
	if r := p.checkRateLimit(ev); r != nil {
		return r
	}
	if r := p.checkContentHash(ev); r != nil {
		return r
	}
	return nil
}

func (p *Pipeline) checkStructure(ev *nostrtype.Event) *Rejection {
	if len(ev.ID) != 64 || !isHex(ev.ID) {
		return reject("invalid", "malformed event id")
	}
	if len(ev.PubKey) != 64 || !isHex(ev.PubKey) {
		return reject("invalid", "malformed pubkey")
	}
	if len(ev.Sig) != 128 || !isHex(ev.Sig) {
		return reject("invalid", "malformed signature")
	}
	if ev.GetID() != ev.ID {
		return reject("invalid", "event id does not match serialized content")
	}
	ok, err := ev.CheckSignature()
	if err != nil || !ok {
		return reject("invalid", "bad signature")
	}
	if nostrtype.IsParameterizedReplaceable(ev.Kind) && nostrtype.DTagValue(ev) == "" {
		return reject("invalid", "parameterized replaceable event missing d tag")
	}
	return nil
}

func isHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

func (p *Pipeline) checkPolicy(ev *nostrtype.Event) *Rejection {
	if len(p.allowedPubkeys) > 0 && !p.allowedPubkeys[ev.PubKey] {
		return reject("blocked", "pubkey is not on the allowlist")
	}
	if p.blockedPubkeys[ev.PubKey] {
		return reject("blocked", "pubkey is blocked")
	}
	if len(p.allowedKinds) > 0 && !p.allowedKinds[ev.Kind] {
		return reject("blocked", fmt.Sprintf("kind %d is not on the allowlist", ev.Kind))
	}
	if p.blockedKinds[ev.Kind] {
		return reject("blocked", fmt.Sprintf("kind %d is blocked", ev.Kind))
	}
	for _, tag := range ev.Tags {
		if len(tag) == 0 {
			continue
		}
		name := tag[0]
		if len(p.allowedTags) > 0 && !p.allowedTags[name] {
			return reject("blocked", fmt.Sprintf("tag %q is not on the allowlist", name))
		}
		if p.blockedTags[name] {
			return reject("blocked", fmt.Sprintf("tag %q is blocked", name))
		}
	}
	return nil
}

func (p *Pipeline) checkContentPhrases(ev *nostrtype.Event) *Rejection {
	if len(p.cfg.BlockedPhrases) == 0 {
		return nil
	}
	lowerContent := strings.ToLower(ev.Content)
	for _, phrase := range p.cfg.BlockedPhrases {
		if phrase == "" {
			continue
		}
		if strings.Contains(lowerContent, strings.ToLower(phrase)) {
			return reject("blocked", "content matches a blocked phrase")
		}
		for _, tag := range ev.Tags {
			for _, v := range tag {
				if strings.Contains(strings.ToLower(v), strings.ToLower(phrase)) {
					return reject("blocked", "tag content matches a blocked phrase")
				}
			}
		}
	}
	return nil
}

func (p *Pipeline) checkPayToRelay(ev *nostrtype.Event) *Rejection {
	if !p.cfg.PayToRelayEnabled {
		return nil
	}
	paid, err := p.store.IsPaidPubkey(ev.PubKey)
	if err != nil {
		return reject("error", "payment lookup failed")
	}
	if !paid {
		return reject("auth-required", "payment")
	}
	return nil
}

func (p *Pipeline) checkRateLimit(ev *nostrtype.Event) *Rejection {
	if p.rateLimitExemptKinds[ev.Kind] {
		return nil
	}
	limiter := p.limiterFor(ev.PubKey)
	if !limiter.Allow() {
		return reject("rate-limited", "too many events from this pubkey")
	}
	return nil
}

func (p *Pipeline) limiterFor(pubkey string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.limiters[pubkey]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.cfg.EventRateLimit), p.cfg.EventBurst)
	p.limiters[pubkey] = l
	return l
}

// checkContentHash enforces both content-hash anti-spam variants
// spec.md describes: a global hash over {kind, tags, content} catches
// the same content reposted by any pubkey, and a per-pubkey hash over
// {pubkey, kind, tags, content} catches one pubkey reposting its own
// near-identical events. Either match rejects as a duplicate.
func (p *Pipeline) checkContentHash(ev *nostrtype.Event) *Rejection {
	if ev.Content == "" || !p.antiSpamKinds[ev.Kind] {
		return nil
	}

	globalHash := store.ContentHash(ev)
	seenGlobal, err := p.store.SeenGlobalContentHash(globalHash)
	if err != nil {
		return reject("error", "content-hash lookup failed")
	}
	if seenGlobal {
		return reject("duplicate", "content already exists")
	}

	perPubkeyHash := store.PerPubkeyContentHash(ev)
	seen, err := p.store.SeenContentHash(ev.PubKey, perPubkeyHash)
	if err != nil {
		return reject("error", "content-hash lookup failed")
	}
	if seen {
		return reject("duplicate", "content already exists")
	}
	return nil
}
