// Package config holds all runtime configuration for the relay, loaded
// from environment variables following the same plain-env-var idiom as
// the rest of the deployment tooling in this repository.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	RelayName        string
	RelayDescription string
	RelayPubkey      string
	RelayContact     string
	RelayIcon        string
	RelayBanner      string

	Port        string
	DatabaseURL string
	// DatabaseURLReplica, when set, is used for read-only queries so hot
	// writes never contend with subscription/query traffic.
	DatabaseURLReplica string

	// Retention / archival.
	RetentionDays    int
	ArchiveBatchSize int
	ArchiveInterval  time.Duration
	ArchiveDir       string

	// Cursor secrets.
	CursorSecret         string
	CursorSecretPrevious string

	// Policy lists.
	BlockedPubkeys   []string
	AllowedPubkeys   []string
	BlockedKinds     []int
	AllowedKinds     []int
	BlockedTags      []string
	AllowedTags      []string
	BlockedPhrases   []string
	BlockedDomains   []string
	AllowedDomains   []string
	RequireNIP05     bool
	NIP05ExemptKinds []int
	// AntiSpamKinds are the only kinds subject to the content-hash
	// duplicate check (§4.2) — most kinds legitimately repeat content
	// (e.g. reposting a video's metrics), so this is opt-in rather than
	// blanket.
	AntiSpamKinds []int

	// Pay to relay.
	PayToRelayEnabled bool
	PayToRelayPrice   int64
	PayToRelayPubkey  string

	// Rate limits.
	EventRateLimit float64 // events/sec per session
	EventBurst     int
	ReqRateLimit   float64 // REQ messages/sec per session
	ReqBurst       int
	// RateLimitExemptKinds never consult the per-pubkey EVENT token
	// bucket: a deletion (kind 5) must always be able to reach the
	// store even while its author is being throttled, or a spam burst
	// becomes impossible to clean up after.
	RateLimitExemptKinds []int

	// Query limits.
	QueryComplexityMax int
	LegacyLimitMax     int
	ProjectionLimitMax int

	// Broker / sharding.
	ShardID          string
	Shards           []string
	ShardPeers       map[string]string // shardID -> base URL
	LocationTablePath string           // optional JSON override of the country/continent -> shard table

	WebAdminPassword string
}

// Load reads configuration from environment variables. Missing optional
// values fall back to sane defaults; CURSOR_SECRET is generated at
// startup (and logged as a warning) rather than causing a hard failure,
// since a fresh single-node deployment has no other way to obtain one.
func Load() *Config {
	cfg := &Config{
		RelayName:        getEnv("RELAY_NAME", "vidrelay"),
		RelayDescription: getEnv("RELAY_DESCRIPTION", "a Nostr relay specialized for short-form video"),
		RelayPubkey:      os.Getenv("RELAY_PUBKEY"),
		RelayContact:     os.Getenv("RELAY_CONTACT"),
		RelayIcon:        os.Getenv("RELAY_ICON"),
		RelayBanner:      os.Getenv("RELAY_BANNER"),

		Port:               getEnv("PORT", "8000"),
		DatabaseURL:        getEnv("DATABASE_URL", "vidrelay.db"),
		DatabaseURLReplica: os.Getenv("DATABASE_URL_REPLICA"),

		RetentionDays:    parseInt(os.Getenv("RETENTION_DAYS"), 30),
		ArchiveBatchSize: parseInt(os.Getenv("ARCHIVE_BATCH_SIZE"), 500),
		ArchiveInterval:  parseDuration(os.Getenv("ARCHIVE_INTERVAL"), time.Hour),
		ArchiveDir:       getEnv("ARCHIVE_DIR", "archive"),

		CursorSecret:         os.Getenv("CURSOR_SECRET"),
		CursorSecretPrevious: os.Getenv("CURSOR_SECRET_PREVIOUS"),

		BlockedPubkeys:   parseList(os.Getenv("BLOCKED_PUBKEYS")),
		AllowedPubkeys:   parseList(os.Getenv("ALLOWED_PUBKEYS")),
		BlockedKinds:     parseIntList(os.Getenv("BLOCKED_KINDS")),
		AllowedKinds:     parseIntList(os.Getenv("ALLOWED_KINDS")),
		BlockedTags:      parseList(os.Getenv("BLOCKED_TAGS")),
		AllowedTags:      parseList(os.Getenv("ALLOWED_TAGS")),
		BlockedPhrases:   parseList(os.Getenv("BLOCKED_PHRASES")),
		BlockedDomains:   parseList(os.Getenv("BLOCKED_NIP05_DOMAINS")),
		AllowedDomains:   parseList(os.Getenv("ALLOWED_NIP05_DOMAINS")),
		RequireNIP05:     getEnvBool("REQUIRE_NIP05"),
		NIP05ExemptKinds: []int{0, 1059},
		AntiSpamKinds:    parseIntListOrDefault("ANTI_SPAM_KINDS", []int{1}),

		PayToRelayEnabled: getEnvBool("PAY_TO_RELAY"),
		PayToRelayPrice:   int64(parseInt(os.Getenv("PAY_TO_RELAY_PRICE_SATS"), 0)),
		PayToRelayPubkey:  os.Getenv("PAY_TO_RELAY_PUBKEY"),

		EventRateLimit:       parseFloat(os.Getenv("EVENT_RATE_LIMIT"), 5),
		EventBurst:           parseInt(os.Getenv("EVENT_RATE_BURST"), 20),
		ReqRateLimit:         parseFloat(os.Getenv("REQ_RATE_LIMIT"), 10),
		ReqBurst:             parseInt(os.Getenv("REQ_RATE_BURST"), 30),
		RateLimitExemptKinds: parseIntListOrDefault("RATE_LIMIT_EXEMPT_KINDS", []int{5}),

		QueryComplexityMax: parseInt(os.Getenv("QUERY_COMPLEXITY_MAX"), 10000),
		LegacyLimitMax:     parseInt(os.Getenv("LEGACY_LIMIT_MAX"), 500),
		ProjectionLimitMax: parseInt(os.Getenv("PROJECTION_LIMIT_MAX"), 200),

		ShardID:           getEnv("BROKER_SHARD_ID", "WNAM"),
		Shards:            parseList(getEnv("BROKER_SHARDS", "WNAM,ENAM,WEUR,EEUR,APAC,OC,SAM,AFR,ME")),
		ShardPeers:        parseShardPeers(),
		LocationTablePath: os.Getenv("LOCATION_TABLE_PATH"),

		WebAdminPassword: os.Getenv("WEB_ADMIN"),
	}

	if cfg.CursorSecret == "" {
		fmt.Fprintln(os.Stderr, "WARNING: CURSOR_SECRET not set; generating an ephemeral one. Cursors will not survive a restart.")
		cfg.CursorSecret = randomHex(32)
	}

	return cfg
}

// parseShardPeers reads BROKER_PEER_<SHARDID>=<url> environment variables.
func parseShardPeers() map[string]string {
	peers := make(map[string]string)
	const prefix = "BROKER_PEER_"
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.HasPrefix(parts[0], prefix) {
			shard := strings.TrimPrefix(parts[0], prefix)
			peers[shard] = parts[1]
		}
	}
	return peers
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "true" || v == "1"
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func parseIntList(s string) []int {
	strs := parseList(s)
	result := make([]int, 0, len(strs))
	for _, s := range strs {
		if n, err := strconv.Atoi(s); err == nil {
			result = append(result, n)
		}
	}
	return result
}

// parseIntListOrDefault is parseIntList, but an unset environment
// variable keeps fallback rather than becoming an empty slice — used
// for lists where "unset" and "explicitly empty" must mean different
// things (e.g. RATE_LIMIT_EXEMPT_KINDS="" opts out of all exemptions).
func parseIntListOrDefault(key string, fallback []int) []int {
	s, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return parseIntList(s)
}

func parseFloat(s string, fallback float64) float64 {
	if s == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return i
}
