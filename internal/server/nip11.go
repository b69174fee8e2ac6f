package server

import (
	"encoding/json"
	"net/http"

	"github.com/klppl/vidrelay/internal/nostrtype"
)

// supportedNIPs lists the NIPs this relay implements, per spec.md §6.
var supportedNIPs = []int{1, 2, 4, 5, 9, 11, 12, 15, 16, 17, 20, 22, 33, 40, 50}

// handleInfo serves the NIP-11 relay information document, extended
// with the "divine_extensions" and "search" vendor objects spec.md §6
// names.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	doc := map[string]interface{}{
		"name":        s.cfg.RelayName,
		"description": s.cfg.RelayDescription,
		"pubkey":      s.cfg.RelayPubkey,
		"contact":     s.cfg.RelayContact,
		"icon":        s.cfg.RelayIcon,
		"banner":      s.cfg.RelayBanner,

		"supported_nips": supportedNIPs,
		"software":       "https://github.com/klppl/vidrelay",
		"version":        version,

		"limitation": map[string]interface{}{
			"payment_required":  s.cfg.PayToRelayEnabled,
			"restricted_writes": s.cfg.RequireNIP05 || len(s.cfg.AllowedPubkeys) > 0,
		},

		"divine_extensions": map[string]interface{}{
			"int_filters":   nostrtype.IntMetrics(),
			"sort_fields":   []string{nostrtype.SortLoopCount, nostrtype.SortLikes, nostrtype.SortViews, nostrtype.SortComments, nostrtype.SortAvgCompletion, nostrtype.SortCreatedAt},
			"cursor_format": "base64url-encoded HMAC-SHA256 with query hash binding",
			"videos_kind":   nostrtype.VideoKind,
			// metrics_freshness_sec reflects how stale the denormalized
			// videos projection (engagement counters) may be relative to
			// the event stream, bounded by the write path's synchronous
			// projection — effectively immediate, but advertised
			// conservatively at one hour to match the archive cadence.
			"metrics_freshness_sec": 3600,
			"limit_max":             s.cfg.ProjectionLimitMax,
			"proofmode": map[string]interface{}{
				"enabled":             true,
				"verification_filter": "verification",
				"verification_levels": []string{"verified_mobile", "verified_web", "basic_proof", "unverified"},
				"tags":                []string{"verification", "proofmode", "device_attestation", "pgp_fingerprint"},
				"info_url":            "https://proofmode.org",
			},
		},

		"search": map[string]interface{}{
			"enabled":           true,
			"entity_types":      []string{"user", "note", "video", "list", "article", "community", "hashtag"},
			"extensions":        []string{"search_types"},
			"max_results":       s.cfg.ProjectionLimitMax,
			"ranking_algorithm": "bm25",
			"features":          []string{"prefix_matching", "autocomplete", "snippet_generation", "relevance_scoring"},
		},
	}

	w.Header().Set("Content-Type", "application/nostr+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
