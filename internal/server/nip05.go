package server

import (
	"fmt"
	"net/http"
)

// handleNIP05 serves this relay's own well-known identity mapping. A
// relay process typically identifies a single operator pubkey (its
// RelayPubkey) under one local name; unlike a full profile service it
// does not resolve arbitrary third-party handles.
func (s *Server) handleNIP05(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" || s.cfg.RelayPubkey == "" || name != relayNIP05Name(s.cfg.RelayName) {
		jsonResponse(w, map[string]interface{}{"names": map[string]string{}}, http.StatusOK)
		return
	}

	jsonResponse(w, map[string]interface{}{
		"names":  map[string]string{name: s.cfg.RelayPubkey},
		"relays": map[string][]string{s.cfg.RelayPubkey: {selfWebSocketURL(r)}},
	}, http.StatusOK)
}

func relayNIP05Name(relayName string) string {
	return relayName
}

func selfWebSocketURL(r *http.Request) string {
	scheme := "wss"
	if r.TLS == nil {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}
