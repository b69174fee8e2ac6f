// Package server implements the HTTP/WebSocket surface for the relay:
// the NIP-11 info document, the NIP-05 well-known endpoint, the
// WebSocket upgrade handoff into internal/session, and a small set of
// diagnostic/admin endpoints, wired with go-chi/chi the same way the
// teacher's bridge server is.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/klppl/vidrelay/internal/broker"
	"github.com/klppl/vidrelay/internal/config"
	"github.com/klppl/vidrelay/internal/query"
	"github.com/klppl/vidrelay/internal/session"
	"github.com/klppl/vidrelay/internal/store"
	"github.com/klppl/vidrelay/internal/validate"
)

const version = "1.0.0"

// PaymentVerifier abstracts the pay-to-relay settlement check so Server
// doesn't depend on any particular payment rail; the default,
// NoopPaymentVerifier in internal/server/payments.go, reports what the
// store's paid_pubkeys table already records.
type PaymentVerifier interface {
	// VerifyPayment reports whether pubkey has an active paid period,
	// returning its expiry as a Unix timestamp when true.
	VerifyPayment(pubkey string) (paid bool, expiresAt int64, err error)
}

// Server is the relay's HTTP/WebSocket front door for one shard.
type Server struct {
	cfg         *config.Config
	store       *store.Store
	validator   *validate.Pipeline
	query       *query.Executor
	hub         *session.Hub
	broker      *broker.Broker
	locationRtr *broker.Router
	payments    PaymentVerifier

	mux       *chi.Mux
	upgrader  websocket.Upgrader
	startedAt time.Time
}

// New builds a Server. broker and locationRtr may both be nil for a
// single-shard deployment with no geo-routing.
func New(cfg *config.Config, st *store.Store, validator *validate.Pipeline, qe *query.Executor, hub *session.Hub, brk *broker.Broker, locationRtr *broker.Router, payments PaymentVerifier) *Server {
	s := &Server{
		cfg:         cfg,
		store:       st,
		validator:   validator,
		query:       qe,
		hub:         hub,
		broker:      brk,
		locationRtr: locationRtr,
		payments:    payments,
		upgrader:    websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		startedAt:   time.Now(),
	}
	s.mux = s.buildRouter()
	return s
}

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) {
	addr := ":" + s.cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting HTTP server", "addr", addr, "shard", s.cfg.ShardID)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/", s.handleRoot)
	r.Get("/.well-known/nostr.json", s.handleNIP05)
	r.Get("/_migrations", s.handleMigrations)
	r.Get("/_stats", s.handleStats)
	r.Get("/health", s.handleHealth)

	r.Get("/payments/check", s.handlePaymentCheck)
	r.Post("/payments/notify", s.handlePaymentNotify)

	if s.broker != nil {
		r.Post("/_broker/relay", s.broker.ReceiveHandler())
	}

	return r
}

// handleRoot serves the NIP-11 info document when the client asks for
// it via the Accept header, and a plain landing page otherwise — the
// same content-negotiated single route every Nostr relay uses.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Accept") == "application/nostr+json" {
		s.handleInfo(w, r)
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		s.handleWebSocket(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%s\n%s\n\nrunning on shard %s\n", s.cfg.RelayName, s.cfg.RelayDescription, s.cfg.ShardID)
}

// handleWebSocket upgrades the connection locally unless geo-routing
// says a sibling shard is the better fit and that peer's base URL is
// known, in which case it redirects the client there instead. Per
// spec, if the preferred shard can't be reached this way the client
// falls back to the shard it actually dialed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if redirectURL, ok := s.preferredPeerURL(r); ok {
		http.Redirect(w, r, redirectURL, http.StatusTemporaryRedirect)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}
	sess := session.New(conn, s.hub, s.cfg, s.validator, s.store, s.query)
	sess.Run(r.Context())
}

// preferredPeerURL reports the ws(s):// URL of a sibling shard this
// connection should be redirected to, based on CF-IPCountry/
// CF-IPContinent headers (the common reverse-proxy convention for
// geo hints, since Nostr itself carries no location data). It returns
// false whenever geo-routing is disabled, the preferred shard is this
// one, or no base URL for that shard is configured — all of which mean
// "serve the connection locally instead."
func (s *Server) preferredPeerURL(r *http.Request) (string, bool) {
	if s.locationRtr == nil {
		return "", false
	}
	country := r.Header.Get("CF-IPCountry")
	continent := r.Header.Get("CF-IPContinent")
	if country == "" && continent == "" {
		return "", false
	}

	preferred := s.locationRtr.Route(country, continent)
	if preferred == "" || preferred == s.cfg.ShardID {
		return "", false
	}
	base, ok := s.cfg.ShardPeers[preferred]
	if !ok || base == "" {
		return "", false
	}
	return wsURL(base, r.URL.RequestURI()), true
}

// wsURL rewrites an http(s):// base URL to ws(s):// and appends path,
// so a redirect from an https shard lands the client on the right
// WebSocket scheme for that same shard.
func wsURL(base, path string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + path
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + path
	default:
		return base + path
	}
}

func (s *Server) handleMigrations(w http.ResponseWriter, r *http.Request) {
	applied, err := s.store.AppliedMigrations()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]interface{}{"applied": applied}, http.StatusOK)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"shard":         s.cfg.ShardID,
		"started_at":    s.startedAt.Unix(),
		"live_sessions": s.hub.SessionCount(),
	}
	jsonResponse(w, stats, http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.store.Ping() == nil
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	jsonResponse(w, map[string]interface{}{
		"status":      map[bool]string{true: "ok", false: "degraded"}[dbOK],
		"shard":       s.cfg.ShardID,
		"shard_count": len(s.cfg.Shards),
		"db_ok":       dbOK,
	}, status)
}

func jsonResponse(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}
