package server

import (
	"encoding/json"
	"net/http"

	"github.com/klppl/vidrelay/internal/store"
)

// NoopPaymentVerifier is the default PaymentVerifier: it defers to the
// store's paid_pubkeys table but never marks anything paid itself,
// since settling an actual payment (Lightning, on-chain, or otherwise)
// is out of this relay's scope per spec.md's pay-to-relay non-goal —
// a real deployment injects its own PaymentVerifier wrapping whatever
// payment rail it integrates.
type NoopPaymentVerifier struct {
	store *store.Store
}

// NewNoopPaymentVerifier builds a verifier that only reports pubkeys
// already marked paid via MarkPaid (e.g. by an out-of-band admin tool
// or a collaborator that has already settled the payment).
func NewNoopPaymentVerifier(st *store.Store) *NoopPaymentVerifier {
	return &NoopPaymentVerifier{store: st}
}

func (v *NoopPaymentVerifier) VerifyPayment(pubkey string) (bool, int64, error) {
	paid, err := v.store.IsPaidPubkey(pubkey)
	if err != nil || !paid {
		return false, 0, err
	}
	var expiresAt int64
	err = v.store.DB().QueryRow(
		`SELECT expires_at FROM paid_pubkeys WHERE pubkey = `+v.store.Placeholder(1), pubkey,
	).Scan(&expiresAt)
	if err != nil {
		return false, 0, err
	}
	return true, expiresAt, nil
}

// handlePaymentCheck reports whether a pubkey currently has write
// access under the pay-to-relay gate.
func (s *Server) handlePaymentCheck(w http.ResponseWriter, r *http.Request) {
	pubkey := r.URL.Query().Get("pubkey")
	if pubkey == "" {
		http.Error(w, "missing pubkey", http.StatusBadRequest)
		return
	}
	if !s.cfg.PayToRelayEnabled {
		jsonResponse(w, map[string]interface{}{"pay_to_relay": false, "paid": true}, http.StatusOK)
		return
	}
	paid, expiresAt, err := s.payments.VerifyPayment(pubkey)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]interface{}{
		"pay_to_relay": true,
		"paid":         paid,
		"expires_at":   expiresAt,
		"price_sats":   s.cfg.PayToRelayPrice,
		"pubkey":       s.cfg.PayToRelayPubkey,
	}, http.StatusOK)
}

// handlePaymentNotify lets an external payment collaborator notify the
// relay a pubkey has settled, recording the expiry directly. This is
// the "interfaced only" seam spec.md asks for: no settlement logic
// lives here, just the record of the outcome.
func (s *Server) handlePaymentNotify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pubkey    string `json:"pubkey"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Pubkey == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.store.MarkPaid(body.Pubkey, body.ExpiresAt); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
