package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"echopilot/internal/billing"
)

const signatureHeader = "Stripe-Signature"

type checkoutRequest struct {
	Email       string            `json:"email"`
	PlanName    string            `json:"plan_name"`
	AmountCents int64             `json:"amount_cents"`
	Currency    string            `json:"currency"`
	SuccessURL  string            `json:"success_url"`
	CancelURL   string            `json:"cancel_url"`
	Metadata    map[string]string `json:"metadata"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	var req checkoutRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, s.maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "valid email is required")
		return
	}
	if strings.TrimSpace(req.PlanName) == "" || req.AmountCents <= 0 {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "plan_name and positive amount_cents are required")
		return
	}
	url, err := s.provider.CreateCheckoutSession(r.Context(), billing.CheckoutParams{
		CustomerEmail: email,
		PlanName:      req.PlanName,
		AmountCents:   req.AmountCents,
		Currency:      req.Currency,
		SuccessURL:    req.SuccessURL,
		CancelURL:     req.CancelURL,
		Metadata:      req.Metadata,
	})
	if err != nil {
		s.logger.Error("checkout session failed", "email", email, "error", err)
		s.writeError(w, r, http.StatusBadGateway, "internal_error", "payment provider unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// handleWebhook ingests signed payment-provider deliveries. The raw body is
// handed to the ingestor untouched so the signature check sees exactly what
// the provider signed.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, s.maxBodyBytes))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "could not read body")
		return
	}
	result, err := s.ingestor.Ingest(r.Context(), payload, r.Header.Get(signatureHeader))
	if err != nil {
		if errors.Is(err, billing.ErrInvalidSignature) {
			s.writeError(w, r, http.StatusBadRequest, "invalid_signature", "signature verification failed")
			return
		}
		s.logger.Error("webhook ingest failed", "event_id", result.EventID, "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "could not process event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"received":  true,
		"event_id":  result.EventID,
		"duplicate": result.Duplicate,
	})
}
