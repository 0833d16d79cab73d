package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"echopilot/internal/util"
	"echopilot/pkg/domain"
	"echopilot/pkg/store"
)

type upsertUserRequest struct {
	Email    string            `json:"email"`
	Name     string            `json:"name"`
	Locale   string            `json:"locale"`
	Currency string            `json:"currency"`
	Meta     map[string]string `json:"meta"`
}

func (s *Server) handleUserUpsert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	var req upsertUserRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, s.maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "valid email is required")
		return
	}
	user, created, err := s.store.UpsertUserByEmail(domain.User{
		Email:       email,
		DisplayName: strings.TrimSpace(req.Name),
		Locale:      strings.TrimSpace(req.Locale),
		Currency:    strings.TrimSpace(req.Currency),
		Meta:        req.Meta,
	})
	if err != nil {
		s.logger.Error("user upsert failed", "email", email, "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "could not save user")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, user)
}

// handleUserLookup serves GET /api/v1/users?email=.
func (s *Server) handleUserLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	email := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("email")))
	if email == "" {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "email query parameter is required")
		return
	}
	user, found, err := s.store.GetUserByEmail(email)
	if err != nil {
		s.logger.Error("user lookup failed", "email", email, "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "could not load user")
		return
	}
	if !found {
		s.writeError(w, r, http.StatusNotFound, "not_found", "unknown user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type patchUserRequest struct {
	Name             *string           `json:"name"`
	Locale           *string           `json:"locale"`
	Currency         *string           `json:"currency"`
	MarketingConsent *string           `json:"marketing_consent"`
	TermsVersion     *string           `json:"terms_version"`
	TermsAccepted    *bool             `json:"terms_accepted"`
	Meta             map[string]string `json:"meta"`
}

func (s *Server) handleUserByID(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimPrefix(r.URL.Path, "/api/v1/users/")
	if userID == "" || strings.Contains(userID, "/") {
		s.writeError(w, r, http.StatusNotFound, "not_found", "unknown user")
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.getUser(w, r, userID)
	case http.MethodPatch:
		s.patchUser(w, r, userID)
	default:
		methodNotAllowed(w, r)
	}
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request, userID string) {
	user, found, err := s.store.GetUserByID(userID)
	if err != nil {
		s.logger.Error("user lookup failed", "user_id", userID, "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "could not load user")
		return
	}
	if !found {
		s.writeError(w, r, http.StatusNotFound, "not_found", "unknown user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) patchUser(w http.ResponseWriter, r *http.Request, userID string) {
	token, ok := bearerToken(r)
	if !ok {
		s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing API key")
		return
	}
	if _, accepted := s.staticKeys[token]; !accepted {
		s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "unknown API key")
		return
	}
	var req patchUserRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, s.maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	upd := store.UserUpdate{
		DisplayName:  req.Name,
		Locale:       req.Locale,
		Currency:     req.Currency,
		TermsVersion: req.TermsVersion,
		Meta:         req.Meta,
	}
	if req.MarketingConsent != nil {
		consent, valid := parseConsent(*req.MarketingConsent)
		if !valid {
			s.writeError(w, r, http.StatusBadRequest, "bad_request", "invalid marketing_consent")
			return
		}
		upd.MarketingConsent = &consent
	}
	if req.TermsAccepted != nil && *req.TermsAccepted {
		now := s.clock.Now().UTC()
		upd.TermsAcceptedAt = &now
	}
	user, found, err := s.store.UpdateUser(userID, upd)
	if err != nil {
		s.logger.Error("user update failed", "user_id", userID, "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "could not update user")
		return
	}
	if !found {
		s.writeError(w, r, http.StatusNotFound, "not_found", "unknown user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func parseConsent(raw string) (domain.MarketingConsent, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(domain.ConsentNone):
		return domain.ConsentNone, true
	case string(domain.ConsentPending):
		return domain.ConsentPending, true
	case string(domain.ConsentConfirmed):
		return domain.ConsentConfirmed, true
	default:
		return "", false
	}
}

type referralRequest struct {
	ReferrerUserID string `json:"referrer_user_id"`
	ReferredEmail  string `json:"referred_email"`
	Code           string `json:"code"`
}

func (s *Server) handleReferrals(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createReferral(w, r)
	case http.MethodGet:
		s.listReferrals(w, r)
	default:
		methodNotAllowed(w, r)
	}
}

func (s *Server) createReferral(w http.ResponseWriter, r *http.Request) {
	var req referralRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, s.maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	referrerID := strings.TrimSpace(req.ReferrerUserID)
	email := strings.ToLower(strings.TrimSpace(req.ReferredEmail))
	if referrerID == "" || email == "" || !strings.Contains(email, "@") {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "referrer_user_id and referred_email are required")
		return
	}
	referrer, found, err := s.store.GetUserByID(referrerID)
	if err != nil {
		s.logger.Error("referrer lookup failed", "user_id", referrerID, "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "could not load referrer")
		return
	}
	if !found {
		s.writeError(w, r, http.StatusNotFound, "not_found", "unknown referrer")
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		code = referrer.ReferralCode
	}
	if code == "" {
		code = util.NewID()
	}
	referral := domain.Referral{
		ID:            util.NewID(),
		ReferrerID:    referrer.ID,
		ReferredEmail: email,
		Code:          code,
		CreatedAt:     s.clock.Now().UTC(),
	}
	if err := s.store.CreateReferral(referral); err != nil {
		s.logger.Error("referral create failed", "user_id", referrerID, "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "could not save referral")
		return
	}
	writeJSON(w, http.StatusCreated, referral)
}

func (s *Server) listReferrals(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "user_id query parameter is required")
		return
	}
	referrals, err := s.store.ListReferralsByUser(userID)
	if err != nil {
		s.logger.Error("referral list failed", "user_id", userID, "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "could not load referrals")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": referrals,
		"count": len(referrals),
	})
}
