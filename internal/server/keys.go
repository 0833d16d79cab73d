package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"echopilot/internal/quota"
	"echopilot/pkg/domain"
	"echopilot/pkg/store"
)

type createKeyRequest struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier"`
}

type createKeyResponse struct {
	// Key is the raw secret, returned exactly once at creation.
	Key    string        `json:"key"`
	APIKey domain.APIKey `json:"api_key"`
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createKey(w, r)
	case http.MethodGet:
		s.listKeys(w, r)
	default:
		methodNotAllowed(w, r)
	}
}

func (s *Server) createKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, s.maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "user_id is required")
		return
	}
	tier, valid := parseTier(req.Tier)
	if !valid {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "tier must be sandbox or production")
		return
	}
	if _, found, err := s.store.GetUserByID(userID); err != nil {
		s.logger.Error("key owner lookup failed", "user_id", userID, "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "could not load user")
		return
	} else if !found {
		s.writeError(w, r, http.StatusNotFound, "not_found", "unknown user")
		return
	}
	raw, key := quota.Mint(userID, tier, s.clock)
	if err := s.store.CreateAPIKey(key); err != nil {
		s.logger.Error("key create failed", "user_id", userID, "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "could not save key")
		return
	}
	writeJSON(w, http.StatusCreated, createKeyResponse{Key: raw, APIKey: key})
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "user_id query parameter is required")
		return
	}
	keys, err := s.store.ListAPIKeysByUser(userID)
	if err != nil {
		s.logger.Error("key list failed", "user_id", userID, "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "could not load keys")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": keys,
		"count": len(keys),
	})
}

func (s *Server) handleKeyByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r)
		return
	}
	keyID := strings.TrimPrefix(r.URL.Path, "/api/v1/keys/")
	if keyID == "" || strings.Contains(keyID, "/") {
		s.writeError(w, r, http.StatusNotFound, "not_found", "unknown key")
		return
	}
	if err := s.store.RevokeAPIKey(keyID); err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			s.writeError(w, r, http.StatusNotFound, "not_found", "unknown key")
			return
		}
		s.logger.Error("key revoke failed", "key_id", keyID, "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "could not revoke key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseTier(raw string) (domain.KeyTier, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(domain.TierSandbox):
		return domain.TierSandbox, true
	case string(domain.TierProduction):
		return domain.TierProduction, true
	default:
		return "", false
	}
}
