// Package server exposes the HTTP surface: job intake and status, user
// CRUD, billing checkout and webhook ingest, quota-gated sandbox routes,
// key management, and read-only telemetry.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"echopilot/internal/admintoken"
	"echopilot/internal/billing"
	"echopilot/internal/processor"
	"echopilot/internal/quota"
	"echopilot/internal/ratelimit"
	"echopilot/internal/util"
	"echopilot/internal/webhook"
	"echopilot/pkg/clock"
	"echopilot/pkg/queue"
	"echopilot/pkg/store"
)

const (
	defaultMaxBodyBytes = 512 * 1024
	webhookPath         = "/billing/webhook"
	timeLayout          = time.RFC3339
)

func correlationID(r *http.Request) string {
	return util.RequestIDFromRequest(r)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	Store      store.Store
	Processor  *processor.Processor
	Quota      *quota.Enforcer
	Ingestor   *webhook.Ingestor
	Provider   billing.Provider
	Dispatcher queue.Dispatcher
	Limiter    *ratelimit.SlidingWindowLimiter

	// AdminVerifier and AdminToken gate /ops/*; either credential admits.
	AdminVerifier *admintoken.Verifier
	AdminToken    string

	// APIKeys and APIKeysNext are the accepted static intake keys. Both
	// sets are valid at once so keys rotate without a hard cutover.
	APIKeys     []string
	APIKeysNext []string

	CORSAllowedOrigins []string
	TrustedProxies     *util.TrustedProxies
	MaxBodyBytes       int64
	Clock              clock.Clock
	Logger             *slog.Logger
}

// Server routes HTTP requests to the engine components.
type Server struct {
	store        store.Store
	processor    *processor.Processor
	quota        *quota.Enforcer
	ingestor     *webhook.Ingestor
	provider     billing.Provider
	dispatcher   queue.Dispatcher
	limiter      *ratelimit.SlidingWindowLimiter
	admin        *admintoken.Verifier
	adminToken   string
	staticKeys   map[string]struct{}
	cors         []string
	proxies      *util.TrustedProxies
	maxBodyBytes int64
	clock        clock.Clock
	logger       *slog.Logger
	startedAt    time.Time
	mux          *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	keys := make(map[string]struct{}, len(cfg.APIKeys)+len(cfg.APIKeysNext))
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys[k] = struct{}{}
		}
	}
	for _, k := range cfg.APIKeysNext {
		if k = strings.TrimSpace(k); k != "" {
			keys[k] = struct{}{}
		}
	}

	s := &Server{
		store:        cfg.Store,
		processor:    cfg.Processor,
		quota:        cfg.Quota,
		ingestor:     cfg.Ingestor,
		provider:     cfg.Provider,
		dispatcher:   cfg.Dispatcher,
		limiter:      cfg.Limiter,
		admin:        cfg.AdminVerifier,
		adminToken:   strings.TrimSpace(cfg.AdminToken),
		staticKeys:   keys,
		cors:         cfg.CORSAllowedOrigins,
		proxies:      cfg.TrustedProxies,
		maxBodyBytes: maxBody,
		clock:        clk,
		logger:       logger,
		startedAt:    clk.Now().UTC(),
		mux:          http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the mux wrapped in the shared middleware chain.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = s.rateLimited(h)
	h = s.bodyLimited(h)
	h = util.WithCORS(s.cors, h)
	h = util.WithSecurityHeaders([]string{webhookPath}, h)
	h = util.WithRequestLog(h)
	h = util.WithRequestID(h)
	h = s.recovered(h)
	return h
}

func (s *Server) routes() {
	// jobs
	s.mux.Handle("/api/v1/intake", s.keyAuthenticated(s.handleIntake))
	s.mux.HandleFunc("/api/v1/status/", s.handleJobStatus)

	// users
	s.mux.Handle("/api/v1/users/upsert", s.keyAuthenticated(s.handleUserUpsert))
	s.mux.HandleFunc("/api/v1/users", s.handleUserLookup)
	s.mux.HandleFunc("/api/v1/users/", s.handleUserByID)
	s.mux.Handle("/api/v1/referrals", s.keyAuthenticated(s.handleReferrals))

	// api keys
	s.mux.Handle("/api/v1/keys", s.keyAuthenticated(s.handleKeys))
	s.mux.Handle("/api/v1/keys/", s.keyAuthenticated(s.handleKeyByID))

	// billing
	s.mux.HandleFunc("/billing/create-checkout-session", s.handleCheckout)
	s.mux.HandleFunc(webhookPath, s.handleWebhook)

	// sandbox
	s.mux.HandleFunc("/api/sandbox/", s.handleSandbox)

	// liveness and telemetry
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ready", s.handleHealth)
	s.mux.HandleFunc("/status", s.handleHealth)
	s.mux.HandleFunc("/public/metrics", s.handleMetrics)
	s.mux.Handle("/ops/queue", s.adminOnly(s.handleOpsQueue))
	s.mux.Handle("/ops/dunning", s.adminOnly(s.handleOpsDunning))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"ts": s.clock.Now().UTC().Format(time.RFC3339),
	})
}

// keyAuthenticated admits requests carrying one of the static bearer keys.
func (s *Server) keyAuthenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing API key")
			return
		}
		if _, accepted := s.staticKeys[token]; !accepted {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "unknown API key")
			return
		}
		next(w, r)
	})
}

// adminOnly admits either the configured ops token or a valid admin JWT.
func (s *Server) adminOnly(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing credential")
			return
		}
		if s.adminToken != "" && token == s.adminToken {
			next(w, r)
			return
		}
		if s.admin != nil {
			if _, err := s.admin.VerifyAdmin(token); err == nil {
				next(w, r)
				return
			}
		}
		s.writeError(w, r, http.StatusForbidden, "forbidden", "admin credential required")
	})
}

type errorBody struct {
	Error         string `json:"error"`
	Details       string `json:"details,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, kind, details string) {
	writeJSON(w, status, errorBody{
		Error:         kind,
		Details:       details,
		CorrelationID: util.RequestIDFromRequest(r),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{
		Error:         "bad_request",
		Details:       "method not allowed",
		CorrelationID: util.RequestIDFromRequest(r),
	})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
