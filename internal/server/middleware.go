package server

import (
	"net/http"
	"runtime/debug"
	"strconv"

	"echopilot/internal/quota"
	"echopilot/internal/util"
)

// recovered converts handler panics into internal_error responses carrying
// the request's correlation id. The stack goes to the log, never the client.
func (s *Server) recovered(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			s.logger.Error("handler panic",
				"path", r.URL.Path,
				"panic", rec,
				"request_id", util.RequestIDFromRequest(r),
				"stack", string(debug.Stack()),
			)
			s.writeError(w, r, http.StatusInternalServerError, "internal_error", "unexpected error")
		}()
		next.ServeHTTP(w, r)
	})
}

// bodyLimited caps request body size for every route.
func (s *Server) bodyLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimited applies the sliding-window limiter to everything except the
// liveness probes. The identifier is the presented API key when there is
// one, else the client IP, so keyed callers do not share an IP budget.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || isLivenessPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		identifier := util.ClientIP(r, s.proxies)
		if token, ok := bearerToken(r); ok {
			identifier = quota.HashKey(token)
		}
		decision := s.limiter.Allow(identifier, r.URL.Path)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))
		if !decision.Allowed {
			retryAfter := decision.Reset.Sub(s.clock.Now())
			seconds := int(retryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			s.writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLivenessPath(path string) bool {
	switch path {
	case "/health", "/ready", "/status":
		return true
	}
	return false
}
