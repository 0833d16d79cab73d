package util

import (
	"net/http"

	"github.com/rs/cors"
)

// WithCORS restricts browser callers to the configured origin allowlist.
// An empty allowlist disables cross-origin access entirely.
func WithCORS(allowedOrigins []string, next http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-API-Key"},
		MaxAge:         300,
	})
	return c.Handler(next)
}
