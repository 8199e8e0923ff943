package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS applies CORS headers for the given origins. "*" allows any origin.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-User-ID", "X-Correlation-ID", "Idempotency-Key"},
		ExposedHeaders: []string{"X-Correlation-ID", "X-Idempotency-Replayed"},
		MaxAge:         600,
	})
	return c.Handler
}
