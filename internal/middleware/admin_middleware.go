package middleware

import (
	"log"
	"net/http"
	"strings"

	"ultraboard-sync-server/pkg/hash"
	"ultraboard-sync-server/pkg/response"
)

const AdminKeyHeader = "X-Admin-Key"

// AdminKeyMiddleware guards operator endpoints with a shared key whose
// bcrypt hash comes from configuration. With no hash configured the routes
// are closed.
func AdminKeyMiddleware(keyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			if keyHash == "" {
				response.Forbidden(w, "Admin endpoints are disabled")
				return
			}

			key := r.Header.Get(AdminKeyHeader)
			if key == "" {
				response.Unauthorized(w, "Admin key required")
				return
			}

			if err := hash.CompareKey(keyHash, key); err != nil {
				log.Printf("[Admin] rejected key from %s for %s", clientIP(r), r.URL.Path)
				response.Forbidden(w, "Invalid admin key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	// Check X-Forwarded-For header first (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	if i := strings.LastIndex(r.RemoteAddr, ":"); i > 0 {
		return r.RemoteAddr[:i]
	}
	return r.RemoteAddr
}
