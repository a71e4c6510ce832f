package middleware

import (
	"context"
	"net/http"
	"strings"

	"ultraboard-sync-server/pkg/jwt"
	"ultraboard-sync-server/pkg/response"
)

type contextKey string

const (
	IdentityKey contextKey = "identity"
	requestKey  contextKey = "request"
)

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

func AuthMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			if r.Header.Get("Authorization") == "" {
				response.Unauthorized(w, "Missing authorization header")
				return
			}

			token := BearerToken(r)
			if token == "" {
				response.Unauthorized(w, "Invalid authorization header format")
				return
			}

			claims, err := jwt.ValidateToken(token, jwtSecret)
			if err != nil {
				response.Unauthorized(w, "Invalid or expired token")
				return
			}

			id := claims.Identity()
			SetRequestUser(r, id.UserID)

			ctx := context.WithValue(r.Context(), IdentityKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetIdentity(r *http.Request) (jwt.Identity, bool) {
	id, ok := r.Context().Value(IdentityKey).(jwt.Identity)
	return id, ok
}

func GetUserID(r *http.Request) int64 {
	id, ok := GetIdentity(r)
	if !ok {
		return 0
	}
	return id.UserID
}
