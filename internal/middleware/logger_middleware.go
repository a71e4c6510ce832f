package middleware

import (
	"context"
	"log"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
)

// requestInfo lets handlers further down the chain report back to the
// access log.
type requestInfo struct {
	userID int64
}

func LoggerMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := &requestInfo{}
			r = r.WithContext(context.WithValue(r.Context(), requestKey, info))

			m := httpsnoop.CaptureMetrics(next, w, r)

			user := "anonymous"
			if info.userID > 0 {
				user = strconv.FormatInt(info.userID, 10)
			}

			log.Printf("[%s] %s %s - Status: %d - Duration: %v - User: %s",
				r.Method,
				r.URL.Path,
				r.RemoteAddr,
				m.Code,
				m.Duration,
				user,
			)
		})
	}
}

// SetRequestUser records the user for the access log. The WebSocket
// handshake authenticates without AuthMiddleware and uses this.
func SetRequestUser(r *http.Request, userID int64) {
	if info, ok := r.Context().Value(requestKey).(*requestInfo); ok {
		info.userID = userID
	}
}
