// Admin API authentication: a static bearer token.
//
// Every request except the health check and the metrics scrape must carry
//
//	Authorization: Bearer <token>
//
// or:
//
//	X-API-Key: <token>
//
// WebSocket upgrades may pass the token as ?token=<token> instead.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/sipeed/misskeybot/pkg/logger"
)

// authMiddleware wraps a handler with bearer token checking. An empty token
// disables the check; NewServer generates one so that only happens when
// the random source fails.
func authMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		logger.WarnC("auth", "Admin API auth disabled: no token configured")
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if !tokenValid(extractToken(r), apiKey) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="misskeybot"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "unauthorized: bearer token required",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractToken pulls the bearer token from Authorization header,
// X-API-Key header, or ?token= query param (for WebSocket upgrades).
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return r.URL.Query().Get("token")
}

// tokenValid does a constant-time comparison.
func tokenValid(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

func isPublicPath(path string) bool {
	return path == "/api/health" || path == "/metrics"
}
