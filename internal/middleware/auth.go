// Package middleware provides HTTP middleware for the relay API.
package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
)

// TokenHeader carries the platform adapter's shared secret.
const TokenHeader = "X-Relay-Token"

// RelayToken returns middleware that rejects requests whose TokenHeader does
// not match token. An empty token disables the check.
func RelayToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(TokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				slog.Warn("Rejected unauthenticated relay request", "path", r.URL.Path, "ip", r.RemoteAddr)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error": "unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
