package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Middleware returns HTTP middleware that requires apiKey on every path
// not in skipPaths. An empty apiKey disables the check. With a non-nil
// guard, clients that keep failing are blocked for a while.
func Middleware(apiKey string, skipPaths []string, guard *Guard) func(http.Handler) http.Handler {
	skipSet := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skipSet[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" || skipSet[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := ClientIP(r)
			if guard.Blocked(clientIP) {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", guard.RetryAfter(clientIP)))
				writeError(w, http.StatusTooManyRequests, "too_many_failures",
					"Too many failed authentication attempts. Try again later.")
				return
			}

			if !ValidateKey(KeyFromRequest(r), apiKey) {
				guard.Failure(clientIP)
				writeError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid API key")
				return
			}
			guard.Success(clientIP)

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit returns HTTP middleware that applies limiter to the key
// returned by keyFunc. Requests with an empty key, or a nil limiter, pass.
func RateLimit(limiter *Limiter, keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if limiter == nil || key == "" || limiter.Allow(key) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded. Try again later.")
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
