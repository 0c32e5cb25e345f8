package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/lorehq/lore-server/internal/ratelimit"
)

// RateLimit applies the sliding-window limiter, keyed by bearer token
// when one is present (each credential gets its own window) and client
// address otherwise. Probe and scrape endpoints are exempt.
func RateLimit(limiter ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/health", "/ready", "/metrics":
				next.ServeHTTP(w, r)
				return
			}

			d := limiter.Allow(r.Context(), rateKey(r))
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded",
					"Too many requests. Retry after "+strconv.Itoa(d.RetryAfter)+" seconds.")
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			next.ServeHTTP(w, r)
		})
	}
}

func rateKey(r *http.Request) string {
	if token := BearerToken(r); token != "" {
		return token
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// BearerToken extracts the Authorization bearer credential, or "".
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
