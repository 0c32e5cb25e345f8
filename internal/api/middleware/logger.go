package middleware

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorehq/lore-server/internal/metrics"
)

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// probePath reports whether the path is a health probe or metrics
// scrape — excluded from access logs and HTTP metrics so dashboards
// measure real traffic.
func probePath(path string) bool {
	return path == "/health" || path == "/ready" || path == "/metrics"
}

// AccessLog returns structured request logging middleware that also
// drives the HTTP request metrics. Pass nil to skip metrics.
func AccessLog(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if probePath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := newResponseWriter(w)
			holder := &principalHolder{}
			r = r.WithContext(withHolder(r.Context(), holder))

			next.ServeHTTP(rw, r)

			duration := time.Since(start)
			if m != nil {
				m.ObserveHTTP(r.Method, r.URL.Path, rw.statusCode, duration)
			}

			event := log.Info()
			if rw.statusCode >= 400 {
				event = log.Warn()
			}
			if rw.statusCode >= 500 {
				event = log.Error()
			}

			orgID := ""
			if holder.p != nil {
				orgID = holder.p.OrgID
			}
			event.
				Str("request_id", RequestIDFrom(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rw.statusCode).
				Int("bytes", rw.bytes).
				Int64("latency_ms", duration.Milliseconds()).
				Str("org_id", orgID).
				Str("remote", r.RemoteAddr).
				Msg("request")
		})
	}
}
