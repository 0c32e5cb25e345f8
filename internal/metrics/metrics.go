// Package metrics exposes the Prometheus instrumentation for the Lore
// server. A private registry keeps the exposition surface deliberate:
// only what is registered here is scraped, never the Go runtime
// defaults of whatever library happens to self-register.
package metrics

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every instrument the server records.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	LessonsSaved        prometheus.Counter
	RecallQueries       prometheus.Counter
	EmbeddingLatency    prometheus.Histogram
	VectorSearchLatency prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, normalized path, and status code.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by method and normalized path.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		LessonsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lore_lessons_saved_total",
			Help: "Lessons persisted via the write path.",
		}),
		RecallQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lore_recall_queries_total",
			Help: "Ranked recall searches executed.",
		}),
		EmbeddingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lore_embedding_latency_seconds",
			Help:    "Time spent handling embedding payloads.",
			Buckets: prometheus.DefBuckets,
		}),
		VectorSearchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lore_vector_search_latency_seconds",
			Help:    "Time spent in vector similarity search.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.LessonsSaved,
		m.RecallQueries,
		m.EmbeddingLatency,
		m.VectorSearchLatency,
	)
	return m
}

// RegisterPoolGauges exposes the database pool size and idle count,
// read live at scrape time.
func (m *Metrics) RegisterPoolGauges(stats func() (size, available int)) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "lore_db_pool_size",
			Help: "Total connections in the database pool.",
		}, func() float64 {
			size, _ := stats()
			return float64(size)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "lore_db_pool_available",
			Help: "Idle connections in the database pool.",
		}, func() float64 {
			_, available := stats()
			return float64(available)
		}),
	)
}

// Handler serves the exposition endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one completed request.
func (m *Metrics) ObserveHTTP(method, path string, status int, duration time.Duration) {
	p := NormalizePath(path)
	m.httpRequests.WithLabelValues(method, p, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, p).Observe(duration.Seconds())
}

// idSegment matches path segments that are identifiers: integers,
// UUIDs, 24-char hex ids, or 26-char ULIDs.
var idSegment = regexp.MustCompile(`^(?:\d+|[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}|[0-9a-fA-F]{24}|[0-9A-HJKMNP-TV-Z]{26})$`)

// NormalizePath replaces identifier segments with ":id" so metric
// cardinality stays bounded no matter how many resources exist.
func NormalizePath(path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		if s != "" && idSegment.MatchString(s) {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}
