package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/v1/lessons", "/v1/lessons"},
		{"/v1/lessons/01HQXW5Y8ZJ4N2M6P8R0T3V5X7", "/v1/lessons/:id"},
		{"/v1/lessons/01HQXW5Y8ZJ4N2M6P8R0T3V5X7/rate", "/v1/lessons/:id/rate"},
		{"/v1/keys/550e8400-e29b-41d4-a716-446655440000", "/v1/keys/:id"},
		{"/v1/sharing/deny-list/507f1f77bcf86cd799439011", "/v1/sharing/deny-list/:id"},
		{"/v1/lessons/12345", "/v1/lessons/:id"},
		{"/v1/sharing/agents/crawler-7", "/v1/sharing/agents/crawler-7"},
		{"/health", "/health"},
	}
	for _, tt := range tests {
		if got := NormalizePath(tt.in); got != tt.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExpositionContainsRegisteredSeries(t *testing.T) {
	m := New()
	m.ObserveHTTP("GET", "/v1/lessons/01HQXW5Y8ZJ4N2M6P8R0T3V5X7", 200, 25*time.Millisecond)
	m.LessonsSaved.Inc()
	m.RegisterPoolGauges(func() (int, int) { return 10, 4 })

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		`http_requests_total{method="GET",path="/v1/lessons/:id",status="200"} 1`,
		"lore_lessons_saved_total 1",
		"lore_db_pool_size 10",
		"lore_db_pool_available 4",
		"http_request_duration_seconds_bucket",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
	// the private registry never exposes Go runtime series
	if strings.Contains(body, "go_goroutines") {
		t.Error("exposition leaked default runtime collectors")
	}
}
