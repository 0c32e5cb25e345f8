package middleware_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lorehq/lore-server/internal/api/middleware"
	"github.com/lorehq/lore-server/internal/auth"
	"github.com/lorehq/lore-server/internal/ratelimit"
	"github.com/lorehq/lore-server/pkg/contracts"
	"github.com/lorehq/lore-server/pkg/models"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var env map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return env
}

func TestRequestIDGeneratesAndEchoes(t *testing.T) {
	h := middleware.RequestID(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/lessons", nil))
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("generated request id missing from response")
	}

	req := httptest.NewRequest("GET", "/v1/lessons", nil)
	req.Header.Set("X-Request-Id", "req-from-gateway")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "req-from-gateway" {
		t.Errorf("X-Request-Id = %q, want the inbound id echoed", got)
	}
}

func TestBodyLimitRejectsDeclaredOversize(t *testing.T) {
	h := middleware.BodyLimit(okHandler())

	req := httptest.NewRequest("POST", "/v1/lessons", strings.NewReader("{}"))
	req.Header.Set("Content-Length", "2097152")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
	if env := decodeEnvelope(t, rec); env["error"] != "request_too_large" {
		t.Errorf("error = %q, want request_too_large", env["error"])
	}

	req = httptest.NewRequest("POST", "/v1/lessons", strings.NewReader("{}"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("small body: status = %d, want 200", rec.Code)
	}
}

func TestRateLimitHeadersAndExemptions(t *testing.T) {
	limiter := ratelimit.NewMemory(1, time.Minute)
	h := middleware.RateLimit(limiter)(okHandler())

	req := httptest.NewRequest("GET", "/v1/lessons", nil)
	req.Header.Set("Authorization", "Bearer lore_sk_abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "1" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("rate headers = %q/%q, want 1/0",
			rec.Header().Get("X-RateLimit-Limit"), rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 missing Retry-After")
	}
	if env := decodeEnvelope(t, rec); env["error"] != "rate_limit_exceeded" {
		t.Errorf("error = %q, want rate_limit_exceeded", env["error"])
	}

	// a different credential gets its own window
	other := httptest.NewRequest("GET", "/v1/lessons", nil)
	other.Header.Set("Authorization", "Bearer lore_sk_other")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	if rec.Code != http.StatusOK {
		t.Errorf("other credential: status = %d, want 200", rec.Code)
	}

	// probes are never throttled
	for i := 0; i < 5; i++ {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("/health request %d: status = %d, want 200", i, rec.Code)
		}
	}
}

func TestRecovererConvertsPanics(t *testing.T) {
	h := middleware.Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/lessons", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env["error"] != "internal_error" {
		t.Errorf("error = %q, want internal_error", env["error"])
	}
}

type fixedResolver struct {
	principal *contracts.Principal
	err       error
}

func (f *fixedResolver) Resolve(context.Context, string) (*contracts.Principal, error) {
	return f.principal, f.err
}
func (f *fixedResolver) Invalidate(string) {}

func TestAuthenticatorEnvelope(t *testing.T) {
	a := &middleware.Authenticator{Resolver: &fixedResolver{err: auth.ErrInvalidAPIKey}}
	rec := httptest.NewRecorder()
	a.Middleware(okHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/v1/lessons", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env["error"] != "invalid_api_key" || env["message"] == "" {
		t.Errorf("envelope = %v", env)
	}
}

func TestRequireRoleHierarchy(t *testing.T) {
	writerGate := middleware.RequireRole(models.RoleWriter)(okHandler())

	serveAs := func(role models.Role) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/lessons", nil)
		ctx := middleware.WithPrincipal(req.Context(), &contracts.Principal{
			KeyID: "key-1", OrgID: "org-1", Role: role,
		})
		rec := httptest.NewRecorder()
		writerGate.ServeHTTP(rec, req.WithContext(ctx))
		return rec
	}

	if rec := serveAs(models.RoleReader); rec.Code != http.StatusForbidden {
		t.Errorf("reader on writer route: status = %d, want 403", rec.Code)
	} else if env := decodeEnvelope(t, rec); env["error"] != "insufficient_role" {
		t.Errorf("error = %q, want insufficient_role", env["error"])
	}
	if rec := serveAs(models.RoleWriter); rec.Code != http.StatusOK {
		t.Errorf("writer on writer route: status = %d, want 200", rec.Code)
	}
	if rec := serveAs(models.RoleAdmin); rec.Code != http.StatusOK {
		t.Errorf("admin on writer route: status = %d, want 200", rec.Code)
	}

	// no principal at all
	rec := httptest.NewRecorder()
	writerGate.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/lessons", nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("missing principal: status = %d, want 403", rec.Code)
	}
}
