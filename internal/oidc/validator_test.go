package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// jwksServer serves a swappable key set at the well-known path.
type jwksServer struct {
	*httptest.Server
	mu   sync.Mutex
	body []byte
}

func newJWKSServer(t *testing.T) *jwksServer {
	t.Helper()
	s := &jwksServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write(s.body)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) serve(t *testing.T, keys map[string]*rsa.PublicKey) {
	t.Helper()
	set := jwk.NewSet()
	for kid, pub := range keys {
		k, err := jwk.FromRaw(pub)
		if err != nil {
			t.Fatalf("jwk.FromRaw: %v", err)
		}
		k.Set(jwk.KeyIDKey, kid)
		k.Set(jwk.AlgorithmKey, "RS256")
		set.AddKey(k)
	}
	body, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	s.mu.Lock()
	s.body = body
	s.mu.Unlock()
}

func signToken(t *testing.T, priv *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func baseClaims(issuer string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":       issuer,
		"sub":       "user-1",
		"email":     "dev@example.com",
		"tenant_id": "org-1",
		"role":      "writer",
		"exp":       time.Now().Add(time.Hour).Unix(),
		"iat":       time.Now().Unix(),
	}
}

func TestValidateRS256(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := newJWKSServer(t)
	srv.serve(t, map[string]*rsa.PublicKey{"kid-1": &priv.PublicKey})

	v := New(Config{Issuer: srv.URL, RoleClaim: "role", OrgClaim: "tenant_id"})
	token := signToken(t, priv, "kid-1", baseClaims(srv.URL))

	id := v.Validate(context.Background(), token)
	if id == nil {
		t.Fatal("Validate returned nil for a valid token")
	}
	if id.Subject != "user-1" || id.OrgID != "org-1" || id.Role != "writer" || id.Email != "dev@example.com" {
		t.Errorf("identity = %+v", id)
	}
}

func TestValidateRejections(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := newJWKSServer(t)
	srv.serve(t, map[string]*rsa.PublicKey{"kid-1": &priv.PublicKey})

	v := New(Config{Issuer: srv.URL, Audience: "lore", RoleClaim: "role", OrgClaim: "tenant_id"})

	expired := baseClaims(srv.URL)
	expired["aud"] = "lore"
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	wrongIssuer := baseClaims("https://evil.example.com")
	wrongIssuer["aud"] = "lore"

	wrongAudience := baseClaims(srv.URL)
	wrongAudience["aud"] = "other-service"

	noExp := baseClaims(srv.URL)
	noExp["aud"] = "lore"
	delete(noExp, "exp")

	tests := []struct {
		name  string
		token string
	}{
		{"expired", signToken(t, priv, "kid-1", expired)},
		{"wrong issuer", signToken(t, priv, "kid-1", wrongIssuer)},
		{"wrong audience", signToken(t, priv, "kid-1", wrongAudience)},
		{"missing exp", signToken(t, priv, "kid-1", noExp)},
		{"garbage", "not.a.jwt"},
	}
	for _, tt := range tests {
		if got := v.Validate(context.Background(), tt.token); got != nil {
			t.Errorf("%s: Validate = %+v, want nil", tt.name, got)
		}
	}

	// HMAC tokens must never verify, even with a "valid" signature.
	hmacClaims := baseClaims(srv.URL)
	hmacClaims["aud"] = "lore"
	hmacTok := jwt.NewWithClaims(jwt.SigningMethodHS256, hmacClaims)
	hmacTok.Header["kid"] = "kid-1"
	signed, err := hmacTok.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign hmac token: %v", err)
	}
	if got := v.Validate(context.Background(), signed); got != nil {
		t.Errorf("HS256 token verified: %+v", got)
	}

	// a token without a kid header cannot be matched to a JWKS key
	noKid := jwt.NewWithClaims(jwt.SigningMethodRS256, hmacClaims)
	signed, err = noKid.SignedString(priv)
	if err != nil {
		t.Fatalf("sign no-kid token: %v", err)
	}
	if got := v.Validate(context.Background(), signed); got != nil {
		t.Errorf("kid-less token verified: %+v", got)
	}
}

func TestKeyRotation(t *testing.T) {
	priv1, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	priv2, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := newJWKSServer(t)
	srv.serve(t, map[string]*rsa.PublicKey{"kid-1": &priv1.PublicKey})

	v := New(Config{Issuer: srv.URL, RoleClaim: "role", OrgClaim: "tenant_id"})
	ctx := context.Background()

	if id := v.Validate(ctx, signToken(t, priv1, "kid-1", baseClaims(srv.URL))); id == nil {
		t.Fatal("pre-rotation token rejected")
	}

	// The IdP rotates. The cached set is still fresh, so the unknown
	// kid forces one refetch and the new key verifies.
	srv.serve(t, map[string]*rsa.PublicKey{"kid-2": &priv2.PublicKey})
	if id := v.Validate(ctx, signToken(t, priv2, "kid-2", baseClaims(srv.URL))); id == nil {
		t.Fatal("post-rotation token rejected after forced refetch")
	}

	// Immediately after, another unknown kid is throttled.
	priv3, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv.serve(t, map[string]*rsa.PublicKey{"kid-3": &priv3.PublicKey})
	if id := v.Validate(ctx, signToken(t, priv3, "kid-3", baseClaims(srv.URL))); id != nil {
		t.Fatal("throttled refetch still verified an unknown kid")
	}

	// Once the throttle window passes, the refetch goes through.
	v.mu.Lock()
	v.lastForced = time.Now().Add(-2 * minRefetchInterval)
	v.mu.Unlock()
	if id := v.Validate(ctx, signToken(t, priv3, "kid-3", baseClaims(srv.URL))); id == nil {
		t.Fatal("post-throttle token rejected")
	}
}
