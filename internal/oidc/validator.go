// Package oidc validates JWTs against an identity provider's JWKS.
// The validator is deliberately forgiving toward callers — every
// failure is a nil Identity, never a panic or an error the middleware
// must interpret — and strict toward tokens: RSA signatures only,
// issuer always checked, audience checked when configured.
package oidc

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/rs/zerolog/log"
)

var allowedAlgs = []string{"RS256", "RS384", "RS512"}

const (
	keysTTL = time.Hour

	// minRefetchInterval throttles the forced refetch an unknown kid
	// triggers, so a flood of forged tokens cannot hammer the IdP.
	minRefetchInterval = 60 * time.Second

	httpTimeout = 10 * time.Second
)

// Identity is the claim set a verified token yields.
type Identity struct {
	Subject string
	Email   string
	Name    string
	OrgID   string
	Role    string
}

// Config wires the validator to one issuer.
type Config struct {
	Issuer    string
	Audience  string // empty disables the audience check
	RoleClaim string
	OrgClaim  string
}

// Validator verifies bearer JWTs against the issuer's JWKS, cached for
// keysTTL with a throttled forced refresh on key rotation.
type Validator struct {
	issuer    string
	audience  string
	roleClaim string
	orgClaim  string
	jwksURL   string
	client    *http.Client

	mu         sync.Mutex
	keys       jwk.Set
	fetchedAt  time.Time
	lastForced time.Time
}

func New(cfg Config) *Validator {
	issuer := strings.TrimRight(cfg.Issuer, "/")
	return &Validator{
		issuer:    issuer,
		audience:  cfg.Audience,
		roleClaim: cfg.RoleClaim,
		orgClaim:  cfg.OrgClaim,
		jwksURL:   issuer + "/.well-known/jwks.json",
		client:    &http.Client{Timeout: httpTimeout},
	}
}

// Validate verifies the token and extracts the identity claims.
// It returns nil on any failure.
func (v *Validator) Validate(ctx context.Context, token string) *Identity {
	claims := jwt.MapClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(allowedAlgs),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	parsed, err := jwt.ParseWithClaims(token, claims, v.keyfunc(ctx), opts...)
	if err != nil || !parsed.Valid {
		log.Debug().Err(err).Msg("token validation failed")
		return nil
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil
	}
	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)
	org, _ := claims[v.orgClaim].(string)
	role, _ := claims[v.roleClaim].(string)

	return &Identity{Subject: sub, Email: email, Name: name, OrgID: org, Role: role}
}

func (v *Validator) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing algorithm %q", t.Method.Alg())
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid header")
		}
		return v.signingKey(ctx, kid)
	}
}

// signingKey resolves a kid against the cached JWKS. A kid missing
// from a fresh set forces one refetch (the IdP may have rotated keys),
// but at most once per minRefetchInterval.
func (v *Validator) signingKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	set := v.keys
	fresh := set != nil && time.Since(v.fetchedAt) < keysTTL
	v.mu.Unlock()

	if fresh {
		if key, ok := set.LookupKeyID(kid); ok {
			return rawRSA(key)
		}
		v.mu.Lock()
		throttled := time.Since(v.lastForced) < minRefetchInterval
		if !throttled {
			v.lastForced = time.Now()
		}
		v.mu.Unlock()
		if throttled {
			return nil, fmt.Errorf("no key with kid %q and refetch throttled", kid)
		}
	}

	set, err := v.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}
	key, ok := set.LookupKeyID(kid)
	if !ok {
		return nil, fmt.Errorf("no JWKS key with kid %q", kid)
	}
	return rawRSA(key)
}

func (v *Validator) fetchJWKS(ctx context.Context) (jwk.Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("url", v.jwksURL).Msg("JWKS fetch failed")
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).Str("url", v.jwksURL).Msg("JWKS fetch failed")
		return nil, fmt.Errorf("jwks fetch: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}

	v.mu.Lock()
	v.keys = set
	v.fetchedAt = time.Now()
	v.mu.Unlock()
	return set, nil
}

func rawRSA(key jwk.Key) (*rsa.PublicKey, error) {
	var pub rsa.PublicKey
	if err := key.Raw(&pub); err != nil {
		return nil, fmt.Errorf("extract RSA key: %w", err)
	}
	return &pub, nil
}
