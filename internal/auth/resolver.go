// Package auth resolves bearer tokens into principals. Two credential
// families share one entry point: opaque API keys (distinguished by
// their "lore_sk_" prefix) and OIDC JWTs (everything else). Which
// families are accepted depends on the configured mode.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorehq/lore-server/internal/oidc"
	"github.com/lorehq/lore-server/internal/store"
	"github.com/lorehq/lore-server/pkg/contracts"
	"github.com/lorehq/lore-server/pkg/models"
)

// KeyPrefix marks a bearer token as an API key rather than a JWT.
const KeyPrefix = "lore_sk_"

// Auth modes.
const (
	ModeAPIKeyOnly   = "api-key-only"
	ModeDual         = "dual"
	ModeOIDCRequired = "oidc-required"
)

const (
	cacheTTL     = 60 * time.Second
	cacheMaxSize = 10000

	// lastUsedDebounce caps last_used_at writes to one per key per
	// interval; a hot key would otherwise turn every request into an
	// UPDATE.
	lastUsedDebounce = 60 * time.Second
)

// NewSecret mints a raw API-key secret with n random bytes of entropy.
// Only the SHA-256 hex of the returned value is ever persisted.
func NewSecret(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return KeyPrefix + hex.EncodeToString(b)
}

// HashSecret returns the SHA-256 hex digest stored and looked up in
// place of the raw secret.
func HashSecret(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// DisplayPrefix is the loggable fragment of a raw secret.
func DisplayPrefix(raw string) string {
	if len(raw) < 12 {
		return raw
	}
	return raw[:12]
}

// TokenValidator is the slice of the OIDC client the resolver needs.
// A nil validator means OIDC is not configured.
type TokenValidator interface {
	Validate(ctx context.Context, token string) *oidc.Identity
}

type cacheEntry struct {
	key      *models.APIKey
	cachedAt time.Time
}

// Resolver implements contracts.CredentialResolver against the key
// store and an optional OIDC validator. Lookups are cached by hash for
// cacheTTL; revocation bypasses the cache via Invalidate.
type Resolver struct {
	store store.KeyStore
	oidc  TokenValidator
	mode  string

	mu    sync.Mutex
	cache map[string]cacheEntry

	lastUsedMu sync.Mutex
	lastUsed   map[string]time.Time
}

func NewResolver(keys store.KeyStore, validator TokenValidator, mode string) *Resolver {
	return &Resolver{
		store:    keys,
		oidc:     validator,
		mode:     mode,
		cache:    make(map[string]cacheEntry),
		lastUsed: make(map[string]time.Time),
	}
}

func (r *Resolver) Resolve(ctx context.Context, bearer string) (*contracts.Principal, error) {
	if bearer == "" {
		return nil, ErrMissingAPIKey
	}
	if strings.HasPrefix(bearer, KeyPrefix) {
		if r.mode == ModeOIDCRequired {
			return nil, ErrAPIKeyNotAllowed
		}
		return r.resolveAPIKey(ctx, bearer)
	}
	// Anything without the key prefix is treated as a JWT. In
	// api-key-only mode that is just an invalid key — the error never
	// reveals that a JWT path exists.
	if r.mode == ModeAPIKeyOnly {
		return nil, ErrInvalidAPIKey
	}
	return r.resolveJWT(ctx, bearer)
}

// Invalidate synchronously drops a cached credential by hash. Key
// revocation calls this so a revoked key cannot ride out the TTL.
func (r *Resolver) Invalidate(hash string) {
	r.mu.Lock()
	delete(r.cache, hash)
	r.mu.Unlock()
}

// ── API keys ────────────────────────────────────────────────

func (r *Resolver) resolveAPIKey(ctx context.Context, raw string) (*contracts.Principal, error) {
	hash := HashSecret(raw)

	if key, ok := r.cached(hash); ok {
		return r.principalFromKey(key)
	}

	key, err := r.store.GetKeyByHash(ctx, hash)
	if store.IsNotFound(err) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, err
	}
	// The hash was the lookup key, but compare again in constant time
	// before trusting the row.
	if subtle.ConstantTimeCompare([]byte(key.Hash), []byte(hash)) != 1 {
		return nil, ErrInvalidAPIKey
	}

	r.cachePut(hash, key)
	return r.principalFromKey(key)
}

func (r *Resolver) cached(hash string) (*models.APIKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[hash]
	if !ok || time.Since(entry.cachedAt) >= cacheTTL {
		return nil, false
	}
	return entry.key, true
}

// cachePut stores the lookup. At capacity the oldest half is evicted
// in one sweep: amortized O(1) per insert without a background sweeper.
func (r *Resolver) cachePut(hash string, key *models.APIKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cache) >= cacheMaxSize {
		type aged struct {
			hash     string
			cachedAt time.Time
		}
		entries := make([]aged, 0, len(r.cache))
		for h, e := range r.cache {
			entries = append(entries, aged{h, e.cachedAt})
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].cachedAt.Before(entries[j].cachedAt)
		})
		for _, e := range entries[:len(entries)/2] {
			delete(r.cache, e.hash)
		}
	}
	r.cache[hash] = cacheEntry{key: key, cachedAt: time.Now()}
}

// principalFromKey checks revocation (cached entries included — a
// revoked key must fail closed even on a cache hit) and maps the
// stored role.
func (r *Resolver) principalFromKey(key *models.APIKey) (*contracts.Principal, error) {
	if key.Revoked() {
		return nil, ErrKeyRevoked
	}

	role := key.Role
	if !role.Known() {
		// keys minted before explicit roles: root keys administrate,
		// everything else writes
		if key.IsRoot {
			role = models.RoleAdmin
		} else {
			role = models.RoleWriter
		}
	}

	r.touchLastUsed(key.ID)

	return &contracts.Principal{
		KeyID:   key.ID,
		OrgID:   key.OrgID,
		Project: key.Project,
		Role:    role,
		IsRoot:  key.IsRoot,
		Method:  "api_key",
	}, nil
}

// touchLastUsed records key usage at most once per debounce interval,
// off the request path. A failed write only costs observability.
func (r *Resolver) touchLastUsed(keyID string) {
	now := time.Now()

	r.lastUsedMu.Lock()
	if last, ok := r.lastUsed[keyID]; ok && now.Sub(last) < lastUsedDebounce {
		r.lastUsedMu.Unlock()
		return
	}
	r.lastUsed[keyID] = now
	r.lastUsedMu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.TouchKeyLastUsed(ctx, keyID, now.UTC()); err != nil {
			log.Debug().Err(err).Str("key_id", keyID).Msg("last_used update failed")
		}
	}()
}

// ── OIDC ────────────────────────────────────────────────────

func (r *Resolver) resolveJWT(ctx context.Context, token string) (*contracts.Principal, error) {
	if r.oidc == nil {
		return nil, ErrOIDCNotConfigured
	}
	id := r.oidc.Validate(ctx, token)
	if id == nil {
		return nil, ErrInvalidToken
	}
	if id.OrgID == "" {
		return nil, ErrMissingOrgClaim
	}

	role := models.Role(id.Role)
	if !role.Known() {
		role = models.RoleReader
	}

	return &contracts.Principal{
		KeyID:  "oidc:" + id.Subject,
		OrgID:  id.OrgID,
		Role:   role,
		IsRoot: role == models.RoleAdmin,
		Method: "oidc",
	}, nil
}
