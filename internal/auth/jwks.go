package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

type JWKSOptions struct {
	HTTPTimeout     time.Duration
	CacheTTL        time.Duration
	RefreshCooldown time.Duration // min interval between kid-miss refreshes
	Issuers         []string
	Audiences       []string
}

// JWKSVerifier validates RS256 tokens against a remote JWK set. Keys are
// cached by kid; a miss triggers at most one refresh per cooldown across
// all workers (single-flight).
type JWKSVerifier struct {
	url       string
	client    *http.Client
	cacheTTL  time.Duration
	cooldown  time.Duration
	issuers   []string
	audSet    map[string]struct{}
	Blocklist Blocklist

	group singleflight.Group

	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	lastAttempt time.Time

	now func() time.Time
}

type jwksDoc struct {
	Keys []jwkKey `json:"keys"`
}

type jwkKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`

	N string `json:"n"`
	E string `json:"e"`
}

func NewJWKSVerifier(url string, opts JWKSOptions) (*JWKSVerifier, error) {
	if url == "" {
		return nil, errors.New("jwks url required")
	}
	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	cooldown := opts.RefreshCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	audSet := map[string]struct{}{}
	for _, aud := range opts.Audiences {
		if aud != "" {
			audSet[aud] = struct{}{}
		}
	}

	return &JWKSVerifier{
		url:      url,
		client:   &http.Client{Timeout: timeout},
		cacheTTL: ttl,
		cooldown: cooldown,
		issuers:  opts.Issuers,
		audSet:   audSet,
		keys:     make(map[string]*rsa.PublicKey),
		now:      time.Now,
	}, nil
}

func (j *JWKSVerifier) Verify(ctx context.Context, authorization string) (*Claims, error) {
	raw, err := bearerToken(authorization)
	if err != nil {
		return nil, err
	}

	mapClaims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	tok, err := parser.ParseWithClaims(raw, mapClaims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		return j.getKey(ctx, kid)
	})
	if err != nil || tok == nil || !tok.Valid {
		return nil, classifyParseError(err)
	}

	claims, err := claimsFromMap(mapClaims)
	if err != nil {
		return nil, err
	}
	if err := validateTime(claims, j.now()); err != nil {
		return nil, err
	}
	if err := validateIssuer(claims, j.issuers); err != nil {
		return nil, err
	}
	if err := j.validateAudience(mapClaims); err != nil {
		return nil, err
	}
	if revoked(ctx, j.Blocklist, raw, claims) {
		return nil, &Error{Reason: ReasonRevoked}
	}
	return claims, nil
}

func (j *JWKSVerifier) validateAudience(m jwt.MapClaims) error {
	if len(j.audSet) == 0 {
		return nil
	}
	auds, _ := m.GetAudience()
	for _, a := range auds {
		if _, ok := j.audSet[a]; ok {
			return nil
		}
	}
	return &Error{Reason: ReasonBadIssuer, err: errors.New("audience mismatch")}
}

func (j *JWKSVerifier) getKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	j.mu.RLock()
	key := j.keys[kid]
	observed := j.fetchedAt
	fresh := j.now().Sub(observed) < j.cacheTTL
	cooled := j.now().Sub(j.lastAttempt) >= j.cooldown
	j.mu.RUnlock()

	if key != nil && fresh {
		return key, nil
	}
	if key == nil && !cooled {
		// Unknown kid but we refreshed recently; don't hammer the endpoint.
		return nil, errors.New("unknown kid")
	}

	// A kid miss forces a refetch even when the cached set is inside its
	// TTL: rotation publishes new kids before old ones expire. The cooldown
	// check above bounds the fetch rate.
	if err := j.refresh(ctx, observed); err != nil {
		// A stale key beats no key when the JWKS endpoint is down.
		j.mu.RLock()
		key = j.keys[kid]
		j.mu.RUnlock()
		if key != nil {
			return key, nil
		}
		return nil, err
	}

	j.mu.RLock()
	key = j.keys[kid]
	j.mu.RUnlock()
	if key == nil {
		return nil, errors.New("unknown kid")
	}
	return key, nil
}

// refresh refetches the key set unless another worker already completed a
// fetch after the caller observed its miss (observed is the fetchedAt the
// caller read). Concurrent callers collapse onto one in-flight fetch.
func (j *JWKSVerifier) refresh(ctx context.Context, observed time.Time) error {
	_, err, _ := j.group.Do("refresh", func() (any, error) {
		j.mu.RLock()
		refreshedSince := j.fetchedAt.After(observed)
		j.mu.RUnlock()
		if refreshedSince {
			return nil, nil
		}

		j.mu.Lock()
		j.lastAttempt = j.now()
		j.mu.Unlock()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := j.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("jwks http %d", resp.StatusCode)
		}

		var doc jwksDoc
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return nil, err
		}

		next := make(map[string]*rsa.PublicKey, len(doc.Keys))
		for _, k := range doc.Keys {
			if k.Kid == "" || k.Kty != "RSA" {
				continue
			}
			pub, err := jwkToRSAPublicKey(k)
			if err != nil {
				continue
			}
			next[k.Kid] = pub
		}
		if len(next) == 0 {
			return nil, errors.New("jwks: no usable rsa keys")
		}

		j.mu.Lock()
		j.keys = next
		j.fetchedAt = j.now()
		j.mu.Unlock()
		return nil, nil
	})
	return err
}

func jwkToRSAPublicKey(k jwkKey) (*rsa.PublicKey, error) {
	if k.N == "" || k.E == "" {
		return nil, errors.New("missing n/e")
	}

	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)

	if n.Sign() <= 0 || e.Sign() <= 0 {
		return nil, errors.New("bad rsa params")
	}
	if !e.IsInt64() {
		return nil, errors.New("rsa exponent too large")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

type JWKSStats struct {
	URL       string    `json:"url"`
	KeyCount  int       `json:"key_count"`
	FetchedAt time.Time `json:"fetched_at"`
}

func (j *JWKSVerifier) Stats() JWKSStats {
	if j == nil {
		return JWKSStats{}
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	return JWKSStats{URL: j.url, KeyCount: len(j.keys), FetchedAt: j.fetchedAt}
}
