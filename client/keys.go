package client

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
)

// SigningKey is one provider public key.
type SigningKey struct {
	KeyID     string
	Algorithm string
	// Key is the public key (*rsa.PublicKey, *ecdsa.PublicKey or ed25519.PublicKey).
	Key any
	// Certificate is the leaf of the key's x5c chain, when published.
	Certificate *x509.Certificate
}

// SigningKeySet is an ordered key set, unique by KeyID.
type SigningKeySet []SigningKey

// FindByKeyID returns the key whose KeyID equals kid exactly.
func (s SigningKeySet) FindByKeyID(kid string) (SigningKey, error) {
	if kid != "" {
		for _, k := range s {
			if k.KeyID == kid {
				return k, nil
			}
		}
	}
	return SigningKey{}, fmt.Errorf("%w: kid %q", ErrUnknownSigningKey, kid)
}

// SigningKeyStore fetches provider key sets and caches them per endpoint.
type SigningKeyStore struct {
	client     *http.Client
	cache      *Cache[SigningKeySet]
	minRefresh time.Duration
	logger     *slog.Logger

	mu         sync.Mutex
	lastForced map[string]time.Time
	now        func() time.Time
}

// NewSigningKeyStore creates a key store. minRefresh limits how often an
// unknown kid may force a refetch of the same endpoint.
func NewSigningKeyStore(httpClient *http.Client, ttl, minRefresh time.Duration, logger *slog.Logger) *SigningKeyStore {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &SigningKeyStore{
		client:     httpClient,
		cache:      NewCache[SigningKeySet](ttl),
		minRefresh: minRefresh,
		logger:     logger,
		lastForced: make(map[string]time.Time),
		now:        time.Now,
	}
}

// Keys returns the key set published at endpoint.
func (s *SigningKeyStore) Keys(ctx context.Context, endpoint string) (SigningKeySet, error) {
	return s.cache.Get(ctx, endpoint, func(ctx context.Context) (SigningKeySet, error) {
		return s.fetch(ctx, endpoint)
	})
}

// Resolve finds kid in the key set at endpoint. A miss triggers one refetch,
// rate limited per endpoint, before failing with ErrUnknownSigningKey.
func (s *SigningKeyStore) Resolve(ctx context.Context, endpoint, kid string) (SigningKey, error) {
	set, err := s.Keys(ctx, endpoint)
	if err != nil {
		return SigningKey{}, err
	}
	key, err := set.FindByKeyID(kid)
	if err == nil || kid == "" || !s.allowForcedRefresh(endpoint) {
		return key, err
	}

	if s.logger != nil {
		s.logger.Info("signing key not cached, refreshing", "jwks_uri", endpoint, "kid", kid)
	}
	set, err = s.cache.Refresh(ctx, endpoint, func(ctx context.Context) (SigningKeySet, error) {
		return s.fetch(ctx, endpoint)
	})
	if err != nil {
		return SigningKey{}, err
	}
	return set.FindByKeyID(kid)
}

// Invalidate forgets the cached key set for endpoint.
func (s *SigningKeyStore) Invalidate(endpoint string) {
	s.cache.Invalidate(endpoint)
}

// Reset forgets every cached key set.
func (s *SigningKeyStore) Reset() {
	s.cache.Reset()
	s.mu.Lock()
	s.lastForced = make(map[string]time.Time)
	s.mu.Unlock()
}

func (s *SigningKeyStore) allowForcedRefresh(endpoint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	last, ok := s.lastForced[endpoint]
	if !ok {
		if fetched, cached := s.cache.FetchedAt(endpoint); cached {
			last, ok = fetched, true
		}
	}
	if ok && now.Sub(last) < s.minRefresh {
		return false
	}
	s.lastForced[endpoint] = now
	return true
}

func (s *SigningKeyStore) fetch(ctx context.Context, endpoint string) (SigningKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %s", ErrKeyFetchFailed, endpoint, resp.Status)
	}

	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentBytes)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrKeyFetchFailed, endpoint, err)
	}

	set := make(SigningKeySet, 0, len(doc.Keys))
	seen := make(map[string]struct{}, len(doc.Keys))
	for _, raw := range doc.Keys {
		key, err := parseSigningKey(raw)
		if err != nil {
			if s.logger != nil {
				s.logger.Debug("skipping signing key", "jwks_uri", endpoint, "error", err)
			}
			continue
		}
		if _, dup := seen[key.KeyID]; dup {
			continue
		}
		seen[key.KeyID] = struct{}{}
		set = append(set, key)
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("%w: %s published no usable signing keys", ErrKeyFetchFailed, endpoint)
	}
	return set, nil
}

// parseSigningKey reads one JWK. Keys without n/e (or x/y) but with an x5c
// chain are taken from the leaf certificate.
func parseSigningKey(raw json.RawMessage) (SigningKey, error) {
	var meta struct {
		KeyID     string   `json:"kid"`
		Use       string   `json:"use"`
		Algorithm string   `json:"alg"`
		X5c       []string `json:"x5c"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return SigningKey{}, err
	}
	if meta.KeyID == "" {
		return SigningKey{}, fmt.Errorf("key without kid")
	}
	if meta.Use != "" && meta.Use != "sig" {
		return SigningKey{}, fmt.Errorf("key %s has use %q", meta.KeyID, meta.Use)
	}

	var jwk jose.JSONWebKey
	err := json.Unmarshal(raw, &jwk)
	if err == nil && jwk.Valid() {
		pub := jwk.Public()
		if !pub.Valid() {
			return SigningKey{}, fmt.Errorf("key %s has no public part", meta.KeyID)
		}
		key := SigningKey{KeyID: jwk.KeyID, Algorithm: jwk.Algorithm, Key: pub.Key}
		if len(jwk.Certificates) > 0 {
			key.Certificate = jwk.Certificates[0]
		}
		return key, nil
	}
	if len(meta.X5c) == 0 {
		if err == nil {
			err = fmt.Errorf("key %s is not valid", meta.KeyID)
		}
		return SigningKey{}, err
	}

	der, err := base64.StdEncoding.DecodeString(meta.X5c[0])
	if err != nil {
		return SigningKey{}, fmt.Errorf("key %s x5c: %w", meta.KeyID, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return SigningKey{}, fmt.Errorf("key %s x5c: %w", meta.KeyID, err)
	}
	return SigningKey{KeyID: meta.KeyID, Algorithm: meta.Algorithm, Key: cert.PublicKey, Certificate: cert}, nil
}
