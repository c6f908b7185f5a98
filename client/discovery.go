package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxDocumentBytes = 1 << 20

// DiscoveryDocument is the subset of provider metadata the login flow uses.
type DiscoveryDocument struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint,omitempty"`
	EndSessionEndpoint    string   `json:"end_session_endpoint,omitempty"`
	KeysEndpoint          string   `json:"jwks_uri,omitempty"`
	SigningAlgs           []string `json:"id_token_signing_alg_values_supported,omitempty"`
}

// KeysURL returns the key set location, falling back to DefaultKeysURL.
func (d DiscoveryDocument) KeysURL() string {
	if d.KeysEndpoint == "" {
		return DefaultKeysURL
	}
	return d.KeysEndpoint
}

// DiscoveryClient fetches provider metadata per tenant and caches it.
type DiscoveryClient struct {
	authority string
	client    *http.Client
	cache     *Cache[DiscoveryDocument]
	logger    *slog.Logger
}

// NewDiscoveryClient creates a discovery client rooted at authority.
func NewDiscoveryClient(authority string, httpClient *http.Client, ttl time.Duration, logger *slog.Logger) *DiscoveryClient {
	if authority == "" {
		authority = DefaultAuthority
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &DiscoveryClient{
		authority: strings.TrimSuffix(authority, "/"),
		client:    httpClient,
		cache:     NewCache[DiscoveryDocument](ttl),
		logger:    logger,
	}
}

// URL returns the discovery document location for tenant.
func (d *DiscoveryClient) URL(tenant string) string {
	return d.authority + "/" + url.PathEscape(tenant) + "/.well-known/openid-configuration"
}

// Document returns the tenant's discovery document, fetching it on a cache miss.
func (d *DiscoveryClient) Document(ctx context.Context, tenant string) (DiscoveryDocument, error) {
	return d.cache.Get(ctx, tenant, func(ctx context.Context) (DiscoveryDocument, error) {
		return d.fetch(ctx, tenant)
	})
}

// Invalidate forgets the cached document for tenant.
func (d *DiscoveryClient) Invalidate(tenant string) {
	d.cache.Invalidate(tenant)
}

// Reset forgets every cached document.
func (d *DiscoveryClient) Reset() {
	d.cache.Reset()
}

func (d *DiscoveryClient) fetch(ctx context.Context, tenant string) (DiscoveryDocument, error) {
	endpoint := d.URL(tenant)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return DiscoveryDocument{}, fmt.Errorf("%w: %v", ErrDiscoveryUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return DiscoveryDocument{}, fmt.Errorf("%w: %v", ErrDiscoveryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return DiscoveryDocument{}, fmt.Errorf("%w: %s returned %s", ErrDiscoveryUnavailable, endpoint, resp.Status)
	}

	var doc DiscoveryDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentBytes)).Decode(&doc); err != nil {
		return DiscoveryDocument{}, fmt.Errorf("%w: decode %s: %v", ErrDiscoveryUnavailable, endpoint, err)
	}
	if doc.Issuer == "" || doc.AuthorizationEndpoint == "" {
		return DiscoveryDocument{}, fmt.Errorf("%w: %s lacks issuer or authorization_endpoint", ErrDiscoveryUnavailable, endpoint)
	}

	if d.logger != nil {
		d.logger.Debug("discovery fetched", "tenant", tenant, "issuer", doc.Issuer, "jwks_uri", doc.KeysURL())
	}
	return doc, nil
}
