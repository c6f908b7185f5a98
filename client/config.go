package client

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Provider defaults.
const (
	DefaultAuthority          = "https://login.microsoftonline.com"
	DefaultKeysURL            = "https://login.microsoftonline.com/common/discovery/keys"
	DefaultResponseType       = "code id_token"
	DefaultResponseMode       = "form_post"
	DefaultCacheTTL           = 24 * time.Hour
	DefaultKeyRefreshInterval = time.Minute
	DefaultClockSkew          = 5 * time.Minute
	DefaultHTTPTimeout        = 10 * time.Second
)

// Config describes the relying party and the provider it logs in against.
type Config struct {
	// ClientID is the relying party's client identifier and the expected audience. Required.
	ClientID string
	// Tenant selects the provider tenant, e.g. "contoso" or a tenant GUID. Required.
	Tenant string
	// Authority is the provider base URL. Discovery is read from
	// <Authority>/<Tenant>/.well-known/openid-configuration. Default DefaultAuthority.
	Authority string
	// RedirectURL is the callback URL registered with the provider.
	RedirectURL string
	// ResponseType defaults to "code id_token".
	ResponseType string
	// ResponseMode defaults to "form_post".
	ResponseMode string
	// Scopes are sent only when set.
	Scopes []string
	// Issuer overrides the discovery document's issuer as the expected "iss".
	Issuer string
	// SigningAlgs pins the accepted token algorithms. Default RS256.
	SigningAlgs []string
	// CacheTTL bounds how long discovery documents and key sets are reused. Default 24h.
	CacheTTL time.Duration
	// KeyRefreshInterval is the minimum gap between forced key set refreshes
	// triggered by an unknown kid. Default 1m.
	KeyRefreshInterval time.Duration
	// ClockSkew is tolerated on exp, nbf and iat. Default 5m.
	ClockSkew time.Duration
	// RequireCodeHash rejects callbacks whose code is not bound by a c_hash
	// claim. Off by default; a c_hash that is present is always checked.
	RequireCodeHash bool
	// HTTPClient is used for discovery and key fetches. Default client has a 10s timeout.
	HTTPClient *http.Client
}

// ApplyDefaults fills zero-valued optional fields.
func (c *Config) ApplyDefaults() {
	if c.Authority == "" {
		c.Authority = DefaultAuthority
	}
	c.Authority = strings.TrimSuffix(c.Authority, "/")
	if c.ResponseType == "" {
		c.ResponseType = DefaultResponseType
	}
	if c.ResponseMode == "" {
		c.ResponseMode = DefaultResponseMode
	}
	if len(c.SigningAlgs) == 0 {
		c.SigningAlgs = []string{oidc.RS256}
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.KeyRefreshInterval == 0 {
		c.KeyRefreshInterval = DefaultKeyRefreshInterval
	}
	if c.ClockSkew == 0 {
		c.ClockSkew = DefaultClockSkew
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
}

// Validate checks the required fields.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("%w: client_id is required", ErrConfigurationMissing)
	}
	if strings.TrimSpace(c.Tenant) == "" {
		return fmt.Errorf("%w: tenant is required", ErrConfigurationMissing)
	}
	for _, alg := range c.SigningAlgs {
		if strings.EqualFold(alg, "none") {
			return fmt.Errorf("signing algorithm %q is not allowed", alg)
		}
	}
	return nil
}
