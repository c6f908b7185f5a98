package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// LoginFlow drives the two phases of a login: the authorization redirect and
// the callback.
type LoginFlow struct {
	cfg       Config
	Discovery *DiscoveryClient
	Keys      *SigningKeyStore
	Nonces    *NonceManager
	Validator *Validator
	logger    *slog.Logger
}

// NewLoginFlow wires the discovery client, key store, nonce manager and
// validator from cfg. Configuration is checked when a login starts.
func NewLoginFlow(cfg Config, logger *slog.Logger) *LoginFlow {
	cfg.ApplyDefaults()
	discovery := NewDiscoveryClient(cfg.Authority, cfg.HTTPClient, cfg.CacheTTL, logger)
	keys := NewSigningKeyStore(cfg.HTTPClient, cfg.CacheTTL, cfg.KeyRefreshInterval, logger)
	validator := NewValidator(discovery, keys, ValidatorConfig{
		Tenant:          cfg.Tenant,
		SigningAlgs:     cfg.SigningAlgs,
		ClockSkew:       cfg.ClockSkew,
		RequireCodeHash: cfg.RequireCodeHash,
	}, logger)

	return &LoginFlow{
		cfg:       cfg,
		Discovery: discovery,
		Keys:      keys,
		Nonces:    NewNonceManager(),
		Validator: validator,
		logger:    logger,
	}
}

// Config returns the effective configuration, defaults applied.
func (f *LoginFlow) Config() Config {
	return f.cfg
}

// BeginLogin issues a nonce into sess and returns the provider authorization URL.
func (f *LoginFlow) BeginLogin(ctx context.Context, sess Session) (string, error) {
	if err := f.cfg.Validate(); err != nil {
		return "", err
	}
	doc, err := f.Discovery.Document(ctx, f.cfg.Tenant)
	if err != nil {
		return "", err
	}
	nonce, err := f.Nonces.Issue(ctx, sess)
	if err != nil {
		return "", err
	}

	oc := oauth2.Config{
		ClientID:    f.cfg.ClientID,
		RedirectURL: f.cfg.RedirectURL,
		Endpoint:    oauth2.Endpoint{AuthURL: doc.AuthorizationEndpoint},
		Scopes:      f.cfg.Scopes,
	}
	raw := oc.AuthCodeURL("",
		oauth2.SetAuthURLParam("response_mode", f.cfg.ResponseMode),
		oauth2.SetAuthURLParam("response_type", f.cfg.ResponseType),
		oidc.Nonce(nonce),
	)

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: authorization_endpoint %q: %v", ErrDiscoveryUnavailable, doc.AuthorizationEndpoint, err)
	}
	// Encoded values never contain a literal '+', so every '+' is a space.
	u.RawQuery = strings.ReplaceAll(u.RawQuery, "+", "%20")
	return u.String(), nil
}

// CompleteLogin handles the callback parameters. The session nonce is
// consumed before the token is looked at, so a failed attempt never leaves a
// reusable nonce behind.
func (f *LoginFlow) CompleteLogin(ctx context.Context, sess Session, params url.Values) (*Identity, error) {
	if code := firstNonEmpty(params.Get("error"), params.Get("error_reason")); code != "" {
		if _, _, err := f.Nonces.Consume(ctx, sess); err != nil && f.logger != nil {
			f.logger.Warn("discard nonce after upstream error", "error", err)
		}
		return nil, &UpstreamAuthError{Code: code, Description: params.Get("error_description")}
	}
	if err := f.cfg.Validate(); err != nil {
		return nil, err
	}

	nonce, found, err := f.Nonces.Consume(ctx, sess)
	if err != nil {
		return nil, err
	}
	if !found && f.logger != nil {
		f.logger.Warn("callback without outstanding nonce")
	}

	rawIDToken := params.Get("id_token")
	if rawIDToken == "" {
		return nil, ErrMissingIDToken
	}

	issuer := f.cfg.Issuer
	if issuer == "" {
		doc, err := f.Discovery.Document(ctx, f.cfg.Tenant)
		if err != nil {
			return nil, err
		}
		issuer = doc.Issuer
	}

	code := params.Get("code")
	tok, err := f.Validator.Validate(ctx, rawIDToken, ValidationContext{
		ExpectedIssuer:   issuer,
		ExpectedAudience: f.cfg.ClientID,
		ExpectedNonce:    nonce,
		Code:             code,
	})
	if err != nil {
		return nil, err
	}
	return NewIdentity(tok, code, params.Get("session_state")), nil
}

// ResetCaches drops cached discovery documents and key sets.
func (f *LoginFlow) ResetCaches() {
	f.Discovery.Reset()
	f.Keys.Reset()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
