package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"oidclogin/client"
)

// Hardcoded session defaults
const (
	DefaultSessionTTL   = 12 * time.Hour
	DefaultRedisPrefix  = "oidclogin:session:"
	DefaultCallbackPath = "/auth/callback"
	DefaultHSTSMaxAge   = 63072000
)

// Session backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Sessions SessionsConfig `yaml:"sessions"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	SecretsPath     string    `yaml:"secrets_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// ProviderConfig describes the upstream identity provider and this relying party's registration.
type ProviderConfig struct {
	Host               string        `yaml:"host"`
	Tenant             string        `yaml:"tenant"`
	ClientID           string        `yaml:"client_id"`
	Issuer             string        `yaml:"issuer"`
	CallbackPath       string        `yaml:"callback_path"`
	ResponseType       string        `yaml:"response_type"`
	ResponseMode       string        `yaml:"response_mode"`
	Scopes             []string      `yaml:"scopes"`
	SigningAlgs        []string      `yaml:"signing_algs"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
	KeyRefreshInterval time.Duration `yaml:"key_refresh_interval"`
	ClockSkew          time.Duration `yaml:"clock_skew"`
	HTTPTimeout        time.Duration `yaml:"http_timeout"`
	RequireCodeHash    bool          `yaml:"require_code_hash"`
}

// SessionsConfig selects where browser session state lives.
type SessionsConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	Backend       string        `yaml:"backend"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RedisPrefix   string        `yaml:"redis_prefix"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: DefaultHSTSMaxAge,
			},
		},
		Provider: ProviderConfig{
			Host:               strings.TrimPrefix(client.DefaultAuthority, "https://"),
			CallbackPath:       DefaultCallbackPath,
			ResponseType:       client.DefaultResponseType,
			ResponseMode:       client.DefaultResponseMode,
			CacheTTL:           client.DefaultCacheTTL,
			KeyRefreshInterval: client.DefaultKeyRefreshInterval,
			ClockSkew:          client.DefaultClockSkew,
			HTTPTimeout:        client.DefaultHTTPTimeout,
		},
		Sessions: SessionsConfig{
			TTL:         DefaultSessionTTL,
			Backend:     BackendMemory,
			RedisPrefix: DefaultRedisPrefix,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"OIDCLOGIN_SERVER_PUBLIC_URL":             func(v string) { cfg.Server.PublicURL = v },
		"OIDCLOGIN_SERVER_DEV_LISTEN_ADDR":        func(v string) { cfg.Server.DevListenAddr = v },
		"OIDCLOGIN_SERVER_HTTP_LISTEN_ADDR":       func(v string) { cfg.Server.HTTPListenAddr = v },
		"OIDCLOGIN_SERVER_HTTPS_LISTEN_ADDR":      func(v string) { cfg.Server.HTTPSListenAddr = v },
		"OIDCLOGIN_SERVER_DEV_MODE":               func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"OIDCLOGIN_SERVER_COOKIE_DOMAIN":          func(v string) { cfg.Server.CookieDomain = v },
		"OIDCLOGIN_SERVER_TLS_DOMAINS":            func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"OIDCLOGIN_SERVER_TLS_EMAIL":              func(v string) { cfg.Server.TLS.Email = v },
		"OIDCLOGIN_SERVER_SECRETS_PATH":           func(v string) { cfg.Server.SecretsPath = v },
		"OIDCLOGIN_PROVIDER_HOST":                 func(v string) { cfg.Provider.Host = v },
		"OIDCLOGIN_PROVIDER_TENANT":               func(v string) { cfg.Provider.Tenant = v },
		"OIDCLOGIN_PROVIDER_CLIENT_ID":            func(v string) { cfg.Provider.ClientID = v },
		"OIDCLOGIN_PROVIDER_ISSUER":               func(v string) { cfg.Provider.Issuer = v },
		"OIDCLOGIN_PROVIDER_CALLBACK_PATH":        func(v string) { cfg.Provider.CallbackPath = v },
		"OIDCLOGIN_PROVIDER_RESPONSE_MODE":        func(v string) { cfg.Provider.ResponseMode = v },
		"OIDCLOGIN_PROVIDER_RESPONSE_TYPE":        func(v string) { cfg.Provider.ResponseType = v },
		"OIDCLOGIN_PROVIDER_KEY_REFRESH_INTERVAL": func(v string) { cfg.Provider.KeyRefreshInterval = parseDuration(v, cfg.Provider.KeyRefreshInterval) },
		"OIDCLOGIN_PROVIDER_REQUIRE_CODE_HASH":    func(v string) { cfg.Provider.RequireCodeHash = parseBool(v, cfg.Provider.RequireCodeHash) },
		"OIDCLOGIN_PROVIDER_SCOPES":               func(v string) { cfg.Provider.Scopes = splitAndTrim(v) },
		"OIDCLOGIN_PROVIDER_SIGNING_ALGS":         func(v string) { cfg.Provider.SigningAlgs = splitAndTrim(v) },
		"OIDCLOGIN_PROVIDER_CACHE_TTL":            func(v string) { cfg.Provider.CacheTTL = parseDuration(v, cfg.Provider.CacheTTL) },
		"OIDCLOGIN_PROVIDER_CLOCK_SKEW":           func(v string) { cfg.Provider.ClockSkew = parseDuration(v, cfg.Provider.ClockSkew) },
		"OIDCLOGIN_PROVIDER_HTTP_TIMEOUT":         func(v string) { cfg.Provider.HTTPTimeout = parseDuration(v, cfg.Provider.HTTPTimeout) },
		"OIDCLOGIN_SESSIONS_TTL":                  func(v string) { cfg.Sessions.TTL = parseDuration(v, cfg.Sessions.TTL) },
		"OIDCLOGIN_SESSIONS_BACKEND":              func(v string) { cfg.Sessions.Backend = strings.ToLower(strings.TrimSpace(v)) },
		"OIDCLOGIN_SESSIONS_REDIS_ADDR":           func(v string) { cfg.Sessions.RedisAddr = v },
		"OIDCLOGIN_SESSIONS_REDIS_PASSWORD":       func(v string) { cfg.Sessions.RedisPassword = v },
		"OIDCLOGIN_SESSIONS_REDIS_DB":             func(v string) { cfg.Sessions.RedisDB = parseInt(v, cfg.Sessions.RedisDB) },
		"OIDCLOGIN_SESSIONS_REDIS_PREFIX":         func(v string) { cfg.Sessions.RedisPrefix = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config. Missing provider
// registration is fatal in production; dev mode only warns, and the login
// routes report the gap per request.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.Server.CookieDomain != "" {
		u, err := url.Parse(c.Server.PublicURL)
		if err != nil {
			return fmt.Errorf("server.public_url: %w", err)
		}
		host := u.Hostname()

		// e.g. public_url: login.dev.example.com -> cookie_domain: .dev.example.com
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	if err := c.Provider.validate(c.Server.DevMode); err != nil {
		return err
	}

	switch c.Sessions.Backend {
	case "", BackendMemory:
	case BackendRedis:
		if c.Sessions.RedisAddr == "" {
			slog.Error("Missing required configuration", "field", "sessions.redis_addr", "reason", "required for redis backend")
			return errors.New("sessions.redis_addr is required when sessions.backend is redis")
		}
	default:
		slog.Error("Invalid session backend", "field", "sessions.backend", "value", c.Sessions.Backend, "valid_values", []string{BackendMemory, BackendRedis})
		return fmt.Errorf("sessions.backend must be '%s' or '%s', got: %s", BackendMemory, BackendRedis, c.Sessions.Backend)
	}
	if c.Sessions.TTL < 0 {
		return errors.New("sessions.ttl must not be negative")
	}

	return nil
}

func (p ProviderConfig) validate(devMode bool) error {
	for field, value := range map[string]string{"provider.client_id": p.ClientID, "provider.tenant": p.Tenant} {
		if strings.TrimSpace(value) != "" {
			continue
		}
		if !devMode {
			slog.Error("Missing required provider configuration", "field", field, "reason", "required in production mode")
			return fmt.Errorf("%s is required in production mode", field)
		}
		slog.Warn("Provider not fully configured, logins will fail", "field", field)
	}

	if p.CallbackPath != "" && !strings.HasPrefix(p.CallbackPath, "/") {
		slog.Error("Invalid callback path", "field", "provider.callback_path", "value", p.CallbackPath)
		return fmt.Errorf("provider.callback_path must start with '/', got: %s", p.CallbackPath)
	}

	// Fragment parameters never reach the server, and tokens must not travel in the query.
	switch p.ResponseMode {
	case "", "form_post":
	case "query":
		if p.responseTypeIncludes("id_token") {
			slog.Error("Invalid response mode", "field", "provider.response_mode", "value", p.ResponseMode, "reason", "query cannot carry id_token")
			return fmt.Errorf("provider.response_mode query cannot be used with response_type %q", p.effectiveResponseType())
		}
	default:
		slog.Error("Invalid response mode", "field", "provider.response_mode", "value", p.ResponseMode, "valid_values", []string{"form_post", "query"})
		return fmt.Errorf("provider.response_mode must be form_post or query, got: %s", p.ResponseMode)
	}

	for _, alg := range p.SigningAlgs {
		if strings.EqualFold(alg, "none") {
			slog.Error("Unsigned tokens cannot be accepted", "field", "provider.signing_algs")
			return errors.New("provider.signing_algs must not contain 'none'")
		}
	}

	for field, d := range map[string]time.Duration{
		"provider.cache_ttl":            p.CacheTTL,
		"provider.key_refresh_interval": p.KeyRefreshInterval,
		"provider.clock_skew":           p.ClockSkew,
		"provider.http_timeout":         p.HTTPTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", field)
		}
	}
	return nil
}

func (p ProviderConfig) effectiveResponseType() string {
	if strings.TrimSpace(p.ResponseType) == "" {
		return client.DefaultResponseType
	}
	return p.ResponseType
}

func (p ProviderConfig) responseTypeIncludes(value string) bool {
	for _, part := range strings.Fields(p.effectiveResponseType()) {
		if part == value {
			return true
		}
	}
	return false
}

// Authority returns the provider base URL. Host may be given with or without a scheme.
func (p ProviderConfig) Authority() string {
	host := strings.TrimSuffix(strings.TrimSpace(p.Host), "/")
	if host == "" {
		return client.DefaultAuthority
	}
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return "https://" + host
}

// CallbackURL is the absolute redirect URL registered with the provider.
func (c Config) CallbackURL() string {
	path := c.Provider.CallbackPath
	if path == "" {
		path = DefaultCallbackPath
	}
	return strings.TrimSuffix(c.Server.PublicURL, "/") + path
}

// LoginConfig converts the file configuration into the login flow configuration.
func (c Config) LoginConfig() client.Config {
	p := c.Provider
	timeout := p.HTTPTimeout
	if timeout <= 0 {
		timeout = client.DefaultHTTPTimeout
	}
	return client.Config{
		ClientID:           p.ClientID,
		Tenant:             p.Tenant,
		Authority:          p.Authority(),
		RedirectURL:        c.CallbackURL(),
		ResponseType:       p.ResponseType,
		ResponseMode:       p.ResponseMode,
		Scopes:             p.Scopes,
		Issuer:             p.Issuer,
		SigningAlgs:        p.SigningAlgs,
		CacheTTL:           p.CacheTTL,
		KeyRefreshInterval: p.KeyRefreshInterval,
		ClockSkew:          p.ClockSkew,
		RequireCodeHash:    p.RequireCodeHash,
		HTTPClient:         &http.Client{Timeout: timeout},
	}
}
