package client

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testTenant   = "contoso"
	testClientID = "abc123"
)

// fakeProvider serves a discovery document and key set for one tenant.
type fakeProvider struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	published map[string]*rsa.PrivateKey
	order     []string
	omitJWKS  bool

	discoveryHits atomic.Int32
	keysHits      atomic.Int32
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{t: t, published: make(map[string]*rsa.PrivateKey)}
	p.srv = httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(p.srv.Close)
	p.addKey("key-1")
	return p
}

func (p *fakeProvider) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/"+testTenant+"/.well-known/openid-configuration":
		p.discoveryHits.Add(1)
		doc := map[string]any{
			"issuer":                 p.issuer(),
			"authorization_endpoint": p.srv.URL + "/" + testTenant + "/oauth2/authorize",
			"token_endpoint":         p.srv.URL + "/" + testTenant + "/oauth2/token",
		}
		p.mu.Lock()
		if !p.omitJWKS {
			doc["jwks_uri"] = p.keysURL()
		}
		p.mu.Unlock()
		writeTestJSON(w, doc)
	case r.URL.Path == "/discovery/keys":
		p.keysHits.Add(1)
		p.mu.Lock()
		keys := make([]jose.JSONWebKey, 0, len(p.order))
		for _, kid := range p.order {
			keys = append(keys, jose.JSONWebKey{
				Key:       &p.published[kid].PublicKey,
				KeyID:     kid,
				Algorithm: string(jose.RS256),
				Use:       "sig",
			})
		}
		p.mu.Unlock()
		writeTestJSON(w, jose.JSONWebKeySet{Keys: keys})
	default:
		http.NotFound(w, r)
	}
}

func (p *fakeProvider) issuer() string {
	return p.srv.URL + "/" + testTenant + "/v2.0"
}

func (p *fakeProvider) keysURL() string {
	return p.srv.URL + "/discovery/keys"
}

func (p *fakeProvider) addKey(kid string) *rsa.PrivateKey {
	p.t.Helper()
	key := newRSAKey(p.t)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published[kid] = key
	p.order = append(p.order, kid)
	return key
}

func (p *fakeProvider) removeKey(kid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.published, kid)
	for i, k := range p.order {
		if k == kid {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

func (p *fakeProvider) key(kid string) *rsa.PrivateKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published[kid]
}

// claims returns a claim set that passes validation for nonce.
func (p *fakeProvider) claims(nonce string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":         p.issuer(),
		"aud":         testClientID,
		"sub":         "user-sub-1",
		"exp":         now.Add(time.Hour).Unix(),
		"nbf":         now.Add(-time.Minute).Unix(),
		"iat":         now.Add(-time.Minute).Unix(),
		"nonce":       nonce,
		"name":        "Jane Doe",
		"email":       "jane@contoso.com",
		"upn":         "jane@contoso.onmicrosoft.com",
		"given_name":  "Jane",
		"family_name": "Doe",
	}
}

func (p *fakeProvider) sign(kid string, claims jwt.MapClaims) string {
	p.t.Helper()
	return signWith(p.t, p.key(kid), kid, claims)
}

func (p *fakeProvider) flowConfig() Config {
	return Config{
		ClientID:           testClientID,
		Tenant:             testTenant,
		Authority:          p.srv.URL,
		RedirectURL:        "https://rp.example.com/auth/callback",
		HTTPClient:         p.srv.Client(),
		KeyRefreshInterval: time.Nanosecond,
	}
}

func (p *fakeProvider) validator() *Validator {
	logger := testLogger()
	discovery := NewDiscoveryClient(p.srv.URL, p.srv.Client(), 0, logger)
	keys := NewSigningKeyStore(p.srv.Client(), 0, 0, logger)
	return NewValidator(discovery, keys, ValidatorConfig{Tenant: testTenant, ClockSkew: time.Minute}, logger)
}

func (p *fakeProvider) context(nonce string) ValidationContext {
	return ValidationContext{
		ExpectedIssuer:   p.issuer(),
		ExpectedAudience: testClientID,
		ExpectedNonce:    nonce,
	}
}

func signWith(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return key
}

func writeTestJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tamper(token string) string {
	parts := strings.Split(token, ".")
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	parts[2] = string(sig)
	return strings.Join(parts, ".")
}
