package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// fakeIDP serves discovery and keys for tenant "contoso".
type fakeIDP struct {
	t   *testing.T
	srv *httptest.Server
	key *rsa.PrivateKey
}

func newFakeIDP(t *testing.T) *fakeIDP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	idp := &fakeIDP{t: t, key: key}
	idp.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/contoso/.well-known/openid-configuration":
			_ = json.NewEncoder(w).Encode(map[string]string{
				"issuer":                 idp.issuer(),
				"authorization_endpoint": idp.srv.URL + "/contoso/oauth2/v2.0/authorize",
				"jwks_uri":               idp.srv.URL + "/contoso/discovery/keys",
			})
		case "/contoso/discovery/keys":
			_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
				Key: &key.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig",
			}}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(idp.srv.Close)
	return idp
}

func (idp *fakeIDP) issuer() string {
	return idp.srv.URL + "/contoso/v2.0"
}

func (idp *fakeIDP) token(nonce, code string) string {
	idp.t.Helper()
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   idp.issuer(),
		"aud":   "abc123",
		"sub":   "sub-42",
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"nonce": nonce,
		"name":  "Ada Lovelace",
		"upn":   "ada@contoso.com",
	}
	if code != "" {
		sum := sha256.Sum256([]byte(code))
		claims["c_hash"] = base64.RawURLEncoding.EncodeToString(sum[:16])
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString(idp.key)
	if err != nil {
		idp.t.Fatalf("sign: %v", err)
	}
	return signed
}

func (idp *fakeIDP) config() Config {
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "http://rp.test"
	cfg.Provider.Host = idp.srv.URL
	cfg.Provider.Tenant = "contoso"
	cfg.Provider.ClientID = "abc123"
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
