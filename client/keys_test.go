package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFindByKeyID(t *testing.T) {
	set := SigningKeySet{{KeyID: "a"}, {KeyID: "b"}}

	key, err := set.FindByKeyID("b")
	if err != nil || key.KeyID != "b" {
		t.Fatalf("expected key b, got %+v %v", key, err)
	}
	for _, kid := range []string{"", "c", "B"} {
		if _, err := set.FindByKeyID(kid); !errors.Is(err, ErrUnknownSigningKey) {
			t.Fatalf("kid %q: expected ErrUnknownSigningKey, got %v", kid, err)
		}
	}
}

func TestSigningKeyStoreCachesKeys(t *testing.T) {
	p := newFakeProvider(t)
	s := NewSigningKeyStore(p.srv.Client(), time.Hour, time.Minute, testLogger())

	for i := 0; i < 3; i++ {
		key, err := s.Resolve(context.Background(), p.keysURL(), "key-1")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		pub, ok := key.Key.(*rsa.PublicKey)
		if !ok {
			t.Fatalf("expected rsa public key, got %T", key.Key)
		}
		if pub.N.Cmp(p.key("key-1").N) != 0 {
			t.Fatalf("resolved wrong key")
		}
		if key.Algorithm != "RS256" {
			t.Fatalf("expected RS256, got %s", key.Algorithm)
		}
	}
	if hits := p.keysHits.Load(); hits != 1 {
		t.Fatalf("expected one key fetch, got %d", hits)
	}
}

func TestSigningKeyStoreRefreshesOnRotation(t *testing.T) {
	p := newFakeProvider(t)
	s := NewSigningKeyStore(p.srv.Client(), 0, time.Minute, testLogger())
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	s.cache.now = s.now

	if _, err := s.Resolve(context.Background(), p.keysURL(), "key-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	p.addKey("key-2")
	p.removeKey("key-1")

	// Within the refresh interval of the initial fetch an unknown kid fails fast.
	if _, err := s.Resolve(context.Background(), p.keysURL(), "key-2"); !errors.Is(err, ErrUnknownSigningKey) {
		t.Fatalf("expected ErrUnknownSigningKey, got %v", err)
	}
	if hits := p.keysHits.Load(); hits != 1 {
		t.Fatalf("expected no refetch inside interval, got %d fetches", hits)
	}

	now = now.Add(2 * time.Minute)
	key, err := s.Resolve(context.Background(), p.keysURL(), "key-2")
	if err != nil {
		t.Fatalf("resolve after rotation: %v", err)
	}
	if key.KeyID != "key-2" {
		t.Fatalf("expected key-2, got %s", key.KeyID)
	}
	if hits := p.keysHits.Load(); hits != 2 {
		t.Fatalf("expected one forced refetch, got %d fetches", hits)
	}

	// A kid that is still unknown after the refresh is not refetched again.
	if _, err := s.Resolve(context.Background(), p.keysURL(), "key-9"); !errors.Is(err, ErrUnknownSigningKey) {
		t.Fatalf("expected ErrUnknownSigningKey, got %v", err)
	}
	if hits := p.keysHits.Load(); hits != 2 {
		t.Fatalf("expected refresh to be rate limited, got %d fetches", hits)
	}
}

func TestSigningKeyStoreFetchFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusInternalServerError)
		},
		"json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("["))
		},
		"empty": func(w http.ResponseWriter, r *http.Request) {
			writeTestJSON(w, map[string]any{"keys": []any{}})
		},
		"unusable": func(w http.ResponseWriter, r *http.Request) {
			writeTestJSON(w, map[string]any{"keys": []any{
				map[string]string{"kty": "RSA", "kid": "enc", "use": "enc"},
				map[string]string{"kty": "RSA", "n": "AQAB"},
			}})
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()
			s := NewSigningKeyStore(srv.Client(), 0, 0, testLogger())

			if _, err := s.Keys(context.Background(), srv.URL); !errors.Is(err, ErrKeyFetchFailed) {
				t.Fatalf("expected ErrKeyFetchFailed, got %v", err)
			}
		})
	}
}

func TestSigningKeyStoreSkipsBadKeys(t *testing.T) {
	good := newRSAKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, map[string]any{"keys": []any{
			map[string]string{"kty": "RSA", "kid": "broken", "n": "!!", "e": "AQAB"},
			rsaJWK("good", &good.PublicKey),
			rsaJWK("good", &newRSAKey(t).PublicKey),
		}})
	}))
	defer srv.Close()

	s := NewSigningKeyStore(srv.Client(), 0, 0, testLogger())
	set, err := s.Keys(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(set) != 1 {
		t.Fatalf("expected one usable key, got %d", len(set))
	}
	if set[0].Key.(*rsa.PublicKey).N.Cmp(good.N) != 0 {
		t.Fatalf("expected first published key to win")
	}
}

func TestParseSigningKeyFromCertificate(t *testing.T) {
	key := newRSAKey(t)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "signing"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	raw, _ := json.Marshal(map[string]any{
		"kty": "RSA",
		"kid": "cert-only",
		"use": "sig",
		"x5c": []string{base64.StdEncoding.EncodeToString(der)},
	})

	sk, err := parseSigningKey(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sk.KeyID != "cert-only" || sk.Certificate == nil {
		t.Fatalf("unexpected key %+v", sk)
	}
	pub, ok := sk.Key.(*rsa.PublicKey)
	if !ok || pub.N.Cmp(key.N) != 0 {
		t.Fatalf("certificate key mismatch")
	}
}

func rsaJWK(kid string, pub *rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": kid,
		"use": "sig",
		"alg": "RS256",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}
