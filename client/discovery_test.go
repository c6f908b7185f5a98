package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDiscoveryURL(t *testing.T) {
	d := NewDiscoveryClient("", nil, 0, nil)
	want := "https://login.microsoftonline.com/contoso/.well-known/openid-configuration"
	if got := d.URL("contoso"); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}

	d = NewDiscoveryClient("https://login.example.com/", nil, 0, nil)
	if got := d.URL("common"); got != "https://login.example.com/common/.well-known/openid-configuration" {
		t.Fatalf("unexpected url %s", got)
	}
}

func TestDiscoveryDocumentCached(t *testing.T) {
	p := newFakeProvider(t)
	d := NewDiscoveryClient(p.srv.URL, p.srv.Client(), 0, testLogger())

	for i := 0; i < 3; i++ {
		doc, err := d.Document(context.Background(), testTenant)
		if err != nil {
			t.Fatalf("document: %v", err)
		}
		if doc.Issuer != p.issuer() {
			t.Fatalf("unexpected issuer %s", doc.Issuer)
		}
		if doc.KeysURL() != p.keysURL() {
			t.Fatalf("unexpected jwks_uri %s", doc.KeysURL())
		}
	}
	if hits := p.discoveryHits.Load(); hits != 1 {
		t.Fatalf("expected one discovery fetch, got %d", hits)
	}

	d.Invalidate(testTenant)
	if _, err := d.Document(context.Background(), testTenant); err != nil {
		t.Fatalf("document after invalidate: %v", err)
	}
	if hits := p.discoveryHits.Load(); hits != 2 {
		t.Fatalf("expected refetch after invalidate, got %d fetches", hits)
	}
}

func TestDiscoveryDefaultKeysURL(t *testing.T) {
	p := newFakeProvider(t)
	p.mu.Lock()
	p.omitJWKS = true
	p.mu.Unlock()
	d := NewDiscoveryClient(p.srv.URL, p.srv.Client(), 0, nil)

	doc, err := d.Document(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	if doc.KeysURL() != DefaultKeysURL {
		t.Fatalf("expected default keys url, got %s", doc.KeysURL())
	}
}

func TestDiscoveryUnavailable(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusServiceUnavailable)
		},
		"json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("{not json"))
		},
		"incomplete": func(w http.ResponseWriter, r *http.Request) {
			writeTestJSON(w, map[string]string{"jwks_uri": "https://keys.example.com"})
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()
			d := NewDiscoveryClient(srv.URL, srv.Client(), 0, testLogger())

			if _, err := d.Document(context.Background(), testTenant); !errors.Is(err, ErrDiscoveryUnavailable) {
				t.Fatalf("expected ErrDiscoveryUnavailable, got %v", err)
			}
		})
	}
}

func TestDiscoveryUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	d := NewDiscoveryClient(url, nil, 0, nil)
	if _, err := d.Document(context.Background(), testTenant); !errors.Is(err, ErrDiscoveryUnavailable) {
		t.Fatalf("expected ErrDiscoveryUnavailable, got %v", err)
	}
}
