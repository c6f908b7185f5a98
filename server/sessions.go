package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"oidclogin/client"
)

const sessionCookieName = "oidc_session"

// SessionManager binds browser cookies to server-side session state.
type SessionManager struct {
	store        SessionStore
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store SessionStore, logger *slog.Logger) *SessionManager {
	// form_post callbacks are cross-site POSTs, which only carry SameSite=None cookies.
	sameSite := http.SameSiteNoneMode
	secure := true
	if cfg.Server.DevMode {
		sameSite = http.SameSiteLaxMode
		secure = false
	}
	ttl := cfg.Sessions.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          ttl,
		secure:       secure,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Session is one browser session's view of the store. It satisfies
// client.Session and client.Taker.
type Session struct {
	ID    string
	store SessionStore
}

var (
	_ client.Session = (*Session)(nil)
	_ client.Taker   = (*Session)(nil)
)

// Get reads key from this session.
func (s *Session) Get(ctx context.Context, key string) (string, bool, error) {
	return s.store.Get(ctx, s.ID, key)
}

// Set writes key into this session, refreshing its expiry.
func (s *Session) Set(ctx context.Context, key, value string) error {
	return s.store.Set(ctx, s.ID, key, value)
}

// Delete removes key from this session.
func (s *Session) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, s.ID, key)
}

// Take atomically reads and removes key from this session.
func (s *Session) Take(ctx context.Context, key string) (string, bool, error) {
	return s.store.Take(ctx, s.ID, key)
}

// Fetch returns the session named by the request cookie, if any.
func (sm *SessionManager) Fetch(r *http.Request) (*Session, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}
	return &Session{ID: cookie.Value, store: sm.store}, true
}

// Ensure returns the request's session, starting a new one when the request has none.
func (sm *SessionManager) Ensure(w http.ResponseWriter, r *http.Request) *Session {
	if sess, ok := sm.Fetch(r); ok {
		return sess
	}
	return sm.Create(w)
}

// Create starts a new session and sets the cookie.
func (sm *SessionManager) Create(w http.ResponseWriter) *Session {
	sess := &Session{ID: sm.store.NewID(), store: sm.store}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	return sess
}

// Renew replaces the request's session with a fresh one, dropping the old
// state. Called after login so a pre-login session ID never becomes authenticated.
func (sm *SessionManager) Renew(ctx context.Context, w http.ResponseWriter, r *http.Request) *Session {
	if old, ok := sm.Fetch(r); ok {
		if err := sm.store.Destroy(ctx, old.ID); err != nil {
			sm.logger.Warn("session destroy failed", "error", err)
		}
	}
	return sm.Create(w)
}

// Clear removes the session cookie for logout.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}
