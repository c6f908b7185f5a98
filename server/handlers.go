package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"oidclogin/client"
)

const identitySessionKey = "identity"

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    SessionStore
	Sessions *SessionManager
	Flow     *client.LoginFlow
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	var store SessionStore
	switch cfg.Sessions.Backend {
	case BackendRedis:
		rs := NewRedisStore(cfg.Sessions)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Sessions.RedisAddr, err)
		}
		logger.Info("session backend ready", "backend", BackendRedis, "addr", cfg.Sessions.RedisAddr)
		store = rs
	default:
		store = NewInMemoryStore(cfg.Sessions.TTL)
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Sessions: NewSessionManager(cfg, store, logger),
		Flow:     client.NewLoginFlow(cfg.LoginConfig(), logger),
	}, nil
}

// Close releases backend connections.
func (a *App) Close() error {
	if rs, ok := a.Store.(*RedisStore); ok {
		return rs.Close()
	}
	return nil
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	sess := a.Sessions.Ensure(w, r)
	authURL, err := a.Flow.BeginLogin(r.Context(), sess)
	if err != nil {
		a.writeLoginError(w, r, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid callback")
		return
	}

	// Without a cookie there is no nonce; validation then fails as a nonce mismatch.
	var sess client.Session = client.NewMemorySession()
	if s, ok := a.Sessions.Fetch(r); ok {
		sess = s
	}

	identity, err := a.Flow.CompleteLogin(r.Context(), sess, r.Form)
	if err != nil {
		a.writeLoginError(w, r, err)
		return
	}

	body, err := json.Marshal(identity)
	if err != nil {
		a.Logger.Error("encode identity", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "session failure")
		return
	}
	fresh := a.Sessions.Renew(r.Context(), w, r)
	if err := fresh.Set(r.Context(), identitySessionKey, string(body)); err != nil {
		a.Logger.Error("session store identity", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "session failure")
		return
	}

	a.Logger.Info("login succeeded", "request_id", RequestIDFromContext(r.Context()), "uid", identity.UID)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.Sessions.Fetch(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "no session")
		return
	}
	body, found, err := sess.Get(r.Context(), identitySessionKey)
	if err != nil {
		a.Logger.Error("session fetch error", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "session failure")
		return
	}
	if !found {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "not logged in")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sess, ok := a.Sessions.Fetch(r); ok {
		if err := a.Store.Destroy(r.Context(), sess.ID); err != nil {
			a.Logger.Warn("session destroy failed", "error", err)
		}
	}
	a.Sessions.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.Ping(r.Context()); err != nil {
		a.Logger.Error("health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (a *App) handleCacheReset(w http.ResponseWriter, r *http.Request) {
	a.Flow.ResetCaches()
	a.Logger.Info("provider caches reset", "request_id", RequestIDFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// writeLoginError maps login failures to responses. Validation failures get a
// generic body; the specific kind goes to the log only.
func (a *App) writeLoginError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := RequestIDFromContext(r.Context())
	var upstream *client.UpstreamAuthError

	switch {
	case client.IsValidationFailure(err):
		a.Logger.Warn("login rejected", "request_id", reqID, "kind", client.Kind(err), "error", err)
		writeError(w, http.StatusUnauthorized, "invalid_token", "authentication failed")
	case errors.As(err, &upstream):
		a.Logger.Warn("provider returned error", "request_id", reqID, "code", upstream.Code, "description", upstream.Description)
		writeError(w, http.StatusBadRequest, upstream.Code, upstream.Description)
	case errors.Is(err, client.ErrDiscoveryUnavailable), errors.Is(err, client.ErrKeyFetchFailed):
		a.Logger.Error("identity provider unreachable", "request_id", reqID, "kind", client.Kind(err), "error", err)
		writeError(w, http.StatusBadGateway, "temporarily_unavailable", "identity provider unavailable")
	case errors.Is(err, client.ErrConfigurationMissing):
		a.Logger.Error("login not configured", "request_id", reqID, "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "login not configured")
	default:
		a.Logger.Error("login failed", "request_id", reqID, "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "login failed")
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{"error": code}
	if desc != "" {
		body["error_description"] = desc
	}
	_ = json.NewEncoder(w).Encode(body)
}
