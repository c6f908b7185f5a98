package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the login endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))

	r.Get("/healthz", a.handleHealth)

	callback := a.Config.Provider.CallbackPath
	if callback == "" {
		callback = DefaultCallbackPath
	}
	r.Get("/auth/login", a.handleLogin)
	r.Get(callback, a.handleCallback)
	r.Post(callback, a.handleCallback)
	r.Get("/auth/me", a.handleMe)
	r.Post("/auth/logout", a.handleLogout)

	if a.Config.Server.DevMode {
		r.Post("/dev/cache/reset", a.handleCacheReset)
	}

	return r
}
