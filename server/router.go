package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the auth flow, the JSON API, and
// the static portfolio site when configured.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.CORS))

	r.Get(beginAuthPath, a.handleBeginAuth)
	r.Get(callbackPath, a.handleCallback)

	r.Get("/api/recent-tracks", a.handleRecentTracks)
	r.Get("/api/auth/status", a.handleAuthStatus)
	r.Get("/health", a.handleHealth)

	if a.Config.Server.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(a.Config.Server.StaticDir)))
	}

	return r
}
