package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	beginAuthPath = "/auth/spotify"
	callbackPath  = "/auth/spotify/callback"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config  Config
	Logger  *slog.Logger
	Store   *CredentialStore
	States  *StateCodec
	Tokens  *TokenManager
	Spotify *SpotifyClient
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, logger *slog.Logger) *App {
	stateSecret := cfg.Spotify.StateSecret
	if stateSecret == "" {
		logger.Warn("state_secret not configured, falling back to client secret")
		stateSecret = cfg.Spotify.ClientSecret
	}

	store := NewCredentialStore(cfg.Spotify.TokenFile, logger)
	client := NewSpotifyClient(cfg.Spotify.ClientID, cfg.Spotify.ClientSecret, logger)

	return &App{
		Config:  cfg,
		Logger:  logger,
		Store:   store,
		States:  NewStateCodec(stateSecret, logger),
		Tokens:  NewTokenManager(store, client, logger),
		Spotify: client,
	}
}

// handleBeginAuth starts the authorization dance: mint a state token and
// redirect the browser to the provider's authorize endpoint.
func (a *App) handleBeginAuth(w http.ResponseWriter, r *http.Request) {
	state := a.States.Create()
	target := a.Spotify.AuthCodeURL(state, a.callbackURL(r))
	http.Redirect(w, r, target, http.StatusFound)
}

// handleCallback completes or aborts the flow. Every outcome is a redirect
// back to the site root; the browser never sees a raw error page.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		a.Logger.Warn("authorization denied by provider", "error", errCode)
		a.redirectError(w, r, errCode)
		return
	}

	code := q.Get("code")
	if code == "" {
		a.redirectError(w, r, "no_code")
		return
	}

	if err := a.States.Verify(q.Get("state")); err != nil {
		a.Logger.Warn("callback state rejected", "error", err)
		a.redirectError(w, r, "invalid_state")
		return
	}

	resp, err := a.Spotify.ExchangeCode(r.Context(), code, a.callbackURL(r))
	if err != nil {
		a.Logger.Error("code exchange failed", "error", err)
		a.redirectError(w, r, "token_exchange_failed")
		return
	}
	if resp.Error != "" {
		a.Logger.Warn("code exchange rejected", "error", resp.Error, "description", resp.ErrorDescription)
		a.redirectError(w, r, resp.Error)
		return
	}

	if err := a.Tokens.ApplyExchange(resp); err != nil {
		a.Logger.Error("storing exchanged tokens failed", "error", err)
		a.redirectError(w, r, "token_exchange_failed")
		return
	}

	a.redirectHome(w, r, url.Values{"success": {"true"}})
}

// handleRecentTracks proxies the listening history. NotAuthenticated maps to
// a 401 inviting re-authorization, everything else to a 500.
func (a *App) handleRecentTracks(w http.ResponseWriter, r *http.Request) {
	a.Tokens.Reload()

	token, err := a.Tokens.ValidAccessToken(r.Context())
	if err != nil {
		if errors.Is(err, ErrNotAuthenticated) {
			writeJSONStatus(w, http.StatusUnauthorized, map[string]string{
				"error":   "Authentication required",
				"message": "Need to authenticate with Spotify first",
				"authUrl": beginAuthPath,
			})
			return
		}
		a.Logger.Error("access token unavailable", "error", err)
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{
			"error":   "Failed to fetch tracks",
			"message": err.Error(),
		})
		return
	}

	limit := DefaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 1 && n <= MaxRecentLimit {
			limit = n
		}
	}

	payload, err := a.Spotify.RecentlyPlayed(r.Context(), token, limit)
	if err != nil {
		a.Logger.Error("recently-played fetch failed", "error", err)
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{
			"error":   "Failed to fetch tracks",
			"message": err.Error(),
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

type authStatusResponse struct {
	Authenticated   bool   `json:"authenticated"`
	TokenExpiry     *int64 `json:"tokenExpiry"`
	HasRefreshToken bool   `json:"hasRefreshToken"`
}

func (a *App) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	a.Tokens.Reload()
	rec := a.Tokens.Snapshot()

	resp := authStatusResponse{
		Authenticated:   rec.AccessToken != "",
		HasRefreshToken: rec.RefreshToken != "",
	}
	if rec.ExpiresAt != 0 {
		resp.TokenExpiry = &rec.ExpiresAt
	}
	writeJSON(w, resp)
}

type healthResponse struct {
	Status        string  `json:"status"`
	Authenticated bool    `json:"authenticated"`
	TokenExpiry   *string `json:"tokenExpiry"`
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.Tokens.Reload()
	rec := a.Tokens.Snapshot()

	resp := healthResponse{
		Status:        "ok",
		Authenticated: rec.AccessToken != "",
	}
	if rec.ExpiresAt != 0 {
		expiry := time.UnixMilli(rec.ExpiresAt).UTC().Format(time.RFC3339)
		resp.TokenExpiry = &expiry
	}
	writeJSON(w, resp)
}

// callbackURL derives the redirect URI from the incoming request so the same
// value is used on the authorize redirect and the later code exchange.
func (a *App) callbackURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil && a.Config.Server.DevMode {
		scheme = "http"
	}
	return scheme + "://" + r.Host + callbackPath
}

func (a *App) redirectError(w http.ResponseWriter, r *http.Request, code string) {
	a.redirectHome(w, r, url.Values{"error": {code}})
}

func (a *App) redirectHome(w http.ResponseWriter, r *http.Request, params url.Values) {
	target := a.Config.Server.PublicURL
	if u, err := url.Parse(target); err == nil {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Set(k, v)
			}
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
