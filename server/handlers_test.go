package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"
)

// newTestApp builds an App with an isolated credential store and, when a
// stub server is given, token and API endpoints pointed at it.
func newTestApp(t *testing.T, stub *httptest.Server) *App {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Server.PublicURL = "http://site.test"
	cfg.Spotify.ClientID = "client-id"
	cfg.Spotify.ClientSecret = "client-secret"
	cfg.Spotify.TokenFile = filepath.Join(t.TempDir(), "tokens.json")
	cfg.CORS.DefaultOrigin = cfg.Server.PublicURL

	logger := discardLogger()
	store := NewCredentialStore(cfg.Spotify.TokenFile, logger)
	store.lookupEnv = func(string) (string, bool) { return "", false }

	client := NewSpotifyClient(cfg.Spotify.ClientID, cfg.Spotify.ClientSecret, logger)
	if stub != nil {
		client.tokenURL = stub.URL + "/api/token"
		client.apiURL = stub.URL
	}

	return &App{
		Config:  cfg,
		Logger:  logger,
		Store:   store,
		States:  NewStateCodec("state-secret", logger),
		Tokens:  NewTokenManager(store, client, logger),
		Spotify: client,
	}
}

func doRequest(t *testing.T, a *App, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, nil)
	a.Routes().ServeHTTP(rr, req)
	return rr
}

func assertRedirect(t *testing.T, rr *httptest.ResponseRecorder, wantQuery url.Values) {
	t.Helper()
	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rr.Code)
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	if got := loc.Scheme + "://" + loc.Host; got != "http://site.test" {
		t.Fatalf("redirect target = %q, want site root", got)
	}
	q := loc.Query()
	for key, want := range wantQuery {
		if q.Get(key) != want[0] {
			t.Fatalf("query %s = %q, want %q", key, q.Get(key), want[0])
		}
	}
}

func TestBeginAuthRedirect(t *testing.T) {
	a := newTestApp(t, nil)
	rr := doRequest(t, a, http.MethodGet, "/auth/spotify")

	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rr.Code)
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	q := loc.Query()
	if q.Get("state") == "" {
		t.Fatalf("authorize URL missing state parameter")
	}
	if err := a.States.Verify(q.Get("state")); err != nil {
		t.Fatalf("minted state does not verify: %v", err)
	}
	if got := q.Get("redirect_uri"); got != "http://example.com/auth/spotify/callback" {
		t.Fatalf("redirect_uri = %q", got)
	}
}

func TestCallbackProviderErrorPropagates(t *testing.T) {
	a := newTestApp(t, nil)
	rr := doRequest(t, a, http.MethodGet, "/auth/spotify/callback?error=access_denied&state=whatever")
	assertRedirect(t, rr, url.Values{"error": {"access_denied"}})
}

func TestCallbackMissingCode(t *testing.T) {
	a := newTestApp(t, nil)
	state := a.States.Create()
	rr := doRequest(t, a, http.MethodGet, "/auth/spotify/callback?state="+url.QueryEscape(state))
	assertRedirect(t, rr, url.Values{"error": {"no_code"}})
}

func TestCallbackInvalidStateSkipsExchange(t *testing.T) {
	calls := 0
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, TokenResponse{AccessToken: "AT1", RefreshToken: "RT1", ExpiresIn: 3600})
	}))
	defer stub.Close()

	a := newTestApp(t, stub)
	rr := doRequest(t, a, http.MethodGet, "/auth/spotify/callback?code=abc123&state=noseparator")
	assertRedirect(t, rr, url.Values{"error": {"invalid_state"}})
	if calls != 0 {
		t.Fatalf("token endpoint hit %d times, want 0", calls)
	}
}

func TestCallbackExchangeRejection(t *testing.T) {
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "invalid_client"})
	}))
	defer stub.Close()

	a := newTestApp(t, stub)
	state := a.States.Create()
	rr := doRequest(t, a, http.MethodGet, "/auth/spotify/callback?code=abc123&state="+url.QueryEscape(state))
	assertRedirect(t, rr, url.Values{"error": {"invalid_client"}})
}

func TestCallbackExchangeTransportFailure(t *testing.T) {
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer stub.Close()

	a := newTestApp(t, stub)
	state := a.States.Create()
	rr := doRequest(t, a, http.MethodGet, "/auth/spotify/callback?code=abc123&state="+url.QueryEscape(state))
	assertRedirect(t, rr, url.Values{"error": {"token_exchange_failed"}})
}

func TestAuthFlowEndToEnd(t *testing.T) {
	tokenCalls := 0
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if code := r.PostForm.Get("code"); code != "abc123" {
			t.Errorf("code = %q", code)
		}
		writeJSON(w, TokenResponse{AccessToken: "AT1", RefreshToken: "RT1", ExpiresIn: 3600})
	}))
	defer stub.Close()

	a := newTestApp(t, stub)

	begin := doRequest(t, a, http.MethodGet, "/auth/spotify")
	loc, err := url.Parse(begin.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse authorize URL: %v", err)
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Fatalf("authorize URL missing state")
	}

	callback := doRequest(t, a, http.MethodGet,
		"/auth/spotify/callback?code=abc123&state="+url.QueryEscape(state))
	assertRedirect(t, callback, url.Values{"success": {"true"}})
	if tokenCalls != 1 {
		t.Fatalf("token endpoint hit %d times, want 1", tokenCalls)
	}

	token, err := a.Tokens.ValidAccessToken(context.Background())
	if err != nil {
		t.Fatalf("ValidAccessToken after exchange: %v", err)
	}
	if token != "AT1" {
		t.Fatalf("token = %q, want AT1", token)
	}
	if tokenCalls != 1 {
		t.Fatalf("unexpected extra network call, token endpoint hit %d times", tokenCalls)
	}
}

func TestRecentTracksNotAuthenticated(t *testing.T) {
	a := newTestApp(t, nil)
	rr := doRequest(t, a, http.MethodGet, "/api/recent-tracks")

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["authUrl"] != "/auth/spotify" {
		t.Fatalf("authUrl = %q", body["authUrl"])
	}
}

func TestRecentTracksSuccess(t *testing.T) {
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/me/player/recently-played" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"items":[{"track":{"name":"song"}}]}`))
	}))
	defer stub.Close()

	a := newTestApp(t, stub)
	a.Store.Save(TokenRecord{
		AccessToken:  "AT1",
		RefreshToken: "RT1",
		ExpiresAt:    time.Now().UnixMilli() + 3600_000,
	})

	rr := doRequest(t, a, http.MethodGet, "/api/recent-tracks")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", rr.Code, rr.Body.String())
	}
	var payload struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(payload.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(payload.Items))
	}
}

func TestRecentTracksRefreshRejectedMapsTo500(t *testing.T) {
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
	}))
	defer stub.Close()

	a := newTestApp(t, stub)
	a.Store.Save(TokenRecord{RefreshToken: "RT0"})

	rr := doRequest(t, a, http.MethodGet, "/api/recent-tracks")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "Failed to fetch tracks" {
		t.Fatalf("error = %q", body["error"])
	}
}

func TestAuthStatus(t *testing.T) {
	a := newTestApp(t, nil)
	a.Store.Save(TokenRecord{AccessToken: "AT1", RefreshToken: "RT1", ExpiresAt: 1750000000000})

	rr := doRequest(t, a, http.MethodGet, "/api/auth/status")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body authStatusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !body.Authenticated || !body.HasRefreshToken {
		t.Fatalf("unexpected status: %+v", body)
	}
	if body.TokenExpiry == nil || *body.TokenExpiry != 1750000000000 {
		t.Fatalf("tokenExpiry = %v", body.TokenExpiry)
	}
}

func TestAuthStatusEmpty(t *testing.T) {
	a := newTestApp(t, nil)
	rr := doRequest(t, a, http.MethodGet, "/api/auth/status")

	var body authStatusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Authenticated || body.HasRefreshToken || body.TokenExpiry != nil {
		t.Fatalf("expected empty status, got %+v", body)
	}
}

func TestHealth(t *testing.T) {
	a := newTestApp(t, nil)
	expiry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a.Store.Save(TokenRecord{AccessToken: "AT1", RefreshToken: "RT1", ExpiresAt: expiry.UnixMilli()})

	rr := doRequest(t, a, http.MethodGet, "/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body healthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "ok" || !body.Authenticated {
		t.Fatalf("unexpected health: %+v", body)
	}
	if body.TokenExpiry == nil || *body.TokenExpiry != "2025-06-01T12:00:00Z" {
		t.Fatalf("tokenExpiry = %v", body.TokenExpiry)
	}
}

func TestOptionsPreflightOnAPIRoute(t *testing.T) {
	a := newTestApp(t, nil)
	rr := doRequest(t, a, http.MethodOptions, "/api/recent-tracks")

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if rr.Body.Len() != 0 {
		t.Fatalf("expected empty preflight body, got %q", rr.Body.String())
	}
}
