package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/spotify"
)

const (
	// ScopeRecentlyPlayed grants read access to the listening history.
	ScopeRecentlyPlayed = "user-read-recently-played"

	// DefaultRecentLimit matches the number of tracks the portfolio widget shows.
	DefaultRecentLimit = 5
	// MaxRecentLimit is the provider's own per-request bound.
	MaxRecentLimit = 50

	spotifyAPIURL = "https://api.spotify.com/v1"
)

// SpotifyClient talks to the Spotify authorization server and Web API. It
// covers exactly three calls: authorization-code exchange, refresh-token
// exchange, and the recently-played lookup.
type SpotifyClient struct {
	clientID     string
	clientSecret string
	tokenURL     string
	authURL      string
	apiURL       string
	http         *http.Client
	logger       *slog.Logger
}

// NewSpotifyClient constructs a client with the provider's public endpoints.
func NewSpotifyClient(clientID, clientSecret string, logger *slog.Logger) *SpotifyClient {
	return &SpotifyClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     spotify.Endpoint.TokenURL,
		authURL:      spotify.Endpoint.AuthURL,
		apiURL:       spotifyAPIURL,
		http:         &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
	}
}

// AuthCodeURL builds the authorization redirect target carrying the state token.
func (c *SpotifyClient) AuthCodeURL(state, redirectURI string) string {
	cfg := &oauth2.Config{
		ClientID:    c.clientID,
		RedirectURL: redirectURI,
		Scopes:      []string{ScopeRecentlyPlayed},
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.authURL,
			TokenURL: c.tokenURL,
		},
	}
	return cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("show_dialog", "false"))
}

// ExchangeCode swaps an authorization code for the initial token pair.
// A provider-side rejection comes back in the Error fields, not as an error.
func (c *SpotifyClient) ExchangeCode(ctx context.Context, code, redirectURI string) (TokenResponse, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
	}
	return c.postToken(ctx, form)
}

// RefreshToken mints a new access token from a refresh token.
func (c *SpotifyClient) RefreshToken(ctx context.Context, refreshToken string) (TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return c.postToken(ctx, form)
}

// postToken issues a form-encoded POST to the token endpoint with HTTP Basic
// client credentials and decodes the response body whatever the status code,
// since rejections arrive as JSON error payloads.
func (c *SpotifyClient) postToken(ctx context.Context, form url.Values) (TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResponse{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.clientID, c.clientSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("call token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TokenResponse{}, fmt.Errorf("read token response: %w", err)
	}

	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		if resp.StatusCode >= 400 {
			return TokenResponse{}, fmt.Errorf("token endpoint returned %s", resp.Status)
		}
		return TokenResponse{}, fmt.Errorf("decode token response: %w", err)
	}
	return tr, nil
}

// RecentlyPlayed fetches the listening history with bearer auth and returns
// the provider's JSON payload untouched.
func (c *SpotifyClient) RecentlyPlayed(ctx context.Context, accessToken string, limit int) ([]byte, error) {
	if limit < 1 || limit > MaxRecentLimit {
		limit = DefaultRecentLimit
	}

	endpoint := c.apiURL + "/me/player/recently-played?limit=" + strconv.Itoa(limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build recently-played request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call recently-played endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read recently-played response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("spotify api error: %s", resp.Status)
	}
	return body, nil
}
