package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ExpirySkew is the safety margin subtracted from the token expiry so a
// token is never presented while racing its own expiration over the wire.
const ExpirySkew = 60 * time.Second

// ErrNotAuthenticated indicates no usable credential exists; the account
// owner has to run the authorization flow. Expected, not exceptional.
var ErrNotAuthenticated = errors.New("not authenticated, authorization flow required")

// RefreshRejectedError indicates the authorization server explicitly refused
// the refresh token. Recovery requires re-authorization.
type RefreshRejectedError struct {
	Code        string
	Description string
}

func (e *RefreshRejectedError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("token refresh rejected: %s (%s)", e.Code, e.Description)
	}
	return fmt.Sprintf("token refresh rejected: %s", e.Code)
}

// TokenResponse is the authorization server's token endpoint payload. The
// Error fields are populated instead of the credentials when the server
// refuses the grant.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// ProviderClient is the narrow collaborator surface the token manager and
// handlers need from the external service.
type ProviderClient interface {
	ExchangeCode(ctx context.Context, code, redirectURI string) (TokenResponse, error)
	RefreshToken(ctx context.Context, refreshToken string) (TokenResponse, error)
	RecentlyPlayed(ctx context.Context, accessToken string, limit int) ([]byte, error)
}

// TokenManager is the sole authority over the in-memory token record. It
// answers "is there a usable access token right now" and refreshes against
// the authorization server when the cached token is absent or near expiry.
// Every successful mutation is persisted through the CredentialStore.
type TokenManager struct {
	mu       sync.Mutex
	record   TokenRecord
	store    *CredentialStore
	provider ProviderClient
	logger   *slog.Logger
	now      func() time.Time
}

// NewTokenManager constructs a manager seeded from the store.
func NewTokenManager(store *CredentialStore, provider ProviderClient, logger *slog.Logger) *TokenManager {
	return &TokenManager{
		record:   store.Load(),
		store:    store,
		provider: provider,
		logger:   logger,
		now:      time.Now,
	}
}

// Reload replaces the in-memory record with the store's current view. Called
// at the start of token-dependent requests because the hosting environment
// does not guarantee memory continuity between them.
func (m *TokenManager) Reload() {
	rec := m.store.Load()
	m.mu.Lock()
	m.record = rec
	m.mu.Unlock()
}

// Snapshot returns a copy of the current record for status reporting.
func (m *TokenManager) Snapshot() TokenRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record
}

// ValidAccessToken returns an access token guaranteed fresh for at least
// ExpirySkew. A cached token is returned without network traffic; otherwise
// a refresh is attempted, and with no refresh token the caller gets
// ErrNotAuthenticated.
func (m *TokenManager) ValidAccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.record.AccessToken != "" && m.now().UnixMilli() < m.record.ExpiresAt-ExpirySkew.Milliseconds() {
		return m.record.AccessToken, nil
	}

	if m.record.RefreshToken != "" {
		return m.refreshLocked(ctx)
	}

	return "", ErrNotAuthenticated
}

// refreshLocked exchanges the refresh token for a new access token. The
// record mutates only after the response is accepted, so a failure leaves it
// untouched. Callers hold m.mu.
func (m *TokenManager) refreshLocked(ctx context.Context) (string, error) {
	resp, err := m.provider.RefreshToken(ctx, m.record.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("refresh access token: %w", err)
	}
	if resp.Error != "" {
		return "", &RefreshRejectedError{Code: resp.Error, Description: resp.ErrorDescription}
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("refresh access token: response carries no access token")
	}

	next := m.record
	next.AccessToken = resp.AccessToken
	next.ExpiresAt = m.now().UnixMilli() + resp.ExpiresIn*1000
	if resp.RefreshToken != "" {
		// The server may rotate the refresh token; otherwise keep ours.
		next.RefreshToken = resp.RefreshToken
	}
	m.record = next
	m.store.Save(next)

	m.logger.Info("access token refreshed", "expires_at", next.ExpiresAt, "rotated_refresh", resp.RefreshToken != "")
	return next.AccessToken, nil
}

// ApplyExchange installs the result of an authorization-code exchange. The
// initial exchange always yields both credentials, so a response missing
// either is rejected before any mutation.
func (m *TokenManager) ApplyExchange(resp TokenResponse) error {
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		return fmt.Errorf("exchange response missing credentials")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.record = TokenRecord{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    m.now().UnixMilli() + resp.ExpiresIn*1000,
	}
	m.store.Save(m.record)

	m.logger.Info("authorization complete, tokens stored", "expires_at", m.record.ExpiresAt)
	return nil
}
