package server

import (
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
)

// Environment seed for the token record. The hosting environment does not
// guarantee process continuity, so an injected refresh token is the durable
// source of truth and takes precedence over the scratch file.
const (
	envRefreshToken = "SPOTIFY_REFRESH_TOKEN"
	envAccessToken  = "SPOTIFY_ACCESS_TOKEN"
	envTokenExpiry  = "SPOTIFY_TOKEN_EXPIRY"
)

// TokenRecord is the persisted token triple for the managed account.
type TokenRecord struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	// ExpiresAt is the instant in unix milliseconds after which AccessToken
	// must not be used. Zero when unknown.
	ExpiresAt int64 `json:"expires_at"`
}

// Empty reports whether the record carries no usable credential.
func (r TokenRecord) Empty() bool {
	return r.AccessToken == "" && r.RefreshToken == ""
}

// CredentialStore persists the TokenRecord across invocations. Reads prefer
// the environment seed over the scratch file; writes are best-effort.
type CredentialStore struct {
	path      string
	logger    *slog.Logger
	lookupEnv func(string) (string, bool)
}

// NewCredentialStore constructs a store writing to path.
func NewCredentialStore(path string, logger *slog.Logger) *CredentialStore {
	return &CredentialStore{
		path:      path,
		logger:    logger,
		lookupEnv: os.LookupEnv,
	}
}

// Load returns the best-known TokenRecord. It never fails: any unreadable or
// structurally invalid source degrades to an empty record with a log line.
func (s *CredentialStore) Load() TokenRecord {
	if refresh, ok := s.lookupEnv(envRefreshToken); ok && refresh != "" {
		rec := TokenRecord{RefreshToken: refresh}
		if access, ok := s.lookupEnv(envAccessToken); ok {
			rec.AccessToken = access
		}
		if raw, ok := s.lookupEnv(envTokenExpiry); ok && raw != "" {
			expiry, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				s.logger.Warn("ignoring malformed token expiry from environment", "value", raw)
			} else {
				rec.ExpiresAt = expiry
			}
		}
		s.logger.Debug("token record loaded from environment")
		return rec
	}

	b, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("token file unreadable", "path", s.path, "error", err)
		}
		return TokenRecord{}
	}

	var rec TokenRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		s.logger.Warn("token file corrupt", "path", s.path, "error", err)
		return TokenRecord{}
	}
	if rec.Empty() {
		return TokenRecord{}
	}
	s.logger.Debug("token record loaded from file", "path", s.path)
	return rec
}

// Save serializes the record to the scratch file. Failure is logged and
// swallowed: persistence here is an optimization, the environment seed can
// fully substitute for it.
func (s *CredentialStore) Save(rec TokenRecord) {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		s.logger.Warn("token record not serializable", "error", err)
		return
	}
	if err := os.WriteFile(s.path, b, 0o600); err != nil {
		s.logger.Warn("token file write failed", "path", s.path, "error", err)
	}
}
