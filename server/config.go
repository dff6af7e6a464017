package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Spotify SpotifyConfig `yaml:"spotify"`
	CORS    CORSConfig    `yaml:"cors"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	StaticDir       string    `yaml:"static_dir"`
	SecretsPath     string    `yaml:"secrets_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// SpotifyConfig holds the OAuth client credentials and token persistence settings
// for the one Spotify account this service manages.
type SpotifyConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// StateSecret keys the HMAC over authorization state tokens. Falls back
	// to ClientSecret when unset.
	StateSecret string `yaml:"state_secret"`
	// TokenFile is the scratch location for the persisted token record.
	TokenFile string `yaml:"token_file"`
}

// CORSConfig controls which browser origins may call the JSON API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	// PlatformSuffixes admits any origin ending with one of these suffixes,
	// covering preview deployments on the hosting platform.
	PlatformSuffixes []string `yaml:"platform_suffixes"`
	// DefaultOrigin is sent when the request origin is not recognised.
	// Defaults to the server public URL.
	DefaultOrigin string `yaml:"default_origin"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.CORS.DefaultOrigin == "" {
		cfg.CORS.DefaultOrigin = cfg.Server.PublicURL
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
		},
		Spotify: SpotifyConfig{
			TokenFile: filepath.Join(os.TempDir(), "spotify-tokens.json"),
		},
		CORS: CORSConfig{
			PlatformSuffixes: []string{".vercel.app"},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"TRACKSD_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"TRACKSD_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"TRACKSD_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"TRACKSD_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"TRACKSD_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"TRACKSD_SERVER_STATIC_DIR":        func(v string) { cfg.Server.StaticDir = v },
		"TRACKSD_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"TRACKSD_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"TRACKSD_CORS_ALLOWED_ORIGINS":     func(v string) { cfg.CORS.AllowedOrigins = splitAndTrim(v) },
		"SPOTIFY_CLIENT_ID":                func(v string) { cfg.Spotify.ClientID = v },
		"SPOTIFY_CLIENT_SECRET":            func(v string) { cfg.Spotify.ClientSecret = v },
		"STATE_SECRET":                     func(v string) { cfg.Spotify.StateSecret = v },
		"SPOTIFY_TOKEN_FILE":               func(v string) { cfg.Spotify.TokenFile = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Spotify.ClientID == "" {
		return errors.New("spotify.client_id is required (or set SPOTIFY_CLIENT_ID)")
	}
	if c.Spotify.ClientSecret == "" {
		return errors.New("spotify.client_secret is required (or set SPOTIFY_CLIENT_SECRET)")
	}

	if c.Server.StaticDir != "" {
		if info, err := os.Stat(c.Server.StaticDir); err != nil || !info.IsDir() {
			return fmt.Errorf("server.static_dir %q is not a readable directory", c.Server.StaticDir)
		}
	}

	for _, origin := range c.CORS.AllowedOrigins {
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("cors.allowed_origins entry %q must be an origin URL", origin)
		}
	}

	return nil
}
