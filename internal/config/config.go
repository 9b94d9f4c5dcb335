package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Default upstream endpoints, production first.
const (
	BaseURLProd  = "https://cloudcode-pa.googleapis.com/v1internal"
	BaseURLDaily = "https://daily-cloudcode-pa.sandbox.googleapis.com/v1internal"

	DefaultOAuthTokenURL = "https://oauth2.googleapis.com/token"
)

type Config struct {
	// Server
	Host string
	Port int

	// Client auth
	APIKey string // empty = accept all requests

	// OAuth
	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string

	// Upstream
	BaseURLs       []string
	RequestTimeout time.Duration

	// Pool
	CooldownDuration time.Duration
	MaxRetryAccounts int
	Accounts         []Credential

	// Storage
	DBPath           string
	LogRetentionDays int

	// Logging
	LogLevel  string
	LogFormat string
}

// Credential is one ANTIGRAVITY_ACCOUNTS_<N> entry.
type Credential struct {
	Email        string       `json:"email"`
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
	ExpiryDate   int64        `json:"expiryDate"` // ms since epoch
	ProjectID    string       `json:"projectId,omitempty"`
	Proxy        *ProxyConfig `json:"proxy,omitempty"`
}

type ProxyConfig struct {
	Type     string `json:"type"` // socks5, http
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

func Load() *Config {
	// Best-effort .env load; real env always wins.
	_ = godotenv.Load()

	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 8080),

		APIKey: os.Getenv("PROXY_API_KEY"),

		OAuthClientID:     envOr("ANTIGRAVITY_CLIENT_ID", defaultClientID),
		OAuthClientSecret: envOr("ANTIGRAVITY_CLIENT_SECRET", defaultClientSecret),
		OAuthTokenURL:     envOr("OAUTH_TOKEN_URL", DefaultOAuthTokenURL),

		BaseURLs:       envList("UPSTREAM_BASE_URLS", []string{BaseURLProd, BaseURLDaily}),
		RequestTimeout: envDuration("REQUEST_TIMEOUT_MS", 120*time.Second),

		CooldownDuration: envDuration("COOLDOWN_DURATION_MS", 60*time.Second),
		MaxRetryAccounts: envInt("MAX_RETRY_ACCOUNTS", 3),
		Accounts:         loadAccounts(),

		DBPath:           envOr("DB_PATH", "./data/relay.db"),
		LogRetentionDays: envInt("LOG_RETENTION_DAYS", 30),

		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "text"),
	}
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return &configError{field: "PORT", reason: "out of range"}
	}
	if len(c.BaseURLs) == 0 {
		return &configError{field: "UPSTREAM_BASE_URLS", reason: "empty"}
	}
	if c.MaxRetryAccounts < 1 {
		return &configError{field: "MAX_RETRY_ACCOUNTS", reason: "must be >= 1"}
	}
	return nil
}

type configError struct{ field, reason string }

func (e *configError) Error() string { return "config " + e.field + ": " + e.reason }

// loadAccounts reads the ANTIGRAVITY_ACCOUNTS_<N> series starting at N=1.
// The series stops at the first missing index; malformed entries are skipped
// with a warning.
func loadAccounts() []Credential {
	var creds []Credential
	for n := 1; ; n++ {
		raw := os.Getenv(fmt.Sprintf("ANTIGRAVITY_ACCOUNTS_%d", n))
		if raw == "" {
			break
		}
		var c Credential
		if err := json.Unmarshal([]byte(raw), &c); err != nil || c.Email == "" || c.RefreshToken == "" {
			slog.Warn("skipping malformed account entry", "index", n, "error", err)
			continue
		}
		creds = append(creds, c)
	}
	return creds
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
