// config.go

// Environment variable loading and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MinAuthSecretLen is the shortest AUTH_SECRET accepted.
const MinAuthSecretLen = 32

// ProviderCredentials holds one provider's OAuth client registration.
type ProviderCredentials struct {
	ClientID     string
	ClientSecret string
}

// AppleCredentials adds the signing key Apple's client secret is minted from.
// PrivateKey, when set, takes precedence over a static ClientSecret.
type AppleCredentials struct {
	ProviderCredentials
	TeamID     string
	KeyID      string
	PrivateKey string
}

// Config holds all env configuration vars for the auth service.
type Config struct {
	DatabaseURL string
	// RedisURL is optional. Empty runs without a session cache and with
	// process-local state nonces (single instance only).
	RedisURL string
	Port     string
	LogLevel slog.Level

	// PublicOrigin is the scheme://host browsers use. Empty derives it per request.
	PublicOrigin string
	// CookieSecure defaults to true; COOKIE_SECURE=false for plain-HTTP local dev.
	CookieSecure bool
	// TrustProxyHeaders takes the client IP from X-Forwarded-For and friends.
	// Only set it behind a proxy that overwrites those headers.
	TrustProxyHeaders bool

	// AuthSecret keys the state envelope. At least MinAuthSecretLen bytes.
	AuthSecret []byte
	StateTTL   time.Duration

	SessionTTL       time.Duration
	ExchangeTimeout  time.Duration
	AfterLoginPath   string
	SessionRetention time.Duration
	CleanupSchedule  string

	// Per-IP limiter on /api/auth/*.
	RateAuthRPS   float64
	RateAuthBurst int

	// Tracing. Empty endpoint disables export.
	OTLPEndpoint    string
	OTLPInsecure    bool
	TraceSampleRate float64

	Google   ProviderCredentials
	Facebook ProviderCredentials
	Apple    AppleCredentials
	X        ProviderCredentials
}

// LoadConfig reads an optional .env file (ENV_FILE, default ".env"), then environment
// variables, and returns a validated Config. Variables already set in the environment
// win over the file. Returns an error if DATABASE_URL or AUTH_SECRET is missing or invalid.
func LoadConfig() (*Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", envFile, err)
	}

	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	cfg.RedisURL = os.Getenv("REDIS_URL")

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "7865"
	}

	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	secret := os.Getenv("AUTH_SECRET")
	if len(secret) < MinAuthSecretLen {
		return nil, fmt.Errorf("AUTH_SECRET is required and must be at least %d bytes", MinAuthSecretLen)
	}
	cfg.AuthSecret = []byte(secret)
	cfg.StateTTL = envDuration("STATE_TTL", 600*time.Second)

	cfg.PublicOrigin = strings.TrimRight(os.Getenv("PUBLIC_ORIGIN"), "/")
	if cfg.PublicOrigin != "" {
		u, err := url.Parse(cfg.PublicOrigin)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" || u.Path != "" {
			return nil, fmt.Errorf("PUBLIC_ORIGIN must be scheme://host, got %q", cfg.PublicOrigin)
		}
	}

	// Default true: only explicit "false" disables.
	cfg.CookieSecure = os.Getenv("COOKIE_SECURE") != "false"

	cfg.SessionTTL = envDuration("SESSION_TTL", 24*time.Hour)
	cfg.ExchangeTimeout = envDuration("EXCHANGE_TIMEOUT", 10*time.Second)
	cfg.SessionRetention = envDuration("SESSION_RETENTION", 7*24*time.Hour)
	cfg.CleanupSchedule = os.Getenv("SESSION_CLEANUP_SCHEDULE")
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = "@every 24h"
	}

	cfg.AfterLoginPath = os.Getenv("AFTER_LOGIN_PATH")
	if cfg.AfterLoginPath == "" {
		cfg.AfterLoginPath = "/dashboard"
	}
	if !strings.HasPrefix(cfg.AfterLoginPath, "/") || strings.HasPrefix(cfg.AfterLoginPath, "//") ||
		strings.ContainsAny(cfg.AfterLoginPath, "\\?#") {
		return nil, fmt.Errorf("AFTER_LOGIN_PATH must be a local path like /dashboard, got %q", cfg.AfterLoginPath)
	}

	cfg.TrustProxyHeaders = os.Getenv("TRUST_PROXY_HEADERS") == "true"
	cfg.RateAuthRPS = envFloat("RATE_AUTH_RPS", 5)
	cfg.RateAuthBurst = envInt("RATE_AUTH_BURST", 10)

	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.OTLPInsecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	cfg.TraceSampleRate = envRatio("OTEL_TRACE_SAMPLE_RATE", 1)

	cfg.Google = ProviderCredentials{os.Getenv("GOOGLE_CLIENT_ID"), os.Getenv("GOOGLE_CLIENT_SECRET")}
	cfg.Facebook = ProviderCredentials{os.Getenv("FACEBOOK_APP_ID"), os.Getenv("FACEBOOK_APP_SECRET")}
	cfg.X = ProviderCredentials{os.Getenv("TWITTER_CLIENT_ID"), os.Getenv("TWITTER_CLIENT_SECRET")}
	cfg.Apple = AppleCredentials{
		ProviderCredentials: ProviderCredentials{os.Getenv("APPLE_CLIENT_ID"), os.Getenv("APPLE_CLIENT_SECRET")},
		TeamID:              os.Getenv("APPLE_TEAM_ID"),
		KeyID:               os.Getenv("APPLE_KEY_ID"),
		// Single-line env values carry the PEM's newlines escaped.
		PrivateKey: strings.ReplaceAll(os.Getenv("APPLE_PRIVATE_KEY"), `\n`, "\n"),
	}
	if cfg.Apple.PrivateKey != "" && (cfg.Apple.TeamID == "" || cfg.Apple.KeyID == "") {
		return nil, fmt.Errorf("APPLE_PRIVATE_KEY requires APPLE_TEAM_ID and APPLE_KEY_ID")
	}

	return cfg, nil
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envFloat reads an env var as a positive float, returning def if missing or unparseable.
func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

// envRatio reads an env var as a fraction in [0, 1]. Values above 1 are capped;
// negative or unparseable values return def.
func envRatio(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return min(f, 1)
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
