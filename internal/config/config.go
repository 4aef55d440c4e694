// Package config provides application configuration management.
// Configuration is loaded from environment variables following 12-factor principles.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

// Config holds all application configuration.
// All fields are populated from environment variables.
type Config struct {
	// Application settings
	AppEnv  string `env:"APP_ENV" envDefault:"development"`
	AppPort int    `env:"APP_PORT" envDefault:"8080"`

	// Database (PostgreSQL)
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// Cache (Redis)
	RedisURL string `env:"REDIS_URL,required,notEmpty"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Metrics backend: "inmemory" or "prometheus"
	MetricsBackend string `env:"METRICS_BACKEND" envDefault:"inmemory"`

	// Server timeouts
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Rate limiting
	RateLimitAPIEnabled   bool `env:"RATE_LIMIT_API_ENABLED" envDefault:"true"`
	RateLimitAPIPerMinute int  `env:"RATE_LIMIT_API_PER_MINUTE" envDefault:"600"`
	RateLimitAPIBurst     int  `env:"RATE_LIMIT_API_BURST" envDefault:"60"`
	RateLimitAuthEnabled  bool `env:"RATE_LIMIT_AUTH_ENABLED" envDefault:"true"`
	RateLimitAuthRPS      int  `env:"RATE_LIMIT_AUTH_RPS" envDefault:"5"`
	RateLimitAuthBurst    int  `env:"RATE_LIMIT_AUTH_BURST" envDefault:"10"`

	// CORS configuration
	// Comma-separated list of allowed origins (e.g., "https://example.com,https://app.example.com")
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:""`

	// Proxies whose forwarding headers are trusted for the client address.
	// Comma-separated CIDRs or bare IPs; empty ignores forwarding headers.
	TrustedProxies string `env:"TRUSTED_PROXIES" envDefault:""`

	// Request body size limit in bytes (default 1MB)
	MaxRequestBodySize int64 `env:"MAX_REQUEST_BODY_SIZE" envDefault:"1048576"`

	// API keys
	APIKeyPepper string `env:"API_KEY_PEPPER,required,notEmpty"`

	// Identity provider
	IDPURL       string `env:"IDP_URL"`
	IDPAnonKey   string `env:"IDP_ANON_KEY"`
	IDPJWKSURL   string `env:"IDP_JWKS_URL"`
	IDPJWTSecret string `env:"IDP_JWT_SECRET"`
	IDPIssuer    string `env:"IDP_ISSUER"`
	IDPAudience  string `env:"IDP_AUDIENCE" envDefault:"authenticated"`

	// Session cookies
	SessionIDTokenCookie      string        `env:"SESSION_ID_TOKEN_COOKIE" envDefault:"th-id-token"`
	SessionAccessTokenCookie  string        `env:"SESSION_ACCESS_TOKEN_COOKIE" envDefault:"th-access-token"`
	SessionRefreshTokenCookie string        `env:"SESSION_REFRESH_TOKEN_COOKIE" envDefault:"th-refresh-token"`
	SessionCookieDomain       string        `env:"SESSION_COOKIE_DOMAIN"`
	SessionCookieMaxAge       time.Duration `env:"SESSION_COOKIE_MAX_AGE" envDefault:"168h"`
	SessionRedirectTo         string        `env:"SESSION_REDIRECT_TO" envDefault:"/dashboard"`
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// GetCORSAllowedOrigins parses the comma-separated origins string into a slice.
func (c *Config) GetCORSAllowedOrigins() []string {
	if c.CORSAllowedOrigins == "" {
		return nil
	}

	origins := strings.Split(c.CORSAllowedOrigins, ",")
	result := make([]string, 0, len(origins))

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// GetTrustedProxies parses TrustedProxies. A bare IP is a single-host prefix.
func (c *Config) GetTrustedProxies() ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, raw := range strings.Split(c.TrustedProxies, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		ip, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(ip, ip.BitLen()))
	}
	return prefixes, nil
}

// VerifiesTokens reports whether session tokens are signature-checked.
func (c *Config) VerifiesTokens() bool {
	return c.IDPJWKSURL != "" || c.IDPJWTSecret != ""
}

// Validate checks values the env parser cannot.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.AppEnv, validation.In("development", "staging", "production", "test")),
		validation.Field(&c.AppPort, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.LogFormat, validation.In("json", "text")),
		validation.Field(&c.MetricsBackend, validation.In("inmemory", "prometheus")),
		validation.Field(&c.APIKeyPepper, validation.Length(16, 0)),
		validation.Field(&c.IDPURL, is.URL),
		validation.Field(&c.IDPJWKSURL, is.URL),
		validation.Field(&c.SessionAccessTokenCookie, validation.Required),
		validation.Field(&c.SessionRefreshTokenCookie, validation.Required),
		validation.Field(&c.SessionRedirectTo, validation.Required),
		validation.Field(&c.TrustedProxies, validation.By(func(interface{}) error {
			_, err := c.GetTrustedProxies()
			return err
		})),
	)
}

// Load parses environment variables and returns a validated Config.
// Returns an error if required variables are missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
