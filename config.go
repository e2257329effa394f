package flare

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Config holds the service configuration. Fields carry env tags so the
// daemon can populate them straight from the environment; library callers
// fill the struct directly.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `env:"FLARE_LISTEN_ADDR" envDefault:":8080"`

	// BaseURL is the externally visible base URL of the service.
	BaseURL string `env:"FLARE_BASE_URL" envDefault:"http://localhost:8080"`

	// DatabasePath is the sqlite database file. Empty selects the
	// in-memory store.
	DatabasePath string `env:"FLARE_DB_PATH"`

	// CacheDir is the root of the disk-backed game list cache.
	CacheDir string `env:"FLARE_CACHE_DIR" envDefault:"./data/cache"`

	Auth      AuthConfig      `envPrefix:"FLARE_AUTH_"`
	Mail      MailConfig      `envPrefix:"FLARE_MAIL_"`
	RateLimit RateLimitConfig `envPrefix:"FLARE_RATELIMIT_"`
	Security  SecurityConfig  `envPrefix:"FLARE_SECURITY_"`
	Steam     SteamConfig     `envPrefix:"FLARE_STEAM_"`
	Epic      EpicConfig      `envPrefix:"FLARE_EPIC_"`
	Itch      ItchConfig      `envPrefix:"FLARE_ITCH_"`

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger `env:"-"`

	// HTTPClient is a custom HTTP client for outbound provider requests.
	// If not provided, uses the default HTTP client.
	HTTPClient *http.Client `env:"-"`
}

// AuthConfig holds login token and session settings.
type AuthConfig struct {
	// SessionKey signs session tokens. Required, at least 32 bytes.
	SessionKey string `env:"SESSION_KEY"`

	// SessionTTL is how long minted sessions stay valid.
	SessionTTL time.Duration `env:"SESSION_TTL" envDefault:"168h"`

	// TokenTTL is how long issued login tokens stay redeemable.
	TokenTTL time.Duration `env:"TOKEN_TTL" envDefault:"15m"`
}

// MailConfig holds SMTP delivery settings. An empty Addr selects log
// delivery, which prints secrets and is for development only.
type MailConfig struct {
	Addr     string `env:"SMTP_ADDR"`
	Username string `env:"SMTP_USERNAME"`
	Password string `env:"SMTP_PASSWORD"`
	From     string `env:"FROM"`

	// LinkBase is the page the emailed login link points at.
	LinkBase string `env:"LINK_BASE"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Window is the sliding issuance window per email.
	Window time.Duration `env:"WINDOW" envDefault:"1h"`

	// Limit is the token budget per window.
	Limit int `env:"LIMIT" envDefault:"5"`

	// IPRate is requests per second allowed per IP at the HTTP layer.
	// Zero disables IP limiting.
	IPRate int `env:"IP_RATE" envDefault:"10"`

	// IPBurst is the maximum burst size allowed per IP.
	IPBurst int `env:"IP_BURST" envDefault:"20"`

	// CleanupInterval is how often to cleanup inactive rate limiters.
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"3m"`

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool `env:"TRUST_PROXY"`
}

// SecurityConfig holds security settings (secure by default)
type SecurityConfig struct {
	// EncryptionKey is the base64-encoded AES-256 key for provider access
	// token encryption at rest. Empty disables encryption.
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	// EnableAuditLogging enables security audit logging.
	// Logs token and link events with hashed identifiers.
	EnableAuditLogging bool `env:"AUDIT_LOGGING" envDefault:"true"`

	// AllowedOrigins lists origins allowed for browser requests.
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
}

// SteamConfig holds Steam Web API settings.
type SteamConfig struct {
	APIKey    string `env:"API_KEY"`
	ReturnURL string `env:"RETURN_URL"`
	Realm     string `env:"REALM"`
}

// EpicConfig holds Epic Games OAuth settings.
type EpicConfig struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	RedirectURL  string `env:"REDIRECT_URL"`
}

// ItchConfig holds itch.io OAuth settings.
type ItchConfig struct {
	ClientID    string `env:"CLIENT_ID"`
	RedirectURL string `env:"REDIRECT_URL"`
}

// applySecureDefaults fills zero values with safe defaults.
func (c *Config) applySecureDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8080"
	}
	if c.Auth.SessionTTL <= 0 {
		c.Auth.SessionTTL = 7 * 24 * time.Hour
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 15 * time.Minute
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = time.Hour
	}
	if c.RateLimit.Limit <= 0 {
		c.RateLimit.Limit = 5
	}
	if c.RateLimit.CleanupInterval <= 0 {
		c.RateLimit.CleanupInterval = 3 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if len(c.Auth.SessionKey) < 32 {
		return fmt.Errorf("auth session key must be at least 32 bytes")
	}
	if c.Mail.Addr != "" && c.Mail.From == "" {
		return fmt.Errorf("mail from address is required when SMTP is configured")
	}
	if c.Mail.Addr != "" && c.Mail.LinkBase == "" {
		return fmt.Errorf("mail link base URL is required when SMTP is configured")
	}
	return nil
}
