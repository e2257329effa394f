package flare

import (
	"strings"
	"testing"
	"time"
)

func TestConfig_ApplySecureDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applySecureDefaults()

	if cfg.ListenAddr == "" || cfg.BaseURL == "" {
		t.Error("listen addr and base URL should default")
	}
	if cfg.Auth.SessionTTL != 7*24*time.Hour {
		t.Errorf("SessionTTL = %v, want 168h", cfg.Auth.SessionTTL)
	}
	if cfg.Auth.TokenTTL != 15*time.Minute {
		t.Errorf("TokenTTL = %v, want 15m", cfg.Auth.TokenTTL)
	}
	if cfg.RateLimit.Window != time.Hour || cfg.RateLimit.Limit != 5 {
		t.Errorf("rate limit defaults = %v/%d, want 1h/5", cfg.RateLimit.Window, cfg.RateLimit.Limit)
	}
	if cfg.Logger == nil {
		t.Error("logger should default")
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{Auth: AuthConfig{SessionKey: strings.Repeat("k", 32)}}
	}

	if err := valid().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	cfg := valid()
	cfg.Auth.SessionKey = "short"
	if err := cfg.Validate(); err == nil {
		t.Error("short session key accepted")
	}

	cfg = valid()
	cfg.Mail.Addr = "smtp.example.com:587"
	if err := cfg.Validate(); err == nil {
		t.Error("SMTP without from address accepted")
	}

	cfg = valid()
	cfg.Mail.Addr = "smtp.example.com:587"
	cfg.Mail.From = "noreply@example.com"
	if err := cfg.Validate(); err == nil {
		t.Error("SMTP without link base accepted")
	}

	cfg = valid()
	cfg.Mail.Addr = "smtp.example.com:587"
	cfg.Mail.From = "noreply@example.com"
	cfg.Mail.LinkBase = "https://flare.example/login"
	if err := cfg.Validate(); err != nil {
		t.Errorf("complete SMTP config rejected: %v", err)
	}
}
