package flare

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/flaregames/flare/auth"
	"github.com/flaregames/flare/cache"
	"github.com/flaregames/flare/catalog"
	"github.com/flaregames/flare/instrumentation"
	"github.com/flaregames/flare/linking"
	"github.com/flaregames/flare/providers"
	"github.com/flaregames/flare/providers/epic"
	"github.com/flaregames/flare/providers/itch"
	"github.com/flaregames/flare/providers/steam"
	"github.com/flaregames/flare/security"
	"github.com/flaregames/flare/storage"
)

// Server wires the identity, linking, and catalog services behind one
// configuration.
type Server struct {
	Config   *Config
	Store    storage.Store
	Registry *providers.Registry

	Auth    *auth.Service
	Linker  *linking.Linker
	Catalog *catalog.Service

	// IPRateLimiter throttles requests per client IP at the HTTP layer.
	// Nil when disabled.
	IPRateLimiter *security.RateLimiter

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation

	gameCache *cache.Cache
	logger    *slog.Logger
}

// NewServer builds the service graph from the configuration. The registry
// argument is optional; when nil, providers are registered from the config.
func NewServer(config *Config, store storage.Store, registry *providers.Registry) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	config.applySecureDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := config.Logger

	var err error
	if registry == nil {
		registry, err = buildRegistry(config)
		if err != nil {
			return nil, fmt.Errorf("build provider registry: %w", err)
		}
	}

	srv := &Server{
		Config:   config,
		Store:    store,
		Registry: registry,
		logger:   logger,
	}

	if config.Security.EnableAuditLogging {
		srv.Auditor = security.NewAuditor(logger, true)
	}

	if key := config.Security.EncryptionKey; key != "" {
		raw, err := security.KeyFromBase64(key)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		enc, err := security.NewEncryptor(raw)
		if err != nil {
			return nil, fmt.Errorf("create encryptor: %w", err)
		}
		if ea, ok := store.(interface{ SetEncryptor(*security.Encryptor) }); ok {
			ea.SetEncryptor(enc)
		}
	}

	sessions, err := auth.NewSessions([]byte(config.Auth.SessionKey), config.Auth.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("create sessions: %w", err)
	}

	limiter := auth.NewRateLimiter(store, logger)
	limiter.SetWindow(config.RateLimit.Window)
	limiter.SetLimit(config.RateLimit.Limit)

	// The token table is the issuance event log; background cleanup must
	// keep at least one rate-limit window of history.
	if tr, ok := store.(interface{ SetTokenRetention(time.Duration) }); ok {
		tr.SetTokenRetention(config.RateLimit.Window)
	}

	var notifier auth.Notifier
	if config.Mail.Addr != "" {
		notifier, err = auth.NewSMTPNotifier(
			config.Mail.Addr,
			config.Mail.Username,
			config.Mail.Password,
			config.Mail.From,
			config.Mail.LinkBase,
		)
		if err != nil {
			return nil, fmt.Errorf("create mail notifier: %w", err)
		}
	} else {
		logger.Warn("No SMTP configured, login tokens will be logged")
		notifier = auth.NewLogNotifier(logger)
	}

	authSvc, err := auth.NewService(store, store, limiter, notifier, sessions, logger)
	if err != nil {
		return nil, fmt.Errorf("create auth service: %w", err)
	}
	authSvc.SetTokenTTL(config.Auth.TokenTTL)
	authSvc.SetAuditor(srv.Auditor)

	linker, err := linking.NewLinker(registry, store, logger)
	if err != nil {
		return nil, fmt.Errorf("create linker: %w", err)
	}
	linker.SetAuditor(srv.Auditor)

	gameCache, err := cache.New(config.CacheDir, cache.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	catalogSvc, err := catalog.NewService(registry, store, gameCache, logger)
	if err != nil {
		return nil, fmt.Errorf("create catalog service: %w", err)
	}

	if config.RateLimit.IPRate > 0 {
		srv.IPRateLimiter = security.NewRateLimiter(
			config.RateLimit.IPRate,
			config.RateLimit.IPBurst,
			logger,
		)
	}

	srv.Auth = authSvc
	srv.Linker = linker
	srv.Catalog = catalogSvc
	srv.gameCache = gameCache

	return srv, nil
}

// SweepCache removes cache entries older than maxAge and prunes emptied
// shard directories. Returns the number of entries removed.
func (s *Server) SweepCache(maxAge time.Duration) (int, error) {
	return s.gameCache.Sweep(maxAge)
}

// SetInstrumentation wires OpenTelemetry instrumentation into the server and
// propagates the metric recorders into the service layer.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	if inst == nil {
		return
	}

	m := inst.Metrics()
	s.Auth.SetMetrics(m)
	s.Linker.SetMetrics(m)
	s.Catalog.SetMetrics(m)

	if s.Auditor != nil {
		s.Auditor.SetEventHook(func(eventType string) {
			m.RecordAuditEvent(context.Background(), eventType)
		})
	}

	if c, ok := s.Store.(interface {
		UserCount() int64
		TokenCount() int64
		AccountCount() int64
	}); ok {
		if err := inst.RegisterStorageSizeCallbacks(c.UserCount, c.TokenCount, c.AccountCount); err != nil {
			s.logger.Warn("Failed to register storage size gauges", "error", err)
		}
	}
}

// Close releases server resources. The store is owned by the caller and is
// not closed here.
func (s *Server) Close() {
	if s.IPRateLimiter != nil {
		s.IPRateLimiter.Stop()
	}
}

// buildRegistry registers the platforms enabled by the configuration.
// Platforms without a public linking API are registered as unsupported so
// requests naming them get a stable terminal answer.
func buildRegistry(config *Config) (*providers.Registry, error) {
	registry := providers.NewRegistry()

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if config.Steam.APIKey != "" {
		p, err := steam.NewProvider(&steam.Config{
			APIKey:     config.Steam.APIKey,
			ReturnURL:  config.Steam.ReturnURL,
			Realm:      config.Steam.Realm,
			HTTPClient: httpClient,
		})
		if err != nil {
			return nil, fmt.Errorf("steam: %w", err)
		}
		registry.RegisterClaimedIdentity(p)
	}

	if config.Epic.ClientID != "" {
		p, err := epic.NewProvider(&epic.Config{
			ClientID:     config.Epic.ClientID,
			ClientSecret: config.Epic.ClientSecret,
			RedirectURL:  config.Epic.RedirectURL,
			HTTPClient:   httpClient,
		})
		if err != nil {
			return nil, fmt.Errorf("epic: %w", err)
		}
		registry.RegisterAuthorizationCode(p)
	}

	if config.Itch.ClientID != "" {
		p, err := itch.NewProvider(&itch.Config{
			ClientID:    config.Itch.ClientID,
			RedirectURL: config.Itch.RedirectURL,
			HTTPClient:  httpClient,
		})
		if err != nil {
			return nil, fmt.Errorf("itch: %w", err)
		}
		registry.RegisterBearerToken(p)
	}

	registry.RegisterUnsupported("gog", "GOG has no public account linking API")
	registry.RegisterUnsupported("humble", "Humble Bundle has no public account linking API")

	return registry, nil
}
