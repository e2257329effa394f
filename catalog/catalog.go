// Package catalog serves the per-platform game lists for linked accounts,
// fronted by the disk cache so repeated reads do not hit provider APIs.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flaregames/flare/cache"
	"github.com/flaregames/flare/instrumentation"
	"github.com/flaregames/flare/internal/util"
	"github.com/flaregames/flare/providers"
	"github.com/flaregames/flare/storage"
)

// DefaultCacheTTL is how long a fetched game list stays fresh on disk.
const DefaultCacheTTL = 5 * time.Minute

// DefaultFetchTimeout bounds each outbound catalog API call.
const DefaultFetchTimeout = 30 * time.Second

// maxLoggedErrorLen caps upstream error strings in logs.
const maxLoggedErrorLen = 256

var (
	// ErrNotLinked indicates the user has not linked the platform.
	ErrNotLinked = errors.New("catalog: platform not connected")

	// ErrUnsupportedProvider indicates the platform has no catalog API.
	ErrUnsupportedProvider = errors.New("catalog: unsupported provider")

	// ErrUpstream indicates the platform API call failed. Detail stays in
	// the logs.
	ErrUpstream = errors.New("catalog: upstream fetch failed")
)

// Service reads game lists through the cache.
type Service struct {
	registry     *providers.Registry
	accounts     storage.AccountStore
	cache        *cache.Cache
	logger       *slog.Logger
	metrics      *instrumentation.Metrics
	cacheTTL     time.Duration
	fetchTimeout time.Duration
}

// NewService creates the catalog service.
func NewService(registry *providers.Registry, accounts storage.AccountStore, c *cache.Cache, logger *slog.Logger) (*Service, error) {
	if registry == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if accounts == nil {
		return nil, fmt.Errorf("account store is required")
	}
	if c == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry:     registry,
		accounts:     accounts,
		cache:        c,
		logger:       logger,
		cacheTTL:     DefaultCacheTTL,
		fetchTimeout: DefaultFetchTimeout,
	}, nil
}

// SetMetrics enables metric recording for cache and provider API outcomes.
func (s *Service) SetMetrics(m *instrumentation.Metrics) {
	s.metrics = m
}

// SetCacheTTL overrides the game list cache TTL.
func (s *Service) SetCacheTTL(d time.Duration) {
	if d > 0 {
		s.cacheTTL = d
	}
}

// SetFetchTimeout overrides the outbound API call timeout.
func (s *Service) SetFetchTimeout(d time.Duration) {
	if d > 0 {
		s.fetchTimeout = d
	}
}

// Games returns the user's game list for the platform, serving from cache
// when a fresh entry exists. The cache key is scoped to (user, provider) so
// entries never leak across users. The second return value reports whether
// the list came from the cache.
func (s *Service) Games(ctx context.Context, userID, provider string) (providers.Games, bool, error) {
	account, err := s.lookupAccount(ctx, userID, provider)
	if err != nil {
		return nil, false, err
	}

	key := cacheKey(userID, provider)
	if payload, ok := s.cache.Get(key); ok {
		if s.metrics != nil {
			s.metrics.RecordCacheHit(ctx, provider)
		}
		s.logger.Debug("Game list served from cache",
			"provider", provider)
		return providers.Games(payload), true, nil
	}
	if s.metrics != nil {
		s.metrics.RecordCacheMiss(ctx, provider)
	}

	games, err := s.fetchAndCache(ctx, account)
	return games, false, err
}

// Refresh bypasses the cache, re-fetches from the platform API, and stores
// the fresh list.
func (s *Service) Refresh(ctx context.Context, userID, provider string) (providers.Games, error) {
	account, err := s.lookupAccount(ctx, userID, provider)
	if err != nil {
		return nil, err
	}
	return s.fetchAndCache(ctx, account)
}

func (s *Service) lookupAccount(ctx context.Context, userID, provider string) (*storage.LinkedAccount, error) {
	if _, ok := s.registry.Catalog(provider); !ok {
		if reason, known := s.registry.UnsupportedReason(provider); known {
			return nil, fmt.Errorf("%w: %s: %s", ErrUnsupportedProvider, provider, reason)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}

	account, err := s.accounts.GetLinkedAccount(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotLinked, provider)
		}
		return nil, fmt.Errorf("load linked account: %w", err)
	}
	// A row without an external ID is an in-flight link attempt, not a
	// completed link; the platform is still not connected.
	if account.ExternalID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotLinked, provider)
	}
	return account, nil
}

func (s *Service) fetchAndCache(ctx context.Context, account *storage.LinkedAccount) (providers.Games, error) {
	client, _ := s.registry.Catalog(account.Provider)

	callCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	fetchStart := time.Now()
	games, err := client.FetchGames(callCtx, account.ExternalID, account.AccessToken)
	if s.metrics != nil {
		s.metrics.RecordProviderAPICall(ctx, account.Provider, "fetch_games", 0,
			time.Since(fetchStart).Seconds()*1000, err)
	}
	if err != nil {
		s.logger.Warn("Game list fetch failed",
			"provider", account.Provider,
			"error", util.SafeTruncate(err.Error(), maxLoggedErrorLen))
		return nil, fmt.Errorf("%w: %s", ErrUpstream, account.Provider)
	}

	key := cacheKey(account.UserID, account.Provider)
	if err := s.cache.Set(key, games, s.cacheTTL); err != nil {
		// A cache write failure degrades to uncached reads, nothing more.
		s.logger.Warn("Game list cache write failed",
			"provider", account.Provider,
			"error", err)
	}
	return games, nil
}

func cacheKey(userID, provider string) string {
	return userID + "_" + provider
}
