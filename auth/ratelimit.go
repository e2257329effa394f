package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flaregames/flare/storage"
)

// Sliding-window issuance limit defaults.
const (
	DefaultRateLimitWindow = time.Hour
	DefaultRateLimit       = 5
)

// RateLimiter enforces a per-email sliding window over persisted token rows.
// The window slides continuously: each check counts tokens created in the
// last Window regardless of state, so validated and expired tokens still
// consume budget until they age out.
type RateLimiter struct {
	tokens storage.TokenStore
	window time.Duration
	limit  int
	logger *slog.Logger
}

// NewRateLimiter creates an issuance limiter with the default window and
// limit.
func NewRateLimiter(tokens storage.TokenStore, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		tokens: tokens,
		window: DefaultRateLimitWindow,
		limit:  DefaultRateLimit,
		logger: logger,
	}
}

// SetWindow overrides the sliding window duration.
func (rl *RateLimiter) SetWindow(d time.Duration) {
	if d > 0 {
		rl.window = d
	}
}

// SetLimit overrides the per-window token budget.
func (rl *RateLimiter) SetLimit(n int) {
	if n > 0 {
		rl.limit = n
	}
}

// Window returns the sliding window duration.
func (rl *RateLimiter) Window() time.Duration {
	return rl.window
}

// Limit returns the per-window token budget.
func (rl *RateLimiter) Limit() int {
	return rl.limit
}

// Check returns ErrRateLimited when the email already has limit or more
// tokens inside the window. This is advisory: the authoritative enforcement
// is the store's conditional insert, which counts and inserts atomically.
func (rl *RateLimiter) Check(ctx context.Context, email, ip string) error {
	count, err := rl.tokens.CountRecentTokens(ctx, email, ip, rl.window)
	if err != nil {
		return fmt.Errorf("count recent tokens: %w", err)
	}
	if count >= rl.limit {
		rl.logger.Warn("Token issuance rate limit reached",
			"ip", ip,
			"count", count,
			"limit", rl.limit,
			"window", rl.window)
		return ErrRateLimited
	}
	return nil
}
