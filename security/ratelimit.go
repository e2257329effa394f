package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiterEntry tracks a rate limiter and its last access time
type rateLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier request limiting using a token bucket,
// with LRU eviction to bound memory. It guards the HTTP surface against
// bursts; the issuance sliding window in package auth is a separate,
// persistent mechanism.
type RateLimiter struct {
	limiters        map[string]*list.Element // identifier -> list element
	lruList         *list.List               // LRU list of *rateLimiterEntry
	mu              sync.RWMutex
	rate            int
	burst           int
	maxEntries      int
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	totalEvictions int64
}

// NewRateLimiter creates a rate limiter with automatic cleanup and LRU
// eviction. Default max tracked identifiers is 10,000.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, 10000, logger)
}

// NewRateLimiterWithConfig creates a rate limiter with a custom cap on the
// number of tracked identifiers. When the cap is reached the least recently
// used entry is evicted. Zero means unlimited.
func NewRateLimiterWithConfig(requestsPerSecond, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		maxEntries = 10000
		logger.Warn("Invalid maxEntries, using default", "maxEntries", maxEntries)
	}

	rl := &RateLimiter{
		limiters:        make(map[string]*list.Element),
		lruList:         list.New(),
		rate:            requestsPerSecond,
		burst:           burst,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow checks if a request from the given identifier is allowed.
func (rl *RateLimiter) Allow(identifier string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, exists := rl.limiters[identifier]; exists {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
		return entry.limiter.Allow()
	}

	if rl.maxEntries > 0 && len(rl.limiters) >= rl.maxEntries {
		rl.evictLRU()
	}

	entry := &rateLimiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rate.Limit(rl.rate), rl.burst),
		lastAccess: now,
	}

	elem := rl.lruList.PushFront(entry)
	rl.limiters[identifier] = elem

	return entry.limiter.Allow()
}

// evictLRU removes the least recently used entry. Caller holds the mutex.
func (rl *RateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}

	entry := elem.Value.(*rateLimiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"identifier", entry.identifier,
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.limiters))
}

// cleanupLoop periodically removes inactive limiters to prevent memory leaks
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(30 * time.Minute)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes limiters that haven't been accessed for maxIdleTime.
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0

	var next *list.Element
	for elem := rl.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*rateLimiterEntry)

		if now.Sub(entry.lastAccess) > maxIdleTime {
			delete(rl.limiters, entry.identifier)
			rl.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.limiters))
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}
