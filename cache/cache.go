// Package cache implements a disk-backed, TTL-expiring cache for JSON
// documents. It shields upstream game-catalog APIs from repeated calls.
//
// Entries are stored as gzip-compressed {expires, data} envelopes, addressed
// by a SHA-1 hash of the key sharded across two directory levels to bound
// entries per directory. Files are guarded by advisory locks: shared for
// reads, exclusive for writes, so a partial write is never observed and
// concurrent readers never block each other.
package cache

import (
	"bytes"
	"compress/gzip"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultTTL is the entry lifetime used when Set is called with a zero TTL.
// Catalog data defaults to five minutes.
const DefaultTTL = 5 * time.Minute

// envelope is the on-disk document shape.
type envelope struct {
	Expires int64           `json:"expires"`
	Data    json.RawMessage `json:"data"`
}

// Cache is a concurrency-safe disk cache.
type Cache struct {
	dir        string
	defaultTTL time.Duration
	compress   bool
	logger     *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the default entry TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.defaultTTL = ttl }
}

// WithCompression toggles gzip compression of stored entries.
func WithCompression(enabled bool) Option {
	return func(c *Cache) { c.compress = enabled }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a cache rooted at dir, creating the directory if needed.
func New(dir string, opts ...Option) (*Cache, error) {
	c := &Cache{
		dir:        dir,
		defaultTTL: DefaultTTL,
		compress:   true,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory %s: %w", dir, err)
	}
	return c, nil
}

// Get returns the cached payload for key, or ok=false on a miss. An entry
// past its expiry behaves as a miss and is deleted as a side effect. Any
// read, decompression, or decode failure is also a miss, never an error;
// callers fall through to the upstream fetch.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	path := c.entryPath(key)

	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer func() { _ = f.Close() }()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return nil, false
	}
	content, err := io.ReadAll(f)
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	if err != nil || len(content) == 0 {
		return nil, false
	}

	if c.compress {
		content, err = gunzip(content)
		if err != nil {
			c.logger.Debug("Cache entry undecodable, treating as miss", "key", key, "error", err)
			return nil, false
		}
	}

	var env envelope
	if err := json.Unmarshal(content, &env); err != nil || env.Data == nil {
		return nil, false
	}

	if env.Expires < time.Now().Unix() {
		// Lazy eviction: expired entries are removed on read.
		_ = c.Delete(key)
		return nil, false
	}

	return env.Data, true
}

// Set stores payload under key with the given TTL (DefaultTTL when zero).
// The full envelope is written in one pass under an exclusive lock; a short
// write or directory failure is reported so the caller can treat the entry
// as a miss.
func (c *Cache) Set(key string, payload json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	body, err := json.Marshal(envelope{
		Expires: time.Now().Add(ttl).Unix(),
		Data:    payload,
	})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	if c.compress {
		body, err = gzipBytes(body)
		if err != nil {
			return fmt.Errorf("compress cache entry: %w", err)
		}
	}

	path := c.entryPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache shard directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open cache entry: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock cache entry: %w", err)
	}
	defer func() { _ = unix.Flock(int(f.Fd()), unix.LOCK_UN) }()

	// Truncate only after the exclusive lock is held so shared-lock readers
	// never observe a half-replaced entry.
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate cache entry: %w", err)
	}

	n, err := f.Write(body)
	if err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	if n != len(body) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(body))
	}
	return nil
}

// Delete removes the entry for key. Removing a missing entry is not an error.
func (c *Cache) Delete(key string) error {
	err := os.Remove(c.entryPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// Sweep removes entries untouched beyond maxAge and prunes directories left
// empty. Returns the number of entries removed. The sweep age threshold is
// independent of entry TTLs; expired-but-recent entries are left to lazy
// eviction.
func (c *Cache) Sweep(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(path) == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweep cache: %w", err)
	}

	c.pruneEmptyDirs()
	return removed, nil
}

// pruneEmptyDirs removes shard directories emptied by a sweep, deepest first.
func (c *Cache) pruneEmptyDirs() {
	var dirs []string
	_ = filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != c.dir {
			dirs = append(dirs, path)
		}
		return nil
	})

	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		// Remove fails on non-empty directories, which is exactly the
		// behavior wanted here.
		_ = os.Remove(dir)
	}
}

// entryPath computes the sharded storage path for a key:
// <dir>/<h[0:2]>/<h[2:4]>/<h>.cache
func (c *Cache) entryPath(key string) string {
	sum := sha1.Sum([]byte(key))
	h := hex.EncodeToString(sum[:])
	return filepath.Join(c.dir, h[0:2], h[2:4], h+".cache")
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()
	return io.ReadAll(zr)
}
