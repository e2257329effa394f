// Command flared runs the identity and account-linking service.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	flare "github.com/flaregames/flare"
	"github.com/flaregames/flare/instrumentation"
	"github.com/flaregames/flare/storage"
	"github.com/flaregames/flare/storage/memory"
	"github.com/flaregames/flare/storage/sqlite"
)

const shutdownTimeout = 10 * time.Second

// tokenSweepInterval is how often expired login tokens are purged.
const tokenSweepInterval = 10 * time.Minute

// Stale cache entries are swept hourly; anything past this age is removed.
const (
	cacheSweepInterval = time.Hour
	cacheMaxAge        = 24 * time.Hour
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	var cfg flare.Config
	if err := env.Parse(&cfg); err != nil {
		return err
	}
	cfg.Logger = logger

	store, err := openStore(&cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	srv, err := flare.NewServer(&cfg, store, nil)
	if err != nil {
		return err
	}
	defer srv.Close()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName: "flare",
		Enabled:     true,
	})
	if err != nil {
		return err
	}
	srv.SetInstrumentation(inst)

	handler := flare.NewHandler(srv, logger)
	mux := http.NewServeMux()
	handler.Routes(mux)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweepTokens(ctx, store, cfg.RateLimit.Window, logger)
	go sweepCache(ctx, srv, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return inst.Shutdown(shutdownCtx)
}

func openStore(cfg *flare.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.DatabasePath == "" {
		logger.Warn("No database path configured, using in-memory store")
		return memory.New(), nil
	}
	return sqlite.Open(cfg.DatabasePath)
}

func sweepCache(ctx context.Context, srv *flare.Server, logger *slog.Logger) {
	ticker := time.NewTicker(cacheSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := srv.SweepCache(cacheMaxAge)
			if err != nil {
				logger.Warn("Cache sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("Stale cache entries removed", "count", removed)
			}
		}
	}
}

// sweepTokens purges expired login tokens, keeping a full rate-limit window
// of history. The token table doubles as the issuance event log, so sweeping
// up to the present would erase events a sliding-window count still needs.
func sweepTokens(ctx context.Context, store storage.Store, window time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(tokenSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.DeleteExpiredTokens(ctx, time.Now().UTC().Add(-window))
			if err != nil {
				logger.Warn("Token sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("Expired login tokens removed", "count", removed)
			}
		}
	}
}
