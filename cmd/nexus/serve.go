package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pysugar/login-nexus/internal/config"
	"github.com/pysugar/login-nexus/internal/db"
	"github.com/pysugar/login-nexus/internal/logging"
	"github.com/pysugar/login-nexus/internal/version"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

const (
	purgeInterval   = 10 * time.Minute
	shutdownTimeout = 15 * time.Second
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return errors.Wrap(err, "invalid configuration")
			}
			logger := logging.Init(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	be, err := openBackend(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer be.close()
	if be.db != nil {
		go purgeLoop(ctx, be.db, logger)
	}

	svc := newServices(cfg, be.kv, logger)
	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           svc.router(cfg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("nexus starting",
			"version", version.Version,
			"addr", srv.Addr,
			"provider", cfg.Provider.Name,
			"store", cfg.Store.Driver,
			"callback", cfg.CallbackURL(),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "server failed")
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return nil
}

// purgeLoop deletes expired rows; reads already ignore them.
func purgeLoop(ctx context.Context, database *gorm.DB, logger *slog.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := db.PurgeExpired(database, now); err != nil {
				logger.Warn("purge of expired entries failed", "error", err)
			}
		}
	}
}
