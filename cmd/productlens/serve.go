package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/productlens/internal/api"
	"github.com/kiranshivaraju/productlens/internal/api/handler"
	mw "github.com/kiranshivaraju/productlens/internal/api/middleware"
	"github.com/kiranshivaraju/productlens/internal/cache"
	"github.com/kiranshivaraju/productlens/internal/config"
	"github.com/kiranshivaraju/productlens/internal/queue"
	"github.com/kiranshivaraju/productlens/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type serveOptions struct {
	migrate    bool
	withWorker bool
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and live progress gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.migrate, "migrate", true, "apply database migrations before serving")
	cmd.Flags().BoolVar(&opts.withWorker, "with-worker", false, "also run the task workers in this process")
	return cmd
}

func runServe(parent context.Context, opts serveOptions) error {
	cfg, logger, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	if opts.migrate {
		if err := store.RunMigrations(cfg.Database.URL, cfg.Server.MigrationsDir); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("database migrations applied")
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      apiHandler(b.store, b.cache, b.queue, cfg, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		logger.Info("server stopped gracefully")
		return nil
	})

	if opts.withWorker {
		w, err := buildWorker(gctx, b, allQueues)
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		g.Go(func() error { return ignoreCancel(w.Start(gctx)) })
	}

	return g.Wait()
}

// apiHandler wires the HTTP surface over the given backends.
func apiHandler(st store.Store, c cache.Cache, q queue.Enqueuer, cfg *config.Config, logger *slog.Logger) http.Handler {
	svc, _ := jobService(st, c, q, cfg, logger)

	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(c, cfg.Auth.RateLimitPerMinute),

		HealthHandler:     handler.NewHealthHandler(st, c),
		CreateJob:         handler.NewCreateJobHandler(svc),
		GetJob:            handler.NewGetJobHandler(svc),
		CancelJob:         handler.NewCancelJobHandler(svc),
		ListDeliveries:    handler.NewListDeliveriesHandler(st),
		ReactivateWebhook: handler.NewReactivateWebhookHandler(st),
		Live:              handler.NewLiveHandler(svc, c, logger),
	})
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
