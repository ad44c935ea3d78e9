// Package main is the entrypoint for the ProductLens API server and workers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/productlens/internal/cache"
	"github.com/kiranshivaraju/productlens/internal/config"
	"github.com/kiranshivaraju/productlens/internal/jobs"
	"github.com/kiranshivaraju/productlens/internal/progress"
	"github.com/kiranshivaraju/productlens/internal/queue"
	"github.com/kiranshivaraju/productlens/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

// Version is set at build time.
var Version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("productlens failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "productlens",
		Short: "Product image analysis service",
		Long: `ProductLens analyzes product photos through a five-stage pipeline
(preprocess, classify, extract attributes, detect defects, describe) and
reports progress over WebSocket and signed webhooks.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newMigrateCmd(),
		newAPIKeyCmd(),
	)
	return root
}

// loadConfig loads the environment configuration and installs the process logger.
func loadConfig() (*config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, closeLog := config.SetupLogger(cfg.Log)
	slog.SetDefault(logger)
	logger.Info("config loaded", "ai_provider", cfg.AI.Provider, "env", cfg.Server.Env)
	return cfg, logger, closeLog, nil
}

// backends holds the connections shared by the server and the workers.
type backends struct {
	cfg    *config.Config
	logger *slog.Logger
	pool   *pgxpool.Pool
	store  *store.PostgresStore
	redis  *redis.Client
	cache  *cache.RedisCache
	queue  *queue.RedisQueue
}

func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	logger.Info("database connected")

	client, err := cache.NewClient(cfg.Redis.URL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create redis client: %w", err)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		pool.Close()
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected")

	return &backends{
		cfg:    cfg,
		logger: logger,
		pool:   pool,
		store:  store.NewPostgresStore(pool),
		redis:  client,
		cache:  cache.NewRedisCacheFromClient(client),
		queue:  queue.NewRedisQueue(client, queue.VisibilityTimeout(cfg.Worker.VisibilityTimeout)),
	}, nil
}

func (b *backends) Close() {
	if err := b.redis.Close(); err != nil {
		b.logger.Warn("closing redis", "error", err)
	}
	b.pool.Close()
}

// jobService builds the orchestrator and the publisher it reports through.
func jobService(st store.Store, c cache.Cache, q queue.Enqueuer, cfg *config.Config, logger *slog.Logger) (*jobs.Service, *progress.Publisher) {
	pub := progress.NewPublisher(c, st, q,
		progress.WithStatusCache(c),
		progress.WithLogger(logger),
	)
	svc := jobs.NewService(st, q, pub,
		jobs.WithPolicy(cfg.Pipeline.TerminalPolicy),
		jobs.WithStatusCache(c),
		jobs.WithLogger(logger),
	)
	return svc, pub
}
