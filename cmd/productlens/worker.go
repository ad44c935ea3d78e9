package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/kiranshivaraju/productlens/internal/ai"
	"github.com/kiranshivaraju/productlens/internal/config"
	"github.com/kiranshivaraju/productlens/internal/describe"
	"github.com/kiranshivaraju/productlens/internal/inference"
	"github.com/kiranshivaraju/productlens/internal/modelrouter"
	"github.com/kiranshivaraju/productlens/internal/objectstore"
	"github.com/kiranshivaraju/productlens/internal/pipeline"
	"github.com/kiranshivaraju/productlens/internal/queue"
	"github.com/kiranshivaraju/productlens/internal/webhook"
	"github.com/spf13/cobra"
)

var allQueues = []string{queue.QueueImageProcessing, queue.QueueWebhooks}

func newWorkerCmd() *cobra.Command {
	var queues []string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the image pipeline and webhook delivery workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateQueues(queues); err != nil {
				return err
			}
			return runWorker(cmd.Context(), queues)
		},
	}
	cmd.Flags().StringSliceVar(&queues, "queues", allQueues, "queues to consume")
	return cmd
}

func validateQueues(queues []string) error {
	if len(queues) == 0 {
		return fmt.Errorf("at least one queue is required")
	}
	for _, q := range queues {
		if !slices.Contains(allQueues, q) {
			return fmt.Errorf("unknown queue %q (known: %v)", q, allQueues)
		}
	}
	return nil
}

func runWorker(parent context.Context, queues []string) error {
	cfg, logger, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	w, err := buildWorker(ctx, b, queues)
	if err != nil {
		return err
	}

	err = ignoreCancel(w.Start(ctx))
	logger.Info("worker stopped")
	return err
}

// buildWorker assembles the task handlers for the consumed queues.
func buildWorker(ctx context.Context, b *backends, queues []string) (*queue.Worker, error) {
	cfg, logger := b.cfg, b.logger
	svc, pub := jobService(b.store, b.cache, b.queue, cfg, logger)

	opts := []queue.WorkerOption{
		queue.PollInterval(cfg.Worker.PollInterval),
		queue.WithLogger(logger),
	}
	for _, q := range queues {
		opts = append(opts, queue.WorkerQueue(q, concurrencyFor(cfg.Worker, q)))
	}
	w := queue.NewWorker(b.queue, opts...)

	if slices.Contains(queues, queue.QueueImageProcessing) {
		objects, err := objectstore.NewS3Store(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("create object store: %w", err)
		}
		provider, err := ai.NewProvider(ctx, cfg.AI)
		if err != nil {
			return nil, fmt.Errorf("create AI provider: %w", err)
		}
		logger.Info("AI provider initialized", "provider", provider.Name())

		table, err := config.LoadModelTable(cfg.Router.ModelTableFile, cfg.Router.ABTestPercentage)
		if err != nil {
			return nil, fmt.Errorf("load model table: %w", err)
		}

		client := inference.NewHTTPClient(cfg.Inference.BaseURL, cfg.Inference.Timeout)
		if err := client.Ready(ctx); err != nil {
			logger.Warn("inference service not ready, tasks will retry", "error", err)
		}

		executor := pipeline.NewExecutor(pipeline.Dependencies{
			Store:     b.store,
			Jobs:      svc,
			Router:    modelrouter.New(table, b.store, modelrouter.WithLogger(logger)),
			Objects:   objects,
			Inference: client,
			Describer: describe.NewGenerator(provider, cfg.AI.InferenceTimeout, logger),
			Publisher: pub,
			Queue:     b.queue,
			Logger:    logger,
		}, pipeline.Config{
			MaxAttempts: cfg.Pipeline.MaxAttempts,
			BackoffBase: cfg.Pipeline.BackoffBase,
			Timeout:     cfg.Pipeline.Timeout,
		})
		w.Handle(queue.TaskProcessImage, executor.Handle)
	}

	if slices.Contains(queues, queue.QueueWebhooks) {
		deliverer := webhook.NewDeliverer(b.store, b.queue, webhookConfig(cfg.Webhook), webhook.WithLogger(logger))
		w.Handle(queue.TaskDeliverWebhook, deliverer.Handle)
	}

	return w, nil
}

func concurrencyFor(cfg config.WorkerConfig, q string) int {
	if q == queue.QueueWebhooks {
		return cfg.WebhookConcurrency
	}
	return cfg.ImageConcurrency
}

func webhookConfig(cfg config.WebhookConfig) webhook.Config {
	c := webhook.DefaultConfig
	c.Timeout = cfg.Timeout
	c.MaxAttempts = cfg.MaxAttempts
	c.DisableThreshold = cfg.DisableThreshold
	return c
}
