package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskorch/taskorch/config"
	"github.com/taskorch/taskorch/dispatch"
	"github.com/taskorch/taskorch/llm"
	"github.com/taskorch/taskorch/orchestrator"
	"github.com/taskorch/taskorch/worker"
)

func workerCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the background execution worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging(*logLevel)
			cfg, err := loadConfig(*configPath, logger)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runWorker(cfg)
		},
	}
}

func runWorker(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := componentLogger("worker")

	repo, pool, err := connectStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	nc, err := connectNATS(cfg)
	if err != nil {
		return err
	}
	defer nc.Close()

	dispatcher, err := dispatch.NewNATSDispatcher(ctx, nc, dispatch.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	consumer, err := dispatcher.Consumer(ctx)
	if err != nil {
		return err
	}

	service := orchestrator.NewService(repo, dispatcher, orchestrator.WithLogger(logger))

	client := llm.NewClient(llm.Config{
		BaseURL:     cfg.Provider.BaseURL,
		APIKey:      cfg.Provider.APIKey,
		Model:       cfg.Provider.Model,
		Temperature: cfg.Provider.Temperature,
		MaxTokens:   cfg.Provider.MaxTokens,
		Timeout:     cfg.Provider.Timeout,
	},
		llm.WithLogger(logger),
		llm.WithRetryConfig(llm.RetryConfig{
			MaxAttempts:       cfg.Provider.RetryAttempts,
			BackoffBase:       cfg.Provider.RetryBackoff,
			BackoffMultiplier: 2.0,
			MaxBackoff:        cfg.Provider.Timeout,
		}),
	)

	var opts []worker.Option
	opts = append(opts,
		worker.WithConcurrency(cfg.Worker.Concurrency),
		worker.WithLogger(logger),
	)
	if cfg.Worker.ID != "" {
		opts = append(opts, worker.WithWorkerID(cfg.Worker.ID))
	}

	registry := worker.NewRegistry()
	w := worker.New(consumer, registry, dispatcher, opts...)
	worker.NewExecutor(service, client, w.WorkerID(), logger).Register(registry)

	w.Run(ctx)
	return nil
}
