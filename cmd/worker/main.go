// Package main implements the worker binary: it consumes subtask
// dispatch messages from the broker, runs them against the remote
// generation service and folds terminal results into task state. The
// process manager spawns and supervises instances of this binary.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/phrazzld/renderq/internal/config"
	"github.com/phrazzld/renderq/internal/notify"
	"github.com/phrazzld/renderq/internal/platform/imageapi"
	"github.com/phrazzld/renderq/internal/platform/logger"
	"github.com/phrazzld/renderq/internal/platform/postgres"
	"github.com/phrazzld/renderq/internal/queue"
	"github.com/phrazzld/renderq/internal/service"
	"github.com/phrazzld/renderq/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("worker failed: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.Setup(cfg.Server.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	appLogger.Info("worker starting",
		"standard_queue", cfg.Broker.SubtaskQueue,
		"fidelity_queue", cfg.Broker.FidelityQueue,
		"concurrency", cfg.Worker.Concurrency)

	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to reach database: %w", err)
	}

	queueClient := queue.NewClient(cfg.Broker, appLogger)
	defer func() { _ = queueClient.Close() }()

	taskStore := postgres.NewTaskStore(db)
	subtaskStore := postgres.NewSubtaskStore(db)

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, appLogger)
	}

	aggregator, err := service.NewAggregator(
		db,
		taskStore,
		subtaskStore,
		queueClient,
		[]string{cfg.Broker.SubtaskQueue, cfg.Broker.FidelityQueue},
		notifier,
		cfg.Notify.FrontendBaseURL,
		appLogger,
	)
	if err != nil {
		return fmt.Errorf("failed to build aggregator: %w", err)
	}

	generator := imageapi.NewClient(cfg.Generation, appLogger)
	subtaskWorker, err := worker.NewWorker(subtaskStore, generator, appLogger)
	if err != nil {
		return fmt.Errorf("failed to build worker: %w", err)
	}

	pipelines := []worker.Pipeline{
		worker.StandardPipeline(cfg),
		worker.FidelityPipeline(cfg),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, pipeline := range pipelines {
		consumer, err := worker.NewConsumer(queueClient, subtaskWorker, aggregator, pipeline, appLogger)
		if err != nil {
			return fmt.Errorf("failed to build consumer for %s: %w", pipeline.Queue, err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer.Run(ctx, cfg.Worker.Concurrency)
		}()
	}

	<-ctx.Done()
	appLogger.Info("shutdown signal received, draining consumers")
	wg.Wait()
	appLogger.Info("worker stopped")
	return nil
}
