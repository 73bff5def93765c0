// Command worker relays the transactional outbox to the configured broker
// when the API server runs with OUTBOX_ENABLED=false.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"dronedispatch/internal/config"
	"dronedispatch/internal/events"
	"dronedispatch/internal/events/sink"
	"dronedispatch/internal/logging"
	"dronedispatch/internal/repo/postgres"
)

func main() {
	configFile := flag.String("config", "", "config file")
	flag.Parse()

	cfg, err := config.LoadWorker(*configFile)
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MigrateOnStart {
		if err := postgres.RunMigrationsUp(cfg.DatabaseURL); err != nil {
			logger.Error("migration error", "error", err)
			os.Exit(1)
		}
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db error", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	publisher, err := sink.Open(sink.Options{
		Kind:         cfg.EventSink,
		NATSURL:      cfg.NATSURL,
		NATSSubject:  cfg.NATSSubject,
		KafkaBrokers: cfg.KafkaBrokers,
		KafkaTopic:   cfg.KafkaTopic,
	})
	if err != nil {
		logger.Error("event sink error", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	worker := &events.OutboxWorker{
		Repo:         postgres.NewStore(pool),
		Publisher:    publisher,
		PollInterval: cfg.OutboxInterval,
		BatchSize:    cfg.OutboxBatch,
		Logger:       logger,
	}

	logger.Info("outbox worker running", "sink", cfg.EventSink, "interval", cfg.OutboxInterval, "batch", cfg.OutboxBatch)
	if err := worker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("worker error", "error", err)
		os.Exit(1)
	}
}
