// Package main provides the batch worker entry point.
// Consumes raw event batches from Redpanda and generates one report per batch.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/rxledger/internal/batch"
	"github.com/drfirst/rxledger/internal/config"
	"github.com/drfirst/rxledger/internal/domain/prescription"
	"github.com/drfirst/rxledger/internal/infrastructure/redpanda"
	"github.com/drfirst/rxledger/internal/observability/logging"
	"github.com/drfirst/rxledger/internal/observability/metrics"
	"github.com/drfirst/rxledger/internal/observability/tracing"
	"github.com/drfirst/rxledger/pkg/circuitbreaker"
	"github.com/drfirst/rxledger/pkg/idempotency"
	"github.com/drfirst/rxledger/pkg/workerpool"
)

const serviceName = "batch-worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Environment = cfg.Environment
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(ctx)

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	brokers := cfg.Brokers()
	if err := redpanda.HealthCheck(ctx, brokers); err != nil {
		logger.Fatal("redpanda unreachable", zap.Error(err), zap.Strings("brokers", brokers))
	}
	admin, err := redpanda.NewAdmin(brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	topicCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := admin.EnsureTopics(topicCtx); err != nil {
		logger.Fatal("topic setup failed", zap.Error(err))
	}
	cancel()
	admin.Close()

	m := metrics.New()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = brokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	breakerCfg := circuitbreaker.DefaultConfig("")
	breakerCfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(to.Gauge())
	}
	deadLetter := circuitbreaker.NewGuardedPublisher(producer, circuitbreaker.NewManager(breakerCfg, logger))

	inbox := idempotency.NewInbox(pool, batch.InboxConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()
	if stats, err := inbox.GetStats(ctx); err == nil {
		logger.Info("inbox state",
			zap.Int64("finished", stats.Finished),
			zap.Int64("recoverable", stats.Recoverable),
			zap.Int64("failed", stats.Failed))
	}

	runner := batch.NewRunner(prescription.NewRepository(pool, logger), m, logger)

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.Workers
	worker, err := batch.NewWorker(runner, inbox, deadLetter, poolCfg, logger)
	if err != nil {
		logger.Fatal("worker creation failed", zap.Error(err))
	}
	worker.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = brokers
	consumerCfg.GroupID = cfg.KafkaGroupID
	consumer, err := redpanda.NewConsumer(consumerCfg, worker.HandlePoll, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()
	logger.Info("batch worker started",
		zap.Strings("brokers", brokers),
		zap.Int("workers", cfg.Workers))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	consumer.Stop()
	if err := worker.Stop(); err != nil {
		logger.Error("worker pool stop failed", zap.Error(err))
	}
	cs := consumer.Stats()
	logger.Info("batch worker stopped",
		zap.Int64("records", cs.MessagesRead),
		zap.Int64("bytes", cs.BytesRead),
		zap.Int64("errors", cs.ErrorCount))
}
