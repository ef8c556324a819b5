// Package main runs one transaction worker: it consumes queued transfers
// for its assigned queue, drives them through the submission pipeline and
// participates in the pool's hold/resume coordination protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tokenrail/internal/bus"
	"tokenrail/internal/chain"
	"tokenrail/internal/coordinator"
	"tokenrail/internal/logging"
	"tokenrail/internal/nonce"
	"tokenrail/internal/observability"
	"tokenrail/internal/pipeline"
	"tokenrail/internal/storage"
	"tokenrail/internal/storage/memory"
	"tokenrail/internal/storage/migrations"
	pgstore "tokenrail/internal/storage/postgres"
)

// engineStores holds the storage implementations the worker needs.
type engineStores struct {
	metaStore    storage.TransactionMetaStore
	pendingStore storage.PendingTransactionStore
	workerStore  storage.WorkerStateStore
}

func main() {
	loadEnvFile()

	// Parse flags (env vars as defaults)
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	kafkaBrokers := flag.String("kafka-brokers", os.Getenv("KAFKA_BROKERS"), "Kafka bootstrap servers")
	rpcEndpoint := flag.String("rpc-endpoint", os.Getenv("CHAIN_RPC_ENDPOINT"), "Chain node RPC HTTP endpoint")
	wsEndpoint := flag.String("ws-endpoint", os.Getenv("CHAIN_WS_ENDPOINT"), "Chain node WebSocket endpoint (optional, enables head subscription)")
	tokenID := flag.String("token-id", os.Getenv("TOKEN_ID"), "Token this worker pool serves")
	slotID := flag.String("worker-slot-id", os.Getenv("WORKER_SLOT_ID"), "This worker's slot within the pool")
	queueID := flag.String("queue-id", os.Getenv("QUEUE_ID"), "Transfer queue (topic) assigned to this slot")
	controlTopic := flag.String("control-topic", envOr("CONTROL_TOPIC", "worker-control"), "Per-pool worker control topic")
	groupID := flag.String("group-id", envOr("KAFKA_GROUP_ID", "tokenrail-workers"), "Kafka consumer group for the transfer queue")
	releaseDelay := flag.Duration("release-delay", 2*time.Second, "Delay between unblock announcement and resume command")
	maxLifetime := flag.Duration("max-lifetime", 0, "Exit after this wall-clock lifetime (0 disables)")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus metrics HTTP address")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL")
	logLevel := flag.String("log-level", envOr("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	dev := flag.Bool("dev", false, "Development (console) log output")

	flag.Parse()

	logger, err := logging.New(*logLevel, *dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Validate required flags
	if *kafkaBrokers == "" {
		logger.Fatal("--kafka-brokers is required")
	}
	if *rpcEndpoint == "" {
		logger.Fatal("--rpc-endpoint is required")
	}
	if *tokenID == "" || *slotID == "" || *queueID == "" {
		logger.Fatal("--token-id, --worker-slot-id and --queue-id are required")
	}
	if !*useMemory && *postgresDSN == "" {
		logger.Fatal("--postgres-dsn is required (use --use-memory for in-memory storage)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *maxLifetime > 0 {
		// The orchestrator restarts the process; bounded lifetime keeps
		// long-lived consumers from accumulating drift.
		ctx, cancel = context.WithTimeout(ctx, *maxLifetime)
		defer cancel()
	}

	metrics := observability.NewMetrics("")

	stores, cleanup, err := createStores(ctx, *postgresDSN, *useMemory, metrics)
	if err != nil {
		logger.Fatal("create stores", zap.Error(err))
	}
	defer cleanup()

	chainClient := chain.NewHTTPClient(*rpcEndpoint, chain.WithMetrics(metrics))
	sequencer := nonce.NewSequencer(chainClient, logger, nonce.WithMetrics(metrics))

	transferConsumer, err := bus.NewConsumer(bus.ConsumerConfig{
		Brokers: *kafkaBrokers,
		Topic:   *queueID,
		GroupID: *groupID,
	}, logger)
	if err != nil {
		logger.Fatal("create transfer consumer", zap.Error(err))
	}
	defer transferConsumer.Close()

	// Control commands must reach every worker, so each slot consumes the
	// control topic under its own group.
	controlConsumer, err := bus.NewConsumer(bus.ConsumerConfig{
		Brokers: *kafkaBrokers,
		Topic:   *controlTopic,
		GroupID: *groupID + "-control-" + *slotID,
	}, logger)
	if err != nil {
		logger.Fatal("create control consumer", zap.Error(err))
	}
	defer controlConsumer.Close()

	publisher, err := bus.NewPublisher(*kafkaBrokers, logger)
	if err != nil {
		logger.Fatal("create publisher", zap.Error(err))
	}
	defer publisher.Close()

	coord := coordinator.New(coordinator.Options{
		Store:        stores.workerStore,
		Publisher:    coordinator.TopicPublisher{Publisher: publisher, Topic: *controlTopic},
		Intake:       transferConsumer,
		TokenID:      *tokenID,
		WorkerSlotID: *slotID,
		QueueID:      *queueID,
		ReleaseDelay: *releaseDelay,
		Metrics:      metrics,
		Logger:       logger,
	})
	if err := coord.Register(ctx); err != nil {
		logger.Fatal("register worker", zap.Error(err))
	}

	pipe := pipeline.New(pipeline.Options{
		MetaStore:    stores.metaStore,
		PendingStore: stores.pendingStore,
		Sequencer:    sequencer,
		ChainClient:  chainClient,
		Metrics:      metrics,
		Logger:       logger,
	})

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	go serveMetrics(*metricsAddr, logger)

	errCh := make(chan error, 3)

	go func() {
		errCh <- transferConsumer.Run(ctx, pipe.HandleMessage)
	}()

	go func() {
		errCh <- controlConsumer.Run(ctx, func(ctx context.Context, _, value []byte) error {
			cmd, err := coordinator.DecodeCommand(value)
			if err != nil {
				logger.Error("dropping malformed control command", zap.Error(err))
				return nil
			}
			return coord.HandleCommand(ctx, cmd)
		})
	}()

	if *wsEndpoint != "" {
		heads := chain.NewHeadSubscriber(*wsEndpoint, nil, logger)
		go func() {
			errCh <- heads.Run(ctx, func(height uint64) {
				metrics.HeadHeight.Set(float64(height))
				// New chain state may have consumed nonces outside this
				// process; drop cached successors for idle addresses.
				sequencer.ResetIdle()
			})
		}()
	}

	logger.Info("worker started",
		zap.String("token", *tokenID),
		zap.String("slot", *slotID),
		zap.String("queue", *queueID))

	err = <-errCh
	cancel()
	if err != nil && err != context.Canceled && err != context.DeadlineExceeded {
		logger.Fatal("worker stopped", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// createStores creates the storage implementations and a cleanup function.
func createStores(ctx context.Context, postgresDSN string, useMemory bool, metrics *observability.Metrics) (*engineStores, func(), error) {
	if useMemory {
		stores := &engineStores{
			metaStore:    memory.NewTransactionMetaStore(),
			pendingStore: memory.NewPendingTransactionStore(),
			workerStore:  memory.NewWorkerStateStore(),
		}
		return stores, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, postgresDSN, pgstore.WithMetrics(metrics))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}

	stores := &engineStores{
		metaStore:    pgstore.NewTransactionMetaStore(pool),
		pendingStore: pgstore.NewPendingTransactionStore(pool),
		workerStore:  pgstore.NewWorkerStateStore(pool),
	}
	return stores, pool.Close, nil
}

// serveMetrics exposes the Prometheus endpoint.
func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", zap.Error(err))
	}
}

// loadEnvFile loads environment variables from .env file if it exists.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"`)
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
