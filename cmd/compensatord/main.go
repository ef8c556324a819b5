// Package main runs the compensation daemon: on a fixed interval it claims
// batches of dead transfers, moves them to their terminal state, reverses
// their pessimistic ledger reservations and archives them.
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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tokenrail/internal/cache"
	"tokenrail/internal/compensator"
	"tokenrail/internal/ledger"
	"tokenrail/internal/logging"
	"tokenrail/internal/observability"
	"tokenrail/internal/storage"
	chstore "tokenrail/internal/storage/clickhouse"
	"tokenrail/internal/storage/memory"
	"tokenrail/internal/storage/migrations"
	pgstore "tokenrail/internal/storage/postgres"
	"tokenrail/internal/webhook"
)

// compensatorStores holds the storage implementations the daemon needs.
type compensatorStores struct {
	ledgerStore  storage.LedgerStore
	metaStore    storage.TransactionMetaStore
	pendingStore storage.PendingTransactionStore
	archive      storage.TxArchiveStore // nil when ClickHouse is not configured
}

func main() {
	loadEnvFile()

	// Parse flags (env vars as defaults)
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string (optional, enables archiving)")
	redisAddr := flag.String("redis-addr", os.Getenv("REDIS_ADDR"), "Redis address (optional, enables balance cache invalidation)")
	webhookURL := flag.String("webhook-url", os.Getenv("WEBHOOK_URL"), "Terminal-failure webhook endpoint (optional)")
	interval := flag.Duration("interval", 30*time.Second, "Compensation pass interval")
	retryBudget := flag.Int("retry-budget", 3, "Attempts a retryable failure gets before compensation")
	batchSize := flag.Int("batch-size", compensator.DefaultBatchSize, "Maximum rows claimed per batch")
	maxLifetime := flag.Duration("max-lifetime", 0, "Exit after this wall-clock lifetime (0 disables)")
	metricsAddr := flag.String("metrics-addr", ":9091", "Prometheus metrics HTTP address")
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

	if !*useMemory && *postgresDSN == "" {
		logger.Fatal("--postgres-dsn is required (use --use-memory for in-memory storage)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *maxLifetime > 0 {
		ctx, cancel = context.WithTimeout(ctx, *maxLifetime)
		defer cancel()
	}

	metrics := observability.NewMetrics("")

	stores, cleanup, err := createStores(ctx, *postgresDSN, *clickhouseDSN, *useMemory, metrics)
	if err != nil {
		logger.Fatal("create stores", zap.Error(err))
	}
	defer cleanup()

	var balanceCache ledger.BalanceCache
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer client.Close()
		balanceCache = cache.NewRedisBalanceCache(client, cache.DefaultTTL)
	}
	led := ledger.New(stores.ledgerStore, balanceCache, logger, ledger.WithMetrics(metrics))

	var notifier compensator.Notifier
	if *webhookURL != "" {
		notifier = webhook.NewNotifier(*webhookURL, nil, logger)
	}

	comp := compensator.New(compensator.Options{
		MetaStore:    stores.metaStore,
		PendingStore: stores.pendingStore,
		Ledger:       led,
		Archive:      stores.archive,
		Notifier:     notifier,
		Metrics:      metrics,
		RetryBudget:  *retryBudget,
		BatchSize:    *batchSize,
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

	logger.Info("compensator started",
		zap.Duration("interval", *interval),
		zap.Int("retryBudget", *retryBudget))

	err = run(ctx, comp, *interval, logger)
	if err != nil && err != context.Canceled && err != context.DeadlineExceeded {
		logger.Fatal("compensator stopped", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// run executes compensation passes on the interval until ctx ends.
func run(ctx context.Context, comp *compensator.Compensator, interval time.Duration, logger *zap.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := comp.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("compensation pass failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("compensation pass complete", zap.Int("settled", n))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// createStores creates the storage implementations and a cleanup function.
func createStores(ctx context.Context, postgresDSN, clickhouseDSN string, useMemory bool, metrics *observability.Metrics) (*compensatorStores, func(), error) {
	if useMemory {
		stores := &compensatorStores{
			ledgerStore:  memory.NewLedgerStore(),
			metaStore:    memory.NewTransactionMetaStore(),
			pendingStore: memory.NewPendingTransactionStore(),
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

	stores := &compensatorStores{
		ledgerStore:  pgstore.NewLedgerStore(pool),
		metaStore:    pgstore.NewTransactionMetaStore(pool),
		pendingStore: pgstore.NewPendingTransactionStore(pool),
	}
	cleanup := pool.Close

	if clickhouseDSN != "" {
		conn, err := chstore.NewConn(ctx, clickhouseDSN)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("connect to clickhouse: %w", err)
		}
		if err := migrations.RunClickhouseMigrations(ctx, conn); err != nil {
			conn.Close()
			pool.Close()
			return nil, nil, fmt.Errorf("run clickhouse migrations: %w", err)
		}
		stores.archive = chstore.NewTxArchiveStore(conn)
		cleanup = func() {
			conn.Close()
			pool.Close()
		}
	}

	return stores, cleanup, nil
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
