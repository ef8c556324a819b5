// Package main admits a single transfer from the command line: it performs
// the pessimistic debit and enqueues the transfer for the worker pool. The
// production API layer calls the same admission service; this binary exists
// for operations and integration testing.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/mr-tron/base58"
	"github.com/redis/go-redis/v9"

	"tokenrail/internal/admission"
	"tokenrail/internal/bus"
	"tokenrail/internal/cache"
	"tokenrail/internal/ledger"
	"tokenrail/internal/logging"
	"tokenrail/internal/storage/migrations"
	pgstore "tokenrail/internal/storage/postgres"
)

func main() {
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	redisAddr := flag.String("redis-addr", os.Getenv("REDIS_ADDR"), "Redis address (optional, enables the balance fast path)")
	kafkaBrokers := flag.String("kafka-brokers", os.Getenv("KAFKA_BROKERS"), "Kafka bootstrap servers")
	topic := flag.String("topic", envOr("TRANSFER_TOPIC", "transfers"), "Transfer queue topic")
	tokenID := flag.String("token", os.Getenv("TOKEN_ID"), "Token the transfer belongs to")
	sender := flag.String("sender", "", "Sender address (base58)")
	destination := flag.String("destination", "", "Destination address (base58)")
	asset := flag.String("asset", "", "Asset address")
	rail := flag.String("rail", "", "Settlement rail (chain or credit; default chain)")
	amountStr := flag.String("amount", "", "Transfer amount in base units")
	payloadB58 := flag.String("payload", "", "Signed meta-transaction payload (base58)")
	timeout := flag.Duration("timeout", 30*time.Second, "Operation timeout")
	logLevel := flag.String("log-level", envOr("LOG_LEVEL", "warn"), "Log level")

	flag.Parse()

	logger, err := logging.New(*logLevel, true)
	if err != nil {
		fatal(err.Error())
	}
	defer logger.Sync()

	if *postgresDSN == "" || *kafkaBrokers == "" {
		fatal("-postgres-dsn and -kafka-brokers are required")
	}

	amount, ok := new(big.Int).SetString(*amountStr, 10)
	if !ok {
		fatal(fmt.Sprintf("invalid amount %q", *amountStr))
	}
	payload, err := base58.Decode(*payloadB58)
	if err != nil {
		fatal(fmt.Sprintf("invalid payload: %v", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgstore.NewPool(ctx, *postgresDSN)
	if err != nil {
		fatal(err.Error())
	}
	defer pool.Close()
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		fatal(err.Error())
	}

	var balanceCache ledger.BalanceCache
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer client.Close()
		balanceCache = cache.NewRedisBalanceCache(client, cache.DefaultTTL)
	}

	publisher, err := bus.NewPublisher(*kafkaBrokers, logger)
	if err != nil {
		fatal(err.Error())
	}
	defer publisher.Close()

	svc := admission.New(admission.Options{
		Ledger:       ledger.New(pgstore.NewLedgerStore(pool), balanceCache, logger),
		PendingStore: pgstore.NewPendingTransactionStore(pool),
		MetaStore:    pgstore.NewTransactionMetaStore(pool),
		Publisher:    publisher,
		Topic:        *topic,
		Logger:       logger,
	})

	transactionUUID, err := svc.AdmitTransfer(ctx, admission.Request{
		TokenID:            *tokenID,
		SenderAddress:      *sender,
		DestinationAddress: *destination,
		AssetAddress:       *asset,
		Rail:               *rail,
		Amount:             amount,
		Payload:            payload,
	})
	if err != nil {
		fatal(err.Error())
	}

	fmt.Println(transactionUUID)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, "admitctl:", msg)
	os.Exit(1)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
