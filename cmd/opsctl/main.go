// Package main provides the operations CLI for worker pools: manual
// hold/resume commands, pool status and worker de-association.
//
// Usage:
//
//	opsctl hold        -token <id> -slot <id>
//	opsctl resume      -token <id> -slot <id>
//	opsctl unblock     -token <id> -slot <id>
//	opsctl status      -token <id>
//	opsctl deassociate -token <id> -slots <id,id,...>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"tokenrail/internal/bus"
	"tokenrail/internal/coordinator"
	"tokenrail/internal/domain"
	pgstore "tokenrail/internal/storage/postgres"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)

	kafkaBrokers := fs.String("kafka-brokers", os.Getenv("KAFKA_BROKERS"), "Kafka bootstrap servers")
	postgresDSN := fs.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	controlTopic := fs.String("control-topic", envOr("CONTROL_TOPIC", "worker-control"), "Per-pool worker control topic")
	tokenID := fs.String("token", os.Getenv("TOKEN_ID"), "Token pool to operate on")
	slotID := fs.String("slot", "", "Worker slot to address")
	slots := fs.String("slots", "", "Comma-separated worker slots to de-associate")
	drainWait := fs.Duration("drain-wait", coordinator.DefaultDrainWait, "Drain window for de-association")
	timeout := fs.Duration("timeout", 60*time.Second, "Overall operation timeout")

	fs.Parse(os.Args[2:])

	logger := zap.NewNop()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *tokenID == "" {
		fatal("-token is required")
	}

	var err error
	switch cmd {
	case "hold":
		err = sendCommand(ctx, *kafkaBrokers, *controlTopic, *tokenID, *slotID, domain.CommandGoOnHold, logger)
	case "resume":
		err = sendCommand(ctx, *kafkaBrokers, *controlTopic, *tokenID, *slotID, domain.CommandGoToOriginal, logger)
	case "unblock":
		err = sendCommand(ctx, *kafkaBrokers, *controlTopic, *tokenID, *slotID, domain.CommandMarkBlockingToOriginalStatus, logger)
	case "status":
		err = showStatus(ctx, *postgresDSN, *tokenID)
	case "deassociate":
		err = deassociate(ctx, *kafkaBrokers, *postgresDSN, *controlTopic, *tokenID, *slots, *drainWait, logger)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fatal(err.Error())
	}
}

// sendCommand publishes one control command to a single slot.
func sendCommand(ctx context.Context, brokers, topic, tokenID, slotID, kind string, logger *zap.Logger) error {
	if brokers == "" {
		return fmt.Errorf("-kafka-brokers is required")
	}
	if slotID == "" {
		return fmt.Errorf("-slot is required")
	}

	publisher, err := bus.NewPublisher(brokers, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	tp := coordinator.TopicPublisher{Publisher: publisher, Topic: topic}
	if err := tp.PublishCommand(ctx, domain.WorkerCommand{
		WorkerSlotID: slotID,
		TokenID:      tokenID,
		CommandKind:  kind,
	}); err != nil {
		return err
	}

	fmt.Printf("sent %s to %s/%s\n", kind, tokenID, slotID)
	return nil
}

// showStatus prints every slot registered for the token.
func showStatus(ctx context.Context, postgresDSN, tokenID string) error {
	if postgresDSN == "" {
		return fmt.Errorf("-postgres-dsn is required")
	}

	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := pgstore.NewWorkerStateStore(pool)
	states, err := store.ListPool(ctx, tokenID)
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Printf("no workers registered for token %s\n", tokenID)
		return nil
	}

	fmt.Printf("%-20s %-10s %-20s %s\n", "SLOT", "STATUS", "QUEUE", "VERSION")
	for _, st := range states {
		queue := "-"
		if st.AssignedQueueID != nil {
			queue = *st.AssignedQueueID
		}
		fmt.Printf("%-20s %-10s %-20s %d\n", st.WorkerSlotID, st.Status, queue, st.Version)
	}
	return nil
}

// deassociate removes slots from the pool via the operator protocol.
func deassociate(ctx context.Context, brokers, postgresDSN, topic, tokenID, slots string, drainWait time.Duration, logger *zap.Logger) error {
	if brokers == "" {
		return fmt.Errorf("-kafka-brokers is required")
	}
	if postgresDSN == "" {
		return fmt.Errorf("-postgres-dsn is required")
	}

	var slotIDs []string
	for _, s := range strings.Split(slots, ",") {
		if s = strings.TrimSpace(s); s != "" {
			slotIDs = append(slotIDs, s)
		}
	}
	if len(slotIDs) == 0 {
		return fmt.Errorf("-slots is required")
	}

	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	publisher, err := bus.NewPublisher(brokers, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	op := coordinator.NewOperator(coordinator.OperatorOptions{
		Store:     pgstore.NewWorkerStateStore(pool),
		Publisher: coordinator.TopicPublisher{Publisher: publisher, Topic: topic},
		DrainWait: drainWait,
		Logger:    logger,
	})

	if err := op.DeassociateWorker(ctx, tokenID, slotIDs); err != nil {
		return err
	}

	fmt.Printf("de-associated %s from token %s\n", strings.Join(slotIDs, ", "), tokenID)
	return nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: opsctl <hold|resume|unblock|status|deassociate> [flags]")
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, "opsctl:", msg)
	os.Exit(1)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
