// Package compensator implements batched settlement of dead transfers:
// transactions that exhausted their retry budget (or never had the data to
// be broadcast) are moved to their terminal state and their admission-time
// ledger reservations are reversed.
package compensator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tokenrail/internal/domain"
	"tokenrail/internal/ledger"
	"tokenrail/internal/observability"
	"tokenrail/internal/storage"
)

// Notifier delivers a best-effort terminal-failure notification. pending may
// be nil when the record was already gone.
type Notifier interface {
	NotifyTerminalFailure(ctx context.Context, meta *domain.TransactionMeta, pending *domain.PendingTransaction) error
}

// DefaultBatchSize bounds one claim.
const DefaultBatchSize = 50

// Compensator runs compensation passes. Each pass claims a batch of dead
// rows under a fresh advisory lock; the lock is the idempotence guard, so a
// crashed pass leaves rows claimable again and a concurrent pass can never
// compensate the same row twice.
type Compensator struct {
	metaStore    storage.TransactionMetaStore
	pendingStore storage.PendingTransactionStore
	ledger       *ledger.Ledger
	archive      storage.TxArchiveStore // may be nil
	notifier     Notifier               // may be nil
	metrics      *observability.Metrics // may be nil
	retryBudget  int
	batchSize    int
	logger       *zap.Logger
}

// Options for creating a Compensator.
type Options struct {
	MetaStore    storage.TransactionMetaStore
	PendingStore storage.PendingTransactionStore
	Ledger       *ledger.Ledger
	Archive      storage.TxArchiveStore
	Notifier     Notifier
	Metrics      *observability.Metrics
	RetryBudget  int // attempts a retryable failure gets before compensation
	BatchSize    int // DefaultBatchSize if zero
	Logger       *zap.Logger
}

// New creates a Compensator.
func New(opts Options) *Compensator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Compensator{
		metaStore:    opts.MetaStore,
		pendingStore: opts.PendingStore,
		ledger:       opts.Ledger,
		archive:      opts.Archive,
		notifier:     opts.Notifier,
		metrics:      opts.Metrics,
		retryBudget:  opts.RetryBudget,
		batchSize:    opts.BatchSize,
		logger:       opts.Logger,
	}
}

// RunOnce executes one full compensation pass: first the rows that failed
// before broadcast (no retry budget applies to those), then the classified
// failures whose budget ran out. Returns the number of rows compensated.
func (c *Compensator) RunOnce(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	total := 0

	n, err := c.compensateBatch(ctx, []domain.TxStatus{domain.TxStatusFailedMissingData}, 0, now)
	total += n
	if err != nil {
		return total, err
	}

	n, err = c.compensateBatch(ctx, domain.RetryableFailureStatuses, c.retryBudget, now)
	total += n
	if err != nil {
		return total, err
	}

	if c.metrics != nil {
		c.metrics.LastCompensationRun.SetToCurrentTime()
	}
	return total, nil
}

// compensateBatch claims and settles one batch of dead rows.
func (c *Compensator) compensateBatch(ctx context.Context, statuses []domain.TxStatus, minRetries int, before int64) (int, error) {
	lockID := uuid.NewString()

	batch, err := c.metaStore.ClaimFailedBatch(ctx, lockID, statuses, minRetries, before, c.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim compensation batch: %w", err)
	}
	if c.metrics != nil {
		c.metrics.CompensationBatch.Observe(float64(len(batch)))
	}
	if len(batch) == 0 {
		return 0, nil
	}

	settled := 0
	for _, meta := range batch {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		if err := c.compensateOne(ctx, lockID, meta); err != nil {
			c.logger.Error("compensation failed for transaction",
				zap.String("transaction", meta.TransactionUUID), zap.Error(err))
			c.observeOutcome("error")
			continue
		}
		settled++
		c.observeOutcome("settled")
	}

	c.logger.Info("compensation batch settled",
		zap.Int("claimed", len(batch)), zap.Int("settled", settled))
	return settled, nil
}

// compensateOne settles a single claimed row: terminal status first (the
// write that can happen at most once per row), then reservation reversal,
// pending-record cleanup, notification and archiving.
func (c *Compensator) compensateOne(ctx context.Context, lockID string, meta *domain.TransactionMeta) error {
	log := c.logger.With(zap.String("transaction", meta.TransactionUUID))

	pending, err := c.pendingStore.GetByUUID(ctx, meta.TransactionUUID)
	if errors.Is(err, storage.ErrNotFound) {
		// Already cleaned up by an earlier pass that died between the delete
		// and its status write, or admitted without a pending record. There
		// is nothing left to reverse.
		pending = nil
	} else if err != nil {
		return fmt.Errorf("read pending transaction: %w", err)
	}

	err = c.metaStore.MarkTerminallyFailed(ctx, meta.TransactionUUID, lockID)
	switch {
	case errors.Is(err, storage.ErrPreconditionFailed):
		// Lost the row to a concurrent owner; its pass settles it.
		log.Info("row no longer owned, skipping")
		return nil
	case errors.Is(err, storage.ErrNotFound):
		log.Warn("row vanished under lock, skipping")
		return nil
	case err != nil:
		return fmt.Errorf("mark terminally failed: %w", err)
	}

	// From here the row is terminal under our lock: the reversal below runs
	// exactly once per transaction. A failure past this point is not retried
	// automatically and needs operator attention.
	if pending != nil {
		for _, debit := range pending.UnsettledDebits {
			key := domain.LedgerKey{
				AccountAddress: debit.AccountAddress,
				AssetAddress:   debit.AssetAddress,
			}
			if err := c.ledger.ApplyDelta(ctx, key, debit.Delta().Negate()); err != nil {
				log.Error("reservation reversal failed, balance needs manual review",
					zap.String("account", debit.AccountAddress),
					zap.String("rail", debit.Rail),
					zap.Error(err))
			}
		}

		if err := c.pendingStore.Delete(ctx, meta.TransactionUUID); err != nil {
			log.Error("pending record cleanup failed", zap.Error(err))
		}
	}

	if c.notifier != nil {
		if err := c.notifier.NotifyTerminalFailure(ctx, meta, pending); err != nil {
			log.Warn("terminal-failure notification failed", zap.Error(err))
		}
	}

	if c.archive != nil {
		archived := *meta
		archived.Status = domain.TxStatusTerminallyFailed
		archived.LockID = nil
		archived.UpdatedAt = time.Now().UnixMilli()
		if err := c.archive.Archive(ctx, &archived); err != nil {
			log.Warn("archive append failed", zap.Error(err))
		}
	}

	return nil
}

func (c *Compensator) observeOutcome(outcome string) {
	if c.metrics != nil {
		c.metrics.CompensationsTotal.WithLabelValues(outcome).Inc()
	}
}
