// Package pipeline implements the submission pipeline: it consumes queued
// transfers, reserves a nonce, broadcasts the raw transaction to the chain
// node and records the classified outcome on the transaction row.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"tokenrail/internal/chain"
	"tokenrail/internal/domain"
	"tokenrail/internal/nonce"
	"tokenrail/internal/observability"
	"tokenrail/internal/storage"
)

// retryDelayFor is the per-classification delay before the external retry
// scheduler should look at the row again.
var retryDelayFor = map[chain.Reason]time.Duration{
	chain.ReasonNodeUnreachable:        30 * time.Second,
	chain.ReasonInsufficientGas:        60 * time.Second,
	chain.ReasonNonceTooLow:            10 * time.Second,
	chain.ReasonReplacementUnderpriced: 15 * time.Second,
	chain.ReasonNodeOutOfSync:          30 * time.Second,
	chain.ReasonUnknown:                60 * time.Second,
}

// statusFor maps a submission-error classification onto the row status the
// retry scheduler and compensator read.
var statusFor = map[chain.Reason]domain.TxStatus{
	chain.ReasonNodeUnreachable:        domain.TxStatusFailedNodeUnreachable,
	chain.ReasonInsufficientGas:        domain.TxStatusFailedInsufficientGas,
	chain.ReasonNonceTooLow:            domain.TxStatusFailedNonceTooLow,
	chain.ReasonReplacementUnderpriced: domain.TxStatusFailedReplacementUnderpriced,
	chain.ReasonNodeOutOfSync:          domain.TxStatusFailedNodeOutOfSync,
	chain.ReasonUnknown:                domain.TxStatusFailedUnknown,
}

// Pipeline processes one queued transfer at a time for its worker slot.
type Pipeline struct {
	metaStore    storage.TransactionMetaStore
	pendingStore storage.PendingTransactionStore
	sequencer    *nonce.Sequencer
	chainClient  chain.Client
	metrics      *observability.Metrics // may be nil
	logger       *zap.Logger
}

// Options for creating a Pipeline.
type Options struct {
	MetaStore    storage.TransactionMetaStore
	PendingStore storage.PendingTransactionStore
	Sequencer    *nonce.Sequencer
	ChainClient  chain.Client
	Metrics      *observability.Metrics
	Logger       *zap.Logger
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pipeline{
		metaStore:    opts.MetaStore,
		pendingStore: opts.PendingStore,
		sequencer:    opts.Sequencer,
		chainClient:  opts.ChainClient,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
	}
}

// HandleMessage adapts Process to the queue consumer contract. The value is
// a JSON TransferQueued envelope; the key is ignored (partitioning only).
func (p *Pipeline) HandleMessage(ctx context.Context, _, value []byte) error {
	var msg domain.TransferQueued
	if err := json.Unmarshal(value, &msg); err != nil {
		// A malformed message will never become parseable; acknowledge it.
		p.logger.Error("dropping malformed transfer message", zap.Error(err))
		return nil
	}
	return p.Process(ctx, msg)
}

// Process drives one queued transfer through nonce reservation, broadcast
// and status recording.
//
// A nil return acknowledges the message. Only failures that a redelivery
// can plausibly fix (lock/store trouble, nonce source down) return an
// error; classified node rejections are recorded on the row and
// acknowledged, since retrying them is the external scheduler's job.
func (p *Pipeline) Process(ctx context.Context, msg domain.TransferQueued) error {
	log := p.logger.With(zap.String("transaction", msg.TransactionUUID))

	lockID := uuid.NewString()
	if err := p.metaStore.AcquireLock(ctx, msg.TransactionUUID, lockID); err != nil {
		switch {
		case errors.Is(err, storage.ErrPreconditionFailed):
			// Another holder owns the row under a live lease. If that holder
			// finishes, the redelivery will find the row past ready_to_start
			// and acknowledge; if it died, the lease runs out and a later
			// redelivery takes the lock over. Either way the message must
			// come back, so do not acknowledge it here.
			log.Info("transaction locked elsewhere, leaving message for redelivery")
			return fmt.Errorf("transaction %s locked elsewhere: %w", msg.TransactionUUID, err)
		case errors.Is(err, storage.ErrNotFound):
			log.Warn("queued transfer has no transaction row, skipping")
			return nil
		default:
			return fmt.Errorf("acquire transaction lock: %w", err)
		}
	}

	meta, err := p.metaStore.GetByUUID(ctx, msg.TransactionUUID)
	if err != nil {
		p.unlock(ctx, msg.TransactionUUID, lockID)
		return fmt.Errorf("read transaction row: %w", err)
	}
	if meta.Status != domain.TxStatusReadyToStart {
		// Late redelivery of an already-processed transfer.
		log.Info("transaction not ready to start, skipping",
			zap.String("status", string(meta.Status)))
		p.unlock(ctx, msg.TransactionUUID, lockID)
		return nil
	}

	pending, err := p.pendingStore.GetByUUID(ctx, msg.TransactionUUID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return p.failMissingData(ctx, log, msg.TransactionUUID, lockID, "pending record missing")
	case err != nil:
		p.unlock(ctx, msg.TransactionUUID, lockID)
		return fmt.Errorf("read pending transaction: %w", err)
	}
	if !pending.HasRequiredFields() {
		return p.failMissingData(ctx, log, msg.TransactionUUID, lockID, "pending record incomplete")
	}

	res, err := p.sequencer.GetNonce(ctx, pending.SenderAddress)
	if err != nil {
		// The nonce source being down is transient; hand the message back for
		// redelivery rather than burning a retry on the row.
		p.unlock(ctx, msg.TransactionUUID, lockID)
		return fmt.Errorf("reserve nonce: %w", err)
	}

	raw, err := buildRawTransaction(pending, res.Nonce)
	if err != nil {
		res.Release(false)
		return p.failMissingData(ctx, log, msg.TransactionUUID, lockID, err.Error())
	}

	txHash, err := p.chainClient.SubmitRawTransaction(ctx, raw)
	if err != nil {
		return p.recordSubmitFailure(ctx, log, msg.TransactionUUID, lockID, res, err)
	}

	res.Release(true)
	if err := p.metaStore.MarkSubmitted(ctx, msg.TransactionUUID, lockID, txHash, res.Nonce); err != nil {
		// The broadcast happened; losing the status write must not trigger a
		// second broadcast on redelivery. Log loudly and acknowledge.
		log.Error("broadcast succeeded but status write failed",
			zap.String("txHash", txHash), zap.Error(err))
		return nil
	}

	p.observeOutcome("submitted")
	log.Info("transaction submitted",
		zap.String("txHash", txHash), zap.Uint64("nonce", res.Nonce))
	return nil
}

// recordSubmitFailure classifies the node error, records it on the row with
// the next retry decision point and reports nonce consumption: only an
// Unknown rejection may have reached the mempool, so only then is the nonce
// treated as consumed.
func (p *Pipeline) recordSubmitFailure(ctx context.Context, log *zap.Logger, transactionUUID, lockID string, res *nonce.Reservation, submitErr error) error {
	reason := chain.ReasonUnknown
	var se *chain.SubmitError
	if errors.As(submitErr, &se) {
		reason = se.Reason
	}

	res.Release(reason == chain.ReasonUnknown)

	status, ok := statusFor[reason]
	if !ok {
		status = domain.TxStatusFailedUnknown
	}
	nextActionAt := time.Now().Add(retryDelayFor[reason]).UnixMilli()

	if err := p.metaStore.MarkFailed(ctx, transactionUUID, lockID, status, nextActionAt); err != nil {
		return fmt.Errorf("record submission failure: %w", err)
	}

	p.observeOutcome(string(status))
	log.Warn("transaction submission failed",
		zap.String("reason", string(reason)), zap.Error(submitErr))
	return nil
}

// failMissingData marks the row failed without a broadcast attempt. These
// rows skip the retry scheduler entirely; the compensator picks them up on
// its zero-retry pass.
func (p *Pipeline) failMissingData(ctx context.Context, log *zap.Logger, transactionUUID, lockID, cause string) error {
	now := time.Now().UnixMilli()
	if err := p.metaStore.MarkFailed(ctx, transactionUUID, lockID, domain.TxStatusFailedMissingData, now); err != nil {
		return fmt.Errorf("record missing-data failure: %w", err)
	}
	p.observeOutcome(string(domain.TxStatusFailedMissingData))
	log.Warn("transaction failed before broadcast", zap.String("cause", cause))
	return nil
}

// unlock releases the advisory lock on a path that did not mutate the row.
// Release failures are logged only; the lock does not block other holders
// forever because the claim queries treat it as advisory.
func (p *Pipeline) unlock(ctx context.Context, transactionUUID, lockID string) {
	if err := p.metaStore.ReleaseLock(ctx, transactionUUID, lockID); err != nil {
		p.logger.Error("release transaction lock failed",
			zap.String("transaction", transactionUUID), zap.Error(err))
	}
}

func (p *Pipeline) observeOutcome(outcome string) {
	if p.metrics != nil {
		p.metrics.SubmissionOutcomes.WithLabelValues(outcome).Inc()
	}
}

// rawTransaction is the broadcast envelope: the signed payload produced at
// admission plus the nonce reserved at submission time.
type rawTransaction struct {
	TransactionUUID    string `json:"transactionUuid"`
	SenderAddress      string `json:"senderAddress"`
	DestinationAddress string `json:"destinationAddress"`
	AssetAddress       string `json:"assetAddress,omitempty"`
	Nonce              uint64 `json:"nonce"`
	Payload            string `json:"payload"` // base58
}

// buildRawTransaction serializes the broadcast envelope.
func buildRawTransaction(pending *domain.PendingTransaction, n uint64) ([]byte, error) {
	raw := rawTransaction{
		TransactionUUID:    pending.TransactionUUID,
		SenderAddress:      pending.SenderAddress,
		DestinationAddress: pending.DestinationAddress,
		AssetAddress:       pending.AssetAddress,
		Nonce:              n,
		Payload:            base58.Encode(pending.Payload),
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode raw transaction: %w", err)
	}
	return data, nil
}
