// Package admission implements the transfer intake path: request
// validation, the pessimistic balance reservation and enqueueing the
// transfer for the submission pipeline.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tokenrail/internal/domain"
	"tokenrail/internal/ledger"
	"tokenrail/internal/observability"
	"tokenrail/internal/storage"
)

// ErrInvalidRequest is returned when a transfer request fails validation.
var ErrInvalidRequest = errors.New("invalid transfer request")

// QueuePublisher publishes the queued-transfer work item. Publishing is
// synchronous; a nil return means the broker acknowledged the message.
type QueuePublisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Request is one transfer admission request. Payload is the signed
// meta-transaction produced by the caller; the service never interprets it.
type Request struct {
	TokenID            string
	SenderAddress      string
	DestinationAddress string
	AssetAddress       string
	Rail               string // RailChain | RailCredit; RailChain if empty
	Amount             *big.Int
	Payload            []byte
}

// Service admits transfers.
type Service struct {
	ledger       *ledger.Ledger
	pendingStore storage.PendingTransactionStore
	metaStore    storage.TransactionMetaStore
	publisher    QueuePublisher
	topic        string
	metrics      *observability.Metrics // may be nil
	logger       *zap.Logger
}

// Options for creating a Service.
type Options struct {
	Ledger       *ledger.Ledger
	PendingStore storage.PendingTransactionStore
	MetaStore    storage.TransactionMetaStore
	Publisher    QueuePublisher
	Topic        string
	Metrics      *observability.Metrics
	Logger       *zap.Logger
}

// New creates a Service.
func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		ledger:       opts.Ledger,
		pendingStore: opts.PendingStore,
		metaStore:    opts.MetaStore,
		publisher:    opts.Publisher,
		topic:        opts.Topic,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
	}
}

// AdmitTransfer validates the request, reserves the debit pessimistically
// and enqueues the transfer. On success the returned UUID identifies the
// transaction for the rest of its life.
//
// The reservation is the commit point: every failure after it triggers a
// best-effort immediate reversal so a transfer that was never enqueued does
// not hold funds until the compensator notices.
func (s *Service) AdmitTransfer(ctx context.Context, req Request) (string, error) {
	if err := validate(req); err != nil {
		s.observeResult("rejected_invalid")
		return "", err
	}

	rail := req.Rail
	if rail == "" {
		rail = domain.RailChain
	}
	key := domain.LedgerKey{AccountAddress: req.SenderAddress, AssetAddress: req.AssetAddress}

	if err := s.ledger.FastPathCheck(ctx, key, req.Amount); err != nil {
		s.observeResult("rejected_insufficient_funds")
		return "", err
	}

	debit := domain.UnsettledDebit{
		Rail:           rail,
		AccountAddress: req.SenderAddress,
		AssetAddress:   req.AssetAddress,
		Amount:         new(big.Int).Set(req.Amount),
	}

	if err := s.ledger.ApplyDelta(ctx, key, debit.Delta()); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			s.observeResult("rejected_insufficient_funds")
			return "", err
		}
		s.observeResult("error")
		return "", fmt.Errorf("reserve debit: %w", err)
	}

	transactionUUID := uuid.NewString()
	now := time.Now().UnixMilli()

	pending := &domain.PendingTransaction{
		TransactionUUID:    transactionUUID,
		TokenID:            req.TokenID,
		SenderAddress:      req.SenderAddress,
		DestinationAddress: req.DestinationAddress,
		AssetAddress:       req.AssetAddress,
		Payload:            req.Payload,
		UnsettledDebits:    []domain.UnsettledDebit{debit},
		CreatedAt:          now,
	}
	if err := s.pendingStore.Insert(ctx, pending); err != nil {
		s.reverse(ctx, key, debit)
		s.observeResult("error")
		return "", fmt.Errorf("store pending transaction: %w", err)
	}

	meta := &domain.TransactionMeta{
		TransactionUUID: transactionUUID,
		TokenID:         req.TokenID,
		SenderAddress:   req.SenderAddress,
		Status:          domain.TxStatusReadyToStart,
		NextActionAt:    now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.metaStore.Insert(ctx, meta); err != nil {
		s.cleanupPending(ctx, transactionUUID)
		s.reverse(ctx, key, debit)
		s.observeResult("error")
		return "", fmt.Errorf("store transaction row: %w", err)
	}

	msg := domain.TransferQueued{
		TransactionUUID: transactionUUID,
		TokenID:         req.TokenID,
		SenderAddress:   req.SenderAddress,
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode transfer message: %w", err)
	}
	// Keyed by sender so one address always lands on one partition and its
	// transfers stay ordered.
	if err := s.publisher.Publish(ctx, s.topic, []byte(req.SenderAddress), value); err != nil {
		// No consumer will ever see this transfer; undo the reservation and
		// park the row where the compensator settles it, so it does not sit
		// ready_to_start forever.
		s.cleanupPending(ctx, transactionUUID)
		s.reverse(ctx, key, debit)
		s.failOrphanRow(ctx, transactionUUID)
		s.observeResult("error")
		return "", fmt.Errorf("enqueue transfer: %w", err)
	}

	s.observeResult("admitted")
	s.logger.Info("transfer admitted",
		zap.String("transaction", transactionUUID),
		zap.String("sender", req.SenderAddress),
		zap.String("rail", rail))
	return transactionUUID, nil
}

func validate(req Request) error {
	if req.TokenID == "" {
		return fmt.Errorf("%w: token id is required", ErrInvalidRequest)
	}
	if err := domain.ValidateAddress(req.SenderAddress); err != nil {
		return fmt.Errorf("%w: sender: %v", ErrInvalidRequest, err)
	}
	if err := domain.ValidateAddress(req.DestinationAddress); err != nil {
		return fmt.Errorf("%w: destination: %v", ErrInvalidRequest, err)
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if len(req.Payload) == 0 {
		return fmt.Errorf("%w: signed payload is required", ErrInvalidRequest)
	}
	if req.Rail != "" && req.Rail != domain.RailChain && req.Rail != domain.RailCredit {
		return fmt.Errorf("%w: unknown rail %q", ErrInvalidRequest, req.Rail)
	}
	return nil
}

// reverse undoes the admission-time reservation. Failure is logged only:
// the pending record (when it survived) lets the compensator settle it
// later, and when it did not, the balance needs manual review.
func (s *Service) reverse(ctx context.Context, key domain.LedgerKey, debit domain.UnsettledDebit) {
	if err := s.ledger.ApplyDelta(ctx, key, debit.Delta().Negate()); err != nil {
		s.logger.Error("admission rollback failed, balance needs manual review",
			zap.String("account", key.AccountAddress),
			zap.String("asset", key.AssetAddress),
			zap.Error(err))
	}
}

// failOrphanRow moves a row that was admitted but never enqueued onto the
// missing-data failure track, which the compensator settles terminally. The
// pending record and the reservation are already gone by the time this runs,
// so that settlement has nothing left to reverse.
func (s *Service) failOrphanRow(ctx context.Context, transactionUUID string) {
	lockID := uuid.NewString()
	if err := s.metaStore.AcquireLock(ctx, transactionUUID, lockID); err != nil {
		s.logger.Error("orphaned transaction row could not be locked",
			zap.String("transaction", transactionUUID), zap.Error(err))
		return
	}
	now := time.Now().UnixMilli()
	if err := s.metaStore.MarkFailed(ctx, transactionUUID, lockID, domain.TxStatusFailedMissingData, now); err != nil {
		s.logger.Error("orphaned transaction row could not be failed",
			zap.String("transaction", transactionUUID), zap.Error(err))
	}
}

func (s *Service) cleanupPending(ctx context.Context, transactionUUID string) {
	if err := s.pendingStore.Delete(ctx, transactionUUID); err != nil {
		s.logger.Error("pending record cleanup failed",
			zap.String("transaction", transactionUUID), zap.Error(err))
	}
}

func (s *Service) observeResult(result string) {
	if s.metrics != nil {
		s.metrics.AdmissionResults.WithLabelValues(result).Inc()
	}
}
