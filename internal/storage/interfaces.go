package storage

import (
	"context"
	"math/big"

	"tokenrail/internal/domain"
)

// LedgerStore provides conditional atomic access to ledger_entries storage.
type LedgerStore interface {
	// ApplyDelta atomically applies the delta to the entry for key,
	// creating the entry on first write. The derived pessimistic balance is
	// recomputed in the same write. If minPessimistic is non-nil the write
	// only applies when the pre-write pessimistic balance is at least that
	// value; otherwise ErrPreconditionFailed is returned and nothing changes.
	ApplyDelta(ctx context.Context, key domain.LedgerKey, delta domain.LedgerDelta, minPessimistic *big.Int) error

	// Get retrieves the entry for key. Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, key domain.LedgerKey) (*domain.LedgerEntry, error)
}

// TransactionMetaStore provides access to transaction_meta storage.
// All mutations that require batch ownership take the owning lockID and
// return ErrPreconditionFailed when the row is not held under it.
//
// Row locks are leases: a lock whose holder has not finished within the
// store's lease bound is considered abandoned and may be taken over by a
// later AcquireLock or ClaimFailedBatch. The abandoned holder's own writes
// then fail their lock_id check, so a takeover never races a slow survivor
// into a double write.
type TransactionMetaStore interface {
	// Insert adds a new row. Returns ErrDuplicateKey if the UUID exists.
	Insert(ctx context.Context, m *domain.TransactionMeta) error

	// GetByUUID retrieves a row. Returns ErrNotFound if it does not exist.
	GetByUUID(ctx context.Context, transactionUUID string) (*domain.TransactionMeta, error)

	// AcquireLock claims a row for lockID. Returns ErrPreconditionFailed if
	// the row is owned under a still-live lease.
	AcquireLock(ctx context.Context, transactionUUID, lockID string) error

	// ReleaseLock clears the lock held by lockID.
	ReleaseLock(ctx context.Context, transactionUUID, lockID string) error

	// MarkSubmitted records the broadcast transaction hash and reserved
	// nonce, moves the row to Submitted and releases the lock.
	MarkSubmitted(ctx context.Context, transactionUUID, lockID, txHash string, nonce uint64) error

	// MarkFailed records a classified submission failure, schedules the next
	// retry decision point and releases the lock.
	MarkFailed(ctx context.Context, transactionUUID, lockID string, status domain.TxStatus, nextActionAt int64) error

	// MarkTerminallyFailed moves the row to its terminal failure state,
	// increments the retry counter and releases the lock. Because the guard
	// is the lock itself, re-running a compensation batch against a row that
	// already went through this is a no-op at the caller level.
	MarkTerminallyFailed(ctx context.Context, transactionUUID, lockID string) error

	// ClaimFailedBatch atomically locks up to limit rows whose status is one
	// of statuses, whose retry count is at least minRetries and whose next
	// action is due at or before `before`. Rows under an expired lease count
	// as unowned. Returns the claimed rows, now owned by lockID.
	ClaimFailedBatch(ctx context.Context, lockID string, statuses []domain.TxStatus, minRetries int, before int64, limit int) ([]*domain.TransactionMeta, error)
}

// PendingTransactionStore provides access to pending_transactions storage.
type PendingTransactionStore interface {
	// Insert adds a new record. Returns ErrDuplicateKey if the UUID exists.
	Insert(ctx context.Context, p *domain.PendingTransaction) error

	// GetByUUID retrieves a record. Returns ErrNotFound if it does not exist.
	GetByUUID(ctx context.Context, transactionUUID string) (*domain.PendingTransaction, error)

	// Delete removes the record once the transaction reached a terminal
	// state. Deleting a missing record is not an error.
	Delete(ctx context.Context, transactionUUID string) error
}

// WorkerStateStore provides access to worker_process_state storage.
type WorkerStateStore interface {
	// Get retrieves one slot. Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, tokenID, workerSlotID string) (*domain.WorkerProcessState, error)

	// ListPool retrieves every slot registered for the token.
	ListPool(ctx context.Context, tokenID string) ([]*domain.WorkerProcessState, error)

	// Register upserts a slot with WorkerNormal status and the given queue
	// assignment, used at worker startup.
	Register(ctx context.Context, s *domain.WorkerProcessState) error

	// CompareAndSetStatus writes status and queue assignment iff the stored
	// version equals expectVersion, bumping the version. Returns
	// ErrVersionConflict when a concurrent write got there first.
	CompareAndSetStatus(ctx context.Context, tokenID, workerSlotID string, expectVersion int64, status domain.WorkerStatus, assignedQueueID *string) error
}

// TxArchiveStore is the append-only audit archive for transaction rows that
// reached a terminal state.
type TxArchiveStore interface {
	// Archive appends a terminal row to the archive.
	Archive(ctx context.Context, m *domain.TransactionMeta) error
}
