package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tokenrail/internal/domain"
	"tokenrail/internal/storage"
)

// DefaultLockLease is how long a row lock stays exclusive. A holder that has
// not written its outcome within the lease is treated as dead and the lock
// may be taken over. The bound must comfortably exceed one full batch pass.
const DefaultLockLease = 5 * time.Minute

// TransactionMetaStore implements storage.TransactionMetaStore using
// PostgreSQL. The advisory batch lock is the lock_id column: every mutation
// that requires ownership carries `lock_id = $owner` in its WHERE clause, so
// losing the lock turns the write into a no-op instead of a lost update.
// Locks are leases timed by lock_acquired_at; expired leases are claimable.
type TransactionMetaStore struct {
	pool      *Pool
	lockLease time.Duration
}

// MetaStoreOption configures a TransactionMetaStore.
type MetaStoreOption func(*TransactionMetaStore)

// WithLockLease overrides the lock lease duration.
func WithLockLease(d time.Duration) MetaStoreOption {
	return func(s *TransactionMetaStore) {
		s.lockLease = d
	}
}

// NewTransactionMetaStore creates a new TransactionMetaStore.
func NewTransactionMetaStore(pool *Pool, opts ...MetaStoreOption) *TransactionMetaStore {
	s := &TransactionMetaStore{pool: pool, lockLease: DefaultLockLease}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Compile-time interface check.
var _ storage.TransactionMetaStore = (*TransactionMetaStore)(nil)

const transactionMetaColumns = `
	transaction_uuid, token_id, sender_address, sender_nonce,
	transaction_hash, status, lock_id, lock_acquired_at, retry_count,
	next_action_at, created_at, updated_at
`

// staleBefore returns the cutoff: a lock acquired at or before it is expired.
func (s *TransactionMetaStore) staleBefore(now int64) int64 {
	return now - s.lockLease.Milliseconds()
}

// Insert adds a new row. Returns ErrDuplicateKey if the UUID exists.
func (s *TransactionMetaStore) Insert(ctx context.Context, m *domain.TransactionMeta) error {
	if m == nil || m.TransactionUUID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO transaction_meta (` + transactionMetaColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	var senderNonce *int64
	if m.SenderNonce != nil {
		n := int64(*m.SenderNonce)
		senderNonce = &n
	}

	_, err := s.pool.Exec(ctx, query,
		m.TransactionUUID,
		m.TokenID,
		m.SenderAddress,
		senderNonce,
		m.TransactionHash,
		m.Status,
		m.LockID,
		m.LockAcquiredAt,
		m.RetryCount,
		m.NextActionAt,
		m.CreatedAt,
		m.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert transaction meta: %w", err)
	}
	return nil
}

// GetByUUID retrieves a row. Returns ErrNotFound if it does not exist.
func (s *TransactionMetaStore) GetByUUID(ctx context.Context, transactionUUID string) (*domain.TransactionMeta, error) {
	query := `SELECT ` + transactionMetaColumns + ` FROM transaction_meta WHERE transaction_uuid = $1`

	row := s.pool.QueryRow(ctx, query, transactionUUID)
	m, err := scanTransactionMeta(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get transaction meta: %w", err)
	}
	return m, nil
}

// AcquireLock claims a row for lockID. A row whose lease expired counts as
// unowned: the takeover swaps the lock_id, so the dead holder's pending
// writes can no longer pass their ownership check.
func (s *TransactionMetaStore) AcquireLock(ctx context.Context, transactionUUID, lockID string) error {
	query := `
		UPDATE transaction_meta
		SET lock_id = $2, lock_acquired_at = $3, updated_at = $3
		WHERE transaction_uuid = $1
		  AND (lock_id IS NULL OR lock_acquired_at IS NULL OR lock_acquired_at <= $4)
	`

	now := time.Now().UnixMilli()
	tag, err := s.pool.Exec(ctx, query, transactionUUID, lockID, now, s.staleBefore(now))
	if err != nil {
		return fmt.Errorf("acquire transaction lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrOwned(ctx, transactionUUID)
	}
	return nil
}

// ReleaseLock clears the lock held by lockID.
func (s *TransactionMetaStore) ReleaseLock(ctx context.Context, transactionUUID, lockID string) error {
	query := `
		UPDATE transaction_meta
		SET lock_id = NULL, lock_acquired_at = NULL, updated_at = $3
		WHERE transaction_uuid = $1 AND lock_id = $2
	`

	tag, err := s.pool.Exec(ctx, query, transactionUUID, lockID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("release transaction lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrPreconditionFailed
	}
	return nil
}

// MarkSubmitted records the broadcast hash and nonce, moves the row to
// Submitted and releases the lock.
func (s *TransactionMetaStore) MarkSubmitted(ctx context.Context, transactionUUID, lockID, txHash string, nonce uint64) error {
	query := `
		UPDATE transaction_meta
		SET transaction_hash = $3, sender_nonce = $4, status = $5,
		    lock_id = NULL, lock_acquired_at = NULL, updated_at = $6
		WHERE transaction_uuid = $1 AND lock_id = $2
	`

	tag, err := s.pool.Exec(ctx, query,
		transactionUUID, lockID, txHash, int64(nonce),
		domain.TxStatusSubmitted, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("mark transaction submitted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrPreconditionFailed
	}
	return nil
}

// MarkFailed records a classified submission failure and releases the lock.
func (s *TransactionMetaStore) MarkFailed(ctx context.Context, transactionUUID, lockID string, status domain.TxStatus, nextActionAt int64) error {
	query := `
		UPDATE transaction_meta
		SET status = $3, next_action_at = $4, lock_id = NULL,
		    lock_acquired_at = NULL, updated_at = $5
		WHERE transaction_uuid = $1 AND lock_id = $2
	`

	tag, err := s.pool.Exec(ctx, query,
		transactionUUID, lockID, status, nextActionAt, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("mark transaction failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrPreconditionFailed
	}
	return nil
}

// MarkTerminallyFailed moves the row to terminally_failed, increments the
// retry counter and releases the lock.
func (s *TransactionMetaStore) MarkTerminallyFailed(ctx context.Context, transactionUUID, lockID string) error {
	query := `
		UPDATE transaction_meta
		SET status = $3, retry_count = retry_count + 1, lock_id = NULL,
		    lock_acquired_at = NULL, updated_at = $4
		WHERE transaction_uuid = $1 AND lock_id = $2
	`

	tag, err := s.pool.Exec(ctx, query,
		transactionUUID, lockID, domain.TxStatusTerminallyFailed, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("mark transaction terminally failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrPreconditionFailed
	}
	return nil
}

// ClaimFailedBatch atomically locks up to limit claimable rows for lockID.
// Rows under an expired lease are claimable too, so a claimant that died
// mid-batch only delays its rows by one lease, never forever. SKIP LOCKED
// keeps concurrent claimants from serializing on each other.
func (s *TransactionMetaStore) ClaimFailedBatch(ctx context.Context, lockID string, statuses []domain.TxStatus, minRetries int, before int64, limit int) ([]*domain.TransactionMeta, error) {
	if len(statuses) == 0 || limit <= 0 {
		return nil, nil
	}

	statusList := make([]string, len(statuses))
	for i, st := range statuses {
		statusList[i] = string(st)
	}

	query := `
		UPDATE transaction_meta
		SET lock_id = $1, lock_acquired_at = $2, updated_at = $2
		WHERE transaction_uuid IN (
			SELECT transaction_uuid FROM transaction_meta
			WHERE (lock_id IS NULL OR lock_acquired_at IS NULL OR lock_acquired_at <= $7)
			  AND status = ANY($3)
			  AND retry_count >= $4
			  AND next_action_at <= $5
			ORDER BY next_action_at ASC
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + transactionMetaColumns

	now := time.Now().UnixMilli()
	rows, err := s.pool.Query(ctx, query,
		lockID, now, statusList, minRetries, before, limit, s.staleBefore(now),
	)
	if err != nil {
		return nil, fmt.Errorf("claim failed batch: %w", err)
	}
	defer rows.Close()

	var batch []*domain.TransactionMeta
	for rows.Next() {
		m, err := scanTransactionMeta(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed row: %w", err)
		}
		batch = append(batch, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed rows: %w", err)
	}

	return batch, nil
}

// missingOrOwned distinguishes a missing row from a row owned elsewhere.
func (s *TransactionMetaStore) missingOrOwned(ctx context.Context, transactionUUID string) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transaction_meta WHERE transaction_uuid = $1)`,
		transactionUUID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check transaction meta existence: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrPreconditionFailed
}

// scanTransactionMeta scans one row into a TransactionMeta.
func scanTransactionMeta(row pgx.Row) (*domain.TransactionMeta, error) {
	var (
		m           domain.TransactionMeta
		senderNonce *int64
	)

	err := row.Scan(
		&m.TransactionUUID,
		&m.TokenID,
		&m.SenderAddress,
		&senderNonce,
		&m.TransactionHash,
		&m.Status,
		&m.LockID,
		&m.LockAcquiredAt,
		&m.RetryCount,
		&m.NextActionAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if senderNonce != nil {
		n := uint64(*senderNonce)
		m.SenderNonce = &n
	}

	return &m, nil
}
