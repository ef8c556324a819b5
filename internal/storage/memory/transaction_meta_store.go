package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"tokenrail/internal/domain"
	"tokenrail/internal/storage"
)

// DefaultLockLease is how long a row lock stays exclusive before it may be
// taken over. Mirrors the PostgreSQL store's lease bound.
const DefaultLockLease = 5 * time.Minute

// TransactionMetaStore is an in-memory implementation of
// storage.TransactionMetaStore.
type TransactionMetaStore struct {
	mu        sync.Mutex
	data      map[string]*domain.TransactionMeta // keyed by transaction_uuid
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

// NewTransactionMetaStore creates a new in-memory transaction meta store.
func NewTransactionMetaStore(opts ...MetaStoreOption) *TransactionMetaStore {
	s := &TransactionMetaStore{
		data:      make(map[string]*domain.TransactionMeta),
		lockLease: DefaultLockLease,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Compile-time interface check.
var _ storage.TransactionMetaStore = (*TransactionMetaStore)(nil)

// Insert adds a new row. Returns ErrDuplicateKey if the UUID exists.
func (s *TransactionMetaStore) Insert(_ context.Context, m *domain.TransactionMeta) error {
	if m == nil || m.TransactionUUID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[m.TransactionUUID]; exists {
		return storage.ErrDuplicateKey
	}

	row := copyMeta(m)
	s.data[m.TransactionUUID] = row
	return nil
}

// GetByUUID retrieves a row. Returns ErrNotFound if it does not exist.
func (s *TransactionMetaStore) GetByUUID(_ context.Context, transactionUUID string) (*domain.TransactionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, exists := s.data[transactionUUID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return copyMeta(m), nil
}

// AcquireLock claims a row for lockID. A row whose lease expired counts as
// unowned and is taken over.
func (s *TransactionMetaStore) AcquireLock(_ context.Context, transactionUUID, lockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, exists := s.data[transactionUUID]
	if !exists {
		return storage.ErrNotFound
	}
	now := time.Now().UnixMilli()
	if !s.lockExpired(m, now) {
		return storage.ErrPreconditionFailed
	}

	id := lockID
	m.LockID = &id
	m.LockAcquiredAt = &now
	m.UpdatedAt = now
	return nil
}

// lockExpired reports whether the row is unowned or its lease ran out.
// Callers hold s.mu.
func (s *TransactionMetaStore) lockExpired(m *domain.TransactionMeta, now int64) bool {
	if m.LockID == nil || m.LockAcquiredAt == nil {
		return true
	}
	return *m.LockAcquiredAt <= now-s.lockLease.Milliseconds()
}

// ReleaseLock clears the lock held by lockID.
func (s *TransactionMetaStore) ReleaseLock(_ context.Context, transactionUUID, lockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, exists := s.data[transactionUUID]
	if !exists || m.LockID == nil || *m.LockID != lockID {
		return storage.ErrPreconditionFailed
	}

	m.LockID = nil
	m.LockAcquiredAt = nil
	m.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// MarkSubmitted records the broadcast hash and nonce and releases the lock.
func (s *TransactionMetaStore) MarkSubmitted(_ context.Context, transactionUUID, lockID, txHash string, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, exists := s.data[transactionUUID]
	if !exists || m.LockID == nil || *m.LockID != lockID {
		return storage.ErrPreconditionFailed
	}

	hash := txHash
	n := nonce
	m.TransactionHash = &hash
	m.SenderNonce = &n
	m.Status = domain.TxStatusSubmitted
	m.LockID = nil
	m.LockAcquiredAt = nil
	m.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// MarkFailed records a classified submission failure and releases the lock.
func (s *TransactionMetaStore) MarkFailed(_ context.Context, transactionUUID, lockID string, status domain.TxStatus, nextActionAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, exists := s.data[transactionUUID]
	if !exists || m.LockID == nil || *m.LockID != lockID {
		return storage.ErrPreconditionFailed
	}

	m.Status = status
	m.NextActionAt = nextActionAt
	m.LockID = nil
	m.LockAcquiredAt = nil
	m.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// MarkTerminallyFailed moves the row to terminally_failed and releases the lock.
func (s *TransactionMetaStore) MarkTerminallyFailed(_ context.Context, transactionUUID, lockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, exists := s.data[transactionUUID]
	if !exists || m.LockID == nil || *m.LockID != lockID {
		return storage.ErrPreconditionFailed
	}

	m.Status = domain.TxStatusTerminallyFailed
	m.RetryCount++
	m.LockID = nil
	m.LockAcquiredAt = nil
	m.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// ClaimFailedBatch atomically locks up to limit claimable rows for lockID.
// Rows under an expired lease are claimable too.
func (s *TransactionMetaStore) ClaimFailedBatch(_ context.Context, lockID string, statuses []domain.TxStatus, minRetries int, before int64, limit int) ([]*domain.TransactionMeta, error) {
	if len(statuses) == 0 || limit <= 0 {
		return nil, nil
	}

	wanted := make(map[domain.TxStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	var claimable []*domain.TransactionMeta
	for _, m := range s.data {
		if s.lockExpired(m, now) && wanted[m.Status] && m.RetryCount >= minRetries && m.NextActionAt <= before {
			claimable = append(claimable, m)
		}
	}

	sort.Slice(claimable, func(i, j int) bool {
		return claimable[i].NextActionAt < claimable[j].NextActionAt
	})
	if len(claimable) > limit {
		claimable = claimable[:limit]
	}

	batch := make([]*domain.TransactionMeta, 0, len(claimable))
	for _, m := range claimable {
		id := lockID
		acquired := now
		m.LockID = &id
		m.LockAcquiredAt = &acquired
		m.UpdatedAt = now
		batch = append(batch, copyMeta(m))
	}

	return batch, nil
}

// copyMeta deep-copies a row to prevent external mutation.
func copyMeta(m *domain.TransactionMeta) *domain.TransactionMeta {
	row := *m
	if m.SenderNonce != nil {
		n := *m.SenderNonce
		row.SenderNonce = &n
	}
	if m.TransactionHash != nil {
		h := *m.TransactionHash
		row.TransactionHash = &h
	}
	if m.LockID != nil {
		l := *m.LockID
		row.LockID = &l
	}
	if m.LockAcquiredAt != nil {
		a := *m.LockAcquiredAt
		row.LockAcquiredAt = &a
	}
	return &row
}
