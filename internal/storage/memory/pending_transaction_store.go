package memory

import (
	"context"
	"math/big"
	"sync"

	"tokenrail/internal/domain"
	"tokenrail/internal/storage"
)

// PendingTransactionStore is an in-memory implementation of
// storage.PendingTransactionStore.
type PendingTransactionStore struct {
	mu   sync.RWMutex
	data map[string]*domain.PendingTransaction // keyed by transaction_uuid
}

// NewPendingTransactionStore creates a new in-memory pending transaction store.
func NewPendingTransactionStore() *PendingTransactionStore {
	return &PendingTransactionStore{
		data: make(map[string]*domain.PendingTransaction),
	}
}

// Compile-time interface check.
var _ storage.PendingTransactionStore = (*PendingTransactionStore)(nil)

// Insert adds a new record. Returns ErrDuplicateKey if the UUID exists.
func (s *PendingTransactionStore) Insert(_ context.Context, p *domain.PendingTransaction) error {
	if p == nil || p.TransactionUUID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[p.TransactionUUID]; exists {
		return storage.ErrDuplicateKey
	}

	s.data[p.TransactionUUID] = copyPending(p)
	return nil
}

// GetByUUID retrieves a record. Returns ErrNotFound if it does not exist.
func (s *PendingTransactionStore) GetByUUID(_ context.Context, transactionUUID string) (*domain.PendingTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.data[transactionUUID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return copyPending(p), nil
}

// Delete removes the record. Deleting a missing record is not an error.
func (s *PendingTransactionStore) Delete(_ context.Context, transactionUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, transactionUUID)
	return nil
}

// copyPending deep-copies a record to prevent external mutation.
func copyPending(p *domain.PendingTransaction) *domain.PendingTransaction {
	rec := *p
	rec.Payload = append([]byte(nil), p.Payload...)
	rec.UnsettledDebits = make([]domain.UnsettledDebit, len(p.UnsettledDebits))
	for i, d := range p.UnsettledDebits {
		rec.UnsettledDebits[i] = d
		if d.Amount != nil {
			rec.UnsettledDebits[i].Amount = new(big.Int).Set(d.Amount)
		}
	}
	return &rec
}
