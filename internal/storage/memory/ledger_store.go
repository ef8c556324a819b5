package memory

import (
	"context"
	"math/big"
	"sync"
	"time"

	"tokenrail/internal/domain"
	"tokenrail/internal/storage"
)

// LedgerStore is an in-memory implementation of storage.LedgerStore.
// The mutex stands in for the store's item-level atomicity: precondition
// check and delta application happen under one critical section.
type LedgerStore struct {
	mu   sync.RWMutex
	data map[domain.LedgerKey]*domain.LedgerEntry
}

// NewLedgerStore creates a new in-memory ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		data: make(map[domain.LedgerKey]*domain.LedgerEntry),
	}
}

// Compile-time interface check.
var _ storage.LedgerStore = (*LedgerStore)(nil)

// ApplyDelta atomically applies the delta, creating the entry on first write.
func (s *LedgerStore) ApplyDelta(_ context.Context, key domain.LedgerKey, delta domain.LedgerDelta, minPessimistic *big.Int) error {
	if key.AccountAddress == "" || key.AssetAddress == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.data[key]
	if !exists {
		e = &domain.LedgerEntry{
			AccountAddress:        key.AccountAddress,
			AssetAddress:          key.AssetAddress,
			ChainSettled:          new(big.Int),
			ChainUnsettledDebits:  new(big.Int),
			CreditSettled:         new(big.Int),
			CreditUnsettledDebits: new(big.Int),
			PessimisticSettled:    new(big.Int),
		}
	}

	if minPessimistic != nil && minPessimistic.Sign() > 0 {
		if e.PessimisticSettled.Cmp(minPessimistic) < 0 {
			return storage.ErrPreconditionFailed
		}
	}

	add := func(dst, d *big.Int) *big.Int {
		if d == nil {
			return dst
		}
		return new(big.Int).Add(dst, d)
	}

	e.ChainSettled = add(e.ChainSettled, delta.ChainSettled)
	e.ChainUnsettledDebits = add(e.ChainUnsettledDebits, delta.ChainUnsettledDebits)
	e.CreditSettled = add(e.CreditSettled, delta.CreditSettled)
	e.CreditUnsettledDebits = add(e.CreditUnsettledDebits, delta.CreditUnsettledDebits)
	e.PessimisticSettled = new(big.Int).Add(e.PessimisticSettled, delta.PessimisticDelta())
	e.UpdatedAt = time.Now().UnixMilli()

	s.data[key] = e
	return nil
}

// Get retrieves the entry for key. Returns ErrNotFound if it does not exist.
func (s *LedgerStore) Get(_ context.Context, key domain.LedgerKey) (*domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.data[key]
	if !exists {
		return nil, storage.ErrNotFound
	}

	// Return a copy to prevent external mutation
	entry := *e
	entry.ChainSettled = new(big.Int).Set(e.ChainSettled)
	entry.ChainUnsettledDebits = new(big.Int).Set(e.ChainUnsettledDebits)
	entry.CreditSettled = new(big.Int).Set(e.CreditSettled)
	entry.CreditUnsettledDebits = new(big.Int).Set(e.CreditUnsettledDebits)
	entry.PessimisticSettled = new(big.Int).Set(e.PessimisticSettled)
	return &entry, nil
}
