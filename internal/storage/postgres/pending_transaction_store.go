package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"tokenrail/internal/domain"
	"tokenrail/internal/storage"
)

// PendingTransactionStore implements storage.PendingTransactionStore using
// PostgreSQL. Unsettled-debit entries are stored as a JSONB document next to
// the opaque payload; the record lives only until its transaction reaches a
// terminal state.
type PendingTransactionStore struct {
	pool *Pool
}

// NewPendingTransactionStore creates a new PendingTransactionStore.
func NewPendingTransactionStore(pool *Pool) *PendingTransactionStore {
	return &PendingTransactionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.PendingTransactionStore = (*PendingTransactionStore)(nil)

// Insert adds a new record. Returns ErrDuplicateKey if the UUID exists.
func (s *PendingTransactionStore) Insert(ctx context.Context, p *domain.PendingTransaction) error {
	if p == nil || p.TransactionUUID == "" {
		return storage.ErrInvalidInput
	}

	debits, err := json.Marshal(p.UnsettledDebits)
	if err != nil {
		return fmt.Errorf("marshal unsettled debits: %w", err)
	}

	query := `
		INSERT INTO pending_transactions (
			transaction_uuid, token_id, sender_address, destination_address,
			asset_address, payload, unsettled_debits, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = s.pool.Exec(ctx, query,
		p.TransactionUUID,
		p.TokenID,
		p.SenderAddress,
		p.DestinationAddress,
		p.AssetAddress,
		p.Payload,
		debits,
		p.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert pending transaction: %w", err)
	}
	return nil
}

// GetByUUID retrieves a record. Returns ErrNotFound if it does not exist.
func (s *PendingTransactionStore) GetByUUID(ctx context.Context, transactionUUID string) (*domain.PendingTransaction, error) {
	query := `
		SELECT transaction_uuid, token_id, sender_address, destination_address,
		       asset_address, payload, unsettled_debits, created_at
		FROM pending_transactions
		WHERE transaction_uuid = $1
	`

	var (
		p      domain.PendingTransaction
		debits []byte
	)

	err := s.pool.QueryRow(ctx, query, transactionUUID).Scan(
		&p.TransactionUUID,
		&p.TokenID,
		&p.SenderAddress,
		&p.DestinationAddress,
		&p.AssetAddress,
		&p.Payload,
		&debits,
		&p.CreatedAt,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get pending transaction: %w", err)
	}

	if len(debits) > 0 {
		if err := json.Unmarshal(debits, &p.UnsettledDebits); err != nil {
			return nil, fmt.Errorf("unmarshal unsettled debits: %w", err)
		}
	}

	return &p, nil
}

// Delete removes the record. Deleting a missing record is not an error.
func (s *PendingTransactionStore) Delete(ctx context.Context, transactionUUID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM pending_transactions WHERE transaction_uuid = $1`,
		transactionUUID,
	)
	if err != nil {
		return fmt.Errorf("delete pending transaction: %w", err)
	}
	return nil
}
