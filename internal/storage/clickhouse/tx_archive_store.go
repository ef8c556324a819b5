package clickhouse

import (
	"context"
	"fmt"
	"time"

	"tokenrail/internal/domain"
	"tokenrail/internal/storage"
)

// TxArchiveStore implements storage.TxArchiveStore using ClickHouse.
// The archive is append-only: terminal transaction rows are copied here for
// audit and never mutated.
type TxArchiveStore struct {
	conn *Conn
}

// NewTxArchiveStore creates a new TxArchiveStore.
func NewTxArchiveStore(conn *Conn) *TxArchiveStore {
	return &TxArchiveStore{conn: conn}
}

// Compile-time interface check.
var _ storage.TxArchiveStore = (*TxArchiveStore)(nil)

// Archive appends a terminal row to the archive.
func (s *TxArchiveStore) Archive(ctx context.Context, m *domain.TransactionMeta) error {
	if m == nil || m.TransactionUUID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO transaction_archive (
			transaction_uuid, token_id, sender_address, sender_nonce,
			transaction_hash, status, retry_count, next_action_at,
			created_at, updated_at, archived_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	var senderNonce *int64
	if m.SenderNonce != nil {
		n := int64(*m.SenderNonce)
		senderNonce = &n
	}

	err := s.conn.Exec(ctx, query,
		m.TransactionUUID,
		m.TokenID,
		m.SenderAddress,
		senderNonce,
		m.TransactionHash,
		string(m.Status),
		int32(m.RetryCount),
		m.NextActionAt,
		m.CreatedAt,
		m.UpdatedAt,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("archive transaction: %w", err)
	}
	return nil
}
