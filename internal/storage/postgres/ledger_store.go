package postgres

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"tokenrail/internal/domain"
	"tokenrail/internal/storage"
)

// LedgerStore implements storage.LedgerStore using PostgreSQL.
// Conditional writes are single UPDATE statements whose WHERE clause carries
// the precondition, so the check and the delta apply in one atomic step.
type LedgerStore struct {
	pool *Pool
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(pool *Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Compile-time interface check.
var _ storage.LedgerStore = (*LedgerStore)(nil)

// ApplyDelta atomically applies the delta, recomputing the derived
// pessimistic balance in the same statement. With a non-nil minPessimistic
// the write is conditioned on the pre-write pessimistic balance.
func (s *LedgerStore) ApplyDelta(ctx context.Context, key domain.LedgerKey, delta domain.LedgerDelta, minPessimistic *big.Int) error {
	if key.AccountAddress == "" || key.AssetAddress == "" {
		return storage.ErrInvalidInput
	}

	now := time.Now().UnixMilli()
	pessimisticDelta := delta.PessimisticDelta()

	if minPessimistic != nil && minPessimistic.Sign() > 0 {
		query := `
			UPDATE ledger_entries SET
				chain_settled = chain_settled + $3::numeric,
				chain_unsettled_debits = chain_unsettled_debits + $4::numeric,
				credit_settled = credit_settled + $5::numeric,
				credit_unsettled_debits = credit_unsettled_debits + $6::numeric,
				pessimistic_settled = pessimistic_settled + $7::numeric,
				updated_at = $8
			WHERE account_address = $1 AND asset_address = $2
			  AND pessimistic_settled >= $9::numeric
		`

		tag, err := s.pool.Exec(ctx, query,
			key.AccountAddress,
			key.AssetAddress,
			numericArg(delta.ChainSettled),
			numericArg(delta.ChainUnsettledDebits),
			numericArg(delta.CreditSettled),
			numericArg(delta.CreditUnsettledDebits),
			numericArg(pessimisticDelta),
			now,
			numericArg(minPessimistic),
		)
		if err != nil {
			return fmt.Errorf("apply conditional ledger delta: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Missing entry and insufficient balance are the same outcome:
			// a zero (or absent) pessimistic balance cannot cover a positive
			// reservation.
			return storage.ErrPreconditionFailed
		}
		return nil
	}

	query := `
		INSERT INTO ledger_entries (
			account_address, asset_address,
			chain_settled, chain_unsettled_debits,
			credit_settled, credit_unsettled_debits,
			pessimistic_settled, updated_at
		) VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8)
		ON CONFLICT (account_address, asset_address) DO UPDATE SET
			chain_settled = ledger_entries.chain_settled + EXCLUDED.chain_settled,
			chain_unsettled_debits = ledger_entries.chain_unsettled_debits + EXCLUDED.chain_unsettled_debits,
			credit_settled = ledger_entries.credit_settled + EXCLUDED.credit_settled,
			credit_unsettled_debits = ledger_entries.credit_unsettled_debits + EXCLUDED.credit_unsettled_debits,
			pessimistic_settled = ledger_entries.pessimistic_settled + EXCLUDED.pessimistic_settled,
			updated_at = EXCLUDED.updated_at
	`

	_, err := s.pool.Exec(ctx, query,
		key.AccountAddress,
		key.AssetAddress,
		numericArg(delta.ChainSettled),
		numericArg(delta.ChainUnsettledDebits),
		numericArg(delta.CreditSettled),
		numericArg(delta.CreditUnsettledDebits),
		numericArg(pessimisticDelta),
		now,
	)
	if err != nil {
		return fmt.Errorf("apply ledger delta: %w", err)
	}
	return nil
}

// Get retrieves the entry for key. Returns ErrNotFound if it does not exist.
func (s *LedgerStore) Get(ctx context.Context, key domain.LedgerKey) (*domain.LedgerEntry, error) {
	query := `
		SELECT account_address, asset_address,
		       chain_settled::text, chain_unsettled_debits::text,
		       credit_settled::text, credit_unsettled_debits::text,
		       pessimistic_settled::text, updated_at
		FROM ledger_entries
		WHERE account_address = $1 AND asset_address = $2
	`

	var (
		e                                           domain.LedgerEntry
		chainSettled, chainUnsettled                string
		creditSettled, creditUnsettled, pessimistic string
	)

	err := s.pool.QueryRow(ctx, query, key.AccountAddress, key.AssetAddress).Scan(
		&e.AccountAddress,
		&e.AssetAddress,
		&chainSettled,
		&chainUnsettled,
		&creditSettled,
		&creditUnsettled,
		&pessimistic,
		&e.UpdatedAt,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}

	for _, field := range []struct {
		dst **big.Int
		src string
	}{
		{&e.ChainSettled, chainSettled},
		{&e.ChainUnsettledDebits, chainUnsettled},
		{&e.CreditSettled, creditSettled},
		{&e.CreditUnsettledDebits, creditUnsettled},
		{&e.PessimisticSettled, pessimistic},
	} {
		v, err := parseNumeric(field.src)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		*field.dst = v
	}

	return &e, nil
}
