package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tokenrail/internal/domain"
	"tokenrail/internal/storage"
)

// WorkerStateStore implements storage.WorkerStateStore using PostgreSQL.
// Status writes are version-stamped compare-and-sets: the WHERE clause pins
// the version the caller observed, so concurrently delivered control
// commands can never overwrite each other unnoticed.
type WorkerStateStore struct {
	pool *Pool
}

// NewWorkerStateStore creates a new WorkerStateStore.
func NewWorkerStateStore(pool *Pool) *WorkerStateStore {
	return &WorkerStateStore{pool: pool}
}

// Compile-time interface check.
var _ storage.WorkerStateStore = (*WorkerStateStore)(nil)

// Get retrieves one slot. Returns ErrNotFound if it does not exist.
func (s *WorkerStateStore) Get(ctx context.Context, tokenID, workerSlotID string) (*domain.WorkerProcessState, error) {
	query := `
		SELECT token_id, worker_slot_id, status, assigned_queue_id, version, updated_at
		FROM worker_process_state
		WHERE token_id = $1 AND worker_slot_id = $2
	`

	st, err := scanWorkerState(s.pool.QueryRow(ctx, query, tokenID, workerSlotID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get worker state: %w", err)
	}
	return st, nil
}

// ListPool retrieves every slot registered for the token.
func (s *WorkerStateStore) ListPool(ctx context.Context, tokenID string) ([]*domain.WorkerProcessState, error) {
	query := `
		SELECT token_id, worker_slot_id, status, assigned_queue_id, version, updated_at
		FROM worker_process_state
		WHERE token_id = $1
		ORDER BY worker_slot_id ASC
	`

	rows, err := s.pool.Query(ctx, query, tokenID)
	if err != nil {
		return nil, fmt.Errorf("list worker pool: %w", err)
	}
	defer rows.Close()

	var states []*domain.WorkerProcessState
	for rows.Next() {
		st, err := scanWorkerState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker state row: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate worker state rows: %w", err)
	}

	return states, nil
}

// Register upserts a slot, used at worker startup.
func (s *WorkerStateStore) Register(ctx context.Context, st *domain.WorkerProcessState) error {
	if st == nil || st.TokenID == "" || st.WorkerSlotID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO worker_process_state (
			token_id, worker_slot_id, status, assigned_queue_id, version, updated_at
		) VALUES ($1, $2, $3, $4, 1, $5)
		ON CONFLICT (token_id, worker_slot_id) DO UPDATE SET
			status = EXCLUDED.status,
			assigned_queue_id = EXCLUDED.assigned_queue_id,
			version = worker_process_state.version + 1,
			updated_at = EXCLUDED.updated_at
	`

	_, err := s.pool.Exec(ctx, query,
		st.TokenID,
		st.WorkerSlotID,
		st.Status,
		st.AssignedQueueID,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("register worker slot: %w", err)
	}
	return nil
}

// CompareAndSetStatus writes status iff the stored version matches.
func (s *WorkerStateStore) CompareAndSetStatus(ctx context.Context, tokenID, workerSlotID string, expectVersion int64, status domain.WorkerStatus, assignedQueueID *string) error {
	query := `
		UPDATE worker_process_state
		SET status = $4, assigned_queue_id = $5, version = version + 1, updated_at = $6
		WHERE token_id = $1 AND worker_slot_id = $2 AND version = $3
	`

	tag, err := s.pool.Exec(ctx, query,
		tokenID, workerSlotID, expectVersion, status, assignedQueueID, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("compare-and-set worker status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM worker_process_state WHERE token_id = $1 AND worker_slot_id = $2)`,
			tokenID, workerSlotID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check worker slot existence: %w", err)
		}
		if !exists {
			return storage.ErrNotFound
		}
		return storage.ErrVersionConflict
	}
	return nil
}

// scanWorkerState scans one row into a WorkerProcessState.
func scanWorkerState(row pgx.Row) (*domain.WorkerProcessState, error) {
	var st domain.WorkerProcessState
	err := row.Scan(
		&st.TokenID,
		&st.WorkerSlotID,
		&st.Status,
		&st.AssignedQueueID,
		&st.Version,
		&st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
