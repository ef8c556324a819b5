package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"tokenrail/internal/domain"
	"tokenrail/internal/storage"
)

type workerKey struct {
	tokenID      string
	workerSlotID string
}

// WorkerStateStore is an in-memory implementation of storage.WorkerStateStore.
type WorkerStateStore struct {
	mu   sync.Mutex
	data map[workerKey]*domain.WorkerProcessState
}

// NewWorkerStateStore creates a new in-memory worker state store.
func NewWorkerStateStore() *WorkerStateStore {
	return &WorkerStateStore{
		data: make(map[workerKey]*domain.WorkerProcessState),
	}
}

// Compile-time interface check.
var _ storage.WorkerStateStore = (*WorkerStateStore)(nil)

// Get retrieves one slot. Returns ErrNotFound if it does not exist.
func (s *WorkerStateStore) Get(_ context.Context, tokenID, workerSlotID string) (*domain.WorkerProcessState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.data[workerKey{tokenID, workerSlotID}]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return copyWorkerState(st), nil
}

// ListPool retrieves every slot registered for the token.
func (s *WorkerStateStore) ListPool(_ context.Context, tokenID string) ([]*domain.WorkerProcessState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var states []*domain.WorkerProcessState
	for k, st := range s.data {
		if k.tokenID == tokenID {
			states = append(states, copyWorkerState(st))
		}
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].WorkerSlotID < states[j].WorkerSlotID
	})
	return states, nil
}

// Register upserts a slot, used at worker startup.
func (s *WorkerStateStore) Register(_ context.Context, st *domain.WorkerProcessState) error {
	if st == nil || st.TokenID == "" || st.WorkerSlotID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := workerKey{st.TokenID, st.WorkerSlotID}
	version := int64(1)
	if existing, exists := s.data[key]; exists {
		version = existing.Version + 1
	}

	rec := copyWorkerState(st)
	rec.Version = version
	rec.UpdatedAt = time.Now().UnixMilli()
	s.data[key] = rec
	return nil
}

// CompareAndSetStatus writes status iff the stored version matches.
func (s *WorkerStateStore) CompareAndSetStatus(_ context.Context, tokenID, workerSlotID string, expectVersion int64, status domain.WorkerStatus, assignedQueueID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.data[workerKey{tokenID, workerSlotID}]
	if !exists {
		return storage.ErrNotFound
	}
	if st.Version != expectVersion {
		return storage.ErrVersionConflict
	}

	st.Status = status
	if assignedQueueID != nil {
		id := *assignedQueueID
		st.AssignedQueueID = &id
	} else {
		st.AssignedQueueID = nil
	}
	st.Version++
	st.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// copyWorkerState deep-copies a record to prevent external mutation.
func copyWorkerState(st *domain.WorkerProcessState) *domain.WorkerProcessState {
	rec := *st
	if st.AssignedQueueID != nil {
		id := *st.AssignedQueueID
		rec.AssignedQueueID = &id
	}
	return &rec
}
