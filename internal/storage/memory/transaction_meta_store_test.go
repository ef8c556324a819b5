package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenrail/internal/domain"
	"tokenrail/internal/storage"
)

func newMeta(uuid string, status domain.TxStatus) *domain.TransactionMeta {
	now := time.Now().UnixMilli()
	return &domain.TransactionMeta{
		TransactionUUID: uuid,
		TokenID:         "token-1",
		SenderAddress:   "sender-addr",
		Status:          status,
		NextActionAt:    now - 1000,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestTransactionMetaStore_InsertAndGet(t *testing.T) {
	store := NewTransactionMetaStore()
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, newMeta("tx-1", domain.TxStatusReadyToStart)))
	assert.ErrorIs(t, store.Insert(ctx, newMeta("tx-1", domain.TxStatusReadyToStart)), storage.ErrDuplicateKey)

	m, err := store.GetByUUID(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusReadyToStart, m.Status)

	_, err = store.GetByUUID(ctx, "tx-unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Mutating the returned copy must not leak into the store.
	m.Status = domain.TxStatusSubmitted
	fresh, err := store.GetByUUID(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusReadyToStart, fresh.Status)
}

func TestTransactionMetaStore_LockOwnership(t *testing.T) {
	store := NewTransactionMetaStore()
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, newMeta("tx-1", domain.TxStatusReadyToStart)))

	require.NoError(t, store.AcquireLock(ctx, "tx-1", "owner-a"))
	assert.ErrorIs(t, store.AcquireLock(ctx, "tx-1", "owner-b"), storage.ErrPreconditionFailed)
	assert.ErrorIs(t, store.AcquireLock(ctx, "tx-unknown", "owner-a"), storage.ErrNotFound)

	// Only the holder may release.
	assert.ErrorIs(t, store.ReleaseLock(ctx, "tx-1", "owner-b"), storage.ErrPreconditionFailed)
	require.NoError(t, store.ReleaseLock(ctx, "tx-1", "owner-a"))
	assert.ErrorIs(t, store.ReleaseLock(ctx, "tx-1", "owner-a"), storage.ErrPreconditionFailed)

	require.NoError(t, store.AcquireLock(ctx, "tx-1", "owner-b"))
}

func TestTransactionMetaStore_LockLeaseTakeover(t *testing.T) {
	store := NewTransactionMetaStore()
	ctx := context.Background()

	// The previous holder died mid-batch: its lock is older than the lease.
	row := newMeta("tx-1", domain.TxStatusReadyToStart)
	deadLock := "dead-owner"
	staleSince := time.Now().UnixMilli() - 2*DefaultLockLease.Milliseconds()
	row.LockID = &deadLock
	row.LockAcquiredAt = &staleSince
	require.NoError(t, store.Insert(ctx, row))

	require.NoError(t, store.AcquireLock(ctx, "tx-1", "owner-b"),
		"an expired lease must be claimable")

	m, err := store.GetByUUID(ctx, "tx-1")
	require.NoError(t, err)
	require.NotNil(t, m.LockID)
	assert.Equal(t, "owner-b", *m.LockID)

	// The takeover swapped the lock: the dead owner lost all write rights,
	// and the new lease is fresh again.
	assert.ErrorIs(t, store.ReleaseLock(ctx, "tx-1", deadLock), storage.ErrPreconditionFailed)
	assert.ErrorIs(t, store.AcquireLock(ctx, "tx-1", "owner-c"), storage.ErrPreconditionFailed)
}

func TestTransactionMetaStore_MarkSubmittedRequiresLock(t *testing.T) {
	store := NewTransactionMetaStore()
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, newMeta("tx-1", domain.TxStatusReadyToStart)))

	assert.ErrorIs(t, store.MarkSubmitted(ctx, "tx-1", "owner-a", "hash", 7),
		storage.ErrPreconditionFailed, "unlocked row must reject status writes")

	require.NoError(t, store.AcquireLock(ctx, "tx-1", "owner-a"))
	assert.ErrorIs(t, store.MarkSubmitted(ctx, "tx-1", "owner-b", "hash", 7),
		storage.ErrPreconditionFailed, "wrong owner must reject status writes")

	require.NoError(t, store.MarkSubmitted(ctx, "tx-1", "owner-a", "hash-abc", 7))

	m, err := store.GetByUUID(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusSubmitted, m.Status)
	require.NotNil(t, m.TransactionHash)
	assert.Equal(t, "hash-abc", *m.TransactionHash)
	require.NotNil(t, m.SenderNonce)
	assert.Equal(t, uint64(7), *m.SenderNonce)
	assert.Nil(t, m.LockID, "status writes release the lock")
}

func TestTransactionMetaStore_MarkFailed(t *testing.T) {
	store := NewTransactionMetaStore()
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, newMeta("tx-1", domain.TxStatusReadyToStart)))
	require.NoError(t, store.AcquireLock(ctx, "tx-1", "owner-a"))

	next := time.Now().Add(time.Minute).UnixMilli()
	require.NoError(t, store.MarkFailed(ctx, "tx-1", "owner-a", domain.TxStatusFailedNonceTooLow, next))

	m, err := store.GetByUUID(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusFailedNonceTooLow, m.Status)
	assert.Equal(t, next, m.NextActionAt)
	assert.Nil(t, m.LockID)
}

func TestTransactionMetaStore_MarkTerminallyFailed(t *testing.T) {
	store := NewTransactionMetaStore()
	ctx := context.Background()

	row := newMeta("tx-1", domain.TxStatusFailedUnknown)
	row.RetryCount = 3
	require.NoError(t, store.Insert(ctx, row))
	require.NoError(t, store.AcquireLock(ctx, "tx-1", "owner-a"))
	require.NoError(t, store.MarkTerminallyFailed(ctx, "tx-1", "owner-a"))

	m, err := store.GetByUUID(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusTerminallyFailed, m.Status)
	assert.Equal(t, 4, m.RetryCount)
	assert.Nil(t, m.LockID)
}

func TestTransactionMetaStore_ClaimFailedBatch(t *testing.T) {
	store := NewTransactionMetaStore()
	ctx := context.Background()
	now := time.Now().UnixMilli()

	// Claimable: right status, unlocked, enough retries, due.
	due := newMeta("tx-due", domain.TxStatusFailedUnknown)
	due.RetryCount = 3
	require.NoError(t, store.Insert(ctx, due))

	// Below the retry floor.
	young := newMeta("tx-young", domain.TxStatusFailedUnknown)
	young.RetryCount = 1
	require.NoError(t, store.Insert(ctx, young))

	// Not yet due.
	future := newMeta("tx-future", domain.TxStatusFailedUnknown)
	future.RetryCount = 3
	future.NextActionAt = now + time.Hour.Milliseconds()
	require.NoError(t, store.Insert(ctx, future))

	// Wrong status.
	submitted := newMeta("tx-submitted", domain.TxStatusSubmitted)
	submitted.RetryCount = 3
	require.NoError(t, store.Insert(ctx, submitted))

	// Already owned by someone else.
	locked := newMeta("tx-locked", domain.TxStatusFailedUnknown)
	locked.RetryCount = 3
	require.NoError(t, store.Insert(ctx, locked))
	require.NoError(t, store.AcquireLock(ctx, "tx-locked", "other-owner"))

	batch, err := store.ClaimFailedBatch(ctx, "claim-1", domain.RetryableFailureStatuses, 3, now, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "tx-due", batch[0].TransactionUUID)
	require.NotNil(t, batch[0].LockID)
	assert.Equal(t, "claim-1", *batch[0].LockID)

	// The claim locked the row: a second claim sees nothing.
	batch, err = store.ClaimFailedBatch(ctx, "claim-2", domain.RetryableFailureStatuses, 3, now, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestTransactionMetaStore_ClaimFailedBatchTakesOverExpiredLease(t *testing.T) {
	store := NewTransactionMetaStore()
	ctx := context.Background()
	now := time.Now().UnixMilli()

	// A claimant died holding this row; its lease ran out.
	abandoned := newMeta("tx-abandoned", domain.TxStatusFailedUnknown)
	abandoned.RetryCount = 3
	deadLock := "dead-claimant"
	staleSince := now - 2*DefaultLockLease.Milliseconds()
	abandoned.LockID = &deadLock
	abandoned.LockAcquiredAt = &staleSince
	require.NoError(t, store.Insert(ctx, abandoned))

	// A live claimant still holds this one.
	held := newMeta("tx-held", domain.TxStatusFailedUnknown)
	held.RetryCount = 3
	require.NoError(t, store.Insert(ctx, held))
	require.NoError(t, store.AcquireLock(ctx, "tx-held", "live-claimant"))

	batch, err := store.ClaimFailedBatch(ctx, "claim-1", domain.RetryableFailureStatuses, 3, now, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "tx-abandoned", batch[0].TransactionUUID)
	require.NotNil(t, batch[0].LockID)
	assert.Equal(t, "claim-1", *batch[0].LockID)
}

func TestTransactionMetaStore_ClaimFailedBatchOrdersAndLimits(t *testing.T) {
	store := NewTransactionMetaStore()
	ctx := context.Background()
	now := time.Now().UnixMilli()

	for i, uuid := range []string{"tx-c", "tx-a", "tx-b"} {
		row := newMeta(uuid, domain.TxStatusFailedMissingData)
		// tx-c became due first, then tx-a, then tx-b.
		row.NextActionAt = now - int64(1000*(3-i))
		require.NoError(t, store.Insert(ctx, row))
	}

	batch, err := store.ClaimFailedBatch(ctx, "claim-1", []domain.TxStatus{domain.TxStatusFailedMissingData}, 0, now, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "tx-c", batch[0].TransactionUUID, "oldest due row first")
	assert.Equal(t, "tx-a", batch[1].TransactionUUID)

	batch, err = store.ClaimFailedBatch(ctx, "claim-2", []domain.TxStatus{domain.TxStatusFailedMissingData}, 0, now, 2)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "tx-b", batch[0].TransactionUUID)
}
