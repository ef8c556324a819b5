package compensator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenrail/internal/domain"
	"tokenrail/internal/ledger"
	"tokenrail/internal/storage/memory"
)

const (
	testUUID   = "tx-0001"
	testSender = "sender-addr"
	testAsset  = "asset-1"
)

var testKey = domain.LedgerKey{AccountAddress: testSender, AssetAddress: testAsset}

// recordingNotifier captures notifications and optionally fails.
type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	fail   bool
}

func (n *recordingNotifier) NotifyTerminalFailure(_ context.Context, meta *domain.TransactionMeta, _ *domain.PendingTransaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, meta.TransactionUUID)
	if n.fail {
		return errors.New("webhook down")
	}
	return nil
}

// recordingArchive captures archived rows and optionally fails.
type recordingArchive struct {
	mu   sync.Mutex
	rows []*domain.TransactionMeta
	fail bool
}

func (a *recordingArchive) Archive(_ context.Context, m *domain.TransactionMeta) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return errors.New("archive down")
	}
	a.rows = append(a.rows, m)
	return nil
}

type compFixture struct {
	comp         *Compensator
	metaStore    *memory.TransactionMetaStore
	pendingStore *memory.PendingTransactionStore
	ledger       *ledger.Ledger
	notifier     *recordingNotifier
	archive      *recordingArchive
}

func newFixture(t *testing.T) *compFixture {
	t.Helper()
	f := &compFixture{
		metaStore:    memory.NewTransactionMetaStore(),
		pendingStore: memory.NewPendingTransactionStore(),
		ledger:       ledger.New(memory.NewLedgerStore(), nil, nil),
		notifier:     &recordingNotifier{},
		archive:      &recordingArchive{},
	}
	f.comp = New(Options{
		MetaStore:    f.metaStore,
		PendingStore: f.pendingStore,
		Ledger:       f.ledger,
		Archive:      f.archive,
		Notifier:     f.notifier,
		RetryBudget:  3,
	})
	return f
}

// seedFailed funds the sender, applies the debits and records the failed
// transaction exactly as admission and the pipeline would have left it.
func (f *compFixture) seedFailed(t *testing.T, status domain.TxStatus, retryCount int, debits []domain.UnsettledDebit) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.ledger.ApplyDelta(ctx, testKey, domain.LedgerDelta{ChainSettled: big.NewInt(100)}))
	for _, d := range debits {
		key := domain.LedgerKey{AccountAddress: d.AccountAddress, AssetAddress: d.AssetAddress}
		require.NoError(t, f.ledger.ApplyDelta(ctx, key, d.Delta()))
	}

	now := time.Now().UnixMilli()
	require.NoError(t, f.metaStore.Insert(ctx, &domain.TransactionMeta{
		TransactionUUID: testUUID,
		TokenID:         "token-1",
		SenderAddress:   testSender,
		Status:          status,
		RetryCount:      retryCount,
		NextActionAt:    now - 1000,
		CreatedAt:       now,
		UpdatedAt:       now,
	}))
	require.NoError(t, f.pendingStore.Insert(ctx, &domain.PendingTransaction{
		TransactionUUID: testUUID,
		TokenID:         "token-1",
		SenderAddress:   testSender,
		Payload:         []byte("payload"),
		UnsettledDebits: debits,
		CreatedAt:       now,
	}))
}

func (f *compFixture) pessimistic(t *testing.T) int64 {
	t.Helper()
	entry, err := f.ledger.Get(context.Background(), testKey)
	require.NoError(t, err)
	return entry.PessimisticSettled.Int64()
}

func chainDebit(amount int64) domain.UnsettledDebit {
	return domain.UnsettledDebit{
		Rail:           domain.RailChain,
		AccountAddress: testSender,
		AssetAddress:   testAsset,
		Amount:         big.NewInt(amount),
	}
}

func TestCompensator_SettlesMissingDataFailure(t *testing.T) {
	f := newFixture(t)
	f.seedFailed(t, domain.TxStatusFailedMissingData, 0, []domain.UnsettledDebit{chainDebit(60)})
	require.Equal(t, int64(40), f.pessimistic(t))

	n, err := f.comp.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err := f.metaStore.GetByUUID(context.Background(), testUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusTerminallyFailed, m.Status)
	assert.Equal(t, 1, m.RetryCount)
	assert.Nil(t, m.LockID)

	// The reservation is back.
	assert.Equal(t, int64(100), f.pessimistic(t))

	// The pending record is gone.
	_, err = f.pendingStore.GetByUUID(context.Background(), testUUID)
	assert.Error(t, err)

	assert.Equal(t, []string{testUUID}, f.notifier.events)
	require.Len(t, f.archive.rows, 1)
	assert.Equal(t, domain.TxStatusTerminallyFailed, f.archive.rows[0].Status)
}

func TestCompensator_ReversesEachRailSeparately(t *testing.T) {
	f := newFixture(t)
	debits := []domain.UnsettledDebit{chainDebit(30), {
		Rail:           domain.RailCredit,
		AccountAddress: testSender,
		AssetAddress:   testAsset,
		Amount:         big.NewInt(20),
	}}
	f.seedFailed(t, domain.TxStatusFailedMissingData, 0, debits)
	require.Equal(t, int64(50), f.pessimistic(t))

	_, err := f.comp.RunOnce(context.Background())
	require.NoError(t, err)

	entry, err := f.ledger.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(100), entry.PessimisticSettled.Int64())
	assert.Equal(t, int64(0), entry.ChainUnsettledDebits.Int64())
	assert.Equal(t, int64(0), entry.CreditUnsettledDebits.Int64())
}

func TestCompensator_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedFailed(t, domain.TxStatusFailedMissingData, 0, []domain.UnsettledDebit{chainDebit(60)})

	n, err := f.comp.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, int64(100), f.pessimistic(t))

	// The terminal row is no longer claimable: nothing changes twice.
	n, err = f.comp.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(100), f.pessimistic(t))
}

func TestCompensator_RespectsRetryBudget(t *testing.T) {
	f := newFixture(t)
	f.seedFailed(t, domain.TxStatusFailedNonceTooLow, 1, []domain.UnsettledDebit{chainDebit(60)})

	// One retry used out of three: the scheduler still owns this row.
	n, err := f.comp.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	m, err := f.metaStore.GetByUUID(context.Background(), testUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusFailedNonceTooLow, m.Status)
}

func TestCompensator_ClaimsExhaustedRetryableFailure(t *testing.T) {
	f := newFixture(t)
	f.seedFailed(t, domain.TxStatusFailedNodeUnreachable, 3, []domain.UnsettledDebit{chainDebit(60)})

	n, err := f.comp.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(100), f.pessimistic(t))
}

func TestCompensator_SkipsLockedRows(t *testing.T) {
	f := newFixture(t)
	f.seedFailed(t, domain.TxStatusFailedMissingData, 0, []domain.UnsettledDebit{chainDebit(60)})
	require.NoError(t, f.metaStore.AcquireLock(context.Background(), testUUID, "other-owner"))

	n, err := f.comp.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(40), f.pessimistic(t))
}

func TestCompensator_ClaimsRowAbandonedByDeadHolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	require.NoError(t, f.ledger.ApplyDelta(ctx, testKey, domain.LedgerDelta{ChainSettled: big.NewInt(100)}))
	debit := chainDebit(60)
	require.NoError(t, f.ledger.ApplyDelta(ctx, testKey, debit.Delta()))

	// A holder locked the failed row and died before settling it; the lease
	// has long expired. Without the takeover the reservation would be held
	// forever.
	deadLock := "dead-holder"
	staleSince := now - 2*memory.DefaultLockLease.Milliseconds()
	require.NoError(t, f.metaStore.Insert(ctx, &domain.TransactionMeta{
		TransactionUUID: testUUID,
		TokenID:         "token-1",
		SenderAddress:   testSender,
		Status:          domain.TxStatusFailedMissingData,
		LockID:          &deadLock,
		LockAcquiredAt:  &staleSince,
		NextActionAt:    now - 1000,
		CreatedAt:       staleSince,
		UpdatedAt:       staleSince,
	}))
	require.NoError(t, f.pendingStore.Insert(ctx, &domain.PendingTransaction{
		TransactionUUID: testUUID,
		TokenID:         "token-1",
		SenderAddress:   testSender,
		Payload:         []byte("payload"),
		UnsettledDebits: []domain.UnsettledDebit{debit},
		CreatedAt:       staleSince,
	}))
	require.Equal(t, int64(40), f.pessimistic(t))

	n, err := f.comp.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(100), f.pessimistic(t), "the dead holder's reservation is released")

	m, err := f.metaStore.GetByUUID(ctx, testUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusTerminallyFailed, m.Status)
}

func TestCompensator_NotifierFailureDoesNotBlockSettlement(t *testing.T) {
	f := newFixture(t)
	f.notifier.fail = true
	f.seedFailed(t, domain.TxStatusFailedMissingData, 0, []domain.UnsettledDebit{chainDebit(60)})

	n, err := f.comp.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(100), f.pessimistic(t))
}

func TestCompensator_ArchiveFailureDoesNotBlockSettlement(t *testing.T) {
	f := newFixture(t)
	f.archive.fail = true
	f.seedFailed(t, domain.TxStatusFailedMissingData, 0, []domain.UnsettledDebit{chainDebit(60)})

	n, err := f.comp.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(100), f.pessimistic(t))
}

func TestCompensator_MissingPendingRecordStillSettlesRow(t *testing.T) {
	f := newFixture(t)
	f.seedFailed(t, domain.TxStatusFailedMissingData, 0, []domain.UnsettledDebit{chainDebit(60)})
	require.NoError(t, f.pendingStore.Delete(context.Background(), testUUID))

	n, err := f.comp.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err := f.metaStore.GetByUUID(context.Background(), testUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusTerminallyFailed, m.Status)

	// Nothing to reverse: the balance keeps the original reservation.
	assert.Equal(t, int64(40), f.pessimistic(t))
}
