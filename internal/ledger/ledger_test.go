package ledger

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
	"tokenrail/internal/storage"
	"tokenrail/internal/storage/memory"
)

func bi(v int64) *big.Int { return big.NewInt(v) }

var testKey = domain.LedgerKey{AccountAddress: "acct-1", AssetAddress: "asset-1"}

// fund seeds the entry with a settled chain balance.
func fund(t *testing.T, l *Ledger, key domain.LedgerKey, amount int64) {
	t.Helper()
	err := l.ApplyDelta(context.Background(), key, domain.LedgerDelta{ChainSettled: bi(amount)})
	require.NoError(t, err)
}

func TestLedger_DebitWithinBalance(t *testing.T) {
	l := New(memory.NewLedgerStore(), nil, nil)
	ctx := context.Background()
	fund(t, l, testKey, 100)

	err := l.ApplyDelta(ctx, testKey, domain.DebitDelta(domain.RailChain, bi(60)))
	require.NoError(t, err)

	entry, err := l.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(40), entry.PessimisticSettled.Int64())
	assert.Equal(t, int64(100), entry.ChainSettled.Int64())
	assert.Equal(t, int64(60), entry.ChainUnsettledDebits.Int64())
}

func TestLedger_OverdraftRejectedAndUnchanged(t *testing.T) {
	l := New(memory.NewLedgerStore(), nil, nil)
	ctx := context.Background()
	fund(t, l, testKey, 100)

	require.NoError(t, l.ApplyDelta(ctx, testKey, domain.DebitDelta(domain.RailChain, bi(60))))

	// Balance is now 40; a debit of 50 must fail and leave every field alone.
	err := l.ApplyDelta(ctx, testKey, domain.DebitDelta(domain.RailChain, bi(50)))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	entry, err := l.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(40), entry.PessimisticSettled.Int64())
	assert.Equal(t, int64(60), entry.ChainUnsettledDebits.Int64())
}

func TestLedger_RollbackRestoresBalance(t *testing.T) {
	l := New(memory.NewLedgerStore(), nil, nil)
	ctx := context.Background()
	fund(t, l, testKey, 100)

	debit := domain.DebitDelta(domain.RailChain, bi(60))
	require.NoError(t, l.ApplyDelta(ctx, testKey, debit))
	require.NoError(t, l.ApplyDelta(ctx, testKey, debit.Negate()))

	entry, err := l.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(100), entry.PessimisticSettled.Int64())
	assert.Equal(t, int64(0), entry.ChainUnsettledDebits.Int64())

	// The freed balance is spendable again.
	require.NoError(t, l.ApplyDelta(ctx, testKey, domain.DebitDelta(domain.RailChain, bi(100))))
}

func TestLedger_DebitAgainstMissingEntryFails(t *testing.T) {
	l := New(memory.NewLedgerStore(), nil, nil)

	err := l.ApplyDelta(context.Background(), testKey, domain.DebitDelta(domain.RailChain, bi(1)))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = l.Get(context.Background(), testKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLedger_ZeroDeltaIsNoOp(t *testing.T) {
	l := New(memory.NewLedgerStore(), nil, nil)

	require.NoError(t, l.ApplyDelta(context.Background(), testKey, domain.LedgerDelta{}))

	_, err := l.Get(context.Background(), testKey)
	assert.ErrorIs(t, err, storage.ErrNotFound, "zero delta must not create an entry")
}

// TestLedger_Conservation replays every applied delta from zero and checks
// the stored pessimistic balance always matches the recomputed one.
func TestLedger_Conservation(t *testing.T) {
	l := New(memory.NewLedgerStore(), nil, nil)
	ctx := context.Background()

	deltas := []domain.LedgerDelta{
		{ChainSettled: bi(1000)},
		{CreditSettled: bi(250)},
		domain.DebitDelta(domain.RailChain, bi(300)),
		domain.DebitDelta(domain.RailCredit, bi(100)),
		domain.DebitDelta(domain.RailChain, bi(300)).Negate(),
		{ChainSettled: bi(-200)},
		domain.DebitDelta(domain.RailChain, bi(500)),
	}

	replayed := new(big.Int)
	for i, delta := range deltas {
		require.NoError(t, l.ApplyDelta(ctx, testKey, delta), "delta %d", i)
		replayed.Add(replayed, delta.PessimisticDelta())

		entry, err := l.Get(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, replayed.String(), entry.PessimisticSettled.String(), "after delta %d", i)

		derived := new(big.Int).Add(
			new(big.Int).Sub(entry.ChainSettled, entry.ChainUnsettledDebits),
			new(big.Int).Sub(entry.CreditSettled, entry.CreditUnsettledDebits),
		)
		assert.Equal(t, derived.String(), entry.PessimisticSettled.String(), "derived invariant after delta %d", i)
	}
}

func TestLedger_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	l := New(memory.NewLedgerStore(), nil, nil)
	ctx := context.Background()
	fund(t, l, testKey, 100)

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.ApplyDelta(ctx, testKey, domain.DebitDelta(domain.RailChain, bi(30))); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 100 covers exactly three debits of 30.
	assert.Equal(t, 3, succeeded)

	entry, err := l.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(10), entry.PessimisticSettled.Int64())
}

// stubCache is an in-memory BalanceCache recording invalidations.
type stubCache struct {
	mu          sync.Mutex
	values      map[domain.LedgerKey]*big.Int
	invalidated int
	failReads   bool
}

func newStubCache() *stubCache {
	return &stubCache{values: make(map[domain.LedgerKey]*big.Int)}
}

func (c *stubCache) GetPessimistic(_ context.Context, key domain.LedgerKey) (*big.Int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failReads {
		return nil, false, errors.New("cache down")
	}
	v, ok := c.values[key]
	if !ok {
		return nil, false, nil
	}
	return new(big.Int).Set(v), true, nil
}

func (c *stubCache) SetPessimistic(_ context.Context, key domain.LedgerKey, value *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = new(big.Int).Set(value)
	return nil
}

func (c *stubCache) Invalidate(_ context.Context, key domain.LedgerKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	c.invalidated++
	return nil
}

func (c *stubCache) invalidations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidated
}

func TestLedger_FastPathCheck(t *testing.T) {
	store := memory.NewLedgerStore()
	cache := newStubCache()
	l := New(store, cache, nil)
	ctx := context.Background()
	fund(t, l, testKey, 100)

	// Wait out the async invalidation from funding.
	require.Eventually(t, func() bool { return cache.invalidations() >= 1 },
		time.Second, 10*time.Millisecond)

	// Miss populates the cache from the store.
	require.NoError(t, l.FastPathCheck(ctx, testKey, bi(50)))
	_, ok, err := cache.GetPessimistic(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, ok, "read-through must populate the cache")

	// A hopeless amount is rejected without touching the store.
	err = l.FastPathCheck(ctx, testKey, bi(101))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// Unknown accounts check against a zero balance.
	other := domain.LedgerKey{AccountAddress: "acct-2", AssetAddress: "asset-1"}
	err = l.FastPathCheck(ctx, other, bi(1))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestLedger_FastPathCheck_CacheFailureIsAdvisory(t *testing.T) {
	cache := newStubCache()
	cache.failReads = true
	l := New(memory.NewLedgerStore(), cache, nil)

	// A broken cache never blocks admission.
	assert.NoError(t, l.FastPathCheck(context.Background(), testKey, bi(10)))
}

func TestLedger_WriteInvalidatesCache(t *testing.T) {
	cache := newStubCache()
	l := New(memory.NewLedgerStore(), cache, nil)
	ctx := context.Background()

	require.NoError(t, cache.SetPessimistic(ctx, testKey, bi(999)))
	fund(t, l, testKey, 100)

	require.Eventually(t, func() bool {
		_, ok, _ := cache.GetPessimistic(ctx, testKey)
		return !ok
	}, time.Second, 10*time.Millisecond, "write must invalidate the cached balance")
}
