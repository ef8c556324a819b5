// Package ledger implements the pessimistic balance ledger: conditional
// atomic delta application and the advisory fast-path balance check.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"tokenrail/internal/domain"
	"tokenrail/internal/observability"
	"tokenrail/internal/storage"
)

// ErrInsufficientFunds is returned when a debit would exceed the account's
// pessimistic settled balance.
var ErrInsufficientFunds = errors.New("insufficient funds")

// BalanceCache is the optional read-through cache consulted by
// FastPathCheck and invalidated after every successful write.
type BalanceCache interface {
	GetPessimistic(ctx context.Context, key domain.LedgerKey) (*big.Int, bool, error)
	SetPessimistic(ctx context.Context, key domain.LedgerKey, value *big.Int) error
	Invalidate(ctx context.Context, key domain.LedgerKey) error
}

// invalidateTimeout bounds the asynchronous cache invalidation that follows
// a successful write.
const invalidateTimeout = 5 * time.Second

// Ledger is the balance ledger service.
type Ledger struct {
	store   storage.LedgerStore
	cache   BalanceCache           // may be nil
	metrics *observability.Metrics // may be nil
	logger  *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMetrics attaches write and cache-lookup instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// New creates a Ledger. cache may be nil, disabling the fast path.
func New(store storage.LedgerStore, cache BalanceCache, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{store: store, cache: cache, logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ApplyDelta applies signed deltas to the entry for key. When the delta
// reserves new pessimistic spend (positive unsettled-debit sum), the write
// is a single conditional update requiring the pre-write pessimistic balance
// to cover the reservation; on a failed condition nothing is applied and
// ErrInsufficientFunds is returned. The derived pessimistic balance is
// recomputed inside the same atomic write by the store.
func (l *Ledger) ApplyDelta(ctx context.Context, key domain.LedgerKey, delta domain.LedgerDelta) error {
	if delta.IsZero() {
		return nil
	}

	var minPessimistic *big.Int
	if reserve := delta.NewUnsettledDebits(); reserve.Sign() > 0 {
		minPessimistic = reserve
	}

	if err := l.store.ApplyDelta(ctx, key, delta, minPessimistic); err != nil {
		if errors.Is(err, storage.ErrPreconditionFailed) {
			l.observeWrite("insufficient_funds")
			return ErrInsufficientFunds
		}
		l.observeWrite("error")
		return fmt.Errorf("apply ledger delta: %w", err)
	}

	l.observeWrite("applied")
	l.invalidateAsync(key)
	return nil
}

// FastPathCheck is a best-effort, cache-backed pre-check for a prospective
// debit of amount. An ErrInsufficientFunds result lets callers skip the
// store write entirely; a nil result is advisory only and must still be
// re-validated by the conditional write.
func (l *Ledger) FastPathCheck(ctx context.Context, key domain.LedgerKey, amount *big.Int) error {
	if l.cache == nil || amount == nil || amount.Sign() <= 0 {
		return nil
	}

	balance, ok, err := l.cache.GetPessimistic(ctx, key)
	if err != nil {
		// Cache trouble never blocks admission; the conditional write decides.
		l.observeCacheLookup("error")
		l.logger.Warn("balance cache read failed", zap.Error(err))
		return nil
	}

	if ok {
		l.observeCacheLookup("hit")
	} else {
		l.observeCacheLookup("miss")
		entry, err := l.store.Get(ctx, key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			balance = new(big.Int)
		case err != nil:
			l.logger.Warn("ledger read-through failed", zap.Error(err))
			return nil
		default:
			balance = entry.PessimisticSettled
		}

		if err := l.cache.SetPessimistic(ctx, key, balance); err != nil {
			l.logger.Warn("balance cache populate failed", zap.Error(err))
		}
	}

	if balance.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// Get returns the current ledger entry for key.
func (l *Ledger) Get(ctx context.Context, key domain.LedgerKey) (*domain.LedgerEntry, error) {
	return l.store.Get(ctx, key)
}

func (l *Ledger) observeWrite(outcome string) {
	if l.metrics != nil {
		l.metrics.LedgerWrites.WithLabelValues(outcome).Inc()
	}
}

func (l *Ledger) observeCacheLookup(result string) {
	if l.metrics != nil {
		l.metrics.BalanceCacheHits.WithLabelValues(result).Inc()
	}
}

// invalidateAsync drops the cache entry for key without blocking the write
// path. Failure is logged, not fatal: the entry's TTL bounds the staleness
// window.
func (l *Ledger) invalidateAsync(key domain.LedgerKey) {
	if l.cache == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
		defer cancel()
		if err := l.cache.Invalidate(ctx, key); err != nil {
			l.logger.Warn("balance cache invalidation failed",
				zap.String("account", key.AccountAddress),
				zap.String("asset", key.AssetAddress),
				zap.Error(err))
		}
	}()
}
