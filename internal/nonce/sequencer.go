// Package nonce implements per-address nonce sequencing: strictly ordered,
// collision-free issuance shared by concurrently running workers, with
// rollback on non-consumption so no nonce is ever skipped for good.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tokenrail/internal/observability"
)

// ErrNodeUnavailable is returned when the authoritative chain nonce cannot
// be refreshed. The caller's ticket is not consumed; the same caller
// retries.
var ErrNodeUnavailable = errors.New("chain node unavailable")

// NonceReader reads the chain-observed next nonce for an address.
type NonceReader interface {
	GetAddressNonce(ctx context.Context, address string) (uint64, error)
}

// Sequencer issues nonces through a per-address ticket queue. A caller
// blocks (cooperatively, on a channel) until its ticket reaches the head,
// reserves the greater of the chain-observed nonce and the cached successor
// of the last issued one, then releases the next ticket. Ordering is
// per-address, never global.
type Sequencer struct {
	chain   NonceReader
	metrics *observability.Metrics // may be nil
	logger  *zap.Logger

	mu    sync.Mutex
	addrs map[string]*addressState
}

// SequencerOption configures a Sequencer.
type SequencerOption func(*Sequencer)

// WithMetrics attaches issuance and rollback instrumentation.
func WithMetrics(m *observability.Metrics) SequencerOption {
	return func(s *Sequencer) {
		s.metrics = m
	}
}

// addressState is the serialization state for one sending address.
type addressState struct {
	busy    bool            // a caller currently holds the head
	waiters []chan struct{} // FIFO of blocked tickets
	next    *uint64         // cached successor of the last reserved nonce
	inUse   int             // reservations not yet released
}

// NewSequencer creates a Sequencer reading authoritative nonces from chain.
func NewSequencer(chain NonceReader, logger *zap.Logger, opts ...SequencerOption) *Sequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sequencer{
		chain:  chain,
		logger: logger,
		addrs:  make(map[string]*addressState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reservation is one issued nonce awaiting a consumption report.
type Reservation struct {
	Nonce   uint64
	address string
	seq     *Sequencer

	once sync.Once
}

// GetNonce reserves the next nonce for address. The returned reservation
// must be released exactly once with the consumption outcome.
func (s *Sequencer) GetNonce(ctx context.Context, address string) (*Reservation, error) {
	start := time.Now()
	st := s.acquireTicket(address)
	if st == nil {
		// Ticket is queued; wait for the head to reach us.
		var err error
		st, err = s.waitTicket(ctx, address)
		if err != nil {
			return nil, err
		}
	}
	if s.metrics != nil {
		s.metrics.NonceWaitDuration.Observe(time.Since(start).Seconds())
	}

	// Head of the queue: this goroutine is the single writer for address.
	observed, err := s.chain.GetAddressNonce(ctx, address)
	if err != nil {
		s.mu.Lock()
		s.releaseHeadLocked(st)
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
	}

	s.mu.Lock()
	n := observed
	if st.next != nil && *st.next > n {
		n = *st.next
	}
	succ := n + 1
	st.next = &succ
	st.inUse++
	s.releaseHeadLocked(st)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.NoncesIssued.Inc()
	}
	return &Reservation{Nonce: n, address: address, seq: s}, nil
}

// Release reports the consumption outcome. consumed=false means the
// submission failed before broadcast: the cached successor rolls back so
// the same nonce is reissued. Rollback is cumulative across a burst of
// failures: the lowest unconsumed nonce wins.
func (r *Reservation) Release(consumed bool) {
	r.once.Do(func() {
		s := r.seq
		s.mu.Lock()
		defer s.mu.Unlock()

		st := s.addrs[r.address]
		if st == nil {
			return
		}
		st.inUse--
		if !consumed && st.next != nil && *st.next > r.Nonce {
			v := r.Nonce
			st.next = &v
			if s.metrics != nil {
				s.metrics.NonceRollbacks.Inc()
			}
			s.logger.Debug("nonce rolled back for reissue",
				zap.String("address", r.address), zap.Uint64("nonce", r.Nonce))
		}
	})
}

// ResetIdle drops the cached successor for every address with no head
// holder, no waiters and no outstanding reservations, forcing the next
// issuance to trust the chain-observed nonce. Called when a new head is
// announced, so nonces consumed outside this process are picked up.
func (s *Sequencer) ResetIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.addrs {
		if !st.busy && len(st.waiters) == 0 && st.inUse == 0 {
			st.next = nil
		}
	}
}

// acquireTicket takes the head immediately when the address is idle,
// returning its state; otherwise it returns nil after queuing nothing
// (waitTicket enqueues).
func (s *Sequencer) acquireTicket(address string) *addressState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.addrs[address]
	if st == nil {
		st = &addressState{}
		s.addrs[address] = st
	}
	if !st.busy {
		st.busy = true
		return st
	}
	return nil
}

// waitTicket enqueues a ticket and blocks until it reaches the head or ctx
// ends. On cancellation the ticket is withdrawn; if the head was already
// handed to us, it is passed straight to the next waiter.
func (s *Sequencer) waitTicket(ctx context.Context, address string) (*addressState, error) {
	s.mu.Lock()
	st := s.addrs[address]
	if !st.busy {
		// The head freed up between acquireTicket and here.
		st.busy = true
		s.mu.Unlock()
		return st, nil
	}
	ch := make(chan struct{})
	st.waiters = append(st.waiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return st, nil
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case <-ch:
			// The head reached us concurrently with cancellation; pass it on.
			s.releaseHeadLocked(st)
		default:
			for i, w := range st.waiters {
				if w == ch {
					st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
					break
				}
			}
		}
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// releaseHeadLocked hands the head to the next waiter, or marks the address
// idle. Callers hold s.mu.
func (s *Sequencer) releaseHeadLocked(st *addressState) {
	if len(st.waiters) > 0 {
		ch := st.waiters[0]
		st.waiters = st.waiters[1:]
		close(ch)
		return
	}
	st.busy = false
}
