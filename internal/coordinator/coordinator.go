// Package coordinator implements the worker hold/resume protocol: an
// explicit Normal/Blocking/OnHold state machine per worker slot, guarded by
// version-stamped compare-and-set writes and driven by asynchronous control
// commands over the message bus.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tokenrail/internal/domain"
	"tokenrail/internal/observability"
	"tokenrail/internal/storage"
)

// CommandPublisher publishes one worker-control command to the pool's
// control topic.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, cmd domain.WorkerCommand) error
}

// IntakeController pauses and resumes queue consumption for this worker.
// In-flight items drain to completion either way.
type IntakeController interface {
	Pause()
	Resume()
}

// casMaxAttempts bounds status compare-and-set retries under concurrently
// delivered commands.
const casMaxAttempts = 5

// DefaultReleaseDelay is the fixed pause between announcing the cleared
// blocking state and telling siblings to re-check it. It exists to let the
// state write settle before dependent workers re-read it; it is an
// anti-race delay, not a timeout.
const DefaultReleaseDelay = 2 * time.Second

// Coordinator runs the state machine for one worker slot.
type Coordinator struct {
	store        storage.WorkerStateStore
	publisher    CommandPublisher
	intake       IntakeController
	tokenID      string
	slotID       string
	queueID      string
	releaseDelay time.Duration
	metrics      *observability.Metrics // may be nil
	logger       *zap.Logger
}

// Options for creating a Coordinator.
type Options struct {
	Store        storage.WorkerStateStore
	Publisher    CommandPublisher
	Intake       IntakeController
	TokenID      string
	WorkerSlotID string
	QueueID      string
	ReleaseDelay time.Duration // DefaultReleaseDelay if zero
	Metrics      *observability.Metrics
	Logger       *zap.Logger
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	if opts.ReleaseDelay <= 0 {
		opts.ReleaseDelay = DefaultReleaseDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Coordinator{
		store:        opts.Store,
		publisher:    opts.Publisher,
		intake:       opts.Intake,
		tokenID:      opts.TokenID,
		slotID:       opts.WorkerSlotID,
		queueID:      opts.QueueID,
		releaseDelay: opts.ReleaseDelay,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
	}
}

// Register records this slot as Normal with its queue assignment.
// Called once at worker startup.
func (c *Coordinator) Register(ctx context.Context) error {
	queueID := c.queueID
	err := c.store.Register(ctx, &domain.WorkerProcessState{
		TokenID:         c.tokenID,
		WorkerSlotID:    c.slotID,
		Status:          domain.WorkerNormal,
		AssignedQueueID: &queueID,
	})
	if err != nil {
		return fmt.Errorf("register worker slot: %w", err)
	}
	return nil
}

// BeginBlocking marks this slot Blocking and tells every sibling to go on
// hold. It must be called before the condition that motivated it becomes
// unsafe: a sibling may still process one in-flight item after the command
// is sent.
func (c *Coordinator) BeginBlocking(ctx context.Context) error {
	if err := c.casOwnStatus(ctx, domain.WorkerNormal, domain.WorkerBlocking); err != nil {
		return fmt.Errorf("enter blocking state: %w", err)
	}

	if err := c.broadcast(ctx, domain.CommandGoOnHold); err != nil {
		return fmt.Errorf("broadcast hold command: %w", err)
	}

	c.logger.Info("worker blocking", zap.String("slot", c.slotID))
	return nil
}

// EndBlocking clears this slot's Blocking state and walks siblings back to
// Normal: first the state announcement, then, after the fixed release
// delay, the resume command.
func (c *Coordinator) EndBlocking(ctx context.Context) error {
	if err := c.casOwnStatus(ctx, domain.WorkerBlocking, domain.WorkerNormal); err != nil {
		return fmt.Errorf("leave blocking state: %w", err)
	}

	if err := c.broadcast(ctx, domain.CommandMarkBlockingToOriginalStatus); err != nil {
		return fmt.Errorf("broadcast unblock announcement: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.releaseDelay):
	}

	if err := c.broadcast(ctx, domain.CommandGoToOriginal); err != nil {
		return fmt.Errorf("broadcast resume command: %w", err)
	}

	c.logger.Info("worker unblocked", zap.String("slot", c.slotID))
	return nil
}

// HandleCommand applies one control command addressed to this slot.
// Commands for other slots or tokens are ignored.
func (c *Coordinator) HandleCommand(ctx context.Context, cmd domain.WorkerCommand) error {
	if cmd.TokenID != c.tokenID || cmd.WorkerSlotID != c.slotID {
		return nil
	}

	switch cmd.CommandKind {
	case domain.CommandGoOnHold:
		return c.handleGoOnHold(ctx)
	case domain.CommandGoToOriginal:
		return c.handleGoToOriginal(ctx)
	case domain.CommandMarkBlockingToOriginalStatus:
		return c.handleMarkBlockingToOriginal(ctx)
	default:
		return fmt.Errorf("unknown command kind %q", cmd.CommandKind)
	}
}

// handleGoOnHold pauses intake iff some sibling actually holds Blocking.
func (c *Coordinator) handleGoOnHold(ctx context.Context) error {
	own, err := c.store.Get(ctx, c.tokenID, c.slotID)
	if err != nil {
		return fmt.Errorf("read own state: %w", err)
	}
	if own.Status != domain.WorkerNormal {
		return nil
	}

	blocking, err := c.anySiblingBlocking(ctx)
	if err != nil {
		return err
	}
	if !blocking {
		// Stale command: the blocker already cleared out.
		return nil
	}

	if err := c.casOwnStatus(ctx, domain.WorkerNormal, domain.WorkerOnHold); err != nil {
		return fmt.Errorf("enter on-hold state: %w", err)
	}
	c.intake.Pause()
	c.setIntakePaused(true)
	c.logger.Info("worker on hold", zap.String("slot", c.slotID))
	return nil
}

// handleGoToOriginal resumes intake only once no sibling holds Blocking.
func (c *Coordinator) handleGoToOriginal(ctx context.Context) error {
	own, err := c.store.Get(ctx, c.tokenID, c.slotID)
	if err != nil {
		return fmt.Errorf("read own state: %w", err)
	}
	if own.Status != domain.WorkerOnHold {
		return nil
	}

	blocking, err := c.anySiblingBlocking(ctx)
	if err != nil {
		return err
	}
	if blocking {
		// Another sibling is still blocking; stay on hold until its own
		// release sequence arrives.
		return nil
	}

	if err := c.casOwnStatus(ctx, domain.WorkerOnHold, domain.WorkerNormal); err != nil {
		return fmt.Errorf("leave on-hold state: %w", err)
	}
	c.intake.Resume()
	c.setIntakePaused(false)
	c.logger.Info("worker resumed", zap.String("slot", c.slotID))
	return nil
}

// handleMarkBlockingToOriginal clears a remotely-set Blocking state.
func (c *Coordinator) handleMarkBlockingToOriginal(ctx context.Context) error {
	own, err := c.store.Get(ctx, c.tokenID, c.slotID)
	if err != nil {
		return fmt.Errorf("read own state: %w", err)
	}
	if own.Status != domain.WorkerBlocking {
		return nil
	}

	if err := c.casOwnStatus(ctx, domain.WorkerBlocking, domain.WorkerNormal); err != nil {
		return fmt.Errorf("clear blocking state: %w", err)
	}
	return nil
}

// anySiblingBlocking reports whether any other slot in the pool holds
// Blocking.
func (c *Coordinator) anySiblingBlocking(ctx context.Context) (bool, error) {
	pool, err := c.store.ListPool(ctx, c.tokenID)
	if err != nil {
		return false, fmt.Errorf("list worker pool: %w", err)
	}
	for _, st := range pool {
		if st.WorkerSlotID != c.slotID && st.Status == domain.WorkerBlocking {
			return true, nil
		}
	}
	return false, nil
}

// casOwnStatus transitions this slot from `from` to `to`, re-reading and
// retrying on version conflicts. A conflicting write that moved the slot
// away from `from` aborts the transition.
func (c *Coordinator) casOwnStatus(ctx context.Context, from, to domain.WorkerStatus) error {
	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		own, err := c.store.Get(ctx, c.tokenID, c.slotID)
		if err != nil {
			return fmt.Errorf("read own state: %w", err)
		}
		if own.Status != from {
			return fmt.Errorf("slot %s is %s, expected %s", c.slotID, own.Status, from)
		}

		err = c.store.CompareAndSetStatus(ctx, c.tokenID, c.slotID, own.Version, to, own.AssignedQueueID)
		if err == nil {
			if c.metrics != nil {
				c.metrics.WorkerTransitions.WithLabelValues(string(to)).Inc()
			}
			return nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return fmt.Errorf("write own state: %w", err)
		}
	}
	return fmt.Errorf("status transition %s→%s: %w", from, to, storage.ErrVersionConflict)
}

func (c *Coordinator) setIntakePaused(paused bool) {
	if c.metrics == nil {
		return
	}
	if paused {
		c.metrics.IntakePaused.Set(1)
	} else {
		c.metrics.IntakePaused.Set(0)
	}
}

// broadcast sends the command to every sibling slot in the pool.
func (c *Coordinator) broadcast(ctx context.Context, kind string) error {
	pool, err := c.store.ListPool(ctx, c.tokenID)
	if err != nil {
		return fmt.Errorf("list worker pool: %w", err)
	}

	for _, st := range pool {
		if st.WorkerSlotID == c.slotID {
			continue
		}
		cmd := domain.WorkerCommand{
			WorkerSlotID: st.WorkerSlotID,
			TokenID:      c.tokenID,
			CommandKind:  kind,
		}
		if err := c.publisher.PublishCommand(ctx, cmd); err != nil {
			return fmt.Errorf("publish %s to %s: %w", kind, st.WorkerSlotID, err)
		}
	}
	return nil
}

// DecodeCommand parses a control-topic message body.
func DecodeCommand(data []byte) (domain.WorkerCommand, error) {
	var cmd domain.WorkerCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return domain.WorkerCommand{}, fmt.Errorf("decode worker command: %w", err)
	}
	return cmd, nil
}
