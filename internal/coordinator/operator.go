package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tokenrail/internal/domain"
	"tokenrail/internal/storage"
)

// DefaultDrainWait is how long de-association waits for a vacating worker's
// in-flight item to finish before freeing the slot.
const DefaultDrainWait = 10 * time.Second

// MessagePublisher is the bus surface the control-topic adapters need.
type MessagePublisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// TopicPublisher publishes worker commands to a fixed control topic, keyed
// by slot so each worker's commands stay ordered.
type TopicPublisher struct {
	Publisher MessagePublisher
	Topic     string
}

// Compile-time interface check.
var _ CommandPublisher = TopicPublisher{}

// PublishCommand publishes one command.
func (t TopicPublisher) PublishCommand(ctx context.Context, cmd domain.WorkerCommand) error {
	value, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode worker command: %w", err)
	}
	if err := t.Publisher.Publish(ctx, t.Topic, []byte(cmd.WorkerSlotID), value); err != nil {
		return fmt.Errorf("publish worker command: %w", err)
	}
	return nil
}

// Operator drives pool-level worker operations from outside the pool:
// manual hold/resume and de-association. It acts on the shared state store
// and control topic, never on a worker's process directly.
type Operator struct {
	store        storage.WorkerStateStore
	publisher    CommandPublisher
	releaseDelay time.Duration
	drainWait    time.Duration
	logger       *zap.Logger
}

// OperatorOptions for creating an Operator.
type OperatorOptions struct {
	Store        storage.WorkerStateStore
	Publisher    CommandPublisher
	ReleaseDelay time.Duration // DefaultReleaseDelay if zero
	DrainWait    time.Duration // DefaultDrainWait if zero
	Logger       *zap.Logger
}

// NewOperator creates an Operator.
func NewOperator(opts OperatorOptions) *Operator {
	if opts.ReleaseDelay <= 0 {
		opts.ReleaseDelay = DefaultReleaseDelay
	}
	if opts.DrainWait <= 0 {
		opts.DrainWait = DefaultDrainWait
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Operator{
		store:        opts.Store,
		publisher:    opts.Publisher,
		releaseDelay: opts.ReleaseDelay,
		drainWait:    opts.DrainWait,
		logger:       opts.Logger,
	}
}

// SendCommand publishes one control command to a single slot.
func (o *Operator) SendCommand(ctx context.Context, tokenID, workerSlotID, kind string) error {
	return o.publisher.PublishCommand(ctx, domain.WorkerCommand{
		WorkerSlotID: workerSlotID,
		TokenID:      tokenID,
		CommandKind:  kind,
	})
}

// DeassociateWorker removes the given slots from the pool. Each slot is
// forced to Blocking first so no sibling starts new work against the
// addresses it is vacating, in-flight items are given the drain window,
// then the slots are returned to the free pool and the remaining siblings
// are walked through the hold/resume sequence.
func (o *Operator) DeassociateWorker(ctx context.Context, tokenID string, workerSlotIDs []string) error {
	if len(workerSlotIDs) == 0 {
		return nil
	}
	vacating := make(map[string]bool, len(workerSlotIDs))
	for _, id := range workerSlotIDs {
		vacating[id] = true
	}

	for _, slotID := range workerSlotIDs {
		if err := o.forceStatus(ctx, tokenID, slotID, domain.WorkerBlocking, keepQueue); err != nil {
			return fmt.Errorf("mark %s blocking: %w", slotID, err)
		}
	}

	if err := o.broadcastToRemaining(ctx, tokenID, vacating, domain.CommandGoOnHold); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(o.drainWait):
	}

	for _, slotID := range workerSlotIDs {
		if err := o.forceStatus(ctx, tokenID, slotID, domain.WorkerNormal, clearQueue); err != nil {
			return fmt.Errorf("free slot %s: %w", slotID, err)
		}
	}

	if err := o.broadcastToRemaining(ctx, tokenID, vacating, domain.CommandMarkBlockingToOriginalStatus); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(o.releaseDelay):
	}
	if err := o.broadcastToRemaining(ctx, tokenID, vacating, domain.CommandGoToOriginal); err != nil {
		return err
	}

	o.logger.Info("workers de-associated",
		zap.String("token", tokenID), zap.Strings("slots", workerSlotIDs))
	return nil
}

// queueMode controls what forceStatus does with the slot's queue assignment.
type queueMode int

const (
	keepQueue queueMode = iota
	clearQueue
)

// forceStatus writes the status regardless of the slot's current one,
// retrying through version conflicts.
func (o *Operator) forceStatus(ctx context.Context, tokenID, slotID string, status domain.WorkerStatus, mode queueMode) error {
	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		st, err := o.store.Get(ctx, tokenID, slotID)
		if err != nil {
			return fmt.Errorf("read slot state: %w", err)
		}

		queueID := st.AssignedQueueID
		if mode == clearQueue {
			queueID = nil
		}

		err = o.store.CompareAndSetStatus(ctx, tokenID, slotID, st.Version, status, queueID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return fmt.Errorf("write slot state: %w", err)
		}
	}
	return fmt.Errorf("force status %s: %w", status, storage.ErrVersionConflict)
}

// broadcastToRemaining sends the command to every pool slot not being
// vacated.
func (o *Operator) broadcastToRemaining(ctx context.Context, tokenID string, vacating map[string]bool, kind string) error {
	pool, err := o.store.ListPool(ctx, tokenID)
	if err != nil {
		return fmt.Errorf("list worker pool: %w", err)
	}
	for _, st := range pool {
		if vacating[st.WorkerSlotID] {
			continue
		}
		cmd := domain.WorkerCommand{
			WorkerSlotID: st.WorkerSlotID,
			TokenID:      tokenID,
			CommandKind:  kind,
		}
		if err := o.publisher.PublishCommand(ctx, cmd); err != nil {
			return fmt.Errorf("publish %s to %s: %w", kind, st.WorkerSlotID, err)
		}
	}
	return nil
}
