// Package memory provides the in-process queue broker used by the scheduler.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/metrics"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/studio"
)

// DeadLetterFunc receives tasks that left the topology without completing:
// redelivery budget exhausted, or canceled before any claim. The kind is the
// typed cause; reason is human-readable detail.
type DeadLetterFunc func(ctx context.Context, task studio.Task, kind studio.FailureKind, reason string)

// Config controls broker behavior. Lease timeout, retry budget, and
// redelivery backoff are explicit, versioned configuration, not broker
// defaults.
type Config struct {
	Queues         []string
	LeaseTimeout   time.Duration
	MaxDeliveries  int
	RedeliveryBase time.Duration
	RedeliveryCap  time.Duration
	ReapInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 30 * time.Second
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 4
	}
	if c.RedeliveryBase <= 0 {
		c.RedeliveryBase = time.Second
	}
	if c.RedeliveryCap <= 0 {
		c.RedeliveryCap = 30 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Second
	}
	return c
}

type taskState struct {
	task       studio.Task
	queue      string
	claimed    bool
	leaseID    string
	workerID   string
	deadline   time.Time
	deliveries int
	notBefore  time.Time
	cancelCh   chan struct{}
	cancelOnce sync.Once
}

func (t *taskState) signalCancel() {
	t.cancelOnce.Do(func() { close(t.cancelCh) })
}

// Broker owns the named queues of the topology. Each task lives in exactly
// one queue; claims are exclusive and lease-bounded, and an expired lease
// makes the task reclaimable (at-least-once delivery).
type Broker struct {
	cfg    Config
	clock  studio.Clock
	logger *zap.Logger

	mu         sync.Mutex
	pending    map[string][]*taskState
	tasks      map[string]*taskState
	deadLetter DeadLetterFunc
}

// NewBroker constructs a broker for the fixed set of queues. The set comes
// from the validated routing table; enqueues against other names fail.
func NewBroker(cfg Config, clock studio.Clock, logger *zap.Logger) (*Broker, error) {
	if len(cfg.Queues) == 0 {
		return nil, fmt.Errorf("broker requires at least one queue")
	}
	cfg = cfg.withDefaults()
	pending := make(map[string][]*taskState, len(cfg.Queues))
	for _, name := range cfg.Queues {
		if name == "" {
			return nil, fmt.Errorf("queue name must not be empty")
		}
		if _, dup := pending[name]; dup {
			return nil, fmt.Errorf("duplicate queue %q", name)
		}
		pending[name] = nil
	}
	return &Broker{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		pending: pending,
		tasks:   make(map[string]*taskState),
	}, nil
}

// SetDeadLetter registers the terminal-failure sink. Must be called before
// Run; the broker invokes it outside its own lock.
func (b *Broker) SetDeadLetter(fn DeadLetterFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetter = fn
}

// Enqueue appends the task to its target queue in FIFO position.
func (b *Broker) Enqueue(_ context.Context, task studio.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[task.TargetQueue]; !ok {
		return fmt.Errorf("enqueue %s: queue %q: %w", task.ID, task.TargetQueue, studio.ErrUnknownQueue)
	}
	if _, dup := b.tasks[task.ID]; dup {
		return fmt.Errorf("task %s already enqueued", task.ID)
	}
	state := &taskState{
		task:     task,
		queue:    task.TargetQueue,
		cancelCh: make(chan struct{}),
	}
	b.tasks[task.ID] = state
	b.pending[task.TargetQueue] = append(b.pending[task.TargetQueue], state)
	metrics.TaskEnqueued(string(task.Kind), task.TargetQueue)
	metrics.SetQueueDepth(task.TargetQueue, len(b.pending[task.TargetQueue]))
	return nil
}

// Dequeue claims up to maxN ready tasks from the queue in FIFO order.
// Tasks inside a redelivery backoff window are skipped, not blocking those
// behind them. Returns an empty slice when nothing is ready.
func (b *Broker) Dequeue(_ context.Context, queue string, maxN int, workerID string) ([]studio.Claim, error) {
	if maxN <= 0 {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list, ok := b.pending[queue]
	if !ok {
		return nil, fmt.Errorf("dequeue from %q: %w", queue, studio.ErrUnknownQueue)
	}

	now := b.clock.Now()
	var claims []studio.Claim
	remaining := list[:0]
	for _, state := range list {
		if len(claims) < maxN && !now.Before(state.notBefore) {
			state.claimed = true
			state.leaseID = uuid.NewString()
			state.workerID = workerID
			state.deadline = now.Add(b.cfg.LeaseTimeout)
			state.deliveries++
			claims = append(claims, studio.Claim{
				Task:     state.task,
				LeaseID:  state.leaseID,
				WorkerID: workerID,
				Deadline: state.deadline,
				Delivery: state.deliveries,
				Canceled: state.cancelCh,
			})
			continue
		}
		remaining = append(remaining, state)
	}
	b.pending[queue] = remaining
	metrics.SetQueueDepth(queue, len(remaining))
	return claims, nil
}

// Ack acknowledges successful completion and removes the task.
func (b *Broker) Ack(_ context.Context, taskID, leaseID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, err := b.heldLocked(taskID, leaseID)
	if err != nil {
		return err
	}
	delete(b.tasks, taskID)
	metrics.TaskSettled(string(state.task.Kind), "acked")
	return nil
}

// Nack reports a transient failure. The task is redelivered after a bounded
// exponential backoff until the delivery budget runs out, then dead-lettered.
func (b *Broker) Nack(ctx context.Context, taskID, leaseID, reason string) error {
	b.mu.Lock()
	state, err := b.heldLocked(taskID, leaseID)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	exhausted := b.requeueOrDropLocked(state, reason)
	b.mu.Unlock()

	if exhausted {
		b.dispatchDeadLetter(ctx, state.task, studio.FailureRetriesExhausted,
			fmt.Sprintf("retries exhausted after %d deliveries: %s", state.deliveries, reason))
	}
	return nil
}

// Cancel removes a pending task before any worker claims it, reporting true.
// A claimed task cannot be withdrawn; the broker signals the claim holder and
// reports false (best effort, observed at the holder's next check).
func (b *Broker) Cancel(ctx context.Context, taskID string) (bool, error) {
	b.mu.Lock()
	state, ok := b.tasks[taskID]
	if !ok {
		b.mu.Unlock()
		return false, fmt.Errorf("cancel %s: %w", taskID, studio.ErrTaskNotFound)
	}
	if state.claimed {
		state.signalCancel()
		b.mu.Unlock()
		return false, nil
	}
	b.removePendingLocked(state)
	delete(b.tasks, taskID)
	metrics.TaskSettled(string(state.task.Kind), "canceled")
	b.mu.Unlock()

	b.dispatchDeadLetter(ctx, state.task, studio.FailureCanceled, "canceled before claim")
	return true, nil
}

// Run drives the lease reaper until the context finishes. Expired leases are
// redelivered under the same bounded-retry policy as Nack.
func (b *Broker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.reap(ctx)
		}
	}
}

func (b *Broker) reap(ctx context.Context) {
	now := b.clock.Now()

	b.mu.Lock()
	var expired []*taskState
	for _, state := range b.tasks {
		if state.claimed && now.After(state.deadline) {
			expired = append(expired, state)
		}
	}
	type drop struct {
		task   studio.Task
		reason string
	}
	var drops []drop
	for _, state := range expired {
		b.logger.Warn("lease expired",
			zap.String("task_id", state.task.ID),
			zap.String("queue", state.queue),
			zap.String("worker_id", state.workerID),
			zap.Int("delivery", state.deliveries),
		)
		metrics.LeaseExpired(state.queue)
		if b.requeueOrDropLocked(state, "lease expired") {
			drops = append(drops, drop{
				task:   state.task,
				reason: fmt.Sprintf("retries exhausted after %d deliveries: lease expired", state.deliveries),
			})
		}
	}
	b.mu.Unlock()

	for _, d := range drops {
		b.dispatchDeadLetter(ctx, d.task, studio.FailureRetriesExhausted, d.reason)
	}
}

// Depth returns the number of unclaimed tasks sitting in the queue.
func (b *Broker) Depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[queue])
}

func (b *Broker) heldLocked(taskID, leaseID string) (*taskState, error) {
	state, ok := b.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, studio.ErrTaskNotFound)
	}
	if !state.claimed || state.leaseID != leaseID {
		return nil, fmt.Errorf("task %s: %w", taskID, studio.ErrLeaseNotHeld)
	}
	return state, nil
}

// requeueOrDropLocked releases the claim and either parks the task for
// redelivery or, when the delivery budget is spent, removes it entirely.
// Reports true when the task was dropped.
func (b *Broker) requeueOrDropLocked(state *taskState, reason string) bool {
	if state.deliveries >= b.cfg.MaxDeliveries {
		delete(b.tasks, state.task.ID)
		metrics.TaskSettled(string(state.task.Kind), "exhausted")
		return true
	}
	state.claimed = false
	state.leaseID = ""
	state.workerID = ""
	state.notBefore = b.clock.Now().Add(b.backoff(state.deliveries))
	b.pending[state.queue] = append(b.pending[state.queue], state)
	metrics.TaskRedelivered(state.queue)
	metrics.SetQueueDepth(state.queue, len(b.pending[state.queue]))
	b.logger.Info("task scheduled for redelivery",
		zap.String("task_id", state.task.ID),
		zap.String("queue", state.queue),
		zap.Int("delivery", state.deliveries),
		zap.String("reason", reason),
	)
	return false
}

// backoff returns the wait before the (delivery+1)-th delivery: base doubled
// per prior delivery, capped.
func (b *Broker) backoff(deliveries int) time.Duration {
	delay := b.cfg.RedeliveryBase
	for i := 1; i < deliveries; i++ {
		delay *= 2
		if delay >= b.cfg.RedeliveryCap {
			return b.cfg.RedeliveryCap
		}
	}
	if delay > b.cfg.RedeliveryCap {
		delay = b.cfg.RedeliveryCap
	}
	return delay
}

func (b *Broker) removePendingLocked(state *taskState) {
	list := b.pending[state.queue]
	for i, candidate := range list {
		if candidate == state {
			b.pending[state.queue] = append(list[:i], list[i+1:]...)
			break
		}
	}
	metrics.SetQueueDepth(state.queue, len(b.pending[state.queue]))
}

func (b *Broker) dispatchDeadLetter(ctx context.Context, task studio.Task, kind studio.FailureKind, reason string) {
	b.mu.Lock()
	fn := b.deadLetter
	b.mu.Unlock()
	if fn == nil {
		b.logger.Error("task dropped without dead-letter sink",
			zap.String("task_id", task.ID),
			zap.String("failure_kind", string(kind)),
			zap.String("reason", reason),
		)
		return
	}
	fn(ctx, task, kind, reason)
}
