// Package worker implements the bounded-concurrency task execution pools.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/metrics"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/studio"
)

// Handler executes one claimed task. Returning nil acknowledges the task,
// including when the handler recorded a terminal domain failure itself;
// returning an error nacks it for redelivery, so handlers reserve errors for
// transient conditions worth retrying.
type Handler interface {
	Handle(ctx context.Context, claim studio.Claim) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, claim studio.Claim) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, claim studio.Claim) error {
	return f(ctx, claim)
}

// Registry maps task kinds to their handlers.
type Registry map[studio.TaskKind]Handler

// Config controls one pool: how many executions run at once, how many tasks
// a slot may reserve per claim batch, and which queues it polls.
type Config struct {
	Name         string
	Concurrency  int
	Prefetch     int
	Queues       []string
	PollInterval time.Duration
	TaskTimeout  time.Duration
}

// Pool runs Concurrency slot loops over its queue subscriptions. Queues are
// polled round-robin; a slot claims at most Prefetch tasks at a time, so a
// pool saturated with long-running work cannot hoard tasks other slots could
// start sooner.
type Pool struct {
	cfg      Config
	broker   studio.Broker
	registry Registry
	logger   *zap.Logger
}

// New constructs a Pool.
func New(cfg Config, broker studio.Broker, registry Registry, logger *zap.Logger) (*Pool, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("pool name is required")
	}
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("pool %s: concurrency must be > 0", cfg.Name)
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if len(cfg.Queues) == 0 {
		return nil, fmt.Errorf("pool %s: at least one queue subscription required", cfg.Name)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 2 * time.Minute
	}
	return &Pool{
		cfg:      cfg,
		broker:   broker,
		registry: registry,
		logger:   logger.Named(cfg.Name),
	}, nil
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.cfg.Name }

// Run blocks, executing tasks until the context finishes. Each slot drains
// its claim batch before claiming again.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{}, p.cfg.Concurrency)
	for slot := 0; slot < p.cfg.Concurrency; slot++ {
		go func(slot int) {
			defer func() { done <- struct{}{} }()
			p.runSlot(ctx, slot)
		}(slot)
	}
	for i := 0; i < p.cfg.Concurrency; i++ {
		<-done
	}
}

func (p *Pool) runSlot(ctx context.Context, slot int) {
	workerID := fmt.Sprintf("%s-%d", p.cfg.Name, slot)
	next := slot % len(p.cfg.Queues) // stagger slot starting queues
	for {
		if ctx.Err() != nil {
			return
		}
		claims := p.claimBatch(ctx, workerID, &next)
		if len(claims) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		for _, claim := range claims {
			p.execute(ctx, claim)
		}
	}
}

// claimBatch polls the subscribed queues round-robin, returning the first
// non-empty batch of at most Prefetch claims.
func (p *Pool) claimBatch(ctx context.Context, workerID string, next *int) []studio.Claim {
	for i := 0; i < len(p.cfg.Queues); i++ {
		queue := p.cfg.Queues[(*next+i)%len(p.cfg.Queues)]
		claims, err := p.broker.Dequeue(ctx, queue, p.cfg.Prefetch, workerID)
		if err != nil {
			p.logger.Error("dequeue failed", zap.String("queue", queue), zap.Error(err))
			continue
		}
		if len(claims) > 0 {
			*next = (*next + i + 1) % len(p.cfg.Queues)
			return claims
		}
	}
	return nil
}

func (p *Pool) execute(ctx context.Context, claim studio.Claim) {
	task := claim.Task
	handler, ok := p.registry[task.Kind]
	if !ok {
		// Startup validation covers configured kinds; anything else is a
		// foreign task that redelivery cannot fix.
		p.logger.Error("no handler for task kind",
			zap.String("task_id", task.ID),
			zap.String("kind", string(task.Kind)),
		)
		if err := p.broker.Nack(ctx, task.ID, claim.LeaseID, "no handler registered"); err != nil {
			p.logger.Error("nack failed", zap.String("task_id", task.ID), zap.Error(err))
		}
		return
	}

	metrics.WorkerActive(p.cfg.Name, 1)
	defer metrics.WorkerActive(p.cfg.Name, -1)

	taskCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	stop := make(chan struct{})
	go func() {
		select {
		case <-claim.Canceled:
			cancel()
		case <-stop:
		}
	}()

	start := time.Now()
	err := handler.Handle(taskCtx, claim)
	close(stop)
	cancel()

	if err != nil {
		p.logger.Warn("task execution failed, scheduling redelivery",
			zap.String("task_id", task.ID),
			zap.String("kind", string(task.Kind)),
			zap.Int("delivery", claim.Delivery),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		if nackErr := p.broker.Nack(ctx, task.ID, claim.LeaseID, err.Error()); nackErr != nil {
			p.logger.Error("nack failed", zap.String("task_id", task.ID), zap.Error(nackErr))
		}
		return
	}

	if ackErr := p.broker.Ack(ctx, task.ID, claim.LeaseID); ackErr != nil {
		// Most likely the lease expired mid-run and the task was handed to
		// another worker; downstream writes are guarded by terminal-state
		// checks, so this is noisy but harmless.
		p.logger.Warn("ack failed", zap.String("task_id", task.ID), zap.Error(ackErr))
		return
	}
	p.logger.Debug("task completed",
		zap.String("task_id", task.ID),
		zap.String("kind", string(task.Kind)),
		zap.Duration("duration", time.Since(start)),
	)
}
