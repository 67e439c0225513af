// Package dispatcher routes submitted work into the queue topology and fans
// out the worker pools.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/studio"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/worker"
)

// Runner is the broker-side loop the dispatcher supervises alongside its
// pools (the lease reaper, in the in-process broker).
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher owns the topology: the routing table assigns each submission a
// target queue, the pools consume them. Workers receive their queue
// subscriptions from configuration, not from shared globals.
type Dispatcher struct {
	broker  studio.Broker
	router  *studio.RoutingTable
	pools   []*worker.Pool
	runners []Runner
	idGen   studio.IDGenerator
	clock   studio.Clock
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(
	broker studio.Broker,
	router *studio.RoutingTable,
	pools []*worker.Pool,
	runners []Runner,
	idGen studio.IDGenerator,
	clock studio.Clock,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		broker:  broker,
		router:  router,
		pools:   pools,
		runners: runners,
		idGen:   idGen,
		clock:   clock,
		logger:  logger,
	}
}

// Run starts all pools and broker runners and blocks until the context
// finishes and every loop drains.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, r := range d.runners {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}
	for _, p := range d.pools {
		wg.Add(1)
		go func(p *worker.Pool) {
			defer wg.Done()
			d.logger.Info("worker pool started", zap.String("pool", p.Name()))
			p.Run(ctx)
		}(p)
	}
	<-ctx.Done()
	wg.Wait()
}

// Submit marshals the payload, routes the kind to its queue, and enqueues.
// The returned task is immutable from the caller's point of view.
func (d *Dispatcher) Submit(ctx context.Context, kind studio.TaskKind, payload any) (studio.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return studio.Task{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	id, err := d.idGen.NewID()
	if err != nil {
		return studio.Task{}, fmt.Errorf("generate task id: %w", err)
	}
	task := studio.Task{
		ID:          id,
		Kind:        kind,
		Payload:     data,
		EnqueuedAt:  d.clock.Now(),
		TargetQueue: d.router.Route(kind),
	}
	if err := d.broker.Enqueue(ctx, task); err != nil {
		return studio.Task{}, fmt.Errorf("enqueue %s task: %w", kind, err)
	}
	d.logger.Debug("task enqueued",
		zap.String("task_id", task.ID),
		zap.String("kind", string(kind)),
		zap.String("queue", task.TargetQueue),
	)
	return task, nil
}

// Cancel proxies to the broker. It reports whether the task was removed
// before any worker claimed it.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) (bool, error) {
	removed, err := d.broker.Cancel(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("cancel task: %w", err)
	}
	return removed, nil
}
