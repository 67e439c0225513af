package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/studio"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBroker(t *testing.T, clock studio.Clock, cfg Config) *Broker {
	t.Helper()
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{"bulk", "express"}
	}
	b, err := NewBroker(cfg, clock, zap.NewNop())
	if err != nil {
		t.Fatalf("NewBroker() error = %v", err)
	}
	return b
}

func task(id, queue string) studio.Task {
	return studio.Task{
		ID:          id,
		Kind:        studio.TaskKindWorkflow,
		TargetQueue: queue,
	}
}

func TestBrokerFIFOWithinQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBroker(t, newFakeClock(), Config{})

	for _, id := range []string{"t1", "t2", "t3"} {
		if err := b.Enqueue(ctx, task(id, "express")); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
	}

	claims, err := b.Dequeue(ctx, "express", 2, "w1")
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if len(claims) != 2 || claims[0].Task.ID != "t1" || claims[1].Task.ID != "t2" {
		t.Fatalf("expected FIFO claims [t1 t2], got %+v", claims)
	}
	if b.Depth("express") != 1 {
		t.Fatalf("expected depth 1, got %d", b.Depth("express"))
	}
}

func TestBrokerSingleClaimPerTask(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBroker(t, newFakeClock(), Config{})

	if err := b.Enqueue(ctx, task("t1", "express")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	first, err := b.Dequeue(ctx, "express", 10, "w1")
	if err != nil || len(first) != 1 {
		t.Fatalf("first Dequeue() = %v, %v", first, err)
	}
	second, err := b.Dequeue(ctx, "express", 10, "w2")
	if err != nil {
		t.Fatalf("second Dequeue() error = %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("claimed task must not be visible to another worker, got %+v", second)
	}
}

func TestBrokerQueuesAreIndependent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBroker(t, newFakeClock(), Config{})

	// A deep bulk backlog must not delay express dequeues.
	for i := 0; i < 50; i++ {
		tk := task("bulk-"+string(rune('a'+i%26))+string(rune('0'+i/26)), "bulk")
		if err := b.Enqueue(ctx, tk); err != nil {
			t.Fatalf("Enqueue(bulk) error = %v", err)
		}
	}
	if err := b.Enqueue(ctx, task("wf", "express")); err != nil {
		t.Fatalf("Enqueue(express) error = %v", err)
	}

	claims, err := b.Dequeue(ctx, "express", 1, "w1")
	if err != nil {
		t.Fatalf("Dequeue(express) error = %v", err)
	}
	if len(claims) != 1 || claims[0].Task.ID != "wf" {
		t.Fatalf("express claim should be immediate, got %+v", claims)
	}
}

func TestBrokerUnknownQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBroker(t, newFakeClock(), Config{})

	if err := b.Enqueue(ctx, task("t1", "nope")); !errors.Is(err, studio.ErrUnknownQueue) {
		t.Fatalf("Enqueue to unknown queue: got %v, want ErrUnknownQueue", err)
	}
	if _, err := b.Dequeue(ctx, "nope", 1, "w1"); !errors.Is(err, studio.ErrUnknownQueue) {
		t.Fatalf("Dequeue from unknown queue: got %v, want ErrUnknownQueue", err)
	}
}

func TestBrokerAckRemovesTask(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBroker(t, newFakeClock(), Config{})

	if err := b.Enqueue(ctx, task("t1", "express")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	claims, _ := b.Dequeue(ctx, "express", 1, "w1")
	if err := b.Ack(ctx, "t1", claims[0].LeaseID); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if err := b.Ack(ctx, "t1", claims[0].LeaseID); !errors.Is(err, studio.ErrTaskNotFound) {
		t.Fatalf("second Ack: got %v, want ErrTaskNotFound", err)
	}
}

func TestBrokerAckRejectsStaleLease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	b := newTestBroker(t, clock, Config{LeaseTimeout: 10 * time.Second, RedeliveryBase: time.Millisecond})

	if err := b.Enqueue(ctx, task("t1", "express")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	first, _ := b.Dequeue(ctx, "express", 1, "w1")

	// Lease expires while w1 is stalled; the reaper hands the task to w2.
	clock.Advance(11 * time.Second)
	b.reap(ctx)
	clock.Advance(time.Second)
	second, _ := b.Dequeue(ctx, "express", 1, "w2")
	if len(second) != 1 || second[0].Delivery != 2 {
		t.Fatalf("expected redelivery with delivery=2, got %+v", second)
	}

	if err := b.Ack(ctx, "t1", first[0].LeaseID); !errors.Is(err, studio.ErrLeaseNotHeld) {
		t.Fatalf("stale Ack: got %v, want ErrLeaseNotHeld", err)
	}
	if err := b.Ack(ctx, "t1", second[0].LeaseID); err != nil {
		t.Fatalf("current Ack() error = %v", err)
	}
}

func TestBrokerNackRedeliversWithBackoff(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	b := newTestBroker(t, clock, Config{RedeliveryBase: 2 * time.Second, MaxDeliveries: 3})

	if err := b.Enqueue(ctx, task("t1", "express")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	claims, _ := b.Dequeue(ctx, "express", 1, "w1")
	if err := b.Nack(ctx, "t1", claims[0].LeaseID, "extractor hiccup"); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}

	// Still inside the backoff window.
	again, _ := b.Dequeue(ctx, "express", 1, "w1")
	if len(again) != 0 {
		t.Fatalf("task should be parked during backoff, got %+v", again)
	}

	clock.Advance(3 * time.Second)
	again, _ = b.Dequeue(ctx, "express", 1, "w1")
	if len(again) != 1 || again[0].Delivery != 2 {
		t.Fatalf("expected redelivery after backoff, got %+v", again)
	}
}

func TestBrokerExhaustionDeadLetters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	b := newTestBroker(t, clock, Config{RedeliveryBase: time.Second, MaxDeliveries: 2})

	var mu sync.Mutex
	var dropped []string
	var kinds []studio.FailureKind
	var reasons []string
	b.SetDeadLetter(func(_ context.Context, task studio.Task, kind studio.FailureKind, reason string) {
		mu.Lock()
		defer mu.Unlock()
		dropped = append(dropped, task.ID)
		kinds = append(kinds, kind)
		reasons = append(reasons, reason)
	})

	if err := b.Enqueue(ctx, task("t1", "express")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	claims, _ := b.Dequeue(ctx, "express", 1, "w1")
	if err := b.Nack(ctx, "t1", claims[0].LeaseID, "boom"); err != nil {
		t.Fatalf("first Nack() error = %v", err)
	}
	clock.Advance(2 * time.Second)
	claims, _ = b.Dequeue(ctx, "express", 1, "w1")
	if len(claims) != 1 {
		t.Fatal("expected redelivery before exhaustion")
	}
	if err := b.Nack(ctx, "t1", claims[0].LeaseID, "boom again"); err != nil {
		t.Fatalf("second Nack() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 1 || dropped[0] != "t1" {
		t.Fatalf("expected t1 dead-lettered once, got %v", dropped)
	}
	if len(kinds) != 1 || kinds[0] != studio.FailureRetriesExhausted {
		t.Fatalf("expected retries_exhausted kind, got %v", kinds)
	}
	if len(reasons) != 1 || reasons[0] == "" {
		t.Fatalf("expected a human-readable reason, got %v", reasons)
	}
}

func TestBrokerLeaseExpiryCausesReclaimWithoutDuplicate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	b := newTestBroker(t, clock, Config{LeaseTimeout: 5 * time.Second, RedeliveryBase: time.Millisecond, MaxDeliveries: 5})

	if err := b.Enqueue(ctx, task("t1", "express")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := b.Dequeue(ctx, "express", 1, "w1"); err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}

	// Before the deadline the reaper must leave the claim alone.
	clock.Advance(4 * time.Second)
	b.reap(ctx)
	if claims, _ := b.Dequeue(ctx, "express", 1, "w2"); len(claims) != 0 {
		t.Fatalf("live lease was reaped early: %+v", claims)
	}

	clock.Advance(2 * time.Second)
	b.reap(ctx)
	clock.Advance(time.Second)
	claims, _ := b.Dequeue(ctx, "express", 1, "w2")
	if len(claims) != 1 || claims[0].WorkerID != "w2" {
		t.Fatalf("expected w2 to reclaim after expiry, got %+v", claims)
	}
	if err := b.Ack(ctx, "t1", claims[0].LeaseID); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
}

func TestBrokerCancelPendingRemoves(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBroker(t, newFakeClock(), Config{})

	var mu sync.Mutex
	var dropped []string
	var kinds []studio.FailureKind
	b.SetDeadLetter(func(_ context.Context, task studio.Task, kind studio.FailureKind, _ string) {
		mu.Lock()
		defer mu.Unlock()
		dropped = append(dropped, task.ID)
		kinds = append(kinds, kind)
	})

	if err := b.Enqueue(ctx, task("t1", "express")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	removed, err := b.Cancel(ctx, "t1")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if !removed {
		t.Fatal("pending task should be removed before any claim")
	}
	if claims, _ := b.Dequeue(ctx, "express", 1, "w1"); len(claims) != 0 {
		t.Fatalf("canceled task must not be claimable, got %+v", claims)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 1 || dropped[0] != "t1" {
		t.Fatalf("expected dead-letter for canceled pending task, got %v", dropped)
	}
	if len(kinds) != 1 || kinds[0] != studio.FailureCanceled {
		t.Fatalf("expected canceled kind, got %v", kinds)
	}
}

func TestBrokerCancelClaimedSignalsHolder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBroker(t, newFakeClock(), Config{})

	if err := b.Enqueue(ctx, task("t1", "express")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	claims, _ := b.Dequeue(ctx, "express", 1, "w1")

	removed, err := b.Cancel(ctx, "t1")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if removed {
		t.Fatal("claimed task must not be withdrawn")
	}
	select {
	case <-claims[0].Canceled:
	case <-time.After(time.Second):
		t.Fatal("claim holder was not signaled")
	}
	// The holder concludes the work and acks as usual.
	if err := b.Ack(ctx, "t1", claims[0].LeaseID); err != nil {
		t.Fatalf("Ack() after cancel signal error = %v", err)
	}
}
