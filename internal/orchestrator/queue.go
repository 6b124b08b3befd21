package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
)

// QueueGate bounds the number of in-flight GPU command-buffer submissions
// (spec.md §5's "queue gate... caps in-flight submissions to a small
// constant, typically 2"). Submit suspends until a slot is free rather than
// blocking other host work, and WaitIdle suspends until every in-flight
// submission has drained — the swap-safety precondition C12's buffer swap
// relies on (spec.md §4.12, property 10).
type QueueGate struct {
	slots    chan struct{}
	wg       sync.WaitGroup
	inFlight int32
}

// NewQueueGate creates a gate allowing up to capacity concurrent
// submissions. capacity must be >= 1.
func NewQueueGate(capacity int) *QueueGate {
	if capacity < 1 {
		capacity = 1
	}
	return &QueueGate{slots: make(chan struct{}, capacity)}
}

// Submit blocks until a slot is available or ctx is cancelled, then
// occupies it. The caller must call Release exactly once after the
// submission completes.
func (g *QueueGate) Submit(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	atomic.AddInt32(&g.inFlight, 1)
	g.wg.Add(1)
	return nil
}

// Release frees the slot a prior successful Submit occupied.
func (g *QueueGate) Release() {
	atomic.AddInt32(&g.inFlight, -1)
	g.wg.Done()
	<-g.slots
}

// InFlight reports the number of submissions currently occupying a slot.
func (g *QueueGate) InFlight() int {
	return int(atomic.LoadInt32(&g.inFlight))
}

// WaitIdle blocks until every submission issued before this call has
// called Release, or ctx is cancelled first. Only safe to call once the
// caller has stopped issuing new Submit calls (the orchestrator only calls
// it between iterations, per spec.md §5).
func (g *QueueGate) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
