package orchestrator

import "sync"

// emaAlpha is the exponential-moving-average smoothing factor for the
// iterations-per-second status figure (spec.md §4.13's "update EMA of
// iters/sec"); spec.md does not pin a constant, so this package decides one
// close to a 20-iteration half-life.
const emaAlpha = 0.1

// Status is the snapshot spec.md §6 says the orchestrator emits on request:
// iteration count, smoothed iters/sec, current N, and the next scheduled
// densify iteration.
type Status struct {
	Iteration            int
	ItersPerSec          float64
	N                     int
	NextDensifyIteration int
}

// statusTracker holds the mutable fields behind Status, guarded by its own
// mutex so Engine.Status() never has to take the same lock the training
// loop holds while stepping.
type statusTracker struct {
	mu                    sync.RWMutex
	iteration             int
	itersPerSec           float64
	n                     int
	nextDensifyIteration int
}

func (t *statusTracker) snapshot() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Status{
		Iteration:            t.iteration,
		ItersPerSec:          t.itersPerSec,
		N:                    t.n,
		NextDensifyIteration: t.nextDensifyIteration,
	}
}

func (t *statusTracker) recordIteration(iteration int, dt float64, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.iteration = iteration
	t.n = n
	if dt <= 0 {
		return
	}
	instantaneous := 1.0 / dt
	if t.itersPerSec == 0 {
		t.itersPerSec = instantaneous
		return
	}
	t.itersPerSec = emaAlpha*instantaneous + (1-emaAlpha)*t.itersPerSec
}

func (t *statusTracker) setNextDensifyIteration(iteration int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextDensifyIteration = iteration
}
