package orchestrator

import (
	"context"
	"testing"
	"time"
)

// TestScenarioS6 is spec.md §8 S6: two submissions in flight, gate cap=2;
// third submission requested -> suspends until one of the first two
// completes; inFlight never exceeds 2.
func TestScenarioS6(t *testing.T) {
	gate := NewQueueGate(2)
	ctx := context.Background()

	if err := gate.Submit(ctx); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	if err := gate.Submit(ctx); err != nil {
		t.Fatalf("second submit failed: %v", err)
	}
	if got := gate.InFlight(); got != 2 {
		t.Fatalf("InFlight() = %d, want 2", got)
	}

	thirdDone := make(chan struct{})
	go func() {
		if err := gate.Submit(ctx); err != nil {
			t.Errorf("third submit failed: %v", err)
		}
		close(thirdDone)
	}()

	select {
	case <-thirdDone:
		t.Fatal("third submission completed before a slot was released")
	case <-time.After(50 * time.Millisecond):
	}
	if got := gate.InFlight(); got != 2 {
		t.Fatalf("InFlight() = %d, want 2 (gate must not exceed cap)", got)
	}

	gate.Release()

	select {
	case <-thirdDone:
	case <-time.After(time.Second):
		t.Fatal("third submission never unblocked after a release")
	}
	if got := gate.InFlight(); got != 2 {
		t.Fatalf("InFlight() = %d, want 2 after third submission lands", got)
	}
}

func TestQueueGateWaitIdle(t *testing.T) {
	gate := NewQueueGate(2)
	ctx := context.Background()

	if err := gate.Submit(ctx); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := gate.Submit(ctx); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	idleDone := make(chan struct{})
	go func() {
		if err := gate.WaitIdle(ctx); err != nil {
			t.Errorf("WaitIdle failed: %v", err)
		}
		close(idleDone)
	}()

	select {
	case <-idleDone:
		t.Fatal("WaitIdle returned before submissions released")
	case <-time.After(30 * time.Millisecond):
	}

	gate.Release()
	gate.Release()

	select {
	case <-idleDone:
	case <-time.After(time.Second):
		t.Fatal("WaitIdle never returned after both slots released")
	}
	if got := gate.InFlight(); got != 0 {
		t.Fatalf("InFlight() = %d, want 0", got)
	}
}

func TestQueueGateSubmitRespectsContextCancellation(t *testing.T) {
	gate := NewQueueGate(1)
	ctx := context.Background()
	if err := gate.Submit(ctx); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := gate.Submit(cctx); err == nil {
		t.Fatal("expected error from Submit on cancelled context")
	}
}
