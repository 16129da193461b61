package migration

import (
	"context"
	"testing"
	"time"
)

func TestConcurrencyGate_AcquireWithinLimit(t *testing.T) {
	gate := NewConcurrencyGate(2)
	ctx := context.Background()

	if err := gate.Acquire(ctx); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	if err := gate.Acquire(ctx); err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}

	if got := gate.Active(); got != 2 {
		t.Errorf("Expected 2 active slots, got %d", got)
	}
}

func TestConcurrencyGate_BlocksBeyondLimit(t *testing.T) {
	gate := NewConcurrencyGate(1)
	ctx := context.Background()

	if err := gate.Acquire(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		acquired <- gate.Acquire(ctx)
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire should block while the slot is held")
	case <-time.After(50 * time.Millisecond):
	}

	gate.Release()

	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("Acquire after Release failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire did not resume after Release")
	}
}

func TestConcurrencyGate_AcquireCancelled(t *testing.T) {
	gate := NewConcurrencyGate(1)

	if err := gate.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	acquired := make(chan error, 1)
	go func() {
		acquired <- gate.Acquire(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-acquired:
		if err == nil {
			t.Fatal("Expected error from cancelled Acquire")
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled Acquire did not return")
	}

	// The cancelled waiter must not have consumed the slot.
	if got := gate.Active(); got != 1 {
		t.Errorf("Expected 1 active slot, got %d", got)
	}
}

func TestConcurrencyGate_RaisingLimitAdmitsWaiters(t *testing.T) {
	gate := NewConcurrencyGate(1)
	ctx := context.Background()

	if err := gate.Acquire(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		acquired <- gate.Acquire(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	gate.SetLimit(2)

	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("Acquire after SetLimit failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("raising the limit did not admit the waiter")
	}
}

func TestConcurrencyGate_LimitClamped(t *testing.T) {
	gate := NewConcurrencyGate(0)
	if got := gate.Limit(); got != 1 {
		t.Errorf("Expected limit clamped to 1, got %d", got)
	}

	gate.SetLimit(-5)
	if got := gate.Limit(); got != 1 {
		t.Errorf("Expected SetLimit clamped to 1, got %d", got)
	}
}

func TestConcurrencyGate_ReleaseWithoutHolder(t *testing.T) {
	gate := NewConcurrencyGate(1)
	gate.Release()
	if got := gate.Active(); got != 0 {
		t.Errorf("Expected 0 active slots, got %d", got)
	}
}
