package migration

import (
	"context"
	"testing"
	"time"
)

func TestBandwidthThrottle_UnlimitedReturnsImmediately(t *testing.T) {
	throttle := NewBandwidthThrottle(0)

	start := time.Now()
	if err := throttle.Wait(context.Background(), nil, 1<<30); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Unlimited Wait took %v, expected immediate return", elapsed)
	}
}

func TestBandwidthThrottle_ZeroBytesReturnsImmediately(t *testing.T) {
	throttle := NewBandwidthThrottle(1)
	if err := throttle.Wait(context.Background(), nil, 0); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func TestBandwidthThrottle_EffectiveMBps(t *testing.T) {
	throttle := NewBandwidthThrottle(100)

	if got := throttle.EffectiveMBps(nil); got != 100 {
		t.Errorf("Expected global limit 100, got %d", got)
	}

	override := uint64(25)
	if got := throttle.EffectiveMBps(&override); got != 25 {
		t.Errorf("Expected override 25, got %d", got)
	}

	unlimited := uint64(0)
	if got := throttle.EffectiveMBps(&unlimited); got != 0 {
		t.Errorf("Expected override 0 (unlimited), got %d", got)
	}
}

func TestBandwidthThrottle_SetLimit(t *testing.T) {
	throttle := NewBandwidthThrottle(100)
	throttle.SetLimit(50)
	if got := throttle.Limit(); got != 50 {
		t.Errorf("Expected limit 50, got %d", got)
	}
}

func TestBandwidthThrottle_PacesLargeTransfer(t *testing.T) {
	// 10 MB/s with a 1s burst; asking for ~1.5s worth of bytes must wait
	// roughly half a second for the bucket to refill.
	throttle := NewBandwidthThrottle(10)

	start := time.Now()
	if err := throttle.Wait(context.Background(), nil, 15*1024*1024); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 300*time.Millisecond {
		t.Errorf("Wait returned after %v, expected pacing of at least 300ms", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Wait took %v, expected well under 2s", elapsed)
	}
}

func TestBandwidthThrottle_DrainsRequestsLargerThanBurst(t *testing.T) {
	// The bucket holds one second of tokens. A request worth several
	// seconds of bandwidth must complete in chunks rather than stall.
	throttle := NewBandwidthThrottle(10)

	start := time.Now()
	if err := throttle.Wait(context.Background(), nil, 25*1024*1024); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < time.Second {
		t.Errorf("Wait returned after %v, expected at least 1s of pacing", elapsed)
	}
	if elapsed > 4*time.Second {
		t.Errorf("Wait took %v, expected under 4s", elapsed)
	}
}

func TestBandwidthThrottle_WaitCancelled(t *testing.T) {
	// 1 MB/s, request far more than the burst capacity so Wait must sleep.
	throttle := NewBandwidthThrottle(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- throttle.Wait(ctx, nil, 100*1024*1024)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Expected error from cancelled Wait")
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled Wait did not return")
	}
}
