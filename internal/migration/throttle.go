package migration

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// BandwidthThrottle paces transfers in MB/s on top of rate.Limiter. A global
// limit applies to every job unless the job carries its own override. A zero
// effective limit means unlimited and Wait returns immediately.
type BandwidthThrottle struct {
	mu         sync.Mutex
	globalMBps uint64
	global     *rate.Limiter
	// overrides holds one limiter per distinct per-job rate so jobs with
	// the same cap share a bucket.
	overrides map[uint64]*rate.Limiter
}

// NewBandwidthThrottle creates a throttle with the given global MB/s limit.
func NewBandwidthThrottle(globalMBps uint64) *BandwidthThrottle {
	t := &BandwidthThrottle{overrides: make(map[uint64]*rate.Limiter)}
	t.SetLimit(globalMBps)
	return t
}

// SetLimit replaces the global MB/s limit. Zero means unlimited.
func (t *BandwidthThrottle) SetLimit(mbps uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.globalMBps = mbps
	t.global = newByteLimiter(mbps)
}

// Limit returns the global MB/s limit.
func (t *BandwidthThrottle) Limit() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.globalMBps
}

// EffectiveMBps resolves the limit for a job. A non-nil override wins.
func (t *BandwidthThrottle) EffectiveMBps(override *uint64) uint64 {
	if override != nil {
		return *override
	}
	return t.Limit()
}

// Wait blocks until the bucket can cover n bytes at the effective rate, or
// ctx is done. Callers must not hold job locks while waiting.
func (t *BandwidthThrottle) Wait(ctx context.Context, override *uint64, n int64) error {
	if n <= 0 {
		return nil
	}
	limiter := t.limiterFor(override)
	if limiter == nil {
		return nil
	}
	// WaitN rejects requests larger than the burst, so drain big transfers
	// in burst-sized chunks.
	for n > 0 {
		chunk := n
		if burst := int64(limiter.Burst()); chunk > burst {
			chunk = burst
		}
		if err := limiter.WaitN(ctx, int(chunk)); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func (t *BandwidthThrottle) limiterFor(override *uint64) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	if override == nil {
		return t.global
	}
	mbps := *override
	if mbps == 0 {
		return nil
	}
	limiter, ok := t.overrides[mbps]
	if !ok {
		limiter = newByteLimiter(mbps)
		t.overrides[mbps] = limiter
	}
	return limiter
}

// newByteLimiter builds a limiter carrying one second of burst. Zero means
// unlimited and yields nil.
func newByteLimiter(mbps uint64) *rate.Limiter {
	if mbps == 0 {
		return nil
	}
	bytesPerSec := float64(mbps) * 1024 * 1024
	return rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
}
