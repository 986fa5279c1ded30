package ratelimit

import (
	"context"
	"sync"
	"time"
)

// The sweeper drops buckets idle past idleEviction to bound the map.
const (
	sweepInterval = time.Minute
	idleEviction  = 10 * time.Minute
)

// tokenBucket is the remaining allowance for one key.
type tokenBucket struct {
	remaining float64
	touched   time.Time
}

// MemoryLimiter is a per-key token bucket held in process memory. Each key
// refills at rps tokens per second up to the burst ceiling. Suitable for
// single-instance deployments; replicas each enforce their own budget.
type MemoryLimiter struct {
	rps   float64
	burst float64
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*tokenBucket

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewMemoryLimiter creates a limiter allowing rps sustained requests per
// second per key, bursting up to burst. A background sweeper evicts idle
// keys; Close stops it.
func NewMemoryLimiter(rps float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rps:     rps,
		burst:   float64(burst),
		now:     time.Now,
		buckets: make(map[string]*tokenBucket),
		stopped: make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Allow takes one token from key's bucket, reporting whether one was
// available. Never returns an error; the signature satisfies Limiter.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		// New key starts full, minus the token this request consumes.
		m.buckets[key] = &tokenBucket{remaining: m.burst - 1, touched: now}
		return true, nil
	}

	b.remaining += now.Sub(b.touched).Seconds() * m.rps
	if b.remaining > m.burst {
		b.remaining = m.burst
	}
	b.touched = now

	if b.remaining < 1 {
		return false, nil
	}
	b.remaining--
	return true, nil
}

// Close stops the sweeper. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.stopped) })
	return nil
}

func (m *MemoryLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopped:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *MemoryLimiter) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-idleEviction)
	for key, b := range m.buckets {
		if b.touched.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
