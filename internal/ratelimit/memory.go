package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type memEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter is the single-process fallback used when no shared store is
// configured or reachable. Buckets converge only within one replica.
type MemoryLimiter struct {
	mu      sync.Mutex
	m       map[string]*memEntry
	ttl     time.Duration
	cleanup time.Duration
	stopCh  chan struct{}
	now     func() time.Time
}

func NewMemoryLimiter(ttl, cleanupEvery time.Duration) *MemoryLimiter {
	ml := &MemoryLimiter{
		m:       make(map[string]*memEntry),
		ttl:     ttl,
		cleanup: cleanupEvery,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go ml.gcLoop()
	return ml
}

func (m *MemoryLimiter) gcLoop() {
	t := time.NewTicker(m.cleanup)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.mu.Lock()
			now := m.now()
			for k, e := range m.m {
				if now.Sub(e.lastSeen) > m.ttl {
					delete(m.m, k)
				}
			}
			m.mu.Unlock()
		case <-m.stopCh:
			return
		}
	}
}

func (m *MemoryLimiter) Allow(ctx context.Context, key string, pol Policy, cost float64) (Decision, error) {
	now := m.now()

	m.mu.Lock()
	e := m.m[key]
	if e == nil {
		e = &memEntry{lim: rate.NewLimiter(rate.Limit(pol.Rate), int(pol.Burst))}
		m.m[key] = e
	}
	e.lastSeen = now
	lim := e.lim
	m.mu.Unlock()

	res := lim.ReserveN(now, int(cost))
	if !res.OK() {
		return Decision{Allowed: false, RetryAfter: time.Second, Limit: pol.Burst}, nil
	}
	delay := res.DelayFrom(now)
	if delay > 0 {
		// Would have to wait; we never queue, so give the tokens back.
		res.CancelAt(now)
		return Decision{
			Allowed:    false,
			Remaining:  clampTokens(lim.TokensAt(now)),
			RetryAfter: delay,
			Limit:      pol.Burst,
		}, nil
	}

	return Decision{
		Allowed:   true,
		Remaining: clampTokens(lim.TokensAt(now)),
		Limit:     pol.Burst,
	}, nil
}

func clampTokens(t float64) float64 {
	if t < 0 {
		return 0
	}
	return t
}

func (m *MemoryLimiter) Close() error {
	close(m.stopCh)
	return nil
}
