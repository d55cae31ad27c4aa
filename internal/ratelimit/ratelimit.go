package ratelimit

import (
	"context"
	"math"
	"time"
)

// Policy is an immutable rate-limit configuration referenced by routes.
type Policy struct {
	ID       string
	Rate     float64 // tokens per second
	Burst    float64 // bucket capacity
	Strategy string  // per_user | per_ip | per_route | composite
}

// Decision is the outcome of one bucket consumption attempt.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration // only meaningful when !Allowed
	Limit      float64       // burst capacity, surfaced as X-RateLimit-Limit
}

// ResetSeconds reports how long until the bucket is full again, for the
// X-RateLimit-Reset header.
func (d Decision) ResetSeconds(pol Policy) int {
	if pol.Rate <= 0 {
		return 0
	}
	missing := pol.Burst - d.Remaining
	if missing <= 0 {
		return 0
	}
	return int(math.Ceil(missing / pol.Rate))
}

// RetryAfterSeconds rounds the retry hint up to whole seconds as the
// Retry-After header requires.
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 1
	}
	return int((d.RetryAfter + time.Second - 1) / time.Second)
}

// Limiter consumes tokens from the bucket behind key. Keys are already
// namespaced by policy so distinct policies never share buckets.
type Limiter interface {
	Allow(ctx context.Context, key string, pol Policy, cost float64) (Decision, error)
	Close() error
}

// Key namespaces a bucket by policy and key kind, e.g. rl:chat:u:user-7.
func Key(policyID, kind, value string) string {
	return "rl:" + policyID + ":" + kind + ":" + value
}

// IdleTTL is how long an untouched bucket survives in the shared store:
// long enough to refill twice over, never under a minute.
func IdleTTL(pol Policy) time.Duration {
	ttl := time.Minute
	if pol.Rate > 0 {
		refill := time.Duration(pol.Burst / pol.Rate * 2 * float64(time.Second))
		if refill > ttl {
			ttl = refill
		}
	}
	return ttl
}
