package mw

import (
	"net/http"

	"github.com/hivelab/gateway/internal/httpx"
)

// Semaphore is a tiny counting semaphore for in-flight limiting. A nil or
// zero-capacity semaphore admits everything.
type Semaphore struct {
	ch chan struct{}
}

func NewSemaphore(maxInFlight int) *Semaphore {
	if maxInFlight <= 0 {
		return &Semaphore{ch: nil}
	}
	return &Semaphore{ch: make(chan struct{}, maxInFlight)}
}

func (s *Semaphore) Enabled() bool { return s != nil && s.ch != nil }

func (s *Semaphore) Cap() int {
	if s == nil || s.ch == nil {
		return 0
	}
	return cap(s.ch)
}

func (s *Semaphore) InUse() int {
	if s == nil || s.ch == nil {
		return 0
	}
	return len(s.ch)
}

func (s *Semaphore) TryAcquire() bool {
	if s == nil || s.ch == nil {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Semaphore) Release() {
	if s == nil || s.ch == nil {
		return
	}
	select {
	case <-s.ch:
	default:
	}
}

// ConcurrencyLimit bounds in-flight requests. Rejections happen before the
// breaker gate so saturation never poisons the failure window.
func ConcurrencyLimit(sem *Semaphore, next http.Handler) http.Handler {
	if !sem.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sem.TryAcquire() {
			httpx.WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "too_busy", "too many requests in flight")
			return
		}
		defer sem.Release()
		next.ServeHTTP(w, r)
	})
}
