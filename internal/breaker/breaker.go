package breaker

import (
	"sync"
	"time"
)

// State values double as the gauge encoding: 0 closed, 1 half-open, 2 open.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

type Config struct {
	WindowSize   int           // sliding outcome window capacity
	MinCalls     int           // outcomes required before the rate can trip
	FailureRate  float64       // trip threshold, inclusive
	OpenDuration time.Duration // how long to stay open
	ProbeCount   int           // concurrent probes admitted in half-open
	SlowCall     time.Duration // calls slower than this count as failures; 0 disables
}

// Breaker guards one upstream. All transitions serialise on mu; the lock is
// never held across I/O, callers take a completion callback instead.
type Breaker struct {
	name string
	cfg  Config

	mu       sync.Mutex
	state    State
	window   []bool // ring buffer of outcomes, true = failure
	head     int
	count    int
	fails    int
	openedAt time.Time

	probesInFlight int
	probeSuccesses int

	now     func() time.Time
	onState func(name string, s State)
}

func New(name string, cfg Config) *Breaker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.MinCalls <= 0 {
		cfg.MinCalls = 10
	}
	if cfg.FailureRate <= 0 {
		cfg.FailureRate = 0.5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 10 * time.Second
	}
	if cfg.ProbeCount <= 0 {
		cfg.ProbeCount = 1
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		state:  Closed,
		window: make([]bool, cfg.WindowSize),
		now:    time.Now,
	}
}

// Done records the outcome of a call admitted by Allow.
type Done func(failure bool, elapsed time.Duration)

// Allow decides pass vs short-circuit. When the call passes, the returned
// Done must be invoked exactly once with the outcome. retryAfter is the
// Retry-After hint for rejected calls.
func (b *Breaker) Allow() (done Done, retryAfter time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case Open:
		if now.Sub(b.openedAt) < b.cfg.OpenDuration {
			return nil, b.cfg.OpenDuration - now.Sub(b.openedAt), false
		}
		b.transition(HalfOpen)
		b.probesInFlight = 0
		b.probeSuccesses = 0
		fallthrough

	case HalfOpen:
		if b.probesInFlight >= b.cfg.ProbeCount {
			return nil, time.Second, false
		}
		b.probesInFlight++
		return b.probeDone(), 0, true

	default: // Closed
		return b.closedDone(), 0, true
	}
}

func (b *Breaker) closedDone() Done {
	var once sync.Once
	return func(failure bool, elapsed time.Duration) {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.state != Closed {
				return // a probe outcome already moved the state machine
			}
			b.record(b.isFailure(failure, elapsed))
			if b.count >= b.cfg.MinCalls && b.failureRate() >= b.cfg.FailureRate {
				b.trip()
			}
		})
	}
}

func (b *Breaker) probeDone() Done {
	var once sync.Once
	return func(failure bool, elapsed time.Duration) {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.state != HalfOpen {
				return
			}
			b.probesInFlight--
			if b.isFailure(failure, elapsed) {
				b.trip()
				return
			}
			b.probeSuccesses++
			if b.probeSuccesses >= b.cfg.ProbeCount {
				b.transition(Closed)
				b.clearWindow()
			}
		})
	}
}

func (b *Breaker) isFailure(failure bool, elapsed time.Duration) bool {
	if failure {
		return true
	}
	return b.cfg.SlowCall > 0 && elapsed > b.cfg.SlowCall
}

func (b *Breaker) record(failure bool) {
	if b.count == len(b.window) {
		// evict the oldest outcome
		if b.window[b.head] {
			b.fails--
		}
	} else {
		b.count++
	}
	b.window[b.head] = failure
	if failure {
		b.fails++
	}
	b.head = (b.head + 1) % len(b.window)
}

func (b *Breaker) failureRate() float64 {
	if b.count == 0 {
		return 0
	}
	return float64(b.fails) / float64(b.count)
}

func (b *Breaker) clearWindow() {
	for i := range b.window {
		b.window[i] = false
	}
	b.head = 0
	b.count = 0
	b.fails = 0
}

func (b *Breaker) trip() {
	b.transition(Open)
	b.openedAt = b.now()
	b.probesInFlight = 0
	b.probeSuccesses = 0
}

func (b *Breaker) transition(s State) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onState != nil {
		b.onState(b.name, s)
	}
}

func (b *Breaker) Name() string { return b.name }

// Snapshot is the admin/health view of one breaker.
type Snapshot struct {
	Name          string  `json:"name"`
	State         string  `json:"state"`
	WindowCount   int     `json:"window_count"`
	FailureRate   float64 `json:"failure_rate"`
	RetryAfterSec int     `json:"retry_after_seconds,omitempty"`
}

func (b *Breaker) Stats() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Name:        b.name,
		State:       b.state.String(),
		WindowCount: b.count,
		FailureRate: b.failureRate(),
	}
	if b.state == Open {
		if rem := b.cfg.OpenDuration - b.now().Sub(b.openedAt); rem > 0 {
			s.RetryAfterSec = int((rem + time.Second - 1) / time.Second)
		}
	}
	return s
}
