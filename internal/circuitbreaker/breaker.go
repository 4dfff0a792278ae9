// Package circuitbreaker keeps one gobreaker circuit per dependency key.
// The analyst client and any other optional dependency are guarded through
// it so a failing backend degrades to a fallback instead of stalling
// assessments.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
)

// State is the circuit state of one key.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one trial call is allowed
)

// String returns the state name used in metric labels.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

var cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tiltguard",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(cbStateTransitions)
}

// Breaker hands out a two-step circuit per key. A key trips open after
// threshold consecutive failures and tries again after openDuration.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*gobreaker.TwoStepCircuitBreaker
	threshold    uint32
	openDuration time.Duration
	onTransition func(key string, from, to State)
}

// New creates a breaker. Non-positive arguments fall back to 5 failures
// and 30 seconds.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		circuits:     make(map[string]*gobreaker.TwoStepCircuitBreaker),
		threshold:    uint32(threshold),
		openDuration: openDuration,
	}
}

// OnTransition sets a callback invoked asynchronously on state changes.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

func (b *Breaker) circuit(key string) *gobreaker.TwoStepCircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.circuits[key]; ok {
		return cb
	}
	threshold := b.threshold
	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     b.openDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f, t := fromGobreaker(from), fromGobreaker(to)
			cbStateTransitions.WithLabelValues(name, f.String(), t.String()).Inc()
			b.mu.Lock()
			fn := b.onTransition
			b.mu.Unlock()
			if fn != nil {
				go fn(name, f, t)
			}
		},
	})
	b.circuits[key] = cb
	return cb
}

// Allow asks whether a call to key may proceed. When ok is true the caller
// must report the outcome through done exactly once.
func (b *Breaker) Allow(key string) (done func(success bool), ok bool) {
	done, err := b.circuit(key).Allow()
	if err != nil {
		return nil, false
	}
	return done, true
}

// State returns the current state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	cb, ok := b.circuits[key]
	b.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return fromGobreaker(cb.State())
}

// Open reports whether key is currently rejecting calls.
func (b *Breaker) Open(key string) bool {
	return b.State(key) == StateOpen
}

// Reset forgets all state for key.
func (b *Breaker) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.circuits, key)
}
