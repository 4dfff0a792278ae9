// Package health provides a registry of named subsystem health checkers
// and the stock checkers tiltguard registers: storage pings and the analyst
// circuit breaker.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultCheckTimeout bounds a single ping checker.
const DefaultCheckTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Degraded bool   `json:"degraded,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health plus individual results in registration order. A degraded
// subsystem does not make the aggregate unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			statuses[i] = nc.check(ctx)
			if statuses[i].Name == "" {
				statuses[i].Name = nc.name
			}
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// PingFunc reports whether a dependency answers.
type PingFunc func(ctx context.Context) error

// PingCheck wraps a ping in a checker bounded by timeout.
func PingCheck(name string, timeout time.Duration, ping PingFunc) Checker {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// OptionalPingCheck is PingCheck for a dependency the service can run
// without, such as the cache: a failed ping marks it degraded but healthy.
func OptionalPingCheck(name string, timeout time.Duration, ping PingFunc) Checker {
	check := PingCheck(name, timeout, ping)
	return func(ctx context.Context) Status {
		s := check(ctx)
		if !s.Healthy {
			s.Healthy = true
			s.Degraded = true
		}
		return s
	}
}

// BreakerCheck reports an open circuit as degraded. Assessments still
// complete through the local fallback while it is open.
func BreakerCheck(name string, open func() bool) Checker {
	return func(context.Context) Status {
		if open() {
			return Status{Name: name, Healthy: true, Degraded: true, Detail: "circuit open, local fallback active"}
		}
		return Status{Name: name, Healthy: true}
	}
}
