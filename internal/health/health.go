// Package health aggregates subsystem checks (database, deadline timer,
// payment gateway) behind the /health endpoints.
//
// Critical checks gate readiness: a replica that cannot reach its database
// must not receive traffic. Non-critical checks only degrade GET /health.
package health

import (
	"context"
	"sync"
	"time"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Latency  string `json:"latency,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name     string
	critical bool
	check    Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named checker that only affects the aggregate report.
func (r *Registry) Register(name string, check Checker) {
	r.add(namedChecker{name: name, check: check})
}

// RegisterCritical adds a named checker that also gates readiness.
func (r *Registry) RegisterCritical(name string, check Checker) {
	r.add(namedChecker{name: name, critical: true, check: check})
}

func (r *Registry) add(nc namedChecker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, nc)
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently. Statuses keep registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	return r.run(ctx, false)
}

// CheckCritical runs only the critical checkers.
func (r *Registry) CheckCritical(ctx context.Context) (healthy bool, statuses []Status) {
	return r.run(ctx, true)
}

func (r *Registry) run(ctx context.Context, criticalOnly bool) (bool, []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, 0, len(r.checkers))
	for _, nc := range r.checkers {
		if !criticalOnly || nc.critical {
			checkers = append(checkers, nc)
		}
	}
	r.mu.RUnlock()

	statuses := make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			start := time.Now()
			st := nc.check(ctx)
			if st.Name == "" {
				st.Name = nc.name
			}
			st.Critical = nc.critical
			st.Latency = time.Since(start).Round(time.Microsecond).String()
			statuses[i] = st
		}(i, nc)
	}
	wg.Wait()

	healthy := true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}
