package health

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Database pings db with a short timeout.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// SweepTimer is the view of the deadline timer the check needs.
type SweepTimer interface {
	Running() bool
	LastRun() time.Time
	Interval() time.Duration
}

// Sweeper fails when the timer loop is not running or has not completed a
// run for three intervals. A timer that has not ticked yet is healthy.
func Sweeper(t SweepTimer, now func() time.Time) Checker {
	return func(context.Context) Status {
		if !t.Running() {
			return Status{Name: "sweeper", Healthy: false, Detail: "timer not running"}
		}
		last := t.LastRun()
		if last.IsZero() {
			return Status{Name: "sweeper", Healthy: true, Detail: "waiting for first run"}
		}
		if age := now().Sub(last); age > 3*t.Interval() {
			return Status{Name: "sweeper", Healthy: false, Detail: fmt.Sprintf("last run %s ago", age.Truncate(time.Second))}
		}
		return Status{Name: "sweeper", Healthy: true, Detail: "last run " + last.UTC().Format(time.RFC3339)}
	}
}

// CircuitReporter reports payment-gateway circuits that are not closed.
type CircuitReporter interface {
	OpenCircuits() []string
}

// Gateway is unhealthy while any gateway circuit is open. It only affects
// GET /health, never readiness.
func Gateway(r CircuitReporter) Checker {
	return func(context.Context) Status {
		if open := r.OpenCircuits(); len(open) > 0 {
			return Status{Name: "gateway", Healthy: false, Detail: strings.Join(open, ", ")}
		}
		return Status{Name: "gateway", Healthy: true}
	}
}
