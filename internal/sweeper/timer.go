package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer runs the sweeper on a fixed interval.
type Timer struct {
	sweeper  *Sweeper
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	lastRun  atomic.Int64
}

// NewTimer creates a timer that sweeps every interval.
func NewTimer(s *Sweeper, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		sweeper:  s,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastRun returns when the last tick finished, or the zero time.
func (t *Timer) LastRun() time.Time {
	ns := t.lastRun.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Interval is the configured tick period.
func (t *Timer) Interval() time.Duration {
	return t.interval
}

// Start runs the loop until ctx is done or Stop is called. Call in a
// goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop. The signal is kept, so a loop busy with a
// sweep exits once the sweep returns. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in deadline sweeper", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.sweeper.RunAs(ctx, TriggerTimer); err != nil {
		t.logger.Warn("deadline sweep incomplete", "error", err)
	}
	t.lastRun.Store(time.Now().UnixNano())
}
