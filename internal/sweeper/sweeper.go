// Package sweeper advances time-based transitions without user interaction.
//
// One run executes, in order:
//  0. (optional) repair of deadlines left stale by approved date changes
//  1. expiry of unpaid pending transactions past their payment deadline
//  2. activation of the buyer's validation window once the service is over
//  3. auto-validation of transactions whose validation window elapsed
//  4. escalation of disputes whose deadline elapsed
//
// Every mutation goes through the same guarded update the user-facing
// operations use, so overlapping runs and reruns are safe. A failure on one
// record is logged and counted and the record is retried on the next run.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/trustline/internal/dispute"
	"github.com/mbd888/trustline/internal/metrics"
	"github.com/mbd888/trustline/internal/traces"
	"github.com/mbd888/trustline/internal/transaction"
)

// Triggers label what started a run.
const (
	TriggerTimer = "timer"
	TriggerAdmin = "admin"
	TriggerCLI   = "cli"
)

// Step names, also used as metric labels.
const (
	StepRepair   = "repair"
	StepExpire   = "expire"
	StepActivate = "activate_validation"
	StepValidate = "auto_validate"
	StepEscalate = "escalate"
)

const DefaultBatchSize = 100

// Transactions is the part of the transaction service the sweeper drives.
type Transactions interface {
	ListOverduePending(ctx context.Context, now time.Time, limit int) ([]*transaction.Transaction, error)
	ListAwaitingActivation(ctx context.Context, now time.Time, limit int) ([]*transaction.Transaction, error)
	ListValidationDue(ctx context.Context, now time.Time, limit int) ([]*transaction.Transaction, error)
	Expire(ctx context.Context, id string, now time.Time) (bool, error)
	ActivateValidationWindow(ctx context.Context, id string, now time.Time) (bool, error)
	AutoValidate(ctx context.Context, id string, now time.Time) (bool, error)
	RepairStaleDeadlines(ctx context.Context, now time.Time, limit int) (transaction.RepairResult, error)
}

// Disputes is the part of the dispute service the sweeper drives.
type Disputes interface {
	ListEscalatable(ctx context.Context, now time.Time, limit int) ([]*dispute.Dispute, error)
	Escalate(ctx context.Context, id string, now time.Time) (bool, error)
}

// StepResult counts one step of a run.
type StepResult struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
	Total     int `json:"total"`
}

// Result summarizes a run. Processed counts records that changed, Total
// the records examined.
type Result struct {
	Processed int                       `json:"processed"`
	Errors    int                       `json:"errors"`
	Total     int                       `json:"total"`
	Steps     map[string]StepResult     `json:"steps"`
	Repair    *transaction.RepairResult `json:"repair,omitempty"`
	StartedAt time.Time                 `json:"startedAt"`
	Duration  string                    `json:"duration"`
}

func (r *Result) add(step string, sr StepResult) {
	r.Steps[step] = sr
	r.Processed += sr.Processed
	r.Errors += sr.Errors
	r.Total += sr.Total
}

// Sweeper runs the deadline steps. It holds no state between runs.
type Sweeper struct {
	txs       Transactions
	disputes  Disputes
	logger    *slog.Logger
	now       func() time.Time
	batchSize int
	repair    bool
}

// New creates a sweeper over the two services.
func New(txs Transactions, disputes Disputes) *Sweeper {
	return &Sweeper{
		txs:       txs,
		disputes:  disputes,
		logger:    slog.Default(),
		now:       time.Now,
		batchSize: DefaultBatchSize,
	}
}

func (s *Sweeper) WithLogger(l *slog.Logger) *Sweeper {
	s.logger = l
	return s
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// WithBatchSize caps the records selected per step and run.
func (s *Sweeper) WithBatchSize(n int) *Sweeper {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// WithRepair enables the stale-deadline repair step ahead of expiry.
func (s *Sweeper) WithRepair(enabled bool) *Sweeper {
	s.repair = enabled
	return s
}

// Run executes one sweep on behalf of an operator or scheduler.
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	return s.RunAs(ctx, TriggerAdmin)
}

// RunAs executes one sweep and labels it with trigger. A step whose
// selection query fails is skipped; the remaining steps still run and the
// failures are returned joined.
func (s *Sweeper) RunAs(ctx context.Context, trigger string) (_ Result, err error) {
	ctx, span := traces.StartSpan(ctx, "sweeper.run")
	defer func() { traces.End(span, err) }()

	start := time.Now()
	now := s.now().UTC()
	res := Result{Steps: make(map[string]StepResult), StartedAt: now}
	metrics.SweepRunsTotal.WithLabelValues(trigger).Inc()

	var errs []error
	if s.repair {
		rr, rerr := s.txs.RepairStaleDeadlines(ctx, now, s.batchSize)
		if rerr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", StepRepair, rerr))
		}
		res.Repair = &rr
		res.add(StepRepair, StepResult{
			Processed: rr.Reset + rr.Flagged,
			Skipped:   rr.Examined - rr.Reset - rr.Flagged - rr.Errors,
			Errors:    rr.Errors,
			Total:     rr.Examined,
		})
	}

	steps := []struct {
		name string
		run  func(context.Context, time.Time) (StepResult, error)
	}{
		{StepExpire, s.expire},
		{StepActivate, s.activate},
		{StepValidate, s.validate},
		{StepEscalate, s.escalate},
	}
	for _, st := range steps {
		sr, serr := st.run(ctx, now)
		if serr != nil {
			s.logger.Error("sweep step failed", "step", st.name, "error", serr)
			errs = append(errs, fmt.Errorf("%s: %w", st.name, serr))
			sr.Errors++
		}
		res.add(st.name, sr)
	}

	elapsed := time.Since(start)
	res.Duration = elapsed.String()
	metrics.SweepDuration.Observe(elapsed.Seconds())
	metrics.SweepLastRun.SetToCurrentTime()

	level := slog.LevelDebug
	if res.Processed > 0 || res.Errors > 0 {
		level = slog.LevelInfo
	}
	s.logger.Log(ctx, level, "sweep finished",
		"trigger", trigger,
		"processed", res.Processed,
		"errors", res.Errors,
		"total", res.Total,
		"duration", elapsed)

	return res, errors.Join(errs...)
}

func (s *Sweeper) expire(ctx context.Context, now time.Time) (StepResult, error) {
	txs, err := s.txs.ListOverduePending(ctx, now, s.batchSize)
	if err != nil {
		return StepResult{}, err
	}
	return s.each(ctx, StepExpire, transactionIDs(txs), func(ctx context.Context, id string) (bool, error) {
		return s.txs.Expire(ctx, id, now)
	}), nil
}

func (s *Sweeper) activate(ctx context.Context, now time.Time) (StepResult, error) {
	txs, err := s.txs.ListAwaitingActivation(ctx, now, s.batchSize)
	if err != nil {
		return StepResult{}, err
	}
	return s.each(ctx, StepActivate, transactionIDs(txs), func(ctx context.Context, id string) (bool, error) {
		return s.txs.ActivateValidationWindow(ctx, id, now)
	}), nil
}

func (s *Sweeper) validate(ctx context.Context, now time.Time) (StepResult, error) {
	txs, err := s.txs.ListValidationDue(ctx, now, s.batchSize)
	if err != nil {
		return StepResult{}, err
	}
	return s.each(ctx, StepValidate, transactionIDs(txs), func(ctx context.Context, id string) (bool, error) {
		return s.txs.AutoValidate(ctx, id, now)
	}), nil
}

func (s *Sweeper) escalate(ctx context.Context, now time.Time) (StepResult, error) {
	ds, err := s.disputes.ListEscalatable(ctx, now, s.batchSize)
	if err != nil {
		return StepResult{}, err
	}
	ids := make([]string, len(ds))
	for i, d := range ds {
		ids[i] = d.ID
	}
	return s.each(ctx, StepEscalate, ids, func(ctx context.Context, id string) (bool, error) {
		return s.disputes.Escalate(ctx, id, now)
	}), nil
}

// each applies act to every id. Errors are logged and counted, never
// returned: the record stays selectable and is retried next run.
func (s *Sweeper) each(ctx context.Context, step string, ids []string, act func(context.Context, string) (bool, error)) StepResult {
	var sr StepResult
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		sr.Total++
		acted, err := act(ctx, id)
		switch {
		case err != nil:
			sr.Errors++
			metrics.SweepActionsTotal.WithLabelValues(step, "error").Inc()
			s.logger.Warn("sweep action failed", "step", step, "id", id, "error", err)
		case acted:
			sr.Processed++
			metrics.SweepActionsTotal.WithLabelValues(step, "processed").Inc()
		default:
			sr.Skipped++
			metrics.SweepActionsTotal.WithLabelValues(step, "skipped").Inc()
		}
	}
	return sr
}

func transactionIDs(txs []*transaction.Transaction) []string {
	ids := make([]string, len(txs))
	for i, t := range txs {
		ids[i] = t.ID
	}
	return ids
}
