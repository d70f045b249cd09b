package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/trustline/internal/circuitbreaker"
	"github.com/mbd888/trustline/internal/logging"
	"github.com/mbd888/trustline/internal/metrics"
	"github.com/mbd888/trustline/internal/retry"
	"github.com/mbd888/trustline/internal/traces"
)

// Resilient decorates a Gateway with per-call timeouts, bounded retries of
// transient failures, a circuit breaker per operation, metrics and spans.
// It holds no locks across the inner call.
type Resilient struct {
	inner   Gateway
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
	timeout time.Duration
	logger  *slog.Logger
}

// ResilientOption configures a Resilient gateway.
type ResilientOption func(*Resilient)

func WithPolicy(p retry.Policy) ResilientOption {
	return func(r *Resilient) { r.policy = p }
}

func WithBreaker(b *circuitbreaker.Breaker) ResilientOption {
	return func(r *Resilient) { r.breaker = b }
}

func WithCallTimeout(d time.Duration) ResilientOption {
	return func(r *Resilient) { r.timeout = d }
}

func WithResilientLogger(l *slog.Logger) ResilientOption {
	return func(r *Resilient) { r.logger = l }
}

// NewResilient wraps inner. Defaults: retry.DefaultPolicy, a breaker that
// opens after 5 consecutive transient failures for 30s, 15s per attempt.
func NewResilient(inner Gateway, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		inner:   inner,
		policy:  retry.DefaultPolicy,
		breaker: circuitbreaker.New(5, 30*time.Second),
		timeout: 15 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resilient) Authorize(ctx context.Context, req AuthorizeRequest) (*Hold, error) {
	var out *Hold
	err := r.call(ctx, "authorize", req.TransactionID, func(ctx context.Context) error {
		h, err := r.inner.Authorize(ctx, req)
		out = h
		return err
	})
	return out, err
}

func (r *Resilient) Capture(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	var out *CaptureResult
	err := r.call(ctx, "capture", req.TransactionID, func(ctx context.Context) error {
		c, err := r.inner.Capture(ctx, req)
		out = c
		return err
	})
	return out, err
}

func (r *Resilient) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	var out *RefundResult
	err := r.call(ctx, "refund", req.TransactionID, func(ctx context.Context) error {
		res, err := r.inner.Refund(ctx, req)
		out = res
		return err
	})
	return out, err
}

func (r *Resilient) call(ctx context.Context, op, txID string, fn func(context.Context) error) (err error) {
	ctx, span := traces.StartSpan(ctx, "gateway."+op, traces.GatewayOp(op), traces.TransactionID(txID))
	defer func() { traces.End(span, err) }()

	start := time.Now()
	policy := r.policy
	policy.Retryable = IsRetryable
	policy.OnRetry = func(attempt int, err error) {
		metrics.GatewayRetriesTotal.WithLabelValues(op).Inc()
		logging.L(ctx).Warn("gateway call failed, retrying",
			"op", op, "transaction_id", txID, "attempt", attempt, "error", err)
	}

	key := "gateway." + op
	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		berr := r.breaker.Do(ctx, key, IsRetryable, func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			return fn(attemptCtx)
		})
		if errors.Is(berr, circuitbreaker.ErrOpen) {
			return retry.Permanent(fmt.Errorf("%w: %w", ErrTransient, berr))
		}
		if berr != nil && errors.Is(berr, context.DeadlineExceeded) && !IsRetryable(berr) {
			return fmt.Errorf("%w: %w", ErrTransient, berr)
		}
		return berr
	})

	metrics.GatewayCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.GatewayCallsTotal.WithLabelValues(op, resultLabel(err)).Inc()
	if err != nil {
		r.logger.Warn("gateway call failed", "op", op, "transaction_id", txID, "error", err)
	}
	return err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "circuit_open"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrDeclined):
		return "declined"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyFinalized):
		return "finalized"
	default:
		return "error"
	}
}

var _ Gateway = (*Resilient)(nil)

// OpenCircuits lists the gateway operations whose breaker is not closed.
func (r *Resilient) OpenCircuits() []string {
	var open []string
	for _, op := range []string{"authorize", "capture", "refund"} {
		if st := r.breaker.State("gateway." + op); st != circuitbreaker.StateClosed {
			open = append(open, op+"="+st.String())
		}
	}
	return open
}
