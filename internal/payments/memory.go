package payments

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/mbd888/trustline/internal/idgen"
)

// MemoryGateway is an in-process Gateway for development and tests. It keeps
// hold state, honours idempotency keys and can be told to fail.
type MemoryGateway struct {
	mu       sync.Mutex
	holds    map[string]*memHold
	replies  map[string]any // idempotency key -> previous result
	failures map[string][]error
	calls    []Call
}

// Call records one invocation, for assertions.
type Call struct {
	Op             string
	TransactionID  string
	HoldRef        string
	Amount         decimal.Decimal
	PlatformFee    decimal.Decimal
	IdempotencyKey string
}

type memHold struct {
	hold     Hold
	captured decimal.Decimal
	fee      decimal.Decimal
	refunded decimal.Decimal
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		holds:    make(map[string]*memHold),
		replies:  make(map[string]any),
		failures: make(map[string][]error),
	}
}

// FailNext makes the next len(errs) calls of op ("authorize", "capture",
// "refund") return the given errors in order.
func (g *MemoryGateway) FailNext(op string, errs ...error) {
	g.mu.Lock()
	g.failures[op] = append(g.failures[op], errs...)
	g.mu.Unlock()
}

// Calls returns a copy of the call log.
func (g *MemoryGateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Call, len(g.calls))
	copy(out, g.calls)
	return out
}

// CallCount returns how many calls of op reached the gateway.
func (g *MemoryGateway) CallCount(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// HoldState returns the current state of a hold.
func (g *MemoryGateway) HoldState(ref string) (Hold, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.holds[ref]
	if !ok {
		return Hold{}, false
	}
	return h.hold, true
}

// Captured returns the captured amount and platform fee for a hold.
func (g *MemoryGateway) Captured(ref string) (amount, fee decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if h, ok := g.holds[ref]; ok {
		return h.captured, h.fee
	}
	return decimal.Zero, decimal.Zero
}

// caller holds g.mu
func (g *MemoryGateway) injected(op string) error {
	errs := g.failures[op]
	if len(errs) == 0 {
		return nil
	}
	g.failures[op] = errs[1:]
	return errs[0]
}

func (g *MemoryGateway) Authorize(ctx context.Context, req AuthorizeRequest) (*Hold, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls = append(g.calls, Call{Op: "authorize", TransactionID: req.TransactionID, Amount: req.Amount, IdempotencyKey: req.IdempotencyKey})
	if err := g.injected("authorize"); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() || !req.Method.Valid() {
		return nil, ErrInvalidRequest
	}
	if prev, ok := g.replies[req.IdempotencyKey].(*Hold); ok && req.IdempotencyKey != "" {
		// Replays report the hold as it stands now.
		cp := *prev
		if h, ok := g.holds[prev.Ref]; ok {
			cp = h.hold
		}
		return &cp, nil
	}

	h := &memHold{hold: Hold{
		Ref:      idgen.WithPrefix("pi_"),
		Amount:   req.Amount,
		Currency: req.Currency,
		Status:   HoldAuthorized,
	}}
	g.holds[h.hold.Ref] = h
	out := h.hold
	if req.IdempotencyKey != "" {
		g.replies[req.IdempotencyKey] = &out
	}
	cp := out
	return &cp, nil
}

func (g *MemoryGateway) Capture(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls = append(g.calls, Call{Op: "capture", TransactionID: req.TransactionID, HoldRef: req.HoldRef, Amount: req.Amount, PlatformFee: req.PlatformFee, IdempotencyKey: req.IdempotencyKey})
	if err := g.injected("capture"); err != nil {
		return nil, err
	}
	if prev, ok := g.replies[req.IdempotencyKey].(*CaptureResult); ok && req.IdempotencyKey != "" {
		cp := *prev
		return &cp, nil
	}

	h, ok := g.holds[req.HoldRef]
	if !ok {
		return nil, ErrNotFound
	}
	if h.hold.Status != HoldAuthorized {
		return nil, ErrAlreadyFinalized
	}
	if !req.Amount.IsPositive() || req.Amount.GreaterThan(h.hold.Amount) || req.PlatformFee.GreaterThan(req.Amount) {
		return nil, ErrInvalidRequest
	}

	h.hold.Status = HoldCaptured
	h.captured = req.Amount
	h.fee = req.PlatformFee
	res := &CaptureResult{Ref: h.hold.Ref, Amount: req.Amount, PlatformFee: req.PlatformFee}
	if req.IdempotencyKey != "" {
		g.replies[req.IdempotencyKey] = res
	}
	cp := *res
	return &cp, nil
}

func (g *MemoryGateway) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls = append(g.calls, Call{Op: "refund", TransactionID: req.TransactionID, HoldRef: req.HoldRef, Amount: req.Amount, IdempotencyKey: req.IdempotencyKey})
	if err := g.injected("refund"); err != nil {
		return nil, err
	}
	if prev, ok := g.replies[req.IdempotencyKey].(*RefundResult); ok && req.IdempotencyKey != "" {
		cp := *prev
		return &cp, nil
	}

	h, ok := g.holds[req.HoldRef]
	if !ok {
		return nil, ErrNotFound
	}

	var res *RefundResult
	switch h.hold.Status {
	case HoldAuthorized:
		h.hold.Status = HoldVoided
		res = &RefundResult{Ref: h.hold.Ref, Amount: h.hold.Amount, Voided: true}
	case HoldCaptured:
		remaining := h.captured.Sub(h.refunded)
		amount := req.Amount
		if amount.IsZero() {
			amount = remaining
		}
		if amount.GreaterThan(remaining) || amount.IsNegative() {
			return nil, ErrInvalidRequest
		}
		h.refunded = h.refunded.Add(amount)
		if h.refunded.Equal(h.captured) {
			h.hold.Status = HoldRefunded
		}
		res = &RefundResult{Ref: idgen.WithPrefix("re_"), Amount: amount}
	default:
		return nil, ErrAlreadyFinalized
	}

	if req.IdempotencyKey != "" {
		g.replies[req.IdempotencyKey] = res
	}
	cp := *res
	return &cp, nil
}

var _ Gateway = (*MemoryGateway)(nil)
