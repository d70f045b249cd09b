package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/trustline/internal/deadline"
	"github.com/mbd888/trustline/internal/fees"
	"github.com/mbd888/trustline/internal/notify"
	"github.com/mbd888/trustline/internal/payments"
	"github.com/mbd888/trustline/internal/traces"
)

// The methods in this file are driven by the deadline sweeper and by the
// dispute service. Sweeper-facing methods re-read the record, re-check their
// preconditions and report whether they acted. A lost guard race is not an
// error: someone else already moved the record.

func (s *Service) ListOverduePending(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	return s.store.ListOverduePending(ctx, now, limit)
}

func (s *Service) ListAwaitingActivation(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	return s.store.ListAwaitingActivation(ctx, now, limit)
}

func (s *Service) ListValidationDue(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	return s.store.ListValidationDue(ctx, now, limit)
}

// Expire moves an unpaid pending transaction whose final payment deadline
// has elapsed to expired. Transactions without any deadline never expire.
func (s *Service) Expire(ctx context.Context, id string, now time.Time) (bool, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if t.Status != StatusPending || t.HoldRef != "" {
		return false, nil
	}
	eff := t.Deadlines(now)
	if !eff.Overdue(now) {
		return false, nil
	}

	guard := GuardOf(t)
	t.Status = StatusExpired
	t.CompletedAt = ptr(now.UTC())
	if err := s.update(ctx, t, guard); err != nil {
		if errors.Is(err, ErrConflict) {
			return false, nil
		}
		return false, err
	}

	s.logger.Info("transaction expired",
		"transaction_id", t.ID, "deadline", eff.Final().UTC().Format(time.RFC3339))
	s.emit(ctx, notify.New(notify.TransactionExpired, t.ID, t.SellerID, t.BuyerID))
	return true, nil
}

// ActivateValidationWindow opens the buyer's validation window once the
// seller has validated and the service period plus grace has elapsed.
func (s *Service) ActivateValidationWindow(ctx context.Context, id string, now time.Time) (bool, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if t.Status != StatusPaid || !t.SellerValidated || t.ValidationDeadline != nil {
		return false, nil
	}
	if !deadline.CanActivate(t.ServiceDate, t.ServiceEndDate, now) {
		return false, nil
	}

	guard := GuardOf(t)
	t.ValidationDeadline = ptr(deadline.ValidationDeadline(now).UTC())
	if err := s.update(ctx, t, guard); err != nil {
		if errors.Is(err, ErrConflict) {
			return false, nil
		}
		return false, err
	}

	s.emit(ctx, notify.New(notify.ValidationWindowOpened, t.ID, t.BuyerID, t.SellerID).
		With("validationDeadline", t.ValidationDeadline.Format(time.RFC3339)))
	return true, nil
}

// AutoValidate releases funds to the seller when the validation window has
// elapsed without buyer validation or dispute.
func (s *Service) AutoValidate(ctx context.Context, id string, now time.Time) (_ bool, err error) {
	ctx, span := traces.StartSpan(ctx, "transaction.auto_validate", traces.TransactionID(id))
	defer func() { traces.End(span, err) }()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if t.Status != StatusPaid || !t.SellerValidated || t.BuyerValidated || t.FundsReleased {
		return false, nil
	}
	if t.ValidationDeadline == nil || now.Before(*t.ValidationDeadline) {
		return false, nil
	}

	out, applied, err := s.release(ctx, "auto_validate", t, false)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	s.logger.Info("transaction auto-validated", "transaction_id", out.ID, "capture_ref", out.CaptureRef)
	s.emit(ctx, notify.New(notify.TransactionAutoValid, out.ID, out.SellerID, out.BuyerID))
	return true, nil
}

// MarkDisputed moves a paid transaction to disputed. The validation window,
// when open, must not have closed yet.
func (s *Service) MarkDisputed(ctx context.Context, id, callerID string) (*Transaction, error) {
	const op = "dispute"

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsParty(callerID) {
		return nil, reject(op, ErrUnauthorized, "only the buyer or the seller can dispute")
	}
	if t.Status != StatusPaid {
		return nil, reject(op, ErrInvalidStatus, "cannot dispute a %s transaction", t.Status)
	}
	if t.BuyerValidated || t.FundsReleased {
		return nil, reject(op, ErrInvalidStatus, "funds have already been released")
	}
	now := s.now()
	if t.ValidationDeadline != nil && !now.Before(*t.ValidationDeadline) {
		return nil, reject(op, ErrDeadlinePassed, "validation window closed at %s",
			t.ValidationDeadline.UTC().Format(time.RFC3339))
	}

	guard := GuardOf(t)
	t.Status = StatusDisputed
	if err := s.update(ctx, t, guard); err != nil {
		return nil, err
	}

	s.emit(ctx, notify.New(notify.TransactionDisputed, t.ID, t.Counterparty(callerID)).With("openedBy", callerID))
	return t, nil
}

// Split is how a settlement divides the transaction amount.
type Split struct {
	BuyerRefund    decimal.Decimal `json:"buyerRefund"`
	Residual       decimal.Decimal `json:"residual"`
	CaptureAmount  decimal.Decimal `json:"captureAmount"`
	PlatformFee    decimal.Decimal `json:"platformFee"`
	SellerReceives decimal.Decimal `json:"sellerReceives"`
}

// SplitFor computes the settlement of t for a refund percentage. The buyer
// gets pct% of the amount back; platform fees apply to the residual only,
// split with the transaction's fee ratio.
func SplitFor(t *Transaction, pct int) Split {
	buyerRefund := t.Amount.Mul(decimal.NewFromInt(int64(pct))).Div(decimal.NewFromInt(100))
	residual := t.Amount.Sub(buyerRefund)
	if !residual.IsPositive() {
		return Split{
			BuyerRefund:    t.Amount,
			Residual:       decimal.Zero,
			CaptureAmount:  decimal.Zero,
			PlatformFee:    decimal.Zero,
			SellerReceives: decimal.Zero,
		}
	}
	b := fees.OnTotal(residual, t.FeeRatioToClient)
	return Split{
		BuyerRefund:    buyerRefund,
		Residual:       residual,
		CaptureAmount:  b.FinalPrice,
		PlatformFee:    b.TotalFees,
		SellerReceives: b.SellerReceives,
	}
}

// Settlement is a dispute outcome applied to a transaction.
type Settlement struct {
	DisputeID        string
	RefundPercentage int
	Administrative   bool
}

// Settle applies a dispute outcome to a disputed transaction. 100% voids
// the hold and refunds the transaction; anything less captures the residual
// plus its fees and validates it, leaving the buyer's share uncaptured.
func (s *Service) Settle(ctx context.Context, id string, st Settlement) (_ *Transaction, err error) {
	const op = "settle"
	ctx, span := traces.StartSpan(ctx, "transaction.settle", traces.TransactionID(id), traces.DisputeID(st.DisputeID))
	defer func() { traces.End(span, err) }()

	if st.RefundPercentage < 0 || st.RefundPercentage > 100 {
		return nil, reject(op, ErrInvalidRequest, "refund percentage must be between 0 and 100")
	}

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusDisputed {
		return nil, reject(op, ErrInvalidStatus, "cannot settle a %s transaction", t.Status)
	}

	now := s.now()
	pct := st.RefundPercentage
	split := SplitFor(t, pct)
	key := payments.IdempotencyKey("settle", t.ID)

	var apply func(cur *Transaction) error
	if pct == 100 {
		if _, err := s.gateway.Refund(ctx, payments.RefundRequest{
			TransactionID:  t.ID,
			HoldRef:        t.HoldRef,
			Currency:       t.Currency,
			IdempotencyKey: key,
		}); err != nil {
			return nil, fmt.Errorf("refund payment: %w", err)
		}
		apply = func(cur *Transaction) error {
			if cur.Status == StatusRefunded {
				return errAlreadyApplied
			}
			if cur.Status != StatusDisputed {
				return fmt.Errorf("transaction is %s", cur.Status)
			}
			cur.Status = StatusRefunded
			cur.RefundStatus = RefundFull
			cur.RefundPercentage = ptr(100)
			cur.RefundAmount = cur.ChargeAmount
			cur.CompletedAt = ptr(now.UTC())
			return nil
		}
	} else {
		captureRef, err := s.captureResidual(ctx, t, split, key)
		if err != nil {
			return nil, err
		}
		apply = func(cur *Transaction) error {
			if cur.Status == StatusValidated && cur.CaptureRef == captureRef {
				return errAlreadyApplied
			}
			if cur.Status != StatusDisputed {
				return fmt.Errorf("transaction is %s", cur.Status)
			}
			cur.Status = StatusValidated
			cur.FundsReleased = true
			cur.CaptureRef = captureRef
			cur.RefundAmount = split.BuyerRefund
			if pct > 0 {
				cur.RefundStatus = RefundPartial
				cur.RefundPercentage = ptr(pct)
			} else {
				cur.RefundStatus = RefundNone
				cur.RefundPercentage = nil
			}
			cur.CompletedAt = ptr(now.UTC())
			return nil
		}
	}

	out, applied, err := s.commitAfterGateway(ctx, op, t, apply)
	if err != nil {
		return nil, err
	}
	if applied {
		s.logger.Info("transaction settled",
			"transaction_id", out.ID,
			"dispute_id", st.DisputeID,
			"refund_percentage", pct,
			"buyer_refund", split.BuyerRefund.String(),
			"administrative", st.Administrative,
		)
		s.emit(ctx, notify.New(notify.TransactionSettled, out.ID, out.SellerID, out.BuyerID).
			With("disputeId", st.DisputeID).
			With("refundPercentage", pct).
			With("buyerRefund", split.BuyerRefund.String()).
			With("sellerReceives", split.SellerReceives.String()))
	}
	return out, nil
}

// captureResidual moves the seller's share of a partial settlement. Funds
// that were already captured are partially refunded instead.
func (s *Service) captureResidual(ctx context.Context, t *Transaction, split Split, key string) (string, error) {
	if t.CaptureRef != "" {
		if split.BuyerRefund.IsPositive() {
			if _, err := s.gateway.Refund(ctx, payments.RefundRequest{
				TransactionID:  t.ID,
				HoldRef:        t.HoldRef,
				Amount:         split.BuyerRefund,
				Currency:       t.Currency,
				IdempotencyKey: key,
			}); err != nil {
				return "", fmt.Errorf("refund payment: %w", err)
			}
		}
		return t.CaptureRef, nil
	}

	res, err := s.gateway.Capture(ctx, payments.CaptureRequest{
		TransactionID:  t.ID,
		HoldRef:        t.HoldRef,
		Amount:         split.CaptureAmount,
		PlatformFee:    split.PlatformFee,
		Currency:       t.Currency,
		DestinationRef: t.SellerAccountRef,
		IdempotencyKey: key,
	})
	if err != nil {
		return "", fmt.Errorf("capture payment: %w", err)
	}
	return res.Ref, nil
}
