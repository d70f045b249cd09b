package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/trustline/internal/deadline"
	"github.com/mbd888/trustline/internal/fees"
	"github.com/mbd888/trustline/internal/idgen"
	"github.com/mbd888/trustline/internal/metrics"
	"github.com/mbd888/trustline/internal/notify"
	"github.com/mbd888/trustline/internal/pagination"
	"github.com/mbd888/trustline/internal/payments"
	"github.com/mbd888/trustline/internal/traces"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// CreateRequest contains the parameters for creating a transaction.
type CreateRequest struct {
	SellerID            string          `json:"-"`
	BuyerID             string          `json:"buyerId"`
	SellerAccountRef    string          `json:"sellerAccountRef"`
	Title               string          `json:"title" binding:"required"`
	Currency            string          `json:"currency" binding:"required"`
	LineItems           []fees.LineItem `json:"lineItems" binding:"required"`
	TaxRate             decimal.Decimal `json:"taxRate"`
	FeeRatioToClient    *int            `json:"feeRatioToClient"`
	ServiceDate         *time.Time      `json:"serviceDate"`
	ServiceEndDate      *time.Time      `json:"serviceEndDate"`
	PaymentDeadlineBank *time.Time      `json:"paymentDeadlineBank"`
	PaymentDeadlineCard *time.Time      `json:"paymentDeadlineCard"`
	PaymentDeadline     *time.Time      `json:"paymentDeadline"`
}

// PayRequest contains the buyer's payment instrument.
type PayRequest struct {
	Method           payments.Method `json:"method" binding:"required"`
	PaymentMethodRef string          `json:"paymentMethodRef"`
}

// Service implements the transaction state machine.
type Service struct {
	store           Store
	gateway         payments.Gateway
	notifier        notify.Notifier
	logger          *slog.Logger
	now             func() time.Time
	dateExtension   time.Duration
	defaultFeeRatio int
}

// NewService creates a transaction service.
func NewService(store Store, gateway payments.Gateway) *Service {
	return &Service{
		store:           store,
		gateway:         gateway,
		notifier:        notify.Nop,
		logger:          slog.Default(),
		now:             time.Now,
		dateExtension:   24 * time.Hour,
		defaultFeeRatio: 50,
	}
}

func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock replaces the time source. Used by tests and the one-shot sweep.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithDateExtension sets the card window granted when an accepted date
// change lands inside the card cutoff.
func (s *Service) WithDateExtension(d time.Duration) *Service {
	if d > 0 {
		s.dateExtension = d
	}
	return s
}

// WithDefaultFeeRatio sets the buyer's share of the platform fee used when
// the seller does not choose one.
func (s *Service) WithDefaultFeeRatio(r int) *Service {
	if r >= 0 && r <= 100 {
		s.defaultFeeRatio = r
	}
	return s
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time {
	return s.now()
}

// Create defines a new engagement in pending. Fees are computed from the
// line items; deadlines are stored as given and resolved on read.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Transaction, error) {
	const op = "create"

	if req.SellerID == "" {
		return nil, reject(op, ErrInvalidRequest, "seller is required")
	}
	if req.BuyerID != "" && req.BuyerID == req.SellerID {
		return nil, reject(op, ErrInvalidRequest, "buyer and seller must be different users")
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return nil, reject(op, ErrInvalidRequest, "currency must be a three-letter ISO 4217 code")
	}
	if req.ServiceEndDate != nil && req.ServiceDate == nil {
		return nil, reject(op, ErrInvalidRequest, "service end date requires a service date")
	}
	if req.ServiceDate != nil && req.ServiceEndDate != nil && req.ServiceEndDate.Before(*req.ServiceDate) {
		return nil, reject(op, ErrInvalidRequest, "service end date is before the service date")
	}

	ratio := s.defaultFeeRatio
	if req.FeeRatioToClient != nil {
		ratio = *req.FeeRatioToClient
	}
	breakdown, err := fees.FromItems(req.LineItems, req.TaxRate, ratio)
	if err != nil {
		return nil, reject(op, ErrInvalidRequest, "%v", err)
	}

	now := s.now().UTC()
	t := &Transaction{
		ID:                  idgen.WithPrefix(idgen.PrefixTransaction),
		SellerID:            req.SellerID,
		BuyerID:             req.BuyerID,
		SellerAccountRef:    req.SellerAccountRef,
		Title:               strings.TrimSpace(req.Title),
		LineItems:           append([]fees.LineItem(nil), req.LineItems...),
		Currency:            currency,
		Status:              StatusPending,
		ServiceDate:         cloneTime(req.ServiceDate),
		ServiceEndDate:      cloneTime(req.ServiceEndDate),
		PaymentDeadlineBank: cloneTime(req.PaymentDeadlineBank),
		PaymentDeadlineCard: cloneTime(req.PaymentDeadlineCard),
		PaymentDeadline:     cloneTime(req.PaymentDeadline),
		RefundStatus:        RefundNone,
		RefundAmount:        decimal.Zero,
		DateChangeStatus:    DateChangeNone,
		CreatedAt:           now,
		UpdatedAt:           now,
		Version:             1,
	}
	t.applyFees(breakdown)

	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	s.logger.Info("transaction created",
		"transaction_id", t.ID, "seller", t.SellerID, "amount", t.Amount.String(), "currency", t.Currency)
	s.emit(ctx, notify.New(notify.TransactionCreated, t.ID, t.SellerID, t.BuyerID))
	return t, nil
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// GetForParty returns a transaction only if userID is one of its parties.
func (s *Service) GetForParty(ctx context.Context, id, userID string) (*Transaction, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsParty(userID) {
		return nil, reject("get", ErrUnauthorized, "not a party to this transaction")
	}
	return t, nil
}

// Page is one page of a party's transactions.
type Page struct {
	Transactions []*Transaction
	NextCursor   string
	HasMore      bool
}

// ListByParty returns transactions where userID is seller or buyer, newest
// first. cursor is the NextCursor of the previous page or empty.
func (s *Service) ListByParty(ctx context.Context, userID string, limit int, cursor string) (Page, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return Page{}, reject("list", ErrInvalidRequest, "invalid cursor")
	}
	txs, err := s.store.ListByParty(ctx, userID, limit+1, after)
	if err != nil {
		return Page{}, err
	}
	txs, next, more := pagination.ComputePage(txs, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return Page{Transactions: txs, NextCursor: next, HasMore: more}, nil
}

// Join attaches the buyer to a pending transaction.
func (s *Service) Join(ctx context.Context, id, buyerID string) (*Transaction, error) {
	const op = "join"

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if buyerID == "" || buyerID == t.SellerID {
		return nil, reject(op, ErrUnauthorized, "the seller cannot join their own transaction as buyer")
	}
	if t.BuyerID == buyerID {
		return t, nil
	}
	if t.BuyerID != "" {
		return nil, reject(op, ErrAlreadyJoined, "another buyer has already joined")
	}
	if t.Status != StatusPending && t.Status != StatusPendingDateConfirmation {
		return nil, reject(op, ErrInvalidStatus, "cannot join a %s transaction", t.Status)
	}

	guard := GuardOf(t)
	t.BuyerID = buyerID
	if err := s.update(ctx, t, guard); err != nil {
		return nil, err
	}

	s.emit(ctx, notify.New(notify.TransactionJoined, t.ID, t.SellerID).With("buyerId", buyerID))
	return t, nil
}

// Pay authorizes a hold for the charge amount and moves pending → paid.
// Bank transfers are only accepted during the bank phase. If the record
// changed while the hold was being placed, the hold is voided.
func (s *Service) Pay(ctx context.Context, id, buyerID string, req PayRequest) (_ *Transaction, err error) {
	const op = "pay"
	ctx, span := traces.StartSpan(ctx, "transaction.pay", traces.TransactionID(id))
	defer func() { traces.End(span, err) }()

	if !req.Method.Valid() {
		return nil, reject(op, ErrInvalidRequest, "unknown payment method %q", req.Method)
	}

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if buyerID == "" || buyerID == t.SellerID {
		return nil, reject(op, ErrUnauthorized, "only the buyer can pay")
	}
	if t.BuyerID != "" && t.BuyerID != buyerID {
		return nil, reject(op, ErrUnauthorized, "transaction belongs to another buyer")
	}
	if t.Status != StatusPending {
		return nil, reject(op, ErrInvalidStatus, "cannot pay a %s transaction", t.Status)
	}

	now := s.now()
	if err := checkPaymentWindow(op, t.Deadlines(now), req.Method); err != nil {
		return nil, err
	}

	hold, err := s.gateway.Authorize(ctx, payments.AuthorizeRequest{
		TransactionID:    t.ID,
		Amount:           t.ChargeAmount,
		Currency:         t.Currency,
		Method:           req.Method,
		PaymentMethodRef: req.PaymentMethodRef,
		DestinationRef:   t.SellerAccountRef,
		IdempotencyKey:   authorizeKey(t, req.PaymentMethodRef),
	})
	if err != nil {
		return nil, fmt.Errorf("authorize payment: %w", err)
	}
	if hold.Status != payments.HoldAuthorized {
		return nil, reject(op, ErrConflict, "payment hold %s is %s; retry the payment", hold.Ref, hold.Status)
	}
	if payments.ToMinor(hold.Amount, t.Currency) != payments.ToMinor(t.ChargeAmount, t.Currency) {
		s.voidHold(ctx, id, hold.Ref)
		return nil, reject(op, ErrConflict, "authorized %s but the charge is %s; the hold was released",
			hold.Amount.String(), t.ChargeAmount.String())
	}

	guard := GuardOf(t)
	t.BuyerID = buyerID
	t.Status = StatusPaid
	t.PaymentMethod = req.Method
	t.HoldRef = hold.Ref
	t.PaidAt = ptr(now.UTC())
	if err := s.update(ctx, t, guard); err != nil {
		cur, gerr := s.store.Get(ctx, id)
		if gerr == nil && cur.Status == StatusPaid && cur.HoldRef == hold.Ref {
			// A concurrent identical request recorded the same hold.
			return cur, nil
		}
		s.voidHold(ctx, id, hold.Ref)
		if errors.Is(err, ErrConflict) {
			return nil, reject(op, ErrConflict, "transaction changed while the payment was authorized; the hold was released")
		}
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}

	s.logger.Info("transaction paid",
		"transaction_id", t.ID, "buyer", buyerID, "method", req.Method, "amount", t.ChargeAmount.String())
	s.emit(ctx, notify.New(notify.TransactionPaid, t.ID, t.SellerID, t.BuyerID).
		With("amount", t.ChargeAmount.String()).
		With("method", string(req.Method)))
	return t, nil
}

func checkPaymentWindow(op string, eff deadline.Effective, method payments.Method) error {
	final := eff.Final()
	if final == nil {
		// No deadline policy applies to this transaction.
		return nil
	}
	if eff.Phase == deadline.PhaseExpired {
		return reject(op, ErrDeadlinePassed, "payment deadline passed at %s", final.UTC().Format(time.RFC3339))
	}
	if method == payments.MethodBankTransfer && eff.Phase != deadline.PhaseBankActive {
		return reject(op, ErrMethodUnavailable, "bank transfers closed at %s; pay by card before %s",
			eff.Bank.UTC().Format(time.RFC3339), final.UTC().Format(time.RFC3339))
	}
	return nil
}

// authorizeKey is scoped to the row version and the charge, so a retry after
// the record changed gets a fresh hold instead of a replay of one that was
// released.
func authorizeKey(t *Transaction, methodRef string) string {
	key := fmt.Sprintf("%s_v%d_%d", t.ID, t.Version, payments.ToMinor(t.ChargeAmount, t.Currency))
	if methodRef != "" {
		key += "_" + methodRef
	}
	return payments.IdempotencyKey("authorize", key)
}

// ValidateDelivery records the seller's delivery confirmation. The
// validation window opens immediately when the service period plus grace
// has already elapsed; otherwise the sweeper opens it later.
func (s *Service) ValidateDelivery(ctx context.Context, id, sellerID string) (*Transaction, error) {
	const op = "validate_delivery"

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sellerID == "" || sellerID != t.SellerID {
		return nil, reject(op, ErrUnauthorized, "only the seller can validate delivery")
	}
	if t.Status != StatusPaid {
		return nil, reject(op, ErrInvalidStatus, "cannot validate delivery of a %s transaction", t.Status)
	}
	if t.SellerValidated {
		return nil, reject(op, ErrInvalidStatus, "delivery already validated")
	}

	now := s.now()
	guard := GuardOf(t)
	t.SellerValidated = true
	opened := false
	if deadline.CanActivate(t.ServiceDate, t.ServiceEndDate, now) {
		t.ValidationDeadline = ptr(deadline.ValidationDeadline(now).UTC())
		opened = true
	}
	if err := s.update(ctx, t, guard); err != nil {
		return nil, err
	}

	s.emit(ctx, notify.New(notify.TransactionDelivered, t.ID, t.BuyerID))
	if opened {
		s.emit(ctx, notify.New(notify.ValidationWindowOpened, t.ID, t.BuyerID, t.SellerID).
			With("validationDeadline", t.ValidationDeadline.Format(time.RFC3339)))
	}
	return t, nil
}

// ValidateAcceptance is the buyer's validation: it captures the held funds
// with the platform fee and moves paid → validated.
func (s *Service) ValidateAcceptance(ctx context.Context, id, buyerID string) (_ *Transaction, err error) {
	const op = "validate"
	ctx, span := traces.StartSpan(ctx, "transaction.validate", traces.TransactionID(id))
	defer func() { traces.End(span, err) }()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if buyerID == "" || buyerID != t.BuyerID {
		return nil, reject(op, ErrUnauthorized, "only the buyer can validate")
	}
	if t.Status != StatusPaid {
		return nil, reject(op, ErrInvalidStatus, "cannot validate a %s transaction", t.Status)
	}

	out, applied, err := s.release(ctx, op, t, true)
	if err != nil {
		return nil, err
	}
	if applied {
		s.logger.Info("transaction validated by buyer", "transaction_id", out.ID, "capture_ref", out.CaptureRef)
		s.emit(ctx, notify.New(notify.TransactionValidated, out.ID, out.SellerID, out.BuyerID))
	}
	return out, nil
}

// release captures the full charge with the full platform fee and records
// the transaction as validated.
func (s *Service) release(ctx context.Context, op string, t *Transaction, byBuyer bool) (*Transaction, bool, error) {
	now := s.now()
	capture, err := s.gateway.Capture(ctx, payments.CaptureRequest{
		TransactionID:  t.ID,
		HoldRef:        t.HoldRef,
		Amount:         t.ChargeAmount,
		PlatformFee:    t.TotalFees(),
		Currency:       t.Currency,
		DestinationRef: t.SellerAccountRef,
		IdempotencyKey: payments.IdempotencyKey("capture", t.ID),
	})
	if err != nil {
		return nil, false, fmt.Errorf("capture payment: %w", err)
	}

	return s.commitAfterGateway(ctx, op, t, func(cur *Transaction) error {
		if cur.Status == StatusValidated && cur.CaptureRef == capture.Ref {
			return errAlreadyApplied
		}
		if cur.Status != StatusPaid {
			return fmt.Errorf("transaction is %s", cur.Status)
		}
		cur.Status = StatusValidated
		cur.BuyerValidated = cur.BuyerValidated || byBuyer
		cur.FundsReleased = true
		cur.CaptureRef = capture.Ref
		cur.CompletedAt = ptr(now.UTC())
		return nil
	})
}

// Refund is the full refund by agreement: the seller gives the buyer their
// money back while the transaction is paid. An uncaptured hold is voided.
func (s *Service) Refund(ctx context.Context, id, sellerID string) (_ *Transaction, err error) {
	const op = "refund"
	ctx, span := traces.StartSpan(ctx, "transaction.refund", traces.TransactionID(id))
	defer func() { traces.End(span, err) }()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sellerID == "" || sellerID != t.SellerID {
		return nil, reject(op, ErrUnauthorized, "only the seller can issue a full refund")
	}
	if t.Status != StatusPaid {
		return nil, reject(op, ErrInvalidStatus, "cannot refund a %s transaction", t.Status)
	}

	now := s.now()
	res, err := s.gateway.Refund(ctx, payments.RefundRequest{
		TransactionID:  t.ID,
		HoldRef:        t.HoldRef,
		Currency:       t.Currency,
		IdempotencyKey: payments.IdempotencyKey("refund", t.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("refund payment: %w", err)
	}

	out, applied, err := s.commitAfterGateway(ctx, op, t, func(cur *Transaction) error {
		if cur.Status == StatusRefunded {
			return errAlreadyApplied
		}
		if cur.Status != StatusPaid {
			return fmt.Errorf("transaction is %s", cur.Status)
		}
		cur.Status = StatusRefunded
		cur.RefundStatus = RefundFull
		cur.RefundPercentage = ptr(100)
		cur.RefundAmount = cur.ChargeAmount
		cur.CompletedAt = ptr(now.UTC())
		return nil
	})
	if err != nil {
		return nil, err
	}
	if applied {
		s.logger.Info("transaction refunded by seller", "transaction_id", out.ID, "voided", res.Voided)
		s.emit(ctx, notify.New(notify.TransactionRefunded, out.ID, out.SellerID, out.BuyerID).
			With("amount", out.RefundAmount.String()))
	}
	return out, nil
}

// UpdateFeeRatio changes the buyer's share of the platform fee while the
// transaction is pending. Amounts are recomputed from the line items.
func (s *Service) UpdateFeeRatio(ctx context.Context, id, sellerID string, ratio int) (*Transaction, error) {
	const op = "update_fee_ratio"

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sellerID == "" || sellerID != t.SellerID {
		return nil, reject(op, ErrUnauthorized, "only the seller can change the fee split")
	}
	if t.Status != StatusPending {
		return nil, reject(op, ErrInvalidStatus, "cannot change fees of a %s transaction", t.Status)
	}
	breakdown, err := fees.FromItems(t.LineItems, t.TaxRate, ratio)
	if err != nil {
		return nil, reject(op, ErrInvalidRequest, "%v", err)
	}

	guard := GuardOf(t)
	t.applyFees(breakdown)
	if err := s.update(ctx, t, guard); err != nil {
		return nil, err
	}

	s.emit(ctx, notify.New(notify.FeeRatioChanged, t.ID, t.BuyerID).
		With("feeRatioToClient", ratio).
		With("chargeAmount", t.ChargeAmount.String()))
	return t, nil
}

var errAlreadyApplied = errors.New("already applied")

// commitAfterGateway persists the outcome of a gateway call that already
// moved money. apply is re-run on a fresh copy after a guard conflict, up to
// three times. It returns errAlreadyApplied when a concurrent caller has
// recorded the same outcome, or another error when the record is no longer
// eligible; the latter is logged as critical since money moved without a
// matching state change.
func (s *Service) commitAfterGateway(ctx context.Context, op string, t *Transaction, apply func(cur *Transaction) error) (*Transaction, bool, error) {
	cur := t
	for attempt := 0; attempt < 3; attempt++ {
		next := cur.Clone()
		if err := apply(next); err != nil {
			if errors.Is(err, errAlreadyApplied) {
				return cur, false, nil
			}
			s.logger.Error("CRITICAL: payment moved but transaction no longer eligible",
				"op", op, "transaction_id", t.ID, "status", cur.Status, "error", err)
			return nil, false, reject(op, ErrConflict, "transaction moved to %s while the payment was processed", cur.Status)
		}

		err := s.update(ctx, next, GuardOf(cur))
		if err == nil {
			return next, true, nil
		}
		if !errors.Is(err, ErrConflict) {
			s.logger.Error("CRITICAL: payment moved but state update failed",
				"op", op, "transaction_id", t.ID, "error", err)
			return nil, false, fmt.Errorf("failed to record %s: %w", op, err)
		}

		fresh, gerr := s.store.Get(ctx, t.ID)
		if gerr != nil {
			s.logger.Error("CRITICAL: payment moved but transaction could not be reloaded",
				"op", op, "transaction_id", t.ID, "error", gerr)
			return nil, false, fmt.Errorf("failed to record %s: %w", op, gerr)
		}
		cur = fresh
	}

	s.logger.Error("CRITICAL: payment moved but state update kept conflicting", "op", op, "transaction_id", t.ID)
	return nil, false, reject(op, ErrConflict, "transaction kept changing while the payment was processed")
}

// voidHold releases a hold whose transaction could not be marked paid.
func (s *Service) voidHold(ctx context.Context, id, holdRef string) {
	_, err := s.gateway.Refund(ctx, payments.RefundRequest{
		TransactionID:  id,
		HoldRef:        holdRef,
		IdempotencyKey: payments.IdempotencyKey("void", holdRef),
	})
	if err != nil {
		s.logger.Error("CRITICAL: failed to release orphaned hold",
			"transaction_id", id, "hold_ref", holdRef, "error", err)
		return
	}
	s.logger.Warn("released orphaned hold", "transaction_id", id, "hold_ref", holdRef)
}

// update runs a guarded store update and records transition metrics.
func (s *Service) update(ctx context.Context, t *Transaction, guard Guard) error {
	if guard.Status != t.Status && !CanTransition(guard.Status, t.Status) {
		return fmt.Errorf("%w: %s → %s is not a valid transition", ErrInvalidStatus, guard.Status, t.Status)
	}
	t.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, t, guard); err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.GuardConflictsTotal.WithLabelValues("transaction").Inc()
		}
		return err
	}
	if guard.Status != t.Status {
		metrics.RecordTransition("transaction", string(guard.Status), string(t.Status))
	}
	return nil
}

func (s *Service) emit(ctx context.Context, ev notify.Event) {
	notify.Emit(ctx, s.notifier, ev)
}

// ListRepairs returns the repair audit entries of a transaction.
func (s *Service) ListRepairs(ctx context.Context, id string) ([]*Repair, error) {
	return s.store.ListRepairs(ctx, id)
}
