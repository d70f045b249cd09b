// Package transaction implements the escrow transaction state machine.
//
// Lifecycle:
//  1. Seller creates the engagement → pending
//  2. Buyer pays before the payment deadline → paid (funds held, not captured)
//  3. Seller validates delivery; the validation window opens once the
//     service period plus a grace period is over
//  4. Buyer validates, or the window elapses → validated (funds captured)
//  5. Either party disputes while the window is open → disputed, settled by
//     the dispute package through Settle
//  6. Deadline passes without payment → expired
//
// Every mutation is a guarded update on (status, version). No lock is held
// across payment gateway calls.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/trustline/internal/deadline"
	"github.com/mbd888/trustline/internal/fees"
	"github.com/mbd888/trustline/internal/pagination"
	"github.com/mbd888/trustline/internal/payments"
)

var (
	ErrNotFound          = errors.New("transaction not found")
	ErrInvalidStatus     = errors.New("invalid transaction status for this operation")
	ErrUnauthorized      = errors.New("not authorized for this transaction")
	ErrDeadlinePassed    = errors.New("deadline passed")
	ErrConflict          = errors.New("transaction was modified concurrently")
	ErrInvalidRequest    = errors.New("invalid transaction request")
	ErrAlreadyJoined     = errors.New("transaction already has a buyer")
	ErrMethodUnavailable = errors.New("payment method not available in the current phase")
)

// RejectionError explains why a transition was refused. It wraps one of the
// sentinel errors above, so callers can still use errors.Is.
type RejectionError struct {
	Op     string
	Reason string
	Err    error
}

func (e *RejectionError) Error() string { return e.Op + ": " + e.Reason }
func (e *RejectionError) Unwrap() error { return e.Err }

func reject(op string, err error, format string, args ...any) error {
	return &RejectionError{Op: op, Reason: fmt.Sprintf(format, args...), Err: err}
}

// Status is the transaction state.
type Status string

const (
	StatusPending                 Status = "pending"
	StatusPendingDateConfirmation Status = "pending_date_confirmation"
	StatusPaid                    Status = "paid"
	StatusDisputed                Status = "disputed"
	StatusValidated               Status = "validated"
	StatusExpired                 Status = "expired"
	StatusRefunded                Status = "refunded"
)

// AllowedTransitions is the complete transition table. Terminal states have
// no entry.
var AllowedTransitions = map[Status][]Status{
	StatusPending:                 {StatusPaid, StatusExpired, StatusPendingDateConfirmation},
	StatusPendingDateConfirmation: {StatusPending},
	StatusPaid:                    {StatusDisputed, StatusValidated, StatusRefunded},
	StatusDisputed:                {StatusValidated, StatusRefunded},
}

// CanTransition reports whether from → to is in the table.
func CanTransition(from, to Status) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return s == StatusValidated || s == StatusExpired || s == StatusRefunded
}

type RefundStatus string

const (
	RefundNone    RefundStatus = "none"
	RefundPartial RefundStatus = "partial"
	RefundFull    RefundStatus = "full"
)

type DateChangeStatus string

const (
	DateChangeNone     DateChangeStatus = "none"
	DateChangePending  DateChangeStatus = "pending"
	DateChangeApproved DateChangeStatus = "approved"
	DateChangeRejected DateChangeStatus = "rejected"
)

// Transaction is one escrow engagement between a seller and a buyer.
type Transaction struct {
	ID               string          `json:"id"`
	SellerID         string          `json:"sellerId"`
	BuyerID          string          `json:"buyerId,omitempty"`
	SellerAccountRef string          `json:"sellerAccountRef,omitempty"`
	Title            string          `json:"title"`
	LineItems        []fees.LineItem `json:"lineItems"`
	Currency         string          `json:"currency"`

	Subtotal         decimal.Decimal `json:"subtotal"`
	TaxRate          decimal.Decimal `json:"taxRate"`
	TaxAmount        decimal.Decimal `json:"taxAmount"`
	Amount           decimal.Decimal `json:"amount"` // total including tax
	FeeRatioToClient int             `json:"feeRatioToClient"`
	ClientFees       decimal.Decimal `json:"clientFees"`
	SellerFees       decimal.Decimal `json:"sellerFees"`
	ChargeAmount     decimal.Decimal `json:"chargeAmount"` // what the buyer is charged

	Status Status `json:"status"`

	ServiceDate         *time.Time `json:"serviceDate,omitempty"`
	ServiceEndDate      *time.Time `json:"serviceEndDate,omitempty"`
	PaymentDeadlineBank *time.Time `json:"paymentDeadlineBank,omitempty"`
	PaymentDeadlineCard *time.Time `json:"paymentDeadlineCard,omitempty"`
	PaymentDeadline     *time.Time `json:"paymentDeadline,omitempty"` // legacy unified deadline
	ValidationDeadline  *time.Time `json:"validationDeadline,omitempty"`

	SellerValidated bool `json:"sellerValidated"`
	BuyerValidated  bool `json:"buyerValidated"`
	FundsReleased   bool `json:"fundsReleased"`

	RefundStatus     RefundStatus    `json:"refundStatus"`
	RefundPercentage *int            `json:"refundPercentage,omitempty"`
	RefundAmount     decimal.Decimal `json:"refundAmount"`

	PaymentMethod payments.Method `json:"paymentMethod,omitempty"`
	HoldRef       string          `json:"holdRef,omitempty"`
	CaptureRef    string          `json:"captureRef,omitempty"`
	PaidAt        *time.Time      `json:"paidAt,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`

	DateChangeStatus       DateChangeStatus `json:"dateChangeStatus"`
	DateChangeRequestedBy  string           `json:"dateChangeRequestedBy,omitempty"`
	ProposedServiceDate    *time.Time       `json:"proposedServiceDate,omitempty"`
	ProposedServiceEndDate *time.Time       `json:"proposedServiceEndDate,omitempty"`
	DateChangeApprovedAt   *time.Time       `json:"dateChangeApprovedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Version   int64     `json:"version"`
}

// IsTerminal returns true if the transaction is in a final state.
func (t *Transaction) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// IsParty reports whether userID is the seller or the buyer.
func (t *Transaction) IsParty(userID string) bool {
	return userID != "" && (userID == t.SellerID || userID == t.BuyerID)
}

// Counterparty returns the other party, or "" if userID is not a party.
func (t *Transaction) Counterparty(userID string) string {
	switch userID {
	case "":
		return ""
	case t.SellerID:
		return t.BuyerID
	case t.BuyerID:
		return t.SellerID
	}
	return ""
}

// DeadlineInputs returns the stored deadline fields.
func (t *Transaction) DeadlineInputs() deadline.Inputs {
	return deadline.Inputs{
		Card:        t.PaymentDeadlineCard,
		Bank:        t.PaymentDeadlineBank,
		Legacy:      t.PaymentDeadline,
		ServiceDate: t.ServiceDate,
	}
}

// Deadlines resolves the effective payment deadlines at now.
func (t *Transaction) Deadlines(now time.Time) deadline.Effective {
	return deadline.Compute(t.DeadlineInputs(), now)
}

// Fees recomputes the fee breakdown from the stored line items.
func (t *Transaction) Fees() (fees.Breakdown, error) {
	return fees.FromItems(t.LineItems, t.TaxRate, t.FeeRatioToClient)
}

// TotalFees is the platform fee on the full amount.
func (t *Transaction) TotalFees() decimal.Decimal {
	return t.ClientFees.Add(t.SellerFees)
}

func (t *Transaction) applyFees(b fees.Breakdown) {
	t.Subtotal = b.Subtotal
	t.TaxRate = b.TaxRate
	t.TaxAmount = b.TaxAmount
	t.Amount = b.TotalAmount
	t.FeeRatioToClient = b.FeeRatioClient
	t.ClientFees = b.ClientFees
	t.SellerFees = b.SellerFees
	t.ChargeAmount = b.FinalPrice
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	cp.LineItems = append([]fees.LineItem(nil), t.LineItems...)
	cp.ServiceDate = cloneTime(t.ServiceDate)
	cp.ServiceEndDate = cloneTime(t.ServiceEndDate)
	cp.PaymentDeadlineBank = cloneTime(t.PaymentDeadlineBank)
	cp.PaymentDeadlineCard = cloneTime(t.PaymentDeadlineCard)
	cp.PaymentDeadline = cloneTime(t.PaymentDeadline)
	cp.ValidationDeadline = cloneTime(t.ValidationDeadline)
	cp.PaidAt = cloneTime(t.PaidAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	cp.ProposedServiceDate = cloneTime(t.ProposedServiceDate)
	cp.ProposedServiceEndDate = cloneTime(t.ProposedServiceEndDate)
	cp.DateChangeApprovedAt = cloneTime(t.DateChangeApprovedAt)
	if t.RefundPercentage != nil {
		p := *t.RefundPercentage
		cp.RefundPercentage = &p
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func ptr[T any](v T) *T { return &v }

// Guard is the precondition of a guarded update: the stored row must still
// have this status and version.
type Guard struct {
	Status  Status
	Version int64
}

// GuardOf captures the current status and version of t.
func GuardOf(t *Transaction) Guard {
	return Guard{Status: t.Status, Version: t.Version}
}

// Repair is one audit entry written by the stale-deadline repair path.
type Repair struct {
	ID              string     `json:"id"`
	TransactionID   string     `json:"transactionId"`
	Action          string     `json:"action"`
	Status          Status     `json:"status"`
	OldDeadline     *time.Time `json:"oldDeadline,omitempty"`
	NewBankDeadline *time.Time `json:"newBankDeadline,omitempty"`
	NewCardDeadline *time.Time `json:"newCardDeadline,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

const (
	RepairActionReset   = "reset_deadline"
	RepairActionFlagged = "flagged_expired"
)

// Store persists transactions.
type Store interface {
	Create(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)

	// Update writes t only if the stored row still matches guard. On success
	// t.Version is incremented. It returns ErrConflict when the guard fails
	// and ErrNotFound when the row does not exist.
	Update(ctx context.Context, t *Transaction, guard Guard) error

	// ListByParty returns transactions where userID is seller or buyer,
	// newest first, starting after the cursor when one is given.
	ListByParty(ctx context.Context, userID string, limit int, after *pagination.Cursor) ([]*Transaction, error)

	// ListOverduePending returns unpaid pending transactions whose final
	// payment deadline is at or before now.
	ListOverduePending(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)

	// ListAwaitingActivation returns paid, seller-validated transactions
	// without a validation deadline whose service period plus grace has
	// elapsed at now.
	ListAwaitingActivation(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)

	// ListValidationDue returns paid, seller-validated transactions that are
	// neither buyer-validated nor released and whose validation deadline is
	// at or before now.
	ListValidationDue(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)

	// ListApprovedDateChanges returns pending or expired transactions whose
	// approved date change left a final payment deadline lapsed at now.
	// Expired rows already flagged for review are left out.
	ListApprovedDateChanges(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)

	// RecordRepair stores an audit entry. It reports false when an identical
	// entry (transaction, action, old deadline) already exists.
	RecordRepair(ctx context.Context, r *Repair) (bool, error)
	ListRepairs(ctx context.Context, transactionID string) ([]*Repair, error)
}
