// Package dispute implements the negotiation that runs on a contested
// transaction.
//
// Flow:
//  1. Either party opens a dispute on a paid transaction → open
//  2. The counterparty responds → negotiating
//  3. A party proposes a split → responded, until the other party accepts
//     (→ resolved*), rejects or the proposer withdraws (→ negotiating)
//  4. The dispute deadline elapses without agreement → escalated; only an
//     administrator can resolve it from there
//
// Entering a resolved state settles the transaction through
// transaction.Service.Settle.
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound         = errors.New("dispute not found")
	ErrProposalNotFound = errors.New("proposal not found")
	ErrInvalidStatus    = errors.New("invalid dispute status for this operation")
	ErrUnauthorized     = errors.New("not authorized for this dispute")
	ErrAlreadyOpen      = errors.New("transaction already has an open dispute")
	ErrPendingProposal  = errors.New("dispute already has a pending proposal")
	ErrEscalated        = errors.New("dispute is escalated; only an administrator can act")
	ErrInvalidRequest   = errors.New("invalid dispute request")
	ErrConflict         = errors.New("dispute was modified concurrently")
)

// Type classifies the complaint.
type Type string

const (
	TypeQualityIssue            Type = "quality_issue"
	TypeNotAsDescribed          Type = "not_as_described"
	TypeDeliveryIssue           Type = "delivery_issue"
	TypeUnauthorizedTransaction Type = "unauthorized_transaction"
	TypeNotReceived             Type = "not_received"
	TypeFraud                   Type = "fraud"
	TypeOther                   Type = "other"
)

func (t Type) Valid() bool {
	switch t {
	case TypeQualityIssue, TypeNotAsDescribed, TypeDeliveryIssue, TypeUnauthorizedTransaction,
		TypeNotReceived, TypeFraud, TypeOther:
		return true
	}
	return false
}

// Status is the dispute state.
type Status string

const (
	StatusOpen            Status = "open"
	StatusNegotiating     Status = "negotiating"
	StatusResponded       Status = "responded"
	StatusEscalated       Status = "escalated"
	StatusResolved        Status = "resolved" // partial refund
	StatusResolvedRefund  Status = "resolved_refund"
	StatusResolvedRelease Status = "resolved_release"
)

var resolvedStates = []Status{StatusResolved, StatusResolvedRefund, StatusResolvedRelease}

// AllowedTransitions is the dispute transition table. A first proposal on an
// open dispute goes straight to responded. Any unresolved dispute can be
// closed by an administrator.
var AllowedTransitions = map[Status][]Status{
	StatusOpen:        append([]Status{StatusNegotiating, StatusResponded, StatusEscalated}, resolvedStates...),
	StatusNegotiating: append([]Status{StatusResponded, StatusEscalated}, resolvedStates...),
	StatusResponded:   append([]Status{StatusNegotiating, StatusEscalated}, resolvedStates...),
	StatusEscalated:   resolvedStates,
}

func CanTransition(from, to Status) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsResolved reports whether s is one of the resolved sub-states.
func (s Status) IsResolved() bool {
	return s == StatusResolved || s == StatusResolvedRefund || s == StatusResolvedRelease
}

// IsOpen reports whether the dispute still blocks a new one on the same
// transaction.
func (s Status) IsOpen() bool {
	return !s.IsResolved()
}

// ResolutionStatus maps a refund percentage to its resolved sub-state.
func ResolutionStatus(pct int) Status {
	switch pct {
	case 0:
		return StatusResolvedRelease
	case 100:
		return StatusResolvedRefund
	}
	return StatusResolved
}

type ResolutionKind string

const (
	ResolutionAgreement      ResolutionKind = "agreement"
	ResolutionAdministrative ResolutionKind = "administrative"
)

// Dispute is a contested transaction.
type Dispute struct {
	ID               string           `json:"id"`
	TransactionID    string           `json:"transactionId"`
	ReporterID       string           `json:"reporterId"`
	Type             Type             `json:"type"`
	Reason           string           `json:"reason"`
	Status           Status           `json:"status"`
	DisputeDeadline  time.Time        `json:"disputeDeadline"`
	EscalatedAt      *time.Time       `json:"escalatedAt,omitempty"`
	ResolvedAt       *time.Time       `json:"resolvedAt,omitempty"`
	Resolution       string           `json:"resolution,omitempty"`
	ResolutionKind   ResolutionKind   `json:"resolutionKind,omitempty"`
	RefundPercentage *int             `json:"refundPercentage,omitempty"`
	BuyerRefund      *decimal.Decimal `json:"buyerRefund,omitempty"`
	SellerReceived   *decimal.Decimal `json:"sellerReceived,omitempty"`
	ResolvedBy       string           `json:"resolvedBy,omitempty"`
	ArchivedBySeller bool             `json:"archivedBySeller"`
	ArchivedByBuyer  bool             `json:"archivedByBuyer"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
	Version          int64            `json:"version"`
}

// IsEscalated reports whether peer negotiation is closed.
func (d *Dispute) IsEscalated() bool {
	return d.EscalatedAt != nil
}

// IsSettling reports whether an accepted proposal is being settled. The
// resolution kind is written ahead of the resolved status for that purpose.
func (d *Dispute) IsSettling() bool {
	return !d.Status.IsResolved() && d.ResolutionKind == ResolutionAgreement
}

func (d *Dispute) Clone() *Dispute {
	cp := *d
	cp.EscalatedAt = cloneTime(d.EscalatedAt)
	cp.ResolvedAt = cloneTime(d.ResolvedAt)
	if d.RefundPercentage != nil {
		p := *d.RefundPercentage
		cp.RefundPercentage = &p
	}
	if d.BuyerRefund != nil {
		v := *d.BuyerRefund
		cp.BuyerRefund = &v
	}
	if d.SellerReceived != nil {
		v := *d.SellerReceived
		cp.SellerReceived = &v
	}
	return &cp
}

// Guard is the precondition of a guarded dispute update.
type Guard struct {
	Status  Status
	Version int64
}

func GuardOf(d *Dispute) Guard {
	return Guard{Status: d.Status, Version: d.Version}
}

type ProposalType string

const (
	ProposalRefund        ProposalType = "refund"
	ProposalRelease       ProposalType = "release"
	ProposalPartialRefund ProposalType = "partial_refund"
)

type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "pending"
	ProposalAccepted  ProposalStatus = "accepted"
	ProposalRejected  ProposalStatus = "rejected"
	ProposalWithdrawn ProposalStatus = "withdrawn"
)

// Proposal is a settlement offer.
type Proposal struct {
	ID               string         `json:"id"`
	DisputeID        string         `json:"disputeId"`
	ProposerID       string         `json:"proposerId"`
	Type             ProposalType   `json:"type"`
	RefundPercentage int            `json:"refundPercentage"`
	Message          string         `json:"message,omitempty"`
	Status           ProposalStatus `json:"status"`
	CreatedAt        time.Time      `json:"createdAt"`
	RespondedAt      *time.Time     `json:"respondedAt,omitempty"`
}

// Message is one entry of the dispute thread.
type Message struct {
	ID        string    `json:"id"`
	DisputeID string    `json:"disputeId"`
	SenderID  string    `json:"senderId"`
	Body      string    `json:"body"`
	Admin     bool      `json:"admin"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists disputes, proposals and messages.
type Store interface {
	// Create inserts d. It returns ErrAlreadyOpen when the transaction
	// already has an unresolved dispute.
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)

	// Update writes d only if the stored row still matches guard and
	// increments d.Version.
	Update(ctx context.Context, d *Dispute, guard Guard) error

	// Delete removes a dispute that has no proposals or messages yet. Used
	// to undo Create when the transaction cannot be marked disputed.
	Delete(ctx context.Context, id string) error

	ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error)
	ListOpen(ctx context.Context, limit int) ([]*Dispute, error)

	// ListEscalatable returns open, negotiating or responded disputes whose
	// deadline is at or before now.
	ListEscalatable(ctx context.Context, now time.Time, limit int) ([]*Dispute, error)

	// CreateProposal inserts p. It returns ErrPendingProposal when the
	// dispute already has a pending proposal.
	CreateProposal(ctx context.Context, p *Proposal) error
	GetProposal(ctx context.Context, id string) (*Proposal, error)

	// UpdateProposal writes p only if the stored proposal is still in
	// status from; otherwise it returns ErrConflict.
	UpdateProposal(ctx context.Context, p *Proposal, from ProposalStatus) error
	ListProposals(ctx context.Context, disputeID string) ([]*Proposal, error)

	AddMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, disputeID string) ([]*Message, error)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func ptr[T any](v T) *T { return &v }
