package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/trustline/internal/idgen"
	"github.com/mbd888/trustline/internal/metrics"
	"github.com/mbd888/trustline/internal/notify"
	"github.com/mbd888/trustline/internal/traces"
	"github.com/mbd888/trustline/internal/transaction"
)

const (
	DefaultWindow    = 72 * time.Hour
	maxReasonLength  = 2000
	maxMessageLength = 5000
)

// Transactions is the part of the transaction service a dispute drives.
type Transactions interface {
	Get(ctx context.Context, id string) (*transaction.Transaction, error)
	MarkDisputed(ctx context.Context, id, callerID string) (*transaction.Transaction, error)
	Settle(ctx context.Context, id string, st transaction.Settlement) (*transaction.Transaction, error)
}

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	Type   Type   `json:"type" binding:"required"`
	Reason string `json:"reason"`
}

// ProposeRequest is a settlement offer. RefundPercentage is required for
// partial refunds and implied otherwise.
type ProposeRequest struct {
	Type             ProposalType `json:"type" binding:"required"`
	RefundPercentage *int         `json:"refundPercentage"`
	Message          string       `json:"message"`
}

// ResolveRequest is an administrative resolution.
type ResolveRequest struct {
	RefundPercentage *int   `json:"refundPercentage" binding:"required"`
	Resolution       string `json:"resolution"`
}

// Service implements the dispute state machine.
type Service struct {
	store    Store
	txs      Transactions
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
	window   time.Duration
}

// NewService creates a dispute service.
func NewService(store Store, txs Transactions) *Service {
	return &Service{
		store:    store,
		txs:      txs,
		notifier: notify.Nop,
		logger:   slog.Default(),
		now:      time.Now,
		window:   DefaultWindow,
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

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithWindow sets how long the parties have to agree before escalation.
func (s *Service) WithWindow(d time.Duration) *Service {
	if d > 0 {
		s.window = d
	}
	return s
}

// Open creates a dispute and moves the transaction to disputed. The store
// admits one unresolved dispute per transaction; if the transaction cannot
// be marked disputed the new dispute is removed again.
func (s *Service) Open(ctx context.Context, transactionID, reporterID string, req OpenRequest) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.open", traces.TransactionID(transactionID))
	defer func() { traces.End(span, err) }()

	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown dispute type %q", ErrInvalidRequest, req.Type)
	}
	reason := strings.TrimSpace(req.Reason)
	if len(reason) > maxReasonLength {
		return nil, fmt.Errorf("%w: reason exceeds %d characters", ErrInvalidRequest, maxReasonLength)
	}

	tx, err := s.txs.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !tx.IsParty(reporterID) {
		return nil, fmt.Errorf("%w: only the buyer or the seller can open a dispute", ErrUnauthorized)
	}
	if tx.Status != transaction.StatusPaid {
		return nil, fmt.Errorf("%w: cannot dispute a %s transaction", ErrInvalidStatus, tx.Status)
	}

	now := s.now().UTC()
	d := &Dispute{
		ID:              idgen.WithPrefix(idgen.PrefixDispute),
		TransactionID:   transactionID,
		ReporterID:      reporterID,
		Type:            req.Type,
		Reason:          reason,
		Status:          StatusOpen,
		DisputeDeadline: now.Add(s.window),
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}

	if _, err := s.txs.MarkDisputed(ctx, transactionID, reporterID); err != nil {
		if derr := s.store.Delete(ctx, d.ID); derr != nil {
			s.logger.Error("failed to remove dispute after transaction rejected it",
				"dispute_id", d.ID, "transaction_id", transactionID, "error", derr)
		}
		return nil, err
	}

	metrics.DisputesOpenedTotal.WithLabelValues(string(d.Type)).Inc()
	s.logger.Info("dispute opened",
		"dispute_id", d.ID, "transaction_id", transactionID, "reporter", reporterID, "type", d.Type)
	s.emit(ctx, d, notify.DisputeOpened, []string{tx.Counterparty(reporterID)}, map[string]any{"type": string(d.Type)})
	return d, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// GetForParty returns a dispute only to a party of its transaction.
func (s *Service) GetForParty(ctx context.Context, id, callerID string) (*Dispute, error) {
	d, _, err := s.load(ctx, id, callerID)
	return d, err
}

// ListByTransaction returns all disputes of a transaction, newest first.
func (s *Service) ListByTransaction(ctx context.Context, transactionID, callerID string) ([]*Dispute, error) {
	tx, err := s.txs.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !tx.IsParty(callerID) {
		return nil, fmt.Errorf("%w: not a party to this transaction", ErrUnauthorized)
	}
	return s.store.ListByTransaction(ctx, transactionID)
}

// ListOpen returns unresolved disputes, oldest deadline first.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListOpen(ctx, limit)
}

// ListEscalatable returns disputes whose deadline has elapsed at now.
func (s *Service) ListEscalatable(ctx context.Context, now time.Time, limit int) ([]*Dispute, error) {
	return s.store.ListEscalatable(ctx, now, limit)
}

// Respond records the counterparty's first answer: open → negotiating.
func (s *Service) Respond(ctx context.Context, id, callerID, body string) (*Dispute, error) {
	d, tx, err := s.load(ctx, id, callerID)
	if err != nil {
		return nil, err
	}
	if callerID == d.ReporterID {
		return nil, fmt.Errorf("%w: only the other party can respond", ErrUnauthorized)
	}
	if d.IsEscalated() {
		return nil, ErrEscalated
	}
	if d.Status != StatusOpen {
		return nil, fmt.Errorf("%w: dispute is %s", ErrInvalidStatus, d.Status)
	}

	guard := GuardOf(d)
	d.Status = StatusNegotiating
	if err := s.update(ctx, d, guard); err != nil {
		return nil, err
	}
	if body = strings.TrimSpace(body); body != "" {
		if _, err := s.addMessage(ctx, d, callerID, body, false); err != nil {
			s.logger.Warn("failed to store response message", "dispute_id", d.ID, "error", err)
		}
	}

	s.emit(ctx, d, notify.DisputeResponded, []string{tx.Counterparty(callerID)}, nil)
	return d, nil
}

// Propose submits a settlement offer and moves the dispute to responded.
func (s *Service) Propose(ctx context.Context, id, callerID string, req ProposeRequest) (*Proposal, error) {
	pct, err := proposalPercentage(req)
	if err != nil {
		return nil, err
	}
	message := strings.TrimSpace(req.Message)
	if len(message) > maxMessageLength {
		return nil, fmt.Errorf("%w: message exceeds %d characters", ErrInvalidRequest, maxMessageLength)
	}

	d, tx, err := s.load(ctx, id, callerID)
	if err != nil {
		return nil, err
	}
	if d.IsEscalated() {
		return nil, ErrEscalated
	}
	switch d.Status {
	case StatusOpen, StatusNegotiating:
	case StatusResponded:
		return nil, ErrPendingProposal
	default:
		return nil, fmt.Errorf("%w: dispute is %s", ErrInvalidStatus, d.Status)
	}

	now := s.now().UTC()
	p := &Proposal{
		ID:               idgen.WithPrefix(idgen.PrefixProposal),
		DisputeID:        d.ID,
		ProposerID:       callerID,
		Type:             req.Type,
		RefundPercentage: pct,
		Message:          message,
		Status:           ProposalPending,
		CreatedAt:        now,
	}
	if err := s.store.CreateProposal(ctx, p); err != nil {
		return nil, err
	}

	guard := GuardOf(d)
	d.Status = StatusResponded
	if err := s.update(ctx, d, guard); err != nil {
		// The dispute moved (escalated, or another proposal raced us).
		withdrawn := *p
		withdrawn.Status = ProposalWithdrawn
		withdrawn.RespondedAt = ptr(now)
		if perr := s.store.UpdateProposal(ctx, &withdrawn, ProposalPending); perr != nil {
			s.logger.Error("failed to withdraw orphaned proposal", "proposal_id", p.ID, "error", perr)
		}
		return nil, err
	}

	s.emit(ctx, d, notify.DisputeProposal, []string{tx.Counterparty(callerID)},
		map[string]any{"proposalId": p.ID, "refundPercentage": pct})
	return p, nil
}

func proposalPercentage(req ProposeRequest) (int, error) {
	switch req.Type {
	case ProposalRefund:
		return 100, nil
	case ProposalRelease:
		return 0, nil
	case ProposalPartialRefund:
		if req.RefundPercentage == nil || *req.RefundPercentage <= 0 || *req.RefundPercentage >= 100 {
			return 0, fmt.Errorf("%w: a partial refund needs a percentage between 1 and 99", ErrInvalidRequest)
		}
		return *req.RefundPercentage, nil
	}
	return 0, fmt.Errorf("%w: unknown proposal type %q", ErrInvalidRequest, req.Type)
}

// AcceptProposal is the other party's acceptance: the dispute is resolved
// with the proposal's split and the transaction is settled.
func (s *Service) AcceptProposal(ctx context.Context, id, proposalID, callerID string) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.accept_proposal", traces.DisputeID(id))
	defer func() { traces.End(span, err) }()

	d, tx, err := s.load(ctx, id, callerID)
	if err != nil {
		return nil, err
	}
	p, err := s.proposal(ctx, d, proposalID)
	if err != nil {
		return nil, err
	}
	if p.ProposerID == callerID {
		return nil, fmt.Errorf("%w: a proposal must be accepted by the other party", ErrUnauthorized)
	}
	if d.IsEscalated() {
		return nil, ErrEscalated
	}
	if d.Status != StatusResponded || p.Status != ProposalPending {
		return nil, fmt.Errorf("%w: proposal is %s", ErrInvalidStatus, p.Status)
	}

	claimed, err := s.claim(ctx, d)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	accepted := *p
	accepted.Status = ProposalAccepted
	accepted.RespondedAt = ptr(now)
	if err := s.store.UpdateProposal(ctx, &accepted, ProposalPending); err != nil {
		s.releaseClaim(ctx, d.ID)
		return nil, err
	}

	summary := fmt.Sprintf("Agreement reached: %d%% refunded to the buyer", p.RefundPercentage)
	out, err := s.resolve(ctx, claimed, tx, p.RefundPercentage, ResolutionAgreement, callerID, summary)
	if err != nil {
		// Put the offer back so it can be accepted again once the payment
		// side recovers.
		if perr := s.store.UpdateProposal(ctx, p, ProposalAccepted); perr != nil {
			s.logger.Error("failed to reopen proposal after settlement failure",
				"proposal_id", p.ID, "error", perr)
		}
		s.releaseClaim(ctx, d.ID)
		return nil, err
	}
	return out, nil
}

// claim marks the dispute as settling by agreement before any money moves.
// Escalation skips a claimed dispute, and a dispute escalated first makes
// the claim fail with ErrEscalated.
func (s *Service) claim(ctx context.Context, d *Dispute) (*Dispute, error) {
	if d.IsSettling() {
		return d, nil
	}
	next := d.Clone()
	next.ResolutionKind = ResolutionAgreement
	if err := s.update(ctx, next, GuardOf(d)); err != nil {
		if errors.Is(err, ErrConflict) {
			if cur, gerr := s.store.Get(ctx, d.ID); gerr == nil && cur.IsEscalated() {
				return nil, ErrEscalated
			}
		}
		return nil, err
	}
	return next, nil
}

// releaseClaim undoes claim after a failed settlement, as long as the
// transaction was not settled. A settled transaction keeps the claim so the
// agreement can be completed by a retry.
func (s *Service) releaseClaim(ctx context.Context, id string) {
	d, err := s.store.Get(ctx, id)
	if err != nil || !d.IsSettling() {
		return
	}
	tx, err := s.txs.Get(ctx, d.TransactionID)
	if err != nil || tx.Status != transaction.StatusDisputed {
		return
	}
	next := d.Clone()
	next.ResolutionKind = ""
	if err := s.update(ctx, next, GuardOf(d)); err != nil {
		s.logger.Error("failed to release settlement claim", "dispute_id", id, "error", err)
	}
}

// RejectProposal declines a pending offer: responded → negotiating.
func (s *Service) RejectProposal(ctx context.Context, id, proposalID, callerID string) (*Proposal, error) {
	return s.closeProposal(ctx, id, proposalID, callerID, ProposalRejected)
}

// WithdrawProposal lets the proposer take back a pending offer.
func (s *Service) WithdrawProposal(ctx context.Context, id, proposalID, callerID string) (*Proposal, error) {
	return s.closeProposal(ctx, id, proposalID, callerID, ProposalWithdrawn)
}

func (s *Service) closeProposal(ctx context.Context, id, proposalID, callerID string, to ProposalStatus) (*Proposal, error) {
	d, tx, err := s.load(ctx, id, callerID)
	if err != nil {
		return nil, err
	}
	p, err := s.proposal(ctx, d, proposalID)
	if err != nil {
		return nil, err
	}
	isProposer := p.ProposerID == callerID
	if to == ProposalWithdrawn && !isProposer {
		return nil, fmt.Errorf("%w: only the proposer can withdraw", ErrUnauthorized)
	}
	if to == ProposalRejected && isProposer {
		return nil, fmt.Errorf("%w: the proposer cannot reject their own proposal", ErrUnauthorized)
	}
	if p.Status != ProposalPending {
		return nil, fmt.Errorf("%w: proposal is %s", ErrInvalidStatus, p.Status)
	}

	closed := *p
	closed.Status = to
	closed.RespondedAt = ptr(s.now().UTC())
	if err := s.store.UpdateProposal(ctx, &closed, ProposalPending); err != nil {
		return nil, err
	}

	if d.Status == StatusResponded {
		guard := GuardOf(d)
		d.Status = StatusNegotiating
		if err := s.update(ctx, d, guard); err != nil && !errors.Is(err, ErrConflict) {
			return nil, err
		}
	}

	s.emit(ctx, d, notify.DisputeProposalEnd, []string{tx.Counterparty(callerID)},
		map[string]any{"proposalId": p.ID, "outcome": string(to)})
	return &closed, nil
}

// ListProposals returns the proposals of a dispute, oldest first.
func (s *Service) ListProposals(ctx context.Context, id, callerID string) ([]*Proposal, error) {
	if _, _, err := s.load(ctx, id, callerID); err != nil {
		return nil, err
	}
	return s.store.ListProposals(ctx, id)
}

// Escalate closes peer negotiation once the dispute deadline has elapsed.
// It reports whether it acted; escalated_at is written once.
func (s *Service) Escalate(ctx context.Context, id string, now time.Time) (bool, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if d.IsEscalated() || d.IsSettling() || now.Before(d.DisputeDeadline) {
		return false, nil
	}
	switch d.Status {
	case StatusOpen, StatusNegotiating, StatusResponded:
	default:
		return false, nil
	}

	guard := GuardOf(d)
	d.Status = StatusEscalated
	d.EscalatedAt = ptr(now.UTC())
	if err := s.update(ctx, d, guard); err != nil {
		if errors.Is(err, ErrConflict) {
			return false, nil
		}
		return false, err
	}

	s.logger.Warn("dispute escalated", "dispute_id", d.ID, "transaction_id", d.TransactionID)
	if tx, err := s.txs.Get(ctx, d.TransactionID); err == nil {
		s.emit(ctx, d, notify.DisputeEscalated, []string{tx.SellerID, tx.BuyerID}, nil)
	}
	return true, nil
}

// AdminResolve applies an administrator's split to any unresolved dispute.
func (s *Service) AdminResolve(ctx context.Context, id, adminID string, req ResolveRequest) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.admin_resolve", traces.DisputeID(id))
	defer func() { traces.End(span, err) }()

	if req.RefundPercentage == nil || *req.RefundPercentage < 0 || *req.RefundPercentage > 100 {
		return nil, fmt.Errorf("%w: refund percentage must be between 0 and 100", ErrInvalidRequest)
	}
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status.IsResolved() {
		return nil, fmt.Errorf("%w: dispute is already %s", ErrInvalidStatus, d.Status)
	}
	tx, err := s.txs.Get(ctx, d.TransactionID)
	if err != nil {
		return nil, err
	}

	pct := *req.RefundPercentage
	summary := strings.TrimSpace(req.Resolution)
	if summary == "" {
		summary = fmt.Sprintf("Administrative resolution: %d%% refunded to the buyer", pct)
	}
	return s.resolve(ctx, d, tx, pct, ResolutionAdministrative, adminID, summary)
}

// resolve settles the transaction and then records the outcome on the
// dispute. A transaction that an earlier attempt already settled with the
// same split is accepted as is, so a retry after a failed dispute write
// completes the resolution.
func (s *Service) resolve(ctx context.Context, d *Dispute, tx *transaction.Transaction, pct int, kind ResolutionKind, by, summary string) (*Dispute, error) {
	split := transaction.SplitFor(tx, pct)

	_, err := s.txs.Settle(ctx, d.TransactionID, transaction.Settlement{
		DisputeID:        d.ID,
		RefundPercentage: pct,
		Administrative:   kind == ResolutionAdministrative,
	})
	if err != nil {
		if !errors.Is(err, transaction.ErrInvalidStatus) {
			return nil, err
		}
		cur, gerr := s.txs.Get(ctx, d.TransactionID)
		if gerr != nil || !settledAs(cur, pct) {
			return nil, err
		}
	}

	now := s.now().UTC()
	status := ResolutionStatus(pct)
	cur := d
	for attempt := 0; attempt < 3; attempt++ {
		next := cur.Clone()
		next.Status = status
		next.ResolvedAt = ptr(now)
		next.Resolution = summary
		next.ResolutionKind = kind
		next.RefundPercentage = ptr(pct)
		next.BuyerRefund = ptr(split.BuyerRefund)
		next.SellerReceived = ptr(split.SellerReceives)
		next.ResolvedBy = by

		err := s.update(ctx, next, GuardOf(cur))
		if err == nil {
			metrics.DisputesResolvedTotal.WithLabelValues(string(kind), string(status)).Inc()
			s.logger.Info("dispute resolved",
				"dispute_id", next.ID,
				"transaction_id", next.TransactionID,
				"status", status,
				"kind", kind,
				"buyer_refund", split.BuyerRefund.String())
			s.emit(ctx, next, notify.DisputeResolved, []string{tx.SellerID, tx.BuyerID},
				map[string]any{"refundPercentage": pct, "kind": string(kind)})
			return next, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		if cur, err = s.store.Get(ctx, d.ID); err != nil {
			return nil, err
		}
		if cur.Status.IsResolved() {
			return cur, nil
		}
		if kind == ResolutionAgreement && cur.IsEscalated() {
			s.logger.Error("CRITICAL: transaction settled by agreement but dispute was escalated",
				"dispute_id", d.ID, "transaction_id", d.TransactionID)
			return nil, ErrEscalated
		}
	}
	s.logger.Error("CRITICAL: transaction settled but dispute could not be updated",
		"dispute_id", d.ID, "transaction_id", d.TransactionID)
	return nil, ErrConflict
}

// settledAs reports whether t already carries the outcome of a pct split.
func settledAs(t *transaction.Transaction, pct int) bool {
	switch {
	case pct == 100:
		return t.Status == transaction.StatusRefunded
	case pct == 0:
		return t.Status == transaction.StatusValidated && t.RefundPercentage == nil
	default:
		return t.Status == transaction.StatusValidated && t.RefundPercentage != nil && *t.RefundPercentage == pct
	}
}

// Archive hides a resolved dispute for the calling party.
func (s *Service) Archive(ctx context.Context, id, callerID string) (*Dispute, error) {
	d, tx, err := s.load(ctx, id, callerID)
	if err != nil {
		return nil, err
	}
	if !d.Status.IsResolved() {
		return nil, fmt.Errorf("%w: only resolved disputes can be archived", ErrInvalidStatus)
	}

	guard := GuardOf(d)
	if callerID == tx.SellerID {
		d.ArchivedBySeller = true
	} else {
		d.ArchivedByBuyer = true
	}
	if err := s.update(ctx, d, guard); err != nil {
		return nil, err
	}
	return d, nil
}

// PostMessage adds to the dispute thread. Once escalated only
// administrators can post.
func (s *Service) PostMessage(ctx context.Context, id, senderID, body string, admin bool) (*Message, error) {
	body = strings.TrimSpace(body)
	if body == "" || len(body) > maxMessageLength {
		return nil, fmt.Errorf("%w: message must be 1-%d characters", ErrInvalidRequest, maxMessageLength)
	}

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	tx, err := s.txs.Get(ctx, d.TransactionID)
	if err != nil {
		return nil, err
	}
	if !admin && !tx.IsParty(senderID) {
		return nil, fmt.Errorf("%w: not a party to this dispute", ErrUnauthorized)
	}
	if d.Status.IsResolved() {
		return nil, fmt.Errorf("%w: dispute is %s", ErrInvalidStatus, d.Status)
	}
	if d.IsEscalated() && !admin {
		return nil, ErrEscalated
	}

	m, err := s.addMessage(ctx, d, senderID, body, admin)
	if err != nil {
		return nil, err
	}
	recipients := []string{tx.Counterparty(senderID)}
	if admin {
		recipients = []string{tx.SellerID, tx.BuyerID}
	}
	s.emit(ctx, d, notify.DisputeMessage, recipients, map[string]any{"messageId": m.ID})
	return m, nil
}

// ListMessages returns the thread, oldest first.
func (s *Service) ListMessages(ctx context.Context, id, callerID string, admin bool) ([]*Message, error) {
	if !admin {
		if _, _, err := s.load(ctx, id, callerID); err != nil {
			return nil, err
		}
	} else if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, id)
}

func (s *Service) addMessage(ctx context.Context, d *Dispute, senderID, body string, admin bool) (*Message, error) {
	m := &Message{
		ID:        idgen.WithPrefix(idgen.PrefixMessage),
		DisputeID: d.ID,
		SenderID:  senderID,
		Body:      body,
		Admin:     admin,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.AddMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}
	return m, nil
}

// load returns the dispute and its transaction, checking that callerID is a
// party.
func (s *Service) load(ctx context.Context, id, callerID string) (*Dispute, *transaction.Transaction, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	tx, err := s.txs.Get(ctx, d.TransactionID)
	if err != nil {
		return nil, nil, err
	}
	if !tx.IsParty(callerID) {
		return nil, nil, fmt.Errorf("%w: not a party to this dispute", ErrUnauthorized)
	}
	return d, tx, nil
}

func (s *Service) proposal(ctx context.Context, d *Dispute, proposalID string) (*Proposal, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.DisputeID != d.ID {
		return nil, ErrProposalNotFound
	}
	return p, nil
}

func (s *Service) update(ctx context.Context, d *Dispute, guard Guard) error {
	if guard.Status != d.Status && !CanTransition(guard.Status, d.Status) {
		return fmt.Errorf("%w: %s → %s is not a valid transition", ErrInvalidStatus, guard.Status, d.Status)
	}
	d.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, d, guard); err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.GuardConflictsTotal.WithLabelValues("dispute").Inc()
		}
		return err
	}
	if guard.Status != d.Status {
		metrics.RecordTransition("dispute", string(guard.Status), string(d.Status))
	}
	return nil
}

func (s *Service) emit(ctx context.Context, d *Dispute, kind notify.Kind, recipients []string, data map[string]any) {
	ev := notify.New(kind, d.TransactionID, recipients...).With("status", string(d.Status))
	ev.DisputeID = d.ID
	for k, v := range data {
		ev = ev.With(k, v)
	}
	notify.Emit(ctx, s.notifier, ev)
}
