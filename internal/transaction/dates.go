package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/trustline/internal/deadline"
	"github.com/mbd888/trustline/internal/idgen"
	"github.com/mbd888/trustline/internal/metrics"
	"github.com/mbd888/trustline/internal/notify"
)

// DateChangeRequest proposes a new service date.
type DateChangeRequest struct {
	ServiceDate    time.Time  `json:"serviceDate" binding:"required"`
	ServiceEndDate *time.Time `json:"serviceEndDate"`
}

// ProposeDateChange moves a pending transaction to pending_date_confirmation
// until the counterparty answers.
func (s *Service) ProposeDateChange(ctx context.Context, id, callerID string, req DateChangeRequest) (*Transaction, error) {
	const op = "propose_date_change"

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsParty(callerID) {
		return nil, reject(op, ErrUnauthorized, "only the buyer or the seller can propose a date change")
	}
	if t.Status != StatusPending {
		return nil, reject(op, ErrInvalidStatus, "cannot change the date of a %s transaction", t.Status)
	}
	if t.BuyerID == "" {
		return nil, reject(op, ErrInvalidStatus, "no buyer has joined to confirm a date change")
	}
	now := s.now()
	if !req.ServiceDate.After(now) {
		return nil, reject(op, ErrInvalidRequest, "service date must be in the future")
	}
	if req.ServiceEndDate != nil && req.ServiceEndDate.Before(req.ServiceDate) {
		return nil, reject(op, ErrInvalidRequest, "service end date is before the service date")
	}

	guard := GuardOf(t)
	t.Status = StatusPendingDateConfirmation
	t.DateChangeStatus = DateChangePending
	t.DateChangeRequestedBy = callerID
	t.ProposedServiceDate = ptr(req.ServiceDate.UTC())
	t.ProposedServiceEndDate = nil
	if req.ServiceEndDate != nil {
		t.ProposedServiceEndDate = ptr(req.ServiceEndDate.UTC())
	}
	if err := s.update(ctx, t, guard); err != nil {
		return nil, err
	}

	s.emit(ctx, notify.New(notify.DateChangeProposed, t.ID, t.Counterparty(callerID)).
		With("serviceDate", t.ProposedServiceDate.Format(time.RFC3339)))
	return t, nil
}

// AcceptDateChange applies the proposed date. Payment deadlines are
// recomputed from the new date in the same update, so an accepted change can
// never leave a lapsed deadline behind.
func (s *Service) AcceptDateChange(ctx context.Context, id, callerID string) (*Transaction, error) {
	const op = "accept_date_change"

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsParty(callerID) {
		return nil, reject(op, ErrUnauthorized, "only the buyer or the seller can accept a date change")
	}
	if t.Status != StatusPendingDateConfirmation || t.ProposedServiceDate == nil {
		return nil, reject(op, ErrInvalidStatus, "no date change is awaiting confirmation")
	}
	if callerID == t.DateChangeRequestedBy {
		return nil, reject(op, ErrUnauthorized, "a date change must be accepted by the other party")
	}

	now := s.now()
	bank, card := deadline.ForServiceDate(*t.ProposedServiceDate, now, s.dateExtension)

	guard := GuardOf(t)
	t.Status = StatusPending
	t.ServiceDate = t.ProposedServiceDate
	t.ServiceEndDate = t.ProposedServiceEndDate
	t.PaymentDeadlineBank = ptr(bank.UTC())
	t.PaymentDeadlineCard = ptr(card.UTC())
	t.PaymentDeadline = nil
	t.DateChangeStatus = DateChangeApproved
	t.DateChangeApprovedAt = ptr(now.UTC())
	t.ProposedServiceDate = nil
	t.ProposedServiceEndDate = nil
	if err := s.update(ctx, t, guard); err != nil {
		return nil, err
	}

	s.logger.Info("date change accepted",
		"transaction_id", t.ID,
		"service_date", t.ServiceDate.Format(time.RFC3339),
		"card_deadline", card.UTC().Format(time.RFC3339))
	s.emit(ctx, notify.New(notify.DateChangeAccepted, t.ID, t.DateChangeRequestedBy).
		With("paymentDeadlineCard", card.UTC().Format(time.RFC3339)))
	return t, nil
}

// RejectDateChange returns to pending with the original dates. The
// requester may use it to withdraw the proposal.
func (s *Service) RejectDateChange(ctx context.Context, id, callerID string) (*Transaction, error) {
	const op = "reject_date_change"

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsParty(callerID) {
		return nil, reject(op, ErrUnauthorized, "only the buyer or the seller can reject a date change")
	}
	if t.Status != StatusPendingDateConfirmation {
		return nil, reject(op, ErrInvalidStatus, "no date change is awaiting confirmation")
	}

	guard := GuardOf(t)
	t.Status = StatusPending
	t.DateChangeStatus = DateChangeRejected
	t.ProposedServiceDate = nil
	t.ProposedServiceEndDate = nil
	if err := s.update(ctx, t, guard); err != nil {
		return nil, err
	}

	s.emit(ctx, notify.New(notify.DateChangeRejected, t.ID, t.Counterparty(callerID)))
	return t, nil
}

// RepairResult summarizes one stale-deadline repair pass.
type RepairResult struct {
	Examined int `json:"examined"`
	Reset    int `json:"reset"`
	Flagged  int `json:"flagged"`
	Errors   int `json:"errors"`
}

// RepairStaleDeadlines finds transactions whose date change was approved
// while their payment deadline had already lapsed. Pending ones get fresh
// deadlines; expired ones are only flagged for manual review. Nothing is
// moved out of a terminal state. Every action writes an audit entry and
// running the pass twice changes nothing.
func (s *Service) RepairStaleDeadlines(ctx context.Context, now time.Time, limit int) (RepairResult, error) {
	var res RepairResult
	if limit <= 0 {
		limit = 500
	}

	candidates, err := s.store.ListApprovedDateChanges(ctx, now, limit)
	if err != nil {
		return res, fmt.Errorf("list approved date changes: %w", err)
	}

	for _, t := range candidates {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		final := t.Deadlines(now).Final()
		if !isStale(t, final, now) {
			continue
		}
		res.Examined++

		switch t.Status {
		case StatusPending:
			ok, err := s.resetDeadlines(ctx, t, final, now)
			if err != nil {
				res.Errors++
				metrics.DeadlineRepairsTotal.WithLabelValues("error").Inc()
				s.logger.Error("deadline repair failed", "transaction_id", t.ID, "error", err)
				continue
			}
			if ok {
				res.Reset++
			}
		case StatusExpired:
			inserted, err := s.store.RecordRepair(ctx, &Repair{
				ID:            idgen.WithPrefix(idgen.PrefixRepair),
				TransactionID: t.ID,
				Action:        RepairActionFlagged,
				Status:        t.Status,
				OldDeadline:   cloneTime(final),
				CreatedAt:     now.UTC(),
			})
			if err != nil {
				res.Errors++
				metrics.DeadlineRepairsTotal.WithLabelValues("error").Inc()
				s.logger.Error("failed to flag expired transaction", "transaction_id", t.ID, "error", err)
				continue
			}
			if inserted {
				res.Flagged++
				metrics.DeadlineRepairsTotal.WithLabelValues(RepairActionFlagged).Inc()
				s.logger.Warn("expired transaction has an approved date change, needs manual review",
					"transaction_id", t.ID, "old_deadline", final.UTC().Format(time.RFC3339))
			}
		}
	}
	return res, nil
}

// isStale reports whether the approved date change left a lapsed deadline.
// Rows approved before the approval time was recorded count as stale as
// soon as they are overdue.
func isStale(t *Transaction, final *time.Time, now time.Time) bool {
	if final == nil || now.Before(*final) {
		return false
	}
	if t.DateChangeApprovedAt == nil {
		return true
	}
	return final.Before(*t.DateChangeApprovedAt)
}

func (s *Service) resetDeadlines(ctx context.Context, t *Transaction, old *time.Time, now time.Time) (bool, error) {
	serviceDate := now
	if t.ServiceDate != nil {
		serviceDate = *t.ServiceDate
	}
	bank, card := deadline.ForServiceDate(serviceDate, now, s.dateExtension)

	guard := GuardOf(t)
	next := t.Clone()
	next.PaymentDeadlineBank = ptr(bank.UTC())
	next.PaymentDeadlineCard = ptr(card.UTC())
	next.PaymentDeadline = nil
	next.DateChangeApprovedAt = ptr(now.UTC())
	if err := s.update(ctx, next, guard); err != nil {
		if errors.Is(err, ErrConflict) {
			return false, nil
		}
		return false, err
	}

	if _, err := s.store.RecordRepair(ctx, &Repair{
		ID:              idgen.WithPrefix(idgen.PrefixRepair),
		TransactionID:   t.ID,
		Action:          RepairActionReset,
		Status:          t.Status,
		OldDeadline:     cloneTime(old),
		NewBankDeadline: next.PaymentDeadlineBank,
		NewCardDeadline: next.PaymentDeadlineCard,
		CreatedAt:       now.UTC(),
	}); err != nil {
		return true, fmt.Errorf("deadline reset but audit entry failed: %w", err)
	}

	metrics.DeadlineRepairsTotal.WithLabelValues(RepairActionReset).Inc()
	s.logger.Warn("reset stale payment deadline",
		"transaction_id", t.ID,
		"old_deadline", old.UTC().Format(time.RFC3339),
		"card_deadline", card.UTC().Format(time.RFC3339))
	s.emit(ctx, notify.New(notify.DateChangeAccepted, t.ID, t.SellerID, t.BuyerID).
		With("paymentDeadlineCard", card.UTC().Format(time.RFC3339)).
		With("repaired", true))
	return true, nil
}
