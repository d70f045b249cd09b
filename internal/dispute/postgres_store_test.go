//go:build integration

package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/trustline/internal/logging"
	"github.com/mbd888/trustline/internal/payments"
	"github.com/mbd888/trustline/internal/testutil"
	"github.com/mbd888/trustline/internal/transaction"
)

func setupPostgres(t *testing.T) (*fixture, *PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	store := NewPostgresStore(db)
	f := &fixture{
		gw:    payments.NewMemoryGateway(),
		clock: &testClock{now: t0},
	}
	f.txs = transaction.NewService(transaction.NewPostgresStore(db), f.gw).
		WithLogger(logging.Discard()).
		WithClock(f.clock.Now)
	f.svc = NewService(store, f.txs).
		WithLogger(logging.Discard()).
		WithClock(f.clock.Now)
	return f, store, cleanup
}

func TestPostgresStore_Agreement(t *testing.T) {
	f, store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	tx := f.paid(t)
	d, err := f.svc.Open(ctx, tx.ID, "buyer", OpenRequest{Type: TypeDeliveryIssue, Reason: "Late"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	dup := &Dispute{ID: "dsp_0123456789abcdef0123456789abcdef", TransactionID: tx.ID, ReporterID: "seller",
		Type: TypeOther, Status: StatusOpen, DisputeDeadline: t0, CreatedAt: t0, UpdatedAt: t0}
	if err := store.Create(ctx, dup); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("expected ErrAlreadyOpen, got %v", err)
	}

	p, err := f.svc.Propose(ctx, d.ID, "seller", partial(40))
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	second := *p
	second.ID = "prp_0123456789abcdef0123456789abcdef"
	if err := store.CreateProposal(ctx, &second); !errors.Is(err, ErrPendingProposal) {
		t.Fatalf("expected ErrPendingProposal, got %v", err)
	}

	out, err := f.svc.AcceptProposal(ctx, d.ID, p.ID, "buyer")
	if err != nil {
		t.Fatalf("AcceptProposal failed: %v", err)
	}

	got, err := store.Get(ctx, out.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusResolved || got.ResolutionKind != ResolutionAgreement || got.Version != out.Version {
		t.Errorf("unexpected row %+v", got)
	}
	if got.BuyerRefund == nil || !got.BuyerRefund.Equal(dec("400")) || got.SellerReceived == nil || !got.SellerReceived.Equal(dec("585")) {
		t.Errorf("amounts %v / %v", got.BuyerRefund, got.SellerReceived)
	}
	if got.RefundPercentage == nil || *got.RefundPercentage != 40 {
		t.Errorf("refund percentage = %v", got.RefundPercentage)
	}

	ps, err := store.ListProposals(ctx, d.ID)
	if err != nil || len(ps) != 1 || ps[0].Status != ProposalAccepted || ps[0].RespondedAt == nil {
		t.Errorf("proposals = %+v, err = %v", ps, err)
	}
}

func TestPostgresStore_EscalationAndMessages(t *testing.T) {
	f, store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	tx := f.paid(t)
	d, err := f.svc.Open(ctx, tx.ID, "seller", OpenRequest{Type: TypeOther})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := f.svc.PostMessage(ctx, d.ID, "seller", "Buyer stopped answering", false); err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}

	due, err := store.ListEscalatable(ctx, t0.Add(DefaultWindow-time.Second), 10)
	if err != nil || len(due) != 0 {
		t.Fatalf("before deadline: %d rows, err %v", len(due), err)
	}
	f.clock.Advance(DefaultWindow)
	due, err = store.ListEscalatable(ctx, f.clock.Now(), 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("at deadline: %d rows, err %v", len(due), err)
	}

	acted, err := f.svc.Escalate(ctx, d.ID, f.clock.Now())
	if err != nil || !acted {
		t.Fatalf("Escalate: acted=%v err=%v", acted, err)
	}
	got, _ := store.Get(ctx, d.ID)
	if got.EscalatedAt == nil || !got.EscalatedAt.Equal(f.clock.Now()) {
		t.Errorf("escalated_at = %v", got.EscalatedAt)
	}
	if due, _ := store.ListEscalatable(ctx, f.clock.Now(), 10); len(due) != 0 {
		t.Errorf("escalated dispute still listed")
	}

	msgs, err := store.ListMessages(ctx, d.ID)
	if err != nil || len(msgs) != 1 || msgs[0].SenderID != "seller" {
		t.Errorf("messages = %+v, err = %v", msgs, err)
	}

	stale := *got
	stale.Version = 1
	stale.Status = StatusNegotiating
	if err := store.Update(ctx, &stale, Guard{Status: StatusOpen, Version: 1}); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}
