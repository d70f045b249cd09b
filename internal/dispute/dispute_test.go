package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/trustline/internal/fees"
	"github.com/mbd888/trustline/internal/logging"
	"github.com/mbd888/trustline/internal/notify"
	"github.com/mbd888/trustline/internal/payments"
	"github.com/mbd888/trustline/internal/transaction"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	svc   *Service
	store *MemoryStore
	txs   *transaction.Service
	gw    *payments.MemoryGateway
	rec   *notify.Recorder
	clock *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: NewMemoryStore(),
		gw:    payments.NewMemoryGateway(),
		rec:   &notify.Recorder{},
		clock: &testClock{now: t0},
	}
	f.txs = transaction.NewService(transaction.NewMemoryStore(), f.gw).
		WithLogger(logging.Discard()).
		WithClock(f.clock.Now)
	f.svc = NewService(f.store, f.txs).
		WithNotifier(f.rec).
		WithLogger(logging.Discard()).
		WithClock(f.clock.Now)
	return f
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// paid creates a 1000 EUR transaction between "seller" and "buyer" and pays
// it by card.
func (f *fixture) paid(t *testing.T) *transaction.Transaction {
	t.Helper()
	ctx := context.Background()
	tx, err := f.txs.Create(ctx, transaction.CreateRequest{
		SellerID: "seller",
		Title:    "Wedding shoot",
		Currency: "EUR",
		LineItems: []fees.LineItem{
			{Description: "Photography session", Quantity: 1, UnitPrice: dec("1000")},
		},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	out, err := f.txs.Pay(ctx, tx.ID, "buyer", transaction.PayRequest{Method: payments.MethodCard})
	if err != nil {
		t.Fatalf("Pay failed: %v", err)
	}
	return out
}

// opened returns a dispute opened by the buyer on a fresh paid transaction.
func (f *fixture) opened(t *testing.T) (*Dispute, *transaction.Transaction) {
	t.Helper()
	tx := f.paid(t)
	d, err := f.svc.Open(context.Background(), tx.ID, "buyer", OpenRequest{Type: TypeQualityIssue, Reason: "Half the photos are blurry"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return d, tx
}

func (f *fixture) propose(t *testing.T, id, caller string, req ProposeRequest) *Proposal {
	t.Helper()
	p, err := f.svc.Propose(context.Background(), id, caller, req)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	return p
}

func (f *fixture) dispute(t *testing.T, id string) *Dispute {
	t.Helper()
	d, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return d
}

func (f *fixture) tx(t *testing.T, id string) *transaction.Transaction {
	t.Helper()
	tx, err := f.txs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get transaction failed: %v", err)
	}
	return tx
}

func partial(pct int) ProposeRequest {
	return ProposeRequest{Type: ProposalPartialRefund, RefundPercentage: &pct}
}

func TestTransitionTable(t *testing.T) {
	for _, s := range resolvedStates {
		if len(AllowedTransitions[s]) != 0 {
			t.Errorf("%s must have no outgoing transitions", s)
		}
		if !CanTransition(StatusEscalated, s) {
			t.Errorf("escalated → %s should be allowed", s)
		}
	}
	for _, to := range []Status{StatusOpen, StatusNegotiating, StatusResponded} {
		if CanTransition(StatusEscalated, to) {
			t.Errorf("escalated → %s must not be allowed", to)
		}
	}
	if !CanTransition(StatusOpen, StatusResponded) || !CanTransition(StatusResponded, StatusNegotiating) {
		t.Error("expected negotiation transitions to be present")
	}
}

func TestResolutionStatus(t *testing.T) {
	cases := map[int]Status{0: StatusResolvedRelease, 100: StatusResolvedRefund, 1: StatusResolved, 40: StatusResolved, 99: StatusResolved}
	for pct, want := range cases {
		if got := ResolutionStatus(pct); got != want {
			t.Errorf("ResolutionStatus(%d) = %s, want %s", pct, got, want)
		}
	}
}

func TestOpen(t *testing.T) {
	f := newFixture(t)
	d, tx := f.opened(t)

	if d.Status != StatusOpen || d.ReporterID != "buyer" || d.Version != 1 {
		t.Fatalf("unexpected dispute %+v", d)
	}
	if !d.DisputeDeadline.Equal(t0.Add(DefaultWindow)) {
		t.Errorf("deadline = %v, want %v", d.DisputeDeadline, t0.Add(DefaultWindow))
	}
	if got := f.tx(t, tx.ID); got.Status != transaction.StatusDisputed {
		t.Errorf("transaction status = %s, want disputed", got.Status)
	}

	events := f.rec.Events()
	if len(events) != 1 || events[0].Kind != notify.DisputeOpened || !events[0].For("seller") || events[0].For("buyer") {
		t.Errorf("expected one opened event for the seller, got %+v", events)
	}
}

func TestOpen_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.paid(t)

	if _, err := f.svc.Open(ctx, tx.ID, "stranger", OpenRequest{Type: TypeFraud}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stranger: expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.svc.Open(ctx, tx.ID, "buyer", OpenRequest{Type: "meh"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("bad type: expected ErrInvalidRequest, got %v", err)
	}
	if _, err := f.svc.Open(ctx, tx.ID, "buyer", OpenRequest{Type: TypeFraud}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := f.svc.Open(ctx, tx.ID, "seller", OpenRequest{Type: TypeOther}); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("second dispute: expected ErrInvalidStatus, got %v", err)
	}
}

func TestOpen_RemovedWhenTransactionRefuses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.paid(t)
	if _, err := f.txs.ValidateDelivery(ctx, tx.ID, "seller"); err != nil {
		t.Fatalf("ValidateDelivery failed: %v", err)
	}
	f.clock.Advance(48 * time.Hour)

	if _, err := f.svc.Open(ctx, tx.ID, "buyer", OpenRequest{Type: TypeQualityIssue}); !errors.Is(err, transaction.ErrDeadlinePassed) {
		t.Fatalf("expected ErrDeadlinePassed, got %v", err)
	}
	ds, err := f.store.ListByTransaction(ctx, tx.ID)
	if err != nil || len(ds) != 0 {
		t.Errorf("expected no dispute left behind, got %d (err %v)", len(ds), err)
	}
}

func TestRespond(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, _ := f.opened(t)

	if _, err := f.svc.Respond(ctx, d.ID, "buyer", "again"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("reporter: expected ErrUnauthorized, got %v", err)
	}
	out, err := f.svc.Respond(ctx, d.ID, "seller", "They look fine to me")
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if out.Status != StatusNegotiating {
		t.Errorf("status = %s, want negotiating", out.Status)
	}
	if _, err := f.svc.Respond(ctx, d.ID, "seller", ""); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("second response: expected ErrInvalidStatus, got %v", err)
	}

	msgs, _ := f.svc.ListMessages(ctx, d.ID, "buyer", false)
	if len(msgs) != 1 || msgs[0].SenderID != "seller" {
		t.Errorf("expected the response in the thread, got %+v", msgs)
	}
}

// A partial agreement settles the transaction with the buyer's share left
// uncaptured.
func TestPartialRefundAgreement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, tx := f.opened(t)

	if _, err := f.svc.Respond(ctx, d.ID, "seller", ""); err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	p := f.propose(t, d.ID, "seller", partial(40))
	if got := f.dispute(t, d.ID); got.Status != StatusResponded {
		t.Fatalf("status after proposal = %s, want responded", got.Status)
	}

	if _, err := f.svc.AcceptProposal(ctx, d.ID, p.ID, "seller"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("proposer accepting: expected ErrUnauthorized, got %v", err)
	}
	out, err := f.svc.AcceptProposal(ctx, d.ID, p.ID, "buyer")
	if err != nil {
		t.Fatalf("AcceptProposal failed: %v", err)
	}

	if out.Status != StatusResolved || out.ResolutionKind != ResolutionAgreement || out.ResolvedAt == nil {
		t.Fatalf("unexpected dispute %+v", out)
	}
	if out.RefundPercentage == nil || *out.RefundPercentage != 40 {
		t.Errorf("refund percentage = %v", out.RefundPercentage)
	}
	if !out.BuyerRefund.Equal(dec("400")) || !out.SellerReceived.Equal(dec("585")) {
		t.Errorf("buyer refund %s seller received %s, want 400 / 585", out.BuyerRefund, out.SellerReceived)
	}

	got := f.tx(t, tx.ID)
	if got.Status != transaction.StatusValidated || got.RefundStatus != transaction.RefundPartial {
		t.Errorf("transaction %s refund %s", got.Status, got.RefundStatus)
	}
	if got.RefundPercentage == nil || *got.RefundPercentage != 40 || !got.RefundAmount.Equal(dec("400")) {
		t.Errorf("transaction refund %v / %s", got.RefundPercentage, got.RefundAmount)
	}

	accepted, _ := f.store.GetProposal(ctx, p.ID)
	if accepted.Status != ProposalAccepted || accepted.RespondedAt == nil {
		t.Errorf("proposal = %+v", accepted)
	}
	if !f.rec.Has(notify.DisputeResolved) {
		t.Error("expected resolved event")
	}
}

func TestFullRefundAgreement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, tx := f.opened(t)

	p := f.propose(t, d.ID, "seller", ProposeRequest{Type: ProposalRefund})
	if p.RefundPercentage != 100 {
		t.Fatalf("refund proposal percentage = %d", p.RefundPercentage)
	}
	out, err := f.svc.AcceptProposal(ctx, d.ID, p.ID, "buyer")
	if err != nil {
		t.Fatalf("AcceptProposal failed: %v", err)
	}
	if out.Status != StatusResolvedRefund {
		t.Errorf("status = %s, want resolved_refund", out.Status)
	}
	if got := f.tx(t, tx.ID); got.Status != transaction.StatusRefunded {
		t.Errorf("transaction status = %s, want refunded", got.Status)
	}
	if h, _ := f.gw.HoldState(tx.HoldRef); h.Status != payments.HoldVoided {
		t.Errorf("hold = %s, want voided", h.Status)
	}
}

func TestPropose_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, _ := f.opened(t)

	for _, pct := range []int{0, 100, -5} {
		if _, err := f.svc.Propose(ctx, d.ID, "seller", partial(pct)); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("partial %d: expected ErrInvalidRequest, got %v", pct, err)
		}
	}
	if _, err := f.svc.Propose(ctx, d.ID, "stranger", ProposeRequest{Type: ProposalRelease}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stranger: expected ErrUnauthorized, got %v", err)
	}

	f.propose(t, d.ID, "seller", ProposeRequest{Type: ProposalRelease})
	if _, err := f.svc.Propose(ctx, d.ID, "buyer", partial(50)); !errors.Is(err, ErrPendingProposal) {
		t.Errorf("second proposal: expected ErrPendingProposal, got %v", err)
	}
}

func TestRejectAndWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, _ := f.opened(t)

	p := f.propose(t, d.ID, "seller", partial(20))
	if _, err := f.svc.RejectProposal(ctx, d.ID, p.ID, "seller"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("proposer rejecting: expected ErrUnauthorized, got %v", err)
	}
	rejected, err := f.svc.RejectProposal(ctx, d.ID, p.ID, "buyer")
	if err != nil {
		t.Fatalf("RejectProposal failed: %v", err)
	}
	if rejected.Status != ProposalRejected {
		t.Errorf("proposal status = %s", rejected.Status)
	}
	if got := f.dispute(t, d.ID); got.Status != StatusNegotiating {
		t.Errorf("dispute status = %s, want negotiating", got.Status)
	}
	if _, err := f.svc.AcceptProposal(ctx, d.ID, p.ID, "buyer"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("accepting a rejected proposal: expected ErrInvalidStatus, got %v", err)
	}

	f.clock.Advance(time.Minute)
	counter := f.propose(t, d.ID, "buyer", partial(60))
	if _, err := f.svc.WithdrawProposal(ctx, d.ID, counter.ID, "seller"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("non-proposer withdrawing: expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.svc.WithdrawProposal(ctx, d.ID, counter.ID, "buyer"); err != nil {
		t.Fatalf("WithdrawProposal failed: %v", err)
	}

	ps, _ := f.svc.ListProposals(ctx, d.ID, "seller")
	if len(ps) != 2 || ps[0].Status != ProposalRejected || ps[1].Status != ProposalWithdrawn {
		t.Errorf("unexpected proposals %+v", ps)
	}
}

func TestAccept_SettlementFailureKeepsProposal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, tx := f.opened(t)
	p := f.propose(t, d.ID, "seller", partial(40))

	f.gw.FailNext("capture", payments.ErrTransient)
	if _, err := f.svc.AcceptProposal(ctx, d.ID, p.ID, "buyer"); !errors.Is(err, payments.ErrTransient) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if got, _ := f.store.GetProposal(ctx, p.ID); got.Status != ProposalPending {
		t.Errorf("proposal = %s, want pending", got.Status)
	}
	if got := f.dispute(t, d.ID); got.Status != StatusResponded {
		t.Errorf("dispute = %s, want responded", got.Status)
	}
	if got := f.tx(t, tx.ID); got.Status != transaction.StatusDisputed {
		t.Errorf("transaction = %s, want disputed", got.Status)
	}

	out, err := f.svc.AcceptProposal(ctx, d.ID, p.ID, "buyer")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if out.Status != StatusResolved {
		t.Errorf("status = %s", out.Status)
	}
}

// failingStore fails the first write that resolves a dispute.
type failingStore struct {
	*MemoryStore
	failed bool
}

func (s *failingStore) Update(ctx context.Context, d *Dispute, guard Guard) error {
	if d.Status.IsResolved() && !s.failed {
		s.failed = true
		return errors.New("connection reset")
	}
	return s.MemoryStore.Update(ctx, d, guard)
}

func TestAccept_RetryAfterSettledTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fs := &failingStore{MemoryStore: f.store}
	svc := NewService(fs, f.txs).WithLogger(logging.Discard()).WithClock(f.clock.Now)

	d, tx := f.opened(t)
	p := f.propose(t, d.ID, "seller", partial(30))

	if _, err := svc.AcceptProposal(ctx, d.ID, p.ID, "buyer"); err == nil {
		t.Fatal("expected the dispute write to fail")
	}
	if got := f.tx(t, tx.ID); got.Status != transaction.StatusValidated {
		t.Fatalf("transaction = %s, want validated", got.Status)
	}

	out, err := svc.AcceptProposal(ctx, d.ID, p.ID, "buyer")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if out.Status != StatusResolved || *out.RefundPercentage != 30 {
		t.Errorf("unexpected dispute %+v", out)
	}
	if n := f.gw.CallCount("capture"); n != 1 {
		t.Errorf("capture calls = %d, want 1", n)
	}
}

// escalatingTxs runs the escalation sweep on disputeID right before the
// wrapped call, once armed.
type escalatingTxs struct {
	Transactions
	svc       *Service
	disputeID string
	now       time.Time
	onGet     bool
	armed     bool
	result    bool
}

func (e *escalatingTxs) fire(ctx context.Context) {
	if !e.armed {
		return
	}
	e.armed = false
	e.result, _ = e.svc.Escalate(ctx, e.disputeID, e.now)
}

func (e *escalatingTxs) Get(ctx context.Context, id string) (*transaction.Transaction, error) {
	if e.onGet {
		e.fire(ctx)
	}
	return e.Transactions.Get(ctx, id)
}

func (e *escalatingTxs) Settle(ctx context.Context, id string, st transaction.Settlement) (*transaction.Transaction, error) {
	if !e.onGet {
		e.fire(ctx)
	}
	return e.Transactions.Settle(ctx, id, st)
}

// Once a proposal is accepted, the deadline can no longer escalate the
// dispute while its settlement is running.
func TestAccept_ClaimBlocksEscalation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wrap := &escalatingTxs{Transactions: f.txs}
	svc := NewService(f.store, wrap).WithLogger(logging.Discard()).WithClock(f.clock.Now)
	wrap.svc = svc

	d, tx := f.opened(t)
	p := f.propose(t, d.ID, "seller", partial(25))
	f.clock.Advance(DefaultWindow + time.Minute)
	wrap.disputeID = d.ID
	wrap.now = f.clock.Now()
	wrap.armed = true

	out, err := svc.AcceptProposal(ctx, d.ID, p.ID, "buyer")
	if err != nil {
		t.Fatalf("AcceptProposal failed: %v", err)
	}
	if wrap.armed || wrap.result {
		t.Fatalf("escalation during settlement: fired=%v acted=%v", !wrap.armed, wrap.result)
	}
	if out.Status != StatusResolved || out.ResolutionKind != ResolutionAgreement || out.EscalatedAt != nil {
		t.Errorf("unexpected dispute %+v", out)
	}
	if got := f.tx(t, tx.ID); got.Status != transaction.StatusValidated {
		t.Errorf("transaction = %s, want validated", got.Status)
	}
}

// An escalation that lands between reading the dispute and accepting the
// proposal wins: no money moves and the proposal stays pending.
func TestAccept_LosesToEarlierEscalation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wrap := &escalatingTxs{Transactions: f.txs, onGet: true}
	svc := NewService(f.store, wrap).WithLogger(logging.Discard()).WithClock(f.clock.Now)
	wrap.svc = svc

	d, tx := f.opened(t)
	p := f.propose(t, d.ID, "seller", partial(25))
	f.clock.Advance(DefaultWindow + time.Minute)
	wrap.disputeID = d.ID
	wrap.now = f.clock.Now()
	wrap.armed = true

	if _, err := svc.AcceptProposal(ctx, d.ID, p.ID, "buyer"); !errors.Is(err, ErrEscalated) {
		t.Fatalf("expected ErrEscalated, got %v", err)
	}
	if !wrap.result {
		t.Fatal("expected the escalation to act")
	}
	got := f.dispute(t, d.ID)
	if got.Status != StatusEscalated || got.ResolutionKind != "" {
		t.Errorf("unexpected dispute %+v", got)
	}
	if pr, _ := f.store.GetProposal(ctx, p.ID); pr.Status != ProposalPending {
		t.Errorf("proposal = %s, want pending", pr.Status)
	}
	if n := f.gw.CallCount("capture"); n != 0 {
		t.Errorf("capture calls = %d, want 0", n)
	}
	if got := f.tx(t, tx.ID); got.Status != transaction.StatusDisputed {
		t.Errorf("transaction = %s, want disputed", got.Status)
	}
}

// A failed settlement hands the dispute back to the deadline.
func TestAccept_FailedSettlementReleasesClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, _ := f.opened(t)
	p := f.propose(t, d.ID, "seller", partial(60))

	f.gw.FailNext("capture", payments.ErrTransient)
	if _, err := f.svc.AcceptProposal(ctx, d.ID, p.ID, "buyer"); err == nil {
		t.Fatal("expected the capture to fail")
	}
	if got := f.dispute(t, d.ID); got.IsSettling() {
		t.Fatal("claim must be released when no money moved")
	}

	f.clock.Advance(DefaultWindow)
	due, err := f.svc.ListEscalatable(ctx, f.clock.Now(), 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("escalatable = %d rows, err %v", len(due), err)
	}
	acted, err := f.svc.Escalate(ctx, d.ID, f.clock.Now())
	if err != nil || !acted {
		t.Errorf("Escalate: acted=%v err=%v", acted, err)
	}
}

// The dispute deadline closes peer negotiation exactly once.
func TestEscalate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, tx := f.opened(t)
	p := f.propose(t, d.ID, "seller", partial(10))

	f.clock.Advance(DefaultWindow - time.Minute)
	acted, err := f.svc.Escalate(ctx, d.ID, f.clock.Now())
	if err != nil || acted {
		t.Fatalf("before deadline: acted=%v err=%v", acted, err)
	}

	f.clock.Advance(time.Minute)
	acted, err = f.svc.Escalate(ctx, d.ID, f.clock.Now())
	if err != nil || !acted {
		t.Fatalf("at deadline: acted=%v err=%v", acted, err)
	}
	first := f.dispute(t, d.ID)
	if first.Status != StatusEscalated || first.EscalatedAt == nil || !first.EscalatedAt.Equal(t0.Add(DefaultWindow)) {
		t.Fatalf("unexpected dispute %+v", first)
	}

	f.clock.Advance(time.Hour)
	acted, err = f.svc.Escalate(ctx, d.ID, f.clock.Now())
	if err != nil || acted {
		t.Fatalf("second escalation: acted=%v err=%v", acted, err)
	}
	if again := f.dispute(t, d.ID); !again.EscalatedAt.Equal(*first.EscalatedAt) || again.Version != first.Version {
		t.Error("escalated_at must be written once")
	}

	if _, err := f.svc.AcceptProposal(ctx, d.ID, p.ID, "buyer"); !errors.Is(err, ErrEscalated) {
		t.Errorf("accept after escalation: expected ErrEscalated, got %v", err)
	}
	if _, err := f.svc.Propose(ctx, d.ID, "buyer", partial(50)); !errors.Is(err, ErrEscalated) {
		t.Errorf("propose after escalation: expected ErrEscalated, got %v", err)
	}
	if _, err := f.svc.PostMessage(ctx, d.ID, "buyer", "hello?", false); !errors.Is(err, ErrEscalated) {
		t.Errorf("party message after escalation: expected ErrEscalated, got %v", err)
	}
	if _, err := f.svc.PostMessage(ctx, d.ID, "ops", "Reviewing the photos", true); err != nil {
		t.Errorf("admin message: %v", err)
	}

	out, err := f.svc.AdminResolve(ctx, d.ID, "ops", ResolveRequest{RefundPercentage: ptr(100)})
	if err != nil {
		t.Fatalf("AdminResolve failed: %v", err)
	}
	if out.Status != StatusResolvedRefund || out.ResolutionKind != ResolutionAdministrative || out.ResolvedBy != "ops" {
		t.Errorf("unexpected dispute %+v", out)
	}
	if got := f.tx(t, tx.ID); got.Status != transaction.StatusRefunded {
		t.Errorf("transaction = %s, want refunded", got.Status)
	}
}

func TestListEscalatable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	early, _ := f.opened(t)
	f.clock.Advance(time.Hour)
	f.opened(t)

	due, err := f.svc.ListEscalatable(ctx, t0.Add(DefaultWindow), 10)
	if err != nil {
		t.Fatalf("ListEscalatable failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != early.ID {
		t.Errorf("escalatable = %d rows", len(due))
	}
	open, _ := f.svc.ListOpen(ctx, 0)
	if len(open) != 2 || open[0].ID != early.ID {
		t.Errorf("open = %d rows", len(open))
	}
}

func TestAdminResolve_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, _ := f.opened(t)

	if _, err := f.svc.AdminResolve(ctx, d.ID, "ops", ResolveRequest{}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("missing percentage: expected ErrInvalidRequest, got %v", err)
	}
	if _, err := f.svc.AdminResolve(ctx, d.ID, "ops", ResolveRequest{RefundPercentage: ptr(101)}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("101%%: expected ErrInvalidRequest, got %v", err)
	}
	out, err := f.svc.AdminResolve(ctx, d.ID, "ops", ResolveRequest{RefundPercentage: ptr(0), Resolution: "Photos match the brief"})
	if err != nil {
		t.Fatalf("AdminResolve failed: %v", err)
	}
	if out.Status != StatusResolvedRelease || out.Resolution != "Photos match the brief" {
		t.Errorf("unexpected dispute %+v", out)
	}
	if _, err := f.svc.AdminResolve(ctx, d.ID, "ops", ResolveRequest{RefundPercentage: ptr(50)}); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("second resolution: expected ErrInvalidStatus, got %v", err)
	}
}

func TestArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, _ := f.opened(t)

	if _, err := f.svc.Archive(ctx, d.ID, "seller"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("unresolved: expected ErrInvalidStatus, got %v", err)
	}
	if _, err := f.svc.AdminResolve(ctx, d.ID, "ops", ResolveRequest{RefundPercentage: ptr(50)}); err != nil {
		t.Fatalf("AdminResolve failed: %v", err)
	}
	out, err := f.svc.Archive(ctx, d.ID, "seller")
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if !out.ArchivedBySeller || out.ArchivedByBuyer {
		t.Errorf("archive flags seller=%v buyer=%v", out.ArchivedBySeller, out.ArchivedByBuyer)
	}
	if _, err := f.svc.PostMessage(ctx, d.ID, "buyer", "thanks", false); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("message on resolved dispute: expected ErrInvalidStatus, got %v", err)
	}
}

func TestMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, _ := f.opened(t)

	if _, err := f.svc.PostMessage(ctx, d.ID, "stranger", "hi", false); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stranger: expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.svc.PostMessage(ctx, d.ID, "buyer", "   ", false); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("blank: expected ErrInvalidRequest, got %v", err)
	}
	for _, body := range []string{"first", "second"} {
		if _, err := f.svc.PostMessage(ctx, d.ID, "buyer", body, false); err != nil {
			t.Fatalf("PostMessage failed: %v", err)
		}
		f.clock.Advance(time.Minute)
	}
	msgs, err := f.svc.ListMessages(ctx, d.ID, "seller", false)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Body != "first" || msgs[1].Body != "second" {
		t.Errorf("unexpected thread %+v", msgs)
	}
	if _, err := f.svc.ListMessages(ctx, d.ID, "stranger", false); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stranger listing: expected ErrUnauthorized, got %v", err)
	}
}

func TestMemoryStore_Uniqueness(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	d := &Dispute{ID: "dsp_a", TransactionID: "txn_1", Status: StatusOpen}
	if err := s.Create(ctx, d); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Create(ctx, &Dispute{ID: "dsp_b", TransactionID: "txn_1", Status: StatusOpen}); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("expected ErrAlreadyOpen, got %v", err)
	}

	if err := s.CreateProposal(ctx, &Proposal{ID: "prp_a", DisputeID: "dsp_a", Status: ProposalPending}); err != nil {
		t.Fatalf("CreateProposal failed: %v", err)
	}
	if err := s.CreateProposal(ctx, &Proposal{ID: "prp_b", DisputeID: "dsp_a", Status: ProposalPending}); !errors.Is(err, ErrPendingProposal) {
		t.Errorf("expected ErrPendingProposal, got %v", err)
	}
	if err := s.UpdateProposal(ctx, &Proposal{ID: "prp_a", DisputeID: "dsp_a", Status: ProposalRejected}, ProposalAccepted); !errors.Is(err, ErrConflict) {
		t.Errorf("stale proposal update: expected ErrConflict, got %v", err)
	}

	stale := d.Clone()
	d.Status = StatusNegotiating
	if err := s.Update(ctx, d, GuardOf(stale)); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	stale.Status = StatusEscalated
	if err := s.Update(ctx, stale, Guard{Status: StatusOpen, Version: 1}); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}
