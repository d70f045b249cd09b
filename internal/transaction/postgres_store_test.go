//go:build integration

package transaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/trustline/internal/idgen"
	"github.com/mbd888/trustline/internal/logging"
	"github.com/mbd888/trustline/internal/payments"
	"github.com/mbd888/trustline/internal/testutil"
)

func setupPostgres(t *testing.T) (*Service, *PostgresStore, *testClock, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	store := NewPostgresStore(db)
	clock := &testClock{now: t0}
	svc := NewService(store, payments.NewMemoryGateway()).
		WithLogger(logging.Discard()).
		WithClock(clock.Now)
	return svc, store, clock, cleanup
}

func pgCreate(t *testing.T, svc *Service, serviceDate *time.Time) *Transaction {
	t.Helper()
	tx, err := svc.Create(context.Background(), CreateRequest{
		SellerID:    "seller",
		Title:       "Wedding shoot",
		Currency:    "eur",
		LineItems:   items("1000"),
		ServiceDate: serviceDate,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return tx
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	svc, store, _, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	tx := pgCreate(t, svc, at(10*24*time.Hour))
	got, err := store.Get(ctx, tx.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.ChargeAmount.Equal(dec("1025")) || got.Status != StatusPending || got.Version != 1 {
		t.Errorf("unexpected row %+v", got)
	}
	if len(got.LineItems) != 1 || got.LineItems[0].Quantity != 1 {
		t.Errorf("line items = %+v", got.LineItems)
	}
	if got.ServiceDate == nil || !got.ServiceDate.Equal(t0.Add(10*24*time.Hour)) {
		t.Errorf("service date = %v", got.ServiceDate)
	}

	if _, err := store.Get(ctx, idgen.WithPrefix(idgen.PrefixTransaction)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_GuardedUpdate(t *testing.T) {
	svc, store, _, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	tx := pgCreate(t, svc, nil)
	a, _ := store.Get(ctx, tx.ID)
	b, _ := store.Get(ctx, tx.ID)

	a.Status = StatusExpired
	if err := store.Update(ctx, a, GuardOf(b)); err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	b.Status = StatusPaid
	if err := store.Update(ctx, b, Guard{Status: StatusPending, Version: 1}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	missing := b.Clone()
	missing.ID = idgen.WithPrefix(idgen.PrefixTransaction)
	if err := store.Update(ctx, missing, GuardOf(b)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	got, _ := store.Get(ctx, tx.ID)
	if got.Status != StatusExpired || got.Version != 2 {
		t.Errorf("row = %s v%d", got.Status, got.Version)
	}
}

func TestPostgresStore_SweepQueries(t *testing.T) {
	svc, store, clock, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	overdue := pgCreate(t, svc, at(12*time.Hour))
	pgCreate(t, svc, at(10*24*time.Hour))
	pgCreate(t, svc, nil)

	list, err := store.ListOverduePending(ctx, clock.Now(), 10)
	if err != nil {
		t.Fatalf("ListOverduePending failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != overdue.ID {
		t.Fatalf("overdue = %d rows", len(list))
	}

	paid, err := svc.Pay(ctx, pgCreate(t, svc, nil).ID, "buyer", PayRequest{Method: payments.MethodCard})
	if err != nil {
		t.Fatalf("Pay failed: %v", err)
	}
	if _, err := svc.ValidateDelivery(ctx, paid.ID, "seller"); err != nil {
		t.Fatalf("ValidateDelivery failed: %v", err)
	}
	due, err := store.ListValidationDue(ctx, clock.Now().Add(49*time.Hour), 10)
	if err != nil {
		t.Fatalf("ListValidationDue failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != paid.ID {
		t.Errorf("validation due = %d rows", len(due))
	}
}

func TestPostgresStore_RepairAuditIsDeduplicated(t *testing.T) {
	svc, store, _, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	tx := pgCreate(t, svc, nil)
	old := t0.Add(-time.Hour)
	r := &Repair{
		ID:            idgen.WithPrefix(idgen.PrefixRepair),
		TransactionID: tx.ID,
		Action:        RepairActionFlagged,
		Status:        StatusExpired,
		OldDeadline:   &old,
		CreatedAt:     t0,
	}
	inserted, err := store.RecordRepair(ctx, r)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	r.ID = idgen.WithPrefix(idgen.PrefixRepair)
	inserted, err = store.RecordRepair(ctx, r)
	if err != nil || inserted {
		t.Fatalf("duplicate insert: inserted=%v err=%v", inserted, err)
	}

	repairs, err := store.ListRepairs(ctx, tx.ID)
	if err != nil || len(repairs) != 1 {
		t.Errorf("repairs = %d, err = %v", len(repairs), err)
	}
}

func TestPostgresStore_ActivationAndRepairSelection(t *testing.T) {
	svc, store, clock, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	later := pgCreate(t, svc, at(30*24*time.Hour))
	soon := pgCreate(t, svc, at(30*time.Hour))
	for _, tx := range []*Transaction{later, soon} {
		if _, err := svc.Pay(ctx, tx.ID, "buyer", PayRequest{Method: payments.MethodCard}); err != nil {
			t.Fatalf("Pay failed: %v", err)
		}
		if _, err := svc.ValidateDelivery(ctx, tx.ID, "seller"); err != nil {
			t.Fatalf("ValidateDelivery failed: %v", err)
		}
	}
	awaiting, err := store.ListAwaitingActivation(ctx, t0.Add(33*time.Hour), 10)
	if err != nil {
		t.Fatalf("ListAwaitingActivation failed: %v", err)
	}
	if len(awaiting) != 1 || awaiting[0].ID != soon.ID {
		t.Errorf("awaiting activation = %d rows", len(awaiting))
	}

	approve := func(tx *Transaction, status Status, approvedAt, deadline *time.Time) {
		t.Helper()
		guard := GuardOf(tx)
		tx.BuyerID = "buyer"
		tx.Status = status
		tx.DateChangeStatus = DateChangeApproved
		tx.DateChangeApprovedAt = approvedAt
		tx.PaymentDeadline = deadline
		if err := store.Update(ctx, tx, guard); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
	}
	stale := pgCreate(t, svc, at(10*24*time.Hour))
	approve(stale, StatusPending, nil, at(-48*time.Hour))
	healthy := pgCreate(t, svc, nil)
	approve(healthy, StatusExpired, at(-10*24*time.Hour), at(-5*24*time.Hour))
	flagged := pgCreate(t, svc, nil)
	approve(flagged, StatusExpired, at(-24*time.Hour), at(-5*24*time.Hour))
	if _, err := store.RecordRepair(ctx, &Repair{
		ID:            idgen.WithPrefix(idgen.PrefixRepair),
		TransactionID: flagged.ID,
		Action:        RepairActionFlagged,
		Status:        StatusExpired,
		OldDeadline:   flagged.PaymentDeadline,
		CreatedAt:     t0,
	}); err != nil {
		t.Fatalf("RecordRepair failed: %v", err)
	}

	candidates, err := store.ListApprovedDateChanges(ctx, clock.Now(), 10)
	if err != nil {
		t.Fatalf("ListApprovedDateChanges failed: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != stale.ID {
		t.Errorf("repair candidates = %d rows", len(candidates))
	}
}
