package transaction

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/trustline/internal/pagination"
	"github.com/mbd888/trustline/internal/payments"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const transactionColumns = `id, seller_id, buyer_id, seller_account_ref, title, line_items, currency,
		       subtotal, tax_rate, tax_amount, amount, fee_ratio_client, client_fees, seller_fees, charge_amount,
		       status, service_date, service_end_date,
		       payment_deadline_bank, payment_deadline_card, payment_deadline, validation_deadline,
		       seller_validated, buyer_validated, funds_released,
		       refund_status, refund_percentage, refund_amount,
		       payment_method, hold_ref, capture_ref, paid_at, completed_at,
		       date_change_status, date_change_requested_by, proposed_service_date, proposed_service_end_date,
		       date_change_approved_at, created_at, updated_at, version`

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	items, err := json.Marshal(t.LineItems)
	if err != nil {
		return fmt.Errorf("encode line items: %w", err)
	}
	if t.Version == 0 {
		t.Version = 1
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18,
			$19, $20, $21, $22,
			$23, $24, $25,
			$26, $27, $28,
			$29, $30, $31, $32, $33,
			$34, $35, $36, $37,
			$38, $39, $40, $41
		)`,
		t.ID, t.SellerID, nullString(t.BuyerID), nullString(t.SellerAccountRef), t.Title, items, t.Currency,
		t.Subtotal, t.TaxRate, t.TaxAmount, t.Amount, t.FeeRatioToClient, t.ClientFees, t.SellerFees, t.ChargeAmount,
		string(t.Status), nullTime(t.ServiceDate), nullTime(t.ServiceEndDate),
		nullTime(t.PaymentDeadlineBank), nullTime(t.PaymentDeadlineCard), nullTime(t.PaymentDeadline), nullTime(t.ValidationDeadline),
		t.SellerValidated, t.BuyerValidated, t.FundsReleased,
		string(t.RefundStatus), nullInt(t.RefundPercentage), t.RefundAmount,
		nullString(string(t.PaymentMethod)), nullString(t.HoldRef), nullString(t.CaptureRef), nullTime(t.PaidAt), nullTime(t.CompletedAt),
		string(t.DateChangeStatus), nullString(t.DateChangeRequestedBy), nullTime(t.ProposedServiceDate), nullTime(t.ProposedServiceEndDate),
		nullTime(t.DateChangeApprovedAt), t.CreatedAt, t.UpdatedAt, t.Version,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)

	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) Update(ctx context.Context, t *Transaction, guard Guard) error {
	items, err := json.Marshal(t.LineItems)
	if err != nil {
		return fmt.Errorf("encode line items: %w", err)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			buyer_id = $1, line_items = $2,
			subtotal = $3, tax_rate = $4, tax_amount = $5, amount = $6,
			fee_ratio_client = $7, client_fees = $8, seller_fees = $9, charge_amount = $10,
			status = $11, service_date = $12, service_end_date = $13,
			payment_deadline_bank = $14, payment_deadline_card = $15, payment_deadline = $16, validation_deadline = $17,
			seller_validated = $18, buyer_validated = $19, funds_released = $20,
			refund_status = $21, refund_percentage = $22, refund_amount = $23,
			payment_method = $24, hold_ref = $25, capture_ref = $26, paid_at = $27, completed_at = $28,
			date_change_status = $29, date_change_requested_by = $30,
			proposed_service_date = $31, proposed_service_end_date = $32, date_change_approved_at = $33,
			updated_at = $34, version = version + 1
		WHERE id = $35 AND status = $36 AND version = $37`,
		nullString(t.BuyerID), items,
		t.Subtotal, t.TaxRate, t.TaxAmount, t.Amount,
		t.FeeRatioToClient, t.ClientFees, t.SellerFees, t.ChargeAmount,
		string(t.Status), nullTime(t.ServiceDate), nullTime(t.ServiceEndDate),
		nullTime(t.PaymentDeadlineBank), nullTime(t.PaymentDeadlineCard), nullTime(t.PaymentDeadline), nullTime(t.ValidationDeadline),
		t.SellerValidated, t.BuyerValidated, t.FundsReleased,
		string(t.RefundStatus), nullInt(t.RefundPercentage), t.RefundAmount,
		nullString(string(t.PaymentMethod)), nullString(t.HoldRef), nullString(t.CaptureRef), nullTime(t.PaidAt), nullTime(t.CompletedAt),
		string(t.DateChangeStatus), nullString(t.DateChangeRequestedBy),
		nullTime(t.ProposedServiceDate), nullTime(t.ProposedServiceEndDate), nullTime(t.DateChangeApprovedAt),
		t.UpdatedAt,
		t.ID, string(guard.Status), guard.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	t.Version = guard.Version + 1
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, userID string, limit int, after *pagination.Cursor) ([]*Transaction, error) {
	if after == nil {
		return p.query(ctx, `
			SELECT `+transactionColumns+`
			FROM transactions
			WHERE seller_id = $1 OR buyer_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, userID, limit)
	}
	return p.query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE (seller_id = $1 OR buyer_id = $1)
		  AND (created_at, id) < ($3, $4)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit, after.CreatedAt, after.ID)
}

// finalDeadlineSQL mirrors deadline.Effective.Final: the card deadline
// (explicit, legacy unified, or service date minus 24h), else the bank one.
const finalDeadlineSQL = `COALESCE(payment_deadline_card, payment_deadline, service_date - INTERVAL '24 hours', payment_deadline_bank)`

func (p *PostgresStore) ListOverduePending(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	return p.query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = 'pending'
		  AND hold_ref IS NULL
		  AND `+finalDeadlineSQL+` <= $1
		ORDER BY created_at
		LIMIT $2`, now, limit)
}

// activationSQL mirrors deadline.CanActivate.
const activationSQL = `(service_date IS NULL OR COALESCE(service_end_date, service_date) + INTERVAL '2 hours' <= $1)`

func (p *PostgresStore) ListAwaitingActivation(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	return p.query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = 'paid'
		  AND seller_validated
		  AND validation_deadline IS NULL
		  AND `+activationSQL+`
		ORDER BY created_at
		LIMIT $2`, now, limit)
}

func (p *PostgresStore) ListValidationDue(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	return p.query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = 'paid'
		  AND seller_validated
		  AND NOT buyer_validated
		  AND NOT funds_released
		  AND validation_deadline <= $1
		ORDER BY validation_deadline
		LIMIT $2`, now, limit)
}

func (p *PostgresStore) ListApprovedDateChanges(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	return p.query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions t
		WHERE t.date_change_status = 'approved'
		  AND t.status IN ('pending', 'expired')
		  AND `+finalDeadlineSQL+` <= $1
		  AND (t.date_change_approved_at IS NULL OR `+finalDeadlineSQL+` < t.date_change_approved_at)
		  AND NOT (t.status = 'expired' AND EXISTS (
		      SELECT 1 FROM deadline_repairs r
		      WHERE r.transaction_id = t.id AND r.action = 'flagged_expired'))
		ORDER BY t.created_at
		LIMIT $2`, now, limit)
}

func (p *PostgresStore) RecordRepair(ctx context.Context, r *Repair) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO deadline_repairs (
			id, transaction_id, action, status, old_deadline, new_bank_deadline, new_card_deadline, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING`,
		r.ID, r.TransactionID, r.Action, string(r.Status),
		nullTime(r.OldDeadline), nullTime(r.NewBankDeadline), nullTime(r.NewCardDeadline), r.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *PostgresStore) ListRepairs(ctx context.Context, transactionID string) ([]*Repair, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, action, status, old_deadline, new_bank_deadline, new_card_deadline, created_at
		FROM deadline_repairs
		WHERE $1 = '' OR transaction_id = $1
		ORDER BY created_at`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Repair
	for rows.Next() {
		var (
			r                       Repair
			status                  string
			oldDL, newBank, newCard sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.TransactionID, &r.Action, &status, &oldDL, &newBank, &newCard, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Status = Status(status)
		r.OldDeadline = timePtr(oldDL)
		r.NewBankDeadline = timePtr(newBank)
		r.NewCardDeadline = timePtr(newCard)
		result = append(result, &r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		buyerID, sellerAccountRef                 sql.NullString
		items                                     []byte
		status, refundStatus, dateChangeStatus    string
		serviceDate, serviceEndDate               sql.NullTime
		bankDL, cardDL, legacyDL, validationDL    sql.NullTime
		refundPct                                 sql.NullInt32
		method, holdRef, captureRef, requestedBy  sql.NullString
		paidAt, completedAt                       sql.NullTime
		proposedDate, proposedEndDate, approvedAt sql.NullTime
	)

	err := s.Scan(
		&t.ID, &t.SellerID, &buyerID, &sellerAccountRef, &t.Title, &items, &t.Currency,
		&t.Subtotal, &t.TaxRate, &t.TaxAmount, &t.Amount, &t.FeeRatioToClient, &t.ClientFees, &t.SellerFees, &t.ChargeAmount,
		&status, &serviceDate, &serviceEndDate,
		&bankDL, &cardDL, &legacyDL, &validationDL,
		&t.SellerValidated, &t.BuyerValidated, &t.FundsReleased,
		&refundStatus, &refundPct, &t.RefundAmount,
		&method, &holdRef, &captureRef, &paidAt, &completedAt,
		&dateChangeStatus, &requestedBy, &proposedDate, &proposedEndDate,
		&approvedAt, &t.CreatedAt, &t.UpdatedAt, &t.Version,
	)
	if err != nil {
		return nil, err
	}

	if len(items) > 0 {
		if err := json.Unmarshal(items, &t.LineItems); err != nil {
			return nil, fmt.Errorf("decode line items of %s: %w", t.ID, err)
		}
	}
	t.BuyerID = buyerID.String
	t.SellerAccountRef = sellerAccountRef.String
	t.Status = Status(status)
	t.RefundStatus = RefundStatus(refundStatus)
	t.DateChangeStatus = DateChangeStatus(dateChangeStatus)
	t.PaymentMethod = payments.Method(method.String)
	t.HoldRef = holdRef.String
	t.CaptureRef = captureRef.String
	t.DateChangeRequestedBy = requestedBy.String
	t.ServiceDate = timePtr(serviceDate)
	t.ServiceEndDate = timePtr(serviceEndDate)
	t.PaymentDeadlineBank = timePtr(bankDL)
	t.PaymentDeadlineCard = timePtr(cardDL)
	t.PaymentDeadline = timePtr(legacyDL)
	t.ValidationDeadline = timePtr(validationDL)
	t.PaidAt = timePtr(paidAt)
	t.CompletedAt = timePtr(completedAt)
	t.ProposedServiceDate = timePtr(proposedDate)
	t.ProposedServiceEndDate = timePtr(proposedEndDate)
	t.DateChangeApprovedAt = timePtr(approvedAt)
	if refundPct.Valid {
		t.RefundPercentage = ptr(int(refundPct.Int32))
	}
	return t, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(v *int) sql.NullInt32 {
	if v == nil {
		return sql.NullInt32{}
	}
	return sql.NullInt32{Int32: int32(*v), Valid: true} // #nosec G115 -- percentages are 0..100
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
