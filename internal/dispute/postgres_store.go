package dispute

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, transaction_id, reporter_id, type, reason, status, dispute_deadline,
		       escalated_at, resolved_at, resolution, resolution_kind, refund_percentage,
		       buyer_refund, seller_received, resolved_by, archived_by_seller, archived_by_buyer,
		       created_at, updated_at, version`

const proposalColumns = `id, dispute_id, proposer_id, type, refund_percentage, message, status, created_at, responded_at`

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	if d.Version == 0 {
		d.Version = 1
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20
		)`,
		d.ID, d.TransactionID, d.ReporterID, string(d.Type), d.Reason, string(d.Status), d.DisputeDeadline,
		nullTime(d.EscalatedAt), nullTime(d.ResolvedAt), nullString(d.Resolution), nullString(string(d.ResolutionKind)), nullInt(d.RefundPercentage),
		nullDecimal(d.BuyerRefund), nullDecimal(d.SellerReceived), nullString(d.ResolvedBy), d.ArchivedBySeller, d.ArchivedByBuyer,
		d.CreatedAt, d.UpdatedAt, d.Version,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyOpen
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)

	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute, guard Guard) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, escalated_at = $2, resolved_at = $3,
			resolution = $4, resolution_kind = $5, refund_percentage = $6,
			buyer_refund = $7, seller_received = $8, resolved_by = $9,
			archived_by_seller = $10, archived_by_buyer = $11,
			updated_at = $12, version = version + 1
		WHERE id = $13 AND status = $14 AND version = $15`,
		string(d.Status), nullTime(d.EscalatedAt), nullTime(d.ResolvedAt),
		nullString(d.Resolution), nullString(string(d.ResolutionKind)), nullInt(d.RefundPercentage),
		nullDecimal(d.BuyerRefund), nullDecimal(d.SellerReceived), nullString(d.ResolvedBy),
		d.ArchivedBySeller, d.ArchivedByBuyer,
		d.UpdatedAt,
		d.ID, string(guard.Status), guard.Version,
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
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	d.Version = guard.Version + 1
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM disputes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error) {
	return p.query(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE transaction_id = $1
		ORDER BY created_at DESC`, transactionID)
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	return p.query(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status IN ('open', 'negotiating', 'responded', 'escalated')
		ORDER BY dispute_deadline ASC
		LIMIT $1`, limit)
}

func (p *PostgresStore) ListEscalatable(ctx context.Context, now time.Time, limit int) ([]*Dispute, error) {
	return p.query(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status IN ('open', 'negotiating', 'responded')
		  AND resolution_kind IS NULL
		  AND dispute_deadline <= $1
		ORDER BY dispute_deadline ASC
		LIMIT $2`, now, limit)
}

func (p *PostgresStore) CreateProposal(ctx context.Context, pr *Proposal) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO dispute_proposals (`+proposalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pr.ID, pr.DisputeID, pr.ProposerID, string(pr.Type), pr.RefundPercentage, pr.Message,
		string(pr.Status), pr.CreatedAt, nullTime(pr.RespondedAt),
	)
	if isUniqueViolation(err) {
		return ErrPendingProposal
	}
	return err
}

func (p *PostgresStore) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM dispute_proposals WHERE id = $1`, id)

	pr, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProposalNotFound
	}
	return pr, err
}

func (p *PostgresStore) UpdateProposal(ctx context.Context, pr *Proposal, from ProposalStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE dispute_proposals SET status = $1, responded_at = $2
		WHERE id = $3 AND status = $4`,
		string(pr.Status), nullTime(pr.RespondedAt), pr.ID, string(from),
	)
	if isUniqueViolation(err) {
		// Reopening a proposal while another one is pending.
		return ErrPendingProposal
	}
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM dispute_proposals WHERE id = $1)`, pr.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrProposalNotFound
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) ListProposals(ctx context.Context, disputeID string) ([]*Proposal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM dispute_proposals
		WHERE dispute_id = $1
		ORDER BY created_at ASC, id ASC`, disputeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Proposal
	for rows.Next() {
		pr, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pr)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AddMessage(ctx context.Context, m *Message) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO dispute_messages (id, dispute_id, sender_id, body, admin, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.DisputeID, m.SenderID, m.Body, m.Admin, m.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListMessages(ctx context.Context, disputeID string) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dispute_id, sender_id, body, admin, created_at
		FROM dispute_messages
		WHERE dispute_id = $1
		ORDER BY created_at ASC, id ASC`, disputeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := []*Message{}
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.DisputeID, &m.SenderID, &m.Body, &m.Admin, &m.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		typ, status                    string
		escalatedAt, resolvedAt        sql.NullTime
		resolution, resolutionKind, by sql.NullString
		refundPct                      sql.NullInt32
		buyerRefund, sellerReceived    decimal.NullDecimal
	)

	err := s.Scan(
		&d.ID, &d.TransactionID, &d.ReporterID, &typ, &d.Reason, &status, &d.DisputeDeadline,
		&escalatedAt, &resolvedAt, &resolution, &resolutionKind, &refundPct,
		&buyerRefund, &sellerReceived, &by, &d.ArchivedBySeller, &d.ArchivedByBuyer,
		&d.CreatedAt, &d.UpdatedAt, &d.Version,
	)
	if err != nil {
		return nil, err
	}

	d.Type = Type(typ)
	d.Status = Status(status)
	d.EscalatedAt = timePtr(escalatedAt)
	d.ResolvedAt = timePtr(resolvedAt)
	d.Resolution = resolution.String
	d.ResolutionKind = ResolutionKind(resolutionKind.String)
	d.ResolvedBy = by.String
	if refundPct.Valid {
		d.RefundPercentage = ptr(int(refundPct.Int32))
	}
	if buyerRefund.Valid {
		d.BuyerRefund = ptr(buyerRefund.Decimal)
	}
	if sellerReceived.Valid {
		d.SellerReceived = ptr(sellerReceived.Decimal)
	}
	return d, nil
}

func scanProposal(s scanner) (*Proposal, error) {
	pr := &Proposal{}
	var (
		typ, status string
		respondedAt sql.NullTime
	)
	if err := s.Scan(&pr.ID, &pr.DisputeID, &pr.ProposerID, &typ, &pr.RefundPercentage, &pr.Message,
		&status, &pr.CreatedAt, &respondedAt); err != nil {
		return nil, err
	}
	pr.Type = ProposalType(typ)
	pr.Status = ProposalStatus(status)
	pr.RespondedAt = timePtr(respondedAt)
	return pr, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

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

func nullDecimal(v *decimal.Decimal) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *v, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ Store = (*PostgresStore)(nil)
