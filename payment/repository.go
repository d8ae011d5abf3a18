package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lawconnect/db"
	"lawconnect/errs"
)

// ErrPaymentNotFound signals that the payment does not exist.
var ErrPaymentNotFound = fmt.Errorf("payment: %w", errs.ErrNotFound)

// Repository persists payment records.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (Payment, error)
	Get(ctx context.Context, id string) (Payment, error)
	GetByOrderID(ctx context.Context, orderID string) (Payment, error)
	Lock(ctx context.Context, tx pgx.Tx, id string) (Payment, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status, gatewayRef string) (Payment, error)
	// Completed returns the completed chat-access payment for (caseID, payerID),
	// or nil when there is none.
	Completed(ctx context.Context, caseID, payerID string) (*Payment, error)
	// Latest returns the most recent chat-access payment for (caseID, payerID)
	// in any status, or nil.
	Latest(ctx context.Context, caseID, payerID string) (*Payment, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed payment repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const paymentColumns = `
	id::text, case_id::text, payer_id::text, COALESCE(bid_id::text, ''), amount::float8, currency,
	kind, status, gateway_order_id, COALESCE(gateway_ref, ''), created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (Payment, error) {
	var bidID *string
	if params.BidID != "" {
		bidID = &params.BidID
	}
	kind := params.Kind
	if kind == "" {
		kind = KindChatAccess
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO payments (case_id, payer_id, bid_id, amount, currency, kind, gateway_order_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+paymentColumns,
		params.CaseID, params.PayerID, bidID, params.Amount, params.Currency, kind, params.GatewayOrderID,
	)
	p, err := scanPayment(row)
	if err != nil {
		return Payment{}, db.Classify("payment: create", err)
	}
	return p, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Payment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return r.one(row, "payment: get")
}

func (r *PGRepository) GetByOrderID(ctx context.Context, orderID string) (Payment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE gateway_order_id = $1`, orderID)
	return r.one(row, "payment: get by order")
}

func (r *PGRepository) Lock(ctx context.Context, tx pgx.Tx, id string) (Payment, error) {
	row := tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
	return r.one(row, "payment: lock")
}

func (r *PGRepository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status, gatewayRef string) (Payment, error) {
	row := tx.QueryRow(ctx, `
		UPDATE payments
		SET status = $2, gateway_ref = COALESCE(NULLIF($3, ''), gateway_ref), updated_at = now()
		WHERE id = $1
		RETURNING `+paymentColumns,
		id, string(status), gatewayRef,
	)
	return r.one(row, "payment: set status")
}

func (r *PGRepository) Completed(ctx context.Context, caseID, payerID string) (*Payment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE case_id = $1 AND payer_id = $2 AND kind = $3 AND status = 'completed'
		LIMIT 1`,
		caseID, payerID, KindChatAccess,
	)
	return r.optional(row, "payment: completed")
}

func (r *PGRepository) Latest(ctx context.Context, caseID, payerID string) (*Payment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE case_id = $1 AND payer_id = $2 AND kind = $3
		ORDER BY created_at DESC
		LIMIT 1`,
		caseID, payerID, KindChatAccess,
	)
	return r.optional(row, "payment: latest")
}

func (r *PGRepository) one(row pgx.Row, op string) (Payment, error) {
	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, ErrPaymentNotFound
	}
	if err != nil {
		return Payment{}, db.Classify(op, err)
	}
	return p, nil
}

func (r *PGRepository) optional(row pgx.Row, op string) (*Payment, error) {
	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, db.Classify(op, err)
	}
	return &p, nil
}

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	var status string
	err := row.Scan(
		&p.ID, &p.CaseID, &p.PayerID, &p.BidID, &p.Amount, &p.Currency,
		&p.Kind, &status, &p.GatewayOrderID, &p.GatewayRef, &p.CreatedAt, &p.UpdatedAt,
	)
	p.Status = Status(status)
	return p, err
}
