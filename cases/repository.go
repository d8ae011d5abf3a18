package cases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lawconnect/db"
	"lawconnect/errs"
)

var (
	// ErrCaseNotFound signals that the case does not exist.
	ErrCaseNotFound = fmt.Errorf("cases: case %w", errs.ErrNotFound)
	// ErrBidNotFound signals that the bid does not exist.
	ErrBidNotFound = fmt.Errorf("cases: bid %w", errs.ErrNotFound)
	// ErrDuplicateBid signals that the provider already holds a live bid on the case.
	ErrDuplicateBid = fmt.Errorf("cases: provider already bid on this case: %w", errs.ErrConflict)
)

const defaultListLimit = 100

// Repository is the persistence gateway for cases, bids and the case timeline.
// Methods taking a pgx.Tx run inside the caller's transaction; the rest read
// committed state from the pool. It applies no policy.
type Repository interface {
	CreateCase(ctx context.Context, tx pgx.Tx, params CreateCaseParams) (Case, error)
	GetCase(ctx context.Context, caseID string) (Case, error)
	LockCase(ctx context.Context, tx pgx.Tx, caseID string) (Case, error)
	ListCases(ctx context.Context, filter ListFilter) ([]Case, error)
	UpdateCaseDetails(ctx context.Context, tx pgx.Tx, caseID string, params DetailsParams) (Case, error)
	SetCaseStatus(ctx context.Context, tx pgx.Tx, caseID string, status Status) error

	CreateBid(ctx context.Context, tx pgx.Tx, params CreateBidParams) (Bid, error)
	GetBid(ctx context.Context, bidID string) (Bid, error)
	LockBid(ctx context.Context, tx pgx.Tx, bidID string) (Bid, error)
	ListBids(ctx context.Context, caseID string) ([]Bid, error)
	AcceptedBid(ctx context.Context, caseID string) (*Bid, error)
	ProviderBid(ctx context.Context, caseID, providerID string) (*Bid, error)
	SetBidStatus(ctx context.Context, tx pgx.Tx, bidID string, status BidStatus, at time.Time) error
	RejectPendingBids(ctx context.Context, tx pgx.Tx, caseID, exceptBidID string) ([]Bid, error)

	AppendEvent(ctx context.Context, tx pgx.Tx, ev Event) error
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed case repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const caseColumns = `
	c.id::text, c.owner_id::text, COALESCE(u.full_name, ''), c.title, c.description, c.category,
	c.budget::float8, c.currency, c.status, c.created_at, c.updated_at`

const caseFrom = `
FROM cases c
LEFT JOIN users u ON u.id = c.owner_id`

// The data-modifying statements below return through a CTE of the same alias
// so the joined columns see the new row.
const caseFromCTE = `
FROM c
LEFT JOIN users u ON u.id = c.owner_id`

const bidColumns = `
	b.id::text, b.case_id::text, b.provider_id::text, COALESCE(u.full_name, ''), b.amount::float8,
	b.currency, b.message, b.status, b.accepted_at, b.created_at, b.updated_at`

const bidFrom = `
FROM bids b
LEFT JOIN users u ON u.id = b.provider_id`

const bidFromCTE = `
FROM b
LEFT JOIN users u ON u.id = b.provider_id`

// CreateCase inserts a new open case.
func (r *PGRepository) CreateCase(ctx context.Context, tx pgx.Tx, params CreateCaseParams) (Case, error) {
	const insertSQL = `
WITH c AS (
	INSERT INTO cases (owner_id, title, description, category, budget, currency, status)
	VALUES ($1, $2, $3, $4, $5, $6, 'open')
	RETURNING *
)
SELECT` + caseColumns + caseFromCTE

	c, err := scanCase(tx.QueryRow(ctx, insertSQL,
		params.OwnerID, params.Title, params.Description, params.Category, params.Budget, params.Currency))
	if err != nil {
		return Case{}, db.Classify("cases: insert case", err)
	}
	return c, nil
}

// GetCase loads a case by ID.
func (r *PGRepository) GetCase(ctx context.Context, caseID string) (Case, error) {
	c, err := scanCase(r.pool.QueryRow(ctx, `SELECT`+caseColumns+caseFrom+` WHERE c.id = $1`, caseID))
	if err != nil {
		return Case{}, caseErr("cases: get case", err)
	}
	return c, nil
}

// LockCase loads a case and holds a row lock on it until tx ends. Every
// lifecycle transition serializes on this lock.
func (r *PGRepository) LockCase(ctx context.Context, tx pgx.Tx, caseID string) (Case, error) {
	c, err := scanCase(tx.QueryRow(ctx, `SELECT`+caseColumns+caseFrom+` WHERE c.id = $1 FOR UPDATE OF c`, caseID))
	if err != nil {
		return Case{}, caseErr("cases: lock case", err)
	}
	return c, nil
}

// ListCases returns cases visible under the filter's scope, newest first.
func (r *PGRepository) ListCases(ctx context.Context, filter ListFilter) ([]Case, error) {
	limit := filter.Limit
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}

	args := []any{string(filter.Status), limit}
	var where string
	switch filter.Scope {
	case ScopeOwned:
		args = append(args, filter.PrincipalID)
		where = `c.owner_id = $3`
	case ScopeMarketplace:
		args = append(args, filter.PrincipalID)
		where = `(c.status = 'open' OR EXISTS (
		SELECT 1 FROM bids b WHERE b.case_id = c.id AND b.provider_id = $3 AND b.status = 'accepted'))`
	case ScopeAll:
		where = `TRUE`
	default:
		return nil, fmt.Errorf("cases: unknown list scope %d: %w", filter.Scope, errs.ErrInvalidInput)
	}

	query := `SELECT` + caseColumns + caseFrom + `
WHERE ` + where + `
  AND ($1 = '' OR c.status = $1)
ORDER BY c.created_at DESC, c.id
LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, db.Classify("cases: list cases", err)
	}
	defer rows.Close()

	var out []Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, db.Classify("cases: scan case", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify("cases: list cases", err)
	}
	return out, nil
}

// UpdateCaseDetails rewrites the descriptive fields of a case. Status is untouched.
func (r *PGRepository) UpdateCaseDetails(ctx context.Context, tx pgx.Tx, caseID string, params DetailsParams) (Case, error) {
	const updateSQL = `
WITH c AS (
	UPDATE cases
	SET title = $2, description = $3, category = $4, budget = $5, updated_at = now()
	WHERE id = $1
	RETURNING *
)
SELECT` + caseColumns + caseFromCTE

	c, err := scanCase(tx.QueryRow(ctx, updateSQL, caseID, params.Title, params.Description, params.Category, params.Budget))
	if err != nil {
		return Case{}, caseErr("cases: update case", err)
	}
	return c, nil
}

// SetCaseStatus moves a case to status.
func (r *PGRepository) SetCaseStatus(ctx context.Context, tx pgx.Tx, caseID string, status Status) error {
	tag, err := tx.Exec(ctx, `UPDATE cases SET status = $2, updated_at = now() WHERE id = $1`, caseID, status)
	if err != nil {
		return db.Classify("cases: set case status", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCaseNotFound
	}
	return nil
}

// CreateBid inserts a pending bid. The partial unique index on live bids turns
// a concurrent duplicate into ErrDuplicateBid.
func (r *PGRepository) CreateBid(ctx context.Context, tx pgx.Tx, params CreateBidParams) (Bid, error) {
	const insertSQL = `
WITH b AS (
	INSERT INTO bids (case_id, provider_id, amount, currency, message, status)
	VALUES ($1, $2, $3, $4, $5, 'pending')
	RETURNING *
)
SELECT` + bidColumns + bidFromCTE

	b, err := scanBid(tx.QueryRow(ctx, insertSQL,
		params.CaseID, params.ProviderID, params.Amount, params.Currency, params.Message))
	if err != nil {
		classified := db.Classify("cases: insert bid", err)
		if errors.Is(classified, errs.ErrConflict) {
			return Bid{}, ErrDuplicateBid
		}
		return Bid{}, classified
	}
	return b, nil
}

// GetBid loads a bid by ID.
func (r *PGRepository) GetBid(ctx context.Context, bidID string) (Bid, error) {
	b, err := scanBid(r.pool.QueryRow(ctx, `SELECT`+bidColumns+bidFrom+` WHERE b.id = $1`, bidID))
	if err != nil {
		return Bid{}, bidErr("cases: get bid", err)
	}
	return b, nil
}

// LockBid loads a bid and holds a row lock on it until tx ends.
func (r *PGRepository) LockBid(ctx context.Context, tx pgx.Tx, bidID string) (Bid, error) {
	b, err := scanBid(tx.QueryRow(ctx, `SELECT`+bidColumns+bidFrom+` WHERE b.id = $1 FOR UPDATE OF b`, bidID))
	if err != nil {
		return Bid{}, bidErr("cases: lock bid", err)
	}
	return b, nil
}

// ListBids returns every bid on a case, newest first.
func (r *PGRepository) ListBids(ctx context.Context, caseID string) ([]Bid, error) {
	rows, err := r.pool.Query(ctx, `SELECT`+bidColumns+bidFrom+` WHERE b.case_id = $1 ORDER BY b.created_at DESC, b.id`, caseID)
	if err != nil {
		return nil, db.Classify("cases: list bids", err)
	}
	return collectBids(rows)
}

// AcceptedBid returns the accepted bid of a case, or nil when none exists.
func (r *PGRepository) AcceptedBid(ctx context.Context, caseID string) (*Bid, error) {
	return r.optionalBid(ctx, "cases: accepted bid",
		`SELECT`+bidColumns+bidFrom+` WHERE b.case_id = $1 AND b.status = 'accepted'`, caseID)
}

// ProviderBid returns the provider's live (non-withdrawn) bid on a case, or nil.
func (r *PGRepository) ProviderBid(ctx context.Context, caseID, providerID string) (*Bid, error) {
	return r.optionalBid(ctx, "cases: provider bid",
		`SELECT`+bidColumns+bidFrom+`
WHERE b.case_id = $1 AND b.provider_id = $2 AND b.status <> 'withdrawn'
ORDER BY b.created_at DESC
LIMIT 1`, caseID, providerID)
}

// SetBidStatus moves a bid to status. Acceptance records at as accepted_at.
func (r *PGRepository) SetBidStatus(ctx context.Context, tx pgx.Tx, bidID string, status BidStatus, at time.Time) error {
	var acceptedAt *time.Time
	if status == BidAccepted {
		acceptedAt = &at
	}
	tag, err := tx.Exec(ctx, `
UPDATE bids
SET status = $2, accepted_at = COALESCE($3, accepted_at), updated_at = $4
WHERE id = $1`, bidID, status, acceptedAt, at)
	if err != nil {
		return db.Classify("cases: set bid status", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBidNotFound
	}
	return nil
}

// RejectPendingBids rejects every pending bid on a case except exceptBidID and
// returns the rejected bids.
func (r *PGRepository) RejectPendingBids(ctx context.Context, tx pgx.Tx, caseID, exceptBidID string) ([]Bid, error) {
	const rejectSQL = `
WITH b AS (
	UPDATE bids
	SET status = 'rejected', updated_at = now()
	WHERE case_id = $1 AND status = 'pending' AND ($2 = '' OR id::text <> $2)
	RETURNING *
)
SELECT` + bidColumns + bidFromCTE

	rows, err := tx.Query(ctx, rejectSQL, caseID, exceptBidID)
	if err != nil {
		return nil, db.Classify("cases: reject pending bids", err)
	}
	return collectBids(rows)
}

// AppendEvent writes a timeline row inside the caller's transaction.
func (r *PGRepository) AppendEvent(ctx context.Context, tx pgx.Tx, ev Event) error {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("cases: marshal event payload: %w", err)
	}

	var actor *string
	if ev.ActorID != "" {
		actor = &ev.ActorID
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO case_events (case_id, type, actor_id, payload)
VALUES ($1, $2, $3::uuid, $4::jsonb)`, ev.CaseID, ev.Type, actor, string(raw)); err != nil {
		return db.Classify("cases: insert timeline", err)
	}
	return nil
}

func (r *PGRepository) optionalBid(ctx context.Context, op, query string, args ...any) (*Bid, error) {
	b, err := scanBid(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, db.Classify(op, err)
	}
	return &b, nil
}

func collectBids(rows pgx.Rows) ([]Bid, error) {
	defer rows.Close()
	var out []Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, db.Classify("cases: scan bid", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify("cases: read bids", err)
	}
	return out, nil
}

func caseErr(op string, err error) error {
	classified := db.Classify(op, err)
	if errors.Is(classified, errs.ErrNotFound) {
		return ErrCaseNotFound
	}
	return classified
}

func bidErr(op string, err error) error {
	classified := db.Classify(op, err)
	if errors.Is(classified, errs.ErrNotFound) {
		return ErrBidNotFound
	}
	return classified
}

func scanCase(row pgx.Row) (Case, error) {
	var c Case
	err := row.Scan(
		&c.ID,
		&c.OwnerID,
		&c.OwnerName,
		&c.Title,
		&c.Description,
		&c.Category,
		&c.Budget,
		&c.Currency,
		&c.Status,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	return c, err
}

func scanBid(row pgx.Row) (Bid, error) {
	var b Bid
	err := row.Scan(
		&b.ID,
		&b.CaseID,
		&b.ProviderID,
		&b.ProviderName,
		&b.Amount,
		&b.Currency,
		&b.Message,
		&b.Status,
		&b.AcceptedAt,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	return b, err
}
