package message

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lawconnect/auth"
	"lawconnect/db"
)

// Repository persists messages and read state.
type Repository interface {
	Insert(ctx context.Context, params InsertParams) (Message, error)
	MarkRead(ctx context.Context, caseID, receiverID string) (int64, error)
	UnreadCount(ctx context.Context, receiverID string) (int64, error)
	ListByCase(ctx context.Context, caseID string) ([]Message, error)
	Partners(ctx context.Context, p auth.Principal) ([]Partner, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed message repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const messageColumns = `
	m.id::text, m.seq, m.case_id::text, m.sender_id::text, m.receiver_id::text, m.content, m.kind,
	COALESCE(m.file_url, ''), COALESCE(m.file_name, ''), m.is_read, m.created_at, m.updated_at,
	COALESCE(u.full_name, ''), COALESCE(u.role, '')`

// Insert persists an unread message and returns it with the sender's display fields.
func (r *PGRepository) Insert(ctx context.Context, params InsertParams) (Message, error) {
	const insertSQL = `
WITH m AS (
	INSERT INTO messages (case_id, sender_id, receiver_id, content, kind, file_url, file_name)
	VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))
	RETURNING *
)
SELECT` + messageColumns + `
FROM m
LEFT JOIN users u ON u.id = m.sender_id`

	msg, err := scanMessage(r.pool.QueryRow(ctx, insertSQL,
		params.CaseID, params.SenderID, params.ReceiverID, params.Content, params.Kind, params.FileURL, params.FileName))
	if err != nil {
		return Message{}, db.Classify("message: insert", err)
	}
	return msg, nil
}

// MarkRead flags every unread message on the case addressed to receiverID.
func (r *PGRepository) MarkRead(ctx context.Context, caseID, receiverID string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE messages
SET is_read = true, updated_at = clock_timestamp()
WHERE case_id = $1 AND receiver_id = $2 AND NOT is_read`, caseID, receiverID)
	if err != nil {
		return 0, db.Classify("message: mark read", err)
	}
	return tag.RowsAffected(), nil
}

// UnreadCount counts unread messages addressed to receiverID across all cases.
func (r *PGRepository) UnreadCount(ctx context.Context, receiverID string) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM messages WHERE receiver_id = $1 AND NOT is_read`, receiverID).Scan(&n); err != nil {
		return 0, db.Classify("message: unread count", err)
	}
	return n, nil
}

// ListByCase returns a case's messages in chat order.
func (r *PGRepository) ListByCase(ctx context.Context, caseID string) ([]Message, error) {
	rows, err := r.pool.Query(ctx, `
SELECT`+messageColumns+`
FROM messages m
LEFT JOIN users u ON u.id = m.sender_id
WHERE m.case_id = $1
ORDER BY m.created_at ASC, m.seq ASC`, caseID)
	if err != nil {
		return nil, db.Classify("message: list", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, db.Classify("message: scan", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify("message: list", err)
	}
	return out, nil
}

// Partners derives conversation partners from accepted bids. Owners see the
// accepted providers, providers see the owners, administrators see both sides
// of every accepted pairing.
func (r *PGRepository) Partners(ctx context.Context, p auth.Principal) ([]Partner, error) {
	const partnersSQL = `
SELECT c.id::text, c.title, partner.id::text, partner.full_name, partner.role,
       (SELECT count(*) FROM messages m
         WHERE m.case_id = c.id AND m.receiver_id = $1 AND NOT m.is_read)
FROM cases c
JOIN bids b ON b.case_id = c.id AND b.status = 'accepted'
JOIN users partner ON partner.id = CASE WHEN c.owner_id = $1 THEN b.provider_id ELSE c.owner_id END
WHERE c.owner_id = $1 OR b.provider_id = $1
UNION ALL
SELECT c.id::text, c.title, side.id::text, side.full_name, side.role, 0
FROM cases c
JOIN bids b ON b.case_id = c.id AND b.status = 'accepted'
JOIN users side ON side.id IN (c.owner_id, b.provider_id)
WHERE $2
ORDER BY 2, 4`

	rows, err := r.pool.Query(ctx, partnersSQL, p.ID, p.IsAdmin())
	if err != nil {
		return nil, db.Classify("message: partners", err)
	}
	defer rows.Close()

	var out []Partner
	for rows.Next() {
		var pt Partner
		if err := rows.Scan(&pt.CaseID, &pt.CaseTitle, &pt.PartnerID, &pt.PartnerName, &pt.PartnerRole, &pt.Unread); err != nil {
			return nil, db.Classify("message: scan partner", err)
		}
		out = append(out, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify("message: partners", err)
	}
	return out, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var msg Message
	err := row.Scan(
		&msg.ID,
		&msg.Seq,
		&msg.CaseID,
		&msg.SenderID,
		&msg.ReceiverID,
		&msg.Content,
		&msg.Kind,
		&msg.FileURL,
		&msg.FileName,
		&msg.IsRead,
		&msg.CreatedAt,
		&msg.UpdatedAt,
		&msg.SenderName,
		&msg.SenderRole,
	)
	return msg, err
}
