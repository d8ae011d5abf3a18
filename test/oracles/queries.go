package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_accepted_bid",
			SQL: `SELECT case_id, COUNT(*) FROM bids
                  WHERE status = 'accepted'
                  GROUP BY case_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_no_pending_sibling",
			SQL: `SELECT b.id, b.case_id FROM bids b
                  JOIN bids a ON a.case_id = b.case_id AND a.status = 'accepted'
                  WHERE b.status = 'pending'`,
		},
		{
			Name: "O3_case_status_matches_acceptance",
			SQL: `SELECT c.id, c.status FROM cases c
                  WHERE (c.status = 'in_progress'
                         AND NOT EXISTS (SELECT 1 FROM bids b WHERE b.case_id = c.id AND b.status = 'accepted'))
                     OR (c.status = 'open'
                         AND EXISTS (SELECT 1 FROM bids b WHERE b.case_id = c.id AND b.status = 'accepted'))`,
		},
		{
			Name: "O4_message_parties_eligible",
			SQL: `SELECT m.id, m.case_id, m.sender_id, m.receiver_id FROM messages m
                  JOIN cases c ON c.id = m.case_id
                  LEFT JOIN bids a ON a.case_id = c.id AND a.status = 'accepted'
                  WHERE a.id IS NULL
                     OR NOT ((m.sender_id = c.owner_id AND m.receiver_id = a.provider_id)
                          OR (m.sender_id = a.provider_id AND m.receiver_id = c.owner_id))`,
		},
		{
			Name: "O5_acceptance_recorded",
			SQL: `SELECT b.id FROM bids b
                  WHERE b.status = 'accepted'
                    AND NOT EXISTS (SELECT 1 FROM case_events e
                                    WHERE e.case_id = b.case_id AND e.type = 'BID_ACCEPTED')`,
		},
		{
			Name: "O6_single_live_bid_per_provider",
			SQL: `SELECT case_id, provider_id, COUNT(*) FROM bids
                  WHERE status <> 'withdrawn'
                  GROUP BY case_id, provider_id HAVING COUNT(*) > 1`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
