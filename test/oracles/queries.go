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

// All returns the invariant queries. Each must yield zero rows on a healthy
// database; any row is a counterexample.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_assignment_requires_provider",
			SQL: `SELECT id, status FROM service_requests
                  WHERE status IN ('assigned','in_progress','completed')
                    AND assigned_provider_id IS NULL`,
		},
		{
			Name: "O2_pending_has_no_assignee",
			SQL: `SELECT id FROM service_requests
                  WHERE status = 'pending' AND assigned_provider_id IS NOT NULL`,
		},
		{
			Name: "O3_winner_has_ledger_row",
			SQL: `SELECT r.id, r.assigned_provider_id FROM service_requests r
                  WHERE r.assigned_provider_id IS NOT NULL
                    AND NOT EXISTS (
                        SELECT 1 FROM acceptance_attempts a
                        WHERE a.request_id = r.id AND a.provider_id = r.assigned_provider_id)`,
		},
		{
			Name: "O4_ledger_no_duplicates",
			SQL: `SELECT request_id, provider_id, COUNT(*) FROM acceptance_attempts
                  GROUP BY request_id, provider_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_cancelled_audit_complete",
			SQL: `SELECT id FROM service_requests
                  WHERE status = 'cancelled'
                    AND (cancelled_at IS NULL OR cancellation_stage IS NULL)`,
		},
		{
			Name: "O6_temporal_order",
			SQL: `SELECT id FROM service_requests
                  WHERE (started_at IS NOT NULL AND assigned_at IS NOT NULL AND started_at < assigned_at)
                     OR (completed_at IS NOT NULL AND started_at IS NOT NULL AND completed_at < started_at)`,
		},
		{
			Name: "O7_outbox_not_stale",
			SQL: `SELECT id::text FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O8_events_immutability_guard",
			SQL: `SELECT 'missing_no_update_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='no_update_request_events')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and a sample
// row) or an empty name if every invariant holds.
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
