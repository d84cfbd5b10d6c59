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

// All returns the invariant checks run repeatedly during the stress test.
// Every query must come back empty; any row is a counterexample.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_active_custody",
			SQL: `SELECT milestone_id, COUNT(*) FROM escrow_transactions
                  WHERE status IN ('pending','held')
                  GROUP BY milestone_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_released_milestone_backed_by_ledger",
			SQL: `SELECT m.id FROM milestones m
                  WHERE m.status = 'released'
                    AND NOT EXISTS (SELECT 1 FROM escrow_transactions t
                                    WHERE t.milestone_id = m.id AND t.status = 'released')`,
		},
		{
			Name: "O3_held_custody_milestone_consistency",
			SQL: `SELECT t.id, m.status FROM escrow_transactions t
                  JOIN milestones m ON m.id = t.milestone_id
                  WHERE t.status = 'held'
                    AND m.status NOT IN ('funded','submitted','approved')`,
		},
		{
			Name: "O4_funded_milestone_has_exactly_one_held",
			SQL: `SELECT m.id, m.status FROM milestones m
                  WHERE m.status IN ('funded','submitted','approved')
                    AND (SELECT COUNT(*) FROM escrow_transactions t
                         WHERE t.milestone_id = m.id AND t.status = 'held') <> 1`,
		},
		{
			Name: "O5_no_duplicate_settled_reference",
			SQL: `SELECT external_reference, COUNT(*) FROM escrow_transactions
                  WHERE external_reference IS NOT NULL AND status <> 'pending'
                  GROUP BY external_reference HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_custody_amount_matches_milestone",
			SQL: `SELECT t.id FROM escrow_transactions t
                  JOIN milestones m ON m.id = t.milestone_id
                  WHERE t.status IN ('pending','held') AND t.amount <> m.amount`,
		},
		{
			Name: "O7_allocation_within_budget",
			SQL: `SELECT project_id, SUM(percentage_allocation) FROM milestones
                  GROUP BY project_id HAVING SUM(percentage_allocation) > 100`,
		},
		{
			Name: "O8_outbox_liveness",
			SQL: `SELECT id FROM outbox
                  WHERE published_at IS NULL AND now() - created_at > interval '5 minutes'`,
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
