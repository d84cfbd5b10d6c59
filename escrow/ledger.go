package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger exposes read access and maintenance over custody records.
type Ledger struct {
	pool *pgxpool.Pool
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Lookup returns the most recent transaction for the milestone. Historical
// refunded/released rows from earlier funding cycles sort behind it.
func (l *Ledger) Lookup(ctx context.Context, milestoneID string) (Transaction, error) {
	lookupSQL := fmt.Sprintf(`
        SELECT %s FROM escrow_transactions
        WHERE milestone_id = $1
        ORDER BY created_at DESC
        LIMIT 1
    `, txnColumns)

	txn, err := scanTransaction(l.pool.QueryRow(ctx, lookupSQL, milestoneID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: lookup: %w", err)
	}
	return txn, nil
}

// History returns every custody record for the project's milestones, newest
// first.
func (l *Ledger) History(ctx context.Context, projectID string) ([]Transaction, error) {
	historySQL := fmt.Sprintf(`
        SELECT %s FROM escrow_transactions t
        WHERE t.milestone_id IN (SELECT id FROM milestones WHERE project_id = $1)
        ORDER BY t.created_at DESC
    `, txnColumnsQualified("t"))

	rows, err := l.pool.Query(ctx, historySQL, projectID)
	if err != nil {
		return nil, fmt.Errorf("escrow: history: %w", err)
	}
	defer rows.Close()

	txns := []Transaction{}
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan history row: %w", err)
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate history: %w", err)
	}

	return txns, nil
}

// ExpirePending retires pending entries whose gateway session was never
// confirmed, freeing the milestone for a fresh attempt. Rows are marked
// expired rather than deleted so a late success webhook for one can still be
// reconciled by hand. Called by the out-of-band sweep, not request handlers.
func (l *Ledger) ExpirePending(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("escrow: expire window must be positive")
	}

	tag, err := l.pool.Exec(ctx, `
        UPDATE escrow_transactions
        SET status = 'expired', updated_at = now()
        WHERE status = 'pending' AND created_at < now() - $1::interval
    `, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("escrow: expire pending: %w", err)
	}
	return tag.RowsAffected(), nil
}

func txnColumnsQualified(alias string) string {
	return fmt.Sprintf("%s.id, %s.milestone_id, %s.amount, %s.payment_method, %s.external_reference, %s.status, %s.needs_attention, %s.created_at, %s.updated_at",
		alias, alias, alias, alias, alias, alias, alias, alias, alias)
}
