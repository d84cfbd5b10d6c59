package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// Repository performs custody writes. Every method takes the caller's
// transaction so the ledger can be advanced together with the milestone
// state machine; the invariants themselves are enforced by the database
// (partial unique index on active rows, conditional updates on status).
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const txnColumns = `id, milestone_id, amount, payment_method, external_reference, status, needs_attention, created_at, updated_at`

// OpenParams enumerates the fields of a new provisional custody entry.
type OpenParams struct {
	MilestoneID string
	Amount      decimal.Decimal
	Method      Method
	ExternalRef string
}

// Open inserts a pending transaction for the milestone. The partial unique
// index on active rows rejects a second open while one is pending or held.
func (r *Repository) Open(ctx context.Context, tx pgx.Tx, params OpenParams) (Transaction, error) {
	if params.MilestoneID == "" {
		return Transaction{}, fmt.Errorf("escrow: open missing milestone id")
	}
	if !params.Amount.IsPositive() {
		return Transaction{}, fmt.Errorf("escrow: open amount must be positive")
	}

	var extRef any
	if params.ExternalRef != "" {
		extRef = params.ExternalRef
	}

	insertSQL := fmt.Sprintf(`
        INSERT INTO escrow_transactions (milestone_id, amount, payment_method, external_reference, status)
        VALUES ($1, $2, $3, $4, 'pending')
        RETURNING %s
    `, txnColumns)

	txn, err := scanTransaction(tx.QueryRow(ctx, insertSQL, params.MilestoneID, params.Amount, params.Method, extRef))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Transaction{}, ErrDuplicateFunding
		}
		return Transaction{}, fmt.Errorf("escrow: open transaction: %w", err)
	}

	return txn, nil
}

// Confirm moves the active transaction into held custody and attaches the
// provider's external reference. Confirming again with the same reference is
// a no-op (already=true); a different reference is ErrConflict.
func (r *Repository) Confirm(ctx context.Context, tx pgx.Tx, milestoneID, externalRef string) (txn Transaction, already bool, err error) {
	if externalRef == "" {
		return Transaction{}, false, fmt.Errorf("escrow: confirm missing external reference")
	}

	lockSQL := fmt.Sprintf(`
        SELECT %s FROM escrow_transactions
        WHERE milestone_id = $1 AND status IN ('pending','held')
        FOR UPDATE
    `, txnColumns)

	txn, err = scanTransaction(tx.QueryRow(ctx, lockSQL, milestoneID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, false, ErrNotFound
		}
		return Transaction{}, false, fmt.Errorf("escrow: lock active transaction: %w", err)
	}

	if txn.Status == StatusHeld {
		if txn.ExternalRef != nil && *txn.ExternalRef == externalRef {
			return txn, true, nil
		}
		return Transaction{}, false, ErrConflict
	}

	if txn.ExternalRef != nil && *txn.ExternalRef != externalRef {
		return Transaction{}, false, ErrConflict
	}

	updateSQL := fmt.Sprintf(`
        UPDATE escrow_transactions
        SET status = 'held', external_reference = $2, updated_at = now()
        WHERE id = $1
        RETURNING %s
    `, txnColumns)

	txn, err = scanTransaction(tx.QueryRow(ctx, updateSQL, txn.ID, externalRef))
	if err != nil {
		return Transaction{}, false, fmt.Errorf("escrow: confirm transaction: %w", err)
	}

	return txn, false, nil
}

// Settle moves a held transaction into its terminal outcome. The conditional
// update guarantees two concurrent settles cannot both succeed.
func (r *Repository) Settle(ctx context.Context, tx pgx.Tx, milestoneID string, outcome Status) (Transaction, error) {
	if outcome != StatusReleased && outcome != StatusRefunded {
		return Transaction{}, fmt.Errorf("escrow: invalid settle outcome %q", outcome)
	}

	settleSQL := fmt.Sprintf(`
        UPDATE escrow_transactions
        SET status = $2, updated_at = now()
        WHERE milestone_id = $1 AND status = 'held'
        RETURNING %s
    `, txnColumns)

	txn, err := scanTransaction(tx.QueryRow(ctx, settleSQL, milestoneID, outcome))
	if err == nil {
		return txn, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, fmt.Errorf("escrow: settle transaction: %w", err)
	}

	// Distinguish "never funded" from "not currently held".
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_transactions WHERE milestone_id = $1)`, milestoneID).Scan(&exists); err != nil {
		return Transaction{}, fmt.Errorf("escrow: settle existence check: %w", err)
	}
	if !exists {
		return Transaction{}, ErrNotFound
	}
	return Transaction{}, ErrInvalidLedgerState
}

// FlagAttention marks a transaction for manual operator follow-up, e.g. when
// the gateway refund call failed but the local settle went ahead.
func (r *Repository) FlagAttention(ctx context.Context, tx pgx.Tx, transactionID string) error {
	tag, err := tx.Exec(ctx, `UPDATE escrow_transactions SET needs_attention = TRUE, updated_at = now() WHERE id = $1`, transactionID)
	if err != nil {
		return fmt.Errorf("escrow: flag attention: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var txn Transaction
	err := row.Scan(
		&txn.ID,
		&txn.MilestoneID,
		&txn.Amount,
		&txn.Method,
		&txn.ExternalRef,
		&txn.Status,
		&txn.NeedsAttention,
		&txn.CreatedAt,
		&txn.UpdatedAt,
	)
	return txn, err
}
