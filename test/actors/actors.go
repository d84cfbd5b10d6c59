package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Funder hammers the same milestone with funding attempts. The partial
// unique index on active custody rows must reject all but one.
func Funder(ctx context.Context, pool *pgxpool.Pool, milestoneID string, method string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		ref := fmt.Sprintf("milestone_%s_%d", milestoneID, time.Now().UnixMilli())
		_, err := pool.Exec(ctx, `INSERT INTO escrow_transactions (milestone_id, amount, payment_method, external_reference, status)
                                  SELECT id, amount, $2, $3, 'pending' FROM milestones WHERE id = $1 AND status = 'pending'`,
			milestoneID, method, ref)
		if err != nil && !uniqueViolation(err) {
			return fmt.Errorf("funder insert: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Confirmer plays the payment provider: it picks up the pending custody
// entry, registers the webhook event key and moves ledger plus milestone in
// one transaction, writing timeline and outbox alongside.
func Confirmer(ctx context.Context, pool *pgxpool.Pool, milestoneID, provider string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var txnID, ref string
		err = tx.QueryRow(ctx, `SELECT id, external_reference FROM escrow_transactions
                                WHERE milestone_id=$1 AND status='pending' FOR UPDATE`, milestoneID).Scan(&txnID, &ref)
		if err == nil {
			key := fmt.Sprintf("%s:charge.success:%s", provider, ref)
			_, err = tx.Exec(ctx, `INSERT INTO webhook_events (provider, event_key) VALUES ($1,$2)`, provider, key)
			if err == nil {
				_, err = tx.Exec(ctx, `UPDATE escrow_transactions SET status='held', updated_at=now() WHERE id=$1`, txnID)
			}
			if err == nil {
				// the whole confirmation aborts when the milestone moved on,
				// leaving the stale pending row for the expiry sweep
				var updated string
				err = tx.QueryRow(ctx, `UPDATE milestones SET status='funded' WHERE id=$1 AND status='pending' RETURNING id`, milestoneID).Scan(&updated)
			}
			if err == nil {
				_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (milestone_id, type, payload) VALUES ($1,'MILESTONE_FUNDED','{}'::jsonb)`, milestoneID)
				_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('escrow.funded', jsonb_build_object('milestone_id',$1::text))`, milestoneID)
				err = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		if err != nil && !uniqueViolation(err) && !errors.Is(err, pgx.ErrNoRows) && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("confirmer: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Replayer redelivers already-registered webhook event keys. Every attempt
// must lose the unique insert and change nothing.
func Replayer(ctx context.Context, pool *pgxpool.Pool, provider string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var key string
		err := pool.QueryRow(ctx, `SELECT event_key FROM webhook_events WHERE provider=$1 ORDER BY random() LIMIT 1`, provider).Scan(&key)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("replayer select: %w", err)
		}
		if err == nil {
			_, err = pool.Exec(ctx, `INSERT INTO webhook_events (provider, event_key) VALUES ($1,$2)`, provider, key)
			if err != nil && !uniqueViolation(err) {
				return fmt.Errorf("replayer insert: %w", err)
			}
			if err == nil {
				return fmt.Errorf("replayer: duplicate event key %q was accepted", key)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Submitter moves funded milestones to submitted by attaching evidence.
func Submitter(ctx context.Context, pool *pgxpool.Pool, milestoneID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `UPDATE milestones
                                  SET status='submitted', evidence_urls=ARRAY['https://cdn.example.com/evidence.jpg'], evidence_submitted_at=now()
                                  WHERE id=$1 AND status='funded'`, milestoneID)
		if err != nil {
			return fmt.Errorf("submitter: %w", err)
		}
		time.Sleep(time.Duration(25+rand.Intn(40)) * time.Millisecond)
	}
}

// Releaser settles held custody as released together with the milestone.
// The conditional update on 'held' means two racing releasers cannot both
// settle; a releaser racing a refunder can win at most once between them.
func Releaser(ctx context.Context, pool *pgxpool.Pool, milestoneID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var txnID string
		err = tx.QueryRow(ctx, `UPDATE escrow_transactions SET status='released', updated_at=now()
                                WHERE milestone_id=$1 AND status='held' RETURNING id`, milestoneID).Scan(&txnID)
		if err == nil {
			var updated string
			err = tx.QueryRow(ctx, `UPDATE milestones SET status='released'
                                    WHERE id=$1 AND status IN ('submitted','approved') RETURNING id`, milestoneID).Scan(&updated)
			if err == nil {
				_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (milestone_id, type, payload) VALUES ($1,'PAYMENT_RELEASED','{}'::jsonb)`, milestoneID)
				_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('escrow.released', jsonb_build_object('milestone_id',$1::text))`, milestoneID)
				err = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("releaser: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// Refunder settles held custody as refunded and resets the milestone so the
// funding cycle can restart. Only valid while the milestone is still funded.
func Refunder(ctx context.Context, pool *pgxpool.Pool, milestoneID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var txnID string
		err = tx.QueryRow(ctx, `UPDATE escrow_transactions SET status='refunded', updated_at=now()
                                WHERE milestone_id=$1 AND status='held' RETURNING id`, milestoneID).Scan(&txnID)
		if err == nil {
			var updated string
			err = tx.QueryRow(ctx, `UPDATE milestones SET status='pending'
                                    WHERE id=$1 AND status='funded' RETURNING id`, milestoneID).Scan(&updated)
			if err == nil {
				_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (milestone_id, type, payload) VALUES ($1,'MILESTONE_REFUNDED','{}'::jsonb)`, milestoneID)
				_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('escrow.refunded', jsonb_build_object('milestone_id',$1::text))`, milestoneID)
				err = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("refunder: %w", err)
		}
		time.Sleep(time.Duration(40+rand.Intn(80)) * time.Millisecond)
	}
}

// OutboxWorker drains unpublished messages with SKIP LOCKED so concurrent
// workers never double-deliver.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE published_at IS NULL ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]int64, 0, 10)
		for rows.Next() {
			var id int64
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			// simulate a flaky downstream consumer
			if rand.Intn(10) == 0 {
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET published_at=now() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
