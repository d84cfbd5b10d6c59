package payment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"buildsafe/escrow"
	"buildsafe/milestone"
)

// TestFundingLifecycle_Integration connects to a real PostgreSQL via
// DATABASE_URL and walks the full custody lifecycle through PGStore,
// including webhook replay and duplicate funding rejection.
func TestFundingLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "escrow_transactions") || !tableExists(ctx, t, pool, "webhook_events") || !tableExists(ctx, t, pool, "outbox") {
		t.Skip("database schema missing; apply migrations/*.sql first")
	}

	var (
		clientID    string
		projectID   string
		milestoneID string
	)

	nano := time.Now().UnixNano()
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, password_hash, role) VALUES ($1,$2,'x','client') RETURNING id`,
		fmt.Sprintf("amara+%d@example.com", nano), "Amara Client").Scan(&clientID); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO projects (client_id, title, budget, currency, status)
        VALUES ($1,'Lekki Duplex',2250000,'NGN','in_progress') RETURNING id`, clientID).Scan(&projectID); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO milestones (project_id, title, ordinal, percentage_allocation, amount, status)
        VALUES ($1,'Foundation & Leveling',1,20,450000,'pending') RETURNING id`, projectID).Scan(&milestoneID); err != nil {
		t.Fatalf("seed milestone: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'milestone_id' = $1`, milestoneID)
		pool.Exec(ctx2, `DELETE FROM webhook_events WHERE event_key LIKE '%'||$1||'%'`, milestoneID)
		pool.Exec(ctx2, `DELETE FROM projects WHERE id = $1`, projectID)
		pool.Exec(ctx2, `DELETE FROM users WHERE id = $1`, clientID)
	})

	store := NewStore(pool, escrow.NewRepository(), milestone.NewRepository(pool))
	ref := fmt.Sprintf("milestone_%s_%d", milestoneID, nano)
	amount := decimal.RequireFromString("450000")

	// Open the provisional entry.
	txn, err := store.OpenFunding(ctx, OpenFundingParams{
		MilestoneID: milestoneID,
		Amount:      amount,
		Method:      escrow.MethodPaystack,
		ProviderRef: ref,
	})
	if err != nil {
		t.Fatalf("open funding: %v", err)
	}
	if txn.Status != escrow.StatusPending {
		t.Fatalf("expected pending custody, got %s", txn.Status)
	}

	// A second open while one is active must lose to the partial unique index.
	if _, err := store.OpenFunding(ctx, OpenFundingParams{
		MilestoneID: milestoneID,
		Amount:      amount,
		Method:      escrow.MethodPaystack,
		ProviderRef: ref + "-dup",
	}); !errors.Is(err, escrow.ErrDuplicateFunding) {
		t.Fatalf("expected ErrDuplicateFunding, got %v", err)
	}

	// Reference mapping was written at open time.
	resolved, err := store.ResolveReference(ctx, ref)
	if err != nil || resolved != milestoneID {
		t.Fatalf("resolve reference: id=%q err=%v", resolved, err)
	}

	// First webhook delivery confirms and funds.
	eventKey := fmt.Sprintf("paystack:charge.success:%s", ref)
	res, err := store.ConfirmFunding(ctx, ConfirmFundingParams{
		MilestoneID: milestoneID,
		ExternalRef: ref,
		Provider:    escrow.MethodPaystack,
		EventKey:    eventKey,
		Amount:      amount,
	})
	if err != nil {
		t.Fatalf("confirm funding: %v", err)
	}
	if res.Duplicate {
		t.Fatal("first delivery must not be reported as duplicate")
	}

	var msStatus string
	if err := pool.QueryRow(ctx, `SELECT status FROM milestones WHERE id=$1`, milestoneID).Scan(&msStatus); err != nil {
		t.Fatalf("verify milestone: %v", err)
	}
	if msStatus != "funded" {
		t.Fatalf("expected milestone funded, got %q", msStatus)
	}

	// The replayed delivery is a no-op.
	res, err = store.ConfirmFunding(ctx, ConfirmFundingParams{
		MilestoneID: milestoneID,
		ExternalRef: ref,
		Provider:    escrow.MethodPaystack,
		EventKey:    eventKey,
		Amount:      amount,
	})
	if err != nil {
		t.Fatalf("confirm funding (replay): %v", err)
	}
	if !res.Duplicate {
		t.Fatal("replayed delivery must be reported as duplicate")
	}

	var fundedEvents int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM timeline_events WHERE milestone_id=$1 AND type='MILESTONE_FUNDED'`, milestoneID).Scan(&fundedEvents); err != nil {
		t.Fatalf("verify timeline: %v", err)
	}
	if fundedEvents != 1 {
		t.Fatalf("expected 1 MILESTONE_FUNDED event after replay, got %d", fundedEvents)
	}

	// Builder submits, then the release settles everything.
	if _, err := pool.Exec(ctx, `UPDATE milestones SET status='submitted', evidence_urls=ARRAY['https://cdn.example.com/slab.jpg'], evidence_submitted_at=now() WHERE id=$1`, milestoneID); err != nil {
		t.Fatalf("submit evidence: %v", err)
	}
	released, err := store.Release(ctx, milestoneID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != escrow.StatusReleased {
		t.Fatalf("expected released custody, got %s", released.Status)
	}

	// Release is terminal: a second attempt finds no held funds.
	if _, err := store.Release(ctx, milestoneID); !errors.Is(err, escrow.ErrInvalidLedgerState) {
		t.Fatalf("expected ErrInvalidLedgerState on repeated release, got %v", err)
	}

	var outCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic='escrow.released' AND payload->>'milestone_id'=$1`, milestoneID).Scan(&outCount); err != nil {
		t.Fatalf("verify outbox: %v", err)
	}
	if outCount != 1 {
		t.Fatalf("expected 1 escrow.released outbox message, got %d", outCount)
	}
}

// TestExpirePending_Integration verifies the abandoned-session sweep frees
// the milestone for a new funding attempt while keeping the retired row as an
// audit trail.
func TestExpirePending_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "escrow_transactions") {
		t.Skip("database schema missing; apply migrations/*.sql first")
	}

	var (
		clientID    string
		projectID   string
		milestoneID string
	)

	nano := time.Now().UnixNano()
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, password_hash, role) VALUES ($1,$2,'x','client') RETURNING id`,
		fmt.Sprintf("tunde+%d@example.com", nano), "Tunde Client").Scan(&clientID); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO projects (client_id, title, budget, currency, status)
        VALUES ($1,'Ajah Bungalow',1500000,'NGN','in_progress') RETURNING id`, clientID).Scan(&projectID); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO milestones (project_id, title, ordinal, percentage_allocation, amount, status)
        VALUES ($1,'Foundation & Leveling',1,20,300000,'pending') RETURNING id`, projectID).Scan(&milestoneID); err != nil {
		t.Fatalf("seed milestone: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM projects WHERE id = $1`, projectID)
		pool.Exec(ctx2, `DELETE FROM users WHERE id = $1`, clientID)
	})

	store := NewStore(pool, escrow.NewRepository(), milestone.NewRepository(pool))
	amount := decimal.RequireFromString("300000")

	if _, err := store.OpenFunding(ctx, OpenFundingParams{
		MilestoneID: milestoneID,
		Amount:      amount,
		Method:      escrow.MethodPaystack,
		ProviderRef: fmt.Sprintf("milestone_%s_%d", milestoneID, nano),
	}); err != nil {
		t.Fatalf("open funding: %v", err)
	}

	// Age the session past the abandonment window.
	if _, err := pool.Exec(ctx, `UPDATE escrow_transactions SET created_at = now() - interval '2 hours' WHERE milestone_id = $1`, milestoneID); err != nil {
		t.Fatalf("age pending entry: %v", err)
	}

	expired, err := escrow.NewLedger(pool).ExpirePending(ctx, time.Hour)
	if err != nil {
		t.Fatalf("expire pending: %v", err)
	}
	if expired < 1 {
		t.Fatalf("expected at least one expired entry, got %d", expired)
	}

	var expiredCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM escrow_transactions WHERE milestone_id = $1 AND status = 'expired'`, milestoneID).Scan(&expiredCount); err != nil {
		t.Fatalf("verify expired row: %v", err)
	}
	if expiredCount != 1 {
		t.Fatalf("expected the retired row to survive as audit trail, got %d", expiredCount)
	}

	// The milestone is free for a fresh attempt once the stale entry retired.
	txn, err := store.OpenFunding(ctx, OpenFundingParams{
		MilestoneID: milestoneID,
		Amount:      amount,
		Method:      escrow.MethodPaystack,
		ProviderRef: fmt.Sprintf("milestone_%s_%d", milestoneID, nano+1),
	})
	if err != nil {
		t.Fatalf("reopen funding after expiry: %v", err)
	}
	if txn.Status != escrow.StatusPending {
		t.Fatalf("expected a fresh pending custody entry, got %s", txn.Status)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
