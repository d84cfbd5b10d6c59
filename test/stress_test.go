package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"buildsafe/test/actors"
	"buildsafe/test/chaos"
	"buildsafe/test/infra"
	"buildsafe/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestEscrowConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	// migrations
	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	// seed minimal data
	seedData := mustSeed(t, ctx, pool)

	// run actors
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// funders and confirmers battling over the same milestone
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error {
			return actors.Funder(ctx2, pool, seedData.milestoneID, "paystack", stop)
		})
		g.Go(func() error { return actors.Confirmer(ctx2, pool, seedData.milestoneID, "paystack", stop) })
	}

	// webhook replayer
	g.Go(func() error { return actors.Replayer(ctx2, pool, "paystack", stop) })
	// evidence submitter
	g.Go(func() error { return actors.Submitter(ctx2, pool, seedData.milestoneID, stop) })
	// releasers and refunders racing over settlement
	for i := 0; i < 2; i++ {
		g.Go(func() error { return actors.Releaser(ctx2, pool, seedData.milestoneID, stop) })
		g.Go(func() error { return actors.Refunder(ctx2, pool, seedData.milestoneID, stop) })
	}
	// outbox worker
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	// chaos: kill random backend
	go chaos.TerminateRandomBackend(ctx2, pool, "", stop)

	// schedule oracle checks until duration reached
	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	clientID    string
	builderID   string
	projectID   string
	milestoneID string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs
	// client
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, password_hash, role) VALUES ($1,$2,'x','client') RETURNING id`,
		fmt.Sprintf("client%d@example.com", rand.Int63()), "Stress Client").Scan(&s.clientID); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	// builder
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, password_hash, role) VALUES ($1,$2,'x','builder') RETURNING id`,
		fmt.Sprintf("builder%d@example.com", rand.Int63()), "Stress Builder").Scan(&s.builderID); err != nil {
		t.Fatalf("seed builder: %v", err)
	}
	_, _ = pool.Exec(ctx, `INSERT INTO builder_profiles (user_id, verification_status) VALUES ($1,'verified') ON CONFLICT DO NOTHING`, s.builderID)
	// project
	if err := pool.QueryRow(ctx, `INSERT INTO projects (client_id, builder_id, title, budget, currency, status)
                                  VALUES ($1,$2,'Stress Duplex',2250000,'NGN','in_progress') RETURNING id`,
		s.clientID, s.builderID).Scan(&s.projectID); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	// milestone everyone fights over
	if err := pool.QueryRow(ctx, `INSERT INTO milestones (project_id, title, ordinal, percentage_allocation, amount, status)
                                  VALUES ($1,'Foundation & Leveling',1,20,450000,'pending') RETURNING id`,
		s.projectID).Scan(&s.milestoneID); err != nil {
		t.Fatalf("seed milestone: %v", err)
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"escrow_transactions", `SELECT id, milestone_id, status, payment_method, external_reference, needs_attention, updated_at FROM escrow_transactions ORDER BY created_at DESC LIMIT 50`},
		{"milestones", `SELECT id, project_id, ordinal, status, evidence_submitted_at, approved_at FROM milestones ORDER BY created_at DESC LIMIT 50`},
		{"webhook_events", `SELECT provider, event_key, received_at FROM webhook_events ORDER BY received_at DESC LIMIT 50`},
		{"timeline_events", `SELECT id, milestone_id, type, created_at FROM timeline_events ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, published_at, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			// compact print
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
