package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"buildsafe/auth"
	"buildsafe/builder"
	"buildsafe/db"
	"buildsafe/escrow"
	"buildsafe/gateway"
	"buildsafe/httpapi"
	"buildsafe/milestone"
	"buildsafe/payment"
	"buildsafe/project"
)

func main() {
	ctx := context.Background()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	siteURL := os.Getenv("SITE_URL")
	if siteURL == "" {
		siteURL = "http://localhost:3000"
	}

	paystack, err := gateway.NewPaystack(os.Getenv("PAYSTACK_SECRET_KEY"), siteURL+"/payments/callback")
	if err != nil {
		log.Fatalf("configure paystack gateway: %v", err)
	}
	stripe, err := gateway.NewStripe(os.Getenv("STRIPE_SECRET_KEY"), os.Getenv("STRIPE_WEBHOOK_SECRET"), siteURL)
	if err != nil {
		log.Fatalf("configure stripe gateway: %v", err)
	}

	authSvc := auth.NewService(auth.NewRepository(pool), jwtSecret)
	milestoneRepo := milestone.NewRepository(pool)
	milestoneSvc := milestone.NewService(pool, milestoneRepo)
	projectSvc := project.NewService(pool, milestoneRepo)
	builderSvc := builder.NewService(builder.NewRepository(pool))
	ledger := escrow.NewLedger(pool)

	store := payment.NewStore(pool, escrow.NewRepository(), milestoneRepo)
	payments := payment.NewService(store, paystack, stripe)

	server := httpapi.NewServer(authSvc, projectSvc, milestoneSvc, builderSvc, payments, ledger)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go runExpirySweep(sweepCtx, ledger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		log.Printf("api listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

// runExpirySweep retires pending ledger entries whose checkout session was
// abandoned, freeing the milestone for a fresh funding attempt.
func runExpirySweep(ctx context.Context, ledger *escrow.Ledger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := ledger.ExpirePending(ctx, time.Hour)
			if err != nil {
				log.Printf("expire pending escrow entries: %v", err)
				continue
			}
			if expired > 0 {
				log.Printf("expired %d abandoned escrow entries", expired)
			}
		}
	}
}
