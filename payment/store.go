package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"buildsafe/escrow"
	"buildsafe/milestone"
	"buildsafe/project"
)

// MilestoneContext bundles everything the orchestrator needs to route a
// funding request: the milestone, its project (currency, budget) and the
// paying client's email.
type MilestoneContext struct {
	Milestone   milestone.Milestone
	Project     project.Project
	ClientEmail string
}

// OpenFundingParams records the dispatch of a funding request to a gateway.
type OpenFundingParams struct {
	MilestoneID string
	Amount      decimal.Decimal
	Method      escrow.Method
	ProviderRef string
}

// ConfirmFundingParams applies a verified payment-completion webhook.
type ConfirmFundingParams struct {
	MilestoneID string
	ExternalRef string
	Provider    escrow.Method
	EventKey    string
	Amount      decimal.Decimal
}

// ConfirmResult distinguishes a first application from an idempotent replay.
type ConfirmResult struct {
	Duplicate bool
}

// RefundParams settles a held transaction as refunded and resets the
// milestone. FlagAttention marks the row for manual follow-up when the
// gateway-side refund did not go through.
type RefundParams struct {
	MilestoneID   string
	Reason        string
	FlagAttention bool
}

// Store is the privileged persistence handle injected into the orchestrator.
// The ledger and the milestone state machine stay separately owned; the
// store's job is executing their joint, ordered updates in one transaction.
type Store interface {
	GetMilestoneContext(ctx context.Context, milestoneID string) (MilestoneContext, error)
	OpenFunding(ctx context.Context, params OpenFundingParams) (escrow.Transaction, error)
	ResolveReference(ctx context.Context, providerRef string) (string, error)
	ConfirmFunding(ctx context.Context, params ConfirmFundingParams) (ConfirmResult, error)
	Release(ctx context.Context, milestoneID string) (escrow.Transaction, error)
	Refund(ctx context.Context, params RefundParams) (escrow.Transaction, error)
	LatestTransaction(ctx context.Context, milestoneID string) (escrow.Transaction, error)
}

// PGStore implements Store backed by PostgreSQL.
type PGStore struct {
	pool       *pgxpool.Pool
	ledger     *escrow.Repository
	milestones *milestone.Repository
}

func NewStore(pool *pgxpool.Pool, ledger *escrow.Repository, milestones *milestone.Repository) *PGStore {
	return &PGStore{pool: pool, ledger: ledger, milestones: milestones}
}

func (s *PGStore) GetMilestoneContext(ctx context.Context, milestoneID string) (MilestoneContext, error) {
	m, err := s.milestones.GetByID(ctx, milestoneID)
	if err != nil {
		if errors.Is(err, milestone.ErrNotFound) {
			return MilestoneContext{}, ErrMilestoneNotFound
		}
		return MilestoneContext{}, err
	}

	const projectSQL = `
        SELECT p.id, p.client_id, p.builder_id, p.land_id, p.title, p.description, p.location,
               p.budget, p.currency, p.status, p.created_at, p.updated_at, u.email
        FROM projects p
        JOIN users u ON u.id = p.client_id
        WHERE p.id = $1
    `
	var (
		p     project.Project
		email string
	)
	err = s.pool.QueryRow(ctx, projectSQL, m.ProjectID).Scan(
		&p.ID, &p.ClientID, &p.BuilderID, &p.LandID, &p.Title, &p.Description, &p.Location,
		&p.Budget, &p.Currency, &p.Status, &p.CreatedAt, &p.UpdatedAt, &email,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MilestoneContext{}, ErrMilestoneNotFound
		}
		return MilestoneContext{}, fmt.Errorf("payment: load project: %w", err)
	}

	return MilestoneContext{Milestone: m, Project: p, ClientEmail: email}, nil
}

// OpenFunding opens the provisional ledger entry and records the provider
// reference mapping so webhook resolution does not depend on reference
// string formats.
func (s *PGStore) OpenFunding(ctx context.Context, params OpenFundingParams) (escrow.Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return escrow.Transaction{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	txn, err := s.ledger.Open(ctx, tx, escrow.OpenParams{
		MilestoneID: params.MilestoneID,
		Amount:      params.Amount,
		Method:      params.Method,
		ExternalRef: params.ProviderRef,
	})
	if err != nil {
		return escrow.Transaction{}, err
	}

	if params.ProviderRef != "" {
		if _, err := tx.Exec(ctx, `
            INSERT INTO payment_references (provider_ref, milestone_id, payment_method)
            VALUES ($1, $2, $3)
            ON CONFLICT (provider_ref) DO NOTHING
        `, params.ProviderRef, params.MilestoneID, params.Method); err != nil {
			return escrow.Transaction{}, fmt.Errorf("payment: map provider reference: %w", err)
		}
	}

	if err := appendTimeline(ctx, tx, params.MilestoneID, "FUNDING_INITIATED", map[string]any{
		"payment_method": params.Method,
		"amount":         params.Amount.String(),
		"reference":      params.ProviderRef,
	}); err != nil {
		return escrow.Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return escrow.Transaction{}, fmt.Errorf("payment: commit open funding: %w", err)
	}
	return txn, nil
}

// ResolveReference consults the mapping table written at intent time.
func (s *PGStore) ResolveReference(ctx context.Context, providerRef string) (string, error) {
	var milestoneID string
	err := s.pool.QueryRow(ctx, `SELECT milestone_id FROM payment_references WHERE provider_ref = $1`, providerRef).Scan(&milestoneID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrReferenceNotFound
		}
		return "", fmt.Errorf("payment: resolve reference: %w", err)
	}
	return milestoneID, nil
}

// ConfirmFunding advances ledger and milestone together under the webhook
// dedup guard. A replayed delivery loses the unique insert and reports
// Duplicate without touching anything else.
func (s *PGStore) ConfirmFunding(ctx context.Context, params ConfirmFundingParams) (ConfirmResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertEventKey(ctx, tx, params.Provider, params.EventKey); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			return ConfirmResult{Duplicate: true}, nil
		}
		return ConfirmResult{}, err
	}

	txn, already, err := s.ledger.Confirm(ctx, tx, params.MilestoneID, params.ExternalRef)
	if err != nil {
		return ConfirmResult{}, err
	}
	if already {
		// Same external reference delivered under a fresh event key: record
		// the key so the next replay short-circuits, change nothing else.
		if err := tx.Commit(ctx); err != nil {
			return ConfirmResult{}, fmt.Errorf("payment: commit replay key: %w", err)
		}
		return ConfirmResult{Duplicate: true}, nil
	}

	if _, err := s.milestones.Transition(ctx, tx, params.MilestoneID, milestone.StatusPending, milestone.StatusFunded); err != nil {
		return ConfirmResult{}, err
	}

	if err := appendTimeline(ctx, tx, params.MilestoneID, "MILESTONE_FUNDED", map[string]any{
		"external_reference": params.ExternalRef,
		"payment_method":     params.Provider,
		"amount":             params.Amount.String(),
	}); err != nil {
		return ConfirmResult{}, err
	}
	if err := enqueueOutbox(ctx, tx, "escrow.funded", map[string]any{
		"milestone_id":   params.MilestoneID,
		"transaction_id": txn.ID,
	}); err != nil {
		return ConfirmResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ConfirmResult{}, fmt.Errorf("payment: commit confirm funding: %w", err)
	}
	return ConfirmResult{}, nil
}

// Release settles the ledger and the milestone together. The milestone row
// lock serializes concurrent release attempts; the ledger's conditional
// update guarantees only one can settle. The ledger is settled before the
// milestone status is checked so a repeated release reports settled funds
// rather than a state machine violation.
func (s *PGStore) Release(ctx context.Context, milestoneID string) (escrow.Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return escrow.Transaction{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := s.milestones.GetForUpdate(ctx, tx, milestoneID)
	if err != nil {
		if errors.Is(err, milestone.ErrNotFound) {
			return escrow.Transaction{}, ErrMilestoneNotFound
		}
		return escrow.Transaction{}, err
	}

	txn, err := s.ledger.Settle(ctx, tx, milestoneID, escrow.StatusReleased)
	if err != nil {
		return escrow.Transaction{}, err
	}

	if m.Status != milestone.StatusSubmitted && m.Status != milestone.StatusApproved {
		return escrow.Transaction{}, &milestone.InvalidTransitionError{From: m.Status, To: milestone.StatusReleased}
	}

	if _, err := s.milestones.Transition(ctx, tx, milestoneID, m.Status, milestone.StatusReleased); err != nil {
		return escrow.Transaction{}, err
	}

	if err := appendTimeline(ctx, tx, milestoneID, "PAYMENT_RELEASED", map[string]any{
		"transaction_id": txn.ID,
		"amount":         txn.Amount.String(),
	}); err != nil {
		return escrow.Transaction{}, err
	}
	if err := enqueueOutbox(ctx, tx, "escrow.released", map[string]any{
		"milestone_id":   milestoneID,
		"transaction_id": txn.ID,
	}); err != nil {
		return escrow.Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return escrow.Transaction{}, fmt.Errorf("payment: commit release: %w", err)
	}
	return txn, nil
}

// Refund settles the held transaction as refunded and resets the milestone
// to pending so the cycle can restart.
func (s *PGStore) Refund(ctx context.Context, params RefundParams) (escrow.Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return escrow.Transaction{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.milestones.GetForUpdate(ctx, tx, params.MilestoneID); err != nil {
		if errors.Is(err, milestone.ErrNotFound) {
			return escrow.Transaction{}, ErrMilestoneNotFound
		}
		return escrow.Transaction{}, err
	}

	txn, err := s.ledger.Settle(ctx, tx, params.MilestoneID, escrow.StatusRefunded)
	if err != nil {
		return escrow.Transaction{}, err
	}

	if _, err := s.milestones.Transition(ctx, tx, params.MilestoneID, milestone.StatusFunded, milestone.StatusPending); err != nil {
		return escrow.Transaction{}, err
	}

	if params.FlagAttention {
		if err := s.ledger.FlagAttention(ctx, tx, txn.ID); err != nil {
			return escrow.Transaction{}, err
		}
	}

	if err := appendTimeline(ctx, tx, params.MilestoneID, "MILESTONE_REFUNDED", map[string]any{
		"transaction_id":  txn.ID,
		"reason":          params.Reason,
		"needs_follow_up": params.FlagAttention,
	}); err != nil {
		return escrow.Transaction{}, err
	}
	if err := enqueueOutbox(ctx, tx, "escrow.refunded", map[string]any{
		"milestone_id":   params.MilestoneID,
		"transaction_id": txn.ID,
	}); err != nil {
		return escrow.Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return escrow.Transaction{}, fmt.Errorf("payment: commit refund: %w", err)
	}

	txn.NeedsAttention = params.FlagAttention
	return txn, nil
}

func (s *PGStore) LatestTransaction(ctx context.Context, milestoneID string) (escrow.Transaction, error) {
	return escrow.NewLedger(s.pool).Lookup(ctx, milestoneID)
}

// insertEventKey reserves the webhook delivery inside the active transaction.
func insertEventKey(ctx context.Context, tx pgx.Tx, provider escrow.Method, key string) error {
	if key == "" {
		return fmt.Errorf("payment: empty webhook event key")
	}

	_, err := tx.Exec(ctx, `INSERT INTO webhook_events (provider, event_key) VALUES ($1, $2)`, provider, key)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("payment: insert webhook event key: %w", err)
	}
	return nil
}

func appendTimeline(ctx context.Context, tx pgx.Tx, milestoneID, eventType string, payload map[string]any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("payment: marshal timeline payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `
        INSERT INTO timeline_events (milestone_id, type, payload)
        VALUES ($1, $2, $3)
    `, milestoneID, eventType, payloadBytes); err != nil {
		return fmt.Errorf("payment: insert timeline event: %w", err)
	}
	return nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("payment: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `
        INSERT INTO outbox (topic, payload)
        VALUES ($1, $2)
    `, topic, payloadBytes); err != nil {
		return fmt.Errorf("payment: insert outbox message: %w", err)
	}
	return nil
}
