package milestone

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"buildsafe/auth"
)

// ErrRoleForbidden signals the caller's role may not perform the transition.
var ErrRoleForbidden = errors.New("milestone: caller role not permitted")

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service applies the caller-facing milestone transitions. Funding, release
// and refund go through the payment orchestrator instead because they touch
// the escrow ledger as well.
type Service struct {
	pool TxBeginner
	repo *Repository
}

func NewService(pool TxBeginner, repo *Repository) *Service {
	return &Service{pool: pool, repo: repo}
}

// Get returns a milestone by id.
func (s *Service) Get(ctx context.Context, id string) (Milestone, error) {
	return s.repo.GetByID(ctx, id)
}

// SubmitEvidence records work evidence and moves funded -> submitted.
// Builder-only.
func (s *Service) SubmitEvidence(ctx context.Context, role auth.Role, milestoneID string, evidenceURLs []string) (Milestone, error) {
	if role != auth.RoleBuilder {
		return Milestone{}, ErrRoleForbidden
	}
	if len(evidenceURLs) == 0 {
		return Milestone{}, fmt.Errorf("milestone: evidence urls required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := s.repo.SubmitEvidence(ctx, tx, milestoneID, evidenceURLs)
	if err != nil {
		return Milestone{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("milestone: commit submit evidence: %w", err)
	}
	return m, nil
}

// Approve moves submitted -> approved and stamps approved_at. Client-only.
func (s *Service) Approve(ctx context.Context, role auth.Role, milestoneID string) (Milestone, error) {
	if role != auth.RoleClient {
		return Milestone{}, ErrRoleForbidden
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := s.repo.Transition(ctx, tx, milestoneID, StatusSubmitted, StatusApproved)
	if err != nil {
		return Milestone{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("milestone: commit approve: %w", err)
	}
	return m, nil
}
