package milestone

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no milestone row exists for the identifier.
var ErrNotFound = errors.New("milestone: not found")

const milestoneColumns = `id, project_id, title, description, ordinal, percentage_allocation, amount, status, evidence_urls, evidence_submitted_at, approved_at, created_at`

// Repository owns milestone rows. Status moves only through the conditional
// updates below, so two concurrent writers racing on the same milestone
// cannot both succeed.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a milestone by primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Milestone, error) {
	selectSQL := fmt.Sprintf(`SELECT %s FROM milestones WHERE id = $1`, milestoneColumns)

	m, err := scanMilestone(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrNotFound
		}
		return Milestone{}, fmt.Errorf("milestone: get by id: %w", err)
	}
	return m, nil
}

// GetForUpdate locks the milestone row inside the caller's transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Milestone, error) {
	selectSQL := fmt.Sprintf(`SELECT %s FROM milestones WHERE id = $1 FOR UPDATE`, milestoneColumns)

	m, err := scanMilestone(tx.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrNotFound
		}
		return Milestone{}, fmt.Errorf("milestone: lock row: %w", err)
	}
	return m, nil
}

// ListByProject returns the project's milestones in build order.
func (r *Repository) ListByProject(ctx context.Context, projectID string) ([]Milestone, error) {
	listSQL := fmt.Sprintf(`SELECT %s FROM milestones WHERE project_id = $1 ORDER BY ordinal ASC`, milestoneColumns)

	rows, err := r.pool.Query(ctx, listSQL, projectID)
	if err != nil {
		return nil, fmt.Errorf("milestone: list by project: %w", err)
	}
	defer rows.Close()

	milestones := []Milestone{}
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("milestone: scan row: %w", err)
		}
		milestones = append(milestones, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("milestone: iterate rows: %w", err)
	}

	return milestones, nil
}

// Transition moves the milestone from -> to with a compare-and-set on the
// current status. Legality is checked against the lifecycle table first; a
// lost race surfaces as InvalidTransitionError naming the actual state.
func (r *Repository) Transition(ctx context.Context, tx pgx.Tx, id string, from, to Status) (Milestone, error) {
	if err := ValidateTransition(from, to); err != nil {
		return Milestone{}, err
	}

	updateSQL := fmt.Sprintf(`
        UPDATE milestones
        SET status = $3,
            approved_at = CASE WHEN $3 = 'approved' THEN now() ELSE approved_at END
        WHERE id = $1 AND status = $2
        RETURNING %s
    `, milestoneColumns)

	m, err := scanMilestone(tx.QueryRow(ctx, updateSQL, id, from, to))
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Milestone{}, fmt.Errorf("milestone: transition %s -> %s: %w", from, to, err)
	}

	// CAS missed: either the row is gone or another writer moved it first.
	current, err := r.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Milestone{}, err
	}
	return Milestone{}, &InvalidTransitionError{From: current.Status, To: to}
}

// SubmitEvidence records the builder's evidence and moves funded -> submitted
// in one write.
func (r *Repository) SubmitEvidence(ctx context.Context, tx pgx.Tx, id string, evidenceURLs []string) (Milestone, error) {
	updateSQL := fmt.Sprintf(`
        UPDATE milestones
        SET status = 'submitted',
            evidence_urls = $2,
            evidence_submitted_at = now()
        WHERE id = $1 AND status = 'funded'
        RETURNING %s
    `, milestoneColumns)

	m, err := scanMilestone(tx.QueryRow(ctx, updateSQL, id, evidenceURLs))
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Milestone{}, fmt.Errorf("milestone: submit evidence: %w", err)
	}

	current, err := r.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Milestone{}, err
	}
	return Milestone{}, &InvalidTransitionError{From: current.Status, To: StatusSubmitted}
}

func scanMilestone(row pgx.Row) (Milestone, error) {
	var m Milestone
	err := row.Scan(
		&m.ID,
		&m.ProjectID,
		&m.Title,
		&m.Description,
		&m.Ordinal,
		&m.Percentage,
		&m.Amount,
		&m.Status,
		&m.EvidenceURLs,
		&m.EvidenceSubmittedAt,
		&m.ApprovedAt,
		&m.CreatedAt,
	)
	return m, err
}
