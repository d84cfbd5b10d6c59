package project

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"buildsafe/milestone"
)

// ErrNotFound signals the requested project does not exist.
var ErrNotFound = errors.New("project: not found")

var supportedCurrencies = map[string]bool{"NGN": true, "USD": true}

// seedStep is one default milestone in the standard build plan.
type seedStep struct {
	title       string
	description string
	percentage  int64
}

// landSteps are prepended when the project is tied to a land listing; the
// remaining plan covers construction proper. Allocations may sum to less
// than 100 but never more.
var landSteps = []seedStep{
	{"Land Owner Meeting & Verification", "Meet with landowners and verify documents (C of O, survey papers).", 10},
	{"Foundational Survey & Clearing", "Land survey confirmation and site clearing.", 10},
}

var buildSteps = []seedStep{
	{"Foundation & Leveling", "", 20},
	{"Superstructure & Roofing", "", 30},
	{"Finishing & Fittings", "", 30},
}

// Service creates and reads projects. Creation seeds the default milestone
// plan in the same transaction so a published project is immediately
// fundable.
type Service struct {
	pool       *pgxpool.Pool
	milestones *milestone.Repository
}

func NewService(pool *pgxpool.Pool, milestones *milestone.Repository) *Service {
	return &Service{pool: pool, milestones: milestones}
}

// Create inserts the project and its default milestones atomically.
func (s *Service) Create(ctx context.Context, clientID string, params CreateParams) (Project, error) {
	if params.Title == "" {
		return Project{}, fmt.Errorf("project: title required")
	}
	if !params.Budget.IsPositive() {
		return Project{}, fmt.Errorf("project: budget must be positive")
	}
	if !supportedCurrencies[params.Currency] {
		return Project{}, fmt.Errorf("project: unsupported currency %q", params.Currency)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Project{}, fmt.Errorf("project: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
        INSERT INTO projects (client_id, land_id, title, description, location, budget, currency, status)
        VALUES ($1, $2, $3, $4, $5, $6, $7, 'open')
        RETURNING id, client_id, builder_id, land_id, title, description, location, budget, currency, status, created_at, updated_at
    `
	p, err := scanProject(tx.QueryRow(ctx, insertSQL,
		clientID,
		params.LandID,
		params.Title,
		params.Description,
		params.Location,
		params.Budget,
		params.Currency,
	))
	if err != nil {
		return Project{}, fmt.Errorf("project: insert: %w", err)
	}

	if err := seedMilestones(ctx, tx, p); err != nil {
		return Project{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Project{}, fmt.Errorf("project: commit: %w", err)
	}

	return p, nil
}

func seedMilestones(ctx context.Context, tx pgx.Tx, p Project) error {
	plan := buildSteps
	if p.LandID != nil {
		plan = append(append([]seedStep{}, landSteps...), buildSteps...)
	}

	hundred := decimal.NewFromInt(100)
	for i, step := range plan {
		pct := decimal.NewFromInt(step.percentage)
		amount := p.Budget.Mul(pct).Div(hundred)

		var desc any
		if step.description != "" {
			desc = step.description
		}
		if _, err := tx.Exec(ctx, `
            INSERT INTO milestones (project_id, title, description, ordinal, percentage_allocation, amount, status)
            VALUES ($1, $2, $3, $4, $5, $6, 'pending')
        `, p.ID, step.title, desc, i+1, pct, amount); err != nil {
			return fmt.Errorf("project: seed milestone %q: %w", step.title, err)
		}
	}
	return nil
}

// Get returns a project with its milestones.
func (s *Service) Get(ctx context.Context, id string) (Project, []milestone.Milestone, error) {
	const selectSQL = `
        SELECT id, client_id, builder_id, land_id, title, description, location, budget, currency, status, created_at, updated_at
        FROM projects
        WHERE id = $1
    `
	p, err := scanProject(s.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Project{}, nil, ErrNotFound
		}
		return Project{}, nil, fmt.Errorf("project: get: %w", err)
	}

	milestones, err := s.milestones.ListByProject(ctx, id)
	if err != nil {
		return Project{}, nil, err
	}

	return p, milestones, nil
}

// ListByClient returns the client's projects, newest first.
func (s *Service) ListByClient(ctx context.Context, clientID string) ([]Project, error) {
	const listSQL = `
        SELECT id, client_id, builder_id, land_id, title, description, location, budget, currency, status, created_at, updated_at
        FROM projects
        WHERE client_id = $1
        ORDER BY created_at DESC
    `
	rows, err := s.pool.Query(ctx, listSQL, clientID)
	if err != nil {
		return nil, fmt.Errorf("project: list: %w", err)
	}
	defer rows.Close()

	projects := []Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("project: scan row: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("project: iterate rows: %w", err)
	}

	return projects, nil
}

// AssignBuilder links a verified builder to the project.
func (s *Service) AssignBuilder(ctx context.Context, projectID, builderID string) error {
	tag, err := s.pool.Exec(ctx, `
        UPDATE projects SET builder_id = $2, status = 'in_progress', updated_at = now()
        WHERE id = $1
    `, projectID, builderID)
	if err != nil {
		return fmt.Errorf("project: assign builder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProject(row pgx.Row) (Project, error) {
	var p Project
	err := row.Scan(
		&p.ID,
		&p.ClientID,
		&p.BuilderID,
		&p.LandID,
		&p.Title,
		&p.Description,
		&p.Location,
		&p.Budget,
		&p.Currency,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}
