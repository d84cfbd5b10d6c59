package builder

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested builder does not exist.
var ErrNotFound = errors.New("builder: not found")

// Repository provides access to builder profiles.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const profileColumns = `b.user_id, u.full_name, b.bio, b.cac_number, b.verification_status, b.specialties, b.rating, b.verified_at, b.created_at`

// GetByID fetches a builder profile by the owning user id.
func (r *Repository) GetByID(ctx context.Context, id string) (Profile, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM builder_profiles b
		JOIN users u ON u.id = b.user_id
		WHERE b.user_id = $1
	`, profileColumns)

	profile, err := scanProfile(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("builder: query by id: %w", err)
	}

	return profile, nil
}

// ListVerified fetches up to limit verified builders ordered by rating.
func (r *Repository) ListVerified(ctx context.Context, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM builder_profiles b
		JOIN users u ON u.id = b.user_id
		WHERE b.verification_status = 'verified'
		ORDER BY b.rating DESC, u.full_name ASC
		LIMIT $1
	`, profileColumns)

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("builder: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, limit)
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("builder: scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("builder: iterate profiles: %w", err)
	}

	return profiles, nil
}

// SetVerification records an admin's vetting decision. Verified profiles get
// a verified_at stamp; any other decision clears it.
func (r *Repository) SetVerification(ctx context.Context, id string, status VerificationStatus) (Profile, error) {
	query := fmt.Sprintf(`
		UPDATE builder_profiles b
		SET verification_status = $2,
		    verified_at = CASE WHEN $2 = 'verified' THEN now() ELSE NULL END
		FROM users u
		WHERE b.user_id = $1 AND u.id = b.user_id
		RETURNING %s
	`, profileColumns)

	profile, err := scanProfile(r.pool.QueryRow(ctx, query, id, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("builder: set verification: %w", err)
	}

	return profile, nil
}

func scanProfile(row pgx.Row) (Profile, error) {
	var profile Profile
	err := row.Scan(
		&profile.ID,
		&profile.FullName,
		&profile.Bio,
		&profile.CACNumber,
		&profile.Verification,
		&profile.Specialties,
		&profile.Rating,
		&profile.VerifiedAt,
		&profile.CreatedAt,
	)
	return profile, err
}
