package builder

import (
	"context"
	"errors"
	"fmt"

	"buildsafe/auth"
)

// ErrRoleForbidden signals a verification change by a non-admin caller.
var ErrRoleForbidden = errors.New("builder: only admins may change verification status")

// Service exposes business-level builder operations.
type Service struct {
	repo *Repository
}

// NewService builds a Service using the provided repository.
func NewService(repo *Repository) *Service {
	return &Service{repo: repo}
}

// GetByID returns the builder profile for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Profile, error) {
	return s.repo.GetByID(ctx, id)
}

// ListVerified returns up to limit verified builders.
func (s *Service) ListVerified(ctx context.Context, limit int) ([]Profile, error) {
	return s.repo.ListVerified(ctx, limit)
}

// SetVerification applies an admin vetting decision.
func (s *Service) SetVerification(ctx context.Context, role auth.Role, builderID string, status VerificationStatus) (Profile, error) {
	if role != auth.RoleAdmin {
		return Profile{}, ErrRoleForbidden
	}
	switch status {
	case VerificationPending, VerificationVerified, VerificationRejected:
	default:
		return Profile{}, fmt.Errorf("builder: invalid verification status %q", status)
	}
	return s.repo.SetVerification(ctx, builderID, status)
}
