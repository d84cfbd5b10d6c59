package milestone

import (
	"context"
	"errors"
	"testing"

	"buildsafe/auth"
)

func TestSubmitEvidenceRoleGuard(t *testing.T) {
	svc := NewService(nil, nil)

	for _, role := range []auth.Role{auth.RoleClient, auth.RoleAdmin} {
		if _, err := svc.SubmitEvidence(context.Background(), role, "ms-1", []string{"https://cdn.example.com/slab.jpg"}); !errors.Is(err, ErrRoleForbidden) {
			t.Fatalf("role %s: expected ErrRoleForbidden, got %v", role, err)
		}
	}

	if _, err := svc.SubmitEvidence(context.Background(), auth.RoleBuilder, "ms-1", nil); err == nil {
		t.Fatal("expected error for empty evidence")
	}
}

func TestApproveRoleGuard(t *testing.T) {
	svc := NewService(nil, nil)

	for _, role := range []auth.Role{auth.RoleBuilder, auth.RoleAdmin} {
		if _, err := svc.Approve(context.Background(), role, "ms-1"); !errors.Is(err, ErrRoleForbidden) {
			t.Fatalf("role %s: expected ErrRoleForbidden, got %v", role, err)
		}
	}
}
