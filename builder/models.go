package builder

import "time"

// VerificationStatus tracks the manual vetting of a builder.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationRejected VerificationStatus = "rejected"
)

// Profile captures the subset of builder data exposed via the public API layer.
type Profile struct {
	ID           string
	FullName     string
	Bio          *string
	CACNumber    *string
	Verification VerificationStatus
	Specialties  []string
	Rating       float64
	VerifiedAt   *time.Time
	CreatedAt    time.Time
}
