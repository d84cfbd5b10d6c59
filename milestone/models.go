package milestone

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a milestone. Only the state machine in
// this package may move it.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFunded    Status = "funded"
	StatusSubmitted Status = "submitted"
	StatusApproved  Status = "approved"
	StatusReleased  Status = "released"
)

// Milestone is one separately funded phase of a construction project.
type Milestone struct {
	ID                  string
	ProjectID           string
	Title               string
	Description         *string
	Ordinal             int
	Percentage          decimal.Decimal
	Amount              decimal.Decimal
	Status              Status
	EvidenceURLs        []string
	EvidenceSubmittedAt *time.Time
	ApprovedAt          *time.Time
	CreatedAt           time.Time
}
