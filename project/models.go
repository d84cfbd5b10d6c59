package project

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the project lifecycle; it is presentation-level and never gates
// escrow operations, which key off milestone and ledger state instead.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Project mirrors the projects table columns the escrow engine touches.
type Project struct {
	ID          string
	ClientID    string
	BuilderID   *string
	LandID      *string
	Title       string
	Description string
	Location    string
	Budget      decimal.Decimal
	Currency    string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateParams contains the client-supplied fields for a new project.
type CreateParams struct {
	Title       string
	Description string
	Location    string
	Budget      decimal.Decimal
	Currency    string
	LandID      *string
}
