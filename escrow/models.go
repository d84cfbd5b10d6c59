package escrow

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status tracks where the funds of one milestone currently stand.
type Status string

const (
	// StatusPending marks an entry opened when a funding request was
	// dispatched to a gateway but not yet confirmed by webhook.
	StatusPending Status = "pending"
	// StatusHeld marks confirmed custody: the platform holds the funds.
	StatusHeld Status = "held"
	// StatusReleased and StatusRefunded are terminal.
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	// StatusExpired marks an abandoned pending entry retired by the sweep.
	// The row is kept so a late webhook for it can be traced by hand.
	StatusExpired Status = "expired"
)

// Method identifies the payment gateway a transaction was routed through.
type Method string

const (
	MethodPaystack Method = "paystack"
	MethodStripe   Method = "stripe"
)

// Transaction mirrors the escrow_transactions table. At most one transaction
// per milestone may be active (pending or held) at any time; settled rows are
// kept as history across refund/re-fund cycles.
type Transaction struct {
	ID             string
	MilestoneID    string
	Amount         decimal.Decimal
	Method         Method
	ExternalRef    *string
	Status         Status
	NeedsAttention bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Active reports whether the transaction still binds funds to the milestone.
func (t Transaction) Active() bool {
	return t.Status == StatusPending || t.Status == StatusHeld
}
