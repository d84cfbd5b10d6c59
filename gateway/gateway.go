package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"buildsafe/escrow"
	"buildsafe/milestone"
)

var (
	// ErrCurrencyMismatch signals the adapter was asked to process a
	// currency it does not serve.
	ErrCurrencyMismatch = errors.New("gateway: currency not supported by this gateway")
	// ErrSignatureInvalid signals a webhook that failed authentication.
	// The body must not be trusted or parsed further.
	ErrSignatureInvalid = errors.New("gateway: webhook signature invalid")
	// ErrConfiguration signals a missing secret or credential. Fatal at
	// construction time; security checks are never silently degraded.
	ErrConfiguration = errors.New("gateway: missing configuration")
	// ErrProvider wraps upstream provider failures. Retryable by the caller,
	// never retried automatically here.
	ErrProvider = errors.New("gateway: provider request failed")
)

// Intent is the result of creating a hosted payment session.
type Intent struct {
	RedirectURL string
	ProviderRef string
}

// Contact carries the payer details providers require at session creation.
type Contact struct {
	Email string
}

// Event is the uniform internal representation of a provider webhook,
// produced by each adapter's parser so one orchestrator path serves both
// providers.
type Event struct {
	Kind        string // provider's event type, e.g. charge.success
	Completed   bool   // true only for successful payment-completion events
	MilestoneID string // recovered from provider metadata; may be empty
	Reference   string // provider transaction/session reference
	Amount      decimal.Decimal // major units
	EventKey    string // provider-scoped key used for webhook deduplication
}

// Gateway adapts one external payment provider to the internal payment
// intent and webhook event shapes. Amount conversion to the provider's minor
// units happens inside each adapter, never in callers.
type Gateway interface {
	Method() escrow.Method
	Currency() string
	CreateIntent(ctx context.Context, m milestone.Milestone, currency string, contact Contact) (Intent, error)
	Refund(ctx context.Context, providerRef string, amount decimal.Decimal) error
	// ParseWebhook authenticates the raw, unparsed body against the
	// signature header and returns the uniform event. Verification runs on
	// the exact bytes received; reserialized JSON is not equivalent.
	ParseWebhook(rawBody []byte, signatureHeader string) (Event, error)
}

// minorUnitFactor is shared by both providers (kobo and cents).
const minorUnitFactor = 100

// ToMinorUnits converts a major-unit amount to provider minor units,
// rejecting amounts with sub-minor-unit remainders instead of rounding.
func ToMinorUnits(amount decimal.Decimal) (int64, error) {
	minor := amount.Mul(decimal.NewFromInt(minorUnitFactor))
	if !minor.IsInteger() {
		return 0, fmt.Errorf("gateway: amount %s has sub-minor-unit precision", amount)
	}
	return minor.IntPart(), nil
}

// FromMinorUnits converts provider minor units back to exact major units.
func FromMinorUnits(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}
