package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	stripeapi "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"buildsafe/escrow"
	"buildsafe/milestone"
)

// Stripe adapts the card gateway used by foreign-currency clients. The
// milestone id travels in checkout session metadata, so webhook resolution
// does not depend on reference string formats.
type Stripe struct {
	api           *client.API
	webhookSecret string
	successURL    string
	cancelURL     string
}

func NewStripe(secretKey, webhookSecret, siteURL string) (*Stripe, error) {
	if secretKey == "" {
		return nil, fmt.Errorf("%w: stripe secret key", ErrConfiguration)
	}
	if webhookSecret == "" {
		return nil, fmt.Errorf("%w: stripe webhook secret", ErrConfiguration)
	}

	api := &client.API{}
	api.Init(secretKey, nil)

	return &Stripe{
		api:           api,
		webhookSecret: webhookSecret,
		successURL:    siteURL + "/project/success?session_id={CHECKOUT_SESSION_ID}",
		cancelURL:     siteURL + "/project/cancel",
	}, nil
}

func (s *Stripe) Method() escrow.Method { return escrow.MethodStripe }

func (s *Stripe) Currency() string { return "USD" }

// CreateIntent opens a hosted checkout session for the milestone amount.
func (s *Stripe) CreateIntent(ctx context.Context, m milestone.Milestone, currency string, contact Contact) (Intent, error) {
	if currency != s.Currency() {
		return Intent{}, fmt.Errorf("%w: stripe serves %s, project uses %s", ErrCurrencyMismatch, s.Currency(), currency)
	}

	cents, err := ToMinorUnits(m.Amount)
	if err != nil {
		return Intent{}, err
	}

	params := &stripeapi.CheckoutSessionParams{
		PaymentMethodTypes: stripeapi.StringSlice([]string{"card"}),
		Mode:               stripeapi.String(string(stripeapi.CheckoutSessionModePayment)),
		SuccessURL:         stripeapi.String(s.successURL),
		CancelURL:          stripeapi.String(s.cancelURL),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{
			{
				PriceData: &stripeapi.CheckoutSessionLineItemPriceDataParams{
					Currency: stripeapi.String("usd"),
					ProductData: &stripeapi.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripeapi.String(fmt.Sprintf("BuildSafe Escrow: %s", m.Title)),
					},
					UnitAmount: stripeapi.Int64(cents),
				},
				Quantity: stripeapi.Int64(1),
			},
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(uuid.NewString())
	params.AddMetadata("milestoneId", m.ID)
	if contact.Email != "" {
		params.CustomerEmail = stripeapi.String(contact.Email)
	}

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return Intent{}, fmt.Errorf("%w: stripe checkout session: %v", ErrProvider, err)
	}

	return Intent{
		RedirectURL: sess.URL,
		ProviderRef: sess.ID,
	}, nil
}

// Refund resolves the checkout session's payment intent and refunds it. A
// zero amount requests a full refund.
func (s *Stripe) Refund(ctx context.Context, providerRef string, amount decimal.Decimal) error {
	getParams := &stripeapi.CheckoutSessionParams{}
	getParams.Context = ctx
	sess, err := s.api.CheckoutSessions.Get(providerRef, getParams)
	if err != nil {
		return fmt.Errorf("%w: stripe session lookup: %v", ErrProvider, err)
	}
	if sess.PaymentIntent == nil {
		return fmt.Errorf("%w: session %s has no payment intent", ErrProvider, providerRef)
	}

	params := &stripeapi.RefundParams{
		PaymentIntent: stripeapi.String(sess.PaymentIntent.ID),
	}
	params.Context = ctx
	// Network-level retries inside the client reuse this key, so an ambiguous
	// timeout cannot refund twice.
	params.SetIdempotencyKey(uuid.NewString())
	if amount.IsPositive() {
		cents, err := ToMinorUnits(amount)
		if err != nil {
			return err
		}
		params.Amount = stripeapi.Int64(cents)
	}

	if _, err := s.api.Refunds.New(params); err != nil {
		return fmt.Errorf("%w: stripe refund: %v", ErrProvider, err)
	}
	return nil
}

// ParseWebhook verifies the Stripe-Signature header against the raw payload
// using the provider library, then normalizes the event.
func (s *Stripe) ParseWebhook(rawBody []byte, signatureHeader string) (Event, error) {
	event, err := webhook.ConstructEvent(rawBody, signatureHeader, s.webhookSecret)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	ev := Event{
		Kind:     string(event.Type),
		EventKey: event.ID,
	}

	if event.Type != "checkout.session.completed" {
		// payment_intent.succeeded and friends are acknowledged without
		// business processing; checkout.session.completed is the source of
		// truth for funding.
		return ev, nil
	}

	var sess stripeapi.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return Event{}, fmt.Errorf("gateway: decode checkout session: %w", err)
	}

	ev.Completed = true
	ev.Reference = sess.ID
	ev.MilestoneID = sess.Metadata["milestoneId"]
	ev.Amount = FromMinorUnits(sess.AmountTotal)
	return ev, nil
}
