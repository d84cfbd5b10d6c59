package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"buildsafe/escrow"
	"buildsafe/milestone"
)

const paystackBaseURL = "https://api.paystack.co"

// paystackReferencePattern recovers the milestone id from references built by
// BuildPaystackReference. Kept as a legacy fallback; the payment_references
// mapping table is the primary resolution path.
var paystackReferencePattern = regexp.MustCompile(`^milestone_([0-9a-fA-F-]+)_`)

// Paystack adapts the NGN instant-payment gateway. Amounts cross this
// boundary in Naira and are converted to kobo on the wire.
type Paystack struct {
	secretKey   string
	callbackURL string
	baseURL     string
	httpClient  *http.Client
}

// NewPaystack fails fast when the secret is missing rather than degrade the
// signature check later.
func NewPaystack(secretKey, callbackURL string) (*Paystack, error) {
	if secretKey == "" {
		return nil, fmt.Errorf("%w: paystack secret key", ErrConfiguration)
	}
	return &Paystack{
		secretKey:   secretKey,
		callbackURL: callbackURL,
		baseURL:     paystackBaseURL,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (p *Paystack) Method() escrow.Method { return escrow.MethodPaystack }

func (p *Paystack) Currency() string { return "NGN" }

// BuildPaystackReference encodes the milestone id recoverably into the
// provider reference, since Paystack webhooks return only the reference.
func BuildPaystackReference(milestoneID string) string {
	return fmt.Sprintf("milestone_%s_%d", milestoneID, time.Now().UnixMilli())
}

// MilestoneFromPaystackReference extracts the milestone id from a reference
// string, returning false when the reference does not match the pattern.
func MilestoneFromPaystackReference(reference string) (string, bool) {
	match := paystackReferencePattern.FindStringSubmatch(reference)
	if match == nil {
		return "", false
	}
	return match[1], true
}

type paystackInitResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

// CreateIntent initializes a hosted Paystack checkout for the milestone.
func (p *Paystack) CreateIntent(ctx context.Context, m milestone.Milestone, currency string, contact Contact) (Intent, error) {
	if currency != p.Currency() {
		return Intent{}, fmt.Errorf("%w: paystack serves %s, project uses %s", ErrCurrencyMismatch, p.Currency(), currency)
	}
	if contact.Email == "" {
		return Intent{}, fmt.Errorf("gateway: paystack requires a payer email")
	}

	kobo, err := ToMinorUnits(m.Amount)
	if err != nil {
		return Intent{}, err
	}

	reference := BuildPaystackReference(m.ID)
	payload := map[string]any{
		"email":        contact.Email,
		"amount":       kobo,
		"reference":    reference,
		"callback_url": p.callbackURL,
		"metadata": map[string]any{
			"milestone_id": m.ID,
			"payment_type": "escrow_funding",
		},
	}

	var resp paystackInitResponse
	if err := p.post(ctx, "/transaction/initialize", payload, &resp); err != nil {
		return Intent{}, err
	}
	if !resp.Status {
		return Intent{}, fmt.Errorf("%w: paystack initialize: %s", ErrProvider, resp.Message)
	}

	return Intent{
		RedirectURL: resp.Data.AuthorizationURL,
		ProviderRef: resp.Data.Reference,
	}, nil
}

// Refund asks Paystack to refund a settled transaction. A zero amount
// requests a full refund.
func (p *Paystack) Refund(ctx context.Context, providerRef string, amount decimal.Decimal) error {
	payload := map[string]any{"transaction": providerRef}
	if amount.IsPositive() {
		kobo, err := ToMinorUnits(amount)
		if err != nil {
			return err
		}
		payload["amount"] = kobo
	}

	var resp struct {
		Status  bool   `json:"status"`
		Message string `json:"message"`
	}
	if err := p.post(ctx, "/refund", payload, &resp); err != nil {
		return err
	}
	if !resp.Status {
		return fmt.Errorf("%w: paystack refund: %s", ErrProvider, resp.Message)
	}
	return nil
}

// VerifySignature checks the HMAC-SHA512 hex digest of the raw body against
// the header value supplied by Paystack.
func (p *Paystack) VerifySignature(rawBody []byte, signatureHeader string) error {
	if signatureHeader == "" {
		return ErrSignatureInvalid
	}
	mac := hmac.New(sha512.New, []byte(p.secretKey))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signatureHeader)) {
		return ErrSignatureInvalid
	}
	return nil
}

type paystackWebhookEnvelope struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
		Amount    int64  `json:"amount"` // kobo
	} `json:"data"`
}

// ParseWebhook authenticates and normalizes a Paystack event delivery.
func (p *Paystack) ParseWebhook(rawBody []byte, signatureHeader string) (Event, error) {
	if err := p.VerifySignature(rawBody, signatureHeader); err != nil {
		return Event{}, err
	}

	var env paystackWebhookEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return Event{}, fmt.Errorf("gateway: decode paystack event: %w", err)
	}

	ev := Event{
		Kind:      env.Event,
		Completed: env.Event == "charge.success" && env.Data.Status == "success",
		Reference: env.Data.Reference,
		Amount:    FromMinorUnits(env.Data.Amount),
		EventKey:  fmt.Sprintf("paystack:%s:%s", env.Event, env.Data.Reference),
	}
	if id, ok := MilestoneFromPaystackReference(env.Data.Reference); ok {
		ev.MilestoneID = id
	}
	return ev, nil
}

func (p *Paystack) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("gateway: marshal paystack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gateway: build paystack request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: paystack responded %d", ErrProvider, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode paystack response: %v", ErrProvider, err)
	}
	return nil
}
