package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"buildsafe/auth"
	"buildsafe/escrow"
	"buildsafe/gateway"
	"buildsafe/milestone"
	"buildsafe/payment"
	"buildsafe/project"
)

const testWebhookSecret = "sk_test_webhook"

func newTestServer(t *testing.T, store payment.Store, gateways ...gateway.Gateway) (*httptest.Server, *auth.Service) {
	t.Helper()

	authSvc := auth.NewService(newFakeUserRepo(), "test-secret")
	payments := payment.NewService(store, gateways...)
	srv := NewServer(authSvc, nil, milestone.NewService(nil, nil), nil, payments, nil)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, authSvc
}

func paystackAdapter(t *testing.T) gateway.Gateway {
	t.Helper()
	gw, err := gateway.NewPaystack(testWebhookSecret, "https://buildsafe.example/payments/callback")
	if err != nil {
		t.Fatalf("construct paystack adapter: %v", err)
	}
	return gw
}

func signPaystack(body []byte) string {
	mac := hmac.New(sha512.New, []byte(testWebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	store := newFakeStore()
	ts, _ := newTestServer(t, store, paystackAdapter(t))

	body := []byte(`{"event":"charge.success","data":{"reference":"milestone_ms-1_1700000000000","status":"success","amount":45000000000}}`)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/webhooks/paystack", bytes.NewReader(body))
	req.Header.Set("x-paystack-signature", "deadbeef")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.StatusCode)
	}
	if store.confirmed != nil {
		t.Fatal("a forged delivery must not reach the store")
	}
}

func TestWebhookConfirmsFunding(t *testing.T) {
	store := newFakeStore()
	store.references["milestone_ms-1_1700000000000"] = "ms-1"
	ts, _ := newTestServer(t, store, paystackAdapter(t))

	body := []byte(`{"event":"charge.success","data":{"reference":"milestone_ms-1_1700000000000","status":"success","amount":45000000000}}`)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/webhooks/paystack", bytes.NewReader(body))
	req.Header.Set("x-paystack-signature", signPaystack(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	if store.confirmed == nil || store.confirmed.MilestoneID != "ms-1" {
		t.Fatalf("expected confirmation for ms-1, got %+v", store.confirmed)
	}
}

func TestFundMilestoneRoute(t *testing.T) {
	store := newFakeStore()
	store.context = payment.MilestoneContext{
		Milestone: milestone.Milestone{
			ID:        "ms-1",
			ProjectID: "proj-1",
			Title:     "Foundation",
			Amount:    decimal.RequireFromString("450000"),
			Status:    milestone.StatusPending,
		},
		Project: project.Project{
			ID:       "proj-1",
			Currency: "NGN",
			Budget:   decimal.RequireFromString("2250000"),
		},
		ClientEmail: "amara@example.com",
	}
	gw := &stubGateway{method: escrow.MethodPaystack, currency: "NGN", intent: gateway.Intent{
		RedirectURL: "https://checkout.paystack.com/xyz",
		ProviderRef: "milestone_ms-1_1700000000000",
	}}
	ts, authSvc := newTestServer(t, store, gw)

	token := registerAndLogin(t, authSvc)

	payload := `{"milestoneId":"ms-1","paymentMethod":"paystack"}`
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/escrow/fund-milestone", strings.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post fund-milestone: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}

	var out struct {
		PaymentURL string `json:"paymentUrl"`
		Reference  string `json:"reference"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.PaymentURL != gw.intent.RedirectURL {
		t.Fatalf("expected payment url %q got %q", gw.intent.RedirectURL, out.PaymentURL)
	}
	if store.opened == nil {
		t.Fatal("expected a provisional ledger entry")
	}
}

func TestFundMilestoneRequiresAuth(t *testing.T) {
	ts, _ := newTestServer(t, newFakeStore())

	resp, err := http.Post(ts.URL+"/api/escrow/fund-milestone", "application/json",
		strings.NewReader(`{"milestoneId":"ms-1","paymentMethod":"paystack"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.StatusCode)
	}
}

func registerAndLogin(t *testing.T, authSvc *auth.Service) string {
	t.Helper()

	ctx := context.Background()
	if _, err := authSvc.Register(ctx, auth.RegisterRequest{
		Email:    "amara@example.com",
		Password: "strongpassword",
		FullName: "Amara Client",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	res, err := authSvc.Login(ctx, auth.LoginRequest{Email: "amara@example.com", Password: "strongpassword"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return res.Token
}

type fakeUserRepo struct {
	byEmail map[string]auth.User
	byID    map[string]auth.User
	nextID  int
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{byEmail: make(map[string]auth.User), byID: make(map[string]auth.User), nextID: 1}
}

func (f *fakeUserRepo) CreateUser(ctx context.Context, params auth.CreateUserParams) (auth.User, error) {
	key := strings.ToLower(params.Email)
	if _, exists := f.byEmail[key]; exists {
		return auth.User{}, auth.ErrDuplicateEmail
	}

	user := auth.User{
		ID:           fmt.Sprintf("user-%d", f.nextID),
		Email:        params.Email,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	f.nextID++
	f.byEmail[key] = user
	f.byID[user.ID] = user
	return user, nil
}

func (f *fakeUserRepo) GetUserByEmail(ctx context.Context, email string) (auth.User, error) {
	user, ok := f.byEmail[strings.ToLower(email)]
	if !ok {
		return auth.User{}, auth.ErrUserNotFound
	}
	return user, nil
}

func (f *fakeUserRepo) GetUserByID(ctx context.Context, userID string) (auth.User, error) {
	user, ok := f.byID[userID]
	if !ok {
		return auth.User{}, auth.ErrUserNotFound
	}
	return user, nil
}

type fakeStore struct {
	context    payment.MilestoneContext
	references map[string]string

	opened    *payment.OpenFundingParams
	confirmed *payment.ConfirmFundingParams
}

func newFakeStore() *fakeStore {
	return &fakeStore{references: make(map[string]string)}
}

func (f *fakeStore) GetMilestoneContext(ctx context.Context, milestoneID string) (payment.MilestoneContext, error) {
	if f.context.Milestone.ID == "" {
		return payment.MilestoneContext{}, payment.ErrMilestoneNotFound
	}
	return f.context, nil
}

func (f *fakeStore) OpenFunding(ctx context.Context, params payment.OpenFundingParams) (escrow.Transaction, error) {
	f.opened = &params
	return escrow.Transaction{ID: "et-1", MilestoneID: params.MilestoneID, Status: escrow.StatusPending}, nil
}

func (f *fakeStore) ResolveReference(ctx context.Context, providerRef string) (string, error) {
	id, ok := f.references[providerRef]
	if !ok {
		return "", payment.ErrReferenceNotFound
	}
	return id, nil
}

func (f *fakeStore) ConfirmFunding(ctx context.Context, params payment.ConfirmFundingParams) (payment.ConfirmResult, error) {
	f.confirmed = &params
	return payment.ConfirmResult{}, nil
}

func (f *fakeStore) Release(ctx context.Context, milestoneID string) (escrow.Transaction, error) {
	return escrow.Transaction{ID: "et-1", MilestoneID: milestoneID, Status: escrow.StatusReleased}, nil
}

func (f *fakeStore) Refund(ctx context.Context, params payment.RefundParams) (escrow.Transaction, error) {
	return escrow.Transaction{ID: "et-1", MilestoneID: params.MilestoneID, Status: escrow.StatusRefunded}, nil
}

func (f *fakeStore) LatestTransaction(ctx context.Context, milestoneID string) (escrow.Transaction, error) {
	return escrow.Transaction{}, escrow.ErrNotFound
}

type stubGateway struct {
	method   escrow.Method
	currency string
	intent   gateway.Intent
}

func (s *stubGateway) Method() escrow.Method { return s.method }
func (s *stubGateway) Currency() string      { return s.currency }

func (s *stubGateway) CreateIntent(ctx context.Context, m milestone.Milestone, currency string, contact gateway.Contact) (gateway.Intent, error) {
	return s.intent, nil
}

func (s *stubGateway) Refund(ctx context.Context, providerRef string, amount decimal.Decimal) error {
	return nil
}

func (s *stubGateway) ParseWebhook(rawBody []byte, signatureHeader string) (gateway.Event, error) {
	return gateway.Event{}, nil
}
