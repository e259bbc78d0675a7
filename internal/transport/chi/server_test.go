package chi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gochi "github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kailas-cloud/promptmeter/internal/domain"
	domguest "github.com/kailas-cloud/promptmeter/internal/domain/guest"
	"github.com/kailas-cloud/promptmeter/internal/domain/plan"
	"github.com/kailas-cloud/promptmeter/internal/domain/usage"
	"github.com/kailas-cloud/promptmeter/internal/usecase/guest"
	healthuc "github.com/kailas-cloud/promptmeter/internal/usecase/health"
	"github.com/kailas-cloud/promptmeter/internal/usecase/ledger"
	promptuc "github.com/kailas-cloud/promptmeter/internal/usecase/prompt"
)

// --- Fakes ---

type fakeAccounts struct {
	mu      sync.Mutex
	plans   map[string]plan.Plan
	records map[string][]usage.Record
	catalog []plan.PricingPlan
	err     error
}

func newFakeAccounts() *fakeAccounts {
	start := time.Now().UTC().Add(-time.Hour)
	return &fakeAccounts{
		plans: map[string]plan.Plan{
			"alice": plan.Reconstruct("p-1", "alice", plan.TypeBasic, 25000, 0, plan.CycleMonthly, start, nil, true),
		},
		records: map[string][]usage.Record{},
		catalog: []plan.PricingPlan{
			{ID: "c-1", Name: plan.TypeFree, DisplayName: "Free", TokensIncluded: 1000, IsActive: true},
			{
				ID: "c-2", Name: plan.TypeBasic, DisplayName: "Basic", TokensIncluded: 25000, IsActive: true,
				PriceMonthly: decimal.RequireFromString("9.99"), PriceYearly: decimal.RequireFromString("99.99"),
			},
			{
				ID: "c-3", Name: plan.TypePro, DisplayName: "Pro", TokensIncluded: 100000, IsActive: true,
				PriceMonthly: decimal.RequireFromString("29.99"), PriceYearly: decimal.RequireFromString("299.99"),
				Features: []string{"priority"},
			},
		},
	}
}

func (f *fakeAccounts) ActivePlan(_ context.Context, userID string) (plan.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return plan.None(), f.err
	}
	p, ok := f.plans[userID]
	if !ok {
		return plan.None(), nil
	}
	return plan.Some(p), nil
}

func (f *fakeAccounts) RecentUsage(_ context.Context, userID string, limit int) ([]usage.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	recs := f.records[userID]
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return append([]usage.Record(nil), recs...), nil
}

func (f *fakeAccounts) PricingPlans(context.Context) ([]plan.PricingPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.catalog, nil
}

func (f *fakeAccounts) ReplacePlan(_ context.Context, userID string, p plan.PricingPlan, start time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.plans[userID] = plan.Reconstruct("p-new", userID, p.Name, p.TokensIncluded, 0, plan.CycleMonthly, start, nil, true)
	return nil
}

func (f *fakeAccounts) DeductTokens(_ context.Context, d usage.Deduction) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	p, ok := f.plans[d.UserID]
	if !ok || p.TokensRemaining() < d.Tokens {
		return false, nil
	}
	f.plans[d.UserID] = plan.Reconstruct(p.ID(), p.UserID(), p.Type(), p.TokensIncluded(),
		p.TokensUsed()+d.Tokens, p.BillingCycle(), p.SubscriptionStart(), nil, true)
	rec := usage.Record{
		ID:         fmt.Sprintf("r-%d", len(f.records[d.UserID])+1),
		ActionType: d.ActionType,
		TokensUsed: d.Tokens,
		ModelUsed:  d.ModelUsed,
		CostUSD:    d.CostUSD,
		CreatedAt:  time.Now().UTC(),
	}
	f.records[d.UserID] = append([]usage.Record{rec}, f.records[d.UserID]...)
	return true, nil
}

func (f *fakeAccounts) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakeGenerator struct {
	tokens int
	err    error
}

func (g *fakeGenerator) Generate(_ context.Context, req domain.GenerationRequest) (domain.Generation, error) {
	if g.err != nil {
		return domain.Generation{}, g.err
	}
	return domain.Generation{
		Text:        "generated: " + req.Prompt,
		Model:       req.Model,
		TotalTokens: g.tokens,
	}, nil
}

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

type testEnv struct {
	handler  http.Handler
	accounts *fakeAccounts
	gen      *fakeGenerator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	stores := map[string]*guest.MemoryStorage{}
	var mu sync.Mutex
	storageFor := func(id string) guest.Storage {
		mu.Lock()
		defer mu.Unlock()
		if stores[id] == nil {
			stores[id] = guest.NewMemoryStorage()
		}
		return stores[id]
	}

	accounts := newFakeAccounts()
	gen := &fakeGenerator{tokens: 120}
	identity := domain.ContextIdentity{}
	logger := zap.NewNop()

	sessions := promptuc.NewSessions(storageFor, accounts, identity, domguest.DefaultLimits(), logger).
		WithRetry(ledger.RetryPolicy{Attempts: 1})
	prompts := promptuc.New(gen, identity, "test-model", logger)
	health := healthuc.New(okPinger{}, okPinger{}, nil)

	srv := NewServer(sessions, prompts, health, identity, logger)
	r := gochi.NewRouter()
	r.Use(UserAuthMiddleware(testTokens))
	srv.Routes(r)

	return &testEnv{handler: r, accounts: accounts, gen: gen}
}

type call struct {
	method  string
	path    string
	body    string
	token   string
	visitor string
}

func (e *testEnv) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader = http.NoBody
	if c.body != "" {
		body = strings.NewReader(c.body)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.visitor != "" {
		req.Header.Set(visitorHeader, c.visitor)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rr.Body.String())
	}
	return v
}

func expectError(t *testing.T, rr *httptest.ResponseRecorder, status int, code ErrorCode) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("status = %d, want %d (body %q)", rr.Code, status, rr.Body.String())
	}
	if got := decode[ErrorResponse](t, rr).Code; got != code {
		t.Errorf("code = %s, want %s", got, code)
	}
}

// --- Prompts ---

func TestRunPrompt_GuestQuota(t *testing.T) {
	env := newTestEnv(t)
	generate := call{method: "POST", path: "/v1/prompts/generate", body: `{"prompt":"a haiku"}`, visitor: "v-1"}

	rr := env.do(t, generate)
	if rr.Code != http.StatusOK {
		t.Fatalf("first guest generate: %d %s", rr.Code, rr.Body.String())
	}
	resp := decode[PromptResponse](t, rr)
	if resp.Charged {
		t.Error("guests must not be charged")
	}
	if resp.GuestRemaining == nil || *resp.GuestRemaining != 0 {
		t.Errorf("guest_remaining = %v, want 0", resp.GuestRemaining)
	}
	if resp.Model != "test-model" {
		t.Errorf("model = %q, want default model", resp.Model)
	}

	expectError(t, env.do(t, generate), http.StatusTooManyRequests, CodeSignupRequired)

	// Refine has its own quota; another visitor starts fresh.
	refine := call{method: "POST", path: "/v1/prompts/refine", body: `{"prompt":"x"}`, visitor: "v-1"}
	if rr := env.do(t, refine); rr.Code != http.StatusOK {
		t.Errorf("first guest refine: %d", rr.Code)
	}
	generate.visitor = "v-2"
	if rr := env.do(t, generate); rr.Code != http.StatusOK {
		t.Errorf("other visitor: %d", rr.Code)
	}
}

func TestRunPrompt_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		c      call
		status int
		code   ErrorCode
	}{
		{
			"missing visitor",
			call{method: "POST", path: "/v1/prompts/generate", body: `{"prompt":"x"}`},
			http.StatusBadRequest, CodeValidationFailed,
		},
		{
			"unknown family",
			call{method: "POST", path: "/v1/prompts/summarize", body: `{"prompt":"x"}`, visitor: "v"},
			http.StatusBadRequest, CodeUnknownAction,
		},
		{
			"browse is not a generation",
			call{method: "POST", path: "/v1/prompts/browse", body: `{"prompt":"x"}`, visitor: "v"},
			http.StatusBadRequest, CodeValidationFailed,
		},
		{
			"empty prompt",
			call{method: "POST", path: "/v1/prompts/generate", body: `{"prompt":"  "}`, visitor: "v"},
			http.StatusBadRequest, CodeValidationFailed,
		},
		{
			"malformed body",
			call{method: "POST", path: "/v1/prompts/generate", body: `{`, visitor: "v"},
			http.StatusBadRequest, CodeBadRequest,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			expectError(t, env.do(t, tc.c), tc.status, tc.code)
		})
	}
}

func TestRunPrompt_UserCharged(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, call{method: "POST", path: "/v1/prompts/generate", body: `{"prompt":"a haiku"}`, token: "tok-alice"})
	if rr.Code != http.StatusOK {
		t.Fatalf("user generate: %d %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("X-Tokens-Charged"); got != "120" {
		t.Errorf("X-Tokens-Charged = %q, want 120", got)
	}
	resp := decode[PromptResponse](t, rr)
	if !resp.Charged || resp.TokensCharged != 120 {
		t.Errorf("charged = %v/%d, want true/120", resp.Charged, resp.TokensCharged)
	}
	if resp.GuestRemaining != nil {
		t.Errorf("guest_remaining should be omitted for users, got %d", *resp.GuestRemaining)
	}

	res, _ := env.accounts.ActivePlan(context.Background(), "alice")
	p, _ := res.Get()
	if p.TokensUsed() != 120 {
		t.Errorf("server tokens_used = %d, want 120", p.TokensUsed())
	}
}

func TestRunPrompt_UserWithoutPlan(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, call{method: "POST", path: "/v1/prompts/generate", body: `{"prompt":"x"}`, token: "tok-bob"})
	expectError(t, rr, http.StatusPaymentRequired, CodeInsufficientTokens)
}

func TestRunPrompt_GeneratorFailure(t *testing.T) {
	env := newTestEnv(t)
	env.gen.err = errors.New("upstream 500")

	rr := env.do(t, call{method: "POST", path: "/v1/prompts/generate", body: `{"prompt":"x"}`, token: "tok-alice"})
	expectError(t, rr, http.StatusBadGateway, CodeGeneratorError)

	res, _ := env.accounts.ActivePlan(context.Background(), "alice")
	if p, _ := res.Get(); p.TokensUsed() != 0 {
		t.Errorf("failed generation must not be charged, used = %d", p.TokensUsed())
	}
}

// --- Guest ---

func TestGuestUsageAndReset(t *testing.T) {
	env := newTestEnv(t)
	generate := call{method: "POST", path: "/v1/prompts/generate", body: `{"prompt":"x"}`, visitor: "v-1"}
	env.do(t, generate)

	rr := env.do(t, call{method: "GET", path: "/v1/guest/usage", visitor: "v-1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("guest usage: %d", rr.Code)
	}
	u := decode[GuestUsageResponse](t, rr)
	if u.GenerateAttempts != 1 || u.RefineAttempts != 0 {
		t.Errorf("attempts = %d/%d, want 1/0", u.GenerateAttempts, u.RefineAttempts)
	}
	if u.RemainingGenerate == nil || *u.RemainingGenerate != 0 {
		t.Errorf("remaining_generate = %v, want 0", u.RemainingGenerate)
	}
	if u.SignupRequired {
		t.Error("refine is still available, sign-up not yet required")
	}

	if rr := env.do(t, call{method: "POST", path: "/v1/guest/reset", visitor: "v-1"}); rr.Code != http.StatusNoContent {
		t.Fatalf("reset: %d", rr.Code)
	}
	if rr := env.do(t, generate); rr.Code != http.StatusOK {
		t.Errorf("generate after reset: %d", rr.Code)
	}
}

func TestGuestUsage_Authenticated(t *testing.T) {
	env := newTestEnv(t)

	u := decode[GuestUsageResponse](t, env.do(t, call{method: "GET", path: "/v1/guest/usage", token: "tok-alice"}))
	if !u.Authenticated {
		t.Error("expected authenticated")
	}
	if u.RemainingGenerate != nil || u.RemainingRefine != nil {
		t.Error("remaining attempts should be omitted for users")
	}
}

// --- Plans & usage ---

func TestGetPlan(t *testing.T) {
	env := newTestEnv(t)

	expectError(t, env.do(t, call{method: "GET", path: "/v1/plan"}), http.StatusUnauthorized, CodeSignInRequired)

	p := decode[PlanResponse](t, env.do(t, call{method: "GET", path: "/v1/plan", token: "tok-alice"}))
	if !p.HasPlan || p.Plan == nil {
		t.Fatal("expected alice to have a plan")
	}
	if p.Plan.PlanType != "basic" || p.Plan.TokensRemaining != 25000 {
		t.Errorf("plan = %+v", p.Plan)
	}

	none := decode[PlanResponse](t, env.do(t, call{method: "GET", path: "/v1/plan", token: "tok-bob"}))
	if none.HasPlan || none.Plan != nil {
		t.Errorf("bob should have no plan, got %+v", none)
	}
}

func TestGetPlan_RemoteUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.accounts.fail(fmt.Errorf("%w: connection refused", domain.ErrRemoteUnavailable))

	rr := env.do(t, call{method: "GET", path: "/v1/plan", token: "tok-alice"})
	expectError(t, rr, http.StatusServiceUnavailable, CodeRemoteUnavailable)
}

func TestUpgradePlan(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, call{method: "POST", path: "/v1/plan/upgrade", body: `{"plan":"pro"}`, token: "tok-bob"})
	if rr.Code != http.StatusOK {
		t.Fatalf("upgrade: %d %s", rr.Code, rr.Body.String())
	}
	p := decode[PlanResponse](t, rr)
	if p.Plan == nil || p.Plan.PlanType != "pro" || p.Plan.TokensUsed != 0 || p.Plan.TokensRemaining != 100000 {
		t.Errorf("plan after upgrade = %+v", p.Plan)
	}

	rr = env.do(t, call{method: "POST", path: "/v1/plan/upgrade", body: `{"plan":"platinum"}`, token: "tok-bob"})
	expectError(t, rr, http.StatusNotFound, CodePlanNotFound)

	rr = env.do(t, call{method: "POST", path: "/v1/plan/upgrade", body: `{"plan":"pro"}`})
	expectError(t, rr, http.StatusUnauthorized, CodeSignInRequired)

	rr = env.do(t, call{method: "POST", path: "/v1/plan/upgrade", body: `{}`, token: "tok-bob"})
	expectError(t, rr, http.StatusBadRequest, CodeValidationFailed)
}

func TestListPricingPlans(t *testing.T) {
	env := newTestEnv(t)

	resp := decode[PricingPlansResponse](t, env.do(t, call{method: "GET", path: "/v1/pricing-plans"}))
	if len(resp.Plans) != 3 {
		t.Fatalf("got %d plans, want 3", len(resp.Plans))
	}
	if resp.Plans[1].PriceMonthly != "9.99" || resp.Plans[0].PriceMonthly != "0.00" {
		t.Errorf("prices = %s, %s", resp.Plans[0].PriceMonthly, resp.Plans[1].PriceMonthly)
	}
	if resp.Plans[0].Features == nil {
		t.Error("features should be an empty list, not null")
	}
}

func TestGetUsage(t *testing.T) {
	env := newTestEnv(t)
	for range 3 {
		rr := env.do(t, call{method: "POST", path: "/v1/prompts/refine", body: `{"prompt":"x"}`, token: "tok-alice"})
		if rr.Code != http.StatusOK {
			t.Fatalf("refine: %d", rr.Code)
		}
	}

	rr := env.do(t, call{method: "GET", path: "/v1/usage?limit=2", token: "tok-alice"})
	if rr.Code != http.StatusOK {
		t.Fatalf("usage: %d %s", rr.Code, rr.Body.String())
	}
	u := decode[UsageResponse](t, rr)
	if len(u.History) != 2 {
		t.Errorf("history = %d, want 2", len(u.History))
	}
	if len(u.Recent) != 3 {
		t.Errorf("recent = %d, want 3", len(u.Recent))
	}
	if u.TokensUsed != 360 || u.MonthTokens != 360 {
		t.Errorf("used/month = %d/%d, want 360/360", u.TokensUsed, u.MonthTokens)
	}
	if u.Level != "ok" {
		t.Errorf("level = %s, want ok", u.Level)
	}

	expectError(t, env.do(t, call{method: "GET", path: "/v1/usage?limit=0", token: "tok-alice"}),
		http.StatusBadRequest, CodeValidationFailed)
	expectError(t, env.do(t, call{method: "GET", path: "/v1/usage?limit=abc", token: "tok-alice"}),
		http.StatusBadRequest, CodeBadRequest)
	expectError(t, env.do(t, call{method: "GET", path: "/v1/usage"}),
		http.StatusUnauthorized, CodeSignInRequired)
}

func TestEstimate(t *testing.T) {
	env := newTestEnv(t)

	resp := decode[EstimateResponse](t, env.do(t, call{method: "GET", path: "/v1/estimate?action=refine&content_length=40"}))
	if resp.EstimatedTokens != 1510 {
		t.Errorf("estimate = %d, want 1510", resp.EstimatedTokens)
	}
	if resp.Sufficient != nil {
		t.Error("guests get no balance check")
	}

	resp = decode[EstimateResponse](t, env.do(t, call{method: "GET", path: "/v1/estimate?action=generate", token: "tok-alice"}))
	if resp.EstimatedTokens != 2000 || resp.Sufficient == nil || !*resp.Sufficient {
		t.Errorf("user estimate = %+v", resp)
	}

	resp = decode[EstimateResponse](t, env.do(t, call{method: "GET", path: "/v1/estimate?action=browse", token: "tok-bob"}))
	if resp.Sufficient == nil || *resp.Sufficient {
		t.Error("user without plan is never sufficient")
	}

	expectError(t, env.do(t, call{method: "GET", path: "/v1/estimate"}), http.StatusBadRequest, CodeBadRequest)
	expectError(t, env.do(t, call{method: "GET", path: "/v1/estimate?action=dance"}),
		http.StatusBadRequest, CodeUnknownAction)
}

func TestEstimate_HugeContentLength(t *testing.T) {
	env := newTestEnv(t)

	resp := decode[EstimateResponse](t, env.do(t, call{
		method: "GET",
		path:   "/v1/estimate?action=generate&content_length=9223372036854775807",
		token:  "tok-alice",
	}))
	if resp.EstimatedTokens <= 0 {
		t.Errorf("estimate = %d, want positive", resp.EstimatedTokens)
	}
	if resp.Sufficient == nil || *resp.Sufficient {
		t.Error("a huge estimate must not be covered by any plan")
	}
}

// --- Health ---

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, call{method: "GET", path: "/health"})
	if rr.Code != http.StatusOK {
		t.Fatalf("health: %d", rr.Code)
	}
	h := decode[HealthResponse](t, rr)
	if h.Status != "ok" || h.Checks["guest_store"] != "ok" || h.Checks["account_store"] != "ok" {
		t.Errorf("health = %+v", h)
	}
	if _, ok := h.Checks["generator"]; ok {
		t.Error("generator check should be absent when not configured")
	}
}

func TestSafeDomainMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("load plan: %w: dial tcp 10.0.0.1:5432", domain.ErrRemoteUnavailable), "remote unavailable"},
		{fmt.Errorf("%w: prompt is required", domain.ErrInvalidRequest), "invalid request: prompt is required"},
		{errors.New("boom"), "internal error"},
	}
	for _, tc := range tests {
		if got := safeDomainMessage(tc.err); got != tc.want {
			t.Errorf("safeDomainMessage(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
