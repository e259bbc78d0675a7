package chi

import (
	"time"

	"github.com/kailas-cloud/promptmeter/internal/domain/event"
	"github.com/kailas-cloud/promptmeter/internal/domain/plan"
	"github.com/kailas-cloud/promptmeter/internal/domain/usage"
	"github.com/kailas-cloud/promptmeter/internal/usecase/guest"
)

// ErrorCode is the machine-readable error classifier of an ErrorResponse.
type ErrorCode string

// Error codes.
const (
	CodeBadRequest         ErrorCode = "bad_request"
	CodeValidationFailed   ErrorCode = "validation_failed"
	CodeUnknownAction      ErrorCode = "unknown_action"
	CodeUnauthorized       ErrorCode = "unauthorized"
	CodeSignInRequired     ErrorCode = "sign_in_required"
	CodeSignupRequired     ErrorCode = "signup_required"
	CodeInsufficientTokens ErrorCode = "insufficient_tokens"
	CodePlanNotFound       ErrorCode = "plan_not_found"
	CodeNotFound           ErrorCode = "not_found"
	CodeGeneratorError     ErrorCode = "generator_error"
	CodeRemoteUnavailable  ErrorCode = "remote_unavailable"
	CodeInternalError      ErrorCode = "internal_error"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// PromptRequest is the body of POST /v1/prompts/{family}.
type PromptRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

// PromptResponse is a completed generate or refine action.
type PromptResponse struct {
	Text            string      `json:"text"`
	Model           string      `json:"model"`
	Action          string      `json:"action"`
	EstimatedTokens int         `json:"estimated_tokens"`
	TokensCharged   int         `json:"tokens_charged"`
	Charged         bool        `json:"charged"`
	ChargeError     string      `json:"charge_error,omitempty"`
	GuestRemaining  *int        `json:"guest_remaining,omitempty"`
	Shared          bool        `json:"shared,omitempty"`
	Events          []EventItem `json:"events,omitempty"`
}

// EventItem is a metering signal for the front end to act on.
type EventItem struct {
	Kind      string `json:"kind"`
	Action    string `json:"action,omitempty"`
	Required  int    `json:"required,omitempty"`
	Remaining int    `json:"remaining,omitempty"`
	Plan      string `json:"plan,omitempty"`
	Op        string `json:"op,omitempty"`
}

// GuestUsageResponse is the guest quota view.
type GuestUsageResponse struct {
	Authenticated     bool `json:"authenticated"`
	GenerateAttempts  int  `json:"generate_attempts"`
	RefineAttempts    int  `json:"refine_attempts"`
	MaxGenerate       int  `json:"max_generate"`
	MaxRefine         int  `json:"max_refine"`
	RemainingGenerate *int `json:"remaining_generate,omitempty"`
	RemainingRefine   *int `json:"remaining_refine,omitempty"`
	SignupRequired    bool `json:"signup_required"`
}

// PlanItem is a user's active plan.
type PlanItem struct {
	ID                string     `json:"id"`
	PlanType          string     `json:"plan_type"`
	TokensIncluded    int        `json:"tokens_included"`
	TokensUsed        int        `json:"tokens_used"`
	TokensRemaining   int        `json:"tokens_remaining"`
	BillingCycle      string     `json:"billing_cycle"`
	IsActive          bool       `json:"is_active"`
	SubscriptionStart time.Time  `json:"subscription_start"`
	SubscriptionEnd   *time.Time `json:"subscription_end,omitempty"`
}

// PlanResponse wraps an optional plan. HasPlan false means the purchase flow applies.
type PlanResponse struct {
	HasPlan bool      `json:"has_plan"`
	Plan    *PlanItem `json:"plan,omitempty"`
}

// UsageRecordItem is one token usage log entry.
type UsageRecordItem struct {
	ID          string    `json:"id"`
	ActionType  string    `json:"action_type"`
	TokensUsed  int       `json:"tokens_used"`
	ModelUsed   string    `json:"model_used,omitempty"`
	APIProvider string    `json:"api_provider,omitempty"`
	CostUSD     string    `json:"cost_usd"`
	CreatedAt   time.Time `json:"created_at"`
}

// UsageResponse is the usage dashboard.
type UsageResponse struct {
	HasPlan         bool              `json:"has_plan"`
	PlanType        string            `json:"plan_type,omitempty"`
	BillingCycle    string            `json:"billing_cycle,omitempty"`
	TokensIncluded  int               `json:"tokens_included"`
	TokensUsed      int               `json:"tokens_used"`
	TokensRemaining int               `json:"tokens_remaining"`
	UsagePercent    float64           `json:"usage_percent"`
	MonthTokens     int               `json:"month_tokens"`
	Level           string            `json:"level"`
	Recent          []UsageRecordItem `json:"recent"`
	History         []UsageRecordItem `json:"history"`
}

// PricingPlanItem is a purchasable catalog entry.
type PricingPlanItem struct {
	ID             string   `json:"id"`
	PlanName       string   `json:"plan_name"`
	DisplayName    string   `json:"display_name"`
	PriceMonthly   string   `json:"price_monthly"`
	PriceYearly    string   `json:"price_yearly"`
	TokensIncluded int      `json:"tokens_included"`
	Features       []string `json:"features"`
}

// PricingPlansResponse lists the active catalog.
type PricingPlansResponse struct {
	Plans []PricingPlanItem `json:"plans"`
}

// UpgradeRequest is the body of POST /v1/plan/upgrade.
type UpgradeRequest struct {
	Plan string `json:"plan"`
}

// EstimateResponse is an advisory token cost.
type EstimateResponse struct {
	Action          string `json:"action"`
	EstimatedTokens int    `json:"estimated_tokens"`
	Sufficient      *bool  `json:"sufficient,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func eventsToItems(events []event.Event) []EventItem {
	if len(events) == 0 {
		return nil
	}
	items := make([]EventItem, len(events))
	for i, e := range events {
		items[i] = EventItem{
			Kind:      string(e.Kind),
			Action:    e.Action,
			Required:  e.Required,
			Remaining: e.Remaining,
			Plan:      e.Plan,
			Op:        e.Op,
		}
	}
	return items
}

func planToItem(p plan.Plan) *PlanItem {
	return &PlanItem{
		ID:                p.ID(),
		PlanType:          string(p.Type()),
		TokensIncluded:    p.TokensIncluded(),
		TokensUsed:        p.TokensUsed(),
		TokensRemaining:   p.TokensRemaining(),
		BillingCycle:      string(p.BillingCycle()),
		IsActive:          p.IsActive(),
		SubscriptionStart: p.SubscriptionStart().UTC(),
		SubscriptionEnd:   p.SubscriptionEnd(),
	}
}

func planResultToResponse(r plan.Result) PlanResponse {
	p, ok := r.Get()
	if !ok {
		return PlanResponse{}
	}
	return PlanResponse{HasPlan: true, Plan: planToItem(p)}
}

func recordsToItems(recs []usage.Record) []UsageRecordItem {
	items := make([]UsageRecordItem, len(recs))
	for i, r := range recs {
		items[i] = UsageRecordItem{
			ID:          r.ID,
			ActionType:  r.ActionType,
			TokensUsed:  r.TokensUsed,
			ModelUsed:   r.ModelUsed,
			APIProvider: r.APIProvider,
			CostUSD:     r.CostUSD.StringFixed(6),
			CreatedAt:   r.CreatedAt.UTC(),
		}
	}
	return items
}

func summaryToResponse(s usage.Summary, history []usage.Record) UsageResponse {
	return UsageResponse{
		HasPlan:         s.HasPlan,
		PlanType:        string(s.PlanType),
		BillingCycle:    string(s.BillingCycle),
		TokensIncluded:  s.TokensIncluded,
		TokensUsed:      s.TokensUsed,
		TokensRemaining: s.TokensRemaining,
		UsagePercent:    s.UsagePercent,
		MonthTokens:     s.MonthTokens,
		Level:           string(s.Level),
		Recent:          recordsToItems(s.Recent),
		History:         recordsToItems(history),
	}
}

func pricingToItems(plans []plan.PricingPlan) []PricingPlanItem {
	items := make([]PricingPlanItem, len(plans))
	for i, p := range plans {
		features := p.Features
		if features == nil {
			features = []string{}
		}
		items[i] = PricingPlanItem{
			ID:             p.ID,
			PlanName:       string(p.Name),
			DisplayName:    p.DisplayName,
			PriceMonthly:   p.PriceMonthly.StringFixed(2),
			PriceYearly:    p.PriceYearly.StringFixed(2),
			TokensIncluded: p.TokensIncluded,
			Features:       features,
		}
	}
	return items
}

// finite hides the Unlimited sentinel from JSON.
func finite(n int) *int {
	if n == guest.Unlimited {
		return nil
	}
	return &n
}
