package plan

import (
	"fmt"
	"time"
)

// Type is a named plan tier.
type Type string

// Plan tiers.
const (
	TypeFree       Type = "free"
	TypeBasic      Type = "basic"
	TypePro        Type = "pro"
	TypeEnterprise Type = "enterprise"
)

// BillingCycle is the subscription renewal period.
type BillingCycle string

// Billing cycles.
const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// ParseType validates a plan tier name.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeFree, TypeBasic, TypePro, TypeEnterprise:
		return t, nil
	default:
		return "", fmt.Errorf("unknown plan type %q", s)
	}
}

// ParseCycle validates a billing cycle. Empty defaults to monthly.
func ParseCycle(s string) (BillingCycle, error) {
	switch c := BillingCycle(s); c {
	case "":
		return CycleMonthly, nil
	case CycleMonthly, CycleYearly:
		return c, nil
	default:
		return "", fmt.Errorf("unknown billing cycle %q", s)
	}
}

// Plan is a cached copy of a user's active plan. The account store owns the balance.
type Plan struct {
	id                string
	userID            string
	planType          Type
	tokensIncluded    int
	tokensUsed        int
	billingCycle      BillingCycle
	subscriptionStart time.Time
	subscriptionEnd   *time.Time
	isActive          bool
}

// Reconstruct hydrates a Plan from storage without validation.
func Reconstruct(
	id, userID string, planType Type, included, used int, cycle BillingCycle,
	start time.Time, end *time.Time, active bool,
) Plan {
	return Plan{
		id:                id,
		userID:            userID,
		planType:          planType,
		tokensIncluded:    included,
		tokensUsed:        used,
		billingCycle:      cycle,
		subscriptionStart: start,
		subscriptionEnd:   end,
		isActive:          active,
	}
}

// ID returns the plan row identifier.
func (p Plan) ID() string { return p.id }

// UserID returns the owning user.
func (p Plan) UserID() string { return p.userID }

// Type returns the plan tier.
func (p Plan) Type() Type { return p.planType }

// TokensIncluded returns the allotment for the current cycle.
func (p Plan) TokensIncluded() int { return p.tokensIncluded }

// TokensUsed returns tokens consumed in the current cycle.
func (p Plan) TokensUsed() int { return p.tokensUsed }

// TokensRemaining returns included minus used, clamped at zero.
func (p Plan) TokensRemaining() int {
	if r := p.tokensIncluded - p.tokensUsed; r > 0 {
		return r
	}
	return 0
}

// BillingCycle returns the renewal period.
func (p Plan) BillingCycle() BillingCycle { return p.billingCycle }

// SubscriptionStart returns when the current allotment began.
func (p Plan) SubscriptionStart() time.Time { return p.subscriptionStart }

// SubscriptionEnd returns the end of the subscription, if bounded.
func (p Plan) SubscriptionEnd() *time.Time { return p.subscriptionEnd }

// IsActive reports whether the plan is the user's active one.
func (p Plan) IsActive() bool { return p.isActive }

// UsagePercent returns used/included as a percentage. Zero allotment reports 100.
func (p Plan) UsagePercent() float64 {
	if p.tokensIncluded <= 0 {
		return 100
	}
	return float64(p.tokensUsed) / float64(p.tokensIncluded) * 100
}

// Result is either a loaded Plan or NoPlan. Callers must check Present.
type Result struct {
	plan    Plan
	present bool
}

// Some wraps a loaded plan.
func Some(p Plan) Result { return Result{plan: p, present: true} }

// None is the "no plan yet" state: no budget, must go through the purchase flow.
func None() Result { return Result{} }

// Present reports whether a plan is loaded.
func (r Result) Present() bool { return r.present }

// Get returns the plan and whether it is present.
func (r Result) Get() (Plan, bool) { return r.plan, r.present }
