package ledger

import (
	"context"
	"time"

	"github.com/kailas-cloud/promptmeter/internal/domain/plan"
	"github.com/kailas-cloud/promptmeter/internal/domain/usage"
)

// AccountStore is the remote source of truth for plans and token usage.
// DeductTokens must check and decrement the balance in a single atomic step
// and report false when the balance is insufficient.
type AccountStore interface {
	ActivePlan(ctx context.Context, userID string) (plan.Result, error)
	RecentUsage(ctx context.Context, userID string, limit int) ([]usage.Record, error)
	PricingPlans(ctx context.Context) ([]plan.PricingPlan, error)
	ReplacePlan(ctx context.Context, userID string, p plan.PricingPlan, start time.Time) error
	DeductTokens(ctx context.Context, d usage.Deduction) (bool, error)
}
