package prompt

import (
	"context"

	"github.com/kailas-cloud/promptmeter/internal/domain/action"
	"github.com/kailas-cloud/promptmeter/internal/domain/plan"
)

// Tracker is the guest quota gate.
type Tracker interface {
	ClaimForUser(ctx context.Context)
	CheckAndIncrement(ctx context.Context, a action.Type) bool
	RemainingAttempts(ctx context.Context, a action.Type) int
}

// Ledger is the authenticated user's token balance.
type Ledger interface {
	Plan() plan.Result
	LoadPlan(ctx context.Context) (plan.Result, error)
	EstimateCost(a action.Type, contentLength int) int
	HasSufficientBalance(required int) bool
	Deduct(ctx context.Context, tokens int, a action.Type, model string) (bool, error)
}
