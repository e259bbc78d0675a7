package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/promptmeter/internal/domain"
	"github.com/kailas-cloud/promptmeter/internal/domain/action"
	"github.com/kailas-cloud/promptmeter/internal/domain/event"
	"github.com/kailas-cloud/promptmeter/internal/domain/plan"
	"github.com/kailas-cloud/promptmeter/internal/domain/pricing"
	"github.com/kailas-cloud/promptmeter/internal/domain/usage"
	"github.com/kailas-cloud/promptmeter/internal/metrics"
)

// Ledger is a read-through cache of a user's plan and usage history.
// It pre-checks balances to avoid wasted round-trips but never mutates the
// balance locally: deductions are performed by the AccountStore and the
// cache is refreshed from it afterwards.
type Ledger struct {
	store    AccountStore
	identity domain.Identity
	prices   *pricing.Table
	notifier event.Notifier
	retry    RetryPolicy
	now      func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	owner   string
	epoch   uint64
	plan    plan.Result
	history []usage.Record
	catalog []plan.PricingPlan
}

// New creates a Ledger with an empty cache.
func New(store AccountStore, identity domain.Identity, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:    store,
		identity: identity,
		notifier: event.Nop,
		retry:    DefaultRetryPolicy(),
		now:      time.Now,
		logger:   logger,
		plan:     plan.None(),
	}
}

// WithPrices sets the model price table used to compute cost_usd for deductions.
func (l *Ledger) WithPrices(t *pricing.Table) *Ledger {
	l.prices = t
	return l
}

// WithNotifier sets the receiver of ledger events.
func (l *Ledger) WithNotifier(n event.Notifier) *Ledger {
	if n != nil {
		l.notifier = n
	}
	return l
}

// WithRetry overrides the retry policy for reads.
func (l *Ledger) WithRetry(p RetryPolicy) *Ledger {
	l.retry = p
	return l
}

// WithClock overrides the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// session resolves the current user and the cache epoch for a request.
// A change of user drops the cached view.
func (l *Ledger) session(ctx context.Context) (domain.User, uint64, bool) {
	u, ok := l.identity.CurrentUser(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	if u.ID != l.owner {
		l.resetLocked()
		l.owner = u.ID
	}
	return u, l.epoch, ok
}

// Invalidate drops the cached view. Results of requests issued before the call are discarded.
func (l *Ledger) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked()
}

func (l *Ledger) resetLocked() {
	l.epoch++
	l.plan = plan.None()
	l.history = nil
}

// LoadPlan fetches the active plan. NoPlan is a valid result, not an error.
// On failure the last known plan is returned with the error.
func (l *Ledger) LoadPlan(ctx context.Context) (plan.Result, error) {
	u, epoch, ok := l.session(ctx)
	if !ok {
		return plan.None(), nil
	}

	res, err := retryRead(ctx, l.retry, func(ctx context.Context) (plan.Result, error) {
		return l.store.ActivePlan(ctx, u.ID)
	})
	if err != nil {
		l.remoteError(ctx, "load_plan", err)
		return l.Plan(), fmt.Errorf("load plan: %w", err)
	}

	l.mu.Lock()
	if epoch == l.epoch {
		l.plan = res
	} else {
		l.logger.Debug("Discarding stale plan result", zap.String("user_id", u.ID))
	}
	l.mu.Unlock()
	return res, nil
}

// LoadHistory fetches the most recent usage records, newest first.
func (l *Ledger) LoadHistory(ctx context.Context) ([]usage.Record, error) {
	u, epoch, ok := l.session(ctx)
	if !ok {
		return nil, nil
	}

	recs, err := retryRead(ctx, l.retry, func(ctx context.Context) ([]usage.Record, error) {
		return l.store.RecentUsage(ctx, u.ID, usage.HistoryWindow)
	})
	if err != nil {
		l.remoteError(ctx, "load_history", err)
		return l.History(), fmt.Errorf("load usage history: %w", err)
	}
	if len(recs) > usage.HistoryWindow {
		recs = recs[:usage.HistoryWindow]
	}

	l.mu.Lock()
	if epoch == l.epoch {
		l.history = recs
	}
	l.mu.Unlock()
	return append([]usage.Record(nil), recs...), nil
}

// Refresh reloads the plan and the usage history concurrently.
func (l *Ledger) Refresh(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := l.LoadPlan(gctx)
		return err
	})
	g.Go(func() error {
		_, err := l.LoadHistory(gctx)
		return err
	})
	return g.Wait()
}

// PricingPlans returns the active catalog ordered by monthly price. Cached after first load.
func (l *Ledger) PricingPlans(ctx context.Context) ([]plan.PricingPlan, error) {
	l.mu.Lock()
	cached := l.catalog
	l.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	plans, err := retryRead(ctx, l.retry, l.store.PricingPlans)
	if err != nil {
		l.remoteError(ctx, "pricing_plans", err)
		return nil, fmt.Errorf("load pricing plans: %w", err)
	}
	if plans == nil {
		plans = []plan.PricingPlan{}
	}

	l.mu.Lock()
	l.catalog = plans
	l.mu.Unlock()
	return plans, nil
}

// Plan returns the cached plan.
func (l *Ledger) Plan() plan.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.plan
}

// History returns a copy of the cached usage window.
func (l *Ledger) History() []usage.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]usage.Record(nil), l.history...)
}

// HasSufficientBalance is false without a plan, else remaining >= required.
func (l *Ledger) HasSufficientBalance(required int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return sufficient(l.plan, required)
}

func sufficient(r plan.Result, required int) bool {
	p, ok := r.Get()
	if !ok {
		return false
	}
	return p.TokensRemaining() >= required
}

// EstimateCost returns the advisory token cost of an action.
func (l *Ledger) EstimateCost(a action.Type, contentLength int) int {
	return action.EstimateTokens(a, contentLength)
}

// Deduct asks the account store to charge tokens for a completed action.
// Business refusals (no user, no plan, insufficient balance) return false with a nil error;
// transport failures return false with an error. Never retried.
func (l *Ledger) Deduct(ctx context.Context, tokens int, a action.Type, model string) (bool, error) {
	if tokens <= 0 {
		return false, fmt.Errorf("%w: tokens must be positive, got %d", domain.ErrInvalidRequest, tokens)
	}

	u, _, ok := l.session(ctx)
	if !ok {
		metrics.LedgerDeductionsTotal.WithLabelValues(string(a), "unauthenticated").Inc()
		l.notifier.Notify(ctx, event.Event{Kind: event.SignInRequired, Action: string(a)})
		return false, nil
	}

	// Re-check against the freshest cached balance right before the call.
	l.mu.Lock()
	current := l.plan
	l.mu.Unlock()
	if !sufficient(current, tokens) {
		remaining := 0
		if p, ok := current.Get(); ok {
			remaining = p.TokensRemaining()
		}
		metrics.LedgerDeductionsTotal.WithLabelValues(string(a), "insufficient").Inc()
		l.notifier.Notify(ctx, event.Event{
			Kind:      event.InsufficientTokens,
			Action:    string(a),
			Required:  tokens,
			Remaining: remaining,
		})
		return false, nil
	}

	d := usage.Deduction{
		UserID:     u.ID,
		Tokens:     tokens,
		ActionType: string(a),
		ModelUsed:  model,
		CostUSD:    l.prices.Cost(model, tokens),
	}
	granted, err := l.store.DeductTokens(ctx, d)
	if err != nil {
		metrics.LedgerDeductionsTotal.WithLabelValues(string(a), "error").Inc()
		l.remoteError(ctx, "deduct", err)
		return false, fmt.Errorf("deduct tokens: %w", err)
	}

	if !granted {
		metrics.LedgerDeductionsTotal.WithLabelValues(string(a), "rejected").Inc()
		l.logger.Info("Deduction rejected by account store",
			zap.String("user_id", u.ID),
			zap.Int("tokens", tokens),
			zap.String("action", string(a)),
		)
		l.notifier.Notify(ctx, event.Event{Kind: event.InsufficientTokens, Action: string(a), Required: tokens})
		if _, err := l.LoadPlan(ctx); err != nil {
			l.logger.Warn("Plan refresh after rejected deduction failed", zap.Error(err))
		}
		return false, nil
	}

	metrics.LedgerDeductionsTotal.WithLabelValues(string(a), "ok").Inc()
	metrics.LedgerTokensDeductedTotal.WithLabelValues(string(a), model).Add(float64(tokens))
	l.logger.Info("Tokens deducted",
		zap.String("user_id", u.ID),
		zap.Int("tokens", tokens),
		zap.String("action", string(a)),
		zap.String("model", model),
		zap.String("cost_usd", d.CostUSD.String()),
	)

	if err := l.Refresh(ctx); err != nil {
		l.logger.Warn("Refresh after deduction failed, keeping last known plan", zap.Error(err))
	}
	return true, nil
}

// UpgradePlan replaces the active plan with the named catalog plan and resets usage.
// Never retried.
func (l *Ledger) UpgradePlan(ctx context.Context, name string) (bool, error) {
	u, _, ok := l.session(ctx)
	if !ok {
		l.notifier.Notify(ctx, event.Event{Kind: event.SignInRequired, Plan: name})
		return false, nil
	}

	t, err := plan.ParseType(name)
	if err != nil {
		return false, fmt.Errorf("%w: %w", domain.ErrPlanNotFound, err)
	}

	catalog, err := l.PricingPlans(ctx)
	if err != nil {
		return false, err
	}
	target, found := plan.FindPricing(catalog, t)
	if !found {
		return false, fmt.Errorf("%w: %q", domain.ErrPlanNotFound, name)
	}

	if err := l.store.ReplacePlan(ctx, u.ID, target, l.now().UTC()); err != nil {
		l.remoteError(ctx, "upgrade_plan", err)
		return false, fmt.Errorf("upgrade plan: %w", err)
	}

	l.logger.Info("Plan upgraded",
		zap.String("user_id", u.ID),
		zap.String("plan", string(target.Name)),
		zap.Int("tokens_included", target.TokensIncluded),
	)
	l.notifier.Notify(ctx, event.Event{Kind: event.PlanUpgraded, Plan: string(target.Name)})

	if _, err := l.LoadPlan(ctx); err != nil {
		l.logger.Warn("Plan refresh after upgrade failed", zap.Error(err))
	}
	return true, nil
}

// Summary builds the dashboard view from the cache.
func (l *Ledger) Summary() usage.Summary {
	l.mu.Lock()
	pr := l.plan
	hist := append([]usage.Record(nil), l.history...)
	l.mu.Unlock()
	return usage.Summarize(pr, hist, l.now())
}

func (l *Ledger) remoteError(ctx context.Context, op string, err error) {
	metrics.LedgerRemoteErrorsTotal.WithLabelValues(op).Inc()
	l.logger.Warn("Account store call failed", zap.String("op", op), zap.Error(err))
	l.notifier.Notify(ctx, event.Event{Kind: event.RemoteError, Op: op, Err: err})
}
