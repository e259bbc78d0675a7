package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/kailas-cloud/promptmeter/internal/domain"
	"github.com/kailas-cloud/promptmeter/internal/domain/plan"
	"github.com/kailas-cloud/promptmeter/internal/domain/usage"
)

const planColumns = `id::text, user_id, plan_type, tokens_included, tokens_used, billing_cycle,
    subscription_start, subscription_end, is_active`

const usageColumns = `id::text, action_type, tokens_used, model_used, api_provider, cost_usd, created_at`

const pricingColumns = `id::text, plan_name, display_name, price_monthly, price_yearly,
    tokens_included, features, is_active`

type rowScanner interface{ Scan(...any) error }

func scanPlan(row rowScanner) (plan.Plan, error) {
	var (
		id, userID, planType, cycle string
		included, used              int
		start                       time.Time
		end                         *time.Time
		active                      bool
	)
	if err := row.Scan(&id, &userID, &planType, &included, &used, &cycle, &start, &end, &active); err != nil {
		return plan.Plan{}, err
	}
	return plan.Reconstruct(id, userID, plan.Type(planType), included, used,
		plan.BillingCycle(cycle), start, end, active), nil
}

func scanRecord(row rowScanner) (usage.Record, error) {
	var r usage.Record
	err := row.Scan(&r.ID, &r.ActionType, &r.TokensUsed, &r.ModelUsed, &r.APIProvider, &r.CostUSD, &r.CreatedAt)
	return r, err
}

func scanPricing(row rowScanner) (plan.PricingPlan, error) {
	var (
		p        plan.PricingPlan
		name     string
		features []byte
	)
	err := row.Scan(&p.ID, &name, &p.DisplayName, &p.PriceMonthly, &p.PriceYearly,
		&p.TokensIncluded, &features, &p.IsActive)
	if err != nil {
		return plan.PricingPlan{}, err
	}
	p.Name = plan.Type(name)
	p.Features, err = decodeFeatures(features)
	if err != nil {
		return plan.PricingPlan{}, fmt.Errorf("plan %s features: %w", name, err)
	}
	return p, nil
}

// decodeFeatures reads the {"features": [...]} JSONB document.
func decodeFeatures(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return []string{}, nil
	}
	var doc struct {
		Features []string `json:"features"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc.Features == nil {
		return []string{}, nil
	}
	return doc.Features, nil
}

func remote(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrRemoteUnavailable, op, err)
}

// ActivePlan returns the user's active plan, or NoPlan when none exists.
func (c *Client) ActivePlan(ctx context.Context, userID string) (plan.Result, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM user_plans
		WHERE user_id = $1 AND is_active
	`, planColumns)

	p, err := scanPlan(c.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return plan.None(), nil
		}
		return plan.None(), remote("get active plan", err)
	}
	return plan.Some(p), nil
}

// RecentUsage returns up to limit usage records, newest first.
func (c *Client) RecentUsage(ctx context.Context, userID string, limit int) ([]usage.Record, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM token_usage
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, usageColumns)

	rows, err := c.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, remote("list token usage", err)
	}
	defer rows.Close()

	records := make([]usage.Record, 0, limit)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, remote("scan token usage", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, remote("iterate token usage", err)
	}
	return records, nil
}

// PricingPlans returns the active catalog ordered by monthly price.
func (c *Client) PricingPlans(ctx context.Context) ([]plan.PricingPlan, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM pricing_plans
		WHERE is_active
		ORDER BY price_monthly ASC
	`, pricingColumns)

	rows, err := c.pool.Query(ctx, query)
	if err != nil {
		return nil, remote("list pricing plans", err)
	}
	defer rows.Close()

	var plans []plan.PricingPlan
	for rows.Next() {
		p, err := scanPricing(rows)
		if err != nil {
			return nil, remote("scan pricing plan", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, remote("iterate pricing plans", err)
	}
	return plans, nil
}

// ReplacePlan switches the user's active plan to p, resetting usage. A user
// without an active plan gets one on a monthly cycle.
func (c *Client) ReplacePlan(ctx context.Context, userID string, p plan.PricingPlan, start time.Time) error {
	if err := c.upsertPlan(ctx, userID, p, "", start); err != nil {
		return remote("replace plan", err)
	}
	return nil
}

// GrantPlan assigns p with an explicit billing cycle. Used by operators.
func (c *Client) GrantPlan(
	ctx context.Context, userID string, p plan.PricingPlan, cycle plan.BillingCycle, start time.Time,
) error {
	if err := c.upsertPlan(ctx, userID, p, cycle, start); err != nil {
		return remote("grant plan", err)
	}
	return nil
}

// upsertPlan updates the active plan in place, or inserts one when absent.
// An empty cycle keeps the current billing cycle.
func (c *Client) upsertPlan(
	ctx context.Context, userID string, p plan.PricingPlan, cycle plan.BillingCycle, start time.Time,
) error {
	query := `
		WITH updated AS (
			UPDATE user_plans
			   SET plan_type = $2::text,
			       tokens_included = $3::integer,
			       tokens_used = 0,
			       billing_cycle = COALESCE(NULLIF($5::text, ''), billing_cycle),
			       subscription_start = $4::timestamptz,
			       updated_at = NOW()
			 WHERE user_id = $1::text AND is_active
			RETURNING id
		)
		INSERT INTO user_plans (id, user_id, plan_type, tokens_included, tokens_used,
		                        billing_cycle, subscription_start, is_active)
		SELECT $6::uuid, $1::text, $2::text, $3::integer, 0,
		       COALESCE(NULLIF($5::text, ''), 'monthly'), $4::timestamptz, true
		WHERE NOT EXISTS (SELECT 1 FROM updated)
	`
	_, err := c.pool.Exec(ctx, query, userID, string(p.Name), p.TokensIncluded, start, string(cycle), uuid.New())
	return err
}

// DeductTokens charges tokens through the deduct_tokens function, which checks the
// balance and appends the usage record in one transaction.
func (c *Client) DeductTokens(ctx context.Context, d usage.Deduction) (bool, error) {
	cost := d.CostUSD
	if cost.IsNegative() {
		cost = decimal.Zero
	}

	var ok bool
	err := c.pool.QueryRow(ctx,
		`SELECT deduct_tokens($1, $2, $3, $4, $5)`,
		d.UserID, d.Tokens, d.ActionType, d.ModelUsed, cost,
	).Scan(&ok)
	if err != nil {
		return false, remote("deduct tokens", err)
	}
	return ok, nil
}
