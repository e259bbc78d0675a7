package usage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/kailas-cloud/promptmeter/internal/domain/plan"
)

// HistoryWindow is how many recent records a ledger keeps for display.
const HistoryWindow = 50

// RecentCount is how many records the summary surfaces as recent activity.
const RecentCount = 5

// Low-balance thresholds, in percent of the allotment used.
const (
	LowThreshold      = 80.0
	CriticalThreshold = 95.0
)

// Record is one entry of the append-only token usage log.
type Record struct {
	ID          string
	ActionType  string
	TokensUsed  int
	ModelUsed   string
	APIProvider string
	CostUSD     decimal.Decimal
	CreatedAt   time.Time
}

// Level grades how close a plan is to exhaustion.
type Level string

// Balance levels.
const (
	LevelOK       Level = "ok"
	LevelLow      Level = "low"
	LevelCritical Level = "critical"
)

// LevelFor maps a usage percentage to a balance level.
func LevelFor(percent float64) Level {
	switch {
	case percent > CriticalThreshold:
		return LevelCritical
	case percent > LowThreshold:
		return LevelLow
	default:
		return LevelOK
	}
}

// Summary is the dashboard view of a plan and its recent usage.
type Summary struct {
	HasPlan         bool
	PlanType        plan.Type
	BillingCycle    plan.BillingCycle
	TokensIncluded  int
	TokensUsed      int
	TokensRemaining int
	UsagePercent    float64
	MonthTokens     int
	Recent          []Record
	Level           Level
}

// Summarize builds a Summary. records are newest-first; now selects the calendar month.
func Summarize(pr plan.Result, records []Record, now time.Time) Summary {
	var s Summary

	n := min(len(records), RecentCount)
	s.Recent = append([]Record(nil), records[:n]...)

	y, m, _ := now.UTC().Date()
	for _, r := range records {
		ry, rm, _ := r.CreatedAt.UTC().Date()
		if ry == y && rm == m {
			s.MonthTokens += r.TokensUsed
		}
	}

	p, ok := pr.Get()
	if !ok {
		s.Level = LevelOK
		return s
	}
	s.HasPlan = true
	s.PlanType = p.Type()
	s.BillingCycle = p.BillingCycle()
	s.TokensIncluded = p.TokensIncluded()
	s.TokensUsed = p.TokensUsed()
	s.TokensRemaining = p.TokensRemaining()
	s.UsagePercent = p.UsagePercent()
	s.Level = LevelFor(s.UsagePercent)
	return s
}

// Deduction is a request for an authoritative, server-side balance decrement.
type Deduction struct {
	UserID     string
	Tokens     int
	ActionType string
	ModelUsed  string
	CostUSD    decimal.Decimal
}
