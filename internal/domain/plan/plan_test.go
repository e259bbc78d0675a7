package plan

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestTokensRemaining(t *testing.T) {
	p := Reconstruct("p1", "u1", TypeBasic, 1000, 950, CycleMonthly, time.Now(), nil, true)
	if p.TokensRemaining() != 50 {
		t.Errorf("TokensRemaining() = %d, want 50", p.TokensRemaining())
	}
	if p.TokensUsed()+p.TokensRemaining() != p.TokensIncluded() {
		t.Error("used + remaining must equal included")
	}
}

func TestTokensRemaining_ClampsAtZero(t *testing.T) {
	p := Reconstruct("p1", "u1", TypeFree, 100, 250, CycleMonthly, time.Now(), nil, true)
	if p.TokensRemaining() != 0 {
		t.Errorf("TokensRemaining() = %d, want 0", p.TokensRemaining())
	}
}

func TestUsagePercent(t *testing.T) {
	p := Reconstruct("p1", "u1", TypePro, 10000, 8500, CycleYearly, time.Now(), nil, true)
	if got := p.UsagePercent(); got != 85 {
		t.Errorf("UsagePercent() = %v, want 85", got)
	}
	empty := Reconstruct("p2", "u1", TypeFree, 0, 0, CycleMonthly, time.Now(), nil, true)
	if got := empty.UsagePercent(); got != 100 {
		t.Errorf("zero allotment UsagePercent() = %v, want 100", got)
	}
}

func TestResult(t *testing.T) {
	none := None()
	if none.Present() {
		t.Error("None().Present() = true")
	}
	if _, ok := none.Get(); ok {
		t.Error("None().Get() ok = true")
	}

	p := Reconstruct("p1", "u1", TypeBasic, 5000, 0, CycleMonthly, time.Now(), nil, true)
	some := Some(p)
	got, ok := some.Get()
	if !ok || got.ID() != "p1" {
		t.Errorf("Some(p).Get() = %v, %v", got.ID(), ok)
	}
}

func TestParseType(t *testing.T) {
	for _, s := range []string{"free", "basic", "pro", "enterprise"} {
		if _, err := ParseType(s); err != nil {
			t.Errorf("ParseType(%q): %v", s, err)
		}
	}
	if _, err := ParseType("platinum"); err == nil {
		t.Error("expected error for unknown plan type")
	}
}

func TestParseCycle(t *testing.T) {
	c, err := ParseCycle("")
	if err != nil || c != CycleMonthly {
		t.Errorf("ParseCycle(\"\") = %q, %v", c, err)
	}
	if _, err := ParseCycle("weekly"); err == nil {
		t.Error("expected error for weekly")
	}
}

func TestFindPricing(t *testing.T) {
	plans := []PricingPlan{
		{Name: TypeBasic, TokensIncluded: 5000, PriceMonthly: decimal.NewFromInt(9), IsActive: true},
		{Name: TypePro, TokensIncluded: 10000, PriceMonthly: decimal.NewFromInt(29), IsActive: false},
	}
	if p, ok := FindPricing(plans, TypeBasic); !ok || p.TokensIncluded != 5000 {
		t.Errorf("FindPricing(basic) = %+v, %v", p, ok)
	}
	if _, ok := FindPricing(plans, TypePro); ok {
		t.Error("inactive plan must not be found")
	}
}
