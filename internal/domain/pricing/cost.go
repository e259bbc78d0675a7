package pricing

import (
	"strings"

	"github.com/shopspring/decimal"
)

var million = decimal.NewFromInt(1_000_000)

// Table maps model names to USD per million tokens.
type Table struct {
	perMillion map[string]decimal.Decimal
	fallback   decimal.Decimal
}

// NewTable builds a price table. fallback applies to unlisted models.
func NewTable(perMillion map[string]decimal.Decimal, fallback decimal.Decimal) *Table {
	m := make(map[string]decimal.Decimal, len(perMillion))
	for k, v := range perMillion {
		m[strings.ToLower(k)] = v
	}
	return &Table{perMillion: m, fallback: fallback}
}

// Cost returns the USD cost of tokens on model, rounded to 6 decimal places.
func (t *Table) Cost(model string, tokens int) decimal.Decimal {
	if t == nil || tokens <= 0 {
		return decimal.Zero
	}
	rate, ok := t.perMillion[strings.ToLower(model)]
	if !ok {
		rate = t.fallback
	}
	return rate.Mul(decimal.NewFromInt(int64(tokens))).Div(million).Round(6)
}
