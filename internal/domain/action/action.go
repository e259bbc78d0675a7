package action

import (
	"fmt"
	"strings"

	"github.com/kailas-cloud/promptmeter/internal/domain"
)

// Type is the kind of costly work a caller asks for.
type Type string

// Known action types.
const (
	Generate Type = "generate"
	Refine   Type = "refine"
	Browse   Type = "browse"
)

// CharsPerToken approximates the content-to-token ratio used for estimates.
const CharsPerToken = 4

// DefaultBaseCost applies to action types without a configured base cost.
const DefaultBaseCost = 1000

var baseCosts = map[Type]int{
	Generate: 2000,
	Refine:   1500,
	Browse:   100,
}

// Parse normalizes and validates an action type.
func Parse(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := baseCosts[t]; !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownAction, s)
	}
	return t, nil
}

// IsGuestMetered reports whether guests are quota-limited for this action.
func (t Type) IsGuestMetered() bool {
	return t == Generate || t == Refine
}

// BaseCost returns the fixed token cost of an action type.
func BaseCost(t Type) int {
	if c, ok := baseCosts[t]; ok {
		return c
	}
	return DefaultBaseCost
}

// EstimateTokens returns base cost plus ceil(contentLength/4). Advisory only:
// the server-side deduction is authoritative.
func EstimateTokens(t Type, contentLength int) int {
	if contentLength < 0 {
		contentLength = 0
	}
	tokens := contentLength / CharsPerToken
	if contentLength%CharsPerToken != 0 {
		tokens++
	}
	return BaseCost(t) + tokens
}
