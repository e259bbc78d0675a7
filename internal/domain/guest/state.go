package guest

// Storage keys for guest counters. Each holds a decimal integer string.
const (
	GenerateAttemptsKey = "propt_generate_attempts"
	RefineAttemptsKey   = "propt_refine_attempts"
)

// State is a guest visitor's attempt counters.
type State struct {
	GenerateAttempts int
	RefineAttempts   int
}

// Limits are the per-family guest maximums.
type Limits struct {
	MaxGenerate int
	MaxRefine   int
}

// DefaultLimits returns one free attempt per family.
func DefaultLimits() Limits {
	return Limits{MaxGenerate: 1, MaxRefine: 1}
}
