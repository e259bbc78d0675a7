package domain

import "errors"

var (
	// ErrNotFound signals a missing resource.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRequest signals malformed input at the boundary.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnknownAction signals an action type outside the known families.
	ErrUnknownAction = errors.New("unknown action")

	// ErrGuestLimitReached signals an exhausted guest quota. Recoverable by sign-up.
	ErrGuestLimitReached = errors.New("guest limit reached")
	// ErrInsufficientTokens signals a plan balance below the required amount.
	ErrInsufficientTokens = errors.New("insufficient tokens")
	// ErrSignInRequired signals a ledger operation attempted without a user.
	ErrSignInRequired = errors.New("sign in required")
	// ErrPlanNotFound signals an unknown or inactive pricing plan.
	ErrPlanNotFound = errors.New("plan not found")

	// ErrRemoteUnavailable signals an account store or network failure.
	ErrRemoteUnavailable = errors.New("remote unavailable")
	// ErrGeneratorFailed signals a generation backend failure.
	ErrGeneratorFailed = errors.New("generator failed")
)
