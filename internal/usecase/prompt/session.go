package prompt

import (
	"context"

	"go.uber.org/zap"

	"github.com/kailas-cloud/promptmeter/internal/domain"
	"github.com/kailas-cloud/promptmeter/internal/domain/event"
	domguest "github.com/kailas-cloud/promptmeter/internal/domain/guest"
	"github.com/kailas-cloud/promptmeter/internal/domain/pricing"
	"github.com/kailas-cloud/promptmeter/internal/usecase/guest"
	"github.com/kailas-cloud/promptmeter/internal/usecase/ledger"
)

// Session is the tracker and ledger of one caller.
type Session struct {
	Principal string
	Tracker   *guest.Tracker
	Ledger    *ledger.Ledger
}

// Meters adapts the session for Service.Run.
func (s *Session) Meters() Meters {
	return Meters{Principal: s.Principal, Guest: s.Tracker, Ledger: s.Ledger}
}

// Sessions builds per-caller sessions from shared infrastructure.
type Sessions struct {
	storageFor func(visitorID string) guest.Storage
	accounts   ledger.AccountStore
	identity   domain.Identity
	limits     domguest.Limits
	prices     *pricing.Table
	retry      ledger.RetryPolicy
	logger     *zap.Logger
}

// NewSessions creates a session factory. storageFor scopes guest storage to a visitor.
func NewSessions(
	storageFor func(visitorID string) guest.Storage,
	accounts ledger.AccountStore,
	identity domain.Identity,
	limits domguest.Limits,
	logger *zap.Logger,
) *Sessions {
	return &Sessions{
		storageFor: storageFor,
		accounts:   accounts,
		identity:   identity,
		limits:     limits,
		retry:      ledger.DefaultRetryPolicy(),
		logger:     logger,
	}
}

// WithPrices sets the model price table handed to every ledger.
func (f *Sessions) WithPrices(t *pricing.Table) *Sessions {
	f.prices = t
	return f
}

// WithRetry overrides the ledger read retry policy.
func (f *Sessions) WithRetry(p ledger.RetryPolicy) *Sessions {
	f.retry = p
	return f
}

// Open loads the caller's guest counters and prepares an empty ledger.
// The principal is the user ID when authenticated, else the visitor ID.
// An empty visitorID leaves the tracker without persistence.
func (f *Sessions) Open(ctx context.Context, visitorID string, n event.Notifier) *Session {
	principal := "guest:" + visitorID
	if u, ok := f.identity.CurrentUser(ctx); ok {
		principal = "user:" + u.ID
	}

	tracker := guest.NewTracker(f.identity, f.limits, f.logger).WithNotifier(n)
	if visitorID != "" {
		tracker.WithStorage(ctx, f.storageFor(visitorID))
	}
	l := ledger.New(f.accounts, f.identity, f.logger).
		WithPrices(f.prices).
		WithNotifier(n).
		WithRetry(f.retry)

	return &Session{Principal: principal, Tracker: tracker, Ledger: l}
}
