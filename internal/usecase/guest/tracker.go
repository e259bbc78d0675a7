package guest

import (
	"context"
	"math"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/kailas-cloud/promptmeter/internal/domain"
	"github.com/kailas-cloud/promptmeter/internal/domain/action"
	"github.com/kailas-cloud/promptmeter/internal/domain/event"
	domguest "github.com/kailas-cloud/promptmeter/internal/domain/guest"
	"github.com/kailas-cloud/promptmeter/internal/metrics"
)

// Unlimited is reported as remaining attempts for authenticated callers.
const Unlimited = math.MaxInt

var familyKeys = map[action.Type]string{
	action.Generate: domguest.GenerateAttemptsKey,
	action.Refine:   domguest.RefineAttemptsKey,
}

// Tracker gates guest usage of costly actions behind a small per-family quota.
// Counters live in memory and are written through to Storage (best effort).
// Authenticated callers bypass the tracker entirely.
type Tracker struct {
	mu       sync.Mutex
	counts   map[action.Type]int
	limits   domguest.Limits
	identity domain.Identity
	storage  Storage
	notifier event.Notifier
	logger   *zap.Logger
}

// NewTracker creates a tracker with zeroed counters and no persistence.
func NewTracker(identity domain.Identity, limits domguest.Limits, logger *zap.Logger) *Tracker {
	return &Tracker{
		counts:   make(map[action.Type]int, len(familyKeys)),
		limits:   limits,
		identity: identity,
		notifier: event.Nop,
		logger:   logger,
	}
}

// WithStorage attaches persistence and loads the current counters once.
func (t *Tracker) WithStorage(ctx context.Context, s Storage) *Tracker {
	t.storage = s
	t.load(ctx)
	return t
}

// WithNotifier sets the receiver of limit-reached events.
func (t *Tracker) WithNotifier(n event.Notifier) *Tracker {
	if n != nil {
		t.notifier = n
	}
	return t
}

// load reads persisted counters. Unreadable or malformed values count as zero.
func (t *Tracker) load(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for family, key := range familyKeys {
		raw, ok, err := t.storage.Get(ctx, key)
		if err != nil {
			t.logger.Warn("Failed to read guest counter, assuming zero",
				zap.String("key", key), zap.Error(err))
			t.counts[family] = 0
			continue
		}
		if !ok {
			t.counts[family] = 0
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			t.logger.Warn("Malformed guest counter, assuming zero",
				zap.String("key", key), zap.String("value", raw))
			n = 0
		}
		t.counts[family] = n
	}
}

// CheckAndIncrement reports whether the action may proceed and consumes one attempt.
// The attempt that reaches the cap is allowed; the next one is denied without mutation
// and emits exactly one LimitReached event.
func (t *Tracker) CheckAndIncrement(ctx context.Context, a action.Type) bool {
	if t.authenticated(ctx) {
		metrics.GuestChecksTotal.WithLabelValues(string(a), "authenticated").Inc()
		return true
	}
	if !a.IsGuestMetered() {
		return true
	}

	t.mu.Lock()
	limit := t.limitFor(a)
	n := t.counts[a]
	allowed := n < limit
	if allowed {
		n = t.bump(ctx, a, 1)
		if n > limit {
			// Another request of this visitor took the last attempt since load.
			n = t.bump(ctx, a, -1)
			allowed = false
		}
	}
	t.mu.Unlock()

	if !allowed {
		metrics.GuestChecksTotal.WithLabelValues(string(a), "denied").Inc()
		t.logger.Info("Guest limit reached",
			zap.String("action", string(a)),
			zap.Int("attempts", n),
			zap.Int("limit", limit),
		)
		t.notifier.Notify(ctx, event.Event{Kind: event.LimitReached, Action: string(a)})
		return false
	}

	metrics.GuestChecksTotal.WithLabelValues(string(a), "allowed").Inc()
	if n >= limit {
		t.logger.Debug("Guest attempt consumed the last free slot",
			zap.String("action", string(a)), zap.Int("attempts", n))
	}
	return true
}

// Reset zeroes both counters and clears persisted state.
func (t *Tracker) Reset(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for family, key := range familyKeys {
		t.counts[family] = 0
		if t.storage == nil {
			continue
		}
		if err := t.storage.Remove(ctx, key); err != nil {
			t.logger.Warn("Failed to clear guest counter", zap.String("key", key), zap.Error(err))
		}
	}
}

// ClaimForUser resets guest counters once the caller is authenticated, so prior guest
// usage does not follow the account. It is a no-op for guests and for clean counters.
func (t *Tracker) ClaimForUser(ctx context.Context) {
	if !t.authenticated(ctx) {
		return
	}
	t.mu.Lock()
	dirty := false
	for family := range familyKeys {
		if t.counts[family] > 0 {
			dirty = true
			break
		}
	}
	t.mu.Unlock()

	if dirty {
		t.Reset(ctx)
	}
}

// RemainingAttempts returns free attempts left. Authenticated callers get Unlimited.
func (t *Tracker) RemainingAttempts(ctx context.Context, a action.Type) int {
	if t.authenticated(ctx) || !a.IsGuestMetered() {
		return Unlimited
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return max(0, t.limitFor(a)-t.counts[a])
}

// HasReachedLimit reports whether the next guest attempt would be denied.
func (t *Tracker) HasReachedLimit(ctx context.Context, a action.Type) bool {
	if t.authenticated(ctx) || !a.IsGuestMetered() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[a] >= t.limitFor(a)
}

// State returns a snapshot of the counters.
func (t *Tracker) State() domguest.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return domguest.State{
		GenerateAttempts: t.counts[action.Generate],
		RefineAttempts:   t.counts[action.Refine],
	}
}

// Limits returns the configured maximums.
func (t *Tracker) Limits() domguest.Limits { return t.limits }

// bump is the single state-update path for every family. Caller holds mu.
// With a Counter the stored value wins; otherwise the local value is written through.
func (t *Tracker) bump(ctx context.Context, a action.Type, delta int) int {
	n := t.counts[a] + delta
	if t.storage != nil {
		key := familyKeys[a]
		if c, ok := t.storage.(Counter); ok {
			stored, err := c.Increment(ctx, key, delta)
			if err == nil {
				n = max(0, stored)
			} else {
				t.logger.Warn("Failed to increment guest counter", zap.String("key", key), zap.Error(err))
			}
		} else if err := t.storage.Set(ctx, key, strconv.Itoa(n)); err != nil {
			t.logger.Warn("Failed to persist guest counter", zap.String("key", key), zap.Error(err))
		}
	}
	t.counts[a] = n
	return n
}

func (t *Tracker) limitFor(a action.Type) int {
	if a == action.Refine {
		return t.limits.MaxRefine
	}
	return t.limits.MaxGenerate
}

func (t *Tracker) authenticated(ctx context.Context) bool {
	if t.identity == nil {
		return false
	}
	_, ok := t.identity.CurrentUser(ctx)
	return ok
}
