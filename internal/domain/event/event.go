package event

import (
	"context"
	"sync"
)

// Kind classifies a user-visible metering signal.
type Kind string

// Event kinds.
const (
	// LimitReached asks the UI to prompt sign-up. Emitted once per denied guest attempt.
	LimitReached Kind = "limit_reached"
	// InsufficientTokens asks the UI to offer an upgrade.
	InsufficientTokens Kind = "insufficient_tokens"
	// SignInRequired signals a ledger call without a user.
	SignInRequired Kind = "sign_in_required"
	// RemoteError surfaces a transport failure as a generic error toast.
	RemoteError Kind = "remote_error"
	// PlanUpgraded confirms a successful upgrade.
	PlanUpgraded Kind = "plan_upgraded"
)

// Event is a single signal emitted by the tracker or the ledger.
type Event struct {
	Kind      Kind
	Action    string
	Required  int
	Remaining int
	Op        string
	Plan      string
	Err       error
}

// Notifier receives events.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e Event)

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, e Event) { f(ctx, e) }

// Nop discards events.
var Nop Notifier = NotifierFunc(func(context.Context, Event) {})

// Multi fans an event out to several notifiers in order.
func Multi(ns ...Notifier) Notifier {
	return NotifierFunc(func(ctx context.Context, e Event) {
		for _, n := range ns {
			if n != nil {
				n.Notify(ctx, e)
			}
		}
	})
}

// Recorder collects events, e.g. to return them in an HTTP response.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the collected events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of the given kind were collected.
func (r *Recorder) Count(k Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}
