package guest

import "context"

// Storage is the durable key-value persistence for guest counters.
// Get reports ok=false for a missing key.
type Storage interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Counter is implemented by storage that can increment atomically. The tracker
// then trusts the stored value over its local copy, so requests of the same
// visitor cannot both take the last free attempt.
type Counter interface {
	Increment(ctx context.Context, key string, delta int) (int, error)
}
