package health

import "context"

// Pinger checks storage availability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BackendChecker checks generator backend availability.
type BackendChecker interface {
	HealthCheck(ctx context.Context) error
}
