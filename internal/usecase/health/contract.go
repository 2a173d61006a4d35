package health

import "context"

// Pinger is the storage connectivity probe. Its failure makes the service unhealthy.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker probes an auxiliary dependency such as the extraction backend or the
// photo source. Its failure only degrades the service.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }
