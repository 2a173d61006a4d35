package facematch

import (
	"context"

	healthuc "github.com/kailas-cloud/facematch/internal/usecase/health"
)

// HealthStatus is the aggregated engine health.
type HealthStatus struct {
	Status string            // "ok", "degraded" or "error"
	Checks map[string]string // component → "ok" / "error"
	Errors map[string]string // component → failure message, failing components only
}

// Healthy reports whether every component passed.
func (h HealthStatus) Healthy() bool { return h.Status == string(healthuc.Healthy) }

// Searchable reports whether storage is reachable, so indexed photos can still be matched.
func (h HealthStatus) Searchable() bool { return h.Status != string(healthuc.Unhealthy) }

// Health checks storage, the extraction backend and, when configured, the photo dir.
func (c *Client) Health(ctx context.Context) HealthStatus {
	rep := c.healthSvc.Check(ctx)
	checks := make(map[string]string, len(rep.Checks))
	for k, v := range rep.Checks {
		checks[k] = string(v)
	}
	return HealthStatus{Status: string(rep.Status), Checks: checks, Errors: rep.Errors}
}

type healthUseCase interface {
	Check(ctx context.Context) healthuc.Report
}
