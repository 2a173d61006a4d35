// Package health aggregates readiness of storage and auxiliary dependencies.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status is the aggregated health.
type Status string

const (
	// Healthy: every check passed.
	Healthy Status = "ok"
	// Degraded: an auxiliary dependency failed. Indexed data stays searchable
	// by embedding, but new photos cannot be extracted or archived.
	Degraded Status = "degraded"
	// Unhealthy: storage is unreachable.
	Unhealthy Status = "error"
)

// CheckResult is the outcome of one component check.
type CheckResult string

const (
	CheckOK    CheckResult = "ok"
	CheckError CheckResult = "error"
)

// DefaultCheckTimeout bounds each individual check.
const DefaultCheckTimeout = 3 * time.Second

const storageCheck = "database"

// Report aggregates check results. Errors holds the failure message per failing
// component for logs; it is not meant for API clients.
type Report struct {
	Status Status
	Checks map[string]CheckResult
	Errors map[string]string
}

type namedCheck struct {
	name     string
	critical bool
	checker  Checker
}

// Service runs all checks concurrently, each under its own timeout.
type Service struct {
	checks  []namedCheck
	timeout time.Duration
}

// New creates a Service with store as its only critical check.
func New(store Pinger) *Service {
	return &Service{
		checks:  []namedCheck{{name: storageCheck, critical: true, checker: CheckerFunc(store.Ping)}},
		timeout: DefaultCheckTimeout,
	}
}

// WithCheck adds a named auxiliary check. Nil checkers are ignored.
func (s *Service) WithCheck(name string, c Checker) *Service {
	if c == nil {
		return s
	}
	s.checks = append(s.checks, namedCheck{name: name, checker: c})
	sort.SliceStable(s.checks, func(i, j int) bool { return s.checks[i].name < s.checks[j].name })
	return s
}

// WithTimeout overrides the per-check timeout.
func (s *Service) WithTimeout(d time.Duration) *Service {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// Check runs every check and folds the results into one status.
func (s *Service) Check(ctx context.Context) Report {
	errs := make([]error, len(s.checks))
	var wg sync.WaitGroup
	for i, c := range s.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.run(ctx, c.checker)
		}()
	}
	wg.Wait()

	rep := Report{
		Status: Healthy,
		Checks: make(map[string]CheckResult, len(s.checks)),
		Errors: make(map[string]string),
	}
	for i, c := range s.checks {
		if errs[i] == nil {
			rep.Checks[c.name] = CheckOK
			continue
		}
		rep.Checks[c.name] = CheckError
		rep.Errors[c.name] = errs[i].Error()
		switch {
		case c.critical:
			rep.Status = Unhealthy
		case rep.Status == Healthy:
			rep.Status = Degraded
		}
	}
	return rep
}

func (s *Service) run(ctx context.Context, c Checker) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return c.HealthCheck(ctx)
}
