package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

const defaultHealthTimeout = 3 * time.Second

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service. RequiredChecks
// names probes that must appear in every report; a report without one is an error. Timeout bounds
// a whole collection.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	RequiredChecks   []string
	Timeout          time.Duration
}

type systemService struct {
	health   repositories.HealthRepository
	now      func() time.Time
	build    BuildInfo
	required []string
	timeout  time.Duration
}

// NewSystemService builds the readiness reporter behind /healthz and /readyz.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}

	svc := &systemService{
		health:  deps.HealthRepository,
		now:     func() time.Time { return clock().UTC() },
		build:   deps.Build,
		timeout: timeout,
	}
	if svc.build.StartedAt.IsZero() {
		svc.build.StartedAt = svc.now()
	}
	for _, name := range deps.RequiredChecks {
		if name = strings.TrimSpace(name); name != "" {
			svc.required = append(svc.required, name)
		}
	}
	return svc, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	report, err := s.health.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, fmt.Errorf("collect health: %w", err)
	}

	now := s.now()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	if report.Checks == nil {
		report.Checks = make(map[string]SystemHealthCheck, len(s.required))
	}
	missing := false
	for _, name := range s.required {
		if _, ok := report.Checks[name]; ok {
			continue
		}
		missing = true
		report.Checks[name] = SystemHealthCheck{
			Status:    domain.HealthStatusError,
			Error:     "check not reported",
			CheckedAt: now,
		}
	}

	switch {
	case missing:
		report.Status = domain.HealthStatusError
	case strings.TrimSpace(report.Status) == "":
		report.Status = worstStatus(report.Checks)
	}

	report.Version = firstNonEmpty(report.Version, s.build.Version)
	report.CommitSHA = firstNonEmpty(report.CommitSHA, s.build.CommitSHA)
	report.Environment = firstNonEmpty(report.Environment, s.build.Environment)
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	return report, nil
}

// worstStatus folds check statuses: any error wins, then any non-ok status degrades.
func worstStatus(checks map[string]SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusError:
			return domain.HealthStatusError
		case domain.HealthStatusOK, "":
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
