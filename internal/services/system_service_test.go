package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
)

type stubHealthRepository struct {
	report   domain.SystemHealthReport
	err      error
	deadline time.Time
}

func (s *stubHealthRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	s.deadline, _ = ctx.Deadline()
	return s.report, s.err
}

func TestSystemServiceHealthReportBuildMetadata(t *testing.T) {
	start := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	now := start.Add(90 * time.Second)
	repo := &stubHealthRepository{report: domain.SystemHealthReport{
		Checks: map[string]domain.SystemHealthCheck{"storage": {Status: domain.HealthStatusOK}},
	}}
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Clock:            func() time.Time { return now },
		Build:            BuildInfo{Version: "2.0.1", CommitSHA: "f00d", Environment: "stg", StartedAt: start},
		RequiredChecks:   []string{"storage"},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected ok, got %s", report.Status)
	}
	if report.Version != "2.0.1" || report.CommitSHA != "f00d" || report.Environment != "stg" {
		t.Fatalf("unexpected build metadata %#v", report)
	}
	if report.Uptime != 90*time.Second || !report.GeneratedAt.Equal(now) {
		t.Fatalf("unexpected uptime %s or generated at %s", report.Uptime, report.GeneratedAt)
	}
	if repo.deadline.IsZero() {
		t.Fatalf("expected collection to run under a deadline")
	}
}

func TestSystemServiceStatusFolding(t *testing.T) {
	tests := []struct {
		name     string
		report   domain.SystemHealthReport
		required []string
		want     string
	}{
		{
			name: "degraded optional dependency",
			report: domain.SystemHealthReport{Checks: map[string]domain.SystemHealthCheck{
				"storage": {Status: domain.HealthStatusOK},
				"events":  {Status: domain.HealthStatusDegraded},
			}},
			want: domain.HealthStatusDegraded,
		},
		{
			name: "error beats degraded",
			report: domain.SystemHealthReport{Checks: map[string]domain.SystemHealthCheck{
				"storage": {Status: domain.HealthStatusError},
				"events":  {Status: domain.HealthStatusDegraded},
			}},
			want: domain.HealthStatusError,
		},
		{
			name:   "repository status kept",
			report: domain.SystemHealthReport{Status: domain.HealthStatusDegraded},
			want:   domain.HealthStatusDegraded,
		},
		{
			name: "missing required check",
			report: domain.SystemHealthReport{Status: domain.HealthStatusOK, Checks: map[string]domain.SystemHealthCheck{
				"events": {Status: domain.HealthStatusOK},
			}},
			required: []string{"storage", " "},
			want:     domain.HealthStatusError,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc, err := NewSystemService(SystemServiceDeps{
				HealthRepository: &stubHealthRepository{report: tc.report},
				RequiredChecks:   tc.required,
			})
			if err != nil {
				t.Fatalf("NewSystemService: %v", err)
			}
			report, err := svc.HealthReport(context.Background())
			if err != nil {
				t.Fatalf("HealthReport: %v", err)
			}
			if report.Status != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, report.Status)
			}
			for _, name := range tc.required {
				if name == " " {
					continue
				}
				if _, ok := report.Checks[name]; !ok {
					t.Fatalf("expected placeholder for required check %q", name)
				}
			}
		})
	}
}

func TestSystemServiceHealthReportCollectError(t *testing.T) {
	collectErr := errors.New("firestore unreachable")
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: &stubHealthRepository{err: collectErr}})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	if _, err := svc.HealthReport(context.Background()); !errors.Is(err, collectErr) {
		t.Fatalf("expected wrapped collect error, got %v", err)
	}
}

func TestNewSystemServiceRequiresRepository(t *testing.T) {
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatalf("expected error when repository missing")
	}
}
