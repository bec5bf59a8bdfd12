package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/services"
)

func TestHealthHandlersHealthz(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(30 * time.Second)
	handlers := NewHealthHandlers(
		WithHealthBuildInfo(services.BuildInfo{
			Version:     "1.0.0",
			CommitSHA:   "abc123",
			Environment: "prod",
			StartedAt:   start,
		}),
		WithHealthClock(func() time.Time { return now }),
	)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	handlers.Healthz(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["status"] != domain.HealthStatusOK {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
	if body["commit_sha"] != "abc123" {
		t.Fatalf("expected commit abc123, got %v", body["commit_sha"])
	}
	if body["uptime"] != "30s" {
		t.Fatalf("expected uptime 30s, got %v", body["uptime"])
	}
}

func TestHealthHandlersReadyzWithoutSystemService(t *testing.T) {
	handlers := NewHealthHandlers()
	rr := httptest.NewRecorder()
	handlers.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestHealthHandlersReadyzStatuses(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	tests := []struct {
		name       string
		svc        *stubSystemService
		wantStatus int
		wantBody   string
	}{
		{
			name: "ok",
			svc: &stubSystemService{report: services.SystemHealthReport{
				Status:      domain.HealthStatusOK,
				GeneratedAt: now,
				Checks: map[string]domain.SystemHealthCheck{
					"storage": {Status: domain.HealthStatusOK, Latency: 10 * time.Millisecond, CheckedAt: now},
					"events":  {Status: domain.HealthStatusOK, CheckedAt: now},
				},
			}},
			wantStatus: http.StatusOK,
			wantBody:   domain.HealthStatusOK,
		},
		{
			name: "degraded stays in rotation",
			svc: &stubSystemService{report: services.SystemHealthReport{
				Status: domain.HealthStatusDegraded,
				Checks: map[string]domain.SystemHealthCheck{
					"events": {Status: domain.HealthStatusDegraded, Error: "breaker open"},
				},
			}},
			wantStatus: http.StatusOK,
			wantBody:   domain.HealthStatusDegraded,
		},
		{
			name: "error",
			svc: &stubSystemService{report: services.SystemHealthReport{
				Status: domain.HealthStatusError,
				Checks: map[string]domain.SystemHealthCheck{
					"storage": {Status: domain.HealthStatusError, Error: "connection refused"},
				},
			}},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   domain.HealthStatusError,
		},
		{
			name:       "report failure",
			svc:        &stubSystemService{err: errors.New("boom")},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   domain.HealthStatusError,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handlers := NewHealthHandlers(
				WithHealthSystemService(tc.svc),
				WithHealthClock(func() time.Time { return now }),
			)
			rr := httptest.NewRecorder()
			handlers.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, rr.Code)
			}
			var body healthPayload
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if body.Status != tc.wantBody {
				t.Fatalf("expected status %s, got %s", tc.wantBody, body.Status)
			}
		})
	}
}

func TestHealthHandlersReadyzSortsChecks(t *testing.T) {
	svc := &stubSystemService{report: services.SystemHealthReport{
		Status: domain.HealthStatusOK,
		Checks: map[string]domain.SystemHealthCheck{
			"storage": {Status: domain.HealthStatusOK},
			"events":  {Status: domain.HealthStatusOK},
			"counter": {Status: domain.HealthStatusOK},
		},
	}}
	handlers := NewHealthHandlers(WithHealthSystemService(svc))
	rr := httptest.NewRecorder()
	handlers.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var body healthPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(body.Checks) != 3 || body.Checks[0].Name != "counter" || body.Checks[2].Name != "storage" {
		t.Fatalf("expected checks sorted by name, got %#v", body.Checks)
	}
}

var _ services.SystemService = (*stubSystemService)(nil)
