package handlers

import (
	"context"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/authz"
	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/services"
)

type exportSummaryRequest struct {
	GroupBy  string   `json:"group_by" validate:"omitempty,oneof=status day"`
	From     string   `json:"from"`
	To       string   `json:"to"`
	Statuses []string `json:"statuses" validate:"max=7"`
	UserID   string   `json:"user_id" validate:"max=128"`
}

// AdminReportHandlers serves order summaries and their CSV export.
type AdminReportHandlers struct {
	reports  services.ReportingService
	enforcer *authz.Enforcer
}

// NewAdminReportHandlers constructs the reporting endpoints.
func NewAdminReportHandlers(reports services.ReportingService, enforcer *authz.Enforcer) *AdminReportHandlers {
	return &AdminReportHandlers{reports: reports, enforcer: enforcer}
}

// Routes registers /admin/reports.
func (h *AdminReportHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.With(h.enforcer.Require(authz.ResourceReports, authz.ActionRead)).Get("/reports/orders/summary", h.summary)
	r.With(h.enforcer.Require(authz.ResourceReports, authz.ActionExport)).Post("/reports/orders/export", h.export)
}

func (h *AdminReportHandlers) summary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reports == nil {
		writeServiceUnavailable(ctx, w, "report")
		return
	}
	query := r.URL.Query()
	statuses, problem := parseStatusFilter(query["status"])
	if problem != "" {
		writeBadRequest(ctx, w, problem)
		return
	}
	dateRange, problem := parseTimeRange(query, "from", "to")
	if problem != "" {
		writeBadRequest(ctx, w, problem)
		return
	}

	summary, err := h.reports.SummarizeOrders(ctx, services.OrderSummaryFilter{
		UserID:   strings.TrimSpace(query.Get("user_id")),
		Statuses: statuses,
		From:     dateRange.From,
		To:       dateRange.To,
		GroupBy:  domain.ReportGrouping(strings.ToLower(strings.TrimSpace(query.Get("group_by")))),
	})
	if err != nil {
		writeReportError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildSummaryPayload(summary))
}

func (h *AdminReportHandlers) export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reports == nil {
		writeServiceUnavailable(ctx, w, "report")
		return
	}
	var req exportSummaryRequest
	if r.ContentLength != 0 {
		if !decodeRequest(ctx, w, r, &req) {
			return
		}
	}
	statuses, problem := parseStatusFilter(req.Statuses)
	if problem != "" {
		writeBadRequest(ctx, w, problem)
		return
	}
	filter := services.OrderSummaryFilter{
		UserID:   req.UserID,
		Statuses: statuses,
		GroupBy:  domain.ReportGrouping(strings.ToLower(strings.TrimSpace(req.GroupBy))),
	}
	for _, bound := range []struct {
		raw  string
		name string
		dst  **time.Time
	}{{req.From, "from", &filter.From}, {req.To, "to", &filter.To}} {
		if strings.TrimSpace(bound.raw) == "" {
			continue
		}
		ts, err := parseTimeParam(bound.raw)
		if err != nil {
			writeBadRequest(ctx, w, bound.name+" must be an RFC3339 timestamp or YYYY-MM-DD date")
			return
		}
		*bound.dst = &ts
	}

	export, err := h.reports.ExportSummary(ctx, filter)
	if err != nil {
		writeReportError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, exportPayload{
		Message:           "report exported",
		Location:          export.Location,
		ContentType:       export.ContentType,
		Size:              export.Size,
		GeneratedAt:       formatTime(export.GeneratedAt),
		DownloadURL:       export.DownloadURL,
		DownloadExpiresAt: formatTimePtr(export.DownloadExpiresAt),
	})
}

type summaryPayload struct {
	GroupBy      string           `json:"group_by"`
	From         string           `json:"from,omitempty"`
	To           string           `json:"to,omitempty"`
	Buckets      []bucketPayload  `json:"buckets"`
	TotalCount   int              `json:"total_count"`
	TotalRevenue map[string]int64 `json:"total_revenue"`
	GeneratedAt  string           `json:"generated_at"`
}

type bucketPayload struct {
	Key             string           `json:"key"`
	Count           int              `json:"count"`
	CountByCurrency map[string]int   `json:"count_by_currency"`
	GrossTotal      map[string]int64 `json:"gross_total"`
	Revenue         map[string]int64 `json:"revenue"`
}

type exportPayload struct {
	Message           string `json:"message"`
	Location          string `json:"location"`
	ContentType       string `json:"content_type"`
	Size              int    `json:"size"`
	GeneratedAt       string `json:"generated_at"`
	DownloadURL       string `json:"download_url,omitempty"`
	DownloadExpiresAt string `json:"download_expires_at,omitempty"`
}

func buildSummaryPayload(summary services.OrderSummary) summaryPayload {
	payload := summaryPayload{
		GroupBy:      string(summary.GroupBy),
		From:         formatTimePtr(summary.From),
		To:           formatTimePtr(summary.To),
		Buckets:      make([]bucketPayload, 0, len(summary.Buckets)),
		TotalCount:   summary.TotalCount,
		TotalRevenue: nonNilTotals(summary.TotalRevenue),
		GeneratedAt:  formatTime(summary.GeneratedAt),
	}
	for _, bucket := range summary.Buckets {
		payload.Buckets = append(payload.Buckets, bucketPayload{
			Key:             bucket.Key,
			Count:           bucket.Count,
			CountByCurrency: nonNilTotals(bucket.CountByCurrency),
			GrossTotal:      nonNilTotals(bucket.GrossTotal),
			Revenue:         nonNilTotals(bucket.Revenue),
		})
	}
	return payload
}

func nonNilTotals[V int | int64](totals map[string]V) map[string]V {
	if totals == nil {
		return map[string]V{}
	}
	return maps.Clone(totals)
}

var reportErrorRules = httpx.Rules{
	{Target: services.ErrReportInvalidInput, Code: "invalid_request", Status: http.StatusBadRequest},
	{Target: services.ErrReportTooLarge, Code: "report_too_large", Status: http.StatusUnprocessableEntity},
	{Target: services.ErrReportExportUnavailable, Code: "report_export_unavailable", Status: http.StatusServiceUnavailable, Message: "report exports are not configured"},
}

func writeReportError(ctx context.Context, w http.ResponseWriter, err error) {
	if e, ok := reportErrorRules.Match(err); ok {
		httpx.WriteError(ctx, w, e)
		return
	}
	writeOrderError(ctx, w, err)
}
