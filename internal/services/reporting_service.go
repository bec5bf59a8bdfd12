package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

const (
	reportPageSize       = 100
	defaultMaxReportRows = 10000
	reportDayLayout      = "2006-01-02"
	reportContentType    = "text/csv"
)

var (
	// ErrReportInvalidInput signals malformed report filters.
	ErrReportInvalidInput = errors.New("report: invalid input")
	// ErrReportTooLarge indicates the filter matched more orders than a summary may scan.
	ErrReportTooLarge = errors.New("report: too many orders")
	// ErrReportExportUnavailable indicates no report writer is configured.
	ErrReportExportUnavailable = errors.New("report: export not configured")
)

// revenueStatuses count towards revenue. Cancelled orders are excluded even if they had been paid.
var revenueStatuses = []OrderStatus{domain.OrderStatusPaid, domain.OrderStatusShipped, domain.OrderStatusDelivered}

// ReportingServiceDeps bundles collaborators required to construct the reporting service.
type ReportingServiceDeps struct {
	Orders  repositories.OrderRepository
	Writer  ReportWriter
	Clock   func() time.Time
	MaxRows int
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type reportingService struct {
	orders  repositories.OrderRepository
	writer  ReportWriter
	clock   func() time.Time
	maxRows int
	logger  func(context.Context, string, map[string]any)
}

// NewReportingService constructs the read-only reporting layer.
func NewReportingService(deps ReportingServiceDeps) (ReportingService, error) {
	if deps.Orders == nil {
		return nil, errors.New("reporting service: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	maxRows := deps.MaxRows
	if maxRows <= 0 {
		maxRows = defaultMaxReportRows
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &reportingService{
		orders:  deps.Orders,
		writer:  deps.Writer,
		clock:   func() time.Time { return clock().UTC() },
		maxRows: maxRows,
		logger:  logger,
	}, nil
}

// ListOrders returns orders newest first.
func (s *reportingService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	if err := validateStatuses(filter.Statuses); err != nil {
		return domain.CursorPage[Order]{}, err
	}
	if err := validateRange(filter.DateRange.From, filter.DateRange.To); err != nil {
		return domain.CursorPage[Order]{}, err
	}
	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID:     strings.TrimSpace(filter.UserID),
		Statuses:   filter.Statuses,
		DateRange:  filter.DateRange,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Order]{}, mapOrderRepositoryError(err)
	}
	return page, nil
}

// SummarizeOrders aggregates counts, gross totals and revenue per status or per UTC creation day.
func (s *reportingService) SummarizeOrders(ctx context.Context, filter OrderSummaryFilter) (OrderSummary, error) {
	ctx, span := startSpan(ctx, "ReportingService.SummarizeOrders")
	defer span.End()

	groupBy := filter.GroupBy
	if groupBy == "" {
		groupBy = domain.ReportGroupByStatus
	}
	if groupBy != domain.ReportGroupByStatus && groupBy != domain.ReportGroupByDay {
		return OrderSummary{}, fmt.Errorf("%w: group_by must be status or day", ErrReportInvalidInput)
	}
	if err := validateStatuses(filter.Statuses); err != nil {
		return OrderSummary{}, err
	}
	if err := validateRange(filter.From, filter.To); err != nil {
		return OrderSummary{}, err
	}

	buckets := map[string]*OrderSummaryBucket{}
	summary := OrderSummary{
		GroupBy:      groupBy,
		From:         filter.From,
		To:           filter.To,
		TotalRevenue: map[string]int64{},
	}

	token := ""
	for {
		page, err := s.orders.List(ctx, repositories.OrderListFilter{
			UserID:     strings.TrimSpace(filter.UserID),
			Statuses:   filter.Statuses,
			DateRange:  domain.RangeQuery[time.Time]{From: filter.From, To: filter.To},
			Pagination: domain.Pagination{PageSize: reportPageSize, PageToken: token},
		})
		if err != nil {
			return OrderSummary{}, mapOrderRepositoryError(err)
		}
		for _, order := range page.Items {
			summary.TotalCount++
			if summary.TotalCount > s.maxRows {
				return OrderSummary{}, fmt.Errorf("%w: narrow the date range (limit %d)", ErrReportTooLarge, s.maxRows)
			}
			key := string(order.Status)
			if groupBy == domain.ReportGroupByDay {
				key = order.CreatedAt.UTC().Format(reportDayLayout)
			}
			bucket, ok := buckets[key]
			if !ok {
				bucket = &OrderSummaryBucket{Key: key, CountByCurrency: map[string]int{}, GrossTotal: map[string]int64{}, Revenue: map[string]int64{}}
				buckets[key] = bucket
			}
			bucket.Count++
			bucket.CountByCurrency[order.Currency]++
			bucket.GrossTotal[order.Currency] += order.Total
			if containsStatus(revenueStatuses, order.Status) {
				bucket.Revenue[order.Currency] += order.Total
				summary.TotalRevenue[order.Currency] += order.Total
			}
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}

	summary.Buckets = make([]OrderSummaryBucket, 0, len(buckets))
	for _, bucket := range buckets {
		summary.Buckets = append(summary.Buckets, *bucket)
	}
	slices.SortFunc(summary.Buckets, bucketOrder(groupBy))
	summary.GeneratedAt = s.clock()
	return summary, nil
}

// ExportSummary renders the summary as CSV and hands it to the configured writer.
func (s *reportingService) ExportSummary(ctx context.Context, filter OrderSummaryFilter) (ReportExport, error) {
	if s.writer == nil {
		return ReportExport{}, ErrReportExportUnavailable
	}
	summary, err := s.SummarizeOrders(ctx, filter)
	if err != nil {
		return ReportExport{}, err
	}

	data, err := renderSummaryCSV(summary)
	if err != nil {
		return ReportExport{}, err
	}
	name := fmt.Sprintf("order-summary-%s-%s.csv", summary.GroupBy, summary.GeneratedAt.Format("20060102T150405Z"))
	location, err := s.writer.WriteReport(ctx, name, reportContentType, data)
	if err != nil {
		return ReportExport{}, fmt.Errorf("report: write %s: %w", name, err)
	}

	export := ReportExport{
		Location:    location,
		ContentType: reportContentType,
		Size:        len(data),
		GeneratedAt: summary.GeneratedAt,
	}
	if linker, ok := s.writer.(ReportLinker); ok {
		url, expires, err := linker.DownloadURL(ctx, location)
		if err != nil {
			s.logger(ctx, "report.summary.link.failed", map[string]any{"location": location, "error": err.Error()})
		} else {
			export.DownloadURL = url
			export.DownloadExpiresAt = &expires
		}
	}

	s.logger(ctx, "report.summary.exported", map[string]any{
		"location": location,
		"bytes":    len(data),
		"orders":   summary.TotalCount,
	})
	return export, nil
}

func renderSummaryCSV(summary OrderSummary) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{string(summary.GroupBy), "currency", "count", "gross_total", "revenue"}); err != nil {
		return nil, err
	}
	for _, bucket := range summary.Buckets {
		currencies := slices.Sorted(maps.Keys(bucket.GrossTotal))
		for _, code := range currencies {
			if err := w.Write([]string{
				bucket.Key,
				code,
				strconv.Itoa(bucket.CountByCurrency[code]),
				strconv.FormatInt(bucket.GrossTotal[code], 10),
				strconv.FormatInt(bucket.Revenue[code], 10),
			}); err != nil {
				return nil, err
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func bucketOrder(groupBy ReportGrouping) func(a, b OrderSummaryBucket) int {
	if groupBy == domain.ReportGroupByDay {
		return func(a, b OrderSummaryBucket) int { return strings.Compare(a.Key, b.Key) }
	}
	rank := make(map[string]int)
	for i, status := range domain.OrderStatuses() {
		rank[string(status)] = i
	}
	return func(a, b OrderSummaryBucket) int { return rank[a.Key] - rank[b.Key] }
}

func validateStatuses(statuses []OrderStatus) error {
	for _, status := range statuses {
		if !status.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrReportInvalidInput, status)
		}
	}
	return nil
}

func validateRange(from, to *time.Time) error {
	if from != nil && to != nil && from.After(*to) {
		return fmt.Errorf("%w: from must not be after to", ErrReportInvalidInput)
	}
	return nil
}
