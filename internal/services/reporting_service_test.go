package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
)

type stubReportWriter struct {
	name        string
	contentType string
	data        []byte
	err         error
}

func (s *stubReportWriter) WriteReport(_ context.Context, name, contentType string, data []byte) (string, error) {
	s.name = name
	s.contentType = contentType
	s.data = append([]byte(nil), data...)
	if s.err != nil {
		return "", s.err
	}
	return "gs://exports/" + name, nil
}

// seedReportOrders creates one pending order on day one, then a paid and a cancelled order on day two.
func seedReportOrders(t *testing.T, env *testEnv) {
	t.Helper()
	ctx := context.Background()
	env.seedStock(t, "P", 1000, 50)

	env.createOrder(t, "user-1", CreateOrderItem{ProductID: "P", Quantity: 1})
	env.clock.Advance(24 * time.Hour)

	paid := env.createOrder(t, "user-2", CreateOrderItem{ProductID: "P", Quantity: 3})
	payment := env.newPayment(t, paid.ID, 0)
	if _, err := env.payments.RecordPaymentResult(ctx, RecordPaymentResultCommand{PaymentID: payment.ID, Outcome: domain.PaymentStatusSuccess}); err != nil {
		t.Fatalf("pay: %v", err)
	}

	cancelled := env.createOrder(t, "user-1", CreateOrderItem{ProductID: "P", Quantity: 2})
	if _, err := env.orders.Cancel(ctx, CancelOrderCommand{OrderID: cancelled.ID, ActorID: "user-1"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}

func TestReportingServiceSummarizeByStatus(t *testing.T) {
	env := newTestEnv(t)
	seedReportOrders(t, env)

	summary, err := env.reports.SummarizeOrders(context.Background(), OrderSummaryFilter{})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if summary.TotalCount != 3 {
		t.Fatalf("expected 3 orders, got %d", summary.TotalCount)
	}
	keys := make([]string, 0, len(summary.Buckets))
	for _, bucket := range summary.Buckets {
		keys = append(keys, bucket.Key)
	}
	if strings.Join(keys, ",") != "pending,paid,cancelled" {
		t.Fatalf("unexpected bucket order %v", keys)
	}
	if summary.TotalRevenue["USD"] != 3000 {
		t.Fatalf("expected revenue 3000, got %d", summary.TotalRevenue["USD"])
	}
	if cancelled := summary.Buckets[2]; cancelled.GrossTotal["USD"] != 2000 || cancelled.Revenue["USD"] != 0 {
		t.Fatalf("cancelled orders must not count as revenue: %#v", cancelled)
	}
}

func TestReportingServiceSummarizeByDayAndFilters(t *testing.T) {
	env := newTestEnv(t)
	seedReportOrders(t, env)

	summary, err := env.reports.SummarizeOrders(context.Background(), OrderSummaryFilter{GroupBy: domain.ReportGroupByDay})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if len(summary.Buckets) != 2 || summary.Buckets[0].Key != "2026-03-01" || summary.Buckets[1].Key != "2026-03-02" {
		t.Fatalf("unexpected day buckets %#v", summary.Buckets)
	}
	if summary.Buckets[1].Count != 2 || summary.Buckets[1].Revenue["USD"] != 3000 {
		t.Fatalf("unexpected second day %#v", summary.Buckets[1])
	}

	from := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	summary, err = env.reports.SummarizeOrders(context.Background(), OrderSummaryFilter{
		UserID:   "user-1",
		Statuses: []OrderStatus{domain.OrderStatusCancelled},
		From:     &from,
	})
	if err != nil {
		t.Fatalf("filtered summarize: %v", err)
	}
	if summary.TotalCount != 1 || summary.Buckets[0].Key != "cancelled" {
		t.Fatalf("unexpected filtered summary %#v", summary)
	}
}

func TestReportingServiceValidation(t *testing.T) {
	env := newTestEnv(t)
	from := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)

	cases := []OrderSummaryFilter{
		{GroupBy: "week"},
		{Statuses: []OrderStatus{"archived"}},
		{From: &from, To: &to},
	}
	for _, filter := range cases {
		if _, err := env.reports.SummarizeOrders(context.Background(), filter); !errors.Is(err, ErrReportInvalidInput) {
			t.Fatalf("expected invalid input for %#v, got %v", filter, err)
		}
	}
	if _, err := env.reports.ListOrders(context.Background(), OrderListFilter{Statuses: []OrderStatus{"archived"}}); !errors.Is(err, ErrReportInvalidInput) {
		t.Fatalf("expected invalid list filter, got %v", err)
	}
}

func TestReportingServiceRowLimit(t *testing.T) {
	env := newTestEnv(t)
	seedReportOrders(t, env)

	reports, err := NewReportingService(ReportingServiceDeps{Orders: env.reg.Orders(), MaxRows: 2})
	if err != nil {
		t.Fatalf("new reporting service: %v", err)
	}
	if _, err := reports.SummarizeOrders(context.Background(), OrderSummaryFilter{}); !errors.Is(err, ErrReportTooLarge) {
		t.Fatalf("expected too large, got %v", err)
	}
}

func TestReportingServiceListOrdersNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	seedReportOrders(t, env)

	page, err := env.reports.ListOrders(context.Background(), OrderListFilter{UserID: "user-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 orders for user-1, got %d", len(page.Items))
	}
	if !page.Items[0].CreatedAt.After(page.Items[1].CreatedAt) {
		t.Fatalf("expected newest first")
	}
}

func TestReportingServiceExportSummary(t *testing.T) {
	env := newTestEnv(t)
	seedReportOrders(t, env)

	if _, err := env.reports.ExportSummary(context.Background(), OrderSummaryFilter{}); !errors.Is(err, ErrReportExportUnavailable) {
		t.Fatalf("expected export unavailable, got %v", err)
	}

	writer := &stubReportWriter{}
	reports, err := NewReportingService(ReportingServiceDeps{Orders: env.reg.Orders(), Writer: writer, Clock: env.clock.Now, Logger: env.logs.Log})
	if err != nil {
		t.Fatalf("new reporting service: %v", err)
	}
	export, err := reports.ExportSummary(context.Background(), OrderSummaryFilter{GroupBy: domain.ReportGroupByStatus})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if export.Location != "gs://exports/order-summary-status-20260302T090000Z.csv" {
		t.Fatalf("unexpected location %q", export.Location)
	}
	if writer.contentType != "text/csv" || export.Size != len(writer.data) {
		t.Fatalf("unexpected writer call %q %d", writer.contentType, export.Size)
	}
	want := "status,currency,count,gross_total,revenue\n" +
		"pending,USD,1,1000,0\n" +
		"paid,USD,1,3000,3000\n" +
		"cancelled,USD,1,2000,0\n"
	if string(writer.data) != want {
		t.Fatalf("unexpected csv:\n%s", writer.data)
	}
	if !env.logs.has("report.summary.exported") {
		t.Fatalf("expected export log")
	}

	writer.err = errors.New("bucket offline")
	if _, err := reports.ExportSummary(context.Background(), OrderSummaryFilter{}); err == nil {
		t.Fatalf("expected writer error")
	}
}

func TestRenderSummaryCSVCountsPerCurrency(t *testing.T) {
	data, err := renderSummaryCSV(OrderSummary{
		GroupBy: domain.ReportGroupByStatus,
		Buckets: []OrderSummaryBucket{{
			Key:             "paid",
			Count:           3,
			CountByCurrency: map[string]int{"JPY": 2, "USD": 1},
			GrossTotal:      map[string]int64{"JPY": 4800, "USD": 1500},
			Revenue:         map[string]int64{"JPY": 4800, "USD": 1500},
		}},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := "status,currency,count,gross_total,revenue\n" +
		"paid,JPY,2,4800,4800\n" +
		"paid,USD,1,1500,1500\n"
	if string(data) != want {
		t.Fatalf("unexpected csv:\n%s", data)
	}
}
