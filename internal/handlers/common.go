package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/platform/pagination"
	"github.com/hanko-field/orders/internal/platform/requestctx"
	"github.com/hanko-field/orders/internal/platform/validation"
)

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	httpx.WriteJSON(w, status, payload)
}

// decodeRequest reads a JSON body into dst and writes a 400 describing the first problem when it
// cannot. It reports whether the handler may continue.
func decodeRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	err := validation.DecodeJSON(r, dst)
	if err == nil {
		return true
	}
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	case errors.Is(err, validation.ErrEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
	default:
		if fields, ok := validation.FieldErrors(err); ok {
			httpx.WriteError(ctx, w, httpx.NewError("validation_failed", "request validation failed", http.StatusBadRequest).WithFields(fields))
			return false
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
	return false
}

// requireIdentity returns the authenticated caller or writes a 401.
func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func writeServiceUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError(name+"_service_unavailable", name+" service unavailable", http.StatusServiceUnavailable))
}

// writeInternalError logs err and hides it behind a generic 500.
func writeInternalError(ctx context.Context, w http.ResponseWriter, err error) {
	requestctx.Logger(ctx).Error("request failed", zap.Error(err))
	httpx.WriteError(ctx, w, httpx.NewError("internal_error", "an internal error occurred", http.StatusInternalServerError))
}

func writeBadRequest(ctx context.Context, w http.ResponseWriter, message string) {
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", message, http.StatusBadRequest))
}

func parseTimeParam(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

// parseTimeRange reads an inclusive range from two query parameters.
func parseTimeRange(query url.Values, fromKey, toKey string) (domain.RangeQuery[time.Time], string) {
	var out domain.RangeQuery[time.Time]
	if raw := strings.TrimSpace(query.Get(fromKey)); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			return out, fromKey + " must be an RFC3339 timestamp or YYYY-MM-DD date"
		}
		out.From = &ts
	}
	if raw := strings.TrimSpace(query.Get(toKey)); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			return out, toKey + " must be an RFC3339 timestamp or YYYY-MM-DD date"
		}
		out.To = &ts
	}
	return out, ""
}

// parseStatusFilter accepts repeated and comma separated status values.
func parseStatusFilter(values []string) ([]domain.OrderStatus, string) {
	var statuses []domain.OrderStatus
	seen := make(map[domain.OrderStatus]struct{})
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := domain.ParseOrderStatus(part)
			if !ok {
				return nil, "status must be one of pending, confirmed, paid, shipped, delivered, cancelled, failed"
			}
			if _, dup := seen[status]; dup {
				continue
			}
			seen[status] = struct{}{}
			statuses = append(statuses, status)
		}
	}
	return statuses, ""
}

func parsePagination(query url.Values) (domain.Pagination, error) {
	params, err := pagination.Parse(query, pagination.Options{})
	if err != nil {
		return domain.Pagination{}, err
	}
	return domain.Pagination{PageSize: params.PageSize, PageToken: params.PageToken}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
