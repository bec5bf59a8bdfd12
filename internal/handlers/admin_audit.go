package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/orders/internal/platform/authz"
	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/platform/pagination"
	"github.com/hanko-field/orders/internal/services"
)

// AdminAuditHandlers lists the audit trail.
type AdminAuditHandlers struct {
	audit    services.AuditLogService
	enforcer *authz.Enforcer
}

// NewAdminAuditHandlers constructs the audit log endpoint.
func NewAdminAuditHandlers(audit services.AuditLogService, enforcer *authz.Enforcer) *AdminAuditHandlers {
	return &AdminAuditHandlers{audit: audit, enforcer: enforcer}
}

// Routes registers /admin/audit-logs.
func (h *AdminAuditHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.With(h.enforcer.Require(authz.ResourceAudit, authz.ActionRead)).Get("/audit-logs", h.list)
}

func (h *AdminAuditHandlers) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.audit == nil {
		writeServiceUnavailable(ctx, w, "audit")
		return
	}
	query := r.URL.Query()
	page, err := parsePagination(query)
	if err != nil {
		writeBadRequest(ctx, w, "page_size must be a positive integer and page_token must come from a previous response")
		return
	}
	dateRange, problem := parseTimeRange(query, "from", "to")
	if problem != "" {
		writeBadRequest(ctx, w, problem)
		return
	}

	target := strings.TrimSpace(query.Get("target"))
	if target != "" && !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	result, err := h.audit.List(ctx, services.AuditLogFilter{
		TargetRef:  target,
		Actor:      query.Get("actor"),
		Action:     query.Get("action"),
		DateRange:  dateRange,
		Pagination: page,
	})
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidPageToken) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_token is invalid", http.StatusBadRequest))
			return
		}
		writeInternalError(ctx, w, err)
		return
	}

	items := make([]auditLogPayload, 0, len(result.Items))
	for _, entry := range result.Items {
		items = append(items, auditLogPayload{
			ID:        entry.ID,
			Actor:     entry.Actor,
			ActorType: entry.ActorType,
			Action:    entry.Action,
			TargetRef: entry.TargetRef,
			Severity:  entry.Severity,
			RequestID: entry.RequestID,
			Metadata:  entry.Metadata,
			Diff:      entry.Diff,
			CreatedAt: formatTime(entry.CreatedAt),
		})
	}
	writeJSONResponse(w, http.StatusOK, auditLogListResponse{Items: items, NextPageToken: result.NextPageToken})
}

type auditLogListResponse struct {
	Items         []auditLogPayload `json:"items"`
	NextPageToken string            `json:"next_page_token,omitempty"`
}

type auditLogPayload struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	ActorType string         `json:"actor_type,omitempty"`
	Action    string         `json:"action"`
	TargetRef string         `json:"target_ref"`
	Severity  string         `json:"severity,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Diff      map[string]any `json:"diff,omitempty"`
	CreatedAt string         `json:"created_at"`
}
