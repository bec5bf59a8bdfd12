package memory

import (
	"context"
	"slices"
	"strings"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/pagination"
	"github.com/hanko-field/orders/internal/repositories"
)

type auditLogRepository struct {
	reg *Registry
}

func (r *auditLogRepository) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	defer r.reg.lock(ctx)()
	r.reg.state.audit = append(r.reg.state.audit, entry)
	return nil
}

func (r *auditLogRepository) List(ctx context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, repositories.NewStoreError("audit.list", repositories.StoreErrorInternal, err)
	}
	size := pagination.NormalizeSize(filter.Pagination.PageSize, pagination.Options{})

	unlock := r.reg.lock(ctx)
	entries := make([]domain.AuditLogEntry, 0, len(r.reg.state.audit))
	for _, entry := range r.reg.state.audit {
		if filter.TargetRef != "" && entry.TargetRef != filter.TargetRef {
			continue
		}
		if filter.Actor != "" && entry.Actor != filter.Actor {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		if from := filter.DateRange.From; from != nil && entry.CreatedAt.Before(*from) {
			continue
		}
		if to := filter.DateRange.To; to != nil && entry.CreatedAt.After(*to) {
			continue
		}
		entries = append(entries, entry)
	}
	unlock()

	slices.SortFunc(entries, func(a, b domain.AuditLogEntry) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})

	page, next, err := pagination.Slice(entries, size,
		func(e domain.AuditLogEntry) bool { return cursor.ServedNewestFirst(e.CreatedAt, e.ID) },
		func(e domain.AuditLogEntry) pagination.Cursor { return pagination.Cursor{CreatedAt: e.CreatedAt, ID: e.ID} },
	)
	if err != nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, repositories.NewStoreError("audit.list", repositories.StoreErrorInternal, err)
	}
	return domain.CursorPage[domain.AuditLogEntry]{Items: page, NextPageToken: next}, nil
}
