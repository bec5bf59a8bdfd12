package firestore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/orders/internal/domain"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/platform/pagination"
	"github.com/hanko-field/orders/internal/repositories"
)

const auditLogsCollection = "auditLogs"

type auditLogDocument struct {
	ID        string         `firestore:"id"`
	Actor     string         `firestore:"actor"`
	ActorType string         `firestore:"actorType"`
	Action    string         `firestore:"action"`
	TargetRef string         `firestore:"targetRef"`
	Metadata  map[string]any `firestore:"metadata,omitempty"`
	Diff      map[string]any `firestore:"diff,omitempty"`
	Severity  string         `firestore:"severity"`
	RequestID string         `firestore:"requestId,omitempty"`
	CreatedAt time.Time      `firestore:"createdAt"`
}

type auditLogRepository struct {
	logs *pfirestore.BaseRepository[auditLogDocument]
}

func (r *auditLogRepository) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	return r.logs.Create(ctx, entry.ID, auditLogDocument{
		ID:        entry.ID,
		Actor:     entry.Actor,
		ActorType: entry.ActorType,
		Action:    entry.Action,
		TargetRef: entry.TargetRef,
		Metadata:  entry.Metadata,
		Diff:      entry.Diff,
		Severity:  entry.Severity,
		RequestID: entry.RequestID,
		CreatedAt: entry.CreatedAt.UTC(),
	})
}

func (r *auditLogRepository) List(ctx context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, repositories.NewStoreError("audit.list", repositories.StoreErrorInternal, err)
	}
	size := pagination.NormalizeSize(filter.Pagination.PageSize, pagination.Options{})

	docs, err := r.logs.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.TargetRef != "" {
			q = q.Where("targetRef", "==", filter.TargetRef)
		}
		if filter.Actor != "" {
			q = q.Where("actor", "==", filter.Actor)
		}
		if filter.Action != "" {
			q = q.Where("action", "==", filter.Action)
		}
		if from := filter.DateRange.From; from != nil {
			q = q.Where("createdAt", ">=", from.UTC())
		}
		if to := filter.DateRange.To; to != nil {
			q = q.Where("createdAt", "<=", to.UTC())
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy("id", firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.CreatedAt.UTC(), cursor.ID)
		}
		return q.Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, err
	}

	entries := make([]domain.AuditLogEntry, 0, len(docs))
	for _, doc := range docs {
		d := doc.Data
		entries = append(entries, domain.AuditLogEntry{
			ID:        doc.ID,
			Actor:     d.Actor,
			ActorType: d.ActorType,
			Action:    d.Action,
			TargetRef: d.TargetRef,
			Metadata:  d.Metadata,
			Diff:      d.Diff,
			Severity:  d.Severity,
			RequestID: d.RequestID,
			CreatedAt: d.CreatedAt,
		})
	}
	page := domain.CursorPage[domain.AuditLogEntry]{Items: entries}
	if len(entries) > size {
		page.Items = entries[:size]
		last := page.Items[size-1]
		page.NextPageToken, _ = pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}
