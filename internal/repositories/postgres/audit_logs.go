package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/pagination"
	"github.com/hanko-field/orders/internal/repositories"
)

const auditColumns = `id, actor, actor_type, action, target_ref, metadata, diff, severity, request_id, created_at`

type auditLogRepository struct {
	reg *Registry
}

func (r *auditLogRepository) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	metadata, err := encodeJSONMap(entry.Metadata)
	if err != nil {
		return repositories.NewStoreError("audit_logs.append", repositories.StoreErrorInternal, err)
	}
	diff, err := encodeJSONMap(entry.Diff)
	if err != nil {
		return repositories.NewStoreError("audit_logs.append", repositories.StoreErrorInternal, err)
	}
	_, err = r.reg.db(ctx).Exec(ctx, `INSERT INTO audit_logs (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, entry.Actor, entry.ActorType, entry.Action, entry.TargetRef,
		metadata, diff, entry.Severity, entry.RequestID, entry.CreatedAt.UTC())
	return wrapError("audit_logs.append", err)
}

// List entries newest first.
func (r *auditLogRepository) List(ctx context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, repositories.NewStoreError("audit_logs.list", repositories.StoreErrorInternal, err)
	}
	size := pagination.NormalizeSize(filter.Pagination.PageSize, pagination.Options{})

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if filter.TargetRef != "" {
		where = append(where, "target_ref = "+arg(filter.TargetRef))
	}
	if filter.Actor != "" {
		where = append(where, "actor = "+arg(filter.Actor))
	}
	if filter.Action != "" {
		where = append(where, "action = "+arg(filter.Action))
	}
	if from := filter.DateRange.From; from != nil {
		where = append(where, "created_at >= "+arg(from.UTC()))
	}
	if to := filter.DateRange.To; to != nil {
		where = append(where, "created_at <= "+arg(to.UTC()))
	}
	if !cursor.IsZero() {
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(cursor.CreatedAt.UTC()), arg(cursor.ID)))
	}

	query := `SELECT ` + auditColumns + ` FROM audit_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT " + arg(size+1)

	rows, err := r.reg.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, wrapError("audit_logs.list", err)
	}
	entries, err := pgx.CollectRows(rows, scanAuditLog)
	if err != nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, wrapError("audit_logs.list", err)
	}

	page := domain.CursorPage[domain.AuditLogEntry]{Items: entries}
	if len(entries) > size {
		page.Items = entries[:size]
		last := page.Items[size-1]
		page.NextPageToken, _ = pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

func scanAuditLog(row pgx.CollectableRow) (domain.AuditLogEntry, error) {
	var (
		entry    domain.AuditLogEntry
		metadata []byte
		diff     []byte
	)
	if err := row.Scan(
		&entry.ID, &entry.Actor, &entry.ActorType, &entry.Action, &entry.TargetRef,
		&metadata, &diff, &entry.Severity, &entry.RequestID, &entry.CreatedAt,
	); err != nil {
		return domain.AuditLogEntry{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
			return domain.AuditLogEntry{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if len(diff) > 0 {
		if err := json.Unmarshal(diff, &entry.Diff); err != nil {
			return domain.AuditLogEntry{}, fmt.Errorf("decode diff: %w", err)
		}
	}
	return entry, nil
}

// encodeJSONMap returns nil for an empty map so the column stays NULL.
func encodeJSONMap(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}
