package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/requestctx"
	"github.com/hanko-field/orders/internal/platform/textutil"
	"github.com/hanko-field/orders/internal/repositories"
)

const (
	auditIDPrefix   = "aud_"
	redactedPrefix  = "sha256:"
	auditFieldLimit = 512
)

// Customer contact and shipping details never reach the audit trail in clear text.
var defaultRedactedFields = []string{"contact", "email", "phone", "shippingAddress"}

// AuditLogger receives audit persistence failures. Audit writes never fail the calling operation.
type AuditLogger interface {
	Warnf(format string, args ...any)
}

// AuditLogServiceDeps bundles constructor inputs for the audit writer service.
type AuditLogServiceDeps struct {
	Repository  repositories.AuditLogRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      AuditLogger
	// HashSalt is prepended to redacted values so hashes cannot be matched across environments.
	HashSalt string
}

type auditLogService struct {
	repo  repositories.AuditLogRepository
	now   func() time.Time
	newID func() string
	warnf func(format string, args ...any)
	salt  string
}

// NewAuditLogService creates an audit log writer backed by the supplied repository.
func NewAuditLogService(deps AuditLogServiceDeps) (AuditLogService, error) {
	if deps.Repository == nil {
		return nil, errors.New("audit log service: repository is required")
	}
	svc := &auditLogService{
		repo:  deps.Repository,
		now:   time.Now,
		newID: func() string { return ulid.Make().String() },
		warnf: func(string, ...any) {},
		salt:  deps.HashSalt,
	}
	if deps.Clock != nil {
		svc.now = deps.Clock
	}
	if deps.IDGenerator != nil {
		svc.newID = deps.IDGenerator
	}
	if deps.Logger != nil {
		svc.warnf = deps.Logger.Warnf
	}
	return svc, nil
}

// Record stores a sanitised audit entry. Append failures are logged and dropped.
func (s *auditLogService) Record(ctx context.Context, record AuditLogRecord) {
	entry := s.entryFor(ctx, record)
	if err := s.repo.Append(ctx, entry); err != nil {
		s.warnf("audit: append %s on %s failed: %v", entry.Action, entry.TargetRef, err)
	}
}

// List returns audit entries newest first.
func (s *auditLogService) List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error) {
	return s.repo.List(ctx, repositories.AuditLogFilter{
		TargetRef:  strings.TrimSpace(filter.TargetRef),
		Actor:      strings.TrimSpace(filter.Actor),
		Action:     strings.TrimSpace(filter.Action),
		DateRange:  filter.DateRange,
		Pagination: filter.Pagination,
	})
}

func (s *auditLogService) entryFor(ctx context.Context, record AuditLogRecord) domain.AuditLogEntry {
	at := record.OccurredAt
	if at.IsZero() {
		at = s.now()
	}
	requestID := strings.TrimSpace(record.RequestID)
	if requestID == "" {
		requestID = requestctx.RequestID(ctx)
	}
	actor := textutil.SanitizeText(record.Actor, 160)

	r := s.redactorFor(record.SensitiveMetadataKeys)
	entry := domain.AuditLogEntry{
		ID:        auditIDPrefix + s.newID(),
		Actor:     actor,
		ActorType: actorKind(record.ActorType, actor),
		Action:    textutil.SanitizeText(record.Action, 120),
		TargetRef: textutil.SanitizeText(record.TargetRef, 200),
		Severity:  auditSeverity(record.Severity),
		RequestID: textutil.SanitizeText(requestID, 128),
		CreatedAt: at.UTC(),
	}
	for key, value := range record.Metadata {
		if key, ok := auditKey(key); ok {
			if entry.Metadata == nil {
				entry.Metadata = map[string]any{}
			}
			entry.Metadata[key] = r.apply(key, value)
		}
	}
	for key, change := range record.Diff {
		if key, ok := auditKey(key); ok {
			if entry.Diff == nil {
				entry.Diff = map[string]any{}
			}
			entry.Diff[key] = map[string]any{
				"before": r.apply(key, change.Before),
				"after":  r.apply(key, change.After),
			}
		}
	}
	return entry
}

// redactor hashes values stored under sensitive keys and sanitises the rest.
type redactor struct {
	salt      string
	sensitive map[string]struct{}
}

func (s *auditLogService) redactorFor(extra []string) redactor {
	r := redactor{salt: s.salt, sensitive: make(map[string]struct{}, len(defaultRedactedFields)+len(extra))}
	for _, set := range [][]string{defaultRedactedFields, extra} {
		for _, key := range set {
			if key = strings.ToLower(strings.TrimSpace(key)); key != "" {
				r.sensitive[key] = struct{}{}
			}
		}
	}
	return r
}

func (r redactor) apply(key string, value any) any {
	if _, ok := r.sensitive[strings.ToLower(key)]; ok {
		return redactedPrefix + r.hash(value)
	}
	switch v := value.(type) {
	case string:
		return textutil.SanitizeText(v, auditFieldLimit)
	case OrderStatus:
		return string(v)
	case PaymentStatus:
		return string(v)
	case fmt.Stringer:
		return textutil.SanitizeText(v.String(), auditFieldLimit)
	default:
		return v
	}
}

// hash digests the JSON form of value; encoding/json sorts map keys so equal values hash equally.
func (r redactor) hash(value any) string {
	var text string
	switch v := value.(type) {
	case string:
		text = v
	case []byte:
		text = string(v)
	case fmt.Stringer:
		text = v.String()
	default:
		if b, err := json.Marshal(v); err == nil {
			text = string(b)
		} else {
			text = fmt.Sprintf("%T", v)
		}
	}
	sum := sha256.Sum256([]byte(r.salt + strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}

func auditKey(key string) (string, bool) {
	key = textutil.SanitizeText(key, 80)
	return key, key != ""
}

// actorKind classifies an actor. Explicit types win; otherwise the actor id prefix decides and
// bare ids belong to signed-in users.
func actorKind(explicit, actor string) string {
	switch kind := strings.ToLower(strings.TrimSpace(explicit)); kind {
	case "user", "staff", "system", "service":
		return kind
	}
	prefix, _, found := strings.Cut(strings.ToLower(actor), ":")
	switch {
	case actor == "":
		return "unknown"
	case prefix == "system":
		return "system"
	case !found:
		return "user"
	case prefix == "staff" || prefix == "admin":
		return "staff"
	case prefix == "service" || prefix == "webhook":
		return "service"
	default:
		return "user"
	}
}

func auditSeverity(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "warn", "warning":
		return "warn"
	case "error", "err":
		return "error"
	default:
		return "info"
	}
}
