package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/oklog/ulid/v2"

	domain "github.com/hmcts/ccpay-refunds-app-sub001/internal/domain"
	pfirestore "github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/firestore"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/pagination"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/repositories"
)

const auditLogsCollection = "auditLogs"

type auditLogDocument struct {
	ID        string         `firestore:"id"`
	Actor     string         `firestore:"actor"`
	Action    string         `firestore:"action"`
	TargetRef string         `firestore:"targetRef"`
	Roles     []string       `firestore:"roles,omitempty"`
	Metadata  map[string]any `firestore:"metadata,omitempty"`
	Severity  string         `firestore:"severity"`
	RequestID string         `firestore:"requestId,omitempty"`
	CreatedAt time.Time      `firestore:"createdAt"`
}

// AuditLogRepository stores audit entries in the auditLogs collection.
type AuditLogRepository struct {
	base *pfirestore.BaseRepository[auditLogDocument]
}

var _ repositories.AuditLogRepository = (*AuditLogRepository)(nil)

// NewAuditLogRepository constructs the Firestore audit log repository.
func NewAuditLogRepository(provider *pfirestore.Provider) (*AuditLogRepository, error) {
	if provider == nil {
		return nil, errors.New("audit log repository requires firestore provider")
	}
	return &AuditLogRepository{
		base: pfirestore.NewBaseRepository[auditLogDocument](provider, auditLogsCollection, nil, nil),
	}, nil
}

func (r *AuditLogRepository) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	return r.base.Create(ctx, entry.ID, auditLogDocument{
		ID:        entry.ID,
		Actor:     entry.Actor,
		Action:    entry.Action,
		TargetRef: entry.TargetRef,
		Roles:     entry.Roles,
		Metadata:  entry.Metadata,
		Severity:  entry.Severity,
		RequestID: entry.RequestID,
		CreatedAt: entry.CreatedAt.UTC(),
	})
}

func (r *AuditLogRepository) List(ctx context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = pagination.DefaultPageSize
	}
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, err
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.TargetRef != "" {
			q = q.Where("targetRef", "==", filter.TargetRef)
		}
		if filter.Actor != "" {
			q = q.Where("actor", "==", filter.Actor)
		}
		if filter.Since != nil {
			q = q.Where("createdAt", ">=", filter.Since.UTC())
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy("id", firestore.Desc)
		if len(cursor.StartAfter) == 2 {
			if raw, ok := cursor.StartAfter[0].(string); ok {
				if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
					q = q.StartAfter(ts, cursor.StartAfter[1])
				}
			}
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, err
	}

	page := domain.CursorPage[domain.AuditLogEntry]{}
	for i, doc := range docs {
		if i == pageSize {
			last := page.Items[len(page.Items)-1]
			token, err := pagination.EncodeToken(pagination.Cursor{StartAfter: []any{last.CreatedAt.Format(time.RFC3339Nano), last.ID}})
			if err != nil {
				return domain.CursorPage[domain.AuditLogEntry]{}, err
			}
			page.NextPageToken = token
			break
		}
		page.Items = append(page.Items, domain.AuditLogEntry{
			ID:        doc.Data.ID,
			Actor:     doc.Data.Actor,
			Action:    doc.Data.Action,
			TargetRef: doc.Data.TargetRef,
			Roles:     doc.Data.Roles,
			Metadata:  doc.Data.Metadata,
			Severity:  doc.Data.Severity,
			RequestID: doc.Data.RequestID,
			CreatedAt: doc.Data.CreatedAt.UTC(),
		})
	}
	return page, nil
}
