package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hmcts/ccpay-refunds-app-sub001/internal/domain"
	pfirestore "github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/firestore"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/repositories"
)

type statusHistoryDocument struct {
	ID              string    `firestore:"id"`
	RefundReference string    `firestore:"refundReference"`
	Status          string    `firestore:"status"`
	Notes           string    `firestore:"notes"`
	CreatedBy       string    `firestore:"createdBy"`
	DateCreated     time.Time `firestore:"dateCreated"`
}

// StatusHistoryRepository appends ledger rows under refunds/{reference}/statusHistory.
type StatusHistoryRepository struct {
	refunds *pfirestore.BaseRepository[refundDocument]
}

var _ repositories.StatusHistoryRepository = (*StatusHistoryRepository)(nil)

// NewStatusHistoryRepository constructs the Firestore ledger repository.
func NewStatusHistoryRepository(provider *pfirestore.Provider) (*StatusHistoryRepository, error) {
	if provider == nil {
		return nil, errors.New("status history repository requires firestore provider")
	}
	return &StatusHistoryRepository{
		refunds: pfirestore.NewBaseRepository[refundDocument](provider, refundsCollection, nil, nil),
	}, nil
}

// Append creates one ledger row. Rows are never updated.
func (r *StatusHistoryRepository) Append(ctx context.Context, entry domain.StatusHistory) error {
	if strings.TrimSpace(entry.ID) == "" {
		return errors.New("status history id is required")
	}
	return r.ledger(entry.RefundReference).Create(ctx, entry.ID, statusHistoryDocument{
		ID:              entry.ID,
		RefundReference: entry.RefundReference,
		Status:          string(entry.Status),
		Notes:           entry.Notes,
		CreatedBy:       entry.CreatedBy,
		DateCreated:     entry.DateCreated.UTC(),
	})
}

// ListByRefund returns the ledger newest first. IDs are ULIDs, so they break
// ties between rows written in the same transaction.
func (r *StatusHistoryRepository) ListByRefund(ctx context.Context, reference string) ([]domain.StatusHistory, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, errors.New("refund reference is required")
	}
	docs, err := r.ledger(reference).Query(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy("dateCreated", firestore.Desc).OrderBy("id", firestore.Desc)
	})
	if err != nil {
		return nil, err
	}
	entries := make([]domain.StatusHistory, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, domain.StatusHistory{
			ID:              doc.Data.ID,
			RefundReference: doc.Data.RefundReference,
			Status:          domain.RefundStatus(doc.Data.Status),
			Notes:           doc.Data.Notes,
			CreatedBy:       doc.Data.CreatedBy,
			DateCreated:     doc.Data.DateCreated.UTC(),
		})
	}
	return entries, nil
}

func (r *StatusHistoryRepository) ledger(reference string) *pfirestore.BaseRepository[statusHistoryDocument] {
	return pfirestore.Sub[statusHistoryDocument](r.refunds, strings.TrimSpace(reference), statusHistoryCollection, nil, nil)
}
