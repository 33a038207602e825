package firestore

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/hmcts/ccpay-refunds-app-sub001/internal/domain"
	pfirestore "github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/firestore"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/repositories"
)

const (
	refundReasonsCollection    = "refundReasons"
	rejectionReasonsCollection = "rejectionReasons"
)

type reasonDocument struct {
	Code        string `firestore:"code"`
	Name        string `firestore:"name"`
	Description string `firestore:"description"`
}

// ReferenceDataRepository serves the reason tables, keyed by code.
type ReferenceDataRepository struct {
	refundReasons    *pfirestore.BaseRepository[reasonDocument]
	rejectionReasons *pfirestore.BaseRepository[reasonDocument]
	uow              *pfirestore.UnitOfWork
}

var _ repositories.ReferenceDataRepository = (*ReferenceDataRepository)(nil)

// NewReferenceDataRepository constructs the Firestore reference data repository.
func NewReferenceDataRepository(provider *pfirestore.Provider) (*ReferenceDataRepository, error) {
	if provider == nil {
		return nil, errors.New("reference data repository requires firestore provider")
	}
	return &ReferenceDataRepository{
		refundReasons:    pfirestore.NewBaseRepository[reasonDocument](provider, refundReasonsCollection, nil, nil),
		rejectionReasons: pfirestore.NewBaseRepository[reasonDocument](provider, rejectionReasonsCollection, nil, nil),
		uow:              pfirestore.NewUnitOfWork(provider),
	}, nil
}

func (r *ReferenceDataRepository) RefundReasons(ctx context.Context) ([]domain.RefundReason, error) {
	docs, err := r.refundReasons.Query(ctx, byCode)
	if err != nil {
		return nil, err
	}
	reasons := make([]domain.RefundReason, 0, len(docs))
	for _, doc := range docs {
		reasons = append(reasons, domain.RefundReason(doc.Data))
	}
	return reasons, nil
}

func (r *ReferenceDataRepository) RejectionReasons(ctx context.Context) ([]domain.RejectionReason, error) {
	docs, err := r.rejectionReasons.Query(ctx, byCode)
	if err != nil {
		return nil, err
	}
	reasons := make([]domain.RejectionReason, 0, len(docs))
	for _, doc := range docs {
		reasons = append(reasons, domain.RejectionReason(doc.Data))
	}
	return reasons, nil
}

func (r *ReferenceDataRepository) FindRefundReason(ctx context.Context, code string) (domain.RefundReason, error) {
	doc, err := r.refundReasons.Get(ctx, normaliseCode(code))
	if err != nil {
		return domain.RefundReason{}, err
	}
	return domain.RefundReason(doc.Data), nil
}

func (r *ReferenceDataRepository) FindRejectionReason(ctx context.Context, code string) (domain.RejectionReason, error) {
	doc, err := r.rejectionReasons.Get(ctx, normaliseCode(code))
	if err != nil {
		return domain.RejectionReason{}, err
	}
	return domain.RejectionReason(doc.Data), nil
}

// SeedIfEmpty writes each table independently, only when it has no rows.
func (r *ReferenceDataRepository) SeedIfEmpty(ctx context.Context, refundReasons []domain.RefundReason, rejectionReasons []domain.RejectionReason) error {
	refundDocs := make([]reasonDocument, 0, len(refundReasons))
	for _, reason := range refundReasons {
		refundDocs = append(refundDocs, reasonDocument(reason))
	}
	if err := r.seed(ctx, r.refundReasons, refundDocs); err != nil {
		return err
	}
	rejectionDocs := make([]reasonDocument, 0, len(rejectionReasons))
	for _, reason := range rejectionReasons {
		rejectionDocs = append(rejectionDocs, reasonDocument(reason))
	}
	return r.seed(ctx, r.rejectionReasons, rejectionDocs)
}

func (r *ReferenceDataRepository) seed(ctx context.Context, table *pfirestore.BaseRepository[reasonDocument], docs []reasonDocument) error {
	if len(docs) == 0 {
		return nil
	}
	return r.uow.RunInTx(ctx, func(ctx context.Context) error {
		existing, err := table.Query(ctx, func(q firestore.Query) firestore.Query { return q.Limit(1) })
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return nil
		}
		for _, doc := range docs {
			doc.Code = normaliseCode(doc.Code)
			if err := table.Create(ctx, doc.Code, doc); err != nil {
				return err
			}
		}
		return nil
	})
}

func byCode(q firestore.Query) firestore.Query {
	return q.OrderBy("code", firestore.Asc)
}

func normaliseCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
