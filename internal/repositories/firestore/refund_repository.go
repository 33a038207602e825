package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/hmcts/ccpay-refunds-app-sub001/internal/domain"
	pfirestore "github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/firestore"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/pagination"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/repositories"
)

const (
	refundsCollection       = "refunds"
	statusHistoryCollection = "statusHistory"
	// Firestore caps "in" filters at 30 values.
	maxServiceFilterValues = 30
)

type refundDocument struct {
	ID                    string          `firestore:"id"`
	Reference             string          `firestore:"reference"`
	PaymentReference      string          `firestore:"paymentReference"`
	CcdCaseNumber         string          `firestore:"ccdCaseNumber"`
	ServiceType           string          `firestore:"serviceType"`
	Amount                string          `firestore:"amount"`
	Reason                string          `firestore:"reason"`
	RefundStatus          string          `firestore:"refundStatus"`
	RefundInstructionType string          `firestore:"refundInstructionType,omitempty"`
	Contact               contactDocument `firestore:"contactDetails"`
	RejectionCode         string          `firestore:"rejectionCode,omitempty"`
	CreatedBy             string          `firestore:"createdBy"`
	UpdatedBy             string          `firestore:"updatedBy"`
	DateCreated           time.Time       `firestore:"dateCreated"`
	DateUpdated           time.Time       `firestore:"dateUpdated"`
	Version               int64           `firestore:"version"`
	Fees                  []feeDocument   `firestore:"fees"`
}

type contactDocument struct {
	NotificationType string `firestore:"notificationType,omitempty"`
	Email            string `firestore:"email,omitempty"`
	AddressLine      string `firestore:"addressLine,omitempty"`
	City             string `firestore:"city,omitempty"`
	County           string `firestore:"county,omitempty"`
	Country          string `firestore:"country,omitempty"`
	PostalCode       string `firestore:"postalCode,omitempty"`
	Language         string `firestore:"language,omitempty"`
}

type feeDocument struct {
	FeeID        string `firestore:"feeId"`
	Code         string `firestore:"code"`
	Version      string `firestore:"version"`
	Volume       int    `firestore:"volume"`
	RefundAmount string `firestore:"refundAmount"`
}

// RefundRepository stores refunds keyed by reference with fee lines embedded.
// The status history lives in a subcollection of each refund document.
type RefundRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[refundDocument]
	uow      *pfirestore.UnitOfWork
}

var _ repositories.RefundRepository = (*RefundRepository)(nil)

// NewRefundRepository constructs a Firestore-backed refund repository.
func NewRefundRepository(provider *pfirestore.Provider) (*RefundRepository, error) {
	if provider == nil {
		return nil, errors.New("refund repository requires firestore provider")
	}
	return &RefundRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[refundDocument](provider, refundsCollection, nil, nil),
		uow:      pfirestore.NewUnitOfWork(provider),
	}, nil
}

// Insert creates the refund document. A taken reference yields a conflict.
func (r *RefundRepository) Insert(ctx context.Context, refund domain.Refund) error {
	if !domain.ValidRefundReference(refund.Reference) {
		return fmt.Errorf("refund repository: invalid reference %q", refund.Reference)
	}
	return r.base.Create(ctx, refund.Reference, toRefundDocument(refund))
}

// Update performs a compare-and-swap on the stored version.
func (r *RefundRepository) Update(ctx context.Context, refund domain.Refund, expectedVersion int64) error {
	return r.uow.RunInTx(ctx, func(ctx context.Context) error {
		current, err := r.base.Get(ctx, refund.Reference)
		if err != nil {
			return err
		}
		if current.Data.Version != expectedVersion {
			return pfirestore.ConflictError("refunds.update",
				fmt.Errorf("refund %s at version %d, expected %d", refund.Reference, current.Data.Version, expectedVersion))
		}
		return r.base.Set(ctx, refund.Reference, toRefundDocument(refund))
	})
}

// FindByReference loads a refund by its business key.
func (r *RefundRepository) FindByReference(ctx context.Context, reference string) (domain.Refund, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return domain.Refund{}, errors.New("refund reference is required")
	}
	doc, err := r.base.Get(ctx, reference)
	if err != nil {
		return domain.Refund{}, err
	}
	return fromRefundDocument(doc.Data), nil
}

// FindByPaymentReference lists every refund raised against the payment, oldest first.
func (r *RefundRepository) FindByPaymentReference(ctx context.Context, paymentReference string) ([]domain.Refund, error) {
	paymentReference = strings.TrimSpace(paymentReference)
	if paymentReference == "" {
		return nil, errors.New("payment reference is required")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("paymentReference", "==", paymentReference).OrderBy("dateCreated", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	refunds := make([]domain.Refund, 0, len(docs))
	for _, doc := range docs {
		refunds = append(refunds, fromRefundDocument(doc.Data))
	}
	return refunds, nil
}

// ExistsByReference reports whether the reference is already taken.
func (r *RefundRepository) ExistsByReference(ctx context.Context, reference string) (bool, error) {
	return r.base.Exists(ctx, strings.TrimSpace(reference))
}

// List returns refunds newest first, scoped by the filter.
func (r *RefundRepository) List(ctx context.Context, filter repositories.RefundListFilter) (domain.CursorPage[domain.Refund], error) {
	if filter.CreatedBy == "" && len(filter.Services) == 0 {
		return domain.CursorPage[domain.Refund]{}, nil
	}
	if len(filter.Services) > maxServiceFilterValues {
		return domain.CursorPage[domain.Refund]{}, fmt.Errorf("refund repository: at most %d services per query", maxServiceFilterValues)
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = pagination.DefaultPageSize
	}
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Refund]{}, err
	}
	startAfter, err := refundCursorValues(cursor)
	if err != nil {
		return domain.CursorPage[domain.Refund]{}, err
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if len(filter.Services) > 0 {
			q = q.Where("serviceType", "in", filter.Services)
		}
		if filter.CreatedBy != "" {
			q = q.Where("createdBy", "==", filter.CreatedBy)
		}
		if filter.Status != nil {
			q = q.Where("refundStatus", "==", string(*filter.Status))
		}
		q = q.OrderBy("dateCreated", firestore.Desc).OrderBy("reference", firestore.Desc)
		if len(startAfter) > 0 {
			q = q.StartAfter(startAfter...)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Refund]{}, err
	}

	page := domain.CursorPage[domain.Refund]{Items: make([]domain.Refund, 0, min(len(docs), pageSize))}
	for i, doc := range docs {
		if i == pageSize {
			last := page.Items[len(page.Items)-1]
			token, err := pagination.EncodeToken(pagination.Cursor{
				StartAfter: []any{last.DateCreated.UTC().Format(time.RFC3339Nano), last.Reference},
			})
			if err != nil {
				return domain.CursorPage[domain.Refund]{}, err
			}
			page.NextPageToken = token
			break
		}
		page.Items = append(page.Items, fromRefundDocument(doc.Data))
	}
	return page, nil
}

// Delete removes the refund and its status history in one transaction.
func (r *RefundRepository) Delete(ctx context.Context, reference string) error {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return errors.New("refund reference is required")
	}
	history := pfirestore.Sub[statusHistoryDocument](r.base, reference, statusHistoryCollection, nil, nil)
	return r.uow.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := r.base.Get(ctx, reference); err != nil {
			return err
		}
		entries, err := history.Query(ctx, nil)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := history.Delete(ctx, entry.ID); err != nil {
				return err
			}
		}
		return r.base.Delete(ctx, reference)
	})
}

func refundCursorValues(cursor pagination.Cursor) ([]any, error) {
	if len(cursor.StartAfter) == 0 {
		return nil, nil
	}
	if len(cursor.StartAfter) != 2 {
		return nil, pagination.ErrInvalidPageToken
	}
	rawTime, ok := cursor.StartAfter[0].(string)
	if !ok {
		return nil, pagination.ErrInvalidPageToken
	}
	created, err := time.Parse(time.RFC3339Nano, rawTime)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pagination.ErrInvalidPageToken, err)
	}
	reference, ok := cursor.StartAfter[1].(string)
	if !ok {
		return nil, pagination.ErrInvalidPageToken
	}
	return []any{created, reference}, nil
}

func toRefundDocument(refund domain.Refund) refundDocument {
	fees := make([]feeDocument, 0, len(refund.Fees))
	for _, fee := range refund.Fees {
		fees = append(fees, feeDocument{
			FeeID:        fee.FeeID,
			Code:         fee.Code,
			Version:      fee.Version,
			Volume:       fee.Volume,
			RefundAmount: fee.RefundAmount.StringFixed(2),
		})
	}
	return refundDocument{
		ID:                    refund.ID,
		Reference:             refund.Reference,
		PaymentReference:      refund.PaymentReference,
		CcdCaseNumber:         refund.CcdCaseNumber,
		ServiceType:           strings.ToLower(refund.ServiceType),
		Amount:                refund.Amount.StringFixed(2),
		Reason:                refund.Reason,
		RefundStatus:          string(refund.RefundStatus),
		RefundInstructionType: string(refund.RefundInstructionType),
		Contact: contactDocument{
			NotificationType: string(refund.ContactDetails.NotificationType),
			Email:            refund.ContactDetails.Email,
			AddressLine:      refund.ContactDetails.AddressLine,
			City:             refund.ContactDetails.City,
			County:           refund.ContactDetails.County,
			Country:          refund.ContactDetails.Country,
			PostalCode:       refund.ContactDetails.PostalCode,
			Language:         refund.ContactDetails.Language,
		},
		RejectionCode: refund.RejectionCode,
		CreatedBy:     refund.CreatedBy,
		UpdatedBy:     refund.UpdatedBy,
		DateCreated:   refund.DateCreated.UTC(),
		DateUpdated:   refund.DateUpdated.UTC(),
		Version:       refund.Version,
		Fees:          fees,
	}
}

func fromRefundDocument(doc refundDocument) domain.Refund {
	fees := make([]domain.RefundFee, 0, len(doc.Fees))
	for _, fee := range doc.Fees {
		fees = append(fees, domain.RefundFee{
			FeeID:        fee.FeeID,
			Code:         fee.Code,
			Version:      fee.Version,
			Volume:       fee.Volume,
			RefundAmount: parseAmount(fee.RefundAmount),
		})
	}
	return domain.Refund{
		ID:                    doc.ID,
		Reference:             doc.Reference,
		PaymentReference:      doc.PaymentReference,
		CcdCaseNumber:         doc.CcdCaseNumber,
		ServiceType:           doc.ServiceType,
		Amount:                parseAmount(doc.Amount),
		Reason:                doc.Reason,
		RefundStatus:          domain.RefundStatus(doc.RefundStatus),
		RefundInstructionType: domain.RefundInstructionType(doc.RefundInstructionType),
		ContactDetails: domain.ContactDetails{
			NotificationType: domain.NotificationType(doc.Contact.NotificationType),
			Email:            doc.Contact.Email,
			AddressLine:      doc.Contact.AddressLine,
			City:             doc.Contact.City,
			County:           doc.Contact.County,
			Country:          doc.Contact.Country,
			PostalCode:       doc.Contact.PostalCode,
			Language:         doc.Contact.Language,
		},
		RejectionCode: doc.RejectionCode,
		CreatedBy:     doc.CreatedBy,
		UpdatedBy:     doc.UpdatedBy,
		DateCreated:   doc.DateCreated.UTC(),
		DateUpdated:   doc.DateUpdated.UTC(),
		Version:       doc.Version,
		Fees:          fees,
	}
}

// parseAmount reads a stored fixed-point string. Corrupt values read as zero,
// which the amount validation in the request service rejects.
func parseAmount(raw string) decimal.Decimal {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero
	}
	return amount
}
