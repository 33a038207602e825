package firestore

import (
	"context"
	"errors"
	"fmt"

	pfirestore "github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/firestore"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/repositories"
)

// Registry serves Firestore-backed repositories sharing one provider.
type Registry struct {
	provider      *pfirestore.Provider
	uow           *pfirestore.UnitOfWork
	refunds       *RefundRepository
	history       *StatusHistoryRepository
	referenceData *ReferenceDataRepository
	auditLogs     *AuditLogRepository
	health        repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds every refund repository over provider. health may be nil
// when readiness checks are not wired.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository, txOpts ...pfirestore.TxOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry: provider is required")
	}
	refunds, err := NewRefundRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("refund repository: %w", err)
	}
	history, err := NewStatusHistoryRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("status history repository: %w", err)
	}
	referenceData, err := NewReferenceDataRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("reference data repository: %w", err)
	}
	auditLogs, err := NewAuditLogRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("audit log repository: %w", err)
	}
	return &Registry{
		provider:      provider,
		uow:           pfirestore.NewUnitOfWork(provider, txOpts...),
		refunds:       refunds,
		history:       history,
		referenceData: referenceData,
		auditLogs:     auditLogs,
		health:        health,
	}, nil
}

func (r *Registry) Refunds() repositories.RefundRepository { return r.refunds }

func (r *Registry) StatusHistory() repositories.StatusHistoryRepository { return r.history }

func (r *Registry) ReferenceData() repositories.ReferenceDataRepository { return r.referenceData }

func (r *Registry) AuditLogs() repositories.AuditLogRepository { return r.auditLogs }

func (r *Registry) Health() repositories.HealthRepository { return r.health }

func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.uow.RunInTx(ctx, fn)
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.provider.Close(ctx)
}
