package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hmcts/ccpay-refunds-app-sub001/internal/payments"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/config"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/repositories"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	RefundRequests services.RefundRequestService
	RefundReviews  services.RefundReviewService
	StatusHistory  services.StatusHistoryService
	Notifications  services.RefundNotificationService
	System         services.SystemService
	Audit          services.AuditLogService
}

// Collaborators are the non-repository dependencies of the refund services.
// Payments and MiddleOffice are required; the rest degrade gracefully.
type Collaborators struct {
	Payments      payments.PaymentService
	MiddleOffice  services.MiddleOfficePublisher
	Notifications services.NotificationPublisher
	Users         services.UserDirectory
	Metrics       services.RefundMetrics
	Logger        services.Logger
	Build         services.BuildInfo
	Clock         func() time.Time
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring passes
// the Firestore registry, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, collab Collaborators) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, reg, cfg, collab)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, collab Collaborators) (Services, error) {
	var svc Services
	clock := collab.Clock
	if clock == nil {
		clock = time.Now
	}

	if auditRepo := reg.AuditLogs(); auditRepo != nil {
		auditSvc, err := services.NewAuditLogService(services.AuditLogServiceDeps{
			Repository: auditRepo,
			Clock:      clock,
			Logger:     collab.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build audit log service: %w", err)
		}
		svc.Audit = auditSvc
	}

	historySvc, err := services.NewStatusHistoryService(services.StatusHistoryServiceDeps{
		History: reg.StatusHistory(),
		Refunds: reg.Refunds(),
		Users:   collab.Users,
		Clock:   clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build status history service: %w", err)
	}
	svc.StatusHistory = historySvc

	requestSvc, err := services.NewRefundRequestService(services.RefundRequestServiceDeps{
		Refunds:           reg.Refunds(),
		ReferenceData:     reg.ReferenceData(),
		UnitOfWork:        reg,
		History:           historySvc,
		Payments:          collab.Payments,
		Audit:             svc.Audit,
		Metrics:           collab.Metrics,
		Logger:            collab.Logger,
		Clock:             clock,
		ReferenceAttempts: cfg.Refunds.ReferenceAttempts,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build refund request service: %w", err)
	}
	svc.RefundRequests = requestSvc

	reviewSvc, err := services.NewRefundReviewService(services.RefundReviewServiceDeps{
		Refunds:           reg.Refunds(),
		ReferenceData:     reg.ReferenceData(),
		UnitOfWork:        reg,
		History:           historySvc,
		Payments:          collab.Payments,
		MiddleOffice:      collab.MiddleOffice,
		Audit:             svc.Audit,
		Metrics:           collab.Metrics,
		Logger:            collab.Logger,
		Clock:             clock,
		ReferenceAttempts: cfg.Refunds.ReferenceAttempts,
		SideEffectTimeout: cfg.Refunds.SideEffectTimeout,
		SideEffectRetries: cfg.Refunds.SideEffectRetries,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build refund review service: %w", err)
	}
	svc.RefundReviews = reviewSvc

	if collab.Notifications != nil {
		notificationSvc, err := services.NewRefundNotificationService(services.RefundNotificationServiceDeps{
			Refunds:           reg.Refunds(),
			ReferenceData:     reg.ReferenceData(),
			History:           historySvc,
			Publisher:         collab.Notifications,
			Templates:         cfg.Notifications.Templates,
			Metrics:           collab.Metrics,
			Logger:            collab.Logger,
			Clock:             clock,
			SideEffectTimeout: cfg.Refunds.SideEffectTimeout,
			SideEffectRetries: cfg.Refunds.SideEffectRetries,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build notification service: %w", err)
		}
		svc.Notifications = notificationSvc
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		build := collab.Build
		if build.Environment == "" {
			build.Environment = cfg.Server.Environment
		}
		if build.StartedAt.IsZero() {
			build.StartedAt = clock().UTC()
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Audit:            svc.Audit,
			Clock:            clock,
			Build:            build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
