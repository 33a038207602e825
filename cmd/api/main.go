package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hmcts/ccpay-refunds-app-sub001/internal/di"
	domain "github.com/hmcts/ccpay-refunds-app-sub001/internal/domain"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/handlers"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/payments"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/auth"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/config"
	pfirestore "github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/firestore"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/idempotency"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/jobs"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/observability"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/secrets"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/repositories"
	firestoreRepo "github.com/hmcts/ccpay-refunds-app-sub001/internal/repositories/firestore"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/services"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	eventLogger := observability.NewEventLogger(logger.Named("refunds"))

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}

	pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()

	paymentService, paymentAPI, err := newPaymentService(cfg, envValues, fetcher, logger.Named("payments"))
	if err != nil {
		logger.Fatal("failed to initialise payment service", zap.Error(err))
	}

	middleOffice, middleOfficeTopic, closeMiddleOffice, err := newMiddleOfficePublisher(cfg, pubsubClient)
	if err != nil {
		logger.Fatal("failed to initialise middle office publisher", zap.Error(err))
	}
	defer closeMiddleOffice()

	notificationTopic := pubsubClient.Topic(cfg.Notifications.Topic)
	defer notificationTopic.Stop()
	notificationPublisher, err := jobs.NewPubSubNotificationPublisher(notificationTopic)
	if err != nil {
		logger.Fatal("failed to initialise notification publisher", zap.Error(err))
	}

	healthRepo, err := newHealthRepository(firestoreProvider, fetcher, paymentAPI, middleOfficeTopic, notificationTopic)
	if err != nil {
		logger.Fatal("failed to initialise health checks", zap.Error(err))
	}

	registry, err := firestoreRepo.NewRegistry(firestoreProvider, healthRepo)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}
	seedCtx, cancelSeed := context.WithTimeout(ctx, 10*time.Second)
	if err := registry.ReferenceData().SeedIfEmpty(seedCtx, domain.DefaultRefundReasons(), domain.DefaultRejectionReasons()); err != nil {
		logger.Warn("reference data seed failed", zap.Error(err))
	}
	cancelSeed()

	firebaseClient, err := auth.NewFirebaseClient(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase client", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseClient,
		auth.WithRoleClaim(cfg.Firebase.RoleClaim),
		auth.WithVerificationTimeout(cfg.Firebase.Timeout),
	)

	collab := di.Collaborators{
		Payments:      paymentService,
		MiddleOffice:  middleOffice,
		Notifications: notificationPublisher,
		Users:         auth.NewUserCache(firebaseClient, cfg.UserCache.TTL, time.Now),
		Logger:        services.Logger(eventLogger),
		Build:         buildInfo,
		Clock:         time.Now,
	}
	if metrics, err := observability.NewRefundMetrics(nil); err != nil {
		logger.Warn("refund metrics disabled", zap.Error(err))
	} else {
		collab.Metrics = metrics
	}

	container, err := di.NewContainer(ctx, cfg, registry, collab)
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	idempotencyLogger := idempotency.Logger(observability.NewEventLogger(logger.Named("idempotency")))
	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(idempotencyLogger),
	)

	authLogger := observability.NewPrintfAdapter(logger.Named("auth"))
	s2sMiddleware := buildS2SMiddleware(logger.Named("auth"), cfg)

	nonces, err := firestoreRepo.NewNonceRepository(firestoreProvider, time.Now)
	if err != nil {
		logger.Fatal("failed to initialise nonce repository", zap.Error(err))
	}
	hmacValidator := auth.NewHMACValidator(cfg.Security.HMAC.MiddleOfficeSecret, nonces,
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithHMACLogger(authLogger),
	)

	svc := container.Services
	refundHandlers := handlers.NewRefundHandlers(handlers.RefundHandlersDeps{
		Authenticator: authenticator,
		Requests:      svc.RefundRequests,
		Reviews:       svc.RefundReviews,
		History:       svc.StatusHistory,
		Notifications: svc.Notifications,
		Idempotency:   idempotencyMiddleware,
		PathUserRoles: cfg.Security.PathUserRoles,
		ResendLimit:   cfg.Notifications.ResendLimit,
		ResendWindow:  cfg.Notifications.ResendWindow,
		Clock:         time.Now,
	})
	callbackHandlers := handlers.NewCallbackHandlers(svc.RefundReviews)
	auditHandlers := handlers.NewAuditLogHandlers(authenticator, svc.System)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(svc.System),
	)

	projectID := traceProjectID(cfg)
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(projectID),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithRefundRoutes(refundHandlers.Routes),
		handlers.WithResendRoutes(refundHandlers.ResendRoutes),
		handlers.WithUserRoutes(refundHandlers.UserRoutes),
		handlers.WithPaymentRoutes(callbackHandlers.PaymentRoutes, s2sMiddleware),
		handlers.WithMiddleOfficeRoutes(callbackHandlers.MiddleOfficeRoutes, hmacValidator.RequireHMAC()),
		handlers.WithAuditLogRoutes(auditHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		idempotency.RunCleanup(groupCtx, idempotencyStore, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, idempotencyLogger)
		return nil
	})
	group.Go(func() error {
		serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
		serverLogger.Info("refunds api listening", zap.String("environment", buildInfo.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutdown signal received; draining requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: cfg.Server.Environment,
		StartedAt:   started,
	}
}

// newPaymentService routes RC- references to payment-api and pi_ references
// to Stripe when a Stripe key is configured.
func newPaymentService(cfg config.Config, env map[string]string, fetcher *secrets.Fetcher, logger *zap.Logger) (payments.PaymentService, *payments.HTTPClient, error) {
	eventLogger := observability.NewEventLogger(logger)

	httpCfg := payments.HTTPClientConfig{
		BaseURL:    cfg.PaymentAPI.BaseURL,
		Timeout:    cfg.PaymentAPI.Timeout,
		MaxRetries: cfg.PaymentAPI.MaxRetries,
		Logger:     eventLogger,
	}
	if ref := strings.TrimSpace(env["API_PAYMENT_API_S2S_TOKEN_SECRET"]); ref != "" {
		httpCfg.ServiceToken = func(ctx context.Context) (string, error) {
			return fetcher.Resolve(ctx, ref)
		}
	}
	paymentAPI, err := payments.NewHTTPClient(httpCfg)
	if err != nil {
		return nil, nil, err
	}

	providers := map[string]payments.PaymentService{
		payments.ProviderPaymentAPI: paymentAPI,
	}
	if key := strings.TrimSpace(cfg.Stripe.APIKey); key != "" {
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey: key,
			Logger: payments.StripeLogger(eventLogger),
		})
		if err != nil {
			return nil, nil, err
		}
		providers[payments.ProviderStripe] = stripeProvider
	}

	manager, err := payments.NewManager(providers)
	if err != nil {
		return nil, nil, err
	}
	return manager, paymentAPI, nil
}

// newMiddleOfficePublisher returns the Pub/Sub topic as well so readiness can
// probe it; the topic is nil for the Kafka transport.
func newMiddleOfficePublisher(cfg config.Config, client *pubsub.Client) (services.MiddleOfficePublisher, *pubsub.Topic, func(), error) {
	if cfg.MiddleOffice.Transport == config.TransportKafka {
		publisher, err := jobs.NewKafkaMiddleOfficePublisher(jobs.KafkaMiddleOfficeConfig{
			Brokers: cfg.MiddleOffice.KafkaBrokers,
			Topic:   cfg.MiddleOffice.Topic,
		})
		if err != nil {
			return nil, nil, func() {}, err
		}
		return publisher, nil, func() { _ = publisher.Close() }, nil
	}

	topic := client.Topic(cfg.MiddleOffice.Topic)
	// the middle office expects updates for one refund in publish order
	topic.EnableMessageOrdering = true
	publisher, err := jobs.NewPubSubMiddleOfficePublisher(topic)
	if err != nil {
		topic.Stop()
		return nil, nil, func() {}, err
	}
	return publisher, topic, topic.Stop, nil
}

func newHealthRepository(provider *pfirestore.Provider, fetcher *secrets.Fetcher, paymentAPI *payments.HTTPClient, middleOffice, notifications *pubsub.Topic) (repositories.HealthRepository, error) {
	checks := []repositories.DependencyCheck{{
		Name:     "firestore",
		Critical: true,
		Timeout:  1500 * time.Millisecond,
		Check:    provider.Ping,
	}}
	if paymentAPI != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "paymentApi",
			Timeout: 2 * time.Second,
			Check:   paymentAPI.Ping,
		})
	}
	for name, topic := range map[string]*pubsub.Topic{"middleOfficeTopic": middleOffice, "notificationTopic": notifications} {
		if topic == nil {
			continue
		}
		checks = append(checks, repositories.DependencyCheck{
			Name:    name,
			Timeout: time.Second,
			Check:   topicExists(topic),
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil || status.Code(err) == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func topicExists(topic *pubsub.Topic) func(context.Context) error {
	return func(ctx context.Context) error {
		ok, err := topic.Exists(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("topic %s does not exist", topic.ID())
		}
		return nil
	}
}

func buildS2SMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	s2s := cfg.Security.S2S
	if strings.TrimSpace(s2s.JWKSURL) == "" {
		logger.Warn("auth: S2S JWKS url not configured; payment callbacks will be rejected")
	}
	if len(s2s.AuthorisedServices) == 0 {
		logger.Warn("auth: no authorised services configured; payment callbacks will be rejected")
	}

	adapter := observability.NewPrintfAdapter(logger)
	cache := auth.NewJWKSCache(s2s.JWKSURL)
	validator := auth.NewS2SValidator(cache, auth.S2SConfig{
		Audience:           s2s.Audience,
		Issuers:            s2s.Issuers,
		AuthorisedServices: s2s.AuthorisedServices,
	}, adapter)
	return validator.RequireService()
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists secrets the process refuses to start without.
// The Stripe key only matters once a Stripe key reference is configured.
func requiredSecretNames(env map[string]string) []string {
	required := []string{"Security.HMAC.MiddleOfficeSecret"}
	if strings.TrimSpace(env["API_STRIPE_API_KEY"]) != "" {
		required = append(required, "Stripe.APIKey")
	}
	return required
}
