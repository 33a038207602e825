package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultFirebaseTimeout      = 5 * time.Second
	defaultPaymentAPITimeout    = 10 * time.Second
	defaultPaymentAPIRetries    = 1
	defaultMiddleOfficeTopic    = "refunds-middle-office"
	defaultNotificationTopic    = "refunds-notifications"
	defaultS2SJWKSURL           = "https://www.googleapis.com/oauth2/v3/certs"
	defaultHMACClockSkew        = 5 * time.Minute
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultReferenceAttempts    = 5
	defaultSideEffectTimeout    = 10 * time.Second
	defaultUserCacheTTL         = 15 * time.Minute
	defaultEnvironment          = "local"
	defaultResendLimit          = 3
	defaultResendWindow         = time.Hour
)

// Middle office transports.
const (
	TransportPubSub = "pubsub"
	TransportKafka  = "kafka"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig
	Firebase      FirebaseConfig
	Firestore     FirestoreConfig
	PaymentAPI    PaymentAPIConfig
	Stripe        StripeConfig
	PubSub        PubSubConfig
	MiddleOffice  MiddleOfficeConfig
	Notifications NotificationConfig
	Security      SecurityConfig
	Idempotency   IdempotencyConfig
	Refunds       RefundConfig
	UserCache     UserCacheConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Environment  string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	RoleClaim       string
	Timeout         time.Duration
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PaymentAPIConfig points at the payment service that owns payments and fees.
type PaymentAPIConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// StripeConfig enables card payments held as Stripe PaymentIntents.
type StripeConfig struct {
	APIKey string
}

// PubSubConfig selects the project used for publishing.
type PubSubConfig struct {
	ProjectID string
}

// MiddleOfficeConfig controls how approved refunds reach the reconciliation provider.
type MiddleOfficeConfig struct {
	Transport    string
	Topic        string
	KafkaBrokers []string
}

// NotificationConfig maps template keys to notification service template ids.
// Keys look like "sendrefund-email-standard-en".
type NotificationConfig struct {
	Topic string
	// TemplatesFile is an optional YAML catalogue; API_NOTIFICATIONS_TEMPLATES entries win over it.
	TemplatesFile string
	Templates     map[string]string
	// ResendLimit caps manual resends per refund within ResendWindow; zero disables the cap.
	ResendLimit  int
	ResendWindow time.Duration
}

// SecurityConfig groups caller authentication settings.
type SecurityConfig struct {
	S2S           S2SConfig
	HMAC          HMACConfig
	PathUserRoles []string
}

// S2SConfig controls service token verification for payment-app callbacks.
type S2SConfig struct {
	JWKSURL            string
	Audience           string
	Issuers            []string
	AuthorisedServices []string
}

// HMACConfig captures middle-office callback signing.
type HMACConfig struct {
	MiddleOfficeSecret string
	ClockSkew          time.Duration
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// RefundConfig tunes the refund engines.
type RefundConfig struct {
	ReferenceAttempts int
	SideEffectTimeout time.Duration
	// SideEffectRetries is capped at one.
	SideEffectRetries int
}

// UserCacheConfig controls display-name caching for status history.
type UserCacheConfig struct {
	TTL time.Duration
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	lookup, err := options.lookup()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Environment:  stringWithDefault(lookup, "API_ENVIRONMENT", defaultEnvironment),
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
			RoleClaim:       stringWithDefault(lookup, "API_FIREBASE_ROLE_CLAIM", "roles"),
			Timeout:         durationWithDefault(lookup, "API_FIREBASE_TIMEOUT", defaultFirebaseTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		PaymentAPI: PaymentAPIConfig{
			BaseURL:    strings.TrimRight(stringWithDefault(lookup, "API_PAYMENT_API_URL", ""), "/"),
			Timeout:    durationWithDefault(lookup, "API_PAYMENT_API_TIMEOUT", defaultPaymentAPITimeout),
			MaxRetries: intWithDefault(lookup, "API_PAYMENT_API_MAX_RETRIES", defaultPaymentAPIRetries),
		},
		Stripe: StripeConfig{
			APIKey: stringWithDefault(lookup, "API_STRIPE_API_KEY", ""),
		},
		PubSub: PubSubConfig{
			ProjectID: stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", ""),
		},
		MiddleOffice: MiddleOfficeConfig{
			Transport:    strings.ToLower(stringWithDefault(lookup, "API_MIDDLE_OFFICE_TRANSPORT", TransportPubSub)),
			Topic:        stringWithDefault(lookup, "API_MIDDLE_OFFICE_TOPIC", defaultMiddleOfficeTopic),
			KafkaBrokers: csvWithDefault(lookup, "API_MIDDLE_OFFICE_KAFKA_BROKERS"),
		},
		Notifications: NotificationConfig{
			Topic:         stringWithDefault(lookup, "API_NOTIFICATIONS_TOPIC", defaultNotificationTopic),
			TemplatesFile: stringWithDefault(lookup, "API_NOTIFICATIONS_TEMPLATES_FILE", ""),
			Templates:     mapWithDefault(lookup, "API_NOTIFICATIONS_TEMPLATES"),
			ResendLimit:   intWithDefault(lookup, "API_NOTIFICATIONS_RESEND_LIMIT", defaultResendLimit),
			ResendWindow:  durationWithDefault(lookup, "API_NOTIFICATIONS_RESEND_WINDOW", defaultResendWindow),
		},
		Security: SecurityConfig{
			S2S: S2SConfig{
				JWKSURL:            stringWithDefault(lookup, "API_SECURITY_S2S_JWKS_URL", defaultS2SJWKSURL),
				Audience:           stringWithDefault(lookup, "API_SECURITY_S2S_AUDIENCE", ""),
				Issuers:            csvWithDefault(lookup, "API_SECURITY_S2S_ISSUERS"),
				AuthorisedServices: csvWithDefault(lookup, "API_SECURITY_S2S_AUTHORISED_SERVICES"),
			},
			HMAC: HMACConfig{
				MiddleOfficeSecret: stringWithDefault(lookup, "API_SECURITY_HMAC_MIDDLE_OFFICE_SECRET", ""),
				ClockSkew:          durationWithDefault(lookup, "API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
			},
			PathUserRoles: csvWithDefault(lookup, "API_SECURITY_PATH_USER_ROLES"),
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		Refunds: RefundConfig{
			ReferenceAttempts: intWithDefault(lookup, "API_REFUNDS_REFERENCE_ATTEMPTS", defaultReferenceAttempts),
			SideEffectTimeout: durationWithDefault(lookup, "API_REFUNDS_SIDE_EFFECT_TIMEOUT", defaultSideEffectTimeout),
			SideEffectRetries: intWithDefault(lookup, "API_REFUNDS_SIDE_EFFECT_RETRIES", 1),
		},
		UserCache: UserCacheConfig{
			TTL: durationWithDefault(lookup, "API_USER_CACHE_TTL", defaultUserCacheTTL),
		},
	}

	fileTemplates, err := loadTemplateFile(cfg.Notifications.TemplatesFile)
	if err != nil {
		return Config{}, err
	}
	cfg.Notifications.Templates = mergeTemplates(fileTemplates, cfg.Notifications.Templates)

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if len(cfg.Security.PathUserRoles) == 0 {
		cfg.Security.PathUserRoles = []string{"payments-refund-admin"}
	}
	if cfg.Refunds.SideEffectRetries > 1 {
		cfg.Refunds.SideEffectRetries = 1
	}
	if cfg.PaymentAPI.MaxRetries > 1 {
		cfg.PaymentAPI.MaxRetries = 1
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Stripe.APIKey", &cfg.Stripe.APIKey},
		{"Security.HMAC.MiddleOfficeSecret", &cfg.Security.HMAC.MiddleOfficeSecret},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		missing = append(missing, "Firebase.ProjectID")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if cfg.PaymentAPI.BaseURL == "" {
		missing = append(missing, "PaymentAPI.BaseURL")
	}
	if cfg.PaymentAPI.Timeout <= 0 {
		missing = append(missing, "PaymentAPI.Timeout")
	}
	switch cfg.MiddleOffice.Transport {
	case TransportPubSub:
	case TransportKafka:
		if len(cfg.MiddleOffice.KafkaBrokers) == 0 {
			missing = append(missing, "MiddleOffice.KafkaBrokers")
		}
	default:
		missing = append(missing, "MiddleOffice.Transport")
	}
	if strings.TrimSpace(cfg.MiddleOffice.Topic) == "" {
		missing = append(missing, "MiddleOffice.Topic")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}
	if cfg.Refunds.ReferenceAttempts <= 0 {
		missing = append(missing, "Refunds.ReferenceAttempts")
	}
	if cfg.Refunds.SideEffectTimeout <= 0 {
		missing = append(missing, "Refunds.SideEffectTimeout")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}
