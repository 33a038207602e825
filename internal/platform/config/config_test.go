package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"API_FIREBASE_PROJECT_ID": "refunds-dev",
		"API_PAYMENT_API_URL":     "http://payment-api.local/",
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Firestore.ProjectID != "refunds-dev" || cfg.PubSub.ProjectID != "refunds-dev" {
		t.Errorf("expected firestore and pubsub projects to default to firebase project, got %s / %s", cfg.Firestore.ProjectID, cfg.PubSub.ProjectID)
	}
	if cfg.PaymentAPI.BaseURL != "http://payment-api.local" {
		t.Errorf("expected trailing slash trimmed, got %s", cfg.PaymentAPI.BaseURL)
	}
	if cfg.PaymentAPI.MaxRetries != 1 || cfg.PaymentAPI.Timeout != defaultPaymentAPITimeout {
		t.Errorf("unexpected payment api defaults: %+v", cfg.PaymentAPI)
	}
	if cfg.MiddleOffice.Transport != TransportPubSub || cfg.MiddleOffice.Topic != defaultMiddleOfficeTopic {
		t.Errorf("unexpected middle office defaults: %+v", cfg.MiddleOffice)
	}
	if cfg.Security.S2S.JWKSURL != defaultS2SJWKSURL {
		t.Errorf("expected default jwks url, got %s", cfg.Security.S2S.JWKSURL)
	}
	if len(cfg.Security.PathUserRoles) != 1 || cfg.Security.PathUserRoles[0] != "payments-refund-admin" {
		t.Errorf("unexpected path user roles %v", cfg.Security.PathUserRoles)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader || cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Errorf("unexpected idempotency defaults: %+v", cfg.Idempotency)
	}
	if cfg.Refunds.ReferenceAttempts != defaultReferenceAttempts || cfg.Refunds.SideEffectRetries != 1 {
		t.Errorf("unexpected refund defaults: %+v", cfg.Refunds)
	}
	if cfg.UserCache.TTL != defaultUserCacheTTL {
		t.Errorf("unexpected user cache ttl %s", cfg.UserCache.TTL)
	}
	if cfg.Server.Environment != "local" {
		t.Errorf("expected local environment, got %s", cfg.Server.Environment)
	}
	if cfg.Notifications.ResendLimit != 3 || cfg.Notifications.ResendWindow != time.Hour {
		t.Errorf("unexpected resend defaults: %+v", cfg.Notifications)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := baseEnv()
	for key, value := range map[string]string{
		"API_SERVER_PORT":                        "9090",
		"API_SERVER_READ_TIMEOUT":                "20s",
		"API_PAYMENT_API_TIMEOUT":                "3s",
		"API_PAYMENT_API_MAX_RETRIES":            "4",
		"API_STRIPE_API_KEY":                     "sm://stripe/api",
		"API_MIDDLE_OFFICE_TRANSPORT":            "Kafka",
		"API_MIDDLE_OFFICE_KAFKA_BROKERS":        "kafka-1:9092, kafka-2:9092",
		"API_NOTIFICATIONS_TEMPLATES":            "SendRefund-email-standard-en=tpl-1, sendrefund-letter-other-cy=tpl-2",
		"API_SECURITY_S2S_AUDIENCE":              "refunds-api",
		"API_SECURITY_S2S_AUTHORISED_SERVICES":   "payment_app, ccpay_bubble",
		"API_SECURITY_HMAC_MIDDLE_OFFICE_SECRET": "secret://liberata/hmac",
		"API_SECURITY_PATH_USER_ROLES":           "payments-refund-admin,payments-refund-auditor",
		"API_REFUNDS_SIDE_EFFECT_RETRIES":        "3",
		"API_REFUNDS_SIDE_EFFECT_TIMEOUT":        "4s",
	} {
		env[key] = value
	}

	secrets := map[string]string{
		"secret://stripe/api":    "sk_test_123",
		"secret://liberata/hmac": "liberata-secret",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("not found")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver),
		WithRequiredSecrets("Security.HMAC.MiddleOfficeSecret"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.ReadTimeout != 20*time.Second {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}
	if cfg.PaymentAPI.Timeout != 3*time.Second || cfg.PaymentAPI.MaxRetries != 1 {
		t.Errorf("expected retries capped at 1, got %+v", cfg.PaymentAPI)
	}
	if cfg.Stripe.APIKey != "sk_test_123" {
		t.Errorf("expected resolved stripe key, got %q", cfg.Stripe.APIKey)
	}
	if cfg.Security.HMAC.MiddleOfficeSecret != "liberata-secret" {
		t.Errorf("expected resolved hmac secret, got %q", cfg.Security.HMAC.MiddleOfficeSecret)
	}
	if cfg.MiddleOffice.Transport != TransportKafka || len(cfg.MiddleOffice.KafkaBrokers) != 2 {
		t.Errorf("unexpected middle office config %+v", cfg.MiddleOffice)
	}
	if cfg.Notifications.Templates["sendrefund-email-standard-en"] != "tpl-1" || cfg.Notifications.Templates["sendrefund-letter-other-cy"] != "tpl-2" {
		t.Errorf("unexpected templates %v", cfg.Notifications.Templates)
	}
	if len(cfg.Security.S2S.AuthorisedServices) != 2 || cfg.Security.S2S.Audience != "refunds-api" {
		t.Errorf("unexpected s2s config %+v", cfg.Security.S2S)
	}
	if len(cfg.Security.PathUserRoles) != 2 {
		t.Errorf("unexpected path user roles %v", cfg.Security.PathUserRoles)
	}
	if cfg.Refunds.SideEffectRetries != 1 || cfg.Refunds.SideEffectTimeout != 4*time.Second {
		t.Errorf("unexpected refunds config %+v", cfg.Refunds)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{
		"API_MIDDLE_OFFICE_TRANSPORT": "kafka",
	}), WithoutSystemEnv(), WithEnvFile(""))

	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	fields := map[string]bool{}
	for _, field := range validationErr.Fields() {
		fields[field] = true
	}
	for _, want := range []string{"Firebase.ProjectID", "Firestore.ProjectID", "PaymentAPI.BaseURL", "MiddleOffice.KafkaBrokers"} {
		if !fields[want] {
			t.Errorf("expected %s in %v", want, validationErr.Fields())
		}
	}
}

func TestLoadSecretResolutionFailure(t *testing.T) {
	env := baseEnv()
	env["API_STRIPE_API_KEY"] = "secret://stripe/api"

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(nil))
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %v", err)
	}
	if secretErr.Ref != "secret://stripe/api" {
		t.Fatalf("unexpected ref %q", secretErr.Ref)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""),
		WithRequiredSecrets("Security.HMAC.MiddleOfficeSecret", "Stripe.APIKey"))

	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %v", err)
	}
	if names := missing.Names(); len(names) != 2 || names[0] != "Security.HMAC.MiddleOfficeSecret" {
		t.Fatalf("unexpected names %v", names)
	}
	for _, redacted := range missing.RedactedNames() {
		if len(redacted) != 16 {
			t.Fatalf("expected 16 char redaction, got %q", redacted)
		}
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	contents := "# local overrides\nexport API_FIREBASE_PROJECT_ID=\"dotenv-project\"\nAPI_PAYMENT_API_URL=http://dotenv\nAPI_SERVER_PORT=7070\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(path), WithoutSystemEnv(), WithEnvMap(map[string]string{"API_SERVER_PORT": "6060"}))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Firebase.ProjectID != "dotenv-project" {
		t.Errorf("expected dotenv project, got %s", cfg.Firebase.ProjectID)
	}
	if cfg.Server.Port != "6060" {
		t.Errorf("expected env map to win over dotenv, got %s", cfg.Server.Port)
	}

	values, err := EnvironmentValues(WithEnvFile(path), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("EnvironmentValues error: %v", err)
	}
	if values["API_PAYMENT_API_URL"] != "http://dotenv" {
		t.Errorf("unexpected environment values %v", values)
	}
}
