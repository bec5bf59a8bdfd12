package main

import (
	"reflect"
	"testing"
	"time"

	"github.com/hanko-field/orders/internal/platform/config"
)

func TestRequiredSecretNames(t *testing.T) {
	env := map[string]string{
		"ORDERS_STORAGE_DRIVER":                 "Postgres",
		"ORDERS_PAYMENTS_STRIPE_WEBHOOK_SECRET": "secret://payments/stripe",
		"ORDERS_SECURITY_HMAC_SECRETS":          "Payments=secret://hmac/payments, broken, carrier=",
	}
	got := requiredSecretNames(env)
	want := []string{"Payments.StripeWebhookSecret", "Postgres.DSN", "Security.HMAC.Secrets[payments]"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected required secrets %v", got)
	}
	if names := requiredSecretNames(nil); len(names) != 0 {
		t.Fatalf("expected no required secrets, got %v", names)
	}
}

func TestBuildHMACMiddlewareRequiresGenericKey(t *testing.T) {
	cfg := config.Config{
		Payments: config.PaymentsConfig{GenericWebhookKey: "payments"},
		Security: config.SecurityConfig{HMAC: config.HMACConfig{Secrets: map[string]string{"other": "s3cret"}}},
	}
	if mw := buildHMACMiddleware(nil, cfg); mw != nil {
		t.Fatalf("expected no middleware without a matching secret")
	}
	cfg.Security.HMAC.Secrets["Payments"] = "s3cret"
	if mw := buildHMACMiddleware(nil, cfg); mw == nil {
		t.Fatalf("expected middleware once the generic key has a secret")
	}
}

func TestBuildInfoFromEnvDefaults(t *testing.T) {
	info := buildInfoFromEnv(map[string]string{"ORDERS_BUILD_VERSION": "1.4.0"}, config.Config{}, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	if info.Version != "1.4.0" || info.CommitSHA != "unknown" || info.Environment != "local" {
		t.Fatalf("unexpected build info %#v", info)
	}
}
