package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

type fakeProvider struct {
	lastOp  string
	lastRef string
	payment PaymentDetails
	err     error
}

func (f *fakeProvider) GetPaymentAndFees(ctx context.Context, ref string) (PaymentDetails, error) {
	f.lastOp = "get"
	f.lastRef = ref
	return f.payment, f.err
}

func (f *fakeProvider) CancelPayment(ctx context.Context, ref string) error {
	f.lastOp = "cancel"
	f.lastRef = ref
	return f.err
}

func TestManagerRoutesPaymentIntentsToStripe(t *testing.T) {
	ctx := context.Background()
	api := &fakeProvider{payment: PaymentDetails{Reference: "RC-1"}}
	stripe := &fakeProvider{payment: PaymentDetails{Reference: "pi_123"}}

	mgr, err := NewManager(map[string]PaymentService{
		ProviderPaymentAPI: api,
		ProviderStripe:     stripe,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	details, err := mgr.GetPaymentAndFees(ctx, "pi_123")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if details.Provider != ProviderStripe {
		t.Fatalf("expected stripe provider, got %q", details.Provider)
	}
	if api.lastOp != "" {
		t.Fatalf("expected payment api to remain unused")
	}

	if err := mgr.CancelPayment(ctx, "RC-1234-5678"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if api.lastOp != "cancel" || api.lastRef != "RC-1234-5678" {
		t.Fatalf("expected payment api cancel, got %q %q", api.lastOp, api.lastRef)
	}
}

func TestManagerPrefixRouteOverride(t *testing.T) {
	api := &fakeProvider{}
	other := &fakeProvider{}
	mgr, err := NewManager(
		map[string]PaymentService{ProviderPaymentAPI: api, "legacy": other},
		WithPrefixRoute("LG-", "legacy"),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := mgr.GetPaymentAndFees(context.Background(), "LG-001"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if other.lastOp != "get" {
		t.Fatalf("expected legacy provider to handle call")
	}
}

func TestManagerWithoutDefaultFails(t *testing.T) {
	mgr, err := NewManager(map[string]PaymentService{
		ProviderStripe: &fakeProvider{},
		"legacy":       &fakeProvider{},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := mgr.GetPaymentAndFees(context.Background(), "RC-1"); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestManagerPropagatesProviderErrors(t *testing.T) {
	api := &fakeProvider{err: ErrPaymentNotFound}
	mgr, err := NewManager(map[string]PaymentService{ProviderPaymentAPI: api})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := mgr.GetPaymentAndFees(context.Background(), "RC-404"); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestNewManagerRejectsInvalidRegistration(t *testing.T) {
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error for empty providers")
	}
	if _, err := NewManager(map[string]PaymentService{" ": &fakeProvider{}}); err == nil {
		t.Fatalf("expected error for blank key")
	}
}

func TestPaymentDetailsFeeTotal(t *testing.T) {
	details := PaymentDetails{Fees: []Fee{
		{Code: "FEE0001", CalculatedAmount: decimal.RequireFromString("100.50")},
		{Code: "FEE0002", CalculatedAmount: decimal.RequireFromString("20")},
	}}
	if got := details.FeeTotal(); !got.Equal(decimal.RequireFromString("120.50")) {
		t.Fatalf("expected 120.50, got %s", got)
	}
}
