package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/hmcts/ccpay-refunds-app-sub001/internal/domain"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrPaymentNotFound indicates the provider does not know the payment reference.
	ErrPaymentNotFound = errors.New("payments: payment not found")
	// ErrPaymentUnavailable indicates the provider failed or could not be reached.
	ErrPaymentUnavailable = errors.New("payments: provider unavailable")
	// ErrPaymentTimeout indicates the provider did not answer before the deadline.
	ErrPaymentTimeout = errors.New("payments: provider timeout")
	// ErrPaymentRejected indicates the provider refused the request, e.g. an uncancellable payment.
	ErrPaymentRejected = errors.New("payments: request rejected")
)

// Fee is one fee line of a payment. ApportionAmount and AmountDue are passed
// through untouched; refund validation only reads CalculatedAmount.
type Fee struct {
	Code             string
	Version          string
	Volume           int
	CalculatedAmount decimal.Decimal
	ApportionAmount  decimal.Decimal
	AmountDue        decimal.Decimal
}

// PaymentDetails is the payment a refund is raised against.
type PaymentDetails struct {
	Provider      string
	Reference     string
	CcdCaseNumber string
	CaseReference string
	AccountNumber string
	ServiceType   string
	Channel       domain.PaymentChannel
	Status        domain.PaymentStatus
	Amount        decimal.Decimal
	Fees          []Fee
}

// FeeTotal sums the calculated amounts of all fee lines.
func (p PaymentDetails) FeeTotal() decimal.Decimal {
	total := decimal.Zero
	for _, fee := range p.Fees {
		total = total.Add(fee.CalculatedAmount)
	}
	return total
}

// PaymentService is the payment collaborator the refund engines depend on.
type PaymentService interface {
	GetPaymentAndFees(ctx context.Context, paymentReference string) (PaymentDetails, error)
	CancelPayment(ctx context.Context, paymentReference string) error
}

// Route selects a provider key for a payment reference.
type Route struct {
	Prefix   string
	Provider string
}

// Manager routes payment references to providers by prefix.
type Manager struct {
	providers       map[string]PaymentService
	routes          []Route
	defaultProvider string
}

var _ PaymentService = (*Manager)(nil)

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the provider used when no prefix route matches.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = strings.ToLower(strings.TrimSpace(provider))
	}
}

// WithPrefixRoute sends references starting with prefix to provider.
func WithPrefixRoute(prefix, provider string) ManagerOption {
	return func(m *Manager) {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			return
		}
		m.routes = append(m.routes, Route{Prefix: prefix, Provider: strings.ToLower(strings.TrimSpace(provider))})
	}
}

// NewManager constructs a Manager over the supplied providers. The
// payment-api provider is the default when registered.
func NewManager(providers map[string]PaymentService, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]PaymentService, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{providers: copyMap}
	if _, ok := copyMap[ProviderPaymentAPI]; ok {
		m.defaultProvider = ProviderPaymentAPI
	}
	if _, ok := copyMap[ProviderStripe]; ok {
		m.routes = append(m.routes, Route{Prefix: stripeIntentPrefix, Provider: ProviderStripe})
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

func (m *Manager) resolve(reference string) (string, PaymentService, error) {
	if m == nil || len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	reference = strings.TrimSpace(reference)
	// later routes win so options can override the built-in stripe route
	for i := len(m.routes) - 1; i >= 0; i-- {
		route := m.routes[i]
		if strings.HasPrefix(reference, route.Prefix) {
			if p, ok := m.providers[route.Provider]; ok {
				return route.Provider, p, nil
			}
		}
	}
	if p, ok := m.providers[m.defaultProvider]; ok {
		return m.defaultProvider, p, nil
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// GetPaymentAndFees delegates to the provider owning the reference.
func (m *Manager) GetPaymentAndFees(ctx context.Context, paymentReference string) (PaymentDetails, error) {
	key, provider, err := m.resolve(paymentReference)
	if err != nil {
		return PaymentDetails{}, err
	}
	details, err := provider.GetPaymentAndFees(ctx, paymentReference)
	if err != nil {
		return PaymentDetails{}, err
	}
	details.Provider = key
	return details, nil
}

// CancelPayment delegates to the provider owning the reference.
func (m *Manager) CancelPayment(ctx context.Context, paymentReference string) error {
	_, provider, err := m.resolve(paymentReference)
	if err != nil {
		return err
	}
	return provider.CancelPayment(ctx, paymentReference)
}
