package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	domain "github.com/hmcts/ccpay-refunds-app-sub001/internal/domain"
)

// ProviderStripe is the key of the Stripe provider.
const ProviderStripe = "stripe"

const stripeIntentPrefix = "pi_"

// Metadata keys written on PaymentIntents by the card payment journey.
const (
	stripeMetaFees          = "fees"
	stripeMetaCcdCaseNumber = "ccd_case_number"
	stripeMetaCaseReference = "case_reference"
	stripeMetaService       = "service_name"
	stripeMetaAccount       = "account_number"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	// Intents replaces the Stripe client, used by tests.
	Intents stripePaymentIntentAPI
}

// StripeProvider serves card payments held as Stripe PaymentIntents.
type StripeProvider struct {
	intents stripePaymentIntentAPI
	account string
	logger  StripeLogger
}

var _ PaymentService = (*StripeProvider)(nil)

// NewStripeProvider constructs a Stripe provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Intents == nil {
		return nil, errors.New("stripe: api key is required")
	}

	intents := cfg.Intents
	if intents == nil {
		backends := cfg.Backends
		if backends == nil {
			// Cancels run inside the refund side-effect runner, which owns the retry budget.
			noRetry := &stripe.BackendConfig{MaxNetworkRetries: stripe.Int64(0)}
			backends = &stripe.Backends{
				API:     stripe.GetBackendWithConfig(stripe.APIBackend, noRetry),
				Connect: stripe.GetBackend(stripe.ConnectBackend),
				Uploads: stripe.GetBackend(stripe.UploadsBackend),
			}
		}
		sc := client.New(apiKey, backends)
		intents = sc.PaymentIntents
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		intents: intents,
		account: strings.TrimSpace(cfg.AccountID),
		logger:  logger,
	}, nil
}

// GetPaymentAndFees loads the PaymentIntent and decodes its fee metadata.
func (p *StripeProvider) GetPaymentAndFees(ctx context.Context, paymentReference string) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}
	id := strings.TrimSpace(paymentReference)
	if id == "" {
		return PaymentDetails{}, fmt.Errorf("%w: payment intent id is required", ErrPaymentRejected)
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}

	intent, err := p.intents.Get(id, params)
	if err != nil {
		p.logger(ctx, "stripe.payment_intent.get_failed", map[string]any{"paymentIntentId": id, "error": err.Error()})
		return PaymentDetails{}, mapStripeError(ctx, err)
	}
	return stripePaymentDetails(intent)
}

// CancelPayment cancels the PaymentIntent. Stripe refuses to cancel
// succeeded intents, which surfaces as ErrPaymentRejected.
func (p *StripeProvider) CancelPayment(ctx context.Context, paymentReference string) error {
	if p == nil {
		return errors.New("stripe: provider is nil")
	}
	id := strings.TrimSpace(paymentReference)
	if id == "" {
		return fmt.Errorf("%w: payment intent id is required", ErrPaymentRejected)
	}

	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
	}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}

	if _, err := p.intents.Cancel(id, params); err != nil {
		p.logger(ctx, "stripe.payment_intent.cancel_failed", map[string]any{"paymentIntentId": id, "error": err.Error()})
		return mapStripeError(ctx, err)
	}
	p.logger(ctx, "stripe.payment_intent.cancelled", map[string]any{"paymentIntentId": id})
	return nil
}

type stripeFeeMetadata struct {
	Code             string `json:"code"`
	Version          string `json:"version"`
	Volume           int    `json:"volume"`
	CalculatedAmount string `json:"calculated_amount"`
	ApportionAmount  string `json:"apportion_amount"`
	AmountDue        string `json:"amount_due"`
}

func stripePaymentDetails(intent *stripe.PaymentIntent) (PaymentDetails, error) {
	if intent == nil {
		return PaymentDetails{}, fmt.Errorf("%w: empty payment intent", ErrPaymentUnavailable)
	}
	meta := intent.Metadata
	details := PaymentDetails{
		Reference:     intent.ID,
		CcdCaseNumber: strings.TrimSpace(meta[stripeMetaCcdCaseNumber]),
		CaseReference: strings.TrimSpace(meta[stripeMetaCaseReference]),
		AccountNumber: strings.TrimSpace(meta[stripeMetaAccount]),
		ServiceType:   strings.ToLower(strings.TrimSpace(meta[stripeMetaService])),
		Channel:       domain.ChannelOnline,
		Amount:        decimal.New(intent.Amount, -2),
	}

	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		details.Status = domain.PaymentSuccess
	case stripe.PaymentIntentStatusCanceled:
		details.Status = domain.PaymentCancelled
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if intent.LastPaymentError != nil {
			details.Status = domain.PaymentFailed
		} else {
			details.Status = domain.PaymentPending
		}
	default:
		details.Status = domain.PaymentPending
	}

	raw := strings.TrimSpace(meta[stripeMetaFees])
	if raw == "" {
		return details, nil
	}
	var fees []stripeFeeMetadata
	if err := json.Unmarshal([]byte(raw), &fees); err != nil {
		return PaymentDetails{}, fmt.Errorf("%w: decode fee metadata for %s: %v", ErrPaymentUnavailable, intent.ID, err)
	}
	for _, fee := range fees {
		details.Fees = append(details.Fees, Fee{
			Code:             strings.TrimSpace(fee.Code),
			Version:          strings.TrimSpace(fee.Version),
			Volume:           fee.Volume,
			CalculatedAmount: parseDecimal(fee.CalculatedAmount),
			ApportionAmount:  parseDecimal(fee.ApportionAmount),
			AmountDue:        parseDecimal(fee.AmountDue),
		})
	}
	return details, nil
}

func mapStripeError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrPaymentTimeout, err)
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing:
			return fmt.Errorf("%w: %s", ErrPaymentNotFound, stripeErr.Msg)
		case stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: stripe answered %s: %s", ErrPaymentUnavailable, strconv.Itoa(stripeErr.HTTPStatusCode), stripeErr.Msg)
		case stripeErr.HTTPStatusCode >= http.StatusBadRequest:
			return fmt.Errorf("%w: %s", ErrPaymentRejected, stripeErr.Msg)
		}
	}
	return fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
}
