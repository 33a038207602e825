package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/shopspring/decimal"

	domain "github.com/hmcts/ccpay-refunds-app-sub001/internal/domain"
)

// ProviderPaymentAPI is the key of the HTTP payment-api provider.
const ProviderPaymentAPI = "payment-api"

const (
	defaultPaymentAPITimeout = 5 * time.Second
	maxPaymentAPIRetries     = 1
	maxPaymentAPIBody        = 1 << 20
)

// HTTPClientConfig configures the payment-api client.
type HTTPClientConfig struct {
	BaseURL string
	// Timeout bounds each attempt.
	Timeout time.Duration
	// MaxRetries applies to payment lookups and is capped at 1.
	MaxRetries int
	HTTPClient *http.Client
	// ServiceToken, when set, supplies the ServiceAuthorization header.
	ServiceToken func(ctx context.Context) (string, error)
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

// HTTPClient talks to payment-api.
type HTTPClient struct {
	base       *url.URL
	timeout    time.Duration
	maxRetries int
	http       *http.Client
	token      func(ctx context.Context) (string, error)
	logger     func(ctx context.Context, event string, fields map[string]any)
	backoff    func() gax.Backoff
}

var _ PaymentService = (*HTTPClient)(nil)

// NewHTTPClient validates cfg and builds a client.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("payment api: base url is required")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("payment api: invalid base url %q", raw)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPaymentAPITimeout
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	if retries > maxPaymentAPIRetries {
		retries = maxPaymentAPIRetries
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &HTTPClient{
		base:       base,
		timeout:    timeout,
		maxRetries: retries,
		http:       client,
		token:      cfg.ServiceToken,
		logger:     logger,
		backoff: func() gax.Backoff {
			return gax.Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}
		},
	}, nil
}

type paymentResponse struct {
	PaymentReference string        `json:"payment_reference"`
	CcdCaseNumber    string        `json:"ccd_case_number"`
	CaseReference    string        `json:"case_reference"`
	AccountNumber    string        `json:"account_number"`
	ServiceName      string        `json:"service_name"`
	Channel          string        `json:"channel"`
	Status           string        `json:"status"`
	Amount           string        `json:"amount"`
	Fees             []feeResponse `json:"fees"`
}

type feeResponse struct {
	Code             string `json:"code"`
	Version          string `json:"version"`
	Volume           int    `json:"volume"`
	CalculatedAmount string `json:"calculated_amount"`
	ApportionAmount  string `json:"apportion_amount"`
	AmountDue        string `json:"amount_due"`
}

// GetPaymentAndFees loads the payment with its fee breakdown.
func (c *HTTPClient) GetPaymentAndFees(ctx context.Context, paymentReference string) (PaymentDetails, error) {
	paymentReference = strings.TrimSpace(paymentReference)
	if paymentReference == "" {
		return PaymentDetails{}, fmt.Errorf("%w: payment reference is required", ErrPaymentRejected)
	}
	var resp paymentResponse
	err := c.withRetry(ctx, "get", paymentReference, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(paymentReference), &resp)
	})
	if err != nil {
		return PaymentDetails{}, err
	}
	return resp.toDetails(paymentReference)
}

// CancelPayment asks payment-api to cancel the payment in a single attempt.
// Cancellation only happens as a post-commit side effect and the refund
// services retry it themselves.
func (c *HTTPClient) CancelPayment(ctx context.Context, paymentReference string) error {
	paymentReference = strings.TrimSpace(paymentReference)
	if paymentReference == "" {
		return fmt.Errorf("%w: payment reference is required", ErrPaymentRejected)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.do(ctx, http.MethodPatch, "/payments/"+url.PathEscape(paymentReference)+"/action/cancel", nil)
}

// Ping reports whether payment-api answers at all. Client errors still count
// as reachable.
func (c *HTTPClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.do(ctx, http.MethodGet, "/health", nil); err != nil && retryable(err) {
		return err
	}
	return nil
}

// withRetry runs fn with a per-attempt timeout, retrying transient failures
// at most maxRetries times.
func (c *HTTPClient) withRetry(ctx context.Context, op, reference string, fn func(ctx context.Context) error) error {
	backoff := c.backoff()
	for attempt := 0; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt >= c.maxRetries || ctx.Err() != nil {
			return err
		}
		c.logger(ctx, "payments.api.retry", map[string]any{
			"op":        op,
			"reference": reference,
			"attempt":   attempt + 1,
			"error":     err,
		})
		if sleepErr := gax.Sleep(ctx, backoff.Pause()); sleepErr != nil {
			return fmt.Errorf("%w: %v", ErrPaymentTimeout, sleepErr)
		}
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, out any) error {
	endpoint := c.base.String() + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("payment api: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return fmt.Errorf("%w: service token: %v", ErrPaymentUnavailable, err)
		}
		req.Header.Set("ServiceAuthorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPaymentAPIBody))
	if err != nil {
		return classifyTransportError(ctx, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrPaymentNotFound, method, path)
	case resp.StatusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: payment api answered %d", ErrPaymentTimeout, resp.StatusCode)
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: payment api answered %d", ErrPaymentUnavailable, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("%w: payment api answered %d: %s", ErrPaymentRejected, resp.StatusCode, truncate(string(body), 200))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode payment: %v", ErrPaymentUnavailable, err)
	}
	return nil
}

func (r paymentResponse) toDetails(reference string) (PaymentDetails, error) {
	details := PaymentDetails{
		Reference:     strings.TrimSpace(r.PaymentReference),
		CcdCaseNumber: strings.TrimSpace(r.CcdCaseNumber),
		CaseReference: strings.TrimSpace(r.CaseReference),
		AccountNumber: strings.TrimSpace(r.AccountNumber),
		ServiceType:   strings.ToLower(strings.TrimSpace(r.ServiceName)),
		Amount:        parseDecimal(r.Amount),
	}
	if details.Reference == "" {
		details.Reference = reference
	}
	if r.Channel != "" {
		channel, err := domain.ParsePaymentChannel(r.Channel)
		if err != nil {
			return PaymentDetails{}, fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
		}
		details.Channel = channel
	}
	if r.Status != "" {
		status, err := domain.ParsePaymentStatus(r.Status)
		if err != nil {
			return PaymentDetails{}, fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
		}
		details.Status = status
	}
	for _, fee := range r.Fees {
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

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrPaymentTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrPaymentTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
}

func retryable(err error) bool {
	return errors.Is(err, ErrPaymentUnavailable) || errors.Is(err, ErrPaymentTimeout)
}

func parseDecimal(raw string) decimal.Decimal {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero
	}
	return value
}

func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	if len(value) > limit {
		return value[:limit]
	}
	return value
}
