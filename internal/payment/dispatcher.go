package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lavka-ua/storefront/internal/domain"
	"github.com/lavka-ua/storefront/internal/repository"
)

// ErrPaymentNotCreated is returned when the server gave no payment target
// for an online payment method.
var ErrPaymentNotCreated = errors.New("payment could not be created")

// ProviderRejectedError carries the reason a payment provider refused to
// create the invoice.
type ProviderRejectedError struct {
	Reason     string
	ReasonCode string
}

func (e *ProviderRejectedError) Error() string {
	return fmt.Sprintf("payment provider rejected the invoice: %s (%s)", e.Reason, e.ReasonCode)
}

// Poster is the part of httpclient.CircuitBreakerClient used for provider APIs.
type Poster interface {
	Post(ctx context.Context, url string, contentType string, body io.Reader) (*http.Response, error)
}

// Dispatcher resolves the payment step after an order is created.
type Dispatcher struct {
	client  Poster
	pending repository.PendingRepository
	delay   time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewDispatcher creates a dispatcher. delay is the pause before an invoice
// redirect; zero means DefaultInvoiceDelay.
func NewDispatcher(client Poster, pending repository.PendingRepository, delay time.Duration, logger *slog.Logger) *Dispatcher {
	if delay <= 0 {
		delay = DefaultInvoiceDelay
	}
	return &Dispatcher{client: client, pending: pending, delay: delay, logger: logger, now: time.Now}
}

// Dispatch classifies resp, resolves JSON API invoices and, when the
// customer is about to leave for a provider, stores snapshot under the
// session. It returns nil navigation for orders without a payment step.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, snapshot *domain.PendingCheckout, resp *domain.CreateOrderResponse) (*Navigation, error) {
	r, err := d.Resolve(ctx, Classify(resp, snapshot.PaymentType, d.delay))
	if err != nil {
		return nil, err
	}

	nav, ok := Navigate(r)
	if !ok {
		return nil, nil
	}

	snapshot.OrderID = resp.OrderID
	snapshot.Reference = resp.Reference
	snapshot.SubmittedAt = d.now().Unix()
	if err := d.pending.Save(ctx, sessionID, snapshot); err != nil {
		return nil, fmt.Errorf("save pending checkout: %w", err)
	}

	d.logger.InfoContext(ctx, "payment redirect prepared",
		slog.String("order_id", resp.OrderID),
		slog.String("method", nav.Method),
		slog.String("payment_type", string(snapshot.PaymentType)),
	)
	return &nav, nil
}

// Resolve turns a JSONAPIInvoice into an InvoiceRedirect by calling the
// provider, and a PaymentCreationFailed into ErrPaymentNotCreated. Other
// variants pass through.
func (d *Dispatcher) Resolve(ctx context.Context, r Redirect) (Redirect, error) {
	switch v := r.(type) {
	case JSONAPIInvoice:
		invoiceURL, err := d.createInvoice(ctx, v)
		if err != nil {
			return nil, err
		}
		return InvoiceRedirect{URL: invoiceURL, Delay: d.delay}, nil
	case PaymentCreationFailed:
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotCreated, v.Reason)
	case InvoiceRedirect, DirectPaymentLink, FormPostInvoice, NoPaymentRequired:
		return r, nil
	default:
		panic(fmt.Sprintf("payment: unhandled redirect %T", r))
	}
}

type invoiceResponse struct {
	Reason     string          `json:"reason"`
	ReasonCode json.RawMessage `json:"reasonCode"`
	InvoiceURL string          `json:"invoiceUrl"`
}

// reasonOK is the success reason and its numeric code.
const (
	reasonOK     = "Ok"
	reasonCodeOK = "1100"
)

func (r invoiceResponse) code() string {
	var s string
	if json.Unmarshal(r.ReasonCode, &s) == nil {
		return s
	}
	return string(r.ReasonCode)
}

func (r invoiceResponse) accepted() bool {
	return r.Reason == reasonOK || r.code() == reasonCodeOK
}

func (d *Dispatcher) createInvoice(ctx context.Context, inv JSONAPIInvoice) (string, error) {
	body, err := json.Marshal(inv.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal invoice payload: %w", err)
	}

	resp, err := d.client.Post(ctx, inv.Endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create invoice: %w", err)
	}
	defer resp.Body.Close()

	var out invoiceResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode invoice response (status %d): %w", resp.StatusCode, err)
	}

	if !out.accepted() {
		d.logger.WarnContext(ctx, "invoice rejected by provider",
			slog.String("reason", out.Reason),
			slog.String("reason_code", out.code()),
		)
		return "", &ProviderRejectedError{Reason: out.Reason, ReasonCode: out.code()}
	}
	if out.InvoiceURL == "" {
		return "", &ProviderRejectedError{Reason: "invoice url missing", ReasonCode: out.code()}
	}
	return out.InvoiceURL, nil
}
