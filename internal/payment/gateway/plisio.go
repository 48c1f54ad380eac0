package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/lavka-ua/storefront/internal/domain"
	apperrors "github.com/lavka-ua/storefront/pkg/errors"
	"github.com/lavka-ua/storefront/pkg/httpclient"
)

// DefaultPlisioBaseURL is the Plisio API root.
const DefaultPlisioBaseURL = "https://api.plisio.net/api/v1"

// Getter is the part of httpclient.CircuitBreakerClient used by Plisio.
type Getter interface {
	Get(ctx context.Context, url string) (*http.Response, error)
}

// PlisioConfig holds the API key and callback URLs.
type PlisioConfig struct {
	BaseURL     string
	APIKey      string
	Currency    string
	CallbackURL string
	SuccessURL  string
}

// Plisio creates crypto invoices server side and returns their URL.
type Plisio struct {
	cfg    PlisioConfig
	client Getter
}

// NewPlisio creates the crypto invoice provider.
func NewPlisio(cfg PlisioConfig, client Getter) *Plisio {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultPlisioBaseURL
	}
	if cfg.Currency == "" {
		cfg.Currency = "UAH"
	}
	return &Plisio{cfg: cfg, client: client}
}

func (p *Plisio) Type() domain.PaymentType { return domain.PaymentPlisio }

type plisioResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

type plisioInvoice struct {
	TxnID      string `json:"txn_id"`
	InvoiceURL string `json:"invoice_url"`
}

type plisioError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (p *Plisio) Create(ctx context.Context, order *domain.Order, reference string) (domain.PaymentInstructions, error) {
	q := url.Values{}
	q.Set("source_currency", p.cfg.Currency)
	q.Set("source_amount", order.TotalAmount.String())
	q.Set("order_number", reference)
	q.Set("order_name", "Order "+order.ID)
	q.Set("api_key", p.cfg.APIKey)
	if p.cfg.CallbackURL != "" {
		q.Set("callback_url", p.cfg.CallbackURL)
	}
	if p.cfg.SuccessURL != "" {
		q.Set("success_invoice_url", p.cfg.SuccessURL)
	}
	if order.Email != "" {
		q.Set("email", order.Email)
	}

	// invoices/new creates an invoice on every call.
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/invoices/new?" + q.Encode()
	resp, err := p.client.Get(httpclient.WithoutRetry(ctx), endpoint)
	if err != nil {
		return domain.PaymentInstructions{}, fmt.Errorf("plisio create invoice: %w", redactURL(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.PaymentInstructions{}, fmt.Errorf("plisio read response: %w", err)
	}

	var out plisioResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return domain.PaymentInstructions{}, fmt.Errorf("plisio decode response (status %d): %w", resp.StatusCode, err)
	}

	if out.Status != "success" {
		var perr plisioError
		_ = json.Unmarshal(out.Data, &perr)
		msg := perr.Message
		if msg == "" {
			msg = "crypto invoice was not created"
		}
		return domain.PaymentInstructions{}, apperrors.PaymentFailed("plisio: " + msg)
	}

	var inv plisioInvoice
	if err := json.Unmarshal(out.Data, &inv); err != nil {
		return domain.PaymentInstructions{}, fmt.Errorf("plisio decode invoice: %w", err)
	}
	if inv.InvoiceURL == "" {
		return domain.PaymentInstructions{}, apperrors.PaymentFailed("plisio: invoice url missing")
	}

	return domain.PaymentInstructions{
		Reference:  reference,
		PaymentURL: inv.InvoiceURL,
	}, nil
}

// redactURL drops the request URL, which carries the API key, from
// transport errors.
func redactURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s request failed: %w", uerr.Op, uerr.Err)
	}
	return err
}
