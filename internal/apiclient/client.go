// Package apiclient is the storefront's HTTP client for the orders API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/lavka-ua/storefront/internal/domain"
	"github.com/lavka-ua/storefront/internal/loyalty"
	apperrors "github.com/lavka-ua/storefront/pkg/errors"
	"github.com/lavka-ua/storefront/pkg/httpclient"
	"github.com/lavka-ua/storefront/pkg/logger"
)

const serviceName = "api"

// ErrUnavailable marks transport failures: the API could not be reached or
// the circuit is open. Nothing was committed by the failed call.
var ErrUnavailable = errors.New("api unavailable")

// HTTPDoer is the interface for executing HTTP requests.
// Both httpclient.Client and httpclient.CircuitBreakerClient satisfy this.
type HTTPDoer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Client calls the orders API.
type Client struct {
	http    HTTPDoer
	baseURL string
	logger  *slog.Logger
}

// New creates an API client rooted at baseURL.
func New(doer HTTPDoer, baseURL string, logger *slog.Logger) *Client {
	return &Client{http: doer, baseURL: strings.TrimRight(baseURL, "/"), logger: logger}
}

// CheckStock returns nil when every line is available and
// *domain.InsufficientStockError listing every short line otherwise.
func (c *Client) CheckStock(ctx context.Context, lines []domain.StockLine) error {
	resp, err := c.send(ctx, http.MethodPost, "/products/check-stock", "", domain.StockCheckRequest{Items: lines})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusConflict:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("%w: read stock response: %w", ErrUnavailable, err)
		}
		var conflict domain.StockCheckConflict
		if err := json.Unmarshal(body, &conflict); err == nil && len(conflict.InsufficientItems) > 0 {
			return &domain.InsufficientStockError{Items: conflict.InsufficientItems}
		}
		return httpclient.ParseErrorBody(resp.StatusCode, body, serviceName)
	default:
		return httpclient.ParseResponseError(resp, serviceName)
	}
}

// CreateOrder submits the order once. It is never retried: a POST that
// failed in flight may still have created the order.
func (c *Client) CreateOrder(ctx context.Context, userID string, req *domain.CreateOrderRequest) (*domain.CreateOrderResponse, error) {
	resp, err := c.send(ctx, http.MethodPost, "/orders", userID, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, insufficientStock(httpclient.ParseResponseError(resp, serviceName))
	}

	var out domain.CreateOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode create order response: %w", err)
	}

	c.logger.InfoContext(ctx, "order submitted", slog.String("order_id", out.OrderID))
	return &out, nil
}

// insufficientStock turns an INSUFFICIENT_STOCK rejection back into the
// domain error so the customer sees the same list as from CheckStock.
func insufficientStock(err error) error {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.Code != "INSUFFICIENT_STOCK" {
		return err
	}
	raw, ok := appErr.Details.(json.RawMessage)
	if !ok {
		return err
	}
	var items []domain.InsufficientItem
	if json.Unmarshal(raw, &items) != nil || len(items) == 0 {
		return err
	}
	return &domain.InsufficientStockError{Items: items}
}

// Loyalty returns the loyalty status of a signed-in user.
func (c *Client) Loyalty(ctx context.Context, userID string) (loyalty.Status, error) {
	resp, err := c.send(ctx, http.MethodGet, "/users/loyalty", userID, nil)
	if err != nil {
		return loyalty.Status{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return loyalty.Status{}, httpclient.ParseResponseError(resp, serviceName)
	}

	var st loyalty.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return loyalty.Status{}, fmt.Errorf("decode loyalty response: %w", err)
	}
	return st, nil
}

// PaidOrderByReference returns the order once paid. A pending order comes
// back as apperrors.ErrConflict.
func (c *Client) PaidOrderByReference(ctx context.Context, reference string) (*domain.Order, error) {
	return c.paidOrder(ctx, "/orders/invoice/"+url.PathEscape(reference))
}

// PaidOrderByID is PaidOrderByReference keyed by order id.
func (c *Client) PaidOrderByID(ctx context.Context, orderID string) (*domain.Order, error) {
	return c.paidOrder(ctx, "/orders/by-invoice/"+url.PathEscape(orderID))
}

func (c *Client) paidOrder(ctx context.Context, path string) (*domain.Order, error) {
	resp, err := c.send(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpclient.ParseResponseError(resp, serviceName)
	}

	var o domain.Order
	if err := json.NewDecoder(resp.Body).Decode(&o); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	return &o, nil
}

// send performs one request. Transport failures are wrapped in
// ErrUnavailable; 5xx answers are turned into AppErrors carrying the
// server's message.
func (c *Client) send(ctx context.Context, method, path, userID string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request %s %s: %w", method, path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, c.fail(ctx, method, path, err)
	}
	return resp, nil
}

func (c *Client) fail(ctx context.Context, method, path string, err error) error {
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		parsed := httpclient.ParseErrorBody(statusErr.StatusCode, statusErr.Body, serviceName)
		var appErr *apperrors.AppError
		if errors.As(parsed, &appErr) {
			return appErr
		}
		var downstream httpclient.DownstreamErrorBody
		msg := "server error"
		if json.Unmarshal(statusErr.Body, &downstream) == nil && downstream.Error != "" {
			msg = downstream.Error
		}
		return &apperrors.AppError{
			Code:    "SERVER_ERROR",
			Message: msg,
			Status:  statusErr.StatusCode,
			Err:     parsed,
		}
	}

	c.logger.WarnContext(ctx, "api call failed",
		slog.String("method", method),
		slog.String("path", path),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, method, path, err)
}
