package http

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

	"github.com/go-chi/chi/v5"

	"github.com/lavka-ua/storefront/internal/domain"
	"github.com/lavka-ua/storefront/internal/loyalty"
	"github.com/lavka-ua/storefront/internal/payment/gateway"
	apperrors "github.com/lavka-ua/storefront/pkg/errors"
	"github.com/lavka-ua/storefront/pkg/httputil"
	"github.com/lavka-ua/storefront/pkg/middleware"
	"github.com/lavka-ua/storefront/pkg/validator"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// OrderService is the order side of the API.
type OrderService interface {
	Create(ctx context.Context, userID string, req *domain.CreateOrderRequest) (*domain.CreateOrderResponse, error)
	GetPaidByReference(ctx context.Context, reference string) (*domain.Order, error)
	GetPaidByOrderID(ctx context.Context, id string) (*domain.Order, error)
	ConfirmWayForPay(ctx context.Context, cb gateway.Callback) (gateway.CallbackAnswer, error)
	ConfirmTestPayment(ctx context.Context, reference string) (*domain.Order, error)
}

// StockVerifier runs the stock pre-check.
type StockVerifier interface {
	Verify(ctx context.Context, lines []domain.StockLine) error
}

// LoyaltyService returns a customer's loyalty status.
type LoyaltyService interface {
	ForUser(ctx context.Context, userID string) (loyalty.Status, error)
}

// OrderHandler handles the order, stock and loyalty endpoints.
type OrderHandler struct {
	orders  OrderService
	stock   StockVerifier
	loyalty LoyaltyService
	logger  *slog.Logger
}

// NewOrderHandler creates a new order HTTP handler.
func NewOrderHandler(orders OrderService, stock StockVerifier, loyalty LoyaltyService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, stock: stock, loyalty: loyalty, logger: logger}
}

// CreateOrder handles POST /orders
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	resp, err := h.orders.Create(r.Context(), middleware.UserIDFromContext(r), &req)
	if err != nil {
		var stockErr *domain.InsufficientStockError
		if errors.As(err, &stockErr) {
			err = apperrors.InsufficientStock(stockErr.Items)
		}
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, resp)
}

// CheckStock handles POST /products/check-stock
func (h *OrderHandler) CheckStock(w http.ResponseWriter, r *http.Request) {
	var req domain.StockCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}
	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	err := h.stock.Verify(r.Context(), req.Items)
	var stockErr *domain.InsufficientStockError
	switch {
	case err == nil:
		httputil.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case errors.As(err, &stockErr):
		httputil.WriteJSON(w, http.StatusConflict, domain.StockCheckConflict{
			Error:             stockErr.Error(),
			InsufficientItems: stockErr.Items,
		})
	default:
		httputil.WriteError(w, r, err, h.logger)
	}
}

// GetPaidByReference handles GET /orders/invoice/{reference}
func (h *OrderHandler) GetPaidByReference(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetPaidByReference(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, o)
}

// GetPaidByOrderID handles GET /orders/by-invoice/{orderId}
func (h *OrderHandler) GetPaidByOrderID(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "orderId"))
	if !ok {
		return
	}
	o, err := h.orders.GetPaidByOrderID(r.Context(), id.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, o)
}

// Loyalty handles GET /users/loyalty
func (h *OrderHandler) Loyalty(w http.ResponseWriter, r *http.Request) {
	st, err := h.loyalty.ForUser(r.Context(), middleware.UserIDFromContext(r))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

// PaymentHandler handles provider callbacks and the test pay-through page.
type PaymentHandler struct {
	orders    OrderService
	returnURL string
	logger    *slog.Logger
}

// NewPaymentHandler creates a payment HTTP handler. returnURL is where the
// customer lands after paying.
func NewPaymentHandler(orders OrderService, returnURL string, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{orders: orders, returnURL: returnURL, logger: logger}
}

// WayForPayCallback handles POST /payments/wayforpay/callback
func (h *PaymentHandler) WayForPayCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteValidationError(w, fmt.Errorf("read callback body: %w", err))
		return
	}

	cb, err := parseCallback(body)
	if err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	answer, err := h.orders.ConfirmWayForPay(r.Context(), cb)
	if err != nil {
		h.logger.WarnContext(r.Context(), "wayforpay callback rejected",
			slog.String("reference", cb.OrderReference),
			slog.String("error", err.Error()),
		)
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, answer)
}

// parseCallback accepts the JSON body WayForPay sends. Some merchant setups
// deliver it form-encoded with the JSON document as the only key.
func parseCallback(body []byte) (gateway.Callback, error) {
	var cb gateway.Callback
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] != '{' {
		values, err := url.ParseQuery(string(trimmed))
		if err != nil || len(values) != 1 {
			return cb, fmt.Errorf("decode callback: unexpected body")
		}
		for k := range values {
			trimmed = []byte(k)
		}
	}
	if err := json.Unmarshal(trimmed, &cb); err != nil {
		return cb, fmt.Errorf("decode callback: %w", err)
	}
	if cb.OrderReference == "" {
		return cb, fmt.Errorf("decode callback: orderReference is required")
	}
	return cb, nil
}

// TestPayment handles GET /payments/test/{reference}
func (h *PaymentHandler) TestPayment(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	if _, err := h.orders.ConfirmTestPayment(r.Context(), reference); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	target, err := url.Parse(h.returnURL)
	if err != nil {
		httputil.WriteError(w, r, fmt.Errorf("parse return url: %w", err), h.logger)
		return
	}
	q := target.Query()
	q.Set("ref", reference)
	target.RawQuery = q.Encode()

	http.Redirect(w, r, target.String(), http.StatusSeeOther)
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
