package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/lavka-ua/storefront/internal/apiclient"
	"github.com/lavka-ua/storefront/internal/checkout"
	"github.com/lavka-ua/storefront/internal/domain"
	"github.com/lavka-ua/storefront/internal/loyalty"
	"github.com/lavka-ua/storefront/internal/payment"
	apperrors "github.com/lavka-ua/storefront/pkg/errors"
	"github.com/lavka-ua/storefront/pkg/httpclient"
	"github.com/lavka-ua/storefront/pkg/httputil"
	"github.com/lavka-ua/storefront/pkg/middleware"
	"github.com/lavka-ua/storefront/pkg/validator"
)

// BasketStore is the session basket.
type BasketStore interface {
	Get(ctx context.Context, sessionID string) (*domain.Basket, error)
	AddItem(ctx context.Context, sessionID string, item domain.CartItem) (*domain.Basket, error)
	UpdateQuantity(ctx context.Context, sessionID string, key domain.LineKey, qty int) (*domain.Basket, error)
	RemoveItem(ctx context.Context, sessionID string, key domain.LineKey) (*domain.Basket, error)
	Clear(ctx context.Context, sessionID string) error
}

// CheckoutRunner runs one checkout attempt.
type CheckoutRunner interface {
	Submit(ctx context.Context, sessionID, userID string, form checkout.Form) (*checkout.Result, error)
}

// PaymentReconciler settles the payment after the customer returns.
type PaymentReconciler interface {
	Reconcile(ctx context.Context, sessionID, reference string) (*payment.Reconciliation, error)
}

// LoyaltyReader fetches a customer's loyalty status from the API.
type LoyaltyReader interface {
	Loyalty(ctx context.Context, userID string) (loyalty.Status, error)
}

// BasketHandler handles the basket endpoints.
type BasketHandler struct {
	store  BasketStore
	logger *slog.Logger
}

// NewBasketHandler creates a new basket HTTP handler.
func NewBasketHandler(store BasketStore, logger *slog.Logger) *BasketHandler {
	return &BasketHandler{store: store, logger: logger}
}

// GetBasket handles GET /api/basket
func (h *BasketHandler) GetBasket(w http.ResponseWriter, r *http.Request) {
	b, err := h.store.Get(r.Context(), middleware.SessionIDFromContext(r))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, b)
}

// AddItem handles POST /api/basket/items
func (h *BasketHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var item domain.CartItem
	if err := decodeJSON(w, r, &item); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	b, err := h.store.AddItem(r.Context(), middleware.SessionIDFromContext(r), item)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, b)
}

type updateQuantityRequest struct {
	domain.LineKey
	Quantity int `json:"quantity" validate:"gte=0,lte=99"`
}

// UpdateQuantity handles PATCH /api/basket/items
func (h *BasketHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	var req updateQuantityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}
	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	b, err := h.store.UpdateQuantity(r.Context(), middleware.SessionIDFromContext(r), req.LineKey, req.Quantity)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, b)
}

// RemoveItem handles DELETE /api/basket/items?product_id=&size=&color=
func (h *BasketHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	productID, err := strconv.ParseInt(q.Get("product_id"), 10, 64)
	if err != nil || productID <= 0 {
		httputil.WriteError(w, r, apperrors.InvalidInput("product_id must be a positive integer"), h.logger)
		return
	}
	key := domain.LineKey{ProductID: productID, Size: q.Get("size"), Color: q.Get("color")}
	if key.Size == "" {
		httputil.WriteError(w, r, apperrors.InvalidInput("size is required"), h.logger)
		return
	}

	b, err := h.store.RemoveItem(r.Context(), middleware.SessionIDFromContext(r), key)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, b)
}

// ClearBasket handles DELETE /api/basket
func (h *BasketHandler) ClearBasket(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Clear(r.Context(), middleware.SessionIDFromContext(r)); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CheckoutHandler handles the checkout, payment return and loyalty
// endpoints of the storefront.
type CheckoutHandler struct {
	pipeline   CheckoutRunner
	reconciler PaymentReconciler
	loyalty    LoyaltyReader
	logger     *slog.Logger
}

// NewCheckoutHandler creates a new checkout HTTP handler.
func NewCheckoutHandler(pipeline CheckoutRunner, reconciler PaymentReconciler, loyalty LoyaltyReader, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{pipeline: pipeline, reconciler: reconciler, loyalty: loyalty, logger: logger}
}

// Submit handles POST /api/checkout
func (h *CheckoutHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var form checkout.Form
	if err := decodeJSON(w, r, &form); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	res, err := h.pipeline.Submit(r.Context(), middleware.SessionIDFromContext(r), middleware.UserIDFromContext(r), form)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, checkoutStatus(res.State), res)
}

// checkoutStatus maps the terminal state of an attempt to the response code.
func checkoutStatus(s checkout.State) int {
	switch s {
	case checkout.StateComplete, checkout.StatePaymentRedirectPending:
		return http.StatusOK
	case checkout.StateInvalid:
		return http.StatusBadRequest
	case checkout.StateInsufficientStock:
		return http.StatusConflict
	case checkout.StateServerRejected, checkout.StatePaymentFailed:
		return http.StatusUnprocessableEntity
	case checkout.StateTransportFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Return handles GET /api/checkout/return?ref= and the provider's form POST
// to the same path, which carries the reference as orderReference.
func (h *CheckoutHandler) Return(w http.ResponseWriter, r *http.Request) {
	reference := r.URL.Query().Get("ref")
	if reference == "" && r.Method == http.MethodPost {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			httputil.WriteError(w, r, apperrors.InvalidInput("invalid return form"), h.logger)
			return
		}
		reference = r.PostForm.Get("orderReference")
	}

	res, err := h.reconciler.Reconcile(r.Context(), middleware.SessionIDFromContext(r), reference)
	if err != nil {
		if errors.Is(err, apiclient.ErrUnavailable) || errors.Is(err, httpclient.ErrCircuitOpen) {
			err = apperrors.ServiceUnavailable("payment status is temporarily unavailable")
		}
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	status := http.StatusOK
	switch res.Outcome {
	case payment.OutcomeStillPending:
		status = http.StatusAccepted
	case payment.OutcomeNotFound:
		status = http.StatusNotFound
	}
	httputil.WriteJSON(w, status, res)
}

// Loyalty handles GET /api/loyalty
func (h *CheckoutHandler) Loyalty(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r)
	if userID == "" {
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorBody{
			Error: "authentication required",
			Code:  "UNAUTHORIZED",
		})
		return
	}

	st, err := h.loyalty.Loyalty(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}
