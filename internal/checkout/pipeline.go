package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/lavka-ua/storefront/internal/apiclient"
	"github.com/lavka-ua/storefront/internal/domain"
	"github.com/lavka-ua/storefront/internal/loyalty"
	"github.com/lavka-ua/storefront/internal/payment"
	"github.com/lavka-ua/storefront/internal/repository"
	apperrors "github.com/lavka-ua/storefront/pkg/errors"
	"github.com/lavka-ua/storefront/pkg/httpclient"
	"github.com/lavka-ua/storefront/pkg/tracing"
)

var checkoutAttempts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "checkout_attempts_total",
		Help: "Checkout attempts by terminal state",
	},
	[]string{"outcome"},
)

// State is a step of a checkout attempt.
type State string

const (
	StateIdle                   State = "idle"
	StateValidating             State = "validating"
	StateInvalid                State = "invalid"
	StateStockChecking          State = "stock_checking"
	StateInsufficientStock      State = "insufficient_stock"
	StateSubmitting             State = "submitting"
	StateServerRejected         State = "server_rejected"
	StateSubmitted              State = "submitted"
	StatePaymentRedirectPending State = "payment_redirect_pending"
	StatePaymentFailed          State = "payment_failed"
	StateComplete               State = "complete"
	StateTransportFailed        State = "transport_failed"
)

// Terminal reports whether the attempt ends in s.
func (s State) Terminal() bool {
	switch s {
	case StateInvalid, StateInsufficientStock, StateServerRejected,
		StatePaymentRedirectPending, StatePaymentFailed, StateComplete, StateTransportFailed:
		return true
	}
	return false
}

// Messages shown above the checkout form.
const (
	MsgEmptyBasket        = "кошик порожній"
	MsgTransport          = "не вдалося зв'язатися з сервером, спробуйте пізніше"
	MsgPaymentNotCreated  = "не вдалося створити платіж, зверніться до служби підтримки"
	MsgProviderFailed     = "платіжна система тимчасово недоступна, спробуйте пізніше"
	MsgOrderPlaced        = "замовлення оформлено"
	MsgRedirectingPayment = "замовлення оформлено, переходимо до оплати"
)

// ErrInProgress is returned while another submission of the same session
// is running.
var ErrInProgress = apperrors.Conflict("checkout is already in progress")

// Result is the outcome of one attempt. Form echoes the submitted values so
// the page can be re-rendered with everything the customer typed.
type Result struct {
	State             State                     `json:"state"`
	Form              Form                      `json:"form"`
	Message           string                    `json:"message,omitempty"`
	FieldErrors       FieldErrors               `json:"fieldErrors,omitempty"`
	InsufficientItems []domain.InsufficientItem `json:"insufficientItems,omitempty"`
	Details           any                       `json:"details,omitempty"`
	OrderID           string                    `json:"orderId,omitempty"`
	Total             *domain.Money             `json:"total,omitempty"`
	Navigation        *payment.Navigation       `json:"navigation,omitempty"`
	Trace             []State                   `json:"-"`
}

func (r *Result) enter(s State) {
	r.State = s
	r.Trace = append(r.Trace, s)
}

// Baskets is the session basket store.
type Baskets interface {
	Get(ctx context.Context, sessionID string) (*domain.Basket, error)
	Clear(ctx context.Context, sessionID string) error
}

// API is the part of the backend the checkout talks to.
type API interface {
	CheckStock(ctx context.Context, lines []domain.StockLine) error
	CreateOrder(ctx context.Context, userID string, req *domain.CreateOrderRequest) (*domain.CreateOrderResponse, error)
	Loyalty(ctx context.Context, userID string) (loyalty.Status, error)
}

// Dispatcher turns the create-order response into the payment navigation.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID string, snapshot *domain.PendingCheckout, resp *domain.CreateOrderResponse) (*payment.Navigation, error)
}

// Pipeline runs checkout attempts.
type Pipeline struct {
	baskets    Baskets
	api        API
	dispatcher Dispatcher
	locker     repository.Locker
	lockTTL    time.Duration
	logger     *slog.Logger
}

// NewPipeline creates a checkout pipeline. lockTTL bounds how long a crashed
// attempt can block the session.
func NewPipeline(baskets Baskets, api API, dispatcher Dispatcher, locker repository.Locker, lockTTL time.Duration, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		baskets:    baskets,
		api:        api,
		dispatcher: dispatcher,
		locker:     locker,
		lockTTL:    lockTTL,
		logger:     logger,
	}
}

// Submit runs one attempt: validate, check stock, submit the order once,
// then prepare the payment step. Every failure leaves the basket as it was,
// and a new call starts again from validation. userID is empty for guests.
// The returned error is reserved for failures outside the attempt itself
// (basket storage, a concurrent submission).
func (p *Pipeline) Submit(ctx context.Context, sessionID, userID string, form Form) (*Result, error) {
	if sessionID == "" {
		return nil, apperrors.InvalidInput("session id is required")
	}

	release, ok, err := p.locker.Acquire(ctx, "checkout:"+sessionID, p.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire checkout lock: %w", err)
	}
	if !ok {
		return nil, ErrInProgress
	}
	defer release()

	ctx, span := tracing.Tracer("storefront/checkout").Start(ctx, "checkout.submit")
	defer span.End()

	res := &Result{Form: form}
	res.enter(StateIdle)

	if err := p.run(ctx, res, sessionID, userID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("checkout.state", string(res.State)),
		attribute.String("order.id", res.OrderID),
	)

	checkoutAttempts.WithLabelValues(string(res.State)).Inc()
	p.logger.InfoContext(ctx, "checkout attempt finished",
		slog.String("state", string(res.State)),
		slog.String("order_id", res.OrderID),
	)
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, res *Result, sessionID, userID string) error {
	res.enter(StateValidating)
	if fe := ValidateForm(res.Form); fe != nil {
		res.enter(StateInvalid)
		res.FieldErrors = fe
		return nil
	}
	form := res.Form.Trimmed()

	basket, err := p.baskets.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load basket: %w", err)
	}
	if basket.IsEmpty() {
		res.enter(StateInvalid)
		res.Message = MsgEmptyBasket
		return nil
	}

	res.enter(StateStockChecking)
	if err := p.api.CheckStock(ctx, basket.StockLines()); err != nil {
		p.failed(ctx, res, "stock check", err)
		return nil
	}

	percent, err := p.loyaltyPercent(ctx, userID)
	if err != nil {
		p.failed(ctx, res, "loyalty lookup", err)
		return nil
	}

	res.enter(StateSubmitting)
	req := BuildOrderRequest(basket.Items, form, percent)
	resp, err := p.api.CreateOrder(ctx, userID, req)
	if err != nil {
		p.failed(ctx, res, "create order", err)
		return nil
	}

	res.enter(StateSubmitted)
	res.OrderID = resp.OrderID
	total := req.TotalAmount
	res.Total = &total

	snapshot := &domain.PendingCheckout{
		PaymentType: form.PaymentType,
		Items:       basket.Items,
		Customer:    form.Customer(),
		Total:       req.TotalAmount,
	}
	nav, err := p.dispatcher.Dispatch(ctx, sessionID, snapshot, resp)
	if err != nil {
		p.paymentFailed(ctx, res, err)
		return nil
	}

	if nav != nil {
		res.enter(StatePaymentRedirectPending)
		res.Navigation = nav
		res.Message = MsgRedirectingPayment
		return nil
	}

	res.enter(StateComplete)
	res.Message = MsgOrderPlaced
	if err := p.baskets.Clear(ctx, sessionID); err != nil {
		p.logger.ErrorContext(ctx, "failed to clear basket after order",
			slog.String("order_id", resp.OrderID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// loyaltyPercent returns the checkout discount of a signed-in customer.
// Guests get none.
func (p *Pipeline) loyaltyPercent(ctx context.Context, userID string) (decimal.Decimal, error) {
	if userID == "" {
		return decimal.Zero, nil
	}
	st, err := p.api.Loyalty(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return st.BonusPercent, nil
}

// failed maps a stock check or order submission error onto a terminal
// state.
func (p *Pipeline) failed(ctx context.Context, res *Result, step string, err error) {
	var stockErr *domain.InsufficientStockError
	var appErr *apperrors.AppError

	switch {
	case errors.As(err, &stockErr):
		res.enter(StateInsufficientStock)
		res.InsufficientItems = stockErr.Items
		res.Message = stockErr.Error()
	case isTransport(err):
		res.enter(StateTransportFailed)
		res.Message = MsgTransport
	case errors.As(err, &appErr):
		res.enter(StateServerRejected)
		res.Message = appErr.Message
		res.Details = appErr.Details
	default:
		res.enter(StateTransportFailed)
		res.Message = MsgTransport
	}

	p.logger.WarnContext(ctx, "checkout step failed",
		slog.String("step", step),
		slog.String("state", string(res.State)),
		slog.String("error", err.Error()),
	)
}

func (p *Pipeline) paymentFailed(ctx context.Context, res *Result, err error) {
	res.enter(StatePaymentFailed)

	var rejected *payment.ProviderRejectedError
	switch {
	case errors.As(err, &rejected):
		res.Message = rejected.Reason
	case errors.Is(err, payment.ErrPaymentNotCreated):
		res.Message = MsgPaymentNotCreated
	default:
		res.Message = MsgProviderFailed
	}

	p.logger.ErrorContext(ctx, "payment step failed",
		slog.String("order_id", res.OrderID),
		slog.String("error", err.Error()),
	)
}

func isTransport(err error) bool {
	return errors.Is(err, apiclient.ErrUnavailable) ||
		errors.Is(err, httpclient.ErrCircuitOpen) ||
		errors.Is(err, apperrors.ErrServiceUnavail)
}
