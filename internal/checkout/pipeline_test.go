package checkout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lavka-ua/storefront/internal/apiclient"
	"github.com/lavka-ua/storefront/internal/basket"
	"github.com/lavka-ua/storefront/internal/domain"
	"github.com/lavka-ua/storefront/internal/loyalty"
	"github.com/lavka-ua/storefront/internal/payment"
	redisrepo "github.com/lavka-ua/storefront/internal/repository/redis"
	apperrors "github.com/lavka-ua/storefront/pkg/errors"
)

// fakeAPI records calls and answers from its fields.
type fakeAPI struct {
	mu sync.Mutex

	stockErr   error
	createErr  error
	createOut  *domain.CreateOrderResponse
	spend      decimal.Decimal
	loyaltyErr error

	stockCalls   int
	createCalls  int
	loyaltyCalls int
	lastRequest  *domain.CreateOrderRequest
	lastUserID   string
}

func (f *fakeAPI) CheckStock(_ context.Context, _ []domain.StockLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stockCalls++
	return f.stockErr
}

func (f *fakeAPI) CreateOrder(_ context.Context, userID string, req *domain.CreateOrderRequest) (*domain.CreateOrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.lastRequest = req
	f.lastUserID = userID
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.createOut != nil {
		return f.createOut, nil
	}
	return &domain.CreateOrderResponse{OrderID: "o-1"}, nil
}

func (f *fakeAPI) Loyalty(_ context.Context, _ string) (loyalty.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loyaltyCalls++
	if f.loyaltyErr != nil {
		return loyalty.Status{}, f.loyaltyErr
	}
	return loyalty.Calculate(f.spend, loyalty.DefaultTiers), nil
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stockCalls + f.createCalls + f.loyaltyCalls
}

type fixture struct {
	api      *fakeAPI
	baskets  *basket.Store
	pending  *redisrepo.PendingRepository
	locker   *redisrepo.Locker
	pipeline *Pipeline
}

func newFixture(t *testing.T, items ...domain.CartItem) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		api:     &fakeAPI{},
		baskets: basket.NewStore(redisrepo.NewBasketRepository(client, time.Hour), logger),
		pending: redisrepo.NewPendingRepository(client, time.Hour),
		locker:  redisrepo.NewLocker(client),
	}
	// The dispatcher never reaches a provider in these tests: JSON API
	// invoices are covered in the payment package.
	dispatcher := payment.NewDispatcher(nil, f.pending, 0, logger)
	f.pipeline = NewPipeline(f.baskets, f.api, dispatcher, f.locker, time.Minute, logger)

	for _, it := range items {
		_, err := f.baskets.AddItem(context.Background(), "sess-1", it)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) basketLen(t *testing.T) int {
	t.Helper()
	b, err := f.baskets.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	return len(b.Items)
}

func scenarioBItems() []domain.CartItem {
	return []domain.CartItem{
		line(1, "M", "1000", 10, 2),
		line(2, "L", "500", 0, 1),
	}
}

func TestSubmit_ScenarioA_FirstPurchaseBonus(t *testing.T) {
	f := newFixture(t, line(1, "M", "1000", 0, 1))
	f.api.spend = decimal.Zero

	form := validForm()
	form.PaymentType = domain.PaymentCashOnDelivery
	res, err := f.pipeline.Submit(context.Background(), "sess-1", "user-1", form)
	require.NoError(t, err)

	assert.Equal(t, StateComplete, res.State)
	require.NotNil(t, f.api.lastRequest)
	assert.True(t, f.api.lastRequest.Items[0].DiscountPercentage.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, "970.00", f.api.lastRequest.Items[0].Price.String())
	assert.Equal(t, "970.00", res.Total.String())
	assert.Equal(t, "user-1", f.api.lastUserID)
	assert.Zero(t, f.basketLen(t), "offline order clears the basket")
}

func TestSubmit_ScenarioB_TotalAndInvoiceRedirect(t *testing.T) {
	f := newFixture(t, scenarioBItems()...)
	f.api.createOut = &domain.CreateOrderResponse{
		OrderID:    "o-1",
		InvoiceURL: "https://api.lavka.ua/payments/test/LV-ABC",
	}

	res, err := f.pipeline.Submit(context.Background(), "sess-1", "", validForm())
	require.NoError(t, err)

	assert.Equal(t, StatePaymentRedirectPending, res.State)
	assert.Equal(t, []State{
		StateIdle, StateValidating, StateStockChecking, StateSubmitting, StateSubmitted, StatePaymentRedirectPending,
	}, res.Trace)
	assert.Equal(t, "2300.00", f.api.lastRequest.TotalAmount.String())
	assert.Equal(t, "o-1", res.OrderID)
	require.NotNil(t, res.Navigation)
	assert.Equal(t, "GET", res.Navigation.Method)
	assert.Equal(t, "https://api.lavka.ua/payments/test/LV-ABC", res.Navigation.URL)
	assert.Equal(t, int64(1000), res.Navigation.DelayMs)
	assert.Zero(t, f.api.loyaltyCalls, "guests have no loyalty lookup")

	assert.Equal(t, 2, f.basketLen(t), "basket kept until payment is confirmed")
	snap, err := f.pending.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "o-1", snap.OrderID)
	assert.Equal(t, "Іван Петренко", snap.Customer.Name)
	assert.Len(t, snap.Items, 2)
	assert.Equal(t, "2300.00", snap.Total.String())
}

func TestSubmit_ScenarioC_InsufficientStock(t *testing.T) {
	f := newFixture(t, line(7, "M", "1000", 0, 3))
	f.api.stockErr = &domain.InsufficientStockError{Items: []domain.InsufficientItem{
		{ProductID: 7, Size: "M", Requested: 3, Available: 1},
	}}

	res, err := f.pipeline.Submit(context.Background(), "sess-1", "", validForm())
	require.NoError(t, err)

	assert.Equal(t, StateInsufficientStock, res.State)
	for _, want := range []string{"7", "M", "1", "3"} {
		assert.Contains(t, res.Message, want)
	}
	assert.Equal(t, []domain.InsufficientItem{{ProductID: 7, Size: "M", Requested: 3, Available: 1}}, res.InsufficientItems)
	assert.Zero(t, f.api.createCalls, "no order after a failed stock check")
	assert.Equal(t, 1, f.basketLen(t))
}

func TestSubmit_ScenarioD_LocalValidation(t *testing.T) {
	f := newFixture(t, scenarioBItems()...)
	form := validForm()
	form.CustomerName = "Іван"

	res, err := f.pipeline.Submit(context.Background(), "sess-1", "user-1", form)
	require.NoError(t, err)

	assert.Equal(t, StateInvalid, res.State)
	assert.Equal(t, "введіть ім'я та прізвище повністю", res.FieldErrors["customer_name"])
	assert.Equal(t, "Іван", res.Form.CustomerName, "form echoed back")
	assert.Zero(t, f.api.calls(), "no network call")
}

func TestSubmit_EmptyBasket(t *testing.T) {
	f := newFixture(t)

	res, err := f.pipeline.Submit(context.Background(), "sess-1", "", validForm())
	require.NoError(t, err)
	assert.Equal(t, StateInvalid, res.State)
	assert.Equal(t, MsgEmptyBasket, res.Message)
	assert.Zero(t, f.api.calls())
}

func TestSubmit_ServerRejectedIsNotRetried(t *testing.T) {
	f := newFixture(t, scenarioBItems()...)
	f.api.createErr = apperrors.InvalidInput("order does not match the catalog").
		WithDetails(map[string]string{"items[0].price": "expected 900.00"})

	res, err := f.pipeline.Submit(context.Background(), "sess-1", "", validForm())
	require.NoError(t, err)

	assert.Equal(t, StateServerRejected, res.State)
	assert.Equal(t, "order does not match the catalog", res.Message)
	assert.Equal(t, map[string]string{"items[0].price": "expected 900.00"}, res.Details)
	assert.Equal(t, 1, f.api.createCalls)
	assert.Equal(t, 2, f.basketLen(t))
}

func TestSubmit_StockRaceAtOrderCreation(t *testing.T) {
	f := newFixture(t, scenarioBItems()...)
	f.api.createErr = &domain.InsufficientStockError{Items: []domain.InsufficientItem{
		{ProductID: 1, Size: "M", Requested: 2, Available: 0},
	}}

	res, err := f.pipeline.Submit(context.Background(), "sess-1", "", validForm())
	require.NoError(t, err)
	assert.Equal(t, StateInsufficientStock, res.State)
	assert.Len(t, res.InsufficientItems, 1)
}

func TestSubmit_TransportFailures(t *testing.T) {
	down := fmt.Errorf("%w: POST /orders: dial tcp: connection refused", apiclient.ErrUnavailable)

	tests := []struct {
		name  string
		setup func(*fakeAPI)
	}{
		{"stock check", func(a *fakeAPI) { a.stockErr = down }},
		{"order create", func(a *fakeAPI) { a.createErr = down }},
		{"service unavailable", func(a *fakeAPI) { a.createErr = apperrors.ServiceUnavailable("maintenance") }},
		{"loyalty lookup", func(a *fakeAPI) { a.loyaltyErr = down }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, scenarioBItems()...)
			tt.setup(f.api)

			res, err := f.pipeline.Submit(context.Background(), "sess-1", "user-1", validForm())
			require.NoError(t, err)
			assert.Equal(t, StateTransportFailed, res.State)
			assert.Equal(t, MsgTransport, res.Message)
			assert.Equal(t, 2, f.basketLen(t))
		})
	}
}

func TestSubmit_NoPaymentTarget(t *testing.T) {
	f := newFixture(t, scenarioBItems()...)
	form := validForm()
	form.PaymentType = domain.PaymentPlisio

	res, err := f.pipeline.Submit(context.Background(), "sess-1", "", form)
	require.NoError(t, err)

	assert.Equal(t, StatePaymentFailed, res.State)
	assert.Equal(t, MsgPaymentNotCreated, res.Message)
	assert.Equal(t, "o-1", res.OrderID)
	assert.Equal(t, 2, f.basketLen(t))
}

func TestSubmit_FormPostNavigation(t *testing.T) {
	f := newFixture(t, scenarioBItems()...)
	f.api.createOut = &domain.CreateOrderResponse{
		OrderID:     "o-1",
		PaymentURL:  "https://secure.wayforpay.com/pay",
		PaymentData: map[string]any{"productName": []any{"Сукня", "Шарф"}, "amount": "2300.00"},
	}
	form := validForm()
	form.PaymentType = domain.PaymentWayForPay

	res, err := f.pipeline.Submit(context.Background(), "sess-1", "", form)
	require.NoError(t, err)

	assert.Equal(t, StatePaymentRedirectPending, res.State)
	assert.Equal(t, "POST", res.Navigation.Method)
	assert.Equal(t, "productName[1]", res.Navigation.Fields[2].Name)
}

func TestSubmit_ResubmitAfterFailureStartsOver(t *testing.T) {
	f := newFixture(t, scenarioBItems()...)
	form := validForm()
	form.CustomerName = "Іван"

	res, err := f.pipeline.Submit(context.Background(), "sess-1", "", form)
	require.NoError(t, err)
	require.Equal(t, StateInvalid, res.State)

	form.CustomerName = "Іван Петренко"
	form.PaymentType = domain.PaymentCashOnDelivery
	res, err = f.pipeline.Submit(context.Background(), "sess-1", "", form)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, StateValidating, res.Trace[1])
	assert.Equal(t, 1, f.api.stockCalls)
	assert.Equal(t, 1, f.api.createCalls)
}

func TestSubmit_ConcurrentSubmitRejected(t *testing.T) {
	f := newFixture(t, scenarioBItems()...)

	release, ok, err := f.locker.Acquire(context.Background(), "checkout:sess-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.pipeline.Submit(context.Background(), "sess-1", "", validForm())
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Zero(t, f.api.calls())

	release()
	res, err := f.pipeline.Submit(context.Background(), "sess-1", "", validForm())
	require.NoError(t, err)
	assert.True(t, res.State.Terminal())
}

func TestSubmit_RequiresSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Submit(context.Background(), "", "", validForm())
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{StateIdle, StateValidating, StateStockChecking, StateSubmitting, StateSubmitted} {
		assert.False(t, s.Terminal(), s)
	}
	for _, s := range []State{StateInvalid, StateInsufficientStock, StateServerRejected, StatePaymentRedirectPending, StatePaymentFailed, StateComplete, StateTransportFailed} {
		assert.True(t, s.Terminal(), s)
	}
}
