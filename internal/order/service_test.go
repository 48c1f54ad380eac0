package order

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lavka-ua/storefront/internal/domain"
	"github.com/lavka-ua/storefront/internal/payment/gateway"
	apperrors "github.com/lavka-ua/storefront/pkg/errors"
	"github.com/lavka-ua/storefront/pkg/validator"
)

// --- Mocks ---

type mockOrders struct {
	mock.Mock
}

func (m *mockOrders) Create(ctx context.Context, o *domain.Order, reserve []domain.StockLine) error {
	return m.Called(ctx, o, reserve).Error(0)
}

func (m *mockOrders) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

func (m *mockOrders) GetByInvoiceReference(ctx context.Context, ref string) (*domain.Order, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

func (m *mockOrders) SetInvoiceReference(ctx context.Context, id, ref string) error {
	return m.Called(ctx, id, ref).Error(0)
}

func (m *mockOrders) UpdatePaymentStatus(ctx context.Context, id string, status domain.PaymentStatus) (bool, error) {
	args := m.Called(ctx, id, status)
	return args.Bool(0), args.Error(1)
}

func (m *mockOrders) TotalPaid(ctx context.Context, userID string) (decimal.Decimal, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

type stubProducts map[int64]domain.Product

func (s stubProducts) GetByIDs(_ context.Context, ids []int64) (map[int64]domain.Product, error) {
	out := make(map[int64]domain.Product)
	for _, id := range ids {
		if p, ok := s[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type mockPayments struct {
	mock.Mock
}

func (m *mockPayments) Instructions(ctx context.Context, o *domain.Order, ref string) (domain.PaymentInstructions, error) {
	args := m.Called(ctx, o, ref)
	return args.Get(0).(domain.PaymentInstructions), args.Error(1)
}

type stubLoyalty struct{ percent decimal.Decimal }

func (s stubLoyalty) Percent(_ context.Context, userID string) (decimal.Decimal, error) {
	if userID == "" {
		return decimal.Zero, nil
	}
	return s.percent, nil
}

type recordedEvent struct {
	kind   string
	status domain.PaymentStatus
}

type recordingEvents struct {
	events []recordedEvent
	err    error
}

func (r *recordingEvents) PublishOrderCreated(_ context.Context, _ *domain.Order) error {
	r.events = append(r.events, recordedEvent{kind: "created"})
	return r.err
}

func (r *recordingEvents) PublishPaymentStatus(_ context.Context, _ *domain.Order, s domain.PaymentStatus) error {
	r.events = append(r.events, recordedEvent{kind: "status", status: s})
	return r.err
}

// --- Helpers ---

const secret = "merchant-secret"

var catalog = stubProducts{
	7: {ID: 7, Name: "Сукня", Price: domain.MoneyFromInt(1000), DiscountPercentage: decimal.NewFromInt(10)},
	9: {ID: 9, Name: "Шарф", Price: domain.MoneyFromInt(500), DiscountPercentage: decimal.Zero},
}

type fixture struct {
	svc      *Service
	orders   *mockOrders
	payments *mockPayments
	events   *recordingEvents
}

func newFixture(loyaltyPercent int64) *fixture {
	f := &fixture{
		orders:   new(mockOrders),
		payments: new(mockPayments),
		events:   &recordingEvents{},
	}
	f.svc = NewService(f.orders, catalog, f.payments, stubLoyalty{percent: decimal.NewFromInt(loyaltyPercent)},
		f.events, gateway.NewSigner(secret), slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.svc.now = func() time.Time { return time.Unix(1700000000, 0) }
	return f
}

// scenarioB is the basket [{1000 ×2, 10%}, {500 ×1, 0%}] totalling 2300.00.
func scenarioB(pt domain.PaymentType) *domain.CreateOrderRequest {
	return &domain.CreateOrderRequest{
		CustomerName:   "Іван Петренко",
		PhoneNumber:    "+38 (067) 123-45-67",
		DeliveryMethod: "nova_poshta",
		City:           "Київ",
		PostOffice:     "Відділення №1",
		PaymentType:    pt,
		TotalAmount:    domain.MoneyFromString("2300"),
		Items: []domain.OrderItemRequest{
			{ProductID: 7, ProductName: "Сукня", Size: "M", Quantity: 2, Price: domain.MoneyFromString("900"),
				OriginalPrice: domain.MoneyFromInt(1000), DiscountPercentage: decimal.NewFromInt(10), Color: "red"},
			{ProductID: 9, ProductName: "Шарф", Size: "ONE", Quantity: 1, Price: domain.MoneyFromInt(500),
				OriginalPrice: domain.MoneyFromInt(500), DiscountPercentage: decimal.Zero},
		},
	}
}

func detailsOf(t *testing.T, err error) map[string]string {
	t.Helper()
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	details, ok := appErr.Details.(map[string]string)
	require.True(t, ok)
	return details
}

// --- Create ---

func TestCreate_CashOnDelivery(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()

	var stored *domain.Order
	f.orders.On("Create", ctx, mock.AnythingOfType("*domain.Order"), []domain.StockLine{
		{ProductID: 7, Size: "M", Quantity: 2},
		{ProductID: 9, Size: "ONE", Quantity: 1},
	}).Run(func(args mock.Arguments) {
		stored = args.Get(1).(*domain.Order)
	}).Return(nil)
	f.payments.On("Instructions", ctx, mock.AnythingOfType("*domain.Order"), "").
		Return(domain.PaymentInstructions{}, nil)

	resp, err := f.svc.Create(ctx, "", scenarioB(domain.PaymentCashOnDelivery))
	require.NoError(t, err)

	require.NotNil(t, stored)
	assert.Equal(t, stored.ID, resp.OrderID)
	assert.Empty(t, resp.InvoiceURL)
	assert.Empty(t, resp.PaymentURL)
	assert.Empty(t, resp.Reference)
	assert.Nil(t, stored.UserID)
	assert.Equal(t, "+380671234567", stored.PhoneNumber)
	assert.Equal(t, domain.PaymentPending, stored.PaymentStatus)
	assert.Equal(t, "2300.00", stored.TotalAmount.String())
	assert.Equal(t, "red", stored.Items[0].Color)
	assert.Equal(t, []recordedEvent{{kind: "created"}}, f.events.events)

	f.orders.AssertNotCalled(t, "SetInvoiceReference", mock.Anything, mock.Anything, mock.Anything)
	f.orders.AssertExpectations(t)
}

func TestCreate_OnlinePaymentStoresReference(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()

	f.orders.On("Create", ctx, mock.Anything, mock.Anything).Return(nil)
	f.orders.On("SetInvoiceReference", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(ref string) bool {
		return len(ref) == 19
	})).Return(nil)
	f.payments.On("Instructions", ctx, mock.MatchedBy(func(o *domain.Order) bool {
		return o.InvoiceReference != nil
	}), mock.AnythingOfType("string")).Return(domain.PaymentInstructions{
		Reference:  "LV-X",
		InvoiceURL: "https://api.lavka.ua/payments/test/LV-X",
	}, nil)

	resp, err := f.svc.Create(ctx, "user-1", scenarioB(domain.PaymentTest))
	require.NoError(t, err)
	assert.Equal(t, "https://api.lavka.ua/payments/test/LV-X", resp.InvoiceURL)
	assert.True(t, strings.HasPrefix(resp.Reference, "LV-"))
	assert.Len(t, resp.Reference, 19)
	f.orders.AssertExpectations(t)
}

func TestCreate_LoyaltyDiscountAllowed(t *testing.T) {
	f := newFixture(3)
	ctx := context.Background()

	req := scenarioB(domain.PaymentCashOnDelivery)
	// Scarf has no product discount; the 3% first purchase bonus applies.
	req.Items[1].DiscountPercentage = decimal.NewFromInt(3)
	req.Items[1].Price = domain.MoneyFromString("485")
	req.TotalAmount = domain.MoneyFromString("2285")

	f.orders.On("Create", ctx, mock.Anything, mock.Anything).Return(nil)
	f.payments.On("Instructions", ctx, mock.Anything, "").Return(domain.PaymentInstructions{}, nil)

	_, err := f.svc.Create(ctx, "user-1", req)
	require.NoError(t, err)

	// A guest may not claim the loyalty percent.
	_, err = newFixture(3).svc.Create(ctx, "", req)
	require.Error(t, err)
	assert.Contains(t, detailsOf(t, err), "items[1].discount_percentage")
}

func TestCreate_ValidationRejectedBeforeStorage(t *testing.T) {
	f := newFixture(0)
	req := scenarioB(domain.PaymentCashOnDelivery)
	req.CustomerName = "Іван"
	req.PhoneNumber = "12345"

	_, err := f.svc.Create(context.Background(), "", req)
	var valErr *validator.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Contains(t, valErr.Fields(), "customer_name")
	assert.Contains(t, valErr.Fields(), "phone_number")
	f.orders.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreate_PriceMismatchesReportedTogether(t *testing.T) {
	f := newFixture(0)
	req := scenarioB(domain.PaymentCashOnDelivery)
	req.Items[0].OriginalPrice = domain.MoneyFromInt(800)
	req.Items[0].Price = domain.MoneyFromInt(720)
	req.Items[1].Price = domain.MoneyFromInt(400)

	_, err := f.svc.Create(context.Background(), "", req)
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)

	details := detailsOf(t, err)
	assert.Equal(t, "expected 1000.00", details["items[0].original_price"])
	assert.Equal(t, "expected 500.00", details["items[1].price"])
	_, hasTotal := details["total_amount"]
	assert.False(t, hasTotal, "total is only checked once lines are valid")
}

func TestCreate_TotalMismatch(t *testing.T) {
	f := newFixture(0)
	req := scenarioB(domain.PaymentCashOnDelivery)
	req.TotalAmount = domain.MoneyFromString("2500")

	_, err := f.svc.Create(context.Background(), "", req)
	assert.Equal(t, "expected 2300.00", detailsOf(t, err)["total_amount"])
}

func TestCreate_UnknownProduct(t *testing.T) {
	f := newFixture(0)
	req := scenarioB(domain.PaymentCashOnDelivery)
	req.Items[1].ProductID = 404

	_, err := f.svc.Create(context.Background(), "", req)
	assert.Equal(t, "product 404 does not exist", detailsOf(t, err)["items[1].product_id"])
}

func TestCreate_DiscountAboveAllowance(t *testing.T) {
	f := newFixture(0)
	req := scenarioB(domain.PaymentCashOnDelivery)
	req.Items[0].DiscountPercentage = decimal.NewFromInt(50)
	req.Items[0].Price = domain.MoneyFromInt(500)
	req.TotalAmount = domain.MoneyFromInt(1500)

	_, err := f.svc.Create(context.Background(), "", req)
	assert.Equal(t, "must be between 0 and 10", detailsOf(t, err)["items[0].discount_percentage"])
}

func TestCreate_InsufficientStockPassesThrough(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()

	short := &domain.InsufficientStockError{Items: []domain.InsufficientItem{
		{ProductID: 7, Size: "M", Requested: 2, Available: 1},
	}}
	f.orders.On("Create", ctx, mock.Anything, mock.Anything).Return(short)

	_, err := f.svc.Create(ctx, "", scenarioB(domain.PaymentWayForPay))
	var stockErr *domain.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Len(t, stockErr.Items, 1)
	f.payments.AssertNotCalled(t, "Instructions", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, f.events.events)
}

func TestCreate_PaymentFailureMarksOrderFailed(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()

	f.orders.On("Create", ctx, mock.Anything, mock.Anything).Return(nil)
	f.orders.On("SetInvoiceReference", ctx, mock.Anything, mock.Anything).Return(nil)
	f.payments.On("Instructions", ctx, mock.Anything, mock.Anything).
		Return(domain.PaymentInstructions{}, apperrors.PaymentFailed("plisio: Invalid api_key"))
	f.orders.On("UpdatePaymentStatus", mock.Anything, mock.Anything, domain.PaymentFailed).Return(true, nil)

	_, err := f.svc.Create(ctx, "", scenarioB(domain.PaymentPlisio))
	require.ErrorIs(t, err, apperrors.ErrPaymentFailed)
	f.orders.AssertExpectations(t)
	assert.Empty(t, f.events.events)
}

func TestCreate_EventFailureDoesNotFailOrder(t *testing.T) {
	f := newFixture(0)
	f.events.err = errors.New("broker down")
	ctx := context.Background()

	f.orders.On("Create", ctx, mock.Anything, mock.Anything).Return(nil)
	f.payments.On("Instructions", ctx, mock.Anything, "").Return(domain.PaymentInstructions{}, nil)

	_, err := f.svc.Create(ctx, "", scenarioB(domain.PaymentCashOnDelivery))
	assert.NoError(t, err)
}

func TestReserveLines_AggregatesAndSorts(t *testing.T) {
	lines := reserveLines([]domain.OrderItem{
		{ProductID: 9, Size: "L", Quantity: 1},
		{ProductID: 7, Size: "M", Quantity: 1, Color: "red"},
		{ProductID: 7, Size: "M", Quantity: 2, Color: "blue"},
	})
	assert.Equal(t, []domain.StockLine{
		{ProductID: 7, Size: "M", Quantity: 3},
		{ProductID: 9, Size: "L", Quantity: 1},
	}, lines)
}

// --- Payment status lookups ---

func TestGetPaidByReference(t *testing.T) {
	tests := []struct {
		status   domain.PaymentStatus
		sentinel error
	}{
		{domain.PaymentPaid, nil},
		{domain.PaymentPending, apperrors.ErrConflict},
		{domain.PaymentFailed, apperrors.ErrGone},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			f := newFixture(0)
			ctx := context.Background()
			f.orders.On("GetByInvoiceReference", ctx, "LV-1").
				Return(&domain.Order{ID: "o-1", PaymentStatus: tt.status}, nil)

			o, err := f.svc.GetPaidByReference(ctx, "LV-1")
			if tt.sentinel == nil {
				require.NoError(t, err)
				assert.Equal(t, "o-1", o.ID)
				return
			}
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}
}

func TestGetPaidByOrderID_NotFound(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()
	f.orders.On("GetByID", ctx, "missing").Return(nil, apperrors.NotFound("order", "missing"))

	_, err := f.svc.GetPaidByOrderID(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

// --- Confirmations ---

func signedCallback(status string) gateway.Callback {
	cb := gateway.Callback{
		MerchantAccount:   "lavka_ua",
		OrderReference:    "LV-1",
		Amount:            "2300",
		Currency:          "UAH",
		TransactionStatus: status,
		ReasonCode:        1100,
	}
	cb.MerchantSignature = gateway.NewSigner(secret).Sign("lavka_ua", "LV-1", "2300", "UAH", "", "", status, "1100")
	return cb
}

func TestConfirmWayForPay_Approved(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()
	f.orders.On("GetByInvoiceReference", ctx, "LV-1").
		Return(&domain.Order{ID: "o-1", PaymentStatus: domain.PaymentPending}, nil)
	f.orders.On("UpdatePaymentStatus", ctx, "o-1", domain.PaymentPaid).Return(true, nil)

	ans, err := f.svc.ConfirmWayForPay(ctx, signedCallback(gateway.StatusApproved))
	require.NoError(t, err)
	assert.Equal(t, "accept", ans.Status)
	assert.Equal(t, "LV-1", ans.OrderReference)
	assert.Equal(t, []recordedEvent{{kind: "status", status: domain.PaymentPaid}}, f.events.events)
}

func TestConfirmWayForPay_DuplicateCallbackIsQuiet(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()
	f.orders.On("GetByInvoiceReference", ctx, "LV-1").
		Return(&domain.Order{ID: "o-1", PaymentStatus: domain.PaymentPaid}, nil)
	f.orders.On("UpdatePaymentStatus", ctx, "o-1", domain.PaymentPaid).Return(false, nil)

	_, err := f.svc.ConfirmWayForPay(ctx, signedCallback(gateway.StatusApproved))
	require.NoError(t, err)
	assert.Empty(t, f.events.events)
}

func TestConfirmWayForPay_BadSignature(t *testing.T) {
	f := newFixture(0)
	cb := signedCallback(gateway.StatusApproved)
	cb.MerchantSignature = "forged"

	_, err := f.svc.ConfirmWayForPay(context.Background(), cb)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	f.orders.AssertNotCalled(t, "GetByInvoiceReference", mock.Anything, mock.Anything)
}

func TestConfirmWayForPay_IntermediateStatusOnlyAcknowledged(t *testing.T) {
	f := newFixture(0)

	ans, err := f.svc.ConfirmWayForPay(context.Background(), signedCallback("InProcessing"))
	require.NoError(t, err)
	assert.Equal(t, "accept", ans.Status)
	f.orders.AssertNotCalled(t, "UpdatePaymentStatus", mock.Anything, mock.Anything, mock.Anything)
}

func TestConfirmTestPayment(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()
	f.orders.On("GetByInvoiceReference", ctx, "LV-1").
		Return(&domain.Order{ID: "o-1", PaymentType: domain.PaymentTest, PaymentStatus: domain.PaymentPending}, nil)
	f.orders.On("UpdatePaymentStatus", ctx, "o-1", domain.PaymentPaid).Return(true, nil)

	o, err := f.svc.ConfirmTestPayment(ctx, "LV-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPaid, o.PaymentStatus)
}

func TestConfirmTestPayment_RejectsOtherMethods(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()
	f.orders.On("GetByInvoiceReference", ctx, "LV-1").
		Return(&domain.Order{ID: "o-1", PaymentType: domain.PaymentWayForPay, PaymentStatus: domain.PaymentPending}, nil)

	_, err := f.svc.ConfirmTestPayment(ctx, "LV-1")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
