// Package order creates orders on the API and tracks their payment status.
package order

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lavka-ua/storefront/internal/domain"
	"github.com/lavka-ua/storefront/internal/payment/gateway"
	"github.com/lavka-ua/storefront/internal/repository"
	"github.com/lavka-ua/storefront/internal/stock"
	apperrors "github.com/lavka-ua/storefront/pkg/errors"
	"github.com/lavka-ua/storefront/pkg/validator"
)

// Events publishes order lifecycle events.
type Events interface {
	PublishOrderCreated(ctx context.Context, o *domain.Order) error
	PublishPaymentStatus(ctx context.Context, o *domain.Order, status domain.PaymentStatus) error
}

// Payments hands out payment instructions for a new order.
type Payments interface {
	Instructions(ctx context.Context, o *domain.Order, reference string) (domain.PaymentInstructions, error)
}

// Loyalty returns the discount percent a user may apply.
type Loyalty interface {
	Percent(ctx context.Context, userID string) (decimal.Decimal, error)
}

// Service implements order creation and payment confirmation.
type Service struct {
	orders   repository.OrderRepository
	products repository.ProductRepository
	payments Payments
	loyalty  Loyalty
	events   Events
	signer   gateway.Signer
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates an order service. signer verifies WayForPay callbacks.
func NewService(
	orders repository.OrderRepository,
	products repository.ProductRepository,
	payments Payments,
	loyalty Loyalty,
	events Events,
	signer gateway.Signer,
	logger *slog.Logger,
) *Service {
	return &Service{
		orders:   orders,
		products: products,
		payments: payments,
		loyalty:  loyalty,
		events:   events,
		signer:   signer,
		logger:   logger,
		now:      time.Now,
	}
}

// Create validates req against the catalog, reserves stock, stores the order
// and returns the payment instructions for the customer.
func (s *Service) Create(ctx context.Context, userID string, req *domain.CreateOrderRequest) (*domain.CreateOrderResponse, error) {
	if err := validator.Validate(req); err != nil {
		return nil, err
	}

	items, err := s.priceItems(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	o := &domain.Order{
		ID:             uuid.NewString(),
		CustomerName:   req.CustomerName,
		PhoneNumber:    validator.NormalizePhone(req.PhoneNumber),
		Email:          req.Email,
		DeliveryMethod: req.DeliveryMethod,
		City:           req.City,
		PostOffice:     req.PostOffice,
		Comment:        req.Comment,
		PaymentType:    req.PaymentType,
		TotalAmount:    req.TotalAmount,
		PaymentStatus:  domain.PaymentPending,
		Items:          items,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if userID != "" {
		o.UserID = &userID
	}

	if err := s.orders.Create(ctx, o, reserveLines(items)); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	reference := gateway.NewReference(o.PaymentType)
	if reference != "" {
		if err := s.orders.SetInvoiceReference(ctx, o.ID, reference); err != nil {
			return nil, fmt.Errorf("store invoice reference: %w", err)
		}
		o.InvoiceReference = &reference
	}

	instr, err := s.payments.Instructions(ctx, o, reference)
	if err != nil {
		s.abandon(ctx, o)
		return nil, err
	}

	if err := s.events.PublishOrderCreated(ctx, o); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish order.created event",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "order created",
		slog.String("order_id", o.ID),
		slog.String("payment_type", string(o.PaymentType)),
		slog.String("total_amount", o.TotalAmount.String()),
		slog.Int("lines", len(o.Items)),
	)

	return &domain.CreateOrderResponse{
		OrderID:     o.ID,
		Reference:   reference,
		InvoiceURL:  instr.InvoiceURL,
		PaymentURL:  instr.PaymentURL,
		PaymentData: instr.PaymentData,
	}, nil
}

// abandon marks an order whose payment could not be created as failed.
func (s *Service) abandon(ctx context.Context, o *domain.Order) {
	if _, err := s.orders.UpdatePaymentStatus(context.WithoutCancel(ctx), o.ID, domain.PaymentFailed); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark order failed",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
	}
}

// priceItems checks every line against the catalog and the discount the
// customer is entitled to, then checks the total. All mismatches are
// reported together in the error details.
func (s *Service) priceItems(ctx context.Context, userID string, req *domain.CreateOrderRequest) ([]domain.OrderItem, error) {
	ids := make([]int64, 0, len(req.Items))
	seen := make(map[int64]bool, len(req.Items))
	for _, it := range req.Items {
		if !seen[it.ProductID] {
			seen[it.ProductID] = true
			ids = append(ids, it.ProductID)
		}
	}

	catalog, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}

	loyaltyPercent, err := s.loyalty.Percent(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve loyalty: %w", err)
	}

	details := make(map[string]string)
	items := make([]domain.OrderItem, len(req.Items))
	for i, it := range req.Items {
		field := fmt.Sprintf("items[%d]", i)

		p, ok := catalog[it.ProductID]
		if !ok {
			details[field+".product_id"] = fmt.Sprintf("product %d does not exist", it.ProductID)
			continue
		}
		if !it.OriginalPrice.Equal(p.Price.Decimal) {
			details[field+".original_price"] = "expected " + p.Price.String()
		}

		allowed := domain.MaxPercent(p.DiscountPercentage, loyaltyPercent)
		if it.DiscountPercentage.IsNegative() || it.DiscountPercentage.GreaterThan(allowed) {
			details[field+".discount_percentage"] = "must be between 0 and " + allowed.String()
		}

		want := domain.DiscountedPrice(it.OriginalPrice.Decimal, it.DiscountPercentage)
		if !it.Price.Equal(want) {
			details[field+".price"] = "expected " + domain.NewMoney(want).String()
		}

		items[i] = domain.OrderItem{
			ProductID:          it.ProductID,
			ProductName:        it.ProductName,
			Size:               it.Size,
			Color:              it.Color,
			Quantity:           it.Quantity,
			Price:              domain.NewMoney(it.Price.Decimal),
			OriginalPrice:      domain.NewMoney(it.OriginalPrice.Decimal),
			DiscountPercentage: it.DiscountPercentage,
		}
	}

	if len(details) == 0 {
		total := domain.OrderTotal(items)
		if !req.TotalAmount.Equal(total) {
			details["total_amount"] = "expected " + domain.NewMoney(total).String()
		}
	}

	if len(details) > 0 {
		return nil, apperrors.InvalidInput("order does not match the catalog").WithDetails(details)
	}
	return items, nil
}

func reserveLines(items []domain.OrderItem) []domain.StockLine {
	lines := make([]domain.StockLine, len(items))
	for i, it := range items {
		lines[i] = domain.StockLine{ProductID: it.ProductID, Size: it.Size, Quantity: it.Quantity}
	}
	lines = stock.Aggregate(lines)
	// Fixed lock order across concurrent orders.
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].ProductID != lines[j].ProductID {
			return lines[i].ProductID < lines[j].ProductID
		}
		return lines[i].Size < lines[j].Size
	})
	return lines
}

// GetPaidByReference returns the order for an invoice reference once it is
// paid. A pending order is a conflict; a failed one is gone.
func (s *Service) GetPaidByReference(ctx context.Context, reference string) (*domain.Order, error) {
	o, err := s.orders.GetByInvoiceReference(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("get order by reference: %w", err)
	}
	return paid(o)
}

// GetPaidByOrderID is GetPaidByReference keyed by order id.
func (s *Service) GetPaidByOrderID(ctx context.Context, id string) (*domain.Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get order by id: %w", err)
	}
	return paid(o)
}

func paid(o *domain.Order) (*domain.Order, error) {
	switch o.PaymentStatus {
	case domain.PaymentPaid:
		return o, nil
	case domain.PaymentPending:
		return nil, apperrors.Conflict("payment is still pending")
	default:
		return nil, apperrors.Gone("payment failed")
	}
}

// ConfirmWayForPay applies a WayForPay service callback and returns the
// signed acknowledgement.
func (s *Service) ConfirmWayForPay(ctx context.Context, cb gateway.Callback) (gateway.CallbackAnswer, error) {
	if !s.signer.VerifyCallback(cb) {
		return gateway.CallbackAnswer{}, apperrors.InvalidInput("invalid merchant signature")
	}

	status, final := cb.PaymentStatus()
	if final {
		o, err := s.orders.GetByInvoiceReference(ctx, cb.OrderReference)
		if err != nil {
			return gateway.CallbackAnswer{}, fmt.Errorf("get order by reference: %w", err)
		}
		if err := s.setStatus(ctx, o, status); err != nil {
			return gateway.CallbackAnswer{}, err
		}
	} else {
		s.logger.InfoContext(ctx, "intermediate payment status",
			slog.String("reference", cb.OrderReference),
			slog.String("transaction_status", cb.TransactionStatus),
		)
	}

	return s.signer.Accept(cb.OrderReference, s.now()), nil
}

// ConfirmTestPayment marks a test-method order paid.
func (s *Service) ConfirmTestPayment(ctx context.Context, reference string) (*domain.Order, error) {
	o, err := s.orders.GetByInvoiceReference(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("get order by reference: %w", err)
	}
	if o.PaymentType != domain.PaymentTest {
		return nil, apperrors.InvalidInput("order was not placed with the test payment method")
	}
	if err := s.setStatus(ctx, o, domain.PaymentPaid); err != nil {
		return nil, err
	}
	return o, nil
}

// setStatus moves a pending order to status and publishes the change. An
// order that already left pending is left untouched.
func (s *Service) setStatus(ctx context.Context, o *domain.Order, status domain.PaymentStatus) error {
	updated, err := s.orders.UpdatePaymentStatus(ctx, o.ID, status)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	if !updated {
		s.logger.InfoContext(ctx, "payment status already final",
			slog.String("order_id", o.ID),
			slog.String("status", string(o.PaymentStatus)),
		)
		return nil
	}
	o.PaymentStatus = status

	if err := s.events.PublishPaymentStatus(ctx, o, status); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish payment status event",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "payment status updated",
		slog.String("order_id", o.ID),
		slog.String("status", string(status)),
	)
	return nil
}
