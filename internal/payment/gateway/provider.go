package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lavka-ua/storefront/internal/domain"
	apperrors "github.com/lavka-ua/storefront/pkg/errors"
)

var instructionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "payment_instructions_total",
		Help: "Payment instructions requested from providers, by outcome",
	},
	[]string{"provider", "outcome"},
)

// Provider turns a freshly created order into payment instructions for the
// customer. Reference is the invoice reference already assigned to the order.
type Provider interface {
	// Type returns the payment type the provider serves.
	Type() domain.PaymentType

	// Create builds the instructions. It may call the provider's API.
	Create(ctx context.Context, order *domain.Order, reference string) (domain.PaymentInstructions, error)
}

// Registry routes orders to the provider of their payment type.
type Registry struct {
	providers map[domain.PaymentType]Provider
	timeout   time.Duration
	logger    *slog.Logger
}

// NewRegistry creates a registry. Each provider call is bounded by timeout.
func NewRegistry(timeout time.Duration, logger *slog.Logger, providers ...Provider) *Registry {
	r := &Registry{
		providers: make(map[domain.PaymentType]Provider, len(providers)),
		timeout:   timeout,
		logger:    logger,
	}
	for _, p := range providers {
		r.providers[p.Type()] = p
	}
	return r
}

// Supports reports whether a provider is registered for t.
func (r *Registry) Supports(t domain.PaymentType) bool {
	_, ok := r.providers[t]
	return ok
}

// NewReference returns a fresh invoice reference for t, or "" when the
// method has no online payment step.
func NewReference(t domain.PaymentType) string {
	if !t.RequiresOnlinePayment() {
		return ""
	}
	return "LV-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}

// Instructions asks the order's provider for payment instructions.
func (r *Registry) Instructions(ctx context.Context, order *domain.Order, reference string) (domain.PaymentInstructions, error) {
	p, ok := r.providers[order.PaymentType]
	if !ok {
		return domain.PaymentInstructions{}, apperrors.InvalidInput(fmt.Sprintf("unsupported payment type %q", order.PaymentType))
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	instr, err := p.Create(ctx, order, reference)
	if err != nil {
		instructionsTotal.WithLabelValues(string(p.Type()), "error").Inc()
		r.logger.ErrorContext(ctx, "payment provider failed",
			slog.String("provider", string(p.Type())),
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.PaymentInstructions{}, apperrors.PaymentFailed("payment provider timed out")
		}
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return domain.PaymentInstructions{}, err
		}
		return domain.PaymentInstructions{}, apperrors.PaymentFailed("payment could not be created")
	}

	instructionsTotal.WithLabelValues(string(p.Type()), "ok").Inc()
	return instr, nil
}

// CashOnDelivery has no online payment step.
type CashOnDelivery struct{}

func (CashOnDelivery) Type() domain.PaymentType { return domain.PaymentCashOnDelivery }

func (CashOnDelivery) Create(context.Context, *domain.Order, string) (domain.PaymentInstructions, error) {
	return domain.PaymentInstructions{}, nil
}

// TestPayment is the pay-through method used on staging: the invoice URL
// points back at the API, which marks the order paid.
type TestPayment struct {
	PublicURL string
}

func (TestPayment) Type() domain.PaymentType { return domain.PaymentTest }

func (t TestPayment) Create(_ context.Context, _ *domain.Order, reference string) (domain.PaymentInstructions, error) {
	return domain.PaymentInstructions{
		Reference:  reference,
		InvoiceURL: strings.TrimRight(t.PublicURL, "/") + "/payments/test/" + reference,
	}, nil
}

// splitName returns first and last name; the last name takes every token
// after the first.
func splitName(full string) (string, string) {
	fields := strings.Fields(full)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}
