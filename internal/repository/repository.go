package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lavka-ua/storefront/internal/domain"
)

// OrderRepository persists orders on the API side.
type OrderRepository interface {
	// Create decrements stock for every reserve line and inserts the order
	// with its items in one transaction. If any line is short it rolls back
	// and returns *domain.InsufficientStockError.
	Create(ctx context.Context, order *domain.Order, reserve []domain.StockLine) error

	// GetByID returns the order with its items.
	GetByID(ctx context.Context, id string) (*domain.Order, error)

	// GetByInvoiceReference returns the order carrying the payment reference.
	GetByInvoiceReference(ctx context.Context, reference string) (*domain.Order, error)

	// SetInvoiceReference stores the payment provider reference.
	SetInvoiceReference(ctx context.Context, id, reference string) error

	// UpdatePaymentStatus moves a pending order to paid or failed. It reports
	// false when the order was not pending.
	UpdatePaymentStatus(ctx context.Context, id string, status domain.PaymentStatus) (bool, error)

	// TotalPaid sums the totals of the user's paid orders.
	TotalPaid(ctx context.Context, userID string) (decimal.Decimal, error)
}

// StockRepository reads on-hand quantities.
type StockRepository interface {
	Available(ctx context.Context, keys []domain.StockKey) (map[domain.StockKey]int, error)
}

// ProductRepository reads catalog prices.
type ProductRepository interface {
	GetByIDs(ctx context.Context, ids []int64) (map[int64]domain.Product, error)
}

// BasketRepository stores session baskets.
type BasketRepository interface {
	Get(ctx context.Context, sessionID string) (*domain.Basket, error)
	Save(ctx context.Context, basket *domain.Basket) error
	Delete(ctx context.Context, sessionID string) error
}

// PendingRepository stores the checkout snapshot kept during payment.
type PendingRepository interface {
	Save(ctx context.Context, sessionID string, pending *domain.PendingCheckout) error
	Get(ctx context.Context, sessionID string) (*domain.PendingCheckout, error)
	// Take deletes the snapshot and reports whether this call removed it.
	Take(ctx context.Context, sessionID string) (bool, error)
}

// Locker guards a per-session critical section.
type Locker interface {
	// Acquire returns a release func, or ok=false when the lock is held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}
