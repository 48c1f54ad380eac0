package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lavka-ua/storefront/internal/domain"
	"github.com/lavka-ua/storefront/internal/repository"
	apperrors "github.com/lavka-ua/storefront/pkg/errors"
)

var reconcileOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "payment_reconcile_outcomes_total",
		Help: "Payment reconciliation results by terminal state",
	},
	[]string{"outcome"},
)

// Outcome is the terminal state of a reconciliation.
type Outcome string

const (
	OutcomePaid         Outcome = "paid"
	OutcomeStillPending Outcome = "still_pending"
	OutcomeNotFound     Outcome = "not_found"
)

// OrderLookup returns an order once it is paid. Pending orders come back as
// apperrors.ErrConflict.
type OrderLookup interface {
	PaidOrderByReference(ctx context.Context, reference string) (*domain.Order, error)
	PaidOrderByID(ctx context.Context, orderID string) (*domain.Order, error)
}

// BasketClearer empties a session basket.
type BasketClearer interface {
	Clear(ctx context.Context, sessionID string) error
}

// ReconcileConfig bounds the status polling.
type ReconcileConfig struct {
	MaxAttempts     uint
	MaxElapsed      time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultReconcileConfig polls for about half a minute.
func DefaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		MaxAttempts:     6,
		MaxElapsed:      30 * time.Second,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     8 * time.Second,
	}
}

// Reconciliation is the result shown on the return page.
type Reconciliation struct {
	Outcome  Outcome       `json:"outcome"`
	Order    *domain.Order `json:"order,omitempty"`
	Cleared  bool          `json:"cleared"`
	Attempts uint          `json:"attempts"`
}

// Reconciler polls the order status after the customer comes back from a
// payment provider and clears the basket once the order is paid.
type Reconciler struct {
	orders  OrderLookup
	pending repository.PendingRepository
	baskets BasketClearer
	cfg     ReconcileConfig
	logger  *slog.Logger
}

// NewReconciler creates a reconciler. Zero fields of cfg take their
// DefaultReconcileConfig values.
func NewReconciler(orders OrderLookup, pending repository.PendingRepository, baskets BasketClearer, cfg ReconcileConfig, logger *slog.Logger) *Reconciler {
	def := DefaultReconcileConfig()
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = def.MaxElapsed
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	return &Reconciler{orders: orders, pending: pending, baskets: baskets, cfg: cfg, logger: logger}
}

var (
	errStillPending = errors.New("payment still pending")
	errNoOrder      = errors.New("order not found")
)

// Reconcile resolves the payment of the session's pending order. reference
// comes from the provider's return URL and is used only when the stored
// snapshot carries none. The basket and snapshot are cleared at most once,
// and only when the paid order is the one the snapshot records.
func (r *Reconciler) Reconcile(ctx context.Context, sessionID, reference string) (*Reconciliation, error) {
	snap, err := r.snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	lookup, fromSnapshot := r.lookupFor(snap, reference)
	if lookup == nil {
		reconcileOutcomes.WithLabelValues(string(OutcomeNotFound)).Inc()
		return &Reconciliation{Outcome: OutcomeNotFound}, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval

	var attempts uint
	order, err := backoff.Retry(ctx, func() (*domain.Order, error) {
		attempts++
		o, err := lookup(ctx)
		switch {
		case err == nil:
			return o, nil
		case errors.Is(err, apperrors.ErrConflict):
			return nil, errStillPending
		case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrGone), errors.Is(err, apperrors.ErrInvalidInput):
			return nil, backoff.Permanent(errNoOrder)
		default:
			// Transport and server errors are retried within the same bounds.
			return nil, err
		}
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.cfg.MaxAttempts), backoff.WithMaxElapsedTime(r.cfg.MaxElapsed))

	res := &Reconciliation{Attempts: attempts}
	switch {
	case err == nil:
		res.Outcome = OutcomePaid
		res.Order = order
		if fromSnapshot || (snap != nil && order.ID == snap.OrderID) {
			cleared, err := r.clearOnce(ctx, sessionID)
			if err != nil {
				return nil, err
			}
			res.Cleared = cleared
		}
	case errors.Is(err, errStillPending):
		res.Outcome = OutcomeStillPending
	case errors.Is(err, errNoOrder):
		res.Outcome = OutcomeNotFound
	case ctx.Err() != nil:
		// The request deadline ended the polling; the customer can return later.
		res.Outcome = OutcomeStillPending
	default:
		return nil, fmt.Errorf("reconcile payment: %w", err)
	}

	reconcileOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	r.logger.InfoContext(ctx, "payment reconciled",
		slog.String("outcome", string(res.Outcome)),
		slog.Uint64("attempts", uint64(attempts)),
		slog.Bool("cleared", res.Cleared),
	)
	return res, nil
}

// snapshot loads the session's pending checkout, or nil when there is none.
func (r *Reconciler) snapshot(ctx context.Context, sessionID string) (*domain.PendingCheckout, error) {
	snap, err := r.pending.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load pending checkout: %w", err)
	}
	return snap, nil
}

type lookupFunc func(ctx context.Context) (*domain.Order, error)

// lookupFor picks the status endpoint and reports whether it targets the
// snapshot's order. It returns nil when there is nothing to look up.
func (r *Reconciler) lookupFor(snap *domain.PendingCheckout, reference string) (lookupFunc, bool) {
	byReference := func(ref string) lookupFunc {
		return func(ctx context.Context) (*domain.Order, error) {
			return r.orders.PaidOrderByReference(ctx, ref)
		}
	}

	switch {
	case snap != nil && snap.Reference != "":
		return byReference(snap.Reference), true
	case reference != "":
		return byReference(reference), false
	case snap != nil && snap.OrderID != "":
		return func(ctx context.Context) (*domain.Order, error) {
			return r.orders.PaidOrderByID(ctx, snap.OrderID)
		}, true
	default:
		return nil, false
	}
}

// clearOnce removes the pending snapshot and, if this call removed it,
// empties the basket.
func (r *Reconciler) clearOnce(ctx context.Context, sessionID string) (bool, error) {
	taken, err := r.pending.Take(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("take pending checkout: %w", err)
	}
	if !taken {
		return false, nil
	}
	if err := r.baskets.Clear(ctx, sessionID); err != nil {
		return false, fmt.Errorf("clear basket: %w", err)
	}
	return true, nil
}
