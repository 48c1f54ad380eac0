package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lavka-ua/storefront/pkg/health"
	"github.com/lavka-ua/storefront/pkg/middleware"
)

// RateLimitConfig bounds checkout submissions per session.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// NewAPIRouter creates a chi router with all backend API routes registered.
func NewAPIRouter(
	orders *OrderHandler,
	payments *PaymentHandler,
	healthHandler *health.Handler,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(chimw.Compress(5))
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics("storefront-api"))
	r.Use(middleware.Tracing("storefront-api"))
	r.Use(middleware.Identity)
	r.Use(middleware.RequestLogger(logger))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	r.Group(func(r chi.Router) {
		r.Use(ContentTypeJSON)

		r.Post("/orders", orders.CreateOrder)
		r.Get("/orders/invoice/{reference}", orders.GetPaidByReference)
		r.Get("/orders/by-invoice/{orderId}", orders.GetPaidByOrderID)
		r.Post("/products/check-stock", orders.CheckStock)
		r.Get("/users/loyalty", orders.Loyalty)
	})

	// Provider callbacks are not always JSON-typed.
	r.Post("/payments/wayforpay/callback", payments.WayForPayCallback)
	r.Get("/payments/test/{reference}", payments.TestPayment)

	return r
}

// NewStorefrontRouter creates a chi router with the basket and checkout
// routes registered.
func NewStorefrontRouter(
	baskets *BasketHandler,
	checkouts *CheckoutHandler,
	healthHandler *health.Handler,
	cors middleware.CORSConfig,
	limit RateLimitConfig,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.CORS(cors))
	r.Use(chimw.Compress(5))
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics("storefront"))
	r.Use(middleware.Tracing("storefront"))
	r.Use(middleware.Identity)
	r.Use(middleware.RequestLogger(logger))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(ContentTypeJSON)

			r.Get("/loyalty", checkouts.Loyalty)

			r.Group(func(r chi.Router) {
				r.Use(RequireSession)

				r.Get("/basket", baskets.GetBasket)
				r.Delete("/basket", baskets.ClearBasket)
				r.Post("/basket/items", baskets.AddItem)
				r.Patch("/basket/items", baskets.UpdateQuantity)
				r.Delete("/basket/items", baskets.RemoveItem)

				r.With(middleware.RateLimit(limit.RPS, limit.Burst, middleware.BySession, logger)).
					Post("/checkout", checkouts.Submit)
				r.Get("/checkout/return", checkouts.Return)
			})
		})

		// WayForPay sends the customer back with a form POST.
		r.With(RequireSession).Post("/checkout/return", checkouts.Return)
	})

	return r
}
