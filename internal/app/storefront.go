package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lavka-ua/storefront/internal/apiclient"
	"github.com/lavka-ua/storefront/internal/basket"
	"github.com/lavka-ua/storefront/internal/checkout"
	"github.com/lavka-ua/storefront/internal/config"
	handler "github.com/lavka-ua/storefront/internal/handler/http"
	"github.com/lavka-ua/storefront/internal/payment"
	redisrepo "github.com/lavka-ua/storefront/internal/repository/redis"
	"github.com/lavka-ua/storefront/pkg/database"
	"github.com/lavka-ua/storefront/pkg/health"
	"github.com/lavka-ua/storefront/pkg/httpclient"
	"github.com/lavka-ua/storefront/pkg/middleware"
	"github.com/lavka-ua/storefront/pkg/tracing"
)

// Storefront wires together all dependencies and runs the session-facing
// basket and checkout service.
type Storefront struct {
	cfg            *config.StorefrontConfig
	logger         *slog.Logger
	rdb            *redis.Client
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// NewStorefront creates the storefront application, initializing all
// dependencies.
func NewStorefront(cfg *config.StorefrontConfig, logger *slog.Logger) (*Storefront, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	// Initialize Redis client.
	redisCfg := cfg.Redis()
	rdb, err := database.NewRedisClient(ctx, redisCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("connected to Redis",
		slog.String("addr", redisCfg.Addr()),
		slog.Int("db", redisCfg.DB),
	)

	// Session state.
	store := basket.NewStore(redisrepo.NewBasketRepository(rdb, cfg.BasketTTL()), logger)
	pending := redisrepo.NewPendingRepository(rdb, cfg.PendingTTL())
	locker := redisrepo.NewLocker(rdb)

	// The API client never retries order creation; see httpclient.Client.
	apiHTTP := httpclient.NewCircuitBreakerClient(
		httpclient.New(httpclient.DefaultConfig()),
		cfg.CircuitBreaker("storefront-api"),
		logger,
	)
	api := apiclient.New(apiHTTP, cfg.APIURL, logger)

	providerHTTP := httpclient.NewCircuitBreakerClient(
		httpclient.New(httpclient.DefaultConfig()),
		cfg.CircuitBreaker("payment-provider"),
		logger,
	)
	dispatcher := payment.NewDispatcher(providerHTTP, pending, cfg.InvoiceDelay(), logger)

	pipeline := checkout.NewPipeline(store, api, dispatcher, locker, cfg.SubmitLockTTL(), logger)
	reconciler := payment.NewReconciler(api, pending, store, payment.ReconcileConfig{
		MaxAttempts:     cfg.ReconcileMaxAttempts,
		MaxElapsed:      time.Duration(cfg.ReconcileMaxElapsedSec) * time.Second,
		InitialInterval: time.Duration(cfg.ReconcileInitialMs) * time.Millisecond,
		MaxInterval:     time.Duration(cfg.ReconcileMaxIntervalMs) * time.Millisecond,
	}, logger)
	logger.Info("checkout pipeline initialized",
		slog.String("api_url", cfg.APIURL),
		slog.Duration("invoice_delay", cfg.InvoiceDelay()),
		slog.Uint64("reconcile_max_attempts", uint64(cfg.ReconcileMaxAttempts)),
	)

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.Register("redis", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	apiLive := strings.TrimRight(cfg.APIURL, "/") + "/health/live"
	healthHandler.RegisterNonCritical("api", func(ctx context.Context) error {
		resp, err := apiHTTP.Get(ctx, apiLive)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("api liveness returned %d", resp.StatusCode)
		}
		return nil
	})

	// HTTP router.
	router := handler.NewStorefrontRouter(
		handler.NewBasketHandler(store, logger),
		handler.NewCheckoutHandler(pipeline, reconciler, api, logger),
		healthHandler,
		middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins, AllowCredentials: true},
		handler.RateLimitConfig{RPS: cfg.CheckoutRPS, Burst: cfg.CheckoutBurst},
		logger,
	)

	// Reconciliation polls for up to ReconcileMaxElapsedSec inside a request.
	writeTimeout := time.Duration(cfg.ReconcileMaxElapsedSec)*time.Second + 15*time.Second

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Storefront{
		cfg:            cfg,
		logger:         logger,
		rdb:            rdb,
		httpServer:     httpServer,
		tracerShutdown: tracerShutdown,
	}, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (s *Storefront) Run(ctx context.Context) error {
	return serve(ctx, s.httpServer, s.logger, s.Shutdown)
}

// Shutdown drains HTTP, flushes spans, then closes Redis.
func (s *Storefront) Shutdown() error {
	s.logger.Info("shutting down application...")

	var errs []error

	if err := drain(s.httpServer, s.logger); err != nil {
		errs = append(errs, err)
	}

	if err := flushTracer(s.tracerShutdown, s.logger); err != nil {
		errs = append(errs, err)
	}

	if err := s.rdb.Close(); err != nil {
		s.logger.Error("redis close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	s.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}
