// Package app wires the api and storefront binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lavka-ua/storefront/internal/config"
	"github.com/lavka-ua/storefront/internal/domain"
	"github.com/lavka-ua/storefront/internal/event"
	handler "github.com/lavka-ua/storefront/internal/handler/http"
	"github.com/lavka-ua/storefront/internal/loyalty"
	"github.com/lavka-ua/storefront/internal/order"
	"github.com/lavka-ua/storefront/internal/payment/gateway"
	"github.com/lavka-ua/storefront/internal/repository/postgres"
	"github.com/lavka-ua/storefront/internal/stock"
	"github.com/lavka-ua/storefront/migrations"
	"github.com/lavka-ua/storefront/pkg/database"
	"github.com/lavka-ua/storefront/pkg/health"
	"github.com/lavka-ua/storefront/pkg/httpclient"
	pkgkafka "github.com/lavka-ua/storefront/pkg/kafka"
	"github.com/lavka-ua/storefront/pkg/tracing"
)

// API wires together all dependencies and runs the order and payment API.
type API struct {
	cfg            *config.APIConfig
	logger         *slog.Logger
	pool           *pgxpool.Pool
	producer       *pkgkafka.Producer
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// NewAPI creates the API application, initializing all dependencies.
func NewAPI(cfg *config.APIConfig, logger *slog.Logger) (*API, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	// Initialize PostgreSQL connection pool.
	pgCfg := cfg.Postgres()
	pool, err := database.NewPostgresPool(ctx, &pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	database.RegisterPoolMetrics(pool, cfg.Tracing.ServiceName)

	// Run database migrations.
	if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed")

	// Configure slow query logging.
	if cfg.SlowQueryThresholdMs > 0 {
		database.SetSlowQueryLogging(time.Duration(cfg.SlowQueryThresholdMs)*time.Millisecond, logger)
	}

	// Initialize Kafka producer.
	producer := pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
	logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))

	// Build the dependency graph.
	orderRepo := postgres.NewOrderRepository(pool)
	productRepo := postgres.NewProductRepository(pool)
	stockRepo := postgres.NewStockRepository(pool)

	loyaltyService := loyalty.NewService(orderRepo, loyalty.DefaultTiers, logger)
	verifier := stock.NewVerifier(stockRepo, logger)

	registry := gateway.NewRegistry(
		time.Duration(cfg.PaymentProviderTimeout)*time.Second,
		logger,
		paymentProviders(cfg, logger)...,
	)
	logger.Info("payment providers configured", slog.Any("types", cfg.PaymentTypes()))

	orderService := order.NewService(
		orderRepo,
		productRepo,
		registry,
		loyaltyService,
		event.NewProducer(producer, logger),
		gateway.NewSigner(cfg.WayForPaySecret),
		logger,
	)

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.Register("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthHandler.RegisterNonCritical("kafka", func(ctx context.Context) error {
		return producer.Ping(ctx)
	})

	// HTTP router.
	router := handler.NewAPIRouter(
		handler.NewOrderHandler(orderService, verifier, loyaltyService, logger),
		handler.NewPaymentHandler(orderService, cfg.StorefrontReturnURL, logger),
		healthHandler,
		logger,
	)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      35 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &API{
		cfg:            cfg,
		logger:         logger,
		pool:           pool,
		producer:       producer,
		httpServer:     httpServer,
		tracerShutdown: tracerShutdown,
	}, nil
}

// paymentProviders builds a provider for every payment type the
// configuration enables.
func paymentProviders(cfg *config.APIConfig, logger *slog.Logger) []gateway.Provider {
	publicURL := strings.TrimRight(cfg.PublicURL, "/")
	wfp := gateway.WayForPayConfig{
		MerchantAccount: cfg.WayForPayAccount,
		SecretKey:       cfg.WayForPaySecret,
		MerchantDomain:  cfg.WayForPayDomain,
		ReturnURL:       cfg.StorefrontReturnURL,
		ServiceURL:      publicURL + "/payments/wayforpay/callback",
	}

	var providers []gateway.Provider
	for _, t := range cfg.PaymentTypes() {
		switch t {
		case domain.PaymentCashOnDelivery:
			providers = append(providers, gateway.CashOnDelivery{})
		case domain.PaymentTest:
			providers = append(providers, gateway.TestPayment{PublicURL: publicURL})
		case domain.PaymentWayForPay:
			providers = append(providers, gateway.NewWayForPay(wfp))
		case domain.PaymentWayForPayInvoice:
			providers = append(providers, gateway.NewWayForPayInvoice(wfp))
		case domain.PaymentPlisio:
			client := httpclient.NewCircuitBreakerClient(
				httpclient.New(httpclient.Config{
					Timeout:         time.Duration(cfg.PaymentProviderTimeout) * time.Second,
					MaxConnsPerHost: 20,
				}),
				cfg.CircuitBreaker("plisio"),
				logger,
			)
			// Plisio has no callback route; operators confirm these orders.
			providers = append(providers, gateway.NewPlisio(gateway.PlisioConfig{
				BaseURL:    cfg.PlisioBaseURL,
				APIKey:     cfg.PlisioAPIKey,
				Currency:   cfg.PlisioCurrency,
				SuccessURL: cfg.StorefrontReturnURL,
			}, client))
		}
	}
	return providers
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *API) Run(ctx context.Context) error {
	return serve(ctx, a.httpServer, a.logger, a.Shutdown)
}

// Shutdown gracefully stops all components in the correct order:
// 1. HTTP server (drain in-flight requests)
// 2. Tracer (flush pending spans from drained requests)
// 3. Kafka producer
// 4. PostgreSQL pool
func (a *API) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	if err := drain(a.httpServer, a.logger); err != nil {
		errs = append(errs, err)
	}

	if err := flushTracer(a.tracerShutdown, a.logger); err != nil {
		errs = append(errs, err)
	}

	if err := a.producer.Close(); err != nil {
		a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	a.pool.Close()

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

// serve runs srv until ctx is canceled, then calls shutdown.
func serve(ctx context.Context, srv *http.Server, logger *slog.Logger, shutdown func() error) error {
	errCh := make(chan error, 1)

	go func() {
		logger.Info("starting HTTP server", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	return shutdown()
}

// drain stops accepting connections and waits up to 5s for in-flight requests.
func drain(srv *http.Server, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func flushTracer(shutdown func(context.Context) error, logger *slog.Logger) error {
	if shutdown == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Error("tracer shutdown error", slog.String("error", err.Error()))
		return err
	}
	return nil
}
