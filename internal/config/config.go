package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/lavka-ua/storefront/internal/domain"
	pkgconfig "github.com/lavka-ua/storefront/pkg/config"
	"github.com/lavka-ua/storefront/pkg/database"
	"github.com/lavka-ua/storefront/pkg/httpclient"
	"github.com/lavka-ua/storefront/pkg/tracing"
)

// dotenvFiles are read before the environment; real variables win.
var dotenvFiles = []string{".env"}

// Common holds the settings shared by both binaries.
type Common struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Redis
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Circuit breaker settings for outbound calls
	CBMaxRequests  uint32  `env:"CB_MAX_REQUESTS" envDefault:"1"`
	CBInterval     int     `env:"CB_INTERVAL_SECONDS" envDefault:"60"`
	CBTimeout      int     `env:"CB_TIMEOUT_SECONDS" envDefault:"30"`
	CBFailureRatio float64 `env:"CB_FAILURE_RATIO" envDefault:"0.5"`
	CBMinRequests  uint32  `env:"CB_MIN_REQUESTS" envDefault:"5"`

	// OpenTelemetry
	Tracing tracing.Config
}

// Redis returns the Redis connection settings.
func (c *Common) Redis() database.RedisConfig {
	cfg := database.DefaultRedisConfig()
	cfg.Host = c.RedisHost
	cfg.Port = c.RedisPort
	cfg.Password = c.RedisPassword
	cfg.DB = c.RedisDB
	return cfg
}

// CircuitBreaker returns the breaker settings for the named downstream.
func (c *Common) CircuitBreaker(name string) httpclient.CircuitBreakerConfig {
	return httpclient.CircuitBreakerConfig{
		Name:         name,
		MaxRequests:  c.CBMaxRequests,
		Interval:     time.Duration(c.CBInterval) * time.Second,
		Timeout:      time.Duration(c.CBTimeout) * time.Second,
		FailureRatio: c.CBFailureRatio,
		MinRequests:  c.CBMinRequests,
	}
}

func (c *Common) validate() error {
	if c.RedisHost == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	if c.RedisPort < 1 || c.RedisPort > 65535 {
		return fmt.Errorf("invalid REDIS_PORT: %d", c.RedisPort)
	}
	if c.CBFailureRatio <= 0 || c.CBFailureRatio > 1.0 {
		return fmt.Errorf("CB_FAILURE_RATIO must be in (0, 1], got %f", c.CBFailureRatio)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1.0 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %f", c.Tracing.SampleRate)
	}
	return nil
}

// APIConfig holds all configuration for the order and payment API.
type APIConfig struct {
	Common

	HTTPPort int `env:"API_HTTP_PORT" envDefault:"8080"`

	// PublicURL is where customers reach this API (test payment links,
	// provider callbacks).
	PublicURL string `env:"API_PUBLIC_URL" envDefault:"http://localhost:8080"`

	// StorefrontReturnURL receives the customer after a payment, with ?ref=.
	StorefrontReturnURL string `env:"STOREFRONT_RETURN_URL" envDefault:"http://localhost:8081/api/checkout/return"`

	// PostgreSQL
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"storefront"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"storefront"`
	PostgresDB   string `env:"POSTGRES_DB" envDefault:"storefront"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	// Database pool
	DBMaxConns            int32 `env:"DB_MAX_CONNS" envDefault:"20"`
	DBMinConns            int32 `env:"DB_MIN_CONNS" envDefault:"2"`
	DBMaxConnLifetimeMins int   `env:"DB_MAX_CONN_LIFETIME_MINUTES" envDefault:"60"`
	DBMaxConnIdleTimeMins int   `env:"DB_MAX_CONN_IDLE_TIME_MINUTES" envDefault:"30"`

	// Slow query logging
	SlowQueryThresholdMs int `env:"LOG_SLOW_QUERY_MS" envDefault:"500"`

	// Kafka
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`

	// Payment providers. A provider without credentials is not offered.
	PaymentProviderTimeout int    `env:"PAYMENT_PROVIDER_TIMEOUT_SECONDS" envDefault:"15"`
	TestPaymentsEnabled    bool   `env:"TEST_PAYMENTS_ENABLED" envDefault:"true"`
	WayForPayAccount       string `env:"WAYFORPAY_MERCHANT_ACCOUNT"`
	WayForPaySecret        string `env:"WAYFORPAY_SECRET_KEY"`
	WayForPayDomain        string `env:"WAYFORPAY_MERCHANT_DOMAIN" envDefault:"lavka.ua"`
	PlisioAPIKey           string `env:"PLISIO_API_KEY"`
	PlisioBaseURL          string `env:"PLISIO_BASE_URL" envDefault:"https://api.plisio.net/api/v1"`
	PlisioCurrency         string `env:"PLISIO_CURRENCY" envDefault:"UAH"`
}

// LoadAPI reads the API configuration from .env and the environment.
func LoadAPI() (*APIConfig, error) {
	cfg := &APIConfig{}
	if err := pkgconfig.LoadWithDotenv(cfg, dotenvFiles...); err != nil {
		return nil, fmt.Errorf("load api config: %w", err)
	}
	cfg.Tracing.ServiceName = "storefront-api"
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *APIConfig) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.PostgresHost == "" {
		return fmt.Errorf("POSTGRES_HOST is required")
	}
	if c.PostgresUser == "" {
		return fmt.Errorf("POSTGRES_USER is required")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.PaymentProviderTimeout < 1 {
		return fmt.Errorf("PAYMENT_PROVIDER_TIMEOUT_SECONDS must be positive, got %d", c.PaymentProviderTimeout)
	}
	if (c.WayForPayAccount == "") != (c.WayForPaySecret == "") {
		return fmt.Errorf("WAYFORPAY_MERCHANT_ACCOUNT and WAYFORPAY_SECRET_KEY must be set together")
	}
	if err := validateURLs(map[string]string{
		"API_PUBLIC_URL":        c.PublicURL,
		"STOREFRONT_RETURN_URL": c.StorefrontReturnURL,
		"PLISIO_BASE_URL":       c.PlisioBaseURL,
	}); err != nil {
		return err
	}
	return c.Common.validate()
}

// Postgres returns the pool settings.
func (c *APIConfig) Postgres() database.PostgresConfig {
	cfg := database.DefaultPostgresConfig()
	cfg.Host = c.PostgresHost
	cfg.Port = c.PostgresPort
	cfg.User = c.PostgresUser
	cfg.Password = c.PostgresPass
	cfg.DBName = c.PostgresDB
	cfg.SSLMode = c.PostgresSSL
	cfg.MaxConns = c.DBMaxConns
	cfg.MinConns = c.DBMinConns
	cfg.MaxConnLifetime = time.Duration(c.DBMaxConnLifetimeMins) * time.Minute
	cfg.MaxConnIdleTime = time.Duration(c.DBMaxConnIdleTimeMins) * time.Minute
	return cfg
}

// PaymentTypes lists the payment methods this deployment can serve.
func (c *APIConfig) PaymentTypes() []domain.PaymentType {
	types := []domain.PaymentType{domain.PaymentCashOnDelivery}
	if c.TestPaymentsEnabled {
		types = append(types, domain.PaymentTest)
	}
	if c.WayForPayAccount != "" {
		types = append(types, domain.PaymentWayForPay, domain.PaymentWayForPayInvoice)
	}
	if c.PlisioAPIKey != "" {
		types = append(types, domain.PaymentPlisio)
	}
	return types
}

const maxReconcileElapsedSec = 25

// StorefrontConfig holds all configuration for the storefront service.
type StorefrontConfig struct {
	Common

	HTTPPort int `env:"STOREFRONT_HTTP_PORT" envDefault:"8081"`

	// APIURL is the order and payment API.
	APIURL string `env:"API_URL" envDefault:"http://localhost:8080"`

	// Browser origins allowed to call the storefront API.
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:3000" envSeparator:","`

	// Session state
	BasketTTLHours  int `env:"BASKET_TTL_HOURS" envDefault:"720"`
	PendingTTLHours int `env:"PENDING_PAYMENT_TTL_HOURS" envDefault:"48"`
	SubmitLockSecs  int `env:"CHECKOUT_LOCK_SECONDS" envDefault:"60"`

	// Payment step
	InvoiceRedirectDelayMs int  `env:"INVOICE_REDIRECT_DELAY_MS" envDefault:"1000"`
	ReconcileMaxAttempts   uint `env:"RECONCILE_MAX_ATTEMPTS" envDefault:"6"`
	ReconcileMaxElapsedSec int  `env:"RECONCILE_MAX_ELAPSED_SECONDS" envDefault:"25"`
	ReconcileInitialMs     int  `env:"RECONCILE_INITIAL_INTERVAL_MS" envDefault:"500"`
	ReconcileMaxIntervalMs int  `env:"RECONCILE_MAX_INTERVAL_MS" envDefault:"8000"`

	// Checkout submit rate limit per session
	CheckoutRPS   float64 `env:"CHECKOUT_RATE_LIMIT_RPS" envDefault:"1"`
	CheckoutBurst int     `env:"CHECKOUT_RATE_LIMIT_BURST" envDefault:"3"`
}

// LoadStorefront reads the storefront configuration from .env and the
// environment.
func LoadStorefront() (*StorefrontConfig, error) {
	cfg := &StorefrontConfig{}
	if err := pkgconfig.LoadWithDotenv(cfg, dotenvFiles...); err != nil {
		return nil, fmt.Errorf("load storefront config: %w", err)
	}
	cfg.Tracing.ServiceName = "storefront"
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *StorefrontConfig) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if err := validateURLs(map[string]string{"API_URL": c.APIURL}); err != nil {
		return err
	}
	if c.BasketTTLHours < 1 || c.PendingTTLHours < 1 {
		return fmt.Errorf("BASKET_TTL_HOURS and PENDING_PAYMENT_TTL_HOURS must be positive")
	}
	if c.SubmitLockSecs < 1 {
		return fmt.Errorf("CHECKOUT_LOCK_SECONDS must be positive, got %d", c.SubmitLockSecs)
	}
	// The success message needs a moment to render before navigation.
	if c.InvoiceRedirectDelayMs < 800 || c.InvoiceRedirectDelayMs > 1500 {
		return fmt.Errorf("INVOICE_REDIRECT_DELAY_MS must be between 800 and 1500, got %d", c.InvoiceRedirectDelayMs)
	}
	if c.ReconcileMaxAttempts < 1 {
		return fmt.Errorf("RECONCILE_MAX_ATTEMPTS must be at least 1")
	}
	// Polling runs inside a request, and storefront requests time out after 30s.
	if c.ReconcileMaxElapsedSec < 1 || c.ReconcileMaxElapsedSec > maxReconcileElapsedSec {
		return fmt.Errorf("RECONCILE_MAX_ELAPSED_SECONDS must be between 1 and %d, got %d",
			maxReconcileElapsedSec, c.ReconcileMaxElapsedSec)
	}
	if c.ReconcileInitialMs < 1 || c.ReconcileMaxIntervalMs < c.ReconcileInitialMs {
		return fmt.Errorf("invalid reconcile backoff: initial=%dms max=%dms",
			c.ReconcileInitialMs, c.ReconcileMaxIntervalMs)
	}
	if c.CheckoutRPS <= 0 || c.CheckoutBurst < 1 {
		return fmt.Errorf("CHECKOUT_RATE_LIMIT_RPS and CHECKOUT_RATE_LIMIT_BURST must be positive")
	}
	return c.Common.validate()
}

// InvoiceDelay is the pause before an invoice redirect.
func (c *StorefrontConfig) InvoiceDelay() time.Duration {
	return time.Duration(c.InvoiceRedirectDelayMs) * time.Millisecond
}

// BasketTTL is how long an untouched basket is kept.
func (c *StorefrontConfig) BasketTTL() time.Duration {
	return time.Duration(c.BasketTTLHours) * time.Hour
}

// PendingTTL is how long a payment snapshot is kept.
func (c *StorefrontConfig) PendingTTL() time.Duration {
	return time.Duration(c.PendingTTLHours) * time.Hour
}

// SubmitLockTTL bounds a single checkout attempt.
func (c *StorefrontConfig) SubmitLockTTL() time.Duration {
	return time.Duration(c.SubmitLockSecs) * time.Second
}

func validateURLs(urls map[string]string) error {
	for name, rawURL := range urls {
		if rawURL == "" {
			return fmt.Errorf("%s is required", name)
		}
		if _, err := url.ParseRequestURI(rawURL); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, rawURL, err)
		}
	}
	return nil
}
