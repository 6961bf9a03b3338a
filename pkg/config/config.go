package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Stripe       StripeConfig
	Checkout     CheckoutConfig
	Escrow       EscrowConfig
	Reconcile    ReconcileConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	for _, check := range []func() error{cfg.App.validate, cfg.Escrow.validate, cfg.Outbox.validate} {
		if err := check(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string   `envconfig:"SETTLEMENT_APP_ENV" required:"true"`
	Port         string   `envconfig:"SETTLEMENT_APP_PORT" default:"8080"`
	LogLevel     string   `envconfig:"SETTLEMENT_LOG_LEVEL" default:"info"`
	LogWarnStack bool     `envconfig:"SETTLEMENT_LOG_WARN_STACK" default:"false"`
	LogFormat    string   `envconfig:"SETTLEMENT_LOG_FORMAT" default:"json"`
	CORSOrigins  []string `envconfig:"SETTLEMENT_CORS_ORIGINS"`

	// MetricsAddr is the /metrics listener for workers without an HTTP API.
	MetricsAddr string `envconfig:"SETTLEMENT_METRICS_ADDR"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

func (a AppConfig) validate() error {
	switch strings.ToLower(a.LogFormat) {
	case "", "json", "console":
		return nil
	}
	return fmt.Errorf("%s must be json or console, got %q", EnvLogFormat, a.LogFormat)
}

type ServiceConfig struct {
	Kind string `envconfig:"SETTLEMENT_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"SETTLEMENT_DB_DSN"`
	Driver string `envconfig:"SETTLEMENT_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"SETTLEMENT_DB_HOST"`
	Port     int    `envconfig:"SETTLEMENT_DB_PORT" default:"5432"`
	User     string `envconfig:"SETTLEMENT_DB_USER"`
	Password string `envconfig:"SETTLEMENT_DB_PASSWORD"`
	Name     string `envconfig:"SETTLEMENT_DB_NAME"`
	SSLMode  string `envconfig:"SETTLEMENT_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"SETTLEMENT_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"SETTLEMENT_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"SETTLEMENT_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"SETTLEMENT_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	SlowQuery       time.Duration `envconfig:"SETTLEMENT_DB_SLOW_QUERY" default:"250ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"SETTLEMENT_REDIS_URL" required:"true"`
	Address      string        `envconfig:"SETTLEMENT_REDIS_ADDR"`
	Password     string        `envconfig:"SETTLEMENT_REDIS_PASSWORD"`
	DB           int           `envconfig:"SETTLEMENT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"SETTLEMENT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"SETTLEMENT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"SETTLEMENT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"SETTLEMENT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"SETTLEMENT_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"SETTLEMENT_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"SETTLEMENT_AUTO_MIGRATE" default:"false"`
}

type EventingConfig struct {
	WebhookIdempotencyTTL time.Duration `envconfig:"SETTLEMENT_EVENTING_WEBHOOK_IDEMPOTENCY_TTL" default:"720h"`
	RequestIdempotencyTTL time.Duration `envconfig:"SETTLEMENT_EVENTING_REQUEST_IDEMPOTENCY_TTL" default:"24h"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"SETTLEMENT_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	DomainTopic string `envconfig:"SETTLEMENT_PUBSUB_DOMAIN_TOPIC" default:"settlement-domain-events"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"SETTLEMENT_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"SETTLEMENT_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"SETTLEMENT_OUTBOX_MAX_ATTEMPTS" default:"10"`

	Retention         time.Duration `envconfig:"SETTLEMENT_OUTBOX_RETENTION" default:"720h"`
	RetentionInterval time.Duration `envconfig:"SETTLEMENT_OUTBOX_RETENTION_INTERVAL" default:"24h"`
}

func (o OutboxConfig) validate() error {
	if o.BatchSize <= 0 || o.MaxAttempts <= 0 {
		return fmt.Errorf("%s and %s must be positive", EnvOutboxBatchSize, EnvOutboxMaxAttempts)
	}
	return nil
}

type StripeConfig struct {
	APIKey string `envconfig:"SETTLEMENT_STRIPE_API_KEY"`
	Secret string `envconfig:"SETTLEMENT_STRIPE_SECRET"`
	Env    string `envconfig:"SETTLEMENT_STRIPE_ENV" default:"test"`

	MaxNetworkRetries int           `envconfig:"SETTLEMENT_STRIPE_MAX_NETWORK_RETRIES" default:"2"`
	WebhookTolerance  time.Duration `envconfig:"SETTLEMENT_STRIPE_WEBHOOK_TOLERANCE" default:"5m"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type CheckoutConfig struct {
	ReservationLease time.Duration     `envconfig:"SETTLEMENT_CHECKOUT_RESERVATION_LEASE" default:"15m"`
	Currency         string            `envconfig:"SETTLEMENT_CHECKOUT_CURRENCY" default:"KRW"`
	ShippingFeeCents int64             `envconfig:"SETTLEMENT_CHECKOUT_SHIPPING_FEE_CENTS" default:"0"`
	DefaultFeeRate   string            `envconfig:"SETTLEMENT_CHECKOUT_DEFAULT_FEE_RATE" default:"0.10"`
	SellerFeeRates   map[string]string `envconfig:"SETTLEMENT_CHECKOUT_SELLER_FEE_RATES"`
}

type EscrowConfig struct {
	ProtectionWindow    time.Duration `envconfig:"SETTLEMENT_ESCROW_PROTECTION_WINDOW" default:"168h"`
	TransferMaxAttempts int           `envconfig:"SETTLEMENT_ESCROW_TRANSFER_MAX_ATTEMPTS" default:"5"`
	TransferBaseBackoff time.Duration `envconfig:"SETTLEMENT_ESCROW_TRANSFER_BASE_BACKOFF" default:"1m"`
	TransferMaxBackoff  time.Duration `envconfig:"SETTLEMENT_ESCROW_TRANSFER_MAX_BACKOFF" default:"6h"`
	RefundMaxAttempts   int           `envconfig:"SETTLEMENT_ESCROW_REFUND_MAX_ATTEMPTS" default:"3"`
	RefundBackoff       time.Duration `envconfig:"SETTLEMENT_ESCROW_REFUND_BACKOFF" default:"500ms"`
	BatchSize           int           `envconfig:"SETTLEMENT_ESCROW_BATCH_SIZE" default:"100"`
	ReleaseInterval     time.Duration `envconfig:"SETTLEMENT_ESCROW_RELEASE_INTERVAL" default:"5m"`
	RetryInterval       time.Duration `envconfig:"SETTLEMENT_ESCROW_RETRY_INTERVAL" default:"5m"`
}

func (e EscrowConfig) validate() error {
	if e.TransferMaxAttempts <= 0 {
		return fmt.Errorf("%s must be positive", EnvEscrowTransferMaxAttempts)
	}
	if e.RefundMaxAttempts <= 0 {
		return fmt.Errorf("%s must be positive", EnvEscrowRefundMaxAttempts)
	}
	if e.TransferMaxBackoff < e.TransferBaseBackoff {
		return fmt.Errorf("%s must not be lower than %s", EnvEscrowTransferMaxBackoff, EnvEscrowTransferBaseBackoff)
	}
	return nil
}

type ReconcileConfig struct {
	Interval       time.Duration `envconfig:"SETTLEMENT_RECONCILE_INTERVAL" default:"15m"`
	PendingTimeout time.Duration `envconfig:"SETTLEMENT_RECONCILE_PENDING_TIMEOUT" default:"15m"`
	BatchSize      int           `envconfig:"SETTLEMENT_RECONCILE_BATCH_SIZE" default:"200"`
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if db.DSN != "" {
		return nil
	}
	if useSQLite {
		db.DSN = "file:settlement.db?cache=shared"
		return nil
	}

	missing := []string{}
	values := map[string]string{
		EnvDBHost: db.Host,
		EnvDBUser: db.User,
		EnvDBName: db.Name,
	}
	for _, env := range discreteDBEnvVars {
		if values[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.User)
	if db.Password != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
