package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App     AppConfig
	Service ServiceConfig
	DB      DBConfig
	Redis   RedisConfig
	JWT     JWTConfig
	GCP     GCPConfig
	PubSub  PubSubConfig
	Outbox  OutboxConfig
	Stripe  StripeConfig
	Fees    FeesConfig
	Custody CustodyConfig
	Escrow  EscrowConfig
	Cron    CronConfig
	Limits  RateLimitConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Fees.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string   `envconfig:"TRADEHOLD_APP_ENV" required:"true"`
	Port         string   `envconfig:"TRADEHOLD_APP_PORT" required:"true"`
	LogLevel     string   `envconfig:"TRADEHOLD_LOG_LEVEL" default:"info"`
	LogFormat    string   `envconfig:"TRADEHOLD_LOG_FORMAT" default:"json"`
	LogWarnStack bool     `envconfig:"TRADEHOLD_LOG_WARN_STACK" default:"false"`
	AutoMigrate  bool     `envconfig:"TRADEHOLD_AUTO_MIGRATE" default:"false"`
	CORSOrigins  []string `envconfig:"TRADEHOLD_CORS_ORIGINS" default:"http://localhost:3000"`

	// workers only; the api serves /metrics on its own router
	MetricsPort string `envconfig:"TRADEHOLD_METRICS_PORT"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"TRADEHOLD_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"TRADEHOLD_DB_DSN"`
	Driver string `envconfig:"TRADEHOLD_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"TRADEHOLD_DB_HOST"`
	LegacyPort     int    `envconfig:"TRADEHOLD_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"TRADEHOLD_DB_USER"`
	LegacyPassword string `envconfig:"TRADEHOLD_DB_PASSWORD"`
	LegacyName     string `envconfig:"TRADEHOLD_DB_NAME"`
	LegacySSLMode  string `envconfig:"TRADEHOLD_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"TRADEHOLD_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"TRADEHOLD_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"TRADEHOLD_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"TRADEHOLD_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"TRADEHOLD_REDIS_URL" required:"true"`
	Address      string        `envconfig:"TRADEHOLD_REDIS_ADDR"`
	Password     string        `envconfig:"TRADEHOLD_REDIS_PASSWORD"`
	DB           int           `envconfig:"TRADEHOLD_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"TRADEHOLD_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"TRADEHOLD_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"TRADEHOLD_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"TRADEHOLD_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"TRADEHOLD_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// JWTConfig describes the external identity issuer whose access tokens the API accepts.
type JWTConfig struct {
	Secret            string `envconfig:"TRADEHOLD_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"TRADEHOLD_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"TRADEHOLD_JWT_EXPIRATION_MINUTES" default:"60"`
}

type GCPConfig struct {
	ProjectID       string `envconfig:"TRADEHOLD_GCP_PROJECT_ID"`
	CredentialsJSON string `envconfig:"TRADEHOLD_GCP_CREDENTIALS_JSON"`
}

type PubSubConfig struct {
	OrderEventsTopic string `envconfig:"TRADEHOLD_PUBSUB_ORDER_EVENTS_TOPIC" default:"tradehold-order-events"`
	DLQTopic         string `envconfig:"TRADEHOLD_PUBSUB_DLQ_TOPIC"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"TRADEHOLD_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"TRADEHOLD_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"TRADEHOLD_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int `envconfig:"TRADEHOLD_OUTBOX_RETENTION_DAYS" default:"30"`
}

type StripeConfig struct {
	APIKey string `envconfig:"TRADEHOLD_STRIPE_API_KEY"`
	Secret string `envconfig:"TRADEHOLD_STRIPE_SECRET"`
	Env    string `envconfig:"TRADEHOLD_STRIPE_ENV" default:"test"`

	// custody retries with its own backoff; SDK retries stay off by default
	MaxNetworkRetries int           `envconfig:"TRADEHOLD_STRIPE_MAX_NETWORK_RETRIES" default:"0"`
	Timeout           time.Duration `envconfig:"TRADEHOLD_STRIPE_TIMEOUT" default:"20s"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// FeesConfig holds the single authoritative fee schedule used by checkout and
// every later money-touching transition.
type FeesConfig struct {
	PlatformFeeBps     int64  `envconfig:"TRADEHOLD_PLATFORM_FEE_BPS" default:"300"`
	ShippingFlatCents  int64  `envconfig:"TRADEHOLD_SHIPPING_FLAT_CENTS" default:"5000"`
	SettlementCurrency string `envconfig:"TRADEHOLD_SETTLEMENT_CURRENCY" default:"usd"`
}

func (f FeesConfig) validate() error {
	if f.PlatformFeeBps < 0 || f.PlatformFeeBps > 10000 {
		return fmt.Errorf("%s must be between 0 and 10000", EnvPlatformFeeBps)
	}
	if f.ShippingFlatCents < 0 {
		return fmt.Errorf("%s must not be negative", EnvShippingFlatCents)
	}
	return nil
}

// CustodyConfig bounds every payment processor round trip.
type CustodyConfig struct {
	CallTimeout   time.Duration `envconfig:"TRADEHOLD_CUSTODY_CALL_TIMEOUT" default:"10s"`
	MaxRetries    uint64        `envconfig:"TRADEHOLD_CUSTODY_MAX_RETRIES" default:"3"`
	RetryBaseWait time.Duration `envconfig:"TRADEHOLD_CUSTODY_RETRY_BASE_WAIT" default:"200ms"`
}

type EscrowConfig struct {
	AutoReleaseAfter      time.Duration `envconfig:"TRADEHOLD_ESCROW_AUTO_RELEASE_AFTER" default:"168h"`
	PendingHoldSweepAge   time.Duration `envconfig:"TRADEHOLD_ESCROW_PENDING_HOLD_SWEEP_AGE" default:"15m"`
	WebhookIdempotencyTTL time.Duration `envconfig:"TRADEHOLD_ESCROW_WEBHOOK_IDEMPOTENCY_TTL" default:"720h"`
}

// CronConfig sets how often each escrow sweep runs. LockTTL bounds how long a
// crashed worker can keep a sweep from running elsewhere.
type CronConfig struct {
	PendingHoldsEvery    time.Duration `envconfig:"TRADEHOLD_CRON_PENDING_HOLDS_EVERY" default:"5m"`
	AutoReleaseEvery     time.Duration `envconfig:"TRADEHOLD_CRON_AUTO_RELEASE_EVERY" default:"1h"`
	OutboxRetentionEvery time.Duration `envconfig:"TRADEHOLD_CRON_OUTBOX_RETENTION_EVERY" default:"24h"`
	JobTimeout           time.Duration `envconfig:"TRADEHOLD_CRON_JOB_TIMEOUT" default:"5m"`
	LockTTL              time.Duration `envconfig:"TRADEHOLD_CRON_LOCK_TTL" default:"10m"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}

// RateLimitConfig throttles the two calls that create rows on behalf of a user.
type RateLimitConfig struct {
	Window           time.Duration `envconfig:"TRADEHOLD_RATE_LIMIT_WINDOW" default:"1m"`
	OrderCreateLimit int           `envconfig:"TRADEHOLD_RATE_LIMIT_ORDER_CREATE" default:"10"`
	DisputeOpenLimit int           `envconfig:"TRADEHOLD_RATE_LIMIT_DISPUTE_OPEN" default:"5"`
}
