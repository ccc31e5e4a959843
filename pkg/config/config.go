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
	JWT          JWTConfig
	Password     PasswordConfig
	FeatureFlags FeatureFlagsConfig
	Stripe       StripeConfig
	Payments     PaymentsConfig
	Reservations ReservationsConfig
	Orders       OrdersConfig
	Pickup       PickupConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Kafka        KafkaConfig
	Broadcast    BroadcastConfig
	Outbox       OutboxConfig
	Cron         CronConfig
	CORS         CORSConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if err := cfg.Payments.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Broadcast.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"REFILLPOINT_APP_ENV" required:"true"`
	Port         string `envconfig:"REFILLPOINT_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"REFILLPOINT_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"REFILLPOINT_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"REFILLPOINT_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"REFILLPOINT_DB_DSN"`
	Driver string `envconfig:"REFILLPOINT_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"REFILLPOINT_DB_HOST"`
	LegacyPort     int    `envconfig:"REFILLPOINT_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"REFILLPOINT_DB_USER"`
	LegacyPassword string `envconfig:"REFILLPOINT_DB_PASSWORD"`
	LegacyName     string `envconfig:"REFILLPOINT_DB_NAME"`
	LegacySSLMode  string `envconfig:"REFILLPOINT_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"REFILLPOINT_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"REFILLPOINT_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"REFILLPOINT_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"REFILLPOINT_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"REFILLPOINT_REDIS_URL" required:"true"`
	Address      string        `envconfig:"REFILLPOINT_REDIS_ADDR"`
	Password     string        `envconfig:"REFILLPOINT_REDIS_PASSWORD"`
	DB           int           `envconfig:"REFILLPOINT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"REFILLPOINT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"REFILLPOINT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"REFILLPOINT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"REFILLPOINT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"REFILLPOINT_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"REFILLPOINT_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"REFILLPOINT_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"REFILLPOINT_JWT_EXPIRATION_MINUTES" required:"true"`
}

// PasswordConfig tunes argon2id for pickup OTP hashes.
type PasswordConfig struct {
	ArgonMemoryKB    int `envconfig:"REFILLPOINT_ARGON_MEMORY_KB" default:"19456"`
	ArgonTime        int `envconfig:"REFILLPOINT_ARGON_TIME" default:"2"`
	ArgonParallelism int `envconfig:"REFILLPOINT_ARGON_PARALLELISM" default:"1"`
	ArgonSaltLen     int `envconfig:"REFILLPOINT_ARGON_SALT_LEN" default:"16"`
	ArgonKeyLen      int `envconfig:"REFILLPOINT_ARGON_KEY_LEN" default:"32"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"REFILLPOINT_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"REFILLPOINT_AUTO_MIGRATE" default:"false"`
}

type StripeConfig struct {
	APIKey string `envconfig:"REFILLPOINT_STRIPE_API_KEY"`
	Secret string `envconfig:"REFILLPOINT_STRIPE_SECRET"`
	Env    string `envconfig:"REFILLPOINT_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

const (
	FailedPaymentKeepPending = "keep_pending"
	FailedPaymentCancel      = "cancel"
)

type PaymentsConfig struct {
	FailedPolicy    string        `envconfig:"REFILLPOINT_PAYMENTS_FAILED_POLICY" default:"keep_pending"`
	Currency        string        `envconfig:"REFILLPOINT_PAYMENTS_CURRENCY" default:"eur"`
	WebhookDedupTTL time.Duration `envconfig:"REFILLPOINT_PAYMENTS_WEBHOOK_DEDUP_TTL" default:"72h"`
}

// CancelOnFailure reports whether a failed payment cancels the order.
func (p PaymentsConfig) CancelOnFailure() bool {
	return strings.EqualFold(strings.TrimSpace(p.FailedPolicy), FailedPaymentCancel)
}

func (p PaymentsConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(p.FailedPolicy)) {
	case "", FailedPaymentKeepPending, FailedPaymentCancel:
		return nil
	default:
		return fmt.Errorf("%s must be %q or %q", EnvFailPolicy, FailedPaymentKeepPending, FailedPaymentCancel)
	}
}

type ReservationsConfig struct {
	TTL time.Duration `envconfig:"REFILLPOINT_RESERVATIONS_TTL" default:"15m"`
}

type OrdersConfig struct {
	PendingTTL       time.Duration `envconfig:"REFILLPOINT_ORDERS_PENDING_TTL" default:"24h"`
	DeliveryFeeCents int64         `envconfig:"REFILLPOINT_ORDERS_DELIVERY_FEE_CENTS" default:"500"`
	// PickupOnlyCategories lists catalog categories that cannot ship.
	PickupOnlyCategories []string `envconfig:"REFILLPOINT_ORDERS_PICKUP_ONLY_CATEGORIES" default:"refill"`
}

type PickupConfig struct {
	SigningKey string        `envconfig:"REFILLPOINT_PICKUP_SIGNING_KEY" required:"true"`
	TokenTTL   time.Duration `envconfig:"REFILLPOINT_PICKUP_TOKEN_TTL" default:"48h"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"REFILLPOINT_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	OrdersTopic string `envconfig:"REFILLPOINT_PUBSUB_ORDERS_TOPIC" default:"rp-order-events"`
}

type KafkaConfig struct {
	Brokers []string `envconfig:"REFILLPOINT_KAFKA_BROKERS"`
	Topic   string   `envconfig:"REFILLPOINT_KAFKA_ORDERS_TOPIC" default:"rp.order-events"`
}

const (
	BroadcastPubSub = "pubsub"
	BroadcastKafka  = "kafka"
	BroadcastLog    = "log"
)

type BroadcastConfig struct {
	Backend string `envconfig:"REFILLPOINT_BROADCAST_BACKEND" default:"log"`
}

func (b BroadcastConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(b.Backend)) {
	case "", BroadcastPubSub, BroadcastKafka, BroadcastLog:
		return nil
	default:
		return fmt.Errorf("%s must be one of %s, %s, %s", EnvBroadcast, BroadcastPubSub, BroadcastKafka, BroadcastLog)
	}
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"REFILLPOINT_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"REFILLPOINT_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"REFILLPOINT_OUTBOX_MAX_ATTEMPTS" default:"10"`
	// Retention bounds how long published rows are kept.
	Retention time.Duration `envconfig:"REFILLPOINT_OUTBOX_RETENTION" default:"720h"`
}

type CronConfig struct {
	Interval time.Duration `envconfig:"REFILLPOINT_CRON_INTERVAL" default:"1m"`
	LockTTL  time.Duration `envconfig:"REFILLPOINT_CRON_LOCK_TTL" default:"5m"`
}

type CORSConfig struct {
	AllowedOrigins []string `envconfig:"REFILLPOINT_CORS_ALLOWED_ORIGINS" default:"*"`
}

func (db *DBConfig) ensureDSN(sqlite bool) error {
	if db.DSN != "" {
		return nil
	}
	if sqlite {
		db.DSN = "file:refillpoint.db?cache=shared"
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
