package config

// EnvPrefix is handed to envconfig; every field declares its full key explicitly.
const EnvPrefix = "REFILLPOINT"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv      = "REFILLPOINT_APP_ENV"
	EnvPort        = "REFILLPOINT_APP_PORT"
	EnvLogLevel    = "REFILLPOINT_LOG_LEVEL"
	EnvDBDSN       = "REFILLPOINT_DB_DSN"
	EnvDBHost      = "REFILLPOINT_DB_HOST"
	EnvDBUser      = "REFILLPOINT_DB_USER"
	EnvDBName      = "REFILLPOINT_DB_NAME"
	EnvRedisURL    = "REFILLPOINT_REDIS_URL"
	EnvJWTSecret   = "REFILLPOINT_JWT_SECRET"
	EnvJWTIssuer   = "REFILLPOINT_JWT_ISSUER"
	EnvJWTExpMins  = "REFILLPOINT_JWT_EXPIRATION_MINUTES"
	EnvPickupKey   = "REFILLPOINT_PICKUP_SIGNING_KEY"
	EnvPickupTTL   = "REFILLPOINT_PICKUP_TOKEN_TTL"
	EnvFailPolicy  = "REFILLPOINT_PAYMENTS_FAILED_POLICY"
	EnvBroadcast   = "REFILLPOINT_BROADCAST_BACKEND"
	EnvKafkaBroker = "REFILLPOINT_KAFKA_BROKERS"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
