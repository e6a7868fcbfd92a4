package config

const (
	EnvPrefix = "TRADEHOLD"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv       = "TRADEHOLD_APP_ENV"
	EnvPort         = "TRADEHOLD_APP_PORT"
	EnvDBDSN        = "TRADEHOLD_DB_DSN"
	EnvDBHost       = "TRADEHOLD_DB_HOST"
	EnvDBUser       = "TRADEHOLD_DB_USER"
	EnvDBName       = "TRADEHOLD_DB_NAME"
	EnvRedisURL     = "TRADEHOLD_REDIS_URL"
	EnvJWTSecret    = "TRADEHOLD_JWT_SECRET"
	EnvJWTIssuer    = "TRADEHOLD_JWT_ISSUER"
	EnvStripeAPIKey = "TRADEHOLD_STRIPE_API_KEY"
	EnvStripeSecret = "TRADEHOLD_STRIPE_SECRET"

	EnvPlatformFeeBps    = "TRADEHOLD_PLATFORM_FEE_BPS"
	EnvShippingFlatCents = "TRADEHOLD_SHIPPING_FLAT_CENTS"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
