package config

const (
	EnvPrefix = "DISPATCH"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv   = "DISPATCH_APP_ENV"
	EnvPort     = "DISPATCH_APP_PORT"
	EnvLogLevel = "DISPATCH_LOG_LEVEL"

	EnvDBDSN  = "DISPATCH_DB_DSN"
	EnvDBHost = "DISPATCH_DB_HOST"
	EnvDBUser = "DISPATCH_DB_USER"
	EnvDBName = "DISPATCH_DB_NAME"

	EnvRedisURL     = "DISPATCH_REDIS_URL"
	EnvGCPProjectID = "DISPATCH_GCP_PROJECT_ID"

	EnvSettlementPerKmRate      = "DISPATCH_SETTLEMENT_PER_KM_RATE"
	EnvSettlementCommissionRate = "DISPATCH_SETTLEMENT_COMMISSION_RATE"
	EnvSettlementMinWallet      = "DISPATCH_SETTLEMENT_MIN_WALLET_BALANCE"

	EnvClaimLockTimeout = "DISPATCH_CLAIM_LOCK_TIMEOUT"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
