package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	App           AppConfig
	Service       ServiceConfig
	DB            DBConfig
	Redis         RedisConfig
	FeatureFlags  FeatureFlagsConfig
	GCP           GCPConfig
	PubSub        PubSubConfig
	Outbox        OutboxConfig
	Settlement    SettlementConfig
	Dispatch      DispatchConfig
	Cron          CronConfig
	Notifications NotificationsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Settlement.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"DISPATCH_APP_ENV" required:"true"`
	Port         string `envconfig:"DISPATCH_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"DISPATCH_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"DISPATCH_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"DISPATCH_LOG_FORMAT" default:"json"`
	// Timezone anchors the "today" and "this month" earnings buckets.
	Timezone    string   `envconfig:"DISPATCH_TIMEZONE" default:"UTC"`
	CORSOrigins []string `envconfig:"DISPATCH_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, "production")
}

// Location resolves the configured timezone, falling back to UTC.
func (a AppConfig) Location() *time.Location {
	name := strings.TrimSpace(a.Timezone)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

type ServiceConfig struct {
	Kind string `envconfig:"DISPATCH_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"DISPATCH_DB_DSN"`
	Driver string `envconfig:"DISPATCH_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"DISPATCH_DB_HOST"`
	LegacyPort     int    `envconfig:"DISPATCH_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"DISPATCH_DB_USER"`
	LegacyPassword string `envconfig:"DISPATCH_DB_PASSWORD"`
	LegacyName     string `envconfig:"DISPATCH_DB_NAME"`
	LegacySSLMode  string `envconfig:"DISPATCH_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"DISPATCH_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"DISPATCH_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"DISPATCH_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"DISPATCH_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"DISPATCH_REDIS_URL" required:"true"`
	Address      string        `envconfig:"DISPATCH_REDIS_ADDR"`
	Password     string        `envconfig:"DISPATCH_REDIS_PASSWORD"`
	DB           int           `envconfig:"DISPATCH_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"DISPATCH_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"DISPATCH_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"DISPATCH_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"DISPATCH_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"DISPATCH_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"DISPATCH_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"DISPATCH_AUTO_MIGRATE" default:"false"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"DISPATCH_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"DISPATCH_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"DISPATCH_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	OrdersTopic       string `envconfig:"DISPATCH_PUBSUB_ORDERS_TOPIC" default:"dispatch-order-events"`
	DriverFanoutTopic string `envconfig:"DISPATCH_PUBSUB_DRIVER_FANOUT_TOPIC" default:"dispatch-driver-fanout"`
	EarningsTopic     string `envconfig:"DISPATCH_PUBSUB_EARNINGS_TOPIC" default:"dispatch-earning-events"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"DISPATCH_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"DISPATCH_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"DISPATCH_OUTBOX_MAX_ATTEMPTS" default:"10"`
	// ClaimableMaxAge drops claimable broadcasts older than this instead of
	// advertising an order drivers can probably no longer take.
	ClaimableMaxAge time.Duration `envconfig:"DISPATCH_OUTBOX_CLAIMABLE_MAX_AGE" default:"15m"`
}

// SettlementConfig holds the default earnings policy. Redis overrides take
// precedence when present.
type SettlementConfig struct {
	PerKmRate        decimal.Decimal `envconfig:"DISPATCH_SETTLEMENT_PER_KM_RATE" default:"1.5"`
	CommissionRate   decimal.Decimal `envconfig:"DISPATCH_SETTLEMENT_COMMISSION_RATE" default:"0.2"`
	MinWalletBalance decimal.Decimal `envconfig:"DISPATCH_SETTLEMENT_MIN_WALLET_BALANCE" default:"0"`
	PolicyCacheTTL   time.Duration   `envconfig:"DISPATCH_SETTLEMENT_POLICY_CACHE_TTL" default:"30s"`
}

func (s SettlementConfig) validate() error {
	if s.PerKmRate.IsNegative() {
		return fmt.Errorf("%s must be non-negative", EnvSettlementPerKmRate)
	}
	if s.CommissionRate.IsNegative() || s.CommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%s must be within [0,1]", EnvSettlementCommissionRate)
	}
	if s.MinWalletBalance.IsNegative() {
		return fmt.Errorf("%s must be non-negative", EnvSettlementMinWallet)
	}
	return nil
}

type DispatchConfig struct {
	ClaimLockTimeout      time.Duration `envconfig:"DISPATCH_CLAIM_LOCK_TIMEOUT" default:"3s"`
	TransitionLockTimeout time.Duration `envconfig:"DISPATCH_TRANSITION_LOCK_TIMEOUT" default:"5s"`
	ClaimRateWindow       time.Duration `envconfig:"DISPATCH_CLAIM_RATE_WINDOW" default:"10s"`
	ClaimRateLimit        int           `envconfig:"DISPATCH_CLAIM_RATE_LIMIT" default:"5"`
}

type CronConfig struct {
	Interval          time.Duration `envconfig:"DISPATCH_CRON_INTERVAL" default:"1m"`
	LockTTL           time.Duration `envconfig:"DISPATCH_CRON_LOCK_TTL" default:"5m"`
	PendingExpiry     time.Duration `envconfig:"DISPATCH_CRON_PENDING_EXPIRY" default:"2h"`
	BackfillBatchSize int           `envconfig:"DISPATCH_CRON_BACKFILL_BATCH_SIZE" default:"100"`
	BackfillEvery     time.Duration `envconfig:"DISPATCH_CRON_BACKFILL_EVERY" default:"0s"`
	ExpiryEvery       time.Duration `envconfig:"DISPATCH_CRON_PENDING_EXPIRY_EVERY" default:"5m"`
	RetentionEvery    time.Duration `envconfig:"DISPATCH_CRON_RETENTION_EVERY" default:"1h"`
	JobTimeout        time.Duration `envconfig:"DISPATCH_CRON_JOB_TIMEOUT" default:"2m"`
}

type NotificationsConfig struct {
	FanoutGuardTTL time.Duration `envconfig:"DISPATCH_NOTIFICATIONS_FANOUT_GUARD_TTL" default:"24h"`
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
