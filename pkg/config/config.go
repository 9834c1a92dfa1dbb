package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Admin        AdminConfig
	CORS         CORSConfig
	FeatureFlags FeatureFlagsConfig
	Ledger       LedgerConfig
	Tiers        TiersConfig
	RateLimit    RateLimitConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	BigQuery     BigQueryConfig
	Outbox       OutboxConfig
	Stripe       StripeConfig
	Cron         CronConfig
}

// Load reads the environment, derives the DSN from legacy parts when needed
// and checks the numeric knobs. Validation errors name the offending variable.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := checkBounds(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var bounds = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("envconfig")
	})
	return v
}()

func checkBounds(cfg *Config) error {
	err := bounds.Struct(cfg)
	var fieldErrs validator.ValidationErrors
	if err == nil || !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s fails %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

type AppConfig struct {
	Env          string `envconfig:"SEARCHDEEP_APP_ENV" required:"true"`
	Port         string `envconfig:"SEARCHDEEP_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"SEARCHDEEP_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"SEARCHDEEP_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"SEARCHDEEP_LOG_FORMAT" default:"json"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"SEARCHDEEP_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"SEARCHDEEP_DB_DSN"`
	Driver string `envconfig:"SEARCHDEEP_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"SEARCHDEEP_DB_HOST"`
	LegacyPort     int    `envconfig:"SEARCHDEEP_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"SEARCHDEEP_DB_USER"`
	LegacyPassword string `envconfig:"SEARCHDEEP_DB_PASSWORD"`
	LegacyName     string `envconfig:"SEARCHDEEP_DB_NAME"`
	LegacySSLMode  string `envconfig:"SEARCHDEEP_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"SEARCHDEEP_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"SEARCHDEEP_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"SEARCHDEEP_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"SEARCHDEEP_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	SlowQuery       time.Duration `envconfig:"SEARCHDEEP_DB_SLOW_QUERY" default:"250ms"`
}

// IsSQLite reports whether the configured driver is the embedded sqlite engine.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), "sqlite")
}

type RedisConfig struct {
	URL          string        `envconfig:"SEARCHDEEP_REDIS_URL" required:"true"`
	Address      string        `envconfig:"SEARCHDEEP_REDIS_ADDR"`
	Password     string        `envconfig:"SEARCHDEEP_REDIS_PASSWORD"`
	DB           int           `envconfig:"SEARCHDEEP_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"SEARCHDEEP_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"SEARCHDEEP_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"SEARCHDEEP_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"SEARCHDEEP_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"SEARCHDEEP_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"SEARCHDEEP_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"SEARCHDEEP_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"SEARCHDEEP_JWT_EXPIRATION_MINUTES" default:"60"`
}

// Expiration returns the access token lifetime.
func (j JWTConfig) Expiration() time.Duration {
	if j.ExpirationMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(j.ExpirationMinutes) * time.Minute
}

// AdminConfig seeds the admin role table. A user whose email is listed is
// granted the role when first provisioned.
type AdminConfig struct {
	BootstrapEmails []string `envconfig:"SEARCHDEEP_ADMIN_BOOTSTRAP_EMAILS"`
}

type CORSConfig struct {
	AllowedOrigins []string `envconfig:"SEARCHDEEP_CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"SEARCHDEEP_AUTO_MIGRATE" default:"false"`
}

// LedgerConfig holds the credit ledger knobs.
type LedgerConfig struct {
	SignupGrant  int           `envconfig:"SEARCHDEEP_LEDGER_SIGNUP_GRANT" default:"5" validate:"gte=0"`
	StoreTimeout time.Duration `envconfig:"SEARCHDEEP_LEDGER_STORE_TIMEOUT" default:"5s" validate:"gt=0"`
	HistoryLimit int           `envconfig:"SEARCHDEEP_LEDGER_HISTORY_LIMIT" default:"50" validate:"gt=0,lte=500"`
}

// TiersConfig overrides the credits granted per billing period, keyed by tier id.
// Format: "basic:30,pro:200".
type TiersConfig struct {
	Credits map[string]int `envconfig:"SEARCHDEEP_TIER_CREDITS"`
}

type RateLimitConfig struct {
	ConsumeLimit  int           `envconfig:"SEARCHDEEP_RATE_LIMIT_CONSUME" default:"120" validate:"gte=0"`
	ConsumeWindow time.Duration `envconfig:"SEARCHDEEP_RATE_LIMIT_CONSUME_WINDOW" default:"1m" validate:"gt=0"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"SEARCHDEEP_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"SEARCHDEEP_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"SEARCHDEEP_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	CreditsTopic        string `envconfig:"SEARCHDEEP_PUBSUB_CREDITS_TOPIC" default:"searchdeep-credit-events"`
	CreditsSubscription string `envconfig:"SEARCHDEEP_PUBSUB_CREDITS_SUBSCRIPTION" default:"searchdeep-credit-events-export"`
}

type BigQueryConfig struct {
	Dataset           string        `envconfig:"SEARCHDEEP_BIGQUERY_DATASET" default:"searchdeep_ledger"`
	LedgerTable       string        `envconfig:"SEARCHDEEP_BIGQUERY_LEDGER_TABLE" default:"credit_ledger_entries"`
	ProcessedEventTTL time.Duration `envconfig:"SEARCHDEEP_BIGQUERY_PROCESSED_TTL" default:"168h"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"SEARCHDEEP_OUTBOX_PUBLISH_BATCH_SIZE" default:"50" validate:"gt=0,lte=1000"`
	PollIntervalMS int `envconfig:"SEARCHDEEP_OUTBOX_PUBLISH_POLL_MS" default:"500" validate:"gt=0"`
	MaxAttempts    int `envconfig:"SEARCHDEEP_OUTBOX_MAX_ATTEMPTS" default:"10" validate:"gt=0"`
}

type StripeConfig struct {
	APIKey        string `envconfig:"SEARCHDEEP_STRIPE_API_KEY"`
	WebhookSecret string `envconfig:"SEARCHDEEP_STRIPE_WEBHOOK_SECRET"`
	Env           string `envconfig:"SEARCHDEEP_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type CronConfig struct {
	Interval       time.Duration `envconfig:"SEARCHDEEP_CRON_INTERVAL" default:"1h" validate:"gte=1m"`
	IntegrityBatch int           `envconfig:"SEARCHDEEP_CRON_INTEGRITY_BATCH" default:"200" validate:"gt=0"`
	// OutboxRetention is how long published outbox rows are kept.
	OutboxRetention time.Duration `envconfig:"SEARCHDEEP_CRON_OUTBOX_RETENTION" default:"720h" validate:"gte=24h"`
	// MetricsAddr exposes /metrics from the worker when set, e.g. ":9091".
	MetricsAddr string `envconfig:"SEARCHDEEP_CRON_METRICS_ADDR"`
}

// ensureDSN assembles a postgres URL from the discrete host/user/name
// variables when no DSN is given.
func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" || db.IsSQLite() {
		return nil
	}

	parts := map[string]string{EnvDBHost: db.LegacyHost, EnvDBUser: db.LegacyUser, EnvDBName: db.LegacyName}
	var missing []string
	for _, env := range legacyDBEnvVars {
		if strings.TrimSpace(parts[env]) == "" {
			missing = append(missing, env)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s is unset and so are %s", EnvDBDSN, strings.Join(missing, ", "))
	}

	dsn := url.URL{
		Scheme: "postgres",
		User:   url.User(db.LegacyUser),
		Host:   net.JoinHostPort(db.LegacyHost, strconv.Itoa(db.LegacyPort)),
		Path:   db.LegacyName,
	}
	if db.LegacyPassword != "" {
		dsn.User = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}
	if db.LegacySSLMode != "" {
		dsn.RawQuery = url.Values{"sslmode": {db.LegacySSLMode}}.Encode()
	}
	db.DSN = dsn.String()
	return nil
}
