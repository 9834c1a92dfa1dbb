package config

// EnvPrefix namespaces every variable read by Load.
const EnvPrefix = "SEARCHDEEP"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv       = "SEARCHDEEP_APP_ENV"
	EnvPort         = "SEARCHDEEP_APP_PORT"
	EnvLogLevel     = "SEARCHDEEP_LOG_LEVEL"
	EnvLogWarnStack = "SEARCHDEEP_LOG_WARN_STACK"
	EnvServiceKind  = "SEARCHDEEP_SERVICE_KIND"

	EnvDBDSN     = "SEARCHDEEP_DB_DSN"
	EnvDBDriver  = "SEARCHDEEP_DB_DRIVER"
	EnvDBHost    = "SEARCHDEEP_DB_HOST"
	EnvDBPort    = "SEARCHDEEP_DB_PORT"
	EnvDBUser    = "SEARCHDEEP_DB_USER"
	EnvDBPass    = "SEARCHDEEP_DB_PASSWORD"
	EnvDBName    = "SEARCHDEEP_DB_NAME"
	EnvDBSSLMode = "SEARCHDEEP_DB_SSLMODE"

	EnvRedisURL = "SEARCHDEEP_REDIS_URL"

	EnvJWTSecret  = "SEARCHDEEP_JWT_SECRET"
	EnvJWTIssuer  = "SEARCHDEEP_JWT_ISSUER"
	EnvJWTExpMins = "SEARCHDEEP_JWT_EXPIRATION_MINUTES"

	EnvAdminBootstrapEmails = "SEARCHDEEP_ADMIN_BOOTSTRAP_EMAILS"
	EnvCORSAllowedOrigins   = "SEARCHDEEP_CORS_ALLOWED_ORIGINS"

	EnvAutoMigrate = "SEARCHDEEP_AUTO_MIGRATE"

	EnvLedgerSignupGrant  = "SEARCHDEEP_LEDGER_SIGNUP_GRANT"
	EnvLedgerStoreTimeout = "SEARCHDEEP_LEDGER_STORE_TIMEOUT"
	EnvLedgerHistoryLimit = "SEARCHDEEP_LEDGER_HISTORY_LIMIT"

	EnvTierCredits = "SEARCHDEEP_TIER_CREDITS"

	EnvConsumeRateLimit  = "SEARCHDEEP_RATE_LIMIT_CONSUME"
	EnvConsumeRateWindow = "SEARCHDEEP_RATE_LIMIT_CONSUME_WINDOW"

	EnvGCPProjectID        = "SEARCHDEEP_GCP_PROJECT_ID"
	EnvPubSubCreditsTopic  = "SEARCHDEEP_PUBSUB_CREDITS_TOPIC"
	EnvPubSubCreditsSub    = "SEARCHDEEP_PUBSUB_CREDITS_SUBSCRIPTION"
	EnvBigQueryDataset     = "SEARCHDEEP_BIGQUERY_DATASET"
	EnvBigQueryLedgerTable = "SEARCHDEEP_BIGQUERY_LEDGER_TABLE"
	EnvOutboxBatchSize     = "SEARCHDEEP_OUTBOX_PUBLISH_BATCH_SIZE"
	EnvOutboxPollMS        = "SEARCHDEEP_OUTBOX_PUBLISH_POLL_MS"
	EnvOutboxMaxAttempts   = "SEARCHDEEP_OUTBOX_MAX_ATTEMPTS"
	EnvStripeAPIKey        = "SEARCHDEEP_STRIPE_API_KEY"
	EnvStripeWebhookSecret = "SEARCHDEEP_STRIPE_WEBHOOK_SECRET"
	EnvStripeEnv           = "SEARCHDEEP_STRIPE_ENV"

	EnvCronInterval       = "SEARCHDEEP_CRON_INTERVAL"
	EnvCronIntegrityBatch = "SEARCHDEEP_CRON_INTEGRITY_BATCH"
	EnvCronRetention      = "SEARCHDEEP_CRON_OUTBOX_RETENTION"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
