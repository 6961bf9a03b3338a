package config

// EnvPrefix is passed to envconfig; every field carries its full variable name.
const EnvPrefix = "SETTLEMENT"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv    = "SETTLEMENT_APP_ENV"
	EnvPort      = "SETTLEMENT_APP_PORT"
	EnvDBDSN     = "SETTLEMENT_DB_DSN"
	EnvDBHost    = "SETTLEMENT_DB_HOST"
	EnvDBUser    = "SETTLEMENT_DB_USER"
	EnvDBName    = "SETTLEMENT_DB_NAME"
	EnvRedisURL  = "SETTLEMENT_REDIS_URL"
	EnvUseSQLite = "SETTLEMENT_USE_SQLITE"
	EnvLogFormat = "SETTLEMENT_LOG_FORMAT"

	EnvOutboxBatchSize   = "SETTLEMENT_OUTBOX_PUBLISH_BATCH_SIZE"
	EnvOutboxMaxAttempts = "SETTLEMENT_OUTBOX_MAX_ATTEMPTS"

	EnvPubSubDomainTopic = "SETTLEMENT_PUBSUB_DOMAIN_TOPIC"

	EnvEscrowProtectionWindow    = "SETTLEMENT_ESCROW_PROTECTION_WINDOW"
	EnvEscrowTransferMaxAttempts = "SETTLEMENT_ESCROW_TRANSFER_MAX_ATTEMPTS"
	EnvEscrowTransferBaseBackoff = "SETTLEMENT_ESCROW_TRANSFER_BASE_BACKOFF"
	EnvEscrowTransferMaxBackoff  = "SETTLEMENT_ESCROW_TRANSFER_MAX_BACKOFF"
	EnvEscrowRefundMaxAttempts   = "SETTLEMENT_ESCROW_REFUND_MAX_ATTEMPTS"

	EnvReconcileInterval       = "SETTLEMENT_RECONCILE_INTERVAL"
	EnvReconcilePendingTimeout = "SETTLEMENT_RECONCILE_PENDING_TIMEOUT"
)

var discreteDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
