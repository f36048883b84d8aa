package config

const EnvPrefix = "PFC"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "production"
)

const (
	StorageDriverMemory = "memory"
	StorageDriverSQL    = "sql"
	StorageDriverRedis  = "redis"
)

const (
	EnvAppEnv                = "PFC_APP_ENV"
	EnvAPIBaseURL            = "PFC_API_BASE_URL"
	EnvStorageDriver         = "PFC_STORAGE_DRIVER"
	EnvDBDSN                 = "PFC_DB_DSN"
	EnvDBDialect             = "PFC_DB_DIALECT"
	EnvRedisURL              = "PFC_REDIS_URL"
	EnvRedisAddr             = "PFC_REDIS_ADDR"
	EnvSessionRefreshTimeout = "PFC_SESSION_REFRESH_TIMEOUT"
	EnvCartPublishTimeout    = "PFC_CART_PUBLISH_TIMEOUT"
	EnvRealtimeURL           = "PFC_REALTIME_URL"
)
