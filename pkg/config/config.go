package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App       AppConfig
	API       APIConfig
	Storage   StorageConfig
	DB        DBConfig
	Redis     RedisConfig
	Session   SessionConfig
	Cart      CartConfig
	Realtime  RealtimeConfig
	Inspector InspectorConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Storage.validate(); err != nil {
		return nil, err
	}
	if cfg.Storage.Driver == StorageDriverSQL && cfg.DB.DSN == "" {
		return nil, fmt.Errorf("%s is required when %s=%s", EnvDBDSN, EnvStorageDriver, StorageDriverSQL)
	}
	if cfg.Storage.Driver == StorageDriverRedis && cfg.Redis.URL == "" && cfg.Redis.Address == "" {
		return nil, fmt.Errorf("%s or %s is required when %s=%s", EnvRedisURL, EnvRedisAddr, EnvStorageDriver, StorageDriverRedis)
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"PFC_APP_ENV" required:"true"`
	LogLevel     string `envconfig:"PFC_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"PFC_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

// APIConfig points the client at the marketplace REST API.
type APIConfig struct {
	BaseURL        string        `envconfig:"PFC_API_BASE_URL" required:"true"`
	RequestTimeout time.Duration `envconfig:"PFC_API_REQUEST_TIMEOUT" default:"20s"`
}

type StorageConfig struct {
	Driver string `envconfig:"PFC_STORAGE_DRIVER" default:"sql"`
}

func (s *StorageConfig) validate() error {
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	if s.Driver == "" {
		s.Driver = StorageDriverSQL
	}
	switch s.Driver {
	case StorageDriverMemory, StorageDriverSQL, StorageDriverRedis:
		return nil
	}
	return fmt.Errorf("unsupported %s %q", EnvStorageDriver, s.Driver)
}

// DBConfig configures the SQL key/value backend. Dialect selects sqlite (a
// local file DSN) or postgres.
type DBConfig struct {
	DSN     string `envconfig:"PFC_DB_DSN" default:"file:packfinderz-client.db?_busy_timeout=5000"`
	Dialect string `envconfig:"PFC_DB_DIALECT" default:"sqlite"`

	MaxOpenConns    int           `envconfig:"PFC_DB_MAX_OPEN_CONNS" default:"4"`
	MaxIdleConns    int           `envconfig:"PFC_DB_MAX_IDLE_CONNS" default:"2"`
	ConnMaxLifetime time.Duration `envconfig:"PFC_DB_CONN_MAX_LIFETIME" default:"1h"`
}

type RedisConfig struct {
	URL          string        `envconfig:"PFC_REDIS_URL"`
	Address      string        `envconfig:"PFC_REDIS_ADDR"`
	Password     string        `envconfig:"PFC_REDIS_PASSWORD"`
	DB           int           `envconfig:"PFC_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PFC_REDIS_POOL_SIZE" default:"4"`
	MinIdleConns int           `envconfig:"PFC_REDIS_MIN_IDLE_CONNS" default:"1"`
	DialTimeout  time.Duration `envconfig:"PFC_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PFC_REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `envconfig:"PFC_REDIS_WRITE_TIMEOUT" default:"3s"`
	KeyPrefix    string        `envconfig:"PFC_REDIS_KEY_PREFIX" default:"pfc"`
}

type SessionConfig struct {
	RefreshTimeout     time.Duration `envconfig:"PFC_SESSION_REFRESH_TIMEOUT" default:"10s"`
	MaxPendingRequests int           `envconfig:"PFC_SESSION_MAX_PENDING_REQUESTS" default:"256"`
	ExpirySkew         time.Duration `envconfig:"PFC_SESSION_EXPIRY_SKEW" default:"30s"`
}

type CartConfig struct {
	PublishTimeout time.Duration `envconfig:"PFC_CART_PUBLISH_TIMEOUT" default:"15s"`
}

type RealtimeConfig struct {
	URL              string        `envconfig:"PFC_REALTIME_URL"`
	HandshakeTimeout time.Duration `envconfig:"PFC_REALTIME_HANDSHAKE_TIMEOUT" default:"10s"`
	PingInterval     time.Duration `envconfig:"PFC_REALTIME_PING_INTERVAL" default:"25s"`
	PullTimeout      time.Duration `envconfig:"PFC_REALTIME_PULL_TIMEOUT" default:"10s"`
	BackoffBase      time.Duration `envconfig:"PFC_REALTIME_BACKOFF_BASE" default:"1s"`
	BackoffMax       time.Duration `envconfig:"PFC_REALTIME_BACKOFF_MAX" default:"30s"`
}

// Enabled reports whether a realtime endpoint is configured.
func (r RealtimeConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != ""
}

type InspectorConfig struct {
	Addr           string   `envconfig:"PFC_INSPECTOR_ADDR" default:"127.0.0.1:7070"`
	Enabled        bool     `envconfig:"PFC_INSPECTOR_ENABLED" default:"true"`
	AllowedOrigins []string `envconfig:"PFC_INSPECTOR_ALLOWED_ORIGINS" default:"http://localhost:3000"`
}
