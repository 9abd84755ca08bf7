// Package config 服务配置
package config

import (
	"fmt"
	"strconv"
	"time"

	envconfig "github.com/exchange/saga/pkg/config"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreSQLite   = "sqlite"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int
	LogLevel    string

	// 状态存储：memory | postgres | redis | sqlite
	// memory 仅用于本地测试：不连 Redis 时不注册任何 saga 类型
	Store string

	// PostgreSQL
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBMaxConns int

	// SQLite
	SQLitePath string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// Retry policy
	MaxRetries        int
	RetryInitialDelay time.Duration
	RetryMultiplier   float64
	RetryMaxDelay     time.Duration

	// Retry scanner
	ScanInterval  time.Duration
	ScanBatchSize int
	StaleAfter    time.Duration
	// 0 表示由 StaleAfter 推算
	StaleScanInterval time.Duration
	LockTTL           time.Duration

	// HTTP 触发的 start/resume/compensate 服务端超时，与客户端连接解绑
	DriveTimeout time.Duration

	// Events
	EventChannel string
	EventStream  string
	EventMaxLen  int64

	// Triggers
	CommandStream        string
	CommandConsumerGroup string
	CommandConsumerName  string

	// Downstream services used by the order placement saga
	ClearingBaseURL  string
	ClearingToken    string
	OrderStream      string
	UserEventChannel string
	ClientTimeout    time.Duration

	// WebSocket 事件推送
	WSAllowedOrigins []string
	WSMaxConnections int

	// Tracing
	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64
}

// Load 加载配置
func Load() (*Config, error) {
	store, err := envconfig.GetEnvOneOf("SAGA_STORE", StoreMemory, StoreMemory, StorePostgres, StoreRedis, StoreSQLite)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ServiceName: envconfig.GetEnv("SERVICE_NAME", "exchange-saga"),
		HTTPPort:    envconfig.GetEnvInt("HTTP_PORT", 8090),
		LogLevel:    envconfig.GetEnv("LOG_LEVEL", "info"),

		Store: store,

		DBHost:     envconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:     envconfig.GetEnvInt("DB_PORT", 5436),
		DBUser:     envconfig.GetEnv("DB_USER", "exchange"),
		DBPassword: envconfig.GetEnv("DB_PASSWORD", "exchange123"),
		DBName:     envconfig.GetEnv("DB_NAME", "exchange"),
		DBMaxConns: envconfig.GetEnvInt("DB_MAX_CONNS", 20),

		SQLitePath: envconfig.GetEnv("SQLITE_PATH", "saga.db"),

		RedisAddr:     envconfig.GetEnv("REDIS_ADDR", "localhost:6380"),
		RedisPassword: envconfig.GetEnv("REDIS_PASSWORD", ""),
		RedisDB:       envconfig.GetEnvInt("REDIS_DB", 0),
		RedisPrefix:   envconfig.GetEnv("REDIS_PREFIX", "saga:"),

		MaxRetries:        envconfig.GetEnvInt("SAGA_MAX_RETRIES", 3),
		RetryInitialDelay: envconfig.GetEnvDuration("SAGA_RETRY_INITIAL_DELAY", time.Second),
		RetryMultiplier:   envconfig.GetEnvFloat64("SAGA_RETRY_MULTIPLIER", 2),
		RetryMaxDelay:     envconfig.GetEnvDuration("SAGA_RETRY_MAX_DELAY", 30*time.Second),

		ScanInterval:  envconfig.GetEnvDuration("SCAN_INTERVAL", 5*time.Second),
		ScanBatchSize: envconfig.GetEnvInt("SCAN_BATCH_SIZE", 100),
		StaleAfter:    envconfig.GetEnvDuration("SCAN_STALE_AFTER", 5*time.Minute),
		LockTTL:       envconfig.GetEnvDuration("SAGA_LOCK_TTL", time.Minute),

		StaleScanInterval: envconfig.GetEnvDuration("SCAN_STALE_INTERVAL", 0),
		DriveTimeout:      envconfig.GetEnvDuration("SAGA_DRIVE_TIMEOUT", 30*time.Second),

		EventChannel: envconfig.GetEnv("EVENT_CHANNEL", "saga:events"),
		EventStream:  envconfig.GetEnv("EVENT_STREAM", "saga:events:stream"),
		EventMaxLen:  envconfig.GetEnvInt64("EVENT_STREAM_MAXLEN", 100000),

		CommandStream:        envconfig.GetEnv("COMMAND_STREAM", "saga:commands"),
		CommandConsumerGroup: envconfig.GetEnv("COMMAND_CONSUMER_GROUP", "saga-trigger-group"),
		CommandConsumerName:  envconfig.GetEnv("COMMAND_CONSUMER_NAME", "saga-trigger-1"),

		ClearingBaseURL:  envconfig.GetEnv("CLEARING_BASE_URL", "http://localhost:8083"),
		ClearingToken:    envconfig.GetEnv("INTERNAL_TOKEN", ""),
		OrderStream:      envconfig.GetEnv("ORDER_STREAM", "exchange:orders"),
		UserEventChannel: envconfig.GetEnv("PRIVATE_USER_EVENT_CHANNEL", "private:user:{userId}:events"),
		ClientTimeout:    envconfig.GetEnvDuration("CLIENT_TIMEOUT", 5*time.Second),

		WSAllowedOrigins: envconfig.GetEnvSlice("WS_ALLOWED_ORIGINS", nil),
		WSMaxConnections: envconfig.GetEnvInt("WS_MAX_CONNECTIONS", 1000),

		TracingEnabled:    envconfig.GetEnvBool("TRACING_ENABLED", false),
		TracingEndpoint:   envconfig.GetEnv("TRACING_ENDPOINT", "http://localhost:14268/api/traces"),
		TracingSampleRate: envconfig.GetEnvFloat64("TRACING_SAMPLE_RATE", 0.1),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch {
	case c.HTTPPort <= 0 || c.HTTPPort > 65535:
		return fmt.Errorf("invalid HTTP_PORT: %d", c.HTTPPort)
	case c.MaxRetries < 0:
		return fmt.Errorf("SAGA_MAX_RETRIES must be >= 0, got %d", c.MaxRetries)
	case c.RetryInitialDelay <= 0:
		return fmt.Errorf("SAGA_RETRY_INITIAL_DELAY must be positive")
	case c.RetryMultiplier < 1:
		return fmt.Errorf("SAGA_RETRY_MULTIPLIER must be >= 1, got %v", c.RetryMultiplier)
	case c.RetryMaxDelay < c.RetryInitialDelay:
		return fmt.Errorf("SAGA_RETRY_MAX_DELAY must be >= SAGA_RETRY_INITIAL_DELAY")
	case c.ScanInterval < time.Second:
		return fmt.Errorf("SCAN_INTERVAL must be at least 1s, got %v", c.ScanInterval)
	case c.ScanBatchSize <= 0:
		return fmt.Errorf("SCAN_BATCH_SIZE must be positive, got %d", c.ScanBatchSize)
	case c.LockTTL <= 0:
		return fmt.Errorf("SAGA_LOCK_TTL must be positive")
	case c.StaleScanInterval != 0 && c.StaleScanInterval < time.Second:
		return fmt.Errorf("SCAN_STALE_INTERVAL must be at least 1s, got %v", c.StaleScanInterval)
	case c.DriveTimeout <= 0:
		return fmt.Errorf("SAGA_DRIVE_TIMEOUT must be positive")
	}
	if c.Store == StoreSQLite && c.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required for sqlite store")
	}
	return nil
}

// NeedsRedis 是否需要 Redis 连接（存储、锁、事件、触发器）
func (c *Config) NeedsRedis() bool {
	return c.Store != StoreMemory
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}
