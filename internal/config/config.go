package config

import (
	"time"

	"github.com/google/uuid"
)

// StoreBackend selects which store implementation backs the protocol.
type StoreBackend string

const (
	// BackendRedis uses a remote Redis server.
	BackendRedis StoreBackend = "redis"
	// BackendSQLite uses an embedded SQLite database (single process).
	BackendSQLite StoreBackend = "sqlite"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`

	StoreBackend  StoreBackend `mapstructure:"store_backend" yaml:"store_backend"`
	RedisAddr     string       `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string       `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int          `mapstructure:"redis_db" yaml:"redis_db"`
	DatabasePath  string       `mapstructure:"database_path" yaml:"database_path"`

	JWTSecret   string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string        `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	SessionTTL  time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`

	MatchRetryBackoff time.Duration `mapstructure:"match_retry_backoff" yaml:"match_retry_backoff"`
	MatchMaxAttempts  int           `mapstructure:"match_max_attempts" yaml:"match_max_attempts"`

	MessagesPerMinute int `mapstructure:"messages_per_minute" yaml:"messages_per_minute"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          "info",
		StoreBackend:      BackendSQLite,
		RedisAddr:         "localhost:6379",
		DatabasePath:      "driftchat.db",
		// Persisted into the default config file on first run, so
		// tokens survive restarts unless the file is removed.
		JWTSecret:         uuid.NewString(),
		JWTIssuer:         "driftchat",
		JWTAudience:       "driftchat-clients",
		SessionTTL:        24 * time.Hour,
		MatchRetryBackoff: 2 * time.Second,
		MatchMaxAttempts:  5,
		MessagesPerMinute: 120,
	}
}
