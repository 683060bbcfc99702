package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the E2EE core service.
type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Postgres PostgresConfig  `mapstructure:"postgres"`
	Redis    RedisConfig     `mapstructure:"redis"`
	JWT      JWTConfig       `mapstructure:"jwt"`
	Vault    VaultConfig     `mapstructure:"vault"`
	Keys     KeysConfig      `mapstructure:"keys"`
	Store    StoreConfig     `mapstructure:"store"`
	Sched    SchedulerConfig `mapstructure:"scheduler"`
	Logging  LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig configures the Boundary HTTP shell.
type ServerConfig struct {
	Port               string `mapstructure:"port"`
	GinMode            string `mapstructure:"gin_mode"`
	CORSAllowedOrigins string `mapstructure:"cors_allowed_origins"`
}

// PostgresConfig configures the ProtocolStore's durable backend.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig configures the ProtocolStore's session-record cache.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig configures the sliver of caller-identity resolution the
// Boundary needs. Token issuance itself is an external collaborator.
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

// VaultConfig configures KeyVault (C1): KDF cost parameters and the
// dev-mode passphrase escape hatch.
type VaultConfig struct {
	ArgonTime      uint32 `mapstructure:"argon_time"`
	ArgonMemoryKiB uint32 `mapstructure:"argon_memory_kib"`
	ArgonThreads   uint8  `mapstructure:"argon_threads"`
	DevMode        bool   `mapstructure:"dev_mode"`
	DevPassphrase  string `mapstructure:"dev_passphrase"`
}

// KeysConfig configures KeyManager (C3) defaults.
type KeysConfig struct {
	OneTimePreKeyBatch      int           `mapstructure:"one_time_pre_key_batch"`
	OneTimePreKeyLowWater   int           `mapstructure:"one_time_pre_key_low_water"`
	SignedPreKeyOverlap     time.Duration `mapstructure:"signed_pre_key_overlap"`
	SignedPreKeyRotateEvery time.Duration `mapstructure:"signed_pre_key_rotate_every"`
}

// StoreConfig configures ProtocolStore (C2) timing.
type StoreConfig struct {
	OpTimeout          time.Duration `mapstructure:"op_timeout"`
	SessionCacheTTL    time.Duration `mapstructure:"session_cache_ttl"`
	OneTimeKeyGrace    time.Duration `mapstructure:"one_time_key_grace"`
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout"`
}

// SchedulerConfig configures the three periodic sweeps (C7).
type SchedulerConfig struct {
	ReplenishInterval time.Duration `mapstructure:"replenish_interval"`
	RotationInterval  time.Duration `mapstructure:"rotation_interval"`
	ExpiryInterval    time.Duration `mapstructure:"expiry_interval"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig loads configuration from environment variables and an
// optional .env file, applying the same defaults-then-bind pattern the
// rest of the backend uses.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	viper.SetDefault("server.port", "8090")
	viper.SetDefault("server.gin_mode", "debug")

	viper.SetDefault("vault.argon_time", 3)
	viper.SetDefault("vault.argon_memory_kib", 65536)
	viper.SetDefault("vault.argon_threads", 4)
	viper.SetDefault("vault.dev_mode", false)

	viper.SetDefault("keys.one_time_pre_key_batch", 100)
	viper.SetDefault("keys.one_time_pre_key_low_water", 20)
	viper.SetDefault("keys.signed_pre_key_overlap", "168h") // 7 days
	viper.SetDefault("keys.signed_pre_key_rotate_every", "168h")

	viper.SetDefault("store.op_timeout", "5s")
	viper.SetDefault("store.session_cache_ttl", "1h")
	viper.SetDefault("store.one_time_key_grace", "720h")    // 30 days
	viper.SetDefault("store.session_idle_timeout", "2160h") // 90 days

	viper.SetDefault("scheduler.replenish_interval", "1h")
	viper.SetDefault("scheduler.rotation_interval", "24h")
	viper.SetDefault("scheduler.expiry_interval", "24h")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", "6379")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetEnvPrefix("")
	viper.AutomaticEnv()

	viper.BindEnv("server.port", "PORT")
	viper.BindEnv("server.gin_mode", "GIN_MODE")
	viper.BindEnv("server.cors_allowed_origins", "CORS_ALLOWED_ORIGINS")
	viper.BindEnv("postgres.dsn", "DATABASE_URL")
	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")
	viper.BindEnv("jwt.secret", "JWT_SECRET")
	viper.BindEnv("vault.dev_mode", "VAULT_DEV_MODE")
	viper.BindEnv("vault.dev_passphrase", "VAULT_DEV_PASSPHRASE")
	viper.BindEnv("logging.level", "LOG_LEVEL")
	viper.BindEnv("logging.format", "LOG_FORMAT")

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateConfig checks required configuration is present.
func validateConfig(cfg *Config) error {
	if cfg.Postgres.DSN == "" {
		return &ConfigError{Field: "DATABASE_URL", Msg: "required configuration field is missing"}
	}
	if cfg.JWT.Secret == "" {
		return &ConfigError{Field: "JWT_SECRET", Msg: "required configuration field is missing"}
	}
	if len(cfg.JWT.Secret) < 32 {
		return &ConfigError{Field: "JWT_SECRET", Msg: "JWT secret must be at least 32 characters long"}
	}
	if cfg.Vault.DevMode && cfg.Vault.DevPassphrase == "" {
		return &ConfigError{Field: "VAULT_DEV_PASSPHRASE", Msg: "dev mode requires a configured development passphrase"}
	}
	return nil
}

// GetCORSOrigins returns the configured CORS origins, defaulting to
// common local development ports.
func (c *Config) GetCORSOrigins() []string {
	if c.Server.CORSAllowedOrigins == "" {
		return []string{"http://localhost:3000"}
	}
	origins := strings.Split(c.Server.CORSAllowedOrigins, ",")
	result := make([]string, 0, len(origins))
	for _, o := range origins {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Msg)
}
