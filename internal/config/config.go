// Package config defines all configuration for the trading backend.
// Config is environment-first: every field maps to an environment variable
// per the deployment contract, with an optional YAML file (OMEN_CONFIG)
// supplying defaults for local development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	Port      int           `mapstructure:"port"`
	Logging   LoggingConfig `mapstructure:"logging"`
	Database  DBConfig      `mapstructure:"database"`
	Redis     RedisConfig   `mapstructure:"redis"`
	Perms     PermsConfig   `mapstructure:"entity_permissions"`
	Sapphire  ChainConfig   `mapstructure:"sapphire"`
	Queues    QueueConfig   `mapstructure:"queues"`
	Admin     AdminConfig   `mapstructure:"admin"`
	RateLimit RateLimit     `mapstructure:"rate_limit"`

	// EnableWebsockets turns the /ws trade feed on.
	EnableWebsockets bool `mapstructure:"enable_websockets"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DBConfig holds the Postgres connection settings.
type DBConfig struct {
	URL     string `mapstructure:"url"`
	PoolMin int    `mapstructure:"pool_min"`
	PoolMax int    `mapstructure:"pool_max"`
	SSL     bool   `mapstructure:"ssl"`
}

// RedisConfig holds the key-value store settings. The same pool serves the
// order-book cache, nonces, auth cache and the job fabric.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	TLS      bool   `mapstructure:"tls"`
}

// PermsConfig points at the external entity-permissions service.
type PermsConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	// PollInterval is how often the pull poller asks for missed events.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ChainConfig holds the confidential EVM (Sapphire) endpoint and signer.
// Exactly one of Mnemonic or PrivateKey must be set.
type ChainConfig struct {
	RPCURL             string `mapstructure:"rpc_url"`
	ChainID            int64  `mapstructure:"chain_id"`
	Mnemonic           string `mapstructure:"mnemonic"`
	PrivateKey         string `mapstructure:"private_key"`
	MaxFeeCeiling      int64  `mapstructure:"max_fee_ceiling"`
	RateLimitPerMinute int    `mapstructure:"rate_limit_per_minute"`
	SettlementContract string `mapstructure:"settlement_contract"`
	TokenFactory       string `mapstructure:"token_factory"`
	BridgeContract     string `mapstructure:"bridge_contract"`
}

// QueueConfig tunes the job fabric.
type QueueConfig struct {
	TransactionQueue  string        `mapstructure:"transaction_queue"`
	DLQSuffix         string        `mapstructure:"dlq_suffix"`
	MaxRetryAttempts  int           `mapstructure:"max_retry_attempts"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	WorkerConcurrency int           `mapstructure:"worker_concurrency"`
}

// AdminConfig controls admin endpoint authentication. Exactly one of
// APIKey or JWTPublicKey (PEM, RSA) must be set.
type AdminConfig struct {
	APIKey       string `mapstructure:"api_key"`
	JWTPublicKey string `mapstructure:"jwt_public_key"`
}

// RateLimit is the fixed-window ingress limit.
type RateLimit struct {
	Window      time.Duration `mapstructure:"window"`
	MaxRequests int           `mapstructure:"max_requests"`
}

// env binds a config key to its environment variable.
var envBindings = map[string]string{
	"port":                              "PORT",
	"logging.level":                     "LOG_LEVEL",
	"logging.format":                    "LOG_FORMAT",
	"database.url":                      "DATABASE_URL",
	"database.pool_min":                 "DATABASE_POOL_MIN",
	"database.pool_max":                 "DATABASE_POOL_MAX",
	"database.ssl":                      "DATABASE_SSL",
	"redis.url":                         "REDIS_URL",
	"redis.password":                    "REDIS_PASSWORD",
	"redis.tls":                         "REDIS_TLS",
	"entity_permissions.base_url":       "ENTITY_PERMISSIONS_BASE_URL",
	"entity_permissions.api_key":        "ENTITY_PERMISSIONS_API_KEY",
	"entity_permissions.timeout":        "ENTITY_PERMISSIONS_TIMEOUT_MS",
	"entity_permissions.poll_interval":  "ENTITY_PERMISSIONS_POLL_INTERVAL",
	"sapphire.rpc_url":                  "SAPPHIRE_RPC_URL",
	"sapphire.chain_id":                 "SAPPHIRE_CHAIN_ID",
	"sapphire.max_fee_ceiling":          "SAPPHIRE_MAX_FEE_CEILING",
	"sapphire.rate_limit_per_minute":    "SAPPHIRE_RATE_LIMIT_PER_MINUTE",
	"sapphire.settlement_contract":      "SAPPHIRE_SETTLEMENT_CONTRACT",
	"sapphire.token_factory":            "SAPPHIRE_TOKEN_FACTORY",
	"sapphire.bridge_contract":          "SAPPHIRE_BRIDGE_CONTRACT",
	"sapphire.mnemonic":                 "OASIS_WALLET_MNEMONIC",
	"sapphire.private_key":              "CONFIDENTIAL_SIGNER_PRIVATE_KEY",
	"queues.transaction_queue":          "TRANSACTION_QUEUE_NAME",
	"queues.dlq_suffix":                 "DLQ_QUEUE_NAME",
	"queues.max_retry_attempts":         "MAX_RETRY_ATTEMPTS",
	"queues.retry_backoff":              "RETRY_BACKOFF_MS",
	"queues.worker_concurrency":         "WORKER_CONCURRENCY",
	"admin.api_key":                     "ADMIN_API_KEY",
	"admin.jwt_public_key":              "ADMIN_JWT_PUBLIC_KEY",
	"rate_limit.window":                 "RATE_LIMIT_WINDOW_MS",
	"rate_limit.max_requests":           "RATE_LIMIT_MAX_REQUESTS",
	"enable_websockets":                 "ENABLE_WEBSOCKETS",
}

// Load reads config from the environment, optionally overlaying a YAML file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// The *_MS variables are plain millisecond integers; viper parses bare
	// numbers as nanoseconds when decoding into time.Duration.
	cfg.Perms.Timeout = normalizeMS(cfg.Perms.Timeout, 5*time.Second)
	cfg.Queues.RetryBackoff = normalizeMS(cfg.Queues.RetryBackoff, 2*time.Second)
	cfg.RateLimit.Window = normalizeMS(cfg.RateLimit.Window, time.Minute)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 3000)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.pool_min", 2)
	v.SetDefault("database.pool_max", 10)
	v.SetDefault("entity_permissions.timeout", "5s")
	v.SetDefault("entity_permissions.poll_interval", "10s")
	v.SetDefault("sapphire.rate_limit_per_minute", 120)
	v.SetDefault("queues.transaction_queue", "transactions")
	v.SetDefault("queues.dlq_suffix", "dead")
	v.SetDefault("queues.max_retry_attempts", 5)
	v.SetDefault("queues.retry_backoff", "2s")
	v.SetDefault("queues.worker_concurrency", 10)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.max_requests", 300)
	v.SetDefault("enable_websockets", true)
}

// normalizeMS treats sub-millisecond durations as raw millisecond counts
// and applies the default when unset.
func normalizeMS(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	if d > 0 && d < time.Millisecond {
		return time.Duration(d.Nanoseconds()) * time.Millisecond
	}
	return d
}

// Validate checks required fields and the xor constraints.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (set DATABASE_URL)")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required (set REDIS_URL)")
	}
	if c.Sapphire.RPCURL == "" {
		return fmt.Errorf("sapphire.rpc_url is required (set SAPPHIRE_RPC_URL)")
	}
	if c.Sapphire.ChainID == 0 {
		return fmt.Errorf("sapphire.chain_id is required (set SAPPHIRE_CHAIN_ID)")
	}
	hasMnemonic := c.Sapphire.Mnemonic != ""
	hasKey := c.Sapphire.PrivateKey != ""
	if hasMnemonic == hasKey {
		return fmt.Errorf("exactly one of OASIS_WALLET_MNEMONIC or CONFIDENTIAL_SIGNER_PRIVATE_KEY must be set")
	}
	hasAdminKey := c.Admin.APIKey != ""
	hasAdminJWT := c.Admin.JWTPublicKey != ""
	if hasAdminKey == hasAdminJWT {
		return fmt.Errorf("exactly one of ADMIN_API_KEY or ADMIN_JWT_PUBLIC_KEY must be set")
	}
	if c.Database.PoolMin < 0 || c.Database.PoolMax < c.Database.PoolMin {
		return fmt.Errorf("database pool bounds invalid: min=%d max=%d", c.Database.PoolMin, c.Database.PoolMax)
	}
	if c.Queues.MaxRetryAttempts <= 0 {
		return fmt.Errorf("queues.max_retry_attempts must be > 0")
	}
	if c.Queues.WorkerConcurrency <= 0 {
		return fmt.Errorf("queues.worker_concurrency must be > 0")
	}
	return nil
}
