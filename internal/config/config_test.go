package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Port:     3000,
		Database: DBConfig{URL: "postgres://localhost/omen", PoolMin: 2, PoolMax: 10},
		Redis:    RedisConfig{URL: "redis://localhost:6379"},
		Sapphire: ChainConfig{
			RPCURL:     "https://sapphire.example/rpc",
			ChainID:    23294,
			PrivateKey: "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
		},
		Queues: QueueConfig{MaxRetryAttempts: 5, WorkerConcurrency: 5},
		Admin:  AdminConfig{APIKey: "secret"},
	}
}

func TestValidateOK(t *testing.T) {
	t.Parallel()
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateSignerXor(t *testing.T) {
	t.Parallel()

	c := validConfig()
	c.Sapphire.Mnemonic = "test test test test test test test test test test test junk"
	if err := c.Validate(); err == nil {
		t.Error("both mnemonic and private key set: expected error")
	}

	c = validConfig()
	c.Sapphire.PrivateKey = ""
	if err := c.Validate(); err == nil {
		t.Error("no signer configured: expected error")
	}
}

func TestValidateAdminXor(t *testing.T) {
	t.Parallel()

	c := validConfig()
	c.Admin.JWTPublicKey = "-----BEGIN PUBLIC KEY-----..."
	if err := c.Validate(); err == nil {
		t.Error("both admin auth modes set: expected error")
	}

	c = validConfig()
	c.Admin.APIKey = ""
	if err := c.Validate(); err == nil {
		t.Error("no admin auth configured: expected error")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 3000 {
		t.Errorf("default port = %d, want 3000", cfg.Port)
	}
	if cfg.Perms.Timeout != 5*time.Second {
		t.Errorf("default permissions timeout = %v, want 5s", cfg.Perms.Timeout)
	}
	if cfg.Queues.MaxRetryAttempts != 5 {
		t.Errorf("default max retry attempts = %d, want 5", cfg.Queues.MaxRetryAttempts)
	}
	if cfg.Queues.WorkerConcurrency != 10 {
		t.Errorf("default worker concurrency = %d, want 10", cfg.Queues.WorkerConcurrency)
	}
	if cfg.Sapphire.RateLimitPerMinute != 120 {
		t.Errorf("default chain rate limit = %d, want 120", cfg.Sapphire.RateLimitPerMinute)
	}
}

func TestNormalizeMS(t *testing.T) {
	t.Parallel()

	// A bare "5000" decoded into a Duration yields 5000ns; that reads
	// back as 5000ms.
	if got := normalizeMS(5000*time.Nanosecond, time.Second); got != 5000*time.Millisecond {
		t.Errorf("normalizeMS(5000ns) = %v, want 5s", got)
	}
	if got := normalizeMS(0, 2*time.Second); got != 2*time.Second {
		t.Errorf("normalizeMS(0) = %v, want default 2s", got)
	}
	if got := normalizeMS(3*time.Second, time.Second); got != 3*time.Second {
		t.Errorf("normalizeMS(3s) = %v, want 3s", got)
	}
}
