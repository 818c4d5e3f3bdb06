package config

import "time"

// Config represents the complete transactly configuration.
type Config struct {
	Service     ServiceConfig     `yaml:"service"`
	Database    DatabaseConfig    `yaml:"database"`
	API         APIConfig         `yaml:"api"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Webhooks    WebhooksConfig    `yaml:"webhooks"`
	Redis       RedisConfig       `yaml:"redis,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// LockPath is the PID lock guarding the single dispatcher instance.
	// Empty disables the lock.
	LockPath string `yaml:"lock_path"`
	// MaintenanceInterval is how often idempotency records are swept and
	// delivered outbox rows past retention are purged.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// DatabaseConfig selects the relational store backing the outbox, DLQ,
// persisted keys and (optionally) idempotency records.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "pgx".
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite or a connection URL for pgx.
	DSN string `yaml:"dsn"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen       string        `yaml:"listen"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// AuthConfig defines API-key admission settings.
type AuthConfig struct {
	// APIKeys is the static allow-list. Empty admits every caller.
	APIKeys []string `yaml:"api_keys,omitempty"`
	// AdminKey guards the admin surface (x-admin-key). Empty disables it.
	AdminKey string `yaml:"admin_key,omitempty"`
	// UseDBKeys enables persisted-key lookup before the allow-list.
	UseDBKeys bool `yaml:"use_db_keys"`
}

// RateLimitConfig defines the per-identity token bucket.
type RateLimitConfig struct {
	Capacity        float64 `yaml:"capacity"`
	RefillPerMinute float64 `yaml:"refill_per_minute"`
	// Backend is "memory" (default) or "redis".
	Backend string `yaml:"backend"`
	// IdleEviction drops memory buckets untouched for this long. Zero disables it.
	IdleEviction time.Duration `yaml:"idle_eviction"`
}

// IdempotencyConfig defines replay caching for unsafe methods.
type IdempotencyConfig struct {
	Header string        `yaml:"header"`
	TTL    time.Duration `yaml:"ttl"`
	// StrictBodyMatch rejects a replay whose body digest differs from the original.
	StrictBodyMatch bool `yaml:"strict_body_match"`
	// Backend is "memory" (default) or "sql".
	Backend string `yaml:"backend"`
}

// WebhooksConfig defines outbound webhook delivery.
type WebhooksConfig struct {
	Secret              string        `yaml:"secret,omitempty"`
	Interval            time.Duration `yaml:"interval"`
	BatchSize           int           `yaml:"batch_size"`
	MaxAttempts         int           `yaml:"max_attempts"`
	Timeout             time.Duration `yaml:"timeout"`
	DeliveriesPerSecond float64       `yaml:"deliveries_per_second"`
	// LeaseTimeout is how long a row may stay "delivering" before the reaper
	// returns it to "pending". Zero disables the reaper.
	LeaseTimeout time.Duration `yaml:"lease_timeout"`
	// InvoiceTarget receives invoice.created events. Empty skips enqueueing.
	InvoiceTarget string `yaml:"invoice_target,omitempty"`
	// Retention is how long delivered rows are kept. Zero keeps them forever.
	Retention time.Duration `yaml:"retention"`
}

// RedisConfig defines the redis connection used by the redis quota backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "transactly",
			LogLevel:  "info",
			LogFormat: "json",
			LockPath:  "./data/dispatcher.lock",

			MaintenanceInterval: 5 * time.Minute,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "./data/transactly.db",
		},
		API: APIConfig{
			Listen:       "127.0.0.1:3000",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Capacity:        60,
			RefillPerMinute: 60,
			Backend:         "memory",
			IdleEviction:    time.Hour,
		},
		Idempotency: IdempotencyConfig{
			Header:  "Idempotency-Key",
			TTL:     24 * time.Hour,
			Backend: "memory",
		},
		Webhooks: WebhooksConfig{
			Interval:     3 * time.Second,
			BatchSize:    10,
			MaxAttempts:  6,
			Timeout:      10 * time.Second,
			LeaseTimeout: 5 * time.Minute,
			Retention:    7 * 24 * time.Hour,
		},
	}
}
