package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LookupFunc resolves an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// LoadEnvFiles loads dotenv files into the process environment. Missing files
// are skipped; variables already set are never overridden.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from configPath (optional), applies defaults,
// environment overrides, and validation.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("config file not found: %s\n"+
				"Hint: Check the path or run with --config flag", configPath)
		}
		if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays the environment variable surface onto cfg.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if v, ok := lookup("API_KEYS"); ok {
		cfg.Auth.APIKeys = SplitKeys(v)
	}
	if v, ok := lookup("ADMIN_API_KEY"); ok {
		cfg.Auth.AdminKey = strings.TrimSpace(v)
	}
	if v, ok := lookup("USE_DB_KEYS"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("USE_DB_KEYS: %w", err)
		}
		cfg.Auth.UseDBKeys = b
	}
	if v, ok := lookup("WEBHOOK_SECRET"); ok {
		cfg.Webhooks.Secret = v
	}
	if v, ok := lookup("WEBHOOK_INTERVAL_MS"); ok {
		d, err := parseMillis("WEBHOOK_INTERVAL_MS", v)
		if err != nil {
			return err
		}
		cfg.Webhooks.Interval = d
	}
	if v, ok := lookup("RATE_LIMIT_CAPACITY"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_CAPACITY: %w", err)
		}
		cfg.RateLimit.Capacity = f
	}
	if v, ok := lookup("RATE_LIMIT_REFILL_PER_MINUTE"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_REFILL_PER_MINUTE: %w", err)
		}
		cfg.RateLimit.RefillPerMinute = f
	}
	if v, ok := lookup("IDEMPOTENCY_TTL_MS"); ok {
		d, err := parseMillis("IDEMPOTENCY_TTL_MS", v)
		if err != nil {
			return err
		}
		cfg.Idempotency.TTL = d
	}
	if v, ok := lookup("IDEMPOTENCY_HEADER"); ok && strings.TrimSpace(v) != "" {
		cfg.Idempotency.Header = strings.TrimSpace(v)
	}
	if v, ok := lookup("DATABASE_DRIVER"); ok && v != "" {
		cfg.Database.Driver = v
	}
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		cfg.Database.DSN = v
	}
	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		cfg.Redis.Addr = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		host := "0.0.0.0"
		if i := strings.LastIndex(cfg.API.Listen, ":"); i > 0 {
			host = cfg.API.Listen[:i]
		}
		cfg.API.Listen = host + ":" + v
	}
	return nil
}

// SplitKeys parses a comma-separated key list, dropping blanks.
func SplitKeys(v string) []string {
	var out []string
	for _, k := range strings.Split(v, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func parseMillis(name, v string) (time.Duration, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return time.Duration(n) * time.Millisecond, nil
}

// applyConfigDefaults fills zero values a YAML file may have cleared.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.MaintenanceInterval == 0 {
		cfg.Service.MaintenanceInterval = defaults.Service.MaintenanceInterval
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = defaults.Database.Driver
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = defaults.RateLimit.Backend
	}
	if cfg.Idempotency.Header == "" {
		cfg.Idempotency.Header = defaults.Idempotency.Header
	}
	if cfg.Idempotency.TTL == 0 {
		cfg.Idempotency.TTL = defaults.Idempotency.TTL
	}
	if cfg.Idempotency.Backend == "" {
		cfg.Idempotency.Backend = defaults.Idempotency.Backend
	}
	if cfg.Webhooks.Interval == 0 {
		cfg.Webhooks.Interval = defaults.Webhooks.Interval
	}
	if cfg.Webhooks.BatchSize == 0 {
		cfg.Webhooks.BatchSize = defaults.Webhooks.BatchSize
	}
	if cfg.Webhooks.MaxAttempts == 0 {
		cfg.Webhooks.MaxAttempts = defaults.Webhooks.MaxAttempts
	}
	if cfg.Webhooks.Timeout == 0 {
		cfg.Webhooks.Timeout = defaults.Webhooks.Timeout
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	switch cfg.Database.Driver {
	case "sqlite", "pgx":
	default:
		return fmt.Errorf("database.driver must be sqlite or pgx (got %q)", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if cfg.RateLimit.Capacity < 1 {
		return fmt.Errorf("rate_limit.capacity must be at least 1")
	}
	if cfg.RateLimit.RefillPerMinute <= 0 {
		return fmt.Errorf("rate_limit.refill_per_minute must be positive")
	}
	switch cfg.RateLimit.Backend {
	case "memory":
	case "redis":
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis rate_limit backend")
		}
	default:
		return fmt.Errorf("rate_limit.backend must be memory or redis (got %q)", cfg.RateLimit.Backend)
	}

	switch cfg.Idempotency.Backend {
	case "memory", "sql":
	default:
		return fmt.Errorf("idempotency.backend must be memory or sql (got %q)", cfg.Idempotency.Backend)
	}
	if cfg.Idempotency.TTL < 0 {
		return fmt.Errorf("idempotency.ttl must not be negative")
	}

	if cfg.Webhooks.Interval <= 0 {
		return fmt.Errorf("webhooks.interval must be positive")
	}
	if cfg.Webhooks.MaxAttempts < 1 {
		return fmt.Errorf("webhooks.max_attempts must be at least 1")
	}
	if cfg.Webhooks.Timeout <= 0 {
		return fmt.Errorf("webhooks.timeout must be positive")
	}
	if cfg.Webhooks.Retention < 0 {
		return fmt.Errorf("webhooks.retention must not be negative")
	}
	if cfg.Service.MaintenanceInterval < 0 {
		return fmt.Errorf("service.maintenance_interval must not be negative")
	}

	for name, v := range map[string]string{
		"webhooks.secret": cfg.Webhooks.Secret,
		"auth.admin_key":  cfg.Auth.AdminKey,
	} {
		if envVarPattern.MatchString(v) {
			matches := envVarPattern.FindStringSubmatch(v)
			return fmt.Errorf("%s: environment variable ${%s} is not set", name, matches[1])
		}
	}
	for i, k := range cfg.Auth.APIKeys {
		if envVarPattern.MatchString(k) {
			return fmt.Errorf("auth.api_keys[%d]: unresolved environment variable", i)
		}
	}
	return nil
}
