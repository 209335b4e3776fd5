// Package config loads runtime settings from an optional YAML file, the
// process environment and a .env file, in increasing order of precedence
// for the last two.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultJWTSecret is the shipped fallback. Production deployments are
// warned when they run with it.
const DefaultJWTSecret = "b9-website-manager-secret-key-change-in-production"

const (
	DefaultAdminUsername = "admin"
	DefaultAdminEmail    = "admin@b9website.local"
	DefaultAdminPassword = "Admin123!"
)

type Config struct {
	AppEnv string `yaml:"app_env"`
	Port   string `yaml:"port"`

	Database  DatabaseConfig  `yaml:"database"`
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Password  PasswordConfig  `yaml:"password"`
	Admin     AdminConfig     `yaml:"admin"`
	Audit     AuditConfig     `yaml:"audit"`

	RedisURL   string `yaml:"redis_url"`
	SentryDSN  string `yaml:"sentry_dsn"`
	CronSecret string `yaml:"cron_secret"`

	TrustedProxies []string `yaml:"trusted_proxies"`
}

type DatabaseConfig struct {
	URL                string `yaml:"url"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
	MaxIdleConns       int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMin int    `yaml:"conn_max_lifetime_minutes"`
	ConnMaxIdleTimeMin int    `yaml:"conn_max_idle_time_minutes"`
	RunMigrations      bool   `yaml:"run_migrations"`
}

type JWTConfig struct {
	Secret           string `yaml:"secret"`
	ExpiresIn        string `yaml:"expires_in"`
	RefreshExpiresIn string `yaml:"refresh_expires_in"`
}

type RateLimitConfig struct {
	MaxAttempts   int `yaml:"max_attempts"`
	WindowMinutes int `yaml:"window_minutes"`
}

type PasswordConfig struct {
	BcryptCost int `yaml:"bcrypt_cost"`
}

type AdminConfig struct {
	Username string `yaml:"username"`
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

type AuditConfig struct {
	RetentionDays int `yaml:"retention_days"`
	BufferSize    int `yaml:"buffer_size"`
}

func Defaults() Config {
	return Config{
		AppEnv: "development",
		Port:   "8080",
		Database: DatabaseConfig{
			MaxOpenConns:       10,
			MaxIdleConns:       5,
			ConnMaxLifetimeMin: 30,
			ConnMaxIdleTimeMin: 10,
		},
		JWT: JWTConfig{
			Secret:           DefaultJWTSecret,
			ExpiresIn:        "1h",
			RefreshExpiresIn: "7d",
		},
		RateLimit: RateLimitConfig{MaxAttempts: 5, WindowMinutes: 15},
		Password:  PasswordConfig{BcryptCost: 12},
		Admin: AdminConfig{
			Username: DefaultAdminUsername,
			Email:    DefaultAdminEmail,
			Password: DefaultAdminPassword,
		},
		Audit: AuditConfig{RetentionDays: 90, BufferSize: 256},
	}
}

type Options struct {
	LoadDotEnv bool
	// File overrides CONFIG_FILE when set.
	File string
}

func Load(opts Options) (*Config, error) {
	if opts.LoadDotEnv {
		_ = godotenv.Load()
	}

	cfg := Defaults()

	path := opts.File
	if path == "" {
		path = strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.AppEnv = envOrDefault("APP_ENV", envOrDefault("NODE_ENV", c.AppEnv))
	c.Port = envOrDefault("PORT", c.Port)

	c.Database.URL = envOrDefault("DATABASE_URL", c.Database.URL)
	c.Database.MaxOpenConns = envIntOrDefault("DB_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = envIntOrDefault("DB_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.Database.ConnMaxLifetimeMin = envIntOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", c.Database.ConnMaxLifetimeMin)
	c.Database.ConnMaxIdleTimeMin = envIntOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", c.Database.ConnMaxIdleTimeMin)
	c.Database.RunMigrations = EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", c.Database.RunMigrations)

	c.JWT.Secret = envOrDefault("JWT_SECRET", c.JWT.Secret)
	c.JWT.ExpiresIn = envOrDefault("JWT_EXPIRES_IN", c.JWT.ExpiresIn)
	c.JWT.RefreshExpiresIn = envOrDefault("JWT_REFRESH_EXPIRES_IN", c.JWT.RefreshExpiresIn)

	c.RateLimit.MaxAttempts = envIntOrDefault("RATE_LIMIT_MAX_ATTEMPTS", c.RateLimit.MaxAttempts)
	c.RateLimit.WindowMinutes = envIntOrDefault("RATE_LIMIT_WINDOW_MINUTES", c.RateLimit.WindowMinutes)

	c.Password.BcryptCost = envIntOrDefault("BCRYPT_COST", c.Password.BcryptCost)

	c.Admin.Username = envOrDefault("ADMIN_USERNAME", c.Admin.Username)
	c.Admin.Email = envOrDefault("ADMIN_EMAIL", c.Admin.Email)
	c.Admin.Password = envOrDefault("ADMIN_PASSWORD", c.Admin.Password)

	c.Audit.RetentionDays = envIntOrDefault("AUDIT_RETENTION_DAYS", c.Audit.RetentionDays)
	c.Audit.BufferSize = envIntOrDefault("AUDIT_BUFFER_SIZE", c.Audit.BufferSize)

	c.RedisURL = envOrDefault("REDIS_URL", c.RedisURL)
	c.SentryDSN = envOrDefault("SENTRY_DSN", c.SentryDSN)
	c.CronSecret = envOrDefault("CRON_SECRET", c.CronSecret)
	c.TrustedProxies = envListOrDefault("TRUSTED_PROXIES", c.TrustedProxies)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("missing required env: DATABASE_URL")
	}
	if strings.TrimSpace(c.JWT.Secret) == "" {
		return fmt.Errorf("jwt secret must not be empty")
	}
	if _, err := ParseDuration(c.JWT.ExpiresIn); err != nil {
		return fmt.Errorf("JWT_EXPIRES_IN is invalid: %w", err)
	}
	if _, err := ParseDuration(c.JWT.RefreshExpiresIn); err != nil {
		return fmt.Errorf("JWT_REFRESH_EXPIRES_IN is invalid: %w", err)
	}
	if c.RateLimit.MaxAttempts <= 0 || c.RateLimit.WindowMinutes <= 0 {
		return fmt.Errorf("rate limit settings must be positive")
	}
	if c.Password.BcryptCost < 4 || c.Password.BcryptCost > 31 {
		return fmt.Errorf("BCRYPT_COST must be between 4 and 31")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

func (c *Config) UsesDefaultSecret() bool {
	return c.JWT.Secret == DefaultJWTSecret
}

func (c *Config) AccessTTL() time.Duration {
	d, _ := ParseDuration(c.JWT.ExpiresIn)
	return d
}

func (c *Config) RefreshTTL() time.Duration {
	d, _ := ParseDuration(c.JWT.RefreshExpiresIn)
	return d
}

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowMinutes) * time.Minute
}

func (c *Config) AuditRetention() time.Duration {
	return time.Duration(c.Audit.RetentionDays) * 24 * time.Hour
}

func (c *Config) ConnMaxLifetime() time.Duration {
	return time.Duration(c.Database.ConnMaxLifetimeMin) * time.Minute
}

func (c *Config) ConnMaxIdleTime() time.Duration {
	return time.Duration(c.Database.ConnMaxIdleTimeMin) * time.Minute
}

// ParseDuration accepts Go durations plus a day suffix such as "7d".
func ParseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if strings.HasSuffix(value, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(value, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid day duration %q", value)
		}
		if days <= 0 {
			return 0, fmt.Errorf("duration must be positive: %q", value)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive: %q", value)
	}
	return d, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envListOrDefault(name string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
