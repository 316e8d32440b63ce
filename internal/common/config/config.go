// Package config provides configuration management for SiteDoc.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for SiteDoc.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Redis     RedisConfig     `mapstructure:"redis"`
	AgentHost AgentHostConfig `mapstructure:"agentHost"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Callback  CallbackConfig  `mapstructure:"callback"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Stall     StallConfig     `mapstructure:"stall"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver "sqlite" uses Path; driver "postgres" uses the host/port fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-process event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RedisConfig holds the lock-store configuration.
// An empty URL selects the in-process lock service.
type RedisConfig struct {
	URL         string `mapstructure:"url"`
	LockTTLMins int    `mapstructure:"lockTtlMins"`
}

// AgentHostConfig holds the external agent host (OpenClaw) configuration.
type AgentHostConfig struct {
	BaseURL           string `mapstructure:"baseUrl"`
	Token             string `mapstructure:"token"`
	InvokeTimeoutSecs int    `mapstructure:"invokeTimeoutSecs"`
	RunTimeoutSecs    int    `mapstructure:"runTimeoutSecs"`
}

// AgentsConfig holds per-role model selection.
type AgentsConfig struct {
	DefaultModel string            `mapstructure:"defaultModel"`
	Models       map[string]string `mapstructure:"models"`
}

// ModelFor returns the configured model for an agent role, falling back
// to the default model.
func (a *AgentsConfig) ModelFor(role string) string {
	if m, ok := a.Models[role]; ok && m != "" {
		return m
	}
	return a.DefaultModel
}

// CallbackConfig holds the internal callback surface configuration.
type CallbackConfig struct {
	InternalToken string `mapstructure:"internalToken"`
	PublicBaseURL string `mapstructure:"publicBaseUrl"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

// SecretsConfig holds the credential encryption configuration.
type SecretsConfig struct {
	EncryptionKey string `mapstructure:"encryptionKey"`
}

// StallConfig holds the stall-recovery thresholds.
type StallConfig struct {
	PickupMinutes     int `mapstructure:"pickupMinutes"`
	StuckMinutes      int `mapstructure:"stuckMinutes"`
	WarnMinutes       int `mapstructure:"warnMinutes"`
	EscalateHours     int `mapstructure:"escalateHours"`
	SweepIntervalMins int `mapstructure:"sweepIntervalMins"`
}

// WorkersConfig holds per-queue worker counts.
type WorkersConfig struct {
	Agent   int `mapstructure:"agent"`
	Backend int `mapstructure:"backend"`
}

// SMTPConfig holds email notification configuration.
// An empty Host disables notifications.
type SMTPConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	From       string `mapstructure:"from"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	StartTLS   bool   `mapstructure:"startTls"`
	AdminEmail string `mapstructure:"adminEmail"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// LockTTL returns the single-flight lock TTL as a time.Duration.
func (r *RedisConfig) LockTTL() time.Duration {
	return time.Duration(r.LockTTLMins) * time.Minute
}

// InvokeTimeout returns the spawner RPC timeout as a time.Duration.
func (a *AgentHostConfig) InvokeTimeout() time.Duration {
	return time.Duration(a.InvokeTimeoutSecs) * time.Second
}

// Pickup returns the pickup threshold as a time.Duration.
func (s *StallConfig) Pickup() time.Duration {
	return time.Duration(s.PickupMinutes) * time.Minute
}

// Stuck returns the stuck-agent threshold as a time.Duration.
func (s *StallConfig) Stuck() time.Duration {
	return time.Duration(s.StuckMinutes) * time.Minute
}

// Warn returns the warning threshold as a time.Duration.
func (s *StallConfig) Warn() time.Duration {
	return time.Duration(s.WarnMinutes) * time.Minute
}

// Escalate returns the tech-lead escalation threshold as a time.Duration.
func (s *StallConfig) Escalate() time.Duration {
	return time.Duration(s.EscalateHours) * time.Hour
}

// SweepInterval returns the sweep period as a time.Duration.
func (s *StallConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalMins) * time.Minute
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("SITEDOC_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite for local development
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "sitedoc.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "sitedoc")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "sitedoc")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "sitedoc-server")
	v.SetDefault("nats.maxReconnects", 10)

	// Redis defaults - empty URL means use in-memory locks
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.lockTtlMins", 15)

	// Agent host defaults
	v.SetDefault("agentHost.baseUrl", "http://localhost:18789")
	v.SetDefault("agentHost.token", "")
	v.SetDefault("agentHost.invokeTimeoutSecs", 30)
	v.SetDefault("agentHost.runTimeoutSecs", 900)

	// Agent model defaults
	v.SetDefault("agents.defaultModel", "anthropic/claude-sonnet-4")
	v.SetDefault("agents.models", map[string]string{})

	// Callback defaults
	v.SetDefault("callback.internalToken", "")
	v.SetDefault("callback.publicBaseUrl", "http://localhost:8080")

	// Auth defaults
	v.SetDefault("auth.jwtSecret", "")

	// Secrets defaults
	v.SetDefault("secrets.encryptionKey", "")

	// Stall thresholds
	v.SetDefault("stall.pickupMinutes", 5)
	v.SetDefault("stall.stuckMinutes", 20)
	v.SetDefault("stall.warnMinutes", 45)
	v.SetDefault("stall.escalateHours", 4)
	v.SetDefault("stall.sweepIntervalMins", 5)

	// Worker counts
	v.SetDefault("workers.agent", 4)
	v.SetDefault("workers.backend", 4)

	// SMTP - disabled unless host is set
	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.from", "noreply@sitedoc.dev")
	v.SetDefault("smtp.user", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.startTls", true)
	v.SetDefault("smtp.adminEmail", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SITEDOC_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/sitedoc/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("SITEDOC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.dbName", "SITEDOC_DATABASE_DB_NAME")
	_ = v.BindEnv("redis.url", "REDIS_URL", "SITEDOC_REDIS_URL")
	_ = v.BindEnv("redis.lockTtlMins", "SITEDOC_REDIS_LOCK_TTL_MINS")
	_ = v.BindEnv("agentHost.baseUrl", "OPENCLAW_GATEWAY_URL", "SITEDOC_AGENT_HOST_BASE_URL")
	_ = v.BindEnv("agentHost.token", "OPENCLAW_GATEWAY_TOKEN", "SITEDOC_AGENT_HOST_TOKEN")
	_ = v.BindEnv("agentHost.runTimeoutSecs", "SITEDOC_AGENT_HOST_RUN_TIMEOUT_SECS")
	_ = v.BindEnv("agents.defaultModel", "AGENT_MODEL_DEFAULT", "SITEDOC_AGENTS_DEFAULT_MODEL")
	_ = v.BindEnv("agents.models.pm", "AGENT_MODEL_PM")
	_ = v.BindEnv("agents.models.dev", "AGENT_MODEL_DEV")
	_ = v.BindEnv("agents.models.qa", "AGENT_MODEL_QA")
	_ = v.BindEnv("agents.models.tech_lead", "AGENT_MODEL_TECH_LEAD")
	_ = v.BindEnv("callback.internalToken", "INTERNAL_API_TOKEN", "SITEDOC_CALLBACK_INTERNAL_TOKEN")
	_ = v.BindEnv("callback.publicBaseUrl", "SITEDOC_CALLBACK_PUBLIC_BASE_URL")
	_ = v.BindEnv("auth.jwtSecret", "SITEDOC_AUTH_JWT_SECRET")
	_ = v.BindEnv("secrets.encryptionKey", "CREDENTIAL_ENCRYPTION_KEY", "SITEDOC_SECRETS_ENCRYPTION_KEY")
	_ = v.BindEnv("smtp.adminEmail", "SITEDOC_SMTP_ADMIN_EMAIL")
	_ = v.BindEnv("smtp.startTls", "SITEDOC_SMTP_START_TLS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sitedoc/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Redis.LockTTLMins <= 0 {
		errs = append(errs, "redis.lockTtlMins must be positive")
	}

	if cfg.AgentHost.RunTimeoutSecs <= 0 {
		errs = append(errs, "agentHost.runTimeoutSecs must be positive")
	}

	// Auth validation - generate random secret if not set (dev mode)
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}

	if cfg.Stall.PickupMinutes <= 0 || cfg.Stall.StuckMinutes <= 0 ||
		cfg.Stall.WarnMinutes <= 0 || cfg.Stall.EscalateHours <= 0 {
		errs = append(errs, "stall thresholds must all be positive")
	}
	if cfg.Stall.StuckMinutes*60 <= cfg.AgentHost.RunTimeoutSecs {
		errs = append(errs, "stall.stuckMinutes must exceed agentHost.runTimeoutSecs")
	}

	if cfg.Workers.Agent <= 0 || cfg.Workers.Backend <= 0 {
		errs = append(errs, "worker counts must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.Path
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	// In production, users should set SITEDOC_AUTH_JWT_SECRET
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
