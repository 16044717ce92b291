package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Mode           string               `json:"mode"` // "paper" is the only built-in broker
	Server         ServerConfig         `json:"server"`
	Auth           AuthConfig           `json:"auth"`
	Logging        LoggingConfig        `json:"logging"`
	Redis          RedisConfig          `json:"redis"`
	Database       DatabaseConfig       `json:"database"`
	Vault          VaultConfig          `json:"vault"`
	Broker         BrokerConfig         `json:"broker"`
	Recovery       RecoveryConfig       `json:"recovery"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Metrics        MetricsConfig        `json:"metrics"`
	Notifications  NotificationConfig   `json:"notifications"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // Comma separated, empty allows all
	ProductionMode  bool   `json:"production_mode"`
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// AuthConfig guards mutating API routes with HS256 bearer tokens
type AuthConfig struct {
	Enabled       bool     `json:"enabled"`
	JWTSecret     string   `json:"jwt_secret"`
	Issuer        string   `json:"issuer"`
	TokenDuration Duration `json:"token_duration"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level         string `json:"level"`
	Output        string `json:"output"`
	JSONFormat    bool   `json:"json_format"`
	IncludeCaller bool   `json:"include_caller"`
}

// RedisConfig holds Redis configuration for tracker and correlation state
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// DatabaseConfig holds PostgreSQL configuration for recovery history
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int32  `json:"max_conns"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV v2 mount
	SecretPath string `json:"secret_path"` // Path holding redis_password, database_password, jwt_secret
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// BrokerConfig bounds broker calls and configures the paper broker
type BrokerConfig struct {
	CallTimeout       Duration    `json:"call_timeout"`
	MaxRetries        uint64      `json:"max_retries"`
	InitialBackoff    Duration    `json:"initial_backoff"`
	MaxBackoff        Duration    `json:"max_backoff"`
	RequestsPerSecond float64     `json:"requests_per_second"`
	Burst             int         `json:"burst"`
	Paper             PaperConfig `json:"paper"`
}

// PaperConfig seeds the in-memory paper broker
type PaperConfig struct {
	InitialBalance float64            `json:"initial_balance"`
	CurrencyValues map[string]float64 `json:"currency_values"` // USD value of one unit
	SpreadPips     float64            `json:"spread_pips"`
	FeedInterval   Duration           `json:"feed_interval"`
	Volatility     float64            `json:"volatility"`
	SeedBars       int                `json:"seed_bars"`
	Seed           int64              `json:"seed"`
	Positions      []PaperPosition    `json:"positions"` // Opened at startup
}

// PaperPosition is an original position the paper broker opens at startup
type PaperPosition struct {
	Symbol    string  `json:"symbol"`
	Direction string  `json:"direction"` // LONG or SHORT
	Volume    float64 `json:"volume"`
	Magic     int     `json:"magic"`
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled                bool    `json:"enabled"`
	MaxConsecutiveFailures int     `json:"max_consecutive_failures"`
	MaxConsecutiveLosses   int     `json:"max_consecutive_losses"`
	MaxDailyLoss           float64 `json:"max_daily_loss"`
	MaxRecoveriesPerHour   int     `json:"max_recoveries_per_hour"`
	CooldownMinutes        int     `json:"cooldown_minutes"`
}

// NotificationConfig holds chat webhook settings for recovery alerts
type NotificationConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

// TelegramConfig holds Telegram bot settings
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// DiscordConfig holds the Discord webhook
type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Load reads .env, then the JSON file at path (a missing file keeps the
// defaults), then environment overrides, and validates the result
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, &ConfigurationError{Field: ".env", Reason: err.Error()}
	}

	cfg := Default()
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, &ConfigurationError{Field: path, Reason: err.Error()}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(filename string, cfg *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	cfg.Mode = getEnvOrDefault("RECOVERY_MODE", cfg.Mode)

	// Server
	cfg.Server.Enabled = getEnvBoolOrDefault("API_ENABLED", cfg.Server.Enabled)
	cfg.Server.Port = getEnvIntOrDefault("API_PORT", cfg.Server.Port)
	cfg.Server.Host = getEnvOrDefault("API_HOST", cfg.Server.Host)
	cfg.Server.AllowedOrigins = getEnvOrDefault("API_ALLOWED_ORIGINS", cfg.Server.AllowedOrigins)
	cfg.Server.ProductionMode = getEnvBoolOrDefault("API_PRODUCTION", cfg.Server.ProductionMode)
	cfg.Auth.Enabled = getEnvBoolOrDefault("API_AUTH_ENABLED", cfg.Auth.Enabled)
	cfg.Auth.JWTSecret = getEnvOrDefault("API_JWT_SECRET", cfg.Auth.JWTSecret)

	// Notifications
	cfg.Notifications.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.Notifications.Telegram.BotToken)
	cfg.Notifications.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.Notifications.Telegram.ChatID)
	cfg.Notifications.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.Notifications.Telegram.Enabled)
	cfg.Notifications.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.Notifications.Discord.WebhookURL)
	cfg.Notifications.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", cfg.Notifications.Discord.Enabled)

	// Logging
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", cfg.Logging.Output)
	cfg.Logging.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.Logging.JSONFormat)

	// Redis
	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Redis.DB)

	// Database
	cfg.Database.Enabled = getEnvBoolOrDefault("DATABASE_ENABLED", cfg.Database.Enabled)
	cfg.Database.Host = getEnvOrDefault("DATABASE_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvIntOrDefault("DATABASE_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DATABASE_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DATABASE_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnvOrDefault("DATABASE_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnvOrDefault("DATABASE_SSLMODE", cfg.Database.SSLMode)

	// Vault
	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)

	// Broker
	cfg.Broker.CallTimeout.Duration = getEnvDurationOrDefault("BROKER_CALL_TIMEOUT", cfg.Broker.CallTimeout.Duration)
	cfg.Broker.Paper.InitialBalance = getEnvFloatOrDefault("PAPER_INITIAL_BALANCE", cfg.Broker.Paper.InitialBalance)

	// Recovery thresholds
	r := &cfg.Recovery
	r.LossPct = getEnvFloatOrDefault("RECOVERY_LOSS_PCT", r.LossPct)
	r.LossUSD = getEnvFloatOrDefault("RECOVERY_LOSS_USD", r.LossUSD)
	r.MinCorrelation = getEnvFloatOrDefault("RECOVERY_MIN_CORRELATION", r.MinCorrelation)
	r.HedgeMultiplier = getEnvFloatOrDefault("RECOVERY_HEDGE_MULTIPLIER", r.HedgeMultiplier)
	r.MaxUsagePerSymbol = getEnvIntOrDefault("RECOVERY_MAX_USAGE_PER_SYMBOL", r.MaxUsagePerSymbol)
	r.ProfitTarget = getEnvFloatOrDefault("RECOVERY_PROFIT_TARGET", r.ProfitTarget)
	r.Cooldown.Duration = getEnvDurationOrDefault("RECOVERY_COOLDOWN", r.Cooldown.Duration)
	r.MaxHold.Duration = getEnvDurationOrDefault("RECOVERY_MAX_HOLD", r.MaxHold.Duration)
	r.CheckInterval.Duration = getEnvDurationOrDefault("RECOVERY_CHECK_INTERVAL", r.CheckInterval.Duration)
	r.CorrelationTTL.Duration = getEnvDurationOrDefault("RECOVERY_CORRELATION_TTL", r.CorrelationTTL.Duration)
	if symbols := os.Getenv("RECOVERY_SYMBOLS"); symbols != "" {
		r.TradableSymbols = splitList(symbols)
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}

// GenerateSampleConfig writes the defaults as a starting config file
func GenerateSampleConfig(filename string) error {
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
