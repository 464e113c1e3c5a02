// Package config loads the engine's tuning knobs from an optional JSON
// file plus environment variable overrides, the same two-layer pattern
// as the teacher's config/config.go.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the full tuning-knob tree for one engine instance.
type Config struct {
	StrategyConfig     StrategyConfig     `json:"strategy"`
	SlotConfig         SlotConfig         `json:"slots"`
	ExecutionConfig    ExecutionConfig    `json:"execution"`
	RiskConfig         RiskConfig         `json:"risk"`
	CoinConfig         CoinConfig         `json:"coins"`
	ExchangeConfig     ExchangeConfig     `json:"exchange"`
	NotificationConfig NotificationConfig `json:"notification"`
	StorageConfig      StorageConfig      `json:"storage"`
	VaultConfig        VaultConfig        `json:"vault"`
	RedisConfig        RedisConfig        `json:"redis"`
	DashboardConfig    DashboardConfig    `json:"dashboard"`
	LoggingConfig      LoggingConfig      `json:"logging"`
}

// StrategyConfig controls the HA-flip / ATR-ladder strategy itself.
type StrategyConfig struct {
	HATimeframe   int     `json:"ha_timeframe"`   // minutes
	ATRTimeframe  int     `json:"atr_timeframe"`  // minutes
	ATRPeriod     int     `json:"atr_period"`
	TPLevels      int     `json:"tp_levels"`
	InitialSLPct  float64 `json:"initial_sl_pct"`
}

// SlotConfig controls the independent-balance slot pool.
type SlotConfig struct {
	NumSlots       int     `json:"num_slots"`
	InitialBalance float64 `json:"initial_balance"`
	MinBalance     float64 `json:"min_balance"`
	Leverage       int64   `json:"leverage"`
}

// ExecutionConfig controls order placement tiering and cooldown length.
type ExecutionConfig struct {
	FillTimeoutSec  int  `json:"fill_timeout_sec"`
	MaxFillRetries  int  `json:"max_fill_retries"`
	CooldownMinutes int  `json:"cooldown_minutes"`
	PostOnlyRetries int  `json:"post_only_retries"`
	DryRun          bool `json:"dry_run"`
}

// RiskConfig controls the kill switch.
type RiskConfig struct {
	KillSwitchThreshold         float64 `json:"kill_switch_threshold"`
	KillSwitchCheckIntervalSec int     `json:"kill_switch_check_interval"`
}

// CoinConfig controls the trading universe refresh.
type CoinConfig struct {
	NumCoins                 int      `json:"num_coins"`
	CoinRefreshIntervalHours int      `json:"coin_refresh_interval_hours"`
	HAHistoryCandles         int      `json:"ha_history_candles"`
	ExcludedStablecoins      []string `json:"excluded_stablecoins"`
}

// ExchangeConfig holds the exchange REST/WS endpoints. Credentials are
// never read from here — they come from internal/secrets.
type ExchangeConfig struct {
	BaseURL string `json:"base_url"`
	WSURL   string `json:"ws_url"`
	TestNet bool   `json:"testnet"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// StorageConfig holds the PostgreSQL connection parameters consumed by
// storage.NewDB.
type StorageConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// VaultConfig holds HashiCorp Vault configuration, consumed by
// internal/secrets.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// RedisConfig backs the cooldown timer wheel in internal/storage.
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// DashboardConfig controls the read-only HTTP dashboard.
type DashboardConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	ProductionMode bool   `json:"production_mode"`
	StaleAfterSec  int    `json:"stale_after_sec"`
}

type LoggingConfig struct {
	Level       string `json:"level"`
	Output      string `json:"output"`
	JSONFormat  bool   `json:"json_format"`
	IncludeFile bool   `json:"include_file"`
}

// InitialSLPctDecimal returns StrategyConfig.InitialSLPct as a decimal,
// for handoff to riskmanager.Config which works exclusively in decimals.
func (s StrategyConfig) InitialSLPctDecimal() decimal.Decimal {
	return decimal.NewFromFloat(s.InitialSLPct)
}

// InitialBalanceDecimal returns SlotConfig.InitialBalance as a decimal.
func (s SlotConfig) InitialBalanceDecimal() decimal.Decimal {
	return decimal.NewFromFloat(s.InitialBalance)
}

// MinBalanceDecimal returns SlotConfig.MinBalance as a decimal.
func (s SlotConfig) MinBalanceDecimal() decimal.Decimal {
	return decimal.NewFromFloat(s.MinBalance)
}

// ThresholdDecimal returns RiskConfig.KillSwitchThreshold as a decimal.
func (r RiskConfig) ThresholdDecimal() decimal.Decimal {
	return decimal.NewFromFloat(r.KillSwitchThreshold)
}

// Load reads config.json if present, then applies environment overrides
// on top. Defaults are filled in by applyEnvOverrides so a config.json
// is never required.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: reading config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(file, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing config file: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides fills in every field from the environment, falling
// back to the documented defaults. Note: exchange API credentials are
// never read here — see internal/secrets.
func applyEnvOverrides(cfg *Config) {
	// Strategy
	cfg.StrategyConfig.HATimeframe = getEnvIntOrDefault("HA_TIMEFRAME", 240)
	cfg.StrategyConfig.ATRTimeframe = getEnvIntOrDefault("ATR_TIMEFRAME", 15)
	cfg.StrategyConfig.ATRPeriod = getEnvIntOrDefault("ATR_PERIOD", 14)
	cfg.StrategyConfig.TPLevels = getEnvIntOrDefault("TP_LEVELS", 10)
	cfg.StrategyConfig.InitialSLPct = getEnvFloatOrDefault("INITIAL_SL_PCT", 0.025)

	// Slots
	cfg.SlotConfig.NumSlots = getEnvIntOrDefault("NUM_SLOTS", 8)
	cfg.SlotConfig.InitialBalance = getEnvFloatOrDefault("INITIAL_BALANCE", 10.0)
	cfg.SlotConfig.MinBalance = getEnvFloatOrDefault("MIN_BALANCE", 5.0)
	cfg.SlotConfig.Leverage = int64(getEnvIntOrDefault("LEVERAGE", 8))

	// Execution
	cfg.ExecutionConfig.FillTimeoutSec = getEnvIntOrDefault("FILL_TIMEOUT_SEC", 15)
	cfg.ExecutionConfig.MaxFillRetries = getEnvIntOrDefault("MAX_FILL_RETRIES", 3)
	cfg.ExecutionConfig.CooldownMinutes = getEnvIntOrDefault("COOLDOWN_MINUTES", 30)
	cfg.ExecutionConfig.PostOnlyRetries = getEnvIntOrDefault("POST_ONLY_RETRIES", 2)
	cfg.ExecutionConfig.DryRun = getEnvOrDefault("DRY_RUN", "true") == "true"

	// Risk / kill switch
	cfg.RiskConfig.KillSwitchThreshold = getEnvFloatOrDefault("KILL_SWITCH_THRESHOLD", 30.0)
	cfg.RiskConfig.KillSwitchCheckIntervalSec = getEnvIntOrDefault("KILL_SWITCH_CHECK_INTERVAL", 60)

	// Coins
	cfg.CoinConfig.NumCoins = getEnvIntOrDefault("NUM_COINS", 20)
	cfg.CoinConfig.CoinRefreshIntervalHours = getEnvIntOrDefault("COIN_REFRESH_INTERVAL_HOURS", 4)
	cfg.CoinConfig.HAHistoryCandles = getEnvIntOrDefault("HA_HISTORY_CANDLES", 200)
	if len(cfg.CoinConfig.ExcludedStablecoins) == 0 {
		cfg.CoinConfig.ExcludedStablecoins = []string{
			"USDC", "BUSD", "TUSD", "DAI", "FDUSD",
		}
	}

	// Exchange
	cfg.ExchangeConfig.BaseURL = getEnvOrDefault("EXCHANGE_BASE_URL", "https://api.bybit.com")
	cfg.ExchangeConfig.WSURL = getEnvOrDefault("EXCHANGE_WS_URL", "wss://stream.bybit.com/v5/public/linear")
	cfg.ExchangeConfig.TestNet = getEnvOrDefault("EXCHANGE_TESTNET", "false") == "true"

	// Notifications
	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", "false") == "true"
	cfg.NotificationConfig.Telegram.Enabled = getEnvOrDefault("TELEGRAM_ENABLED", "false") == "true"
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.Enabled = getEnvOrDefault("DISCORD_ENABLED", "false") == "true"
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	// Storage (PostgreSQL)
	cfg.StorageConfig.Host = getEnvOrDefault("DB_HOST", "localhost")
	cfg.StorageConfig.Port = getEnvIntOrDefault("DB_PORT", 5432)
	cfg.StorageConfig.User = getEnvOrDefault("DB_USER", "haflip")
	cfg.StorageConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.StorageConfig.Password)
	cfg.StorageConfig.Database = getEnvOrDefault("DB_NAME", "haflip_engine")
	cfg.StorageConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")

	// Vault
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "haflip-engine/exchange-keys")
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CACERT", cfg.VaultConfig.CACert)

	// Redis (cooldown wheel)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)

	// Dashboard
	cfg.DashboardConfig.Host = getEnvOrDefault("DASHBOARD_HOST", "0.0.0.0")
	cfg.DashboardConfig.Port = getEnvIntOrDefault("DASHBOARD_PORT", 8080)
	cfg.DashboardConfig.ProductionMode = getEnvOrDefault("DASHBOARD_PRODUCTION", "false") == "true"
	cfg.DashboardConfig.StaleAfterSec = getEnvIntOrDefault("DASHBOARD_STALE_AFTER_SEC", 300)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "INFO")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
	cfg.LoggingConfig.IncludeFile = getEnvOrDefault("LOG_INCLUDE_FILE", "false") == "true"
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

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
