package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the root configuration for the live engine.
type Config struct {
	BinanceConfig      BinanceConfig      `json:"binance"`
	TradingConfig      TradingConfig      `json:"trading"`
	StrategyParams     StrategyParams     `json:"strategy"`
	NotificationConfig NotificationConfig `json:"notification"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	ServerConfig       ServerConfig       `json:"server"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	VaultConfig        VaultConfig        `json:"vault"`
}

type BinanceConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	BaseURL   string `json:"base_url"`
	TestNet   bool   `json:"testnet"`
}

// TradingConfig holds the controller runtime settings.
type TradingConfig struct {
	Symbols             []string `json:"symbols"`
	Timeframe           string   `json:"timeframe"`
	TickIntervalSeconds int      `json:"tick_interval_seconds"`
	Shadow              bool     `json:"shadow"`
	ShadowBalance       float64  `json:"shadow_balance"`
	ShadowDataDir       string   `json:"shadow_data_dir"`
}

// StrategyParams is the fixed parameter set the decision core closes over.
// Unknown fields in the JSON are rejected loudly: configuration drift on
// this block must never pass silently.
type StrategyParams struct {
	Leverage               int     `json:"leverage"`
	PositionSizePct        float64 `json:"position_size_pct"`
	PullbackTolerance      float64 `json:"pullback_tolerance"`
	MA20Buffer             float64 `json:"ma20_buffer"`
	MaxAddCount            int     `json:"max_add_count"`
	AddPositionMinInterval int     `json:"add_position_min_interval"`
	StopLossConfirmBars    int     `json:"stop_loss_confirm_bars"`
	EmergencyStopATR       float64 `json:"emergency_stop_atr"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type LoggingConfig struct {
	Level      string `json:"level"`
	Output     string `json:"output"`
	JSONFormat bool   `json:"json_format"`
}

type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

type DatabaseConfig struct {
	URL string `json:"url"` // empty disables the trade journal
}

type RedisConfig struct {
	URL string `json:"url"` // empty disables the state mirror
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	SecretPath string `json:"secret_path"`
}

// DefaultStrategyParams are the BiGe 7x production values.
func DefaultStrategyParams() StrategyParams {
	return StrategyParams{
		Leverage:               7,
		PositionSizePct:        1.0,
		PullbackTolerance:      0.01,
		MA20Buffer:             0.02,
		MaxAddCount:            3,
		AddPositionMinInterval: 3,
		StopLossConfirmBars:    10,
		EmergencyStopATR:       3.5,
	}
}

// Validate range-checks the parameter block.
func (p StrategyParams) Validate() error {
	if p.Leverage < 1 || p.Leverage > 125 {
		return fmt.Errorf("leverage %d out of range [1,125]", p.Leverage)
	}
	if p.PositionSizePct <= 0 || p.PositionSizePct > 1 {
		return fmt.Errorf("position_size_pct %v out of range (0,1]", p.PositionSizePct)
	}
	if p.PullbackTolerance <= 0 {
		return fmt.Errorf("pullback_tolerance must be positive, got %v", p.PullbackTolerance)
	}
	if p.MA20Buffer <= 0 {
		return fmt.Errorf("ma20_buffer must be positive, got %v", p.MA20Buffer)
	}
	if p.MaxAddCount < 0 {
		return fmt.Errorf("max_add_count must be >= 0, got %d", p.MaxAddCount)
	}
	if p.AddPositionMinInterval < 0 {
		return fmt.Errorf("add_position_min_interval must be >= 0, got %d", p.AddPositionMinInterval)
	}
	if p.StopLossConfirmBars < 1 {
		return fmt.Errorf("stop_loss_confirm_bars must be >= 1, got %d", p.StopLossConfirmBars)
	}
	if p.EmergencyStopATR < 0 {
		return fmt.Errorf("emergency_stop_atr must be >= 0, got %d", int(p.EmergencyStopATR))
	}
	return nil
}

// ParseStrategyParams decodes a parameter block rejecting unknown fields.
func ParseStrategyParams(data []byte) (StrategyParams, error) {
	p := DefaultStrategyParams()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return StrategyParams{}, fmt.Errorf("invalid strategy params: %w", err)
	}
	if err := p.Validate(); err != nil {
		return StrategyParams{}, err
	}
	return p, nil
}

// Load reads configuration from an optional .env file, an optional JSON
// config file (CONFIG_FILE, default config.json) and environment
// variable overrides, in that order.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		TradingConfig: TradingConfig{
			Symbols:             []string{"BTCUSDT"},
			Timeframe:           "4h",
			TickIntervalSeconds: 60,
			ShadowBalance:       10000,
			ShadowDataDir:       "shadow_data",
		},
		StrategyParams: DefaultStrategyParams(),
		LoggingConfig:  LoggingConfig{Level: "INFO", Output: "stdout", JSONFormat: true},
		ServerConfig:   ServerConfig{Enabled: true, Host: "0.0.0.0", Port: 8080},
	}

	path := getEnvOrDefault("CONFIG_FILE", "config.json")
	if data, err := os.ReadFile(path); err == nil {
		// The strategy block gets the strict decoder; the rest of the
		// file tolerates additions.
		var raw struct {
			Strategy json.RawMessage `json:"strategy"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if len(raw.Strategy) > 0 {
			p, err := ParseStrategyParams(raw.Strategy)
			if err != nil {
				return nil, err
			}
			cfg.StrategyParams = p
		}
	}

	cfg.BinanceConfig.APIKey = getEnvOrDefault("API_KEY", cfg.BinanceConfig.APIKey)
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("API_SECRET", cfg.BinanceConfig.SecretKey)
	cfg.BinanceConfig.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.BinanceConfig.BaseURL)
	cfg.BinanceConfig.TestNet = getEnvOrDefault("BINANCE_TESTNET", boolStr(cfg.BinanceConfig.TestNet)) == "true"

	if v := os.Getenv("SYMBOLS"); v != "" {
		cfg.TradingConfig.Symbols = splitSymbols(v)
	}
	cfg.TradingConfig.Timeframe = getEnvOrDefault("TIMEFRAME", cfg.TradingConfig.Timeframe)
	cfg.TradingConfig.TickIntervalSeconds = getEnvIntOrDefault("TICK_INTERVAL", cfg.TradingConfig.TickIntervalSeconds)

	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("BOT_TOKEN",
		getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken))
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("CHAT_ID",
		getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID))
	if cfg.NotificationConfig.Telegram.BotToken != "" && cfg.NotificationConfig.Telegram.ChatID != "" {
		cfg.NotificationConfig.Enabled = true
		cfg.NotificationConfig.Telegram.Enabled = true
	}

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", boolStr(cfg.LoggingConfig.JSONFormat)) == "true"

	cfg.ServerConfig.Port = getEnvIntOrDefault("STATUS_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("STATUS_HOST", cfg.ServerConfig.Host)

	cfg.DatabaseConfig.URL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.URL)
	cfg.RedisConfig.URL = getEnvOrDefault("REDIS_URL", cfg.RedisConfig.URL)

	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", boolStr(cfg.VaultConfig.Enabled)) == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)

	if err := cfg.StrategyParams.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.TradingConfig.Symbols) == 0 {
		return nil, fmt.Errorf("no trading symbols configured")
	}
	if cfg.TradingConfig.TickIntervalSeconds < 1 {
		return nil, fmt.Errorf("tick_interval_seconds must be >= 1, got %d", cfg.TradingConfig.TickIntervalSeconds)
	}

	return cfg, nil
}

func splitSymbols(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
