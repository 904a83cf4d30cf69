// Package config loads the bot's configuration from the environment, with an
// optional .env file for local runs.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"dcabot/internal/adapters/logger"
	"dcabot/internal/domain"
	"dcabot/internal/pricing"
)

// Trading modes.
const (
	ModeSimulation = "simulation"
	ModeLive       = "live"
)

// Config holds all application configuration.
type Config struct {
	// Mode selects the gateway: paper trading against the simulator or the
	// live exchange. Simulation is the default on purpose.
	Mode string `envconfig:"TRADING_MODE" default:"simulation"`

	// Binance API
	APIKey     string `envconfig:"BINANCE_API_KEY"`
	SecretKey  string `envconfig:"BINANCE_API_SECRET"`
	UseTestnet bool   `envconfig:"USE_TESTNET" default:"true"`

	// Market
	Symbol         string `envconfig:"SYMBOL" default:"BTC-USDT"`
	ExchangeSymbol string `envconfig:"EXCHANGE_SYMBOL" default:"BTCUSDT"`
	QuoteAsset     string `envconfig:"QUOTE_ASSET" default:"USDT"`
	BaseAsset      string `envconfig:"BASE_ASSET" default:"BTC"`

	// Strategy
	ProfitMargin       float64 `envconfig:"PROFIT_MARGIN" default:"0.005"`
	BuyTriggerPercent  float64 `envconfig:"BUY_TRIGGER_PERCENT" default:"0.5"`
	OrderType          string  `envconfig:"ORDER_TYPE" default:"LIMIT"`
	BuyFeeRate         float64 `envconfig:"BUY_FEE_RATE" default:"0.001"`
	SellFeeRate        float64 `envconfig:"SELL_FEE_RATE" default:"0.001"`
	MaxOpenPositions   int     `envconfig:"MAX_OPEN_POSITIONS" default:"5"`
	MinTradeAmount     float64 `envconfig:"MIN_TRADE_AMOUNT" default:"10"`
	InitialBuyFraction float64 `envconfig:"INITIAL_BUY_FRACTION" default:"0.95"`
	FirstTierFraction  float64 `envconfig:"FIRST_TIER_FRACTION" default:"0.30"`
	NextTierFraction   float64 `envconfig:"NEXT_TIER_FRACTION" default:"0.15"`

	// Loop timing
	TickInterval     time.Duration `envconfig:"TICK_INTERVAL" default:"5s"`
	ForceStopTimeout time.Duration `envconfig:"FORCE_STOP_TIMEOUT" default:"5s"`

	// Simulation
	SimInitialBalance float64 `envconfig:"SIM_INITIAL_BALANCE" default:"50"`
	MakerFeeRate      float64 `envconfig:"MAKER_FEE_RATE" default:"0.001"`
	TakerFeeRate      float64 `envconfig:"TAKER_FEE_RATE" default:"0.001"`

	// Infrastructure
	DBPath      string `envconfig:"DB_PATH" default:"./data/dcabot.db"`
	LogLevelStr string `envconfig:"LOG_LEVEL" default:"INFO"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	LogLevel logger.LogLevel `ignored:"true"`
}

// Load reads configuration from environment variables, merging in a .env
// file when one exists.
func Load() (*Config, error) {
	// Missing .env is fine; pure environment variables work too.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}
	cfg.Mode = strings.ToLower(cfg.Mode)
	cfg.OrderType = strings.ToUpper(cfg.OrderType)
	cfg.LogLevel = logger.ParseLevel(cfg.LogLevelStr)

	var errs []string

	switch cfg.Mode {
	case ModeSimulation:
		// Keys are optional: the simulator only reads public price data.
	case ModeLive:
		if cfg.APIKey == "" || cfg.SecretKey == "" {
			errs = append(errs, "BINANCE_API_KEY and BINANCE_API_SECRET must be set for live trading")
		}
	default:
		errs = append(errs, fmt.Sprintf("TRADING_MODE must be %q or %q, got %q", ModeSimulation, ModeLive, cfg.Mode))
	}

	if cfg.Symbol == "" || cfg.ExchangeSymbol == "" {
		errs = append(errs, "SYMBOL and EXCHANGE_SYMBOL must be set")
	}
	if cfg.QuoteAsset == "" || cfg.BaseAsset == "" {
		errs = append(errs, "QUOTE_ASSET and BASE_ASSET must be set")
	}

	if cfg.ProfitMargin <= 0 || cfg.ProfitMargin >= 1 {
		errs = append(errs, "PROFIT_MARGIN must be between 0.0 and 1.0 (exclusive)")
	}
	if cfg.BuyTriggerPercent <= 0 || cfg.BuyTriggerPercent >= 100 {
		errs = append(errs, "BUY_TRIGGER_PERCENT must be between 0 and 100 (exclusive)")
	}
	if kind := cfg.OrderKind(); kind != domain.Market && kind != domain.Limit {
		errs = append(errs, fmt.Sprintf("ORDER_TYPE must be MARKET or LIMIT, got %q", cfg.OrderType))
	}
	if cfg.BuyFeeRate < 0 || cfg.BuyFeeRate >= 1 || cfg.SellFeeRate < 0 || cfg.SellFeeRate >= 1 ||
		cfg.MakerFeeRate < 0 || cfg.MakerFeeRate >= 1 || cfg.TakerFeeRate < 0 || cfg.TakerFeeRate >= 1 {
		errs = append(errs, "fee rates must be in [0.0, 1.0)")
	}
	if cfg.MaxOpenPositions <= 0 {
		errs = append(errs, "MAX_OPEN_POSITIONS must be positive")
	}
	if cfg.MinTradeAmount <= 0 {
		errs = append(errs, "MIN_TRADE_AMOUNT must be positive")
	}
	for name, frac := range map[string]float64{
		"INITIAL_BUY_FRACTION": cfg.InitialBuyFraction,
		"FIRST_TIER_FRACTION":  cfg.FirstTierFraction,
		"NEXT_TIER_FRACTION":   cfg.NextTierFraction,
	} {
		if frac <= 0 || frac > 1 {
			errs = append(errs, fmt.Sprintf("%s must be between 0.0 (exclusive) and 1.0 (inclusive)", name))
		}
	}
	if cfg.TickInterval <= 0 {
		errs = append(errs, "TICK_INTERVAL must be positive")
	}
	if cfg.ForceStopTimeout <= 0 {
		errs = append(errs, "FORCE_STOP_TIMEOUT must be positive")
	}
	if cfg.Mode == ModeSimulation && cfg.SimInitialBalance <= 0 {
		errs = append(errs, "SIM_INITIAL_BALANCE must be positive in simulation mode")
	}
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// OrderKind maps the configured order type onto the domain kind.
func (c *Config) OrderKind() domain.OrderKind {
	return domain.OrderKind(c.OrderType)
}

// Fees returns the configured fee pair.
func (c *Config) Fees() pricing.FeeRates {
	return pricing.FeeRates{Buy: c.BuyFeeRate, Sell: c.SellFeeRate}
}
