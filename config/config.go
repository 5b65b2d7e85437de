package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// TrendConfig tunes the EMA/ADX trend stack.
type TrendConfig struct {
	EMAFast         int     `yaml:"ema_fast" default:"9" validate:"gt=0"`
	EMASlow         int     `yaml:"ema_slow" default:"21" validate:"gt=0"`
	EMAFilter       int     `yaml:"ema_filter" default:"50" validate:"gt=0"`
	EMATrend        int     `yaml:"ema_200" default:"200" validate:"gt=0"`
	ADXPeriod       int     `yaml:"adx_period" default:"14" validate:"gt=0"`
	ADXThreshold    float64 `yaml:"adx_threshold" default:"25"`
	UseEMA200Filter bool    `yaml:"use_ema200_filter" default:"true"`
}

type SupertrendConfig struct {
	Enabled    bool    `yaml:"enabled" default:"true"`
	ATRPeriod  int     `yaml:"atr_period" default:"10" validate:"gt=0"`
	Multiplier float64 `yaml:"multiplier" default:"3.0" validate:"gt=0"`
}

type BollingerConfig struct {
	Enabled     bool    `yaml:"enabled" default:"true"`
	Period      int     `yaml:"period" default:"20" validate:"gt=0"`
	StdDev      float64 `yaml:"std_dev" default:"2.0" validate:"gt=0"`
	MinWidthPct float64 `yaml:"min_width_pct" default:"2.0"`
}

// MTFConfig controls the higher-timeframe confirmation gate.
type MTFConfig struct {
	Enabled          bool     `yaml:"enabled" default:"true"`
	HigherTimeframes []string `yaml:"higher_timeframes"`
}

type RSIConfig struct {
	Enabled            bool    `yaml:"enabled" default:"true"`
	Period             int     `yaml:"period" default:"14" validate:"gt=0"`
	Overbought         float64 `yaml:"overbought" default:"70"`
	Oversold           float64 `yaml:"oversold" default:"30"`
	UseDivergence      bool    `yaml:"use_divergence" default:"true"`
	DivergenceLookback int     `yaml:"divergence_lookback" default:"5" validate:"gt=0"`
}

type MACDConfig struct {
	Enabled      bool `yaml:"enabled" default:"true"`
	FastPeriod   int  `yaml:"fast_period" default:"12" validate:"gt=0"`
	SlowPeriod   int  `yaml:"slow_period" default:"26" validate:"gt=0"`
	SignalPeriod int  `yaml:"signal_period" default:"9" validate:"gt=0"`
}

type VolumeConfig struct {
	Enabled         bool    `yaml:"enabled" default:"true"`
	Period          int     `yaml:"period" default:"20" validate:"gt=0"`
	Multiplier      float64 `yaml:"multiplier" default:"1.2"`
	DetectSpike     bool    `yaml:"detect_spike" default:"true"`
	SpikeMultiplier float64 `yaml:"spike_multiplier" default:"2.0"`
}

type MarketConditionsConfig struct {
	UseChoppiness     bool    `yaml:"use_choppiness" default:"true"`
	ChopPeriod        int     `yaml:"chop_period" default:"14" validate:"gt=0"`
	ChopThreshold     float64 `yaml:"chop_threshold" default:"61.8"`
	UseSideways       bool    `yaml:"use_sideways" default:"true"`
	SidewaysPeriod    int     `yaml:"sideways_period" default:"20" validate:"gt=0"`
	SidewaysThreshold float64 `yaml:"sideways_threshold" default:"1.5"`
}

// VolatilityConfig bounds acceptable ATR as a percentage of price.
type VolatilityConfig struct {
	Enabled bool    `yaml:"enabled" default:"true"`
	MinPct  float64 `yaml:"min_pct" default:"0.5"`
	MaxPct  float64 `yaml:"max_pct" default:"5.0"`
}

type SRConfig struct {
	Enabled      bool    `yaml:"enabled" default:"true"`
	Lookback     int     `yaml:"lookback" default:"50" validate:"gt=0"`
	TolerancePct float64 `yaml:"tolerance_pct" default:"0.5"`
}

// RiskConfig holds ATR multiples for protective levels plus margin/leverage bounds.
type RiskConfig struct {
	ATRPeriod           int     `yaml:"atr_period" default:"14" validate:"gt=0"`
	StopLossATR         float64 `yaml:"stoploss_atr" default:"1.5"`
	TakeProfitATR       float64 `yaml:"takeprofit_atr" default:"3.0"`
	UseTrailingStop     bool    `yaml:"use_trailing_stop" default:"true"`
	TrailingStopATR     float64 `yaml:"trailing_stop_atr" default:"1.2"`
	UseBreakeven        bool    `yaml:"use_breakeven" default:"true"`
	BreakevenTriggerATR float64 `yaml:"breakeven_trigger_atr" default:"1.5"`

	MarginPercent   float64 `yaml:"margin_percent" default:"5.0"`
	MinLeverage     int     `yaml:"min_leverage" default:"1" validate:"gt=0"`
	MaxLeverage     int     `yaml:"max_leverage" default:"20" validate:"gt=0"`
	DefaultLeverage int     `yaml:"default_leverage" default:"5" validate:"gt=0"`
	MinOrderValue   float64 `yaml:"min_order_value" default:"8.0"`
}

type ProfitConfig struct {
	UsePartialProfits bool    `yaml:"use_partial_profits" default:"true"`
	TP1ATR            float64 `yaml:"tp1_atr" default:"1.5"`
	TP1Fraction       float64 `yaml:"tp1_fraction" default:"0.5"`
	TP2ATR            float64 `yaml:"tp2_atr" default:"2.5"`
	TP2Fraction       float64 `yaml:"tp2_fraction" default:"0.5"`
}

// SizingConfig drives the consecutive-loss adaptive sizing controller.
type SizingConfig struct {
	UseAdaptiveSizing bool    `yaml:"use_adaptive_sizing" default:"true"`
	MarginStepPct     float64 `yaml:"margin_step_pct" default:"1.0"`
	MinMarginPct      float64 `yaml:"min_margin_pct" default:"2.0"`
	// LossStreakScope is "symbol" (isolated streaks) or "global" (one shared
	// streak across all traded symbols).
	LossStreakScope string `yaml:"loss_streak_scope" default:"symbol" validate:"oneof=symbol global"`
}

type NewsEventConfig struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`
	Month   int    `yaml:"month" validate:"omitempty,min=1,max=12"`
	Day     int    `yaml:"day" validate:"omitempty,min=1,max=31"`
	Hour    int    `yaml:"hour" validate:"min=0,max=23"`
	Minute  int    `yaml:"minute" validate:"min=0,max=59"`
}

type NewsConfig struct {
	Enabled      bool              `yaml:"enabled" default:"true"`
	BufferBefore int               `yaml:"buffer_before" default:"30"`
	BufferAfter  int               `yaml:"buffer_after" default:"30"`
	Events       []NewsEventConfig `yaml:"events" validate:"dive"`
}

type StrategyConfig struct {
	TradeCooldownSec int `yaml:"trade_cooldown" default:"300"`
	// OrderTimeoutSec bounds fill/ack waits; a timed-out entry reverts to flat.
	OrderTimeoutSec int `yaml:"order_timeout" default:"10" validate:"gt=0"`
	// VoteThreshold is the net weight the fused leans must exceed.
	VoteThreshold float64 `yaml:"vote_threshold" default:"3.0"`
	// Weights per contributing filter; unset entries fall back to the signal
	// package defaults.
	Weights map[string]float64 `yaml:"weights"`
}

type BybitConfig struct {
	WSURL             string `yaml:"ws_url" default:"wss://stream.bybit.com/v5/public/linear"`
	RESTURL           string `yaml:"rest_url" default:"https://api.bybit.com"`
	PingIntervalSec   int    `yaml:"ping_interval" default:"20"`
	ReconnectDelaySec int    `yaml:"reconnect_delay" default:"5"`
	RecvWindow        string `yaml:"recv_window" default:"5000"`
}

type LoggingConfig struct {
	Level string `yaml:"level" default:"info"`
	File  string `yaml:"file"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Addr    string `yaml:"addr" default:":9090"`
}

// Config is the full read-only configuration surface of the agent.
type Config struct {
	APIKey    string `yaml:"-"`
	APISecret string `yaml:"-"`

	Symbols   []string `yaml:"symbols" validate:"min=1"`
	Timeframe string   `yaml:"timeframe" default:"5"`

	Trend            TrendConfig            `yaml:"trend"`
	Supertrend       SupertrendConfig       `yaml:"supertrend"`
	Bollinger        BollingerConfig        `yaml:"bollinger"`
	MTF              MTFConfig              `yaml:"mtf"`
	RSI              RSIConfig              `yaml:"rsi"`
	MACD             MACDConfig             `yaml:"macd"`
	Volume           VolumeConfig           `yaml:"volume"`
	MarketConditions MarketConditionsConfig `yaml:"market_conditions"`
	Volatility       VolatilityConfig       `yaml:"volatility"`
	SR               SRConfig               `yaml:"sr"`

	Risk     RiskConfig     `yaml:"risk"`
	Profit   ProfitConfig   `yaml:"profit"`
	Sizing   SizingConfig   `yaml:"sizing"`
	News     NewsConfig     `yaml:"news"`
	Strategy StrategyConfig `yaml:"strategy"`

	Bybit   BybitConfig   `yaml:"bybit"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`

	DryRun bool `yaml:"dry_run"`
}

// Load reads the YAML file (missing file = defaults only), applies struct
// defaults, environment overrides, then validates. Any failure is fatal to the
// caller; the core never starts with a bad configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	if b, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.loadEnv()

	if len(cfg.Symbols) == 0 {
		cfg.Symbols = []string{"BTCUSDT"}
	}
	if len(cfg.MTF.HigherTimeframes) == 0 {
		cfg.MTF.HigherTimeframes = []string{"60"}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadEnv() {
	c.APIKey = envOr("BYBIT_API_KEY", c.APIKey)
	c.APISecret = envOr("BYBIT_API_SECRET", c.APISecret)
	if v := os.Getenv("DRY_RUN"); v != "" {
		c.DryRun = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("SYMBOLS"); v != "" {
		c.Symbols = c.Symbols[:0]
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				c.Symbols = append(c.Symbols, strings.ToUpper(s))
			}
		}
	}
	if v := os.Getenv("TIMEFRAME"); v != "" {
		c.Timeframe = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("MARGIN_PERCENT"), 64); err == nil {
		c.Risk.MarginPercent = v
	}
	if v, err := strconv.Atoi(os.Getenv("DEFAULT_LEVERAGE")); err == nil {
		c.Risk.DefaultLeverage = v
	}
	if v, err := strconv.Atoi(os.Getenv("MAX_LEVERAGE")); err == nil {
		c.Risk.MaxLeverage = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("MIN_ORDER_VALUE"), 64); err == nil {
		c.Risk.MinOrderValue = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Validate checks the semantic constraints the struct tags cannot express.
// It returns the first encountered error so startup surfaces one clear problem.
func (c *Config) Validate() error {
	if !c.DryRun && (c.APIKey == "" || c.APISecret == "") {
		return errors.New("BYBIT_API_KEY and BYBIT_API_SECRET are required for live trading")
	}
	if c.Trend.EMAFast >= c.Trend.EMASlow {
		return fmt.Errorf("ema_fast (%d) must be shorter than ema_slow (%d)", c.Trend.EMAFast, c.Trend.EMASlow)
	}
	if c.MACD.FastPeriod >= c.MACD.SlowPeriod {
		return fmt.Errorf("macd fast_period (%d) must be shorter than slow_period (%d)", c.MACD.FastPeriod, c.MACD.SlowPeriod)
	}
	if c.RSI.Overbought <= c.RSI.Oversold {
		return fmt.Errorf("rsi overbought (%v) must exceed oversold (%v)", c.RSI.Overbought, c.RSI.Oversold)
	}
	if c.Risk.StopLossATR <= 0 {
		return fmt.Errorf("stoploss_atr (%v) must be positive", c.Risk.StopLossATR)
	}
	if c.Risk.TakeProfitATR <= 0 {
		return fmt.Errorf("takeprofit_atr (%v) must be positive", c.Risk.TakeProfitATR)
	}
	if c.Risk.UseTrailingStop && c.Risk.TrailingStopATR <= 0 {
		return fmt.Errorf("trailing_stop_atr (%v) must be positive when trailing is enabled", c.Risk.TrailingStopATR)
	}
	if c.Risk.UseBreakeven && c.Risk.BreakevenTriggerATR <= 0 {
		return fmt.Errorf("breakeven_trigger_atr (%v) must be positive when breakeven is enabled", c.Risk.BreakevenTriggerATR)
	}
	if c.Risk.MarginPercent <= 0 || c.Risk.MarginPercent > 100 {
		return fmt.Errorf("margin_percent (%v) must be in (0,100]", c.Risk.MarginPercent)
	}
	if c.Risk.MinLeverage > c.Risk.DefaultLeverage || c.Risk.DefaultLeverage > c.Risk.MaxLeverage {
		return fmt.Errorf("leverage bounds must satisfy min (%d) <= default (%d) <= max (%d)",
			c.Risk.MinLeverage, c.Risk.DefaultLeverage, c.Risk.MaxLeverage)
	}
	if c.Profit.UsePartialProfits {
		if c.Profit.TP1Fraction <= 0 || c.Profit.TP1Fraction >= 1 {
			return fmt.Errorf("tp1_fraction (%v) must be in (0,1)", c.Profit.TP1Fraction)
		}
		if c.Profit.TP2Fraction <= 0 || c.Profit.TP2Fraction >= 1 {
			return fmt.Errorf("tp2_fraction (%v) must be in (0,1)", c.Profit.TP2Fraction)
		}
		if c.Profit.TP1ATR >= c.Profit.TP2ATR {
			return fmt.Errorf("tp1_atr (%v) must be below tp2_atr (%v)", c.Profit.TP1ATR, c.Profit.TP2ATR)
		}
	}
	if c.Sizing.MarginStepPct < 0 {
		return fmt.Errorf("margin_step_pct (%v) cannot be negative", c.Sizing.MarginStepPct)
	}
	if c.Sizing.MinMarginPct <= 0 || c.Sizing.MinMarginPct > c.Risk.MarginPercent {
		return fmt.Errorf("min_margin_pct (%v) must be in (0, margin_percent]", c.Sizing.MinMarginPct)
	}
	if c.Volatility.Enabled && c.Volatility.MinPct >= c.Volatility.MaxPct {
		return fmt.Errorf("volatility min_pct (%v) must be below max_pct (%v)", c.Volatility.MinPct, c.Volatility.MaxPct)
	}
	if c.Strategy.VoteThreshold <= 0 {
		return fmt.Errorf("vote_threshold (%v) must be positive", c.Strategy.VoteThreshold)
	}
	for _, tf := range c.MTF.HigherTimeframes {
		if tf == c.Timeframe {
			return fmt.Errorf("higher timeframe %q equals the primary timeframe", tf)
		}
	}
	return nil
}
