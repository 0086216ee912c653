package config

import "kistra/internal/types"

// Config is the full runtime configuration, merged from configs/config.yaml
// and the .env-declared secrets.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	KIS      KISConfig      `mapstructure:"kis"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Universe UniverseConfig `mapstructure:"universe"`
	Store    StoreConfig    `mapstructure:"store"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type AppConfig struct {
	Mode                  string `mapstructure:"mode"`
	LogLevel              string `mapstructure:"log_level"`
	LogPath               string `mapstructure:"log_path"`
	DataDir               string `mapstructure:"data_dir"`
	EnforceSingleInstance bool   `mapstructure:"enforce_single_instance"`
}

type KISConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	AppKey         string `mapstructure:"app_key"`
	AppSecret      string `mapstructure:"app_secret"`
	AccountNo      string `mapstructure:"account_no"`
	AccountProduct string `mapstructure:"account_product"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	// MinRequestGapMillis spaces consecutive requests to stay inside the
	// KIS per-second quota.
	MinRequestGapMillis   int `mapstructure:"min_request_gap_millis"`
	BalanceCacheSeconds   int `mapstructure:"balance_cache_seconds"`
	OutageThresholdSecond int `mapstructure:"outage_threshold_seconds"`
}

type TradingConfig struct {
	IntervalSeconds         int     `mapstructure:"interval_seconds"`
	NearStopIntervalSeconds int     `mapstructure:"near_stop_interval_seconds"`
	OrderExecutionTimeout   int     `mapstructure:"order_execution_timeout"`
	OrderQuantity           int64   `mapstructure:"order_quantity"`
	MaxRuns                 int     `mapstructure:"max_runs"`
	GapThresholdPct         float64 `mapstructure:"gap_threshold_pct"`
	GapEpsilonPct           float64 `mapstructure:"gap_epsilon_pct"`
	ATRPeriod               int     `mapstructure:"atr_period"`
	TrendMAPeriod           int     `mapstructure:"trend_ma_period"`
	ADXPeriod               int     `mapstructure:"adx_period"`
	ADXThreshold            float64 `mapstructure:"adx_threshold"`
	ATRSpikeThreshold       float64 `mapstructure:"atr_spike_threshold"`
	MaxLossPct              float64 `mapstructure:"max_loss_pct"`
	ATRMultiplierSL         float64 `mapstructure:"atr_multiplier_sl"`
	ATRMultiplierTP         float64 `mapstructure:"atr_multiplier_tp"`
	TrailingATRMultiplier   float64 `mapstructure:"trailing_atr_multiplier"`
	TrailingActivationPct   float64 `mapstructure:"trailing_activation_pct"`
	NearStopBandPct         float64 `mapstructure:"near_stop_band_pct"`
	CommissionRate          float64 `mapstructure:"commission_rate"`
	SellTaxRate             float64 `mapstructure:"sell_tax_rate"`
	PendingExitBackoffSec   int     `mapstructure:"pending_exit_backoff_seconds"`
}

type RiskConfig struct {
	DailyMaxLossPct      float64 `mapstructure:"daily_max_loss_pct"`
	PerTradeMaxLossPct   float64 `mapstructure:"per_trade_max_loss_pct"`
	MaxConsecutiveLosses int     `mapstructure:"max_consecutive_losses"`
	DailyMaxTrades       int     `mapstructure:"daily_max_trades"`
	MaxPositions         int     `mapstructure:"max_positions"`
	CumulativeDDPct      float64 `mapstructure:"cumulative_dd_pct"`
}

type UniverseConfig struct {
	Method               string   `mapstructure:"method"`
	MaxStocks            int      `mapstructure:"max_stocks"`
	FixedList            []string `mapstructure:"fixed_list"`
	MinVolume            int64    `mapstructure:"min_volume"`
	MinMarketCap         int64    `mapstructure:"min_market_cap"`
	MaxSessionChangePct  float64  `mapstructure:"max_session_change_pct"`
	MinATRPct            float64  `mapstructure:"min_atr_pct"`
	MaxATRPct            float64  `mapstructure:"max_atr_pct"`
	HaltOnFallbackInReal bool     `mapstructure:"halt_on_fallback_in_real"`
}

type StoreConfig struct {
	Path         string `mapstructure:"path"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// Mode returns the parsed execution mode. Validation guarantees it parses.
func (c *Config) Mode() types.Mode {
	m, _ := types.ParseMode(c.App.Mode)
	return m
}
