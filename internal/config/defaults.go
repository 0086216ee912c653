package config

// MinIntervalSeconds is the hard floor for the cycle cadence. The KIS quota
// cannot sustain anything faster, so no config or flag may go below it.
const MinIntervalSeconds = 15

func (c *Config) applyDefaults() {
	if c.App.Mode == "" {
		c.App.Mode = "DRY_RUN"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.DataDir == "" {
		c.App.DataDir = "data"
	}
	if c.KIS.TimeoutSeconds <= 0 {
		c.KIS.TimeoutSeconds = 15
	}
	if c.KIS.MinRequestGapMillis <= 0 {
		c.KIS.MinRequestGapMillis = 200
	}
	if c.KIS.BalanceCacheSeconds <= 0 {
		c.KIS.BalanceCacheSeconds = 5
	}
	if c.KIS.OutageThresholdSecond <= 0 {
		c.KIS.OutageThresholdSecond = 60
	}
	if c.Trading.IntervalSeconds <= 0 {
		c.Trading.IntervalSeconds = 60
	}
	if c.Trading.NearStopIntervalSeconds <= 0 {
		c.Trading.NearStopIntervalSeconds = 15
	}
	if c.Trading.IntervalSeconds < MinIntervalSeconds {
		c.Trading.IntervalSeconds = MinIntervalSeconds
	}
	if c.Trading.NearStopIntervalSeconds < MinIntervalSeconds {
		c.Trading.NearStopIntervalSeconds = MinIntervalSeconds
	}
	if c.Trading.OrderExecutionTimeout <= 0 {
		c.Trading.OrderExecutionTimeout = 45
	}
	if c.Trading.OrderQuantity <= 0 {
		c.Trading.OrderQuantity = 1
	}
	if c.Trading.GapThresholdPct <= 0 {
		c.Trading.GapThresholdPct = 5.0
	}
	if c.Trading.GapEpsilonPct <= 0 {
		c.Trading.GapEpsilonPct = 0.1
	}
	if c.Trading.ATRPeriod <= 0 {
		c.Trading.ATRPeriod = 14
	}
	if c.Trading.TrendMAPeriod <= 0 {
		c.Trading.TrendMAPeriod = 50
	}
	if c.Trading.ADXPeriod <= 0 {
		c.Trading.ADXPeriod = 14
	}
	if c.Trading.ADXThreshold <= 0 {
		c.Trading.ADXThreshold = 25.0
	}
	if c.Trading.ATRSpikeThreshold <= 0 {
		c.Trading.ATRSpikeThreshold = 2.5
	}
	if c.Trading.MaxLossPct <= 0 {
		c.Trading.MaxLossPct = 5.0
	}
	if c.Trading.ATRMultiplierSL <= 0 {
		c.Trading.ATRMultiplierSL = 2.0
	}
	if c.Trading.ATRMultiplierTP <= 0 {
		c.Trading.ATRMultiplierTP = 3.0
	}
	if c.Trading.TrailingATRMultiplier <= 0 {
		c.Trading.TrailingATRMultiplier = 2.0
	}
	if c.Trading.TrailingActivationPct <= 0 {
		c.Trading.TrailingActivationPct = 1.0
	}
	if c.Trading.NearStopBandPct <= 0 {
		c.Trading.NearStopBandPct = 30.0
	}
	if c.Trading.CommissionRate <= 0 {
		c.Trading.CommissionRate = 0.00015
	}
	if c.Trading.SellTaxRate <= 0 {
		c.Trading.SellTaxRate = 0.0023
	}
	if c.Trading.PendingExitBackoffSec <= 0 {
		c.Trading.PendingExitBackoffSec = 180
	}
	if c.Risk.DailyMaxLossPct <= 0 {
		c.Risk.DailyMaxLossPct = 2.0
	}
	if c.Risk.PerTradeMaxLossPct <= 0 {
		c.Risk.PerTradeMaxLossPct = 5.0
	}
	if c.Risk.MaxConsecutiveLosses <= 0 {
		c.Risk.MaxConsecutiveLosses = 2
	}
	if c.Risk.DailyMaxTrades <= 0 {
		c.Risk.DailyMaxTrades = 10
	}
	if c.Risk.MaxPositions <= 0 {
		c.Risk.MaxPositions = 1
	}
	if c.Risk.CumulativeDDPct <= 0 {
		c.Risk.CumulativeDDPct = 15.0
	}
	if c.Universe.Method == "" {
		c.Universe.Method = "fixed"
	}
	if c.Universe.MaxStocks <= 0 {
		c.Universe.MaxStocks = 5
	}
	if c.Universe.MaxSessionChangePct <= 0 {
		c.Universe.MaxSessionChangePct = 28.0
	}
	if c.Universe.MinATRPct <= 0 {
		c.Universe.MinATRPct = 1.0
	}
	if c.Universe.MaxATRPct <= 0 {
		c.Universe.MaxATRPct = 8.0
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/kistra.db"
	}
	if c.Store.MaxOpenConns <= 0 || c.Store.MaxOpenConns > 5 {
		c.Store.MaxOpenConns = 5
	}
	if c.KIS.BaseURL == "" {
		c.KIS.BaseURL = "https://openapivts.koreainvestment.com:29443"
	}
}
