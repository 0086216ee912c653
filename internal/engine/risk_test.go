package engine

import (
	"os"
	"testing"
	"time"

	"kistra/internal/store"
	"kistra/internal/types"

	"github.com/stretchr/testify/assert"
)

func testRiskConfig() RiskConfig {
	return RiskConfig{
		PerTradeMaxLossPct:   5.0,
		DailyMaxLossPct:      2.0,
		MaxConsecutiveLosses: 2,
		DailyMaxTrades:       10,
		CumulativeDDPct:      15.0,
	}
}

// regularSession is a weekday instant inside 09:00-15:20 KST.
var regularSession = time.Date(2026, 8, 24, 10, 30, 0, 0, kstLocation)

func newTestRisk(t *testing.T) (*RiskController, *KillSwitch) {
	t.Helper()
	ks := NewKillSwitch(t.TempDir())
	return NewRiskController(testRiskConfig(), ks, nil, types.ModePaper), ks
}

func TestRiskAllowsCleanEntry(t *testing.T) {
	r, _ := newTestRisk(t)
	v := r.Check(types.SideBuy, RiskSnapshot{
		Now: regularSession, StartingEquity: 10_000_000,
		InitialEquity: 10_000_000, CurrentEquity: 10_000_000,
	})
	assert.True(t, v.Allowed)
}

func TestRiskKillSwitchBlocksEntriesNotExits(t *testing.T) {
	r, ks := newTestRisk(t)
	assert.NoError(t, ks.Engage("test"))

	v := r.Check(types.SideBuy, RiskSnapshot{Now: regularSession, CurrentEquity: 1})
	assert.False(t, v.Allowed)
	assert.Equal(t, "KILL_SWITCH", v.Reason)

	v = r.Check(types.SideSell, RiskSnapshot{Now: regularSession, CurrentEquity: 1})
	assert.True(t, v.Allowed)
}

func TestRiskMarketHoursGate(t *testing.T) {
	r, _ := newTestRisk(t)
	night := time.Date(2026, 8, 24, 20, 0, 0, 0, kstLocation)

	v := r.Check(types.SideBuy, RiskSnapshot{Now: night})
	assert.False(t, v.Allowed)
	assert.Equal(t, "MARKET_CLOSED", v.Reason)

	// SELL during the closing call auction defers instead of denying.
	auction := time.Date(2026, 8, 24, 15, 25, 0, 0, kstLocation)
	v = r.Check(types.SideSell, RiskSnapshot{Now: auction})
	assert.False(t, v.Allowed)
	assert.True(t, v.Deferred)
	assert.Equal(t, "CALL_AUCTION", v.Reason)
}

func TestRiskPerTradeLossBlocksReentry(t *testing.T) {
	r, _ := newTestRisk(t)
	v := r.Check(types.SideBuy, RiskSnapshot{
		Now:             regularSession,
		LastClosedTrade: &store.TradeRecord{Side: types.SideSell, PnLPct: -6.2},
	})
	assert.False(t, v.Allowed)
	assert.Equal(t, "PER_TRADE_LOSS", v.Reason)
}

func TestRiskDailyLossBlocksEntries(t *testing.T) {
	r, _ := newTestRisk(t)
	snap := RiskSnapshot{
		Now:            regularSession,
		StartingEquity: 10_000_000,
		TradesToday: []store.TradeRecord{
			{Side: types.SideSell, PnL: -250_000},
		},
	}
	v := r.Check(types.SideBuy, snap)
	assert.False(t, v.Allowed)
	assert.Equal(t, "DAILY_LOSS_LIMIT", v.Reason)

	// Exits are still allowed.
	assert.True(t, r.Check(types.SideSell, snap).Allowed)
}

func TestRiskConsecutiveLosses(t *testing.T) {
	r, _ := newTestRisk(t)
	v := r.Check(types.SideBuy, RiskSnapshot{Now: regularSession, ConsecutiveLosses: 2})
	assert.False(t, v.Allowed)
	assert.Equal(t, "CONSECUTIVE_LOSSES", v.Reason)
}

func TestRiskDailyTradeCount(t *testing.T) {
	r, _ := newTestRisk(t)
	trades := make([]store.TradeRecord, 10)
	v := r.Check(types.SideBuy, RiskSnapshot{Now: regularSession, TradesToday: trades})
	assert.False(t, v.Allowed)
	assert.Equal(t, "DAILY_TRADE_LIMIT", v.Reason)
}

func TestRiskCumulativeDrawdownEngagesKillSwitch(t *testing.T) {
	r, ks := newTestRisk(t)
	snap := RiskSnapshot{
		Now:           regularSession,
		InitialEquity: 10_000_000,
		CurrentEquity: 8_490_000, // 15.1% drawdown
	}

	v := r.Check(types.SideBuy, snap)
	assert.False(t, v.Allowed)
	assert.Equal(t, "CUMULATIVE_DRAWDOWN", v.Reason)
	assert.True(t, ks.Engaged())

	// The switch file survives so a restart stays blocked.
	_, err := os.Stat(ks.Path())
	assert.NoError(t, err)

	// Exits still process.
	assert.True(t, r.Check(types.SideSell, snap).Allowed)
}

func TestConsecutiveLossesCounting(t *testing.T) {
	trades := []store.TradeRecord{
		{Side: types.SideSell, PnL: 1000},
		{Side: types.SideSell, PnL: -500},
		{Side: types.SideBuy},
		{Side: types.SideSell, PnL: -300},
	}
	assert.Equal(t, 2, consecutiveLosses(trades))

	assert.Equal(t, 0, consecutiveLosses([]store.TradeRecord{{Side: types.SideSell, PnL: 50}}))
	assert.Equal(t, 0, consecutiveLosses(nil))
}
