package engine

import (
	"context"
	"testing"
	"time"

	"kistra/internal/store"
	"kistra/internal/store/storetest"
	"kistra/internal/types"

	"github.com/stretchr/testify/assert"
)

func TestNearStopBand(t *testing.T) {
	e := &Executor{cfg: ExecutorConfig{NearStopBandPct: 30}}
	pos := store.PositionRecord{
		Symbol: "005930", ATRAtEntry: 1000, StopLoss: 68000,
	}

	// Band is 30% of ATR = 300 above the stop.
	assert.False(t, e.nearStop(pos, 68500))
	assert.True(t, e.nearStop(pos, 68300))
	assert.True(t, e.nearStop(pos, 68100))
	// At or below the stop always counts as near.
	assert.True(t, e.nearStop(pos, 67900))

	// The trailing stop supersedes the initial stop once it is higher.
	pos.TrailingStop = 70000
	assert.True(t, e.nearStop(pos, 70200))
	assert.False(t, e.nearStop(pos, 70500))
}

func TestNearStopIgnoresIncompletePositions(t *testing.T) {
	e := &Executor{cfg: ExecutorConfig{NearStopBandPct: 30}}
	assert.False(t, e.nearStop(store.PositionRecord{StopLoss: 68000}, 68100))
	assert.False(t, e.nearStop(store.PositionRecord{ATRAtEntry: 1000}, 0))
}

func TestSymbolSetHoldingsFirst(t *testing.T) {
	e := &Executor{}
	entered := map[string]store.PositionRecord{
		"005930": {Symbol: "005930"},
	}
	out := e.symbolSet(entered, []string{"000660", "005930", "035420", "000660"})
	assert.Equal(t, "005930", out[0])
	assert.ElementsMatch(t, []string{"005930", "000660", "035420"}, out)
	assert.Len(t, out, 3)
}

func TestAscendingReversesBars(t *testing.T) {
	bars := ascending([]types.DailyBar{
		{Date: "20260824"}, {Date: "20260821"}, {Date: "20260820"},
	})
	assert.Equal(t, "20260820", bars[0].Date)
	assert.Equal(t, "20260824", bars[2].Date)
}

func TestSnapshotThrottledToOncePerMinute(t *testing.T) {
	st := storetest.NewMemStore()
	e := &Executor{store: st, mode: types.ModePaper}
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, kstLocation)
	balance := types.Balance{TotalEquity: 10_000_000, Cash: 9_000_000}

	e.maybeSnapshot(context.Background(), balance, 1, now)
	e.maybeSnapshot(context.Background(), balance, 1, now.Add(10*time.Second))
	assert.Len(t, st.Snapshots, 1)

	e.lastSnapshot = time.Now().Add(-2 * time.Minute)
	e.maybeSnapshot(context.Background(), balance, 1, now.Add(2*time.Minute))
	assert.Len(t, st.Snapshots, 2)
}

func TestSnapshotCarriesDayRealizedPnL(t *testing.T) {
	st := storetest.NewMemStore()
	e := &Executor{store: st, mode: types.ModePaper}
	now := time.Date(2026, 8, 24, 14, 0, 0, 0, kstLocation)

	seed := []store.TradeRecord{
		{IdempotencyKey: "b1", Side: types.SideBuy, ExecutedAt: now},
		{IdempotencyKey: "s1", Side: types.SideSell, PnL: 25000, ExecutedAt: now},
		{IdempotencyKey: "s2", Side: types.SideSell, PnL: -8000, ExecutedAt: now},
	}
	for i := range seed {
		seed[i].Mode = types.ModePaper
		assert.NoError(t, st.InsertTrade(context.Background(), &seed[i]))
	}

	e.maybeSnapshot(context.Background(), types.Balance{TotalEquity: 10_017_000}, 0, now)

	assert.Len(t, st.Snapshots, 1)
	assert.Equal(t, 17000.0, st.Snapshots[0].RealizedPnL)
}

func TestSymbolNameCacheRefresh(t *testing.T) {
	st := storetest.NewMemStore()
	e := &Executor{store: st, mode: types.ModePaper}
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, kstLocation)

	market := map[string]symbolData{
		"005930": {quote: types.Quote{Symbol: "005930", Name: "Samsung"}},
		"000660": {quote: types.Quote{Symbol: "000660"}}, // nameless quote skipped
	}
	e.refreshSymbolNames(context.Background(), market, now)
	assert.Len(t, st.Symbols, 1)
	assert.Equal(t, "Samsung", st.Symbols["005930"].StockName)

	// Fresh entries are not rewritten; a renamed listing is.
	market["005930"] = symbolData{quote: types.Quote{Symbol: "005930", Name: "Samsung Elec"}}
	e.refreshSymbolNames(context.Background(), market, now.Add(time.Hour))
	assert.Equal(t, "Samsung Elec", st.Symbols["005930"].StockName)
}

func TestDailySummaryAggregatesSells(t *testing.T) {
	st := storetest.NewMemStore()
	e := &Executor{store: st, mode: types.ModePaper}
	now := time.Date(2026, 8, 24, 15, 0, 0, 0, kstLocation)

	seed := []store.TradeRecord{
		{IdempotencyKey: "b1", Side: types.SideBuy, ExecutedAt: now},
		{IdempotencyKey: "s1", Side: types.SideSell, PnL: 25000, ExecutedAt: now},
		{IdempotencyKey: "s2", Side: types.SideSell, PnL: -8000, ExecutedAt: now},
	}
	for i := range seed {
		seed[i].Mode = types.ModePaper
		assert.NoError(t, st.InsertTrade(context.Background(), &seed[i]))
	}

	e.updateDailySummary(context.Background(), types.Balance{TotalEquity: 10_017_000}, now)

	key := "2026-08-24|" + string(types.ModePaper)
	summary, ok := st.Summaries[key]
	assert.True(t, ok)
	assert.Equal(t, 2, summary.Trades)
	assert.Equal(t, 1, summary.Wins)
	assert.Equal(t, 1, summary.Losses)
	assert.Equal(t, 17000.0, summary.RealizedPnL)
	assert.Equal(t, 10_017_000.0, summary.EquityClose)
}
