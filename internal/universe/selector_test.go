package universe

import (
	"context"
	"fmt"
	"testing"

	"kistra/internal/types"

	"github.com/stretchr/testify/assert"
)

type fakeMarket struct {
	quotes map[string]types.Quote
	bars   map[string][]types.DailyBar
}

func (f *fakeMarket) GetCurrentPrice(_ context.Context, symbol string) (types.Quote, error) {
	q, ok := f.quotes[symbol]
	if !ok {
		return types.Quote{}, fmt.Errorf("no quote for %s", symbol)
	}
	return q, nil
}

func (f *fakeMarket) GetDailyOHLCV(_ context.Context, symbol string, _ int) ([]types.DailyBar, error) {
	b, ok := f.bars[symbol]
	if !ok {
		return nil, fmt.Errorf("no bars for %s", symbol)
	}
	return b, nil
}

// descendingBars yields n bars, newest first, with a fixed range so the ATR
// percentage is predictable: range = close * rangePct.
func descendingBars(n int, close, rangePct float64) []types.DailyBar {
	bars := make([]types.DailyBar, n)
	spread := close * rangePct / 100
	for i := range bars {
		bars[i] = types.DailyBar{
			Open:  close,
			High:  close + spread/2,
			Low:   close - spread/2,
			Close: close,
		}
	}
	return bars
}

func TestValidSymbol(t *testing.T) {
	assert.True(t, ValidSymbol("005930"))
	assert.True(t, ValidSymbol("000660"))
	assert.False(t, ValidSymbol("5930"))
	assert.False(t, ValidSymbol("AAPL"))
	assert.False(t, ValidSymbol("0059301"))
	assert.False(t, ValidSymbol(""))
}

func TestFixedMethodValidatesAndDedupes(t *testing.T) {
	sel := NewSelector(SelectorConfig{
		MaxStocks: 10,
		FixedList: []string{"005930", "BAD", "000660", "005930"},
	}, &fakeMarket{})

	out, err := sel.Select(context.Background(), MethodFixed)
	assert.NoError(t, err)
	assert.Equal(t, []string{"005930", "000660"}, out)
}

func TestFixedMethodHonorsMaxStocks(t *testing.T) {
	sel := NewSelector(SelectorConfig{
		MaxStocks: 1,
		FixedList: []string{"005930", "000660"},
	}, &fakeMarket{})

	out, err := sel.Select(context.Background(), MethodFixed)
	assert.NoError(t, err)
	assert.Equal(t, []string{"005930"}, out)
}

func TestVolumeTopRanksByTradedValue(t *testing.T) {
	market := &fakeMarket{quotes: map[string]types.Quote{
		"005930": {Price: 70000, Volume: 1_000_000, ChangePct: 1.2},
		"000660": {Price: 120000, Volume: 2_000_000, ChangePct: -0.5},
		"035420": {Price: 200000, Volume: 50_000, ChangePct: 0.1},
	}}
	sel := NewSelector(SelectorConfig{
		MaxStocks:           2,
		FixedList:           []string{"005930", "000660", "035420"},
		MinVolume:           100_000,
		MaxSessionChangePct: 25,
	}, market)

	out, err := sel.Select(context.Background(), MethodVolumeTop)
	assert.NoError(t, err)
	// 000660 trades 240B, 005930 trades 70B; 035420 fails MinVolume.
	assert.Equal(t, []string{"000660", "005930"}, out)
}

func TestVolumeTopExcludesLimitMovers(t *testing.T) {
	market := &fakeMarket{quotes: map[string]types.Quote{
		"005930": {Price: 70000, Volume: 1_000_000, ChangePct: 29.8},
		"000660": {Price: 120000, Volume: 500_000, ChangePct: 2.0},
	}}
	sel := NewSelector(SelectorConfig{
		MaxStocks:           5,
		FixedList:           []string{"005930", "000660"},
		MaxSessionChangePct: 25,
	}, market)

	out, err := sel.Select(context.Background(), MethodVolumeTop)
	assert.NoError(t, err)
	assert.Equal(t, []string{"000660"}, out)
}

func TestVolumeTopSkipsFailedQuotes(t *testing.T) {
	market := &fakeMarket{quotes: map[string]types.Quote{
		"000660": {Price: 120000, Volume: 500_000, ChangePct: 2.0},
	}}
	sel := NewSelector(SelectorConfig{
		MaxStocks:           5,
		FixedList:           []string{"005930", "000660"},
		MaxSessionChangePct: 25,
	}, market)

	out, err := sel.Select(context.Background(), MethodVolumeTop)
	assert.NoError(t, err)
	assert.Equal(t, []string{"000660"}, out)
}

func TestVolumeTopMarketCapFloor(t *testing.T) {
	market := &fakeMarket{quotes: map[string]types.Quote{
		"005930": {Price: 70000, Volume: 1_000_000, MarketCap: 400_000_000_000_000},
		"000660": {Price: 3000, Volume: 2_000_000, MarketCap: 50_000_000_000},
	}}
	sel := NewSelector(SelectorConfig{
		MaxStocks:           5,
		FixedList:           []string{"005930", "000660"},
		MinMarketCap:        100_000_000_000,
		MaxSessionChangePct: 25,
	}, market)

	out, err := sel.Select(context.Background(), MethodVolumeTop)
	assert.NoError(t, err)
	assert.Equal(t, []string{"005930"}, out)
}

func TestATRFilterKeepsBand(t *testing.T) {
	market := &fakeMarket{bars: map[string][]types.DailyBar{
		"005930": descendingBars(40, 70000, 3.0),  // ~3% ATR, inside band
		"000660": descendingBars(40, 120000, 0.2), // too quiet
		"035420": descendingBars(40, 200000, 9.0), // too wild
	}}
	sel := NewSelector(SelectorConfig{
		MaxStocks: 5,
		FixedList: []string{"005930", "000660", "035420"},
		MinATRPct: 1.0,
		MaxATRPct: 6.0,
		ATRPeriod: 14,
	}, market)

	out, err := sel.Select(context.Background(), MethodATRFilter)
	assert.NoError(t, err)
	assert.Equal(t, []string{"005930"}, out)
}

func TestATRFilterSkipsShortHistory(t *testing.T) {
	market := &fakeMarket{bars: map[string][]types.DailyBar{
		"005930": descendingBars(5, 70000, 3.0),
	}}
	sel := NewSelector(SelectorConfig{
		MaxStocks: 5,
		FixedList: []string{"005930"},
		MinATRPct: 1.0,
		MaxATRPct: 6.0,
		ATRPeriod: 14,
	}, market)

	out, err := sel.Select(context.Background(), MethodATRFilter)
	assert.NoError(t, err)
	assert.Empty(t, out)
}

func TestUnknownMethodFails(t *testing.T) {
	sel := NewSelector(SelectorConfig{}, &fakeMarket{})
	_, err := sel.Select(context.Background(), "mystery")
	assert.Error(t, err)
}
