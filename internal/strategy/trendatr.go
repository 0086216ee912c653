package strategy

import (
	"fmt"

	"kistra/internal/store"
	"kistra/internal/types"

	talib "github.com/markcheno/go-talib"
)

// TrendATRConfig tunes the trend-following entry and the ATR-based exits.
type TrendATRConfig struct {
	ATRPeriod         int
	TrendMAPeriod     int
	ADXPeriod         int
	ADXThreshold      float64
	ATRSpikeThreshold float64
	ATRMultiplierSL   float64
	ATRMultiplierTP   float64
	MaxLossPct        float64
}

// TrendATR is a multiday trend strategy: enter on an uptrend breakout above
// the previous candle's high, exit on the ATR stop, the ATR take-profit, or
// a trend break. The ATR is frozen at entry; this strategy never re-derives
// stops from a later ATR. There is no end-of-day forced exit: positions are
// held until a price-based exit fires.
type TrendATR struct {
	cfg TrendATRConfig
}

func NewTrendATR(cfg TrendATRConfig) *TrendATR {
	return &TrendATR{cfg: cfg}
}

func (s *TrendATR) Name() string { return "trend_atr" }

func (s *TrendATR) Evaluate(symbol string, pos *store.PositionRecord, bars []types.DailyBar, currentPrice float64) Advice {
	if currentPrice <= 0 {
		return Advice{Signal: types.SignalHold, Reason: "no quote"}
	}
	ind, ok := s.computeIndicators(bars)
	if !ok {
		return Advice{Signal: types.SignalHold, Reason: fmt.Sprintf("insufficient history (%d bars)", len(bars))}
	}

	if pos != nil && pos.State == types.PositionEntered {
		return s.evaluateExit(pos, ind, currentPrice)
	}
	return s.evaluateEntry(ind, currentPrice)
}

type indicators struct {
	atr      []float64
	ma       []float64
	adx      []float64
	closes   []float64
	prevHigh float64
}

func (ind indicators) last(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

func (s *TrendATR) computeIndicators(bars []types.DailyBar) (indicators, bool) {
	need := s.cfg.TrendMAPeriod
	if s.cfg.ATRPeriod+1 > need {
		need = s.cfg.ATRPeriod + 1
	}
	if len(bars) < need {
		return indicators{}, false
	}

	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		highs[i] = b.High
		lows[i] = b.Low
		closes[i] = b.Close
	}

	return indicators{
		atr:      talib.Atr(highs, lows, closes, s.cfg.ATRPeriod),
		ma:       talib.Sma(closes, s.cfg.TrendMAPeriod),
		adx:      talib.Adx(highs, lows, closes, s.cfg.ADXPeriod),
		closes:   closes,
		prevHigh: highs[len(highs)-2],
	}, true
}

func (s *TrendATR) evaluateEntry(ind indicators, currentPrice float64) Advice {
	atr := ind.last(ind.atr)
	if atr <= 0 {
		return Advice{Signal: types.SignalHold, Reason: "ATR unavailable"}
	}

	if spiked, ratio := s.atrSpiked(ind.atr); spiked {
		return Advice{Signal: types.SignalHold, Reason: fmt.Sprintf("ATR spike %.1fx", ratio)}
	}

	adx := ind.last(ind.adx)
	if adx < s.cfg.ADXThreshold {
		return Advice{Signal: types.SignalHold, Reason: fmt.Sprintf("weak trend (ADX %.1f)", adx)}
	}

	ma := ind.last(ind.ma)
	if ma <= 0 || ind.last(ind.closes) <= ma {
		return Advice{Signal: types.SignalHold, Reason: "not in uptrend"}
	}

	if ind.prevHigh <= 0 || currentPrice <= ind.prevHigh {
		return Advice{Signal: types.SignalHold, Reason: fmt.Sprintf("no breakout (%.0f <= %.0f)", currentPrice, ind.prevHigh)}
	}

	stop := currentPrice - atr*s.cfg.ATRMultiplierSL
	// Cap the stop distance so one wide-ATR entry cannot risk more than the
	// configured absolute loss.
	if floor := currentPrice * (1 - s.cfg.MaxLossPct/100); floor > stop {
		stop = floor
	}

	return Advice{
		Signal:         types.SignalBuy,
		Reason:         fmt.Sprintf("uptrend breakout above %.0f (ADX %.1f)", ind.prevHigh, adx),
		ReferencePrice: currentPrice,
		SuggestedStop:  stop,
		SuggestedTP:    currentPrice + atr*s.cfg.ATRMultiplierTP,
		ATRAtEntry:     atr,
	}
}

func (s *TrendATR) evaluateExit(pos *store.PositionRecord, ind indicators, currentPrice float64) Advice {
	if pos.StopLoss > 0 && currentPrice <= pos.StopLoss {
		return Advice{
			Signal:     types.SignalSell,
			ExitReason: types.ExitATRStop,
			Reason:     fmt.Sprintf("stop loss hit (%.0f <= %.0f)", currentPrice, pos.StopLoss),
		}
	}
	if pos.TakeProfit > 0 && currentPrice >= pos.TakeProfit {
		return Advice{
			Signal:     types.SignalSell,
			ExitReason: types.ExitTakeProfit,
			Reason:     fmt.Sprintf("take profit hit (%.0f >= %.0f)", currentPrice, pos.TakeProfit),
		}
	}
	if broken, why := s.trendBroken(ind); broken {
		return Advice{
			Signal:     types.SignalSell,
			ExitReason: types.ExitTrendBroken,
			Reason:     why,
		}
	}
	return Advice{Signal: types.SignalHold, Reason: "holding, no exit condition"}
}

// atrSpiked reports whether the latest ATR exceeds the recent average by the
// spike threshold, which usually marks an event-driven candle unfit for a
// fresh entry.
func (s *TrendATR) atrSpiked(atr []float64) (bool, float64) {
	window := s.cfg.ATRPeriod * 2
	if len(atr) < window {
		return false, 0
	}
	current := atr[len(atr)-1]
	sum, n := 0.0, 0
	for _, v := range atr[len(atr)-window : len(atr)-1] {
		if v > 0 {
			sum += v
			n++
		}
	}
	if n == 0 || current <= 0 {
		return false, 0
	}
	ratio := current / (sum / float64(n))
	return ratio > s.cfg.ATRSpikeThreshold, ratio
}

// trendBroken fires on a close crossing below the trend MA, or on ADX
// collapsing from trending to directionless between two bars.
func (s *TrendATR) trendBroken(ind indicators) (bool, string) {
	n := len(ind.closes)
	if n < 2 || len(ind.ma) < n || len(ind.adx) < n {
		return false, ""
	}
	prevClose, lastClose := ind.closes[n-2], ind.closes[n-1]
	prevMA, lastMA := ind.ma[n-2], ind.ma[n-1]
	if prevMA > 0 && lastMA > 0 && prevClose > prevMA && lastClose < lastMA {
		return true, "close crossed below trend MA"
	}
	prevADX, lastADX := ind.adx[n-2], ind.adx[n-1]
	if lastADX < 20 && prevADX >= 25 {
		return true, fmt.Sprintf("trend strength collapsed (ADX %.1f -> %.1f)", prevADX, lastADX)
	}
	return false, ""
}

var _ Strategy = (*TrendATR)(nil)
