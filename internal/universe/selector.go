// Package universe selects the symbols eligible for entry each trading day.
package universe

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"kistra/internal/logger"
	"kistra/internal/types"

	talib "github.com/markcheno/go-talib"
)

// Method names the supported selection algorithms.
const (
	MethodFixed     = "fixed"
	MethodVolumeTop = "volume_top"
	MethodATRFilter = "atr_filter"
	MethodCombined  = "combined"
)

const minBarsForSelection = 20

var symbolPattern = regexp.MustCompile(`^\d{6}$`)

// ValidSymbol reports whether code is a 6-digit KRX symbol.
func ValidSymbol(code string) bool { return symbolPattern.MatchString(code) }

// MarketData is the read-only market access the selector needs.
type MarketData interface {
	GetCurrentPrice(ctx context.Context, symbol string) (types.Quote, error)
	GetDailyOHLCV(ctx context.Context, symbol string, n int) ([]types.DailyBar, error)
}

// SelectorConfig tunes the ranking filters.
type SelectorConfig struct {
	MaxStocks           int
	FixedList           []string
	MinVolume           int64
	MinMarketCap        int64
	MaxSessionChangePct float64
	MinATRPct           float64
	MaxATRPct           float64
	ATRPeriod           int
}

// Selector ranks and filters entry candidates.
type Selector struct {
	cfg    SelectorConfig
	market MarketData
}

func NewSelector(cfg SelectorConfig, market MarketData) *Selector {
	if cfg.ATRPeriod <= 0 {
		cfg.ATRPeriod = 14
	}
	return &Selector{cfg: cfg, market: market}
}

// Select runs the named method and returns a deduplicated, validated list.
func (s *Selector) Select(ctx context.Context, method string) ([]string, error) {
	var (
		selected []string
		err      error
	)
	switch method {
	case MethodFixed:
		selected = s.fixed(s.cfg.MaxStocks)
	case MethodVolumeTop:
		selected, err = s.volumeTop(ctx, s.candidatePool(), s.cfg.MaxStocks)
	case MethodATRFilter:
		selected, err = s.atrFilter(ctx, s.candidatePool(), s.cfg.MaxStocks)
	case MethodCombined:
		// Over-select by volume, then keep only the ATR-suitable slice.
		var pool []string
		pool, err = s.volumeTop(ctx, s.candidatePool(), 3*s.cfg.MaxStocks)
		if err == nil {
			selected, err = s.atrFilter(ctx, pool, s.cfg.MaxStocks)
		}
	default:
		return nil, fmt.Errorf("unknown universe method %q", method)
	}
	if err != nil {
		return nil, err
	}
	return dedupe(selected), nil
}

func (s *Selector) candidatePool() []string {
	return dedupe(s.fixed(len(s.cfg.FixedList)))
}

func (s *Selector) fixed(limit int) []string {
	out := make([]string, 0, len(s.cfg.FixedList))
	for _, code := range s.cfg.FixedList {
		if !ValidSymbol(code) {
			logger.Warnf("universe: dropping invalid symbol %q", code)
			continue
		}
		out = append(out, code)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

type rankedCandidate struct {
	symbol      string
	tradedValue float64
}

func (s *Selector) volumeTop(ctx context.Context, pool []string, limit int) ([]string, error) {
	ranked := make([]rankedCandidate, 0, len(pool))
	for _, symbol := range pool {
		quote, err := s.market.GetCurrentPrice(ctx, symbol)
		if err != nil {
			logger.Warnf("universe: quote failed symbol=%s err=%v", symbol, err)
			continue
		}
		if quote.Price <= 0 {
			continue
		}
		if quote.Volume < s.cfg.MinVolume {
			continue
		}
		if s.cfg.MinMarketCap > 0 && quote.MarketCap > 0 && quote.MarketCap < s.cfg.MinMarketCap {
			continue
		}
		// Symbols already limit-up or limit-down adjacent are untradeable.
		if abs(quote.ChangePct) >= s.cfg.MaxSessionChangePct {
			logger.Infof("universe: excluding symbol=%s change=%.1f%%", symbol, quote.ChangePct)
			continue
		}
		ranked = append(ranked, rankedCandidate{
			symbol:      symbol,
			tradedValue: float64(quote.Volume) * quote.Price,
		})
	}

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].tradedValue > ranked[j].tradedValue })
	out := make([]string, 0, limit)
	for _, c := range ranked {
		out = append(out, c.symbol)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Selector) atrFilter(ctx context.Context, pool []string, limit int) ([]string, error) {
	out := make([]string, 0, limit)
	for _, symbol := range pool {
		bars, err := s.market.GetDailyOHLCV(ctx, symbol, minBarsForSelection+s.cfg.ATRPeriod)
		if err != nil {
			logger.Warnf("universe: bars failed symbol=%s err=%v", symbol, err)
			continue
		}
		ratio, ok := atrPct(bars, s.cfg.ATRPeriod)
		if !ok {
			continue
		}
		if ratio < s.cfg.MinATRPct || ratio > s.cfg.MaxATRPct {
			continue
		}
		out = append(out, symbol)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// atrPct computes ATR/close * 100 from descending daily bars. Returns false
// when there is not enough usable history.
func atrPct(bars []types.DailyBar, period int) (float64, bool) {
	if len(bars) < minBarsForSelection {
		return 0, false
	}
	// Descending from the API; talib wants ascending.
	n := len(bars)
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i, b := range bars {
		highs[n-1-i] = b.High
		lows[n-1-i] = b.Low
		closes[n-1-i] = b.Close
	}
	lastClose := closes[n-1]
	if lastClose <= 0 {
		return 0, false
	}
	atr := talib.Atr(highs, lows, closes, period)
	lastATR := atr[len(atr)-1]
	if lastATR <= 0 {
		return 0, false
	}
	return lastATR / lastClose * 100, true
}

func dedupe(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
