package engine

import (
	"math"

	"kistra/internal/logger"
	"kistra/internal/store"
)

// GuardConfig holds the gap-protection and trailing-stop parameters.
type GuardConfig struct {
	GapThresholdPct       float64
	GapEpsilonPct         float64
	TrailingATRMultiplier float64
	TrailingActivationPct float64
}

// GapVerdict is the result of evaluating overnight gap protection for one
// open position.
type GapVerdict struct {
	Triggered  bool
	RawGapPct  float64
	DisplayPct float64
}

// CheckGap evaluates gap protection against the persisted entry reference.
// The trigger condition is rawGap <= -(threshold + epsilon): a profit gap or
// a small dip never triggers, and the epsilon keeps a gap sitting exactly on
// the threshold from flapping with quote noise.
func CheckGap(cfg GuardConfig, reference, openPrice float64) GapVerdict {
	if reference <= 0 || openPrice <= 0 {
		return GapVerdict{}
	}
	raw := (openPrice - reference) / reference * 100
	display := math.Round(raw*100) / 100
	verdict := GapVerdict{
		RawGapPct:  raw,
		DisplayPct: display,
		Triggered:  raw <= -(cfg.GapThresholdPct + cfg.GapEpsilonPct),
	}
	if verdict.Triggered {
		logger.Warnf("guard: gap protection triggered raw=%.4f%% display=%.2f%% reference=%.0f open=%.0f",
			raw, display, reference, openPrice)
	}
	return verdict
}

// UpdateTrailingStop raises the trailing stop for an open position when the
// price made a new high. The stop uses the ATR frozen at entry and only
// arms after the position is in profit by the activation threshold. Returns
// true when the position record was mutated.
func UpdateTrailingStop(cfg GuardConfig, pos *store.PositionRecord, currentPrice float64) bool {
	if currentPrice <= 0 || pos.EntryPrice <= 0 || pos.ATRAtEntry <= 0 {
		return false
	}

	changed := false
	if currentPrice > pos.HighestPrice {
		pos.HighestPrice = currentPrice
		changed = true
	}

	profitPct := (pos.HighestPrice - pos.EntryPrice) / pos.EntryPrice * 100
	if profitPct < cfg.TrailingActivationPct {
		return changed
	}

	candidate := pos.HighestPrice - cfg.TrailingATRMultiplier*pos.ATRAtEntry
	// Monotonic: the trail only ratchets up, never down.
	if candidate > pos.TrailingStop {
		pos.TrailingStop = candidate
		changed = true
		logger.Debugf("guard: trailing stop raised symbol=%s trail=%.0f highest=%.0f",
			pos.Symbol, pos.TrailingStop, pos.HighestPrice)
	}
	return changed
}

// TrailingStopHit reports whether the current price breached an armed
// trailing stop.
func TrailingStopHit(pos *store.PositionRecord, currentPrice float64) bool {
	return pos.TrailingStop > 0 && currentPrice > 0 && currentPrice <= pos.TrailingStop
}
