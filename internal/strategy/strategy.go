// Package strategy produces trading signals from market data. Strategies
// are pure: no I/O, no state beyond what the caller passes in, so the same
// inputs always produce the same advice.
package strategy

import (
	"kistra/internal/store"
	"kistra/internal/types"
)

// Advice is one strategy evaluation for one symbol.
type Advice struct {
	Signal         types.Signal
	Reason         string
	ExitReason     types.ExitReason
	ReferencePrice float64
	SuggestedStop  float64
	SuggestedTP    float64
	ATRAtEntry     float64
}

// Strategy evaluates one symbol. pos is nil when no position is open. Bars
// are ascending trading days, oldest first; the last bar may be the current
// incomplete session.
type Strategy interface {
	Name() string
	Evaluate(symbol string, pos *store.PositionRecord, bars []types.DailyBar, currentPrice float64) Advice
}
