package engine

import (
	"testing"

	"kistra/internal/store"

	"github.com/stretchr/testify/assert"
)

func testGuardConfig() GuardConfig {
	return GuardConfig{
		GapThresholdPct:       5.0,
		GapEpsilonPct:         0.1,
		TrailingATRMultiplier: 2.0,
		TrailingActivationPct: 1.0,
	}
}

func TestCheckGapTriggersBeyondThresholdPlusEpsilon(t *testing.T) {
	cfg := testGuardConfig()

	// -8.57% gap: reference 70000, open 64000.
	v := CheckGap(cfg, 70000, 64000)
	assert.True(t, v.Triggered)
	assert.InDelta(t, -8.5714, v.RawGapPct, 0.001)

	// Exactly at -(threshold+epsilon) triggers.
	v = CheckGap(cfg, 10000, 10000*(1-0.051))
	assert.True(t, v.Triggered)

	// At -threshold alone it does not.
	v = CheckGap(cfg, 10000, 10000*(1-0.050))
	assert.False(t, v.Triggered)
}

func TestCheckGapIgnoresProfitAndNoise(t *testing.T) {
	cfg := testGuardConfig()
	assert.False(t, CheckGap(cfg, 70000, 72000).Triggered)
	assert.False(t, CheckGap(cfg, 70000, 69990).Triggered)
	assert.False(t, CheckGap(cfg, 0, 64000).Triggered)
	assert.False(t, CheckGap(cfg, 70000, 0).Triggered)
}

func TestTrailingStopMonotonicNonDecreasing(t *testing.T) {
	cfg := testGuardConfig()
	pos := &store.PositionRecord{
		Symbol: "005930", EntryPrice: 70000, ATRAtEntry: 1000,
		HighestPrice: 70000, TrailingStop: 68000,
	}

	// New high at +3%: trail moves to 72100-2000.
	assert.True(t, UpdateTrailingStop(cfg, pos, 72100))
	assert.Equal(t, 70100.0, pos.TrailingStop)

	// Price falls back: highest and trail unchanged.
	assert.False(t, UpdateTrailingStop(cfg, pos, 70500))
	assert.Equal(t, 72100.0, pos.HighestPrice)
	assert.Equal(t, 70100.0, pos.TrailingStop)

	// Another high only raises it.
	assert.True(t, UpdateTrailingStop(cfg, pos, 73000))
	assert.Equal(t, 71000.0, pos.TrailingStop)
}

func TestTrailingStopNotArmedBelowActivation(t *testing.T) {
	cfg := testGuardConfig()
	pos := &store.PositionRecord{
		Symbol: "005930", EntryPrice: 70000, ATRAtEntry: 1000, HighestPrice: 70000,
	}

	// +0.5% is under the 1% activation: highest updates, trail stays zero.
	changed := UpdateTrailingStop(cfg, pos, 70350)
	assert.True(t, changed)
	assert.Equal(t, 70350.0, pos.HighestPrice)
	assert.Equal(t, 0.0, pos.TrailingStop)
}

func TestTrailingStopHit(t *testing.T) {
	pos := &store.PositionRecord{TrailingStop: 70100}
	assert.True(t, TrailingStopHit(pos, 70100))
	assert.True(t, TrailingStopHit(pos, 69000))
	assert.False(t, TrailingStopHit(pos, 70200))
	assert.False(t, TrailingStopHit(&store.PositionRecord{}, 69000))
}
