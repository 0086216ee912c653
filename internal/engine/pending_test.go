package engine

import (
	"testing"
	"time"

	"kistra/internal/types"

	"github.com/stretchr/testify/assert"
)

func TestPendingExitBackoff(t *testing.T) {
	r := NewPendingExitRegistry(5 * time.Minute)
	// Market closed in the evening so only the backoff can release it.
	night := time.Date(2026, 8, 24, 20, 0, 0, 0, kstLocation)

	r.Defer("005930", types.ExitATRStop, "MARKET_CLOSED", night)
	assert.True(t, r.Has("005930"))

	_, ready := r.Ready("005930", night.Add(time.Minute))
	assert.False(t, ready)

	entry, ready := r.Ready("005930", night.Add(6*time.Minute))
	assert.True(t, ready)
	assert.Equal(t, types.ExitATRStop, entry.Reason)
	assert.Equal(t, 1, entry.Attempts)
}

func TestPendingExitReadyWhenMarketReopens(t *testing.T) {
	r := NewPendingExitRegistry(time.Hour)
	auction := time.Date(2026, 8, 24, 15, 25, 0, 0, kstLocation)
	r.Defer("005930", types.ExitTakeProfit, "CALL_AUCTION", auction)

	// Next trading morning, inside the regular session, backoff or not.
	nextOpen := time.Date(2026, 8, 25, 9, 5, 0, 0, kstLocation)
	_, ready := r.Ready("005930", nextOpen)
	assert.True(t, ready)
}

func TestPendingExitRedeferKeepsFirstSeen(t *testing.T) {
	r := NewPendingExitRegistry(time.Minute)
	first := time.Date(2026, 8, 24, 20, 0, 0, 0, kstLocation)
	r.Defer("005930", types.ExitATRStop, "MARKET_CLOSED", first)
	r.Defer("005930", types.ExitATRStop, "MARKET_CLOSED", first.Add(2*time.Minute))

	entry, ready := r.Ready("005930", first.Add(10*time.Minute))
	assert.True(t, ready)
	assert.Equal(t, first, entry.FirstSeen)
	assert.Equal(t, 2, entry.Attempts)
}

func TestPendingExitClear(t *testing.T) {
	r := NewPendingExitRegistry(time.Minute)
	now := time.Date(2026, 8, 24, 20, 0, 0, 0, kstLocation)
	r.Defer("005930", types.ExitATRStop, "MARKET_CLOSED", now)
	assert.Equal(t, 1, r.Len())

	r.Clear("005930")
	assert.False(t, r.Has("005930"))
	assert.Equal(t, 0, r.Len())

	_, ready := r.Ready("005930", now.Add(time.Hour))
	assert.False(t, ready)
}
