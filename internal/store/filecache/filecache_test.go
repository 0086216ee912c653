package filecache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"kistra/internal/store"
	"kistra/internal/types"

	"github.com/stretchr/testify/assert"
)

func TestPositionsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	entryAt := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	err := WritePositions(dir, types.ModePaper, []store.PositionRecord{{
		Symbol:       "005930",
		Name:         "Samsung",
		State:        types.PositionEntered,
		EntryPrice:   71000,
		Quantity:     10,
		EntryAt:      entryAt,
		ATRAtEntry:   1500,
		StopLoss:     68000,
		TakeProfit:   75500,
		TrailingStop: 69000,
		HighestPrice: 71500,
	}})
	assert.NoError(t, err)

	entries, err := ReadPositions(dir, types.ModePaper)
	assert.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "005930", entries[0].Symbol)
	assert.Equal(t, int64(10), entries[0].Quantity)
	assert.Equal(t, 1500.0, entries[0].ATRAtEntry)
	assert.Equal(t, entryAt.Format(time.RFC3339), entries[0].EntryAt)
}

func TestPositionsOtherModeReadsEmpty(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, WritePositions(dir, types.ModePaper, []store.PositionRecord{{Symbol: "005930"}}))

	entries, err := ReadPositions(dir, types.ModeReal)
	assert.NoError(t, err)
	assert.Nil(t, entries)
}

func TestPositionsMissingFileReadsEmpty(t *testing.T) {
	entries, err := ReadPositions(t.TempDir(), types.ModePaper)
	assert.NoError(t, err)
	assert.Nil(t, entries)
}

func TestPositionsWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, WritePositions(dir, types.ModePaper, nil))

	_, err := os.Stat(filepath.Join(dir, "positions.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestUniverseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, WriteUniverse(dir, UniverseCache{
		TradeDate:       "2026-08-24",
		SelectionMethod: "volume_top",
		Stocks:          []string{"005930", "000660"},
	}))

	cache, ok, err := ReadUniverse(dir)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2026-08-24", cache.TradeDate)
	assert.Equal(t, []string{"005930", "000660"}, cache.Stocks)
	assert.NotEmpty(t, cache.SavedAt)
}

func TestUniverseMissingFile(t *testing.T) {
	_, ok, err := ReadUniverse(t.TempDir())
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestCorruptFileIsAnError(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "positions.json"), []byte("{not json"), 0o644))

	_, err := ReadPositions(dir, types.ModePaper)
	assert.Error(t, err)
}
