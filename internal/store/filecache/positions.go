// Package filecache maintains the JSON mirror files under the data
// directory. The sqlite database is the source of truth; these files exist
// for operator inspection and for cheap cross-run caches.
package filecache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"kistra/internal/store"
	"kistra/internal/types"
)

// PositionEntry is one open position as written to positions.json.
type PositionEntry struct {
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name,omitempty"`
	State        string  `json:"state"`
	EntryPrice   float64 `json:"entry_price"`
	Quantity     int64   `json:"quantity"`
	EntryAt      string  `json:"entry_at,omitempty"`
	ATRAtEntry   float64 `json:"atr_at_entry"`
	StopLoss     float64 `json:"stop_loss"`
	TakeProfit   float64 `json:"take_profit"`
	TrailingStop float64 `json:"trailing_stop"`
	HighestPrice float64 `json:"highest_price"`
	CurrentPrice float64 `json:"current_price"`
}

type positionsFile struct {
	Mode      string          `json:"mode"`
	UpdatedAt string          `json:"updated_at"`
	Positions []PositionEntry `json:"positions"`
}

// WritePositions rewrites the positions mirror with the current set of open
// positions for the given mode. The write is atomic (temp file + rename) so
// a crash never leaves a half-written mirror.
func WritePositions(dir string, mode types.Mode, positions []store.PositionRecord) error {
	out := positionsFile{
		Mode:      string(mode),
		UpdatedAt: time.Now().Format(time.RFC3339),
		Positions: make([]PositionEntry, 0, len(positions)),
	}
	for _, p := range positions {
		entry := PositionEntry{
			Symbol:       p.Symbol,
			Name:         p.Name,
			State:        string(p.State),
			EntryPrice:   p.EntryPrice,
			Quantity:     p.Quantity,
			ATRAtEntry:   p.ATRAtEntry,
			StopLoss:     p.StopLoss,
			TakeProfit:   p.TakeProfit,
			TrailingStop: p.TrailingStop,
			HighestPrice: p.HighestPrice,
			CurrentPrice: p.CurrentPrice,
		}
		if !p.EntryAt.IsZero() {
			entry.EntryAt = p.EntryAt.Format(time.RFC3339)
		}
		out.Positions = append(out.Positions, entry)
	}
	return writeJSON(filepath.Join(dir, "positions.json"), out)
}

// ReadPositions loads the positions mirror for the given mode. A missing
// file or a mirror written under a different mode reads as empty.
func ReadPositions(dir string, mode types.Mode) ([]PositionEntry, error) {
	var file positionsFile
	ok, err := readJSON(filepath.Join(dir, "positions.json"), &file)
	if err != nil || !ok {
		return nil, err
	}
	if file.Mode != string(mode) {
		return nil, nil
	}
	return file.Positions, nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}
