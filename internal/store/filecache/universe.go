package filecache

import (
	"path/filepath"
	"time"
)

// UniverseCache is the universe_cache.json payload. It survives restarts so
// a mid-day restart reuses the morning's selection instead of recomputing.
type UniverseCache struct {
	TradeDate       string   `json:"trade_date"`
	SelectionMethod string   `json:"selection_method"`
	Stocks          []string `json:"stocks"`
	SavedAt         string   `json:"saved_at,omitempty"`
}

// WriteUniverse persists the day's selected universe.
func WriteUniverse(dir string, cache UniverseCache) error {
	if cache.SavedAt == "" {
		cache.SavedAt = time.Now().Format(time.RFC3339)
	}
	return writeJSON(filepath.Join(dir, "universe_cache.json"), cache)
}

// ReadUniverse loads the cached universe. The second return is false when no
// cache file exists yet.
func ReadUniverse(dir string) (UniverseCache, bool, error) {
	var cache UniverseCache
	ok, err := readJSON(filepath.Join(dir, "universe_cache.json"), &cache)
	if err != nil || !ok {
		return UniverseCache{}, false, err
	}
	return cache, true, nil
}
