package universe

import (
	"context"
	"fmt"
	"time"

	"kistra/internal/logger"
	"kistra/internal/store"
	"kistra/internal/store/filecache"
	"kistra/internal/types"
)

// ErrUniverseHalt is returned when a universe fallback occurred in REAL mode
// and halt_on_fallback_in_real is set. Trading must not proceed.
var ErrUniverseHalt = fmt.Errorf("universe fallback in REAL mode, trading halted")

// ServiceConfig tunes the caching and fallback behavior.
type ServiceConfig struct {
	Method               string
	HaltOnFallbackInReal bool
	DataDir              string
}

// Service resolves the day's trading universe. Selection runs at most once
// per trade date; restarts inside the same day reuse the cached record, and
// a method change between runs invalidates the cache.
type Service struct {
	cfg      ServiceConfig
	selector *Selector
	store    store.Store
	mode     types.Mode
}

func NewService(cfg ServiceConfig, selector *Selector, st store.Store, mode types.Mode) *Service {
	return &Service{cfg: cfg, selector: selector, store: st, mode: mode}
}

// UniverseForDate returns the symbols eligible for entry on tradeDate.
// holdings are the symbols currently held; they ride along on the persisted
// record so the day's full watch set survives a restart.
func (s *Service) UniverseForDate(ctx context.Context, tradeDate string, holdings []string) ([]string, error) {
	if cached, ok := s.lookupCache(ctx, tradeDate); ok {
		return cached, nil
	}

	selected, err := s.selector.Select(ctx, s.cfg.Method)
	if err == nil && len(selected) > 0 {
		s.persist(ctx, tradeDate, s.cfg.Method, selected, holdings)
		logger.Infof("universe: selected %d symbols method=%s date=%s", len(selected), s.cfg.Method, tradeDate)
		return selected, nil
	}
	if err != nil {
		logger.Warnf("universe: selection failed method=%s err=%v", s.cfg.Method, err)
	} else {
		logger.Warnf("universe: selection empty method=%s", s.cfg.Method)
	}
	return s.fallback(ctx, tradeDate, holdings)
}

func (s *Service) lookupCache(ctx context.Context, tradeDate string) ([]string, bool) {
	rec, found, err := s.store.GetUniverseRecord(ctx, tradeDate)
	if err != nil {
		logger.Warnf("universe: cache read failed err=%v", err)
		return nil, false
	}
	if found && rec.Method == s.cfg.Method && len(rec.Symbols) > 0 {
		logger.Infof("universe: reusing cached record date=%s method=%s size=%d", tradeDate, rec.Method, len(rec.Symbols))
		return rec.Symbols, true
	}
	if found && rec.Method != s.cfg.Method {
		logger.Warnf("universe: method changed %s -> %s, cache invalidated", rec.Method, s.cfg.Method)
	}

	// Second chance: the JSON cache survives a wiped database.
	fc, ok, err := filecache.ReadUniverse(s.cfg.DataDir)
	if err != nil {
		logger.Warnf("universe: file cache read failed err=%v", err)
		return nil, false
	}
	if ok && fc.TradeDate == tradeDate && fc.SelectionMethod == s.cfg.Method && len(fc.Stocks) > 0 {
		logger.Infof("universe: reusing file cache date=%s size=%d", tradeDate, len(fc.Stocks))
		return fc.Stocks, true
	}
	return nil, false
}

// fallback runs the degraded chain: today's cached record under any method,
// then the fixed list, then the empty set.
func (s *Service) fallback(ctx context.Context, tradeDate string, holdings []string) ([]string, error) {
	if s.mode == types.ModeReal && s.cfg.HaltOnFallbackInReal {
		return nil, ErrUniverseHalt
	}

	if rec, found, err := s.store.GetUniverseRecord(ctx, tradeDate); err == nil && found && len(rec.Symbols) > 0 {
		logger.Warnf("universe: falling back to cached record date=%s method=%s", tradeDate, rec.Method)
		return rec.Symbols, nil
	}

	if fixed := s.selector.fixed(s.selector.cfg.MaxStocks); len(fixed) > 0 {
		logger.Warnf("universe: falling back to fixed list size=%d", len(fixed))
		s.persist(ctx, tradeDate, MethodFixed, fixed, holdings)
		return fixed, nil
	}

	logger.Warnf("universe: all fallbacks exhausted, trading with empty universe")
	return nil, nil
}

func (s *Service) persist(ctx context.Context, tradeDate, method string, symbols, holdings []string) {
	rec := store.UniverseRecord{
		TradeDate: tradeDate,
		Method:    method,
		Symbols:   symbols,
		Holdings:  holdings,
		CreatedAt: time.Now(),
	}
	if err := s.store.SaveUniverseRecord(ctx, &rec); err != nil {
		logger.Warnf("universe: record save failed err=%v", err)
	}
	if err := filecache.WriteUniverse(s.cfg.DataDir, filecache.UniverseCache{
		TradeDate:       tradeDate,
		SelectionMethod: method,
		Stocks:          symbols,
	}); err != nil {
		logger.Warnf("universe: file cache save failed err=%v", err)
	}
}
