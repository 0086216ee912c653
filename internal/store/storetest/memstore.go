// Package storetest provides an in-memory Store for tests.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"kistra/internal/store"
	"kistra/internal/types"
)

// MemStore implements store.Store in memory. It enforces the same key
// discipline as the sqlite store: unique idempotency keys and immutable
// terminal order rows. Tx is a plain mutex bracket, not a rollback, which is
// enough for the paths the tests exercise.
type MemStore struct {
	mu          sync.Mutex
	nextID      int64
	Positions   map[string]store.PositionRecord // symbol|mode
	OrderStates map[string]store.OrderStateRecord
	Trades      []store.TradeRecord
	Snapshots   []store.AccountSnapshotRecord
	Universe    map[string]store.UniverseRecord
	Symbols     map[string]store.SymbolCacheRecord
	Summaries   map[string]store.DailySummaryRecord
}

func NewMemStore() *MemStore {
	return &MemStore{
		Positions:   make(map[string]store.PositionRecord),
		OrderStates: make(map[string]store.OrderStateRecord),
		Universe:    make(map[string]store.UniverseRecord),
		Symbols:     make(map[string]store.SymbolCacheRecord),
		Summaries:   make(map[string]store.DailySummaryRecord),
	}
}

func posKey(symbol string, mode types.Mode) string { return symbol + "|" + string(mode) }

func (m *MemStore) Tx(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(m)
}

func (m *MemStore) UpsertPosition(ctx context.Context, rec *store.PositionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == 0 {
		m.nextID++
		rec.ID = m.nextID
	}
	rec.UpdatedAt = time.Now()
	m.Positions[posKey(rec.Symbol, rec.Mode)] = *rec
	return nil
}

func (m *MemStore) GetPosition(ctx context.Context, symbol string, mode types.Mode) (store.PositionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.Positions[posKey(symbol, mode)]
	return rec, ok, nil
}

func (m *MemStore) ListOpenPositions(ctx context.Context, mode types.Mode) ([]store.PositionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.PositionRecord
	for _, p := range m.Positions {
		if p.Mode == mode && p.State != types.PositionExited {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *MemStore) InsertOrderState(ctx context.Context, rec *store.OrderStateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.OrderStates[rec.IdempotencyKey]; ok {
		return fmt.Errorf("duplicate idempotency key %s", rec.IdempotencyKey)
	}
	if rec.RequestedAt.IsZero() {
		rec.RequestedAt = time.Now()
	}
	rec.UpdatedAt = time.Now()
	m.OrderStates[rec.IdempotencyKey] = *rec
	return nil
}

func (m *MemStore) GetOrderState(ctx context.Context, idempotencyKey string) (store.OrderStateRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.OrderStates[idempotencyKey]
	return rec, ok, nil
}

func (m *MemStore) UpdateOrderState(ctx context.Context, rec *store.OrderStateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.OrderStates[rec.IdempotencyKey]
	if !ok {
		return fmt.Errorf("order state %s not found", rec.IdempotencyKey)
	}
	if current.Status.Terminal() {
		return fmt.Errorf("order state %s already terminal (%s)", rec.IdempotencyKey, current.Status)
	}
	rec.UpdatedAt = time.Now()
	m.OrderStates[rec.IdempotencyKey] = *rec
	return nil
}

func (m *MemStore) ListRecoverableOrderStates(ctx context.Context, mode types.Mode) ([]store.OrderStateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.OrderStateRecord
	for _, rec := range m.OrderStates {
		if rec.Mode == mode && !rec.Status.Terminal() && rec.OrderNo != "" {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (m *MemStore) CancelStaleOrderStates(ctx context.Context, mode types.Mode, now time.Time, cutoffs store.StaleOrderCutoffs) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, rec := range m.OrderStates {
		if rec.Mode != mode || rec.Status.Terminal() {
			continue
		}
		age := now.Sub(rec.RequestedAt)
		unsubmitted := rec.Status == types.OrderPending && rec.OrderNo == "" && age > cutoffs.Unsubmitted
		if unsubmitted || age > cutoffs.Any {
			rec.Status = types.OrderCancelled
			rec.UpdatedAt = now
			m.OrderStates[key] = rec
			n++
		}
	}
	return n, nil
}

func (m *MemStore) InsertTrade(ctx context.Context, rec *store.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.Trades {
		if t.IdempotencyKey == rec.IdempotencyKey {
			return fmt.Errorf("duplicate trade idempotency key %s", rec.IdempotencyKey)
		}
	}
	m.nextID++
	rec.ID = m.nextID
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now()
	}
	m.Trades = append(m.Trades, *rec)
	return nil
}

func (m *MemStore) ListTradesOn(ctx context.Context, tradeDate string, mode types.Mode) ([]store.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.TradeRecord
	for _, t := range m.Trades {
		if t.Mode == mode && strings.HasPrefix(t.ExecutedAt.Format("2006-01-02"), tradeDate) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemStore) LastClosedTrade(ctx context.Context, mode types.Mode) (store.TradeRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Trades) - 1; i >= 0; i-- {
		if m.Trades[i].Mode == mode && m.Trades[i].Side == types.SideSell {
			return m.Trades[i], true, nil
		}
	}
	return store.TradeRecord{}, false, nil
}

func (m *MemStore) InsertAccountSnapshot(ctx context.Context, rec *store.AccountSnapshotRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.SnapshotTime.IsZero() {
		rec.SnapshotTime = time.Now()
	}
	m.Snapshots = append(m.Snapshots, *rec)
	return nil
}

func (m *MemStore) FirstSnapshotOn(ctx context.Context, tradeDate string, mode types.Mode) (store.AccountSnapshotRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.Snapshots {
		if s.Mode == mode && s.SnapshotTime.Format("2006-01-02") == tradeDate {
			return s, true, nil
		}
	}
	return store.AccountSnapshotRecord{}, false, nil
}

func (m *MemStore) EarliestSnapshot(ctx context.Context, mode types.Mode) (store.AccountSnapshotRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.Snapshots {
		if s.Mode == mode {
			return s, true, nil
		}
	}
	return store.AccountSnapshotRecord{}, false, nil
}

func (m *MemStore) GetUniverseRecord(ctx context.Context, tradeDate string) (store.UniverseRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.Universe[tradeDate]
	return rec, ok, nil
}

func (m *MemStore) SaveUniverseRecord(ctx context.Context, rec *store.UniverseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Universe[rec.TradeDate] = *rec
	return nil
}

func (m *MemStore) UpsertSymbolCache(ctx context.Context, rec *store.SymbolCacheRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Symbols[rec.StockCode] = *rec
	return nil
}

func (m *MemStore) GetSymbolCache(ctx context.Context, stockCode string) (store.SymbolCacheRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.Symbols[stockCode]
	return rec, ok, nil
}

func (m *MemStore) UpsertDailySummary(ctx context.Context, rec *store.DailySummaryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Summaries[rec.TradeDate+"|"+string(rec.Mode)] = *rec
	return nil
}

func (m *MemStore) GetDailySummary(ctx context.Context, tradeDate string, mode types.Mode) (store.DailySummaryRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.Summaries[tradeDate+"|"+string(mode)]
	return rec, ok, nil
}

var _ store.Store = (*MemStore)(nil)
