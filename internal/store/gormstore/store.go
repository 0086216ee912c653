// Package gormstore is the sqlite-backed Store implementation.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"kistra/internal/logger"
	"kistra/internal/store"
	"kistra/internal/types"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// GormStore persists engine state to a single sqlite file. One process owns
// the file; the instance lock guards against a second writer.
type GormStore struct {
	db *gorm.DB
}

// New opens (or creates) the sqlite database at path and runs migrations.
// maxOpenConns bounds the pool; sqlite tolerates little write concurrency,
// so values outside [1, 5] fall back to 5.
func New(path string, maxOpenConns int) (*GormStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	if maxOpenConns <= 0 || maxOpenConns > 5 {
		maxOpenConns = 5
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(
		&positionModel{},
		&orderStateModel{},
		&tradeModel{},
		&accountSnapshotModel{},
		&universeRecordModel{},
		&symbolCacheModel{},
		&dailySummaryModel{},
	); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	logger.Infof("store: sqlite opened path=%s", path)
	return &GormStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Tx runs fn inside one database transaction. The nested store issues every
// statement on the transaction handle, so a returned error rolls back all of
// fn's writes.
func (s *GormStore) Tx(ctx context.Context, fn func(tx store.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func (s *GormStore) UpsertPosition(ctx context.Context, rec *store.PositionRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	m := newPositionModel(*rec)
	if err := s.db.WithContext(ctx).Save(&m).Error; err != nil {
		return fmt.Errorf("upsert position %s: %w", rec.Symbol, err)
	}
	rec.ID = m.ID
	return nil
}

func (s *GormStore) GetPosition(ctx context.Context, symbol string, mode types.Mode) (store.PositionRecord, bool, error) {
	var m positionModel
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND mode = ?", symbol, string(mode)).
		Order("id DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.PositionRecord{}, false, nil
	}
	if err != nil {
		return store.PositionRecord{}, false, fmt.Errorf("get position %s: %w", symbol, err)
	}
	return positionModelToRecord(m), true, nil
}

func (s *GormStore) ListOpenPositions(ctx context.Context, mode types.Mode) ([]store.PositionRecord, error) {
	var models []positionModel
	err := s.db.WithContext(ctx).
		Where("mode = ? AND state IN ?", string(mode), []string{
			string(types.PositionPending), string(types.PositionEntered),
		}).
		Order("symbol ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	out := make([]store.PositionRecord, 0, len(models))
	for _, m := range models {
		out = append(out, positionModelToRecord(m))
	}
	return out, nil
}

func (s *GormStore) InsertOrderState(ctx context.Context, rec *store.OrderStateRecord) error {
	now := time.Now()
	if rec.RequestedAt.IsZero() {
		rec.RequestedAt = now
	}
	rec.UpdatedAt = now

	m := newOrderStateModel(*rec)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("insert order state %s: %w", rec.IdempotencyKey, err)
	}
	return nil
}

func (s *GormStore) GetOrderState(ctx context.Context, idempotencyKey string) (store.OrderStateRecord, bool, error) {
	var m orderStateModel
	err := s.db.WithContext(ctx).
		Where("idempotency_key = ?", idempotencyKey).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.OrderStateRecord{}, false, nil
	}
	if err != nil {
		return store.OrderStateRecord{}, false, fmt.Errorf("get order state: %w", err)
	}
	return orderStateModelToRecord(m), true, nil
}

// UpdateOrderState transitions a non-terminal row. Terminal rows are the
// ledger of what already happened and must never be rewritten.
func (s *GormStore) UpdateOrderState(ctx context.Context, rec *store.OrderStateRecord) error {
	current, found, err := s.GetOrderState(ctx, rec.IdempotencyKey)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("update order state %s: row not found", rec.IdempotencyKey)
	}
	if current.Status.Terminal() {
		return fmt.Errorf("update order state %s: row already terminal (%s)", rec.IdempotencyKey, current.Status)
	}

	rec.UpdatedAt = time.Now()
	m := newOrderStateModel(*rec)
	res := s.db.WithContext(ctx).
		Model(&orderStateModel{}).
		Where("idempotency_key = ?", rec.IdempotencyKey).
		Updates(map[string]any{
			"status":        m.Status,
			"filled_qty":    m.FilledQty,
			"remaining_qty": m.RemainingQty,
			"order_no":      m.OrderNo,
			"fill_price":    m.FillPrice,
			"message":       m.Message,
			"raw_response":  m.RawResponse,
			"updated_at":    m.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("update order state %s: %w", rec.IdempotencyKey, res.Error)
	}
	return nil
}

// ListRecoverableOrderStates returns non-terminal rows that have a broker
// order number, oldest first. These are the orders a restarted process must
// resume polling instead of resubmitting.
func (s *GormStore) ListRecoverableOrderStates(ctx context.Context, mode types.Mode) ([]store.OrderStateRecord, error) {
	var models []orderStateModel
	err := s.db.WithContext(ctx).
		Where("mode = ? AND status IN ? AND order_no <> ''", string(mode), []string{
			string(types.OrderSubmitted), string(types.OrderPartial),
		}).
		Order("requested_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list recoverable order states: %w", err)
	}
	out := make([]store.OrderStateRecord, 0, len(models))
	for _, m := range models {
		out = append(out, orderStateModelToRecord(m))
	}
	return out, nil
}

// CancelStaleOrderStates sweeps non-terminal rows past the cutoff ages into
// CANCELLED and returns how many rows it touched.
func (s *GormStore) CancelStaleOrderStates(ctx context.Context, mode types.Mode, now time.Time, cutoffs store.StaleOrderCutoffs) (int, error) {
	nonTerminal := []string{
		string(types.OrderPending), string(types.OrderSubmitted), string(types.OrderPartial),
	}
	total := 0

	res := s.db.WithContext(ctx).
		Model(&orderStateModel{}).
		Where("mode = ? AND status = ? AND order_no = '' AND requested_at < ?",
			string(mode), string(types.OrderPending), timeToMillis(now.Add(-cutoffs.Unsubmitted))).
		Updates(map[string]any{
			"status":     string(types.OrderCancelled),
			"message":    "stale unsubmitted order",
			"updated_at": timeToMillis(now),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("cancel stale unsubmitted orders: %w", res.Error)
	}
	total += int(res.RowsAffected)

	res = s.db.WithContext(ctx).
		Model(&orderStateModel{}).
		Where("mode = ? AND status IN ? AND requested_at < ?",
			string(mode), nonTerminal, timeToMillis(now.Add(-cutoffs.Any))).
		Updates(map[string]any{
			"status":     string(types.OrderCancelled),
			"message":    "stale order past hard cutoff",
			"updated_at": timeToMillis(now),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("cancel stale orders: %w", res.Error)
	}
	total += int(res.RowsAffected)
	return total, nil
}

func (s *GormStore) InsertTrade(ctx context.Context, rec *store.TradeRecord) error {
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now()
	}
	m := newTradeModel(*rec)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("insert trade %s %s: %w", rec.Side, rec.Symbol, err)
	}
	rec.ID = m.ID
	return nil
}

func (s *GormStore) ListTradesOn(ctx context.Context, tradeDate string, mode types.Mode) ([]store.TradeRecord, error) {
	start, end, err := tradeDateBounds(tradeDate)
	if err != nil {
		return nil, err
	}
	var models []tradeModel
	err = s.db.WithContext(ctx).
		Where("mode = ? AND executed_at >= ? AND executed_at < ?", string(mode), start, end).
		Order("executed_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list trades on %s: %w", tradeDate, err)
	}
	out := make([]store.TradeRecord, 0, len(models))
	for _, m := range models {
		out = append(out, tradeModelToRecord(m))
	}
	return out, nil
}

// LastClosedTrade returns the most recent SELL trade, if any.
func (s *GormStore) LastClosedTrade(ctx context.Context, mode types.Mode) (store.TradeRecord, bool, error) {
	var m tradeModel
	err := s.db.WithContext(ctx).
		Where("mode = ? AND side = ?", string(mode), string(types.SideSell)).
		Order("executed_at DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.TradeRecord{}, false, nil
	}
	if err != nil {
		return store.TradeRecord{}, false, fmt.Errorf("last closed trade: %w", err)
	}
	return tradeModelToRecord(m), true, nil
}

func (s *GormStore) InsertAccountSnapshot(ctx context.Context, rec *store.AccountSnapshotRecord) error {
	if rec.SnapshotTime.IsZero() {
		rec.SnapshotTime = time.Now()
	}
	m := accountSnapshotModel{
		SnapshotTime:  timeToMillis(rec.SnapshotTime),
		Mode:          string(rec.Mode),
		TotalEquity:   rec.TotalEquity,
		Cash:          rec.Cash,
		UnrealizedPnL: rec.UnrealizedPnL,
		RealizedPnL:   rec.RealizedPnL,
		PositionCount: rec.PositionCount,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "snapshot_time"}, {Name: "mode"}},
		DoNothing: true,
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("insert account snapshot: %w", err)
	}
	return nil
}

func (s *GormStore) FirstSnapshotOn(ctx context.Context, tradeDate string, mode types.Mode) (store.AccountSnapshotRecord, bool, error) {
	start, end, err := tradeDateBounds(tradeDate)
	if err != nil {
		return store.AccountSnapshotRecord{}, false, err
	}
	var m accountSnapshotModel
	qerr := s.db.WithContext(ctx).
		Where("mode = ? AND snapshot_time >= ? AND snapshot_time < ?", string(mode), start, end).
		Order("snapshot_time ASC").
		First(&m).Error
	if errors.Is(qerr, gorm.ErrRecordNotFound) {
		return store.AccountSnapshotRecord{}, false, nil
	}
	if qerr != nil {
		return store.AccountSnapshotRecord{}, false, fmt.Errorf("first snapshot on %s: %w", tradeDate, qerr)
	}
	return snapshotModelToRecord(m), true, nil
}

func (s *GormStore) EarliestSnapshot(ctx context.Context, mode types.Mode) (store.AccountSnapshotRecord, bool, error) {
	var m accountSnapshotModel
	err := s.db.WithContext(ctx).
		Where("mode = ?", string(mode)).
		Order("snapshot_time ASC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.AccountSnapshotRecord{}, false, nil
	}
	if err != nil {
		return store.AccountSnapshotRecord{}, false, fmt.Errorf("earliest snapshot: %w", err)
	}
	return snapshotModelToRecord(m), true, nil
}

func snapshotModelToRecord(m accountSnapshotModel) store.AccountSnapshotRecord {
	return store.AccountSnapshotRecord{
		SnapshotTime:  millisToTime(m.SnapshotTime),
		Mode:          types.Mode(m.Mode),
		TotalEquity:   m.TotalEquity,
		Cash:          m.Cash,
		UnrealizedPnL: m.UnrealizedPnL,
		RealizedPnL:   m.RealizedPnL,
		PositionCount: m.PositionCount,
	}
}

func (s *GormStore) GetUniverseRecord(ctx context.Context, tradeDate string) (store.UniverseRecord, bool, error) {
	var m universeRecordModel
	err := s.db.WithContext(ctx).
		Where("trade_date = ?", tradeDate).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.UniverseRecord{}, false, nil
	}
	if err != nil {
		return store.UniverseRecord{}, false, fmt.Errorf("get universe record %s: %w", tradeDate, err)
	}

	rec := store.UniverseRecord{
		TradeDate: m.TradeDate,
		Method:    m.Method,
		CacheKey:  m.CacheKey,
		CreatedAt: millisToTime(m.CreatedAt),
	}
	if len(m.Symbols) > 0 {
		if err := json.Unmarshal(m.Symbols, &rec.Symbols); err != nil {
			return store.UniverseRecord{}, false, fmt.Errorf("decode universe symbols %s: %w", tradeDate, err)
		}
	}
	if len(m.Holdings) > 0 {
		if err := json.Unmarshal(m.Holdings, &rec.Holdings); err != nil {
			return store.UniverseRecord{}, false, fmt.Errorf("decode universe holdings %s: %w", tradeDate, err)
		}
	}
	return rec, true, nil
}

func (s *GormStore) SaveUniverseRecord(ctx context.Context, rec *store.UniverseRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	symbols, err := json.Marshal(rec.Symbols)
	if err != nil {
		return fmt.Errorf("encode universe symbols: %w", err)
	}
	holdings, err := json.Marshal(rec.Holdings)
	if err != nil {
		return fmt.Errorf("encode universe holdings: %w", err)
	}

	m := universeRecordModel{
		TradeDate: rec.TradeDate,
		Method:    rec.Method,
		Symbols:   datatypes.JSON(symbols),
		Holdings:  datatypes.JSON(holdings),
		CacheKey:  rec.CacheKey,
		CreatedAt: timeToMillis(rec.CreatedAt),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trade_date"}},
		DoUpdates: clause.AssignmentColumns([]string{"method", "symbols", "holdings", "cache_key", "created_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("save universe record %s: %w", rec.TradeDate, err)
	}
	return nil
}

func (s *GormStore) UpsertSymbolCache(ctx context.Context, rec *store.SymbolCacheRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	m := symbolCacheModel{
		StockCode: rec.StockCode,
		StockName: rec.StockName,
		UpdatedAt: timeToMillis(rec.UpdatedAt),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stock_code"}},
		DoUpdates: clause.AssignmentColumns([]string{"stock_name", "updated_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("upsert symbol cache %s: %w", rec.StockCode, err)
	}
	return nil
}

func (s *GormStore) GetSymbolCache(ctx context.Context, stockCode string) (store.SymbolCacheRecord, bool, error) {
	var m symbolCacheModel
	err := s.db.WithContext(ctx).
		Where("stock_code = ?", stockCode).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.SymbolCacheRecord{}, false, nil
	}
	if err != nil {
		return store.SymbolCacheRecord{}, false, fmt.Errorf("get symbol cache %s: %w", stockCode, err)
	}
	return store.SymbolCacheRecord{
		StockCode: m.StockCode,
		StockName: m.StockName,
		UpdatedAt: millisToTime(m.UpdatedAt),
	}, true, nil
}

func (s *GormStore) UpsertDailySummary(ctx context.Context, rec *store.DailySummaryRecord) error {
	rec.UpdatedAt = time.Now()
	m := dailySummaryModel{
		TradeDate:   rec.TradeDate,
		Mode:        string(rec.Mode),
		Trades:      rec.Trades,
		Wins:        rec.Wins,
		Losses:      rec.Losses,
		RealizedPnL: rec.RealizedPnL,
		EquityClose: rec.EquityClose,
		UpdatedAt:   timeToMillis(rec.UpdatedAt),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trade_date"}, {Name: "mode"}},
		DoUpdates: clause.AssignmentColumns([]string{"trades", "wins", "losses", "realized_pnl", "equity_close", "updated_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("upsert daily summary %s: %w", rec.TradeDate, err)
	}
	return nil
}

func (s *GormStore) GetDailySummary(ctx context.Context, tradeDate string, mode types.Mode) (store.DailySummaryRecord, bool, error) {
	var m dailySummaryModel
	err := s.db.WithContext(ctx).
		Where("trade_date = ? AND mode = ?", tradeDate, string(mode)).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.DailySummaryRecord{}, false, nil
	}
	if err != nil {
		return store.DailySummaryRecord{}, false, fmt.Errorf("get daily summary %s: %w", tradeDate, err)
	}
	return store.DailySummaryRecord{
		TradeDate:   m.TradeDate,
		Mode:        types.Mode(m.Mode),
		Trades:      m.Trades,
		Wins:        m.Wins,
		Losses:      m.Losses,
		RealizedPnL: m.RealizedPnL,
		EquityClose: m.EquityClose,
		UpdatedAt:   millisToTime(m.UpdatedAt),
	}, true, nil
}

// tradeDateBounds converts a YYYY-MM-DD trade date in KST into the
// [start, end) millisecond range used for range scans.
func tradeDateBounds(tradeDate string) (int64, int64, error) {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return 0, 0, fmt.Errorf("load KST location: %w", err)
	}
	day, err := time.ParseInLocation("2006-01-02", tradeDate, loc)
	if err != nil {
		return 0, 0, fmt.Errorf("parse trade date %q: %w", tradeDate, err)
	}
	return day.UnixMilli(), day.Add(24 * time.Hour).UnixMilli(), nil
}

var _ store.Store = (*GormStore)(nil)
