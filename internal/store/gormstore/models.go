package gormstore

import (
	"time"

	"kistra/internal/store"
	"kistra/internal/types"

	"gorm.io/datatypes"
)

type positionModel struct {
	ID            int64   `gorm:"column:id;primaryKey"`
	Symbol        string  `gorm:"column:symbol;index:idx_positions_symbol_mode"`
	Name          string  `gorm:"column:name"`
	Mode          string  `gorm:"column:mode;index:idx_positions_symbol_mode"`
	State         string  `gorm:"column:state;index"`
	EntryPrice    float64 `gorm:"column:entry_price"`
	Quantity      int64   `gorm:"column:quantity"`
	EntryAt       int64   `gorm:"column:entry_at"`
	ATRAtEntry    float64 `gorm:"column:atr_at_entry"`
	StopLoss      float64 `gorm:"column:stop_loss"`
	TakeProfit    float64 `gorm:"column:take_profit"`
	TrailingStop  float64 `gorm:"column:trailing_stop"`
	HighestPrice  float64 `gorm:"column:highest_price"`
	CurrentPrice  float64 `gorm:"column:current_price"`
	UnrealizedPnL float64 `gorm:"column:unrealized_pnl"`
	ExitPrice     float64 `gorm:"column:exit_price"`
	ExitReason    string  `gorm:"column:exit_reason"`
	ExitAt        *int64  `gorm:"column:exit_at"`
	RealizedPnL   float64 `gorm:"column:realized_pnl"`
	CreatedAt     int64   `gorm:"column:created_at"`
	UpdatedAt     int64   `gorm:"column:updated_at"`
}

func (positionModel) TableName() string { return "positions" }

type orderStateModel struct {
	IdempotencyKey string         `gorm:"column:idempotency_key;primaryKey"`
	SignalID       string         `gorm:"column:signal_id;index"`
	Symbol         string         `gorm:"column:symbol;index"`
	Name           string         `gorm:"column:name"`
	Side           string         `gorm:"column:side"`
	Mode           string         `gorm:"column:mode;index"`
	Status         string         `gorm:"column:status;index"`
	RequestedQty   int64          `gorm:"column:requested_qty"`
	FilledQty      int64          `gorm:"column:filled_qty"`
	RemainingQty   int64          `gorm:"column:remaining_qty"`
	OrderNo        string         `gorm:"column:order_no"`
	FillPrice      float64        `gorm:"column:fill_price"`
	ATRAtEntry     float64        `gorm:"column:atr_at_entry"`
	StopLoss       float64        `gorm:"column:stop_loss"`
	TakeProfit     float64        `gorm:"column:take_profit"`
	Message        string         `gorm:"column:message"`
	RawResponse    datatypes.JSON `gorm:"column:raw_response"`
	RequestedAt    int64          `gorm:"column:requested_at"`
	UpdatedAt      int64          `gorm:"column:updated_at"`
}

func (orderStateModel) TableName() string { return "order_state" }

type tradeModel struct {
	ID             int64   `gorm:"column:id;primaryKey"`
	IdempotencyKey string  `gorm:"column:idempotency_key;uniqueIndex"`
	Symbol         string  `gorm:"column:symbol;index:idx_trades_symbol_mode"`
	Side           string  `gorm:"column:side"`
	Mode           string  `gorm:"column:mode;index:idx_trades_symbol_mode"`
	Price          float64 `gorm:"column:price"`
	Quantity       int64   `gorm:"column:quantity"`
	ExecutedAt     int64   `gorm:"column:executed_at;index"`
	Reason         string  `gorm:"column:reason"`
	PnL            float64 `gorm:"column:pnl"`
	PnLPct         float64 `gorm:"column:pnl_pct"`
	EntryPrice     float64 `gorm:"column:entry_price"`
	HoldingDays    int     `gorm:"column:holding_days"`
	OrderNo        string  `gorm:"column:order_no"`
}

func (tradeModel) TableName() string { return "trades" }

type accountSnapshotModel struct {
	SnapshotTime  int64   `gorm:"column:snapshot_time;primaryKey"`
	Mode          string  `gorm:"column:mode;primaryKey"`
	TotalEquity   float64 `gorm:"column:total_equity"`
	Cash          float64 `gorm:"column:cash"`
	UnrealizedPnL float64 `gorm:"column:unrealized_pnl"`
	RealizedPnL   float64 `gorm:"column:realized_pnl"`
	PositionCount int     `gorm:"column:position_count"`
}

func (accountSnapshotModel) TableName() string { return "account_snapshots" }

type universeRecordModel struct {
	TradeDate string         `gorm:"column:trade_date;primaryKey"`
	Method    string         `gorm:"column:method"`
	Symbols   datatypes.JSON `gorm:"column:symbols"`
	Holdings  datatypes.JSON `gorm:"column:holdings"`
	CacheKey  string         `gorm:"column:cache_key"`
	CreatedAt int64          `gorm:"column:created_at"`
}

func (universeRecordModel) TableName() string { return "universe_records" }

type symbolCacheModel struct {
	StockCode string `gorm:"column:stock_code;primaryKey"`
	StockName string `gorm:"column:stock_name"`
	UpdatedAt int64  `gorm:"column:updated_at"`
}

func (symbolCacheModel) TableName() string { return "symbol_cache" }

type dailySummaryModel struct {
	TradeDate   string  `gorm:"column:trade_date;primaryKey"`
	Mode        string  `gorm:"column:mode;primaryKey"`
	Trades      int     `gorm:"column:trades"`
	Wins        int     `gorm:"column:wins"`
	Losses      int     `gorm:"column:losses"`
	RealizedPnL float64 `gorm:"column:realized_pnl"`
	EquityClose float64 `gorm:"column:equity_close"`
	UpdatedAt   int64   `gorm:"column:updated_at"`
}

func (dailySummaryModel) TableName() string { return "daily_summary" }

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func newPositionModel(rec store.PositionRecord) positionModel {
	m := positionModel{
		ID:            rec.ID,
		Symbol:        rec.Symbol,
		Name:          rec.Name,
		Mode:          string(rec.Mode),
		State:         string(rec.State),
		EntryPrice:    rec.EntryPrice,
		Quantity:      rec.Quantity,
		EntryAt:       timeToMillis(rec.EntryAt),
		ATRAtEntry:    rec.ATRAtEntry,
		StopLoss:      rec.StopLoss,
		TakeProfit:    rec.TakeProfit,
		TrailingStop:  rec.TrailingStop,
		HighestPrice:  rec.HighestPrice,
		CurrentPrice:  rec.CurrentPrice,
		UnrealizedPnL: rec.UnrealizedPnL,
		ExitPrice:     rec.ExitPrice,
		ExitReason:    string(rec.ExitReason),
		RealizedPnL:   rec.RealizedPnL,
		CreatedAt:     timeToMillis(rec.CreatedAt),
		UpdatedAt:     timeToMillis(rec.UpdatedAt),
	}
	if rec.ExitAt != nil && !rec.ExitAt.IsZero() {
		v := rec.ExitAt.UnixMilli()
		m.ExitAt = &v
	}
	return m
}

func positionModelToRecord(m positionModel) store.PositionRecord {
	rec := store.PositionRecord{
		ID:            m.ID,
		Symbol:        m.Symbol,
		Name:          m.Name,
		Mode:          types.Mode(m.Mode),
		State:         types.PositionState(m.State),
		EntryPrice:    m.EntryPrice,
		Quantity:      m.Quantity,
		EntryAt:       millisToTime(m.EntryAt),
		ATRAtEntry:    m.ATRAtEntry,
		StopLoss:      m.StopLoss,
		TakeProfit:    m.TakeProfit,
		TrailingStop:  m.TrailingStop,
		HighestPrice:  m.HighestPrice,
		CurrentPrice:  m.CurrentPrice,
		UnrealizedPnL: m.UnrealizedPnL,
		ExitPrice:     m.ExitPrice,
		ExitReason:    types.ExitReason(m.ExitReason),
		RealizedPnL:   m.RealizedPnL,
		CreatedAt:     millisToTime(m.CreatedAt),
		UpdatedAt:     millisToTime(m.UpdatedAt),
	}
	if m.ExitAt != nil && *m.ExitAt > 0 {
		ts := millisToTime(*m.ExitAt)
		rec.ExitAt = &ts
	}
	return rec
}

func newOrderStateModel(rec store.OrderStateRecord) orderStateModel {
	return orderStateModel{
		IdempotencyKey: rec.IdempotencyKey,
		SignalID:       rec.SignalID,
		Symbol:         rec.Symbol,
		Name:           rec.Name,
		Side:           string(rec.Side),
		Mode:           string(rec.Mode),
		Status:         string(rec.Status),
		RequestedQty:   rec.RequestedQty,
		FilledQty:      rec.FilledQty,
		RemainingQty:   rec.RemainingQty,
		OrderNo:        rec.OrderNo,
		FillPrice:      rec.FillPrice,
		ATRAtEntry:     rec.ATRAtEntry,
		StopLoss:       rec.StopLoss,
		TakeProfit:     rec.TakeProfit,
		Message:        rec.Message,
		RawResponse:    datatypes.JSON(rec.RawResponse),
		RequestedAt:    timeToMillis(rec.RequestedAt),
		UpdatedAt:      timeToMillis(rec.UpdatedAt),
	}
}

func orderStateModelToRecord(m orderStateModel) store.OrderStateRecord {
	return store.OrderStateRecord{
		IdempotencyKey: m.IdempotencyKey,
		SignalID:       m.SignalID,
		Symbol:         m.Symbol,
		Name:           m.Name,
		Side:           types.Side(m.Side),
		Mode:           types.Mode(m.Mode),
		Status:         types.OrderStatus(m.Status),
		RequestedQty:   m.RequestedQty,
		FilledQty:      m.FilledQty,
		RemainingQty:   m.RemainingQty,
		OrderNo:        m.OrderNo,
		FillPrice:      m.FillPrice,
		ATRAtEntry:     m.ATRAtEntry,
		StopLoss:       m.StopLoss,
		TakeProfit:     m.TakeProfit,
		Message:        m.Message,
		RawResponse:    []byte(m.RawResponse),
		RequestedAt:    millisToTime(m.RequestedAt),
		UpdatedAt:      millisToTime(m.UpdatedAt),
	}
}

func newTradeModel(rec store.TradeRecord) tradeModel {
	return tradeModel{
		ID:             rec.ID,
		IdempotencyKey: rec.IdempotencyKey,
		Symbol:         rec.Symbol,
		Side:           string(rec.Side),
		Mode:           string(rec.Mode),
		Price:          rec.Price,
		Quantity:       rec.Quantity,
		ExecutedAt:     timeToMillis(rec.ExecutedAt),
		Reason:         string(rec.Reason),
		PnL:            rec.PnL,
		PnLPct:         rec.PnLPct,
		EntryPrice:     rec.EntryPrice,
		HoldingDays:    rec.HoldingDays,
		OrderNo:        rec.OrderNo,
	}
}

func tradeModelToRecord(m tradeModel) store.TradeRecord {
	return store.TradeRecord{
		ID:             m.ID,
		IdempotencyKey: m.IdempotencyKey,
		Symbol:         m.Symbol,
		Side:           types.Side(m.Side),
		Mode:           types.Mode(m.Mode),
		Price:          m.Price,
		Quantity:       m.Quantity,
		ExecutedAt:     millisToTime(m.ExecutedAt),
		Reason:         types.ExitReason(m.Reason),
		PnL:            m.PnL,
		PnLPct:         m.PnLPct,
		EntryPrice:     m.EntryPrice,
		HoldingDays:    m.HoldingDays,
		OrderNo:        m.OrderNo,
	}
}
