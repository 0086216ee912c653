package store

import (
	"context"
	"time"

	"kistra/internal/types"
)

// PositionRecord is one row of the positions table. Rows are never deleted;
// exited positions are the trade history.
type PositionRecord struct {
	ID            int64
	Symbol        string
	Name          string
	Mode          types.Mode
	State         types.PositionState
	EntryPrice    float64
	Quantity      int64
	EntryAt       time.Time
	ATRAtEntry    float64
	StopLoss      float64
	TakeProfit    float64
	TrailingStop  float64
	HighestPrice  float64
	CurrentPrice  float64
	UnrealizedPnL float64
	ExitPrice     float64
	ExitReason    types.ExitReason
	ExitAt        *time.Time
	RealizedPnL   float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OrderStateRecord is the durable order state machine row, keyed by the
// idempotency key. Terminal rows are immutable.
type OrderStateRecord struct {
	IdempotencyKey string
	SignalID       string
	Symbol         string
	Name           string
	Side           types.Side
	Mode           types.Mode
	Status         types.OrderStatus
	RequestedQty   int64
	FilledQty      int64
	RemainingQty   int64
	OrderNo        string
	FillPrice      float64
	// Protective levels frozen when the buy was decided. Carried on the row
	// so a restarted process settles the position with the original levels.
	ATRAtEntry  float64
	StopLoss    float64
	TakeProfit  float64
	Message     string
	RawResponse []byte
	RequestedAt time.Time
	UpdatedAt   time.Time
}

type TradeRecord struct {
	ID             int64
	IdempotencyKey string
	Symbol         string
	Side           types.Side
	Mode           types.Mode
	Price          float64
	Quantity       int64
	ExecutedAt     time.Time
	Reason         types.ExitReason
	PnL            float64
	PnLPct         float64
	EntryPrice     float64
	HoldingDays    int
	OrderNo        string
}

type AccountSnapshotRecord struct {
	SnapshotTime  time.Time
	Mode          types.Mode
	TotalEquity   float64
	Cash          float64
	UnrealizedPnL float64
	RealizedPnL   float64
	PositionCount int
}

type UniverseRecord struct {
	TradeDate string
	Method    string
	Symbols   []string
	Holdings  []string
	CacheKey  string
	CreatedAt time.Time
}

type SymbolCacheRecord struct {
	StockCode string
	StockName string
	UpdatedAt time.Time
}

type DailySummaryRecord struct {
	TradeDate   string
	Mode        types.Mode
	Trades      int
	Wins        int
	Losses      int
	RealizedPnL float64
	EquityClose float64
	UpdatedAt   time.Time
}

// StaleOrderCutoffs configures the stale order_state sweep.
type StaleOrderCutoffs struct {
	// Unsubmitted is the age after which a PENDING row with no order number
	// is cancelled.
	Unsubmitted time.Duration
	// Any is the age after which any non-terminal row is cancelled.
	Any time.Duration
}

// Store is the durable persistence surface used by the core. All writes for
// one trading decision go through Tx so they commit or roll back together.
type Store interface {
	// Tx runs fn inside one database transaction. The Store passed to fn
	// must be used for every write inside the bracket.
	Tx(ctx context.Context, fn func(tx Store) error) error

	UpsertPosition(ctx context.Context, rec *PositionRecord) error
	GetPosition(ctx context.Context, symbol string, mode types.Mode) (PositionRecord, bool, error)
	ListOpenPositions(ctx context.Context, mode types.Mode) ([]PositionRecord, error)

	InsertOrderState(ctx context.Context, rec *OrderStateRecord) error
	GetOrderState(ctx context.Context, idempotencyKey string) (OrderStateRecord, bool, error)
	// UpdateOrderState transitions a non-terminal row. Updating a terminal
	// row is an error.
	UpdateOrderState(ctx context.Context, rec *OrderStateRecord) error
	ListRecoverableOrderStates(ctx context.Context, mode types.Mode) ([]OrderStateRecord, error)
	CancelStaleOrderStates(ctx context.Context, mode types.Mode, now time.Time, cutoffs StaleOrderCutoffs) (int, error)

	InsertTrade(ctx context.Context, rec *TradeRecord) error
	ListTradesOn(ctx context.Context, tradeDate string, mode types.Mode) ([]TradeRecord, error)
	LastClosedTrade(ctx context.Context, mode types.Mode) (TradeRecord, bool, error)

	InsertAccountSnapshot(ctx context.Context, rec *AccountSnapshotRecord) error
	FirstSnapshotOn(ctx context.Context, tradeDate string, mode types.Mode) (AccountSnapshotRecord, bool, error)
	EarliestSnapshot(ctx context.Context, mode types.Mode) (AccountSnapshotRecord, bool, error)

	GetUniverseRecord(ctx context.Context, tradeDate string) (UniverseRecord, bool, error)
	SaveUniverseRecord(ctx context.Context, rec *UniverseRecord) error

	UpsertSymbolCache(ctx context.Context, rec *SymbolCacheRecord) error
	GetSymbolCache(ctx context.Context, stockCode string) (SymbolCacheRecord, bool, error)

	UpsertDailySummary(ctx context.Context, rec *DailySummaryRecord) error
	GetDailySummary(ctx context.Context, tradeDate string, mode types.Mode) (DailySummaryRecord, bool, error)
}
