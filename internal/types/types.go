package types

import (
	"strings"
	"time"
)

// Mode namespaces every persisted row so that test runs can never touch
// real-account state.
type Mode string

const (
	ModeDryRun Mode = "DRY_RUN"
	ModePaper  Mode = "PAPER"
	ModeReal   Mode = "REAL"
)

func ParseMode(raw string) (Mode, bool) {
	switch Mode(strings.ToUpper(strings.TrimSpace(raw))) {
	case ModeDryRun:
		return ModeDryRun, true
	case ModePaper:
		return ModePaper, true
	case ModeReal:
		return ModeReal, true
	}
	return "", false
}

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// OrderStatus tracks the durable order_state machine. The terminal statuses
// are immutable once written.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderSubmitted OrderStatus = "SUBMITTED"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderFailed    OrderStatus = "FAILED"
)

func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderFailed:
		return true
	}
	return false
}

type PositionState string

const (
	PositionPending PositionState = "PENDING"
	PositionEntered PositionState = "ENTERED"
	PositionExited  PositionState = "EXITED"
)

type ExitReason string

const (
	ExitATRStop          ExitReason = "ATR_STOP"
	ExitTakeProfit       ExitReason = "TAKE_PROFIT"
	ExitTrailingStop     ExitReason = "TRAILING_STOP"
	ExitTrendBroken      ExitReason = "TREND_BROKEN"
	ExitGapProtection    ExitReason = "GAP_PROTECTION"
	ExitManual           ExitReason = "MANUAL"
	ExitSignalOnly       ExitReason = "SIGNAL_ONLY"
	ExitRecoveredMissing ExitReason = "RECOVERED_MISSING"
)

// Quote is the latest traded state of a symbol.
type Quote struct {
	Symbol    string
	Name      string
	Price     float64
	Open      float64
	High      float64
	Low       float64
	PrevClose float64
	Volume    int64
	ChangePct float64
	MarketCap int64
	Time      time.Time
}

// DailyBar is one descending-order daily OHLCV row.
type DailyBar struct {
	Date   string
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// Holding is one line of the broker's account-of-record.
type Holding struct {
	Symbol       string
	Name         string
	Quantity     int64
	AvgPrice     float64
	CurrentPrice float64
}

// Balance is the broker account view: cash plus holdings.
type Balance struct {
	Cash        float64
	TotalEquity float64
	Holdings    []Holding
	FetchedAt   time.Time
}

func (b Balance) Holding(symbol string) (Holding, bool) {
	for _, h := range b.Holdings {
		if h.Symbol == symbol && h.Quantity > 0 {
			return h, true
		}
	}
	return Holding{}, false
}
