package kis

import (
	"context"
	"time"

	"kistra/internal/types"
)

// FillStatus is the outcome of waiting on one broker order.
type FillStatus string

const (
	FillFilled    FillStatus = "FILLED"
	FillPartial   FillStatus = "PARTIAL"
	FillTimeout   FillStatus = "TIMEOUT"
	FillCancelled FillStatus = "CANCELLED"
)

// PlaceResult is the broker's acceptance of a submission. Acceptance is never
// a fill.
type PlaceResult struct {
	Accepted bool
	OrderNo  string
	Message  string
	Raw      []byte
}

// ExecResult is the cumulative fill state observed for one order number.
type ExecResult struct {
	Status    FillStatus
	FilledQty int64
	AvgPrice  float64
	Message   string
}

// OrderStatus is one row of the broker's daily execution ledger.
type OrderStatus struct {
	OrderNo    string
	Symbol     string
	Side       types.Side
	OrderQty   int64
	FilledQty  int64
	RemainQty  int64
	OrderPrice float64
	AvgPrice   float64
}

// Broker is the capability set the core needs from the brokerage. The REST
// client implements it against KIS; the dry-run broker simulates the order
// surface on top of live quotes.
type Broker interface {
	GetAccessToken(ctx context.Context) (string, error)
	GetCurrentPrice(ctx context.Context, symbol string) (types.Quote, error)
	GetDailyOHLCV(ctx context.Context, symbol string, n int) ([]types.DailyBar, error)
	GetAccountBalance(ctx context.Context) (types.Balance, error)
	PlaceBuy(ctx context.Context, symbol string, qty int64, price float64) (PlaceResult, error)
	PlaceSell(ctx context.Context, symbol string, qty int64, price float64) (PlaceResult, error)
	GetOrderStatus(ctx context.Context, orderNo string) (OrderStatus, bool, error)
	WaitForExecution(ctx context.Context, orderNo string, expectedQty int64, timeout time.Duration) (ExecResult, error)
	CancelOrder(ctx context.Context, orderNo string) error
	// OutageSince reports when continuous request failures began; the zero
	// time means the link is healthy.
	OutageSince() time.Time
}
