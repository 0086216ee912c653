package kis

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"kistra/internal/logger"
	"kistra/internal/types"
)

// DryRunBroker serves quotes from the real API but simulates the order
// surface: every submission is accepted and fills immediately at the latest
// quoted price. DRY_RUN mode never reaches the order endpoints.
type DryRunBroker struct {
	quotes QuoteSource

	mu      sync.Mutex
	seq     int64
	orders  map[string]simulatedOrder
	balance types.Balance
}

// QuoteSource is the read-only slice of Broker the simulator delegates to.
type QuoteSource interface {
	GetAccessToken(ctx context.Context) (string, error)
	GetCurrentPrice(ctx context.Context, symbol string) (types.Quote, error)
	GetDailyOHLCV(ctx context.Context, symbol string, n int) ([]types.DailyBar, error)
	OutageSince() time.Time
}

type simulatedOrder struct {
	symbol string
	side   types.Side
	qty    int64
	price  float64
}

// NewDryRunBroker wraps a quote source with a simulated account holding the
// given starting cash.
func NewDryRunBroker(quotes QuoteSource, startingCash float64) *DryRunBroker {
	return &DryRunBroker{
		quotes: quotes,
		orders: make(map[string]simulatedOrder),
		balance: types.Balance{
			Cash:        startingCash,
			TotalEquity: startingCash,
			FetchedAt:   time.Now(),
		},
	}
}

func (d *DryRunBroker) GetAccessToken(ctx context.Context) (string, error) {
	return d.quotes.GetAccessToken(ctx)
}

func (d *DryRunBroker) GetCurrentPrice(ctx context.Context, symbol string) (types.Quote, error) {
	return d.quotes.GetCurrentPrice(ctx, symbol)
}

func (d *DryRunBroker) GetDailyOHLCV(ctx context.Context, symbol string, n int) ([]types.DailyBar, error) {
	return d.quotes.GetDailyOHLCV(ctx, symbol, n)
}

func (d *DryRunBroker) OutageSince() time.Time {
	return d.quotes.OutageSince()
}

func (d *DryRunBroker) GetAccountBalance(ctx context.Context) (types.Balance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	bal := d.balance
	bal.FetchedAt = time.Now()
	return bal, nil
}

func (d *DryRunBroker) PlaceBuy(ctx context.Context, symbol string, qty int64, price float64) (PlaceResult, error) {
	return d.place(ctx, types.SideBuy, symbol, qty, price)
}

func (d *DryRunBroker) PlaceSell(ctx context.Context, symbol string, qty int64, price float64) (PlaceResult, error) {
	return d.place(ctx, types.SideSell, symbol, qty, price)
}

func (d *DryRunBroker) place(ctx context.Context, side types.Side, symbol string, qty int64, price float64) (PlaceResult, error) {
	fill := price
	if fill <= 0 {
		quote, err := d.quotes.GetCurrentPrice(ctx, symbol)
		if err != nil {
			return PlaceResult{}, err
		}
		fill = quote.Price
	}
	if fill <= 0 {
		return PlaceResult{Accepted: false, Message: "no quote for simulated fill"}, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	orderNo := "DRY" + strconv.FormatInt(d.seq, 10)
	d.orders[orderNo] = simulatedOrder{symbol: symbol, side: side, qty: qty, price: fill}
	d.applyFill(symbol, side, qty, fill)
	logger.Infof("dryrun: simulated %s fill symbol=%s qty=%d price=%.0f order=%s", side, symbol, qty, fill, orderNo)
	return PlaceResult{Accepted: true, OrderNo: orderNo, Message: "simulated"}, nil
}

func (d *DryRunBroker) applyFill(symbol string, side types.Side, qty int64, price float64) {
	amount := float64(qty) * price
	if side == types.SideBuy {
		d.balance.Cash -= amount
		for i, h := range d.balance.Holdings {
			if h.Symbol == symbol {
				total := float64(h.Quantity)*h.AvgPrice + amount
				h.Quantity += qty
				h.AvgPrice = total / float64(h.Quantity)
				h.CurrentPrice = price
				d.balance.Holdings[i] = h
				return
			}
		}
		d.balance.Holdings = append(d.balance.Holdings, types.Holding{
			Symbol: symbol, Quantity: qty, AvgPrice: price, CurrentPrice: price,
		})
		return
	}
	d.balance.Cash += amount
	for i, h := range d.balance.Holdings {
		if h.Symbol != symbol {
			continue
		}
		h.Quantity -= qty
		h.CurrentPrice = price
		if h.Quantity <= 0 {
			d.balance.Holdings = append(d.balance.Holdings[:i], d.balance.Holdings[i+1:]...)
		} else {
			d.balance.Holdings[i] = h
		}
		return
	}
}

func (d *DryRunBroker) GetOrderStatus(ctx context.Context, orderNo string) (OrderStatus, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ord, ok := d.orders[orderNo]
	if !ok {
		return OrderStatus{}, false, nil
	}
	return OrderStatus{
		OrderNo:   orderNo,
		Symbol:    ord.symbol,
		Side:      ord.side,
		OrderQty:  ord.qty,
		FilledQty: ord.qty,
		AvgPrice:  ord.price,
	}, true, nil
}

func (d *DryRunBroker) WaitForExecution(ctx context.Context, orderNo string, expectedQty int64, timeout time.Duration) (ExecResult, error) {
	status, found, err := d.GetOrderStatus(ctx, orderNo)
	if err != nil {
		return ExecResult{}, err
	}
	if !found {
		return ExecResult{}, fmt.Errorf("dryrun: unknown order %s", orderNo)
	}
	return ExecResult{Status: FillFilled, FilledQty: status.FilledQty, AvgPrice: status.AvgPrice}, nil
}

func (d *DryRunBroker) CancelOrder(ctx context.Context, orderNo string) error {
	return nil
}

var _ Broker = (*DryRunBroker)(nil)
