package kis

import (
	"context"
	"testing"
	"time"

	"kistra/internal/types"

	"github.com/stretchr/testify/assert"
)

type staticQuotes struct {
	price float64
}

func (s staticQuotes) GetAccessToken(context.Context) (string, error) { return "tok", nil }

func (s staticQuotes) GetCurrentPrice(_ context.Context, symbol string) (types.Quote, error) {
	return types.Quote{Symbol: symbol, Price: s.price, Time: time.Now()}, nil
}

func (s staticQuotes) GetDailyOHLCV(context.Context, string, int) ([]types.DailyBar, error) {
	return nil, nil
}

func (s staticQuotes) OutageSince() time.Time { return time.Time{} }

func TestDryRunBuyFillsAtQuote(t *testing.T) {
	d := NewDryRunBroker(staticQuotes{price: 71000}, 10_000_000)

	res, err := d.PlaceBuy(context.Background(), "005930", 10, 0)
	assert.NoError(t, err)
	assert.True(t, res.Accepted)

	exec, err := d.WaitForExecution(context.Background(), res.OrderNo, 10, time.Second)
	assert.NoError(t, err)
	assert.Equal(t, FillFilled, exec.Status)
	assert.Equal(t, int64(10), exec.FilledQty)
	assert.Equal(t, 71000.0, exec.AvgPrice)

	bal, _ := d.GetAccountBalance(context.Background())
	assert.Equal(t, 10_000_000.0-710_000, bal.Cash)
	assert.Len(t, bal.Holdings, 1)
	assert.Equal(t, int64(10), bal.Holdings[0].Quantity)
}

func TestDryRunSellRemovesHolding(t *testing.T) {
	d := NewDryRunBroker(staticQuotes{price: 71000}, 10_000_000)
	buy, _ := d.PlaceBuy(context.Background(), "005930", 10, 0)
	assert.True(t, buy.Accepted)

	sell, err := d.PlaceSell(context.Background(), "005930", 10, 73000)
	assert.NoError(t, err)
	assert.True(t, sell.Accepted)

	bal, _ := d.GetAccountBalance(context.Background())
	assert.Empty(t, bal.Holdings)
	assert.Equal(t, 10_000_000.0-710_000+730_000, bal.Cash)
}

func TestDryRunAveragesRepeatBuys(t *testing.T) {
	d := NewDryRunBroker(staticQuotes{price: 70000}, 10_000_000)
	_, _ = d.PlaceBuy(context.Background(), "005930", 10, 70000)
	_, _ = d.PlaceBuy(context.Background(), "005930", 10, 72000)

	bal, _ := d.GetAccountBalance(context.Background())
	assert.Len(t, bal.Holdings, 1)
	assert.Equal(t, int64(20), bal.Holdings[0].Quantity)
	assert.Equal(t, 71000.0, bal.Holdings[0].AvgPrice)
}

func TestDryRunRejectsWithoutQuote(t *testing.T) {
	d := NewDryRunBroker(staticQuotes{price: 0}, 10_000_000)
	res, err := d.PlaceBuy(context.Background(), "005930", 10, 0)
	assert.NoError(t, err)
	assert.False(t, res.Accepted)
}
