package engine

import (
	"context"
	"testing"
	"time"

	"kistra/internal/gateway/kis"
	"kistra/internal/store"
	"kistra/internal/store/storetest"
	"kistra/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) GetAccessToken(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}
func (m *MockBroker) GetCurrentPrice(ctx context.Context, symbol string) (types.Quote, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(types.Quote), args.Error(1)
}
func (m *MockBroker) GetDailyOHLCV(ctx context.Context, symbol string, n int) ([]types.DailyBar, error) {
	args := m.Called(ctx, symbol, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.DailyBar), args.Error(1)
}
func (m *MockBroker) GetAccountBalance(ctx context.Context) (types.Balance, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.Balance), args.Error(1)
}
func (m *MockBroker) PlaceBuy(ctx context.Context, symbol string, qty int64, price float64) (kis.PlaceResult, error) {
	args := m.Called(ctx, symbol, qty, price)
	return args.Get(0).(kis.PlaceResult), args.Error(1)
}
func (m *MockBroker) PlaceSell(ctx context.Context, symbol string, qty int64, price float64) (kis.PlaceResult, error) {
	args := m.Called(ctx, symbol, qty, price)
	return args.Get(0).(kis.PlaceResult), args.Error(1)
}
func (m *MockBroker) GetOrderStatus(ctx context.Context, orderNo string) (kis.OrderStatus, bool, error) {
	args := m.Called(ctx, orderNo)
	return args.Get(0).(kis.OrderStatus), args.Bool(1), args.Error(2)
}
func (m *MockBroker) WaitForExecution(ctx context.Context, orderNo string, expectedQty int64, timeout time.Duration) (kis.ExecResult, error) {
	args := m.Called(ctx, orderNo, expectedQty, timeout)
	return args.Get(0).(kis.ExecResult), args.Error(1)
}
func (m *MockBroker) CancelOrder(ctx context.Context, orderNo string) error {
	args := m.Called(ctx, orderNo)
	return args.Error(0)
}
func (m *MockBroker) OutageSince() time.Time {
	args := m.Called()
	return args.Get(0).(time.Time)
}

func newTestSynchronizer(broker kis.Broker, st store.Store) *Synchronizer {
	return NewSynchronizer(broker, st, nil, NewPendingExitRegistry(time.Minute),
		NewSettlement(0.00015, 0.0023), types.ModePaper, 45*time.Second)
}

func TestExecuteBuyFullFill(t *testing.T) {
	broker := new(MockBroker)
	st := storetest.NewMemStore()
	syn := newTestSynchronizer(broker, st)

	broker.On("PlaceBuy", mock.Anything, "005930", int64(10), 0.0).
		Return(kis.PlaceResult{Accepted: true, OrderNo: "0001"}, nil).Once()
	broker.On("WaitForExecution", mock.Anything, "0001", int64(10), 45*time.Second).
		Return(kis.ExecResult{Status: kis.FillFilled, FilledQty: 10, AvgPrice: 71000}, nil).Once()

	res, err := syn.ExecuteBuy(context.Background(), Decision{
		Symbol: "005930", Qty: 10, SignalID: "sig-1",
		ATRAtEntry: 1500, StopLoss: 68000, TakeProfit: 75500,
	})
	assert.NoError(t, err)
	assert.Equal(t, types.OrderFilled, res.Status)
	assert.Equal(t, int64(10), res.FilledQty)

	pos, found, _ := st.GetPosition(context.Background(), "005930", types.ModePaper)
	assert.True(t, found)
	assert.Equal(t, types.PositionEntered, pos.State)
	assert.Equal(t, 71000.0, pos.EntryPrice)
	assert.Equal(t, 1500.0, pos.ATRAtEntry)
	assert.Len(t, st.Trades, 1)
	assert.Equal(t, res.IdempotencyKey, st.Trades[0].IdempotencyKey)
	broker.AssertExpectations(t)
}

func TestExecuteBuyIdempotentResubmit(t *testing.T) {
	broker := new(MockBroker)
	st := storetest.NewMemStore()
	syn := newTestSynchronizer(broker, st)

	broker.On("PlaceBuy", mock.Anything, "005930", int64(10), 0.0).
		Return(kis.PlaceResult{Accepted: true, OrderNo: "0001"}, nil).Once()
	broker.On("WaitForExecution", mock.Anything, "0001", int64(10), 45*time.Second).
		Return(kis.ExecResult{Status: kis.FillFilled, FilledQty: 10, AvgPrice: 71000}, nil).Once()

	d := Decision{Symbol: "005930", Qty: 10, SignalID: "sig-1"}
	first, err := syn.ExecuteBuy(context.Background(), d)
	assert.NoError(t, err)

	// Identical decision again: no second submission, same terminal result.
	second, err := syn.ExecuteBuy(context.Background(), d)
	assert.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.IdempotencyKey, second.IdempotencyKey)
	assert.Len(t, st.Trades, 1)
	broker.AssertNumberOfCalls(t, "PlaceBuy", 1)
}

func TestExecuteBuyPartialFill(t *testing.T) {
	broker := new(MockBroker)
	st := storetest.NewMemStore()
	syn := newTestSynchronizer(broker, st)

	broker.On("PlaceBuy", mock.Anything, "005930", int64(10), 0.0).
		Return(kis.PlaceResult{Accepted: true, OrderNo: "0002"}, nil).Once()
	broker.On("WaitForExecution", mock.Anything, "0002", int64(10), 45*time.Second).
		Return(kis.ExecResult{Status: kis.FillPartial, FilledQty: 3, AvgPrice: 70000}, nil).Once()

	res, err := syn.ExecuteBuy(context.Background(), Decision{Symbol: "005930", Qty: 10, SignalID: "sig-2"})
	assert.NoError(t, err)
	assert.Equal(t, types.OrderPartial, res.Status)

	pos, found, _ := st.GetPosition(context.Background(), "005930", types.ModePaper)
	assert.True(t, found)
	assert.Equal(t, int64(3), pos.Quantity)
	assert.Len(t, st.Trades, 1)
	assert.Equal(t, int64(3), st.Trades[0].Quantity)
}

func TestExecuteBuyRejectedIsTerminalFailed(t *testing.T) {
	broker := new(MockBroker)
	st := storetest.NewMemStore()
	syn := newTestSynchronizer(broker, st)

	broker.On("PlaceBuy", mock.Anything, "005930", int64(10), 0.0).
		Return(kis.PlaceResult{Accepted: false, Message: "insufficient cash"}, nil).Once()

	res, err := syn.ExecuteBuy(context.Background(), Decision{Symbol: "005930", Qty: 10, SignalID: "sig-3"})
	assert.NoError(t, err)
	assert.Equal(t, types.OrderFailed, res.Status)

	rec, found, _ := st.GetOrderState(context.Background(), res.IdempotencyKey)
	assert.True(t, found)
	assert.True(t, rec.Status.Terminal())
	assert.Empty(t, st.Trades)
}

func TestCrashResumeAdoptsSubmittedOrder(t *testing.T) {
	broker := new(MockBroker)
	st := storetest.NewMemStore()
	syn := newTestSynchronizer(broker, st)

	// Simulate a previous process that died right after SUBMITTED.
	key := IdempotencyKey(types.ModePaper, types.SideBuy, "005930", 10, "sig-4")
	assert.NoError(t, st.InsertOrderState(context.Background(), &store.OrderStateRecord{
		IdempotencyKey: key,
		SignalID:       "sig-4",
		Symbol:         "005930",
		Side:           types.SideBuy,
		Mode:           types.ModePaper,
		Status:         types.OrderSubmitted,
		RequestedQty:   10,
		RemainingQty:   10,
		OrderNo:        "0099",
	}))

	broker.On("WaitForExecution", mock.Anything, "0099", int64(10), 45*time.Second).
		Return(kis.ExecResult{Status: kis.FillFilled, FilledQty: 10, AvgPrice: 70100}, nil).Once()

	res, err := syn.ExecuteBuy(context.Background(), Decision{Symbol: "005930", Qty: 10, SignalID: "sig-4"})
	assert.NoError(t, err)
	assert.Equal(t, types.OrderFilled, res.Status)
	assert.Equal(t, 70100.0, res.AvgPrice)
	assert.Len(t, st.Trades, 1)
	broker.AssertNotCalled(t, "PlaceBuy", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestResumeRecoverableSettlesWithStoredLevels(t *testing.T) {
	broker := new(MockBroker)
	st := storetest.NewMemStore()
	syn := newTestSynchronizer(broker, st)

	// A previous process decided the buy, submitted it, and died before the
	// fill. The protective levels now live only on the order row.
	key := IdempotencyKey(types.ModePaper, types.SideBuy, "005930", 10, "sig-10")
	assert.NoError(t, st.InsertOrderState(context.Background(), &store.OrderStateRecord{
		IdempotencyKey: key,
		SignalID:       "sig-10",
		Symbol:         "005930",
		Name:           "삼성전자",
		Side:           types.SideBuy,
		Mode:           types.ModePaper,
		Status:         types.OrderSubmitted,
		RequestedQty:   10,
		RemainingQty:   10,
		OrderNo:        "0100",
		ATRAtEntry:     1500,
		StopLoss:       68000,
		TakeProfit:     75500,
	}))

	broker.On("WaitForExecution", mock.Anything, "0100", int64(10), 45*time.Second).
		Return(kis.ExecResult{Status: kis.FillFilled, FilledQty: 10, AvgPrice: 70100}, nil).Once()

	assert.NoError(t, syn.ResumeRecoverable(context.Background()))

	pos, found, _ := st.GetPosition(context.Background(), "005930", types.ModePaper)
	assert.True(t, found)
	assert.Equal(t, types.PositionEntered, pos.State)
	assert.Equal(t, 70100.0, pos.EntryPrice)
	assert.Equal(t, 1500.0, pos.ATRAtEntry)
	assert.Equal(t, 68000.0, pos.StopLoss)
	assert.Equal(t, 75500.0, pos.TakeProfit)
	assert.Equal(t, "삼성전자", pos.Name)
	broker.AssertExpectations(t)
}

func TestExecuteSellClosesPosition(t *testing.T) {
	broker := new(MockBroker)
	st := storetest.NewMemStore()
	syn := newTestSynchronizer(broker, st)

	entryAt := time.Now().Add(-48 * time.Hour)
	assert.NoError(t, st.UpsertPosition(context.Background(), &store.PositionRecord{
		Symbol: "005930", Mode: types.ModePaper, State: types.PositionEntered,
		EntryPrice: 71000, Quantity: 10, EntryAt: entryAt, ATRAtEntry: 1500,
	}))

	broker.On("PlaceSell", mock.Anything, "005930", int64(10), 0.0).
		Return(kis.PlaceResult{Accepted: true, OrderNo: "0003"}, nil).Once()
	broker.On("WaitForExecution", mock.Anything, "0003", int64(10), 45*time.Second).
		Return(kis.ExecResult{Status: kis.FillFilled, FilledQty: 10, AvgPrice: 73500}, nil).Once()

	res, err := syn.ExecuteSell(context.Background(), Decision{
		Symbol: "005930", Qty: 10, SignalID: "sig-5", Reason: types.ExitTakeProfit,
	})
	assert.NoError(t, err)
	assert.Equal(t, types.OrderFilled, res.Status)

	pos, _, _ := st.GetPosition(context.Background(), "005930", types.ModePaper)
	assert.Equal(t, types.PositionExited, pos.State)
	assert.Equal(t, types.ExitTakeProfit, pos.ExitReason)

	assert.Len(t, st.Trades, 1)
	trade := st.Trades[0]
	assert.Equal(t, types.SideSell, trade.Side)
	// (73500-71000)*10 minus commissions on both legs and sell tax.
	gross := (73500.0 - 71000.0) * 10
	assert.Less(t, trade.PnL, gross)
	assert.Greater(t, trade.PnL, gross-5000)
	assert.Equal(t, 2, trade.HoldingDays)
}

func TestExecuteSellPartialKeepsRemainderOpen(t *testing.T) {
	broker := new(MockBroker)
	st := storetest.NewMemStore()
	syn := newTestSynchronizer(broker, st)

	assert.NoError(t, st.UpsertPosition(context.Background(), &store.PositionRecord{
		Symbol: "005930", Mode: types.ModePaper, State: types.PositionEntered,
		EntryPrice: 71000, Quantity: 10, ATRAtEntry: 1500, StopLoss: 68000,
	}))

	broker.On("PlaceSell", mock.Anything, "005930", int64(10), 0.0).
		Return(kis.PlaceResult{Accepted: true, OrderNo: "0004"}, nil).Once()
	broker.On("WaitForExecution", mock.Anything, "0004", int64(10), 45*time.Second).
		Return(kis.ExecResult{Status: kis.FillPartial, FilledQty: 4, AvgPrice: 72000}, nil).Once()

	res, err := syn.ExecuteSell(context.Background(), Decision{
		Symbol: "005930", Qty: 10, SignalID: "sig-6", Reason: types.ExitATRStop,
	})
	assert.NoError(t, err)
	assert.Equal(t, types.OrderPartial, res.Status)

	pos, _, _ := st.GetPosition(context.Background(), "005930", types.ModePaper)
	assert.Equal(t, types.PositionEntered, pos.State)
	assert.Equal(t, int64(6), pos.Quantity)
	assert.Equal(t, 68000.0, pos.StopLoss)
}

func TestExecuteSellMarketClosedDefersExit(t *testing.T) {
	broker := new(MockBroker)
	st := storetest.NewMemStore()
	syn := newTestSynchronizer(broker, st)

	broker.On("PlaceSell", mock.Anything, "005930", int64(10), 0.0).
		Return(kis.PlaceResult{Accepted: false, Message: "MARKET_CLOSED"}, nil).Once()

	res, err := syn.ExecuteSell(context.Background(), Decision{
		Symbol: "005930", Qty: 10, SignalID: "sig-7", Reason: types.ExitTrendBroken,
	})
	assert.NoError(t, err)
	assert.True(t, res.PendingExit)
	assert.Equal(t, types.OrderPending, res.Status)
	assert.True(t, syn.pending.Has("005930"))

	// The row is still open so the post-backoff retry reuses it.
	rec, found, _ := st.GetOrderState(context.Background(), res.IdempotencyKey)
	assert.True(t, found)
	assert.False(t, rec.Status.Terminal())
}

func TestEmergencySellTriplesFillTimeout(t *testing.T) {
	broker := new(MockBroker)
	st := storetest.NewMemStore()
	syn := newTestSynchronizer(broker, st)

	assert.NoError(t, st.UpsertPosition(context.Background(), &store.PositionRecord{
		Symbol: "005930", Mode: types.ModePaper, State: types.PositionEntered,
		EntryPrice: 71000, Quantity: 10,
	}))

	broker.On("PlaceSell", mock.Anything, "005930", int64(10), 0.0).
		Return(kis.PlaceResult{Accepted: true, OrderNo: "0009"}, nil).Once()
	broker.On("WaitForExecution", mock.Anything, "0009", int64(10), 135*time.Second).
		Return(kis.ExecResult{Status: kis.FillFilled, FilledQty: 10, AvgPrice: 67000}, nil).Once()

	res, err := syn.ExecuteSell(context.Background(), Decision{
		Symbol: "005930", Qty: 10, SignalID: "sig-9",
		Reason: types.ExitGapProtection, Emergency: true,
	})
	assert.NoError(t, err)
	assert.Equal(t, types.OrderFilled, res.Status)
	broker.AssertExpectations(t)
}

func TestSweepStaleCancelsAbandonedRows(t *testing.T) {
	broker := new(MockBroker)
	st := storetest.NewMemStore()
	syn := newTestSynchronizer(broker, st)

	old := time.Now().Add(-30 * time.Minute)
	assert.NoError(t, st.InsertOrderState(context.Background(), &store.OrderStateRecord{
		IdempotencyKey: "stale-1", Symbol: "005930", Side: types.SideBuy,
		Mode: types.ModePaper, Status: types.OrderPending, RequestedQty: 5,
	}))
	rec := st.OrderStates["stale-1"]
	rec.RequestedAt = old
	st.OrderStates["stale-1"] = rec

	syn.SweepStale(context.Background(), store.StaleOrderCutoffs{
		Unsubmitted: 15 * time.Minute,
		Any:         240 * time.Minute,
	})
	assert.Equal(t, types.OrderCancelled, st.OrderStates["stale-1"].Status)
}
