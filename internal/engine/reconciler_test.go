package engine

import (
	"context"
	"testing"
	"time"

	"kistra/internal/store"
	"kistra/internal/store/filecache"
	"kistra/internal/store/storetest"
	"kistra/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newTestReconciler(t *testing.T, broker *MockBroker, st store.Store) *Reconciler {
	t.Helper()
	return NewReconciler(broker, st, nil, types.ModePaper, t.TempDir())
}

func TestReconcileNoPositionsIsNoop(t *testing.T) {
	broker := new(MockBroker)
	st := storetest.NewMemStore()
	r := newTestReconciler(t, broker, st)

	broker.On("GetAccountBalance", mock.Anything).Return(types.Balance{}, nil)

	report, err := r.Run(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, report.Verdicts)
	assert.False(t, report.Critical)
}

func TestReconcileUntrackedHolding(t *testing.T) {
	broker := new(MockBroker)
	st := storetest.NewMemStore()
	r := newTestReconciler(t, broker, st)

	broker.On("GetAccountBalance", mock.Anything).Return(types.Balance{
		Holdings: []types.Holding{
			{Symbol: "005930", Name: "Samsung", Quantity: 7, AvgPrice: 70000, CurrentPrice: 71000},
		},
	}, nil)

	report, err := r.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, ReconcileUntrackedHolding, report.Verdicts["005930"])
	assert.True(t, report.Critical)

	// Broker values snapshotted into the store as a recovered position.
	pos, found, _ := st.GetPosition(context.Background(), "005930", types.ModePaper)
	assert.True(t, found)
	assert.Equal(t, types.PositionEntered, pos.State)
	assert.Equal(t, int64(7), pos.Quantity)
	assert.Equal(t, 70000.0, pos.EntryPrice)
}

func TestReconcileMissingAtBroker(t *testing.T) {
	broker := new(MockBroker)
	st := storetest.NewMemStore()
	r := newTestReconciler(t, broker, st)

	assert.NoError(t, st.UpsertPosition(context.Background(), &store.PositionRecord{
		Symbol: "005930", Mode: types.ModePaper, State: types.PositionEntered,
		EntryPrice: 70000, Quantity: 10, ATRAtEntry: 1500,
	}))
	broker.On("GetAccountBalance", mock.Anything).Return(types.Balance{}, nil)

	report, err := r.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, ReconcileRecoveredMissing, report.Verdicts["005930"])
	assert.False(t, report.Critical)

	pos, _, _ := st.GetPosition(context.Background(), "005930", types.ModePaper)
	assert.Equal(t, types.PositionExited, pos.State)
	assert.Equal(t, types.ExitRecoveredMissing, pos.ExitReason)
}

func TestReconcileQuantityMatchAdoptsAvgPrice(t *testing.T) {
	broker := new(MockBroker)
	st := storetest.NewMemStore()
	r := newTestReconciler(t, broker, st)

	assert.NoError(t, st.UpsertPosition(context.Background(), &store.PositionRecord{
		Symbol: "005930", Mode: types.ModePaper, State: types.PositionEntered,
		EntryPrice: 70000, Quantity: 10, ATRAtEntry: 1500, StopLoss: 67000,
	}))
	broker.On("GetAccountBalance", mock.Anything).Return(types.Balance{
		Holdings: []types.Holding{
			{Symbol: "005930", Quantity: 10, AvgPrice: 70150, CurrentPrice: 71200},
		},
	}, nil)

	report, err := r.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, ReconcileAdopted, report.Verdicts["005930"])
	assert.False(t, report.Critical)

	pos, _, _ := st.GetPosition(context.Background(), "005930", types.ModePaper)
	assert.Equal(t, 70150.0, pos.EntryPrice)
	// Entry-era ATR and the protective levels are never recomputed here.
	assert.Equal(t, 1500.0, pos.ATRAtEntry)
	assert.Equal(t, 67000.0, pos.StopLoss)
}

func TestReconcileQuantityMismatchTakesBrokerQty(t *testing.T) {
	broker := new(MockBroker)
	st := storetest.NewMemStore()
	r := newTestReconciler(t, broker, st)

	assert.NoError(t, st.UpsertPosition(context.Background(), &store.PositionRecord{
		Symbol: "005930", Mode: types.ModePaper, State: types.PositionEntered,
		EntryPrice: 70000, Quantity: 10, ATRAtEntry: 1500, StopLoss: 67000, TakeProfit: 74500,
	}))
	broker.On("GetAccountBalance", mock.Anything).Return(types.Balance{
		Holdings: []types.Holding{
			{Symbol: "005930", Quantity: 7, AvgPrice: 70000, CurrentPrice: 69000},
		},
	}, nil)

	report, err := r.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, ReconcileCriticalMismatch, report.Verdicts["005930"])
	assert.True(t, report.Critical)

	pos, _, _ := st.GetPosition(context.Background(), "005930", types.ModePaper)
	assert.Equal(t, int64(7), pos.Quantity)
	assert.Equal(t, 1500.0, pos.ATRAtEntry)
	assert.Equal(t, 67000.0, pos.StopLoss)
	assert.Equal(t, 74500.0, pos.TakeProfit)
}

func TestReconcileRerunIsNoop(t *testing.T) {
	broker := new(MockBroker)
	st := storetest.NewMemStore()
	r := newTestReconciler(t, broker, st)

	assert.NoError(t, st.UpsertPosition(context.Background(), &store.PositionRecord{
		Symbol: "005930", Mode: types.ModePaper, State: types.PositionEntered,
		EntryPrice: 70000, Quantity: 10, EntryAt: time.Now(),
	}))
	broker.On("GetAccountBalance", mock.Anything).Return(types.Balance{
		Holdings: []types.Holding{
			{Symbol: "005930", Quantity: 10, AvgPrice: 70000, CurrentPrice: 70000},
		},
	}, nil)

	first, err := r.Run(context.Background())
	assert.NoError(t, err)
	second, err := r.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, first.Verdicts, second.Verdicts)
	assert.False(t, second.Critical)
}

func TestReconcileRefreshesPositionsMirror(t *testing.T) {
	broker := new(MockBroker)
	st := storetest.NewMemStore()
	dir := t.TempDir()
	r := NewReconciler(broker, st, nil, types.ModePaper, dir)

	broker.On("GetAccountBalance", mock.Anything).Return(types.Balance{
		Holdings: []types.Holding{
			{Symbol: "005930", Name: "Samsung", Quantity: 5, AvgPrice: 70000, CurrentPrice: 70500},
		},
	}, nil)

	_, err := r.Run(context.Background())
	assert.NoError(t, err)

	entries, err := filecache.ReadPositions(dir, types.ModePaper)
	assert.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "005930", entries[0].Symbol)
	assert.Equal(t, int64(5), entries[0].Quantity)
}
