package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"kistra/internal/gateway/kis"
	"kistra/internal/gateway/notifier"
	"kistra/internal/logger"
	"kistra/internal/store"
	"kistra/internal/store/filecache"
	"kistra/internal/strategy"
	"kistra/internal/types"
	"kistra/internal/universe"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ExecutorConfig tunes the cycle loop.
type ExecutorConfig struct {
	Interval         time.Duration
	NearStopInterval time.Duration
	NearStopBandPct  float64
	OrderQuantity    int64
	MaxRuns          int
	MaxPositions     int
	TrendMAPeriod    int
	ATRPeriod        int
	OutageThreshold  time.Duration
	StaleCutoffs     store.StaleOrderCutoffs
	DataDir          string
	Guard            GuardConfig
}

// Executor runs the single decision loop. One cycle reads market state for
// every symbol in (holdings ∪ universe), evaluates exits then entries, and
// hands approved decisions to the synchronizer. Decisions are strictly
// serial; only the market-data reads fan out.
type Executor struct {
	cfg      ExecutorConfig
	broker   kis.Broker
	store    store.Store
	strategy strategy.Strategy
	risk     *RiskController
	sync     *Synchronizer
	recon    *Reconciler
	pending  *PendingExitRegistry
	universe *universe.Service
	notify   notifier.Notifier
	mode     types.Mode

	lastSnapshot    time.Time
	lastStaleSweep  time.Time
	outageObserved  bool
	nearStopAlerted map[string]bool
}

func NewExecutor(
	cfg ExecutorConfig,
	broker kis.Broker,
	st store.Store,
	strat strategy.Strategy,
	risk *RiskController,
	syn *Synchronizer,
	recon *Reconciler,
	pending *PendingExitRegistry,
	uni *universe.Service,
	n notifier.Notifier,
	mode types.Mode,
) *Executor {
	if n == nil {
		n = notifier.LogNotifier{}
	}
	return &Executor{
		cfg:             cfg,
		broker:          broker,
		store:           st,
		strategy:        strat,
		risk:            risk,
		sync:            syn,
		recon:           recon,
		pending:         pending,
		universe:        uni,
		notify:          n,
		mode:            mode,
		nearStopAlerted: make(map[string]bool),
	}
}

// Run executes cycles until ctx is cancelled or MaxRuns is reached. The
// in-flight cycle always completes to its decision boundary before shutdown.
func (e *Executor) Run(ctx context.Context) error {
	e.sync.SweepStale(ctx, e.cfg.StaleCutoffs)
	e.lastStaleSweep = time.Now()

	runs := 0
	for {
		fast, err := e.cycle(ctx)
		if err != nil && ctx.Err() != nil {
			break
		}
		if err != nil {
			logger.Errorf("executor: cycle failed err=%v", err)
			e.notify.Notify(notifier.Event{
				Severity: notifier.SeverityError,
				Kind:     "CYCLE_FAILURE",
				Payload:  map[string]any{"mode": e.mode, "error": err.Error()},
			})
		}

		runs++
		if e.cfg.MaxRuns > 0 && runs >= e.cfg.MaxRuns {
			logger.Infof("executor: max runs reached runs=%d", runs)
			break
		}

		sleep := e.cfg.Interval
		if fast {
			sleep = e.cfg.NearStopInterval
		}
		select {
		case <-ctx.Done():
		case <-time.After(sleep):
			continue
		}
		break
	}

	e.shutdown()
	return nil
}

// cycle runs one pass over every tracked symbol. The returned flag requests
// the fast cadence for the next sleep.
func (e *Executor) cycle(ctx context.Context) (bool, error) {
	now := NowKST()

	if e.handleOutage(ctx) {
		return false, nil
	}

	if time.Since(e.lastStaleSweep) > 10*time.Minute {
		e.sync.SweepStale(ctx, e.cfg.StaleCutoffs)
		e.lastStaleSweep = time.Now()
	}

	balance, err := e.broker.GetAccountBalance(ctx)
	if err != nil {
		return false, fmt.Errorf("cycle balance: %w", err)
	}

	snap, err := e.risk.Snapshot(ctx, e.store, balance.TotalEquity, now)
	if err != nil {
		return false, err
	}

	openPositions, err := e.store.ListOpenPositions(ctx, e.mode)
	if err != nil {
		return false, err
	}
	entered := make(map[string]store.PositionRecord)
	for _, p := range openPositions {
		if p.State == types.PositionEntered {
			entered[p.Symbol] = p
		}
	}

	holdings := make([]string, 0, len(entered))
	for symbol := range entered {
		holdings = append(holdings, symbol)
	}
	sort.Strings(holdings)

	candidates, err := e.universe.UniverseForDate(ctx, TradeDate(now), holdings)
	if err != nil {
		return false, err
	}

	symbols := e.symbolSet(entered, candidates)
	market := e.fetchMarketData(ctx, symbols)
	e.refreshSymbolNames(ctx, market, now)

	fast := false
	for _, symbol := range symbols {
		pos, holds := entered[symbol]
		data, ok := market[symbol]
		if !ok {
			logger.Warnf("executor: no market data symbol=%s, skipping", symbol)
			continue
		}

		if holds {
			if e.processExit(ctx, &pos, data, snap) {
				delete(entered, symbol)
				continue
			}
			if e.nearStop(pos, data.quote.Price) {
				fast = true
				e.alertNearStop(pos, data.quote.Price)
			} else {
				e.nearStopAlerted[symbol] = false
			}
			continue
		}

		if len(entered) >= e.cfg.MaxPositions {
			continue
		}
		if e.processEntry(ctx, symbol, data, snap) {
			// Re-read is unnecessary: one entry per symbol per cycle, and the
			// count only needs to stop further entries this cycle.
			entered[symbol] = store.PositionRecord{Symbol: symbol, State: types.PositionEntered}
		}
	}

	e.maybeSnapshot(ctx, balance, len(entered), now)
	e.refreshMirror(ctx)
	e.updateDailySummary(ctx, balance, now)
	return fast, nil
}

type symbolData struct {
	quote types.Quote
	bars  []types.DailyBar // ascending
}

// fetchMarketData loads quotes and bars for all symbols in parallel. A
// failed symbol is simply absent from the result; its turn comes next cycle.
func (e *Executor) fetchMarketData(ctx context.Context, symbols []string) map[string]symbolData {
	var mu sync.Mutex
	out := make(map[string]symbolData, len(symbols))

	barCount := e.cfg.TrendMAPeriod + 2*e.cfg.ATRPeriod
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			quote, err := e.broker.GetCurrentPrice(gctx, symbol)
			if err != nil {
				logger.Warnf("executor: quote failed symbol=%s err=%v", symbol, err)
				return nil
			}
			bars, err := e.broker.GetDailyOHLCV(gctx, symbol, barCount)
			if err != nil {
				logger.Warnf("executor: bars failed symbol=%s err=%v", symbol, err)
				return nil
			}
			mu.Lock()
			out[symbol] = symbolData{quote: quote, bars: ascending(bars)}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return out
}

// processExit evaluates every exit path for one open position, in priority
// order: gap protection, strategy exits, trailing stop. Returns true when
// the position was closed.
func (e *Executor) processExit(ctx context.Context, pos *store.PositionRecord, data symbolData, snap RiskSnapshot) bool {
	price := data.quote.Price
	if price <= 0 {
		return false
	}

	// Deferred exits retry before anything else.
	if entry, ready := e.pending.Ready(pos.Symbol, snap.Now); ready {
		return e.submitExit(ctx, pos, price, entry.Reason, snap)
	}
	if e.pending.Has(pos.Symbol) {
		return false
	}

	if gap := CheckGap(e.cfg.Guard, pos.EntryPrice, data.quote.Open); gap.Triggered {
		e.notify.Notify(notifier.Event{
			Severity: notifier.SeverityWarning,
			Kind:     "GAP_PROTECTION",
			Payload: map[string]any{
				"mode":        e.mode,
				"symbol":      pos.Symbol,
				"raw_gap_pct": fmt.Sprintf("%.4f", gap.RawGapPct),
				"gap_pct":     fmt.Sprintf("%.2f", gap.DisplayPct),
			},
		})
		return e.submitExit(ctx, pos, price, types.ExitGapProtection, snap)
	}

	advice := e.strategy.Evaluate(pos.Symbol, pos, data.bars, price)
	if advice.Signal == types.SignalSell {
		return e.submitExit(ctx, pos, price, advice.ExitReason, snap)
	}

	if UpdateTrailingStop(e.cfg.Guard, pos, price) {
		pos.CurrentPrice = price
		pos.UnrealizedPnL = (price - pos.EntryPrice) * float64(pos.Quantity)
		if err := e.store.UpsertPosition(ctx, pos); err != nil {
			logger.Warnf("executor: trailing persist failed symbol=%s err=%v", pos.Symbol, err)
		}
	}
	if TrailingStopHit(pos, price) {
		return e.submitExit(ctx, pos, price, types.ExitTrailingStop, snap)
	}
	return false
}

func (e *Executor) submitExit(ctx context.Context, pos *store.PositionRecord, price float64, reason types.ExitReason, snap RiskSnapshot) bool {
	verdict := e.risk.Check(types.SideSell, snap)
	if !verdict.Allowed {
		if verdict.Deferred {
			e.sync.DeferExit(pos.Symbol, reason, verdict.Reason)
		} else {
			logger.Warnf("executor: exit denied symbol=%s reason=%s", pos.Symbol, verdict.Reason)
		}
		return false
	}

	res, err := e.sync.ExecuteSell(ctx, Decision{
		Symbol:    pos.Symbol,
		Name:      pos.Name,
		Qty:       pos.Quantity,
		SignalID:  uuid.NewString(),
		Reason:    reason,
		Emergency: reason == types.ExitGapProtection,
	})
	if err != nil {
		logger.Errorf("executor: sell failed symbol=%s err=%v", pos.Symbol, err)
		return false
	}
	if res.PendingExit {
		return false
	}
	if res.FilledQty > 0 {
		logger.Infof("executor: exit %s symbol=%s qty=%d price=%.0f reason=%s",
			res.Status, pos.Symbol, res.FilledQty, res.AvgPrice, reason)
		e.notify.Notify(notifier.Event{
			Severity: notifier.SeverityInfo,
			Kind:     "POSITION_CLOSED",
			Payload: map[string]any{
				"mode":   e.mode,
				"symbol": pos.Symbol,
				"qty":    res.FilledQty,
				"price":  res.AvgPrice,
				"reason": reason,
			},
		})
		return res.FilledQty >= pos.Quantity
	}
	return false
}

// processEntry evaluates one universe candidate for entry. Returns true when
// a position was opened.
func (e *Executor) processEntry(ctx context.Context, symbol string, data symbolData, snap RiskSnapshot) bool {
	price := data.quote.Price
	if price <= 0 {
		return false
	}

	advice := e.strategy.Evaluate(symbol, nil, data.bars, price)
	if advice.Signal != types.SignalBuy {
		return false
	}

	verdict := e.risk.Check(types.SideBuy, snap)
	if !verdict.Allowed {
		logger.Infof("executor: entry denied symbol=%s reason=%s", symbol, verdict.Reason)
		return false
	}

	qty := e.cfg.OrderQuantity
	if qty <= 0 {
		qty = 1
	}

	res, err := e.sync.ExecuteBuy(ctx, Decision{
		Symbol:     symbol,
		Name:       data.quote.Name,
		Qty:        qty,
		SignalID:   uuid.NewString(),
		ATRAtEntry: advice.ATRAtEntry,
		StopLoss:   advice.SuggestedStop,
		TakeProfit: advice.SuggestedTP,
	})
	if err != nil {
		logger.Errorf("executor: buy failed symbol=%s err=%v", symbol, err)
		return false
	}
	if res.FilledQty > 0 {
		logger.Infof("executor: entered symbol=%s qty=%d price=%.0f (%s)", symbol, res.FilledQty, res.AvgPrice, advice.Reason)
		e.notify.Notify(notifier.Event{
			Severity: notifier.SeverityInfo,
			Kind:     "POSITION_OPENED",
			Payload: map[string]any{
				"mode":   e.mode,
				"symbol": symbol,
				"qty":    res.FilledQty,
				"price":  res.AvgPrice,
				"stop":   advice.SuggestedStop,
				"target": advice.SuggestedTP,
			},
		})
		return true
	}
	return false
}

// nearStop reports whether the distance to the effective stop is inside the
// configured fraction of the entry-era ATR.
func (e *Executor) nearStop(pos store.PositionRecord, price float64) bool {
	if price <= 0 || pos.ATRAtEntry <= 0 {
		return false
	}
	stop := pos.StopLoss
	if pos.TrailingStop > stop {
		stop = pos.TrailingStop
	}
	if stop <= 0 || price <= stop {
		return true
	}
	return (price - stop) <= pos.ATRAtEntry*e.cfg.NearStopBandPct/100
}

func (e *Executor) alertNearStop(pos store.PositionRecord, price float64) {
	if e.nearStopAlerted[pos.Symbol] {
		return
	}
	e.nearStopAlerted[pos.Symbol] = true
	e.notify.Notify(notifier.Event{
		Severity: notifier.SeverityWarning,
		Kind:     "NEAR_STOP",
		Payload: map[string]any{
			"mode":   e.mode,
			"symbol": pos.Symbol,
			"price":  price,
			"stop":   pos.StopLoss,
			"trail":  pos.TrailingStop,
		},
	})
}

// handleOutage aborts the cycle while the broker reports a sustained outage
// and triggers one reconciliation pass on recovery. Returns true when the
// cycle should be skipped.
func (e *Executor) handleOutage(ctx context.Context) bool {
	since := e.broker.OutageSince()
	if !since.IsZero() {
		if !e.outageObserved {
			logger.Errorf("executor: broker outage since %s, suspending orders", since.Format(time.RFC3339))
			e.notify.Notify(notifier.Event{
				Severity: notifier.SeverityWarning,
				Kind:     "BROKER_OUTAGE",
				Payload:  map[string]any{"mode": e.mode, "since": since.Format(time.RFC3339)},
			})
		}
		e.outageObserved = true
		return true
	}
	if e.outageObserved {
		e.outageObserved = false
		logger.Infof("executor: broker recovered, reconciling before next cycle")
		if _, err := e.recon.Run(ctx); err != nil {
			logger.Errorf("executor: post-outage reconcile failed err=%v", err)
			return true
		}
	}
	return false
}

func (e *Executor) symbolSet(entered map[string]store.PositionRecord, candidates []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(entered)+len(candidates))
	// Holdings first: exits take priority over entries within a cycle.
	for symbol := range entered {
		if _, ok := seen[symbol]; !ok {
			seen[symbol] = struct{}{}
			out = append(out, symbol)
		}
	}
	for _, symbol := range candidates {
		if _, ok := seen[symbol]; !ok {
			seen[symbol] = struct{}{}
			out = append(out, symbol)
		}
	}
	return out
}

const symbolNameTTL = 30 * 24 * time.Hour

// refreshSymbolNames keeps the symbol name cache warm from quote payloads.
// Best effort; a failed upsert never touches the trading path.
func (e *Executor) refreshSymbolNames(ctx context.Context, market map[string]symbolData, now time.Time) {
	for symbol, data := range market {
		if data.quote.Name == "" {
			continue
		}
		cached, found, err := e.store.GetSymbolCache(ctx, symbol)
		if err == nil && found && cached.StockName == data.quote.Name && now.Sub(cached.UpdatedAt) < symbolNameTTL {
			continue
		}
		rec := store.SymbolCacheRecord{StockCode: symbol, StockName: data.quote.Name, UpdatedAt: now}
		if err := e.store.UpsertSymbolCache(ctx, &rec); err != nil {
			logger.Warnf("executor: symbol cache refresh failed symbol=%s err=%v", symbol, err)
		}
	}
}

func (e *Executor) maybeSnapshot(ctx context.Context, balance types.Balance, positionCount int, now time.Time) {
	if time.Since(e.lastSnapshot) < time.Minute {
		return
	}
	unrealized := 0.0
	for _, h := range balance.Holdings {
		unrealized += (h.CurrentPrice - h.AvgPrice) * float64(h.Quantity)
	}
	realized := 0.0
	if trades, err := e.store.ListTradesOn(ctx, TradeDate(now), e.mode); err == nil {
		for _, t := range trades {
			if t.Side == types.SideSell {
				realized += t.PnL
			}
		}
	} else {
		logger.Warnf("executor: snapshot trades read failed err=%v", err)
	}
	rec := store.AccountSnapshotRecord{
		SnapshotTime:  now,
		Mode:          e.mode,
		TotalEquity:   balance.TotalEquity,
		Cash:          balance.Cash,
		UnrealizedPnL: unrealized,
		RealizedPnL:   realized,
		PositionCount: positionCount,
	}
	if err := e.store.InsertAccountSnapshot(ctx, &rec); err != nil {
		logger.Warnf("executor: snapshot persist failed err=%v", err)
		return
	}
	e.lastSnapshot = time.Now()
}

func (e *Executor) refreshMirror(ctx context.Context) {
	open, err := e.store.ListOpenPositions(ctx, e.mode)
	if err != nil {
		logger.Warnf("executor: mirror read failed err=%v", err)
		return
	}
	if err := filecache.WritePositions(e.cfg.DataDir, e.mode, open); err != nil {
		logger.Warnf("executor: mirror write failed err=%v", err)
	}
}

func (e *Executor) updateDailySummary(ctx context.Context, balance types.Balance, now time.Time) {
	tradeDate := TradeDate(now)
	trades, err := e.store.ListTradesOn(ctx, tradeDate, e.mode)
	if err != nil {
		logger.Warnf("executor: summary trades read failed err=%v", err)
		return
	}
	summary := store.DailySummaryRecord{
		TradeDate:   tradeDate,
		Mode:        e.mode,
		EquityClose: balance.TotalEquity,
	}
	for _, t := range trades {
		if t.Side != types.SideSell {
			continue
		}
		summary.Trades++
		summary.RealizedPnL += t.PnL
		if t.PnL >= 0 {
			summary.Wins++
		} else {
			summary.Losses++
		}
	}
	if err := e.store.UpsertDailySummary(ctx, &summary); err != nil {
		logger.Warnf("executor: summary persist failed err=%v", err)
	}
}

// shutdown persists the final snapshot and mirror before the process exits.
func (e *Executor) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	balance, err := e.broker.GetAccountBalance(ctx)
	if err != nil {
		logger.Warnf("executor: shutdown balance read failed err=%v", err)
	} else {
		open, _ := e.store.ListOpenPositions(ctx, e.mode)
		e.lastSnapshot = time.Time{}
		e.maybeSnapshot(ctx, balance, len(open), NowKST())
		e.updateDailySummary(ctx, balance, NowKST())
	}
	e.refreshMirror(ctx)
	logger.Infof("executor: shutdown complete")
}

// ascending reverses the API's descending bar order for indicator math.
func ascending(bars []types.DailyBar) []types.DailyBar {
	out := make([]types.DailyBar, len(bars))
	for i, b := range bars {
		out[len(bars)-1-i] = b
	}
	return out
}
