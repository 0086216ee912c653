package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"kistra/internal/gateway/kis"
	"kistra/internal/gateway/notifier"
	"kistra/internal/logger"
	"kistra/internal/store"
	"kistra/internal/types"
)

// Decision is one order the loop wants executed. For buys the strategy
// fields carry the levels frozen into the new position; for sells Reason
// records why the position is being closed.
type Decision struct {
	Side     types.Side
	Symbol   string
	Name     string
	Qty      int64
	Price    float64 // 0 = market order
	SignalID string
	Reason   types.ExitReason
	// Emergency sells (gap protection) wait three times longer for a fill
	// before cancelling the remainder.
	Emergency bool

	ATRAtEntry float64
	StopLoss   float64
	TakeProfit float64
}

// SyncResult is the terminal outcome of one decision.
type SyncResult struct {
	Status         types.OrderStatus
	FilledQty      int64
	AvgPrice       float64
	IdempotencyKey string
	PendingExit    bool
	Message        string
}

// IdempotencyKey derives the content hash that makes order submission safe
// to retry. Identical decisions map to the same key, so a crashed run and
// its restart share one order_state row.
func IdempotencyKey(mode types.Mode, side types.Side, symbol string, qty int64, signalID string) string {
	payload := fmt.Sprintf("%s|%s|%s|%d|%s", mode, side, symbol, qty, signalID)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Synchronizer is the single entry point for placing orders. Every path in
// the engine that buys or sells goes through ExecuteBuy/ExecuteSell so the
// idempotency and transaction discipline cannot be bypassed.
type Synchronizer struct {
	broker      kis.Broker
	store       store.Store
	notify      notifier.Notifier
	pending     *PendingExitRegistry
	settle      Settlement
	mode        types.Mode
	execTimeout time.Duration
	now         func() time.Time
}

func NewSynchronizer(broker kis.Broker, st store.Store, n notifier.Notifier, pending *PendingExitRegistry, settle Settlement, mode types.Mode, execTimeout time.Duration) *Synchronizer {
	if n == nil {
		n = notifier.LogNotifier{}
	}
	return &Synchronizer{
		broker:      broker,
		store:       st,
		notify:      n,
		pending:     pending,
		settle:      settle,
		mode:        mode,
		execTimeout: execTimeout,
		now:         time.Now,
	}
}

func (s *Synchronizer) ExecuteBuy(ctx context.Context, d Decision) (SyncResult, error) {
	d.Side = types.SideBuy
	return s.execute(ctx, d)
}

func (s *Synchronizer) ExecuteSell(ctx context.Context, d Decision) (SyncResult, error) {
	d.Side = types.SideSell
	return s.execute(ctx, d)
}

func (s *Synchronizer) execute(ctx context.Context, d Decision) (SyncResult, error) {
	if d.Qty <= 0 {
		return SyncResult{}, fmt.Errorf("execute %s %s: non-positive quantity %d", d.Side, d.Symbol, d.Qty)
	}
	key := IdempotencyKey(s.mode, d.Side, d.Symbol, d.Qty, d.SignalID)

	rec, found, err := s.store.GetOrderState(ctx, key)
	if err != nil {
		return SyncResult{}, err
	}

	switch {
	case found && rec.Status.Terminal():
		// Same decision already ran to completion; report it, never resubmit.
		logger.Infof("sync: %s %s already terminal status=%s key=%s", d.Side, d.Symbol, rec.Status, shortKey(key))
		return SyncResult{
			Status:         rec.Status,
			FilledQty:      rec.FilledQty,
			AvgPrice:       rec.FillPrice,
			IdempotencyKey: key,
			Message:        rec.Message,
		}, nil

	case found && rec.OrderNo != "":
		// A previous run submitted this order. Adopt it and resume waiting.
		logger.Warnf("sync: adopting in-flight order %s %s order_no=%s status=%s", d.Side, d.Symbol, rec.OrderNo, rec.Status)
		return s.awaitFill(ctx, d, rec)

	case found:
		// PENDING row with no order number: the previous run died before the
		// broker call. Safe to submit against the existing row.
		return s.submit(ctx, d, rec)

	default:
		rec = store.OrderStateRecord{
			IdempotencyKey: key,
			SignalID:       d.SignalID,
			Symbol:         d.Symbol,
			Name:           d.Name,
			Side:           d.Side,
			Mode:           s.mode,
			Status:         types.OrderPending,
			RequestedQty:   d.Qty,
			RemainingQty:   d.Qty,
			ATRAtEntry:     d.ATRAtEntry,
			StopLoss:       d.StopLoss,
			TakeProfit:     d.TakeProfit,
			RequestedAt:    s.now(),
		}
		if err := s.store.InsertOrderState(ctx, &rec); err != nil {
			return SyncResult{}, err
		}
		return s.submit(ctx, d, rec)
	}
}

func (s *Synchronizer) submit(ctx context.Context, d Decision, rec store.OrderStateRecord) (SyncResult, error) {
	var (
		placed kis.PlaceResult
		err    error
	)
	if d.Side == types.SideBuy {
		placed, err = s.broker.PlaceBuy(ctx, d.Symbol, d.Qty, d.Price)
	} else {
		placed, err = s.broker.PlaceSell(ctx, d.Symbol, d.Qty, d.Price)
	}
	if err != nil {
		// Transport failure before acceptance. The row stays PENDING so the
		// stale sweep or a retry with the same signal picks it up.
		return SyncResult{}, fmt.Errorf("submit %s %s: %w", d.Side, d.Symbol, err)
	}

	if !placed.Accepted {
		if d.Side == types.SideSell && isDeferrableRejection(placed.Message) {
			return s.deferExit(ctx, d, rec, placed.Message)
		}
		rec.Status = types.OrderFailed
		rec.Message = placed.Message
		rec.RawResponse = placed.Raw
		if uerr := s.store.UpdateOrderState(ctx, &rec); uerr != nil {
			return SyncResult{}, uerr
		}
		s.notify.Notify(notifier.Event{
			Severity: notifier.SeverityError,
			Kind:     "ORDER_REJECTED",
			Payload: map[string]any{
				"mode":            s.mode,
				"symbol":          d.Symbol,
				"side":            d.Side,
				"idempotency_key": shortKey(rec.IdempotencyKey),
				"reason":          placed.Message,
			},
		})
		return SyncResult{Status: types.OrderFailed, IdempotencyKey: rec.IdempotencyKey, Message: placed.Message}, nil
	}

	rec.Status = types.OrderSubmitted
	rec.OrderNo = placed.OrderNo
	rec.RawResponse = placed.Raw
	if err := s.store.UpdateOrderState(ctx, &rec); err != nil {
		return SyncResult{}, err
	}
	logger.Infof("sync: submitted %s %s qty=%d order_no=%s", d.Side, d.Symbol, d.Qty, placed.OrderNo)

	return s.awaitFill(ctx, d, rec)
}

func (s *Synchronizer) awaitFill(ctx context.Context, d Decision, rec store.OrderStateRecord) (SyncResult, error) {
	timeout := s.execTimeout
	if d.Emergency {
		timeout *= 3
	}
	exec, err := s.broker.WaitForExecution(ctx, rec.OrderNo, rec.RequestedQty, timeout)
	if err != nil {
		return SyncResult{}, fmt.Errorf("wait for execution %s: %w", rec.OrderNo, err)
	}

	switch exec.Status {
	case kis.FillFilled:
		rec.Status = types.OrderFilled
	case kis.FillPartial:
		rec.Status = types.OrderPartial
	case kis.FillCancelled:
		rec.Status = types.OrderCancelled
	default:
		rec.Status = types.OrderCancelled
	}
	rec.FilledQty = exec.FilledQty
	rec.RemainingQty = rec.RequestedQty - exec.FilledQty
	rec.FillPrice = exec.AvgPrice
	rec.Message = exec.Message

	if err := s.settleDecision(ctx, d, &rec); err != nil {
		return SyncResult{}, err
	}

	if s.pending != nil && d.Side == types.SideSell && exec.FilledQty > 0 {
		s.pending.Clear(d.Symbol)
	}

	return SyncResult{
		Status:         rec.Status,
		FilledQty:      rec.FilledQty,
		AvgPrice:       rec.FillPrice,
		IdempotencyKey: rec.IdempotencyKey,
		Message:        rec.Message,
	}, nil
}

// settleDecision commits the terminal order state, the trade row for any
// filled slice, and the position transition in one database transaction.
func (s *Synchronizer) settleDecision(ctx context.Context, d Decision, rec *store.OrderStateRecord) error {
	return s.store.Tx(ctx, func(tx store.Store) error {
		if err := tx.UpdateOrderState(ctx, rec); err != nil {
			return err
		}
		if rec.FilledQty <= 0 {
			return nil
		}

		if d.Side == types.SideBuy {
			return s.settleBuy(ctx, tx, d, rec)
		}
		return s.settleSell(ctx, tx, d, rec)
	})
}

func (s *Synchronizer) settleBuy(ctx context.Context, tx store.Store, d Decision, rec *store.OrderStateRecord) error {
	trade := store.TradeRecord{
		IdempotencyKey: rec.IdempotencyKey,
		Symbol:         d.Symbol,
		Side:           types.SideBuy,
		Mode:           s.mode,
		Price:          rec.FillPrice,
		Quantity:       rec.FilledQty,
		ExecutedAt:     s.now(),
		OrderNo:        rec.OrderNo,
	}
	if err := tx.InsertTrade(ctx, &trade); err != nil {
		return err
	}

	pos, found, err := tx.GetPosition(ctx, d.Symbol, s.mode)
	if err != nil {
		return err
	}
	if !found || pos.State == types.PositionExited {
		pos = store.PositionRecord{Symbol: d.Symbol, Mode: s.mode}
	}
	pos.Name = d.Name
	pos.State = types.PositionEntered
	pos.EntryPrice = rec.FillPrice
	pos.Quantity = rec.FilledQty
	pos.EntryAt = trade.ExecutedAt
	pos.ATRAtEntry = d.ATRAtEntry
	pos.StopLoss = d.StopLoss
	pos.TakeProfit = d.TakeProfit
	pos.HighestPrice = rec.FillPrice
	pos.CurrentPrice = rec.FillPrice
	return tx.UpsertPosition(ctx, &pos)
}

func (s *Synchronizer) settleSell(ctx context.Context, tx store.Store, d Decision, rec *store.OrderStateRecord) error {
	pos, found, err := tx.GetPosition(ctx, d.Symbol, s.mode)
	if err != nil {
		return err
	}

	trade := store.TradeRecord{
		IdempotencyKey: rec.IdempotencyKey,
		Symbol:         d.Symbol,
		Side:           types.SideSell,
		Mode:           s.mode,
		Price:          rec.FillPrice,
		Quantity:       rec.FilledQty,
		ExecutedAt:     s.now(),
		Reason:         d.Reason,
		OrderNo:        rec.OrderNo,
	}
	if found && pos.EntryPrice > 0 {
		trade.EntryPrice = pos.EntryPrice
		trade.PnL = s.settle.RealizedPnL(pos.EntryPrice, rec.FillPrice, rec.FilledQty)
		trade.PnLPct = s.settle.RealizedPnLPct(pos.EntryPrice, rec.FillPrice, rec.FilledQty)
		if !pos.EntryAt.IsZero() {
			trade.HoldingDays = int(trade.ExecutedAt.Sub(pos.EntryAt).Hours() / 24)
		}
	}
	if err := tx.InsertTrade(ctx, &trade); err != nil {
		return err
	}

	if !found || pos.State != types.PositionEntered {
		return nil
	}

	remaining := pos.Quantity - rec.FilledQty
	if remaining > 0 {
		// Partial close keeps the remainder open with its original levels.
		pos.Quantity = remaining
		pos.RealizedPnL += trade.PnL
		return tx.UpsertPosition(ctx, &pos)
	}

	now := s.now()
	pos.State = types.PositionExited
	pos.Quantity = 0
	pos.ExitPrice = rec.FillPrice
	pos.ExitReason = d.Reason
	pos.ExitAt = &now
	pos.RealizedPnL += trade.PnL
	return tx.UpsertPosition(ctx, &pos)
}

func (s *Synchronizer) deferExit(ctx context.Context, d Decision, rec store.OrderStateRecord, denyReason string) (SyncResult, error) {
	if s.pending != nil {
		s.pending.Defer(d.Symbol, d.Reason, denyReason, s.now())
	}
	// The PENDING row stays open so the retried decision reuses it; the
	// stale sweep cancels it if the retry never comes.
	return SyncResult{
		Status:         types.OrderPending,
		IdempotencyKey: rec.IdempotencyKey,
		PendingExit:    true,
		Message:        denyReason,
	}, nil
}

// DeferExit records a pending exit without touching order state. Used when
// the risk gate denies a SELL before anything was submitted.
func (s *Synchronizer) DeferExit(symbol string, reason types.ExitReason, denyReason string) {
	if s.pending != nil {
		s.pending.Defer(symbol, reason, denyReason, s.now())
	}
}

// ResumeRecoverable finds non-terminal orders left by a previous process and
// drives each to a terminal state via the normal wait-for-fill path.
func (s *Synchronizer) ResumeRecoverable(ctx context.Context) error {
	rows, err := s.store.ListRecoverableOrderStates(ctx, s.mode)
	if err != nil {
		return err
	}
	for _, rec := range rows {
		logger.Warnf("sync: resuming recovered order %s %s order_no=%s status=%s",
			rec.Side, rec.Symbol, rec.OrderNo, rec.Status)
		// Rebuild the decision from the row so a recovered buy settles the
		// position with the levels frozen before the crash.
		d := Decision{
			Side:       rec.Side,
			Symbol:     rec.Symbol,
			Name:       rec.Name,
			Qty:        rec.RequestedQty,
			SignalID:   rec.SignalID,
			ATRAtEntry: rec.ATRAtEntry,
			StopLoss:   rec.StopLoss,
			TakeProfit: rec.TakeProfit,
		}
		if _, err := s.awaitFill(ctx, d, rec); err != nil {
			logger.Errorf("sync: resume failed order_no=%s err=%v", rec.OrderNo, err)
		}
	}
	return nil
}

// SweepStale cancels abandoned order_state rows per the configured cutoffs.
func (s *Synchronizer) SweepStale(ctx context.Context, cutoffs store.StaleOrderCutoffs) {
	n, err := s.store.CancelStaleOrderStates(ctx, s.mode, s.now(), cutoffs)
	if err != nil {
		logger.Warnf("sync: stale sweep failed err=%v", err)
		return
	}
	if n > 0 {
		logger.Infof("sync: cancelled %d stale order rows", n)
	}
}

// isDeferrableRejection matches broker rejection messages that mean the
// market is closed or the symbol is temporarily un-orderable rather than a
// hard failure.
func isDeferrableRejection(message string) bool {
	for _, marker := range []string{"장종료", "주문불가", "시간외", "CALL_AUCTION", "MARKET_CLOSED"} {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
