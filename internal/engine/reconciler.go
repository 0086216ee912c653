package engine

import (
	"context"
	"fmt"
	"time"

	"kistra/internal/gateway/kis"
	"kistra/internal/gateway/notifier"
	"kistra/internal/logger"
	"kistra/internal/store"
	"kistra/internal/store/filecache"
	"kistra/internal/types"
)

// ReconcileVerdict classifies one symbol after comparing broker, file, and
// store state.
type ReconcileVerdict string

const (
	ReconcileOK               ReconcileVerdict = "OK"
	ReconcileUntrackedHolding ReconcileVerdict = "UNTRACKED_HOLDING"
	ReconcileRecoveredMissing ReconcileVerdict = "RECOVERED_MISSING"
	ReconcileAdopted          ReconcileVerdict = "ADOPTED"
	ReconcileCriticalMismatch ReconcileVerdict = "CRITICAL_MISMATCH"
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Verdicts map[string]ReconcileVerdict
	Critical bool
}

// Reconciler converges local position state to the broker's truth. It is
// the only writer allowed to overwrite file and store from broker data.
type Reconciler struct {
	broker  kis.Broker
	store   store.Store
	notify  notifier.Notifier
	mode    types.Mode
	dataDir string
}

func NewReconciler(broker kis.Broker, st store.Store, n notifier.Notifier, mode types.Mode, dataDir string) *Reconciler {
	if n == nil {
		n = notifier.LogNotifier{}
	}
	return &Reconciler{broker: broker, store: st, notify: n, mode: mode, dataDir: dataDir}
}

// Run executes one reconciliation pass. Broker holdings are authoritative.
// Store-upsert failures inside the pass are soft: logged as warnings so one
// bad row cannot crash startup. Only the UNTRACKED_HOLDING and
// CRITICAL_MISMATCH verdicts raise operator alerts.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	report := ReconcileReport{Verdicts: make(map[string]ReconcileVerdict)}

	balance, err := r.broker.GetAccountBalance(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile: load broker holdings: %w", err)
	}

	fileEntries, err := filecache.ReadPositions(r.dataDir, r.mode)
	if err != nil {
		logger.Warnf("reconcile: positions mirror unreadable, treating as empty err=%v", err)
	}
	filePositions := make(map[string]filecache.PositionEntry, len(fileEntries))
	for _, e := range fileEntries {
		filePositions[e.Symbol] = e
	}

	storeRows, err := r.store.ListOpenPositions(ctx, r.mode)
	if err != nil {
		return report, fmt.Errorf("reconcile: load store positions: %w", err)
	}
	storePositions := make(map[string]store.PositionRecord, len(storeRows))
	for _, p := range storeRows {
		if p.State == types.PositionEntered {
			storePositions[p.Symbol] = p
		}
	}

	brokerHoldings := make(map[string]types.Holding, len(balance.Holdings))
	for _, h := range balance.Holdings {
		if h.Quantity > 0 {
			brokerHoldings[h.Symbol] = h
		}
	}

	symbols := make(map[string]struct{})
	for s := range brokerHoldings {
		symbols[s] = struct{}{}
	}
	for s := range filePositions {
		symbols[s] = struct{}{}
	}
	for s := range storePositions {
		symbols[s] = struct{}{}
	}

	for symbol := range symbols {
		holding, atBroker := brokerHoldings[symbol]
		local, tracked := storePositions[symbol]
		if !tracked {
			// A file entry without a store row counts as locally tracked for
			// classification, with zero known quantity.
			if entry, inFile := filePositions[symbol]; inFile {
				local = store.PositionRecord{
					Symbol:     symbol,
					Mode:       r.mode,
					State:      types.PositionEntered,
					Quantity:   entry.Quantity,
					EntryPrice: entry.EntryPrice,
					ATRAtEntry: entry.ATRAtEntry,
					StopLoss:   entry.StopLoss,
					TakeProfit: entry.TakeProfit,
				}
				tracked = true
			}
		}

		verdict := r.reconcileSymbol(ctx, symbol, holding, atBroker, local, tracked)
		report.Verdicts[symbol] = verdict
		if verdict == ReconcileUntrackedHolding || verdict == ReconcileCriticalMismatch {
			report.Critical = true
		}
	}

	r.rewriteMirror(ctx)
	logger.Infof("reconcile: pass complete symbols=%d critical=%v", len(report.Verdicts), report.Critical)
	return report, nil
}

func (r *Reconciler) reconcileSymbol(ctx context.Context, symbol string, holding types.Holding, atBroker bool, local store.PositionRecord, tracked bool) ReconcileVerdict {
	switch {
	case !tracked && !atBroker:
		return ReconcileOK

	case !tracked && atBroker:
		// The broker owns shares we have no record of. Snapshot the broker
		// values as a recovered position so exits can manage it.
		rec := store.PositionRecord{
			Symbol:       symbol,
			Name:         holding.Name,
			Mode:         r.mode,
			State:        types.PositionEntered,
			EntryPrice:   holding.AvgPrice,
			Quantity:     holding.Quantity,
			EntryAt:      time.Now(),
			HighestPrice: holding.CurrentPrice,
			CurrentPrice: holding.CurrentPrice,
		}
		r.softUpsert(ctx, &rec)
		r.alert(ReconcileUntrackedHolding, symbol, map[string]any{
			"broker_qty":       holding.Quantity,
			"broker_avg_price": holding.AvgPrice,
		})
		return ReconcileUntrackedHolding

	case tracked && !atBroker:
		// Broker is truth: the position no longer exists. Close our row but
		// keep it as audit history.
		now := time.Now()
		local.State = types.PositionExited
		local.Quantity = 0
		local.ExitReason = types.ExitRecoveredMissing
		local.ExitAt = &now
		r.softUpsert(ctx, &local)
		logger.Warnf("reconcile: position missing at broker symbol=%s, marked EXITED", symbol)
		return ReconcileRecoveredMissing

	case local.Quantity == holding.Quantity:
		// Quantities agree; adopt the broker's average price and refresh the
		// mark. The entry-era ATR is never recomputed.
		local.EntryPrice = holding.AvgPrice
		local.CurrentPrice = holding.CurrentPrice
		local.UnrealizedPnL = (holding.CurrentPrice - holding.AvgPrice) * float64(holding.Quantity)
		r.softUpsert(ctx, &local)
		return ReconcileAdopted

	default:
		// Quantity mismatch: take the broker quantity, keep the original ATR
		// and protective levels.
		localQty := local.Quantity
		local.Quantity = holding.Quantity
		local.CurrentPrice = holding.CurrentPrice
		local.UnrealizedPnL = (holding.CurrentPrice - local.EntryPrice) * float64(holding.Quantity)
		r.softUpsert(ctx, &local)
		r.alert(ReconcileCriticalMismatch, symbol, map[string]any{
			"local_qty":  localQty,
			"broker_qty": holding.Quantity,
		})
		return ReconcileCriticalMismatch
	}
}

func (r *Reconciler) softUpsert(ctx context.Context, rec *store.PositionRecord) {
	if err := r.store.UpsertPosition(ctx, rec); err != nil {
		logger.Warnf("reconcile: position upsert failed symbol=%s err=%v", rec.Symbol, err)
	}
}

func (r *Reconciler) rewriteMirror(ctx context.Context) {
	open, err := r.store.ListOpenPositions(ctx, r.mode)
	if err != nil {
		logger.Warnf("reconcile: mirror refresh read failed err=%v", err)
		return
	}
	if err := filecache.WritePositions(r.dataDir, r.mode, open); err != nil {
		logger.Warnf("reconcile: mirror refresh write failed err=%v", err)
	}
}

func (r *Reconciler) alert(verdict ReconcileVerdict, symbol string, payload map[string]any) {
	payload["mode"] = r.mode
	payload["symbol"] = symbol
	r.notify.Notify(notifier.Event{
		Severity: notifier.SeverityError,
		Kind:     string(verdict),
		Payload:  payload,
	})
}
