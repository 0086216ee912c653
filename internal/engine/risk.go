package engine

import (
	"context"
	"fmt"
	"time"

	"kistra/internal/gateway/notifier"
	"kistra/internal/logger"
	"kistra/internal/store"
	"kistra/internal/types"
)

// RiskConfig holds the order-gating limits.
type RiskConfig struct {
	PerTradeMaxLossPct   float64
	DailyMaxLossPct      float64
	MaxConsecutiveLosses int
	DailyMaxTrades       int
	CumulativeDDPct      float64
}

// RiskSnapshot is the read-only view the controller evaluates against. It is
// taken once per cycle; a fill racing the snapshot is absorbed by the
// synchronizer's idempotency key, never by re-reading here.
type RiskSnapshot struct {
	Now               time.Time
	TradesToday       []store.TradeRecord
	LastClosedTrade   *store.TradeRecord
	ConsecutiveLosses int
	StartingEquity    float64
	InitialEquity     float64
	CurrentEquity     float64
}

// RiskVerdict is the gate decision for one proposed order.
type RiskVerdict struct {
	Allowed bool
	Reason  string
	// Deferred marks denials the synchronizer should treat as pending-exit
	// rather than failure (call auction, closed market).
	Deferred bool
}

func allow() RiskVerdict             { return RiskVerdict{Allowed: true} }
func deny(reason string) RiskVerdict { return RiskVerdict{Reason: reason} }

func deferred(reason string) RiskVerdict {
	return RiskVerdict{Reason: reason, Deferred: true}
}

// RiskController gates every order. Checks run in a fixed order and the
// first failing check denies.
type RiskController struct {
	cfg        RiskConfig
	killSwitch *KillSwitch
	notify     notifier.Notifier
	mode       types.Mode
}

func NewRiskController(cfg RiskConfig, ks *KillSwitch, n notifier.Notifier, mode types.Mode) *RiskController {
	if n == nil {
		n = notifier.LogNotifier{}
	}
	return &RiskController{cfg: cfg, killSwitch: ks, notify: n, mode: mode}
}

// Snapshot assembles the read-only risk view for the current cycle.
func (r *RiskController) Snapshot(ctx context.Context, st store.Store, currentEquity float64, now time.Time) (RiskSnapshot, error) {
	snap := RiskSnapshot{Now: now, CurrentEquity: currentEquity}

	tradeDate := TradeDate(now)
	trades, err := st.ListTradesOn(ctx, tradeDate, r.mode)
	if err != nil {
		return snap, fmt.Errorf("risk snapshot trades: %w", err)
	}
	snap.TradesToday = trades

	if last, ok, err := st.LastClosedTrade(ctx, r.mode); err != nil {
		return snap, fmt.Errorf("risk snapshot last trade: %w", err)
	} else if ok {
		snap.LastClosedTrade = &last
	}

	snap.ConsecutiveLosses = consecutiveLosses(trades)

	if first, ok, err := st.FirstSnapshotOn(ctx, tradeDate, r.mode); err != nil {
		return snap, fmt.Errorf("risk snapshot starting equity: %w", err)
	} else if ok {
		snap.StartingEquity = first.TotalEquity
	} else {
		snap.StartingEquity = currentEquity
	}

	if earliest, ok, err := st.EarliestSnapshot(ctx, r.mode); err != nil {
		return snap, fmt.Errorf("risk snapshot initial equity: %w", err)
	} else if ok {
		snap.InitialEquity = earliest.TotalEquity
	} else {
		snap.InitialEquity = currentEquity
	}

	return snap, nil
}

// Check gates one proposed order against the snapshot.
func (r *RiskController) Check(side types.Side, snap RiskSnapshot) RiskVerdict {
	// Cumulative drawdown runs first so a breach engages the kill-switch even
	// when a later check would have denied the order anyway.
	if v := r.checkCumulativeDrawdown(snap); !v.Allowed && side == types.SideBuy {
		return v
	}

	if r.killSwitch != nil && r.killSwitch.Engaged() {
		if side == types.SideBuy {
			return deny("KILL_SWITCH")
		}
		// Exits reduce risk and stay allowed while the switch is engaged.
	}

	if side == types.SideSell {
		if ok, reason := ExitAllowedAt(snap.Now); !ok {
			return deferred(reason)
		}
		return allow()
	}

	if !EntryAllowedAt(snap.Now) {
		return deny("MARKET_CLOSED")
	}

	if v := r.checkPerTradeLoss(snap); !v.Allowed {
		return v
	}
	if v := r.checkDailyLoss(snap); !v.Allowed {
		return v
	}
	if r.cfg.MaxConsecutiveLosses > 0 && snap.ConsecutiveLosses >= r.cfg.MaxConsecutiveLosses {
		return deny("CONSECUTIVE_LOSSES")
	}
	if r.cfg.DailyMaxTrades > 0 && len(snap.TradesToday) >= r.cfg.DailyMaxTrades {
		return deny("DAILY_TRADE_LIMIT")
	}
	return allow()
}

func (r *RiskController) checkPerTradeLoss(snap RiskSnapshot) RiskVerdict {
	if r.cfg.PerTradeMaxLossPct <= 0 || snap.LastClosedTrade == nil {
		return allow()
	}
	if snap.LastClosedTrade.PnLPct <= -r.cfg.PerTradeMaxLossPct {
		return deny("PER_TRADE_LOSS")
	}
	return allow()
}

func (r *RiskController) checkDailyLoss(snap RiskSnapshot) RiskVerdict {
	if r.cfg.DailyMaxLossPct <= 0 || snap.StartingEquity <= 0 {
		return allow()
	}
	realized := 0.0
	for _, t := range snap.TradesToday {
		if t.Side == types.SideSell {
			realized += t.PnL
		}
	}
	if realized <= -snap.StartingEquity*r.cfg.DailyMaxLossPct/100 {
		return deny("DAILY_LOSS_LIMIT")
	}
	return allow()
}

func (r *RiskController) checkCumulativeDrawdown(snap RiskSnapshot) RiskVerdict {
	if r.cfg.CumulativeDDPct <= 0 || snap.InitialEquity <= 0 || snap.CurrentEquity <= 0 {
		return allow()
	}
	dd := (snap.InitialEquity - snap.CurrentEquity) / snap.InitialEquity * 100
	if dd < r.cfg.CumulativeDDPct {
		return allow()
	}

	if r.killSwitch != nil && !r.killSwitch.Engaged() {
		reason := fmt.Sprintf("cumulative drawdown %.2f%% >= %.2f%%", dd, r.cfg.CumulativeDDPct)
		if err := r.killSwitch.Engage(reason); err != nil {
			logger.Errorf("risk: kill switch engage failed err=%v", err)
		}
		r.notify.Notify(notifier.Event{
			Severity: notifier.SeverityError,
			Kind:     "CUMULATIVE_DRAWDOWN",
			Payload: map[string]any{
				"mode":           r.mode,
				"drawdown_pct":   fmt.Sprintf("%.2f", dd),
				"limit_pct":      fmt.Sprintf("%.2f", r.cfg.CumulativeDDPct),
				"initial_equity": snap.InitialEquity,
				"current_equity": snap.CurrentEquity,
			},
		})
	}
	return deny("CUMULATIVE_DRAWDOWN")
}

// consecutiveLosses counts losing SELL trades from the end of today's trade
// list until the first winner.
func consecutiveLosses(trades []store.TradeRecord) int {
	count := 0
	for i := len(trades) - 1; i >= 0; i-- {
		if trades[i].Side != types.SideSell {
			continue
		}
		if trades[i].PnL >= 0 {
			break
		}
		count++
	}
	return count
}
