package engine

import (
	"kistra/internal/types"

	"github.com/shopspring/decimal"
)

// Settlement computes fees and realized pnl in exact decimal arithmetic.
// KRW has no sub-unit, so every charge rounds down to a whole won the way
// the brokerage statements do.
type Settlement struct {
	commissionRate decimal.Decimal
	sellTaxRate    decimal.Decimal
}

func NewSettlement(commissionRate, sellTaxRate float64) Settlement {
	return Settlement{
		commissionRate: decimal.NewFromFloat(commissionRate),
		sellTaxRate:    decimal.NewFromFloat(sellTaxRate),
	}
}

// Fees returns the total charge for one fill: commission on both sides,
// transaction tax on sells only.
func (s Settlement) Fees(side types.Side, price float64, qty int64) float64 {
	gross := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(qty))
	fees := gross.Mul(s.commissionRate).Floor()
	if side == types.SideSell {
		fees = fees.Add(gross.Mul(s.sellTaxRate).Floor())
	}
	f, _ := fees.Float64()
	return f
}

// RealizedPnL returns the net profit of closing qty shares bought at
// entryPrice and sold at exitPrice, with fees on both legs deducted.
func (s Settlement) RealizedPnL(entryPrice, exitPrice float64, qty int64) float64 {
	entry := decimal.NewFromFloat(entryPrice).Mul(decimal.NewFromInt(qty))
	exit := decimal.NewFromFloat(exitPrice).Mul(decimal.NewFromInt(qty))

	buyFees := entry.Mul(s.commissionRate).Floor()
	sellFees := exit.Mul(s.commissionRate).Floor().Add(exit.Mul(s.sellTaxRate).Floor())

	pnl, _ := exit.Sub(entry).Sub(buyFees).Sub(sellFees).Float64()
	return pnl
}

// RealizedPnLPct is RealizedPnL expressed against the entry cost.
func (s Settlement) RealizedPnLPct(entryPrice, exitPrice float64, qty int64) float64 {
	cost := entryPrice * float64(qty)
	if cost <= 0 {
		return 0
	}
	return s.RealizedPnL(entryPrice, exitPrice, qty) / cost * 100
}
