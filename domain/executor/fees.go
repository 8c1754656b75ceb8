package executor

import (
	"github.com/shopspring/decimal"

	"matchcore/domain/orderbook"
)

// Rates are fractional fees, e.g. 0.001 for 10 bps.
type Rates struct {
	Maker decimal.Decimal
	Taker decimal.Decimal
}

// FeeSchedule resolves rates per pair, falling back to Default.
type FeeSchedule struct {
	Default Rates
	Pairs   map[orderbook.Pair]Rates
}

func (f FeeSchedule) For(p orderbook.Pair) Rates {
	if r, ok := f.Pairs[p]; ok {
		return r
	}
	return f.Default
}

// Fee is floor(amount * rate), clamped to [0, amount].
func (r Rates) Fee(amount int64, maker bool) int64 {
	rate := r.Taker
	if maker {
		rate = r.Maker
	}
	if amount <= 0 || !rate.IsPositive() {
		return 0
	}
	fee := decimal.NewFromInt(amount).Mul(rate).Floor().IntPart()
	return min(max(fee, 0), amount)
}
