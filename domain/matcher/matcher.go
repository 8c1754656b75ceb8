// Package matcher computes price-time priority fills for an incoming order.
// It reads the book but never mutates the book or any order.
package matcher

import (
	"fmt"
	"math"

	"matchcore/domain/orderbook"
)

type Outcome uint8

const (
	// Filled means the taker has nothing left.
	Filled Outcome = iota
	// PartiallyFilled means at least one fill and some remainder.
	PartiallyFilled
	// NoCross is a limit order that matched nothing.
	NoCross
	// NoLiquidity is a market order that found nothing to trade against.
	NoLiquidity
)

func (o Outcome) String() string {
	switch o {
	case Filled:
		return "filled"
	case PartiallyFilled:
		return "partially_filled"
	case NoCross:
		return "no_cross"
	case NoLiquidity:
		return "no_liquidity"
	default:
		return "unknown"
	}
}

// SelfTrade controls what happens when a taker meets its own resting order.
type SelfTrade uint8

const (
	// SkipMaker leaves the account's own resting orders untouched and keeps
	// walking the book. A limit taker that rests afterwards can leave the
	// book crossed against its own account's orders.
	SkipMaker SelfTrade = iota
	AllowSelfTrade
)

// Unlimited disables the market-buy quote budget.
const Unlimited int64 = math.MaxInt64

type Options struct {
	// Budget caps the quote notional a market buy may spend. Fills are cut
	// down to whole base units. Ignored for every other order.
	Budget    int64
	SelfTrade SelfTrade
}

func DefaultOptions() Options {
	return Options{Budget: Unlimited, SelfTrade: SkipMaker}
}

type Fill struct {
	Maker    *orderbook.Order
	Quantity int64
	Price    int64
}

type Result struct {
	Fills     []Fill
	Remaining int64
	Notional  int64
	Outcome   Outcome

	// BudgetExhausted is set when a market buy stopped because it could not
	// afford the next unit.
	BudgetExhausted bool
	// SkippedSelf counts makers passed over by self-trade prevention.
	SkippedSelf int
}

func (r Result) Quantity() int64 {
	var q int64
	for _, f := range r.Fills {
		q += f.Quantity
	}
	return q
}

// crosses reports whether a limit taker can trade at a maker price.
func crosses(taker *orderbook.Order, price int64) bool {
	if taker.Kind == orderbook.Market {
		return true
	}
	if taker.Side == orderbook.Buy {
		return taker.Price >= price
	}
	return taker.Price <= price
}

// Match walks the opposite side best price first and FIFO within a level.
// Every fill executes at the maker's price.
func Match(taker *orderbook.Order, book *orderbook.OrderBook, opt Options) Result {
	res := Result{Remaining: taker.Remaining()}
	budgeted := taker.Kind == orderbook.Market && taker.Side == orderbook.Buy
	budget := opt.Budget

	book.WalkOpposite(taker.Side, func(lvl *orderbook.PriceLevel) bool {
		if !crosses(taker, lvl.Price) {
			return false
		}
		for m := lvl.Head(); m != nil && res.Remaining > 0; m = m.Next() {
			if opt.SelfTrade == SkipMaker && m.Account == taker.Account {
				res.SkippedSelf++
				continue
			}
			qty := min(res.Remaining, m.Remaining())
			if budgeted {
				if affordable := budget / lvl.Price; affordable < qty {
					qty = affordable
					res.BudgetExhausted = true
				}
				if qty == 0 {
					return false
				}
			}
			notional := lvl.Price * qty
			if res.Notional > math.MaxInt64-notional {
				return false
			}
			res.Fills = append(res.Fills, Fill{Maker: m, Quantity: qty, Price: lvl.Price})
			res.Remaining -= qty
			res.Notional += notional
			if budgeted {
				budget -= notional
			}
			if res.BudgetExhausted {
				return false
			}
		}
		return res.Remaining > 0
	})

	switch {
	case res.Remaining == 0:
		res.Outcome = Filled
	case len(res.Fills) > 0:
		res.Outcome = PartiallyFilled
	case taker.Kind == orderbook.Market:
		res.Outcome = NoLiquidity
	default:
		res.Outcome = NoCross
	}
	return res
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Outcome) UnmarshalText(b []byte) error {
	for _, v := range []Outcome{Filled, PartiallyFilled, NoCross, NoLiquidity} {
		if v.String() == string(b) {
			*o = v
			return nil
		}
	}
	return fmt.Errorf("matcher: unknown outcome %q", b)
}
