// Package executor applies matcher output to the ledger, the orders and the
// book. Any failure here is an invariant violation; the caller is expected
// to stop matching on the affected pair.
package executor

import (
	"errors"
	"fmt"

	"matchcore/domain/ledger"
	"matchcore/domain/matcher"
	"matchcore/domain/orderbook"
)

var ErrMismatch = errors.New("executor: trades do not match fills")

type Executor struct {
	ledger     *ledger.Ledger
	fees       FeeSchedule
	feeAccount uint64
}

func New(l *ledger.Ledger, fees FeeSchedule, feeAccount uint64) *Executor {
	return &Executor{ledger: l, fees: fees, feeAccount: feeAccount}
}

func (e *Executor) FeeAccount() uint64 { return e.feeAccount }

// Prepare builds one trade per fill without touching any state. Trade ids are
// firstID, firstID+1, ... in fill order.
func (e *Executor) Prepare(taker *orderbook.Order, res matcher.Result, firstID uint64, ts int64) []orderbook.Trade {
	if len(res.Fills) == 0 {
		return nil
	}
	rates := e.fees.For(taker.Pair)
	buyerIsMaker := taker.Side == orderbook.Sell

	trades := make([]orderbook.Trade, len(res.Fills))
	for i, f := range res.Fills {
		t := orderbook.Trade{
			ID:        firstID + uint64(i),
			Pair:      taker.Pair,
			Price:     f.Price,
			Quantity:  f.Quantity,
			TakerSide: taker.Side,
			Time:      ts,
		}
		buy, sell := taker, f.Maker
		if buyerIsMaker {
			buy, sell = f.Maker, taker
		}
		t.BuyOrderID, t.Buyer = buy.ID, buy.Account
		t.SellOrderID, t.Seller = sell.ID, sell.Account
		t.BuyerFee = rates.Fee(f.Quantity, buyerIsMaker)
		t.SellerFee = rates.Fee(t.Notional(), !buyerIsMaker)
		trades[i] = t
	}
	return trades
}

// Apply settles each fill, updates both orders and the book, then rests a
// limit remainder or terminates a market taker. The taker's Locked must
// already hold what was reserved for it.
func (e *Executor) Apply(taker *orderbook.Order, book *orderbook.OrderBook, res matcher.Result, trades []orderbook.Trade) error {
	if len(trades) != len(res.Fills) {
		return fmt.Errorf("%w: %d trades for %d fills", ErrMismatch, len(trades), len(res.Fills))
	}

	for i, f := range res.Fills {
		t := trades[i]
		if t.Quantity != f.Quantity || t.Price != f.Price {
			return fmt.Errorf("%w: trade %d", ErrMismatch, t.ID)
		}
		if err := e.ledger.SettleFill(ledger.Settlement{
			Buyer:      t.Buyer,
			Seller:     t.Seller,
			Base:       t.Pair.Base,
			Quote:      t.Pair.Quote,
			Price:      t.Price,
			Quantity:   t.Quantity,
			BuyerFee:   t.BuyerFee,
			SellerFee:  t.SellerFee,
			FeeAccount: e.feeAccount,
		}); err != nil {
			return fmt.Errorf("executor: settle trade %d: %w", t.ID, err)
		}

		maker := f.Maker
		maker.Locked -= lockUsed(maker, t)
		taker.Locked -= lockUsed(taker, t)
		if maker.Locked < 0 || taker.Locked < 0 {
			return fmt.Errorf("%w: order lock below zero after trade %d", ledger.ErrLockUnderflow, t.ID)
		}

		removed, err := book.Reduce(maker.ID, f.Quantity, f.Price)
		if err != nil {
			return fmt.Errorf("executor: reduce maker %d: %w", maker.ID, err)
		}
		if removed {
			if err := e.releaseLeftover(maker); err != nil {
				return err
			}
		}
		if err := taker.ApplyFill(f.Quantity, f.Price); err != nil {
			return fmt.Errorf("executor: taker %d: %w", taker.ID, err)
		}
	}

	if taker.Side == orderbook.Buy && taker.Kind == orderbook.Limit {
		// fills below the limit price leave more locked than the remainder needs
		if excess := taker.Locked - taker.Price*taker.Remaining(); excess > 0 {
			if err := e.ledger.Release(taker.Account, taker.Pair.Quote, excess); err != nil {
				return fmt.Errorf("executor: release excess for %d: %w", taker.ID, err)
			}
			taker.Locked -= excess
		}
	}

	if taker.Remaining() > 0 {
		if taker.Kind == orderbook.Limit {
			if err := book.Insert(taker); err != nil {
				return fmt.Errorf("executor: rest taker %d: %w", taker.ID, err)
			}
			return nil
		}
		if err := taker.MarkCancelled(); err != nil {
			return err
		}
	}
	return e.releaseLeftover(taker)
}

// Cancel terminates a resting order and returns its remaining lock.
func (e *Executor) Cancel(book *orderbook.OrderBook, id uint64) (*orderbook.Order, int64, error) {
	o, remaining, err := book.Cancel(id)
	if err != nil {
		return nil, 0, err
	}
	if err := o.MarkCancelled(); err != nil {
		return o, remaining, err
	}
	return o, remaining, e.releaseLeftover(o)
}

func lockUsed(o *orderbook.Order, t orderbook.Trade) int64 {
	if o.Side == orderbook.Buy {
		return t.Notional()
	}
	return t.Quantity
}

func (e *Executor) releaseLeftover(o *orderbook.Order) error {
	if o.Locked == 0 {
		return nil
	}
	if err := e.ledger.Release(o.Account, o.LockAsset(), o.Locked); err != nil {
		return fmt.Errorf("executor: release order %d: %w", o.ID, err)
	}
	o.Locked = 0
	return nil
}
