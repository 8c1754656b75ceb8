package orderbook

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateOrder = errors.New("orderbook: duplicate order id")
	ErrOrderNotFound  = errors.New("orderbook: order not found")
	ErrNotRestable    = errors.New("orderbook: only limit orders with remaining quantity may rest")
	ErrWrongPair      = errors.New("orderbook: order belongs to another pair")

	// ErrCorrupted means the id index and the price levels disagree.
	ErrCorrupted = errors.New("orderbook: index and levels disagree")
)

// bookSide is one side of the book with its best level cached.
type bookSide struct {
	side   Side
	levels *RBTree
	best   *PriceLevel
}

func newBookSide(s Side) *bookSide {
	return &bookSide{side: s, levels: NewRBTree()}
}

// better reports whether price a ranks ahead of b on this side.
func (s *bookSide) better(a, b int64) bool {
	if s.side == Buy {
		return a > b
	}
	return a < b
}

func (s *bookSide) levelFor(price int64) *PriceLevel {
	lvl, created := s.levels.GetOrCreate(price)
	if created && (s.best == nil || s.better(price, s.best.Price)) {
		s.best = lvl
	}
	return lvl
}

func (s *bookSide) dropLevel(lvl *PriceLevel) {
	s.levels.Delete(lvl.Price)
	if s.best == lvl {
		s.best = s.recomputeBest()
	}
}

func (s *bookSide) recomputeBest() *PriceLevel {
	if s.side == Buy {
		return s.levels.Max()
	}
	return s.levels.Min()
}

// walk visits levels best price first.
func (s *bookSide) walk(fn func(*PriceLevel) bool) {
	if s.side == Buy {
		s.levels.Descend(fn)
	} else {
		s.levels.Ascend(fn)
	}
}

// OrderBook is single-writer and deterministic. It is not safe for
// concurrent use; readers outside the engine use published Depth views.
type OrderBook struct {
	pair  Pair
	bids  *bookSide
	asks  *bookSide
	index map[uint64]*Order
}

func NewOrderBook(pair Pair) *OrderBook {
	return &OrderBook{
		pair:  pair,
		bids:  newBookSide(Buy),
		asks:  newBookSide(Sell),
		index: make(map[uint64]*Order),
	}
}

func (b *OrderBook) Pair() Pair { return b.pair }

// Len is the number of resting orders.
func (b *OrderBook) Len() int { return len(b.index) }

func (b *OrderBook) sideOf(s Side) *bookSide {
	if s == Buy {
		return b.bids
	}
	return b.asks
}

// Insert rests a limit order behind everything already at its price.
func (b *OrderBook) Insert(o *Order) error {
	if o.Kind != Limit || o.Remaining() <= 0 || o.Status.Terminal() {
		return fmt.Errorf("%w: order %d", ErrNotRestable, o.ID)
	}
	if o.Pair != b.pair {
		return fmt.Errorf("%w: order %d is %s, book is %s", ErrWrongPair, o.ID, o.Pair, b.pair)
	}
	if _, ok := b.index[o.ID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateOrder, o.ID)
	}
	b.sideOf(o.Side).levelFor(o.Price).Enqueue(o)
	b.index[o.ID] = o
	return nil
}

func (b *OrderBook) BestBid() *PriceLevel { return b.bids.best }
func (b *OrderBook) BestAsk() *PriceLevel { return b.asks.best }

// WalkOpposite iterates the levels an incoming order on side s would match
// against, in matching priority. Within a level use Head/Next.
func (b *OrderBook) WalkOpposite(s Side, fn func(*PriceLevel) bool) {
	b.sideOf(s.Opposite()).walk(fn)
}

func (b *OrderBook) Get(id uint64) (*Order, bool) {
	o, ok := b.index[id]
	return o, ok
}

// Reduce fills qty of a resting order at price and removes it, and its level
// if emptied, once nothing remains.
func (b *OrderBook) Reduce(id uint64, qty, price int64) (removed bool, err error) {
	o, lvl, err := b.locate(id)
	if err != nil {
		return false, err
	}
	if err := o.ApplyFill(qty, price); err != nil {
		return false, err
	}
	lvl.TotalQty -= qty
	if o.Remaining() > 0 {
		return false, nil
	}
	b.unlink(o, lvl)
	return true, nil
}

// Cancel removes an order regardless of fill state and returns it with the
// quantity that was still resting. The order's status is left to the caller.
func (b *OrderBook) Cancel(id uint64) (*Order, int64, error) {
	o, lvl, err := b.locate(id)
	if err != nil {
		return nil, 0, err
	}
	remaining := o.Remaining()
	b.unlink(o, lvl)
	return o, remaining, nil
}

func (b *OrderBook) locate(id uint64) (*Order, *PriceLevel, error) {
	o, ok := b.index[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	lvl := o.level
	if lvl == nil || b.sideOf(o.Side).levels.Find(o.Price) != lvl {
		return nil, nil, fmt.Errorf("%w: order %d at %d", ErrCorrupted, id, o.Price)
	}
	return o, lvl, nil
}

func (b *OrderBook) unlink(o *Order, lvl *PriceLevel) {
	lvl.remove(o)
	delete(b.index, o.ID)
	if lvl.Empty() {
		b.sideOf(o.Side).dropLevel(lvl)
	}
}

// Orders returns resting orders per side in priority order.
func (b *OrderBook) Orders() (bids, asks []*Order) {
	collect := func(s *bookSide) []*Order {
		var out []*Order
		s.walk(func(lvl *PriceLevel) bool {
			for o := lvl.Head(); o != nil; o = o.Next() {
				out = append(out, o)
			}
			return true
		})
		return out
	}
	return collect(b.bids), collect(b.asks)
}
