package service

import (
	"sync/atomic"

	"matchcore/domain/orderbook"
)

// publish replaces the read-only depth view of book. Readers holding the
// previous view keep a consistent copy.
func (e *Engine) publish(book *orderbook.OrderBook) {
	d := book.Depth(e.cfg.ViewDepth)
	d.Seq = e.seq
	v, ok := e.views.Load(book.Pair())
	if !ok {
		v, _ = e.views.LoadOrStore(book.Pair(), new(atomic.Pointer[orderbook.Depth]))
	}
	v.(*atomic.Pointer[orderbook.Depth]).Store(&d)
}

// Depth returns the last published view of pair, truncated to n levels per
// side. It never blocks the engine and may trail it by the command in
// flight. The view holds at most the configured view depth.
func (e *Engine) Depth(pair orderbook.Pair, n int) (orderbook.Depth, bool) {
	v, ok := e.views.Load(pair)
	if !ok {
		return orderbook.Depth{}, false
	}
	d := v.(*atomic.Pointer[orderbook.Depth]).Load()
	if d == nil {
		return orderbook.Depth{}, false
	}
	return d.Truncate(n), true
}

// Pairs lists every pair with a published view.
func (e *Engine) Pairs() []orderbook.Pair {
	var out []orderbook.Pair
	e.views.Range(func(k, _ any) bool {
		out = append(out, k.(orderbook.Pair))
		return true
	})
	return out
}
