package orderbook

// Level is an aggregated price level.
type Level struct {
	Price    int64 `json:"price"`
	Quantity int64 `json:"quantity"`
	Orders   int   `json:"orders"`
}

// Depth is an immutable aggregated view of the top of a book.
type Depth struct {
	Pair Pair    `json:"pair"`
	Seq  uint64  `json:"seq"`
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// Depth aggregates up to n levels per side, best first. n <= 0 means all.
func (b *OrderBook) Depth(n int) Depth {
	d := Depth{Pair: b.pair}
	d.Bids = b.bids.aggregate(n)
	d.Asks = b.asks.aggregate(n)
	return d
}

func (s *bookSide) aggregate(n int) []Level {
	out := make([]Level, 0, min(max(n, 0), s.levels.Size()))
	s.walk(func(lvl *PriceLevel) bool {
		out = append(out, Level{Price: lvl.Price, Quantity: lvl.TotalQty, Orders: lvl.OrderCount})
		return n <= 0 || len(out) < n
	})
	return out
}

// Truncate returns a copy limited to n levels per side.
func (d Depth) Truncate(n int) Depth {
	if n <= 0 {
		return d
	}
	out := d
	if len(out.Bids) > n {
		out.Bids = out.Bids[:n:n]
	}
	if len(out.Asks) > n {
		out.Asks = out.Asks[:n:n]
	}
	return out
}
