package orderbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var btcusd = Pair{Base: "BTC", Quote: "USD"}

func limit(id uint64, side Side, price, qty int64) *Order {
	return &Order{ID: id, Account: id, Pair: btcusd, Side: side, Kind: Limit, Price: price, Quantity: qty}
}

func TestInsertKeepsBestLevels(t *testing.T) {
	b := NewOrderBook(btcusd)
	require.NoError(t, b.Insert(limit(1, Buy, 99, 1)))
	require.NoError(t, b.Insert(limit(2, Buy, 101, 1)))
	require.NoError(t, b.Insert(limit(3, Sell, 105, 1)))
	require.NoError(t, b.Insert(limit(4, Sell, 103, 1)))

	assert.Equal(t, int64(101), b.BestBid().Price)
	assert.Equal(t, int64(103), b.BestAsk().Price)
	assert.Equal(t, 4, b.Len())
}

func TestInsertRejectsMarketAndDuplicates(t *testing.T) {
	b := NewOrderBook(btcusd)
	m := limit(1, Buy, 0, 1)
	m.Kind = Market
	assert.ErrorIs(t, b.Insert(m), ErrNotRestable)

	require.NoError(t, b.Insert(limit(2, Buy, 100, 1)))
	assert.ErrorIs(t, b.Insert(limit(2, Buy, 100, 1)), ErrDuplicateOrder)

	other := limit(3, Buy, 100, 1)
	other.Pair = Pair{Base: "ETH", Quote: "USD"}
	assert.ErrorIs(t, b.Insert(other), ErrWrongPair)
}

func TestLevelIsFIFOAndCachesTotal(t *testing.T) {
	b := NewOrderBook(btcusd)
	for id := uint64(1); id <= 3; id++ {
		require.NoError(t, b.Insert(limit(id, Sell, 100, int64(id))))
	}
	lvl := b.BestAsk()
	assert.Equal(t, int64(6), lvl.TotalQty)
	assert.Equal(t, 3, lvl.OrderCount)

	var ids []uint64
	for o := lvl.Head(); o != nil; o = o.Next() {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []uint64{1, 2, 3}, ids)
}

func TestReducePartialThenRemove(t *testing.T) {
	b := NewOrderBook(btcusd)
	require.NoError(t, b.Insert(limit(1, Sell, 100, 5)))
	require.NoError(t, b.Insert(limit(2, Sell, 101, 5)))

	removed, err := b.Reduce(1, 2, 100)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, int64(3), b.BestAsk().TotalQty)

	o, _ := b.Get(1)
	assert.Equal(t, PartiallyFilled, o.Status)
	assert.Equal(t, int64(200), o.FilledNotional)

	removed, err = b.Reduce(1, 3, 100)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, Filled, o.Status)
	assert.Equal(t, int64(101), b.BestAsk().Price, "emptied level must be dropped")

	_, ok := b.Get(1)
	assert.False(t, ok)
}

func TestReduceMoreThanRemainingFails(t *testing.T) {
	b := NewOrderBook(btcusd)
	require.NoError(t, b.Insert(limit(1, Buy, 100, 1)))
	_, err := b.Reduce(1, 2, 100)
	assert.Error(t, err)
}

func TestCancelReturnsRemaining(t *testing.T) {
	b := NewOrderBook(btcusd)
	require.NoError(t, b.Insert(limit(1, Buy, 100, 5)))
	require.NoError(t, b.Insert(limit(2, Buy, 100, 5)))
	_, err := b.Reduce(1, 2, 100)
	require.NoError(t, err)

	o, rem, err := b.Cancel(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), o.ID)
	assert.Equal(t, int64(3), rem)
	assert.Equal(t, int64(5), b.BestBid().TotalQty)
	assert.Equal(t, 1, b.BestBid().OrderCount)

	_, _, err = b.Cancel(1)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCancelMiddleOfLevel(t *testing.T) {
	b := NewOrderBook(btcusd)
	for id := uint64(1); id <= 3; id++ {
		require.NoError(t, b.Insert(limit(id, Buy, 100, 1)))
	}
	_, _, err := b.Cancel(2)
	require.NoError(t, err)

	var ids []uint64
	for o := b.BestBid().Head(); o != nil; o = o.Next() {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []uint64{1, 3}, ids)
}

func TestCancelLastOrderMovesBest(t *testing.T) {
	b := NewOrderBook(btcusd)
	require.NoError(t, b.Insert(limit(1, Buy, 100, 1)))
	require.NoError(t, b.Insert(limit(2, Buy, 99, 1)))
	_, _, err := b.Cancel(1)
	require.NoError(t, err)
	assert.Equal(t, int64(99), b.BestBid().Price)
	_, _, err = b.Cancel(2)
	require.NoError(t, err)
	assert.Nil(t, b.BestBid())
}

func TestWalkOppositePriority(t *testing.T) {
	b := NewOrderBook(btcusd)
	require.NoError(t, b.Insert(limit(1, Sell, 103, 1)))
	require.NoError(t, b.Insert(limit(2, Sell, 101, 1)))
	require.NoError(t, b.Insert(limit(3, Buy, 97, 1)))
	require.NoError(t, b.Insert(limit(4, Buy, 99, 1)))

	var asks []int64
	b.WalkOpposite(Buy, func(l *PriceLevel) bool { asks = append(asks, l.Price); return true })
	assert.Equal(t, []int64{101, 103}, asks)

	var bids []int64
	b.WalkOpposite(Sell, func(l *PriceLevel) bool { bids = append(bids, l.Price); return true })
	assert.Equal(t, []int64{99, 97}, bids)
}

func TestDepthAggregates(t *testing.T) {
	b := NewOrderBook(btcusd)
	require.NoError(t, b.Insert(limit(1, Buy, 100, 2)))
	require.NoError(t, b.Insert(limit(2, Buy, 100, 3)))
	require.NoError(t, b.Insert(limit(3, Buy, 98, 1)))
	require.NoError(t, b.Insert(limit(4, Sell, 102, 4)))

	d := b.Depth(1)
	require.Len(t, d.Bids, 1)
	assert.Equal(t, Level{Price: 100, Quantity: 5, Orders: 2}, d.Bids[0])
	assert.Equal(t, []Level{{Price: 102, Quantity: 4, Orders: 1}}, d.Asks)

	all := b.Depth(0)
	assert.Len(t, all.Bids, 2)
	assert.Len(t, all.Truncate(1).Bids, 1)
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	o := limit(1, Buy, 100, 2)
	require.NoError(t, o.ApplyFill(1, 100))
	require.NoError(t, o.ApplyFill(1, 100))
	assert.Equal(t, Filled, o.Status)
	assert.ErrorIs(t, o.MarkCancelled(), ErrIllegalTransition)

	c := limit(2, Buy, 100, 2)
	require.NoError(t, c.MarkCancelled())
	assert.ErrorIs(t, c.MarkCancelled(), ErrIllegalTransition)
	assert.Error(t, c.ApplyFill(1, 100))
}

func TestParsePair(t *testing.T) {
	p, err := ParsePair("SOL/USDT")
	require.NoError(t, err)
	assert.Equal(t, Pair{Base: "SOL", Quote: "USDT"}, p)

	p, err = ParsePair("ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, "ETH/USD", p.String())

	for _, bad := range []string{"", "BTC", "/USD", "BTC/", "USD/USD"} {
		_, err := ParsePair(bad)
		assert.Error(t, err, bad)
	}
}

func TestEnumText(t *testing.T) {
	var s Side
	require.NoError(t, s.UnmarshalText([]byte("ASK")))
	assert.Equal(t, Sell, s)
	assert.Error(t, s.UnmarshalText([]byte("short")))

	var k Kind
	require.NoError(t, k.UnmarshalText([]byte("market")))
	assert.Equal(t, Market, k)

	b, err := PartiallyFilled.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "partially_filled", string(b))

	var st Status
	require.NoError(t, st.UnmarshalText(b))
	assert.Equal(t, PartiallyFilled, st)
	assert.Error(t, st.UnmarshalText([]byte("gone")))
}
