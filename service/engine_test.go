package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchcore/domain/executor"
	"matchcore/domain/ledger"
	"matchcore/domain/matcher"
	"matchcore/domain/orderbook"
	entrywal "matchcore/infra/wal/entry"
	"matchcore/snapshot"
)

const (
	alice uint64 = 1
	bob   uint64 = 2
	carol uint64 = 3
	house uint64 = 999
)

var btcusd = orderbook.Pair{Base: "BTC", Quote: "USD"}

type harness struct {
	eng    *Engine
	wal    *entrywal.WAL
	cancel context.CancelFunc
}

func testConfig() Config {
	var clock atomic.Int64
	return Config{
		FeeAccount: house,
		Clock:      func() int64 { return clock.Add(1) },
		Logger:     zerolog.Nop(),
	}
}

func startEngine(t *testing.T, dir string, cfg Config, st *snapshot.State) *harness {
	t.Helper()
	w, err := entrywal.Open(entrywal.Config{Dir: dir, Mode: entrywal.ModeAlways, Logger: zerolog.Nop()})
	require.NoError(t, err)

	eng := New(cfg, w)
	require.NoError(t, eng.Recover(st))

	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx)
	h := &harness{eng: eng, wal: w, cancel: cancel}
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.eng.Done()
	_ = h.wal.Close()
}

func newHarness(t *testing.T) *harness {
	return startEngine(t, t.TempDir(), testConfig(), nil)
}

func (h *harness) deposit(t *testing.T, account uint64, asset string, amount int64) {
	t.Helper()
	_, err := h.eng.Deposit(context.Background(), account, asset, amount)
	require.NoError(t, err)
}

func (h *harness) limit(t *testing.T, account uint64, side orderbook.Side, price, qty int64) SubmitResult {
	t.Helper()
	res, err := h.eng.SubmitOrder(context.Background(), SubmitOrder{
		Account: account, Pair: btcusd, Side: side, Kind: orderbook.Limit, Price: price, Quantity: qty,
	})
	require.NoError(t, err)
	return res
}

func (h *harness) market(account uint64, side orderbook.Side, qty int64) (SubmitResult, error) {
	return h.eng.SubmitOrder(context.Background(), SubmitOrder{
		Account: account, Pair: btcusd, Side: side, Kind: orderbook.Market, Quantity: qty,
	})
}

func (h *harness) balance(t *testing.T, account uint64, asset string) ledger.Balance {
	t.Helper()
	b, err := h.eng.GetBalance(context.Background(), account, asset)
	require.NoError(t, err)
	return b
}

func (h *harness) capture(t *testing.T) *snapshot.State {
	t.Helper()
	st, err := h.eng.Capture(context.Background())
	require.NoError(t, err)
	st.Created = time.Time{}
	return st
}

func TestLimitCrossFillsBothOrders(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, "USD", 1000)
	h.deposit(t, bob, "BTC", 10)

	buy := h.limit(t, alice, orderbook.Buy, 100, 10)
	assert.Equal(t, orderbook.Open, buy.Status)
	assert.Equal(t, matcher.NoCross, buy.Outcome)
	assert.Equal(t, ledger.Balance{Available: 0, Locked: 1000}, h.balance(t, alice, "USD"))

	sell := h.limit(t, bob, orderbook.Sell, 100, 10)
	assert.Equal(t, orderbook.Filled, sell.Status)
	assert.Equal(t, matcher.Filled, sell.Outcome)
	require.Len(t, sell.Fills, 1)
	assert.Equal(t, Fill{TradeID: 1, Price: 100, Quantity: 10, CounterpartyOrderID: buy.OrderID}, sell.Fills[0])

	assert.Equal(t, ledger.Balance{Available: 10}, h.balance(t, alice, "BTC"))
	assert.Equal(t, ledger.Balance{}, h.balance(t, alice, "USD"))
	assert.Equal(t, ledger.Balance{Available: 1000}, h.balance(t, bob, "USD"))
	assert.Equal(t, ledger.Balance{}, h.balance(t, bob, "BTC"))

	_, err := h.eng.CancelOrder(context.Background(), alice, buy.OrderID)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestFeesGoToFeeAccount(t *testing.T) {
	cfg := testConfig()
	cfg.Fees = executor.FeeSchedule{Default: executor.Rates{
		Maker: decimal.RequireFromString("0.001"),
		Taker: decimal.RequireFromString("0.002"),
	}}
	h := startEngine(t, t.TempDir(), cfg, nil)
	h.deposit(t, alice, "USD", 100_000)
	h.deposit(t, bob, "BTC", 1000)

	h.limit(t, alice, orderbook.Buy, 100, 1000) // maker buyer pays 0.1% of base
	h.limit(t, bob, orderbook.Sell, 100, 1000)  // taker seller pays 0.2% of quote

	assert.Equal(t, int64(999), h.balance(t, alice, "BTC").Available)
	assert.Equal(t, int64(99_800), h.balance(t, bob, "USD").Available)
	assert.Equal(t, int64(1), h.balance(t, house, "BTC").Available)
	assert.Equal(t, int64(200), h.balance(t, house, "USD").Available)
}

func TestMarketSellIntoEmptyBook(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, bob, "BTC", 5)

	res, err := h.market(bob, orderbook.Sell, 5)
	require.NoError(t, err)
	assert.Equal(t, matcher.NoLiquidity, res.Outcome)
	assert.Empty(t, res.Fills)
	assert.Equal(t, orderbook.Cancelled, res.Status)
	assert.Equal(t, ledger.Balance{Available: 5}, h.balance(t, bob, "BTC"))
}

func TestPriceTimePriorityAtMakerPrice(t *testing.T) {
	h := newHarness(t)
	for _, a := range []uint64{alice, carol} {
		h.deposit(t, a, "USD", 10_000)
	}
	h.deposit(t, bob, "BTC", 100)

	first := h.limit(t, alice, orderbook.Buy, 100, 5)
	second := h.limit(t, carol, orderbook.Buy, 100, 5)
	better := h.limit(t, carol, orderbook.Buy, 101, 5)

	res := h.limit(t, bob, orderbook.Sell, 99, 7)
	require.Len(t, res.Fills, 2)
	assert.Equal(t, better.OrderID, res.Fills[0].CounterpartyOrderID)
	assert.Equal(t, int64(101), res.Fills[0].Price)
	assert.Equal(t, first.OrderID, res.Fills[1].CounterpartyOrderID)
	assert.Equal(t, int64(100), res.Fills[1].Price)
	assert.Equal(t, int64(2), res.Fills[1].Quantity)

	// seller receives maker prices, not its own limit
	assert.Equal(t, int64(5*101+2*100), h.balance(t, bob, "USD").Available)

	d, ok := h.eng.Depth(btcusd, 10)
	require.True(t, ok)
	assert.Equal(t, []orderbook.Level{{Price: 100, Quantity: 8, Orders: 2}}, d.Bids)
	assert.Empty(t, d.Asks)

	_, err := h.eng.CancelOrder(context.Background(), carol, second.OrderID)
	require.NoError(t, err)
	d, _ = h.eng.Depth(btcusd, 10)
	assert.Equal(t, []orderbook.Level{{Price: 100, Quantity: 3, Orders: 1}}, d.Bids)
}

func TestLimitBuyBelowLimitReleasesExcess(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, "USD", 1100)
	h.deposit(t, bob, "BTC", 10)

	h.limit(t, bob, orderbook.Sell, 90, 10)
	res := h.limit(t, alice, orderbook.Buy, 110, 10)
	assert.Equal(t, orderbook.Filled, res.Status)
	assert.Equal(t, ledger.Balance{Available: 200}, h.balance(t, alice, "USD"))
}

func TestMarketBuyBudget(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, bob, "BTC", 4)
	h.limit(t, bob, orderbook.Sell, 100, 2)
	h.limit(t, bob, orderbook.Sell, 110, 2)

	h.deposit(t, alice, "USD", 50)
	_, err := h.market(alice, orderbook.Buy, 1)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	h.deposit(t, alice, "USD", 270)
	res, err := h.market(alice, orderbook.Buy, 5)
	require.NoError(t, err)
	assert.Equal(t, matcher.PartiallyFilled, res.Outcome)
	assert.Equal(t, orderbook.Cancelled, res.Status)
	require.Len(t, res.Fills, 2)
	assert.Equal(t, int64(1), res.Fills[1].Quantity)
	assert.Equal(t, ledger.Balance{Available: 10}, h.balance(t, alice, "USD"))
	assert.Equal(t, ledger.Balance{Available: 3}, h.balance(t, alice, "BTC"))
}

func TestSelfTradeSkipLeavesBookCrossed(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, "USD", 1000)
	h.deposit(t, alice, "BTC", 5)
	h.limit(t, alice, orderbook.Sell, 100, 5)

	buy := h.limit(t, alice, orderbook.Buy, 105, 5)
	assert.Equal(t, orderbook.Open, buy.Status)
	assert.Equal(t, matcher.NoCross, buy.Outcome)
	assert.Empty(t, buy.Fills)

	d, err := h.eng.GetOrderBook(context.Background(), btcusd, 1)
	require.NoError(t, err)
	require.Len(t, d.Bids, 1)
	require.Len(t, d.Asks, 1)
	assert.Greater(t, d.Bids[0].Price, d.Asks[0].Price)

	// another account still trades against the best bid first
	h.deposit(t, bob, "BTC", 2)
	sell := h.limit(t, bob, orderbook.Sell, 100, 2)
	require.Len(t, sell.Fills, 1)
	assert.Equal(t, int64(105), sell.Fills[0].Price)
	assert.Equal(t, buy.OrderID, sell.Fills[0].CounterpartyOrderID)
}

func TestRejectionsChangeNothing(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, "USD", 999)
	before := h.capture(t)

	ctx := context.Background()
	cases := []struct {
		name string
		req  SubmitOrder
		err  error
	}{
		{"zero quantity", SubmitOrder{Account: alice, Pair: btcusd, Side: orderbook.Buy, Price: 1}, ErrInvalidOrder},
		{"zero limit price", SubmitOrder{Account: alice, Pair: btcusd, Side: orderbook.Buy, Quantity: 1}, ErrInvalidOrder},
		{"priced market", SubmitOrder{Account: alice, Pair: btcusd, Kind: orderbook.Market, Price: 5, Quantity: 1}, ErrInvalidOrder},
		{"same assets", SubmitOrder{Account: alice, Pair: orderbook.Pair{Base: "USD", Quote: "USD"}, Price: 1, Quantity: 1}, ErrInvalidOrder},
		{"bad side", SubmitOrder{Account: alice, Pair: btcusd, Side: 7, Price: 1, Quantity: 1}, ErrInvalidOrder},
		{"underfunded", SubmitOrder{Account: alice, Pair: btcusd, Side: orderbook.Buy, Price: 100, Quantity: 10}, ErrInsufficientFunds},
		{"no base", SubmitOrder{Account: alice, Pair: btcusd, Side: orderbook.Sell, Price: 100, Quantity: 1}, ErrInsufficientFunds},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.eng.SubmitOrder(ctx, tc.req)
			assert.ErrorIs(t, err, tc.err)
		})
	}

	_, err := h.eng.Deposit(ctx, alice, "USD", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = h.eng.Withdraw(ctx, alice, "USD", 1000)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	_, err = h.eng.Deposit(ctx, alice, "", 5)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	assert.Equal(t, before, h.capture(t))

	// rejected orders never consume ids
	res := h.limit(t, alice, orderbook.Buy, 99, 10)
	assert.Equal(t, uint64(1), res.OrderID)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.deposit(t, alice, "USD", 1000)
	h.deposit(t, bob, "BTC", 4)

	buy := h.limit(t, alice, orderbook.Buy, 100, 10)
	h.limit(t, bob, orderbook.Sell, 100, 4)

	_, err := h.eng.CancelOrder(ctx, bob, buy.OrderID)
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = h.eng.CancelOrder(ctx, alice, 4242)
	assert.ErrorIs(t, err, ErrNotFound)

	res, err := h.eng.CancelOrder(ctx, alice, buy.OrderID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.CancelledQuantity)
	assert.Equal(t, orderbook.Cancelled, res.Order.Status)
	assert.Equal(t, int64(4), res.Order.Filled)
	assert.Equal(t, ledger.Balance{Available: 600}, h.balance(t, alice, "USD"))

	_, err = h.eng.CancelOrder(ctx, alice, buy.OrderID)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
	_, err = h.eng.CancelOrder(ctx, bob, buy.OrderID)
	assert.ErrorIs(t, err, ErrNotOwner)

	d, err := h.eng.GetOrderBook(ctx, btcusd, 0)
	require.NoError(t, err)
	assert.Empty(t, d.Bids)
	assert.Empty(t, d.Asks)
}

func TestConservation(t *testing.T) {
	cfg := testConfig()
	cfg.Fees = executor.FeeSchedule{Default: executor.Rates{
		Maker: decimal.RequireFromString("0.0015"),
		Taker: decimal.RequireFromString("0.003"),
	}}
	h := startEngine(t, t.TempDir(), cfg, nil)
	ctx := context.Background()
	accounts := []uint64{alice, bob, carol}
	for _, a := range accounts {
		h.deposit(t, a, "USD", 1_000_000)
		h.deposit(t, a, "BTC", 10_000)
	}

	for i := 0; i < 300; i++ {
		acct := accounts[i%3]
		side := orderbook.Side(i % 2)
		req := SubmitOrder{Account: acct, Pair: btcusd, Side: side, Kind: orderbook.Limit, Price: int64(95 + i%11), Quantity: int64(1 + i%17)}
		if i%7 == 0 {
			req.Kind, req.Price = orderbook.Market, 0
		}
		_, err := h.eng.SubmitOrder(ctx, req)
		if err != nil {
			require.ErrorIs(t, err, ErrInsufficientFunds)
		}
	}

	totals, err := call(ctx, h.eng, "totals", func() ([2]int64, error) {
		return [2]int64{h.eng.ledger.Total("USD"), h.eng.ledger.Total("BTC")}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3_000_000), totals[0])
	assert.Equal(t, int64(30_000), totals[1])

	// locked funds equal what resting orders still hold
	st := h.capture(t)
	locked := map[string]int64{}
	for _, o := range st.Orders {
		asset := o.Quote
		if orderbook.Side(o.Side) == orderbook.Sell {
			asset = o.Base
		}
		locked[asset] += o.Locked
	}
	for _, b := range st.Balances {
		locked[b.Asset] -= b.Locked
	}
	assert.Zero(t, locked["USD"])
	assert.Zero(t, locked["BTC"])
}

func populate(t *testing.T, h *harness) {
	t.Helper()
	ctx := context.Background()
	h.deposit(t, alice, "USD", 50_000)
	h.deposit(t, bob, "BTC", 500)
	h.deposit(t, carol, "USD", 20_000)
	h.deposit(t, carol, "BTC", 100)

	h.limit(t, alice, orderbook.Buy, 100, 20)
	h.limit(t, carol, orderbook.Buy, 101, 10)
	h.limit(t, bob, orderbook.Sell, 99, 15)
	res := h.limit(t, carol, orderbook.Sell, 105, 30)
	_, err := h.market(alice, orderbook.Buy, 8)
	require.NoError(t, err)
	_, err = h.eng.CancelOrder(ctx, carol, res.OrderID)
	require.NoError(t, err)
	_, err = h.eng.Withdraw(ctx, bob, "USD", 300)
	require.NoError(t, err)
	h.limit(t, bob, orderbook.Sell, 110, 40)
}

func TestReplayRebuildsIdenticalState(t *testing.T) {
	dir := t.TempDir()
	h := startEngine(t, dir, testConfig(), nil)
	populate(t, h)
	want := h.capture(t)
	h.stop()

	h2 := startEngine(t, dir, testConfig(), nil)
	assert.Equal(t, want, h2.capture(t))

	// ids continue where the log left off
	res := h2.limit(t, alice, orderbook.Buy, 50, 1)
	assert.Equal(t, want.LastOrderID+1, res.OrderID)
}

func TestCheckpointThenSuffixReplay(t *testing.T) {
	dir := t.TempDir()
	snaps := &snapshot.Writer{Dir: t.TempDir()}
	h := startEngine(t, dir, testConfig(), nil)
	populate(t, h)

	seq, err := h.eng.Checkpoint(context.Background(), snaps, nil)
	require.NoError(t, err)
	assert.Equal(t, h.wal.LastSeq(), seq)

	h.limit(t, carol, orderbook.Buy, 110, 3)
	h.deposit(t, bob, "USD", 7)
	want := h.capture(t)
	h.stop()

	st, err := snapshot.Load(snaps.Dir)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, seq, st.Seq)

	h2 := startEngine(t, dir, testConfig(), st)
	assert.Equal(t, want, h2.capture(t))
}

func TestReplayDetectsDivergence(t *testing.T) {
	dir := t.TempDir()
	h := startEngine(t, dir, testConfig(), nil)
	h.deposit(t, alice, "USD", 1000)
	h.deposit(t, bob, "BTC", 10)
	buy := h.limit(t, alice, orderbook.Buy, 100, 10)
	h.stop()

	// a sell that crosses the resting buy logged with a quantity matching
	// cannot produce
	w, err := entrywal.Open(entrywal.Config{Dir: dir, Mode: entrywal.ModeAlways, Logger: zerolog.Nop()})
	require.NoError(t, err)
	accepted := &entrywal.OrderAccepted{
		OrderID: buy.OrderID + 1, Account: bob, Base: "BTC", Quote: "USD",
		Side: uint8(orderbook.Sell), Kind: uint8(orderbook.Limit), Price: 100, Quantity: 10, CreatedAt: 10,
	}
	trade := &entrywal.TradeExecuted{
		TradeID: 1, BuyOrderID: buy.OrderID, SellOrderID: buy.OrderID + 1,
		Buyer: alice, Seller: bob, Price: 100, Quantity: 9,
	}
	seq, err := w.Append(
		entrywal.NewRecord(entrywal.RecordOrderAccepted, accepted.Marshal()),
		entrywal.NewRecord(entrywal.RecordTradeExecuted, trade.Marshal()),
	)
	require.NoError(t, err)
	require.NoError(t, w.WaitDurable(context.Background(), seq))
	require.NoError(t, w.Close())

	w, err = entrywal.Open(entrywal.Config{Dir: dir, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer w.Close()
	err = New(testConfig(), w).Recover(nil)
	assert.ErrorIs(t, err, ErrReplayDiverged)
}

func TestReplayKeepsLoggedFeesAfterScheduleChange(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Fees = executor.FeeSchedule{Default: executor.Rates{
		Maker: decimal.RequireFromString("0.01"),
		Taker: decimal.RequireFromString("0.02"),
	}}
	h := startEngine(t, dir, cfg, nil)
	populate(t, h)
	want := h.capture(t)
	require.NotZero(t, h.balance(t, house, "USD").Available)
	h.stop()

	for name, fees := range map[string]executor.FeeSchedule{
		"zero":   {},
		"higher": {Default: executor.Rates{Taker: decimal.RequireFromString("0.001"), Maker: decimal.RequireFromString("0.5")}},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Fees = fees
			h2 := startEngine(t, dir, cfg, nil)
			assert.Equal(t, want, h2.capture(t))
			h2.stop()
		})
	}
}

func TestReplayKeepsLoggedSelfTradeMode(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.SelfTrade = matcher.AllowSelfTrade
	h := startEngine(t, dir, cfg, nil)
	h.deposit(t, alice, "USD", 1000)
	h.deposit(t, alice, "BTC", 10)
	h.limit(t, alice, orderbook.Sell, 100, 5)
	res := h.limit(t, alice, orderbook.Buy, 100, 5)
	require.Equal(t, orderbook.Filled, res.Status)
	want := h.capture(t)
	h.stop()

	// restarted with the default mode, which would have skipped the maker
	h2 := startEngine(t, dir, testConfig(), nil)
	assert.Equal(t, want, h2.capture(t))
}

// failingJournal accepts nothing.
type failingJournal struct {
	mode     entrywal.Mode
	appendOK bool
}

func (j *failingJournal) Append(recs ...*entrywal.Record) (uint64, error) {
	if !j.appendOK {
		return 0, errors.New("disk full")
	}
	return uint64(len(recs)), nil
}

func (j *failingJournal) WaitDurable(context.Context, uint64) error { return errors.New("fsync failed") }
func (j *failingJournal) Replay(uint64, entrywal.ReplayHandler) (uint64, error) {
	return 0, nil
}
func (j *failingJournal) TruncateBefore(uint64) error { return nil }
func (j *failingJournal) LastSeq() uint64             { return 0 }
func (j *failingJournal) EnsureSeq(uint64)            {}
func (j *failingJournal) Mode() entrywal.Mode         { return j.mode }

func TestDurabilityFailureAppliesNothing(t *testing.T) {
	for _, j := range []*failingJournal{
		{mode: entrywal.ModeBatch},
		{mode: entrywal.ModeAlways, appendOK: true},
	} {
		t.Run(j.mode.String(), func(t *testing.T) {
			eng := New(testConfig(), j)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go eng.Run(ctx)

			_, err := eng.Deposit(ctx, alice, "USD", 100)
			assert.ErrorIs(t, err, ErrDurability)
			_, err = eng.SubmitOrder(ctx, SubmitOrder{Account: alice, Pair: btcusd, Side: orderbook.Buy, Kind: orderbook.Market, Quantity: 1})
			assert.ErrorIs(t, err, ErrDurability)

			assert.Equal(t, ledger.Balance{}, eng.Balance(alice, "USD"))
			_, ok := eng.Depth(btcusd, 1)
			assert.False(t, ok)
		})
	}
}

func TestInvariantViolationHaltsOnlyThatPair(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.deposit(t, alice, "USD", 2000)
	h.deposit(t, bob, "BTC", 10)
	h.deposit(t, bob, "ETH", 10)
	h.limit(t, alice, orderbook.Buy, 100, 10)

	// drop the buyer's lock behind the engine's back
	_, err := call(ctx, h.eng, "corrupt", func() (struct{}, error) {
		return struct{}{}, h.eng.ledger.Release(alice, "USD", 1000)
	})
	require.NoError(t, err)

	_, err = h.eng.SubmitOrder(ctx, SubmitOrder{Account: bob, Pair: btcusd, Side: orderbook.Sell, Price: 100, Quantity: 10})
	require.ErrorIs(t, err, ErrPairHalted)
	assert.Equal(t, 1, h.eng.HaltedPairs())

	_, err = h.eng.SubmitOrder(ctx, SubmitOrder{Account: bob, Pair: btcusd, Side: orderbook.Sell, Price: 200, Quantity: 1})
	assert.ErrorIs(t, err, ErrPairHalted)

	ethusd := orderbook.Pair{Base: "ETH", Quote: "USD"}
	res, err := h.eng.SubmitOrder(ctx, SubmitOrder{Account: bob, Pair: ethusd, Side: orderbook.Sell, Price: 50, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, orderbook.Open, res.Status)

	st := h.capture(t)
	require.Len(t, st.Halted, 1)
	assert.Equal(t, "BTC", st.Halted[0].Base)
}

func TestConcurrentCallers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := h.eng.Deposit(ctx, alice, "USD", 1)
				assert.NoError(t, err)
				_ = h.eng.Balance(alice, "USD")
				h.eng.Depth(btcusd, 5)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, ledger.Balance{Available: 400}, h.balance(t, alice, "USD"))
}

func TestStoppedEngineRejectsCalls(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, Idle, h.eng.State())
	h.stop()
	assert.Equal(t, Stopped, h.eng.State())

	_, err := h.eng.Deposit(context.Background(), alice, "USD", 1)
	assert.ErrorIs(t, err, ErrStopped)
	assert.Error(t, h.eng.Run(context.Background()))
}

func TestCallerContextCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.eng.GetBalance(ctx, alice, "USD")
	assert.Error(t, err)
}

func TestAbandonedCommandStillCommits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// keep the engine busy so the deposit waits in the queue
	gate := make(chan struct{})
	go call(ctx, h.eng, "hold", func() (struct{}, error) {
		<-gate
		return struct{}{}, nil
	})
	require.Eventually(t, func() bool { return h.eng.State() == Processing }, time.Second, time.Millisecond)

	callerCtx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() {
		_, err := h.eng.Deposit(callerCtx, alice, "USD", 100)
		errc <- err
	}()
	require.Eventually(t, func() bool { return len(h.eng.cmds) == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	close(gate)

	assert.Equal(t, ledger.Balance{Available: 100}, h.balance(t, alice, "USD"))
	assert.Equal(t, uint64(1), h.wal.LastSeq())
}
