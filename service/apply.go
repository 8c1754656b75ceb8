package service

import (
	"context"
	"fmt"
	"math"

	"matchcore/domain/ledger"
	"matchcore/domain/matcher"
	"matchcore/domain/orderbook"
	entrywal "matchcore/infra/wal/entry"
)

// plan is a fully computed submit that has not touched any state yet.
type plan struct {
	res     matcher.Result
	trades  []orderbook.Trade
	reserve int64
}

func validate(req SubmitOrder) error {
	switch {
	case !req.Pair.Valid():
		return fmt.Errorf("%w: pair %q", ErrInvalidOrder, req.Pair)
	case req.Side != orderbook.Buy && req.Side != orderbook.Sell:
		return fmt.Errorf("%w: side %d", ErrInvalidOrder, req.Side)
	case req.Quantity <= 0:
		return fmt.Errorf("%w: quantity %d", ErrInvalidOrder, req.Quantity)
	}
	switch req.Kind {
	case orderbook.Limit:
		if req.Price <= 0 {
			return fmt.Errorf("%w: limit price %d", ErrInvalidOrder, req.Price)
		}
		if req.Price > math.MaxInt64/req.Quantity {
			return fmt.Errorf("%w: notional of %d@%d overflows", ErrInvalidOrder, req.Quantity, req.Price)
		}
	case orderbook.Market:
		if req.Price != 0 {
			return fmt.Errorf("%w: market orders carry no price", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidOrder, req.Kind)
	}
	return nil
}

func (e *Engine) available() error {
	if e.fatal != nil {
		return fmt.Errorf("%w: %v", ErrHalted, e.fatal)
	}
	return nil
}

func (e *Engine) pairAvailable(p orderbook.Pair) error {
	if err := e.available(); err != nil {
		return err
	}
	if cause, ok := e.halted[p]; ok {
		return fmt.Errorf("%w: %s: %v", ErrPairHalted, p, cause)
	}
	return nil
}

func (e *Engine) book(p orderbook.Pair) *orderbook.OrderBook {
	b, ok := e.books[p]
	if !ok {
		b = orderbook.NewOrderBook(p)
		e.books[p] = b
	}
	return b
}

// persist appends recs and, in always mode, waits until they are durable. Any
// failure means nothing may be applied.
func (e *Engine) persist(recs ...*entrywal.Record) (uint64, error) {
	seq, err := e.journal.Append(recs...)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDurability, err)
	}
	if e.journal.Mode() == entrywal.ModeAlways {
		if err := e.journal.WaitDurable(context.Background(), seq); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrDurability, err)
		}
	}
	return seq, nil
}

// -------------------- Submit --------------------

func (e *Engine) submit(req SubmitOrder) (SubmitResult, error) {
	if err := validate(req); err != nil {
		return SubmitResult{}, err
	}
	if err := e.pairAvailable(req.Pair); err != nil {
		return SubmitResult{}, err
	}

	book := e.book(req.Pair)
	o := e.orders.Get()
	*o = orderbook.Order{
		ID:        e.orderIDs.Peek(),
		Account:   req.Account,
		Pair:      req.Pair,
		Side:      req.Side,
		Kind:      req.Kind,
		Price:     req.Price,
		Quantity:  req.Quantity,
		CreatedAt: e.cfg.Clock(),
	}
	p, err := e.plan(o, book, e.cfg.SelfTrade)
	if err != nil {
		e.orders.Put(o)
		return SubmitResult{}, err
	}

	recs := make([]*entrywal.Record, 0, 1+len(p.trades))
	recs = append(recs, entrywal.NewRecord(entrywal.RecordOrderAccepted, acceptedPayload(o, e.cfg.SelfTrade).Marshal()))
	for _, t := range p.trades {
		recs = append(recs, entrywal.NewRecord(entrywal.RecordTradeExecuted, tradePayload(t).Marshal()))
	}
	if _, err := e.persist(recs...); err != nil {
		e.orders.Put(o)
		return SubmitResult{}, err
	}
	o.Seq = recs[0].Seq
	e.seq = recs[len(recs)-1].Seq
	return e.applySubmit(o, book, p)
}

// plan matches o against book and checks funds without changing anything.
// The same call is made on replay with the logged self-trade mode, so the
// matching depends only on engine state and the log. Fees come from the
// current schedule; replay replaces them with the logged ones.
func (e *Engine) plan(o *orderbook.Order, book *orderbook.OrderBook, selfTrade matcher.SelfTrade) (plan, error) {
	opt := matcher.Options{Budget: matcher.Unlimited, SelfTrade: selfTrade}
	avail := e.ledger.Balance(o.Account, o.LockAsset()).Available

	var reserve int64
	switch {
	case o.Kind == orderbook.Limit && o.Side == orderbook.Buy:
		reserve = o.Price * o.Quantity
	case o.Kind == orderbook.Limit:
		reserve = o.Quantity
	case o.Side == orderbook.Buy:
		opt.Budget = avail
	default:
		reserve = o.Quantity
	}
	if reserve > avail {
		return plan{}, fmt.Errorf("%w: account %d has %d %s available, order needs %d",
			ErrInsufficientFunds, o.Account, avail, o.LockAsset(), reserve)
	}

	res := matcher.Match(o, book, opt)
	if o.Kind == orderbook.Market {
		if o.Side == orderbook.Buy && len(res.Fills) == 0 && res.BudgetExhausted {
			return plan{}, fmt.Errorf("%w: account %d cannot afford one unit at the best ask",
				ErrInsufficientFunds, o.Account)
		}
		// market orders lock only what actually trades
		if o.Side == orderbook.Buy {
			reserve = res.Notional
		} else {
			reserve = res.Quantity()
		}
	}

	return plan{
		res:     res,
		trades:  e.exec.Prepare(o, res, e.tradeIDs.Peek(), o.CreatedAt),
		reserve: reserve,
	}, nil
}

// applySubmit is shared by live processing and replay.
func (e *Engine) applySubmit(o *orderbook.Order, book *orderbook.OrderBook, p plan) (SubmitResult, error) {
	e.orderIDs.Claim(o.ID)
	if n := len(p.trades); n > 0 {
		e.tradeIDs.Claim(p.trades[n-1].ID)
	}

	if err := e.ledger.Reserve(o.Account, o.LockAsset(), p.reserve); err != nil {
		return SubmitResult{}, e.halt(o.Pair, fmt.Errorf("reserve for order %d: %w", o.ID, err))
	}
	o.Locked = p.reserve

	if err := e.exec.Apply(o, book, p.res, p.trades); err != nil {
		return SubmitResult{}, e.halt(o.Pair, err)
	}

	out := SubmitResult{
		OrderID:   o.ID,
		Remaining: o.Remaining(),
		Status:    o.Status,
		Outcome:   p.res.Outcome,
		Fills:     make([]Fill, len(p.trades)),
	}
	for i, t := range p.trades {
		out.Fills[i] = Fill{
			TradeID:             t.ID,
			Price:               t.Price,
			Quantity:            t.Quantity,
			CounterpartyOrderID: p.res.Fills[i].Maker.ID,
		}
	}

	if len(p.trades) > 0 {
		e.cfg.Metrics.AddTrades(len(p.trades))
		if e.cfg.Sink != nil {
			e.cfg.Sink.Trades(e.seq, p.trades)
		}
	}
	// retired orders go back to the pool, so nothing below may touch them
	for _, f := range p.res.Fills {
		if f.Maker.Status.Terminal() {
			e.retire(f.Maker)
		}
	}
	if o.Status.Terminal() {
		e.retire(o)
	} else {
		e.live[o.ID] = o
	}
	e.publish(book)
	return out, nil
}

// retire moves an order that can no longer change out of the live set and
// recycles it.
func (e *Engine) retire(o *orderbook.Order) {
	delete(e.live, o.ID)
	e.terminal[o.ID] = terminalOrder{account: o.Account, status: o.Status}
	if e.cfg.Sink != nil {
		e.cfg.Sink.Closed(e.seq, o.Clone())
	}
	e.orders.Put(o)
}

// -------------------- Cancel --------------------

func (e *Engine) lookupCancel(account, id uint64) (*orderbook.Order, error) {
	if err := e.available(); err != nil {
		return nil, err
	}
	if o, ok := e.live[id]; ok {
		if o.Account != account {
			return nil, fmt.Errorf("%w: order %d", ErrNotOwner, id)
		}
		if cause, ok := e.halted[o.Pair]; ok {
			return nil, fmt.Errorf("%w: %s: %v", ErrPairHalted, o.Pair, cause)
		}
		return o, nil
	}
	if t, ok := e.terminal[id]; ok {
		if t.account != account {
			return nil, fmt.Errorf("%w: order %d", ErrNotOwner, id)
		}
		return nil, fmt.Errorf("%w: order %d is %s", ErrAlreadyTerminal, id, t.status)
	}
	return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
}

func (e *Engine) cancel(account, id uint64) (CancelResult, error) {
	o, err := e.lookupCancel(account, id)
	if err != nil {
		return CancelResult{}, err
	}
	rec := entrywal.NewRecord(entrywal.RecordOrderCancelled, (&entrywal.OrderCancelled{OrderID: id, Account: account}).Marshal())
	seq, err := e.persist(rec)
	if err != nil {
		return CancelResult{}, err
	}
	e.seq = seq
	return e.applyCancel(o)
}

func (e *Engine) applyCancel(o *orderbook.Order) (CancelResult, error) {
	book, ok := e.books[o.Pair]
	if !ok {
		return CancelResult{}, e.halt(o.Pair, fmt.Errorf("live order %d has no book", o.ID))
	}
	_, remaining, err := e.exec.Cancel(book, o.ID)
	if err != nil {
		return CancelResult{}, e.halt(o.Pair, fmt.Errorf("cancel order %d: %w", o.ID, err))
	}
	res := CancelResult{OrderID: o.ID, CancelledQuantity: remaining, Order: o.Clone()}
	e.retire(o)
	e.publish(book)
	return res, nil
}

// -------------------- Balance adjustments --------------------

func (e *Engine) adjust(account uint64, asset string, delta int64) (ledger.Balance, error) {
	if err := e.available(); err != nil {
		return ledger.Balance{}, err
	}
	if asset == "" || delta == 0 {
		return ledger.Balance{}, fmt.Errorf("%w: %q %d", ErrInvalidAmount, asset, delta)
	}
	bal := e.ledger.Balance(account, asset)
	if delta < 0 && bal.Available < -delta {
		return ledger.Balance{}, fmt.Errorf("%w: account %d has %d %s available, withdraw %d",
			ErrInsufficientFunds, account, bal.Available, asset, -delta)
	}
	if delta > 0 && bal.Total() > math.MaxInt64-delta {
		return ledger.Balance{}, fmt.Errorf("%w: deposit would overflow", ErrInvalidAmount)
	}

	rec := entrywal.NewRecord(entrywal.RecordBalanceAdjusted,
		(&entrywal.BalanceAdjusted{Account: account, Asset: asset, Delta: delta}).Marshal())
	seq, err := e.persist(rec)
	if err != nil {
		return ledger.Balance{}, err
	}
	e.seq = seq
	return e.applyAdjust(account, asset, delta)
}

func (e *Engine) applyAdjust(account uint64, asset string, delta int64) (ledger.Balance, error) {
	var err error
	if delta > 0 {
		err = e.ledger.Deposit(account, asset, delta)
	} else {
		err = e.ledger.Withdraw(account, asset, -delta)
	}
	if err != nil {
		// logged but not applicable: the ledger no longer matches the log
		e.fatal = fmt.Errorf("adjust %d %s by %d: %w", account, asset, delta, err)
		e.log.Error().Err(e.fatal).Msg("invariant violated; engine halted")
		return ledger.Balance{}, fmt.Errorf("%w: %v", ErrHalted, e.fatal)
	}
	return e.ledger.Balance(account, asset), nil
}

// halt stops matching on p. The book and ledger are left as they are for
// inspection; no further command for p is accepted.
func (e *Engine) halt(p orderbook.Pair, cause error) error {
	if _, ok := e.halted[p]; !ok {
		e.halted[p] = cause
		e.haltedCount.Add(1)
		e.cfg.Metrics.SetHaltedPairs(len(e.halted))
	}
	e.log.Error().Err(cause).Str("pair", p.String()).Uint64("seq", e.seq).Msg("invariant violated; matching halted for pair")
	return fmt.Errorf("%w: %s: %v", ErrPairHalted, p, cause)
}

// -------------------- Payloads --------------------

func acceptedPayload(o *orderbook.Order, selfTrade matcher.SelfTrade) *entrywal.OrderAccepted {
	return &entrywal.OrderAccepted{
		OrderID:   o.ID,
		Account:   o.Account,
		Base:      o.Pair.Base,
		Quote:     o.Pair.Quote,
		Side:      uint8(o.Side),
		Kind:      uint8(o.Kind),
		Price:     o.Price,
		Quantity:  o.Quantity,
		CreatedAt: o.CreatedAt,
		SelfTrade: uint8(selfTrade),
	}
}

func tradePayload(t orderbook.Trade) *entrywal.TradeExecuted {
	return &entrywal.TradeExecuted{
		TradeID:     t.ID,
		BuyOrderID:  t.BuyOrderID,
		SellOrderID: t.SellOrderID,
		Buyer:       t.Buyer,
		Seller:      t.Seller,
		Price:       t.Price,
		Quantity:    t.Quantity,
		BuyerFee:    t.BuyerFee,
		SellerFee:   t.SellerFee,
	}
}
