package service

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"matchcore/domain/ledger"
	"matchcore/domain/matcher"
	"matchcore/domain/orderbook"
	entrywal "matchcore/infra/wal/entry"
	"matchcore/snapshot"
)

// Recover rebuilds the engine from an optional checkpoint plus every
// committed record after it. It must run before Run.
func (e *Engine) Recover(st *snapshot.State) error {
	if e.running.Load() {
		return errors.New("recover: engine already running")
	}
	start := time.Now()

	var from uint64
	if st != nil {
		if err := e.restore(st); err != nil {
			return fmt.Errorf("recover: checkpoint %d: %w", st.Seq, err)
		}
		from = st.Seq
	}

	n := 0
	last, err := e.journal.Replay(from, func(rec *entrywal.Record) error {
		n++
		return e.replayRecord(rec)
	})
	if err != nil {
		return fmt.Errorf("recover: replay after %d: %w", from, err)
	}
	if ps := e.pending; ps != nil {
		return fmt.Errorf("%w: log ends before trade %d", ErrReplayDiverged, ps.plan.trades[ps.next].ID)
	}
	e.journal.EnsureSeq(e.seq)

	e.log.Info().
		Uint64("checkpoint", from).
		Uint64("last_seq", last).
		Int("records", n).
		Int("resting", len(e.live)).
		Int("halted", len(e.halted)).
		Dur("took", time.Since(start)).
		Msg("state recovered")
	return nil
}

// pendingSubmit is a replayed order whose trade records are still being
// read. It is applied once the last one has been checked.
type pendingSubmit struct {
	order *orderbook.Order
	book  *orderbook.OrderBook
	plan  plan
	next  int
}

func (e *Engine) replayRecord(rec *entrywal.Record) error {
	if ps := e.pending; ps != nil && rec.Type != entrywal.RecordTradeExecuted {
		return fmt.Errorf("%w: seq %d is %s, expected trade %d", ErrReplayDiverged, rec.Seq, rec.Type, ps.plan.trades[ps.next].ID)
	}

	switch rec.Type {
	case entrywal.RecordOrderAccepted:
		var m entrywal.OrderAccepted
		if err := m.Unmarshal(rec.Data); err != nil {
			return fmt.Errorf("seq %d: %w", rec.Seq, err)
		}
		return e.replayAccepted(rec.Seq, &m)

	case entrywal.RecordTradeExecuted:
		var m entrywal.TradeExecuted
		if err := m.Unmarshal(rec.Data); err != nil {
			return fmt.Errorf("seq %d: %w", rec.Seq, err)
		}
		return e.replayTrade(rec.Seq, &m)

	case entrywal.RecordOrderCancelled:
		var m entrywal.OrderCancelled
		if err := m.Unmarshal(rec.Data); err != nil {
			return fmt.Errorf("seq %d: %w", rec.Seq, err)
		}
		e.seq = rec.Seq
		o, ok := e.live[m.OrderID]
		if !ok || o.Account != m.Account {
			return fmt.Errorf("%w: seq %d: cancel of order %d that is not live", ErrReplayDiverged, rec.Seq, m.OrderID)
		}
		if _, halted := e.halted[o.Pair]; halted {
			e.log.Warn().Uint64("seq", rec.Seq).Str("pair", o.Pair.String()).Msg("cancel on halted pair skipped")
			return nil
		}
		if _, err := e.applyCancel(o); err != nil {
			e.log.Warn().Err(err).Uint64("seq", rec.Seq).Msg("replayed cancel halted pair")
		}
		return nil

	case entrywal.RecordBalanceAdjusted:
		var m entrywal.BalanceAdjusted
		if err := m.Unmarshal(rec.Data); err != nil {
			return fmt.Errorf("seq %d: %w", rec.Seq, err)
		}
		e.seq = rec.Seq
		_, err := e.applyAdjust(m.Account, m.Asset, m.Delta)
		return err

	default:
		return fmt.Errorf("seq %d: unexpected record type %s", rec.Seq, rec.Type)
	}
}

// replayAccepted re-runs a logged order. Matching is deterministic, so it
// must produce exactly the trades that follow it in the log.
func (e *Engine) replayAccepted(seq uint64, m *entrywal.OrderAccepted) error {
	req := SubmitOrder{
		Account:  m.Account,
		Pair:     orderbook.Pair{Base: m.Base, Quote: m.Quote},
		Side:     orderbook.Side(m.Side),
		Kind:     orderbook.Kind(m.Kind),
		Price:    m.Price,
		Quantity: m.Quantity,
	}
	if err := validate(req); err != nil {
		return fmt.Errorf("%w: seq %d: %v", ErrReplayDiverged, seq, err)
	}
	e.seq = seq
	if cause, halted := e.halted[req.Pair]; halted {
		e.log.Warn().Uint64("seq", seq).Str("pair", req.Pair.String()).AnErr("cause", cause).Msg("order on halted pair skipped")
		return nil
	}
	if want := e.orderIDs.Peek(); m.OrderID != want {
		return fmt.Errorf("%w: seq %d: order id %d, expected %d", ErrReplayDiverged, seq, m.OrderID, want)
	}

	o := e.orders.Get()
	*o = orderbook.Order{
		ID:        m.OrderID,
		Account:   req.Account,
		Pair:      req.Pair,
		Side:      req.Side,
		Kind:      req.Kind,
		Price:     req.Price,
		Quantity:  req.Quantity,
		CreatedAt: m.CreatedAt,
		Seq:       seq,
	}
	book := e.book(o.Pair)
	p, err := e.plan(o, book, matcher.SelfTrade(m.SelfTrade))
	if err != nil {
		e.orders.Put(o)
		return fmt.Errorf("%w: seq %d: order %d: %v", ErrReplayDiverged, seq, o.ID, err)
	}
	ps := &pendingSubmit{order: o, book: book, plan: p}
	if len(p.trades) == 0 {
		e.finishReplayed(ps)
		return nil
	}
	// trade records follow the order in the same batch
	e.pending = ps
	return nil
}

// replayTrade checks a logged trade against the one matching derived and
// takes its fees from the log, so a changed fee schedule does not alter
// history.
func (e *Engine) replayTrade(seq uint64, m *entrywal.TradeExecuted) error {
	ps := e.pending
	if ps == nil {
		return fmt.Errorf("%w: seq %d: trade %d has no order", ErrReplayDiverged, seq, m.TradeID)
	}
	t := &ps.plan.trades[ps.next]
	if m.TradeID != t.ID || m.BuyOrderID != t.BuyOrderID || m.SellOrderID != t.SellOrderID ||
		m.Buyer != t.Buyer || m.Seller != t.Seller || m.Price != t.Price || m.Quantity != t.Quantity {
		return fmt.Errorf("%w: seq %d: logged trade %+v, derived %+v", ErrReplayDiverged, seq, *m, *tradePayload(*t))
	}
	t.BuyerFee, t.SellerFee = m.BuyerFee, m.SellerFee
	ps.next++
	e.seq = seq
	if ps.next == len(ps.plan.trades) {
		e.pending = nil
		e.finishReplayed(ps)
	}
	return nil
}

// finishReplayed applies a replayed order at the sequence of its last
// record, as the live run did.
func (e *Engine) finishReplayed(ps *pendingSubmit) {
	if _, err := e.applySubmit(ps.order, ps.book, ps.plan); err != nil {
		e.log.Warn().Err(err).Uint64("seq", e.seq).Msg("replayed order halted pair")
	}
}

// restore loads a checkpoint into an empty engine.
func (e *Engine) restore(st *snapshot.State) error {
	entries := make([]ledger.Entry, len(st.Balances))
	for i, b := range st.Balances {
		entries[i] = ledger.Entry{
			Key:     ledger.Key{Account: b.Account, Asset: b.Asset},
			Balance: ledger.Balance{Available: b.Available, Locked: b.Locked},
		}
	}
	if err := e.ledger.Restore(entries); err != nil {
		return err
	}

	e.books = make(map[orderbook.Pair]*orderbook.OrderBook)
	e.live = make(map[uint64]*orderbook.Order, len(st.Orders))
	for _, oe := range st.Orders {
		o := &orderbook.Order{
			ID:             oe.ID,
			Account:        oe.Account,
			Pair:           orderbook.Pair{Base: oe.Base, Quote: oe.Quote},
			Side:           orderbook.Side(oe.Side),
			Kind:           orderbook.Kind(oe.Kind),
			Price:          oe.Price,
			Quantity:       oe.Quantity,
			Filled:         oe.Filled,
			FilledNotional: oe.FilledNotional,
			Status:         orderbook.Status(oe.Status),
			Locked:         oe.Locked,
			CreatedAt:      oe.CreatedAt,
			Seq:            oe.Seq,
		}
		if err := e.book(o.Pair).Insert(o); err != nil {
			return err
		}
		e.live[o.ID] = o
	}

	e.terminal = make(map[uint64]terminalOrder, len(st.Terminal))
	for _, t := range st.Terminal {
		e.terminal[t.ID] = terminalOrder{account: t.Account, status: orderbook.Status(t.Status)}
	}
	e.halted = make(map[orderbook.Pair]error, len(st.Halted))
	for _, h := range st.Halted {
		e.halted[orderbook.Pair{Base: h.Base, Quote: h.Quote}] = errors.New(h.Reason)
	}
	e.haltedCount.Store(int32(len(e.halted)))
	e.cfg.Metrics.SetHaltedPairs(len(e.halted))

	e.orderIDs.Reset(st.LastOrderID)
	e.tradeIDs.Reset(st.LastTradeID)
	e.seq = st.Seq
	e.journal.EnsureSeq(st.Seq)

	pairs := make([]orderbook.Pair, 0, len(e.books))
	for p := range e.books {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].String() < pairs[j].String() })
	for _, p := range pairs {
		e.publish(e.books[p])
	}
	return nil
}
