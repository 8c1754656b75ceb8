package service

import (
	"context"
	"sort"
	"time"

	"matchcore/domain/orderbook"
	"matchcore/snapshot"
)

// Pruner drops outbox rows that are both acknowledged and covered by a
// checkpoint.
type Pruner interface {
	PruneAcked(upTo uint64) (int, error)
}

// capture copies the full engine state. Engine goroutine only.
func (e *Engine) capture() *snapshot.State {
	st := &snapshot.State{
		Seq:         e.seq,
		Created:     time.Unix(0, e.cfg.Clock()).UTC(),
		LastOrderID: e.orderIDs.Current(),
		LastTradeID: e.tradeIDs.Current(),
	}

	for _, b := range e.ledger.Entries() {
		st.Balances = append(st.Balances, snapshot.BalanceEntry{
			Account:   b.Account,
			Asset:     b.Asset,
			Available: b.Available,
			Locked:    b.Locked,
		})
	}

	pairs := make([]orderbook.Pair, 0, len(e.books))
	for p := range e.books {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].String() < pairs[j].String() })
	for _, p := range pairs {
		bids, asks := e.books[p].Orders()
		for _, o := range append(bids, asks...) {
			st.Orders = append(st.Orders, snapshot.OrderEntry{
				ID:             o.ID,
				Account:        o.Account,
				Base:           o.Pair.Base,
				Quote:          o.Pair.Quote,
				Side:           int(o.Side),
				Kind:           int(o.Kind),
				Price:          o.Price,
				Quantity:       o.Quantity,
				Filled:         o.Filled,
				FilledNotional: o.FilledNotional,
				Status:         int(o.Status),
				Locked:         o.Locked,
				CreatedAt:      o.CreatedAt,
				Seq:            o.Seq,
			})
		}
		if cause, ok := e.halted[p]; ok {
			st.Halted = append(st.Halted, snapshot.HaltedEntry{Base: p.Base, Quote: p.Quote, Reason: cause.Error()})
		}
	}
	// a pair can halt before its book exists
	for p, cause := range e.halted {
		if _, ok := e.books[p]; !ok {
			st.Halted = append(st.Halted, snapshot.HaltedEntry{Base: p.Base, Quote: p.Quote, Reason: cause.Error()})
		}
	}

	for id, t := range e.terminal {
		st.Terminal = append(st.Terminal, snapshot.TerminalEntry{ID: id, Account: t.account, Status: int(t.status)})
	}
	sort.Slice(st.Terminal, func(i, j int) bool { return st.Terminal[i].ID < st.Terminal[j].ID })
	return st
}

// Checkpoint captures the engine, waits until the log covers the captured
// sequence, writes the checkpoint and then drops what it made redundant.
// pruner may be nil.
func (e *Engine) Checkpoint(ctx context.Context, w *snapshot.Writer, pruner Pruner) (uint64, error) {
	st, err := e.Capture(ctx)
	if err != nil {
		return 0, err
	}
	// the checkpoint must never get ahead of the log
	if err := e.journal.WaitDurable(ctx, st.Seq); err != nil {
		return 0, err
	}
	path, err := w.Write(st)
	if err != nil {
		return 0, err
	}
	if err := e.journal.TruncateBefore(st.Seq); err != nil {
		e.log.Warn().Err(err).Uint64("seq", st.Seq).Msg("wal truncate failed")
	}
	if pruner != nil {
		if n, err := pruner.PruneAcked(st.Seq); err != nil {
			e.log.Warn().Err(err).Msg("outbox prune failed")
		} else if n > 0 {
			e.log.Debug().Int("rows", n).Msg("outbox pruned")
		}
	}
	e.log.Info().Uint64("seq", st.Seq).Str("path", path).Int("orders", len(st.Orders)).Msg("checkpoint written")
	return st.Seq, nil
}

// StartSnapshotJob checkpoints every interval until ctx is done. A
// checkpoint with nothing new since the last one is skipped.
func (e *Engine) StartSnapshotJob(ctx context.Context, w *snapshot.Writer, pruner Pruner, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		var last uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			if e.journal.LastSeq() == last {
				continue
			}
			seq, err := e.Checkpoint(ctx, w, pruner)
			if err != nil {
				if ctx.Err() == nil {
					e.log.Error().Err(err).Msg("checkpoint failed")
				}
				continue
			}
			last = seq
		}
	}()
}
