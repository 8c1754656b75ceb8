package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"matchcore/domain/executor"
	"matchcore/domain/ledger"
	"matchcore/domain/matcher"
	"matchcore/domain/orderbook"
	"matchcore/infra/memory"
	"matchcore/infra/metrics"
	"matchcore/infra/sequence"
	entrywal "matchcore/infra/wal/entry"
	"matchcore/snapshot"
)

// Journal is the part of the entry WAL the engine depends on.
type Journal interface {
	Append(recs ...*entrywal.Record) (uint64, error)
	WaitDurable(ctx context.Context, seq uint64) error
	Replay(from uint64, fn entrywal.ReplayHandler) (uint64, error)
	TruncateBefore(seq uint64) error
	LastSeq() uint64
	EnsureSeq(seq uint64)
	Mode() entrywal.Mode
}

// Sink receives trades and orders that reached a terminal state, for
// hand-off to external storage. Calls come from the engine goroutine and
// must not block.
type Sink interface {
	Trades(seq uint64, trades []orderbook.Trade)
	Closed(seq uint64, o orderbook.Order)
}

type Config struct {
	QueueSize  int
	ViewDepth  int
	SelfTrade  matcher.SelfTrade
	FeeAccount uint64
	Fees       executor.FeeSchedule

	// Clock returns unix nanoseconds. Defaults to time.Now.
	Clock   func() int64
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Sink    Sink
}

type EngineState int32

const (
	Idle EngineState = iota
	Processing
	Stopped
)

func (s EngineState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Processing:
		return "processing"
	default:
		return "stopped"
	}
}

// terminalOrder is what is kept of an order once it can no longer change.
type terminalOrder struct {
	account uint64
	status  orderbook.Status
}

type Engine struct {
	cfg     Config
	log     zerolog.Logger
	journal Journal

	// engine goroutine only
	ledger   *ledger.Ledger
	exec     *executor.Executor
	books    map[orderbook.Pair]*orderbook.OrderBook
	live     map[uint64]*orderbook.Order
	terminal map[uint64]terminalOrder
	halted   map[orderbook.Pair]error
	fatal    error
	seq      uint64
	pending  *pendingSubmit

	orderIDs *sequence.Sequencer
	tradeIDs *sequence.Sequencer
	orders   *memory.Pool[orderbook.Order]

	views       sync.Map // orderbook.Pair -> *atomic.Pointer[orderbook.Depth]
	state       atomic.Int32
	haltedCount atomic.Int32

	cmds    chan command
	done    chan struct{}
	running atomic.Bool
}

func New(cfg Config, journal Journal) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.ViewDepth <= 0 {
		cfg.ViewDepth = 50
	}
	if cfg.Clock == nil {
		cfg.Clock = func() int64 { return time.Now().UnixNano() }
	}
	l := ledger.New()
	return &Engine{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "engine").Logger(),
		journal:  journal,
		ledger:   l,
		exec:     executor.New(l, cfg.Fees, cfg.FeeAccount),
		books:    make(map[orderbook.Pair]*orderbook.OrderBook),
		live:     make(map[uint64]*orderbook.Order),
		terminal: make(map[uint64]terminalOrder),
		halted:   make(map[orderbook.Pair]error),
		orderIDs: sequence.New(0),
		tradeIDs: sequence.New(0),
		orders:   memory.NewPool[orderbook.Order](),
		cmds:     make(chan command, cfg.QueueSize),
		done:     make(chan struct{}),
	}
}

func (e *Engine) State() EngineState { return EngineState(e.state.Load()) }

// HaltedPairs is safe from any goroutine.
func (e *Engine) HaltedPairs() int { return int(e.haltedCount.Load()) }

// Run processes commands until ctx is done. Recover, if used, must finish
// before Run starts.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}
	defer func() {
		e.state.Store(int32(Stopped))
		close(e.done)
	}()
	e.log.Info().Uint64("seq", e.seq).Int("pairs", len(e.books)).Int("resting", len(e.live)).Msg("engine started")

	for {
		select {
		case <-ctx.Done():
			e.log.Info().Uint64("seq", e.seq).Msg("engine stopped")
			return ctx.Err()
		case cmd := <-e.cmds:
			e.state.Store(int32(Processing))
			start := time.Now()
			val, err := cmd.run()
			e.state.Store(int32(Idle))
			cmd.reply <- result{val: val, err: err}

			e.cfg.Metrics.ObserveCommand(cmd.name, resultLabel(err), time.Since(start))
			e.cfg.Metrics.SetQueueDepth(len(e.cmds))
			if err != nil && userError(err) {
				e.log.Debug().Str("cmd", cmd.name).Err(err).Msg("command rejected")
			}
		}
	}
}

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} { return e.done }

// call queues fn for the engine goroutine and waits for its reply. A caller
// that gives up still leaves the command to complete.
func call[T any](ctx context.Context, e *Engine, name string, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	reply := make(chan result, 1)
	cmd := command{
		name:  name,
		run:   func() (any, error) { return fn() },
		reply: reply,
	}

	select {
	case e.cmds <- cmd:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-e.done:
		return zero, ErrStopped
	}

	select {
	case r := <-reply:
		if r.err != nil {
			return zero, r.err
		}
		return r.val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-e.done:
		select {
		case r := <-reply:
			if r.err != nil {
				return zero, r.err
			}
			return r.val.(T), nil
		default:
			return zero, ErrStopped
		}
	}
}

// -------------------- Commands --------------------

func (e *Engine) SubmitOrder(ctx context.Context, req SubmitOrder) (SubmitResult, error) {
	return call(ctx, e, "submit", func() (SubmitResult, error) { return e.submit(req) })
}

func (e *Engine) CancelOrder(ctx context.Context, account, orderID uint64) (CancelResult, error) {
	return call(ctx, e, "cancel", func() (CancelResult, error) { return e.cancel(account, orderID) })
}

func (e *Engine) Deposit(ctx context.Context, account uint64, asset string, amount int64) (ledger.Balance, error) {
	if amount <= 0 {
		return ledger.Balance{}, fmt.Errorf("%w: deposit %d", ErrInvalidAmount, amount)
	}
	return call(ctx, e, "deposit", func() (ledger.Balance, error) { return e.adjust(account, asset, amount) })
}

func (e *Engine) Withdraw(ctx context.Context, account uint64, asset string, amount int64) (ledger.Balance, error) {
	if amount <= 0 {
		return ledger.Balance{}, fmt.Errorf("%w: withdraw %d", ErrInvalidAmount, amount)
	}
	return call(ctx, e, "withdraw", func() (ledger.Balance, error) { return e.adjust(account, asset, -amount) })
}

// -------------------- Queries --------------------

// GetOrderBook reads through the queue, so it reflects every command
// accepted before it.
func (e *Engine) GetOrderBook(ctx context.Context, pair orderbook.Pair, depth int) (orderbook.Depth, error) {
	return call(ctx, e, "get_book", func() (orderbook.Depth, error) {
		book, ok := e.books[pair]
		if !ok {
			return orderbook.Depth{Pair: pair, Seq: e.seq, Bids: []orderbook.Level{}, Asks: []orderbook.Level{}}, nil
		}
		d := book.Depth(depth)
		d.Seq = e.seq
		return d, nil
	})
}

func (e *Engine) GetBalance(ctx context.Context, account uint64, asset string) (ledger.Balance, error) {
	return call(ctx, e, "get_balance", func() (ledger.Balance, error) {
		return e.ledger.Balance(account, asset), nil
	})
}

// Balance reads the published record without going through the queue. It
// may lag the engine by the command in flight.
func (e *Engine) Balance(account uint64, asset string) ledger.Balance {
	return e.ledger.Balance(account, asset)
}

// Capture returns a checkpoint of the full engine state.
func (e *Engine) Capture(ctx context.Context) (*snapshot.State, error) {
	return call(ctx, e, "capture", func() (*snapshot.State, error) { return e.capture(), nil })
}
