package broadcaster

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"matchcore/domain/orderbook"
	"matchcore/infra/metrics"
	exitwal "matchcore/infra/wal/exit"
)

const envelopeVersion = 1

// Envelope is the message body published for every outbox row.
type Envelope struct {
	V    int             `json:"v"`
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Seq  uint64          `json:"seq"`
	Data json.RawMessage `json:"data"`
}

// OrderRecord is the stored form of an order that reached a terminal state.
type OrderRecord struct {
	ID             uint64           `json:"id"`
	Account        uint64           `json:"account"`
	Pair           orderbook.Pair   `json:"pair"`
	Side           orderbook.Side   `json:"side"`
	Kind           orderbook.Kind   `json:"kind"`
	Price          int64            `json:"price,omitempty"`
	Quantity       int64            `json:"quantity"`
	Filled         int64            `json:"filled"`
	FilledNotional int64            `json:"filled_notional"`
	Status         orderbook.Status `json:"status"`
	CreatedAt      int64            `json:"created_at"`
}

type ArchiverConfig struct {
	QueueSize     int
	BatchSize     int
	BatchInterval time.Duration
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

type item struct {
	seq  uint64
	kind exitwal.Kind
	ref  uint64
	data any
}

// Archiver receives engine output without blocking the engine while it
// serves. When its queue is full the item is dropped and counted. A dropped
// item is offered again when the entry WAL is next replayed, unless a
// checkpoint has covered its sequence in the meantime.
type Archiver struct {
	outbox   *exitwal.ExitWAL
	cfg      ArchiverConfig
	log      zerolog.Logger
	in       chan item
	done     chan struct{}
	blocking atomic.Bool
}

func NewArchiver(outbox *exitwal.ExitWAL, cfg ArchiverConfig) *Archiver {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 65536
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 10 * time.Millisecond
	}
	return &Archiver{
		outbox: outbox,
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "archiver").Logger(),
		in:     make(chan item, cfg.QueueSize),
		done:   make(chan struct{}),
	}
}

func (a *Archiver) Trades(seq uint64, trades []orderbook.Trade) {
	for _, t := range trades {
		a.offer(item{seq: seq, kind: exitwal.KindTrade, ref: t.ID, data: t})
	}
}

func (a *Archiver) Closed(seq uint64, o orderbook.Order) {
	a.offer(item{seq: seq, kind: exitwal.KindOrder, ref: o.ID, data: OrderRecord{
		ID:             o.ID,
		Account:        o.Account,
		Pair:           o.Pair,
		Side:           o.Side,
		Kind:           o.Kind,
		Price:          o.Price,
		Quantity:       o.Quantity,
		Filled:         o.Filled,
		FilledNotional: o.FilledNotional,
		Status:         o.Status,
		CreatedAt:      o.CreatedAt,
	}})
}

// SetBlocking makes offers wait for queue space instead of dropping. It is
// meant for log replay before the engine serves callers.
func (a *Archiver) SetBlocking(on bool) { a.blocking.Store(on) }

func (a *Archiver) offer(it item) {
	if a.blocking.Load() {
		a.in <- it
		return
	}
	select {
	case a.in <- it:
	default:
		a.cfg.Metrics.OutboxDropped()
		a.log.Warn().Str("kind", it.kind.String()).Uint64("ref", it.ref).Uint64("seq", it.seq).Msg("archive queue full, event dropped")
	}
}

// Run writes batches until ctx is done, then flushes what is queued.
func (a *Archiver) Run(ctx context.Context) {
	defer close(a.done)
	ticker := time.NewTicker(a.cfg.BatchInterval)
	defer ticker.Stop()

	batch := make([]exitwal.Event, 0, a.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		n, err := a.outbox.Append(batch)
		if err != nil {
			a.log.Error().Err(err).Int("events", len(batch)).Msg("outbox append failed")
		} else {
			a.cfg.Metrics.OutboxStored(n)
		}
		batch = batch[:0]
	}
	add := func(it item) {
		ev, err := encode(it)
		if err != nil {
			a.log.Error().Err(err).Uint64("ref", it.ref).Msg("encode event")
			return
		}
		batch = append(batch, ev)
		if len(batch) >= a.cfg.BatchSize {
			flush()
		}
	}

	for {
		select {
		case it := <-a.in:
			add(it)
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case it := <-a.in:
					add(it)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Done is closed once Run has flushed and returned.
func (a *Archiver) Done() <-chan struct{} { return a.done }

func encode(it item) (exitwal.Event, error) {
	data, err := json.Marshal(it.data)
	if err != nil {
		return exitwal.Event{}, err
	}
	id := exitwal.EventID(it.kind, it.ref)
	payload, err := json.Marshal(Envelope{
		V:    envelopeVersion,
		Type: it.kind.String(),
		ID:   id.String(),
		Seq:  it.seq,
		Data: data,
	})
	if err != nil {
		return exitwal.Event{}, err
	}
	return exitwal.NewEvent(it.seq, it.kind, it.ref, payload), nil
}
