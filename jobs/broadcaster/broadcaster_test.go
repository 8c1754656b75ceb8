package broadcaster

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchcore/domain/orderbook"
	exitwal "matchcore/infra/wal/exit"
)

var pair = orderbook.Pair{Base: "BTC", Quote: "USD"}

type message struct {
	key, value []byte
}

type fakePublisher struct {
	mu     sync.Mutex
	sent   []message
	failAt int // 1-based call number that fails, 0 never
	calls  int
}

func (p *fakePublisher) Publish(_ context.Context, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls == p.failAt {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, message{key: key, value: value})
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func openOutbox(t *testing.T) *exitwal.ExitWAL {
	t.Helper()
	w, err := exitwal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func archive(t *testing.T, outbox *exitwal.ExitWAL, fn func(a *Archiver)) {
	t.Helper()
	a := NewArchiver(outbox, ArchiverConfig{Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	fn(a)
	cancel()
	<-a.Done()
}

func sample(a *Archiver) {
	a.Trades(5, []orderbook.Trade{
		{ID: 1, BuyOrderID: 10, SellOrderID: 11, Pair: pair, Price: 100, Quantity: 2},
		{ID: 2, BuyOrderID: 10, SellOrderID: 12, Pair: pair, Price: 101, Quantity: 1},
	})
	a.Closed(5, orderbook.Order{ID: 10, Account: 1, Pair: pair, Quantity: 3, Filled: 3, Status: orderbook.Filled})
}

func TestArchiveAndPublish(t *testing.T) {
	outbox := openOutbox(t)
	archive(t, outbox, sample)

	n, err := outbox.Count(exitwal.StateNew)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	pub := &fakePublisher{}
	b := New(outbox, pub, Config{Logger: zerolog.Nop()})
	sent, err := b.PublishOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sent)

	acked, err := outbox.Count(exitwal.StateAcked)
	require.NoError(t, err)
	assert.Equal(t, 3, acked)

	require.Len(t, pub.sent, 3)
	var env Envelope
	require.NoError(t, json.Unmarshal(pub.sent[0].value, &env))
	assert.Equal(t, envelopeVersion, env.V)
	assert.Equal(t, "trade", env.Type)
	assert.Equal(t, uint64(5), env.Seq)
	assert.Equal(t, exitwal.EventID(exitwal.KindTrade, 1).String(), env.ID)
	assert.Equal(t, env.ID, string(pub.sent[0].key))

	var tr orderbook.Trade
	require.NoError(t, json.Unmarshal(env.Data, &tr))
	assert.Equal(t, int64(100), tr.Price)

	require.NoError(t, json.Unmarshal(pub.sent[2].value, &env))
	assert.Equal(t, "order", env.Type)
	var o OrderRecord
	require.NoError(t, json.Unmarshal(env.Data, &o))
	assert.Equal(t, orderbook.Filled, o.Status)

	// nothing left to do
	sent, err = b.PublishOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestFailedPublishIsRetriedInOrder(t *testing.T) {
	outbox := openOutbox(t)
	archive(t, outbox, sample)

	pub := &fakePublisher{failAt: 2}
	b := New(outbox, pub, Config{Logger: zerolog.Nop()})
	sent, err := b.PublishOnce(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, sent)

	rec, err := outbox.Get(5, exitwal.KindTrade, 2)
	require.NoError(t, err)
	assert.Equal(t, exitwal.StateFailed, rec.State)
	assert.Equal(t, uint32(1), rec.Retries)

	pending, err := outbox.Count(exitwal.StateNew)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	sent, err = b.PublishOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	require.Len(t, pub.sent, 3)

	var env Envelope
	require.NoError(t, json.Unmarshal(pub.sent[1].value, &env))
	assert.Equal(t, exitwal.EventID(exitwal.KindTrade, 2).String(), env.ID)
}

func TestReplayedEventsAreNotDuplicated(t *testing.T) {
	outbox := openOutbox(t)
	archive(t, outbox, sample)
	archive(t, outbox, sample)

	n, err := outbox.Count(exitwal.StateNew)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestArchiverNeverBlocks(t *testing.T) {
	a := NewArchiver(openOutbox(t), ArchiverConfig{QueueSize: 1, Logger: zerolog.Nop()})
	// no Run: the queue fills after one item
	a.Closed(1, orderbook.Order{ID: 1, Pair: pair})
	a.Closed(2, orderbook.Order{ID: 2, Pair: pair})
	assert.Len(t, a.in, 1)
}

func TestDroppedEventIsArchivedOnReoffer(t *testing.T) {
	outbox := openOutbox(t)
	a := NewArchiver(outbox, ArchiverConfig{QueueSize: 1, BatchInterval: time.Millisecond, Logger: zerolog.Nop()})
	a.Closed(1, orderbook.Order{ID: 1, Pair: pair, Status: orderbook.Filled})
	a.Closed(3, orderbook.Order{ID: 3, Pair: pair, Status: orderbook.Cancelled})
	require.Len(t, a.in, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	stored := func(seq, ref uint64) func() bool {
		return func() bool {
			_, err := outbox.Get(seq, exitwal.KindOrder, ref)
			return err == nil
		}
	}
	require.Eventually(t, stored(1, 1), time.Second, time.Millisecond)
	a.Closed(5, orderbook.Order{ID: 5, Pair: pair, Status: orderbook.Filled})
	require.Eventually(t, stored(5, 5), time.Second, time.Millisecond)

	// replay offers the dropped order again after a newer one was stored
	a.SetBlocking(true)
	a.Closed(3, orderbook.Order{ID: 3, Pair: pair, Status: orderbook.Cancelled})
	cancel()
	<-a.Done()

	rec, err := outbox.Get(3, exitwal.KindOrder, 3)
	require.NoError(t, err)
	assert.Equal(t, exitwal.StateNew, rec.State)
}

func TestSaramaPublisher(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != "payload" {
			return errors.New("unexpected payload")
		}
		return nil
	})
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	pub := WrapSyncProducer(sp, "matchcore.events")
	require.NoError(t, pub.Publish(context.Background(), []byte("k"), []byte("payload")))
	assert.ErrorIs(t, pub.Publish(context.Background(), []byte("k"), []byte("payload")), sarama.ErrOutOfBrokers)
	require.NoError(t, pub.Close())
}
