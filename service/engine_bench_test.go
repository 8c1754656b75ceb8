package service

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"matchcore/domain/orderbook"
	entrywal "matchcore/infra/wal/entry"
)

func BenchmarkSubmitOrder_BatchWAL(b *testing.B) {
	w, err := entrywal.Open(entrywal.Config{Dir: b.TempDir(), SegmentSize: 64 << 20, Logger: zerolog.Nop()})
	if err != nil {
		b.Fatal(err)
	}
	defer w.Close()

	eng := New(Config{Logger: zerolog.Nop()}, w)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	for _, a := range []uint64{1, 2} {
		if _, err := eng.Deposit(ctx, a, "USD", 1<<50); err != nil {
			b.Fatal(err)
		}
		if _, err := eng.Deposit(ctx, a, "BTC", 1<<50); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			i++
			side := orderbook.Side(i & 1)
			_, err := eng.SubmitOrder(ctx, SubmitOrder{
				Account:  uint64(1 + i&1),
				Pair:     btcusd,
				Side:     side,
				Kind:     orderbook.Limit,
				Price:    100 + int64(i%5),
				Quantity: 1,
			})
			if err != nil {
				b.Error(err)
				return
			}
		}
	})
}
