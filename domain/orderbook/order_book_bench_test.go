package orderbook

import "testing"

func BenchmarkInsertCancel(b *testing.B) {
	book := NewOrderBook(btcusd)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		id := uint64(i + 1)
		o := &Order{ID: id, Pair: btcusd, Side: Side(i & 1), Kind: Limit, Price: 1000 + int64(i%64), Quantity: 1}
		if err := book.Insert(o); err != nil {
			b.Fatal(err)
		}
		if i%2 == 1 {
			if _, _, err := book.Cancel(id); err != nil {
				b.Fatal(err)
			}
		}
	}
}
