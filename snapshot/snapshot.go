package snapshot

import "time"

// State is a self-contained copy of the engine. Orders are listed per pair
// in book priority order so re-inserting them rebuilds identical levels.
type State struct {
	Seq         uint64
	Created     time.Time
	LastOrderID uint64
	LastTradeID uint64

	Balances []BalanceEntry
	Orders   []OrderEntry
	Terminal []TerminalEntry
	Halted   []HaltedEntry
}

type BalanceEntry struct {
	Account   uint64
	Asset     string
	Available int64
	Locked    int64
}

type OrderEntry struct {
	ID             uint64
	Account        uint64
	Base           string
	Quote          string
	Side           int
	Kind           int
	Price          int64
	Quantity       int64
	Filled         int64
	FilledNotional int64
	Status         int
	Locked         int64
	CreatedAt      int64
	Seq            uint64
}

type TerminalEntry struct {
	ID      uint64
	Account uint64
	Status  int
}

type HaltedEntry struct {
	Base   string
	Quote  string
	Reason string
}
