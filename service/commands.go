package service

import (
	"matchcore/domain/matcher"
	"matchcore/domain/orderbook"
)

type SubmitOrder struct {
	Account  uint64         `json:"account"`
	Pair     orderbook.Pair `json:"pair"`
	Side     orderbook.Side `json:"side"`
	Kind     orderbook.Kind `json:"kind"`
	Price    int64          `json:"price,omitempty"`
	Quantity int64          `json:"quantity"`
}

type Fill struct {
	TradeID             uint64 `json:"trade_id"`
	Price               int64  `json:"price"`
	Quantity            int64  `json:"quantity"`
	CounterpartyOrderID uint64 `json:"counterparty_order_id"`
}

type SubmitResult struct {
	OrderID   uint64           `json:"order_id"`
	Fills     []Fill           `json:"fills"`
	Remaining int64            `json:"remaining_quantity"`
	Status    orderbook.Status `json:"status"`
	// Outcome separates a market order that found no liquidity from one
	// that traded.
	Outcome matcher.Outcome `json:"outcome"`
}

type CancelResult struct {
	OrderID           uint64          `json:"order_id"`
	CancelledQuantity int64           `json:"cancelled_quantity"`
	Order             orderbook.Order `json:"-"`
}

// command is one unit of work for the engine goroutine.
type command struct {
	name  string
	run   func() (any, error)
	reply chan result
}

type result struct {
	val any
	err error
}
