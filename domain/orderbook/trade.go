package orderbook

// Trade is one matched fill. It is created once and never mutated.
type Trade struct {
	ID          uint64 `json:"id"`
	BuyOrderID  uint64 `json:"buy_order_id"`
	SellOrderID uint64 `json:"sell_order_id"`
	Buyer       uint64 `json:"buyer"`
	Seller      uint64 `json:"seller"`
	Pair        Pair   `json:"pair"`
	Price       int64  `json:"price"`
	Quantity    int64  `json:"quantity"`
	BuyerFee    int64  `json:"buyer_fee"`
	SellerFee   int64  `json:"seller_fee"`
	TakerSide   Side   `json:"taker_side"`
	Time        int64  `json:"time"`
}

func (t Trade) Notional() int64 {
	return t.Price * t.Quantity
}
