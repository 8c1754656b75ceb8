package entry

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Payloads are encoded in protobuf wire format so fields can be added
// without breaking old segments. Signed values use zigzag.

type OrderAccepted struct {
	OrderID   uint64
	Account   uint64
	Base      string
	Quote     string
	Side      uint8
	Kind      uint8
	Price     int64
	Quantity  int64
	CreatedAt int64
	// SelfTrade is the matcher's self-trade mode when the order was
	// accepted, so replay matches it the same way.
	SelfTrade uint8
}

func (m *OrderAccepted) Marshal() []byte {
	var b []byte
	b = appendUint(b, 1, m.OrderID)
	b = appendUint(b, 2, m.Account)
	b = appendString(b, 3, m.Base)
	b = appendString(b, 4, m.Quote)
	b = appendUint(b, 5, uint64(m.Side))
	b = appendUint(b, 6, uint64(m.Kind))
	b = appendInt(b, 7, m.Price)
	b = appendInt(b, 8, m.Quantity)
	b = appendInt(b, 9, m.CreatedAt)
	b = appendUint(b, 10, uint64(m.SelfTrade))
	return b
}

func (m *OrderAccepted) Unmarshal(b []byte) error {
	*m = OrderAccepted{}
	return walkFields(b, func(f field) {
		switch f.num {
		case 1:
			m.OrderID = f.varint
		case 2:
			m.Account = f.varint
		case 3:
			m.Base = string(f.bytes)
		case 4:
			m.Quote = string(f.bytes)
		case 5:
			m.Side = uint8(f.varint)
		case 6:
			m.Kind = uint8(f.varint)
		case 7:
			m.Price = f.int()
		case 8:
			m.Quantity = f.int()
		case 9:
			m.CreatedAt = f.int()
		case 10:
			m.SelfTrade = uint8(f.varint)
		}
	})
}

type OrderCancelled struct {
	OrderID uint64
	Account uint64
}

func (m *OrderCancelled) Marshal() []byte {
	var b []byte
	b = appendUint(b, 1, m.OrderID)
	b = appendUint(b, 2, m.Account)
	return b
}

func (m *OrderCancelled) Unmarshal(b []byte) error {
	*m = OrderCancelled{}
	return walkFields(b, func(f field) {
		switch f.num {
		case 1:
			m.OrderID = f.varint
		case 2:
			m.Account = f.varint
		}
	})
}

// TradeExecuted is written after the OrderAccepted that produced it. On
// replay it is checked against the trade the engine derives again.
type TradeExecuted struct {
	TradeID     uint64
	BuyOrderID  uint64
	SellOrderID uint64
	Buyer       uint64
	Seller      uint64
	Price       int64
	Quantity    int64
	BuyerFee    int64
	SellerFee   int64
}

func (m *TradeExecuted) Marshal() []byte {
	var b []byte
	b = appendUint(b, 1, m.TradeID)
	b = appendUint(b, 2, m.BuyOrderID)
	b = appendUint(b, 3, m.SellOrderID)
	b = appendUint(b, 4, m.Buyer)
	b = appendUint(b, 5, m.Seller)
	b = appendInt(b, 6, m.Price)
	b = appendInt(b, 7, m.Quantity)
	b = appendInt(b, 8, m.BuyerFee)
	b = appendInt(b, 9, m.SellerFee)
	return b
}

func (m *TradeExecuted) Unmarshal(b []byte) error {
	*m = TradeExecuted{}
	return walkFields(b, func(f field) {
		switch f.num {
		case 1:
			m.TradeID = f.varint
		case 2:
			m.BuyOrderID = f.varint
		case 3:
			m.SellOrderID = f.varint
		case 4:
			m.Buyer = f.varint
		case 5:
			m.Seller = f.varint
		case 6:
			m.Price = f.int()
		case 7:
			m.Quantity = f.int()
		case 8:
			m.BuyerFee = f.int()
		case 9:
			m.SellerFee = f.int()
		}
	})
}

// BalanceAdjusted is a deposit (positive Delta) or withdrawal (negative).
type BalanceAdjusted struct {
	Account uint64
	Asset   string
	Delta   int64
}

func (m *BalanceAdjusted) Marshal() []byte {
	var b []byte
	b = appendUint(b, 1, m.Account)
	b = appendString(b, 2, m.Asset)
	b = appendInt(b, 3, m.Delta)
	return b
}

func (m *BalanceAdjusted) Unmarshal(b []byte) error {
	*m = BalanceAdjusted{}
	return walkFields(b, func(f field) {
		switch f.num {
		case 1:
			m.Account = f.varint
		case 2:
			m.Asset = string(f.bytes)
		case 3:
			m.Delta = f.int()
		}
	})
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	return appendUint(b, num, protowire.EncodeZigZag(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

type field struct {
	num    protowire.Number
	varint uint64
	bytes  []byte
}

func (f field) int() int64 { return protowire.DecodeZigZag(f.varint) }

// walkFields visits varint and length-delimited fields; anything else is
// skipped so newer writers stay readable.
func walkFields(b []byte, fn func(field)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("wal payload: %w", protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("wal payload field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return fmt.Errorf("wal payload field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		fn(f)
	}
	return nil
}
