package orderbook

import (
	"errors"
	"fmt"
	"strings"
)

type Side uint8
type Kind uint8
type Status uint8

const (
	Buy Side = iota
	Sell
)

const (
	Limit Kind = iota
	Market
)

const (
	Open Status = iota
	PartiallyFilled
	Filled
	Cancelled
)

var ErrIllegalTransition = errors.New("orderbook: illegal status transition")

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

func (k Kind) String() string {
	if k == Market {
		return "market"
	}
	return "limit"
}

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "buy", "bid":
		*s = Buy
	case "sell", "ask":
		*s = Sell
	default:
		return fmt.Errorf("orderbook: unknown side %q", b)
	}
	return nil
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "limit":
		*k = Limit
	case "market":
		*k = Market
	default:
		return fmt.Errorf("orderbook: unknown order kind %q", b)
	}
	return nil
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for _, v := range []Status{Open, PartiallyFilled, Filled, Cancelled} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("orderbook: unknown status %q", b)
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == Filled || s == Cancelled
}

// Pair identifies a market by its base and quote asset.
type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

func (p Pair) Valid() bool {
	return p.Base != "" && p.Quote != "" && p.Base != p.Quote
}

// ParsePair accepts "BASE/QUOTE" or "BASE-QUOTE".
func ParsePair(s string) (Pair, error) {
	sep := strings.IndexAny(s, "/-")
	if sep <= 0 || sep == len(s)-1 {
		return Pair{}, fmt.Errorf("orderbook: malformed pair %q", s)
	}
	p := Pair{Base: s[:sep], Quote: s[sep+1:]}
	if !p.Valid() {
		return Pair{}, fmt.Errorf("orderbook: malformed pair %q", s)
	}
	return p, nil
}

// Order is owned by the engine goroutine. Only the executor and explicit
// cancellation mutate it; once terminal it is never touched again.
type Order struct {
	ID       uint64
	Account  uint64
	Pair     Pair
	Side     Side
	Kind     Kind
	Price    int64
	Quantity int64

	Filled         int64
	FilledNotional int64
	Status         Status

	// Locked is what is still reserved against the order: quote for buys,
	// base for sells.
	Locked int64

	CreatedAt int64
	Seq       uint64

	level *PriceLevel
	next  *Order
	prev  *Order
}

func (o *Order) Remaining() int64 {
	return o.Quantity - o.Filled
}

// LockAsset is the asset an order reserves while it is live.
func (o *Order) LockAsset() string {
	if o.Side == Buy {
		return o.Pair.Quote
	}
	return o.Pair.Base
}

// Next walks a price level in arrival order.
func (o *Order) Next() *Order {
	return o.next
}

// ApplyFill records an execution of qty at price.
func (o *Order) ApplyFill(qty, price int64) error {
	if qty <= 0 || qty > o.Remaining() {
		return fmt.Errorf("orderbook: fill %d exceeds remaining %d of order %d", qty, o.Remaining(), o.ID)
	}
	next := PartiallyFilled
	if qty == o.Remaining() {
		next = Filled
	}
	if err := o.transition(next); err != nil {
		return err
	}
	o.Filled += qty
	o.FilledNotional += qty * price
	return nil
}

// MarkCancelled terminates the order; the remaining quantity is abandoned.
func (o *Order) MarkCancelled() error {
	return o.transition(Cancelled)
}

func (o *Order) transition(to Status) error {
	switch o.Status {
	case Open:
		if to != Open {
			o.Status = to
			return nil
		}
	case PartiallyFilled:
		if to == PartiallyFilled || to == Filled || to == Cancelled {
			o.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: order %d %s -> %s", ErrIllegalTransition, o.ID, o.Status, to)
}

// Clone returns a detached copy safe to hand outside the engine goroutine.
func (o *Order) Clone() Order {
	c := *o
	c.level, c.next, c.prev = nil, nil, nil
	return c
}
