package orderbook

// PriceLevel is a FIFO queue at a single price.
type PriceLevel struct {
	Price int64

	head *Order
	tail *Order

	TotalQty   int64
	OrderCount int
}

func (p *PriceLevel) Enqueue(o *Order) {
	o.level = p
	o.next = nil
	o.prev = p.tail
	if p.tail == nil {
		p.head = o
	} else {
		p.tail.next = o
	}
	p.tail = o
	p.TotalQty += o.Remaining()
	p.OrderCount++
}

// remove unlinks o in O(1). The caller guarantees o belongs to p.
func (p *PriceLevel) remove(o *Order) {
	if o.prev != nil {
		o.prev.next = o.next
	} else {
		p.head = o.next
	}
	if o.next != nil {
		o.next.prev = o.prev
	} else {
		p.tail = o.prev
	}
	p.TotalQty -= o.Remaining()
	p.OrderCount--
	o.level, o.next, o.prev = nil, nil, nil
}

func (p *PriceLevel) Empty() bool {
	return p.head == nil
}

// Read-only helper
func (p *PriceLevel) Head() *Order {
	return p.head
}
