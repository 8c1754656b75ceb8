package memory

import "sync"

// Pool is a typed sync.Pool. Objects returned by Get are not reset; the
// caller overwrites them.
type Pool[T any] struct {
	p sync.Pool
}

func NewPool[T any]() *Pool[T] {
	return &Pool[T]{p: sync.Pool{New: func() any { return new(T) }}}
}

func (p *Pool[T]) Get() *T {
	return p.p.Get().(*T)
}

// Put hands v back. Nothing may reference v afterwards.
func (p *Pool[T]) Put(v *T) {
	if v != nil {
		p.p.Put(v)
	}
}
