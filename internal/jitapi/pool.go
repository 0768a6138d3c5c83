package jitapi

const poolPageSize = 64

// Pool hands out *T from fixed-size pages so that the per-method instruction lists
// do not allocate one object per instruction. Reset invalidates every pointer handed out.
type Pool[T any] struct {
	pages []*[poolPageSize]T
	// used is the number of items handed out so far.
	used int
}

// NewPool returns a new, empty Pool.
func NewPool[T any]() Pool[T] {
	return Pool[T]{}
}

// Allocated returns the number of items handed out since the last Reset.
func (p *Pool[T]) Allocated() int {
	return p.used
}

// Allocate returns a zero-valued *T owned by the pool.
func (p *Pool[T]) Allocate() *T {
	page, index := p.used/poolPageSize, p.used%poolPageSize
	if page == len(p.pages) {
		p.pages = append(p.pages, new([poolPageSize]T))
	}
	p.used++
	return &p.pages[page][index]
}

// View returns the i-th item handed out since the last Reset.
func (p *Pool[T]) View(i int) *T {
	if i >= p.used {
		panic("BUG: pool index out of range")
	}
	return &p.pages[i/poolPageSize][i%poolPageSize]
}

// Reset zeroes every item handed out and makes the pages reusable.
func (p *Pool[T]) Reset() {
	var zero T
	for i := 0; i < p.used; i++ {
		p.pages[i/poolPageSize][i%poolPageSize] = zero
	}
	p.used = 0
}
