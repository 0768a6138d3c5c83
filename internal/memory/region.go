// Package memory implements the regions of the emulated address space: thread states, stacks,
// the managed heap, the data area of the patch sites and the installed code.
//
// Every access is atomic with respect to every other access of the same word, so that generated
// code running on several threads, the runtime helpers and the patcher can share a region.
package memory

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrOutOfBounds is returned when an access is not entirely within a region.
var ErrOutOfBounds = errors.New("memory access out of bounds")

// ErrUnaligned is returned when an access is not naturally aligned.
var ErrUnaligned = errors.New("unaligned memory access")

// Region is a contiguous range of the address space backed by 64-bit words.
type Region struct {
	name  string
	base  uint64
	words []uint64
}

// NewRegion returns a zeroed region of size bytes at base. Both must be multiples of 8.
func NewRegion(name string, base, size uint64) *Region {
	if base%8 != 0 || size%8 != 0 {
		panic(fmt.Sprintf("BUG: region %s at %#x with size %#x is not word aligned", name, base, size))
	}
	return &Region{name: name, base: base, words: make([]uint64, size/8)}
}

// Name returns the name of the region.
func (r *Region) Name() string {
	return r.name
}

// Base returns the lowest address of the region.
func (r *Region) Base() uint64 {
	return r.base
}

// Size returns the size of the region in bytes.
func (r *Region) Size() uint64 {
	return uint64(len(r.words)) * 8
}

// Contains returns true if the size bytes at addr are within the region.
func (r *Region) Contains(addr uint64, size int) bool {
	return addr >= r.base && addr-r.base+uint64(size) <= r.Size() // no overflow: addr-r.base < 2^63
}

// word returns the word containing addr, and the bit position of addr in it.
func (r *Region) word(addr uint64, size int) (*uint64, uint, error) {
	switch size {
	case 1, 2, 4, 8:
	default:
		return nil, 0, fmt.Errorf("BUG: access of %d bytes", size)
	}
	if !r.Contains(addr, size) {
		return nil, 0, fmt.Errorf("%w: %d bytes at %#x in %s", ErrOutOfBounds, size, addr, r.name)
	}
	if addr%uint64(size) != 0 {
		return nil, 0, fmt.Errorf("%w: %d bytes at %#x in %s", ErrUnaligned, size, addr, r.name)
	}
	off := addr - r.base
	return &r.words[off/8], uint(off%8) * 8, nil
}

// Load returns the size bytes at addr, zero-extended.
func (r *Region) Load(addr uint64, size int) (uint64, error) {
	w, shift, err := r.word(addr, size)
	if err != nil {
		return 0, err
	}
	v := atomic.LoadUint64(w)
	if size == 8 {
		return v, nil
	}
	return (v >> shift) & (1<<(uint(size)*8) - 1), nil
}

// Store writes the low size bytes of v at addr.
func (r *Region) Store(addr uint64, size int, v uint64) error {
	w, shift, err := r.word(addr, size)
	if err != nil {
		return err
	}
	if size == 8 {
		atomic.StoreUint64(w, v)
		return nil
	}
	mask := uint64(1<<(uint(size)*8)-1) << shift
	for {
		old := atomic.LoadUint64(w)
		if atomic.CompareAndSwapUint64(w, old, old&^mask|(v<<shift)&mask) {
			return nil
		}
	}
}

// CompareAndSwap replaces the word at addr with new if it holds old.
func (r *Region) CompareAndSwap(addr, old, new uint64) (bool, error) {
	w, _, err := r.word(addr, 8)
	if err != nil {
		return false, err
	}
	return atomic.CompareAndSwapUint64(w, old, new), nil
}

// LoadWord is Load of 8 bytes for addresses known to be valid. It panics otherwise.
func (r *Region) LoadWord(addr uint64) uint64 {
	v, err := r.Load(addr, 8)
	if err != nil {
		panic(err)
	}
	return v
}

// StoreWord is Store of 8 bytes for addresses known to be valid. It panics otherwise.
func (r *Region) StoreWord(addr, v uint64) {
	if err := r.Store(addr, 8, v); err != nil {
		panic(err)
	}
}

// Zero clears the size bytes at addr, which must be word aligned.
func (r *Region) Zero(addr, size uint64) error {
	for a := addr; a < addr+size; a += 8 {
		if err := r.Store(a, 8, 0); err != nil {
			return err
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (r *Region) String() string {
	return fmt.Sprintf("%s[%#x, %#x)", r.name, r.base, r.base+r.Size())
}
