package patch

import (
	"fmt"
	"sync"

	"github.com/tetratelabs/jitlink/internal/memory"
)

// DataArea is the memory shared by generated code and the runtime which holds the words of the patch
// sites. Words are handed out by a bump allocator and never reused.
type DataArea struct {
	region *memory.Region

	mu   sync.Mutex
	next uint64
}

// NewDataArea returns an empty DataArea of size bytes at base.
func NewDataArea(base, size uint64) *DataArea {
	return &DataArea{region: memory.NewRegion("data", base, size), next: base}
}

// Region returns the memory of the area.
func (d *DataArea) Region() *memory.Region {
	return d.region
}

// Allocate returns the address of n consecutive zeroed words.
func (d *DataArea) Allocate(n int) (uint64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("BUG: allocation of %d words", n)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	size := uint64(n) * 8
	if end := d.region.Base() + d.region.Size(); d.next+size > end {
		return 0, fmt.Errorf("%w: %d words requested, %d bytes left", ErrDataAreaExhausted, n, end-d.next)
	}
	addr := d.next
	d.next += size
	return addr, nil
}

// Used returns the number of bytes allocated.
func (d *DataArea) Used() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.next - d.region.Base()
}

// Mark returns the address the next allocation starts at.
func (d *DataArea) Mark() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.next
}

// Rewind zeroes and frees the words in [mark, end), the last ones allocated. It frees nothing and returns
// false if words past end were allocated since.
func (d *DataArea) Rewind(mark, end uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.next != end || mark < d.region.Base() || mark > end {
		return false
	}
	if err := d.region.Zero(mark, end-mark); err != nil {
		return false
	}
	d.next = mark
	return true
}

func (d *DataArea) load(addr uint64) (uint64, error) {
	return d.region.Load(addr, 8)
}

func (d *DataArea) store(addr, v uint64) error {
	return d.region.Store(addr, 8, v)
}

func (d *DataArea) cas(addr, old, new uint64) (bool, error) {
	return d.region.CompareAndSwap(addr, old, new)
}
