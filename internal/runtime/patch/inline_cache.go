package patch

import (
	"fmt"
	"sync"

	"github.com/tetratelabs/jitlink/internal/backend"
)

// busyClass is stored in the class word of a slot while it is being filled. It never matches a
// receiver class since classes are word aligned.
const busyClass = 1

// InlineCache is the polymorphic inline cache of an interface call: header words followed by a fixed
// number of (class, target) slots. The first header word holds the id of the interface method.
//
// A slot moves from empty to busy to filled and never back: once every slot is filled, misses are
// resolved without patching.
type InlineCache struct {
	p    *Patcher
	area *DataArea
	site backend.PatchSite

	// mu serializes the fillers. Generated code reads the slots without it.
	mu sync.Mutex
}

// Entry is a filled slot of an InlineCache.
type Entry struct {
	Class  backend.ClassID
	Target uint64
}

// Address returns the address of the first word of the cache.
func (c *InlineCache) Address() uint64 { return c.site.Address }

// Slots returns the number of slots of the cache.
func (c *InlineCache) Slots() int { return c.site.Slots }

func (c *InlineCache) slot(i int) uint64 {
	header := c.site.Words - 2*c.site.Slots
	return c.site.Address + uint64(header+2*i)*8
}

// init writes the header of the cache.
func (c *InlineCache) init() error {
	return c.area.store(c.site.Address, uint64(c.site.Target.ID))
}

// Lookup returns the target cached for class.
func (c *InlineCache) Lookup(class backend.ClassID) (uint64, bool, error) {
	for i := 0; i < c.site.Slots; i++ {
		cl, err := c.area.load(c.slot(i))
		if err != nil {
			return 0, false, err
		}
		if cl == uint64(class) {
			target, err := c.area.load(c.slot(i) + 8)
			return target, err == nil, err
		}
	}
	return 0, false, nil
}

// Entries returns the filled slots in order.
func (c *InlineCache) Entries() ([]Entry, error) {
	var ret []Entry
	for i := 0; i < c.site.Slots; i++ {
		cl, err := c.area.load(c.slot(i))
		if err != nil {
			return nil, err
		}
		if cl == 0 || cl == busyClass {
			continue
		}
		target, err := c.area.load(c.slot(i) + 8)
		if err != nil {
			return nil, err
		}
		ret = append(ret, Entry{Class: backend.ClassID(cl), Target: target})
	}
	return ret, nil
}

// Fill caches target for class in the first empty slot. It returns false if class is already cached
// or if no slot is empty.
func (c *InlineCache) Fill(class backend.ClassID, target uint64) (patched bool, err error) {
	if class == 0 || class == busyClass {
		return false, fmt.Errorf("BUG: class %#x cannot be cached", uint64(class))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok, err := c.Lookup(class); err != nil || ok {
		return false, err
	}
	for i := 0; i < c.site.Slots; i++ {
		addr := c.slot(i)
		claimed, err := c.area.cas(addr, 0, busyClass)
		if err != nil {
			return false, err
		}
		if !claimed {
			continue
		}
		// The target is published before the class, so a matching class always has its target.
		if err = c.area.store(addr+8, target); err != nil {
			return false, err
		}
		if err = c.area.store(addr, uint64(class)); err != nil {
			return false, err
		}
		c.p.stats.InlineCacheFills.Inc()
		c.p.log.WithField("method", c.site.Target.String()).WithField("slot", i).Debug("filled inline cache slot")
		return true, nil
	}
	c.p.stats.InlineCacheMisses.Inc()
	return false, nil
}

// Miss handles a miss of the generated code for class: it looks up the implementation with r and caches
// it if a slot is left.
func (c *InlineCache) Miss(r Resolver, class backend.ClassID) (uint64, error) {
	if target, ok, err := c.Lookup(class); err != nil || ok {
		return target, err
	}
	target, err := r.LookupInterface(class, c.site.Target)
	if err != nil {
		return 0, fmt.Errorf("looking up %s for class %#x: %w", c.site.Target, uint64(class), err)
	}
	if _, err = c.Fill(class, target); err != nil {
		return 0, err
	}
	return target, nil
}
