package patch

import (
	"fmt"
	"sync"

	"github.com/tetratelabs/jitlink/internal/backend"
)

// ClassHierarchy answers whether the facts guards depend on still hold.
type ClassHierarchy interface {
	// Holds reports whether cond holds for the classes loaded so far.
	Holds(cond backend.GuardCondition) bool
	// Breaks reports whether loading class breaks cond.
	Breaks(class backend.ClassID, cond backend.GuardCondition) bool
}

// Guard is a devirtualization guard: a data word and a patchable no-op in front of a direct call.
// Tripping it sets the word and turns the no-op into a branch to the full dispatch. A guard is never re-armed.
type Guard struct {
	p        *Patcher
	area     *DataArea
	site     backend.PatchSite
	pc       uint64
	fallback uint64
	owner    string
}

// Address returns the address of the guard word.
func (g *Guard) Address() uint64 { return g.site.Address }

// Owner returns the name of the compiled method the guard belongs to.
func (g *Guard) Owner() string { return g.owner }

// Condition returns the fact the guarded call depends on.
func (g *Guard) Condition() backend.GuardCondition { return *g.site.Guard }

// Tripped returns true once the guard is tripped.
func (g *Guard) Tripped() (bool, error) {
	v, err := g.area.load(g.site.Address)
	return v != 0, err
}

// Trip trips the guard. It returns false if the guard was already tripped.
func (g *Guard) Trip() (bool, error) {
	swapped, err := g.area.cas(g.site.Address, 0, 1)
	if err != nil || !swapped {
		return false, err
	}
	if err = g.p.patchBranch(g.pc, g.fallback); err != nil {
		return false, err
	}
	g.p.stats.GuardTrips.Inc()
	g.p.log.WithField("owner", g.owner).WithField("condition", g.site.Guard.Kind.String()).Debug("tripped guard")
	return true, nil
}

// GuardRegistry holds the armed guards of the installed methods and trips them when class loading
// breaks their condition.
type GuardRegistry struct {
	h ClassHierarchy

	mu     sync.Mutex
	guards []*Guard
}

// NewGuardRegistry returns an empty GuardRegistry consulting h.
func NewGuardRegistry(h ClassHierarchy) *GuardRegistry {
	return &GuardRegistry{h: h}
}

// Register arms g, or trips it right away if its condition no longer holds.
func (r *GuardRegistry) Register(g *Guard) error {
	if g.site.Guard == nil {
		return fmt.Errorf("%w: guard at %#x has no condition", ErrSiteKind, g.site.Address)
	}
	if !r.h.Holds(*g.site.Guard) {
		_, err := g.Trip()
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guards = append(r.guards, g)
	return nil
}

// OnClassLoad must be called when class is loaded, before any of its instances exist. It trips every
// guard whose condition class breaks, and returns their number.
func (r *GuardRegistry) OnClassLoad(class backend.ClassID) (int, error) {
	r.mu.Lock()
	var broken []*Guard
	kept := r.guards[:0]
	for _, g := range r.guards {
		if r.h.Breaks(class, *g.site.Guard) {
			broken = append(broken, g)
		} else {
			kept = append(kept, g)
		}
	}
	r.guards = kept
	r.mu.Unlock()

	tripped := 0
	for _, g := range broken {
		ok, err := g.Trip()
		if err != nil {
			return tripped, err
		}
		if ok {
			tripped++
		}
	}
	return tripped, nil
}

// Unregister drops the guards of owner, whose code is no longer executed.
func (r *GuardRegistry) Unregister(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.guards[:0]
	for _, g := range r.guards {
		if g.owner != owner {
			kept = append(kept, g)
		}
	}
	r.guards = kept
}

// Len returns the number of armed guards.
func (r *GuardRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.guards)
}
