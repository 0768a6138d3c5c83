package patch

import (
	"fmt"
	"sync"

	"github.com/tetratelabs/jitlink/internal/backend"
)

// Sites owns the patch sites of every installed method, indexed by the address of their first data word,
// which is what the resolve snippets pass to the runtime helpers.
type Sites struct {
	p      *Patcher
	area   *DataArea
	guards *GuardRegistry

	mu      sync.RWMutex
	byAddr  map[uint64]any
	byOwner map[string][]uint64
}

// NewSites returns an empty Sites.
func NewSites(p *Patcher, area *DataArea, guards *GuardRegistry) *Sites {
	return &Sites{p: p, area: area, guards: guards, byAddr: map[uint64]any{}, byOwner: map[string][]uint64{}}
}

// Guards returns the guard registry of the sites.
func (s *Sites) Guards() *GuardRegistry { return s.guards }

// Install sets up the sites of the method owner installed at base: the call cells point to their resolve
// snippets, the inline caches are emptied and the guards are armed.
func (s *Sites) Install(owner string, base uint64, sites []backend.PatchSite) error {
	var guards []*Guard
	s.mu.Lock()
	for i := range sites {
		ps := sites[i]
		if _, ok := s.byAddr[ps.Address]; ok {
			s.mu.Unlock()
			return fmt.Errorf("BUG: patch site at %#x installed twice", ps.Address)
		}
		var site any
		var err error
		switch ps.Kind {
		case backend.PatchSiteDirectCall:
			cs := &CallSite{p: s.p, area: s.area, site: ps, pc: base + uint64(ps.CodeOffset), initial: base + uint64(ps.InitialTargetOffset)}
			err = s.area.store(ps.Address, cs.initial)
			site = cs
		case backend.PatchSiteVirtualOffset:
			site = &OffsetSite{p: s.p, area: s.area, site: ps}
		case backend.PatchSiteInlineCache:
			c := &InlineCache{p: s.p, area: s.area, site: ps}
			err = c.init()
			site = c
		case backend.PatchSiteGuard:
			g := &Guard{p: s.p, area: s.area, site: ps, pc: base + uint64(ps.CodeOffset), fallback: base + uint64(ps.InitialTargetOffset), owner: owner}
			guards = append(guards, g)
			site = g
		default:
			err = fmt.Errorf("%w: %s", ErrSiteKind, ps.Kind)
		}
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.byAddr[ps.Address] = site
		s.byOwner[owner] = append(s.byOwner[owner], ps.Address)
	}
	s.mu.Unlock()

	for _, g := range guards {
		if err := s.guards.Register(g); err != nil {
			return err
		}
	}
	return nil
}

// Uninstall forgets the sites of owner. The data words are not reused.
func (s *Sites) Uninstall(owner string) {
	s.guards.Unregister(owner)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, addr := range s.byOwner[owner] {
		delete(s.byAddr, addr)
	}
	delete(s.byOwner, owner)
}

func (s *Sites) lookup(addr uint64) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.byAddr[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrUnknownSite, addr)
	}
	return site, nil
}

// CallSite returns the direct call site whose cell is at addr.
func (s *Sites) CallSite(addr uint64) (*CallSite, error) {
	site, err := s.lookup(addr)
	if err != nil {
		return nil, err
	}
	cs, ok := site.(*CallSite)
	if !ok {
		return nil, fmt.Errorf("%w: %#x is not a direct call site", ErrSiteKind, addr)
	}
	return cs, nil
}

// OffsetSite returns the virtual offset site whose word is at addr.
func (s *Sites) OffsetSite(addr uint64) (*OffsetSite, error) {
	site, err := s.lookup(addr)
	if err != nil {
		return nil, err
	}
	os, ok := site.(*OffsetSite)
	if !ok {
		return nil, fmt.Errorf("%w: %#x is not a virtual offset site", ErrSiteKind, addr)
	}
	return os, nil
}

// InlineCache returns the inline cache at addr.
func (s *Sites) InlineCache(addr uint64) (*InlineCache, error) {
	site, err := s.lookup(addr)
	if err != nil {
		return nil, err
	}
	c, ok := site.(*InlineCache)
	if !ok {
		return nil, fmt.Errorf("%w: %#x is not an inline cache", ErrSiteKind, addr)
	}
	return c, nil
}

// Guard returns the guard whose word is at addr.
func (s *Sites) Guard(addr uint64) (*Guard, error) {
	site, err := s.lookup(addr)
	if err != nil {
		return nil, err
	}
	g, ok := site.(*Guard)
	if !ok {
		return nil, fmt.Errorf("%w: %#x is not a guard", ErrSiteKind, addr)
	}
	return g, nil
}
