package patch

import (
	"fmt"

	"github.com/tetratelabs/jitlink/internal/backend"
)

// CallSite is the call cell of an unresolved direct call. The cell initially holds the address of the
// resolve snippet; resolution stores the target in the cell and rewrites the branch-and-link to reach it,
// so that later executions call the target without going through the runtime.
type CallSite struct {
	p       *Patcher
	area    *DataArea
	site    backend.PatchSite
	pc      uint64
	initial uint64
}

// Address returns the address of the call cell.
func (s *CallSite) Address() uint64 { return s.site.Address }

// Method returns the callee.
func (s *CallSite) Method() backend.MethodRef { return s.site.Target }

// Target returns the resolved target, or false if the site is not resolved yet.
func (s *CallSite) Target() (uint64, bool, error) {
	v, err := s.area.load(s.site.Address)
	if err != nil {
		return 0, false, err
	}
	return v, v != s.initial, nil
}

// Resolve resolves the callee with r and patches the site, unless it is already resolved.
// It returns the target in both cases.
func (s *CallSite) Resolve(r Resolver) (uint64, error) {
	if target, ok, err := s.Target(); err != nil || ok {
		return target, err
	}
	target, err := r.ResolveDirect(s.site.Target)
	if err != nil {
		return 0, fmt.Errorf("resolving %s: %w", s.site.Target, err)
	}
	if _, err = s.Set(target); err != nil {
		return 0, err
	}
	return target, nil
}

// Set patches the site to call target. It returns false if the site was already resolved, in which case
// the target must be the same.
func (s *CallSite) Set(target uint64) (patched bool, err error) {
	swapped, err := s.area.cas(s.site.Address, s.initial, target)
	if err != nil {
		return false, err
	}
	if !swapped {
		cur, err := s.area.load(s.site.Address)
		if err != nil {
			return false, err
		}
		if cur != target {
			return false, fmt.Errorf("call site of %s resolved to %#x, then to %#x", s.site.Target, cur, target)
		}
		return false, nil
	}
	if err = s.p.patchCall(s.pc, target); err != nil {
		return false, err
	}
	s.p.stats.CallSiteResolutions.WithLabelValues(s.site.Kind.String()).Inc()
	s.p.log.WithField("method", s.site.Target.String()).WithField("target", fmt.Sprintf("%#x", target)).Debug("resolved direct call site")
	return true, nil
}

// OffsetSite is the dispatch-table offset word of an unresolved virtual call. Zero means unresolved.
type OffsetSite struct {
	p    *Patcher
	area *DataArea
	site backend.PatchSite
}

// Address returns the address of the offset word.
func (s *OffsetSite) Address() uint64 { return s.site.Address }

// Offset returns the resolved offset, or false if the site is not resolved yet.
func (s *OffsetSite) Offset() (int64, bool, error) {
	v, err := s.area.load(s.site.Address)
	return int64(v), v != 0, err
}

// Resolve resolves the dispatch-table offset with r and stores it, unless it is already resolved.
func (s *OffsetSite) Resolve(r Resolver) (int64, error) {
	if off, ok, err := s.Offset(); err != nil || ok {
		return off, err
	}
	off, err := r.ResolveVirtualOffset(s.site.Target)
	if err != nil {
		return 0, fmt.Errorf("resolving %s: %w", s.site.Target, err)
	}
	if off <= 0 {
		return 0, fmt.Errorf("BUG: dispatch-table offset %d of %s", off, s.site.Target)
	}
	swapped, err := s.area.cas(s.site.Address, 0, uint64(off))
	if err != nil {
		return 0, err
	}
	if swapped {
		s.p.stats.CallSiteResolutions.WithLabelValues(s.site.Kind.String()).Inc()
		return off, nil
	}
	// Resolved concurrently.
	cur, _, err := s.Offset()
	return cur, err
}
