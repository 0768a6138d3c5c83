package backend

import "fmt"

// PatchSiteKind is the kind of run-time patchable location emitted by a call builder.
type PatchSiteKind byte

const (
	PatchSiteInvalid PatchSiteKind = iota
	// PatchSiteDirectCall is the call cell of an unresolved direct call. The cell holds the current target,
	// initially the resolve snippet, and the branch-and-link at CodeOffset is rewritten when it is resolved.
	PatchSiteDirectCall
	// PatchSiteVirtualOffset is the dispatch-table offset word of an unresolved virtual call. Zero means unresolved.
	PatchSiteVirtualOffset
	// PatchSiteInlineCache is the polymorphic inline cache of an interface call.
	PatchSiteInlineCache
	// PatchSiteGuard is the guard word and the patchable no-op of a devirtualized call.
	PatchSiteGuard
)

// String implements fmt.Stringer.
func (k PatchSiteKind) String() string {
	switch k {
	case PatchSiteDirectCall:
		return "direct-call"
	case PatchSiteVirtualOffset:
		return "virtual-offset"
	case PatchSiteInlineCache:
		return "inline-cache"
	case PatchSiteGuard:
		return "guard"
	default:
		return "invalid"
	}
}

// PatchSite describes one patchable location of a compiled method. The data words live in the data area
// shared by generated code and the runtime; the code offsets are relative to the start of the method.
type PatchSite struct {
	Kind PatchSiteKind
	// Address is the address of the first data word of the site.
	Address uint64
	// Words is the number of data words of the site.
	Words int
	// Target is the method the site resolves, or the interface method of an inline cache.
	Target MethodRef
	// Guard is the condition of a PatchSiteGuard.
	Guard *GuardCondition
	// CodeOffset is the offset of the patchable instruction: the call of a direct call site, or the guard no-op.
	CodeOffset int64
	// InitialTargetOffset is the offset of the resolve snippet a direct call cell initially points to,
	// or the offset of the fallback path a tripped guard branches to.
	InitialTargetOffset int64
	// Slots is the number of (class, target) pairs of an inline cache.
	Slots int
}

// String implements fmt.Stringer.
func (p *PatchSite) String() string {
	return fmt.Sprintf("%s@%#x code=%#x target=%s", p.Kind, p.Address, p.CodeOffset, p.Target)
}

// RelocationInfo is a branch-and-link to an absolute address, which is only encodable once the
// address of the method is known.
type RelocationInfo struct {
	// Offset is the offset of the branch-and-link instruction from the start of the method.
	Offset int64
	// Target is the absolute address of the callee.
	Target uint64
}
