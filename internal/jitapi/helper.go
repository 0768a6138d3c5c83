package jitapi

import "fmt"

// HelperID identifies a runtime helper routine that generated code branches to with a branch-and-link.
// Helpers use their own linkage: every register other than the documented result register is preserved.
type HelperID uint32

const (
	helperInvalid HelperID = iota
	// HelperGrowStack extends the stack by at least the size stored at ThreadOffsets.StackGrowRequiredSize.
	HelperGrowStack
	// HelperThrowCurrentException raises the exception latched at ThreadOffsets.CurrentException. It never returns.
	HelperThrowCurrentException
	// HelperResolveDirectCall resolves an unresolved direct call site and patches it. Result in x16.
	HelperResolveDirectCall
	// HelperResolveVirtualOffset resolves an unresolved dispatch-table offset and patches it. Result in x10.
	HelperResolveVirtualOffset
	// HelperInterfaceCacheMiss performs a full interface lookup and populates an empty inline cache slot. Result in x16.
	HelperInterfaceCacheMiss
	// HelperReleaseVMAccess is the slow path of releasing the permission to touch managed memory.
	HelperReleaseVMAccess
	// HelperAcquireVMAccess is the slow path of re-acquiring the permission; it blocks while a pause is requested.
	HelperAcquireVMAccess
	// HelperCollapseReferenceFrame frees the local reference frame allocated during a native call.
	HelperCollapseReferenceFrame

	helperMax
)

// HelperTableBase is the address at which the helper entry points begin.
// Each helper entry is 16 bytes apart. The table sits right below CodeBase so that every
// helper is in the range of a single branch-and-link from generated code.
const HelperTableBase uint64 = CodeBase - 0x1000

// String implements fmt.Stringer.
func (h HelperID) String() string {
	switch h {
	case HelperGrowStack:
		return "grow_stack"
	case HelperThrowCurrentException:
		return "throw_current_exception"
	case HelperResolveDirectCall:
		return "resolve_direct_call"
	case HelperResolveVirtualOffset:
		return "resolve_virtual_offset"
	case HelperInterfaceCacheMiss:
		return "interface_cache_miss"
	case HelperReleaseVMAccess:
		return "release_vm_access"
	case HelperAcquireVMAccess:
		return "acquire_vm_access"
	case HelperCollapseReferenceFrame:
		return "collapse_reference_frame"
	}
	panic(fmt.Sprintf("BUG: unknown helper %d", uint32(h)))
}

// Address returns the entry point of the helper.
func (h HelperID) Address() uint64 {
	return HelperTableBase + uint64(h)*16
}

// HelperFromAddress returns the helper whose entry point is addr.
func HelperFromAddress(addr uint64) (HelperID, bool) {
	if addr < HelperTableBase || (addr-HelperTableBase)%16 != 0 {
		return helperInvalid, false
	}
	h := HelperID((addr - HelperTableBase) / 16)
	if h == helperInvalid || h >= helperMax {
		return helperInvalid, false
	}
	return h, true
}
