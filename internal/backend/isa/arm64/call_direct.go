package arm64

import (
	"github.com/tetratelabs/jitlink/internal/backend"
	"github.com/tetratelabs/jitlink/internal/jitapi"
)

// directCallBuilder calls a statically known target.
//
// A resolved target is called with a relocated branch-and-link. An unresolved target is called
// through a call cell whose initial target is the resolve snippet:
//
//	    bl [cell]                  ; initially resolve
//	    ...
//	resolve:
//	    mov x12, x30
//	    movz x17, #cell ...
//	    bl resolve_direct_call      ; patches the cell once, target in x16
//	    mov x30, x12
//	    br x16
//
// The helper is linked so that its return address carries a map of the reference arguments. The
// mainline return address is kept aside and restored before the snippet branches to the target,
// so the callee returns right after the mainline call.
type directCallBuilder struct {
	callBase
}

// transfer implements callBuilder.
func (b *directCallBuilder) transfer(m *Machine) {
	target := b.cs.Target
	if target.Resolved {
		m.insertCallAddress(target)
		m.recordSafepoint(b.sm)
		return
	}

	cell := m.allocateData(1)
	resolve, code := m.allocateLabel(), m.allocateLabel()
	m.bindLabel(code)
	m.insert(m.allocateInstr().asCallCell(cell, resolve, target.String()))
	m.recordSafepoint(b.sm)
	m.addPatchSite(backend.PatchSite{Kind: backend.PatchSiteDirectCall, Address: cell, Words: 1, Target: target}, code, resolve)

	helperMap := b.helperMap()
	m.addSnippet(func() {
		m.bindLabel(resolve)
		m.insertMove(scratch3VReg, lrVReg)
		m.insertSiteAddress(cell)
		m.insertHelperCall(jitapi.HelperResolveDirectCall, helperMap)
		m.insertMove(lrVReg, scratch3VReg)
		m.insert(m.allocateInstr().asBranchIndirect(callTargetVReg))
	})
}
