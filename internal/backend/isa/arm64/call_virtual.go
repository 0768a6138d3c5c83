package arm64

import (
	"github.com/tetratelabs/jitlink/internal/backend"
	"github.com/tetratelabs/jitlink/internal/jitapi"
)

// virtualCallBuilder dispatches through the receiver's dispatch table, unless a cheaper guess is available.
// In order of preference:
//
//   - guarded direct: the optimizer proved the target while a condition holds. The call is preceded by
//     a patchable no-op which becomes a branch to the full dispatch once the condition is broken.
//   - profiled direct: the dominant profiled receiver class is compared inline and its target called directly.
//   - full dispatch: load the class of the receiver, load the entry at the target's offset, branch and link.
type virtualCallBuilder struct {
	callBase
}

// transfer implements callBuilder.
func (b *virtualCallBuilder) transfer(m *Machine) {
	switch {
	case b.cs.Guard != nil:
		b.guardedDirect(m)
	case b.dominantProfile(m) != nil:
		b.profiledDirect(m, b.dominantProfile(m))
	default:
		insertFullVirtualDispatch(m, &b.callBase)
	}
}

// dominantProfile returns the most frequent profiled target if it is frequent enough to be called directly.
func (b *virtualCallBuilder) dominantProfile(m *Machine) *backend.ProfiledTarget {
	if len(b.cs.Profile) == 0 {
		return nil
	}
	p := &b.cs.Profile[0]
	if p.Frequency < m.cfg.MinProfiledCallFrequency || !p.Method.Resolved || p.Class == 0 {
		return nil
	}
	return p
}

//	    nop                   ; guard, patched to "b fallback" when tripped
//	    bl target
//	    b done
//	fallback:
//	    (full dispatch)
//	done:
func (b *virtualCallBuilder) guardedDirect(m *Machine) {
	g := b.cs.Guard
	if !g.Method.Resolved {
		backend.Violatef(backend.ErrInvalidCallSite, "guarded target %s is not resolved", g.Method)
	}
	word := m.allocateData(1)
	code, fallback, done := m.allocateLabel(), m.allocateLabel(), m.allocateLabel()

	m.bindLabel(code)
	m.insert(m.allocateInstr().asGuardNop(word, fallback))
	m.insertCallAddress(g.Method)
	m.recordSafepoint(b.sm)
	m.insert(m.allocateInstr().asBr(done))

	m.bindLabel(fallback)
	insertFullVirtualDispatch(m, &b.callBase)
	m.bindLabel(done)

	m.addPatchSite(backend.PatchSite{Kind: backend.PatchSiteGuard, Address: word, Words: 1, Target: g.Method, Guard: g}, code, fallback)
}

//	    ldr x9, [x0]
//	    movz x10, #class ...
//	    cmp x9, x10
//	    b.ne fallback
//	    bl target
//	    b done
//	fallback:
//	    (full dispatch)
//	done:
func (b *virtualCallBuilder) profiledDirect(m *Machine, p *backend.ProfiledTarget) {
	fallback, done := m.allocateLabel(), m.allocateLabel()
	m.insertLoad(scratch0VReg, x0VReg, 0, 64, false, scratch1VReg)
	m.lowerConstant(scratch1VReg, uint64(p.Class))
	m.insert(m.allocateInstr().asALU(aluOpSubS, xzrVReg, scratch0VReg, scratch1VReg))
	m.insert(m.allocateInstr().asCondBr(ne, fallback))
	m.insertCallAddress(p.Method)
	m.recordSafepoint(b.sm)
	m.insert(m.allocateInstr().asBr(done))

	m.bindLabel(fallback)
	insertFullVirtualDispatch(m, &b.callBase)
	m.bindLabel(done)
}

// insertFullVirtualDispatch emits the dispatch-table call of b's target. The receiver is in x0.
//
// With a resolved offset:
//
//	ldr x9, [x0]
//	ldr x16, [x9, #offset]
//	blr x16
//
// Otherwise the offset is read from a data word which the resolve snippet fills on first use:
//
//	    ldr x9, [x0]
//	    movz x10, #word ...
//	    ldr x10, [x10]
//	    cbz x10, resolve
//	resolved:
//	    ldr x16, [x9, x10]
//	    blr x16
//	    ...
//	resolve:
//	    movz x17, #word ...
//	    bl resolve_virtual_offset   ; offset in x10
//	    b resolved
func insertFullVirtualDispatch(m *Machine, b *callBase) {
	target := b.cs.Target
	m.insertLoad(scratch0VReg, x0VReg, 0, 64, false, scratch1VReg)
	if target.Resolved {
		m.insertLoad(callTargetVReg, scratch0VReg, target.VTableOffset, 64, false, scratch1VReg)
	} else {
		word := m.allocateData(1)
		resolve, resolved := m.allocateLabel(), m.allocateLabel()
		m.lowerConstant(scratch1VReg, word)
		m.insertLoad(scratch1VReg, scratch1VReg, 0, 64, false, scratch1VReg)
		m.insert(m.allocateInstr().asCBZ(scratch1VReg, false, true, resolve))
		m.bindLabel(resolved)
		m.insert(m.allocateInstr().asLoad(callTargetVReg, addressModeRegReg(scratch0VReg, scratch1VReg), 64, false))
		m.addPatchSite(backend.PatchSite{Kind: backend.PatchSiteVirtualOffset, Address: word, Words: 1, Target: target}, resolve, resolve)

		helperMap := b.helperMap()
		m.addSnippet(func() {
			m.bindLabel(resolve)
			m.insertSiteAddress(word)
			m.insertHelperCall(jitapi.HelperResolveVirtualOffset, helperMap)
			m.insert(m.allocateInstr().asBr(resolved))
		})
	}
	m.insert(m.allocateInstr().asCallIndirect(callTargetVReg))
	m.recordSafepoint(b.sm)
}
