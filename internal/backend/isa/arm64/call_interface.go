package arm64

import (
	"github.com/tetratelabs/jitlink/internal/backend"
	"github.com/tetratelabs/jitlink/internal/backend/regalloc"
	"github.com/tetratelabs/jitlink/internal/jitapi"
)

// Layout of the data words of an interface inline cache. The first word identifies the interface method,
// followed by one (class, target) pair per slot.
const (
	InlineCacheMethodOffset = 0
	InlineCacheSlotsOffset  = 16
	InlineCacheSlotSize     = 16
)

// interfaceCallBuilder dispatches through a polymorphic inline cache.
//
// The most frequent profiled receivers are first compared inline and called directly (static entries),
// then the cache is probed slot by slot:
//
//	    ldr x9, [x0]
//	    movz x11, #classA ...       ; static entry
//	    cmp x9, x11
//	    b.ne next
//	    bl targetA
//	    b done
//	next:
//	    movz x10, #cache+16 ...
//	    ldr x11, [x10]
//	    cmp x9, x11
//	    b.eq hit
//	    add x10, x10, #16           ; for every further slot
//	    ldr x11, [x10]
//	    cmp x9, x11
//	    b.eq hit
//	    b miss
//	hit:
//	    ldr x16, [x10, #8]
//	call:
//	    blr x16
//	done:
//	    ...
//	miss:
//	    movz x17, #cache ...
//	    bl interface_cache_miss     ; full lookup, fills an empty slot, target in x16
//	    b call
type interfaceCallBuilder struct {
	callBase
}

// transfer implements callBuilder.
func (b *interfaceCallBuilder) transfer(m *Machine) {
	slots := m.cfg.InlineCacheSlots
	if slots < 1 {
		backend.Violatef(backend.ErrInvalidCallSite, "inline cache of %d slots", slots)
	}
	done := m.allocateLabel()

	m.insertLoad(scratch0VReg, x0VReg, 0, 64, false, scratch1VReg)
	for _, p := range b.staticEntries(m) {
		next := m.allocateLabel()
		m.lowerConstant(scratch2VReg, uint64(p.Class))
		m.insert(m.allocateInstr().asALU(aluOpSubS, xzrVReg, scratch0VReg, scratch2VReg))
		m.insert(m.allocateInstr().asCondBr(ne, next))
		m.insertCallAddress(p.Method)
		m.recordSafepoint(b.sm)
		m.insert(m.allocateInstr().asBr(done))
		m.bindLabel(next)
	}

	cache := m.allocateData(InlineCacheSlotsOffset/8 + slots*InlineCacheSlotSize/8)
	hit, call, miss, code := m.allocateLabel(), m.allocateLabel(), m.allocateLabel(), m.allocateLabel()
	m.bindLabel(code)
	m.lowerConstant(scratch1VReg, cache+InlineCacheSlotsOffset)
	for i := 0; i < slots; i++ {
		if i > 0 {
			m.insert(m.allocateInstr().asALUImm(aluOpAdd, scratch1VReg, scratch1VReg, InlineCacheSlotSize))
		}
		m.insertLoad(scratch2VReg, scratch1VReg, 0, 64, false, regalloc.VRegInvalid)
		m.insert(m.allocateInstr().asALU(aluOpSubS, xzrVReg, scratch0VReg, scratch2VReg))
		m.insert(m.allocateInstr().asCondBr(eq, hit))
	}
	m.insert(m.allocateInstr().asBr(miss))
	m.bindLabel(hit)
	m.insertLoad(callTargetVReg, scratch1VReg, 8, 64, false, regalloc.VRegInvalid)
	m.bindLabel(call)
	m.insert(m.allocateInstr().asCallIndirect(callTargetVReg))
	m.recordSafepoint(b.sm)
	m.bindLabel(done)

	m.addPatchSite(backend.PatchSite{
		Kind:    backend.PatchSiteInlineCache,
		Address: cache,
		Words:   InlineCacheSlotsOffset/8 + slots*InlineCacheSlotSize/8,
		Target:  b.cs.Target,
		Slots:   slots,
	}, code, miss)

	helperMap := b.helperMap()
	m.addSnippet(func() {
		m.bindLabel(miss)
		m.insertSiteAddress(cache)
		m.insertHelperCall(jitapi.HelperInterfaceCacheMiss, helperMap)
		m.insert(m.allocateInstr().asBr(call))
	})
}

// staticEntries returns the profiled targets compared inline before the cache.
func (b *interfaceCallBuilder) staticEntries(m *Machine) []backend.ProfiledTarget {
	var ret []backend.ProfiledTarget
	for _, p := range b.cs.Profile {
		if len(ret) == m.cfg.MaxStaticPICSlots {
			break
		}
		if p.Frequency < m.cfg.MinProfiledCallFrequency {
			// Sorted by frequency: no later entry qualifies either.
			break
		}
		if p.Method.Resolved && p.Class != 0 {
			ret = append(ret, p)
		}
	}
	return ret
}
