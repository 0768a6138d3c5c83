package arm64

import (
	"fmt"

	"github.com/tetratelabs/jitlink/internal/backend"
	"github.com/tetratelabs/jitlink/internal/backend/regalloc"
	"github.com/tetratelabs/jitlink/internal/jitapi"
)

// SetupPrologue freezes the frame of the current method and emits its prologue. It must be called
// right after StartMethod, before anything else is lowered.
//
//	                   (high address)                    (high address)
//	                 +-----------------+               +------------------+
//	                 |     .......     |               |     .......      |
//	                 |  stack arg N-1  |               |  stack arg N-1   |
//	                 |     .......     |               |     .......      |
//	                 |  stack arg 0    |     ====>     |  stack arg 0     |
//	         SP----> +-----------------+               +------------------+
//	                                                   |  return address  |
//	                                                   |  preserved regs  |
//	                                                   |  locals, anchor  |
//	                                                   |  outgoing args   |
//	                                                   +------------------+ <---- SP
//	                    (low address)                     (low address)
func (m *Machine) SetupPrologue() {
	if m.prologueDone {
		panic("BUG: SetupPrologue called twice")
	}
	f := m.frame
	if f == nil {
		backend.Violate(backend.ErrFrameNotFinalized)
	}
	if err := f.Validate(); err != nil {
		backend.Violatef(backend.ErrFrameNotFinalized, "%v", err)
	}
	f.Freeze()
	m.prologueDone = true

	m.insertAddImm(spVReg, spVReg, -f.FrameSize)
	m.insertStackProbe()

	m.insertStore(lrVReg, spVReg, f.ReturnAddressOffset, 64, scratch0VReg)
	for i, r := range f.SavedRegs {
		m.insertStore(r, spVReg, savedRegOffset(f, i), 64, scratch0VReg)
	}
	m.insertZeroSlots()
}

// savedRegOffset returns the offset of the i-th saved register. The first one is at the highest address.
func savedRegOffset(f *backend.MethodFrameDescriptor, i int) int64 {
	return f.OffsetToRegisterSaveArea + f.RegisterSaveSize - int64(i+1)*8
}

// insertStackProbe compares the stack pointer, lowered by whatever is pushed below the frame, with
// the stack limit of the thread, and branches to the stack growth snippet when it is not above it.
func (m *Machine) insertStackProbe() {
	f := m.frame
	m.probeSnippet, m.probeRestart = m.allocateLabel(), m.allocateLabel()

	m.insertLoad(scratch0VReg, threadVReg, jitapi.ThreadOffsets.StackLimit.I64(), 64, false, regalloc.VRegInvalid)
	m.insertAddImm(scratch1VReg, spVReg, -(f.NativeTransitionReserve + m.cfg.StackProbeExtraMargin))
	m.insert(m.allocateInstr().asALU(aluOpSubS, xzrVReg, scratch1VReg, scratch0VReg))
	m.insert(m.allocateInstr().asCondBr(ls, m.probeSnippet))
	m.bindLabel(m.probeRestart)

	m.addSnippet(m.insertStackGrowthSnippet)
}

// insertStackGrowthSnippet emits the out-of-line part of the stack probe. The frame is not allocated
// while it runs, so the return address of the method is kept in the thread instead of the frame.
//
//	snippet:
//	    add sp, sp, #frame_size
//	    (full-speed-debug: save x0-x7, d0-d7 into the thread)
//	    str required_size, [x19, #StackGrowRequiredSize]
//	    str lr, [x19, #ProbeReturnAddress]
//	    bl grow_stack
//	    ldr lr, [x19, #ProbeReturnAddress]
//	    (full-speed-debug: reload x0-x7, d0-d7)
//	    ldr x9, [x19, #CurrentException]
//	    cbnz x9, throw
//	    sub sp, sp, #frame_size
//	    b restart
//	throw:
//	    bl throw_current_exception
func (m *Machine) insertStackGrowthSnippet() {
	f := m.frame
	offs := &jitapi.ThreadOffsets
	m.bindLabel(m.probeSnippet)
	m.insertAddImm(spVReg, spVReg, f.FrameSize)
	if m.cfg.FullSpeedDebug {
		m.saveArgumentRegisters(true)
	}
	m.lowerConstant(scratch0VReg, uint64(f.RequiredStackSize()+m.cfg.StackProbeExtraMargin))
	m.insertStore(scratch0VReg, threadVReg, offs.StackGrowRequiredSize.I64(), 64, regalloc.VRegInvalid)
	m.insertStore(lrVReg, threadVReg, offs.ProbeReturnAddress.I64(), 64, regalloc.VRegInvalid)

	probeMap := backend.SafepointMap{Kind: backend.SafepointStackProbe, Registers: m.incomingReferenceRegs()}
	m.insert(m.allocateInstr().asCallHelper(jitapi.HelperGrowStack))
	m.recordSafepoint(probeMap)

	m.insertLoad(lrVReg, threadVReg, offs.ProbeReturnAddress.I64(), 64, false, regalloc.VRegInvalid)
	if m.cfg.FullSpeedDebug {
		m.saveArgumentRegisters(false)
	}
	throw := m.allocateLabel()
	m.insertLoad(scratch0VReg, threadVReg, offs.CurrentException.I64(), 64, false, regalloc.VRegInvalid)
	m.insert(m.allocateInstr().asCBZ(scratch0VReg, true, true, throw))
	m.insertAddImm(spVReg, spVReg, -f.FrameSize)
	m.insert(m.allocateInstr().asBr(m.probeRestart))

	m.bindLabel(throw)
	m.insert(m.allocateInstr().asCallHelper(jitapi.HelperThrowCurrentException))
	m.recordSafepoint(probeMap)
}

// saveArgumentRegisters stores (or reloads) the argument registers to (from) the saved-register area of the thread.
func (m *Machine) saveArgumentRegisters(store bool) {
	regs := make([]regalloc.VReg, 0, len(intArgResultRegs)+len(floatArgResultRegs))
	for _, r := range intArgResultRegs {
		regs = append(regs, regalloc.FromRealReg(r, regalloc.RegTypeInt))
	}
	for _, r := range floatArgResultRegs {
		regs = append(regs, regalloc.FromRealReg(r, regalloc.RegTypeFloat))
	}
	if len(regs) > jitapi.ThreadSavedRegisterCount {
		panic(fmt.Sprintf("BUG: %d argument registers do not fit the saved-register area", len(regs)))
	}
	for i, r := range regs {
		off := jitapi.SavedRegisterOffset(i).I64()
		if store {
			m.insertStore(r, threadVReg, off, 64, regalloc.VRegInvalid)
		} else {
			m.insertLoad(r, threadVReg, off, 64, false, regalloc.VRegInvalid)
		}
	}
}

// incomingReferenceRegs returns the argument registers holding the method's own reference parameters.
func (m *Machine) incomingReferenceRegs() regalloc.RegSet {
	var ret regalloc.RegSet
	for i := range m.incoming.Args {
		a := &m.incoming.Args[i]
		if a.Kind == backend.ABIArgKindReg && a.Type.IsRef() {
			ret = ret.Add(a.Reg.RealReg())
		}
	}
	return ret
}

// insertZeroSlots zeroes the reference slots which may be scanned before their first store.
// Adjacent slots are cleared with one store pair.
func (m *Machine) insertZeroSlots() {
	f := m.frame
	slots := f.SlotsToZero
	for i := 0; i < len(slots); i++ {
		off := f.GCSlotOffset(slots[i])
		if i+1 < len(slots) && slots[i+1] == slots[i]+1 && off%8 == 0 && off <= 504 {
			m.insert(m.allocateInstr().asStorePair64(xzrVReg, xzrVReg, addressModeImm(spVReg, off, 64)))
			i++
			continue
		}
		m.insertStore(xzrVReg, spVReg, off, 64, scratch0VReg)
	}
}

// LowerReturn moves ret, unless invalid, into the return register of the method and emits the epilogue.
func (m *Machine) LowerReturn(ret regalloc.VReg) {
	f := m.mustFrame()
	if r := m.incoming.Ret; ret.Valid() {
		if r.Kind != backend.ABIArgKindReg {
			backend.Violatef(backend.ErrArgumentLayoutMismatch, "%s returns void", m.methodName)
		}
		if ret.RegType() != r.Reg.RegType() {
			backend.Violatef(backend.ErrArgumentLayoutMismatch, "return of %s in %s register", r.Type, ret.RegType())
		}
		m.insertMove(r.Reg, ret)
	}
	m.insertEpilogue(f)
}

// insertEpilogue restores the preserved registers and the link register, pops the frame and returns.
func (m *Machine) insertEpilogue(f *backend.MethodFrameDescriptor) {
	for i := len(f.SavedRegs) - 1; i >= 0; i-- {
		m.insertLoad(f.SavedRegs[i], spVReg, savedRegOffset(f, i), 64, false, scratch0VReg)
	}
	m.insertLoad(lrVReg, spVReg, f.ReturnAddressOffset, 64, false, scratch0VReg)
	m.insertAddImm(spVReg, spVReg, f.FrameSize)
	m.insert(m.allocateInstr().asRet())
}

// insertMove copies src to dst if they differ.
func (m *Machine) insertMove(dst, src regalloc.VReg) {
	if dst.RealReg() == src.RealReg() {
		return
	}
	if dst.RegType() != src.RegType() {
		panic(fmt.Sprintf("BUG: move between %s and %s", dst.RegType(), src.RegType()))
	}
	if dst.RegType() == regalloc.RegTypeFloat {
		m.insert(m.allocateInstr().asFpuMov64(dst, src))
	} else {
		m.insert(m.allocateInstr().asMove64(dst, src))
	}
}
