package arm64

import (
	"github.com/tetratelabs/jitlink/internal/backend"
	"github.com/tetratelabs/jitlink/internal/backend/regalloc"
	"github.com/tetratelabs/jitlink/internal/jitapi"
)

// nativeCallBuilder calls unmanaged code. The call is surrounded by a NativeTransitionFrame pushed below
// the frame of the method, and by the release and re-acquisition of the permission to touch managed memory:
//
//	    sub sp, sp, #reserve
//	    (fill the native transition frame, publish it in the thread)
//	    (marshal: thread as the hidden first argument, references as handles)
//	    (release VM access)
//	    movz x16, #native ...
//	    blr x16
//	ret:
//	    (acquire VM access)
//	    (unwrap a reference handle, narrow a small integer)
//	    (collapse the local reference frame if the callee allocated one)
//	    (clear the thread's frame anchor)
//	    add sp, sp, #reserve
//	    (check the pending exception)
//
// References are spilled to handle slots in the outgoing area of the method before VM access is released,
// so that no reference is held in a register while the collector may run.
type nativeCallBuilder struct {
	callBase
	// reserve is the number of bytes pushed below the frame, and frameBase the offset of the
	// native transition frame from the SP at the call.
	reserve, frameBase int64
	ret                label
}

// setup implements callBuilder.
func (b *nativeCallBuilder) setup(m *Machine) {
	f := m.frame
	b.frameBase = alignUp(b.abi.ArgStackSize, 16)
	b.reserve = b.frameBase + jitapi.NativeFrameSize
	if b.reserve > f.NativeTransitionReserve {
		backend.Violatef(backend.ErrArgumentLayoutMismatch, "native call to %s needs %d bytes below the frame, frame reserves %d",
			b.cs.Target, b.reserve, f.NativeTransitionReserve)
	}
	if need := OutgoingArgSize(b.cs); need > f.OutgoingArgSize {
		backend.Violatef(backend.ErrArgumentLayoutMismatch, "native call to %s needs %d bytes of handles, frame has %d",
			b.cs.Target, need, f.OutgoingArgSize)
	}
	b.ret = m.allocateLabel()

	m.insertAddImm(spVReg, spVReg, -b.reserve)
	m.spBias = b.reserve
	b.pushFrame(m)

	// The hidden first argument is the thread.
	srcs := make([]argSource, 0, len(b.cs.Args)+1)
	srcs = append(srcs, argSource{typ: backend.TypeAddress, thread: true})
	var handleSlot int64
	for i := range b.cs.Args {
		a := &b.cs.Args[i]
		s := argSource{ArgSource: a.Source, typ: a.Type}
		if a.Type.IsRef() {
			s.hasHandle = true
			s.handle = f.OffsetToOutgoingArgs + handleSlot
			b.sm.OutgoingRefSlots = append(b.sm.OutgoingRefSlots, s.handle)
			handleSlot += 8
		}
		srcs = append(srcs, s)
	}
	m.marshalArgs(b.abi.Args, srcs)
}

// pushFrame fills the native transition frame and publishes it in the thread.
func (b *nativeCallBuilder) pushFrame(m *Machine) {
	base := b.frameBase
	offs := &jitapi.ThreadOffsets
	tag := jitapi.NativeFrameTag
	if b.cs.Wrapper {
		tag |= jitapi.NativeFrameInvisibleTag
	}

	m.lowerConstant(scratch0VReg, uint64(b.cs.Target.ID))
	m.insertStore(scratch0VReg, spVReg, base+jitapi.NativeFrameMethodOffset, 64, scratch1VReg)
	m.lowerConstant(scratch0VReg, jitapi.NativeFrameFlags)
	m.insertStore(scratch0VReg, spVReg, base+jitapi.NativeFrameFlagsOffset, 64, scratch1VReg)
	m.insert(m.allocateInstr().asAdr(scratch0VReg, b.ret))
	m.insertStore(scratch0VReg, spVReg, base+jitapi.NativeFrameSavedPCOffset, 64, scratch1VReg)
	m.lowerConstant(scratch0VReg, tag)
	m.insertStore(scratch0VReg, spVReg, base+jitapi.NativeFrameTagOffset, 64, scratch1VReg)
	m.insertAddImm(scratch0VReg, spVReg, b.reserve)
	m.insertStore(scratch0VReg, spVReg, base+jitapi.NativeFrameBackPointerOffset, 64, scratch1VReg)

	m.insertStore(xzrVReg, threadVReg, offs.FrameFlags.I64(), 64, regalloc.VRegInvalid)
	m.insertAddImm(scratch0VReg, spVReg, base)
	m.insertStore(scratch0VReg, threadVReg, offs.JavaSP.I64(), 64, regalloc.VRegInvalid)
	m.lowerConstant(scratch0VReg, jitapi.NativeFrameType)
	m.insertStore(scratch0VReg, threadVReg, offs.JavaPC.I64(), 64, regalloc.VRegInvalid)
	m.insertStore(xzrVReg, threadVReg, offs.JavaLiterals.I64(), 64, regalloc.VRegInvalid)
}

// transfer implements callBuilder.
func (b *nativeCallBuilder) transfer(m *Machine) {
	// Only the handle slots hold references from here on.
	b.sm.Kind = backend.SafepointNative
	b.sm.Registers = 0
	helperMap := b.sm
	helperMap.Kind = backend.SafepointHelper

	b.insertReleaseVMAccess(m, helperMap)
	m.lowerConstant(callTargetVReg, b.cs.Target.Address)
	m.insert(m.allocateInstr().asCallIndirect(callTargetVReg))
	m.bindLabel(b.ret)
	m.safepoints.Record(backend.Label(b.ret), b.sm)
	b.insertAcquireVMAccess(m, helperMap)
}

// insertReleaseVMAccess clears the VM access bit of the thread's public flags. The fast path only applies
// when no other bit is set, otherwise the helper handles the pending requests.
//
//	    add x10, x19, #flags
//	retry:
//	    ldaxr x11, [x10]
//	    cmp x11, #VMAccess
//	    b.ne slow
//	    stlxr w12, xzr, [x10]
//	    cbnz w12, retry
//	done:
//	    ...
//	slow:
//	    bl release_vm_access
//	    b done
func (b *nativeCallBuilder) insertReleaseVMAccess(m *Machine, helperMap backend.SafepointMap) {
	retry, slow, done := m.allocateLabel(), m.allocateLabel(), m.allocateLabel()
	m.insertAddImm(scratch1VReg, threadVReg, jitapi.ThreadOffsets.PublicFlags.I64())
	m.bindLabel(retry)
	m.insert(m.allocateInstr().asLDAXR(scratch2VReg, scratch1VReg))
	m.insert(m.allocateInstr().asALUImm(aluOpSubS, xzrVReg, scratch2VReg, jitapi.PublicFlagVMAccess))
	m.insert(m.allocateInstr().asCondBr(ne, slow))
	m.insert(m.allocateInstr().asSTLXR(scratch3VReg, xzrVReg, scratch1VReg))
	m.insert(m.allocateInstr().asCBZ(scratch3VReg, true, false, retry))
	m.bindLabel(done)

	m.addSnippet(func() {
		m.bindLabel(slow)
		m.insertHelperCall(jitapi.HelperReleaseVMAccess, helperMap)
		m.insert(m.allocateInstr().asBr(done))
	})
}

// insertAcquireVMAccess sets the VM access bit. The fast path only applies when no bit is set; otherwise
// the helper blocks until the pending pause request is withdrawn.
//
//	    add x10, x19, #flags
//	retry:
//	    ldaxr x11, [x10]
//	    cbnz x11, slow
//	    movz x11, #VMAccess
//	    stlxr w12, x11, [x10]
//	    cbnz w12, retry
//	done:
func (b *nativeCallBuilder) insertAcquireVMAccess(m *Machine, helperMap backend.SafepointMap) {
	retry, slow, done := m.allocateLabel(), m.allocateLabel(), m.allocateLabel()
	m.insertAddImm(scratch1VReg, threadVReg, jitapi.ThreadOffsets.PublicFlags.I64())
	m.bindLabel(retry)
	m.insert(m.allocateInstr().asLDAXR(scratch2VReg, scratch1VReg))
	m.insert(m.allocateInstr().asCBZ(scratch2VReg, true, true, slow))
	m.lowerConstant(scratch2VReg, jitapi.PublicFlagVMAccess)
	m.insert(m.allocateInstr().asSTLXR(scratch3VReg, scratch2VReg, scratch1VReg))
	m.insert(m.allocateInstr().asCBZ(scratch3VReg, true, false, retry))
	m.bindLabel(done)

	m.addSnippet(func() {
		m.bindLabel(slow)
		m.insertHelperCall(jitapi.HelperAcquireVMAccess, helperMap)
		m.insert(m.allocateInstr().asBr(done))
	})
}

// teardown implements callBuilder.
func (b *nativeCallBuilder) teardown(m *Machine) {
	ret := b.cs.Return
	offs := &jitapi.ThreadOffsets
	x0 := x0VReg

	// The handle is only dereferenced with VM access held.
	var retRegs regalloc.RegSet
	if ret.IsRef() {
		unwrapped := m.allocateLabel()
		m.insert(m.allocateInstr().asCBZ(x0, false, true, unwrapped))
		m.insertLoad(x0, x0, 0, 64, false, regalloc.VRegInvalid)
		m.bindLabel(unwrapped)
		retRegs = retRegs.Add(x0.RealReg())
	}
	b.insertNarrowReturn(m, ret)

	afterCollapse := m.allocateLabel()
	m.insertLoad(scratch0VReg, spVReg, b.frameBase+jitapi.NativeFrameFlagsOffset, 64, false, scratch1VReg)
	m.insert(m.allocateInstr().asTBZ(scratch0VReg, 32, false, afterCollapse))
	collapseMap := backend.SafepointMap{
		Kind:             backend.SafepointHelper,
		Registers:        retRegs,
		StackSlots:       b.sm.StackSlots,
		OutgoingRefSlots: b.sm.OutgoingRefSlots,
	}
	m.insertHelperCall(jitapi.HelperCollapseReferenceFrame, collapseMap)
	m.bindLabel(afterCollapse)

	m.insertStore(xzrVReg, threadVReg, offs.JavaSP.I64(), 64, regalloc.VRegInvalid)
	m.insertStore(xzrVReg, threadVReg, offs.JavaPC.I64(), 64, regalloc.VRegInvalid)
	m.insertAddImm(spVReg, spVReg, b.reserve)
	m.spBias = 0

	throw := m.allocateLabel()
	m.insertLoad(scratch0VReg, threadVReg, offs.CurrentException.I64(), 64, false, regalloc.VRegInvalid)
	m.insert(m.allocateInstr().asCBZ(scratch0VReg, true, true, throw))
	throwMap := backend.SafepointMap{Kind: backend.SafepointCall, Registers: retRegs, StackSlots: b.sm.StackSlots}
	m.addSnippet(func() {
		m.bindLabel(throw)
		m.insertHelperCall(jitapi.HelperThrowCurrentException, throwMap)
	})

	b.callBase.teardown(m)
}

// insertNarrowReturn normalizes a small integer returned by native code, whose upper bits are unspecified.
func (b *nativeCallBuilder) insertNarrowReturn(m *Machine, ret backend.Type) {
	x0 := x0VReg
	switch ret {
	case backend.TypeBool:
		m.insert(m.allocateInstr().asExtend(x0, x0, 8, false))
		m.insert(m.allocateInstr().asALUImm(aluOpSubS, xzrVReg, x0, 0))
		m.insert(m.allocateInstr().asCSet(x0, ne))
	case backend.TypeI8, backend.TypeI16, backend.TypeU16, backend.TypeI32:
		m.insert(m.allocateInstr().asExtend(x0, x0, ret.Bits(), ret.IsSigned()))
	}
}
