package arm64

import (
	"fmt"
	"sort"

	"github.com/tetratelabs/jitlink/internal/backend"
	"github.com/tetratelabs/jitlink/internal/backend/regalloc"
	"github.com/tetratelabs/jitlink/internal/jitapi"
)

// callBuilder is one dispatch protocol. Every protocol goes through the same three stages:
// setup marshals the arguments, transfer branches and links and records the safepoint maps at the
// return addresses, and teardown moves the return value to its destination.
type callBuilder interface {
	setup(m *Machine)
	transfer(m *Machine)
	teardown(m *Machine)
}

// callBase holds what all dispatch protocols share.
type callBase struct {
	cs  *backend.CallSite
	abi *backend.FunctionABI
	// sm is the safepoint map of the call's return address.
	sm backend.SafepointMap
}

// LowerCall emits the code of the given call site.
func (m *Machine) LowerCall(cs *backend.CallSite) {
	f := m.mustFrame()
	if err := cs.Validate(); err != nil {
		backend.Violate(err)
	}

	var b callBuilder
	switch cs.Kind {
	case backend.CallKindDirect:
		b = &directCallBuilder{callBase: m.newCallBase(f, cs, managedABI(cs))}
	case backend.CallKindVirtual:
		b = &virtualCallBuilder{callBase: m.newCallBase(f, cs, managedABI(cs))}
	case backend.CallKindInterface:
		b = &interfaceCallBuilder{callBase: m.newCallBase(f, cs, managedABI(cs))}
	case backend.CallKindNative:
		b = &nativeCallBuilder{callBase: m.newCallBase(f, cs, nativeABI(cs))}
	}
	if jitapi.CallDispatchLoggingEnabled {
		fmt.Printf("[call] %s call to %s with %d args\n", cs.Kind, cs.Target, len(cs.Args))
	}
	b.setup(m)
	b.transfer(m)
	b.teardown(m)
}

func (m *Machine) newCallBase(f *backend.MethodFrameDescriptor, cs *backend.CallSite, abi *backend.FunctionABI) callBase {
	for i := range cs.Args {
		if src := &cs.Args[i].Source; src.Kind == backend.ArgSourceReg && reservedRegs.Has(src.Reg.RealReg()) {
			backend.Violatef(backend.ErrArgumentLayoutMismatch, "argument %d of %s in reserved register %s", i, cs.Target, RegName(src.Reg.RealReg()))
		}
	}
	if cs.Kind != backend.CallKindNative {
		if extra := cs.LiveReferenceRegs &^ ManagedPreservedRegs; extra != 0 {
			backend.Violatef(backend.ErrInvalidCallSite, "live references of %s in registers not preserved by the callee: %s", cs.Target, extra.Format(RegName))
		}
		if abi.ArgStackSize > f.OutgoingArgSize {
			backend.Violatef(backend.ErrArgumentLayoutMismatch, "%s needs %d bytes of outgoing arguments, frame has %d", cs.Target, abi.ArgStackSize, f.OutgoingArgSize)
		}
	}

	sm := backend.SafepointMap{Kind: backend.SafepointCall, Registers: cs.LiveReferenceRegs}
	for _, id := range cs.LiveReferenceLocals {
		sm.StackSlots = append(sm.StackSlots, m.gcIndexOf(f, id))
	}
	sort.Ints(sm.StackSlots)
	if cs.Kind != backend.CallKindNative {
		for i := range abi.Args {
			if a := &abi.Args[i]; a.Kind == backend.ABIArgKindStack && a.Type.IsRef() {
				sm.OutgoingRefSlots = append(sm.OutgoingRefSlots, f.OffsetToOutgoingArgs+a.Offset)
			}
		}
	}
	return callBase{cs: cs, abi: abi, sm: sm}
}

// gcIndexOf returns the GC index of the reference local id.
func (m *Machine) gcIndexOf(f *backend.MethodFrameDescriptor, id backend.LocalID) int {
	off, ok := f.LocalOffset(id)
	if !ok {
		backend.Violatef(backend.ErrInvalidLocal, "local %d is not in the frame", id)
	}
	idx := (off - f.GCLocalBase) / 8
	if off < f.GCLocalBase || (off-f.GCLocalBase)%8 != 0 || idx >= int64(f.NumGCSlots) {
		backend.Violatef(backend.ErrInvalidLocal, "local %d at %#x is not a reference slot", id, off)
	}
	return int(idx)
}

// helperMap returns the safepoint map of a helper called before the transfer: the arguments are already
// in their registers, so the argument registers holding references are live too.
func (b *callBase) helperMap() backend.SafepointMap {
	sm := b.sm
	sm.Kind = backend.SafepointHelper
	for i := range b.abi.Args {
		if a := &b.abi.Args[i]; a.Kind == backend.ABIArgKindReg && a.Type.IsRef() {
			sm.Registers = sm.Registers.Add(a.Reg.RealReg())
		}
	}
	return sm
}

// teardown implements callBuilder.
func (b *callBase) teardown(m *Machine) {
	if d := b.cs.ReturnDest; d.Valid() {
		m.insertMove(d, b.abi.Ret.Reg)
	}
}

// setup implements callBuilder.
func (b *callBase) setup(m *Machine) {
	srcs := make([]argSource, len(b.cs.Args))
	for i := range b.cs.Args {
		srcs[i] = argSource{ArgSource: b.cs.Args[i].Source, typ: b.cs.Args[i].Type}
	}
	m.marshalArgs(b.abi.Args, srcs)
}

// argSource extends backend.ArgSource with the sources only the builders create.
type argSource struct {
	backend.ArgSource
	typ backend.Type
	// thread means the value is the thread pointer.
	thread bool
	// handle is the frame offset of the slot the value is spilled to before the call.
	// The argument is then the address of that slot, or zero if the value is null.
	handle    int64
	hasHandle bool
}

// move is one register to register copy of a parallel move.
type move struct {
	dst, src regalloc.VReg
}

// marshalArgs places every srcs[i] at the location dsts[i] in three phases:
//  1. values going to the stack, and reference values going to their handle slots, are stored,
//  2. register to register moves are sequenced so that no source is overwritten before it is read,
//  3. the remaining registers are loaded from memory, constants or handles.
func (m *Machine) marshalArgs(dsts []backend.ABIArg, srcs []argSource) {
	if len(dsts) != len(srcs) {
		panic(fmt.Sprintf("BUG: %d locations for %d arguments", len(dsts), len(srcs)))
	}

	for i := range srcs {
		s, d := &srcs[i], &dsts[i]
		if s.hasHandle {
			v := m.valueInReg(s, scratch0VReg)
			m.insertStore(v, spVReg, m.frameOffset(s.handle), 64, scratch1VReg)
		}
		if d.Kind != backend.ABIArgKindStack {
			continue
		}
		scratch := scratch0VReg
		if d.Type.IsFloat() {
			scratch = moveCycleFloatVReg
		}
		var v regalloc.VReg
		if s.hasHandle {
			v = m.insertHandle(scratch0VReg, s.handle)
		} else {
			v = m.valueInReg(s, scratch)
		}
		m.insertStore(v, spVReg, d.Offset, stackArgSizeInBits(d.Type), scratch1VReg)
	}

	m.moves = m.moves[:0]
	for i := range srcs {
		s, d := &srcs[i], &dsts[i]
		if d.Kind == backend.ABIArgKindReg && !s.hasHandle && !s.thread && s.Kind == backend.ArgSourceReg {
			m.moves = append(m.moves, move{dst: d.Reg, src: s.Reg})
		}
	}
	m.insertParallelMoves(m.moves)

	for i := range srcs {
		s, d := &srcs[i], &dsts[i]
		if d.Kind != backend.ABIArgKindReg {
			continue
		}
		switch {
		case s.hasHandle:
			m.insertHandle(d.Reg, s.handle)
		case s.thread:
			m.insertMove(d.Reg, threadVReg)
		case s.Kind != backend.ArgSourceReg:
			m.loadValue(d.Reg, s)
		}
	}
}

func stackArgSizeInBits(t backend.Type) byte {
	if t == backend.TypeF32 {
		return 32
	}
	return 64
}

// valueInReg returns a register holding the value of s, loading it into scratch unless it already is in one.
func (m *Machine) valueInReg(s *argSource, scratch regalloc.VReg) regalloc.VReg {
	switch {
	case s.thread:
		return threadVReg
	case s.Kind == backend.ArgSourceReg:
		return s.Reg
	case s.Kind == backend.ArgSourceConst && s.Const == 0:
		return xzrVReg
	}
	m.loadValue(scratch, s)
	return scratch
}

// loadValue loads the value of a memory or constant source into rd.
func (m *Machine) loadValue(rd regalloc.VReg, s *argSource) {
	f := m.frame
	switch s.Kind {
	case backend.ArgSourceConst:
		m.lowerConstant(rd, uint64(s.Const))
	case backend.ArgSourceLocal:
		off, ok := f.LocalOffset(s.Local)
		if !ok {
			backend.Violatef(backend.ErrInvalidLocal, "local %d is not in the frame", s.Local)
		}
		m.insertLoad(rd, spVReg, m.frameOffset(off), frameSlotTypeBits(s.typ), false, addressScratchFor(rd))
	case backend.ArgSourceIncoming:
		off := m.incomingStackArgOffset(s.Index)
		m.insertLoad(rd, spVReg, m.frameOffset(f.FrameSize+off), stackArgSizeInBits(s.typ), false, addressScratchFor(rd))
	default:
		panic(fmt.Sprintf("BUG: cannot load argument source %d", s.Kind))
	}
}

// addressScratchFor returns a register that may hold an out-of-range offset while loading into rd.
func addressScratchFor(rd regalloc.VReg) regalloc.VReg {
	if rd.RegType() == regalloc.RegTypeInt && rd.RealReg() != sp {
		return rd
	}
	return scratch1VReg
}

// incomingStackArgOffset returns the offset, from the SP at entry, of the i-th stack-passed parameter of the method.
func (m *Machine) incomingStackArgOffset(i int) int64 {
	n := 0
	for j := range m.incoming.Args {
		if a := &m.incoming.Args[j]; a.Kind == backend.ABIArgKindStack {
			if n == i {
				return a.Offset
			}
			n++
		}
	}
	backend.Violatef(backend.ErrArgumentLayoutMismatch, "%s has no stack parameter %d", m.methodName, i)
	return 0
}

// insertHandle computes into rd the handle of the slot at the given frame offset: its address, or zero when the slot holds null.
//
//	add rd, sp, #slot
//	ldr x10, [sp, #slot]
//	cmp x10, #0
//	csel rd, xzr, rd, eq
func (m *Machine) insertHandle(rd regalloc.VReg, slot int64) regalloc.VReg {
	off := m.frameOffset(slot)
	m.insertAddImm(rd, spVReg, off)
	m.insertLoad(scratch1VReg, spVReg, off, 64, false, scratch1VReg)
	m.insert(m.allocateInstr().asALUImm(aluOpSubS, xzrVReg, scratch1VReg, 0))
	m.insert(m.allocateInstr().asCSel(rd, xzrVReg, rd, eq))
	return rd
}

// insertParallelMoves emits the moves as if they happened simultaneously. Cycles are broken with
// moveCycleVReg (integers) and moveCycleFloatVReg (floating point).
func (m *Machine) insertParallelMoves(moves []move) {
	pending := moves[:0]
	for _, mv := range moves {
		if mv.dst.RealReg() != mv.src.RealReg() {
			pending = append(pending, mv)
		}
	}

	for len(pending) > 0 {
		emitted := false
		for i := 0; i < len(pending); i++ {
			mv := pending[i]
			if isSourceOfAny(pending, mv.dst, i) {
				continue
			}
			m.insertMove(mv.dst, mv.src)
			pending = append(pending[:i], pending[i+1:]...)
			emitted = true
			i--
		}
		if emitted {
			continue
		}
		// Every remaining move is part of a cycle: save the destination of the first one and
		// redirect its readers to the saved copy.
		dst := pending[0].dst
		tmp := moveCycleVReg
		if dst.RegType() == regalloc.RegTypeFloat {
			tmp = moveCycleFloatVReg
		}
		m.insertMove(tmp, dst)
		for i := range pending {
			if pending[i].src.RealReg() == dst.RealReg() {
				pending[i].src = tmp
			}
		}
	}
}

func isSourceOfAny(moves []move, r regalloc.VReg, except int) bool {
	for i := range moves {
		if i != except && moves[i].src.RealReg() == r.RealReg() {
			return true
		}
	}
	return false
}

// insertCallAddress emits a branch-and-link to an absolute address, recorded as a relocation.
func (m *Machine) insertCallAddress(target backend.MethodRef) {
	if !target.Resolved {
		panic(fmt.Sprintf("BUG: call to unresolved %s", target))
	}
	m.insert(m.allocateInstr().asCall(target.Address, target.String()))
}

// insertHelperCall emits a branch-and-link to a runtime helper, recording sm at its return address.
func (m *Machine) insertHelperCall(h jitapi.HelperID, sm backend.SafepointMap) {
	m.insert(m.allocateInstr().asCallHelper(h))
	m.recordSafepoint(sm)
}

// insertSiteAddress loads the address of a patch site into the register the helpers read it from.
func (m *Machine) insertSiteAddress(site uint64) {
	m.lowerConstant(siteVReg, site)
}

// addPatchSite records a patch site. code is bound right before the patchable instruction, if any.
func (m *Machine) addPatchSite(site backend.PatchSite, code, target label) {
	m.sites = append(m.sites, pendingPatchSite{site: site, code: code, target: target})
}

// OutgoingArgSize returns the size of the outgoing argument area the call site needs in the frame of its caller.
// Native calls pass references as handles, which need one slot each.
func OutgoingArgSize(cs *backend.CallSite) int64 {
	if cs.Kind == backend.CallKindNative {
		var refs int64
		for i := range cs.Args {
			if cs.Args[i].Type.IsRef() {
				refs++
			}
		}
		return alignUp(refs*8, 16)
	}
	return managedABI(cs).ArgStackSize
}

// NativeTransitionReserve returns the number of bytes a native call site pushes below the frame of its caller.
func NativeTransitionReserve(cs *backend.CallSite) int64 {
	if cs.Kind != backend.CallKindNative {
		return 0
	}
	return alignUp(nativeABI(cs).ArgStackSize, 16) + jitapi.NativeFrameSize
}

func alignUp(v, align int64) int64 {
	return (v + align - 1) &^ (align - 1)
}
