package arm64

import (
	"github.com/tetratelabs/jitlink/internal/backend"
	"github.com/tetratelabs/jitlink/internal/backend/regalloc"
)

// The lowering of the straight-line instructions between calls. The instruction selector of a full compiler
// emits far more than these; they are the minimum that moves values between calls, locals and the return.

// LowerLoadConst loads the integer constant c into rd.
func (m *Machine) LowerLoadConst(rd regalloc.VReg, c int64) {
	m.mustFrame()
	if rd.RegType() != regalloc.RegTypeInt {
		backend.Violatef(backend.ErrArgumentLayoutMismatch, "constant into %s register", rd.RegType())
	}
	m.lowerConstant(rd, uint64(c))
}

// LowerMove copies rn to rd.
func (m *Machine) LowerMove(rd, rn regalloc.VReg) {
	m.mustFrame()
	if rd.RegType() != rn.RegType() {
		backend.Violatef(backend.ErrArgumentLayoutMismatch, "move from %s to %s register", rn.RegType(), rd.RegType())
	}
	m.insertMove(rd, rn)
}

// LowerLoadLocal loads the local id of type t into rd.
func (m *Machine) LowerLoadLocal(rd regalloc.VReg, id backend.LocalID, t backend.Type) {
	f := m.mustFrame()
	off := m.localOffset(f, id, rd, t)
	m.insertLoad(rd, spVReg, m.frameOffset(off), frameSlotTypeBits(t), t.IsSigned(), scratch0VReg)
}

// LowerStoreLocal stores rn into the local id of type t.
func (m *Machine) LowerStoreLocal(id backend.LocalID, rn regalloc.VReg, t backend.Type) {
	f := m.mustFrame()
	off := m.localOffset(f, id, rn, t)
	m.insertStore(rn, spVReg, m.frameOffset(off), frameSlotTypeBits(t), scratch0VReg)
}

func (m *Machine) localOffset(f *backend.MethodFrameDescriptor, id backend.LocalID, r regalloc.VReg, t backend.Type) int64 {
	off, ok := f.LocalOffset(id)
	if !ok {
		backend.Violatef(backend.ErrInvalidLocal, "local %d is not in the frame", id)
	}
	if (r.RegType() == regalloc.RegTypeFloat) != t.IsFloat() {
		backend.Violatef(backend.ErrArgumentLayoutMismatch, "local %d of type %s in %s register", id, t, r.RegType())
	}
	return off
}
