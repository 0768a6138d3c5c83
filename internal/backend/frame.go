package backend

import (
	"fmt"
	"strings"

	"github.com/tetratelabs/jitlink/internal/backend/regalloc"
)

// MethodFrameDescriptor is the shape of the stack frame of one compiled method. Every offset is
// relative to the stack pointer after the prologue decremented it by FrameSize:
//
//	            (high address)
//	          +------------------+ <---- SP at entry (caller's outgoing args above)
//	          |  return address  |  ReturnAddressOffset = FrameSize - 8
//	          |  preserved reg 0 |  <-+
//	          |     ........     |    | RegisterSaveSize
//	          |  preserved reg N |  <-+ OffsetToRegisterSaveArea
//	          |   ref  (GC n-1)  |  <-+
//	          |     ........     |    |
//	          |   ref  (GC 0)    |    | LocalSize (GCLocalBase at GC 0)
//	          |   4-byte locals  |    |
//	          |   8-byte locals  |    |
//	          |  16-byte locals  |  <-+ OffsetToFirstLocal
//	          |   long-disp.     |  LongDisplacementAnchorOffset
//	          |     (padding)    |
//	          |  outgoing args   |  OffsetToOutgoingArgs = 0, OutgoingArgSize
//	  SP----> +------------------+
//	             (low address)
//
// The descriptor is computed once by the frame layout planner and frozen when the prologue is
// emitted. The call builders must only read a frozen descriptor.
type MethodFrameDescriptor struct {
	FrameSize int64
	Alignment int64

	ReturnAddressOffset int64

	OffsetToRegisterSaveArea int64
	RegisterSaveSize         int64
	// SavedRegs are the preserved registers used by the method body in save area order, the
	// first one at the highest address.
	SavedRegs []regalloc.VReg

	OffsetToFirstLocal int64
	LocalSize          int64
	// LocalOffsets maps every local to its offset. Locals sharing a slot share the offset.
	LocalOffsets map[LocalID]int64

	// GCLocalBase is the offset of the reference slot with GC index 0. The slot of GC index i is at GCLocalBase + 8*i.
	GCLocalBase int64
	NumGCSlots  int
	// SlotsToZero are the GC indices the prologue must zero before any safepoint can be reached.
	SlotsToZero []int

	LongDisplacementAnchorOffset int64

	OffsetToOutgoingArgs int64
	OutgoingArgSize      int64

	// NativeTransitionReserve is the number of bytes pushed below the frame by native transitions.
	// The stack probe accounts for it.
	NativeTransitionReserve int64

	finalized bool
}

// Freeze marks the descriptor immutable. It is called once the prologue has been emitted.
func (d *MethodFrameDescriptor) Freeze() {
	d.finalized = true
}

// Finalized returns true once Freeze has been called.
func (d *MethodFrameDescriptor) Finalized() bool {
	return d.finalized
}

// MustBeFinalized is called by every consumer of the descriptor that needs the final layout.
func (d *MethodFrameDescriptor) MustBeFinalized() {
	if d == nil || !d.finalized {
		Violate(ErrFrameNotFinalized)
	}
}

// GCSlotOffset returns the offset of the reference slot with the given GC index.
func (d *MethodFrameDescriptor) GCSlotOffset(index int) int64 {
	if index < 0 || index >= d.NumGCSlots {
		panic(fmt.Sprintf("BUG: GC index %d out of range [0, %d)", index, d.NumGCSlots))
	}
	return d.GCLocalBase + int64(index)*8
}

// LocalOffset returns the offset of the given local.
func (d *MethodFrameDescriptor) LocalOffset(id LocalID) (int64, bool) {
	off, ok := d.LocalOffsets[id]
	return off, ok
}

// RequiredStackSize is the number of bytes the stack probe requires below the SP at entry.
func (d *MethodFrameDescriptor) RequiredStackSize() int64 {
	return d.FrameSize + d.NativeTransitionReserve
}

// Validate checks the alignment and size invariants of the frame.
func (d *MethodFrameDescriptor) Validate() error {
	if d.Alignment < 16 || d.Alignment&(d.Alignment-1) != 0 {
		return fmt.Errorf("frame alignment %d is not a power of two >= 16", d.Alignment)
	}
	if d.FrameSize%d.Alignment != 0 {
		return fmt.Errorf("frame size %d is not a multiple of %d", d.FrameSize, d.Alignment)
	}
	if min := 8 + d.RegisterSaveSize + d.LocalSize + d.OutgoingArgSize; d.FrameSize < min {
		return fmt.Errorf("frame size %d is smaller than its parts %d", d.FrameSize, min)
	}
	if d.ReturnAddressOffset != d.FrameSize-8 {
		return fmt.Errorf("return address slot at %#x, want %#x", d.ReturnAddressOffset, d.FrameSize-8)
	}
	if d.OutgoingArgSize%16 != 0 {
		return fmt.Errorf("outgoing argument area %d is not 16-byte aligned", d.OutgoingArgSize)
	}
	return nil
}

// String implements fmt.Stringer.
func (d *MethodFrameDescriptor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "frame size=%#x align=%d\n", d.FrameSize, d.Alignment)
	fmt.Fprintf(&sb, "\treturn address: [sp, #%#x]\n", d.ReturnAddressOffset)
	if d.RegisterSaveSize > 0 {
		fmt.Fprintf(&sb, "\tregister save: [sp, #%#x] size=%#x\n", d.OffsetToRegisterSaveArea, d.RegisterSaveSize)
	}
	if d.LocalSize > 0 {
		fmt.Fprintf(&sb, "\tlocals: [sp, #%#x] size=%#x\n", d.OffsetToFirstLocal, d.LocalSize)
	}
	if d.NumGCSlots > 0 {
		fmt.Fprintf(&sb, "\tgc slots: [sp, #%#x] count=%d zeroed=%v\n", d.GCLocalBase, d.NumGCSlots, d.SlotsToZero)
	}
	fmt.Fprintf(&sb, "\tanchor: [sp, #%#x]\n", d.LongDisplacementAnchorOffset)
	fmt.Fprintf(&sb, "\toutgoing args: [sp, #%#x] size=%#x", d.OffsetToOutgoingArgs, d.OutgoingArgSize)
	return sb.String()
}
