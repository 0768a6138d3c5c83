package jitapi

// ThreadOffsets holds the offsets to the fields of the per-thread runtime state (the "VM thread")
// which generated code reads and writes through the thread register. This is globally unique.
//
// Every field is one 64-bit word so that the runtime can access it atomically while
// generated code is running on the same thread.
var ThreadOffsets = ThreadOffsetData{
	PublicFlags:           0,
	StackLimit:            8,
	CurrentException:      16,
	JavaSP:                24,
	JavaPC:                32,
	JavaLiterals:          40,
	StackGrowRequiredSize: 48,
	FrameFlags:            56,
	ProbeReturnAddress:    64,
	SavedRegistersBegin:   80,
}

// ThreadSavedRegisterCount is the number of 16-byte entries in the saved-register area of the thread.
// The stack growth sequence stores the argument registers (x0-x7, v0-v7) there in full-speed-debug mode.
const ThreadSavedRegisterCount = 16

// ThreadSize is the size of the thread state in bytes.
var ThreadSize = ThreadOffsets.SavedRegistersBegin.I64() + ThreadSavedRegisterCount*16

// ThreadOffsetData allows the compilers to get the information about offsets to the fields of the thread state,
// which are necessary for compiling prologues and native transitions.
type ThreadOffsetData struct {
	// PublicFlags is an offset of the word holding the "permission to touch managed memory" bit
	// together with the bits other parties set to request a pause.
	PublicFlags Offset
	// StackLimit is an offset of the stack low-water mark compared by every prologue.
	StackLimit Offset
	// CurrentException is an offset of the pending-exception latch.
	CurrentException Offset
	// JavaSP is an offset of the managed stack pointer saved across a native transition.
	JavaSP Offset
	// JavaPC is an offset of the frame-shape tag stored across a native transition.
	JavaPC Offset
	// JavaLiterals is an offset of the literals slot cleared across a native transition.
	JavaLiterals Offset
	// StackGrowRequiredSize is an offset of the size requested by a failed stack probe.
	StackGrowRequiredSize Offset
	// FrameFlags is an offset of the per-thread frame flags cleared before pushing a native transition frame.
	FrameFlags Offset
	// ProbeReturnAddress is an offset of the slot holding the return address of a method whose stack probe
	// failed, while its frame is not allocated.
	ProbeReturnAddress Offset
	// SavedRegistersBegin is an offset of the first element of the saved-register area.
	SavedRegistersBegin Offset
}

// Offset represents an offset of a field of a struct.
type Offset int32

// U32 encodes an Offset as uint32 for convenience.
func (o Offset) U32() uint32 {
	return uint32(o)
}

// I64 encodes an Offset as int64 for convenience.
func (o Offset) I64() int64 {
	return int64(o)
}

// SavedRegisterOffset returns the offset of the i-th entry of the saved-register area.
func SavedRegisterOffset(i int) Offset {
	return ThreadOffsets.SavedRegistersBegin + Offset(i*16)
}
