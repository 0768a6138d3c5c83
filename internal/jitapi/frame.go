package jitapi

// Bits of the word at ThreadOffsets.PublicFlags.
const (
	// PublicFlagHaltRequested is set by the collector while it requests a global pause.
	PublicFlagHaltRequested uint64 = 0x1
	// PublicFlagVMAccess is the "permission to touch managed memory" bit.
	PublicFlagVMAccess uint64 = 0x20
)

// NativeTransitionFrame layout. The frame is pushed on the managed stack right below the
// calling method's frame, and its fields are at fixed offsets from its base so that the
// stack walker can unwind through it without knowing the compiled method.
//
//	      (high address)
//	    +----------------+ <---- caller SP
//	    |    reserved    |  +40
//	    |  back pointer  |  +32  (caller SP)
//	    |      tag       |  +24
//	    |   saved PC     |  +16  (return address of the native call)
//	    |     flags      |  +8
//	    |     method     |  +0
//	    +----------------+ <---- frame base (stored at ThreadOffsets.JavaSP)
//	    |  native stack  |
//	    |   arguments    |
//	    +----------------+ <---- SP at the native call
//	      (low address)
const (
	NativeFrameMethodOffset      = 0
	NativeFrameFlagsOffset       = 8
	NativeFrameSavedPCOffset     = 16
	NativeFrameTagOffset         = 24
	NativeFrameBackPointerOffset = 32
	NativeFrameSize              = 48
)

const (
	// NativeFrameTag marks a slot as the tag word of a NativeTransitionFrame.
	NativeFrameTag uint64 = 0x0a11_ca11_0000_0000
	// NativeFrameInvisibleTag is or-ed into the tag when the compiled method only wraps the native,
	// so that the stack walker hides the frame from stack traces.
	NativeFrameInvisibleTag uint64 = 0x1
	// NativeFrameFlags is the initial value of the flags word.
	NativeFrameFlags uint64 = 0x0003_0000
	// NativeFrameReferenceFrameAllocated is set in the flags word by the runtime when the native
	// allocated a local reference frame that has to be collapsed after the call.
	NativeFrameReferenceFrameAllocated uint64 = 0x1_0000_0000
	// NativeFrameType is stored at ThreadOffsets.JavaPC while a native transition frame is on the stack.
	NativeFrameType uint64 = 0x7
)

// IsNativeFrameTag returns true if the word is the tag of a NativeTransitionFrame.
func IsNativeFrameTag(w uint64) bool {
	return w&^NativeFrameInvisibleTag == NativeFrameTag
}
