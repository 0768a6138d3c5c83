package arm64

import (
	"fmt"

	"github.com/tetratelabs/jitlink/internal/backend"
	"github.com/tetratelabs/jitlink/internal/jitapi"
)

// Frame is one activation on the stack of a CPU.
type Frame struct {
	// Program is the compiled method of the frame, nil for a native transition frame.
	Program *Program
	// ReturnAddress is where execution continues in this frame.
	ReturnAddress uint64
	// SP is the stack pointer of the frame: the SP after the prologue for a method, or the base of a
	// native transition frame. For a method stopped in its stack probe it is the SP at entry.
	SP uint64
	// Map is the safepoint map at ReturnAddress. Nil for a native transition frame.
	Map *backend.SafepointMap
	// Unallocated is true for a method whose stack probe failed: only its argument registers hold references.
	Unallocated bool
	// Native is true for a native transition frame, and Invisible if it is hidden from stack traces.
	Native, Invisible bool
	// NativeMethod is the method id stored in a native transition frame.
	NativeMethod uint64
}

// ReferenceSlots returns the addresses of the stack slots of f holding live references: the live reference
// locals, and the outgoing argument (or handle) slots.
func (f *Frame) ReferenceSlots() []uint64 {
	if f.Native || f.Unallocated {
		return nil
	}
	var ret []uint64
	for _, idx := range f.Map.StackSlots {
		ret = append(ret, f.SP+uint64(f.Program.Frame.GCSlotOffset(idx)))
	}
	for _, off := range f.Map.OutgoingRefSlots {
		ret = append(ret, f.SP+uint64(off))
	}
	return ret
}

// String implements fmt.Stringer.
func (f *Frame) String() string {
	if f.Native {
		return fmt.Sprintf("native method#%d sp=%#x pc=%#x invisible=%v", f.NativeMethod, f.SP, f.ReturnAddress, f.Invisible)
	}
	return fmt.Sprintf("%s sp=%#x pc=%#x %s", f.Program.Name, f.SP, f.ReturnAddress, f.Map.Format(RegName))
}

// UnwindStack returns the frames of c, innermost first. c must be stopped in a host function entered by a
// branch-and-link from generated code, i.e. at a safepoint.
//
// The implementation must be aligned with the frame layout as in machine_pro_epi_logue.go and call_native.go:
// the return address of a method is at ReturnAddressOffset of its frame, except while its stack probe is being
// serviced, when the frame is not allocated and the return address is kept in the thread.
func UnwindStack(c *CPU) (frames []Frame, err error) {
	offs := &jitapi.ThreadOffsets
	ra, sp := c.LR(), c.SP()

	javaSP, err := c.Load(c.ThreadBase+uint64(offs.JavaSP), 8)
	if err != nil {
		return nil, err
	}
	if javaSP != 0 {
		// A native transition frame is pushed below the innermost method frame.
		var words [jitapi.NativeFrameSize / 8]uint64
		for i := range words {
			if words[i], err = c.Load(javaSP+uint64(i)*8, 8); err != nil {
				return nil, err
			}
		}
		tag := words[jitapi.NativeFrameTagOffset/8]
		if !jitapi.IsNativeFrameTag(tag) {
			return nil, fmt.Errorf("no native transition frame at %#x: tag %#x", javaSP, tag)
		}
		frames = append(frames, Frame{
			ReturnAddress: words[jitapi.NativeFrameSavedPCOffset/8],
			SP:            javaSP,
			Native:        true,
			Invisible:     tag&jitapi.NativeFrameInvisibleTag != 0,
			NativeMethod:  words[jitapi.NativeFrameMethodOffset/8],
		})
		sp = words[jitapi.NativeFrameBackPointerOffset/8]
	}

	for ra != jitapi.HostReturnAddress {
		p, base, ok := c.e.Lookup(ra)
		if !ok {
			return frames, fmt.Errorf("%w: return address %#x", ErrNoCode, ra)
		}
		sm, ok := p.Safepoints.Lookup(int64(ra - base))
		if !ok {
			return frames, fmt.Errorf("%w: %s+%#x", backend.ErrMissingSafepoint, p.Name, ra-base)
		}
		f := Frame{Program: p, ReturnAddress: ra, SP: sp, Map: sm}
		if sm.Kind == backend.SafepointStackProbe {
			f.Unallocated = true
			if ra, err = c.Load(c.ThreadBase+uint64(offs.ProbeReturnAddress), 8); err != nil {
				return frames, err
			}
		} else {
			if ra, err = c.Load(sp+uint64(p.Frame.ReturnAddressOffset), 8); err != nil {
				return frames, err
			}
			sp += uint64(p.Frame.FrameSize)
		}
		frames = append(frames, f)
	}
	return frames, nil
}
