package backend

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tetratelabs/jitlink/internal/backend/regalloc"
)

// Label is a position in the generated code of one method.
type Label uint32

// SafepointKind is what kind of instruction a safepoint follows.
type SafepointKind byte

const (
	SafepointCall SafepointKind = iota
	// SafepointStackProbe is the call to the stack growth helper.
	SafepointStackProbe
	// SafepointNative is the call into unmanaged code.
	SafepointNative
	// SafepointHelper is a call to any other runtime helper, such as resolution or the inline cache miss path.
	SafepointHelper
)

// String implements fmt.Stringer.
func (k SafepointKind) String() string {
	switch k {
	case SafepointCall:
		return "call"
	case SafepointStackProbe:
		return "stack-probe"
	case SafepointNative:
		return "native"
	case SafepointHelper:
		return "helper"
	default:
		return "invalid"
	}
}

// SafepointMap describes which registers and stack slots hold live references at one return address.
// It is immutable once recorded.
type SafepointMap struct {
	Kind SafepointKind
	// Registers are the registers holding live references.
	Registers regalloc.RegSet
	// StackSlots are the GC indices of the reference slots of the frame which are live, ascending.
	StackSlots []int
	// OutgoingRefSlots are the offsets of outgoing argument stack slots holding references, ascending.
	OutgoingRefSlots []int64
}

// Format returns a human readable representation of m using name to render registers.
func (m *SafepointMap) Format(name func(regalloc.RealReg) string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s regs=%s slots=%v", m.Kind, m.Registers.Format(name), m.StackSlots)
	if len(m.OutgoingRefSlots) > 0 {
		fmt.Fprintf(&sb, " outgoing=%v", m.OutgoingRefSlots)
	}
	return sb.String()
}

// SafepointEntry is a SafepointMap keyed by the offset of its return address in the method's code.
type SafepointEntry struct {
	ReturnOffset int64
	Map          SafepointMap
}

// SafepointRecorder collects the safepoint maps of one method while its code is being built.
// Maps are keyed by the label placed right after the call, since code offsets are only known after encoding.
type SafepointRecorder struct {
	labels []Label
	maps   []SafepointMap
}

// Reset clears the recorder for the next method.
func (r *SafepointRecorder) Reset() {
	r.labels = r.labels[:0]
	r.maps = r.maps[:0]
}

// Record attaches m to the return address marked by returnLabel.
func (r *SafepointRecorder) Record(returnLabel Label, m SafepointMap) {
	r.labels = append(r.labels, returnLabel)
	r.maps = append(r.maps, m)
}

// Len returns the number of recorded maps.
func (r *SafepointRecorder) Len() int {
	return len(r.labels)
}

// Resolve converts the recorded labels to code offsets and returns the entries sorted by offset.
// Two maps at the same return address is a compilation failure.
func (r *SafepointRecorder) Resolve(labelOffset func(Label) int64) (SafepointTable, error) {
	ret := make(SafepointTable, len(r.labels))
	for i, l := range r.labels {
		ret[i] = SafepointEntry{ReturnOffset: labelOffset(l), Map: r.maps[i]}
	}
	sort.SliceStable(ret, func(i, j int) bool { return ret[i].ReturnOffset < ret[j].ReturnOffset })
	for i := 1; i < len(ret); i++ {
		if ret[i].ReturnOffset == ret[i-1].ReturnOffset {
			return nil, fmt.Errorf("%w: %#x", ErrDuplicateSafepoint, ret[i].ReturnOffset)
		}
	}
	return ret, nil
}

// SafepointTable is the resolved, sorted safepoint maps of a method.
type SafepointTable []SafepointEntry

// Lookup returns the map whose return address is at the given offset.
func (t SafepointTable) Lookup(returnOffset int64) (*SafepointMap, bool) {
	i := sort.Search(len(t), func(i int) bool { return t[i].ReturnOffset >= returnOffset })
	if i < len(t) && t[i].ReturnOffset == returnOffset {
		return &t[i].Map, true
	}
	return nil, false
}
