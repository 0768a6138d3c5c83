// Package framelayout assigns stack offsets to the locals and temporaries of a compiled method,
// sharing one slot between locals whose live ranges never overlap.
package framelayout

import (
	"fmt"
	"sort"

	"github.com/tetratelabs/jitlink/internal/backend"
	"github.com/tetratelabs/jitlink/internal/backend/regalloc"
	"github.com/tetratelabs/jitlink/internal/jitapi"
)

// PrivateReason is why a local must not share its slot with any other local.
type PrivateReason byte

const (
	Shareable PrivateReason = iota
	// PinningAnchor holds an array whose elements are referenced by internal pointers.
	PinningAnchor
	// MonitoredObject holds an object whose monitor is held by the method.
	MonitoredObject
	// AddressTaken is a local whose address escapes into another value.
	AddressTaken
	// InternalPointer is a derived pointer into the middle of an object.
	InternalPointer
)

// String implements fmt.Stringer.
func (r PrivateReason) String() string {
	switch r {
	case Shareable:
		return "shareable"
	case PinningAnchor:
		return "pinning-anchor"
	case MonitoredObject:
		return "monitored-object"
	case AddressTaken:
		return "address-taken"
	case InternalPointer:
		return "internal-pointer"
	default:
		return "invalid"
	}
}

// Local is one local or temporary stack location of a method.
type Local struct {
	ID   backend.LocalID
	Name string
	Type backend.Type
	// Size overrides the slot size derived from Type. The only valid override is 16.
	Size    int64
	Private PrivateReason
	// Uninitialized is true when a safepoint can be reached before the first store to the local.
	Uninitialized bool
}

func (l *Local) slotSize() int64 {
	if l.Size != 0 {
		return l.Size
	}
	return l.Type.Size()
}

func (l *Local) String() string {
	if l.Name != "" {
		return l.Name
	}
	return fmt.Sprintf("local%d", l.ID)
}

// FrameInput is what the rest of the back end knows about the frame before locals are placed.
type FrameInput struct {
	// SavedRegs are the preserved registers used by the method body.
	SavedRegs []regalloc.VReg
	// OutgoingArgSize is the largest stack-passed argument area among the method's call sites.
	OutgoingArgSize int64
	// NativeTransitionReserve is the largest number of bytes a native transition pushes below the frame.
	NativeTransitionReserve int64
}

// Options configures the planner.
type Options struct {
	// SlotSharing allows non-interfering locals to share a slot.
	SlotSharing bool
	// ObjectAlignment is the alignment of heap objects, which stack allocated objects must also satisfy.
	ObjectAlignment int64
}

// SlotColoring is the result of coloring the locals.
type SlotColoring struct {
	// Color maps a local to its color. Colors are unique across groups.
	Color map[backend.LocalID]int
	// ColorOffset maps a color to its frame offset.
	ColorOffset []int64
	// GCIndex maps a reference local to its GC index.
	GCIndex map[backend.LocalID]int
}

// Offset returns the frame offset of the given local.
func (c *SlotColoring) Offset(id backend.LocalID) (int64, bool) {
	color, ok := c.Color[id]
	if !ok {
		return 0, false
	}
	return c.ColorOffset[color], true
}

// NumColors returns the number of distinct slots.
func (c *SlotColoring) NumColors() int {
	return len(c.ColorOffset)
}

type group byte

const (
	groupRef group = iota
	group4
	group8
	group16
	numGroups
)

var groupSlotSize = [numGroups]int64{groupRef: 8, group4: 4, group8: 8, group16: 16}

// PlanLayout colors the locals and computes the frame descriptor.
//
// References are colored first and packed into one contiguous run so that the GC map of the
// method is a base offset plus a GC index per slot. The other locals follow, grouped by slot size
// with narrower groups at higher addresses and re-alignment between groups. A long-displacement
// anchor slot and the outgoing argument area complete the frame, which is then aligned.
func PlanLayout(locals []Local, g *InterferenceGraph, in FrameInput, opts Options) (*backend.MethodFrameDescriptor, *SlotColoring, error) {
	align := int64(16)
	if oa := opts.ObjectAlignment; oa != 0 {
		if oa&(oa-1) != 0 {
			return nil, nil, fmt.Errorf("object alignment %d is not a power of two", oa)
		}
		if oa > align {
			align = oa
		}
	}

	var groups [numGroups][]*Local
	seen := make(map[backend.LocalID]struct{}, len(locals))
	for i := range locals {
		l := &locals[i]
		if _, ok := seen[l.ID]; ok {
			return nil, nil, fmt.Errorf("%w: %s declared twice", backend.ErrInvalidLocal, l)
		}
		seen[l.ID] = struct{}{}
		grp, err := groupOf(l)
		if err != nil {
			return nil, nil, err
		}
		groups[grp] = append(groups[grp], l)
	}

	coloring := &SlotColoring{Color: make(map[backend.LocalID]int, len(locals)), GCIndex: make(map[backend.LocalID]int)}
	var groupColors [numGroups]int
	for grp := range groups {
		groupColors[grp] = colorGroup(groups[grp], g, opts.SlotSharing, coloring.Color, len(coloring.ColorOffset))
		for i := 0; i < groupColors[grp]; i++ {
			coloring.ColorOffset = append(coloring.ColorOffset, 0)
		}
	}

	saveSize := int64(len(in.SavedRegs)) * 8
	localsTop := -(8 + saveSize)

	// Offsets are relative to the SP at entry until the frame size is known.
	cursor := localsTop
	colorBase := 0
	var gcBase int64
	for grp := group(0); grp < numGroups; grp++ {
		size, n := groupSlotSize[grp], groupColors[grp]
		if n > 0 && (grp == group16 || grp == group8) {
			cursor = alignDown(cursor, size)
		}
		cursor -= size * int64(n)
		for c := 0; c < n; c++ {
			coloring.ColorOffset[colorBase+c] = cursor + size*int64(c)
		}
		if grp == groupRef {
			gcBase = cursor
		}
		colorBase += n
	}
	cursor = alignDown(cursor, 8)
	localsBottom := cursor

	cursor -= 8
	anchor := cursor

	outgoing := alignUp(in.OutgoingArgSize, 16)
	frameSize := alignUp(-cursor+outgoing, align)

	for i := range coloring.ColorOffset {
		coloring.ColorOffset[i] += frameSize
	}

	d := &backend.MethodFrameDescriptor{
		FrameSize:                    frameSize,
		Alignment:                    align,
		ReturnAddressOffset:          frameSize - 8,
		OffsetToRegisterSaveArea:     frameSize - 8 - saveSize,
		RegisterSaveSize:             saveSize,
		SavedRegs:                    in.SavedRegs,
		OffsetToFirstLocal:           frameSize + localsBottom,
		LocalSize:                    localsTop - localsBottom,
		LocalOffsets:                 make(map[backend.LocalID]int64, len(locals)),
		GCLocalBase:                  frameSize + gcBase,
		NumGCSlots:                   groupColors[groupRef],
		LongDisplacementAnchorOffset: frameSize + anchor,
		OffsetToOutgoingArgs:         0,
		OutgoingArgSize:              outgoing,
		NativeTransitionReserve:      in.NativeTransitionReserve,
	}

	zero := make(map[int]struct{})
	for i := range locals {
		l := &locals[i]
		color := coloring.Color[l.ID]
		d.LocalOffsets[l.ID] = coloring.ColorOffset[color]
		if l.Type.IsRef() {
			gcIndex := color
			coloring.GCIndex[l.ID] = gcIndex
			if l.Uninitialized || l.Private == PinningAnchor {
				zero[gcIndex] = struct{}{}
			}
		}
	}
	for i := range zero {
		d.SlotsToZero = append(d.SlotsToZero, i)
	}
	sort.Ints(d.SlotsToZero)

	if jitapi.FrameLayoutValidationEnabled {
		validateColoring(locals, g, d)
	}
	if err := d.Validate(); err != nil {
		return nil, nil, fmt.Errorf("BUG: %w", err)
	}
	if jitapi.FrameLayoutLoggingEnabled {
		fmt.Printf("[framelayout] %d locals in %d slots\n%s\n", len(locals), coloring.NumColors(), d)
	}
	return d, coloring, nil
}

func groupOf(l *Local) (group, error) {
	switch l.Type {
	case backend.TypeInvalid, backend.TypeVoid:
		return 0, fmt.Errorf("%w: %s has type %s", backend.ErrInvalidLocal, l, l.Type)
	}
	switch size := l.slotSize(); {
	case l.Type.IsRef():
		if size != 8 {
			return 0, fmt.Errorf("%w: reference %s with size %d", backend.ErrInvalidLocal, l, size)
		}
		return groupRef, nil
	case size == 4:
		return group4, nil
	case size == 8:
		return group8, nil
	case size == 16:
		return group16, nil
	default:
		return 0, fmt.Errorf("%w: %s with size %d", backend.ErrInvalidLocal, l, size)
	}
}

// validateColoring panics if two locals at the same offset interfere.
func validateColoring(locals []Local, g *InterferenceGraph, d *backend.MethodFrameDescriptor) {
	for i := range locals {
		a := &locals[i]
		for j := i + 1; j < len(locals); j++ {
			b := &locals[j]
			if d.LocalOffsets[a.ID] != d.LocalOffsets[b.ID] {
				continue
			}
			if a.Private != Shareable || b.Private != Shareable {
				panic(fmt.Sprintf("BUG: private local shares a slot: %s vs %s", a, b))
			}
			if g == nil || g.Interferes(a.ID, b.ID) || !g.HasNode(a.ID) || !g.HasNode(b.ID) {
				panic(fmt.Sprintf("BUG color conflict: %s vs %s", a, b))
			}
		}
	}
}

func alignUp(v, align int64) int64 {
	return (v + align - 1) &^ (align - 1)
}

func alignDown(v, align int64) int64 {
	return v &^ (align - 1)
}
