package arm64

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/jitlink/internal/backend"
	"github.com/tetratelabs/jitlink/internal/backend/regalloc"
	"github.com/tetratelabs/jitlink/internal/jitapi"
	"github.com/tetratelabs/jitlink/internal/memory"
)

// testData is a bump allocator of data words starting at jitapi.DataAreaBase.
type testData struct {
	next uint64
}

func newTestData() *testData {
	return &testData{next: jitapi.DataAreaBase}
}

// Allocate implements DataAllocator.
func (d *testData) Allocate(n int) (uint64, error) {
	addr := d.next
	d.next += uint64(n) * 8
	return addr, nil
}

// testFrame returns the frame used by most tests:
//
//	0x38: return address
//	0x30: x21
//	0x28: x22
//	0x20: local 1 (ref, GC 1)
//	0x18: local 0 (ref, GC 0)
//	0x10: local 2 (i64)
//	0x00: outgoing args
func testFrame() *backend.MethodFrameDescriptor {
	return &backend.MethodFrameDescriptor{
		FrameSize:                0x40,
		Alignment:                16,
		ReturnAddressOffset:      0x38,
		OffsetToRegisterSaveArea: 0x28,
		RegisterSaveSize:         0x10,
		SavedRegs:                []regalloc.VReg{x21VReg, x22VReg},
		OffsetToFirstLocal:       0x10,
		LocalSize:                0x18,
		LocalOffsets:             map[backend.LocalID]int64{0: 0x18, 1: 0x20, 2: 0x10},
		GCLocalBase:              0x18,
		NumGCSlots:               2,
		SlotsToZero:              []int{0, 1},
		OffsetToOutgoingArgs:     0,
		OutgoingArgSize:          0x10,
		NativeTransitionReserve:  0x30,
	}
}

// newTestMachine returns a Machine in the middle of a method with testFrame whose prologue is already emitted,
// and the last instruction of the prologue.
func newTestMachine(params []backend.Type, ret backend.Type) (*Machine, *instruction) {
	m := NewMachine(DefaultMachineConfig, newTestData(), nil)
	m.StartMethod("test", testFrame(), params, ret)
	m.SetupPrologue()
	return m, m.tailInstr
}

// formatAfter emits the snippets added after the prologue, and returns the listing of the instructions after start.
func formatAfter(m *Machine, start *instruction) string {
	// The first snippet is the stack growth of the prologue.
	for i := 1; i < len(m.snippets); i++ {
		m.snippets[i]()
	}
	m.snippets = m.snippets[:1]

	var lines []string
	for cur := start.next; cur != nil; cur = cur.next {
		if cur.kind == nop0 {
			if cur.nop0Label() != invalidLabel {
				lines = append(lines, cur.String())
			}
			continue
		}
		lines = append(lines, "\t"+cur.String())
	}
	return "\n" + strings.Join(lines, "\n") + "\n"
}

// requireViolation requires fn to panic with an InvariantViolation wrapping sentinel.
func requireViolation(t *testing.T, sentinel error, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		v, ok := r.(backend.InvariantViolation)
		require.True(t, ok, "recovered %v", r)
		require.ErrorIs(t, v.Err, sentinel)
	}()
	fn()
}

// testEnv is an emulated address space with one thread, a data area and the code of the compiled methods.
type testEnv struct {
	e      *Emulator
	data   *testData
	area   *memory.Region
	thread *memory.Region
	stack  *memory.Region
	next   uint64
}

func newTestEnv() *testEnv {
	env := &testEnv{
		e:      NewEmulator(),
		data:   newTestData(),
		area:   memory.NewRegion("data", jitapi.DataAreaBase, 0x1000),
		thread: memory.NewRegion("thread", jitapi.ThreadRegionAddress(0), jitapi.ThreadRegionStride),
		stack:  memory.NewRegion("stack", jitapi.StackRegionAddress(0), 0x1_0000),
		next:   jitapi.CodeBase,
	}
	env.e.MapRegion(env.area)
	env.e.MapRegion(env.thread)
	return env
}

// compile builds a method with testFrame whose body is emitted by body, returning x0 (or v0) unless ret is void.
func (env *testEnv) compile(t *testing.T, name string, params []backend.Type, ret backend.Type, body func(m *Machine)) *Program {
	m := NewMachine(DefaultMachineConfig, env.data, nil)
	m.StartMethod(name, testFrame(), params, ret)
	m.SetupPrologue()
	body(m)
	switch {
	case ret == backend.TypeVoid:
		m.LowerReturn(regalloc.VRegInvalid)
	case ret.IsFloat():
		m.LowerReturn(v0VReg)
	default:
		m.LowerReturn(x0VReg)
	}
	p, err := m.Finalize()
	require.NoError(t, err)
	return p
}

// install makes p executable and points its direct call cells at their resolve snippets.
func (env *testEnv) install(t *testing.T, p *Program) uint64 {
	base := env.next
	require.NoError(t, env.e.Install(base, p))
	env.next += uint64(alignUp(p.Size(), 16))
	for _, s := range p.PatchSites {
		if s.Kind == backend.PatchSiteDirectCall {
			env.area.StoreWord(s.Address, base+uint64(s.InitialTargetOffset))
		}
	}
	return base
}

// newCPU returns a CPU at the top of the stack, holding VM access.
func (env *testEnv) newCPU() *CPU {
	threadBase := jitapi.ThreadRegionAddress(0)
	c := env.e.NewCPU(threadBase, env.stack)
	c.SetSP(env.stack.Base() + env.stack.Size())
	env.thread.StoreWord(threadBase+uint64(jitapi.ThreadOffsets.StackLimit), env.stack.Base())
	env.thread.StoreWord(threadBase+uint64(jitapi.ThreadOffsets.PublicFlags), jitapi.PublicFlagVMAccess)
	return c
}

// threadWord returns the address of the thread field at off.
func threadWord(off jitapi.Offset) uint64 {
	return jitapi.ThreadRegionAddress(0) + uint64(off)
}
