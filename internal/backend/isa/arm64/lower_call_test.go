package arm64

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/jitlink/internal/backend"
	"github.com/tetratelabs/jitlink/internal/backend/regalloc"
	"github.com/tetratelabs/jitlink/internal/jitapi"
)

var (
	testCallee = backend.MethodRef{ID: 2, Name: "callee", Resolved: true, Address: jitapi.CodeBase + 0x1000}
	testImpl   = backend.MethodRef{ID: 4, Name: "impl", Resolved: true, Address: jitapi.CodeBase + 0x2000}
	testClass  = backend.ClassID(0x4000_1000)
)

func TestMachine_LowerCall(t *testing.T) {
	for _, tc := range []struct {
		name string
		cs   *backend.CallSite
		exp  string
	}{
		{
			name: "direct resolved",
			cs: &backend.CallSite{
				Kind:                backend.CallKindDirect,
				Target:              testCallee,
				Args:                []backend.ArgDesc{backend.RegArg(backend.TypeRef, x21VReg), backend.ConstArg(backend.TypeI32, 5)},
				Return:              backend.TypeI64,
				ReturnDest:          x22VReg,
				LiveReferenceRegs:   regalloc.NewRegSet(x21),
				LiveReferenceLocals: []backend.LocalID{0},
			},
			exp: `
	mov x0, x21
	movz x1, #0x5, lsl 0
	bl callee
L3:
	mov x22, x0
`,
		},
		{
			name: "direct unresolved",
			cs: &backend.CallSite{
				Kind:   backend.CallKindDirect,
				Target: backend.MethodRef{ID: 2, Name: "callee"},
				Return: backend.TypeVoid,
			},
			exp: `
L4:
	bl [0x20000000] ; callee, initially L3
L5:
L3:
	mov x12, x30
	movz x17, #0x2000, lsl 16
	bl resolve_direct_call
L6:
	mov x30, x12
	br x16
`,
		},
		{
			name: "direct with swapped registers",
			cs: &backend.CallSite{
				Kind:   backend.CallKindDirect,
				Target: testCallee,
				Args:   []backend.ArgDesc{backend.RegArg(backend.TypeI64, x1VReg), backend.RegArg(backend.TypeI64, x0VReg)},
				Return: backend.TypeVoid,
			},
			exp: `
	mov x15, x0
	mov x0, x1
	mov x1, x15
	bl callee
L3:
`,
		},
		{
			name: "direct with rotated floating point registers",
			cs: &backend.CallSite{
				Kind:   backend.CallKindDirect,
				Target: testCallee,
				Args: []backend.ArgDesc{
					backend.RegArg(backend.TypeF64, v1VReg),
					backend.RegArg(backend.TypeF64, v2VReg),
					backend.RegArg(backend.TypeF64, v0VReg),
				},
				Return:     backend.TypeF64,
				ReturnDest: v8VReg,
			},
			exp: `
	mov d31, d0
	mov d0, d1
	mov d1, d2
	mov d2, d31
	bl callee
L3:
	mov d8, d0
`,
		},
		{
			name: "direct with a stack argument",
			cs: &backend.CallSite{
				Kind:   backend.CallKindDirect,
				Target: testCallee,
				Args: []backend.ArgDesc{
					backend.ConstArg(backend.TypeI64, 0), backend.ConstArg(backend.TypeI64, 1),
					backend.ConstArg(backend.TypeI64, 2), backend.ConstArg(backend.TypeI64, 3),
					backend.ConstArg(backend.TypeI64, 4), backend.ConstArg(backend.TypeI64, 5),
					backend.ConstArg(backend.TypeI64, 6), backend.ConstArg(backend.TypeI64, 7),
					backend.LocalArg(backend.TypeI64, 2),
				},
				Return: backend.TypeVoid,
			},
			exp: `
	ldr x9, [sp, #0x10]
	str x9, [sp]
	movz x0, #0x0, lsl 0
	movz x1, #0x1, lsl 0
	movz x2, #0x2, lsl 0
	movz x3, #0x3, lsl 0
	movz x4, #0x4, lsl 0
	movz x5, #0x5, lsl 0
	movz x6, #0x6, lsl 0
	movz x7, #0x7, lsl 0
	bl callee
L3:
`,
		},
		{
			name: "virtual resolved",
			cs: &backend.CallSite{
				Kind:   backend.CallKindVirtual,
				Target: backend.MethodRef{Name: "m", Resolved: true, VTableOffset: 0x48},
				Args:   []backend.ArgDesc{backend.RegArg(backend.TypeRef, x21VReg)},
				Return: backend.TypeVoid,
			},
			exp: `
	mov x0, x21
	ldr x9, [x0]
	ldr x16, [x9, #0x48]
	blr x16
L3:
`,
		},
		{
			name: "virtual unresolved",
			cs: &backend.CallSite{
				Kind:   backend.CallKindVirtual,
				Target: backend.MethodRef{Name: "m"},
				Args:   []backend.ArgDesc{backend.RegArg(backend.TypeRef, x21VReg)},
				Return: backend.TypeVoid,
			},
			exp: `
	mov x0, x21
	ldr x9, [x0]
	movz x10, #0x2000, lsl 16
	ldr x10, [x10]
	cbz x10, L3
L4:
	ldr x16, [x9, x10]
	blr x16
L5:
L3:
	movz x17, #0x2000, lsl 16
	bl resolve_virtual_offset
L6:
	b L4
`,
		},
		{
			name: "virtual guarded",
			cs: &backend.CallSite{
				Kind:   backend.CallKindVirtual,
				Target: backend.MethodRef{Name: "m", Resolved: true, VTableOffset: 0x48},
				Args:   []backend.ArgDesc{backend.RegArg(backend.TypeRef, x21VReg)},
				Return: backend.TypeVoid,
				Guard:  &backend.GuardCondition{Kind: backend.GuardNoOverride, Class: testClass, Method: testImpl},
			},
			exp: `
	mov x0, x21
L3:
	nop ; guard 0x20000000 -> L4
	bl impl
L6:
	b L5
L4:
	ldr x9, [x0]
	ldr x16, [x9, #0x48]
	blr x16
L7:
L5:
`,
		},
		{
			name: "virtual profiled",
			cs: &backend.CallSite{
				Kind:    backend.CallKindVirtual,
				Target:  backend.MethodRef{Name: "m", Resolved: true, VTableOffset: 0x48},
				Args:    []backend.ArgDesc{backend.RegArg(backend.TypeRef, x21VReg)},
				Return:  backend.TypeVoid,
				Profile: []backend.ProfiledTarget{{Class: testClass, Method: testImpl, Frequency: 0.9}},
			},
			exp: `
	mov x0, x21
	ldr x9, [x0]
	movz x10, #0x1000, lsl 0
	movk x10, #0x4000, lsl 16
	cmp x9, x10
	b.ne L3
	bl impl
L5:
	b L4
L3:
	ldr x9, [x0]
	ldr x16, [x9, #0x48]
	blr x16
L6:
L4:
`,
		},
		{
			name: "virtual with an infrequent profile",
			cs: &backend.CallSite{
				Kind:    backend.CallKindVirtual,
				Target:  backend.MethodRef{Name: "m", Resolved: true, VTableOffset: 0x48},
				Args:    []backend.ArgDesc{backend.RegArg(backend.TypeRef, x21VReg)},
				Return:  backend.TypeVoid,
				Profile: []backend.ProfiledTarget{{Class: testClass, Method: testImpl, Frequency: 0.05}},
			},
			exp: `
	mov x0, x21
	ldr x9, [x0]
	ldr x16, [x9, #0x48]
	blr x16
L3:
`,
		},
		{
			name: "interface",
			cs: &backend.CallSite{
				Kind:    backend.CallKindInterface,
				Target:  backend.MethodRef{ID: 9, Name: "i.m"},
				Args:    []backend.ArgDesc{backend.RegArg(backend.TypeRef, x21VReg)},
				Return:  backend.TypeVoid,
				Profile: []backend.ProfiledTarget{{Class: testClass, Method: testImpl, Frequency: 0.9}},
			},
			exp: `
	mov x0, x21
	ldr x9, [x0]
	movz x11, #0x1000, lsl 0
	movk x11, #0x4000, lsl 16
	cmp x9, x11
	b.ne L4
	bl impl
L5:
	b L3
L4:
L9:
	movz x10, #0x10, lsl 0
	movk x10, #0x2000, lsl 16
	ldr x11, [x10]
	cmp x9, x11
	b.eq L6
	add x10, x10, #0x10
	ldr x11, [x10]
	cmp x9, x11
	b.eq L6
	b L8
L6:
	ldr x16, [x10, #0x8]
L7:
	blr x16
L10:
L3:
L8:
	movz x17, #0x2000, lsl 16
	bl interface_cache_miss
L11:
	b L7
`,
		},
		{
			name: "native",
			cs: &backend.CallSite{
				Kind:                backend.CallKindNative,
				Target:              backend.MethodRef{ID: 3, Name: "nat", Resolved: true, Address: jitapi.NativeAddress(0)},
				Args:                []backend.ArgDesc{backend.RegArg(backend.TypeRef, x21VReg), backend.ConstArg(backend.TypeI32, 7)},
				Return:              backend.TypeBool,
				ReturnDest:          x22VReg,
				LiveReferenceLocals: []backend.LocalID{0},
			},
			exp: `
	sub sp, sp, #0x30
	movz x9, #0x3, lsl 0
	str x9, [sp]
	movz x9, #0x3, lsl 16
	str x9, [sp, #0x8]
	adr x9, L3
	str x9, [sp, #0x10]
	movz x9, #0xca11, lsl 32
	movk x9, #0xa11, lsl 48
	str x9, [sp, #0x18]
	add x9, sp, #0x30
	str x9, [sp, #0x20]
	str xzr, [x19, #0x38]
	add x9, sp, #0x0
	str x9, [x19, #0x18]
	movz x9, #0x7, lsl 0
	str x9, [x19, #0x20]
	str xzr, [x19, #0x28]
	str x21, [sp, #0x30]
	mov x0, x19
	add x1, sp, #0x30
	ldr x10, [sp, #0x30]
	cmp x10, #0x0
	csel x1, xzr, x1, eq
	movz x2, #0x7, lsl 0
	add x10, x19, #0x0
L4:
	ldaxr x11, [x10]
	cmp x11, #0x20
	b.ne L5
	stlxr w12, xzr, [x10]
	cbnz w12, L4
L6:
	movz x16, #0xc00, lsl 16
	blr x16
L3:
	add x10, x19, #0x0
L7:
	ldaxr x11, [x10]
	cbnz x11, L8
	movz x11, #0x20, lsl 0
	stlxr w12, x11, [x10]
	cbnz w12, L7
L9:
	uxtb w0, w0
	cmp x0, #0x0
	cset x0, ne
	ldr x9, [sp, #0x8]
	tbz x9, #32, L10
	bl collapse_reference_frame
L11:
L10:
	str xzr, [x19, #0x18]
	str xzr, [x19, #0x20]
	add sp, sp, #0x30
	ldr x9, [x19, #0x10]
	cbnz x9, L12
	mov x22, x0
L5:
	bl release_vm_access
L13:
	b L6
L8:
	bl acquire_vm_access
L14:
	b L9
L12:
	bl throw_current_exception
L15:
`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, start := newTestMachine(nil, backend.TypeVoid)
			m.LowerCall(tc.cs)
			require.Equal(t, tc.exp, formatAfter(m, start))
		})
	}
}

func TestMachine_LowerCall_safepoints(t *testing.T) {
	for _, tc := range []struct {
		name string
		cs   *backend.CallSite
		exp  []backend.SafepointMap
	}{
		{
			name: "direct resolved",
			cs: &backend.CallSite{
				Kind:                backend.CallKindDirect,
				Target:              testCallee,
				Args:                []backend.ArgDesc{backend.RegArg(backend.TypeRef, x21VReg)},
				Return:              backend.TypeVoid,
				LiveReferenceRegs:   regalloc.NewRegSet(x21, x22),
				LiveReferenceLocals: []backend.LocalID{1, 0},
			},
			exp: []backend.SafepointMap{
				{Kind: backend.SafepointCall, Registers: regalloc.NewRegSet(x21, x22), StackSlots: []int{0, 1}},
			},
		},
		{
			name: "direct unresolved",
			cs: &backend.CallSite{
				Kind:              backend.CallKindDirect,
				Target:            backend.MethodRef{ID: 2, Name: "callee"},
				Args:              []backend.ArgDesc{backend.RegArg(backend.TypeRef, x21VReg), backend.RegArg(backend.TypeI64, x22VReg)},
				Return:            backend.TypeVoid,
				LiveReferenceRegs: regalloc.NewRegSet(x21),
			},
			exp: []backend.SafepointMap{
				{Kind: backend.SafepointCall, Registers: regalloc.NewRegSet(x21)},
				// The resolution sees the reference receiver in x0.
				{Kind: backend.SafepointHelper, Registers: regalloc.NewRegSet(x0, x21)},
			},
		},
		{
			name: "virtual unresolved",
			cs: &backend.CallSite{
				Kind:              backend.CallKindVirtual,
				Target:            backend.MethodRef{Name: "m"},
				Args:              []backend.ArgDesc{backend.RegArg(backend.TypeRef, x21VReg), backend.RegArg(backend.TypeRef, x22VReg)},
				Return:            backend.TypeVoid,
				LiveReferenceRegs: regalloc.NewRegSet(x21),
			},
			exp: []backend.SafepointMap{
				{Kind: backend.SafepointCall, Registers: regalloc.NewRegSet(x21)},
				// The resolution sees the receiver and the reference argument in their argument registers.
				{Kind: backend.SafepointHelper, Registers: regalloc.NewRegSet(x0, x1, x21)},
			},
		},
		{
			name: "native",
			cs: &backend.CallSite{
				Kind:                backend.CallKindNative,
				Target:              backend.MethodRef{ID: 3, Name: "nat", Resolved: true, Address: jitapi.NativeAddress(0)},
				Args:                []backend.ArgDesc{backend.RegArg(backend.TypeRef, x21VReg)},
				Return:              backend.TypeRef,
				LiveReferenceLocals: []backend.LocalID{0},
			},
			exp: []backend.SafepointMap{
				{Kind: backend.SafepointNative, StackSlots: []int{0}, OutgoingRefSlots: []int64{0}},
				{Kind: backend.SafepointHelper, Registers: regalloc.NewRegSet(x0), StackSlots: []int{0}, OutgoingRefSlots: []int64{0}},
				{Kind: backend.SafepointHelper, StackSlots: []int{0}, OutgoingRefSlots: []int64{0}},
				{Kind: backend.SafepointHelper, StackSlots: []int{0}, OutgoingRefSlots: []int64{0}},
				{Kind: backend.SafepointCall, Registers: regalloc.NewRegSet(x0), StackSlots: []int{0}},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, _ := newTestMachine(nil, backend.TypeVoid)
			m.LowerCall(tc.cs)
			m.LowerReturn(regalloc.VRegInvalid)
			p, err := m.Finalize()
			require.NoError(t, err)

			// The first two are the stack growth and the exception of the prologue.
			var actual []backend.SafepointMap
			for _, e := range p.Safepoints {
				if e.Map.Kind != backend.SafepointStackProbe {
					actual = append(actual, e.Map)
				}
			}
			require.Equal(t, tc.exp, actual)
		})
	}
}

func TestMachine_LowerCall_patchSites(t *testing.T) {
	m, _ := newTestMachine(nil, backend.TypeVoid)
	m.LowerCall(&backend.CallSite{
		Kind:   backend.CallKindVirtual,
		Target: backend.MethodRef{Name: "m", Resolved: true, VTableOffset: 0x48},
		Args:   []backend.ArgDesc{backend.RegArg(backend.TypeRef, x21VReg)},
		Return: backend.TypeVoid,
		Guard:  &backend.GuardCondition{Kind: backend.GuardNoOverride, Class: testClass, Method: testImpl},
	})
	m.LowerCall(&backend.CallSite{Kind: backend.CallKindDirect, Target: backend.MethodRef{ID: 2, Name: "callee"}, Return: backend.TypeVoid})
	m.LowerCall(&backend.CallSite{
		Kind:   backend.CallKindInterface,
		Target: backend.MethodRef{ID: 9, Name: "i.m"},
		Args:   []backend.ArgDesc{backend.RegArg(backend.TypeRef, x21VReg)},
		Return: backend.TypeVoid,
	})
	m.LowerReturn(regalloc.VRegInvalid)
	p, err := m.Finalize()
	require.NoError(t, err)
	require.Equal(t, 3, len(p.PatchSites))

	guard := p.PatchSites[0]
	require.Equal(t, backend.PatchSiteGuard, guard.Kind)
	require.Equal(t, jitapi.DataAreaBase, guard.Address)
	in, ok := p.instructionAt(guard.CodeOffset)
	require.True(t, ok)
	require.Equal(t, guardNop, in.kind)
	// The fallback is the full dispatch.
	in, ok = p.instructionAt(guard.InitialTargetOffset)
	require.True(t, ok)
	require.Equal(t, "ldr x9, [x0]", in.String())

	direct := p.PatchSites[1]
	require.Equal(t, backend.PatchSiteDirectCall, direct.Kind)
	require.Equal(t, jitapi.DataAreaBase+8, direct.Address)
	in, ok = p.instructionAt(direct.CodeOffset)
	require.True(t, ok)
	require.Equal(t, callCell, in.kind)
	in, ok = p.instructionAt(direct.InitialTargetOffset)
	require.True(t, ok)
	// The snippet keeps the mainline return address aside before calling the resolution.
	require.Equal(t, "mov x12, x30", in.String())

	cache := p.PatchSites[2]
	require.Equal(t, backend.PatchSiteInlineCache, cache.Kind)
	require.Equal(t, jitapi.DataAreaBase+16, cache.Address)
	require.Equal(t, 2, cache.Slots)
	require.Equal(t, 6, cache.Words)
	require.Equal(t, "i.m", cache.Target.Name)
}

func TestMachine_LowerCall_errors(t *testing.T) {
	for _, tc := range []struct {
		name string
		cs   *backend.CallSite
		exp  error
	}{
		{
			name: "argument in a scratch register",
			cs: &backend.CallSite{
				Kind:   backend.CallKindDirect,
				Target: testCallee,
				Args:   []backend.ArgDesc{backend.RegArg(backend.TypeI64, x9VReg)},
				Return: backend.TypeVoid,
			},
			exp: backend.ErrArgumentLayoutMismatch,
		},
		{
			name: "argument in the thread register",
			cs: &backend.CallSite{
				Kind:   backend.CallKindDirect,
				Target: testCallee,
				Args:   []backend.ArgDesc{backend.RegArg(backend.TypeI64, x19VReg)},
				Return: backend.TypeVoid,
			},
			exp: backend.ErrArgumentLayoutMismatch,
		},
		{
			name: "live reference in a volatile register",
			cs: &backend.CallSite{
				Kind:              backend.CallKindDirect,
				Target:            testCallee,
				Return:            backend.TypeVoid,
				LiveReferenceRegs: regalloc.NewRegSet(x1),
			},
			exp: backend.ErrInvalidCallSite,
		},
		{
			name: "native with a live reference register",
			cs: &backend.CallSite{
				Kind:              backend.CallKindNative,
				Target:            backend.MethodRef{Name: "nat", Resolved: true, Address: jitapi.NativeAddress(0)},
				Return:            backend.TypeVoid,
				LiveReferenceRegs: regalloc.NewRegSet(x21),
			},
			exp: backend.ErrInvalidCallSite,
		},
		{
			name: "unresolved native",
			cs: &backend.CallSite{
				Kind:   backend.CallKindNative,
				Target: backend.MethodRef{Name: "nat"},
				Return: backend.TypeVoid,
			},
			exp: backend.ErrInvalidCallSite,
		},
		{
			name: "outgoing arguments larger than the frame",
			cs: &backend.CallSite{
				Kind:   backend.CallKindDirect,
				Target: testCallee,
				Args: []backend.ArgDesc{
					backend.ConstArg(backend.TypeI64, 0), backend.ConstArg(backend.TypeI64, 1),
					backend.ConstArg(backend.TypeI64, 2), backend.ConstArg(backend.TypeI64, 3),
					backend.ConstArg(backend.TypeI64, 4), backend.ConstArg(backend.TypeI64, 5),
					backend.ConstArg(backend.TypeI64, 6), backend.ConstArg(backend.TypeI64, 7),
					backend.ConstArg(backend.TypeI64, 8), backend.ConstArg(backend.TypeI64, 9),
					backend.ConstArg(backend.TypeI64, 10),
				},
				Return: backend.TypeVoid,
			},
			exp: backend.ErrArgumentLayoutMismatch,
		},
		{
			name: "native with more handles than the outgoing area",
			cs: &backend.CallSite{
				Kind:   backend.CallKindNative,
				Target: backend.MethodRef{Name: "nat", Resolved: true, Address: jitapi.NativeAddress(0)},
				Args: []backend.ArgDesc{
					backend.ConstArg(backend.TypeRef, 0), backend.ConstArg(backend.TypeRef, 0), backend.ConstArg(backend.TypeRef, 0),
				},
				Return: backend.TypeVoid,
			},
			exp: backend.ErrArgumentLayoutMismatch,
		},
		{
			name: "live local which is not a reference slot",
			cs: &backend.CallSite{
				Kind:                backend.CallKindDirect,
				Target:              testCallee,
				Return:              backend.TypeVoid,
				LiveReferenceLocals: []backend.LocalID{2},
			},
			exp: backend.ErrInvalidLocal,
		},
		{
			name: "guarded target not resolved",
			cs: &backend.CallSite{
				Kind:   backend.CallKindVirtual,
				Target: backend.MethodRef{Name: "m"},
				Args:   []backend.ArgDesc{backend.RegArg(backend.TypeRef, x21VReg)},
				Return: backend.TypeVoid,
				Guard:  &backend.GuardCondition{Kind: backend.GuardNoOverride, Method: backend.MethodRef{Name: "impl"}},
			},
			exp: backend.ErrInvalidCallSite,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, _ := newTestMachine(nil, backend.TypeVoid)
			requireViolation(t, tc.exp, func() { m.LowerCall(tc.cs) })
		})
	}
}

func TestMachine_LowerCall_nativeReserveTooSmall(t *testing.T) {
	m := NewMachine(DefaultMachineConfig, newTestData(), nil)
	f := testFrame()
	f.NativeTransitionReserve = 0
	m.StartMethod("test", f, nil, backend.TypeVoid)
	m.SetupPrologue()
	requireViolation(t, backend.ErrArgumentLayoutMismatch, func() {
		m.LowerCall(&backend.CallSite{
			Kind:   backend.CallKindNative,
			Target: backend.MethodRef{Name: "nat", Resolved: true, Address: jitapi.NativeAddress(0)},
			Return: backend.TypeVoid,
		})
	})
}

func TestOutgoingArgSize(t *testing.T) {
	args := func(n int, typ backend.Type) []backend.ArgDesc {
		ret := make([]backend.ArgDesc, n)
		for i := range ret {
			ret[i] = backend.ConstArg(typ, 0)
		}
		return ret
	}
	for _, tc := range []struct {
		name       string
		cs         *backend.CallSite
		exp        int64
		expReserve int64
	}{
		{name: "no args", cs: &backend.CallSite{Kind: backend.CallKindDirect, Return: backend.TypeVoid}, exp: 0},
		{name: "eight ints", cs: &backend.CallSite{Kind: backend.CallKindDirect, Args: args(8, backend.TypeI64), Return: backend.TypeVoid}, exp: 0},
		{name: "nine ints", cs: &backend.CallSite{Kind: backend.CallKindDirect, Args: args(9, backend.TypeI64), Return: backend.TypeVoid}, exp: 16},
		{name: "eleven refs", cs: &backend.CallSite{Kind: backend.CallKindVirtual, Args: args(11, backend.TypeRef), Return: backend.TypeVoid}, exp: 32},
		{name: "native one ref", cs: &backend.CallSite{Kind: backend.CallKindNative, Args: args(1, backend.TypeRef), Return: backend.TypeVoid}, exp: 16, expReserve: 48},
		{name: "native three refs", cs: &backend.CallSite{Kind: backend.CallKindNative, Args: args(3, backend.TypeRef), Return: backend.TypeVoid}, exp: 32, expReserve: 48},
		// The thread takes x0: the eighth argument is the first on the stack.
		{name: "native eight ints", cs: &backend.CallSite{Kind: backend.CallKindNative, Args: args(8, backend.TypeI64), Return: backend.TypeVoid}, exp: 0, expReserve: 64},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.exp, OutgoingArgSize(tc.cs))
			require.Equal(t, tc.expReserve, NativeTransitionReserve(tc.cs))
		})
	}
}
