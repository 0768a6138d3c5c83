package jitlink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/jitlink/internal/backend"
	"github.com/tetratelabs/jitlink/internal/backend/isa/arm64"
	"github.com/tetratelabs/jitlink/internal/backend/regalloc"
	"github.com/tetratelabs/jitlink/internal/jitapi"
	"github.com/tetratelabs/jitlink/internal/memory"
	"github.com/tetratelabs/jitlink/internal/runtime/vmaccess"
	"github.com/tetratelabs/jitlink/internal/vmmodel"
)

const (
	methodRun  MethodID = 1
	methodSize MethodID = 2
	methodMain MethodID = 3
)

func mustReg(name string) Reg {
	r, err := arm64.RegByName(name)
	if err != nil {
		panic(err)
	}
	return r
}

var (
	x0  = mustReg("x0")
	x1  = mustReg("x1")
	x21 = mustReg("x21")
)

// constMethod returns v.
func constMethod(name string, params []Type, v int64) *Method {
	return &Method{
		Name: name, Params: params, Return: backend.TypeI64,
		Body: []Op{{Kind: OpConst, Dst: x0, Value: v}, {Kind: OpReturn, Src: x0}},
	}
}

// callerMethod takes a receiver in x0 and returns the result of cs, which is called with the receiver.
func callerMethod(name string, cs *CallSite) *Method {
	cs.Args = []ArgDesc{backend.RegArg(backend.TypeRef, x0)}
	cs.Return = backend.TypeI64
	cs.ReturnDest = x21
	return &Method{
		Name: name, Params: []Type{backend.TypeRef}, Return: backend.TypeI64,
		SavedRegs: []Reg{x21},
		Body: []Op{
			{Kind: OpCall, Call: cs},
			{Kind: OpMove, Dst: x0, Src: x21},
			{Kind: OpReturn, Src: x0},
		},
	}
}

type testEnv struct {
	rt    *Runtime
	model *vmmodel.Model
	heap  *memory.Region
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	heap := memory.NewRegion("heap", jitapi.HeapBase, 0x1_0000)
	model := vmmodel.NewModel(heap)
	rt, err := NewRuntime(cfg, heap, model)
	require.NoError(t, err)
	return &testEnv{rt: rt, model: model, heap: heap}
}

func (env *testEnv) install(t *testing.T, m *Method) *CompiledMethod {
	cm, err := env.rt.Install(m)
	require.NoError(t, err)
	return cm
}

func (env *testEnv) newThread(t *testing.T) *Thread {
	th, err := env.rt.NewThread()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, th.Close()) })
	return th
}

func (env *testEnv) newObject(t *testing.T, class *vmmodel.Class) uint64 {
	obj, err := env.model.NewObject(class.ID, 1)
	require.NoError(t, err)
	return obj
}

func TestRuntime_Install(t *testing.T) {
	env := newTestEnv(t, NewConfig())
	answer := env.install(t, constMethod("answer", nil, 42))
	require.Equal(t, jitapi.CodeBase, answer.Entry)
	require.Equal(t, int(answer.compiled.Program.Size()), len(answer.Code()))
	require.NotEmpty(t, answer.Listing())

	got, ok := env.rt.Method("answer")
	require.True(t, ok)
	require.Equal(t, answer, got)

	// Methods are 16-byte aligned one after the other.
	other := env.install(t, constMethod("other", nil, 1))
	require.Equal(t, alignUp(answer.Entry+uint64(len(answer.Code())), 16), other.Entry)

	_, err := env.rt.Install(constMethod("answer", nil, 1))
	require.ErrorIs(t, err, ErrMethodInstalled)

	th := env.newThread(t)
	ret, err := th.Call(answer)
	require.NoError(t, err)
	require.Equal(t, uint64(42), ret)

	answer.Invalidate()
	_, ok = env.rt.Method("answer")
	require.False(t, ok)
}

func TestRuntime_Install_compilationError(t *testing.T) {
	env := newTestEnv(t, NewConfig())
	_, err := env.rt.Install(&Method{
		Name: "bad", Return: backend.TypeVoid,
		Body: []Op{
			// Virtual calls need a receiver.
			{Kind: OpCall, Call: &CallSite{Kind: backend.CallKindVirtual, Return: backend.TypeVoid}},
			{Kind: OpReturn, Src: regalloc.VRegInvalid},
		},
	})
	var ce *backend.CompilationError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, "bad", ce.Method)
	require.ErrorIs(t, err, backend.ErrInvalidCallSite)

	// Nothing was installed.
	_, ok := env.rt.Method("bad")
	require.False(t, ok)
	require.Equal(t, jitapi.CodeBase, env.rt.next)
}

func TestRuntime_Install_duplicateName(t *testing.T) {
	env := newTestEnv(t, NewConfig())
	caller := env.install(t, unresolvedCaller("caller"))
	used, next := env.rt.area.Used(), env.rt.next

	// The name is checked before compiling: no data word is taken.
	_, err := env.rt.Install(unresolvedCaller("caller"))
	require.ErrorIs(t, err, ErrMethodInstalled)
	require.Equal(t, used, env.rt.area.Used())
	require.Equal(t, next, env.rt.next)

	got, ok := env.rt.Method("caller")
	require.True(t, ok)
	require.Equal(t, caller, got)
}

func TestRuntime_Install_sitesFailure(t *testing.T) {
	env := newTestEnv(t, NewConfig())
	first := env.install(t, constMethod("first", nil, 1))
	used, next := env.rt.area.Used(), env.rt.next

	// A stale site on the next data word makes the sites of the caller fail to install.
	require.NoError(t, env.rt.sites.Install("stale", first.Entry, []backend.PatchSite{{
		Kind: backend.PatchSiteVirtualOffset, Address: env.rt.area.Mark(), Words: 1,
	}}))
	_, err := env.rt.Install(unresolvedCaller("caller"))
	require.ErrorContains(t, err, "installed twice")
	_, ok := env.rt.Method("caller")
	require.False(t, ok)
	require.Equal(t, used, env.rt.area.Used())
	require.Equal(t, next, env.rt.next)

	// Neither the code nor the sites of the failed installation are left behind.
	env.rt.sites.Uninstall("stale")
	caller := env.install(t, unresolvedCaller("caller"))
	require.Equal(t, next, caller.Entry)
	require.Equal(t, used+8, env.rt.area.Used())
	_, err = env.rt.sites.CallSite(caller.PatchSites()[0].Address)
	require.NoError(t, err)
}

func TestRuntime_directCallResolvedOnce(t *testing.T) {
	env := newTestEnv(t, NewConfig())
	callee := env.install(t, constMethod("callee", nil, 7))
	env.model.DefineStatic(methodMain, callee.Entry)

	caller := env.install(t, &Method{
		Name: "caller", Return: backend.TypeI64, SavedRegs: []Reg{x21},
		Body: []Op{
			{Kind: OpCall, Call: &CallSite{
				Kind: backend.CallKindDirect, Target: MethodRef{ID: methodMain, Name: "callee"},
				Return: backend.TypeI64, ReturnDest: x21,
			}},
			{Kind: OpMove, Dst: x0, Src: x21},
			{Kind: OpReturn, Src: x0},
		},
	})
	sites := caller.PatchSites()
	require.Equal(t, 1, len(sites))
	require.Equal(t, backend.PatchSiteDirectCall, sites[0].Kind)

	th := env.newThread(t)
	for i := 0; i < 3; i++ {
		ret, err := th.Call(caller)
		require.NoError(t, err)
		require.Equal(t, uint64(7), ret)
	}
	resolutions := env.rt.Stats().CallSiteResolutions.WithLabelValues(backend.PatchSiteDirectCall.String())
	require.Equal(t, float64(1), testutil.ToFloat64(resolutions))

	// The branch-and-link now reaches the callee directly.
	pc := caller.Entry + uint64(sites[0].CodeOffset)
	word, err := env.rt.code.Load(pc, 4)
	require.NoError(t, err)
	target, ok := arm64.DecodeBranchTarget(pc, uint32(word))
	require.True(t, ok)
	require.Equal(t, callee.Entry, target)
}

func TestRuntime_directCallUnresolvable(t *testing.T) {
	env := newTestEnv(t, NewConfig())
	caller := env.install(t, &Method{
		Name: "caller", Return: backend.TypeVoid,
		Body: []Op{
			{Kind: OpCall, Call: &CallSite{Kind: backend.CallKindDirect, Target: MethodRef{ID: 99, Name: "missing"}, Return: backend.TypeVoid}},
			{Kind: OpReturn, Src: regalloc.VRegInvalid},
		},
	})
	th := env.newThread(t)
	_, err := th.Call(caller)
	require.ErrorIs(t, err, vmmodel.ErrUnknownMethod)
}

func TestRuntime_virtualOffsetResolved(t *testing.T) {
	env := newTestEnv(t, NewConfig())
	small := env.install(t, constMethod("Small.size", []Type{backend.TypeRef}, 1))
	large := env.install(t, constMethod("Large.size", []Type{backend.TypeRef}, 100))
	smallClass, err := env.model.LoadClass(vmmodel.ClassDef{Name: "Small", Methods: map[MethodID]uint64{methodSize: small.Entry}})
	require.NoError(t, err)
	largeClass, err := env.model.LoadClass(vmmodel.ClassDef{Name: "Large", Super: "Small", Methods: map[MethodID]uint64{methodSize: large.Entry}})
	require.NoError(t, err)

	caller := env.install(t, callerMethod("caller", &CallSite{Kind: backend.CallKindVirtual, Target: MethodRef{ID: methodSize, Name: "size"}}))
	th := env.newThread(t)
	for _, tc := range []struct {
		obj uint64
		exp uint64
	}{
		{obj: env.newObject(t, smallClass), exp: 1},
		{obj: env.newObject(t, largeClass), exp: 100},
		{obj: env.newObject(t, smallClass), exp: 1},
	} {
		ret, err := th.Call(caller, tc.obj)
		require.NoError(t, err)
		require.Equal(t, tc.exp, ret)
	}
	resolutions := env.rt.Stats().CallSiteResolutions.WithLabelValues(backend.PatchSiteVirtualOffset.String())
	require.Equal(t, float64(1), testutil.ToFloat64(resolutions))
}

func TestRuntime_guardTrippedByClassLoad(t *testing.T) {
	env := newTestEnv(t, NewConfig())
	baseRun := env.install(t, constMethod("Base.run", []Type{backend.TypeRef}, 1))
	subRun := env.install(t, constMethod("Sub.run", []Type{backend.TypeRef}, 2))
	base, err := env.model.LoadClass(vmmodel.ClassDef{Name: "Base", Methods: map[MethodID]uint64{methodRun: baseRun.Entry}})
	require.NoError(t, err)
	run, err := env.model.VirtualMethod(methodRun)
	require.NoError(t, err)

	guarded := MethodRef{ID: methodRun, Name: "Base.run", Resolved: true, Address: baseRun.Entry}
	caller := env.install(t, callerMethod("caller", &CallSite{
		Kind: backend.CallKindVirtual, Target: run,
		Guard: &GuardCondition{Kind: backend.GuardNoOverride, Class: base.ID, Method: guarded},
	}))
	th := env.newThread(t)
	baseObj := env.newObject(t, base)
	ret, err := th.Call(caller, baseObj)
	require.NoError(t, err)
	require.Equal(t, uint64(1), ret)

	// Loading a class which does not override keeps the guard.
	same, err := env.model.LoadClass(vmmodel.ClassDef{Name: "Same", Super: "Base"})
	require.NoError(t, err)
	n, err := env.rt.NotifyClassLoad(same.ID)
	require.NoError(t, err)
	require.Zero(t, n)

	sub, err := env.model.LoadClass(vmmodel.ClassDef{Name: "Sub", Super: "Base", Methods: map[MethodID]uint64{methodRun: subRun.Entry}})
	require.NoError(t, err)
	n, err = env.rt.NotifyClassLoad(sub.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, float64(1), testutil.ToFloat64(env.rt.Stats().GuardTrips))

	// The call goes through the dispatch table from now on.
	ret, err = th.Call(caller, env.newObject(t, sub))
	require.NoError(t, err)
	require.Equal(t, uint64(2), ret)
	ret, err = th.Call(caller, baseObj)
	require.NoError(t, err)
	require.Equal(t, uint64(1), ret)

	// Tripping is idempotent.
	n, err = env.rt.NotifyClassLoad(sub.ID)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRuntime_guardOfInvalidatedMethod(t *testing.T) {
	env := newTestEnv(t, NewConfig())
	baseRun := env.install(t, constMethod("Base.run", []Type{backend.TypeRef}, 1))
	base, err := env.model.LoadClass(vmmodel.ClassDef{Name: "Base", Methods: map[MethodID]uint64{methodRun: baseRun.Entry}})
	require.NoError(t, err)
	run, err := env.model.VirtualMethod(methodRun)
	require.NoError(t, err)
	caller := env.install(t, callerMethod("caller", &CallSite{
		Kind: backend.CallKindVirtual, Target: run,
		Guard: &GuardCondition{Kind: backend.GuardNoOverride, Class: base.ID, Method: MethodRef{ID: methodRun, Resolved: true, Address: baseRun.Entry}},
	}))
	caller.Invalidate()

	sub, err := env.model.LoadClass(vmmodel.ClassDef{Name: "Sub", Super: "Base", Methods: map[MethodID]uint64{methodRun: 0x10}})
	require.NoError(t, err)
	n, err := env.rt.NotifyClassLoad(sub.ID)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRuntime_interfaceInlineCache(t *testing.T) {
	env := newTestEnv(t, NewConfig().WithInlineCacheSlots(2))
	_, err := env.model.LoadClass(vmmodel.ClassDef{Name: "Runnable", Interface: true, Methods: map[MethodID]uint64{methodRun: 0}})
	require.NoError(t, err)

	var objs []uint64
	for i, name := range []string{"A", "B", "C"} {
		impl := env.install(t, constMethod(name+".run", []Type{backend.TypeRef}, int64(i+1)))
		class, err := env.model.LoadClass(vmmodel.ClassDef{Name: name, Interfaces: []string{"Runnable"}, Methods: map[MethodID]uint64{methodRun: impl.Entry}})
		require.NoError(t, err)
		objs = append(objs, env.newObject(t, class))
	}

	caller := env.install(t, callerMethod("caller", &CallSite{Kind: backend.CallKindInterface, Target: MethodRef{ID: methodRun, Name: "run"}}))
	th := env.newThread(t)
	for round := 0; round < 3; round++ {
		for i, obj := range objs {
			ret, err := th.Call(caller, obj)
			require.NoError(t, err)
			require.Equal(t, uint64(i+1), ret)
		}
	}

	// A and B took the two slots once, C misses on every call.
	stats := env.rt.Stats()
	require.Equal(t, float64(2), testutil.ToFloat64(stats.InlineCacheFills))
	require.Equal(t, float64(3), testutil.ToFloat64(stats.InlineCacheMisses))

	ic, err := env.rt.sites.InlineCache(caller.PatchSites()[0].Address)
	require.NoError(t, err)
	entries, err := ic.Entries()
	require.NoError(t, err)
	require.Equal(t, 2, len(entries))
}

func TestRuntime_interfaceAbstractMethod(t *testing.T) {
	env := newTestEnv(t, NewConfig())
	_, err := env.model.LoadClass(vmmodel.ClassDef{Name: "Runnable", Interface: true, Methods: map[MethodID]uint64{methodRun: 0}})
	require.NoError(t, err)
	class, err := env.model.LoadClass(vmmodel.ClassDef{Name: "Lazy", Interfaces: []string{"Runnable"}})
	require.NoError(t, err)

	caller := env.install(t, callerMethod("caller", &CallSite{Kind: backend.CallKindInterface, Target: MethodRef{ID: methodRun, Name: "run"}}))
	th := env.newThread(t)
	_, err = th.Call(caller, env.newObject(t, class))
	require.ErrorIs(t, err, vmmodel.ErrAbstractMethod)
}

func TestRuntime_stackGrowth(t *testing.T) {
	env := newTestEnv(t, NewConfig())
	second := env.install(t, &Method{
		Name: "second", Params: []Type{backend.TypeI64, backend.TypeI64}, Return: backend.TypeI64,
		Body: []Op{{Kind: OpMove, Dst: x0, Src: x1}, {Kind: OpReturn, Src: x0}},
	})
	th := env.newThread(t)
	// The first probe fails.
	th.vm.SetStack(th.stack, 0x10)
	limit := th.StackLimit()

	ret, err := th.Call(second, 7, 9)
	require.NoError(t, err)
	require.Equal(t, uint64(9), ret)
	require.Equal(t, float64(1), testutil.ToFloat64(env.rt.Stats().StackGrowths))
	require.Less(t, th.StackLimit(), limit)
	require.Zero(t, th.StackLimit()%16)

	ret, err = th.Call(second, 1, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), ret)
	require.Equal(t, float64(1), testutil.ToFloat64(env.rt.Stats().StackGrowths))
}

func TestRuntime_stackOverflow(t *testing.T) {
	env := newTestEnv(t, NewConfig().WithStackSize(0x1000).WithStackProbeExtraMargin(0x1000))
	m := env.install(t, constMethod("deep", nil, 1))
	th := env.newThread(t)

	_, err := th.Call(m)
	var exc *ExceptionError
	require.True(t, errors.As(err, &exc))
	require.Equal(t, StackOverflowException, exc.Value)
	require.EqualError(t, err, "stack overflow on thread 0")
	// The exception was taken.
	require.Zero(t, th.vm.PendingException())
	require.Zero(t, testutil.ToFloat64(env.rt.Stats().StackGrowths))
}

// nativeCaller calls the native at index 0 with a reference in x21 and the constant 7.
func nativeCaller(env *testEnv, t *testing.T, ref uint64) *CompiledMethod {
	return env.install(t, &Method{
		Name: "caller", Return: backend.TypeI64, SavedRegs: []Reg{x21},
		Locals: []Local{{ID: 0, Name: "obj", Type: backend.TypeRef, Uninitialized: true}},
		Body: []Op{
			{Kind: OpConst, Dst: x21, Value: int64(ref)},
			{Kind: OpStoreLocal, Local: 0, Src: x21, Type: backend.TypeRef},
			{Kind: OpCall, Call: &CallSite{
				Kind:                backend.CallKindNative,
				Target:              MethodRef{ID: 3, Name: "nat", Resolved: true, Address: jitapi.NativeAddress(0)},
				Args:                []ArgDesc{backend.RegArg(backend.TypeRef, x21), backend.ConstArg(backend.TypeI32, 7)},
				Return:              backend.TypeI64,
				ReturnDest:          x21,
				LiveReferenceLocals: []LocalID{0},
			}},
			{Kind: OpMove, Dst: x0, Src: x21},
			{Kind: OpReturn, Src: x0},
		},
	})
}

func TestRuntime_native(t *testing.T) {
	env := newTestEnv(t, NewConfig())
	ref := jitapi.HeapBase + 0x40
	caller := nativeCaller(env, t, ref)
	th := env.newThread(t)

	var called int
	_, err := env.rt.RegisterNative(0, func(call *NativeCall) (uint64, error) {
		called++
		require.Equal(t, th, call.Thread)
		require.False(t, th.HasVMAccess())

		obj, err := call.Deref(call.Args[0])
		require.NoError(t, err)
		require.Equal(t, ref, obj)
		require.Equal(t, uint64(7), call.Args[1])

		frames, err := call.Frames()
		require.NoError(t, err)
		require.Equal(t, 2, len(frames))
		require.True(t, frames[0].Native)
		require.Equal(t, uint64(3), frames[0].NativeMethod)
		require.Equal(t, caller.compiled.Program, frames[1].Program)
		require.Equal(t, backend.SafepointNative, frames[1].Map.Kind)
		// The local and the handle of the argument.
		require.Equal(t, 2, len(frames[1].ReferenceSlots()))

		var found bool
		for _, sp := range caller.Safepoints() {
			if sp.ReturnAddress == frames[1].ReturnAddress {
				found = true
				require.Equal(t, backend.SafepointNative, sp.Map.Kind)
			}
		}
		require.True(t, found)
		return 0x55, nil
	})
	require.NoError(t, err)

	ret, err := th.Call(caller)
	require.NoError(t, err)
	require.Equal(t, uint64(0x55), ret)
	require.Equal(t, 1, called)
	require.True(t, th.HasVMAccess())
}

// flagsObserver records the stores of generated code to the public flags of a thread.
type flagsObserver struct {
	addr   uint64
	stores []uint64
	onLoad func()
}

func (o *flagsObserver) ObserveLoad(_ *arm64.CPU, addr uint64, _ int) {
	if addr == o.addr && o.onLoad != nil {
		o.onLoad()
	}
}

func (o *flagsObserver) ObserveStore(_ *arm64.CPU, addr uint64, _ int, v uint64) {
	if addr == o.addr {
		o.stores = append(o.stores, v)
	}
}

// access is a memory access of generated code.
type access struct {
	store bool
	addr  uint64
	v     uint64
}

// accessLog records every memory access of generated code in order.
type accessLog struct {
	accesses []access
}

func (l *accessLog) ObserveLoad(_ *arm64.CPU, addr uint64, _ int) {
	l.accesses = append(l.accesses, access{addr: addr})
}

func (l *accessLog) ObserveStore(_ *arm64.CPU, addr uint64, _ int, v uint64) {
	l.accesses = append(l.accesses, access{store: true, addr: addr, v: v})
}

// flagStores returns the indexes of the stores of v to the flags at addr.
func (l *accessLog) flagStores(addr, v uint64) (ret []int) {
	for i, a := range l.accesses {
		if a.store && a.addr == addr && a.v == v {
			ret = append(ret, i)
		}
	}
	return
}

func TestRuntime_native_releaseAcquirePaired(t *testing.T) {
	env := newTestEnv(t, NewConfig())
	class, err := env.model.LoadClass(vmmodel.ClassDef{Name: "Box"})
	require.NoError(t, err)
	obj := env.newObject(t, class)
	// A global handle: a heap word holding the returned reference.
	global := env.heap.Base() + env.heap.Size() - 8
	env.heap.StoreWord(global, obj)

	caller := env.install(t, &Method{
		Name: "caller", Return: backend.TypeRef, SavedRegs: []Reg{x21},
		Locals: []Local{{ID: 0, Name: "obj", Type: backend.TypeRef, Uninitialized: true}},
		Body: []Op{
			{Kind: OpConst, Dst: x21, Value: int64(obj)},
			{Kind: OpStoreLocal, Local: 0, Src: x21, Type: backend.TypeRef},
			{Kind: OpCall, Call: &CallSite{
				Kind:                backend.CallKindNative,
				Target:              MethodRef{ID: 3, Name: "nat", Resolved: true, Address: jitapi.NativeAddress(0)},
				Args:                []ArgDesc{backend.RegArg(backend.TypeRef, x21)},
				Return:              backend.TypeRef,
				ReturnDest:          x21,
				LiveReferenceLocals: []LocalID{0},
			}},
			{Kind: OpMove, Dst: x0, Src: x21},
			{Kind: OpReturn, Src: x0},
		},
	})
	th := env.newThread(t)
	flags := th.vm.Base() + uint64(jitapi.ThreadOffsets.PublicFlags)
	l := &accessLog{}
	th.SetObserver(l)
	var ops []vmaccess.Op
	th.SetVMAccessTracer(func(op vmaccess.Op) { ops = append(ops, op) })

	_, err = env.rt.RegisterNative(0, func(call *NativeCall) (uint64, error) {
		require.Equal(t, 1, len(l.flagStores(flags, 0)))
		require.Empty(t, l.flagStores(flags, jitapi.PublicFlagVMAccess))
		// The argument is passed as a handle to a stack slot, not as the object.
		require.NotEqual(t, obj, call.Args[0])
		v, err := call.Deref(call.Args[0])
		require.NoError(t, err)
		require.Equal(t, obj, v)
		return global, nil
	})
	require.NoError(t, err)

	isHeap := func(addr uint64) bool { return env.heap.Contains(addr, 8) }
	for i := 0; i < 3; i++ {
		l.accesses = nil
		ret, err := th.Call(caller)
		require.NoError(t, err)
		require.Equal(t, obj, ret)

		released, acquired := l.flagStores(flags, 0), l.flagStores(flags, jitapi.PublicFlagVMAccess)
		require.Equal(t, 1, len(released))
		require.Equal(t, 1, len(acquired))
		require.Less(t, released[0], acquired[0])

		// Nothing touches the heap without VM access.
		for _, a := range l.accesses[released[0]:acquired[0]] {
			require.False(t, isHeap(a.addr), "heap access at %#x without VM access", a.addr)
		}
		// The returned handle is dereferenced once VM access is back.
		deref := -1
		for j, a := range l.accesses {
			if !a.store && a.addr == global {
				deref = j
			}
		}
		require.Greater(t, deref, acquired[0])
	}
	// Nobody asked for a pause: the helpers were never called.
	require.Empty(t, ops)
}

func TestRuntime_native_pausedWhileRunning(t *testing.T) {
	env := newTestEnv(t, NewConfig())
	caller := nativeCaller(env, t, 0)
	th := env.newThread(t)
	var ops []vmaccess.Op
	th.SetVMAccessTracer(func(op vmaccess.Op) { ops = append(ops, op) })

	var resume func()
	acquiring := make(chan struct{})
	var once sync.Once
	o := &flagsObserver{addr: th.vm.Base() + uint64(jitapi.ThreadOffsets.PublicFlags)}
	_, err := env.rt.RegisterNative(0, func(call *NativeCall) (uint64, error) {
		// The thread released VM access: the pause is granted right away.
		var err error
		resume, err = env.rt.Pause(context.Background())
		require.NoError(t, err)
		o.onLoad = func() { once.Do(func() { close(acquiring) }) }
		return 3, nil
	})
	require.NoError(t, err)
	th.SetObserver(o)

	go func() {
		<-acquiring
		time.Sleep(10 * time.Millisecond)
		resume()
	}()
	ret, err := th.Call(caller)
	require.NoError(t, err)
	require.Equal(t, uint64(3), ret)
	require.Equal(t, []vmaccess.Op{vmaccess.OpAcquire}, ops)
	require.True(t, th.HasVMAccess())
}

func TestRuntime_native_throws(t *testing.T) {
	env := newTestEnv(t, NewConfig())
	caller := nativeCaller(env, t, 0)
	th := env.newThread(t)

	_, err := env.rt.RegisterNative(0, func(call *NativeCall) (uint64, error) {
		call.Throw(0xbad)
		return 0, nil
	})
	require.NoError(t, err)
	_, err = th.Call(caller)
	require.EqualError(t, err, "exception 0xbad thrown on thread 0")
	require.True(t, th.HasVMAccess())

	// The thread is usable afterwards.
	_, err = env.rt.RegisterNative(0, func(call *NativeCall) (uint64, error) { return 2, nil })
	require.NoError(t, err)
	ret, err := th.Call(caller)
	require.NoError(t, err)
	require.Equal(t, uint64(2), ret)
}

func TestRuntime_native_referenceFrameCollapsed(t *testing.T) {
	env := newTestEnv(t, NewConfig())
	caller := nativeCaller(env, t, jitapi.HeapBase)
	th := env.newThread(t)

	var flagsAddr uint64
	_, err := env.rt.RegisterNative(0, func(call *NativeCall) (uint64, error) {
		flagsAddr = th.vm.Word(jitapi.ThreadOffsets.JavaSP) + jitapi.NativeFrameFlagsOffset
		return 1, call.AllocateReferenceFrame()
	})
	require.NoError(t, err)
	ret, err := th.Call(caller)
	require.NoError(t, err)
	require.Equal(t, uint64(1), ret)

	// The transition frame is gone but its flags word is still on the stack.
	v, err := th.cpu.Load(flagsAddr, 8)
	require.NoError(t, err)
	require.Zero(t, v&jitapi.NativeFrameReferenceFrameAllocated)
}

func TestRuntime_RegisterNative_invalidIndex(t *testing.T) {
	env := newTestEnv(t, NewConfig())
	_, err := env.rt.RegisterNative(-1, nil)
	require.EqualError(t, err, "native index -1 not in [0, 256)")
	_, err = env.rt.RegisterNative(maxNatives, nil)
	require.Error(t, err)
}

func TestRuntime_Pause(t *testing.T) {
	env := newTestEnv(t, NewConfig())
	th := env.newThread(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := env.rt.Pause(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	err = th.Blocking(func() {
		resume, err := env.rt.Pause(context.Background())
		require.NoError(t, err)
		resume()
	})
	require.NoError(t, err)
	require.True(t, th.HasVMAccess())

	// A posted exception surfaces when the thread acquires VM access again.
	err = th.Blocking(func() { require.True(t, th.PostException(0xabc)) })
	var async *vmaccess.AsyncException
	require.True(t, errors.As(err, &async))
	require.Equal(t, uint64(0xabc), async.Value)
}

func TestRuntime_Call_errors(t *testing.T) {
	env := newTestEnv(t, NewConfig())
	m := env.install(t, constMethod("m", nil, 1))
	th := env.newThread(t)

	_, err := th.Call(m, 1, 2, 3, 4, 5, 6, 7, 8, 9)
	require.EqualError(t, err, "m called with 9 arguments, at most 8 are supported")

	require.NoError(t, th.Close())
	_, err = th.Call(m)
	require.EqualError(t, err, "BUG: thread 0 calls m without VM access")
}

func TestRuntime_metricsRegistered(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	env := newTestEnv(t, NewConfig().WithMetricsRegisterer(reg))
	env.rt.Stats().StackGrowths.Inc()

	n, err := testutil.GatherAndCount(reg, "jitlink_stack_growths_total")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The same registerer cannot take a second runtime.
	_, err = NewRuntime(NewConfig().WithMetricsRegisterer(reg), nil, env.model)
	require.Error(t, err)
}

func TestRuntime_threads(t *testing.T) {
	env := newTestEnv(t, NewConfig())
	m := env.install(t, constMethod("m", nil, 5))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		th := env.newThread(t)
		require.Equal(t, i, th.ID())
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				ret, err := th.Call(m)
				require.NoError(t, err)
				require.Equal(t, uint64(5), ret)
			}
		}()
	}
	wg.Wait()
}
