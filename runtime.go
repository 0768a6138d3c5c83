// Package jitlink generates arm64 code for methods of a managed runtime and runs it on an emulated machine.
//
// A Compiler lays out the frame of a Method and emits its prologue, epilogues and calls. A Runtime installs
// compiled methods, patches their call sites as they are first executed and hands out the Threads which
// run them.
package jitlink

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tetratelabs/jitlink/internal/backend"
	"github.com/tetratelabs/jitlink/internal/backend/isa/arm64"
	"github.com/tetratelabs/jitlink/internal/jitapi"
	"github.com/tetratelabs/jitlink/internal/memory"
	"github.com/tetratelabs/jitlink/internal/runtime/patch"
	"github.com/tetratelabs/jitlink/internal/runtime/vmaccess"
)

const (
	codeSize     = 0x10_0000
	dataAreaSize = 0x1_0000
	maxThreads   = 64
	maxNatives   = 256
	// stackRedZone is the part of every stack never handed out by stack growth.
	stackRedZone = 0x200
	// initialStackCommit is the part of every stack available before the first growth.
	initialStackCommit = 0x1000
)

// StackOverflowException is the exception thrown when a stack cannot grow anymore.
const StackOverflowException uint64 = 0x50f

var (
	// ErrMethodInstalled is returned when a method of the same name is already installed.
	ErrMethodInstalled = errors.New("method already installed")
	// ErrCodeExhausted is returned when the code region has no room for a method.
	ErrCodeExhausted = errors.New("code region exhausted")
	// ErrTooManyThreads is returned by NewThread when every thread slot is taken.
	ErrTooManyThreads = errors.New("too many threads")
	// ErrUnknownThread is returned by a helper entered on a CPU of no thread of the runtime.
	ErrUnknownThread = errors.New("unknown thread")
)

// Model is the class model of the managed program: resolution of methods and the class hierarchy the
// devirtualization guards depend on.
type Model interface {
	patch.Resolver
	patch.ClassHierarchy
}

// ExceptionError is returned by Thread.Call when the generated code threw an exception.
type ExceptionError struct {
	Thread int
	Value  uint64
}

// Error implements error.
func (e *ExceptionError) Error() string {
	if e.Value == StackOverflowException {
		return fmt.Sprintf("stack overflow on thread %d", e.Thread)
	}
	return fmt.Sprintf("exception %#x thrown on thread %d", e.Value, e.Thread)
}

// Runtime installs compiled methods into an emulated address space and runs them on its threads. It owns the
// patch sites of the installed code and implements the runtime helpers generated code calls.
type Runtime struct {
	cfg      *config
	log      logrus.FieldLogger
	model    Model
	compiler *Compiler

	emu     *arm64.Emulator
	code    *memory.Region
	area    *patch.DataArea
	threads *memory.Region
	stats   *patch.Stats
	sites   *patch.Sites
	coord   *vmaccess.Coordinator

	mu       sync.Mutex
	next     uint64
	methods  map[string]*CompiledMethod
	byThread map[uint64]*Thread
}

// NewRuntime returns a Runtime whose managed heap is heap and whose classes are described by model.
func NewRuntime(cfg Config, heap *memory.Region, model Model) (*Runtime, error) {
	c := cfg.(*config)
	r := &Runtime{
		cfg:      c,
		log:      c.logger(),
		model:    model,
		emu:      arm64.NewEmulator(),
		code:     memory.NewRegion("code", jitapi.CodeBase, codeSize),
		area:     patch.NewDataArea(jitapi.DataAreaBase, dataAreaSize),
		threads:  memory.NewRegion("threads", jitapi.ThreadRegionBase, maxThreads*jitapi.ThreadRegionStride),
		stats:    patch.NewStats(),
		next:     jitapi.CodeBase,
		methods:  map[string]*CompiledMethod{},
		byThread: map[uint64]*Thread{},
	}
	if c.registerer != nil {
		if err := r.stats.Register(c.registerer); err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}
	r.compiler = NewCompiler(c, r.area)
	patcher := patch.NewPatcher(r.code, arm64.Branches{}, r.stats, r.log)
	r.sites = patch.NewSites(patcher, r.area, patch.NewGuardRegistry(model))
	r.coord = vmaccess.NewCoordinator(r.log)

	r.emu.MapRegion(r.area.Region())
	r.emu.MapRegion(r.threads)
	if heap != nil {
		r.emu.MapRegion(heap)
	}
	r.registerHelpers()
	return r, nil
}

// Stats returns the patching statistics.
func (r *Runtime) Stats() *patch.Stats { return r.stats }

// Compiler returns the compiler of the runtime, whose data words live in the data area of the runtime.
func (r *Runtime) Compiler() *Compiler { return r.compiler }

// Method returns the installed method of the given name.
func (r *Runtime) Method(name string) (*CompiledMethod, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.methods[name]
	return m, ok
}

// Install compiles method and makes it executable.
func (r *Runtime) Install(method *Method) (_ *CompiledMethod, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.methods[method.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodInstalled, method.Name)
	}
	cc, err := r.compiler.Compile(method)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil && !r.compiler.Discard(cc) {
			r.log.WithField("method", method.Name).Warn("data words of a failed installation not freed")
		}
	}()

	base := r.next
	size := uint64(len(cc.Code))
	if base+size > jitapi.CodeBase+codeSize {
		return nil, fmt.Errorf("%w: %s needs %d bytes", ErrCodeExhausted, method.Name, size)
	}
	code := append([]byte(nil), cc.Code...)
	if err = arm64.ResolveRelocations(base, code, cc.Program.Relocations); err != nil {
		return nil, fmt.Errorf("relocating %s: %w", method.Name, err)
	}
	for off := 0; off < len(code); off += 4 {
		if err = r.code.Store(base+uint64(off), 4, uint64(binary.LittleEndian.Uint32(code[off:]))); err != nil {
			return nil, err
		}
	}
	if err = r.emu.Install(base, cc.Program); err != nil {
		return nil, err
	}
	if err = r.sites.Install(method.Name, base, cc.Program.PatchSites); err != nil {
		r.sites.Uninstall(method.Name)
		r.emu.Uninstall(base)
		return nil, err
	}
	r.next = alignUp(base+size, 16)

	m := &CompiledMethod{Name: method.Name, Entry: base, compiled: cc, code: code, rt: r}
	r.methods[method.Name] = m
	r.log.WithFields(logrus.Fields{
		"method": method.Name,
		"entry":  fmt.Sprintf("%#x", base),
		"sites":  len(cc.Program.PatchSites),
	}).Debug("installed method")
	return m, nil
}

// NotifyClassLoad trips the guards of the installed code whose condition the newly loaded class breaks. It
// returns the number of guards tripped. Tripped guards send their call through the dispatch table from
// the next execution on.
func (r *Runtime) NotifyClassLoad(class ClassID) (int, error) {
	n, err := r.sites.Guards().OnClassLoad(class)
	if err != nil {
		return n, err
	}
	if n > 0 {
		r.log.WithField("class", fmt.Sprintf("%#x", uint64(class))).WithField("guards", n).Info("class load tripped guards")
	}
	return n, nil
}

// Pause waits until no thread holds VM access and keeps them from acquiring it until resume is called.
func (r *Runtime) Pause(ctx context.Context) (resume func(), err error) {
	if err = r.coord.RequestExclusive(ctx); err != nil {
		return nil, err
	}
	return r.coord.ReleaseExclusive, nil
}

// NewThread attaches a thread to the runtime. It holds VM access until it is closed.
func (r *Runtime) NewThread() (*Thread, error) {
	r.mu.Lock()
	n := len(r.byThread)
	if n >= maxThreads {
		r.mu.Unlock()
		return nil, ErrTooManyThreads
	}
	vm, err := r.coord.Attach(r.threads, jitapi.ThreadRegionAddress(n))
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	stack := vmaccess.Stack{Low: jitapi.StackRegionAddress(vm.ID), RedZone: stackRedZone}
	stack.High = stack.Low + r.cfg.stackSize
	vm.SetStack(stack, initialStackCommit)

	t := &Thread{
		rt:    r,
		vm:    vm,
		stack: stack,
		cpu:   r.emu.NewCPU(vm.Base(), memory.NewRegion(fmt.Sprintf("stack %d", vm.ID), stack.Low, r.cfg.stackSize)),
	}
	r.byThread[vm.Base()] = t
	r.mu.Unlock()
	vm.Acquire()
	return t, nil
}

func (r *Runtime) thread(c *arm64.CPU) (*Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byThread[c.ThreadBase]
	if !ok {
		return nil, fmt.Errorf("%w at %#x", ErrUnknownThread, c.ThreadBase)
	}
	return t, nil
}

// registerHelpers implements the runtime helpers. Except for their documented results in x10 or x16, they
// leave the registers untouched.
func (r *Runtime) registerHelpers() {
	r.emu.RegisterHostFunc(jitapi.HelperGrowStack.Address(), func(c *arm64.CPU) (uint64, error) {
		t, err := r.thread(c)
		if err != nil {
			return 0, err
		}
		if t.vm.GrowStack(c.SP(), t.stack, StackOverflowException) {
			r.stats.StackGrowths.Inc()
			r.log.WithField("thread", t.vm.ID).WithField("limit", fmt.Sprintf("%#x", t.vm.StackLimit())).Debug("grew stack")
		}
		return 0, nil
	})
	r.emu.RegisterHostFunc(jitapi.HelperThrowCurrentException.Address(), func(c *arm64.CPU) (uint64, error) {
		t, err := r.thread(c)
		if err != nil {
			return 0, err
		}
		return 0, &ExceptionError{Thread: t.vm.ID, Value: t.vm.TakePendingException()}
	})
	r.emu.RegisterHostFunc(jitapi.HelperResolveDirectCall.Address(), func(c *arm64.CPU) (uint64, error) {
		cs, err := r.sites.CallSite(c.X(17))
		if err != nil {
			return 0, err
		}
		target, err := cs.Resolve(r.model)
		if err != nil {
			return 0, err
		}
		c.SetX(16, target)
		return 0, nil
	})
	r.emu.RegisterHostFunc(jitapi.HelperResolveVirtualOffset.Address(), func(c *arm64.CPU) (uint64, error) {
		os, err := r.sites.OffsetSite(c.X(17))
		if err != nil {
			return 0, err
		}
		off, err := os.Resolve(r.model)
		if err != nil {
			return 0, err
		}
		c.SetX(10, uint64(off))
		return 0, nil
	})
	r.emu.RegisterHostFunc(jitapi.HelperInterfaceCacheMiss.Address(), func(c *arm64.CPU) (uint64, error) {
		ic, err := r.sites.InlineCache(c.X(17))
		if err != nil {
			return 0, err
		}
		target, err := ic.Miss(r.model, backend.ClassID(c.X(9)))
		if err != nil {
			return 0, err
		}
		c.SetX(16, target)
		return 0, nil
	})
	r.emu.RegisterHostFunc(jitapi.HelperReleaseVMAccess.Address(), func(c *arm64.CPU) (uint64, error) {
		t, err := r.thread(c)
		if err != nil {
			return 0, err
		}
		t.vm.Release()
		return 0, nil
	})
	r.emu.RegisterHostFunc(jitapi.HelperAcquireVMAccess.Address(), func(c *arm64.CPU) (uint64, error) {
		t, err := r.thread(c)
		if err != nil {
			return 0, err
		}
		t.vm.Acquire()
		return 0, nil
	})
	r.emu.RegisterHostFunc(jitapi.HelperCollapseReferenceFrame.Address(), func(c *arm64.CPU) (uint64, error) {
		t, err := r.thread(c)
		if err != nil {
			return 0, err
		}
		flags := t.vm.Word(jitapi.ThreadOffsets.JavaSP) + jitapi.NativeFrameFlagsOffset
		v, err := c.Load(flags, 8)
		if err != nil {
			return 0, err
		}
		return 0, c.Store(flags, 8, v&^jitapi.NativeFrameReferenceFrameAllocated)
	})
}

// NativeFunc implements a native method. It runs without VM access and returns the result of the call.
type NativeFunc func(call *NativeCall) (uint64, error)

// RegisterNative makes fn the native function at jitapi.NativeAddress(index), which is the address call
// sites of kind CallKindNative target. It returns that address.
func (r *Runtime) RegisterNative(index int, fn NativeFunc) (uint64, error) {
	if index < 0 || index >= maxNatives {
		return 0, fmt.Errorf("native index %d not in [0, %d)", index, maxNatives)
	}
	addr := jitapi.NativeAddress(index)
	r.emu.RegisterHostFunc(addr, func(c *arm64.CPU) (uint64, error) {
		t, err := r.thread(c)
		if err != nil {
			return 0, err
		}
		call := &NativeCall{Thread: t, cpu: c}
		for i := range call.Args {
			call.Args[i] = c.X(i + 1)
		}
		ret, err := fn(call)
		if err != nil {
			return 0, err
		}
		c.SetX(0, ret)
		return 0, nil
	})
	return addr, nil
}

// CompiledMethod is an installed method.
type CompiledMethod struct {
	Name string
	// Entry is the address of the first instruction.
	Entry uint64

	compiled *CompiledCode
	code     []byte
	rt       *Runtime
}

// Safepoint is the safepoint map of one call of an installed method.
type Safepoint struct {
	// ReturnAddress is the absolute address the call returns to.
	ReturnAddress uint64
	Map           backend.SafepointMap
}

// Safepoints returns the safepoint maps of the method in ascending return address order.
func (m *CompiledMethod) Safepoints() []Safepoint {
	ret := make([]Safepoint, 0, len(m.compiled.Program.Safepoints))
	for _, e := range m.compiled.Program.Safepoints {
		ret = append(ret, Safepoint{ReturnAddress: m.Entry + uint64(e.ReturnOffset), Map: e.Map})
	}
	return ret
}

// Frame returns the frame layout of the method.
func (m *CompiledMethod) Frame() *backend.MethodFrameDescriptor { return m.compiled.Frame() }

// Listing returns the assembly of the method.
func (m *CompiledMethod) Listing() string { return m.compiled.Program.Listing() }

// Code returns the machine code as installed, before any patch.
func (m *CompiledMethod) Code() []byte { return m.code }

// PatchSites returns the patch sites of the method.
func (m *CompiledMethod) PatchSites() []backend.PatchSite { return m.compiled.Program.PatchSites }

// Invalidate forgets the patch sites of the method, whose guards are not tripped anymore, and frees its name.
// The code stays executable for the frames still running it.
func (m *CompiledMethod) Invalidate() {
	m.rt.sites.Uninstall(m.Name)
	m.rt.mu.Lock()
	defer m.rt.mu.Unlock()
	if m.rt.methods[m.Name] == m {
		delete(m.rt.methods, m.Name)
	}
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
