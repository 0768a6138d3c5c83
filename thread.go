package jitlink

import (
	"errors"
	"fmt"

	"github.com/tetratelabs/jitlink/internal/backend/isa/arm64"
	"github.com/tetratelabs/jitlink/internal/jitapi"
	"github.com/tetratelabs/jitlink/internal/runtime/vmaccess"
)

// maxArgs is the number of integer argument registers.
const maxArgs = 8

// Thread runs installed methods. A Thread must only be used by one goroutine at a time.
type Thread struct {
	rt    *Runtime
	vm    *vmaccess.Thread
	stack vmaccess.Stack
	cpu   *arm64.CPU
}

// ID returns the index of the thread in its runtime.
func (t *Thread) ID() int { return t.vm.ID }

// StackLimit returns the address the stack probes compare the stack pointer with.
func (t *Thread) StackLimit() uint64 { return t.vm.StackLimit() }

// HasVMAccess returns true if the thread holds the permission to touch managed memory.
func (t *Thread) HasVMAccess() bool { return t.vm.HasAccess() }

// SetObserver makes o see every memory access of the generated code run by the thread.
func (t *Thread) SetObserver(o arm64.AccessObserver) { t.cpu.Observer = o }

// SetVMAccessTracer makes tracer see every release and acquisition of VM access through the runtime.
func (t *Thread) SetVMAccessTracer(tracer func(op vmaccess.Op)) {
	if tracer == nil {
		t.vm.SetTracer(nil)
		return
	}
	t.vm.SetTracer(func(_ *vmaccess.Thread, op vmaccess.Op) { tracer(op) })
}

// Call runs m with the integer arguments args and returns the content of x0.
func (t *Thread) Call(m *CompiledMethod, args ...uint64) (uint64, error) {
	if len(args) > maxArgs {
		return 0, fmt.Errorf("%s called with %d arguments, at most %d are supported", m.Name, len(args), maxArgs)
	}
	if !t.vm.HasAccess() {
		return 0, fmt.Errorf("BUG: thread %d calls %s without VM access", t.vm.ID, m.Name)
	}
	t.cpu.SetSP(t.stack.High)
	for i, a := range args {
		t.cpu.SetX(i, a)
	}
	if err := t.cpu.Call(m.Entry); err != nil {
		var exc *ExceptionError
		if !errors.As(err, &exc) {
			err = fmt.Errorf("calling %s: %w", m.Name, err)
		}
		return 0, err
	}
	return t.cpu.X(0), nil
}

// Blocking runs fn without VM access, so that a pause of the runtime does not wait for fn. It returns the
// exception posted to the thread meanwhile, as a *vmaccess.AsyncException.
func (t *Thread) Blocking(fn func()) error {
	s := t.vm.ReleaseScope()
	defer s.Close()
	fn()
	return s.Close()
}

// PostException latches exc as the pending exception of the thread, which is thrown when the thread
// re-acquires VM access after a native call. It returns false if an exception is already pending.
func (t *Thread) PostException(exc uint64) bool {
	return t.vm.PostAsyncException(exc)
}

// Close releases VM access. The thread must not be used afterwards.
func (t *Thread) Close() error {
	if t.vm.HasAccess() {
		t.vm.Release()
	}
	return nil
}

// NativeCall is the context of a call of a NativeFunc.
type NativeCall struct {
	Thread *Thread
	// Args are the arguments of the call after the thread, from x1 on. References are passed as handles:
	// the address of a stack slot holding the reference, or zero for a null reference.
	Args [maxArgs - 1]uint64

	cpu *arm64.CPU
}

// Deref returns the reference the handle h points to.
func (c *NativeCall) Deref(h uint64) (uint64, error) {
	if h == 0 {
		return 0, nil
	}
	return c.cpu.Load(h, 8)
}

// Throw latches exc as the pending exception, thrown once the native returns.
func (c *NativeCall) Throw(exc uint64) {
	c.Thread.vm.SetWord(jitapi.ThreadOffsets.CurrentException, exc)
}

// AllocateReferenceFrame marks the transition frame of the call as holding a local reference frame, which is
// collapsed after the native returns.
func (c *NativeCall) AllocateReferenceFrame() error {
	flags := c.Thread.vm.Word(jitapi.ThreadOffsets.JavaSP) + jitapi.NativeFrameFlagsOffset
	v, err := c.cpu.Load(flags, 8)
	if err != nil {
		return err
	}
	return c.cpu.Store(flags, 8, v|jitapi.NativeFrameReferenceFrameAllocated)
}

// Frames walks the stack of the calling thread, innermost first, starting with the native transition frame.
func (c *NativeCall) Frames() ([]arm64.Frame, error) {
	return arm64.UnwindStack(c.cpu)
}
