// Package vmaccess implements the "permission to touch managed memory" of the runtime threads.
//
// A thread holds VM access while it may read or write managed objects. Generated code releases it around
// native calls with a lock-free fast path, and falls back to the slow paths of this package whenever
// another party set a bit in the public flags of the thread, for example the collector requesting a pause.
package vmaccess

import (
	"fmt"

	"github.com/tetratelabs/jitlink/internal/jitapi"
	"github.com/tetratelabs/jitlink/internal/memory"
)

// Op is a transition of the VM access of a thread.
type Op byte

const (
	OpRelease Op = iota + 1
	OpAcquire
)

// String implements fmt.Stringer.
func (o Op) String() string {
	switch o {
	case OpRelease:
		return "release"
	case OpAcquire:
		return "acquire"
	}
	return "invalid"
}

// Thread is the runtime state of one thread, laid out at jitapi.ThreadOffsets from its base so that
// generated code can access it through the thread register.
type Thread struct {
	// ID is the index of the thread in its Coordinator.
	ID     int
	region *memory.Region
	base   uint64
	c      *Coordinator
	// tracer is called after every transition made by the methods of Thread.
	tracer func(*Thread, Op)
}

// Base returns the address of the thread state.
func (t *Thread) Base() uint64 { return t.base }

// Region returns the memory holding the thread state.
func (t *Thread) Region() *memory.Region { return t.region }

// SetTracer sets the function called after every transition made through t.
func (t *Thread) SetTracer(tracer func(*Thread, Op)) { t.tracer = tracer }

func (t *Thread) addr(off jitapi.Offset) uint64 {
	return t.base + uint64(off)
}

// Word returns the thread field at off.
func (t *Thread) Word(off jitapi.Offset) uint64 {
	return t.region.LoadWord(t.addr(off))
}

// SetWord sets the thread field at off.
func (t *Thread) SetWord(off jitapi.Offset, v uint64) {
	t.region.StoreWord(t.addr(off), v)
}

func (t *Thread) cas(off jitapi.Offset, old, new uint64) bool {
	ok, err := t.region.CompareAndSwap(t.addr(off), old, new)
	if err != nil {
		panic(err)
	}
	return ok
}

// Flags returns the public flags of the thread.
func (t *Thread) Flags() uint64 {
	return t.Word(jitapi.ThreadOffsets.PublicFlags)
}

// HasAccess returns true if the thread holds VM access.
func (t *Thread) HasAccess() bool {
	return t.Flags()&jitapi.PublicFlagVMAccess != 0
}

// setFlags sets the bits of set in the public flags, preserving the others.
func (t *Thread) setFlags(set uint64) {
	for {
		f := t.Flags()
		if t.cas(jitapi.ThreadOffsets.PublicFlags, f, f|set) {
			return
		}
	}
}

// clearFlags clears the bits of clear in the public flags, preserving the others.
func (t *Thread) clearFlags(clear uint64) {
	for {
		f := t.Flags()
		if t.cas(jitapi.ThreadOffsets.PublicFlags, f, f&^clear) {
			return
		}
	}
}

// Release gives up VM access. It is the slow path of the release of generated code, and the release of
// Go code about to block. Releasing without access is a bug and panics.
func (t *Thread) Release() {
	var f uint64
	for {
		f = t.Flags()
		if f&jitapi.PublicFlagVMAccess == 0 {
			panic(fmt.Sprintf("BUG: thread %d releases VM access it does not hold (flags %#x)", t.ID, f))
		}
		if t.cas(jitapi.ThreadOffsets.PublicFlags, f, f&^jitapi.PublicFlagVMAccess) {
			break
		}
	}
	if f&jitapi.PublicFlagHaltRequested != 0 {
		// The requester waits for this release.
		t.c.notify()
	}
	t.trace(OpRelease)
}

// Acquire takes VM access, blocking while a pause is requested. It is the slow path of the acquisition of
// generated code. Acquiring while holding access is a bug and panics.
func (t *Thread) Acquire() {
	for {
		f := t.Flags()
		if f&jitapi.PublicFlagVMAccess != 0 {
			panic(fmt.Sprintf("BUG: thread %d acquires VM access it already holds (flags %#x)", t.ID, f))
		}
		if f&jitapi.PublicFlagHaltRequested != 0 {
			t.c.waitResumed(t)
			continue
		}
		if t.cas(jitapi.ThreadOffsets.PublicFlags, f, f|jitapi.PublicFlagVMAccess) {
			break
		}
	}
	t.trace(OpAcquire)
}

func (t *Thread) trace(op Op) {
	if t.tracer != nil {
		t.tracer(t, op)
	}
}

// Scope is VM access released by ReleaseScope.
type Scope struct {
	t      *Thread
	closed bool
}

// ReleaseScope releases VM access until the returned Scope is closed.
//
//	s := t.ReleaseScope()
//	defer s.Close()
func (t *Thread) ReleaseScope() *Scope {
	t.Release()
	return &Scope{t: t}
}

// Close acquires VM access again and returns the exception posted while it was released, if any.
// Closing twice is a no-op.
func (s *Scope) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.t.Acquire()
	if exc := s.t.TakePendingException(); exc != 0 {
		return &AsyncException{Thread: s.t.ID, Value: exc}
	}
	return nil
}

// AsyncException is an exception posted to a thread by another party.
type AsyncException struct {
	Thread int
	Value  uint64
}

// Error implements error.
func (e *AsyncException) Error() string {
	return fmt.Sprintf("asynchronous exception %#x on thread %d", e.Value, e.Thread)
}

// PostAsyncException latches exc as the pending exception of the thread. Generated code checks it right
// after re-acquiring VM access. It returns false if an exception is already pending.
func (t *Thread) PostAsyncException(exc uint64) bool {
	if exc == 0 {
		panic("BUG: posting a nil exception")
	}
	return t.cas(jitapi.ThreadOffsets.CurrentException, 0, exc)
}

// PendingException returns the pending exception, or zero.
func (t *Thread) PendingException() uint64 {
	return t.Word(jitapi.ThreadOffsets.CurrentException)
}

// TakePendingException clears and returns the pending exception, or zero.
func (t *Thread) TakePendingException() uint64 {
	for {
		exc := t.PendingException()
		if exc == 0 || t.cas(jitapi.ThreadOffsets.CurrentException, exc, 0) {
			return exc
		}
	}
}
