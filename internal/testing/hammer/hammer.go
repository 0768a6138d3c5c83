// Package hammer runs a test body from many goroutines at once, to shake out races between generated
// code and the runtime, such as two threads filling the same inline cache.
package hammer

import (
	"runtime"
	"sync"
	"testing"
)

// Hammer invokes a test concurrently in P goroutines N times per goroutine.
//
//	P, N := 8, 1000
//	if testing.Short() {
//		P, N = 4, 100
//	}
//	hammer.NewHammer(t, P, N).Run(func(p, n int) {
//		// p is the goroutine and n the iteration.
//	}, nil)
//	if t.Failed() {
//		return
//	}
//
// Size P and N so that Run completes in about a tenth of a second.
type Hammer interface {
	// Run calls test concurrently in P goroutines, each looping N times. All goroutines are started
	// before any calls test. onRunning, if not nil, is called once they are all started and before they
	// are released.
	//
	// A panic in test, including a failed require, is reported with t.Error and ends that goroutine.
	Run(test func(p, n int), onRunning func())
}

// NewHammer returns a Hammer running P goroutines doing N iterations each.
func NewHammer(t *testing.T, P, N int) Hammer {
	return &hammer{t: t, P: P, N: N}
}

type hammer struct {
	t    *testing.T
	P, N int
}

// Run implements Hammer.Run
func (h *hammer) Run(test func(p, n int), onRunning func()) {
	// Fewer processors than goroutines forces them to interleave.
	procs := h.P / 2
	if procs < 1 {
		procs = 1
	}
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(procs))

	var started, release, done sync.WaitGroup
	started.Add(h.P)
	release.Add(1)
	done.Add(h.P)
	for p := 0; p < h.P; p++ {
		go func(p int) {
			defer done.Done()
			defer func() {
				if recovered := recover(); recovered != nil {
					h.t.Error(recovered)
				}
			}()
			started.Done()
			release.Wait()
			for n := 0; n < h.N; n++ {
				test(p, n)
			}
		}(p)
	}

	started.Wait()
	if onRunning != nil {
		onRunning()
	}
	release.Done()
	done.Wait()
}
