package vmaccess

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tetratelabs/jitlink/internal/jitapi"
	"github.com/tetratelabs/jitlink/internal/memory"
)

// Coordinator owns the threads of a runtime and grants exclusive access, during which no thread holds
// VM access. This is the pause the collector requests before scanning the stacks.
type Coordinator struct {
	log logrus.FieldLogger

	mu        sync.Mutex
	cond      *sync.Cond
	threads   []*Thread
	exclusive bool
}

// NewCoordinator returns a Coordinator without threads.
func NewCoordinator(log logrus.FieldLogger) *Coordinator {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	c := &Coordinator{log: log}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Attach registers the thread whose state is at base in region and zeroes it. The thread starts without
// VM access.
func (c *Coordinator) Attach(region *memory.Region, base uint64) (*Thread, error) {
	size := uint64(jitapi.ThreadSize)
	if !region.Contains(base, int(size)) {
		return nil, fmt.Errorf("thread state at %#x does not fit in %s", base, region)
	}
	if err := region.Zero(base, size); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	t := &Thread{ID: len(c.threads), region: region, base: base, c: c}
	if c.exclusive {
		t.setFlags(jitapi.PublicFlagHaltRequested)
	}
	c.threads = append(c.threads, t)
	c.log.WithField("thread", t.ID).Debug("attached thread")
	return t, nil
}

// Threads returns the attached threads.
func (c *Coordinator) Threads() []*Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Thread(nil), c.threads...)
}

// RequestExclusive asks every thread to pause and waits until none holds VM access. Threads holding
// access notice the request at their next release. Until ReleaseExclusive, threads block when acquiring.
//
// If ctx is done first, the request is withdrawn and ctx.Err() is returned.
func (c *Coordinator) RequestExclusive(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.exclusive {
		c.cond.Wait()
	}
	c.exclusive = true
	for _, t := range c.threads {
		t.setFlags(jitapi.PublicFlagHaltRequested)
	}
	c.log.Debug("requested exclusive access")

	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.cond.Broadcast()
	})
	defer stop()
	for {
		holding := c.holdingLocked()
		if holding == nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			c.releaseExclusiveLocked()
			return fmt.Errorf("waiting for thread %d to release VM access: %w", holding.ID, err)
		}
		c.cond.Wait()
	}
}

// ReleaseExclusive ends the exclusive access granted by RequestExclusive and resumes the paused threads.
func (c *Coordinator) ReleaseExclusive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.exclusive {
		panic("BUG: releasing exclusive access which is not held")
	}
	c.releaseExclusiveLocked()
}

func (c *Coordinator) releaseExclusiveLocked() {
	for _, t := range c.threads {
		t.clearFlags(jitapi.PublicFlagHaltRequested)
	}
	c.exclusive = false
	c.cond.Broadcast()
	c.log.Debug("released exclusive access")
}

// holdingLocked returns a thread holding VM access, or nil.
func (c *Coordinator) holdingLocked() *Thread {
	for _, t := range c.threads {
		if t.HasAccess() {
			return t
		}
	}
	return nil
}

// notify wakes up RequestExclusive after a thread released VM access.
func (c *Coordinator) notify() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cond.Broadcast()
}

// waitResumed blocks while a pause is requested to t.
func (c *Coordinator) waitResumed(t *Thread) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for t.Flags()&jitapi.PublicFlagHaltRequested != 0 {
		c.cond.Wait()
	}
}
