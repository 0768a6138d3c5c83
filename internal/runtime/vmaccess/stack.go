package vmaccess

import "github.com/tetratelabs/jitlink/internal/jitapi"

// Stack is the stack region of a thread. The prologue of every method compares the stack pointer with the
// stack limit of the thread, which starts near High and is lowered chunk by chunk by GrowStack.
type Stack struct {
	// Low and High bound the region. Stacks grow down from High.
	Low, High uint64
	// RedZone is the number of bytes above Low never handed out.
	RedZone uint64
	// Chunk is the granularity of the limit. Zero means 16 bytes.
	Chunk uint64
}

func (s Stack) floor() uint64 { return s.Low + s.RedZone }

func (s Stack) alignDown(v uint64) uint64 {
	chunk := s.Chunk
	if chunk == 0 {
		chunk = 16
	}
	return v &^ (chunk - 1)
}

// SetStack makes s the stack of t with committed bytes available before the first growth.
func (t *Thread) SetStack(s Stack, committed uint64) {
	limit := s.floor()
	if s.High-s.Low > committed && s.High-committed > limit {
		limit = s.alignDown(s.High - committed)
	}
	t.SetWord(jitapi.ThreadOffsets.StackLimit, limit)
}

// StackLimit returns the current stack limit.
func (t *Thread) StackLimit() uint64 {
	return t.Word(jitapi.ThreadOffsets.StackLimit)
}

// GrowStack is the policy of the grow_stack helper. sp is the stack pointer of the caller of the method
// whose probe failed, which requested StackGrowRequiredSize bytes below it. The limit is lowered so that
// the probe passes when retried. If the region cannot provide the bytes, overflow is latched as the
// pending exception, which the probe sequence throws, and false is returned.
func (t *Thread) GrowStack(sp uint64, s Stack, overflow uint64) bool {
	required := t.Word(jitapi.ThreadOffsets.StackGrowRequiredSize)
	floor := s.floor()
	if sp <= floor || sp-floor <= required {
		t.PostAsyncException(overflow)
		return false
	}
	// The probe fails when the lowered stack pointer is at or below the limit.
	limit := s.alignDown(sp - required - 1)
	if limit < floor {
		limit = floor
	}
	if limit < t.StackLimit() {
		t.SetWord(jitapi.ThreadOffsets.StackLimit, limit)
	}
	return true
}
