package arm64

import (
	"github.com/tetratelabs/jitlink/internal/backend"
)

// Program is the finalized code of one method: the instructions in code order, where the
// instruction at index i is at offset 4*i, together with the metadata the runtime needs to
// install, patch and walk it.
type Program struct {
	Name  string
	Frame *backend.MethodFrameDescriptor
	// Safepoints is sorted by return offset.
	Safepoints  backend.SafepointTable
	PatchSites  []backend.PatchSite
	Relocations []backend.RelocationInfo

	instrs       []instruction
	labelOffsets map[label]int64
	listing      string
}

// Size returns the size of the code in bytes.
func (p *Program) Size() int64 {
	return int64(len(p.instrs)) * 4
}

// Listing returns the assembly listing of the program.
func (p *Program) Listing() string {
	return p.listing
}

// instructionAt returns the instruction at the given code offset.
func (p *Program) instructionAt(offset int64) (*instruction, bool) {
	if offset < 0 || offset%4 != 0 || offset/4 >= int64(len(p.instrs)) {
		return nil, false
	}
	return &p.instrs[offset/4], true
}

// validateSafepoints checks that the return address of every call has exactly one map.
func (p *Program) validateSafepoints() {
	for i := range p.instrs {
		if !p.instrs[i].isCall() {
			continue
		}
		ret := int64(i+1) * 4
		if _, ok := p.Safepoints.Lookup(ret); !ok {
			backend.Violatef(backend.ErrMissingSafepoint, "%s at %#x", p.instrs[i].String(), ret-4)
		}
	}
}
