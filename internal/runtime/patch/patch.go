// Package patch implements the run-time patching of compiled code: call cells of unresolved direct calls,
// dispatch-table offsets of unresolved virtual calls, interface inline caches and devirtualization guards.
//
// Patching races with generated code running on other threads by construction. Every patch is a single
// atomic word update that only moves forward (unresolved to resolved, empty to filled, armed to tripped),
// so concurrent patchers converge and a reader observes either the old or the new state, both of which
// are correct.
package patch

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tetratelabs/jitlink/internal/backend"
	"github.com/tetratelabs/jitlink/internal/jitapi"
	"github.com/tetratelabs/jitlink/internal/memory"
)

var (
	// ErrDataAreaExhausted is returned when the data area has no room for the requested words.
	ErrDataAreaExhausted = errors.New("data area exhausted")
	// ErrUnknownSite is returned by a Table lookup of an address which is not a patch site.
	ErrUnknownSite = errors.New("unknown patch site")
	// ErrSiteKind is returned when a patch site is used as a site of another kind.
	ErrSiteKind = errors.New("patch site of the wrong kind")
)

// BranchEncoder encodes the instructions the patcher writes into installed code.
type BranchEncoder interface {
	// EncodeCall returns the branch-and-link at the address from to the address to.
	EncodeCall(from, to uint64) (uint32, error)
	// EncodeBranch returns the unconditional branch at the address from to the address to.
	EncodeBranch(from, to uint64) (uint32, error)
}

// Patcher rewrites single instructions of the installed code. Each rewrite is one atomic 4-byte store.
type Patcher struct {
	code  *memory.Region
	enc   BranchEncoder
	stats *Stats
	log   logrus.FieldLogger
}

// NewPatcher returns a Patcher of the code in code.
func NewPatcher(code *memory.Region, enc BranchEncoder, stats *Stats, log logrus.FieldLogger) *Patcher {
	if stats == nil {
		stats = NewStats()
	}
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	return &Patcher{code: code, enc: enc, stats: stats, log: log}
}

// Stats returns the statistics of the patches.
func (p *Patcher) Stats() *Stats {
	return p.stats
}

// patchCall points the branch-and-link at pc to target.
func (p *Patcher) patchCall(pc, target uint64) error {
	word, err := p.enc.EncodeCall(pc, target)
	if err != nil {
		return err
	}
	return p.write(pc, word)
}

// patchBranch replaces the instruction at pc with a branch to target.
func (p *Patcher) patchBranch(pc, target uint64) error {
	word, err := p.enc.EncodeBranch(pc, target)
	if err != nil {
		return err
	}
	return p.write(pc, word)
}

func (p *Patcher) write(pc uint64, word uint32) error {
	if err := p.code.Store(pc, 4, uint64(word)); err != nil {
		return fmt.Errorf("patching %#x: %w", pc, err)
	}
	if jitapi.PatchLoggingEnabled {
		fmt.Printf("[patch] %#x <- %08x\n", pc, word)
	}
	return nil
}

// Resolver answers the questions of resolution and class loading on behalf of the patch sites.
type Resolver interface {
	// ResolveDirect returns the entry point of m.
	ResolveDirect(m backend.MethodRef) (uint64, error)
	// ResolveVirtualOffset returns the offset of m's entry in the dispatch table of its class.
	ResolveVirtualOffset(m backend.MethodRef) (int64, error)
	// LookupInterface returns the entry point of the implementation of the interface method m for class.
	LookupInterface(class backend.ClassID, m backend.MethodRef) (uint64, error)
}
