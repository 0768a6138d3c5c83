package regalloc

import (
	"math/bits"
	"strings"
)

// NewRegSet returns a new RegSet with the given registers.
func NewRegSet(regs ...RealReg) RegSet {
	var ret RegSet
	for _, r := range regs {
		ret = ret.Add(r)
	}
	return ret
}

// RegSet represents a set of registers. Only registers below RealRegsNumMax can be members.
type RegSet uint64

// Has returns true if r is in the set.
func (rs RegSet) Has(r RealReg) bool {
	return r < RealRegsNumMax && rs&(1<<uint(r)) != 0
}

// Add returns the set with r added.
func (rs RegSet) Add(r RealReg) RegSet {
	if r >= RealRegsNumMax {
		return rs
	}
	return rs | 1<<uint(r)
}

// Remove returns the set with r removed.
func (rs RegSet) Remove(r RealReg) RegSet {
	if r >= RealRegsNumMax {
		return rs
	}
	return rs &^ (1 << uint(r))
}

// Union returns the union of the two sets.
func (rs RegSet) Union(o RegSet) RegSet { return rs | o }

// Intersect returns the intersection of the two sets.
func (rs RegSet) Intersect(o RegSet) RegSet { return rs & o }

// Len returns the number of registers in the set.
func (rs RegSet) Len() int {
	return bits.OnesCount64(uint64(rs))
}

// Range calls f for every register in the set in ascending order.
func (rs RegSet) Range(f func(r RealReg)) {
	for v := uint64(rs); v != 0; v &= v - 1 {
		f(RealReg(bits.TrailingZeros64(v)))
	}
}

// Slice returns the registers in the set in ascending order.
func (rs RegSet) Slice() []RealReg {
	ret := make([]RealReg, 0, rs.Len())
	rs.Range(func(r RealReg) { ret = append(ret, r) })
	return ret
}

// Format returns the set as "{a, b}" using name to render each register.
func (rs RegSet) Format(name func(RealReg) string) string {
	var ret []string
	rs.Range(func(r RealReg) { ret = append(ret, name(r)) })
	return "{" + strings.Join(ret, ", ") + "}"
}
