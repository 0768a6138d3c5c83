// Package regalloc holds the register identities shared with the physical register allocator.
//
// The allocator itself lives outside this module: the call builders only consume its results,
// namely which real register holds which value and which registers hold live references at
// every call.
package regalloc

import (
	"fmt"
)

// VReg is a register operand: the physical register the allocator picked, tagged with the class
// of value it holds. The low byte is the RealReg and the high byte the RegType.
type VReg uint16

// VRegInvalid is the zero VReg. It stands for "no register", e.g. the destination of a void call.
const VRegInvalid VReg = 0

// FromRealReg returns the operand holding a value of class typ in r.
func FromRealReg(r RealReg, typ RegType) VReg {
	if r == RealRegInvalid {
		panic("BUG: invalid real reg")
	}
	return VReg(typ)<<8 | VReg(r)
}

// RealReg returns the physical register of v.
func (v VReg) RealReg() RealReg { return RealReg(v) }

// RegType returns the class of value v holds.
func (v VReg) RegType() RegType { return RegType(v >> 8) }

// WithRegType returns v reinterpreted as holding a value of class typ.
func (v VReg) WithRegType(typ RegType) VReg {
	return VReg(typ)<<8 | v&0xff
}

// IsRealReg returns true unless v is VRegInvalid.
func (v VReg) IsRealReg() bool { return v.RealReg() != RealRegInvalid }

// Valid returns true if v names a register and a value class.
func (v VReg) Valid() bool {
	return v.IsRealReg() && v.RegType() != RegTypeInvalid
}

// String implements fmt.Stringer. Architectures print their own register names.
func (v VReg) String() string {
	if !v.IsRealReg() {
		return "invalid"
	}
	return v.RealReg().String()
}

// RealReg is a physical register number as assigned by the architecture.
type RealReg byte

// RealRegInvalid is the zero RealReg.
const RealRegInvalid RealReg = 0

// RealRegsNumMax bounds the RealReg values a RegSet can hold.
const RealRegsNumMax = 64

func (r RealReg) String() string {
	if r == RealRegInvalid {
		return "invalid"
	}
	return fmt.Sprintf("r%d", r)
}

// RegType is the class of value a register holds.
type RegType byte

const (
	RegTypeInvalid RegType = iota
	// RegTypeInt are general purpose registers, which also hold references and addresses.
	RegTypeInt
	// RegTypeFloat are the SIMD and floating point registers.
	RegTypeFloat
	NumRegType
)

// String implements fmt.Stringer.
func (r RegType) String() string {
	switch r {
	case RegTypeInt:
		return "int"
	case RegTypeFloat:
		return "float"
	default:
		return "invalid"
	}
}
