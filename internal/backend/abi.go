package backend

import (
	"fmt"

	"github.com/tetratelabs/jitlink/internal/backend/regalloc"
)

// ABIRegInfo describes the register part of a calling convention.
type ABIRegInfo struct {
	// ArgInts and ArgFloats are the registers used for passing parameters, in order.
	ArgInts, ArgFloats []regalloc.RealReg
	// RetInt and RetFloat hold the return value.
	RetInt, RetFloat regalloc.RealReg
	// Preserved are the registers the callee must preserve.
	Preserved regalloc.RegSet
	// StackAlignment is the alignment of the stack pointer at the call.
	StackAlignment int64
}

type (
	// FunctionABI is the location of every argument and of the return value of one signature.
	FunctionABI struct {
		Initialized bool

		Args []ABIArg
		Ret  ABIArg
		// ArgStackSize is the size of the stack-passed arguments area, aligned to the convention's stack alignment.
		ArgStackSize int64

		ArgRealRegs []regalloc.VReg
	}

	// ABIArg represents either argument or return value's location.
	ABIArg struct {
		// Index is the index of the argument.
		Index int
		// Kind is the kind of the argument.
		Kind ABIArgKind
		// Reg is valid if Kind == ABIArgKindReg.
		// This VReg must be based on RealReg.
		Reg regalloc.VReg
		// Offset is valid if Kind == ABIArgKindStack.
		// This is the offset from the stack pointer at the call.
		Offset int64
		// Type is the type of the argument.
		Type Type
	}

	// ABIArgKind is the kind of ABI argument.
	ABIArgKind byte
)

const (
	// ABIArgKindReg represents an argument passed in a register.
	ABIArgKindReg ABIArgKind = iota
	// ABIArgKindStack represents an argument passed in the stack.
	ABIArgKindStack
	// ABIArgKindNone is the location of a void return.
	ABIArgKindNone
)

// String implements fmt.Stringer.
func (a *ABIArg) String() string {
	switch a.Kind {
	case ABIArgKindStack:
		return fmt.Sprintf("args[%d]: stack[%#x] %s", a.Index, a.Offset, a.Type)
	default:
		return fmt.Sprintf("args[%d]: %s %s", a.Index, a.Kind, a.Type)
	}
}

// String implements fmt.Stringer.
func (a ABIArgKind) String() string {
	switch a {
	case ABIArgKindReg:
		return "reg"
	case ABIArgKindStack:
		return "stack"
	case ABIArgKindNone:
		return "none"
	default:
		panic("BUG")
	}
}

// Init places the given parameter types and return type according to info.
func (a *FunctionABI) Init(info *ABIRegInfo, params []Type, ret Type) {
	if len(a.Args) < len(params) {
		a.Args = make([]ABIArg, len(params))
	}
	a.Args = a.Args[:len(params)]

	il, fl := len(info.ArgInts), len(info.ArgFloats)
	var stackOffset int64
	intParamIndex, floatParamIndex := 0, 0
	for i, typ := range params {
		arg := &a.Args[i]
		*arg = ABIArg{Index: i, Type: typ}
		if typ.IsFloat() {
			if floatParamIndex < fl {
				arg.Kind = ABIArgKindReg
				arg.Reg = regalloc.FromRealReg(info.ArgFloats[floatParamIndex], regalloc.RegTypeFloat)
				floatParamIndex++
				continue
			}
		} else if intParamIndex < il {
			arg.Kind = ABIArgKindReg
			arg.Reg = regalloc.FromRealReg(info.ArgInts[intParamIndex], regalloc.RegTypeInt)
			intParamIndex++
			continue
		}
		const slotSize = 8 // Every stack-passed argument takes one 8-byte slot.
		arg.Kind = ABIArgKindStack
		arg.Offset = stackOffset
		stackOffset += slotSize
	}
	align := info.StackAlignment
	if align == 0 {
		align = 16
	}
	a.ArgStackSize = (stackOffset + align - 1) &^ (align - 1)

	a.Ret = ABIArg{Index: 0, Type: ret, Kind: ABIArgKindNone}
	switch {
	case ret == TypeVoid:
	case ret.IsFloat():
		a.Ret.Kind = ABIArgKindReg
		a.Ret.Reg = regalloc.FromRealReg(info.RetFloat, regalloc.RegTypeFloat)
	default:
		a.Ret.Kind = ABIArgKindReg
		a.Ret.Reg = regalloc.FromRealReg(info.RetInt, regalloc.RegTypeInt)
	}

	a.ArgRealRegs = a.ArgRealRegs[:0]
	for i := range a.Args {
		if arg := &a.Args[i]; arg.Kind == ABIArgKindReg {
			a.ArgRealRegs = append(a.ArgRealRegs, arg.Reg)
		}
	}
	a.Initialized = true
}
