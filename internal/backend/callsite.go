package backend

import (
	"fmt"

	"github.com/tetratelabs/jitlink/internal/backend/regalloc"
)

type (
	// ClassID identifies a loaded class. At run time it is the address of the class structure,
	// which is what the first word of every object points to.
	ClassID uint64

	// MethodID identifies a method independently of whether it is resolved.
	MethodID uint64

	// LocalID identifies a local or temporary stack location of the compiled method.
	LocalID int32

	// CallKind is the dispatch protocol of a CallSite.
	CallKind byte

	// ArgSourceKind is where an argument value comes from.
	ArgSourceKind byte

	// GuardKind is the kind of fact a DevirtualizationGuard depends on.
	GuardKind byte
)

const (
	CallKindInvalid CallKind = iota
	// CallKindDirect calls a statically known target.
	CallKindDirect
	// CallKindVirtual dispatches through the receiver's dispatch table.
	CallKindVirtual
	// CallKindInterface dispatches through a polymorphic inline cache.
	CallKindInterface
	// CallKindNative calls into unmanaged code.
	CallKindNative
)

// String implements fmt.Stringer.
func (k CallKind) String() string {
	switch k {
	case CallKindDirect:
		return "direct"
	case CallKindVirtual:
		return "virtual"
	case CallKindInterface:
		return "interface"
	case CallKindNative:
		return "native"
	default:
		return "invalid"
	}
}

const (
	ArgSourceInvalid ArgSourceKind = iota
	// ArgSourceReg is a value held in a register.
	ArgSourceReg
	// ArgSourceLocal is a value held in a local stack slot.
	ArgSourceLocal
	// ArgSourceConst is an integer constant.
	ArgSourceConst
	// ArgSourceIncoming is one of the compiled method's own stack-passed parameters.
	ArgSourceIncoming
)

const (
	GuardInvalid GuardKind = iota
	// GuardNoOverride holds while no class below Class overrides Method.
	GuardNoOverride
	// GuardSingleImplementor holds while Class, an interface or abstract class, has exactly one concrete implementor.
	GuardSingleImplementor
)

// String implements fmt.Stringer.
func (k GuardKind) String() string {
	switch k {
	case GuardNoOverride:
		return "no-override"
	case GuardSingleImplementor:
		return "single-implementor"
	default:
		return "invalid"
	}
}

// MethodRef is the resolved-or-not identity of a call target.
type MethodRef struct {
	ID   MethodID
	Name string
	// Resolved is true when the fields below are known at compile time.
	Resolved bool
	// Address is the entry point of the method. Valid for resolved direct and native targets.
	Address uint64
	// Class is the declaring class of the method.
	Class ClassID
	// VTableOffset is the offset of the method's entry from the start of the class structure.
	// Valid for resolved virtual targets.
	VTableOffset int64
	// ITableIndex is the index of the method in its interface.
	ITableIndex int
}

// String implements fmt.Stringer.
func (m MethodRef) String() string {
	if m.Name != "" {
		return m.Name
	}
	return fmt.Sprintf("method#%d", m.ID)
}

// ArgSource describes where the value of an argument is before the call.
type ArgSource struct {
	Kind ArgSourceKind
	// Reg is valid if Kind == ArgSourceReg.
	Reg regalloc.VReg
	// Local is valid if Kind == ArgSourceLocal.
	Local LocalID
	// Const is valid if Kind == ArgSourceConst.
	Const int64
	// Index is valid if Kind == ArgSourceIncoming: the index of the stack slot among the method's stack-passed parameters.
	Index int
}

// ArgDesc is one argument of a call.
type ArgDesc struct {
	Type   Type
	Source ArgSource
}

// RegArg returns an ArgDesc sourcing an argument from a register.
func RegArg(t Type, r regalloc.VReg) ArgDesc {
	return ArgDesc{Type: t, Source: ArgSource{Kind: ArgSourceReg, Reg: r}}
}

// LocalArg returns an ArgDesc sourcing an argument from a local stack slot.
func LocalArg(t Type, l LocalID) ArgDesc {
	return ArgDesc{Type: t, Source: ArgSource{Kind: ArgSourceLocal, Local: l}}
}

// ConstArg returns an ArgDesc for an integer constant.
func ConstArg(t Type, c int64) ArgDesc {
	return ArgDesc{Type: t, Source: ArgSource{Kind: ArgSourceConst, Const: c}}
}

// IncomingArg returns an ArgDesc for the i-th stack-passed parameter of the compiled method.
func IncomingArg(t Type, i int) ArgDesc {
	return ArgDesc{Type: t, Source: ArgSource{Kind: ArgSourceIncoming, Index: i}}
}

// ProfiledTarget is one previously observed concrete receiver of a call site.
type ProfiledTarget struct {
	Class  ClassID
	Method MethodRef
	// Frequency is the fraction of observed calls that had this receiver class, in [0, 1].
	Frequency float64
}

// GuardCondition is a fact proven by the optimizer at compile time which makes Target
// the only possible callee while it holds.
type GuardCondition struct {
	Kind   GuardKind
	Class  ClassID
	Method MethodRef
}

// CallSite is the description of one call produced by the instruction selector. Read-only to the back end.
type CallSite struct {
	Kind   CallKind
	Target MethodRef
	// Args are the arguments in declaration order. For virtual and interface calls Args[0] is the receiver.
	Args []ArgDesc
	// Return is the return type of the call.
	Return Type
	// ReturnDest is the register receiving the return value, or regalloc.VRegInvalid to discard it.
	ReturnDest regalloc.VReg
	// Profile is sorted by descending frequency.
	Profile []ProfiledTarget
	// LiveReferenceRegs are the registers holding references which stay live across the call.
	// They must be preserved registers of the managed convention.
	LiveReferenceRegs regalloc.RegSet
	// LiveReferenceLocals are the reference-typed locals which stay live across the call.
	LiveReferenceLocals []LocalID
	// Guard is non-nil when the optimizer proved a devirtualization condition. Only virtual calls take one:
	// an interface call relies on its inline cache instead.
	Guard *GuardCondition
	// Wrapper is true when the compiled method only exists to call the native target,
	// in which case the native transition frame is hidden from stack traces.
	Wrapper bool
}

// Receiver returns the receiver argument of a virtual or interface call.
func (c *CallSite) Receiver() ArgDesc {
	return c.Args[0]
}

// Validate checks the structural constraints of the call site.
func (c *CallSite) Validate() error {
	switch c.Kind {
	case CallKindDirect, CallKindVirtual, CallKindInterface, CallKindNative:
	default:
		return fmt.Errorf("%w: unknown call kind %d", ErrInvalidCallSite, c.Kind)
	}
	if c.Kind == CallKindVirtual || c.Kind == CallKindInterface {
		if len(c.Args) == 0 || c.Args[0].Type != TypeRef {
			return fmt.Errorf("%w: %s call to %s without reference receiver", ErrInvalidCallSite, c.Kind, c.Target)
		}
	}
	if c.Kind == CallKindNative && !c.Target.Resolved {
		return fmt.Errorf("%w: native target %s must be resolved", ErrInvalidCallSite, c.Target)
	}
	if c.Kind == CallKindNative && c.LiveReferenceRegs.Len() > 0 {
		// The native convention does not preserve references in registers across the collector's scan.
		return fmt.Errorf("%w: native call to %s with live references in registers", ErrInvalidCallSite, c.Target)
	}
	if c.Guard != nil && c.Kind != CallKindVirtual {
		return fmt.Errorf("%w: guard on %s call", ErrInvalidCallSite, c.Kind)
	}
	for i, a := range c.Args {
		if a.Type == TypeInvalid || a.Type == TypeVoid {
			return fmt.Errorf("%w: argument %d has type %s", ErrArgumentLayoutMismatch, i, a.Type)
		}
		switch a.Source.Kind {
		case ArgSourceReg:
			r := a.Source.Reg
			if !r.Valid() {
				return fmt.Errorf("%w: argument %d has no register", ErrArgumentLayoutMismatch, i)
			}
			if (r.RegType() == regalloc.RegTypeFloat) != a.Type.IsFloat() {
				return fmt.Errorf("%w: argument %d of type %s in %s register", ErrArgumentLayoutMismatch, i, a.Type, r.RegType())
			}
		case ArgSourceConst:
			if a.Type.IsFloat() {
				return fmt.Errorf("%w: argument %d is a floating point constant", ErrArgumentLayoutMismatch, i)
			}
		case ArgSourceLocal, ArgSourceIncoming:
		default:
			return fmt.Errorf("%w: argument %d has no source", ErrArgumentLayoutMismatch, i)
		}
	}
	if c.Return == TypeInvalid {
		return fmt.Errorf("%w: missing return type", ErrInvalidCallSite)
	}
	if d := c.ReturnDest; d.Valid() {
		if c.Return == TypeVoid {
			return fmt.Errorf("%w: void call with a return destination", ErrInvalidCallSite)
		}
		if (d.RegType() == regalloc.RegTypeFloat) != c.Return.IsFloat() {
			return fmt.Errorf("%w: return of type %s into %s register", ErrArgumentLayoutMismatch, c.Return, d.RegType())
		}
	}
	for i := 1; i < len(c.Profile); i++ {
		if c.Profile[i].Frequency > c.Profile[i-1].Frequency {
			return fmt.Errorf("%w: profile is not sorted by frequency", ErrInvalidCallSite)
		}
	}
	return nil
}
