package jitlink

import (
	"errors"
	"fmt"

	"github.com/tetratelabs/jitlink/internal/backend"
	"github.com/tetratelabs/jitlink/internal/backend/framelayout"
	"github.com/tetratelabs/jitlink/internal/backend/regalloc"
)

// The description of a method as produced by the optimizer, the instruction selector and the register
// allocator: its locals, their interference, the preserved registers it uses and its straight-line body
// between calls.
type (
	Type           = backend.Type
	Reg            = regalloc.VReg
	LocalID        = backend.LocalID
	MethodID       = backend.MethodID
	ClassID        = backend.ClassID
	MethodRef      = backend.MethodRef
	CallSite       = backend.CallSite
	ArgDesc        = backend.ArgDesc
	ProfiledTarget = backend.ProfiledTarget
	GuardCondition = backend.GuardCondition
	Local          = framelayout.Local
	LiveRange      = framelayout.LiveRange
)

// OpKind is the kind of an Op.
type OpKind byte

const (
	OpInvalid OpKind = iota
	// OpConst loads Value into Dst.
	OpConst
	// OpMove copies Src to Dst.
	OpMove
	// OpLoadLocal loads Local of Type into Dst.
	OpLoadLocal
	// OpStoreLocal stores Src into Local of Type.
	OpStoreLocal
	// OpCall emits Call.
	OpCall
	// OpReturn returns Src, or nothing if Src is invalid.
	OpReturn
)

// String implements fmt.Stringer.
func (k OpKind) String() string {
	switch k {
	case OpConst:
		return "const"
	case OpMove:
		return "move"
	case OpLoadLocal:
		return "load-local"
	case OpStoreLocal:
		return "store-local"
	case OpCall:
		return "call"
	case OpReturn:
		return "return"
	default:
		return "invalid"
	}
}

// Op is one operation of a method body, already register allocated.
type Op struct {
	Kind     OpKind
	Dst, Src Reg
	Value    int64
	Local    LocalID
	Type     Type
	Call     *CallSite
}

// Method is a method ready for code generation.
type Method struct {
	Name   string
	Params []Type
	Return Type
	// Locals are the stack locations of the method.
	Locals []Local
	// LiveRanges are the live ranges of the locals. Locals without ranges never share their slot.
	LiveRanges map[LocalID][]LiveRange
	// SavedRegs are the preserved registers the body uses.
	SavedRegs []Reg
	Body      []Op
}

// errInvalidMethod is wrapped by the errors of Method.validate.
var errInvalidMethod = errors.New("invalid method")

func (m *Method) validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: no name", errInvalidMethod)
	}
	if m.Return == backend.TypeInvalid {
		return fmt.Errorf("%w: %s has no return type", errInvalidMethod, m.Name)
	}
	for i, p := range m.Params {
		if p == backend.TypeInvalid || p == backend.TypeVoid {
			return fmt.Errorf("%w: parameter %d of %s has type %s", errInvalidMethod, i, m.Name, p)
		}
	}
	if len(m.Body) == 0 || m.Body[len(m.Body)-1].Kind != OpReturn {
		return fmt.Errorf("%w: %s does not end with a return", errInvalidMethod, m.Name)
	}
	for i := range m.Body {
		op := &m.Body[i]
		switch op.Kind {
		case OpConst, OpMove, OpLoadLocal, OpStoreLocal, OpReturn:
		case OpCall:
			if op.Call == nil {
				return fmt.Errorf("%w: op %d of %s is a call without call site", errInvalidMethod, i, m.Name)
			}
		default:
			return fmt.Errorf("%w: op %d of %s has kind %s", errInvalidMethod, i, m.Name, op.Kind)
		}
	}
	return nil
}

// callSites returns the call sites of the body.
func (m *Method) callSites() []*CallSite {
	var ret []*CallSite
	for i := range m.Body {
		if m.Body[i].Kind == OpCall {
			ret = append(ret, m.Body[i].Call)
		}
	}
	return ret
}
