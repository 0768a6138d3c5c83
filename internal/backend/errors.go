package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrArgumentLayoutMismatch is returned when a call site's arguments cannot be placed according to its convention.
	ErrArgumentLayoutMismatch = errors.New("argument layout does not match the calling convention")
	// ErrFrameNotFinalized is returned when a call builder asks for a frame descriptor before the prologue froze it.
	ErrFrameNotFinalized = errors.New("frame descriptor requested before layout was finalized")
	// ErrDuplicateSafepoint is returned when two safepoint maps are attached to the same return address.
	ErrDuplicateSafepoint = errors.New("duplicate safepoint at return address")
	// ErrInvalidCallSite is returned when a call site description is malformed.
	ErrInvalidCallSite = errors.New("invalid call site")
	// ErrInvalidLocal is returned when a local description is malformed.
	ErrInvalidLocal = errors.New("invalid local")
	// ErrMissingSafepoint is returned when a call instruction has no safepoint map at its return address.
	ErrMissingSafepoint = errors.New("call without safepoint")
	// ErrEncoding is returned when the encoder could not produce machine code.
	ErrEncoding = errors.New("encoding failed")
)

// CompilationError aborts compilation of one method. The method must then run through an
// execution path outside of this back end.
type CompilationError struct {
	// Method is the name of the method whose compilation failed.
	Method string
	// Phase names the step that detected the violation, e.g. "layout" or "call".
	Phase string
	Err   error
}

// Error implements error.
func (e *CompilationError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("%s: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("compiling %s: %s: %v", e.Method, e.Phase, e.Err)
}

// Unwrap returns the underlying error.
func (e *CompilationError) Unwrap() error {
	return e.Err
}

// InvariantViolation is the panic value used for category (d) violations detected deep inside the
// instruction builders, where threading an error return through every helper would obscure the code.
// RecoverCompilationError converts it back to an error at the compilation boundary.
type InvariantViolation struct {
	Err error
}

// Violate panics with an InvariantViolation wrapping err.
func Violate(err error) {
	panic(InvariantViolation{Err: err})
}

// Violatef panics with an InvariantViolation wrapping sentinel with a formatted detail message.
func Violatef(sentinel error, format string, args ...any) {
	panic(InvariantViolation{Err: fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))})
}

// RecoverCompilationError must be deferred. It turns an InvariantViolation panic into a
// *CompilationError stored at errp; any other panic is re-raised.
func RecoverCompilationError(method, phase string, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	v, ok := r.(InvariantViolation)
	if !ok {
		panic(r)
	}
	*errp = &CompilationError{Method: method, Phase: phase, Err: v.Err}
}
