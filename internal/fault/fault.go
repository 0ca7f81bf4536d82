package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes the failure
type Kind string

const (
	// KindUnsupportedOpcode marks an instruction with no 32-bit expansion.
	KindUnsupportedOpcode Kind = "unsupported_opcode"

	// KindUnsupportedModule marks a module-level construct the pass
	// cannot rewrite, such as an imported i64 global.
	KindUnsupportedModule Kind = "unsupported_module"

	// KindMissingScratchMemory marks a module whose linear memory cannot
	// host the scratch window reinterpret conversions spill through.
	KindMissingScratchMemory Kind = "missing_scratch_memory"

	// KindInternal marks a bug in the transformer itself.
	KindInternal Kind = "internal"
)

// Error is the structured error type used throughout the lowering pass
type Error struct {
	Cause    error
	Kind     Kind
	Opcode   string
	Detail   string
	FuncIdx  int
	InstrIdx int
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(string(e.Kind))

	if e.Opcode != "" {
		b.WriteString(": ")
		b.WriteString(e.Opcode)
	}

	if e.FuncIdx >= 0 {
		fmt.Fprintf(&b, " in func %d", e.FuncIdx)
		if e.InstrIdx >= 0 {
			fmt.Fprintf(&b, " at instruction %d", e.InstrIdx)
		}
	}

	if e.Detail != "" {
		if e.Opcode != "" || e.FuncIdx >= 0 {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// WithDetail attaches a formatted detail message and returns the error
func (e *Error) WithDetail(format string, args ...any) *Error {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

func newError(kind Kind) *Error {
	return &Error{Kind: kind, FuncIdx: -1, InstrIdx: -1}
}

// UnsupportedOpcode creates an error for an instruction the pass cannot
// express in 32-bit code. opcode is the textual instruction name.
func UnsupportedOpcode(opcode string) *Error {
	e := newError(KindUnsupportedOpcode)
	e.Opcode = opcode
	return e
}

// UnsupportedModule creates an error for a module-level construct the
// pass cannot rewrite.
func UnsupportedModule(format string, args ...any) *Error {
	e := newError(KindUnsupportedModule)
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// MissingScratchMemory creates an error for a module whose memory layout
// cannot host the reinterpret scratch window.
func MissingScratchMemory(format string, args ...any) *Error {
	e := newError(KindMissingScratchMemory)
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// Internal creates an error for a transformer bug.
func Internal(detail string, cause error) *Error {
	e := newError(KindInternal)
	e.Detail = detail
	e.Cause = cause
	return e
}

// At attaches a function and instruction location to err when it carries
// none yet. Errors without a fault.Error in their chain pass through
// unchanged.
func At(err error, funcIdx, instrIdx int) error {
	var fe *Error
	if errors.As(err, &fe) && fe.FuncIdx < 0 {
		fe.FuncIdx = funcIdx
		fe.InstrIdx = instrIdx
	}
	return err
}

// IsKind reports whether err carries the given kind anywhere in its chain
func IsKind(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}
