package lower64

import "github.com/wippyai/wasm-lower64/internal/fault"

// Error is the structured error type produced by failed transformations.
// It carries a Kind, the offending opcode when one exists, and the
// function and instruction indexes where lowering stopped.
type Error = fault.Error

// Kind classifies transformation failures.
type Kind = fault.Kind

const (
	// KindUnsupportedOpcode marks an instruction with no 32-bit expansion,
	// such as i64.div_s or an i64/float conversion.
	KindUnsupportedOpcode = fault.KindUnsupportedOpcode

	// KindUnsupportedModule marks a module-level construct the lowering
	// cannot preserve, such as an imported i64 global or a 64-bit memory.
	KindUnsupportedModule = fault.KindUnsupportedModule

	// KindMissingScratchMemory marks a scratch window that does not fit
	// inside the module's memory.
	KindMissingScratchMemory = fault.KindMissingScratchMemory

	// KindInternal marks a bug in the transformation itself.
	KindInternal = fault.KindInternal
)

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return fault.IsKind(err, kind)
}
