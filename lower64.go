package lower64

import (
	"go.uber.org/zap"

	"github.com/wippyai/wasm-lower64/internal/engine"
	"github.com/wippyai/wasm-lower64/wasm"
)

// DefaultScratchAddr is the linear memory address used to stage
// reinterpret conversions when Config.ScratchAddr is zero.
const DefaultScratchAddr = engine.DefaultScratchAddr

// Config configures the lowering transformation.
type Config struct {
	// ScratchAddr is the address of an 8-byte window in memory 0 used to
	// move bits between integer and float halves. The window must lie
	// inside the memory's minimum size. Zero selects DefaultScratchAddr.
	ScratchAddr uint32

	// Validate runs full structural validation on the input module before
	// transforming it.
	Validate bool
}

// Transform rewrites a WASM binary so that no 64-bit integer remains in it.
//
// Every i64 becomes a (low, high) pair of i32 values:
//   - Function signatures expand each i64 parameter and result into two
//     adjacent i32s, low word first. Imported functions rewrite too.
//   - i64 locals and globals split into two 32-bit halves.
//   - Each i64 instruction is replaced by an i32 sequence computing the
//     same value, including carries, partial products, and shift
//     boundary handling.
//   - i64 memory accesses split into paired i32 accesses at offset and
//     offset+4.
//
// A module with no i64 anywhere is returned unchanged. Constructs with no
// 32-bit expansion, such as i64 division or i64/float conversions, produce
// an Error describing the offending opcode and its location.
//
// Returns the transformed WASM binary or an error.
func Transform(wasmData []byte, cfg Config) ([]byte, error) {
	eng := engine.New(engine.Config{
		ScratchAddr: cfg.ScratchAddr,
		Validate:    cfg.Validate,
	})
	return eng.Transform(wasmData)
}

// TransformModule applies the lowering to an already parsed module in place.
func TransformModule(m *wasm.Module, cfg Config) error {
	eng := engine.New(engine.Config{
		ScratchAddr: cfg.ScratchAddr,
		Validate:    cfg.Validate,
	})
	return eng.TransformModule(m)
}

// SetLogger configures the logger used during transformation.
// This must be called before any transformations run.
func SetLogger(logger *zap.Logger) {
	engine.SetLogger(logger)
}
