package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-lower64/internal/fault"
	"github.com/wippyai/wasm-lower64/internal/handler"
	"github.com/wippyai/wasm-lower64/wasm"
)

// DefaultScratchAddr is the base of the reinterpret spill window when
// the caller does not pick one.
const DefaultScratchAddr uint32 = 1024

// Config configures the lowering engine.
type Config struct {
	// Registry overrides the handler set. Nil uses DefaultRegistry.
	Registry *handler.Registry

	// ScratchAddr is the base address of the 8-byte memory window used
	// by reinterpret conversions. Zero selects DefaultScratchAddr.
	ScratchAddr uint32

	// Validate runs structural validation on parsed input.
	Validate bool
}

// Engine applies the 64-bit lowering to modules.
//
// The engine is stateless between Transform calls. Each Transform
// operates on an independent module.
type Engine struct {
	registry    *handler.Registry
	scratchAddr uint32
	validate    bool
}

// New creates a new lowering engine with the given config.
func New(cfg Config) *Engine {
	reg := cfg.Registry
	if reg == nil {
		reg = DefaultRegistry()
	}
	addr := cfg.ScratchAddr
	if addr == 0 {
		addr = DefaultScratchAddr
	}
	return &Engine{
		registry:    reg,
		scratchAddr: addr,
		validate:    cfg.Validate,
	}
}

// DefaultRegistry creates a registry with all standard handlers.
func DefaultRegistry() *handler.Registry {
	r := handler.NewRegistry()
	handler.RegisterPassthroughHandlers(r)
	handler.RegisterConstantHandlers(r)
	handler.RegisterVariableHandlers(r)
	handler.RegisterArithmeticHandlers(r)
	handler.RegisterBitwiseHandlers(r)
	handler.RegisterCompareHandlers(r)
	handler.RegisterCountHandlers(r)
	handler.RegisterConversionHandlers(r)
	handler.RegisterMemoryHandlers(r)
	handler.RegisterReinterpretHandlers(r)
	handler.RegisterControlHandlers(r)
	handler.RegisterCallHandlers(r)
	handler.RegisterParametricHandlers(r)
	handler.RegisterMiscHandlers(r)
	return r
}

// Transform applies the lowering to a binary module.
//
// Modules without any i64 occurrence come back unchanged, byte for
// byte.
func (e *Engine) Transform(wasmData []byte) ([]byte, error) {
	var m *wasm.Module
	var err error
	if e.validate {
		m, err = wasm.ParseModuleValidate(wasmData)
	} else {
		m, err = wasm.ParseModule(wasmData)
	}
	if err != nil {
		return nil, fmt.Errorf("parse module: %w", err)
	}

	lowered, err := e.transform(m)
	if err != nil {
		return nil, err
	}
	if !lowered {
		return wasmData, nil
	}
	return m.Encode(), nil
}

// TransformModule applies the lowering to a parsed module in place.
func (e *Engine) TransformModule(m *wasm.Module) error {
	_, err := e.transform(m)
	return err
}

// transform runs the pipeline and reports whether the module changed.
func (e *Engine) transform(m *wasm.Module) (bool, error) {
	if err := checkSupported(m); err != nil {
		return false, err
	}

	bodies, err := decodeBodies(m)
	if err != nil {
		return false, err
	}

	if !needsLowering(m, bodies) {
		Logger().Debug("module has no 64-bit occurrences, skipping")
		return false, nil
	}

	origTypes := snapshotTypes(m)
	globals, globalTypes, err := splitGlobals(m)
	if err != nil {
		return false, err
	}
	typesRewritten := rewriteSignatures(m)

	memoryAdded := false
	if usesReinterpret(bodies) {
		memoryAdded, err = ensureScratchMemory(m, e.scratchAddr)
		if err != nil {
			return false, err
		}
	}

	ft := NewFunctionTransformer(e.registry, m, origTypes, globals, globalTypes, e.scratchAddr)
	numImported := uint32(m.NumImportedFuncs())
	for i := range m.Code {
		funcIdx := numImported + uint32(i)
		inBytes := len(m.Code[i].Code)
		if err := ft.Transform(funcIdx, &m.Code[i], bodies[i]); err != nil {
			return false, err
		}
		Logger().Debug("lowered function",
			zap.Uint32("func", funcIdx),
			zap.Int("instructions", len(bodies[i])),
			zap.Int("bytes_in", inBytes),
			zap.Int("bytes_out", len(m.Code[i].Code)),
		)
	}

	splitCount := 0
	for _, s := range globals {
		if s.Wide {
			splitCount++
		}
	}
	Logger().Info("lowered module",
		zap.Int("functions", len(m.Code)),
		zap.Int("types_rewritten", typesRewritten),
		zap.Int("globals_split", splitCount),
		zap.Bool("scratch_memory_added", memoryAdded),
	)

	return true, nil
}

// checkSupported rejects module shapes the lowering cannot express.
//
// A split global is two globals; imported or exported i64 globals would
// change the module's import and export surface in ways the host cannot
// see through, so they are refused rather than silently broken. 64-bit
// memories address with i64 and have no 32-bit equivalent.
func checkSupported(m *wasm.Module) error {
	for _, imp := range m.Imports {
		switch imp.Desc.Kind {
		case wasm.KindGlobal:
			if imp.Desc.Global != nil && imp.Desc.Global.ValType == wasm.ValI64 {
				return fault.UnsupportedModule("imported 64-bit global %s.%s", imp.Module, imp.Name)
			}
		case wasm.KindMemory:
			if imp.Desc.Memory != nil && imp.Desc.Memory.Limits.Memory64 {
				return fault.UnsupportedModule("imported memory %s.%s uses 64-bit addressing", imp.Module, imp.Name)
			}
		}
	}

	for i := range m.Memories {
		if m.Memories[i].Limits.Memory64 {
			return fault.UnsupportedModule("memory %d uses 64-bit addressing", i)
		}
	}

	numImportedGlobals := uint32(m.NumImportedGlobals())
	for _, exp := range m.Exports {
		if exp.Kind != wasm.KindGlobal || exp.Idx < numImportedGlobals {
			continue
		}
		def := exp.Idx - numImportedGlobals
		if int(def) < len(m.Globals) && m.Globals[def].Type.ValType == wasm.ValI64 {
			return fault.UnsupportedModule("exported 64-bit global %q", exp.Name)
		}
	}

	return nil
}

// decodeBodies decodes every function body up front so the wide scan
// and the per-function transforms share one pass over the bytecode.
func decodeBodies(m *wasm.Module) ([][]wasm.Instruction, error) {
	numImported := m.NumImportedFuncs()
	bodies := make([][]wasm.Instruction, len(m.Code))
	for i := range m.Code {
		instrs, err := wasm.DecodeInstructions(m.Code[i].Code)
		if err != nil {
			return nil, fmt.Errorf("decode func %d: %w", numImported+i, err)
		}
		bodies[i] = instrs
	}
	return bodies, nil
}

// needsLowering reports whether the module contains any i64 occurrence:
// in signatures, globals, locals, or instructions.
func needsLowering(m *wasm.Module, bodies [][]wasm.Instruction) bool {
	for _, t := range m.Types {
		if hasWide(t.Params) || hasWide(t.Results) {
			return true
		}
	}
	for i := range m.Globals {
		if m.Globals[i].Type.ValType == wasm.ValI64 {
			return true
		}
	}
	for i := range m.Code {
		for _, le := range m.Code[i].Locals {
			if le.ValType == wasm.ValI64 && le.Count > 0 {
				return true
			}
		}
	}
	for _, instrs := range bodies {
		for _, instr := range instrs {
			if touchesWide(instr) {
				return true
			}
		}
	}
	return false
}

// touchesWide reports whether one instruction produces, consumes, or
// declares an i64.
func touchesWide(instr wasm.Instruction) bool {
	op := instr.Opcode
	switch {
	case op == wasm.OpI64Const:
		return true
	case op == wasm.OpI64Load,
		op >= wasm.OpI64Load8S && op <= wasm.OpI64Load32U:
		return true
	case op == wasm.OpI64Store,
		op >= wasm.OpI64Store8 && op <= wasm.OpI64Store32:
		return true
	case op >= wasm.OpI64Eqz && op <= wasm.OpI64GeU:
		return true
	case op >= wasm.OpI64Clz && op <= wasm.OpI64Rotr:
		return true
	case op == wasm.OpI32WrapI64:
		return true
	case op >= wasm.OpI64ExtendI32S && op <= wasm.OpI64TruncF64U:
		return true
	case op == wasm.OpF32ConvertI64S, op == wasm.OpF32ConvertI64U,
		op == wasm.OpF64ConvertI64S, op == wasm.OpF64ConvertI64U:
		return true
	case op == wasm.OpI64ReinterpretF64, op == wasm.OpF64ReinterpretI64:
		return true
	case op >= wasm.OpI64Extend8S && op <= wasm.OpI64Extend32S:
		return true
	case op == wasm.OpBlock, op == wasm.OpLoop, op == wasm.OpIf:
		if imm, ok := instr.Imm.(wasm.BlockImm); ok && imm.Type == wasm.BlockTypeI64 {
			return true
		}
	case op == wasm.OpSelectType:
		if imm, ok := instr.Imm.(wasm.SelectTypeImm); ok {
			for _, t := range imm.Types {
				if t == wasm.ValI64 {
					return true
				}
			}
		}
	case op == wasm.OpPrefixMisc:
		if imm, ok := instr.Imm.(wasm.MiscImm); ok {
			switch imm.SubOpcode {
			case wasm.MiscI64TruncSatF32S, wasm.MiscI64TruncSatF32U,
				wasm.MiscI64TruncSatF64S, wasm.MiscI64TruncSatF64U:
				return true
			}
		}
	}
	return false
}
