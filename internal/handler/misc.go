package handler

import (
	"fmt"

	"github.com/wippyai/wasm-lower64/internal/fault"
	"github.com/wippyai/wasm-lower64/wasm"
)

// MiscHandler covers the 0xFC prefix: saturating truncations, bulk
// memory and table operations. None of the surviving instructions here
// touch 64-bit values (memory64 modules are rejected before handlers
// ever run), so apart from the four i64 saturating truncations this
// reduces to tracking the stack effect and passing the instruction
// through.
type MiscHandler struct{}

func (h MiscHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	imm := instr.Imm.(wasm.MiscImm)

	switch imm.SubOpcode {
	case wasm.MiscI64TruncSatF32S:
		return fault.UnsupportedOpcode("i64.trunc_sat_f32_s")
	case wasm.MiscI64TruncSatF32U:
		return fault.UnsupportedOpcode("i64.trunc_sat_f32_u")
	case wasm.MiscI64TruncSatF64S:
		return fault.UnsupportedOpcode("i64.trunc_sat_f64_s")
	case wasm.MiscI64TruncSatF64U:
		return fault.UnsupportedOpcode("i64.trunc_sat_f64_u")
	}

	pops := 0
	pushI32 := false
	switch imm.SubOpcode {
	case wasm.MiscI32TruncSatF32S, wasm.MiscI32TruncSatF32U,
		wasm.MiscI32TruncSatF64S, wasm.MiscI32TruncSatF64U:
		pops, pushI32 = 1, true
	case wasm.MiscMemoryInit, wasm.MiscMemoryCopy, wasm.MiscMemoryFill,
		wasm.MiscTableInit, wasm.MiscTableCopy, wasm.MiscTableFill:
		pops = 3
	case wasm.MiscDataDrop, wasm.MiscElemDrop:
	case wasm.MiscTableGrow:
		pops, pushI32 = 2, true
	case wasm.MiscTableSize:
		pushI32 = true
	case wasm.MiscMemoryDiscard:
		pops = 2
	default:
		return fault.UnsupportedOpcode(fmt.Sprintf("misc 0x%02X", imm.SubOpcode))
	}

	for i := 0; i < pops; i++ {
		ctx.Stack.Pop()
	}
	ctx.Emit.EmitInstr(instr)
	if pushI32 {
		ctx.Stack.Push(wasm.ValI32)
	}

	return nil
}

// RegisterMiscHandlers adds the prefixed instruction handler.
func RegisterMiscHandlers(r *Registry) {
	r.Register(wasm.OpPrefixMisc, MiscHandler{}, "misc")
}
