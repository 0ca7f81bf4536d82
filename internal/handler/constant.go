package handler

import (
	"github.com/wippyai/wasm-lower64/wasm"
)

// I64ConstHandler splits a 64-bit constant into two 32-bit pushes.
//
// The low word is computed first and parked in a scratch local so the
// high word can ride the real operand stack, matching the convention
// every other handler expects: high half on the stack, low half in the
// local recorded by the slot.
//
// The emitted code: i32.const <low> -> local.set $low -> i32.const <high>
type I64ConstHandler struct{}

func (h I64ConstHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	imm := instr.Imm.(wasm.I64Imm)
	v := uint64(imm.Value)
	low := ctx.AllocI32()

	ctx.Emit.
		I32Const(int32(uint32(v))).
		LocalSet(low).
		I32Const(int32(uint32(v >> 32)))
	ctx.Stack.PushWide(low)

	return nil
}

// RegisterConstantHandlers adds the handler for i64.const. The narrow
// constants (i32, f32, f64) go through the passthrough table since they
// need no rewriting.
func RegisterConstantHandlers(r *Registry) {
	r.Register(wasm.OpI64Const, I64ConstHandler{}, "i64.const")
}
