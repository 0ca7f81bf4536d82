package handler

import (
	"github.com/wippyai/wasm-lower64/wasm"
)

// I64ClzHandler expands count-leading-zeros. A nonzero high half
// answers alone; otherwise the count runs past it into the low half.
// The result fits in six bits, so the result high word is zero.
type I64ClzHandler struct{}

func (h I64ClzHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	a := ctx.Stack.Pop()
	highA := ctx.AllocI32()
	low := ctx.AllocI32()

	ctx.Emit.
		LocalSet(highA).
		I32Const(32).
		LocalGet(a.Low).
		I32Clz().
		I32Add().
		LocalGet(highA).
		I32Clz().
		LocalGet(highA).
		I32Eqz().
		Select().
		LocalSet(low).
		I32Const(0)
	ctx.Stack.PushWide(low)

	return nil
}

// I64CtzHandler expands count-trailing-zeros, the mirror of clz: the
// low half answers unless it is zero.
type I64CtzHandler struct{}

func (h I64CtzHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	a := ctx.Stack.Pop()
	highA := ctx.AllocI32()
	low := ctx.AllocI32()

	ctx.Emit.
		LocalSet(highA).
		I32Const(32).
		LocalGet(highA).
		I32Ctz().
		I32Add().
		LocalGet(a.Low).
		I32Ctz().
		LocalGet(a.Low).
		I32Eqz().
		Select().
		LocalSet(low).
		I32Const(0)
	ctx.Stack.PushWide(low)

	return nil
}

// I64PopcntHandler expands population count: the per-half counts just
// add. The high half is consumed straight off the real stack.
type I64PopcntHandler struct{}

func (h I64PopcntHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	a := ctx.Stack.Pop()
	low := ctx.AllocI32()

	ctx.Emit.
		I32Popcnt().
		LocalGet(a.Low).
		I32Popcnt().
		I32Add().
		LocalSet(low).
		I32Const(0)
	ctx.Stack.PushWide(low)

	return nil
}

// RegisterCountHandlers adds handlers for the 64-bit bit counting ops.
func RegisterCountHandlers(r *Registry) {
	r.Register(wasm.OpI64Clz, I64ClzHandler{}, "i64.clz")
	r.Register(wasm.OpI64Ctz, I64CtzHandler{}, "i64.ctz")
	r.Register(wasm.OpI64Popcnt, I64PopcntHandler{}, "i64.popcnt")
}
