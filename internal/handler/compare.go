package handler

import (
	"github.com/wippyai/wasm-lower64/wasm"
)

// I64EqzHandler expands the zero test: both halves must be zero.
type I64EqzHandler struct{}

func (h I64EqzHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	a := ctx.Stack.Pop()

	ctx.Emit.
		I32Eqz().
		LocalGet(a.Low).
		I32Eqz().
		I32And()
	ctx.Stack.Push(wasm.ValI32)

	return nil
}

// I64EqHandler expands equality. The two high halves sit adjacent on
// the real stack, so they compare in place without temporaries.
type I64EqHandler struct{}

func (h I64EqHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	b := ctx.Stack.Pop()
	a := ctx.Stack.Pop()

	ctx.Emit.
		I32Eq().
		LocalGet(a.Low).
		LocalGet(b.Low).
		I32Eq().
		I32And()
	ctx.Stack.Push(wasm.ValI32)

	return nil
}

// I64NeHandler expands inequality: either half differing suffices.
type I64NeHandler struct{}

func (h I64NeHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	b := ctx.Stack.Pop()
	a := ctx.Stack.Pop()

	ctx.Emit.
		I32Ne().
		LocalGet(a.Low).
		LocalGet(b.Low).
		I32Ne().
		I32Or()
	ctx.Stack.Push(wasm.ValI32)

	return nil
}

// I64CompareHandler expands the eight ordered comparisons. The high
// halves decide with a strict comparison carrying the operator's
// signedness; only on a high tie do the low halves break it, and those
// always compare unsigned because the low word holds plain magnitude
// bits regardless of the 64-bit sign.
type I64CompareHandler struct {
	// HighOp is the strict 32-bit comparison applied to the high halves.
	HighOp byte
	// LowOp is the unsigned 32-bit comparison applied to the low halves.
	LowOp byte
}

func (h I64CompareHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	b := ctx.Stack.Pop()
	a := ctx.Stack.Pop()
	highB := ctx.AllocI32()
	highA := ctx.AllocI32()

	ctx.Emit.
		LocalSet(highB).
		LocalSet(highA).
		LocalGet(highA).
		LocalGet(highB).
		EmitRawOpcode(h.HighOp).
		LocalGet(highA).
		LocalGet(highB).
		I32Eq().
		LocalGet(a.Low).
		LocalGet(b.Low).
		EmitRawOpcode(h.LowOp).
		I32And().
		I32Or()
	ctx.Stack.Push(wasm.ValI32)

	return nil
}

// RegisterCompareHandlers adds handlers for all 64-bit comparisons.
func RegisterCompareHandlers(r *Registry) {
	r.Register(wasm.OpI64Eqz, I64EqzHandler{}, "i64.eqz")
	r.Register(wasm.OpI64Eq, I64EqHandler{}, "i64.eq")
	r.Register(wasm.OpI64Ne, I64NeHandler{}, "i64.ne")
	r.Register(wasm.OpI64LtS, I64CompareHandler{HighOp: wasm.OpI32LtS, LowOp: wasm.OpI32LtU}, "i64.lt_s")
	r.Register(wasm.OpI64LtU, I64CompareHandler{HighOp: wasm.OpI32LtU, LowOp: wasm.OpI32LtU}, "i64.lt_u")
	r.Register(wasm.OpI64GtS, I64CompareHandler{HighOp: wasm.OpI32GtS, LowOp: wasm.OpI32GtU}, "i64.gt_s")
	r.Register(wasm.OpI64GtU, I64CompareHandler{HighOp: wasm.OpI32GtU, LowOp: wasm.OpI32GtU}, "i64.gt_u")
	r.Register(wasm.OpI64LeS, I64CompareHandler{HighOp: wasm.OpI32LtS, LowOp: wasm.OpI32LeU}, "i64.le_s")
	r.Register(wasm.OpI64LeU, I64CompareHandler{HighOp: wasm.OpI32LtU, LowOp: wasm.OpI32LeU}, "i64.le_u")
	r.Register(wasm.OpI64GeS, I64CompareHandler{HighOp: wasm.OpI32GtS, LowOp: wasm.OpI32GeU}, "i64.ge_s")
	r.Register(wasm.OpI64GeU, I64CompareHandler{HighOp: wasm.OpI32GtU, LowOp: wasm.OpI32GeU}, "i64.ge_u")
}
