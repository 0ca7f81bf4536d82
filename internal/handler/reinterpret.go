package handler

import (
	"github.com/wippyai/wasm-lower64/wasm"
)

// I64ReinterpretF64Handler moves a float's raw bits into an integer
// pair by bouncing the value through eight reserved bytes of linear
// memory: one f64 store, two i32 loads.
type I64ReinterpretF64Handler struct{}

func (h I64ReinterpretF64Handler) Handle(ctx *Context, instr wasm.Instruction) error {
	ctx.Stack.Pop()
	ft := ctx.AllocTemp(wasm.ValF64)
	low := ctx.AllocI32()
	scratch := int32(ctx.ScratchAddr)

	ctx.Emit.
		LocalSet(ft).
		I32Const(scratch).
		LocalGet(ft).
		F64Store(3, 0).
		I32Const(scratch).
		I32Load(2, 0).
		LocalSet(low).
		I32Const(scratch).
		I32Load(2, 4)
	ctx.Stack.PushWide(low)

	return nil
}

// F64ReinterpretI64Handler is the reverse bounce: two i32 stores, one
// f64 load.
type F64ReinterpretI64Handler struct{}

func (h F64ReinterpretI64Handler) Handle(ctx *Context, instr wasm.Instruction) error {
	a := ctx.Stack.Pop()
	highT := ctx.AllocI32()
	scratch := int32(ctx.ScratchAddr)

	ctx.Emit.
		LocalSet(highT).
		I32Const(scratch).
		LocalGet(a.Low).
		I32Store(2, 0).
		I32Const(scratch).
		LocalGet(highT).
		I32Store(2, 4).
		I32Const(scratch).
		F64Load(3, 0)
	ctx.Stack.Push(wasm.ValF64)

	return nil
}

// RegisterReinterpretHandlers adds the two bit-cast handlers crossing
// the 64-bit boundary. Both target memory zero, where the engine
// reserves the scratch window.
func RegisterReinterpretHandlers(r *Registry) {
	r.Register(wasm.OpI64ReinterpretF64, I64ReinterpretF64Handler{}, "i64.reinterpret_f64")
	r.Register(wasm.OpF64ReinterpretI64, F64ReinterpretI64Handler{}, "f64.reinterpret_i64")
}
