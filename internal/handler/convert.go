package handler

import (
	"github.com/wippyai/wasm-lower64/wasm"
)

// I32WrapI64Handler truncates a 64-bit value to its low half: the high
// word drops off the real stack and the low word takes its place.
type I32WrapI64Handler struct{}

func (h I32WrapI64Handler) Handle(ctx *Context, instr wasm.Instruction) error {
	a := ctx.Stack.Pop()

	ctx.Emit.
		Drop().
		LocalGet(a.Low)
	ctx.Stack.Push(wasm.ValI32)

	return nil
}

// I64ExtendI32SHandler widens a signed 32-bit value: the value becomes
// the low half and the high half is its sign replicated 32 times.
type I64ExtendI32SHandler struct{}

func (h I64ExtendI32SHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	ctx.Stack.Pop()
	low := ctx.AllocI32()

	ctx.Emit.
		LocalTee(low).
		I32Const(31).
		I32ShrS()
	ctx.Stack.PushWide(low)

	return nil
}

// I64ExtendI32UHandler widens an unsigned 32-bit value with a zero
// high half.
type I64ExtendI32UHandler struct{}

func (h I64ExtendI32UHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	ctx.Stack.Pop()
	low := ctx.AllocI32()

	ctx.Emit.
		LocalSet(low).
		I32Const(0)
	ctx.Stack.PushWide(low)

	return nil
}

// I64ExtendNSHandler expands the in-place sign extensions
// (i64.extend8_s, i64.extend16_s, i64.extend32_s). The old high half is
// discarded, the low half is sign-extended within 32 bits where needed,
// and the new high half is the replicated sign.
type I64ExtendNSHandler struct {
	// NarrowOp is the 32-bit sign extension applied to the low half
	// first, or zero for extend32_s where the low half passes through.
	NarrowOp byte
}

func (h I64ExtendNSHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	a := ctx.Stack.Pop()
	low := ctx.AllocI32()

	ctx.Emit.
		Drop().
		LocalGet(a.Low)
	if h.NarrowOp != 0 {
		ctx.Emit.EmitRawOpcode(h.NarrowOp)
	}
	ctx.Emit.
		LocalTee(low).
		I32Const(31).
		I32ShrS()
	ctx.Stack.PushWide(low)

	return nil
}

// RegisterConversionHandlers adds handlers for conversions touching
// 64-bit integers. The float-to-i64 and i64-to-float families need a
// full software float path to express in 32-bit code, so they are
// registered as rejections.
func RegisterConversionHandlers(r *Registry) {
	r.Register(wasm.OpI32WrapI64, I32WrapI64Handler{}, "i32.wrap_i64")
	r.Register(wasm.OpI64ExtendI32S, I64ExtendI32SHandler{}, "i64.extend_i32_s")
	r.Register(wasm.OpI64ExtendI32U, I64ExtendI32UHandler{}, "i64.extend_i32_u")
	r.Register(wasm.OpI64Extend8S, I64ExtendNSHandler{NarrowOp: wasm.OpI32Extend8S}, "i64.extend8_s")
	r.Register(wasm.OpI64Extend16S, I64ExtendNSHandler{NarrowOp: wasm.OpI32Extend16S}, "i64.extend16_s")
	r.Register(wasm.OpI64Extend32S, I64ExtendNSHandler{}, "i64.extend32_s")
	r.Register(wasm.OpI64TruncF32S, UnsupportedHandler{Name: "i64.trunc_f32_s"}, "i64.trunc_f32_s")
	r.Register(wasm.OpI64TruncF32U, UnsupportedHandler{Name: "i64.trunc_f32_u"}, "i64.trunc_f32_u")
	r.Register(wasm.OpI64TruncF64S, UnsupportedHandler{Name: "i64.trunc_f64_s"}, "i64.trunc_f64_s")
	r.Register(wasm.OpI64TruncF64U, UnsupportedHandler{Name: "i64.trunc_f64_u"}, "i64.trunc_f64_u")
	r.Register(wasm.OpF32ConvertI64S, UnsupportedHandler{Name: "f32.convert_i64_s"}, "f32.convert_i64_s")
	r.Register(wasm.OpF32ConvertI64U, UnsupportedHandler{Name: "f32.convert_i64_u"}, "f32.convert_i64_u")
	r.Register(wasm.OpF64ConvertI64S, UnsupportedHandler{Name: "f64.convert_i64_s"}, "f64.convert_i64_s")
	r.Register(wasm.OpF64ConvertI64U, UnsupportedHandler{Name: "f64.convert_i64_u"}, "f64.convert_i64_u")
}
