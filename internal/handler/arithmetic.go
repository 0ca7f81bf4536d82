package handler

import (
	"github.com/wippyai/wasm-lower64/wasm"
)

// I64AddHandler expands 64-bit addition into paired 32-bit adds with
// carry propagation.
//
// The low words add first. An unsigned sum wraps exactly when it comes
// out smaller than either operand, so the carry into the high word is
// (lowSum < lowA). The high word is then highA + highB + carry.
type I64AddHandler struct{}

func (h I64AddHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	b := ctx.Stack.Pop()
	a := ctx.Stack.Pop()
	highB := ctx.AllocI32()
	highA := ctx.AllocI32()
	low := ctx.AllocI32()

	ctx.Emit.
		LocalSet(highB).
		LocalSet(highA).
		LocalGet(a.Low).
		LocalGet(b.Low).
		I32Add().
		LocalSet(low).
		LocalGet(low).
		LocalGet(a.Low).
		I32LtU().
		LocalGet(highA).
		I32Add().
		LocalGet(highB).
		I32Add()
	ctx.Stack.PushWide(low)

	return nil
}

// I64SubHandler expands 64-bit subtraction with borrow propagation.
//
// The borrow out of the low words is (lowA < lowB), subtracted from the
// high word difference.
type I64SubHandler struct{}

func (h I64SubHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	b := ctx.Stack.Pop()
	a := ctx.Stack.Pop()
	highB := ctx.AllocI32()
	highA := ctx.AllocI32()
	low := ctx.AllocI32()

	ctx.Emit.
		LocalSet(highB).
		LocalSet(highA).
		LocalGet(a.Low).
		LocalGet(b.Low).
		I32Sub().
		LocalSet(low).
		LocalGet(highA).
		LocalGet(highB).
		I32Sub().
		LocalGet(a.Low).
		LocalGet(b.Low).
		I32LtU().
		I32Sub()
	ctx.Stack.PushWide(low)

	return nil
}

// I64MulHandler expands 64-bit multiplication.
//
// The low word is the plain 32-bit product of the low halves. The high
// word needs the upper 32 bits of that same product, computed from
// 16-bit partial products so no intermediate overflows, plus the two
// cross terms lowA*highB and highA*lowB.
type I64MulHandler struct{}

func (h I64MulHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	b := ctx.Stack.Pop()
	a := ctx.Stack.Pop()
	highB := ctx.AllocI32()
	highA := ctx.AllocI32()
	low := ctx.AllocI32()
	u0 := ctx.AllocI32()
	u1 := ctx.AllocI32()
	v0 := ctx.AllocI32()
	v1 := ctx.AllocI32()
	mid := ctx.AllocI32()
	mid2 := ctx.AllocI32()

	ctx.Emit.
		LocalSet(highB).
		LocalSet(highA).
		LocalGet(a.Low).
		LocalGet(b.Low).
		I32Mul().
		LocalSet(low).
		// 16-bit halves of both low words
		LocalGet(a.Low).
		I32Const(0xFFFF).
		I32And().
		LocalSet(u0).
		LocalGet(a.Low).
		I32Const(16).
		I32ShrU().
		LocalSet(u1).
		LocalGet(b.Low).
		I32Const(0xFFFF).
		I32And().
		LocalSet(v0).
		LocalGet(b.Low).
		I32Const(16).
		I32ShrU().
		LocalSet(v1).
		// mid = u1*v0 + (u0*v0 >> 16), cannot overflow
		LocalGet(u1).
		LocalGet(v0).
		I32Mul().
		LocalGet(u0).
		LocalGet(v0).
		I32Mul().
		I32Const(16).
		I32ShrU().
		I32Add().
		LocalSet(mid).
		// mid2 = u0*v1 + low 16 bits of mid
		LocalGet(u0).
		LocalGet(v1).
		I32Mul().
		LocalGet(mid).
		I32Const(0xFFFF).
		I32And().
		I32Add().
		LocalSet(mid2).
		// high = u1*v1 + carries + cross terms
		LocalGet(u1).
		LocalGet(v1).
		I32Mul().
		LocalGet(mid).
		I32Const(16).
		I32ShrU().
		I32Add().
		LocalGet(mid2).
		I32Const(16).
		I32ShrU().
		I32Add().
		LocalGet(a.Low).
		LocalGet(highB).
		I32Mul().
		I32Add().
		LocalGet(highA).
		LocalGet(b.Low).
		I32Mul().
		I32Add()
	ctx.Stack.PushWide(low)

	return nil
}

// RegisterArithmeticHandlers adds handlers for 64-bit arithmetic.
// Division and remainder have no practical 32-bit expansion (the long
// division loop would dwarf the surrounding code), so they are
// registered as rejections.
func RegisterArithmeticHandlers(r *Registry) {
	r.Register(wasm.OpI64Add, I64AddHandler{}, "i64.add")
	r.Register(wasm.OpI64Sub, I64SubHandler{}, "i64.sub")
	r.Register(wasm.OpI64Mul, I64MulHandler{}, "i64.mul")
	r.Register(wasm.OpI64DivS, UnsupportedHandler{Name: "i64.div_s"}, "i64.div_s")
	r.Register(wasm.OpI64DivU, UnsupportedHandler{Name: "i64.div_u"}, "i64.div_u")
	r.Register(wasm.OpI64RemS, UnsupportedHandler{Name: "i64.rem_s"}, "i64.rem_s")
	r.Register(wasm.OpI64RemU, UnsupportedHandler{Name: "i64.rem_u"}, "i64.rem_u")
}
