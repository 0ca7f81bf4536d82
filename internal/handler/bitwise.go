package handler

import (
	"github.com/wippyai/wasm-lower64/internal/codegen"
	"github.com/wippyai/wasm-lower64/wasm"
)

// I64BitwiseHandler expands and, or and xor. The halves are fully
// independent so each gets one 32-bit instance of the same operator.
type I64BitwiseHandler struct {
	// Op is the 32-bit counterpart opcode applied to each half.
	Op byte
}

func (h I64BitwiseHandler) Handle(ctx *Context, instr wasm.Instruction) error {
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
		EmitRawOpcode(h.Op).
		LocalSet(low).
		LocalGet(highA).
		LocalGet(highB).
		EmitRawOpcode(h.Op)
	ctx.Stack.PushWide(low)

	return nil
}

// I64ShlHandler expands shift-left. The count is taken mod 64 per the
// 64-bit semantics; counts of 32 and above move the whole low word into
// the high word, smaller counts shift both halves and carry the bits
// crossing the boundary.
//
// The else branch masks the crossing bits with (1<<n)-1 because a
// 32-bit shift by 32-n degenerates to a shift by zero when n is zero.
type I64ShlHandler struct{}

func (h I64ShlHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	s := ctx.Stack.Pop()
	a := ctx.Stack.Pop()
	highA := ctx.AllocI32()
	n := ctx.AllocI32()
	low := ctx.AllocI32()

	ctx.Emit.
		Drop(). // shift count high half never matters
		LocalSet(highA).
		LocalGet(s.Low).
		I32Const(63).
		I32And().
		LocalSet(n).
		LocalGet(n).
		I32Const(32).
		I32And().
		If(codegen.BlockI32).
		I32Const(0).
		LocalSet(low).
		LocalGet(a.Low).
		LocalGet(n).
		I32Shl(). // 32-bit shl masks the count, so n acts as n-32
		Else().
		LocalGet(a.Low).
		LocalGet(n).
		I32Shl().
		LocalSet(low).
		LocalGet(highA).
		LocalGet(n).
		I32Shl().
		LocalGet(a.Low).
		I32Const(32).
		LocalGet(n).
		I32Sub().
		I32ShrU().
		I32Const(1).
		LocalGet(n).
		I32Shl().
		I32Const(1).
		I32Sub().
		I32And().
		I32Or().
		End()
	ctx.Stack.PushWide(low)

	return nil
}

// I64ShrUHandler expands logical shift-right. Mirror image of shl: the
// high word feeds bits downward into the low word.
type I64ShrUHandler struct{}

func (h I64ShrUHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	s := ctx.Stack.Pop()
	a := ctx.Stack.Pop()
	highA := ctx.AllocI32()
	n := ctx.AllocI32()
	low := ctx.AllocI32()

	ctx.Emit.
		Drop().
		LocalSet(highA).
		LocalGet(s.Low).
		I32Const(63).
		I32And().
		LocalSet(n).
		LocalGet(n).
		I32Const(32).
		I32And().
		If(codegen.BlockI32).
		LocalGet(highA).
		LocalGet(n).
		I32ShrU().
		LocalSet(low).
		I32Const(0).
		Else().
		LocalGet(a.Low).
		LocalGet(n).
		I32ShrU().
		LocalGet(highA).
		I32Const(1).
		LocalGet(n).
		I32Shl().
		I32Const(1).
		I32Sub().
		I32And().
		I32Const(32).
		LocalGet(n).
		I32Sub().
		I32Shl().
		I32Or().
		LocalSet(low).
		LocalGet(highA).
		LocalGet(n).
		I32ShrU().
		End()
	ctx.Stack.PushWide(low)

	return nil
}

// I64ShrSHandler expands arithmetic shift-right. The low word is filled
// from the high word the same way as the unsigned variant; only the
// high word itself shifts with sign replication, and a count of 32 or
// more leaves pure sign bits up top.
type I64ShrSHandler struct{}

func (h I64ShrSHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	s := ctx.Stack.Pop()
	a := ctx.Stack.Pop()
	highA := ctx.AllocI32()
	n := ctx.AllocI32()
	low := ctx.AllocI32()

	ctx.Emit.
		Drop().
		LocalSet(highA).
		LocalGet(s.Low).
		I32Const(63).
		I32And().
		LocalSet(n).
		LocalGet(n).
		I32Const(32).
		I32And().
		If(codegen.BlockI32).
		LocalGet(highA).
		LocalGet(n).
		I32ShrS().
		LocalSet(low).
		LocalGet(highA).
		I32Const(31).
		I32ShrS().
		Else().
		LocalGet(a.Low).
		LocalGet(n).
		I32ShrU().
		LocalGet(highA).
		I32Const(1).
		LocalGet(n).
		I32Shl().
		I32Const(1).
		I32Sub().
		I32And().
		I32Const(32).
		LocalGet(n).
		I32Sub().
		I32Shl().
		I32Or().
		LocalSet(low).
		LocalGet(highA).
		LocalGet(n).
		I32ShrS().
		End()
	ctx.Stack.PushWide(low)

	return nil
}

// rotateOperands pops the rotate operands and emits the shared setup:
// counts of 32..63 are folded into a swap of the effective halves so
// the per-word rotation only ever deals with counts 0..31. Returns the
// locals holding the effective low half, effective high half and the
// residual count.
func rotateOperands(ctx *Context) (el, eh, n uint32) {
	s := ctx.Stack.Pop()
	a := ctx.Stack.Pop()
	highA := ctx.AllocI32()
	nf := ctx.AllocI32()
	n = ctx.AllocI32()
	el = ctx.AllocI32()
	eh = ctx.AllocI32()

	ctx.Emit.
		Drop().
		LocalSet(highA).
		LocalGet(s.Low).
		I32Const(63).
		I32And().
		LocalSet(nf).
		LocalGet(nf).
		I32Const(31).
		I32And().
		LocalSet(n).
		LocalGet(highA).
		LocalGet(a.Low).
		LocalGet(nf).
		I32Const(32).
		I32And().
		Select().
		LocalSet(el).
		LocalGet(a.Low).
		LocalGet(highA).
		LocalGet(nf).
		I32Const(32).
		I32And().
		Select().
		LocalSet(eh)
	return el, eh, n
}

// I64RotlHandler expands rotate-left. After the half swap for counts
// past 32, each result word is its own half shifted up combined with
// the bits rotating in from the other half, masked so a residual count
// of zero contributes nothing.
type I64RotlHandler struct{}

func (h I64RotlHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	el, eh, n := rotateOperands(ctx)
	low := ctx.AllocI32()

	ctx.Emit.
		LocalGet(el).
		LocalGet(n).
		I32Shl().
		LocalGet(eh).
		I32Const(32).
		LocalGet(n).
		I32Sub().
		I32ShrU().
		I32Const(1).
		LocalGet(n).
		I32Shl().
		I32Const(1).
		I32Sub().
		I32And().
		I32Or().
		LocalSet(low).
		LocalGet(eh).
		LocalGet(n).
		I32Shl().
		LocalGet(el).
		I32Const(32).
		LocalGet(n).
		I32Sub().
		I32ShrU().
		I32Const(1).
		LocalGet(n).
		I32Shl().
		I32Const(1).
		I32Sub().
		I32And().
		I32Or()
	ctx.Stack.PushWide(low)

	return nil
}

// I64RotrHandler expands rotate-right, the mirror of rotl: each word
// shifts down and picks up the low bits of the other half at its top.
type I64RotrHandler struct{}

func (h I64RotrHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	el, eh, n := rotateOperands(ctx)
	low := ctx.AllocI32()

	ctx.Emit.
		LocalGet(el).
		LocalGet(n).
		I32ShrU().
		LocalGet(eh).
		I32Const(1).
		LocalGet(n).
		I32Shl().
		I32Const(1).
		I32Sub().
		I32And().
		I32Const(32).
		LocalGet(n).
		I32Sub().
		I32Shl().
		I32Or().
		LocalSet(low).
		LocalGet(eh).
		LocalGet(n).
		I32ShrU().
		LocalGet(el).
		I32Const(1).
		LocalGet(n).
		I32Shl().
		I32Const(1).
		I32Sub().
		I32And().
		I32Const(32).
		LocalGet(n).
		I32Sub().
		I32Shl().
		I32Or()
	ctx.Stack.PushWide(low)

	return nil
}

// RegisterBitwiseHandlers adds handlers for 64-bit bit manipulation.
func RegisterBitwiseHandlers(r *Registry) {
	r.Register(wasm.OpI64And, I64BitwiseHandler{Op: wasm.OpI32And}, "i64.and")
	r.Register(wasm.OpI64Or, I64BitwiseHandler{Op: wasm.OpI32Or}, "i64.or")
	r.Register(wasm.OpI64Xor, I64BitwiseHandler{Op: wasm.OpI32Xor}, "i64.xor")
	r.Register(wasm.OpI64Shl, I64ShlHandler{}, "i64.shl")
	r.Register(wasm.OpI64ShrS, I64ShrSHandler{}, "i64.shr_s")
	r.Register(wasm.OpI64ShrU, I64ShrUHandler{}, "i64.shr_u")
	r.Register(wasm.OpI64Rotl, I64RotlHandler{}, "i64.rotl")
	r.Register(wasm.OpI64Rotr, I64RotrHandler{}, "i64.rotr")
}
