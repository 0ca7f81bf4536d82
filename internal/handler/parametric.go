package handler

import (
	"github.com/wippyai/wasm-lower64/wasm"
)

// DropHandler discards the top value. For a wide value only the high
// half occupies the real stack; the low half sits in a local that is
// simply abandoned.
type DropHandler struct{}

func (h DropHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	ctx.Stack.Pop()
	ctx.Emit.Drop()

	return nil
}

// emitWideSelect picks between two wide values: one select per half,
// with the condition parked in a local so both see it.
func emitWideSelect(ctx *Context, a, b Slot) {
	c := ctx.AllocI32()
	low := ctx.AllocI32()

	ctx.Emit.
		LocalSet(c).
		LocalGet(c).
		Select().
		LocalGet(a.Low).
		LocalGet(b.Low).
		LocalGet(c).
		Select().
		LocalSet(low)
	ctx.Stack.PushWide(low)
}

// SelectHandler handles the untyped select. Narrow operands keep the
// single instruction; wide operands split into a select per half.
type SelectHandler struct{}

func (h SelectHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	ctx.Stack.Pop()
	b := ctx.Stack.Pop()
	a := ctx.Stack.Pop()

	if !a.Wide() {
		ctx.Emit.Select()
		ctx.Stack.Push(a.Type)
		return nil
	}
	emitWideSelect(ctx, a, b)

	return nil
}

// SelectTypeHandler handles typed select. A 64-bit annotation turns
// into the same per-half expansion as untyped select, using untyped
// selects since both halves are plain i32. Any other annotation passes
// through with its immediate intact.
type SelectTypeHandler struct{}

func (h SelectTypeHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	imm := instr.Imm.(wasm.SelectTypeImm)
	ctx.Stack.Pop()
	b := ctx.Stack.Pop()
	a := ctx.Stack.Pop()

	if len(imm.Types) == 1 && imm.Types[0] == wasm.ValI64 {
		emitWideSelect(ctx, a, b)
		return nil
	}
	ctx.Emit.EmitInstr(instr)
	ctx.Stack.Push(a.Type)

	return nil
}

// RegisterParametricHandlers adds handlers for drop and both selects.
func RegisterParametricHandlers(r *Registry) {
	r.Register(wasm.OpDrop, DropHandler{}, "drop")
	r.Register(wasm.OpSelect, SelectHandler{}, "select")
	r.Register(wasm.OpSelectType, SelectTypeHandler{}, "select_t")
}
