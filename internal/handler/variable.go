package handler

import (
	"github.com/wippyai/wasm-lower64/wasm"
)

// LocalGetHandler reads a local through the rewritten index map.
//
// Narrow locals only need their shifted index. Split locals copy the
// low word into a fresh scratch local before pushing the high word, so
// the stacked value stays correct even if the source local is written
// later while this value is still live.
type LocalGetHandler struct{}

func (h LocalGetHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	imm := instr.Imm.(wasm.LocalImm)
	loc := ctx.Locals.Lookup(imm.LocalIdx)

	if !loc.Wide {
		ctx.Emit.LocalGet(loc.Low)
		ctx.Stack.Push(ctx.Locals.TypeOf(loc.Low))
		return nil
	}

	low := ctx.AllocI32()
	ctx.Emit.LocalGet(loc.Low).LocalSet(low).LocalGet(loc.High)
	ctx.Stack.PushWide(low)

	return nil
}

// LocalSetHandler writes a local through the rewritten index map.
//
// For a split local the high word sits on the real stack and the low
// word in the slot's scratch local, so the low is fetched and stored
// first, then the set of the high half consumes the stacked value.
type LocalSetHandler struct{}

func (h LocalSetHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	imm := instr.Imm.(wasm.LocalImm)
	loc := ctx.Locals.Lookup(imm.LocalIdx)
	slot := ctx.Stack.Pop()

	if !loc.Wide {
		ctx.Emit.LocalSet(loc.Low)
		return nil
	}

	ctx.Emit.LocalGet(slot.Low).LocalSet(loc.Low).LocalSet(loc.High)
	return nil
}

// LocalTeeHandler writes a local and keeps the value on the stack.
//
// The split form copies the low word into a fresh scratch local for the
// surviving stack entry. Reusing the slot's original low would alias a
// join local in branch-heavy code and go stale when a later branch
// writes it.
type LocalTeeHandler struct{}

func (h LocalTeeHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	imm := instr.Imm.(wasm.LocalImm)
	loc := ctx.Locals.Lookup(imm.LocalIdx)

	if !loc.Wide {
		ctx.Emit.LocalTee(loc.Low)
		return nil
	}

	slot := ctx.Stack.Pop()
	low := ctx.AllocI32()
	ctx.Emit.
		LocalGet(slot.Low).
		LocalTee(low).
		LocalSet(loc.Low).
		LocalSet(loc.High).
		LocalGet(loc.High)
	ctx.Stack.PushWide(low)

	return nil
}

// GlobalGetHandler reads a global through the rewritten index map.
//
// Split globals occupy two adjacent i32 globals; the low half is parked
// in a scratch local and the high half pushed, same shape as local.get.
type GlobalGetHandler struct{}

func (h GlobalGetHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	imm := instr.Imm.(wasm.GlobalImm)
	loc := ctx.GlobalOf(imm.GlobalIdx)

	if !loc.Wide {
		ctx.Emit.GlobalGet(loc.Low)
		ctx.Stack.Push(ctx.GlobalTypeOf(imm.GlobalIdx))
		return nil
	}

	low := ctx.AllocI32()
	ctx.Emit.GlobalGet(loc.Low).LocalSet(low).GlobalGet(loc.High)
	ctx.Stack.PushWide(low)

	return nil
}

// GlobalSetHandler writes a global through the rewritten index map.
type GlobalSetHandler struct{}

func (h GlobalSetHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	imm := instr.Imm.(wasm.GlobalImm)
	loc := ctx.GlobalOf(imm.GlobalIdx)
	slot := ctx.Stack.Pop()

	if !loc.Wide {
		ctx.Emit.GlobalSet(loc.Low)
		return nil
	}

	ctx.Emit.LocalGet(slot.Low).GlobalSet(loc.Low).GlobalSet(loc.High)
	return nil
}

// RegisterVariableHandlers adds handlers for local and global access.
// Every variable instruction goes through here because splitting wide
// slots shifts the indices of everything declared after them.
func RegisterVariableHandlers(r *Registry) {
	r.Register(wasm.OpLocalGet, LocalGetHandler{}, "local.get")
	r.Register(wasm.OpLocalSet, LocalSetHandler{}, "local.set")
	r.Register(wasm.OpLocalTee, LocalTeeHandler{}, "local.tee")
	r.Register(wasm.OpGlobalGet, GlobalGetHandler{}, "global.get")
	r.Register(wasm.OpGlobalSet, GlobalSetHandler{}, "global.set")
}
