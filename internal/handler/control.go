package handler

import (
	"fmt"

	"github.com/wippyai/wasm-lower64/internal/codegen"
	"github.com/wippyai/wasm-lower64/internal/fault"
	"github.com/wippyai/wasm-lower64/wasm"
)

// loweredBlockType maps an original block type to the one the emitted
// block carries. A 64-bit result narrows to i32: the high half travels
// on the real stack while the low half goes through the frame's join
// local.
func loweredBlockType(bt int32) int32 {
	if bt == wasm.BlockTypeI64 {
		return codegen.BlockI32
	}
	return bt
}

// blockValType maps a narrow block type to the value type its frame
// yields on the shadow stack.
func blockValType(bt int32) wasm.ValType {
	switch bt {
	case wasm.BlockTypeI32:
		return wasm.ValI32
	case wasm.BlockTypeF32:
		return wasm.ValF32
	case wasm.BlockTypeF64:
		return wasm.ValF64
	case wasm.BlockTypeFuncRef:
		return wasm.ValFuncRef
	case wasm.BlockTypeExtern:
		return wasm.ValExtern
	}
	return wasm.ValI32
}

// branchCarriesJoin reports whether a branch to fr delivers a wide
// result through fr's join local. Branches to a loop target its start
// and carry no result, so only forward targets qualify.
func branchCarriesJoin(fr *Frame) bool {
	return fr.HasJoin && fr.Opcode != wasm.OpLoop
}

// emitJoinFunnel copies the low half of the value on top of the shadow
// stack into fr's join local. Reading one local and writing another
// leaves the real stack alone, so the high half stays in place for the
// branch or end about to consume it.
func emitJoinFunnel(ctx *Context, fr *Frame) {
	top := ctx.Stack.Peek()
	if !top.Wide() || top.Low == fr.JoinLow {
		return
	}
	ctx.Emit.LocalGet(top.Low).LocalSet(fr.JoinLow)
}

// spillTemp records where one function result went while the real
// stack was being flattened: the local holding its real-stack word and
// the shadow slot it belongs to.
type spillTemp struct {
	idx  uint32
	slot Slot
}

// flattenResults rewrites the top of the real stack from the split
// convention into the expanded order a rewritten signature declares:
// each wide result appears as its low then high word. The spill walks
// top-down through locals, then everything comes back bottom-up with
// the lows pulled from their slot locals. Shadow slots are only read,
// so a conditional branch can fall through and restore the convention.
func flattenResults(ctx *Context, results []wasm.ValType) []spillTemp {
	n := len(results)
	if n == 0 {
		return nil
	}
	temps := make([]spillTemp, n)
	for i := n - 1; i >= 0; i-- {
		slot := ctx.Stack.At(n - 1 - i)
		var t uint32
		if slot.Wide() {
			t = ctx.AllocI32()
		} else {
			t = ctx.AllocTemp(slot.Type)
		}
		ctx.Emit.LocalSet(t)
		temps[i] = spillTemp{idx: t, slot: slot}
	}
	for i := 0; i < n; i++ {
		if temps[i].slot.Wide() {
			ctx.Emit.LocalGet(temps[i].slot.Low).LocalGet(temps[i].idx)
		} else {
			ctx.Emit.LocalGet(temps[i].idx)
		}
	}
	return temps
}

// restoreResults undoes flattening on a fall-through path. The
// duplicated low words leave the real stack and the high halves come
// back on top; the slot locals still hold the lows, so the shadow
// stack needs no adjustment.
func restoreResults(ctx *Context, temps []spillTemp) {
	for i := len(temps) - 1; i >= 0; i-- {
		ctx.Emit.LocalSet(temps[i].idx)
		if temps[i].slot.Wide() {
			ctx.Emit.Drop()
		}
	}
	for i := 0; i < len(temps); i++ {
		ctx.Emit.LocalGet(temps[i].idx)
	}
}

// BlockHandler opens a block. A 64-bit result allocates the join local
// up front so every branch into the block knows where its low half
// lands.
type BlockHandler struct{}

func (h BlockHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	imm := instr.Imm.(wasm.BlockImm)
	if imm.Type >= 0 {
		return fault.UnsupportedOpcode("block").WithDetail("type-index block type %d", imm.Type)
	}
	fr := Frame{Opcode: wasm.OpBlock, BlockType: imm.Type, EntryHeight: ctx.Stack.Len()}
	if imm.Type == wasm.BlockTypeI64 {
		fr.HasJoin = true
		fr.JoinLow = ctx.AllocI32()
	}
	ctx.Emit.Block(loweredBlockType(imm.Type))
	ctx.Frames.Push(fr)

	return nil
}

// LoopHandler opens a loop. The join local only matters at the loop's
// end; branches back to the loop header carry nothing.
type LoopHandler struct{}

func (h LoopHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	imm := instr.Imm.(wasm.BlockImm)
	if imm.Type >= 0 {
		return fault.UnsupportedOpcode("loop").WithDetail("type-index block type %d", imm.Type)
	}
	fr := Frame{Opcode: wasm.OpLoop, BlockType: imm.Type, EntryHeight: ctx.Stack.Len()}
	if imm.Type == wasm.BlockTypeI64 {
		fr.HasJoin = true
		fr.JoinLow = ctx.AllocI32()
	}
	ctx.Emit.Loop(loweredBlockType(imm.Type))
	ctx.Frames.Push(fr)

	return nil
}

// IfHandler opens an if. The condition comes off both stacks before
// the entry height is recorded, then both arms share the frame's join
// local so the value merges regardless of which arm ran.
type IfHandler struct{}

func (h IfHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	imm := instr.Imm.(wasm.BlockImm)
	if imm.Type >= 0 {
		return fault.UnsupportedOpcode("if").WithDetail("type-index block type %d", imm.Type)
	}
	ctx.Stack.Pop()
	fr := Frame{Opcode: wasm.OpIf, BlockType: imm.Type, EntryHeight: ctx.Stack.Len()}
	if imm.Type == wasm.BlockTypeI64 {
		fr.HasJoin = true
		fr.JoinLow = ctx.AllocI32()
	}
	ctx.Emit.If(loweredBlockType(imm.Type))
	ctx.Frames.Push(fr)

	return nil
}

// ElseHandler seals the then arm and opens the else arm. The then
// arm's result low funnels into the join local before the else resets
// the shadow stack to the frame's entry state, reviving emission if
// the then arm ended unreachable.
type ElseHandler struct{}

func (h ElseHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	fr := ctx.Frames.Top()
	if fr == nil || fr.Func {
		return fault.Internal("else outside an if frame", nil)
	}
	if !fr.Unreachable && fr.HasJoin {
		emitJoinFunnel(ctx, fr)
	}
	ctx.Emit.Else()
	ctx.Stack.TruncateTo(fr.EntryHeight)
	fr.Unreachable = false
	fr.SawElse = true

	return nil
}

// EndHandler closes the innermost frame. The function frame flattens
// outstanding wide results into the expanded signature order; block
// frames funnel into the join local and push the frame's result back
// onto the shadow stack for the surrounding code.
type EndHandler struct{}

func (h EndHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	fr := ctx.Frames.Top()
	if fr == nil {
		return fault.Internal("end without an open frame", nil)
	}
	if fr.Func {
		if !fr.Unreachable && HasWide(ctx.Results) {
			flattenResults(ctx, ctx.Results)
		}
		ctx.Emit.End()
		ctx.Frames.Pop()
		return nil
	}
	if !fr.Unreachable && fr.HasJoin {
		emitJoinFunnel(ctx, fr)
	}
	ctx.Emit.End()
	ctx.Stack.TruncateTo(fr.EntryHeight)
	if fr.HasJoin {
		ctx.Stack.PushWide(fr.JoinLow)
	} else if fr.BlockType != wasm.BlockTypeVoid {
		ctx.Stack.Push(blockValType(fr.BlockType))
	}
	ctx.Frames.Pop()

	return nil
}

// BrHandler rewrites an unconditional branch. A branch to the function
// frame behaves like return and flattens; a branch into a wide block
// funnels the low half first. Either way the high half rides the real
// stack through the branch untouched.
type BrHandler struct{}

func (h BrHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	imm := instr.Imm.(wasm.BranchImm)
	fr := ctx.Frames.At(imm.LabelIdx)
	if fr == nil {
		return fault.Internal(fmt.Sprintf("branch depth %d exceeds frame stack", imm.LabelIdx), nil)
	}
	if fr.Func {
		if HasWide(ctx.Results) {
			flattenResults(ctx, ctx.Results)
		}
	} else if branchCarriesJoin(fr) {
		emitJoinFunnel(ctx, fr)
	}
	ctx.Emit.Br(imm.LabelIdx)
	ctx.Frames.Top().Unreachable = true

	return nil
}

// BrIfHandler rewrites a conditional branch. The inner-block case
// stays a single br_if because the funnel does not disturb the real
// stack. Branching to the function frame with wide results has to
// park the condition, flatten, branch, then restore the convention on
// the fall-through path.
type BrIfHandler struct{}

func (h BrIfHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	imm := instr.Imm.(wasm.BranchImm)
	fr := ctx.Frames.At(imm.LabelIdx)
	if fr == nil {
		return fault.Internal(fmt.Sprintf("branch depth %d exceeds frame stack", imm.LabelIdx), nil)
	}
	ctx.Stack.Pop()
	if fr.Func && HasWide(ctx.Results) {
		c := ctx.AllocI32()
		ctx.Emit.LocalSet(c)
		temps := flattenResults(ctx, ctx.Results)
		ctx.Emit.
			LocalGet(c).
			BrIf(imm.LabelIdx)
		restoreResults(ctx, temps)
		return nil
	}
	if !fr.Func && branchCarriesJoin(fr) {
		emitJoinFunnel(ctx, fr)
	}
	ctx.Emit.BrIf(imm.LabelIdx)

	return nil
}

// BrTableHandler rewrites a branch table. Funnels for every distinct
// wide target run before the table; they are all local moves, so
// whichever label wins at runtime finds its join local filled. Wide
// function results flatten once with the index parked in a local.
// A table mixing function-level and block-level wide targets would
// need two incompatible stack layouts at once and is rejected.
type BrTableHandler struct{}

func (h BrTableHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	imm := instr.Imm.(wasm.BrTableImm)
	ctx.Stack.Pop()

	targets := make([]*Frame, 0, len(imm.Labels)+1)
	for _, l := range imm.Labels {
		fr := ctx.Frames.At(l)
		if fr == nil {
			return fault.Internal(fmt.Sprintf("branch depth %d exceeds frame stack", l), nil)
		}
		targets = append(targets, fr)
	}
	def := ctx.Frames.At(imm.Default)
	if def == nil {
		return fault.Internal(fmt.Sprintf("branch depth %d exceeds frame stack", imm.Default), nil)
	}
	targets = append(targets, def)

	anyFunc := false
	anyInnerJoin := false
	for _, fr := range targets {
		if fr.Func {
			anyFunc = true
		} else if branchCarriesJoin(fr) {
			anyInnerJoin = true
		}
	}

	wideResults := HasWide(ctx.Results)
	switch {
	case anyFunc && anyInnerJoin && wideResults:
		return fault.UnsupportedOpcode("br_table").
			WithDetail("mixes function-level and block-level 64-bit targets")
	case anyFunc && wideResults:
		c := ctx.AllocI32()
		ctx.Emit.LocalSet(c)
		flattenResults(ctx, ctx.Results)
		ctx.Emit.LocalGet(c)
	case anyInnerJoin:
		seen := make(map[uint32]bool)
		for _, fr := range targets {
			if !fr.Func && branchCarriesJoin(fr) && !seen[fr.JoinLow] {
				seen[fr.JoinLow] = true
				emitJoinFunnel(ctx, fr)
			}
		}
	}
	ctx.Emit.BrTable(imm.Labels, imm.Default)
	ctx.Frames.Top().Unreachable = true

	return nil
}

// ReturnHandler flattens wide results into the expanded signature
// order and returns.
type ReturnHandler struct{}

func (h ReturnHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	if HasWide(ctx.Results) {
		flattenResults(ctx, ctx.Results)
	}
	ctx.Emit.Return()
	ctx.Frames.Top().Unreachable = true

	return nil
}

// UnreachableHandler passes the trap through and stops emission for
// the rest of the frame.
type UnreachableHandler struct{}

func (h UnreachableHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	ctx.Emit.Unreachable()
	ctx.Frames.Top().Unreachable = true

	return nil
}

// RegisterControlHandlers adds handlers for every structured control
// instruction.
func RegisterControlHandlers(r *Registry) {
	r.Register(wasm.OpUnreachable, UnreachableHandler{}, "unreachable")
	r.Register(wasm.OpBlock, BlockHandler{}, "block")
	r.Register(wasm.OpLoop, LoopHandler{}, "loop")
	r.Register(wasm.OpIf, IfHandler{}, "if")
	r.Register(wasm.OpElse, ElseHandler{}, "else")
	r.Register(wasm.OpEnd, EndHandler{}, "end")
	r.Register(wasm.OpBr, BrHandler{}, "br")
	r.Register(wasm.OpBrIf, BrIfHandler{}, "br_if")
	r.Register(wasm.OpBrTable, BrTableHandler{}, "br_table")
	r.Register(wasm.OpReturn, ReturnHandler{}, "return")
}
