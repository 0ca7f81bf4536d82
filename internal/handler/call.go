package handler

import (
	"fmt"

	"github.com/wippyai/wasm-lower64/internal/fault"
	"github.com/wippyai/wasm-lower64/wasm"
)

// expandArgs rewrites call arguments from the split convention into
// the expanded order the callee's rewritten signature declares, then
// consumes their shadow slots. Signatures without wide parameters
// already match the real stack and only need the shadow bookkeeping.
func expandArgs(ctx *Context, params []wasm.ValType) {
	if HasWide(params) {
		flattenResults(ctx, params)
	}
	for range params {
		ctx.Stack.Pop()
	}
}

// collapseResults converts a call's returned values from the expanded
// signature order back into the split convention: each wide result's
// low word moves into a fresh local and its high word returns to the
// real stack.
func collapseResults(ctx *Context, results []wasm.ValType) {
	if !HasWide(results) {
		for _, t := range results {
			ctx.Stack.Push(t)
		}
		return
	}
	type retTemp struct {
		t    wasm.ValType
		low  uint32
		high uint32
	}
	temps := make([]retTemp, len(results))
	for i := len(results) - 1; i >= 0; i-- {
		t := results[i]
		if t == wasm.ValI64 {
			high := ctx.AllocI32()
			low := ctx.AllocI32()
			ctx.Emit.
				LocalSet(high).
				LocalSet(low)
			temps[i] = retTemp{t: t, low: low, high: high}
		} else {
			tmp := ctx.AllocTemp(t)
			ctx.Emit.LocalSet(tmp)
			temps[i] = retTemp{t: t, low: tmp}
		}
	}
	for i := 0; i < len(results); i++ {
		if temps[i].t == wasm.ValI64 {
			ctx.Emit.LocalGet(temps[i].high)
			ctx.Stack.PushWide(temps[i].low)
		} else {
			ctx.Emit.LocalGet(temps[i].low)
			ctx.Stack.Push(temps[i].t)
		}
	}
}

// CallHandler rewrites a direct call against the callee's original
// signature: arguments expand going in, results collapse coming out.
// The function index itself never changes.
type CallHandler struct{}

func (h CallHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	imm := instr.Imm.(wasm.CallImm)
	ft, ok := ctx.OrigFuncType(imm.FuncIdx)
	if !ok {
		return fault.Internal(fmt.Sprintf("call target %d has no resolvable type", imm.FuncIdx), nil)
	}
	expandArgs(ctx, ft.Params)
	ctx.Emit.Call(imm.FuncIdx)
	collapseResults(ctx, ft.Results)

	return nil
}

// CallIndirectHandler rewrites an indirect call. The table index rides
// on top of the arguments, so when those need expanding it parks in a
// local and comes back right before the call. The type immediate stays
// put: signatures rewrite in place, so the index still names the
// callee's type.
type CallIndirectHandler struct{}

func (h CallIndirectHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	imm := instr.Imm.(wasm.CallIndirectImm)
	ft, ok := ctx.OrigType(imm.TypeIdx)
	if !ok {
		return fault.Internal(fmt.Sprintf("call_indirect type %d out of range", imm.TypeIdx), nil)
	}
	ctx.Stack.Pop()
	wideParams := HasWide(ft.Params)
	var ti uint32
	if wideParams {
		ti = ctx.AllocI32()
		ctx.Emit.LocalSet(ti)
	}
	expandArgs(ctx, ft.Params)
	if wideParams {
		ctx.Emit.LocalGet(ti)
	}
	ctx.Emit.CallIndirect(imm.TypeIdx, imm.TableIdx)
	collapseResults(ctx, ft.Results)

	return nil
}

// ReturnCallHandler rewrites a tail call: arguments expand and the
// instruction passes through. The callee's rewritten results match the
// caller's rewritten results exactly as the originals matched, so
// nothing collapses here.
type ReturnCallHandler struct{}

func (h ReturnCallHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	imm := instr.Imm.(wasm.CallImm)
	ft, ok := ctx.OrigFuncType(imm.FuncIdx)
	if !ok {
		return fault.Internal(fmt.Sprintf("return_call target %d has no resolvable type", imm.FuncIdx), nil)
	}
	expandArgs(ctx, ft.Params)
	ctx.Emit.EmitInstr(instr)
	ctx.Frames.Top().Unreachable = true

	return nil
}

// ReturnCallIndirectHandler rewrites an indirect tail call with the
// same index parking as call_indirect.
type ReturnCallIndirectHandler struct{}

func (h ReturnCallIndirectHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	imm := instr.Imm.(wasm.CallIndirectImm)
	ft, ok := ctx.OrigType(imm.TypeIdx)
	if !ok {
		return fault.Internal(fmt.Sprintf("return_call_indirect type %d out of range", imm.TypeIdx), nil)
	}
	ctx.Stack.Pop()
	wideParams := HasWide(ft.Params)
	var ti uint32
	if wideParams {
		ti = ctx.AllocI32()
		ctx.Emit.LocalSet(ti)
	}
	expandArgs(ctx, ft.Params)
	if wideParams {
		ctx.Emit.LocalGet(ti)
	}
	ctx.Emit.EmitInstr(instr)
	ctx.Frames.Top().Unreachable = true

	return nil
}

// RegisterCallHandlers adds handlers for direct, indirect and tail
// calls.
func RegisterCallHandlers(r *Registry) {
	r.Register(wasm.OpCall, CallHandler{}, "call")
	r.Register(wasm.OpCallIndirect, CallIndirectHandler{}, "call_indirect")
	r.Register(wasm.OpReturnCall, ReturnCallHandler{}, "return_call")
	r.Register(wasm.OpReturnCallIndirect, ReturnCallIndirectHandler{}, "return_call_indirect")
}
