package engine

import (
	"fmt"

	"github.com/wippyai/wasm-lower64/internal/codegen"
	"github.com/wippyai/wasm-lower64/internal/fault"
	"github.com/wippyai/wasm-lower64/internal/handler"
	"github.com/wippyai/wasm-lower64/wasm"
)

// FunctionTransformer rewrites individual function bodies to the
// lowered form.
type FunctionTransformer struct {
	registry    *handler.Registry
	module      *wasm.Module
	origTypes   []wasm.FuncType
	globals     []handler.Split
	globalTypes []wasm.ValType
	scratchAddr uint32
}

// NewFunctionTransformer creates a transformer for the given module.
// origTypes is the pre-rewrite type snapshot; globals and globalTypes
// come from splitGlobals.
func NewFunctionTransformer(registry *handler.Registry, m *wasm.Module, origTypes []wasm.FuncType, globals []handler.Split, globalTypes []wasm.ValType, scratchAddr uint32) *FunctionTransformer {
	return &FunctionTransformer{
		registry:    registry,
		module:      m,
		origTypes:   origTypes,
		globals:     globals,
		globalTypes: globalTypes,
		scratchAddr: scratchAddr,
	}
}

// Transform rewrites one function body in place.
//
// instrs is the decoded original body. The rewritten body gets a fresh
// local index space: parameters and declared locals with every i64
// split into an adjacent (low, high) i32 pair, followed by whatever
// scratch locals the handlers allocate.
func (ft *FunctionTransformer) Transform(funcIdx uint32, body *wasm.FuncBody, instrs []wasm.Instruction) error {
	typeIdx, ok := ft.module.FuncTypeIdx(funcIdx)
	if !ok || int(typeIdx) >= len(ft.origTypes) {
		return fault.Internal(fmt.Sprintf("function %d has no resolvable type", funcIdx), nil)
	}
	origType := ft.origTypes[typeIdx]

	split, types, entries := expandLocals(origType.Params, body.Locals)

	newBody := wasm.FuncBody{Locals: entries}
	ctx := &handler.Context{
		Emit:        codegen.NewEmitter(),
		Stack:       handler.NewStack(),
		Frames:      handler.NewFrames(),
		Locals:      handler.NewLocals(&newBody, split, types),
		Module:      ft.module,
		OrigTypes:   ft.origTypes,
		Globals:     ft.globals,
		GlobalTypes: ft.globalTypes,
		Results:     origType.Results,
		ScratchAddr: ft.scratchAddr,
	}
	ctx.Frames.Push(handler.Frame{Func: true})

	if err := ft.run(ctx, funcIdx, instrs); err != nil {
		return err
	}

	newBody.Code = ctx.Emit.Bytes()
	*body = newBody
	return nil
}

// run drives the decoded instructions through the handler registry.
//
// Code after an unconditional branch is skipped rather than rewritten.
// The shadow stack cannot simulate unreachable code, whose stack usage
// is polymorphic, and dropping it preserves behavior. Frames still
// track block nesting inside skipped regions so else and end line up,
// and an else arm revives a frame whose then arm ended in a branch.
func (ft *FunctionTransformer) run(ctx *handler.Context, funcIdx uint32, instrs []wasm.Instruction) error {
	for idx, instr := range instrs {
		fr := ctx.Frames.Top()
		if fr == nil {
			return fault.At(fault.Internal("instruction after function end", nil), int(funcIdx), idx)
		}

		if fr.Dead || fr.Unreachable {
			switch instr.Opcode {
			case wasm.OpBlock, wasm.OpLoop, wasm.OpIf:
				ctx.Frames.Push(handler.Frame{Opcode: instr.Opcode, Dead: true})
				continue
			case wasm.OpElse:
				if fr.Dead {
					continue
				}
			case wasm.OpEnd:
				if fr.Dead {
					ctx.Frames.Pop()
					continue
				}
			default:
				continue
			}
		}

		h := ft.registry.Get(instr.Opcode)
		if h == nil {
			err := fault.UnsupportedOpcode(fmt.Sprintf("opcode 0x%02X", instr.Opcode))
			return fault.At(err, int(funcIdx), idx)
		}
		if err := h.Handle(ctx, instr); err != nil {
			return fault.At(err, int(funcIdx), idx)
		}
	}

	if ctx.Frames.Len() != 0 {
		return fault.At(fault.Internal("control frames left open at function end", nil), int(funcIdx), len(instrs))
	}
	return nil
}

// expandLocals builds the rewritten local index space for one function:
// the split map from original indices, the rewritten type list, and the
// declared local entries for the new body.
func expandLocals(params []wasm.ValType, locals []wasm.LocalEntry) ([]handler.Split, []wasm.ValType, []wasm.LocalEntry) {
	split := make([]handler.Split, 0, len(params)+len(locals))
	types := make([]wasm.ValType, 0, len(params)+len(locals))
	next := uint32(0)

	appendOne := func(t wasm.ValType) {
		if t == wasm.ValI64 {
			split = append(split, handler.Split{Low: next, High: next + 1, Wide: true})
			types = append(types, wasm.ValI32, wasm.ValI32)
			next += 2
			return
		}
		split = append(split, handler.Split{Low: next, High: next})
		types = append(types, t)
		next++
	}

	for _, p := range params {
		appendOne(p)
	}

	entries := make([]wasm.LocalEntry, 0, len(locals))
	for _, le := range locals {
		if le.ValType == wasm.ValI64 {
			entries = append(entries, wasm.LocalEntry{Count: le.Count * 2, ValType: wasm.ValI32})
		} else {
			entries = append(entries, le)
		}
		for k := uint32(0); k < le.Count; k++ {
			appendOne(le.ValType)
		}
	}

	return split, types, entries
}
