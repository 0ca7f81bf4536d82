package engine

import (
	"errors"
	"fmt"

	"github.com/wippyai/wasm-lower64/internal/fault"
	"github.com/wippyai/wasm-lower64/internal/handler"
	"github.com/wippyai/wasm-lower64/wasm"
)

// splitGlobals expands every defined i64 global into two adjacent i32
// globals, low half first, and returns the index map for the combined
// import/defined global space alongside the original value types.
//
// Imported globals keep their indices: imports precede definitions and
// checkSupported has already rejected wide imports. Defined globals
// after a split one shift by one per preceding split, so every global
// reference outside function bodies is renumbered here. References
// inside bodies go through the same map in the variable handlers.
func splitGlobals(m *wasm.Module) ([]handler.Split, []wasm.ValType, error) {
	numImported := m.NumImportedGlobals()
	total := numImported + len(m.Globals)
	split := make([]handler.Split, 0, total)
	types := make([]wasm.ValType, 0, total)

	for _, imp := range m.Imports {
		if imp.Desc.Kind != wasm.KindGlobal {
			continue
		}
		idx := uint32(len(split))
		split = append(split, handler.Split{Low: idx, High: idx})
		types = append(types, imp.Desc.Global.ValType)
	}

	next := uint32(numImported)
	splitCount := 0
	newGlobals := make([]wasm.Global, 0, len(m.Globals))
	for i, g := range m.Globals {
		if g.Type.ValType != wasm.ValI64 {
			split = append(split, handler.Split{Low: next, High: next})
			types = append(types, g.Type.ValType)
			newGlobals = append(newGlobals, g)
			next++
			continue
		}

		low, high, err := splitWideInit(g.Init)
		if err != nil {
			return nil, nil, fault.UnsupportedModule("global %d: %v", numImported+i, err)
		}
		newGlobals = append(newGlobals,
			wasm.Global{
				Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: g.Type.Mutable},
				Init: low,
			},
			wasm.Global{
				Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: g.Type.Mutable},
				Init: high,
			})
		split = append(split, handler.Split{Low: next, High: next + 1, Wide: true})
		types = append(types, wasm.ValI64)
		next += 2
		splitCount++
	}
	m.Globals = newGlobals

	if splitCount > 0 {
		if err := renumberGlobalRefs(m, split); err != nil {
			return nil, nil, err
		}
	}

	return split, types, nil
}

// splitWideInit lowers an i64.const initializer into the two i32.const
// initializers of the half globals.
func splitWideInit(init []byte) ([]byte, []byte, error) {
	instrs, err := wasm.DecodeInstructions(init)
	if err != nil {
		return nil, nil, err
	}
	if len(instrs) != 2 || instrs[0].Opcode != wasm.OpI64Const || instrs[1].Opcode != wasm.OpEnd {
		return nil, nil, errors.New("64-bit global initializer is not a plain constant")
	}

	v := uint64(instrs[0].Imm.(wasm.I64Imm).Value)
	low := wasm.EncodeInstructions([]wasm.Instruction{
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: int32(uint32(v))}},
		{Opcode: wasm.OpEnd},
	})
	high := wasm.EncodeInstructions([]wasm.Instruction{
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: int32(uint32(v >> 32))}},
		{Opcode: wasm.OpEnd},
	})
	return low, high, nil
}

// renumberGlobalRefs rewrites global indices everywhere outside
// function bodies: global initializers, element and data segment offset
// expressions, element init expressions, and global exports.
func renumberGlobalRefs(m *wasm.Module, split []handler.Split) error {
	for i := range m.Globals {
		remapped, err := remapConstExpr(m.Globals[i].Init, split)
		if err != nil {
			return fault.UnsupportedModule("global %d initializer: %v", i, err)
		}
		if remapped != nil {
			m.Globals[i].Init = remapped
		}
	}

	for i := range m.Elements {
		if m.Elements[i].Offset != nil {
			remapped, err := remapConstExpr(m.Elements[i].Offset, split)
			if err != nil {
				return fault.UnsupportedModule("element %d offset: %v", i, err)
			}
			if remapped != nil {
				m.Elements[i].Offset = remapped
			}
		}
		for j, expr := range m.Elements[i].Exprs {
			remapped, err := remapConstExpr(expr, split)
			if err != nil {
				return fault.UnsupportedModule("element %d expression %d: %v", i, j, err)
			}
			if remapped != nil {
				m.Elements[i].Exprs[j] = remapped
			}
		}
	}

	for i := range m.Data {
		if m.Data[i].Offset == nil {
			continue
		}
		remapped, err := remapConstExpr(m.Data[i].Offset, split)
		if err != nil {
			return fault.UnsupportedModule("data segment %d offset: %v", i, err)
		}
		if remapped != nil {
			m.Data[i].Offset = remapped
		}
	}

	for i := range m.Exports {
		if m.Exports[i].Kind != wasm.KindGlobal {
			continue
		}
		idx := m.Exports[i].Idx
		if int(idx) < len(split) {
			m.Exports[i].Idx = split[idx].Low
		}
	}

	return nil
}

// remapConstExpr renumbers global.get references inside a constant
// expression. Returns nil bytes when nothing changed. A reference to a
// split global cannot stay a single instruction, so it is an error; it
// cannot occur in valid modules because constant expressions may only
// read imported globals and wide imports are rejected up front.
func remapConstExpr(expr []byte, split []handler.Split) ([]byte, error) {
	instrs, err := wasm.DecodeInstructions(expr)
	if err != nil {
		return nil, err
	}

	modified := false
	for i := range instrs {
		if instrs[i].Opcode != wasm.OpGlobalGet {
			continue
		}
		imm, ok := instrs[i].Imm.(wasm.GlobalImm)
		if !ok || int(imm.GlobalIdx) >= len(split) {
			continue
		}
		loc := split[imm.GlobalIdx]
		if loc.Wide {
			return nil, fmt.Errorf("constant expression reads 64-bit global %d", imm.GlobalIdx)
		}
		if loc.Low != imm.GlobalIdx {
			instrs[i].Imm = wasm.GlobalImm{GlobalIdx: loc.Low}
			modified = true
		}
	}

	if !modified {
		return nil, nil
	}
	return wasm.EncodeInstructions(instrs), nil
}
