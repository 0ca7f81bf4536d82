package lower64

import (
	"bytes"
	"testing"

	"github.com/wippyai/wasm-lower64/wasm"
)

func TestTransform_NarrowModule(t *testing.T) {
	m := &wasm.Module{
		Types: []wasm.FuncType{
			{Params: []wasm.ValType{wasm.ValI32, wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}},
		},
		Funcs: []uint32{0},
		Exports: []wasm.Export{
			{Name: "add", Kind: wasm.KindFunc, Idx: 0},
		},
		Code: []wasm.FuncBody{
			{Code: wasm.EncodeInstructions([]wasm.Instruction{
				{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 0}},
				{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 1}},
				{Opcode: wasm.OpI32Add},
				{Opcode: wasm.OpEnd},
			})},
		},
	}
	data := m.Encode()

	result, err := Transform(data, Config{})
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if !bytes.Equal(result, data) {
		t.Error("module without i64 should pass through unchanged")
	}
}

func TestTransform_WideFunction(t *testing.T) {
	m := &wasm.Module{
		Types: []wasm.FuncType{
			{Params: []wasm.ValType{wasm.ValI64, wasm.ValI64}, Results: []wasm.ValType{wasm.ValI64}},
		},
		Funcs: []uint32{0},
		Exports: []wasm.Export{
			{Name: "add64", Kind: wasm.KindFunc, Idx: 0},
		},
		Code: []wasm.FuncBody{
			{Code: wasm.EncodeInstructions([]wasm.Instruction{
				{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 0}},
				{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 1}},
				{Opcode: wasm.OpI64Add},
				{Opcode: wasm.OpEnd},
			})},
		},
	}

	result, err := Transform(m.Encode(), Config{})
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}

	out, err := wasm.ParseModule(result)
	if err != nil {
		t.Fatalf("parse result: %v", err)
	}

	ft := out.Types[0]
	if len(ft.Params) != 4 || len(ft.Results) != 2 {
		t.Fatalf("signature not expanded: %+v", ft)
	}
	for i, p := range ft.Params {
		if p != wasm.ValI32 {
			t.Errorf("param %d not i32: 0x%02X", i, p)
		}
	}

	if len(out.Exports) != 1 || out.Exports[0].Name != "add64" || out.Exports[0].Idx != 0 {
		t.Errorf("export changed: %+v", out.Exports)
	}

	instrs, err := wasm.DecodeInstructions(out.Code[0].Code)
	if err != nil {
		t.Fatalf("decode rewritten body: %v", err)
	}
	for _, instr := range instrs {
		if instr.Opcode == wasm.OpI64Add {
			t.Error("i64.add should not survive lowering")
		}
	}
}

func TestTransform_UnsupportedOpcode(t *testing.T) {
	m := &wasm.Module{
		Types: []wasm.FuncType{
			{Params: []wasm.ValType{wasm.ValI64, wasm.ValI64}, Results: []wasm.ValType{wasm.ValI64}},
		},
		Funcs: []uint32{0},
		Code: []wasm.FuncBody{
			{Code: wasm.EncodeInstructions([]wasm.Instruction{
				{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 0}},
				{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 1}},
				{Opcode: wasm.OpI64DivS},
				{Opcode: wasm.OpEnd},
			})},
		},
	}

	_, err := Transform(m.Encode(), Config{})
	if err == nil {
		t.Fatal("i64.div_s should be rejected")
	}
	if !IsKind(err, KindUnsupportedOpcode) {
		t.Errorf("wrong kind: %v", err)
	}
}

func TestTransformModule_InPlace(t *testing.T) {
	m := &wasm.Module{
		Types: []wasm.FuncType{
			{Params: []wasm.ValType{wasm.ValI64}},
		},
		Funcs: []uint32{0},
		Code: []wasm.FuncBody{
			{Code: wasm.EncodeInstructions([]wasm.Instruction{
				{Opcode: wasm.OpEnd},
			})},
		},
	}

	if err := TransformModule(m, Config{}); err != nil {
		t.Fatalf("TransformModule failed: %v", err)
	}
	if len(m.Types[0].Params) != 2 {
		t.Errorf("module not rewritten in place: %+v", m.Types[0])
	}
}
