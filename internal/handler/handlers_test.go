package handler

import (
	"testing"

	"github.com/wippyai/wasm-lower64/internal/codegen"
	"github.com/wippyai/wasm-lower64/internal/fault"
	"github.com/wippyai/wasm-lower64/wasm"
)

// newTestContext builds a context with two narrow i32 params and a
// function frame at the bottom, mirroring what the engine hands to
// handlers.
func newTestContext() *Context {
	body := &wasm.FuncBody{}
	types := []wasm.ValType{wasm.ValI32, wasm.ValI32}
	ctx := &Context{
		Emit:        codegen.NewEmitter(),
		Stack:       NewStack(),
		Frames:      NewFrames(),
		Locals:      NewLocals(body, []Split{{Low: 0}, {Low: 1}}, types),
		Module:      &wasm.Module{},
		ScratchAddr: 1024,
	}
	ctx.Frames.Push(Frame{Func: true})
	return ctx
}

func decodeEmitted(t *testing.T, ctx *Context) []wasm.Instruction {
	t.Helper()
	instrs, err := wasm.DecodeInstructions(ctx.Emit.Bytes())
	if err != nil {
		t.Fatalf("decoding emitted code: %v", err)
	}
	return instrs
}

func wantOps(t *testing.T, got []wasm.Instruction, want []byte) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d instructions, want %d", len(got), len(want))
	}
	for i, in := range got {
		if in.Opcode != want[i] {
			t.Errorf("instruction %d: opcode 0x%02X, want 0x%02X", i, in.Opcode, want[i])
		}
	}
}

func countOp(instrs []wasm.Instruction, op byte) int {
	n := 0
	for _, in := range instrs {
		if in.Opcode == op {
			n++
		}
	}
	return n
}

func localIdx(t *testing.T, in wasm.Instruction) uint32 {
	t.Helper()
	imm, ok := in.Imm.(wasm.LocalImm)
	if !ok {
		t.Fatalf("instruction 0x%02X has no local immediate", in.Opcode)
	}
	return imm.LocalIdx
}

func TestI64ConstHandler(t *testing.T) {
	ctx := newTestContext()
	err := I64ConstHandler{}.Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpI64Const,
		Imm:    wasm.I64Imm{Value: 0x123456789ABCDEF0},
	})
	if err != nil {
		t.Fatal(err)
	}

	instrs := decodeEmitted(t, ctx)
	wantOps(t, instrs, []byte{wasm.OpI32Const, wasm.OpLocalSet, wasm.OpI32Const})

	if v := instrs[0].Imm.(wasm.I32Imm).Value; uint32(v) != 0x9ABCDEF0 {
		t.Errorf("low word 0x%08X, want 0x9ABCDEF0", uint32(v))
	}
	if v := instrs[2].Imm.(wasm.I32Imm).Value; uint32(v) != 0x12345678 {
		t.Errorf("high word 0x%08X, want 0x12345678", uint32(v))
	}
	if !ctx.Stack.Peek().Wide() {
		t.Error("result should be a wide slot")
	}
}

func TestI64ConstHandler_Negative(t *testing.T) {
	ctx := newTestContext()
	if err := (I64ConstHandler{}).Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpI64Const,
		Imm:    wasm.I64Imm{Value: -1},
	}); err != nil {
		t.Fatal(err)
	}

	instrs := decodeEmitted(t, ctx)
	if v := instrs[0].Imm.(wasm.I32Imm).Value; uint32(v) != 0xFFFFFFFF {
		t.Errorf("low word 0x%08X, want 0xFFFFFFFF", uint32(v))
	}
	if v := instrs[2].Imm.(wasm.I32Imm).Value; uint32(v) != 0xFFFFFFFF {
		t.Errorf("high word 0x%08X, want 0xFFFFFFFF", uint32(v))
	}
}

func TestLocalGetHandler(t *testing.T) {
	t.Run("narrow", func(t *testing.T) {
		ctx := newTestContext()
		if err := (LocalGetHandler{}).Handle(ctx, wasm.Instruction{
			Opcode: wasm.OpLocalGet,
			Imm:    wasm.LocalImm{LocalIdx: 1},
		}); err != nil {
			t.Fatal(err)
		}

		instrs := decodeEmitted(t, ctx)
		wantOps(t, instrs, []byte{wasm.OpLocalGet})
		if top := ctx.Stack.Peek(); top.Wide() || top.Type != wasm.ValI32 {
			t.Errorf("unexpected slot %+v", top)
		}
	})

	t.Run("wide copies into fresh local", func(t *testing.T) {
		ctx := newTestContext()
		ctx.Locals = NewLocals(&wasm.FuncBody{},
			[]Split{{Low: 0, High: 1, Wide: true}},
			[]wasm.ValType{wasm.ValI32, wasm.ValI32})
		if err := (LocalGetHandler{}).Handle(ctx, wasm.Instruction{
			Opcode: wasm.OpLocalGet,
			Imm:    wasm.LocalImm{LocalIdx: 0},
		}); err != nil {
			t.Fatal(err)
		}

		instrs := decodeEmitted(t, ctx)
		wantOps(t, instrs, []byte{wasm.OpLocalGet, wasm.OpLocalSet, wasm.OpLocalGet})
		if localIdx(t, instrs[0]) != 0 || localIdx(t, instrs[2]) != 1 {
			t.Error("should read the low then high halves of the local")
		}
		top := ctx.Stack.Peek()
		if !top.Wide() {
			t.Fatal("result should be wide")
		}
		if top.Low != localIdx(t, instrs[1]) {
			t.Error("slot low should be the freshly written temp")
		}
		if top.Low == 0 {
			t.Error("slot low must not alias the source local")
		}
	})
}

func TestLocalSetHandler_Wide(t *testing.T) {
	ctx := newTestContext()
	ctx.Locals = NewLocals(&wasm.FuncBody{},
		[]Split{{Low: 0, High: 1, Wide: true}},
		[]wasm.ValType{wasm.ValI32, wasm.ValI32})
	ctx.Stack.PushWide(7)

	if err := (LocalSetHandler{}).Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpLocalSet,
		Imm:    wasm.LocalImm{LocalIdx: 0},
	}); err != nil {
		t.Fatal(err)
	}

	instrs := decodeEmitted(t, ctx)
	wantOps(t, instrs, []byte{wasm.OpLocalGet, wasm.OpLocalSet, wasm.OpLocalSet})
	if localIdx(t, instrs[0]) != 7 {
		t.Error("should read the slot's low local")
	}
	if localIdx(t, instrs[1]) != 0 || localIdx(t, instrs[2]) != 1 {
		t.Error("should write low then high halves")
	}
	if ctx.Stack.Len() != 0 {
		t.Error("operand should be consumed")
	}
}

func TestLocalTeeHandler_Wide(t *testing.T) {
	ctx := newTestContext()
	ctx.Locals = NewLocals(&wasm.FuncBody{},
		[]Split{{Low: 0, High: 1, Wide: true}},
		[]wasm.ValType{wasm.ValI32, wasm.ValI32})
	ctx.Stack.PushWide(7)

	if err := (LocalTeeHandler{}).Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpLocalTee,
		Imm:    wasm.LocalImm{LocalIdx: 0},
	}); err != nil {
		t.Fatal(err)
	}

	instrs := decodeEmitted(t, ctx)
	wantOps(t, instrs, []byte{
		wasm.OpLocalGet, wasm.OpLocalTee, wasm.OpLocalSet,
		wasm.OpLocalSet, wasm.OpLocalGet,
	})
	top := ctx.Stack.Peek()
	if !top.Wide() {
		t.Fatal("result should stay wide")
	}
	if top.Low == 0 || top.Low == 7 {
		t.Error("result low should be a fresh temp, not the target or source")
	}
}

func TestGlobalHandlers(t *testing.T) {
	t.Run("get wide", func(t *testing.T) {
		ctx := newTestContext()
		ctx.Globals = []Split{{Low: 0, High: 1, Wide: true}}
		ctx.GlobalTypes = []wasm.ValType{wasm.ValI64}
		if err := (GlobalGetHandler{}).Handle(ctx, wasm.Instruction{
			Opcode: wasm.OpGlobalGet,
			Imm:    wasm.GlobalImm{GlobalIdx: 0},
		}); err != nil {
			t.Fatal(err)
		}

		instrs := decodeEmitted(t, ctx)
		wantOps(t, instrs, []byte{wasm.OpGlobalGet, wasm.OpLocalSet, wasm.OpGlobalGet})
		if !ctx.Stack.Peek().Wide() {
			t.Error("result should be wide")
		}
	})

	t.Run("get narrow keeps original type", func(t *testing.T) {
		ctx := newTestContext()
		ctx.Globals = []Split{{Low: 0}}
		ctx.GlobalTypes = []wasm.ValType{wasm.ValF64}
		if err := (GlobalGetHandler{}).Handle(ctx, wasm.Instruction{
			Opcode: wasm.OpGlobalGet,
			Imm:    wasm.GlobalImm{GlobalIdx: 0},
		}); err != nil {
			t.Fatal(err)
		}

		wantOps(t, decodeEmitted(t, ctx), []byte{wasm.OpGlobalGet})
		if top := ctx.Stack.Peek(); top.Type != wasm.ValF64 {
			t.Errorf("slot type 0x%02X, want f64", top.Type)
		}
	})

	t.Run("set wide", func(t *testing.T) {
		ctx := newTestContext()
		ctx.Globals = []Split{{Low: 2, High: 3, Wide: true}}
		ctx.GlobalTypes = []wasm.ValType{wasm.ValI64}
		ctx.Stack.PushWide(5)
		if err := (GlobalSetHandler{}).Handle(ctx, wasm.Instruction{
			Opcode: wasm.OpGlobalSet,
			Imm:    wasm.GlobalImm{GlobalIdx: 0},
		}); err != nil {
			t.Fatal(err)
		}

		instrs := decodeEmitted(t, ctx)
		wantOps(t, instrs, []byte{wasm.OpLocalGet, wasm.OpGlobalSet, wasm.OpGlobalSet})
		if g := instrs[1].Imm.(wasm.GlobalImm).GlobalIdx; g != 2 {
			t.Errorf("low half written to global %d, want 2", g)
		}
		if g := instrs[2].Imm.(wasm.GlobalImm).GlobalIdx; g != 3 {
			t.Errorf("high half written to global %d, want 3", g)
		}
	})
}

func TestI64AddHandler(t *testing.T) {
	ctx := newTestContext()
	ctx.Stack.PushWide(0)
	ctx.Stack.PushWide(1)

	if err := (I64AddHandler{}).Handle(ctx, wasm.Instruction{Opcode: wasm.OpI64Add}); err != nil {
		t.Fatal(err)
	}

	instrs := decodeEmitted(t, ctx)
	if instrs[0].Opcode != wasm.OpLocalSet || instrs[1].Opcode != wasm.OpLocalSet {
		t.Error("should spill both high halves first")
	}
	if instrs[len(instrs)-1].Opcode != wasm.OpI32Add {
		t.Error("high half sum should finish on the real stack")
	}
	if countOp(instrs, wasm.OpI32LtU) != 1 {
		t.Error("carry should come from one unsigned comparison")
	}
	if !ctx.Stack.Peek().Wide() {
		t.Error("result should be wide")
	}
}

func TestI64SubHandler(t *testing.T) {
	ctx := newTestContext()
	ctx.Stack.PushWide(0)
	ctx.Stack.PushWide(1)

	if err := (I64SubHandler{}).Handle(ctx, wasm.Instruction{Opcode: wasm.OpI64Sub}); err != nil {
		t.Fatal(err)
	}

	instrs := decodeEmitted(t, ctx)
	if countOp(instrs, wasm.OpI32Sub) != 3 {
		t.Errorf("expected low, high and borrow subtractions, got %d i32.sub", countOp(instrs, wasm.OpI32Sub))
	}
	if countOp(instrs, wasm.OpI32LtU) != 1 {
		t.Error("borrow should come from one unsigned comparison")
	}
}

func TestI64MulHandler(t *testing.T) {
	ctx := newTestContext()
	ctx.Stack.PushWide(0)
	ctx.Stack.PushWide(1)

	if err := (I64MulHandler{}).Handle(ctx, wasm.Instruction{Opcode: wasm.OpI64Mul}); err != nil {
		t.Fatal(err)
	}

	instrs := decodeEmitted(t, ctx)
	// low product, four 16-bit partials, two cross terms
	if countOp(instrs, wasm.OpI32Mul) != 7 {
		t.Errorf("expected 7 multiplications, got %d", countOp(instrs, wasm.OpI32Mul))
	}
	if !ctx.Stack.Peek().Wide() {
		t.Error("result should be wide")
	}
}

func TestI64DivisionRejected(t *testing.T) {
	r := NewRegistry()
	RegisterArithmeticHandlers(r)

	for _, op := range []byte{wasm.OpI64DivS, wasm.OpI64DivU, wasm.OpI64RemS, wasm.OpI64RemU} {
		h := r.Get(op)
		if h == nil {
			t.Fatalf("no handler for 0x%02X", op)
		}
		err := h.Handle(newTestContext(), wasm.Instruction{Opcode: op})
		if !fault.IsKind(err, fault.KindUnsupportedOpcode) {
			t.Errorf("opcode 0x%02X: got %v, want unsupported_opcode", op, err)
		}
	}
}

func TestI64BitwiseHandler(t *testing.T) {
	ctx := newTestContext()
	ctx.Stack.PushWide(0)
	ctx.Stack.PushWide(1)

	if err := (I64BitwiseHandler{Op: wasm.OpI32Xor}).Handle(ctx, wasm.Instruction{Opcode: wasm.OpI64Xor}); err != nil {
		t.Fatal(err)
	}

	instrs := decodeEmitted(t, ctx)
	if countOp(instrs, wasm.OpI32Xor) != 2 {
		t.Errorf("expected one xor per half, got %d", countOp(instrs, wasm.OpI32Xor))
	}
	if instrs[len(instrs)-1].Opcode != wasm.OpI32Xor {
		t.Error("high half xor should finish on the real stack")
	}
}

func TestI64ShiftHandlers(t *testing.T) {
	shifts := []struct {
		name    string
		handler Handler
		op      byte
	}{
		{"shl", I64ShlHandler{}, wasm.OpI64Shl},
		{"shr_s", I64ShrSHandler{}, wasm.OpI64ShrS},
		{"shr_u", I64ShrUHandler{}, wasm.OpI64ShrU},
	}
	for _, tc := range shifts {
		t.Run(tc.name, func(t *testing.T) {
			ctx := newTestContext()
			ctx.Stack.PushWide(0)
			ctx.Stack.PushWide(1)

			if err := tc.handler.Handle(ctx, wasm.Instruction{Opcode: tc.op}); err != nil {
				t.Fatal(err)
			}

			instrs := decodeEmitted(t, ctx)
			if countOp(instrs, wasm.OpIf) != 1 || countOp(instrs, wasm.OpElse) != 1 || countOp(instrs, wasm.OpEnd) != 1 {
				t.Error("shift should split on the count crossing the word boundary")
			}
			if instrs[0].Opcode != wasm.OpDrop {
				t.Error("shift count high half should drop first")
			}
			if bt := findFirst(t, instrs, wasm.OpIf).Imm.(wasm.BlockImm).Type; bt != wasm.BlockTypeI32 {
				t.Errorf("if block type %d, want i32", bt)
			}
			if !ctx.Stack.Peek().Wide() {
				t.Error("result should be wide")
			}
		})
	}
}

func TestI64RotateHandlers(t *testing.T) {
	for _, tc := range []struct {
		name    string
		handler Handler
		op      byte
	}{
		{"rotl", I64RotlHandler{}, wasm.OpI64Rotl},
		{"rotr", I64RotrHandler{}, wasm.OpI64Rotr},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := newTestContext()
			ctx.Stack.PushWide(0)
			ctx.Stack.PushWide(1)

			if err := tc.handler.Handle(ctx, wasm.Instruction{Opcode: tc.op}); err != nil {
				t.Fatal(err)
			}

			instrs := decodeEmitted(t, ctx)
			if countOp(instrs, wasm.OpSelect) != 2 {
				t.Error("rotate should swap effective halves with two selects")
			}
			if countOp(instrs, wasm.OpIf) != 0 {
				t.Error("rotate should be branch free")
			}
			if !ctx.Stack.Peek().Wide() {
				t.Error("result should be wide")
			}
		})
	}
}

func findFirst(t *testing.T, instrs []wasm.Instruction, op byte) wasm.Instruction {
	t.Helper()
	for _, in := range instrs {
		if in.Opcode == op {
			return in
		}
	}
	t.Fatalf("no instruction with opcode 0x%02X", op)
	return wasm.Instruction{}
}

func TestI64EqzHandler(t *testing.T) {
	ctx := newTestContext()
	ctx.Stack.PushWide(0)

	if err := (I64EqzHandler{}).Handle(ctx, wasm.Instruction{Opcode: wasm.OpI64Eqz}); err != nil {
		t.Fatal(err)
	}

	wantOps(t, decodeEmitted(t, ctx), []byte{
		wasm.OpI32Eqz, wasm.OpLocalGet, wasm.OpI32Eqz, wasm.OpI32And,
	})
	if top := ctx.Stack.Peek(); top.Wide() || top.Type != wasm.ValI32 {
		t.Error("result should be a narrow i32")
	}
}

func TestI64EqHandler(t *testing.T) {
	ctx := newTestContext()
	ctx.Stack.PushWide(0)
	ctx.Stack.PushWide(1)

	if err := (I64EqHandler{}).Handle(ctx, wasm.Instruction{Opcode: wasm.OpI64Eq}); err != nil {
		t.Fatal(err)
	}

	wantOps(t, decodeEmitted(t, ctx), []byte{
		wasm.OpI32Eq, wasm.OpLocalGet, wasm.OpLocalGet, wasm.OpI32Eq, wasm.OpI32And,
	})
}

func TestI64CompareHandler(t *testing.T) {
	cases := []struct {
		name   string
		highOp byte
		lowOp  byte
	}{
		{"lt_s", wasm.OpI32LtS, wasm.OpI32LtU},
		{"gt_u", wasm.OpI32GtU, wasm.OpI32GtU},
		{"le_s", wasm.OpI32LtS, wasm.OpI32LeU},
		{"ge_u", wasm.OpI32GtU, wasm.OpI32GeU},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := newTestContext()
			ctx.Stack.PushWide(0)
			ctx.Stack.PushWide(1)

			h := I64CompareHandler{HighOp: tc.highOp, LowOp: tc.lowOp}
			if err := h.Handle(ctx, wasm.Instruction{}); err != nil {
				t.Fatal(err)
			}

			instrs := decodeEmitted(t, ctx)
			if countOp(instrs, tc.highOp) == 0 {
				t.Errorf("missing high comparison 0x%02X", tc.highOp)
			}
			if countOp(instrs, tc.lowOp) == 0 {
				t.Errorf("missing low comparison 0x%02X", tc.lowOp)
			}
			if countOp(instrs, wasm.OpI32Eq) < 1 {
				t.Error("missing high tie check")
			}
			last := instrs[len(instrs)-1]
			if last.Opcode != wasm.OpI32Or {
				t.Error("verdict should combine with i32.or")
			}
			if top := ctx.Stack.Peek(); top.Wide() || top.Type != wasm.ValI32 {
				t.Error("result should be a narrow i32")
			}
		})
	}
}

func TestI64CountHandlers(t *testing.T) {
	t.Run("clz", func(t *testing.T) {
		ctx := newTestContext()
		ctx.Stack.PushWide(0)
		if err := (I64ClzHandler{}).Handle(ctx, wasm.Instruction{Opcode: wasm.OpI64Clz}); err != nil {
			t.Fatal(err)
		}
		instrs := decodeEmitted(t, ctx)
		if countOp(instrs, wasm.OpI32Clz) != 2 || countOp(instrs, wasm.OpSelect) != 1 {
			t.Error("clz should count both halves and select on the high half")
		}
		if last := instrs[len(instrs)-1]; last.Opcode != wasm.OpI32Const || last.Imm.(wasm.I32Imm).Value != 0 {
			t.Error("result high half should be constant zero")
		}
		if !ctx.Stack.Peek().Wide() {
			t.Error("result should be wide")
		}
	})

	t.Run("ctz", func(t *testing.T) {
		ctx := newTestContext()
		ctx.Stack.PushWide(0)
		if err := (I64CtzHandler{}).Handle(ctx, wasm.Instruction{Opcode: wasm.OpI64Ctz}); err != nil {
			t.Fatal(err)
		}
		instrs := decodeEmitted(t, ctx)
		if countOp(instrs, wasm.OpI32Ctz) != 2 || countOp(instrs, wasm.OpSelect) != 1 {
			t.Error("ctz should count both halves and select on the low half")
		}
	})

	t.Run("popcnt", func(t *testing.T) {
		ctx := newTestContext()
		ctx.Stack.PushWide(0)
		if err := (I64PopcntHandler{}).Handle(ctx, wasm.Instruction{Opcode: wasm.OpI64Popcnt}); err != nil {
			t.Fatal(err)
		}
		instrs := decodeEmitted(t, ctx)
		wantOps(t, instrs, []byte{
			wasm.OpI32Popcnt, wasm.OpLocalGet, wasm.OpI32Popcnt,
			wasm.OpI32Add, wasm.OpLocalSet, wasm.OpI32Const,
		})
	})
}

func TestConversionHandlers(t *testing.T) {
	t.Run("wrap", func(t *testing.T) {
		ctx := newTestContext()
		ctx.Stack.PushWide(5)
		if err := (I32WrapI64Handler{}).Handle(ctx, wasm.Instruction{Opcode: wasm.OpI32WrapI64}); err != nil {
			t.Fatal(err)
		}
		instrs := decodeEmitted(t, ctx)
		wantOps(t, instrs, []byte{wasm.OpDrop, wasm.OpLocalGet})
		if localIdx(t, instrs[1]) != 5 {
			t.Error("should surface the low half local")
		}
		if top := ctx.Stack.Peek(); top.Wide() || top.Type != wasm.ValI32 {
			t.Error("result should be a narrow i32")
		}
	})

	t.Run("extend_i32_s", func(t *testing.T) {
		ctx := newTestContext()
		ctx.Stack.Push(wasm.ValI32)
		if err := (I64ExtendI32SHandler{}).Handle(ctx, wasm.Instruction{Opcode: wasm.OpI64ExtendI32S}); err != nil {
			t.Fatal(err)
		}
		wantOps(t, decodeEmitted(t, ctx), []byte{wasm.OpLocalTee, wasm.OpI32Const, wasm.OpI32ShrS})
		if !ctx.Stack.Peek().Wide() {
			t.Error("result should be wide")
		}
	})

	t.Run("extend_i32_u", func(t *testing.T) {
		ctx := newTestContext()
		ctx.Stack.Push(wasm.ValI32)
		if err := (I64ExtendI32UHandler{}).Handle(ctx, wasm.Instruction{Opcode: wasm.OpI64ExtendI32U}); err != nil {
			t.Fatal(err)
		}
		instrs := decodeEmitted(t, ctx)
		wantOps(t, instrs, []byte{wasm.OpLocalSet, wasm.OpI32Const})
		if instrs[1].Imm.(wasm.I32Imm).Value != 0 {
			t.Error("high half should be zero")
		}
	})

	t.Run("extend8_s", func(t *testing.T) {
		ctx := newTestContext()
		ctx.Stack.PushWide(0)
		h := I64ExtendNSHandler{NarrowOp: wasm.OpI32Extend8S}
		if err := h.Handle(ctx, wasm.Instruction{Opcode: wasm.OpI64Extend8S}); err != nil {
			t.Fatal(err)
		}
		wantOps(t, decodeEmitted(t, ctx), []byte{
			wasm.OpDrop, wasm.OpLocalGet, wasm.OpI32Extend8S,
			wasm.OpLocalTee, wasm.OpI32Const, wasm.OpI32ShrS,
		})
	})

	t.Run("extend32_s", func(t *testing.T) {
		ctx := newTestContext()
		ctx.Stack.PushWide(0)
		if err := (I64ExtendNSHandler{}).Handle(ctx, wasm.Instruction{Opcode: wasm.OpI64Extend32S}); err != nil {
			t.Fatal(err)
		}
		wantOps(t, decodeEmitted(t, ctx), []byte{
			wasm.OpDrop, wasm.OpLocalGet,
			wasm.OpLocalTee, wasm.OpI32Const, wasm.OpI32ShrS,
		})
	})

	t.Run("float conversions rejected", func(t *testing.T) {
		r := NewRegistry()
		RegisterConversionHandlers(r)
		for _, op := range []byte{
			wasm.OpI64TruncF32S, wasm.OpI64TruncF64U,
			wasm.OpF32ConvertI64S, wasm.OpF64ConvertI64U,
		} {
			err := r.Get(op).Handle(newTestContext(), wasm.Instruction{Opcode: op})
			if !fault.IsKind(err, fault.KindUnsupportedOpcode) {
				t.Errorf("opcode 0x%02X: got %v, want unsupported_opcode", op, err)
			}
		}
	})
}

func TestI64LoadHandler(t *testing.T) {
	ctx := newTestContext()
	ctx.Stack.Push(wasm.ValI32)

	if err := (I64LoadHandler{}).Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpI64Load,
		Imm:    wasm.MemoryImm{Offset: 16, Align: 3},
	}); err != nil {
		t.Fatal(err)
	}

	instrs := decodeEmitted(t, ctx)
	wantOps(t, instrs, []byte{
		wasm.OpLocalTee, wasm.OpI32Load, wasm.OpLocalSet,
		wasm.OpLocalGet, wasm.OpI32Load,
	})
	lowImm := instrs[1].Imm.(wasm.MemoryImm)
	highImm := instrs[4].Imm.(wasm.MemoryImm)
	if lowImm.Offset != 16 || highImm.Offset != 20 {
		t.Errorf("offsets %d/%d, want 16/20", lowImm.Offset, highImm.Offset)
	}
	if lowImm.Align != 2 || highImm.Align != 2 {
		t.Error("split loads should clamp alignment to 4 bytes")
	}
	if !ctx.Stack.Peek().Wide() {
		t.Error("result should be wide")
	}
}

func TestI64NarrowLoadHandlers(t *testing.T) {
	t.Run("load8_u", func(t *testing.T) {
		ctx := newTestContext()
		ctx.Stack.Push(wasm.ValI32)
		h := I64NarrowLoadHandler{Op: wasm.OpI32Load8U}
		if err := h.Handle(ctx, wasm.Instruction{
			Opcode: wasm.OpI64Load8U,
			Imm:    wasm.MemoryImm{Offset: 3},
		}); err != nil {
			t.Fatal(err)
		}
		instrs := decodeEmitted(t, ctx)
		wantOps(t, instrs, []byte{wasm.OpI32Load8U, wasm.OpLocalSet, wasm.OpI32Const})
		if instrs[2].Imm.(wasm.I32Imm).Value != 0 {
			t.Error("unsigned load should zero the high half")
		}
	})

	t.Run("load32_s", func(t *testing.T) {
		ctx := newTestContext()
		ctx.Stack.Push(wasm.ValI32)
		h := I64NarrowLoadHandler{Op: wasm.OpI32Load, Signed: true}
		if err := h.Handle(ctx, wasm.Instruction{
			Opcode: wasm.OpI64Load32S,
			Imm:    wasm.MemoryImm{Offset: 8, Align: 2},
		}); err != nil {
			t.Fatal(err)
		}
		wantOps(t, decodeEmitted(t, ctx), []byte{
			wasm.OpI32Load, wasm.OpLocalTee, wasm.OpI32Const, wasm.OpI32ShrS,
		})
	})
}

func TestI64StoreHandler(t *testing.T) {
	ctx := newTestContext()
	ctx.Stack.Push(wasm.ValI32) // address
	ctx.Stack.PushWide(5)       // value

	if err := (I64StoreHandler{}).Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpI64Store,
		Imm:    wasm.MemoryImm{Offset: 32, Align: 3},
	}); err != nil {
		t.Fatal(err)
	}

	instrs := decodeEmitted(t, ctx)
	wantOps(t, instrs, []byte{
		wasm.OpLocalSet, wasm.OpLocalTee, wasm.OpLocalGet, wasm.OpI32Store,
		wasm.OpLocalGet, wasm.OpLocalGet, wasm.OpI32Store,
	})
	if off := instrs[3].Imm.(wasm.MemoryImm).Offset; off != 36 {
		t.Errorf("high store offset %d, want 36", off)
	}
	if off := instrs[6].Imm.(wasm.MemoryImm).Offset; off != 32 {
		t.Errorf("low store offset %d, want 32", off)
	}
	if ctx.Stack.Len() != 0 {
		t.Error("both operands should be consumed")
	}
}

func TestI64NarrowStoreHandler(t *testing.T) {
	ctx := newTestContext()
	ctx.Stack.Push(wasm.ValI32)
	ctx.Stack.PushWide(5)

	h := I64NarrowStoreHandler{Op: wasm.OpI32Store8}
	if err := h.Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpI64Store8,
		Imm:    wasm.MemoryImm{Offset: 1},
	}); err != nil {
		t.Fatal(err)
	}

	instrs := decodeEmitted(t, ctx)
	wantOps(t, instrs, []byte{wasm.OpDrop, wasm.OpLocalGet, wasm.OpI32Store8})
	if localIdx(t, instrs[1]) != 5 {
		t.Error("should store the value's low half")
	}
}

func TestReinterpretHandlers(t *testing.T) {
	t.Run("i64 from f64", func(t *testing.T) {
		ctx := newTestContext()
		ctx.Stack.Push(wasm.ValF64)
		if err := (I64ReinterpretF64Handler{}).Handle(ctx, wasm.Instruction{Opcode: wasm.OpI64ReinterpretF64}); err != nil {
			t.Fatal(err)
		}
		instrs := decodeEmitted(t, ctx)
		wantOps(t, instrs, []byte{
			wasm.OpLocalSet, wasm.OpI32Const, wasm.OpLocalGet, wasm.OpF64Store,
			wasm.OpI32Const, wasm.OpI32Load, wasm.OpLocalSet,
			wasm.OpI32Const, wasm.OpI32Load,
		})
		if v := instrs[1].Imm.(wasm.I32Imm).Value; v != 1024 {
			t.Errorf("scratch address %d, want 1024", v)
		}
		if off := instrs[8].Imm.(wasm.MemoryImm).Offset; off != 4 {
			t.Errorf("high half load offset %d, want 4", off)
		}
		if !ctx.Stack.Peek().Wide() {
			t.Error("result should be wide")
		}
	})

	t.Run("f64 from i64", func(t *testing.T) {
		ctx := newTestContext()
		ctx.Stack.PushWide(0)
		if err := (F64ReinterpretI64Handler{}).Handle(ctx, wasm.Instruction{Opcode: wasm.OpF64ReinterpretI64}); err != nil {
			t.Fatal(err)
		}
		instrs := decodeEmitted(t, ctx)
		if instrs[len(instrs)-1].Opcode != wasm.OpF64Load {
			t.Error("should finish with the f64 load")
		}
		if countOp(instrs, wasm.OpI32Store) != 2 {
			t.Error("both halves should store into the scratch window")
		}
		if top := ctx.Stack.Peek(); top.Wide() || top.Type != wasm.ValF64 {
			t.Error("result should be a narrow f64")
		}
	})
}

func TestDropHandler(t *testing.T) {
	ctx := newTestContext()
	ctx.Stack.PushWide(0)

	if err := (DropHandler{}).Handle(ctx, wasm.Instruction{Opcode: wasm.OpDrop}); err != nil {
		t.Fatal(err)
	}

	wantOps(t, decodeEmitted(t, ctx), []byte{wasm.OpDrop})
	if ctx.Stack.Len() != 0 {
		t.Error("slot should be consumed")
	}
}

func TestSelectHandler(t *testing.T) {
	t.Run("narrow", func(t *testing.T) {
		ctx := newTestContext()
		ctx.Stack.Push(wasm.ValF32)
		ctx.Stack.Push(wasm.ValF32)
		ctx.Stack.Push(wasm.ValI32)
		if err := (SelectHandler{}).Handle(ctx, wasm.Instruction{Opcode: wasm.OpSelect}); err != nil {
			t.Fatal(err)
		}
		wantOps(t, decodeEmitted(t, ctx), []byte{wasm.OpSelect})
		if top := ctx.Stack.Peek(); top.Type != wasm.ValF32 {
			t.Error("result should keep the operand type")
		}
	})

	t.Run("wide", func(t *testing.T) {
		ctx := newTestContext()
		ctx.Stack.PushWide(0)
		ctx.Stack.PushWide(1)
		ctx.Stack.Push(wasm.ValI32)
		if err := (SelectHandler{}).Handle(ctx, wasm.Instruction{Opcode: wasm.OpSelect}); err != nil {
			t.Fatal(err)
		}
		instrs := decodeEmitted(t, ctx)
		if countOp(instrs, wasm.OpSelect) != 2 {
			t.Error("wide select should pick each half separately")
		}
		if !ctx.Stack.Peek().Wide() {
			t.Error("result should be wide")
		}
	})
}

func TestSelectTypeHandler(t *testing.T) {
	t.Run("i64 annotation", func(t *testing.T) {
		ctx := newTestContext()
		ctx.Stack.PushWide(0)
		ctx.Stack.PushWide(1)
		ctx.Stack.Push(wasm.ValI32)
		if err := (SelectTypeHandler{}).Handle(ctx, wasm.Instruction{
			Opcode: wasm.OpSelectType,
			Imm:    wasm.SelectTypeImm{Types: []wasm.ValType{wasm.ValI64}},
		}); err != nil {
			t.Fatal(err)
		}
		instrs := decodeEmitted(t, ctx)
		if countOp(instrs, wasm.OpSelect) != 2 || countOp(instrs, wasm.OpSelectType) != 0 {
			t.Error("i64 annotation should lower to two untyped selects")
		}
	})

	t.Run("reference annotation passes through", func(t *testing.T) {
		ctx := newTestContext()
		ctx.Stack.Push(wasm.ValExtern)
		ctx.Stack.Push(wasm.ValExtern)
		ctx.Stack.Push(wasm.ValI32)
		if err := (SelectTypeHandler{}).Handle(ctx, wasm.Instruction{
			Opcode: wasm.OpSelectType,
			Imm:    wasm.SelectTypeImm{Types: []wasm.ValType{wasm.ValExtern}},
		}); err != nil {
			t.Fatal(err)
		}
		instrs := decodeEmitted(t, ctx)
		wantOps(t, instrs, []byte{wasm.OpSelectType})
		if top := ctx.Stack.Peek(); top.Type != wasm.ValExtern {
			t.Error("result should keep the reference type")
		}
	})
}

func TestMiscHandler(t *testing.T) {
	t.Run("i64 saturating truncations rejected", func(t *testing.T) {
		for _, sub := range []uint32{
			wasm.MiscI64TruncSatF32S, wasm.MiscI64TruncSatF32U,
			wasm.MiscI64TruncSatF64S, wasm.MiscI64TruncSatF64U,
		} {
			ctx := newTestContext()
			ctx.Stack.Push(wasm.ValF64)
			err := MiscHandler{}.Handle(ctx, wasm.Instruction{
				Opcode: wasm.OpPrefixMisc,
				Imm:    wasm.MiscImm{SubOpcode: sub},
			})
			if !fault.IsKind(err, fault.KindUnsupportedOpcode) {
				t.Errorf("sub-opcode %d: got %v, want unsupported_opcode", sub, err)
			}
		}
	})

	t.Run("memory.copy passes through", func(t *testing.T) {
		ctx := newTestContext()
		ctx.Stack.Push(wasm.ValI32)
		ctx.Stack.Push(wasm.ValI32)
		ctx.Stack.Push(wasm.ValI32)
		if err := (MiscHandler{}).Handle(ctx, wasm.Instruction{
			Opcode: wasm.OpPrefixMisc,
			Imm:    wasm.MiscImm{SubOpcode: wasm.MiscMemoryCopy, Operands: []uint32{0, 0}},
		}); err != nil {
			t.Fatal(err)
		}
		wantOps(t, decodeEmitted(t, ctx), []byte{wasm.OpPrefixMisc})
		if ctx.Stack.Len() != 0 {
			t.Error("memory.copy should consume three operands")
		}
	})

	t.Run("table.grow pushes the old size", func(t *testing.T) {
		ctx := newTestContext()
		ctx.Stack.Push(wasm.ValFuncRef)
		ctx.Stack.Push(wasm.ValI32)
		if err := (MiscHandler{}).Handle(ctx, wasm.Instruction{
			Opcode: wasm.OpPrefixMisc,
			Imm:    wasm.MiscImm{SubOpcode: wasm.MiscTableGrow, Operands: []uint32{0}},
		}); err != nil {
			t.Fatal(err)
		}
		if ctx.Stack.Len() != 1 || ctx.Stack.Peek().Type != wasm.ValI32 {
			t.Error("table.grow should leave one i32")
		}
	})
}

func TestPassthroughHandler(t *testing.T) {
	ctx := newTestContext()
	ctx.Stack.Push(wasm.ValI32)
	ctx.Stack.Push(wasm.ValI32)

	if err := (PassthroughHandler{}).Handle(ctx, wasm.Instruction{Opcode: wasm.OpI32Add}); err != nil {
		t.Fatal(err)
	}

	wantOps(t, decodeEmitted(t, ctx), []byte{wasm.OpI32Add})
	if ctx.Stack.Len() != 1 {
		t.Errorf("stack depth %d, want 1", ctx.Stack.Len())
	}
}

func TestPassthroughHandler_UnknownOpcode(t *testing.T) {
	err := PassthroughHandler{}.Handle(newTestContext(), wasm.Instruction{Opcode: wasm.OpI64Add})
	if !fault.IsKind(err, fault.KindInternal) {
		t.Errorf("got %v, want internal fault", err)
	}
}

func TestUnsupportedHandler(t *testing.T) {
	err := UnsupportedHandler{Name: "i64.div_s"}.Handle(newTestContext(), wasm.Instruction{})
	if !fault.IsKind(err, fault.KindUnsupportedOpcode) {
		t.Fatalf("got %v, want unsupported_opcode", err)
	}
	if got := err.Error(); got != "unsupported_opcode: i64.div_s" {
		t.Errorf("message %q", got)
	}
}

func TestRefHandlers(t *testing.T) {
	t.Run("ref.null extern", func(t *testing.T) {
		ctx := newTestContext()
		if err := (RefNullHandler{}).Handle(ctx, wasm.Instruction{
			Opcode: wasm.OpRefNull,
			Imm:    wasm.RefNullImm{HeapType: -17},
		}); err != nil {
			t.Fatal(err)
		}
		if top := ctx.Stack.Peek(); top.Type != wasm.ValExtern {
			t.Errorf("slot type 0x%02X, want externref", top.Type)
		}
	})

	t.Run("ref.func", func(t *testing.T) {
		ctx := newTestContext()
		if err := (RefFuncHandler{}).Handle(ctx, wasm.Instruction{
			Opcode: wasm.OpRefFunc,
			Imm:    wasm.RefFuncImm{FuncIdx: 3},
		}); err != nil {
			t.Fatal(err)
		}
		if top := ctx.Stack.Peek(); top.Type != wasm.ValFuncRef {
			t.Errorf("slot type 0x%02X, want funcref", top.Type)
		}
	})

	t.Run("table.get resolves element type", func(t *testing.T) {
		ctx := newTestContext()
		ctx.Module = &wasm.Module{
			Tables: []wasm.TableType{{ElemType: byte(wasm.ValExtern)}},
		}
		ctx.Stack.Push(wasm.ValI32)
		if err := (TableGetHandler{}).Handle(ctx, wasm.Instruction{
			Opcode: wasm.OpTableGet,
			Imm:    wasm.TableImm{TableIdx: 0},
		}); err != nil {
			t.Fatal(err)
		}
		if top := ctx.Stack.Peek(); top.Type != wasm.ValExtern {
			t.Errorf("slot type 0x%02X, want externref", top.Type)
		}
	})
}

func TestBlockHandler_WideResult(t *testing.T) {
	ctx := newTestContext()
	if err := (BlockHandler{}).Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpBlock,
		Imm:    wasm.BlockImm{Type: wasm.BlockTypeI64},
	}); err != nil {
		t.Fatal(err)
	}

	instrs := decodeEmitted(t, ctx)
	wantOps(t, instrs, []byte{wasm.OpBlock})
	if bt := instrs[0].Imm.(wasm.BlockImm).Type; bt != wasm.BlockTypeI32 {
		t.Errorf("emitted block type %d, want i32", bt)
	}
	fr := ctx.Frames.Top()
	if !fr.HasJoin {
		t.Error("wide block should own a join local")
	}
}

func TestBlockHandler_TypeIndexRejected(t *testing.T) {
	err := BlockHandler{}.Handle(newTestContext(), wasm.Instruction{
		Opcode: wasm.OpBlock,
		Imm:    wasm.BlockImm{Type: 2},
	})
	if !fault.IsKind(err, fault.KindUnsupportedOpcode) {
		t.Errorf("got %v, want unsupported_opcode", err)
	}
}

func TestBlockEndDeliversJoin(t *testing.T) {
	ctx := newTestContext()
	if err := (BlockHandler{}).Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpBlock,
		Imm:    wasm.BlockImm{Type: wasm.BlockTypeI64},
	}); err != nil {
		t.Fatal(err)
	}
	join := ctx.Frames.Top().JoinLow

	if err := (I64ConstHandler{}).Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpI64Const,
		Imm:    wasm.I64Imm{Value: 42},
	}); err != nil {
		t.Fatal(err)
	}
	if err := (EndHandler{}).Handle(ctx, wasm.Instruction{Opcode: wasm.OpEnd}); err != nil {
		t.Fatal(err)
	}

	instrs := decodeEmitted(t, ctx)
	// block, const low, set, const high, funnel get/set, end
	wantOps(t, instrs, []byte{
		wasm.OpBlock, wasm.OpI32Const, wasm.OpLocalSet, wasm.OpI32Const,
		wasm.OpLocalGet, wasm.OpLocalSet, wasm.OpEnd,
	})
	if localIdx(t, instrs[5]) != join {
		t.Error("funnel should write the frame's join local")
	}
	top := ctx.Stack.Peek()
	if !top.Wide() || top.Low != join {
		t.Error("block result should be wide with the join local as its low half")
	}
	if ctx.Frames.Len() != 1 {
		t.Error("block frame should be popped")
	}
}

func TestIfElseSharesJoin(t *testing.T) {
	ctx := newTestContext()
	ctx.Stack.Push(wasm.ValI32) // condition

	if err := (IfHandler{}).Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpIf,
		Imm:    wasm.BlockImm{Type: wasm.BlockTypeI64},
	}); err != nil {
		t.Fatal(err)
	}
	join := ctx.Frames.Top().JoinLow

	if err := (I64ConstHandler{}).Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: 1},
	}); err != nil {
		t.Fatal(err)
	}
	if err := (ElseHandler{}).Handle(ctx, wasm.Instruction{Opcode: wasm.OpElse}); err != nil {
		t.Fatal(err)
	}
	if ctx.Stack.Len() != 0 {
		t.Error("else should reset the shadow stack to the frame entry")
	}
	if err := (I64ConstHandler{}).Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: 2},
	}); err != nil {
		t.Fatal(err)
	}
	if err := (EndHandler{}).Handle(ctx, wasm.Instruction{Opcode: wasm.OpEnd}); err != nil {
		t.Fatal(err)
	}

	instrs := decodeEmitted(t, ctx)
	var funnelTargets []uint32
	for i, in := range instrs {
		if in.Opcode != wasm.OpLocalSet || i == 0 {
			continue
		}
		// funnel writes follow a local.get and precede else or end
		if instrs[i-1].Opcode == wasm.OpLocalGet && i+1 < len(instrs) &&
			(instrs[i+1].Opcode == wasm.OpElse || instrs[i+1].Opcode == wasm.OpEnd) {
			funnelTargets = append(funnelTargets, localIdx(t, in))
		}
	}
	if len(funnelTargets) != 2 {
		t.Fatalf("found %d funnels, want 2", len(funnelTargets))
	}
	if funnelTargets[0] != join || funnelTargets[1] != join {
		t.Error("both arms should funnel into the same join local")
	}
}

func TestBrIntoWideBlock(t *testing.T) {
	ctx := newTestContext()
	if err := (BlockHandler{}).Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpBlock,
		Imm:    wasm.BlockImm{Type: wasm.BlockTypeI64},
	}); err != nil {
		t.Fatal(err)
	}
	ctx.Stack.PushWide(0)

	if err := (BrHandler{}).Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpBr,
		Imm:    wasm.BranchImm{LabelIdx: 0},
	}); err != nil {
		t.Fatal(err)
	}

	instrs := decodeEmitted(t, ctx)
	wantOps(t, instrs, []byte{wasm.OpBlock, wasm.OpLocalGet, wasm.OpLocalSet, wasm.OpBr})
	if !ctx.Frames.Top().Unreachable {
		t.Error("code after br should be unreachable")
	}
}

func TestBrToFunctionFlattens(t *testing.T) {
	ctx := newTestContext()
	ctx.Results = []wasm.ValType{wasm.ValI64}
	ctx.Stack.PushWide(0)

	if err := (BrHandler{}).Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpBr,
		Imm:    wasm.BranchImm{LabelIdx: 0},
	}); err != nil {
		t.Fatal(err)
	}

	instrs := decodeEmitted(t, ctx)
	wantOps(t, instrs, []byte{
		wasm.OpLocalSet, wasm.OpLocalGet, wasm.OpLocalGet, wasm.OpBr,
	})
	if localIdx(t, instrs[1]) != 0 {
		t.Error("low half should reload from the slot local before the high half")
	}
}

func TestBrIfInnerKeepsSingleBranch(t *testing.T) {
	ctx := newTestContext()
	if err := (BlockHandler{}).Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpBlock,
		Imm:    wasm.BlockImm{Type: wasm.BlockTypeI64},
	}); err != nil {
		t.Fatal(err)
	}
	ctx.Stack.PushWide(0)
	ctx.Stack.Push(wasm.ValI32)

	if err := (BrIfHandler{}).Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpBrIf,
		Imm:    wasm.BranchImm{LabelIdx: 0},
	}); err != nil {
		t.Fatal(err)
	}

	instrs := decodeEmitted(t, ctx)
	wantOps(t, instrs, []byte{wasm.OpBlock, wasm.OpLocalGet, wasm.OpLocalSet, wasm.OpBrIf})
	if ctx.Frames.Top().Unreachable {
		t.Error("conditional branch must not end the frame")
	}
	if top := ctx.Stack.Peek(); !top.Wide() || top.Low != 0 {
		t.Error("fall-through should keep the wide value in its original slot")
	}
}

func TestBrIfToFunctionRestores(t *testing.T) {
	ctx := newTestContext()
	ctx.Results = []wasm.ValType{wasm.ValI64}
	ctx.Stack.PushWide(0)
	ctx.Stack.Push(wasm.ValI32)

	if err := (BrIfHandler{}).Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpBrIf,
		Imm:    wasm.BranchImm{LabelIdx: 0},
	}); err != nil {
		t.Fatal(err)
	}

	instrs := decodeEmitted(t, ctx)
	// park cond, flatten, reload cond, branch, drop duplicate low,
	// re-push the high half
	wantOps(t, instrs, []byte{
		wasm.OpLocalSet,
		wasm.OpLocalSet, wasm.OpLocalGet, wasm.OpLocalGet,
		wasm.OpLocalGet, wasm.OpBrIf,
		wasm.OpLocalSet, wasm.OpDrop, wasm.OpLocalGet,
	})
	if top := ctx.Stack.Peek(); !top.Wide() || top.Low != 0 {
		t.Error("fall-through should keep the wide value in its original slot")
	}
}

func TestBrTableMixedTargetsRejected(t *testing.T) {
	ctx := newTestContext()
	ctx.Results = []wasm.ValType{wasm.ValI64}
	if err := (BlockHandler{}).Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpBlock,
		Imm:    wasm.BlockImm{Type: wasm.BlockTypeI64},
	}); err != nil {
		t.Fatal(err)
	}
	ctx.Stack.PushWide(0)
	ctx.Stack.Push(wasm.ValI32)

	err := BrTableHandler{}.Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpBrTable,
		Imm:    wasm.BrTableImm{Labels: []uint32{0}, Default: 1},
	})
	if !fault.IsKind(err, fault.KindUnsupportedOpcode) {
		t.Errorf("got %v, want unsupported_opcode", err)
	}
}

func TestBrTableFunnelsEveryTarget(t *testing.T) {
	ctx := newTestContext()
	for i := 0; i < 2; i++ {
		if err := (BlockHandler{}).Handle(ctx, wasm.Instruction{
			Opcode: wasm.OpBlock,
			Imm:    wasm.BlockImm{Type: wasm.BlockTypeI64},
		}); err != nil {
			t.Fatal(err)
		}
	}
	outer := ctx.Frames.At(1).JoinLow
	inner := ctx.Frames.At(0).JoinLow
	ctx.Stack.PushWide(0)
	ctx.Stack.Push(wasm.ValI32)

	if err := (BrTableHandler{}).Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpBrTable,
		Imm:    wasm.BrTableImm{Labels: []uint32{0}, Default: 1},
	}); err != nil {
		t.Fatal(err)
	}

	instrs := decodeEmitted(t, ctx)
	targets := map[uint32]bool{}
	for i, in := range instrs {
		if in.Opcode == wasm.OpLocalSet && instrs[i-1].Opcode == wasm.OpLocalGet {
			targets[localIdx(t, in)] = true
		}
	}
	if !targets[inner] || !targets[outer] {
		t.Error("every distinct wide target should get a funnel")
	}
	if instrs[len(instrs)-1].Opcode != wasm.OpBrTable {
		t.Error("table itself should emit last")
	}
	if !ctx.Frames.Top().Unreachable {
		t.Error("code after br_table should be unreachable")
	}
}

func TestReturnFlattens(t *testing.T) {
	ctx := newTestContext()
	ctx.Results = []wasm.ValType{wasm.ValI64}
	ctx.Stack.PushWide(0)

	if err := (ReturnHandler{}).Handle(ctx, wasm.Instruction{Opcode: wasm.OpReturn}); err != nil {
		t.Fatal(err)
	}

	wantOps(t, decodeEmitted(t, ctx), []byte{
		wasm.OpLocalSet, wasm.OpLocalGet, wasm.OpLocalGet, wasm.OpReturn,
	})
	if !ctx.Frames.Top().Unreachable {
		t.Error("code after return should be unreachable")
	}
}

func TestFunctionEndFlattens(t *testing.T) {
	ctx := newTestContext()
	ctx.Results = []wasm.ValType{wasm.ValI64}
	ctx.Stack.PushWide(0)

	if err := (EndHandler{}).Handle(ctx, wasm.Instruction{Opcode: wasm.OpEnd}); err != nil {
		t.Fatal(err)
	}

	wantOps(t, decodeEmitted(t, ctx), []byte{
		wasm.OpLocalSet, wasm.OpLocalGet, wasm.OpLocalGet, wasm.OpEnd,
	})
	if ctx.Frames.Len() != 0 {
		t.Error("function frame should be popped")
	}
}

func TestCallHandler(t *testing.T) {
	ctx := newTestContext()
	ctx.OrigTypes = []wasm.FuncType{{
		Params:  []wasm.ValType{wasm.ValI64},
		Results: []wasm.ValType{wasm.ValI64},
	}}
	ctx.Module = &wasm.Module{Funcs: []uint32{0}}
	ctx.Stack.PushWide(0)

	if err := (CallHandler{}).Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpCall,
		Imm:    wasm.CallImm{FuncIdx: 0},
	}); err != nil {
		t.Fatal(err)
	}

	instrs := decodeEmitted(t, ctx)
	// expand the argument, call, collapse the result
	wantOps(t, instrs, []byte{
		wasm.OpLocalSet, wasm.OpLocalGet, wasm.OpLocalGet,
		wasm.OpCall,
		wasm.OpLocalSet, wasm.OpLocalSet, wasm.OpLocalGet,
	})
	if !ctx.Stack.Peek().Wide() {
		t.Error("call result should be wide")
	}
	if ctx.Stack.Len() != 1 {
		t.Errorf("stack depth %d, want 1", ctx.Stack.Len())
	}
}

func TestCallHandler_NarrowSignatureUntouched(t *testing.T) {
	ctx := newTestContext()
	ctx.OrigTypes = []wasm.FuncType{{
		Params:  []wasm.ValType{wasm.ValI32},
		Results: []wasm.ValType{wasm.ValF32},
	}}
	ctx.Module = &wasm.Module{Funcs: []uint32{0}}
	ctx.Stack.Push(wasm.ValI32)

	if err := (CallHandler{}).Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpCall,
		Imm:    wasm.CallImm{FuncIdx: 0},
	}); err != nil {
		t.Fatal(err)
	}

	wantOps(t, decodeEmitted(t, ctx), []byte{wasm.OpCall})
	if top := ctx.Stack.Peek(); top.Type != wasm.ValF32 {
		t.Error("narrow result should keep its type")
	}
}

func TestCallIndirectHandler_ParksIndex(t *testing.T) {
	ctx := newTestContext()
	ctx.OrigTypes = []wasm.FuncType{{
		Params: []wasm.ValType{wasm.ValI64},
	}}
	ctx.Stack.PushWide(0)
	ctx.Stack.Push(wasm.ValI32)

	if err := (CallIndirectHandler{}).Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpCallIndirect,
		Imm:    wasm.CallIndirectImm{TypeIdx: 0},
	}); err != nil {
		t.Fatal(err)
	}

	instrs := decodeEmitted(t, ctx)
	wantOps(t, instrs, []byte{
		wasm.OpLocalSet,
		wasm.OpLocalSet, wasm.OpLocalGet, wasm.OpLocalGet,
		wasm.OpLocalGet, wasm.OpCallIndirect,
	})
	if ctx.Stack.Len() != 0 {
		t.Error("all operands should be consumed")
	}
}

func TestReturnCallHandler(t *testing.T) {
	ctx := newTestContext()
	ctx.OrigTypes = []wasm.FuncType{{
		Params:  []wasm.ValType{wasm.ValI64},
		Results: []wasm.ValType{wasm.ValI64},
	}}
	ctx.Module = &wasm.Module{Funcs: []uint32{0}}
	ctx.Stack.PushWide(0)

	if err := (ReturnCallHandler{}).Handle(ctx, wasm.Instruction{
		Opcode: wasm.OpReturnCall,
		Imm:    wasm.CallImm{FuncIdx: 0},
	}); err != nil {
		t.Fatal(err)
	}

	instrs := decodeEmitted(t, ctx)
	if instrs[len(instrs)-1].Opcode != wasm.OpReturnCall {
		t.Error("tail call should emit last")
	}
	if !ctx.Frames.Top().Unreachable {
		t.Error("code after a tail call should be unreachable")
	}
}
