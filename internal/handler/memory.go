package handler

import (
	"github.com/wippyai/wasm-lower64/wasm"
)

// wideAccessAlign caps an alignment hint at the 4-byte natural
// alignment of the 32-bit accesses a wide access splits into.
func wideAccessAlign(align uint32) uint32 {
	if align > 2 {
		return 2
	}
	return align
}

// highHalfOffset returns the static offset of the high word, four
// bytes past the low word. Clamped so the immediate still encodes for
// a 32-bit memory; an access that far out of range traps either way.
func highHalfOffset(offset uint64) uint64 {
	if offset >= 0xFFFFFFFF-3 {
		return 0xFFFFFFFF
	}
	return offset + 4
}

// I64LoadHandler splits a full-width load into two 32-bit loads from
// the same address, the high word four bytes up. The address is kept
// in a local so both loads see it.
type I64LoadHandler struct{}

func (h I64LoadHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	imm := instr.Imm.(wasm.MemoryImm)
	ctx.Stack.Pop()
	addr := ctx.AllocI32()
	low := ctx.AllocI32()
	align := wideAccessAlign(imm.Align)

	ctx.Emit.
		LocalTee(addr).
		EmitInstr(wasm.Instruction{
			Opcode: wasm.OpI32Load,
			Imm:    wasm.MemoryImm{Offset: imm.Offset, Align: align, MemIdx: imm.MemIdx},
		}).
		LocalSet(low).
		LocalGet(addr).
		EmitInstr(wasm.Instruction{
			Opcode: wasm.OpI32Load,
			Imm:    wasm.MemoryImm{Offset: highHalfOffset(imm.Offset), Align: align, MemIdx: imm.MemIdx},
		})
	ctx.Stack.PushWide(low)

	return nil
}

// I64NarrowLoadHandler lowers the partial-width loads (8, 16 and 32
// bits). The memory access itself fits in one 32-bit load carrying the
// matching signedness; what remains is manufacturing the high word,
// sign replication for the signed variants and zero otherwise.
type I64NarrowLoadHandler struct {
	// Op is the 32-bit load emitted in place of the original.
	Op byte
	// Signed selects a sign-extended high word.
	Signed bool
}

func (h I64NarrowLoadHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	imm := instr.Imm.(wasm.MemoryImm)
	ctx.Stack.Pop()
	low := ctx.AllocI32()

	ctx.Emit.EmitInstr(wasm.Instruction{
		Opcode: h.Op,
		Imm:    wasm.MemoryImm{Offset: imm.Offset, Align: imm.Align, MemIdx: imm.MemIdx},
	})
	if h.Signed {
		ctx.Emit.
			LocalTee(low).
			I32Const(31).
			I32ShrS()
	} else {
		ctx.Emit.
			LocalSet(low).
			I32Const(0)
	}
	ctx.Stack.PushWide(low)

	return nil
}

// I64StoreHandler splits a full-width store into two 32-bit stores.
// The value high half and the address both come off the real stack
// before either store can run, so both round-trip through locals.
type I64StoreHandler struct{}

func (h I64StoreHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	imm := instr.Imm.(wasm.MemoryImm)
	v := ctx.Stack.Pop()
	ctx.Stack.Pop()
	highV := ctx.AllocI32()
	addr := ctx.AllocI32()
	align := wideAccessAlign(imm.Align)

	ctx.Emit.
		LocalSet(highV).
		LocalTee(addr).
		LocalGet(highV).
		EmitInstr(wasm.Instruction{
			Opcode: wasm.OpI32Store,
			Imm:    wasm.MemoryImm{Offset: highHalfOffset(imm.Offset), Align: align, MemIdx: imm.MemIdx},
		}).
		LocalGet(addr).
		LocalGet(v.Low).
		EmitInstr(wasm.Instruction{
			Opcode: wasm.OpI32Store,
			Imm:    wasm.MemoryImm{Offset: imm.Offset, Align: align, MemIdx: imm.MemIdx},
		})

	return nil
}

// I64NarrowStoreHandler lowers the partial-width stores. Only the low
// half ever reaches memory, so the high half just drops.
type I64NarrowStoreHandler struct {
	// Op is the 32-bit store emitted in place of the original.
	Op byte
}

func (h I64NarrowStoreHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	imm := instr.Imm.(wasm.MemoryImm)
	v := ctx.Stack.Pop()
	ctx.Stack.Pop()

	ctx.Emit.
		Drop().
		LocalGet(v.Low).
		EmitInstr(wasm.Instruction{
			Opcode: h.Op,
			Imm:    wasm.MemoryImm{Offset: imm.Offset, Align: imm.Align, MemIdx: imm.MemIdx},
		})

	return nil
}

// RegisterMemoryHandlers adds handlers for the 64-bit loads and stores.
func RegisterMemoryHandlers(r *Registry) {
	r.Register(wasm.OpI64Load, I64LoadHandler{}, "i64.load")
	r.Register(wasm.OpI64Load8S, I64NarrowLoadHandler{Op: wasm.OpI32Load8S, Signed: true}, "i64.load8_s")
	r.Register(wasm.OpI64Load8U, I64NarrowLoadHandler{Op: wasm.OpI32Load8U}, "i64.load8_u")
	r.Register(wasm.OpI64Load16S, I64NarrowLoadHandler{Op: wasm.OpI32Load16S, Signed: true}, "i64.load16_s")
	r.Register(wasm.OpI64Load16U, I64NarrowLoadHandler{Op: wasm.OpI32Load16U}, "i64.load16_u")
	r.Register(wasm.OpI64Load32S, I64NarrowLoadHandler{Op: wasm.OpI32Load, Signed: true}, "i64.load32_s")
	r.Register(wasm.OpI64Load32U, I64NarrowLoadHandler{Op: wasm.OpI32Load}, "i64.load32_u")
	r.Register(wasm.OpI64Store, I64StoreHandler{}, "i64.store")
	r.Register(wasm.OpI64Store8, I64NarrowStoreHandler{Op: wasm.OpI32Store8}, "i64.store8")
	r.Register(wasm.OpI64Store16, I64NarrowStoreHandler{Op: wasm.OpI32Store16}, "i64.store16")
	r.Register(wasm.OpI64Store32, I64NarrowStoreHandler{Op: wasm.OpI32Store}, "i64.store32")
}
