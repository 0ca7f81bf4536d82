package codegen

import (
	"bytes"
	"sync"

	"github.com/wippyai/wasm-lower64/wasm"
)

// Block type constants for structured control instructions.
const (
	BlockVoid int32 = -64
	BlockI32  int32 = -1
	BlockI64  int32 = -2
	BlockF32  int32 = -3
	BlockF64  int32 = -4
)

// Emitter builds WASM bytecode sequences. All emit methods return the
// receiver so calls can be chained.
type Emitter struct {
	buf bytes.Buffer
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// NewEmitterWithCapacity creates an emitter with a pre-sized buffer.
func NewEmitterWithCapacity(n int) *Emitter {
	e := &Emitter{}
	e.buf.Grow(n)
	return e
}

var emitterPool = sync.Pool{
	New: func() interface{} { return &Emitter{} },
}

// GetEmitter fetches a reset emitter from the pool.
func GetEmitter() *Emitter {
	return emitterPool.Get().(*Emitter)
}

// GetEmitterWithCapacity fetches a pooled emitter and ensures its buffer
// can hold at least n bytes without reallocating.
func GetEmitterWithCapacity(n int) *Emitter {
	e := emitterPool.Get().(*Emitter)
	if e.buf.Cap() < n {
		e.buf.Grow(n - e.buf.Len())
	}
	return e
}

// PutEmitter resets the emitter and returns it to the pool.
func PutEmitter(e *Emitter) {
	if e == nil {
		return
	}
	e.Reset()
	emitterPool.Put(e)
}

// Bytes returns the emitted bytecode. The slice aliases the internal
// buffer and is invalidated by further emits or Reset.
func (e *Emitter) Bytes() []byte {
	return e.buf.Bytes()
}

// Copy returns an independent copy of the emitted bytecode.
func (e *Emitter) Copy() []byte {
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	return out
}

// Len returns the number of emitted bytes.
func (e *Emitter) Len() int {
	return e.buf.Len()
}

// Reset discards all emitted bytecode.
func (e *Emitter) Reset() {
	e.buf.Reset()
}

// Raw appends pre-encoded bytes verbatim.
func (e *Emitter) Raw(data []byte) *Emitter {
	e.buf.Write(data)
	return e
}

// EmitInstr encodes a single decoded instruction. Used when an instruction
// carries immediates the fluent methods do not cover, such as memory
// accesses with explicit memory indices.
func (e *Emitter) EmitInstr(instr wasm.Instruction) *Emitter {
	wasm.EncodeInstructionTo(&e.buf, &instr)
	return e
}

// EmitInstrs encodes a sequence of decoded instructions.
func (e *Emitter) EmitInstrs(instrs []wasm.Instruction) *Emitter {
	for i := range instrs {
		wasm.EncodeInstructionTo(&e.buf, &instrs[i])
	}
	return e
}

// EmitRawOpcode appends a bare opcode with no immediates.
func (e *Emitter) EmitRawOpcode(op byte) *Emitter {
	e.buf.WriteByte(op)
	return e
}

// Control flow

func (e *Emitter) Block(blockType int32) *Emitter {
	e.buf.WriteByte(wasm.OpBlock)
	wasm.WriteLEB128s(&e.buf, blockType)
	return e
}

func (e *Emitter) Loop(blockType int32) *Emitter {
	e.buf.WriteByte(wasm.OpLoop)
	wasm.WriteLEB128s(&e.buf, blockType)
	return e
}

func (e *Emitter) If(blockType int32) *Emitter {
	e.buf.WriteByte(wasm.OpIf)
	wasm.WriteLEB128s(&e.buf, blockType)
	return e
}

func (e *Emitter) Else() *Emitter {
	e.buf.WriteByte(wasm.OpElse)
	return e
}

func (e *Emitter) End() *Emitter {
	e.buf.WriteByte(wasm.OpEnd)
	return e
}

func (e *Emitter) Br(labelIdx uint32) *Emitter {
	e.buf.WriteByte(wasm.OpBr)
	wasm.WriteLEB128u(&e.buf, labelIdx)
	return e
}

func (e *Emitter) BrIf(labelIdx uint32) *Emitter {
	e.buf.WriteByte(wasm.OpBrIf)
	wasm.WriteLEB128u(&e.buf, labelIdx)
	return e
}

func (e *Emitter) BrTable(labels []uint32, defaultLabel uint32) *Emitter {
	e.buf.WriteByte(wasm.OpBrTable)
	wasm.WriteLEB128u(&e.buf, uint32(len(labels)))
	for _, l := range labels {
		wasm.WriteLEB128u(&e.buf, l)
	}
	wasm.WriteLEB128u(&e.buf, defaultLabel)
	return e
}

func (e *Emitter) Return() *Emitter {
	e.buf.WriteByte(wasm.OpReturn)
	return e
}

func (e *Emitter) Unreachable() *Emitter {
	e.buf.WriteByte(wasm.OpUnreachable)
	return e
}

func (e *Emitter) Nop() *Emitter {
	e.buf.WriteByte(wasm.OpNop)
	return e
}

// Calls

func (e *Emitter) Call(funcIdx uint32) *Emitter {
	e.buf.WriteByte(wasm.OpCall)
	wasm.WriteLEB128u(&e.buf, funcIdx)
	return e
}

func (e *Emitter) CallIndirect(typeIdx, tableIdx uint32) *Emitter {
	e.buf.WriteByte(wasm.OpCallIndirect)
	wasm.WriteLEB128u(&e.buf, typeIdx)
	wasm.WriteLEB128u(&e.buf, tableIdx)
	return e
}

// Parametric

func (e *Emitter) Drop() *Emitter {
	e.buf.WriteByte(wasm.OpDrop)
	return e
}

func (e *Emitter) Select() *Emitter {
	e.buf.WriteByte(wasm.OpSelect)
	return e
}

// Variables

func (e *Emitter) LocalGet(idx uint32) *Emitter {
	e.buf.WriteByte(wasm.OpLocalGet)
	wasm.WriteLEB128u(&e.buf, idx)
	return e
}

func (e *Emitter) LocalSet(idx uint32) *Emitter {
	e.buf.WriteByte(wasm.OpLocalSet)
	wasm.WriteLEB128u(&e.buf, idx)
	return e
}

func (e *Emitter) LocalTee(idx uint32) *Emitter {
	e.buf.WriteByte(wasm.OpLocalTee)
	wasm.WriteLEB128u(&e.buf, idx)
	return e
}

func (e *Emitter) GlobalGet(idx uint32) *Emitter {
	e.buf.WriteByte(wasm.OpGlobalGet)
	wasm.WriteLEB128u(&e.buf, idx)
	return e
}

func (e *Emitter) GlobalSet(idx uint32) *Emitter {
	e.buf.WriteByte(wasm.OpGlobalSet)
	wasm.WriteLEB128u(&e.buf, idx)
	return e
}

// Constants

func (e *Emitter) I32Const(v int32) *Emitter {
	e.buf.WriteByte(wasm.OpI32Const)
	wasm.WriteLEB128s(&e.buf, v)
	return e
}

func (e *Emitter) I64Const(v int64) *Emitter {
	e.buf.WriteByte(wasm.OpI64Const)
	wasm.WriteLEB128s64(&e.buf, v)
	return e
}

func (e *Emitter) F32Const(v float32) *Emitter {
	e.buf.WriteByte(wasm.OpF32Const)
	wasm.WriteFloat32(&e.buf, v)
	return e
}

func (e *Emitter) F64Const(v float64) *Emitter {
	e.buf.WriteByte(wasm.OpF64Const)
	wasm.WriteFloat64(&e.buf, v)
	return e
}

// Memory access. All fluent accessors target memory 0; accesses to other
// memories go through EmitInstr with an explicit memory index.

func (e *Emitter) memArg(op byte, align uint32, offset uint64) *Emitter {
	e.buf.WriteByte(op)
	wasm.WriteLEB128u(&e.buf, align)
	wasm.WriteLEB128u64(&e.buf, offset)
	return e
}

func (e *Emitter) I32Load(align uint32, offset uint64) *Emitter {
	return e.memArg(wasm.OpI32Load, align, offset)
}

func (e *Emitter) I64Load(align uint32, offset uint64) *Emitter {
	return e.memArg(wasm.OpI64Load, align, offset)
}

func (e *Emitter) F32Load(align uint32, offset uint64) *Emitter {
	return e.memArg(wasm.OpF32Load, align, offset)
}

func (e *Emitter) F64Load(align uint32, offset uint64) *Emitter {
	return e.memArg(wasm.OpF64Load, align, offset)
}

func (e *Emitter) I32Store(align uint32, offset uint64) *Emitter {
	return e.memArg(wasm.OpI32Store, align, offset)
}

func (e *Emitter) I64Store(align uint32, offset uint64) *Emitter {
	return e.memArg(wasm.OpI64Store, align, offset)
}

func (e *Emitter) F32Store(align uint32, offset uint64) *Emitter {
	return e.memArg(wasm.OpF32Store, align, offset)
}

func (e *Emitter) F64Store(align uint32, offset uint64) *Emitter {
	return e.memArg(wasm.OpF64Store, align, offset)
}

func (e *Emitter) MemorySize() *Emitter {
	e.buf.WriteByte(wasm.OpMemorySize)
	e.buf.WriteByte(0x00)
	return e
}

func (e *Emitter) MemoryGrow() *Emitter {
	e.buf.WriteByte(wasm.OpMemoryGrow)
	e.buf.WriteByte(0x00)
	return e
}

// Integer arithmetic

func (e *Emitter) I32Add() *Emitter { return e.EmitRawOpcode(wasm.OpI32Add) }
func (e *Emitter) I32Sub() *Emitter { return e.EmitRawOpcode(wasm.OpI32Sub) }
func (e *Emitter) I32Mul() *Emitter { return e.EmitRawOpcode(wasm.OpI32Mul) }

// Bitwise

func (e *Emitter) I32And() *Emitter  { return e.EmitRawOpcode(wasm.OpI32And) }
func (e *Emitter) I32Or() *Emitter   { return e.EmitRawOpcode(wasm.OpI32Or) }
func (e *Emitter) I32Xor() *Emitter  { return e.EmitRawOpcode(wasm.OpI32Xor) }
func (e *Emitter) I32Shl() *Emitter  { return e.EmitRawOpcode(wasm.OpI32Shl) }
func (e *Emitter) I32ShrS() *Emitter { return e.EmitRawOpcode(wasm.OpI32ShrS) }
func (e *Emitter) I32ShrU() *Emitter { return e.EmitRawOpcode(wasm.OpI32ShrU) }
func (e *Emitter) I32Rotl() *Emitter { return e.EmitRawOpcode(wasm.OpI32Rotl) }
func (e *Emitter) I32Rotr() *Emitter { return e.EmitRawOpcode(wasm.OpI32Rotr) }

// Bit counting

func (e *Emitter) I32Clz() *Emitter    { return e.EmitRawOpcode(wasm.OpI32Clz) }
func (e *Emitter) I32Ctz() *Emitter    { return e.EmitRawOpcode(wasm.OpI32Ctz) }
func (e *Emitter) I32Popcnt() *Emitter { return e.EmitRawOpcode(wasm.OpI32Popcnt) }

// Comparison

func (e *Emitter) I32Eqz() *Emitter { return e.EmitRawOpcode(wasm.OpI32Eqz) }
func (e *Emitter) I32Eq() *Emitter  { return e.EmitRawOpcode(wasm.OpI32Eq) }
func (e *Emitter) I32Ne() *Emitter  { return e.EmitRawOpcode(wasm.OpI32Ne) }
func (e *Emitter) I32LtS() *Emitter { return e.EmitRawOpcode(wasm.OpI32LtS) }
func (e *Emitter) I32LtU() *Emitter { return e.EmitRawOpcode(wasm.OpI32LtU) }
func (e *Emitter) I32GtS() *Emitter { return e.EmitRawOpcode(wasm.OpI32GtS) }
func (e *Emitter) I32GtU() *Emitter { return e.EmitRawOpcode(wasm.OpI32GtU) }
func (e *Emitter) I32LeS() *Emitter { return e.EmitRawOpcode(wasm.OpI32LeS) }
func (e *Emitter) I32LeU() *Emitter { return e.EmitRawOpcode(wasm.OpI32LeU) }
func (e *Emitter) I32GeS() *Emitter { return e.EmitRawOpcode(wasm.OpI32GeS) }
func (e *Emitter) I32GeU() *Emitter { return e.EmitRawOpcode(wasm.OpI32GeU) }

// Sign extension

func (e *Emitter) I32Extend8S() *Emitter  { return e.EmitRawOpcode(wasm.OpI32Extend8S) }
func (e *Emitter) I32Extend16S() *Emitter { return e.EmitRawOpcode(wasm.OpI32Extend16S) }
