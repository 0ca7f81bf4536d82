package handler

import (
	"fmt"

	"github.com/wippyai/wasm-lower64/internal/fault"
	"github.com/wippyai/wasm-lower64/wasm"
)

// UnsupportedHandler rejects an instruction that has no 32-bit
// expansion. The error carries the instruction name; the driver adds
// the function and instruction position.
type UnsupportedHandler struct {
	Name string
}

func (h UnsupportedHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	return fault.UnsupportedOpcode(h.Name)
}

// stackEffect describes an instruction that neither produces nor
// consumes 64-bit integers: how many values it pops and the type it
// pushes, if any.
type stackEffect struct {
	Pops int
	Push wasm.ValType // zero means no result
}

// staticEffects lists every instruction that passes through untouched.
// Wide values never appear among the operands of anything here, so
// re-emitting the instruction and mirroring its effect on the shadow
// stack is the whole job.
var staticEffects = map[byte]stackEffect{
	wasm.OpNop: {},

	// Constants
	wasm.OpI32Const: {Push: wasm.ValI32},
	wasm.OpF32Const: {Push: wasm.ValF32},
	wasm.OpF64Const: {Push: wasm.ValF64},

	// Loads and stores staying within 32 bits
	wasm.OpI32Load:    {Pops: 1, Push: wasm.ValI32},
	wasm.OpF32Load:    {Pops: 1, Push: wasm.ValF32},
	wasm.OpF64Load:    {Pops: 1, Push: wasm.ValF64},
	wasm.OpI32Load8S:  {Pops: 1, Push: wasm.ValI32},
	wasm.OpI32Load8U:  {Pops: 1, Push: wasm.ValI32},
	wasm.OpI32Load16S: {Pops: 1, Push: wasm.ValI32},
	wasm.OpI32Load16U: {Pops: 1, Push: wasm.ValI32},
	wasm.OpI32Store:   {Pops: 2},
	wasm.OpF32Store:   {Pops: 2},
	wasm.OpF64Store:   {Pops: 2},
	wasm.OpI32Store8:  {Pops: 2},
	wasm.OpI32Store16: {Pops: 2},

	wasm.OpMemorySize: {Push: wasm.ValI32},
	wasm.OpMemoryGrow: {Pops: 1, Push: wasm.ValI32},

	// i32 tests and comparisons
	wasm.OpI32Eqz: {Pops: 1, Push: wasm.ValI32},
	wasm.OpI32Eq:  {Pops: 2, Push: wasm.ValI32},
	wasm.OpI32Ne:  {Pops: 2, Push: wasm.ValI32},
	wasm.OpI32LtS: {Pops: 2, Push: wasm.ValI32},
	wasm.OpI32LtU: {Pops: 2, Push: wasm.ValI32},
	wasm.OpI32GtS: {Pops: 2, Push: wasm.ValI32},
	wasm.OpI32GtU: {Pops: 2, Push: wasm.ValI32},
	wasm.OpI32LeS: {Pops: 2, Push: wasm.ValI32},
	wasm.OpI32LeU: {Pops: 2, Push: wasm.ValI32},
	wasm.OpI32GeS: {Pops: 2, Push: wasm.ValI32},
	wasm.OpI32GeU: {Pops: 2, Push: wasm.ValI32},

	// f32 comparisons
	wasm.OpF32Eq: {Pops: 2, Push: wasm.ValI32},
	wasm.OpF32Ne: {Pops: 2, Push: wasm.ValI32},
	wasm.OpF32Lt: {Pops: 2, Push: wasm.ValI32},
	wasm.OpF32Gt: {Pops: 2, Push: wasm.ValI32},
	wasm.OpF32Le: {Pops: 2, Push: wasm.ValI32},
	wasm.OpF32Ge: {Pops: 2, Push: wasm.ValI32},

	// f64 comparisons
	wasm.OpF64Eq: {Pops: 2, Push: wasm.ValI32},
	wasm.OpF64Ne: {Pops: 2, Push: wasm.ValI32},
	wasm.OpF64Lt: {Pops: 2, Push: wasm.ValI32},
	wasm.OpF64Gt: {Pops: 2, Push: wasm.ValI32},
	wasm.OpF64Le: {Pops: 2, Push: wasm.ValI32},
	wasm.OpF64Ge: {Pops: 2, Push: wasm.ValI32},

	// i32 arithmetic and bit manipulation
	wasm.OpI32Clz:    {Pops: 1, Push: wasm.ValI32},
	wasm.OpI32Ctz:    {Pops: 1, Push: wasm.ValI32},
	wasm.OpI32Popcnt: {Pops: 1, Push: wasm.ValI32},
	wasm.OpI32Add:    {Pops: 2, Push: wasm.ValI32},
	wasm.OpI32Sub:    {Pops: 2, Push: wasm.ValI32},
	wasm.OpI32Mul:    {Pops: 2, Push: wasm.ValI32},
	wasm.OpI32DivS:   {Pops: 2, Push: wasm.ValI32},
	wasm.OpI32DivU:   {Pops: 2, Push: wasm.ValI32},
	wasm.OpI32RemS:   {Pops: 2, Push: wasm.ValI32},
	wasm.OpI32RemU:   {Pops: 2, Push: wasm.ValI32},
	wasm.OpI32And:    {Pops: 2, Push: wasm.ValI32},
	wasm.OpI32Or:     {Pops: 2, Push: wasm.ValI32},
	wasm.OpI32Xor:    {Pops: 2, Push: wasm.ValI32},
	wasm.OpI32Shl:    {Pops: 2, Push: wasm.ValI32},
	wasm.OpI32ShrS:   {Pops: 2, Push: wasm.ValI32},
	wasm.OpI32ShrU:   {Pops: 2, Push: wasm.ValI32},
	wasm.OpI32Rotl:   {Pops: 2, Push: wasm.ValI32},
	wasm.OpI32Rotr:   {Pops: 2, Push: wasm.ValI32},

	// f32 arithmetic
	wasm.OpF32Abs:      {Pops: 1, Push: wasm.ValF32},
	wasm.OpF32Neg:      {Pops: 1, Push: wasm.ValF32},
	wasm.OpF32Ceil:     {Pops: 1, Push: wasm.ValF32},
	wasm.OpF32Floor:    {Pops: 1, Push: wasm.ValF32},
	wasm.OpF32Trunc:    {Pops: 1, Push: wasm.ValF32},
	wasm.OpF32Nearest:  {Pops: 1, Push: wasm.ValF32},
	wasm.OpF32Sqrt:     {Pops: 1, Push: wasm.ValF32},
	wasm.OpF32Add:      {Pops: 2, Push: wasm.ValF32},
	wasm.OpF32Sub:      {Pops: 2, Push: wasm.ValF32},
	wasm.OpF32Mul:      {Pops: 2, Push: wasm.ValF32},
	wasm.OpF32Div:      {Pops: 2, Push: wasm.ValF32},
	wasm.OpF32Min:      {Pops: 2, Push: wasm.ValF32},
	wasm.OpF32Max:      {Pops: 2, Push: wasm.ValF32},
	wasm.OpF32Copysign: {Pops: 2, Push: wasm.ValF32},

	// f64 arithmetic
	wasm.OpF64Abs:      {Pops: 1, Push: wasm.ValF64},
	wasm.OpF64Neg:      {Pops: 1, Push: wasm.ValF64},
	wasm.OpF64Ceil:     {Pops: 1, Push: wasm.ValF64},
	wasm.OpF64Floor:    {Pops: 1, Push: wasm.ValF64},
	wasm.OpF64Trunc:    {Pops: 1, Push: wasm.ValF64},
	wasm.OpF64Nearest:  {Pops: 1, Push: wasm.ValF64},
	wasm.OpF64Sqrt:     {Pops: 1, Push: wasm.ValF64},
	wasm.OpF64Add:      {Pops: 2, Push: wasm.ValF64},
	wasm.OpF64Sub:      {Pops: 2, Push: wasm.ValF64},
	wasm.OpF64Mul:      {Pops: 2, Push: wasm.ValF64},
	wasm.OpF64Div:      {Pops: 2, Push: wasm.ValF64},
	wasm.OpF64Min:      {Pops: 2, Push: wasm.ValF64},
	wasm.OpF64Max:      {Pops: 2, Push: wasm.ValF64},
	wasm.OpF64Copysign: {Pops: 2, Push: wasm.ValF64},

	// Conversions staying clear of 64-bit integers
	wasm.OpI32TruncF32S:      {Pops: 1, Push: wasm.ValI32},
	wasm.OpI32TruncF32U:      {Pops: 1, Push: wasm.ValI32},
	wasm.OpI32TruncF64S:      {Pops: 1, Push: wasm.ValI32},
	wasm.OpI32TruncF64U:      {Pops: 1, Push: wasm.ValI32},
	wasm.OpF32ConvertI32S:    {Pops: 1, Push: wasm.ValF32},
	wasm.OpF32ConvertI32U:    {Pops: 1, Push: wasm.ValF32},
	wasm.OpF32DemoteF64:      {Pops: 1, Push: wasm.ValF32},
	wasm.OpF64ConvertI32S:    {Pops: 1, Push: wasm.ValF64},
	wasm.OpF64ConvertI32U:    {Pops: 1, Push: wasm.ValF64},
	wasm.OpF64PromoteF32:     {Pops: 1, Push: wasm.ValF64},
	wasm.OpI32ReinterpretF32: {Pops: 1, Push: wasm.ValI32},
	wasm.OpF32ReinterpretI32: {Pops: 1, Push: wasm.ValF32},
	wasm.OpI32Extend8S:       {Pops: 1, Push: wasm.ValI32},
	wasm.OpI32Extend16S:      {Pops: 1, Push: wasm.ValI32},

	// References and tables
	wasm.OpRefIsNull: {Pops: 1, Push: wasm.ValI32},
	wasm.OpTableSet:  {Pops: 2},
}

// PassthroughHandler re-emits an instruction unchanged and applies its
// static stack effect.
type PassthroughHandler struct{}

func (h PassthroughHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	eff, ok := staticEffects[instr.Opcode]
	if !ok {
		return fault.Internal(fmt.Sprintf("no static stack effect recorded for opcode 0x%02X", instr.Opcode), nil)
	}
	for i := 0; i < eff.Pops; i++ {
		ctx.Stack.Pop()
	}
	ctx.Emit.EmitInstr(instr)
	if eff.Push != 0 {
		ctx.Stack.Push(eff.Push)
	}

	return nil
}

// RefNullHandler passes ref.null through, mapping its heap type to the
// shadow stack type.
type RefNullHandler struct{}

func (h RefNullHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	imm := instr.Imm.(wasm.RefNullImm)
	ctx.Emit.EmitInstr(instr)
	if imm.HeapType == -16 {
		ctx.Stack.Push(wasm.ValFuncRef)
	} else {
		ctx.Stack.Push(wasm.ValExtern)
	}

	return nil
}

// RefFuncHandler passes ref.func through.
type RefFuncHandler struct{}

func (h RefFuncHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	ctx.Emit.EmitInstr(instr)
	ctx.Stack.Push(wasm.ValFuncRef)

	return nil
}

// tableElemType resolves a table index across the import boundary to
// the table's element type.
func tableElemType(m *wasm.Module, idx uint32) wasm.ValType {
	n := uint32(0)
	for _, imp := range m.Imports {
		if imp.Desc.Kind != wasm.KindTable {
			continue
		}
		if n == idx {
			return wasm.ValType(imp.Desc.Table.ElemType)
		}
		n++
	}
	local := idx - n
	if int(local) < len(m.Tables) {
		return wasm.ValType(m.Tables[local].ElemType)
	}
	return wasm.ValFuncRef
}

// TableGetHandler passes table.get through, pushing the element type
// of the addressed table.
type TableGetHandler struct{}

func (h TableGetHandler) Handle(ctx *Context, instr wasm.Instruction) error {
	imm := instr.Imm.(wasm.TableImm)
	ctx.Stack.Pop()
	ctx.Emit.EmitInstr(instr)
	ctx.Stack.Push(tableElemType(ctx.Module, imm.TableIdx))

	return nil
}

// RegisterPassthroughHandlers adds the shared handler for every
// instruction in the static effect table plus the reference
// instructions that need their pushed type resolved.
func RegisterPassthroughHandlers(r *Registry) {
	for op := range staticEffects {
		r.Register(op, PassthroughHandler{}, "passthrough")
	}
	r.Register(wasm.OpRefNull, RefNullHandler{}, "ref.null")
	r.Register(wasm.OpRefFunc, RefFuncHandler{}, "ref.func")
	r.Register(wasm.OpTableGet, TableGetHandler{}, "table.get")
}
