package handler

import (
	"github.com/wippyai/wasm-lower64/internal/codegen"
	"github.com/wippyai/wasm-lower64/wasm"
)

// Slot represents a value on the simulated operand stack.
//
// Values whose original type was not i64 live entirely on the real
// operand stack; their slot records only the type. Values that were
// i64 are split in half: the high 32 bits stay on the real stack and
// the low 32 bits live in the scratch local recorded in Low.
type Slot struct {
	Type wasm.ValType
	Low  uint32
}

// Wide reports whether the slot holds a split 64-bit value.
func (s Slot) Wide() bool {
	return s.Type == wasm.ValI64
}

// Stack mirrors the operand stack of the function being rewritten.
//
// The simulated stack tracks original value types so handlers know
// which entries are split pairs. Real-stack layout follows from the
// slots: one i32 per wide entry (the high half), the value itself for
// everything else.
type Stack struct {
	slots []Slot
}

// NewStack creates an empty simulated stack.
func NewStack() *Stack {
	return &Stack{}
}

// Push records a narrow value living on the real stack.
func (s *Stack) Push(t wasm.ValType) {
	s.slots = append(s.slots, Slot{Type: t})
}

// PushWide records a split 64-bit value whose low half lives in the
// given scratch local.
func (s *Stack) PushWide(low uint32) {
	s.slots = append(s.slots, Slot{Type: wasm.ValI64, Low: low})
}

// PushSlot re-pushes a previously popped slot.
func (s *Stack) PushSlot(slot Slot) {
	s.slots = append(s.slots, slot)
}

// Pop removes and returns the top slot.
//
// Popping an empty stack returns an i32 slot; valid modules never get
// here because the driver skips unreachable code.
func (s *Stack) Pop() Slot {
	if len(s.slots) == 0 {
		return Slot{Type: wasm.ValI32}
	}
	top := s.slots[len(s.slots)-1]
	s.slots = s.slots[:len(s.slots)-1]
	return top
}

// Peek returns the top slot without removing it.
func (s *Stack) Peek() Slot {
	if len(s.slots) == 0 {
		return Slot{Type: wasm.ValI32}
	}
	return s.slots[len(s.slots)-1]
}

// At returns the slot n positions below the top without removing it.
// At(0) is the top slot.
func (s *Stack) At(n int) Slot {
	i := len(s.slots) - 1 - n
	if i < 0 {
		return Slot{Type: wasm.ValI32}
	}
	return s.slots[i]
}

// Len returns the current stack depth.
func (s *Stack) Len() int {
	return len(s.slots)
}

// TruncateTo discards slots above depth n.
func (s *Stack) TruncateTo(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(s.slots) {
		s.slots = s.slots[:n]
	}
}

// Frame tracks one structured control frame during rewriting.
//
// Wide-result frames own a join local: every path that produces the
// frame's result writes the low half into JoinLow before the real
// stack carries the high half out of the block.
type Frame struct {
	Opcode      byte  // OpBlock, OpLoop, or OpIf; zero for the function frame
	BlockType   int32 // original block type before rewriting
	JoinLow     uint32
	EntryHeight int
	HasJoin     bool
	Unreachable bool // code after an unconditional transfer inside a live frame
	Dead        bool // frame opened inside unreachable code; emits nothing
	SawElse     bool
	Func        bool // bottom frame standing for the function itself
}

// Frames is the control frame stack.
//
// The function itself sits at the bottom; branch depth d resolves to
// the frame d levels down from the top.
type Frames struct {
	frames []Frame
}

// NewFrames creates an empty frame stack.
func NewFrames() *Frames {
	return &Frames{}
}

// Push adds a frame on top.
func (f *Frames) Push(fr Frame) {
	f.frames = append(f.frames, fr)
}

// Pop removes and returns the top frame.
func (f *Frames) Pop() Frame {
	if len(f.frames) == 0 {
		return Frame{}
	}
	top := f.frames[len(f.frames)-1]
	f.frames = f.frames[:len(f.frames)-1]
	return top
}

// Top returns the current frame, or nil when empty.
func (f *Frames) Top() *Frame {
	if len(f.frames) == 0 {
		return nil
	}
	return &f.frames[len(f.frames)-1]
}

// At returns the frame at branch depth d, or nil when out of range.
func (f *Frames) At(depth uint32) *Frame {
	i := len(f.frames) - 1 - int(depth)
	if i < 0 {
		return nil
	}
	return &f.frames[i]
}

// Len returns the number of open frames.
func (f *Frames) Len() int {
	return len(f.frames)
}

// Split records where an index landed after rewriting.
//
// Wide entries map one original i64 slot to an adjacent (low, high)
// pair of i32 slots. Narrow entries only shift: Low holds the new
// index and High repeats it.
type Split struct {
	Low  uint32
	High uint32
	Wide bool
}

// Locals maps original local indices to rewritten ones and allocates
// scratch locals on demand.
//
// The rewritten index space starts with the expanded parameters and
// declared locals; scratch locals are appended to the rewritten body
// so the encoder declares them.
type Locals struct {
	body  *wasm.FuncBody
	split []Split
	types []wasm.ValType
	next  uint32
}

// NewLocals creates a Locals manager for one rewritten function body.
//
// split maps original local indices to rewritten locations. types lists
// the rewritten index space (expanded params plus declared locals).
func NewLocals(body *wasm.FuncBody, split []Split, types []wasm.ValType) *Locals {
	return &Locals{
		body:  body,
		split: split,
		types: types,
		next:  uint32(len(types)),
	}
}

// Lookup returns the rewritten location of an original local index.
func (l *Locals) Lookup(origIdx uint32) Split {
	if int(origIdx) < len(l.split) {
		return l.split[origIdx]
	}
	return Split{Low: origIdx, High: origIdx}
}

// Alloc creates a scratch local of the given type and returns its index.
func (l *Locals) Alloc(t wasm.ValType) uint32 {
	idx := l.next
	l.next++
	l.body.Locals = append(l.body.Locals, wasm.LocalEntry{Count: 1, ValType: t})
	l.types = append(l.types, t)
	return idx
}

// AllocI32 creates a scratch i32 local.
func (l *Locals) AllocI32() uint32 {
	return l.Alloc(wasm.ValI32)
}

// TypeOf returns the type of a rewritten local index, or i32 when out
// of range.
func (l *Locals) TypeOf(idx uint32) wasm.ValType {
	if int(idx) < len(l.types) {
		return l.types[idx]
	}
	return wasm.ValI32
}

// NumLocals returns the size of the rewritten local index space.
func (l *Locals) NumLocals() uint32 {
	return l.next
}

// Context provides shared state for handlers during transformation.
//
// Handlers access the emitter, simulated stack, control frames, and
// index maps through the Context. This centralizes state management
// and enables testing handlers in isolation.
type Context struct {
	Emit   *codegen.Emitter
	Stack  *Stack
	Frames *Frames
	Locals *Locals
	Module *wasm.Module

	// OrigTypes snapshots the function types before signature rewriting.
	// Call lowering consults these to learn which arguments and results
	// of a callee were i64.
	OrigTypes []wasm.FuncType

	// Globals maps original global indices to rewritten locations.
	Globals []Split

	// GlobalTypes holds the original value type of each global,
	// parallel to Globals.
	GlobalTypes []wasm.ValType

	// Results holds the original result types of the current function.
	Results []wasm.ValType

	// ScratchAddr is the base of the 8-byte memory window reinterpret
	// conversions spill through.
	ScratchAddr uint32
}

// AllocTemp allocates a scratch local of the given type.
//
// Convenience wrapper for Locals.Alloc.
func (c *Context) AllocTemp(t wasm.ValType) uint32 {
	return c.Locals.Alloc(t)
}

// AllocI32 allocates a scratch i32 local.
func (c *Context) AllocI32() uint32 {
	return c.Locals.AllocI32()
}

// GlobalOf returns the rewritten location of an original global index.
func (c *Context) GlobalOf(idx uint32) Split {
	if int(idx) < len(c.Globals) {
		return c.Globals[idx]
	}
	return Split{Low: idx, High: idx}
}

// GlobalTypeOf returns the original value type of a global, or i32 when
// out of range.
func (c *Context) GlobalTypeOf(idx uint32) wasm.ValType {
	if int(idx) < len(c.GlobalTypes) {
		return c.GlobalTypes[idx]
	}
	return wasm.ValI32
}

// OrigType returns the pre-rewrite function type at a type index.
func (c *Context) OrigType(typeIdx uint32) (*wasm.FuncType, bool) {
	if int(typeIdx) >= len(c.OrigTypes) {
		return nil, false
	}
	return &c.OrigTypes[typeIdx], true
}

// OrigFuncType returns the pre-rewrite type of a function in the
// combined import/declared index space.
func (c *Context) OrigFuncType(funcIdx uint32) (*wasm.FuncType, bool) {
	typeIdx, ok := c.Module.FuncTypeIdx(funcIdx)
	if !ok {
		return nil, false
	}
	return c.OrigType(typeIdx)
}

// HasWide reports whether any of the types is i64.
func HasWide(types []wasm.ValType) bool {
	for _, t := range types {
		if t == wasm.ValI64 {
			return true
		}
	}
	return false
}
