package engine

import (
	"github.com/wippyai/wasm-lower64/internal/fault"
	"github.com/wippyai/wasm-lower64/wasm"
)

// usesReinterpret reports whether any body contains one of the two
// conversions that bounce a value through linear memory.
func usesReinterpret(bodies [][]wasm.Instruction) bool {
	for _, instrs := range bodies {
		for _, instr := range instrs {
			switch instr.Opcode {
			case wasm.OpI64ReinterpretF64, wasm.OpF64ReinterpretI64:
				return true
			}
		}
	}
	return false
}

// ensureScratchMemory guarantees the 8-byte spill window at scratchAddr
// exists in memory 0.
//
// Modules with a memory keep it; the window must fit inside the
// guaranteed minimum size, since the transformation cannot know whether
// the memory ever grows. Modules without a memory get a single fixed
// page added. Returns whether a memory was added.
func ensureScratchMemory(m *wasm.Module, scratchAddr uint32) (bool, error) {
	minPages, found := memoryMinPages(m)

	added := false
	if !found {
		one := uint64(1)
		m.Memories = append(m.Memories, wasm.MemoryType{
			Limits: wasm.Limits{Min: 1, Max: &one},
		})
		minPages = 1
		added = true
	}

	if uint64(scratchAddr)+8 > minPages*uint64(wasm.MemoryPageSize) {
		return added, fault.MissingScratchMemory(
			"scratch window at %d does not fit the guaranteed %d pages of memory 0",
			scratchAddr, minPages)
	}
	return added, nil
}

// memoryMinPages returns the guaranteed minimum size of memory 0,
// imported or defined.
func memoryMinPages(m *wasm.Module) (uint64, bool) {
	for _, imp := range m.Imports {
		if imp.Desc.Kind == wasm.KindMemory && imp.Desc.Memory != nil {
			return imp.Desc.Memory.Limits.Min, true
		}
	}
	if len(m.Memories) > 0 {
		return m.Memories[0].Limits.Min, true
	}
	return 0, false
}
