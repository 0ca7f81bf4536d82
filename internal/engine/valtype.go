package engine

import "github.com/wippyai/wasm-lower64/wasm"

// expandTypes rewrites a type list, replacing each i64 with an adjacent
// (low, high) pair of i32s. Lists without i64 come back unchanged, same
// backing array.
func expandTypes(types []wasm.ValType) []wasm.ValType {
	wide := 0
	for _, t := range types {
		if t == wasm.ValI64 {
			wide++
		}
	}
	if wide == 0 {
		return types
	}

	out := make([]wasm.ValType, 0, len(types)+wide)
	for _, t := range types {
		if t == wasm.ValI64 {
			out = append(out, wasm.ValI32, wasm.ValI32)
		} else {
			out = append(out, t)
		}
	}
	return out
}

// hasWide reports whether any of the types is i64.
func hasWide(types []wasm.ValType) bool {
	for _, t := range types {
		if t == wasm.ValI64 {
			return true
		}
	}
	return false
}
