package engine

import "github.com/wippyai/wasm-lower64/wasm"

// snapshotTypes deep-copies the type section before rewriting.
//
// Call lowering needs the original shapes to know which arguments and
// results were i64; the live type section only shows the expanded ones.
func snapshotTypes(m *wasm.Module) []wasm.FuncType {
	orig := make([]wasm.FuncType, len(m.Types))
	for i, t := range m.Types {
		orig[i] = t.Clone()
	}
	return orig
}

// rewriteSignatures expands every i64 in the type section in place.
//
// Type indices stay stable: a function keeps pointing at the same slot,
// the slot just describes the lowered shape now. Imported functions
// rewrite along with defined ones, so hosts supplying a function that
// took an i64 must supply one taking the (low, high) pair instead.
//
// Distinct original types can collapse to the same structure after
// expansion, for example (i64)->() and (i32,i32)->(). call_indirect
// checks types structurally, so a call that would have trapped on a
// signature mismatch between such types succeeds after lowering.
func rewriteSignatures(m *wasm.Module) int {
	rewritten := 0
	for i := range m.Types {
		t := &m.Types[i]
		if !hasWide(t.Params) && !hasWide(t.Results) {
			continue
		}
		t.Params = expandTypes(t.Params)
		t.Results = expandTypes(t.Results)
		rewritten++
	}
	return rewritten
}
