// Package lower64 provides a pure-Go WebAssembly i64 lowering transformation.
//
// # Overview
//
// Many execution environments only implement 32-bit WebAssembly arithmetic:
// JavaScript engines without BigInt integration, minimal interpreters on
// embedded targets, and translation layers to 32-bit ISAs. Lower64 rewrites
// a module so that no 64-bit integer remains anywhere in it. Every i64 in a
// signature, local, global, memory access, or instruction is replaced with
// equivalent code over a pair of i32 values, the low word and the high word.
//
// The output is a self-contained core module. It needs no runtime support
// library and no imports beyond those the input already had.
//
// # How It Works
//
// The transformation processes each function body as a stream of
// instructions, tracking where the halves of every 64-bit value live:
//
//  1. Signatures expand in place. Each i64 parameter or result becomes two
//     adjacent i32s, low word first. Type indices do not change.
//  2. An i64 local or global becomes two i32 slots. Globals split into two
//     module globals with the initializer value divided between them.
//  3. Each operator is replaced with an i32 instruction sequence computing
//     the same value. Addition chains a carry, multiplication combines
//     16-bit partial products, shifts branch on the shift count crossing
//     the word boundary, and comparisons combine a high-word comparison
//     with a low-word tie-break.
//  4. An i64 load becomes two i32 loads at offset and offset+4;
//     stores likewise. Alignment hints clamp to the 4-byte halves.
//
// # Usage
//
// Transform a binary module:
//
//	lowered, err := lower64.Transform(wasmBytes, lower64.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// A module containing no i64 at all is returned unchanged, byte for byte.
//
// # Calling Convention
//
// Hosts calling into a lowered module pass and receive i64 values as
// (low, high) i32 pairs in argument order. A function that was
//
//	(func (param i64) (result i64))
//
// becomes
//
//	(func (param i32 i32) (result i32 i32))
//
// with the low word first in both directions. Imported functions rewrite
// the same way, so host implementations must accept the pair form.
//
// # Limitations
//
// A few shapes have no reasonable 32-bit expansion and are rejected with a
// structured error rather than silently miscompiled:
//
//   - i64.div_s, i64.div_u, i64.rem_s, i64.rem_u (long division needs a
//     runtime routine, not an inline sequence)
//   - conversions between i64 and floating point, including the saturating
//     forms
//   - 64-bit (memory64) memories
//   - imported or exported i64 globals, whose host-visible type would change
//   - block types referencing a function type by index
//
// i64.reinterpret_f64 and f64.reinterpret_i64 are supported but stage the
// value through an 8-byte scratch window in linear memory, adding a single
// page to modules that had no memory.
package lower64
