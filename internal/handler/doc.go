// Package handler provides instruction-level handlers for the 64-bit
// lowering transformation.
//
// Handler categories:
//   - Passthrough: emit unchanged with stack bookkeeping (i32/f32/f64 ops)
//   - Splitting: expand one i64 instruction into a 32-bit pair sequence
//     (constants, arithmetic, memory access, conversions)
//   - Control flow: stitch split halves across blocks, branches, and calls
//   - Rejecting: fail fast on instructions with no 32-bit expansion
//     (division, float/integer truncation)
//
// Handlers share the half-splitting convention: a value that was i64
// keeps its high 32 bits on the real operand stack while its low 32
// bits live in a scratch local tracked by the simulated stack.
package handler
