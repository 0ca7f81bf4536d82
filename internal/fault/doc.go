// Package fault provides the structured error type reported by the
// 64-bit lowering pass.
//
// Errors are categorized by Kind and carry the opcode name and code
// location where the transform gave up. Location is attached by the
// per-function driver via At, so handlers construct errors without
// knowing which function they run in.
//
// All errors implement the standard error interface and support
// errors.Is/As.
package fault
