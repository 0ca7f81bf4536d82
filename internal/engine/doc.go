// Package engine orchestrates the 64-bit lowering pipeline.
//
// The engine parses a module, splits its i64 globals, rewrites every
// function signature to the lowered shape, then drives each function
// body through the handler registry. Handlers emit the replacement
// bytecode; the engine owns everything that spans function boundaries:
// the pre-rewrite type snapshot, the global index map, scratch memory
// for reinterpret conversions, and dead code elimination after
// unconditional branches.
//
// The transformation is idempotent on modules that contain no i64
// occurrences: signatures, globals, and bodies pass through untouched.
package engine
