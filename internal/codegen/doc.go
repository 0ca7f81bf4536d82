// Package codegen provides WASM bytecode emission for the 64-bit lowering pass.
//
// This package generates the 32-bit replacement sequences that stand in for
// i64 instructions: paired constant pushes, carry-propagating arithmetic,
// split loads and stores, and the control flow that stitches value halves
// across blocks and branches.
//
// # Responsibilities
//
//   - Emit i32 instruction sequences through a chainable builder
//   - Encode branch tables, block headers, and call sites
//   - Pool emit buffers across function transformations
//
// This package is internal to the lowering transformer.
package codegen
