/*
Process of compilation

Bytecode Unit ->
	build ->
Control Flow Graph (ir) ->
	ssa ->
SSA Form (dominators, phis) ->
	liveness ->
Live Intervals ->
	regalloc ->
Register Allocation ->
	codegen ->
Compiled Method (code + side tables)

Targets the allocator does not support stop after build and take the
baseline path: build -> codegen, every value kept in its frame slot.
*/
package compiler
