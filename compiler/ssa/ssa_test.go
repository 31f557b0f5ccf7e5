package ssa

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backc/backc/compiler/build"
	"github.com/backc/backc/compiler/bytecode"
	"github.com/backc/backc/compiler/ir"
)

func makeGraph(t *testing.T, insns []bytecode.Insn, slots, args int) *ir.Graph {
	t.Helper()

	g, err := build.Build(context.Background(), &bytecode.Unit{
		Name:     t.Name(),
		NumSlots: slots,
		NumArgs:  args,
		Insns:    insns,
	})
	require.NoError(t, err)

	return g
}

// max: both branches write the result slot, the join gets one phi.
var maxInsns = []bytecode.Insn{
	{Op: bytecode.If, B: 0, C: 1, Cond: "ge", Target: 3},
	{Op: bytecode.Move, A: 2, B: 1},
	{Op: bytecode.Goto, Target: 4},
	{Op: bytecode.Move, A: 2, B: 0},
	{Op: bytecode.Ret, A: 2},
}

func TestDomTree(t *testing.T) {
	g := makeGraph(t, maxInsns, 3, 2)

	err := BuildDomTree(context.Background(), g)
	require.NoError(t, err)

	require.Len(t, g.RPO, len(g.Blocks))
	assert.Equal(t, g.Entry, g.RPO[0])
	assert.Equal(t, g.Entry, g.Idom[g.Entry])

	for _, b := range g.RPO[1:] {
		idom := g.Idom[b]

		assert.Less(t, g.RPOnum[idom], g.RPOnum[b], "idom of %d", b)
		assert.True(t, Dominates(g, idom, b))
		assert.False(t, Dominates(g, b, idom))
	}

	// everything is dominated by the entry
	for b := range g.Blocks {
		assert.True(t, Dominates(g, g.Entry, b))
	}
}

func TestConvertJoin(t *testing.T) {
	g := makeGraph(t, maxInsns, 3, 2)

	require.NoError(t, BuildDomTree(context.Background(), g))
	require.NoError(t, FindLoops(context.Background(), g))
	require.NoError(t, Convert(context.Background(), g))

	// the join block is the one that returns
	join := -1

	for b, blk := range g.Blocks {
		for _, id := range blk.Code {
			if _, ok := g.Exprs[id].(ir.Ret); ok {
				join = b
			}
		}
	}

	require.GreaterOrEqual(t, join, 0)
	require.Len(t, g.Blocks[join].Phis, 1)

	phi := g.Exprs[g.Blocks[join].Phis[0]].(ir.Phi)
	require.Len(t, phi, len(g.Blocks[join].Preds))

	// inputs in predecessor order: the fallthrough block passes arg 1,
	// the branch target passes arg 0
	assert.Equal(t, ir.Arg(1), g.Exprs[phi[0]])
	assert.Equal(t, ir.Arg(0), g.Exprs[phi[1]])

	// slot form is gone
	for _, x := range g.Exprs {
		switch x.(type) {
		case ir.Get, ir.Set:
			t.Errorf("slot access survived conversion: %T", x)
		}
	}
}

func TestConvertUsesDominateDefs(t *testing.T) {
	g := makeGraph(t, sumInsns, 4, 1)

	require.NoError(t, BuildDomTree(context.Background(), g))
	require.NoError(t, FindLoops(context.Background(), g))
	require.NoError(t, Convert(context.Background(), g))

	// every operand is defined in a dominating block, except phi
	// inputs which are checked against the predecessor edge
	for b, blk := range g.Blocks {
		for _, id := range blk.Code {
			ir.Uses(g.Exprs[id], func(e ir.Expr) {
				db := g.EBlock[e]

				assert.True(t, db == b || Dominates(g, db, b),
					"use of %d (block %d) in block %d", e, db, b)
			})
		}

		for _, pid := range blk.Phis {
			phi := g.Exprs[pid].(ir.Phi)

			for i, e := range phi {
				if e == ir.None {
					continue
				}

				p := g.Blocks[b].Preds[i]
				db := g.EBlock[e]

				assert.True(t, db == p || Dominates(g, db, p),
					"phi input %d must be available on edge %d->%d", e, p, b)
			}
		}
	}
}

// sum: a loop with two loop-carried slots.
var sumInsns = []bytecode.Insn{
	{Op: bytecode.Const, A: 1, Val: 0},
	{Op: bytecode.Const, A: 2, Val: 0},
	{Op: bytecode.Const, A: 3, Val: 1},
	{Op: bytecode.If, B: 2, C: 0, Cond: "ge", Target: 7},
	{Op: bytecode.Add, A: 1, B: 1, C: 2},
	{Op: bytecode.Add, A: 2, B: 2, C: 3},
	{Op: bytecode.Goto, Target: 3},
	{Op: bytecode.Ret, A: 1},
}

func TestFindLoops(t *testing.T) {
	g := makeGraph(t, sumInsns, 4, 1)

	require.NoError(t, BuildDomTree(context.Background(), g))
	require.NoError(t, FindLoops(context.Background(), g))

	require.Len(t, g.Loops, 1)

	l := g.Loops[0]

	assert.True(t, l.Body.Has(l.Header))
	assert.GreaterOrEqual(t, l.Body.Size(), 2)

	// the entry and the exit block stay outside
	assert.False(t, l.Body.Has(g.Entry))
}

func TestSimplifyRedundant(t *testing.T) {
	// the loop rewrites v1 with its own value, so the header phi
	// only ever sees one distinct input
	insns := []bytecode.Insn{
		{Op: bytecode.Move, A: 1, B: 0},
		{Op: bytecode.If, B: 1, C: 0, Cond: "ge", Target: 4},
		{Op: bytecode.Move, A: 1, B: 1},
		{Op: bytecode.Goto, Target: 1},
		{Op: bytecode.Ret, A: 1},
	}

	g := makeGraph(t, insns, 2, 1)

	require.NoError(t, BuildDomTree(context.Background(), g))
	require.NoError(t, FindLoops(context.Background(), g))
	require.NoError(t, Convert(context.Background(), g))

	require.NoError(t, Simplify(context.Background(), g))
	assert.Equal(t, 0, NumPhis(g))

	// the returned value collapses to the argument
	for _, x := range g.Exprs {
		if ret, ok := x.(ir.Ret); ok {
			assert.Equal(t, ir.Arg(0), g.Exprs[ret.Expr])
		}
	}
}

func TestSimplifyKeepsNeededPhis(t *testing.T) {
	g := makeGraph(t, sumInsns, 4, 1)

	require.NoError(t, BuildDomTree(context.Background(), g))
	require.NoError(t, FindLoops(context.Background(), g))
	require.NoError(t, Convert(context.Background(), g))

	before := NumPhis(g)

	require.NoError(t, Simplify(context.Background(), g))

	after := NumPhis(g)
	assert.LessOrEqual(t, after, before)

	// acc and i still merge distinct values at the header
	assert.GreaterOrEqual(t, after, 2)

	// idempotent
	require.NoError(t, Simplify(context.Background(), g))
	assert.Equal(t, after, NumPhis(g))
}
