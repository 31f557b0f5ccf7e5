package liveness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backc/backc/compiler/build"
	"github.com/backc/backc/compiler/bytecode"
	"github.com/backc/backc/compiler/ir"
	"github.com/backc/backc/compiler/ssa"
)

func analyze(t *testing.T, insns []bytecode.Insn, slots, args int) (*ir.Graph, *Info) {
	t.Helper()

	ctx := context.Background()

	g, err := build.Build(ctx, &bytecode.Unit{
		Name:     t.Name(),
		NumSlots: slots,
		NumArgs:  args,
		Insns:    insns,
	})
	require.NoError(t, err)

	require.NoError(t, ssa.BuildDomTree(ctx, g))
	require.NoError(t, ssa.FindLoops(ctx, g))
	require.NoError(t, ssa.Convert(ctx, g))
	require.NoError(t, ssa.Simplify(ctx, g))

	info, err := Analyze(ctx, g)
	require.NoError(t, err)

	return g, info
}

func TestStraightLine(t *testing.T) {
	g, info := analyze(t, []bytecode.Insn{
		{Op: bytecode.Add, A: 2, B: 0, C: 1},
		{Op: bytecode.Ret, A: 2},
	}, 3, 2)

	// intervals sorted by start, ranges sane
	prev := int32(-1)

	for i := range info.Intervals {
		v := &info.Intervals[i]

		require.NotEmpty(t, v.Ranges)
		assert.GreaterOrEqual(t, v.Start(), prev)
		prev = v.Start()

		for _, r := range v.Ranges {
			assert.Less(t, r.From, r.To)
		}
	}

	// the sum is live from its definition to the return
	var sum, ret ir.Expr = ir.None, ir.None

	for id, x := range g.Exprs {
		switch x.(type) {
		case ir.Add:
			sum = ir.Expr(id)
		case ir.Ret:
			ret = ir.Expr(id)
		}
	}

	require.NotEqual(t, ir.None, sum)
	require.NotEqual(t, ir.None, ret)

	iv := info.At(sum)
	require.NotNil(t, iv)

	assert.Equal(t, info.Pos[sum], iv.Start())
	assert.True(t, iv.Covers(info.Pos[ret]-1))
}

// sum: acc and i are loop-carried.
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

func TestLoopExtension(t *testing.T) {
	g, info := analyze(t, sumInsns, 4, 1)

	require.Len(t, g.Loops, 1)

	l := g.Loops[0]

	// everything live into the header stays live across the body
	checked := 0

	info.LiveIn[l.Header].Range(func(v ir.Expr) bool {
		iv := info.At(v)
		require.NotNil(t, iv)

		l.Body.Range(func(b int) bool {
			assert.True(t, iv.Covers(info.BlockFrom[b]),
				"value %d not live at loop block %d", v, b)

			return true
		})

		checked++

		return true
	})

	assert.NotZero(t, checked)
}

func TestLoopExtensionKeepsEarlyRanges(t *testing.T) {
	// the result is defined before the loop, dead in the side exit
	// sitting between its block and the header, and read after the
	// loop: extending it across the body must not eat the range at
	// the definition
	g, info := analyze(t, []bytecode.Insn{
		{Op: bytecode.Const, A: 1, Val: 7},
		{Op: bytecode.Const, A: 2, Val: 0},
		{Op: bytecode.Const, A: 3, Val: 1},
		{Op: bytecode.If, B: 0, C: 3, Cond: "ge", Target: 5},
		{Op: bytecode.RetVoid},
		{Op: bytecode.If, B: 2, C: 0, Cond: "ge", Target: 8},
		{Op: bytecode.Add, A: 2, B: 2, C: 3},
		{Op: bytecode.Goto, Target: 5},
		{Op: bytecode.Ret, A: 1},
	}, 4, 1)

	require.Len(t, g.Loops, 1)

	var def, ret ir.Expr = ir.None, ir.None

	for id, x := range g.Exprs {
		switch x := x.(type) {
		case ir.Imm:
			if x == 7 {
				def = ir.Expr(id)
			}
		case ir.Ret:
			if x.Expr != ir.None {
				ret = ir.Expr(id)
			}
		}
	}

	require.NotEqual(t, ir.None, def)
	require.NotEqual(t, ir.None, ret)

	iv := info.At(def)
	require.NotNil(t, iv)

	assert.Equal(t, info.Pos[def], iv.Start())
	assert.True(t, iv.Covers(info.Pos[def]))
	assert.True(t, iv.Covers(info.Pos[ret]-1))

	l := g.Loops[0]

	l.Body.Range(func(b int) bool {
		assert.True(t, iv.Covers(info.BlockFrom[b]), "dead at loop block %d", b)

		return true
	})

	// sorted and disjoint
	for i := 1; i < len(iv.Ranges); i++ {
		assert.Less(t, iv.Ranges[i-1].To, iv.Ranges[i].From)
	}
}

func TestPhiPositions(t *testing.T) {
	g, info := analyze(t, sumInsns, 4, 1)

	for b, blk := range g.Blocks {
		for _, pid := range blk.Phis {
			// phis define at the block start
			assert.Equal(t, info.BlockFrom[b], info.Pos[pid])

			iv := info.At(pid)
			require.NotNil(t, iv)
			assert.Equal(t, info.BlockFrom[b], iv.Start())
		}

		for i, id := range blk.Code {
			if i > 0 {
				assert.Greater(t, info.Pos[id], info.Pos[blk.Code[i-1]])
			}
		}
	}
}

func TestIntervalOps(t *testing.T) {
	v := Interval{Value: 1}
	v.add(10, 20)
	v.add(4, 6)
	v.add(0, 4)

	require.Equal(t, []Range{{0, 6}, {10, 20}}, v.Ranges)

	assert.Equal(t, int32(0), v.Start())
	assert.Equal(t, int32(20), v.End())

	assert.True(t, v.Covers(0))
	assert.True(t, v.Covers(5))
	assert.False(t, v.Covers(6))
	assert.False(t, v.Covers(8))
	assert.True(t, v.Covers(19))
	assert.False(t, v.Covers(20))

	w := Interval{Value: 2, Ranges: []Range{{6, 10}}}
	assert.False(t, v.Overlaps(&w))
	assert.False(t, w.Overlaps(&v))

	w.Ranges = []Range{{19, 30}}
	assert.True(t, v.Overlaps(&w))
	assert.True(t, w.Overlaps(&v))

	v.setFrom(2)
	assert.Equal(t, int32(2), v.Start())

	// an insertion past the first range keeps it intact
	u := Interval{Value: 3}
	u.add(4, 6)
	u.add(14, 23)
	u.add(14, 18)

	require.Equal(t, []Range{{4, 6}, {14, 23}}, u.Ranges)
}
