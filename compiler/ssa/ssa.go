package ssa

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/backc/backc/compiler/ir"
	"github.com/backc/backc/compiler/set"
)

// Convert renames the graph into SSA form: phis are inserted at the
// dominance frontiers of slot definitions, then every ir.Get is
// replaced by its unique reaching definition and every ir.Set is
// dropped. Requires the dominator tree.
//
// After Convert each value has exactly one defining instruction and
// every non-phi use is dominated by its definition; a phi input is
// defined on the corresponding incoming edge.
func Convert(ctx context.Context, g *ir.Graph) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "ssa convert")
	defer tr.Finish("err", &err)

	if len(g.RPO) == 0 {
		return errors.New("dominator tree not built")
	}

	n := len(g.Blocks)

	// dominance frontiers

	df := make([]set.Bits[int], n)
	for i := range df {
		df[i] = set.Make[int](n)
	}

	for b := range g.Blocks {
		if len(g.Blocks[b].Preds) < 2 {
			continue
		}

		for _, p := range g.Blocks[b].Preds {
			for r := p; r != g.Idom[b]; r = g.Idom[r] {
				df[r].Add(b)
			}
		}
	}

	// phi insertion at frontiers of slot definitions

	defsites := make([]set.Bits[int], g.NumSlots)
	for s := range defsites {
		defsites[s] = set.Make[int](n)
	}

	for b := range g.Blocks {
		for _, id := range g.Blocks[b].Code {
			if st, ok := g.Exprs[id].(ir.Set); ok {
				defsites[st.Slot].Add(b)
			}
		}
	}

	phiSlot := map[ir.Expr]int{}

	for s := range defsites {
		q := []int{}
		defsites[s].Range(func(b int) bool {
			q = append(q, b)

			return true
		})

		placed := set.Make[int](n)

		for len(q) != 0 {
			b := q[len(q)-1]
			q = q[:len(q)-1]

			df[b].Range(func(m int) bool {
				if placed.Has(m) {
					return true
				}

				placed.Add(m)

				phi := make(ir.Phi, len(g.Blocks[m].Preds))
				for i := range phi {
					phi[i] = ir.None
				}

				id := g.AddPhi(m, phi, g.EPC[g.Blocks[m].Code[0]], g.ELine[g.Blocks[m].Code[0]])
				phiSlot[id] = s

				tr.V("phi").Printw("phi inserted", "block", m, "slot", s, "id", id)

				if !defsites[s].Has(m) {
					q = append(q, m)
				}

				return true
			})
		}
	}

	// rename over the dominator tree

	children := make([][]int, n)

	for _, b := range g.RPO {
		if b == g.Entry {
			continue
		}

		children[g.Idom[b]] = append(children[g.Idom[b]], b)
	}

	rename := map[ir.Expr]ir.Expr{}
	ren := func(x ir.Expr) ir.Expr {
		for {
			y, ok := rename[x]
			if !ok {
				return x
			}

			x = y
		}
	}

	cur := make([]ir.Expr, g.NumSlots)
	for i := range cur {
		cur[i] = ir.None
	}

	var walk func(b int)
	walk = func(b int) {
		saved := make([]ir.Expr, len(cur))
		copy(saved, cur)
		defer copy(cur, saved)

		bp := &g.Blocks[b]

		for _, id := range bp.Phis {
			cur[phiSlot[id]] = id
		}

		code := bp.Code[:0]

		for _, id := range bp.Code {
			x := ir.Rewrite(g.Exprs[id], ren)
			g.Exprs[id] = x

			switch x := x.(type) {
			case ir.Get:
				rename[id] = cur[int(x)]
			case ir.Set:
				cur[x.Slot] = x.X
			default:
				code = append(code, id)
			}
		}

		bp.Code = code

		for _, s := range bp.Succs {
			j := predIndex(g, s, b)

			for _, pid := range g.Blocks[s].Phis {
				phi := g.Exprs[pid].(ir.Phi)
				phi[j] = cur[phiSlot[pid]]
			}
		}

		for _, c := range children[b] {
			walk(c)
		}
	}

	walk(g.Entry)

	// a phi input defined later in the walk may still name a Get/Set
	for b := range g.Blocks {
		for _, pid := range g.Blocks[b].Phis {
			g.Exprs[pid] = ir.Rewrite(g.Exprs[pid], ren)
		}
	}

	if tr.If("dump_ssa") {
		dump(tr, g)
	}

	return nil
}

func predIndex(g *ir.Graph, b, p int) int {
	for i, x := range g.Blocks[b].Preds {
		if x == p {
			return i
		}
	}

	panic(p)
}

func dump(tr tlog.Span, g *ir.Graph) {
	for b := range g.Blocks {
		bp := &g.Blocks[b]

		tr.Printw("block", "b", b, "preds", bp.Preds, "succs", bp.Succs)

		for _, id := range bp.Phis {
			x := g.Exprs[id]

			tr.Printw("phi", "b", b, "id", id, "typ", tlog.NextAsType, x, "val", x)
		}

		for _, id := range bp.Code {
			x := g.Exprs[id]

			tr.Printw("code", "b", b, "id", id, "typ", tlog.NextAsType, x, "val", x)
		}
	}
}
