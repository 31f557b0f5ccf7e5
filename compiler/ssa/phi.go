package ssa

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/backc/backc/compiler/ir"
)

// Simplify removes redundant and dead phis, repeating both passes
// until neither changes the graph. Redundant elimination runs first:
// collapsing a phi can strip the last use of another one.
func Simplify(ctx context.Context, g *ir.Graph) error {
	tr := tlog.SpanFromContext(ctx).V("phi")

	rounds := 0

	for {
		changed := redundant(tr, g)
		changed = dead(tr, g) || changed

		rounds++

		if !changed {
			break
		}
	}

	tr.Printw("phis simplified", "rounds", rounds)

	return nil
}

// A phi is redundant when all inputs, the phi itself and undefined
// edges aside, name one value. It is replaced by that value everywhere.
func redundant(tr tlog.Span, g *ir.Graph) (changed bool) {
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

	for b := range g.Blocks {
		phis := g.Blocks[b].Phis[:0]

		for _, pid := range g.Blocks[b].Phis {
			phi := g.Exprs[pid].(ir.Phi)

			unique := ir.None

			for _, in := range phi {
				in = ren(in)

				if in == pid || in == ir.None || in == unique {
					continue
				}

				if unique == ir.None {
					unique = in
					continue
				}

				unique = pid // two distinct inputs, not redundant
				break
			}

			if unique == pid {
				phis = append(phis, pid)
				continue
			}

			// self-loop-only phis collapse to None and die below
			rename[pid] = unique
			changed = true

			tr.Printw("redundant phi", "b", b, "id", pid, "to", unique)
		}

		g.Blocks[b].Phis = phis
	}

	if len(rename) == 0 {
		return false
	}

	for b := range g.Blocks {
		for _, id := range g.Blocks[b].Code {
			g.Exprs[id] = ir.Rewrite(g.Exprs[id], ren)
		}
		for _, id := range g.Blocks[b].Phis {
			g.Exprs[id] = ir.Rewrite(g.Exprs[id], ren)
		}
	}

	return changed
}

func dead(tr tlog.Span, g *ir.Graph) (changed bool) {
	used := map[ir.Expr]int{}

	for b := range g.Blocks {
		for _, id := range g.Blocks[b].Code {
			ir.Uses(g.Exprs[id], func(e ir.Expr) { used[e]++ })
		}
		for _, id := range g.Blocks[b].Phis {
			phi := g.Exprs[id].(ir.Phi)

			for _, in := range phi {
				if in != id && in != ir.None {
					used[in]++
				}
			}
		}
	}

	for b := range g.Blocks {
		phis := g.Blocks[b].Phis[:0]

		for _, pid := range g.Blocks[b].Phis {
			if used[pid] == 0 {
				changed = true

				tr.Printw("dead phi", "b", b, "id", pid)

				continue
			}

			phis = append(phis, pid)
		}

		g.Blocks[b].Phis = phis
	}

	return changed
}

// NumPhis counts phi instructions left in the graph.
func NumPhis(g *ir.Graph) (n int) {
	for b := range g.Blocks {
		n += len(g.Blocks[b].Phis)
	}

	return n
}
