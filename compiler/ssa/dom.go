// Package ssa computes dominators and loops over a graph and converts
// it to static single assignment form.
package ssa

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/backc/backc/compiler/ir"
)

// BuildDomTree fills Graph.RPO, RPOnum and Idom. The entry dominates
// itself; every other block's immediate dominator precedes it in
// reverse post order. Iterative algorithm over RPO, run to a fixed
// point (Cooper-Harvey-Kennedy).
//
// Must be re-run if the block structure changes.
func BuildDomTree(ctx context.Context, g *ir.Graph) (err error) {
	tr := tlog.SpanFromContext(ctx).V("dom")

	n := len(g.Blocks)

	g.RPO = g.RPO[:0]
	g.RPOnum = make([]int, n)
	g.Idom = make([]int, n)

	for i := range g.Idom {
		g.Idom[i] = -1
		g.RPOnum[i] = -1
	}

	// post order, then reverse

	state := make([]int8, n) // 0 new, 1 on stack, 2 done

	var dfs func(b int)
	dfs = func(b int) {
		state[b] = 1

		for _, s := range g.Blocks[b].Succs {
			if state[s] == 0 {
				dfs(s)
			}
		}

		state[b] = 2
		g.RPO = append(g.RPO, b)
	}

	dfs(g.Entry)

	for i, j := 0, len(g.RPO)-1; i < j; i, j = i+1, j-1 {
		g.RPO[i], g.RPO[j] = g.RPO[j], g.RPO[i]
	}

	for i, b := range g.RPO {
		g.RPOnum[b] = i
	}

	for b := range g.Blocks {
		if g.RPOnum[b] < 0 {
			return errors.New("unreachable block %d survived pruning", b)
		}
	}

	// fixed point of the idom mapping

	g.Idom[g.Entry] = g.Entry

	for changed := true; changed; {
		changed = false

		for _, b := range g.RPO {
			if b == g.Entry {
				continue
			}

			idom := -1

			for _, p := range g.Blocks[b].Preds {
				if g.Idom[p] < 0 {
					continue // not processed yet
				}

				if idom < 0 {
					idom = p
				} else {
					idom = intersect(g, idom, p)
				}
			}

			if idom < 0 {
				return errors.New("block %d has no processed predecessor", b)
			}

			if g.Idom[b] != idom {
				g.Idom[b] = idom
				changed = true
			}
		}
	}

	tr.Printw("dominator tree", "rpo", g.RPO, "idom", g.Idom)

	return nil
}

func intersect(g *ir.Graph, a, b int) int {
	for a != b {
		for g.RPOnum[a] > g.RPOnum[b] {
			a = g.Idom[a]
		}
		for g.RPOnum[b] > g.RPOnum[a] {
			b = g.Idom[b]
		}
	}

	return a
}

// Dominates reports whether a dominates b. Every block dominates itself.
func Dominates(g *ir.Graph, a, b int) bool {
	for {
		if a == b {
			return true
		}
		if b == g.Entry {
			return false
		}

		b = g.Idom[b]
	}
}
