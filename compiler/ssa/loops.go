package ssa

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/backc/backc/compiler/ir"
	"github.com/backc/backc/compiler/set"
)

// FindLoops detects natural loops: an edge b -> h where h dominates b
// is a back edge, the loop body is every block that reaches the latch b
// without passing through the header h. Loops sharing a header are
// merged. Requires the dominator tree.
//
// Irreducible control flow cannot come out of the accepted bytecode
// subset (all branches are forward or to a dominating header), so it
// is not handled here.
func FindLoops(ctx context.Context, g *ir.Graph) error {
	tr := tlog.SpanFromContext(ctx).V("loops")

	g.Loops = g.Loops[:0]

	byHeader := map[int]int{} // header -> index in g.Loops

	for b := range g.Blocks {
		for _, h := range g.Blocks[b].Succs {
			if !Dominates(g, h, b) {
				continue
			}

			li, ok := byHeader[h]
			if !ok {
				li = len(g.Loops)
				byHeader[h] = li

				body := set.Make[int](len(g.Blocks))
				body.Add(h)

				g.Loops = append(g.Loops, ir.Loop{Header: h, Body: body})
			}

			collect(g, &g.Loops[li], b)

			tr.Printw("back edge", "latch", b, "header", h, "body", g.Loops[li].Body)
		}
	}

	return nil
}

func collect(g *ir.Graph, l *ir.Loop, latch int) {
	if l.Body.Has(latch) {
		return
	}

	q := []int{latch}
	l.Body.Add(latch)

	for len(q) != 0 {
		b := q[len(q)-1]
		q = q[:len(q)-1]

		for _, p := range g.Blocks[b].Preds {
			if l.Body.Has(p) {
				continue
			}

			l.Body.Add(p)
			q = append(q, p)
		}
	}
}
