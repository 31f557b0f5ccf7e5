// Package liveness computes a live interval per SSA value.
package liveness

import (
	"context"
	"sort"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"
	"tlog.app/go/tlog/tlwire"

	"github.com/backc/backc/compiler/ir"
	"github.com/backc/backc/compiler/set"
)

type (
	// Range is a half-open [From, To) span of program points.
	Range struct {
		From, To int32
	}

	// Interval is where one SSA value must stay available. Ranges are
	// sorted and disjoint; the first one never starts before the
	// definition point.
	Interval struct {
		Value  ir.Expr
		Ranges []Range
	}

	Info struct {
		// Intervals sorted by start position.
		Intervals []Interval

		// Pos is the program point of each instruction, indexed like
		// Graph.Exprs. Phis share their block's start position.
		Pos []int32

		// per block positions and live-in sets, in block index order
		BlockFrom []int32
		BlockTo   []int32
		LiveIn    []set.Bits[ir.Expr]

		byValue map[ir.Expr]int
	}
)

// Analyze runs backward dataflow over the blocks in reverse post
// order, then extends any value live at a loop header across the whole
// loop body. The graph must be in SSA form and must not change
// afterward.
func Analyze(ctx context.Context, g *ir.Graph) (info *Info, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "liveness")
	defer tr.Finish("err", &err)

	if len(g.RPO) == 0 {
		return nil, errors.New("dominator tree not built")
	}

	n := len(g.Blocks)

	info = &Info{
		Pos:       make([]int32, len(g.Exprs)),
		BlockFrom: make([]int32, n),
		BlockTo:   make([]int32, n),
		LiveIn:    make([]set.Bits[ir.Expr], n),
		byValue:   map[ir.Expr]int{},
	}

	// number program points, two apart, in RPO block order

	pos := int32(0)

	for _, b := range g.RPO {
		info.BlockFrom[b] = pos

		for _, id := range g.Blocks[b].Phis {
			info.Pos[id] = pos
		}

		for _, id := range g.Blocks[b].Code {
			info.Pos[id] = pos
			pos += 2
		}

		info.BlockTo[b] = pos
	}

	// block-level live-in sets to a fixed point

	for b := range info.LiveIn {
		info.LiveIn[b] = set.Make[ir.Expr](len(g.Exprs))
	}

	for changed := true; changed; {
		changed = false

		for i := n - 1; i >= 0; i-- {
			b := g.RPO[i]

			live := liveOut(g, info, b)

			for j := len(g.Blocks[b].Code) - 1; j >= 0; j-- {
				id := g.Blocks[b].Code[j]
				x := g.Exprs[id]

				if ir.Defines(x) {
					live.Del(id)
				}

				ir.Uses(x, func(e ir.Expr) { live.Add(e) })
			}

			for _, pid := range g.Blocks[b].Phis {
				live.Del(pid)
			}

			if info.LiveIn[b].Or(live) {
				changed = true
			}
		}
	}

	// build intervals, blocks in reverse RPO

	at := func(v ir.Expr) *Interval {
		i, ok := info.byValue[v]
		if !ok {
			i = len(info.Intervals)
			info.byValue[v] = i
			info.Intervals = append(info.Intervals, Interval{Value: v})
		}

		return &info.Intervals[i]
	}

	for i := n - 1; i >= 0; i-- {
		b := g.RPO[i]
		from, to := info.BlockFrom[b], info.BlockTo[b]

		live := liveOut(g, info, b)

		live.Range(func(v ir.Expr) bool {
			at(v).add(from, to)

			return true
		})

		for j := len(g.Blocks[b].Code) - 1; j >= 0; j-- {
			id := g.Blocks[b].Code[j]
			x := g.Exprs[id]

			if ir.Defines(x) {
				at(id).setFrom(info.Pos[id])
				live.Del(id)
			}

			ir.Uses(x, func(e ir.Expr) {
				if !live.Has(e) {
					at(e).add(from, info.Pos[id]+1)
					live.Add(e)
				}
			})
		}

		for _, pid := range g.Blocks[b].Phis {
			at(pid).setFrom(from)
		}
	}

	// a value live at a loop header is live across the whole loop

	for _, l := range g.Loops {
		end := info.BlockTo[l.Header]

		l.Body.Range(func(b int) bool {
			if info.BlockTo[b] > end {
				end = info.BlockTo[b]
			}

			return true
		})

		info.LiveIn[l.Header].Range(func(v ir.Expr) bool {
			at(v).add(info.BlockFrom[l.Header], end)

			return true
		})
	}

	sort.SliceStable(info.Intervals, func(i, j int) bool {
		return info.Intervals[i].Start() < info.Intervals[j].Start()
	})

	info.byValue = make(map[ir.Expr]int, len(info.Intervals))
	for i := range info.Intervals {
		info.byValue[info.Intervals[i].Value] = i
	}

	if tr.If("dump_intervals") {
		for i := range info.Intervals {
			v := &info.Intervals[i]

			tr.Printw("interval", "value", v.Value, "ranges", v)
		}
	}

	return info, nil
}

// liveOut gathers the successors' live-ins, successor phis replaced by
// their input on this edge.
func liveOut(g *ir.Graph, info *Info, b int) set.Bits[ir.Expr] {
	live := set.Make[ir.Expr](len(g.Exprs))

	for _, s := range g.Blocks[b].Succs {
		live.Or(info.LiveIn[s])

		j := predIndex(g, s, b)

		for _, pid := range g.Blocks[s].Phis {
			phi := g.Exprs[pid].(ir.Phi)

			if phi[j] != ir.None {
				live.Add(phi[j])
			}
		}
	}

	return live
}

func predIndex(g *ir.Graph, b, p int) int {
	for i, x := range g.Blocks[b].Preds {
		if x == p {
			return i
		}
	}

	panic(p)
}

// At returns the interval of a value, nil if the value is never live.
func (info *Info) At(v ir.Expr) *Interval {
	i, ok := info.byValue[v]
	if !ok {
		return nil
	}

	return &info.Intervals[i]
}

func (v *Interval) Start() int32 {
	if len(v.Ranges) == 0 {
		return 0
	}

	return v.Ranges[0].From
}

func (v *Interval) End() int32 {
	if len(v.Ranges) == 0 {
		return 0
	}

	return v.Ranges[len(v.Ranges)-1].To
}

// Covers reports whether the interval is live at a program point.
func (v *Interval) Covers(pos int32) bool {
	for _, r := range v.Ranges {
		if pos >= r.From && pos < r.To {
			return true
		}
	}

	return false
}

// Overlaps reports whether two intervals are ever live together.
func (v *Interval) Overlaps(w *Interval) bool {
	i, j := 0, 0

	for i < len(v.Ranges) && j < len(w.Ranges) {
		a, b := v.Ranges[i], w.Ranges[j]

		if a.From < b.To && b.From < a.To {
			return true
		}

		if a.To <= b.To {
			i++
		} else {
			j++
		}
	}

	return false
}

// add merges [from, to) into the range list keeping it sorted and
// disjoint. Ranges are mostly built back to front, but the loop
// extension can land a range anywhere, past earlier ranges it must
// not absorb.
func (v *Interval) add(from, to int32) {
	i := sort.Search(len(v.Ranges), func(i int) bool { return v.Ranges[i].From >= from })

	v.Ranges = append(v.Ranges, Range{})
	copy(v.Ranges[i+1:], v.Ranges[i:])
	v.Ranges[i] = Range{From: from, To: to}

	v.coalesce()
}

func (v *Interval) coalesce() {
	out := v.Ranges[:1]

	for _, r := range v.Ranges[1:] {
		last := &out[len(out)-1]

		if r.From <= last.To {
			if r.To > last.To {
				last.To = r.To
			}

			continue
		}

		out = append(out, r)
	}

	v.Ranges = out
}

// setFrom pins the interval start to the definition point.
func (v *Interval) setFrom(pos int32) {
	if len(v.Ranges) == 0 {
		v.Ranges = append(v.Ranges, Range{From: pos, To: pos + 2})

		return
	}

	if v.Ranges[0].From < pos {
		v.Ranges[0].From = pos
	}
}

func (v Interval) TlogAppend(b []byte) []byte {
	var e tlwire.LowEncoder

	b = e.AppendTag(b, tlwire.Array, len(v.Ranges))

	for _, r := range v.Ranges {
		b = e.AppendTag(b, tlwire.Array, 2)
		b = e.AppendInt(b, int(r.From))
		b = e.AppendInt(b, int(r.To))
	}

	return b
}
