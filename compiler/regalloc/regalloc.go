// Package regalloc assigns physical registers or spill slots to live
// intervals by linear scan.
package regalloc

import (
	"context"

	"nikand.dev/go/heap"
	"tlog.app/go/errors"
	"tlog.app/go/loc"
	"tlog.app/go/tlog"

	"github.com/backc/backc/compiler/ir"
	"github.com/backc/backc/compiler/isa"
	"github.com/backc/backc/compiler/liveness"
)

type (
	Reg int

	// Loc is a physical register or a spill slot, never both.
	Loc struct {
		Reg  Reg
		Slot int
	}

	Allocation struct {
		Loc map[ir.Expr]Loc

		SpillSlots int
		UsedRegs   uint32 // mask over physical register numbers
	}

	active struct {
		end int32
		reg Reg
	}
)

const NoReg Reg = -1

// Supports is the static capability check: can this isa run the
// allocator and the optimized code path at all. Consulted by the
// driver before any of the expensive analyses.
func Supports(is isa.ISA) bool {
	return len(Pool(is)) != 0
}

// Pool is the fixed set of allocatable registers per isa. Callee-saved
// only, so calls into the runtime need no caller-save logic. arm64
// keeps x16/x17 as codegen scratch and x29/x30 for the frame.
func Pool(is isa.ISA) []Reg {
	switch is {
	case isa.ARM64:
		return []Reg{19, 20, 21, 22, 23, 24, 25, 26}
	}

	return nil
}

// Allocate scans the intervals sorted by start point, assigning the
// first free pool register, or a fresh spill slot once the pool is
// exhausted. No two overlapping intervals share a register.
func Allocate(ctx context.Context, g *ir.Graph, live *liveness.Info, is isa.ISA) (a *Allocation, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "regalloc", "isa", is)
	defer tr.Finish("err", &err)

	if len(live.Pos) != len(g.Exprs) {
		return nil, errors.New("liveness of a different graph: %d points, %d exprs", len(live.Pos), len(g.Exprs))
	}

	pool := Pool(is)

	a = &Allocation{
		Loc: make(map[ir.Expr]Loc, len(live.Intervals)),
	}

	free := make([]bool, len(pool))
	for i := range free {
		free[i] = true
	}

	act := heap.Heap[active]{
		Less: func(d []active, i, j int) bool { return d[i].end < d[j].end },
	}

	for i := range live.Intervals {
		v := &live.Intervals[i]

		for act.Len() != 0 && act.Data[0].end <= v.Start() {
			x := act.Pop()

			for pi, r := range pool {
				if r == x.reg {
					free[pi] = true
				}
			}
		}

		reg := NoReg

		for pi, r := range pool {
			if free[pi] {
				free[pi] = false
				reg = r

				break
			}
		}

		if reg == NoReg {
			slot := a.SpillSlots
			a.SpillSlots++

			a.Loc[v.Value] = Loc{Reg: NoReg, Slot: slot}

			tr.V("spill").Printw("interval spilled", "value", v.Value, "slot", slot, "from", loc.Caller(0))

			continue
		}

		act.Push(active{end: v.End(), reg: reg})

		a.Loc[v.Value] = Loc{Reg: reg, Slot: -1}
		a.UsedRegs |= 1 << uint(reg)

		tr.V("assign").Printw("interval assigned", "value", v.Value, "reg", reg, "start", v.Start(), "end", v.End())
	}

	tr.Printw("allocated", "intervals", len(live.Intervals), "spill_slots", a.SpillSlots, "used_regs", tlog.FormatNext("%x"), a.UsedRegs)

	return a, nil
}
