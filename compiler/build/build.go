// Package build turns one bytecode unit into a control flow graph.
package build

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/backc/backc/compiler/bytecode"
	"github.com/backc/backc/compiler/ir"
	"github.com/backc/backc/compiler/set"
)

// Build constructs a graph in slot form: virtual registers are read and
// written through ir.Get/ir.Set, no SSA yet. A dedicated entry block
// defines the arguments, so the entry never has predecessors.
//
// Unreachable bytecode is pruned here: blocks are only created for code
// reachable from pc 0.
func Build(ctx context.Context, u *bytecode.Unit) (g *ir.Graph, err error) {
	tr := tlog.SpanFromContext(ctx).V("build")
	defer func() {
		if g != nil {
			tr.Printw("graph built", "name", u.Name, "blocks", len(g.Blocks), "exprs", len(g.Exprs), "err", err)
		}
	}()

	g = &ir.Graph{
		NumSlots: u.NumSlots,
		NumArgs:  u.NumArgs,
	}

	err = validate(u)
	if err != nil {
		return nil, errors.Wrap(err, "validate")
	}

	// reachability and leaders over bytecode pcs

	leader := set.Make[int](len(u.Insns))
	seen := set.Make[int](len(u.Insns))

	q := []int{0}
	leader.Add(0)

	for len(q) != 0 {
		pc := q[len(q)-1]
		q = q[:len(q)-1]

		for pc < len(u.Insns) {
			if seen.Has(pc) {
				break
			}

			seen.Add(pc)

			x := u.Insns[pc]

			switch x.Op {
			case bytecode.If:
				leader.Add(x.Target)
				leader.Add(pc + 1)
				q = append(q, x.Target)
			case bytecode.Goto:
				leader.Add(x.Target)
				q = append(q, x.Target)
			}

			if x.Op.Terminates() {
				break
			}

			pc++
		}
	}

	// blocks in pc order, plus the argument entry block

	b2pc := []int{}
	pc2b := make([]int, len(u.Insns))

	entry := g.AddBlock()
	g.Entry = entry

	leader.Range(func(pc int) bool {
		b := g.AddBlock()
		b2pc = append(b2pc, pc)
		pc2b[pc] = b

		return true
	})

	for i := 0; i < u.NumArgs; i++ {
		v := g.Append(entry, ir.Arg(i), 0, 0)
		g.Append(entry, ir.Set{Slot: i, X: v}, 0, 0)
	}

	g.Append(entry, ir.B{Block: pc2b[0]}, 0, 0)
	g.Link(entry, pc2b[0])

	// translate block bodies

	for bi, first := range b2pc {
		b := bi + 1 // entry is block 0

		err = translate(g, u, b, first, leader, pc2b)
		if err != nil {
			return nil, errors.Wrap(err, "block %d (pc %d)", b, first)
		}
	}

	return g, nil
}

func validate(u *bytecode.Unit) error {
	if u.NumSlots < 0 || u.NumArgs < 0 || u.NumArgs > u.NumSlots {
		return errors.New("bad slot counts: %d slots, %d args", u.NumSlots, u.NumArgs)
	}

	if len(u.Insns) == 0 {
		return errors.New("empty code unit")
	}

	slot := func(v int) bool { return v >= 0 && v < u.NumSlots }

	for pc, x := range u.Insns {
		if !x.Op.Valid() {
			return errors.New("pc %d: bad opcode %d", pc, x.Op)
		}

		ok := true

		switch x.Op {
		case bytecode.Const, bytecode.Ret:
			ok = slot(x.A)
		case bytecode.Move:
			ok = slot(x.A) && slot(x.B)
		case bytecode.Add, bytecode.Sub, bytecode.Mul:
			ok = slot(x.A) && slot(x.B) && slot(x.C)
		case bytecode.If:
			ok = slot(x.B) && slot(x.C)
		}

		if !ok {
			return errors.New("pc %d: %v: register out of range", pc, x.Op)
		}

		switch x.Op {
		case bytecode.If, bytecode.Goto:
			if x.Target < 0 || x.Target >= len(u.Insns) {
				return errors.New("pc %d: branch target out of range: %d", pc, x.Target)
			}
		}

		last := pc == len(u.Insns)-1

		if last && !x.Op.Terminates() && x.Op != bytecode.If {
			return errors.New("pc %d: control falls off the end", pc)
		}
		if last && x.Op == bytecode.If {
			return errors.New("pc %d: conditional branch falls off the end", pc)
		}
	}

	return nil
}

func translate(g *ir.Graph, u *bytecode.Unit, b, first int, leader set.Bits[int], pc2b []int) error {
	get := func(s, pc int, line int32) ir.Expr {
		return g.Append(b, ir.Get(s), int32(pc), line)
	}

	for pc := first; pc < len(u.Insns); pc++ {
		if pc > first && leader.Has(pc) {
			// fallthrough into the next block
			g.Append(b, ir.B{Block: pc2b[pc]}, int32(pc), u.Insns[pc-1].Line)
			g.Link(b, pc2b[pc])

			return nil
		}

		x := u.Insns[pc]
		ipc := int32(pc)

		switch x.Op {
		case bytecode.Nop:
		case bytecode.Const:
			v := g.Append(b, ir.Imm(x.Val), ipc, x.Line)
			g.Append(b, ir.Set{Slot: x.A, X: v}, ipc, x.Line)
		case bytecode.Move:
			v := get(x.B, pc, x.Line)
			g.Append(b, ir.Set{Slot: x.A, X: v}, ipc, x.Line)
		case bytecode.Add, bytecode.Sub, bytecode.Mul:
			l := get(x.B, pc, x.Line)
			r := get(x.C, pc, x.Line)

			var v ir.Expr

			switch x.Op {
			case bytecode.Add:
				v = g.Append(b, ir.Add{L: l, R: r}, ipc, x.Line)
			case bytecode.Sub:
				v = g.Append(b, ir.Sub{L: l, R: r}, ipc, x.Line)
			case bytecode.Mul:
				v = g.Append(b, ir.Mul{L: l, R: r}, ipc, x.Line)
			}

			g.Append(b, ir.Set{Slot: x.A, X: v}, ipc, x.Line)
		case bytecode.If:
			l := get(x.B, pc, x.Line)
			r := get(x.C, pc, x.Line)
			c := g.Append(b, ir.Cmp{L: l, R: r, Cond: ir.Cond(x.Cond)}, ipc, x.Line)

			then, els := pc2b[x.Target], pc2b[pc+1]

			g.Append(b, ir.BCond{Expr: c, Then: then, Else: els}, ipc, x.Line)
			g.Link(b, then)
			g.Link(b, els)

			return nil
		case bytecode.Goto:
			g.Append(b, ir.B{Block: pc2b[x.Target]}, ipc, x.Line)
			g.Link(b, pc2b[x.Target])

			return nil
		case bytecode.Ret:
			v := get(x.A, pc, x.Line)
			g.Append(b, ir.Ret{Expr: v}, ipc, x.Line)

			return nil
		case bytecode.RetVoid:
			g.Append(b, ir.Ret{Expr: ir.None}, ipc, x.Line)

			return nil
		}
	}

	return errors.New("no terminator") // validate catches this earlier
}
