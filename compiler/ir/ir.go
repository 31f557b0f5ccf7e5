// Package ir is the in-memory form of one method under compilation.
//
// A Graph is an arena: every instruction lives in Graph.Exprs and is
// addressed by its Expr index. Blocks, operands and phi inputs refer to
// instructions by index only, the arena is the single owner. The whole
// arena is dropped at once when the compilation ends.
package ir

import (
	"github.com/backc/backc/compiler/set"
)

type (
	// Expr is a stable handle of one instruction in the graph arena.
	Expr int

	Cond string

	// Instruction kinds. An element of Graph.Exprs is exactly one of
	// these; there is no other implementation of an instruction.

	Imm int64 // constant value

	Arg int // incoming argument, by position

	// Get and Set exist only before SSA conversion. Get reads a
	// virtual slot, Set writes one. SSA renaming removes both.
	Get int

	Set struct {
		Slot int
		X    Expr
	}

	Add struct{ L, R Expr }
	Sub struct{ L, R Expr }
	Mul struct{ L, R Expr }

	Cmp struct {
		L, R Expr
		Cond Cond
	}

	// Phi holds one input per predecessor edge, in Block.Preds order.
	Phi []Expr

	// Terminators.

	B struct{ Block int }

	BCond struct {
		Expr       Expr
		Then, Else int
	}

	Ret struct{ Expr Expr } // Expr == None for void

	Block struct {
		Preds []int
		Succs []int

		Phis []Expr
		Code []Expr
	}

	Loop struct {
		Header int
		Body   set.Bits[int] // block indices, header included
	}

	Graph struct {
		NumSlots int
		NumArgs  int

		// arena and its per-instruction side arrays
		Exprs  []any
		EPC    []int32 // bytecode pc
		ELine  []int32 // source line
		EBlock []int   // owning block

		Blocks []Block
		Entry  int

		// filled by ssa.BuildDomTree
		RPO    []int
		RPOnum []int // block -> position in RPO
		Idom   []int

		// filled by ssa.FindLoops
		Loops []Loop
	}
)

const None Expr = -1

const (
	EQ Cond = "eq"
	NE Cond = "ne"
	LT Cond = "lt"
	LE Cond = "le"
	GT Cond = "gt"
	GE Cond = "ge"
)

func (c Cond) Invert() Cond {
	switch c {
	case EQ:
		return NE
	case NE:
		return EQ
	case LT:
		return GE
	case LE:
		return GT
	case GT:
		return LT
	case GE:
		return LE
	}

	panic(c)
}

func (g *Graph) AddBlock() int {
	g.Blocks = append(g.Blocks, Block{})

	return len(g.Blocks) - 1
}

func (g *Graph) Link(from, to int) {
	g.Blocks[from].Succs = append(g.Blocks[from].Succs, to)
	g.Blocks[to].Preds = append(g.Blocks[to].Preds, from)
}

func (g *Graph) alloc(x any, block int, pc, line int32) Expr {
	id := Expr(len(g.Exprs))

	g.Exprs = append(g.Exprs, x)
	g.EPC = append(g.EPC, pc)
	g.ELine = append(g.ELine, line)
	g.EBlock = append(g.EBlock, block)

	return id
}

// Append allocates an instruction and appends it to the block code.
func (g *Graph) Append(block int, x any, pc, line int32) Expr {
	id := g.alloc(x, block, pc, line)

	g.Blocks[block].Code = append(g.Blocks[block].Code, id)

	return id
}

// AddPhi allocates a phi and attaches it to the block.
func (g *Graph) AddPhi(block int, phi Phi, pc, line int32) Expr {
	id := g.alloc(phi, block, pc, line)

	g.Blocks[block].Phis = append(g.Blocks[block].Phis, id)

	return id
}

// Rewrite returns x with every operand mapped through f.
// Terminator block targets and phi arity are left untouched.
func Rewrite(x any, f func(Expr) Expr) any {
	fx := func(e Expr) Expr {
		if e == None {
			return e
		}

		return f(e)
	}

	switch x := x.(type) {
	case Imm, Arg, Get, B:
		return x
	case Set:
		x.X = fx(x.X)
		return x
	case Add:
		x.L, x.R = fx(x.L), fx(x.R)
		return x
	case Sub:
		x.L, x.R = fx(x.L), fx(x.R)
		return x
	case Mul:
		x.L, x.R = fx(x.L), fx(x.R)
		return x
	case Cmp:
		x.L, x.R = fx(x.L), fx(x.R)
		return x
	case Phi:
		y := make(Phi, len(x))

		for i, e := range x {
			y[i] = fx(e)
		}

		return y
	case BCond:
		x.Expr = fx(x.Expr)
		return x
	case Ret:
		x.Expr = fx(x.Expr)
		return x
	default:
		panic(x)
	}
}

// Uses calls f for every operand of x, skipping None.
func Uses(x any, f func(Expr)) {
	Rewrite(x, func(e Expr) Expr {
		f(e)

		return e
	})
}

// Defines reports whether an instruction kind produces an SSA value.
func Defines(x any) bool {
	switch x.(type) {
	case Imm, Arg, Get, Add, Sub, Mul, Cmp, Phi:
		return true
	}

	return false
}
