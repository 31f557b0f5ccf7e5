package codegen

import (
	"context"

	"github.com/nikandfor/hacked/hfmt"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/backc/backc/compiler/ir"
	"github.com/backc/backc/compiler/liveness"
	"github.com/backc/backc/compiler/regalloc"
)

// amd64 is the baseline-only emitter: every virtual slot lives in the
// rbp frame, operations compute through rax/rcx. The allocator does
// not support the isa, so there is no optimized path.
type amd64 struct {
	g *ir.Graph

	tab tables

	frame    int
	coreMask uint32

	b       []byte
	base    uint32
	labels  []int32
	patches []patch

	lst []byte
}

// SysV integer argument order.
var amdArgMov = [][]byte{
	{0x48, 0x89, 0xBD}, // mov [rbp+d], rdi
	{0x48, 0x89, 0xB5}, // rsi
	{0x48, 0x89, 0x95}, // rdx
	{0x48, 0x89, 0x8D}, // rcx
	{0x4C, 0x89, 0x85}, // r8
	{0x4C, 0x89, 0x8D}, // r9
}

func (a *amd64) FrameSize() int        { return a.frame }
func (a *amd64) CoreSpillMask() uint32 { return 1 << 5 } // rbp
func (a *amd64) FPSpillMask() uint32   { return 0 }
func (a *amd64) Tables() Tables        { return a.tab.Tables() }

func (a *amd64) CompileOptimized(ctx context.Context, b []byte, live *liveness.Info, alloc *regalloc.Allocation, debug bool) ([]byte, error) {
	return nil, errors.New("optimized mode is not supported on amd64")
}

func (a *amd64) CompileBaseline(ctx context.Context, b []byte, debug bool) (_ []byte, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "codegen", "isa", "amd64", "mode", "baseline")
	defer tr.Finish("err", &err)

	g := a.g

	if g.NumArgs > len(amdArgMov) {
		return nil, errors.New("%d args do not fit in registers", g.NumArgs)
	}

	a.b = b
	a.base = uint32(len(b))
	a.frame = align16(8 * g.NumSlots)
	a.tab.reset(debug)

	a.labels = make([]int32, len(g.Blocks)+1)
	for i := range a.labels {
		a.labels[i] = -1
	}
	a.patches = a.patches[:0]

	if tr.If("asm_listing") {
		a.lst = []byte{}
	}

	a.prologue()

	for i := 0; i < g.NumArgs; i++ {
		a.emitb(amdArgMov[i]...)
		a.imm32(uint32(a.slotDisp(i)))
		a.note("\tmovq\t%%arg%d, %d(%%rbp)\n", i, a.slotDisp(i))
	}

	var written uint64
	for i := 0; i < g.NumArgs && i < 64; i++ {
		written |= 1 << i
	}

	for bi := range g.Blocks {
		a.label(bi)
		a.note("block_%d:\n", bi)

		for _, id := range g.Blocks[bi].Code {
			x := g.Exprs[id]

			a.tab.mark(a.off(), g.EPC[id], g.ELine[id])

			switch x := x.(type) {
			case ir.Get, ir.Imm, ir.Arg, ir.Add, ir.Sub, ir.Mul, ir.Cmp:
				// evaluated at the consuming Set/BCond/Ret
			case ir.Set:
				a.operand(x.X, rax)
				a.store(rax, x.Slot)

				if x.Slot < 64 {
					written |= 1 << x.Slot
				}
			case ir.B:
				a.jmp(x.Block)
			case ir.BCond:
				cmp := g.Exprs[x.Expr].(ir.Cmp)

				a.operand(cmp.L, rax)
				a.operand(cmp.R, rcx)

				a.emitb(0x48, 0x39, 0xC8) // cmp rax, rcx
				a.note("\tcmpq\t%%rcx, %%rax\n")

				a.jcc(cmp.Cond, x.Then)
				a.jmp(x.Else)
			case ir.Ret:
				if x.Expr != ir.None {
					a.operand(x.Expr, rax)
				}

				a.tab.safepoint(uint32(g.EPC[id]), written)
				a.jmpTo(labelEpilogue(g))
			default:
				panic(x)
			}
		}
	}

	a.label(labelEpilogue(g))
	a.note("epilogue:\n")

	a.emitb(0xC9, 0xC3) // leave; ret
	a.note("\tleave\n\tret\n")

	for _, p := range a.patches {
		rel := a.labels[p.label] - int32(p.pos) - 4

		a.setImm32(p.pos, uint32(rel))
	}

	tr.Printw("baseline code", "size", a.off(), "frame", a.frame)
	a.flushListing(tr)

	return a.b, nil
}

const (
	rax = iota
	rcx
)

func (a *amd64) operand(e ir.Expr, rd int) {
	switch x := a.g.Exprs[e].(type) {
	case ir.Get:
		a.loadSlot(rd, int(x))
	case ir.Imm:
		a.loadImm(rd, int64(x))
	case ir.Arg:
		// re-read the arg slot: args are stored in the prologue
		a.loadSlot(rd, int(x))
	case ir.Add:
		a.operand(x.L, rax)
		a.operand(x.R, rcx)
		a.emitb(0x48, 0x01, 0xC8) // add rax, rcx
		a.note("\taddq\t%%rcx, %%rax\n")
	case ir.Sub:
		a.operand(x.L, rax)
		a.operand(x.R, rcx)
		a.emitb(0x48, 0x29, 0xC8) // sub rax, rcx
		a.note("\tsubq\t%%rcx, %%rax\n")
	case ir.Mul:
		a.operand(x.L, rax)
		a.operand(x.R, rcx)
		a.emitb(0x48, 0x0F, 0xAF, 0xC1) // imul rax, rcx
		a.note("\timulq\t%%rcx, %%rax\n")
	case ir.Cmp:
		a.operand(x.L, rax)
		a.operand(x.R, rcx)
		a.emitb(0x48, 0x39, 0xC8)             // cmp rax, rcx
		a.emitb(0x0F, setcc(x.Cond), 0xC0)    // setcc al
		a.emitb(0x48, 0x0F, 0xB6, 0xC0)       // movzx rax, al
		a.note("\tcmpq\t%%rcx, %%rax\n\tset%s\t%%al\n\tmovzbq\t%%al, %%rax\n", string(x.Cond))
	default:
		panic(x)
	}
}

func (a *amd64) prologue() {
	a.emitb(0x55)             // push rbp
	a.emitb(0x48, 0x89, 0xE5) // mov rbp, rsp
	a.note("\tpushq\t%%rbp\n\tmovq\t%%rsp, %%rbp\n")

	if a.frame != 0 {
		a.emitb(0x48, 0x81, 0xEC) // sub rsp, imm32
		a.imm32(uint32(a.frame))
		a.note("\tsubq\t$%d, %%rsp\n", a.frame)
	}

	a.tab.cfa(a.off(), 16+a.frame)
}

func (a *amd64) loadImm(rd int, v int64) {
	a.emitb(0x48, 0xB8|byte(rd)) // movabs rd, imm64
	a.imm64(uint64(v))
	a.note("\tmovabsq\t$%d, %s\n", v, amdName(rd))
}

func (a *amd64) loadSlot(rd, slot int) {
	a.emitb(0x48, 0x8B, 0x85|byte(rd)<<3) // mov rd, [rbp+disp32]
	a.imm32(uint32(a.slotDisp(slot)))
	a.note("\tmovq\t%d(%%rbp), %s\t// v%d\n", a.slotDisp(slot), amdName(rd), slot)
}

func (a *amd64) store(rs, slot int) {
	a.emitb(0x48, 0x89, 0x85|byte(rs)<<3) // mov [rbp+disp32], rs
	a.imm32(uint32(a.slotDisp(slot)))
	a.note("\tmovq\t%s, %d(%%rbp)\t// v%d\n", amdName(rs), a.slotDisp(slot), slot)
}

func (a *amd64) jmp(block int) { a.jmpTo(block) }

func (a *amd64) jmpTo(label int) {
	a.emitb(0xE9)
	a.patches = append(a.patches, patch{pos: a.off(), label: label})
	a.imm32(0)
	a.note("\tjmp\tL%d\n", label)
}

func (a *amd64) jcc(c ir.Cond, label int) {
	a.emitb(0x0F, jccOp(c))
	a.patches = append(a.patches, patch{pos: a.off(), label: label})
	a.imm32(0)
	a.note("\tj%s\tL%d\n", string(c), label)
}

func (a *amd64) emitb(b ...byte) { a.b = append(a.b, b...) }

func (a *amd64) imm32(v uint32) {
	a.b = append(a.b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (a *amd64) imm64(v uint64) {
	a.imm32(uint32(v))
	a.imm32(uint32(v >> 32))
}

func (a *amd64) setImm32(pos uint32, v uint32) {
	i := a.base + pos

	a.b[i], a.b[i+1], a.b[i+2], a.b[i+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func (a *amd64) off() uint32 { return uint32(len(a.b)) - a.base }

func (a *amd64) label(l int) {
	for len(a.labels) <= l {
		a.labels = append(a.labels, -1)
	}

	a.labels[l] = int32(a.off())
}

// slotDisp is the rbp displacement of a virtual slot, negative.
func (a *amd64) slotDisp(s int) int32 { return int32(-8 * (s + 1)) }

func (a *amd64) note(f string, args ...any) {
	if a.lst == nil {
		return
	}

	a.lst = hfmt.Appendf(a.lst, f, args...)
}

func (a *amd64) flushListing(tr tlog.Span) {
	if a.lst == nil {
		return
	}

	tr.Printw("asm listing", "text", string(a.lst))
	a.lst = nil
}

func jccOp(c ir.Cond) byte {
	switch c {
	case ir.EQ:
		return 0x84
	case ir.NE:
		return 0x85
	case ir.LT:
		return 0x8C
	case ir.GE:
		return 0x8D
	case ir.LE:
		return 0x8E
	case ir.GT:
		return 0x8F
	}

	panic(c)
}

func setcc(c ir.Cond) byte {
	switch c {
	case ir.EQ:
		return 0x94
	case ir.NE:
		return 0x95
	case ir.LT:
		return 0x9C
	case ir.GE:
		return 0x9D
	case ir.LE:
		return 0x9E
	case ir.GT:
		return 0x9F
	}

	panic(c)
}

func amdName(r int) string {
	if r == rcx {
		return "%rcx"
	}

	return "%rax"
}
