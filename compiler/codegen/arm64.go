package codegen

import (
	"context"
	"sort"

	"github.com/nikandfor/hacked/hfmt"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/backc/backc/compiler/ir"
	"github.com/backc/backc/compiler/liveness"
	"github.com/backc/backc/compiler/method"
	"github.com/backc/backc/compiler/regalloc"
)

// arm64 emits A64 instructions, 4 bytes each, little endian.
//
// Frame layout, sp up: [spill slots | saved callee regs] [fp, lr].
// Baseline keeps every virtual slot in the frame and computes through
// x9/x10; optimized keeps values where the allocator put them and uses
// x16/x17 as scratch.
type arm64 struct {
	g *ir.Graph

	tab tables

	frame    int
	coreMask uint32

	b       []byte
	base    uint32
	labels  []int32
	patches []apatch

	lst []byte
}

type apatch struct {
	pos   uint32
	label int
	kind  uint8
}

const (
	pB26 = iota // B, imm26 at bit 0
	pB19        // B.cond / CBNZ, imm19 at bit 5
)

const (
	regFP  = 29
	regLR  = 30
	regSP  = 31
	scrA   = 16 // ip0
	scrB   = 17 // ip1
	scrL   = 9  // baseline left operand
	scrR   = 10 // baseline right operand
	maxArg = 8  // x0..x7
)

func (a *arm64) FrameSize() int        { return a.frame }
func (a *arm64) CoreSpillMask() uint32 { return a.coreMask }
func (a *arm64) FPSpillMask() uint32   { return 0 }
func (a *arm64) Tables() Tables        { return a.tab.Tables() }

func (a *arm64) CompileBaseline(ctx context.Context, b []byte, debug bool) (_ []byte, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "codegen", "isa", "arm64", "mode", "baseline")
	defer tr.Finish("err", &err)

	g := a.g

	if g.NumArgs > maxArg {
		return nil, errors.New("%d args do not fit in registers", g.NumArgs)
	}

	err = a.start(b, debug, tr, align16(8*g.NumSlots))
	if err != nil {
		return nil, err
	}

	a.coreMask = 1<<regFP | 1<<regLR

	a.prologue()

	for i := 0; i < g.NumArgs; i++ {
		a.str(uint32(i), a.slotOff(i))
		a.note("\tSTR\tX%d, [SP, #%d]\t// arg %d\n", i, a.slotOff(i), i)
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
				a.operand(x.X, scrL)
				a.str(scrL, a.slotOff(x.Slot))
				a.note("\tSTR\tX%d, [SP, #%d]\t// v%d\n", scrL, a.slotOff(x.Slot), x.Slot)

				if x.Slot < 64 {
					written |= 1 << x.Slot
				}
			case ir.B:
				a.branch(x.Block)
			case ir.BCond:
				cmp := g.Exprs[x.Expr].(ir.Cmp)

				a.operand(cmp.L, scrL)
				a.operand(cmp.R, scrR)
				a.emit(0xEB00001F | scrR<<16 | scrL<<5) // CMP
				a.note("\tCMP\tX%d, X%d\n", scrL, scrR)

				a.bcond(cmp.Cond, x.Then)
				a.branch(x.Else)
			case ir.Ret:
				if x.Expr != ir.None {
					a.operand(x.Expr, 0)
				}

				a.tab.safepoint(uint32(g.EPC[id]), written)
				a.branchTo(labelEpilogue(g))
			default:
				panic(x)
			}
		}
	}

	a.finish(nil, 0)

	tr.Printw("baseline code", "size", a.off(), "frame", a.frame)
	a.flushListing(tr)

	return a.b, nil
}

// operand loads a baseline value into rd. The graph is in builder slot
// form: operands of operations are always slot reads.
func (a *arm64) operand(e ir.Expr, rd uint32) {
	switch x := a.g.Exprs[e].(type) {
	case ir.Get:
		a.ldr(rd, a.slotOff(int(x)))
		a.note("\tLDR\tX%d, [SP, #%d]\t// v%d\n", rd, a.slotOff(int(x)), int(x))
	case ir.Imm:
		a.loadImm(rd, int64(x))
	case ir.Arg:
		a.movReg(rd, uint32(x))
		a.note("\tMOV\tX%d, X%d\t// arg %d\n", rd, int(x), int(x))
	case ir.Add:
		a.operand(x.L, scrL)
		a.operand(x.R, scrR)
		a.alu(0x8B000000, rd, scrL, scrR, "ADD")
	case ir.Sub:
		a.operand(x.L, scrL)
		a.operand(x.R, scrR)
		a.alu(0xCB000000, rd, scrL, scrR, "SUB")
	case ir.Mul:
		a.operand(x.L, scrL)
		a.operand(x.R, scrR)
		a.alu(0x9B007C00, rd, scrL, scrR, "MUL")
	case ir.Cmp:
		a.operand(x.L, scrL)
		a.operand(x.R, scrR)
		a.emit(0xEB00001F | scrR<<16 | scrL<<5)
		a.cset(rd, x.Cond)
	default:
		panic(x)
	}
}

func (a *arm64) CompileOptimized(ctx context.Context, b []byte, live *liveness.Info, alloc *regalloc.Allocation, debug bool) (_ []byte, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "codegen", "isa", "arm64", "mode", "optimized")
	defer tr.Finish("err", &err)

	g := a.g

	if g.NumArgs > maxArg {
		return nil, errors.New("%d args do not fit in registers", g.NumArgs)
	}

	saved := usedRegs(alloc)

	err = a.start(b, debug, tr, align16(8*alloc.SpillSlots+8*len(saved)))
	if err != nil {
		return nil, err
	}

	a.coreMask = 1<<regFP | 1<<regLR | alloc.UsedRegs

	a.prologue()

	for k, r := range saved {
		off := 8 * (alloc.SpillSlots + k)

		a.str(uint32(r), off)
		a.note("\tSTR\tX%d, [SP, #%d]\t// callee saved\n", r, off)
	}

	loc := func(e ir.Expr) (regalloc.Loc, bool) {
		l, ok := alloc.Loc[e]

		return l, ok
	}

	var tramps []tramp

	for bi := range g.Blocks {
		a.label(bi)
		a.note("block_%d:\n", bi)

		for _, id := range g.Blocks[bi].Code {
			x := g.Exprs[id]

			a.tab.mark(a.off(), g.EPC[id], g.ELine[id])

			switch x := x.(type) {
			case ir.Imm:
				d, ok := loc(id)
				if !ok {
					continue // value never live
				}

				rd := d.Reg
				if rd < 0 {
					rd = scrA
				}

				a.loadImm(uint32(rd), int64(x))
				a.flush(d, uint32(rd))
			case ir.Arg:
				d, ok := loc(id)
				if !ok {
					continue
				}

				a.move(d, regalloc.Loc{Reg: regalloc.Reg(int(x)), Slot: -1})
			case ir.Add:
				a.aluOp(alloc, id, 0x8B000000, x.L, x.R, "ADD")
			case ir.Sub:
				a.aluOp(alloc, id, 0xCB000000, x.L, x.R, "SUB")
			case ir.Mul:
				a.aluOp(alloc, id, 0x9B007C00, x.L, x.R, "MUL")
			case ir.Cmp:
				d, ok := loc(id)
				if !ok {
					continue
				}

				rl := a.load(alloc, x.L, scrA)
				rr := a.load(alloc, x.R, scrB)

				a.emit(0xEB00001F | rr<<16 | rl<<5)
				a.note("\tCMP\tX%d, X%d\n", rl, rr)

				rd := d.Reg
				if rd < 0 {
					rd = scrA
				}

				a.cset(uint32(rd), x.Cond)
				a.flush(d, uint32(rd))
			case ir.B:
				// the only successor: phi moves go inline
				a.edgeMoves(alloc, bi, x.Block)
				a.branch(x.Block)
			case ir.BCond:
				rc := a.load(alloc, x.Expr, scrA)

				then := a.edgeLabel(alloc, &tramps, bi, x.Then)
				els := a.edgeLabel(alloc, &tramps, bi, x.Else)

				a.patches = append(a.patches, apatch{pos: a.off(), label: then, kind: pB19})
				a.emit(0xB5000000 | rc) // CBNZ
				a.note("\tCBNZ\tX%d, L%d\n", rc, then)

				a.branchTo(els)
			case ir.Ret:
				if x.Expr != ir.None {
					a.move(regalloc.Loc{Reg: 0, Slot: -1}, alloc.Loc[x.Expr])
				}

				a.tab.safepoint(a.off(), liveRegMask(live, alloc, live.Pos[id]))
				a.branchTo(labelEpilogue(g))
			default:
				panic(x)
			}
		}
	}

	for _, t := range tramps {
		a.label(t.label)
		a.note("L%d:\t// edge %d -> %d\n", t.label, t.from, t.to)

		a.moveAll(t.moves)
		a.branch(t.to)
	}

	a.finish(saved, 8*alloc.SpillSlots)

	a.buildVMap(alloc)

	tr.Printw("optimized code", "size", a.off(), "frame", a.frame, "spills", alloc.SpillSlots)
	a.flushListing(tr)

	return a.b, nil
}

type tramp struct {
	label    int
	from, to int
	moves    []mov
}

type mov struct {
	dst, src regalloc.Loc
}

// edgeLabel returns the branch target for an edge: the block itself,
// or a fresh trampoline holding the phi moves when the edge needs any
// and the source block has several successors.
func (a *arm64) edgeLabel(alloc *regalloc.Allocation, tramps *[]tramp, from, to int) int {
	moves := a.phiMoves(alloc, from, to)
	if len(moves) == 0 {
		return to
	}

	l := len(a.g.Blocks) + 1 + len(*tramps)

	*tramps = append(*tramps, tramp{label: l, from: from, to: to, moves: moves})

	for len(a.labels) <= l {
		a.labels = append(a.labels, -1)
	}

	return l
}

func (a *arm64) phiMoves(alloc *regalloc.Allocation, from, to int) (moves []mov) {
	g := a.g

	j := -1
	for i, p := range g.Blocks[to].Preds {
		if p == from {
			j = i
			break
		}
	}

	for _, pid := range g.Blocks[to].Phis {
		phi := g.Exprs[pid].(ir.Phi)

		dst, ok := alloc.Loc[pid]
		if !ok || phi[j] == ir.None {
			continue
		}

		src, ok := alloc.Loc[phi[j]]
		if !ok || src == dst {
			continue
		}

		moves = append(moves, mov{dst: dst, src: src})
	}

	return moves
}

func (a *arm64) edgeMoves(alloc *regalloc.Allocation, from, to int) {
	a.moveAll(a.phiMoves(alloc, from, to))
}

// moveAll emits a parallel move: every source is read as of the edge,
// cycles are broken through the scratch register.
func (a *arm64) moveAll(moves []mov) {
	scratch := regalloc.Loc{Reg: scrA, Slot: -1}

	for len(moves) != 0 {
		emitted := false

		for i, m := range moves {
			blocked := false

			for j, o := range moves {
				if i != j && o.src == m.dst {
					blocked = true
					break
				}
			}

			if blocked {
				continue
			}

			a.move(m.dst, m.src)

			moves = append(moves[:i], moves[i+1:]...)
			emitted = true

			break
		}

		if emitted {
			continue
		}

		// a cycle: park one source and retry
		first := moves[0].src

		a.move(scratch, first)

		for j := range moves {
			if moves[j].src == first {
				moves[j].src = scratch
			}
		}
	}
}

// move transfers a value between allocator locations.
func (a *arm64) move(dst, src regalloc.Loc) {
	if dst == src {
		return
	}

	switch {
	case dst.Reg >= 0 && src.Reg >= 0:
		a.movReg(uint32(dst.Reg), uint32(src.Reg))
		a.note("\tMOV\tX%d, X%d\n", dst.Reg, src.Reg)
	case dst.Reg >= 0:
		a.ldr(uint32(dst.Reg), 8*src.Slot)
		a.note("\tLDR\tX%d, [SP, #%d]\n", dst.Reg, 8*src.Slot)
	case src.Reg >= 0:
		a.str(uint32(src.Reg), 8*dst.Slot)
		a.note("\tSTR\tX%d, [SP, #%d]\n", src.Reg, 8*dst.Slot)
	default:
		a.ldr(scrB, 8*src.Slot)
		a.str(scrB, 8*dst.Slot)
		a.note("\tLDR\tX%d, [SP, #%d]\n\tSTR\tX%d, [SP, #%d]\n", scrB, 8*src.Slot, scrB, 8*dst.Slot)
	}
}

// load returns the register holding a value, reading a spill slot into
// scratch when needed.
func (a *arm64) load(alloc *regalloc.Allocation, e ir.Expr, scratch uint32) uint32 {
	l := alloc.Loc[e]

	if l.Reg >= 0 {
		return uint32(l.Reg)
	}

	a.ldr(scratch, 8*l.Slot)
	a.note("\tLDR\tX%d, [SP, #%d]\t// spill %d\n", scratch, 8*l.Slot, l.Slot)

	return scratch
}

func (a *arm64) flush(d regalloc.Loc, rd uint32) {
	if d.Reg >= 0 {
		return
	}

	a.str(rd, 8*d.Slot)
	a.note("\tSTR\tX%d, [SP, #%d]\t// spill %d\n", rd, 8*d.Slot, d.Slot)
}

func (a *arm64) aluOp(alloc *regalloc.Allocation, id ir.Expr, base uint32, l, r ir.Expr, name string) {
	d, ok := alloc.Loc[id]
	if !ok {
		return
	}

	rl := a.load(alloc, l, scrA)
	rr := a.load(alloc, r, scrB)

	rd := d.Reg
	if rd < 0 {
		rd = scrA
	}

	a.alu(base, uint32(rd), rl, rr, name)
	a.flush(d, uint32(rd))
}

// code layout helpers

func (a *arm64) start(b []byte, debug bool, tr tlog.Span, frame int) error {
	if frame > 0xFFF {
		return errors.New("frame too large: %d", frame)
	}

	a.b = b
	a.base = uint32(len(b))
	a.frame = frame
	a.tab.reset(debug)

	a.labels = make([]int32, len(a.g.Blocks)+1)
	for i := range a.labels {
		a.labels[i] = -1
	}
	a.patches = a.patches[:0]

	if tr.If("asm_listing") {
		a.lst = []byte{}
	}

	return nil
}

func (a *arm64) prologue() {
	a.emit(0xA9BF7BFD) // STP FP, LR, [SP, #-16]!
	a.emit(0x910003FD) // MOV FP, SP
	a.note("\tSTP\tFP, LR, [SP, #-16]!\n\tMOV\tFP, SP\n")

	if a.frame != 0 {
		a.emit(0xD10003FF | uint32(a.frame)<<10) // SUB SP, SP, #frame
		a.note("\tSUB\tSP, SP, #%d\n", a.frame)
	}

	a.tab.cfa(a.off(), 16+a.frame)
}

// finish places the epilogue and resolves every branch. savedBase is
// the frame offset of the first saved callee register.
func (a *arm64) finish(saved []regalloc.Reg, savedBase int) {
	a.label(labelEpilogue(a.g))
	a.note("epilogue:\n")

	for k, r := range saved {
		off := savedBase + 8*k

		a.ldr(uint32(r), off)
		a.note("\tLDR\tX%d, [SP, #%d]\t// callee saved\n", r, off)
	}

	if a.frame != 0 {
		a.emit(0x910003FF | uint32(a.frame)<<10) // ADD SP, SP, #frame
		a.note("\tADD\tSP, SP, #%d\n", a.frame)
	}

	a.emit(0xA8C17BFD) // LDP FP, LR, [SP], #16
	a.emit(0xD65F03C0) // RET
	a.note("\tLDP\tFP, LR, [SP], #16\n\tRET\n")

	for _, p := range a.patches {
		delta := (a.labels[p.label] - int32(p.pos)) / 4

		w := a.word(p.pos)

		switch p.kind {
		case pB26:
			w |= uint32(delta) & 0x03FF_FFFF
		case pB19:
			w |= (uint32(delta) & 0x7_FFFF) << 5
		}

		a.setWord(p.pos, w)
	}
}

func (a *arm64) buildVMap(alloc *regalloc.Allocation) {
	for v, l := range alloc.Loc {
		e := method.VMapEntry{Value: int(v), InReg: l.Reg >= 0, Index: int(l.Reg)}
		if !e.InReg {
			e.Index = l.Slot
		}

		a.tab.vmap = append(a.tab.vmap, e)
	}

	sort.Slice(a.tab.vmap, func(i, j int) bool { return a.tab.vmap[i].Value < a.tab.vmap[j].Value })
}

func (a *arm64) label(l int) {
	for len(a.labels) <= l {
		a.labels = append(a.labels, -1)
	}

	a.labels[l] = int32(a.off())
}

func (a *arm64) branch(block int) { a.branchTo(block) }

func (a *arm64) branchTo(label int) {
	a.patches = append(a.patches, apatch{pos: a.off(), label: label, kind: pB26})
	a.emit(0x14000000) // B
	a.note("\tB\tL%d\n", label)
}

func (a *arm64) bcond(c ir.Cond, label int) {
	a.patches = append(a.patches, apatch{pos: a.off(), label: label, kind: pB19})
	a.emit(0x54000000 | acond(c))
	a.note("\tB.%s\tL%d\n", string(c), label)
}

// instruction encodings

func (a *arm64) emit(w uint32) {
	a.b = append(a.b, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
}

func (a *arm64) off() uint32 { return uint32(len(a.b)) - a.base }

func (a *arm64) word(pos uint32) uint32 {
	i := a.base + pos

	return uint32(a.b[i]) | uint32(a.b[i+1])<<8 | uint32(a.b[i+2])<<16 | uint32(a.b[i+3])<<24
}

func (a *arm64) setWord(pos, w uint32) {
	i := a.base + pos

	a.b[i], a.b[i+1], a.b[i+2], a.b[i+3] = byte(w), byte(w>>8), byte(w>>16), byte(w>>24)
}

func (a *arm64) alu(base, rd, rn, rm uint32, name string) {
	a.emit(base | rm<<16 | rn<<5 | rd)
	a.note("\t%s\tX%d, X%d, X%d\n", name, rd, rn, rm)
}

func (a *arm64) movReg(rd, rm uint32) {
	a.emit(0xAA0003E0 | rm<<16 | rd) // ORR rd, xzr, rm
}

func (a *arm64) ldr(rt uint32, off int) {
	a.emit(0xF9400000 | uint32(off/8)<<10 | regSP<<5 | rt)
}

func (a *arm64) str(rt uint32, off int) {
	a.emit(0xF9000000 | uint32(off/8)<<10 | regSP<<5 | rt)
}

func (a *arm64) cset(rd uint32, c ir.Cond) {
	a.emit(0x9A9F07E0 | (acond(c)^1)<<12 | rd)
	a.note("\tCSET\tX%d, %s\n", rd, string(c))
}

func (a *arm64) loadImm(rd uint32, v int64) {
	a.note("\tMOV\tX%d, #%d\n", rd, v)

	if v >= 0 {
		a.emit(0xD2800000 | uint32(v&0xFFFF)<<5 | rd) // MOVZ

		for sh := 16; sh < 64; sh += 16 {
			if c := uint32(v>>sh) & 0xFFFF; c != 0 {
				a.emit(0xF2800000 | uint32(sh/16)<<21 | c<<5 | rd) // MOVK
			}
		}

		return
	}

	a.emit(0x92800000 | uint32(^v&0xFFFF)<<5 | rd) // MOVN

	for sh := 16; sh < 64; sh += 16 {
		if c := uint32(v>>sh) & 0xFFFF; c != 0xFFFF {
			a.emit(0xF2800000 | uint32(sh/16)<<21 | c<<5 | rd)
		}
	}
}

func (a *arm64) slotOff(s int) int { return 8 * s }

func (a *arm64) note(f string, args ...any) {
	if a.lst == nil {
		return
	}

	a.lst = hfmt.Appendf(a.lst, f, args...)
}

func (a *arm64) flushListing(tr tlog.Span) {
	if a.lst == nil {
		return
	}

	tr.Printw("asm listing", "text", string(a.lst))
	a.lst = nil
}

func acond(c ir.Cond) uint32 {
	switch c {
	case ir.EQ:
		return 0
	case ir.NE:
		return 1
	case ir.GE:
		return 10
	case ir.LT:
		return 11
	case ir.GT:
		return 12
	case ir.LE:
		return 13
	}

	panic(c)
}

func align16(n int) int { return (n + 15) &^ 15 }

func usedRegs(alloc *regalloc.Allocation) (r []regalloc.Reg) {
	for i := 0; i < 32; i++ {
		if alloc.UsedRegs&(1<<uint(i)) != 0 {
			r = append(r, regalloc.Reg(i))
		}
	}

	return r
}

func liveRegMask(live *liveness.Info, alloc *regalloc.Allocation, pos int32) (mask uint64) {
	for v, l := range alloc.Loc {
		if l.Reg < 0 {
			continue
		}

		if iv := live.At(v); iv != nil && iv.Covers(pos) {
			mask |= 1 << uint(l.Reg)
		}
	}

	return mask
}
