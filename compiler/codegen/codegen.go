// Package codegen emits native instruction bytes from a graph, in
// baseline mode (straight from the slot-form CFG) or optimized mode
// (from SSA plus a register allocation). One emitter per instruction
// set, behind a common interface; the driver picks the mode.
package codegen

import (
	"context"

	"github.com/backc/backc/compiler/ir"
	"github.com/backc/backc/compiler/isa"
	"github.com/backc/backc/compiler/liveness"
	"github.com/backc/backc/compiler/method"
	"github.com/backc/backc/compiler/regalloc"
)

type (
	// Tables are the side products of one emission.
	Tables struct {
		Mapping []byte // native pc <-> bytecode pc
		VMap    []byte // value locations
		GCMap   []byte // safepoint liveness
		SrcMap  method.SrcMap
		CFI     []byte
	}

	Gen interface {
		// CompileBaseline appends baseline code for the slot-form
		// graph to b. Works on every supported isa.
		CompileBaseline(ctx context.Context, b []byte, debug bool) ([]byte, error)

		// CompileOptimized appends code for the SSA graph using the
		// allocation. Only on isas the allocator supports.
		CompileOptimized(ctx context.Context, b []byte, live *liveness.Info, alloc *regalloc.Allocation, debug bool) ([]byte, error)

		FrameSize() int
		CoreSpillMask() uint32
		FPSpillMask() uint32

		Tables() Tables
	}
)

// Cap is the static capability level of an isa.
type Cap int

const (
	CapNone Cap = iota
	CapBaseline
	CapOptimized
)

// Capability reports how far code generation can go on the isa.
// Optimized requires the allocator to support the isa too.
func Capability(is isa.ISA) Cap {
	switch {
	case is != isa.ARM64 && is != isa.AMD64:
		return CapNone
	case regalloc.Supports(is):
		return CapOptimized
	}

	return CapBaseline
}

// New returns the emitter for the isa, nil if there is none.
func New(is isa.ISA, g *ir.Graph) Gen {
	switch is {
	case isa.ARM64:
		return &arm64{g: g}
	case isa.AMD64:
		return &amd64{g: g}
	}

	return nil
}

// tables accumulates side tables during emission.
type tables struct {
	debug bool

	mapping []method.MapEntry
	src     method.SrcMap
	vmap    []method.VMapEntry
	gc      []method.GCMapEntry
	cfi     []byte

	lastPC int32
}

func (t *tables) reset(debug bool) {
	*t = tables{debug: debug, lastPC: -1}
}

// mark records the native offset of a bytecode pc boundary.
func (t *tables) mark(off uint32, pc, line int32) {
	if pc == t.lastPC {
		return
	}

	t.lastPC = pc
	t.mapping = append(t.mapping, method.MapEntry{NativePC: off, BytecodePC: uint32(pc)})

	if t.debug {
		t.src = append(t.src, method.SrcMapElem{From: off, To: line})
	}
}

func (t *tables) safepoint(key uint32, live uint64) {
	t.gc = append(t.gc, method.GCMapEntry{Key: key, Live: live})
}

// cfa records the frame advance of the prologue: offset where the
// frame is fully set up and the cfa distance from the entry sp.
func (t *tables) cfa(off uint32, size int) {
	if !t.debug {
		return
	}

	t.cfi = method.AppendULEB(t.cfi, uint64(off))
	t.cfi = method.AppendULEB(t.cfi, uint64(size))
}

func (t *tables) Tables() Tables {
	return Tables{
		Mapping: method.EncodeMappingTable(t.mapping),
		VMap:    method.EncodeVMapTable(t.vmap),
		GCMap:   method.EncodeGCMap(t.gc),
		SrcMap:  t.src,
		CFI:     t.cfi,
	}
}

// patch is an unresolved branch: label offsets get back-filled once
// every label is placed.
type patch struct {
	pos   uint32
	label int
}

// labels: one per block, then the epilogue, then edge trampolines.
func labelEpilogue(g *ir.Graph) int { return len(g.Blocks) }
