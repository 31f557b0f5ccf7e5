// Package method holds the immutable result of one compilation: the
// native code bytes plus the frame and table metadata the packaging
// and linking layers read back.
package method

import (
	"github.com/backc/backc/compiler/isa"
)

type (
	// CompiledCode is code bytes with an instruction set tag and an
	// optional symbol (used by the legacy non-SSA path).
	CompiledCode struct {
		is     isa.ISA
		code   []byte
		symbol string
	}

	// CompiledMethod is created once after code generation and never
	// mutated. Accessors return read-only views; callers own the
	// record and release it as a whole.
	CompiledMethod struct {
		CompiledCode

		frameSize     int
		coreSpillMask uint32
		fpSpillMask   uint32

		srcMap       SrcMap // nil unless debug symbols were requested
		mappingTable []byte
		vmapTable    []byte
		gcMap        []byte
		cfi          []byte // nil unless debug symbols were requested
	}
)

func NewCode(is isa.ISA, code []byte, symbol string) CompiledCode {
	return CompiledCode{
		is:     is,
		code:   dup(code),
		symbol: symbol,
	}
}

func New(
	is isa.ISA,
	code []byte,
	frameSize int,
	coreSpillMask, fpSpillMask uint32,
	srcMap SrcMap,
	mappingTable, vmapTable, gcMap, cfi []byte,
	symbol string,
) *CompiledMethod {
	var sm SrcMap
	if srcMap != nil {
		sm = append(SrcMap{}, srcMap...)
	}

	return &CompiledMethod{
		CompiledCode:  NewCode(is, code, symbol),
		frameSize:     frameSize,
		coreSpillMask: coreSpillMask,
		fpSpillMask:   fpSpillMask,
		srcMap:        sm,
		mappingTable:  dup(mappingTable),
		vmapTable:     dup(vmapTable),
		gcMap:         dup(gcMap),
		cfi:           dup(cfi),
	}
}

func (c *CompiledCode) ISA() isa.ISA   { return c.is }
func (c *CompiledCode) Code() []byte   { return c.code }
func (c *CompiledCode) Symbol() string { return c.symbol }

// AlignCode aligns an offset so the code that follows it satisfies the
// isa alignment.
func AlignCode(offset uint32, is isa.ISA) uint32 {
	a := uint32(is.CodeAlignment())

	return (offset + a - 1) &^ (a - 1)
}

// CodeDelta is the difference between the code address and a usable pc.
func (c *CompiledCode) CodeDelta() int { return c.is.CodeDelta() }

func (m *CompiledMethod) FrameSize() int        { return m.frameSize }
func (m *CompiledMethod) CoreSpillMask() uint32 { return m.coreSpillMask }
func (m *CompiledMethod) FPSpillMask() uint32   { return m.fpSpillMask }
func (m *CompiledMethod) SrcMap() SrcMap        { return m.srcMap }
func (m *CompiledMethod) MappingTable() []byte  { return m.mappingTable }
func (m *CompiledMethod) VMapTable() []byte     { return m.vmapTable }
func (m *CompiledMethod) GCMap() []byte         { return m.gcMap }
func (m *CompiledMethod) CFI() []byte           { return m.cfi }

func dup(b []byte) []byte {
	if b == nil {
		return nil
	}

	return append([]byte{}, b...)
}
