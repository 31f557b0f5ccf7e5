package compiler

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backc/backc/compiler/bytecode"
	"github.com/backc/backc/compiler/isa"
	"github.com/backc/backc/compiler/method"
)

func sumUnit() *bytecode.Unit {
	return &bytecode.Unit{
		Name:     "sum",
		NumSlots: 4,
		NumArgs:  1,
		Insns: []bytecode.Insn{
			{Op: bytecode.Const, A: 1, Val: 0, Line: 1},
			{Op: bytecode.Const, A: 2, Val: 0, Line: 1},
			{Op: bytecode.Const, A: 3, Val: 1, Line: 1},
			{Op: bytecode.If, B: 2, C: 0, Cond: "ge", Target: 7, Line: 2},
			{Op: bytecode.Add, A: 1, B: 1, C: 2, Line: 3},
			{Op: bytecode.Add, A: 2, B: 2, C: 3, Line: 3},
			{Op: bytecode.Goto, Target: 3, Line: 3},
			{Op: bytecode.Ret, A: 1, Line: 4},
		},
	}
}

func TestCompileOptimized(t *testing.T) {
	cfg := Config{ISA: isa.ARM64, DebugSymbols: true}

	cm, err := Compile(context.Background(), cfg, Method{Unit: sumUnit()})
	require.NoError(t, err)
	require.NotNil(t, cm)

	assert.Equal(t, isa.ARM64, cm.ISA())
	assert.NotEmpty(t, cm.Code())
	assert.Zero(t, cm.FrameSize()%16)

	// fp and lr are always in the core mask
	assert.Equal(t, uint32(1<<29|1<<30), cm.CoreSpillMask()&(1<<29|1<<30))
	assert.Zero(t, cm.FPSpillMask())

	mapping, err := method.DecodeMappingTable(cm.MappingTable())
	require.NoError(t, err)
	assert.NotEmpty(t, mapping)

	gc, err := method.DecodeGCMap(cm.GCMap())
	require.NoError(t, err)
	assert.NotEmpty(t, gc)

	vmap, err := method.DecodeVMapTable(cm.VMapTable())
	require.NoError(t, err)
	assert.NotEmpty(t, vmap)

	// debug products, arranged and non-empty
	require.NotEmpty(t, cm.SrcMap())
	assert.Equal(t, cm.SrcMap(), cm.SrcMap().Arrange())
	assert.NotEmpty(t, cm.CFI())

	assert.Equal(t, "static sum", cm.Symbol())
}

func TestCompileBaseline(t *testing.T) {
	cfg := Config{ISA: isa.AMD64}

	cm, err := Compile(context.Background(), cfg, Method{Unit: sumUnit(), Invoke: InvokeVirtual})
	require.NoError(t, err)
	require.NotNil(t, cm)

	assert.Equal(t, isa.AMD64, cm.ISA())
	assert.NotEmpty(t, cm.Code())
	assert.Equal(t, uint32(1<<5), cm.CoreSpillMask())
	assert.Equal(t, "virtual sum", cm.Symbol())

	// no debug symbols requested
	assert.Nil(t, cm.SrcMap())
	assert.Nil(t, cm.CFI())

	// the mapping and gc tables are unconditional
	mapping, err := method.DecodeMappingTable(cm.MappingTable())
	require.NoError(t, err)
	assert.NotEmpty(t, mapping)
}

func TestNotCompilable(t *testing.T) {
	ctx := context.Background()

	// unsupported isa
	cm, err := Compile(ctx, Config{ISA: isa.None}, Method{Unit: sumUnit()})
	assert.NoError(t, err)
	assert.Nil(t, cm)

	// broken unit: control falls off the end
	u := &bytecode.Unit{Name: "broken", NumSlots: 1, Insns: []bytecode.Insn{{Op: bytecode.Nop}}}

	cm, err = Compile(ctx, Config{ISA: isa.ARM64}, Method{Unit: u})
	assert.NoError(t, err)
	assert.Nil(t, cm)
}

func TestForceMarkers(t *testing.T) {
	ctx := context.Background()

	assert.Panics(t, func() {
		_, _ = Compile(ctx, Config{ISA: isa.None, ForceCompile: true}, Method{Unit: sumUnit()})
	})

	u := &bytecode.Unit{Name: "broken", NumSlots: 1, Insns: []bytecode.Insn{{Op: bytecode.Nop}}}

	assert.Panics(t, func() {
		_, _ = Compile(ctx, Config{ISA: isa.ARM64, ForceCompile: true}, Method{Unit: u})
	})
}

func TestSymbolOverride(t *testing.T) {
	cm, err := Compile(context.Background(), Config{ISA: isa.ARM64},
		Method{Unit: sumUnit(), Symbol: "LSum;->run"})
	require.NoError(t, err)
	require.NotNil(t, cm)

	assert.Equal(t, "LSum;->run", cm.Symbol())
}

func TestCompileConcurrent(t *testing.T) {
	cfg := Config{ISA: isa.ARM64, DebugSymbols: true}

	ref, err := Compile(context.Background(), cfg, Method{Unit: sumUnit()})
	require.NoError(t, err)
	require.NotNil(t, ref)

	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			cm, err := Compile(context.Background(), cfg, Method{Unit: sumUnit()})
			if err != nil || cm == nil {
				t.Errorf("compile: %v %v", cm, err)
				return
			}

			if !bytes.Equal(ref.Code(), cm.Code()) {
				t.Errorf("code differs between runs")
			}
		}()
	}

	wg.Wait()
}

func TestCompileFile(t *testing.T) {
	text := `
method sum slots 4 args 1
	const v1, 0
	const v2, 0
	const v3, 1
loop:
	if ge v2, v0 -> done
	add v1, v1, v2
	add v2, v2, v3
	goto loop
done:
	ret v1

method nothing slots 0 args 0
	ret
`

	name := filepath.Join(t.TempDir(), "sum.bc")
	require.NoError(t, os.WriteFile(name, []byte(text), 0o644))

	res, err := CompileFile(context.Background(), Config{ISA: isa.ARM64}, name)
	require.NoError(t, err)
	require.Len(t, res, 2)

	require.NotNil(t, res[0])
	assert.Contains(t, res[0].Symbol(), "sum")
	assert.NotEmpty(t, res[0].Code())

	require.NotNil(t, res[1])
	assert.NotEmpty(t, res[1].Code())
}
