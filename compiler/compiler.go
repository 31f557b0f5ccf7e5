package compiler

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/backc/backc/compiler/build"
	"github.com/backc/backc/compiler/bytecode"
	"github.com/backc/backc/compiler/codegen"
	"github.com/backc/backc/compiler/ir"
	"github.com/backc/backc/compiler/isa"
	"github.com/backc/backc/compiler/liveness"
	"github.com/backc/backc/compiler/method"
	"github.com/backc/backc/compiler/regalloc"
	"github.com/backc/backc/compiler/ssa"
)

type (
	// Config is the per-call compiler configuration. No globals.
	Config struct {
		ISA isa.ISA

		// DebugSymbols keeps the source map and cfi in the artifact.
		DebugSymbols bool

		// Testing markers. A method that silently fails to compile
		// under them is a bug, so the driver panics instead of
		// returning (nil, nil).
		ForceCompile  bool
		ForceOptimize bool
	}

	InvokeKind int

	// Method is one compilation request.
	Method struct {
		Unit *bytecode.Unit
		File *bytecode.File // optional container, names the artifact

		AccessFlags         uint32
		Invoke              InvokeKind
		ClassIdx, MethodIdx int

		// Symbol overrides the generated artifact symbol.
		Symbol string
	}
)

const (
	InvokeStatic InvokeKind = iota
	InvokeDirect
	InvokeVirtual
	InvokeSuper
	InvokeInterface
)

// Compile compiles one method. (nil, nil) means the method is not
// compilable here; the caller is expected to fall back.
func Compile(ctx context.Context, cfg Config, m Method) (_ *method.CompiledMethod, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "compile method", "name", m.Unit.Name, "isa", cfg.ISA)
	defer tr.Finish("err", &err)

	cp := codegen.Capability(cfg.ISA)
	if cp == codegen.CapNone {
		if cfg.ForceCompile {
			panic("forced compile of unsupported isa: " + cfg.ISA.String())
		}

		tr.Printw("not compilable", "reason", "unsupported isa")

		return nil, nil
	}

	g, err := build.Build(ctx, m.Unit)
	if err != nil {
		if cfg.ForceCompile {
			panic("forced compile failed to build graph: " + err.Error())
		}

		tr.Printw("not compilable", "reason", "graph", "err", err)

		return nil, nil
	}

	gen := codegen.New(cfg.ISA, g)

	var code []byte

	if cp == codegen.CapOptimized {
		code, err = compileOptimized(ctx, cfg, g, gen)
		if err != nil {
			if cfg.ForceOptimize || cfg.ForceCompile {
				panic("forced optimized compile failed: " + err.Error())
			}

			tr.Printw("not compilable", "reason", "optimized path", "err", err)

			return nil, nil
		}
	} else {
		code, err = gen.CompileBaseline(ctx, nil, cfg.DebugSymbols)
		if err != nil {
			if cfg.ForceCompile {
				panic("forced baseline compile failed: " + err.Error())
			}

			tr.Printw("not compilable", "reason", "baseline path", "err", err)

			return nil, nil
		}

		// analysis coverage over the same graph; results are unused
		cover(ctx, g)
	}

	t := gen.Tables()

	var sm method.SrcMap
	var cfi []byte

	if cfg.DebugSymbols {
		sm = t.SrcMap.Arrange()
		cfi = t.CFI
	}

	cm := method.New(cfg.ISA, code,
		gen.FrameSize(), gen.CoreSpillMask(), gen.FPSpillMask(),
		sm, t.Mapping, t.VMap, t.GCMap, cfi,
		m.symbol())

	tr.Printw("compiled", "mode", mode(cp), "code_size", len(code), "frame", gen.FrameSize())

	return cm, nil
}

func compileOptimized(ctx context.Context, cfg Config, g *ir.Graph, gen codegen.Gen) (code []byte, err error) {
	err = ssa.BuildDomTree(ctx, g)
	if err != nil {
		return nil, errors.Wrap(err, "dominator tree")
	}

	err = ssa.FindLoops(ctx, g)
	if err != nil {
		return nil, errors.Wrap(err, "loops")
	}

	err = ssa.Convert(ctx, g)
	if err != nil {
		return nil, errors.Wrap(err, "ssa")
	}

	err = ssa.Simplify(ctx, g)
	if err != nil {
		return nil, errors.Wrap(err, "phi simplification")
	}

	live, err := liveness.Analyze(ctx, g)
	if err != nil {
		return nil, errors.Wrap(err, "liveness")
	}

	alloc, err := regalloc.Allocate(ctx, g, live, cfg.ISA)
	if err != nil {
		return nil, errors.Wrap(err, "register allocation")
	}

	code, err = gen.CompileOptimized(ctx, nil, live, alloc, cfg.DebugSymbols)
	if err != nil {
		return nil, errors.Wrap(err, "emit")
	}

	return code, nil
}

// cover runs the analyses on the baseline path too, for their checks
// and their dumps. Runs after emission: conversion destroys the slot
// form the baseline emitter reads.
func cover(ctx context.Context, g *ir.Graph) {
	tr := tlog.SpanFromContext(ctx)

	err := ssa.BuildDomTree(ctx, g)
	if err == nil {
		err = ssa.FindLoops(ctx, g)
	}
	if err == nil {
		err = ssa.Convert(ctx, g)
	}
	if err == nil {
		err = ssa.Simplify(ctx, g)
	}
	if err == nil {
		_, err = liveness.Analyze(ctx, g)
	}

	if err != nil {
		tr.Printw("analysis coverage failed", "err", err)
	}
}

// CompileFile parses a bytecode listing and compiles every unit in it.
// Units that are not compilable come back as nil entries, index-aligned
// with File.Units.
func CompileFile(ctx context.Context, cfg Config, name string) (res []*method.CompiledMethod, err error) {
	f, err := bytecode.ParseFile(ctx, name)
	if err != nil {
		return nil, errors.Wrap(err, "parse listing")
	}

	for _, u := range f.Units {
		cm, err := Compile(ctx, cfg, Method{Unit: u, File: f})
		if err != nil {
			return nil, errors.Wrap(err, "%v", u.Name)
		}

		res = append(res, cm)
	}

	return res, nil
}

func (m Method) symbol() string {
	if m.Symbol != "" {
		return m.Symbol
	}

	s := m.Unit.Name
	if m.File != nil && m.File.Path != "" {
		s = m.File.Path + ":" + s
	}

	return m.Invoke.String() + " " + s
}

func (k InvokeKind) String() string {
	switch k {
	case InvokeStatic:
		return "static"
	case InvokeDirect:
		return "direct"
	case InvokeVirtual:
		return "virtual"
	case InvokeSuper:
		return "super"
	case InvokeInterface:
		return "interface"
	}

	return "invoke?"
}

func mode(c codegen.Cap) string {
	if c == codegen.CapOptimized {
		return "optimized"
	}

	return "baseline"
}
