package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/backc/backc/compiler"
	"github.com/backc/backc/compiler/bytecode"
	"github.com/backc/backc/compiler/isa"
)

func main() {
	compileCmd := &cli.Command{
		Name:   "compile",
		Action: compileAct,
		Args:   cli.Args{},
		Flags: []*cli.Flag{
			cli.NewFlag("isa", "arm64", "target instruction set"),
			cli.NewFlag("debug", false, "keep source map and cfi in the artifact"),
			cli.NewFlag("force", false, "panic on uncompilable methods instead of skipping them"),
		},
	}

	dumpCmd := &cli.Command{
		Name:   "dump",
		Action: dumpAct,
		Args:   cli.Args{},
	}

	app := &cli.Command{
		Name:        "backc",
		Description: "backc compiles bytecode listings into native method code",
		Commands: []*cli.Command{
			compileCmd,
			dumpCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func compileAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	is, err := isa.Parse(c.String("isa"))
	if err != nil {
		return errors.Wrap(err, "isa")
	}

	cfg := compiler.Config{
		ISA:          is,
		DebugSymbols: c.Bool("debug"),
		ForceCompile: c.Bool("force"),
	}

	for _, a := range c.Args {
		res, err := compiler.CompileFile(ctx, cfg, a)
		if err != nil {
			return errors.Wrap(err, "compile %v", a)
		}

		for _, cm := range res {
			if cm == nil {
				fmt.Printf("not compilable\n")
				continue
			}

			fmt.Printf("%s: %d bytes, frame %d, core mask %#x\n",
				cm.Symbol(), len(cm.Code()), cm.FrameSize(), cm.CoreSpillMask())
			fmt.Printf("%s", hex.Dump(cm.Code()))
		}
	}

	return nil
}

func dumpAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	for _, a := range c.Args {
		f, err := bytecode.ParseFile(ctx, a)
		if err != nil {
			return errors.Wrap(err, "parse %v", a)
		}

		for _, u := range f.Units {
			fmt.Printf("method %s slots %d args %d\n", u.Name, u.NumSlots, u.NumArgs)

			for pc, in := range u.Insns {
				fmt.Printf("%4d: %+v\n", pc, in)
			}
		}
	}

	return nil
}
