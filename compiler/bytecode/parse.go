package bytecode

import (
	"context"
	"os"
	"strconv"
	"strings"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

// Textual listing format, one instruction per line.
//
//	method fib slots 4 args 1
//	line 10
//	loop:
//		if ge v0, v3 -> done
//		add v1, v1, v2
//		goto loop
//	done:
//		ret v1
//
// Comments start with // or #. A line directive applies to the
// instructions that follow it.

type parser struct {
	path string
	ln   int

	u      *Unit
	labels map[string]int
	fix    []fixup
}

type fixup struct {
	insn  int
	label string
	ln    int
}

func ParseFile(ctx context.Context, name string) (*File, error) {
	text, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "read file")
	}

	tlog.SpanFromContext(ctx).Printw("read listing", "size", len(text), "name", name)

	return Parse(ctx, name, text)
}

func Parse(ctx context.Context, path string, text []byte) (f *File, err error) {
	f = &File{Path: path}

	p := &parser{path: path}

	line := int32(0)

	for _, raw := range strings.Split(string(text), "\n") {
		p.ln++

		l := raw

		if i := strings.Index(l, "//"); i >= 0 {
			l = l[:i]
		}
		if i := strings.Index(l, "#"); i >= 0 {
			l = l[:i]
		}

		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}

		fs := strings.Fields(strings.ReplaceAll(l, ",", " "))

		switch {
		case fs[0] == "method":
			err = p.finish(f)
			if err != nil {
				return nil, err
			}

			err = p.method(fs)
			line = 0
		case strings.HasSuffix(fs[0], ":") && len(fs) == 1:
			err = p.label(strings.TrimSuffix(fs[0], ":"))
		case fs[0] == "line" && len(fs) == 2:
			var v int
			v, err = strconv.Atoi(fs[1])
			line = int32(v)
		default:
			err = p.insn(fs, line)
		}

		if err != nil {
			return nil, errors.Wrap(err, "%v:%d", path, p.ln)
		}
	}

	err = p.finish(f)
	if err != nil {
		return nil, err
	}

	if len(f.Units) == 0 {
		return nil, errors.New("%v: no methods", path)
	}

	return f, nil
}

func (p *parser) method(fs []string) error {
	if len(fs) != 6 || fs[2] != "slots" || fs[4] != "args" {
		return errors.New("want: method NAME slots N args K")
	}

	slots, err := strconv.Atoi(fs[3])
	if err != nil {
		return errors.Wrap(err, "slots")
	}

	args, err := strconv.Atoi(fs[5])
	if err != nil {
		return errors.Wrap(err, "args")
	}

	p.u = &Unit{
		Name:     fs[1],
		NumSlots: slots,
		NumArgs:  args,
	}
	p.labels = map[string]int{}
	p.fix = nil

	return nil
}

func (p *parser) label(name string) error {
	if p.u == nil {
		return errors.New("label outside of a method")
	}

	if _, ok := p.labels[name]; ok {
		return errors.New("label redefined: %v", name)
	}

	p.labels[name] = len(p.u.Insns)

	return nil
}

func (p *parser) insn(fs []string, line int32) error {
	if p.u == nil {
		return errors.New("instruction outside of a method")
	}

	x := Insn{Line: line}

	var err error

	switch fs[0] {
	case "nop":
		x.Op = Nop
	case "const":
		x.Op = Const

		if len(fs) != 3 {
			return errors.New("want: const vA, VAL")
		}

		x.A, err = reg(fs, 1)
		if err == nil {
			x.Val, err = strconv.ParseInt(fs[2], 0, 64)
		}
	case "move":
		x.Op = Move

		x.A, err = reg(fs, 1)
		if err == nil {
			x.B, err = reg(fs, 2)
		}
	case "add", "sub", "mul":
		switch fs[0] {
		case "add":
			x.Op = Add
		case "sub":
			x.Op = Sub
		case "mul":
			x.Op = Mul
		}

		for i, d := range []*int{&x.A, &x.B, &x.C} {
			if err == nil {
				*d, err = reg(fs, 1+i)
			}
		}
	case "if":
		// if COND vB, vC -> LABEL
		x.Op = If

		if len(fs) != 6 || fs[4] != "->" {
			return errors.New("want: if COND vB, vC -> LABEL")
		}

		switch Cond(fs[1]) {
		case "eq", "ne", "lt", "le", "gt", "ge":
			x.Cond = Cond(fs[1])
		default:
			return errors.New("bad condition: %v", fs[1])
		}

		x.B, err = reg(fs, 2)
		if err == nil {
			x.C, err = reg(fs, 3)
		}

		p.fix = append(p.fix, fixup{insn: len(p.u.Insns), label: fs[5], ln: p.ln})
	case "goto":
		x.Op = Goto

		if len(fs) != 2 {
			return errors.New("want: goto LABEL")
		}

		p.fix = append(p.fix, fixup{insn: len(p.u.Insns), label: fs[1], ln: p.ln})
	case "ret":
		if len(fs) == 1 {
			x.Op = RetVoid
		} else {
			x.Op = Ret
			x.A, err = reg(fs, 1)
		}
	default:
		return errors.New("unknown instruction: %v", fs[0])
	}

	if err != nil {
		return err
	}

	p.u.Insns = append(p.u.Insns, x)

	return nil
}

func (p *parser) finish(f *File) error {
	if p.u == nil {
		return nil
	}

	for _, fx := range p.fix {
		t, ok := p.labels[fx.label]
		if !ok {
			return errors.New("%v:%d: undefined label: %v", p.path, fx.ln, fx.label)
		}

		p.u.Insns[fx.insn].Target = t
	}

	f.Units = append(f.Units, p.u)
	p.u = nil

	return nil
}

func reg(fs []string, i int) (int, error) {
	if i >= len(fs) {
		return 0, errors.New("missing operand")
	}

	s := fs[i]
	if len(s) < 2 || s[0] != 'v' {
		return 0, errors.New("bad register: %v", s)
	}

	v, err := strconv.Atoi(s[1:])
	if err != nil || v < 0 {
		return 0, errors.New("bad register: %v", s)
	}

	return v, nil
}
