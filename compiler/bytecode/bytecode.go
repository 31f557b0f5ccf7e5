// Package bytecode defines the verified input of the backend: one
// method's register bytecode. Parsing and verification of the container
// format live outside this module; a Unit arrives well typed.
package bytecode

type (
	Op uint8

	Cond string

	Insn struct {
		Op Op

		A, B, C int // virtual register operands

		Val    int64 // Const payload
		Cond   Cond  // If condition
		Target int   // If/Goto target, an insn index

		Line int32 // source line
	}

	// Unit is one method. Arguments occupy slots [0, NumArgs).
	Unit struct {
		Name     string
		NumSlots int
		NumArgs  int

		Insns []Insn
	}

	// File is a minimal stand-in for the bytecode container: it only
	// carries what the backend reads back (path and units).
	File struct {
		Path  string
		Units []*Unit
	}
)

const (
	Nop Op = iota
	Const
	Move
	Add
	Sub
	Mul
	If
	Goto
	Ret
	RetVoid

	opLast
)

func (o Op) String() string {
	switch o {
	case Nop:
		return "nop"
	case Const:
		return "const"
	case Move:
		return "move"
	case Add:
		return "add"
	case Sub:
		return "sub"
	case Mul:
		return "mul"
	case If:
		return "if"
	case Goto:
		return "goto"
	case Ret:
		return "ret"
	case RetVoid:
		return "retvoid"
	}

	return "bad-op"
}

func (o Op) Valid() bool { return o < opLast }

// Terminates reports whether an instruction never falls through.
func (o Op) Terminates() bool { return o == Goto || o == Ret || o == RetVoid }
