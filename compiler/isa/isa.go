// Package isa names the instruction sets the backend knows about.
package isa

import "tlog.app/go/errors"

type ISA int

const (
	None ISA = iota
	ARM64
	AMD64
)

func Parse(s string) (ISA, error) {
	switch s {
	case "arm64", "aarch64":
		return ARM64, nil
	case "amd64", "x86-64", "x86_64":
		return AMD64, nil
	}

	return None, errors.New("unknown isa: %v", s)
}

func (is ISA) String() string {
	switch is {
	case None:
		return "none"
	case ARM64:
		return "arm64"
	case AMD64:
		return "amd64"
	}

	return "unknown"
}

// CodeAlignment is the alignment native code must start at.
func (is ISA) CodeAlignment() int {
	switch is {
	case ARM64:
		return 4
	case AMD64:
		return 16
	}

	return 1
}

// CodeDelta is the difference between the code address and a usable pc.
// Zero for every isa carried here; thumb-like sets would return 1.
func (is ISA) CodeDelta() int {
	return 0
}
