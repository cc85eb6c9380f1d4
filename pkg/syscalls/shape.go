// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package syscalls

import (
	"fmt"
	"math/bits"
	"strings"

	"gvisor.dev/keep/pkg/block"
)

// NumSlots is the number of syscall arguments.
const NumSlots = block.NumSlots

// Kind is the kind of a syscall argument.
type Kind uint8

// Argument kinds.
const (
	// None marks an argument the syscall does not take.
	None Kind = iota

	// Imm is an argument passed by value.
	Imm

	// Ref is a pointer into trusted memory, passed through the data area.
	Ref
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Imm:
		return "imm"
	case Ref:
		return "ref"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Dir is the copy direction of a reference argument.
type Dir uint8

// Copy directions.
const (
	// In references are copied from trusted memory into the data area
	// before the crossing.
	In Dir = iota + 1

	// Out references are copied from the data area back to trusted memory
	// after the reply.
	Out

	// InOut references are copied both ways.
	InOut
)

// String implements fmt.Stringer.String.
func (d Dir) String() string {
	switch d {
	case In:
		return "in"
	case Out:
		return "out"
	case InOut:
		return "inout"
	default:
		return fmt.Sprintf("Dir(%d)", uint8(d))
	}
}

// CopiesIn returns true if the referenced bytes are copied before the
// crossing.
func (d Dir) CopiesIn() bool { return d == In || d == InOut }

// CopiesOut returns true if the referenced bytes are copied back after the
// reply.
func (d Dir) CopiesOut() bool { return d == Out || d == InOut }

// LenKind selects how the length of a reference is computed.
type LenKind uint8

// Length kinds.
const (
	// LenFixed is a constant length, e.g. the size of a struct.
	LenFixed LenKind = iota + 1

	// LenFromArg is the value of another, immediate, argument.
	LenFromArg

	// LenFromArgScaled is the value of another argument times a constant,
	// e.g. a count of fixed-size records.
	LenFromArgScaled

	// LenFromRef is the 32-bit value stored in another reference argument,
	// e.g. a socklen_t passed by pointer.
	LenFromRef

	// LenCString is a NUL-terminated input string. The length includes the
	// NUL.
	LenCString
)

// LenSpec computes the length of a reference argument.
type LenSpec struct {
	Kind  LenKind
	N     uint64
	Arg   int
	Scale uint64
}

// Fixed returns a LenSpec of n bytes.
func Fixed(n uintptr) LenSpec { return LenSpec{Kind: LenFixed, N: uint64(n)} }

// FromArg returns a LenSpec taken from argument i.
func FromArg(i int) LenSpec { return LenSpec{Kind: LenFromArg, Arg: i, Scale: 1} }

// FromArgScaled returns a LenSpec of argument i times k.
func FromArgScaled(i int, k uintptr) LenSpec {
	return LenSpec{Kind: LenFromArgScaled, Arg: i, Scale: uint64(k)}
}

// FromRef returns a LenSpec read from the 32-bit value referenced by
// argument i.
func FromRef(i int) LenSpec { return LenSpec{Kind: LenFromRef, Arg: i} }

// CString is the LenSpec of a NUL-terminated input string.
var CString = LenSpec{Kind: LenCString}

// String implements fmt.Stringer.String.
func (l LenSpec) String() string {
	switch l.Kind {
	case LenFixed:
		return fmt.Sprintf("%d", l.N)
	case LenFromArg:
		return fmt.Sprintf("arg%d", l.Arg)
	case LenFromArgScaled:
		return fmt.Sprintf("arg%d*%d", l.Arg, l.Scale)
	case LenFromRef:
		return fmt.Sprintf("*arg%d", l.Arg)
	case LenCString:
		return "cstring"
	default:
		return "?"
	}
}

// Arg describes one syscall argument.
type Arg struct {
	// Kind is the argument kind.
	Kind Kind

	// Dir is the copy direction of a reference.
	Dir Dir

	// Len computes the length of a reference.
	Len LenSpec

	// Max is the largest permitted length of a reference. A longer
	// reference is a policy violation.
	Max uint64

	// Nullable permits a null pointer, which is passed as such.
	Nullable bool

	// RetLen means the bytes produced for an out reference equal the
	// syscall's non-negative result.
	RetLen bool
}

// String implements fmt.Stringer.String.
func (a Arg) String() string {
	switch a.Kind {
	case None:
		return "-"
	case Imm:
		return "imm"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%s<=%d]", a.Dir, a.Len, a.Max)
	if a.Nullable {
		b.WriteString("?")
	}
	return b.String()
}

// Length returns the length of reference a given the immediate argument
// values. It is not defined for LenFromRef and LenCString, whose lengths
// depend on memory contents.
func (a Arg) Length(vals [NumSlots]uint64) (uint64, bool) {
	switch a.Len.Kind {
	case LenFixed:
		return a.Len.N, true
	case LenFromArg:
		return vals[a.Len.Arg], true
	case LenFromArgScaled:
		hi, lo := bits.Mul64(vals[a.Len.Arg], a.Len.Scale)
		return lo, hi == 0
	default:
		return 0, false
	}
}

// Shape is the argument shape of a syscall.
type Shape [NumSlots]Arg

// String implements fmt.Stringer.String.
func (s Shape) String() string {
	n := NumSlots
	for n > 0 && s[n-1].Kind == None {
		n--
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = s[i].String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// validate checks that s is internally consistent.
func (s Shape) validate() error {
	for i, a := range s {
		switch a.Kind {
		case None, Imm:
			if a.Dir != 0 || a.Len.Kind != 0 || a.Nullable || a.RetLen {
				return fmt.Errorf("arg %d: %v argument has reference attributes", i, a.Kind)
			}
			continue
		case Ref:
		default:
			return fmt.Errorf("arg %d: unknown kind %v", i, a.Kind)
		}
		if a.Dir < In || a.Dir > InOut {
			return fmt.Errorf("arg %d: bad direction %v", i, a.Dir)
		}
		if a.Max == 0 {
			return fmt.Errorf("arg %d: reference without a maximum length", i)
		}
		switch a.Len.Kind {
		case LenFixed:
			if a.Len.N > a.Max {
				return fmt.Errorf("arg %d: fixed length %d exceeds max %d", i, a.Len.N, a.Max)
			}
		case LenFromArg, LenFromArgScaled:
			if j := a.Len.Arg; j < 0 || j >= NumSlots || s[j].Kind != Imm {
				return fmt.Errorf("arg %d: length taken from non-immediate arg %d", i, j)
			}
		case LenFromRef:
			j := a.Len.Arg
			if j < 0 || j >= NumSlots || s[j].Kind != Ref || !s[j].Dir.CopiesIn() || s[j].Len != Fixed(4) || s[j].Nullable != a.Nullable {
				return fmt.Errorf("arg %d: length taken from arg %d, which is not a 4-byte input reference", i, j)
			}
		case LenCString:
			if a.Dir != In {
				return fmt.Errorf("arg %d: cstring must be an input", i)
			}
		default:
			return fmt.Errorf("arg %d: reference without a length", i)
		}
		if a.RetLen && !a.Dir.CopiesOut() {
			return fmt.Errorf("arg %d: result length on an input reference", i)
		}
	}
	return nil
}

// Shape constructors used to build tables.

var imm = Arg{Kind: Imm}

func in(l LenSpec, max uint64) Arg {
	return Arg{Kind: Ref, Dir: In, Len: l, Max: max}
}

func out(l LenSpec, max uint64) Arg {
	return Arg{Kind: Ref, Dir: Out, Len: l, Max: max}
}

func inout(l LenSpec, max uint64) Arg {
	return Arg{Kind: Ref, Dir: InOut, Len: l, Max: max}
}

func nullable(a Arg) Arg {
	a.Nullable = true
	return a
}

// buffer returns an I/O buffer whose length is argument i. Output buffers
// are filled up to the syscall's result.
func buffer(d Dir, i int, max uint64) Arg {
	return Arg{Kind: Ref, Dir: d, Len: FromArg(i), Max: max, RetLen: d == Out}
}

func shape(args ...Arg) Shape {
	var s Shape
	copy(s[:], args)
	return s
}
