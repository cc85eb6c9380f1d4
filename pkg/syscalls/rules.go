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
	"strings"
)

// ValueMatcher matches the value of an immediate argument.
type ValueMatcher interface {
	// Matches returns true if v is accepted.
	Matches(v uint64) bool

	fmt.Stringer
}

// MatchAny is marker to indicate any value will be accepted.
type MatchAny struct{}

// Matches implements ValueMatcher.Matches.
func (MatchAny) Matches(uint64) bool { return true }

func (MatchAny) String() string { return "*" }

// EqualTo specifies a value that needs to be strictly matched.
type EqualTo uint64

// Matches implements ValueMatcher.Matches.
func (a EqualTo) Matches(v uint64) bool { return v == uint64(a) }

func (a EqualTo) String() string { return fmt.Sprintf("== %#x", uint64(a)) }

// NotEqual specifies a value that is strictly not equal.
type NotEqual uint64

// Matches implements ValueMatcher.Matches.
func (a NotEqual) Matches(v uint64) bool { return v != uint64(a) }

func (a NotEqual) String() string { return fmt.Sprintf("!= %#x", uint64(a)) }

// LessThanOrEqual specifies a value that needs to be greater or equal.
type LessThanOrEqual uint64

// Matches implements ValueMatcher.Matches.
func (a LessThanOrEqual) Matches(v uint64) bool { return v <= uint64(a) }

func (a LessThanOrEqual) String() string { return fmt.Sprintf("<= %#x", uint64(a)) }

type oneOf []uint64

// OneOf specifies a set of accepted values.
func OneOf(vals ...uint64) ValueMatcher {
	return oneOf(vals)
}

// Matches implements ValueMatcher.Matches.
func (a oneOf) Matches(v uint64) bool {
	for _, x := range a {
		if v == x {
			return true
		}
	}
	return false
}

func (a oneOf) String() string {
	parts := make([]string, len(a))
	for i, x := range a {
		parts[i] = fmt.Sprintf("%#x", x)
	}
	return "in {" + strings.Join(parts, ", ") + "}"
}

type maskedEqual struct {
	mask  uint64
	value uint64
}

// Matches implements ValueMatcher.Matches.
func (a maskedEqual) Matches(v uint64) bool { return v&a.mask == a.value }

func (a maskedEqual) String() string {
	return fmt.Sprintf("& %#x == %#x", a.mask, a.value)
}

// MaskedEqual specifies a value that matches the input after the input is
// masked (bitwise &) against the given mask. Can be used to verify that input
// only includes certain approved flags.
func MaskedEqual(mask, value uint64) ValueMatcher {
	return maskedEqual{
		mask:  mask,
		value: value,
	}
}

// Rule stores the allowed syscall arguments. A nil matcher accepts any
// value.
//
// For example:
//
//	rule := Rule{
//		MatchAny{},
//		OneOf(unix.F_GETFD, unix.F_SETFD), // arg1
//	}
type Rule [NumSlots]ValueMatcher

// Matches returns true if every matcher in r accepts the corresponding value.
func (r Rule) Matches(vals [NumSlots]uint64) bool {
	for i, m := range r {
		if m != nil && !m.Matches(vals[i]) {
			return false
		}
	}
	return true
}

func (r Rule) String() (s string) {
	n := NumSlots
	for n > 0 && r[n-1] == nil {
		n--
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		if r[i] == nil {
			parts[i] = "*"
		} else {
			parts[i] = r[i].String()
		}
	}
	return "( " + strings.Join(parts, ", ") + " )"
}

// Rules are OR'ed argument rules. If Rules is empty, any argument is
// allowed.
type Rules []Rule

// Matches returns true if any rule matches vals.
func (rs Rules) Matches(vals [NumSlots]uint64) bool {
	if len(rs) == 0 {
		return true
	}
	for _, r := range rs {
		if r.Matches(vals) {
			return true
		}
	}
	return false
}

func (rs Rules) String() string {
	if len(rs) == 0 {
		return "*"
	}
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.String()
	}
	return strings.Join(parts, " || ")
}
