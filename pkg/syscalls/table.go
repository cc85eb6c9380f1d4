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

// Package syscalls defines the allow-list consulted by both sides of a proxy
// channel: which syscalls are proxied to the host, which are emulated by the
// trusted side, and which are rejected, together with the argument shape of
// every proxied syscall.
package syscalls

import (
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
	"gvisor.dev/keep/pkg/errors"
)

// Policy is the disposition of a syscall.
type Policy uint8

// Policies.
const (
	// Rejected syscalls fail immediately and never reach the host.
	Rejected Policy = iota

	// Proxied syscalls are forwarded to the host.
	Proxied

	// Emulated syscalls are answered by the trusted side.
	Emulated
)

// String implements fmt.Stringer.String.
func (p Policy) String() string {
	switch p {
	case Rejected:
		return "rejected"
	case Proxied:
		return "proxied"
	case Emulated:
		return "emulated"
	default:
		return fmt.Sprintf("Policy(%d)", uint8(p))
	}
}

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Entry is the allow-list entry of one syscall.
type Entry struct {
	// Nr is the native syscall number.
	Nr uintptr

	// Name is the syscall name.
	Name string

	// Policy is the disposition of the syscall.
	Policy Policy

	// Shape is the argument shape. It is only meaningful for Proxied and
	// Emulated entries.
	Shape Shape

	// Rules constrain the immediate arguments.
	Rules Rules

	// Errno is returned for Rejected entries. EPERM if zero.
	Errno unix.Errno
}

// Check returns the policy error for calling e with vals, or nil if the call
// may proceed to proxying or emulation.
func (e *Entry) Check(vals [NumSlots]uint64) error {
	if e.Policy == Rejected {
		errno := e.Errno
		if errno == 0 {
			errno = unix.EPERM
		}
		return errors.Policyf(errno, "syscall %s (%d) is not allowed", e.Name, e.Nr)
	}
	if !e.Rules.Matches(vals) {
		return errors.Policyf(unix.EPERM, "arguments of syscall %s (%d) do not match %v", e.Name, e.Nr, e.Rules)
	}
	return nil
}

// Table is an immutable allow-list keyed by syscall number.
//
// Syscalls that are not in the table are rejected with ENOSYS.
type Table struct {
	entries map[uintptr]Entry
	byName  map[string]uintptr
}

// NewTable builds a Table from entries.
func NewTable(entries ...Entry) (*Table, error) {
	t := &Table{
		entries: make(map[uintptr]Entry, len(entries)),
		byName:  make(map[string]uintptr, len(entries)),
	}
	for _, e := range entries {
		if _, ok := t.entries[e.Nr]; ok {
			return nil, fmt.Errorf("duplicate entry for syscall %d (%s)", e.Nr, e.Name)
		}
		if _, ok := t.byName[e.Name]; ok {
			return nil, fmt.Errorf("duplicate entry for syscall %s", e.Name)
		}
		if e.Policy != Rejected {
			if err := e.Shape.validate(); err != nil {
				return nil, fmt.Errorf("syscall %s: %w", e.Name, err)
			}
		}
		t.entries[e.Nr] = e
		t.byName[e.Name] = e.Nr
	}
	return t, nil
}

// Lookup returns the entry for nr. Unknown numbers yield a Rejected entry
// with ENOSYS.
func (t *Table) Lookup(nr uintptr) Entry {
	if e, ok := t.entries[nr]; ok {
		return e
	}
	return Entry{
		Nr:     nr,
		Name:   fmt.Sprintf("syscall_%d", nr),
		Policy: Rejected,
		Errno:  unix.ENOSYS,
	}
}

// ByName returns the entry named name.
func (t *Table) ByName(name string) (Entry, bool) {
	nr, ok := t.byName[name]
	if !ok {
		return Entry{}, false
	}
	return t.entries[nr], true
}

// Entries returns all entries ordered by syscall number.
func (t *Table) Entries() []Entry {
	es := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		es = append(es, e)
	}
	sort.Slice(es, func(i, j int) bool { return es[i].Nr < es[j].Nr })
	return es
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// Restrict returns a copy of t in which the named syscalls are Rejected with
// EPERM. It can only narrow the table; naming an unknown syscall is an error.
func (t *Table) Restrict(names ...string) (*Table, error) {
	nt := &Table{
		entries: make(map[uintptr]Entry, len(t.entries)),
		byName:  make(map[string]uintptr, len(t.byName)),
	}
	for nr, e := range t.entries {
		nt.entries[nr] = e
	}
	for name, nr := range t.byName {
		nt.byName[name] = nr
	}
	for _, name := range names {
		nr, ok := nt.byName[name]
		if !ok {
			return nil, fmt.Errorf("cannot restrict unknown syscall %q", name)
		}
		e := nt.entries[nr]
		if e.Policy == Rejected {
			continue
		}
		nt.entries[nr] = Entry{Nr: nr, Name: name, Policy: Rejected, Errno: unix.EPERM}
	}
	return nt, nil
}
