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

// Package safecopy provides the functions used to move bytes between trusted
// memory and proxy buffers.
//
// Every function requires a ledger.Grant covering the accessed range with the
// needed permissions, so an address that was not validated against the ledger
// cannot be dereferenced through this package.
package safecopy

import (
	"fmt"

	"gvisor.dev/keep/pkg/errors"
	"gvisor.dev/keep/pkg/hostarch"
	"gvisor.dev/keep/pkg/ledger"
	"gvisor.dev/keep/pkg/usermem"
)

// GrantError is returned when a copy is attempted with a Grant that does not
// authorize it.
type GrantError struct {
	// Grant is the offending grant.
	Grant ledger.Grant

	// Length is the number of bytes the caller attempted to copy.
	Length int

	// Access is the access the copy required.
	Access hostarch.AccessType
}

// Error implements error.Error.
func (e *GrantError) Error() string {
	if !e.Grant.Valid() {
		return "copy without a ledger grant"
	}
	return fmt.Sprintf("grant %v %v does not authorize %v access to %d bytes", e.Grant.Range(), e.Grant.Perms(), e.Access, e.Length)
}

// Unwrap returns the validation error underlying e.
func (e *GrantError) Unwrap() error {
	return errors.Validationf("%s", e.Error())
}

func authorize(g ledger.Grant, n int, at hostarch.AccessType) error {
	if !g.Valid() || !g.Perms().SupersetOf(at) || uint64(n) > g.Length() {
		return &GrantError{Grant: g, Length: n, Access: at}
	}
	return nil
}

// FaultError is returned when trusted memory fails to provide every granted
// byte, e.g. because it shrank after the grant was issued.
type FaultError struct {
	// Addr is the first address that could not be accessed.
	Addr hostarch.Addr

	// Err is the error reported by the memory.
	Err error
}

// Error implements error.Error.
func (e *FaultError) Error() string {
	return fmt.Sprintf("fault at %v: %v", e.Addr, e.Err)
}

// Unwrap returns the validation error underlying e.
func (e *FaultError) Unwrap() error {
	return errors.Validationf("fault at %v", e.Addr)
}

// CopyIn copies len(dst) bytes from the start of the granted range into dst.
// g must grant read access to at least len(dst) bytes.
func CopyIn(io usermem.IO, g ledger.Grant, dst []byte) (int, error) {
	if err := authorize(g, len(dst), hostarch.Read); err != nil {
		return 0, err
	}
	n, err := io.CopyIn(g.Range().Start, dst)
	if err != nil {
		return n, &FaultError{Addr: g.Range().Start + hostarch.Addr(n), Err: err}
	}
	return n, nil
}

// CopyOut copies src to the start of the granted range. g must grant write
// access to at least len(src) bytes.
func CopyOut(io usermem.IO, g ledger.Grant, src []byte) (int, error) {
	if err := authorize(g, len(src), hostarch.Write); err != nil {
		return 0, err
	}
	n, err := io.CopyOut(g.Range().Start, src)
	if err != nil {
		return n, &FaultError{Addr: g.Range().Start + hostarch.Addr(n), Err: err}
	}
	return n, nil
}

// ZeroOut zeroes the whole granted range. g must grant write access.
func ZeroOut(io usermem.IO, g ledger.Grant) error {
	n := g.Length()
	if err := authorize(g, int(n), hostarch.Write); err != nil {
		return err
	}
	done, err := io.ZeroOut(g.Range().Start, int64(n))
	if err != nil {
		return &FaultError{Addr: g.Range().Start + hostarch.Addr(done), Err: err}
	}
	return nil
}

// CopyStringIn copies a NUL-terminated string starting at the granted range.
// The string, excluding its NUL, may be at most maxlen bytes long. Reads never
// go beyond the granted range; a string that runs off its end is a fault.
func CopyStringIn(io usermem.IO, g ledger.Grant, maxlen int) (string, error) {
	if err := authorize(g, 0, hostarch.Read); err != nil {
		return "", err
	}
	return usermem.CopyStringIn(usermem.Limit(io, g.Range()), g.Range().Start, maxlen+1)
}
