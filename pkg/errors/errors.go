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

// Package errors holds the standardized error definition for proxied
// syscalls.
//
// Every error that crosses the proxy's call surface is an *Error. It carries
// the errno the guest would observe and the Kind of failure that produced it,
// so the loader can translate it into its own I/O error taxonomy while tests
// and logs can still tell a policy refusal from a genuine host failure.
package errors

import (
	stderrors "errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Kind classifies where in the proxy pipeline an error originated.
type Kind uint8

const (
	// KindHost is a failure of the real host operation. The errno is
	// propagated unchanged.
	KindHost Kind = iota

	// KindProtocol is a malformed Block, a version mismatch, or an
	// inconsistent cursor/length. Protocol errors are fatal for the call,
	// and for the channel when detected during setup.
	KindProtocol

	// KindPolicy is a syscall that is not allowed, or whose argument shape
	// does not match its allow-list entry. Policy errors never reach the
	// host.
	KindPolicy

	// KindValidation is a pointer or length outside Ledger-covered memory,
	// or an overflow of the Block's capacity. Validation errors are raised
	// before any copy occurs.
	KindValidation
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case KindHost:
		return "host"
	case KindProtocol:
		return "protocol"
	case KindPolicy:
		return "policy"
	case KindValidation:
		return "validation"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Error represents a syscall errno with a descriptive message.
type Error struct {
	errno   unix.Errno
	kind    Kind
	message string
}

// New creates a new *Error.
func New(kind Kind, err unix.Errno, message string) *Error {
	return &Error{
		errno:   err,
		kind:    kind,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the underlying errno value.
func (e *Error) Errno() unix.Errno { return e.errno }

// Kind returns the pipeline stage that produced e.
func (e *Error) Kind() Kind { return e.kind }

// Protocolf returns a protocol error. Protocol errors carry EPROTO.
func Protocolf(format string, v ...any) *Error {
	return New(KindProtocol, unix.EPROTO, fmt.Sprintf(format, v...))
}

// Policyf returns a policy violation with the given errno.
func Policyf(err unix.Errno, format string, v ...any) *Error {
	return New(KindPolicy, err, fmt.Sprintf(format, v...))
}

// Validationf returns a validation failure. Validation failures carry
// EFAULT, like a native syscall handed a bad pointer.
func Validationf(format string, v ...any) *Error {
	return New(KindValidation, unix.EFAULT, fmt.Sprintf(format, v...))
}

// KindOf returns the Kind of err and true if err is, or wraps, an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if stderrors.As(err, &e) && e != nil {
		return e.kind, true
	}
	return 0, false
}

// Is reports whether err is, or wraps, an *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
