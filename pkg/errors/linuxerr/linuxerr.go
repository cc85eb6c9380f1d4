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

// Package linuxerr contains host syscall error codes exported as *errors.Error
// values of KindHost. This allows for fast comparison and return operations
// comparable to unix.Errno constants.
package linuxerr

import (
	stderrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/keep/pkg/errors"
)

// The following errors are semantically identical to Errno of type
// unix.Errno. Since the types are distinct they are not directly comparable,
// but the Errno method returns an Errno number such that
// unix.Errno(EPERM.Errno()) == unix.EPERM is true. Use FromHost to convert
// a unix.Errno returned by the host.
var (
	noError *errors.Error = nil
	EPERM                 = hostError(unix.EPERM)
	ENOENT                = hostError(unix.ENOENT)
	ESRCH                 = hostError(unix.ESRCH)
	EINTR                 = hostError(unix.EINTR)
	EIO                   = hostError(unix.EIO)
	E2BIG                 = hostError(unix.E2BIG)
	EBADF                 = hostError(unix.EBADF)
	EAGAIN                = hostError(unix.EAGAIN)
	ENOMEM                = hostError(unix.ENOMEM)
	EACCES                = hostError(unix.EACCES)
	EFAULT                = hostError(unix.EFAULT)
	EBUSY                 = hostError(unix.EBUSY)
	EEXIST                = hostError(unix.EEXIST)
	ENOTDIR               = hostError(unix.ENOTDIR)
	EISDIR                = hostError(unix.EISDIR)
	EINVAL                = hostError(unix.EINVAL)
	EMFILE                = hostError(unix.EMFILE)
	ENOSPC                = hostError(unix.ENOSPC)
	ESPIPE                = hostError(unix.ESPIPE)
	EPIPE                 = hostError(unix.EPIPE)
	ENAMETOOLONG          = hostError(unix.ENAMETOOLONG)
	ENOSYS                = hostError(unix.ENOSYS)
	ENOTEMPTY             = hostError(unix.ENOTEMPTY)
	EPROTO                = hostError(unix.EPROTO)
	ENOTSOCK              = hostError(unix.ENOTSOCK)
	EADDRINUSE            = hostError(unix.EADDRINUSE)
	ECONNREFUSED          = hostError(unix.ECONNREFUSED)
	ECONNRESET            = hostError(unix.ECONNRESET)
	ETIMEDOUT             = hostError(unix.ETIMEDOUT)
)

// byErrno holds the static errors above for fast translation from a host
// errno. Errnos without a static value are allocated on demand.
var byErrno = map[unix.Errno]*errors.Error{}

func hostError(e unix.Errno) *errors.Error {
	err := errors.New(errors.KindHost, e, e.Error())
	byErrno[e] = err
	return err
}

// FromHost returns the KindHost error for a host errno. The errno is never
// altered in meaning; 0 maps to nil.
func FromHost(e unix.Errno) *errors.Error {
	if e == 0 {
		return noError
	}
	if err, ok := byErrno[e]; ok {
		return err
	}
	return errors.New(errors.KindHost, e, e.Error())
}

// ToError converts a linuxerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix returns the errno the guest should observe for err. Errors that
// carry no errno are reported as EIO.
func ToUnix(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e *errors.Error
	if stderrors.As(err, &e) && e != nil {
		return e.Errno()
	}
	var errno unix.Errno
	if stderrors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

// Equals compares a linuxerr to a given error by errno.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == noError
	}
	if e == noError {
		return false
	}
	return ToUnix(err) == e.Errno()
}
