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

// Package usermem governs access to trusted memory, the address space whose
// ranges are tracked by the ledger.
package usermem

import (
	"bytes"

	"gvisor.dev/keep/pkg/errors/linuxerr"
	"gvisor.dev/keep/pkg/hostarch"
)

// IO provides access to the contents of trusted memory.
//
// Implementations do not consult the ledger. Callers outside of the safecopy
// package should not use an IO directly for guest-supplied addresses.
type IO interface {
	// CopyOut copies len(src) bytes from src to the memory mapped at addr. It
	// returns the number of bytes copied. If the number of bytes copied is <
	// len(src), it returns a non-nil error explaining why.
	CopyOut(addr hostarch.Addr, src []byte) (int, error)

	// CopyIn copies len(dst) bytes from the memory mapped at addr to dst.
	// It returns the number of bytes copied. If the number of bytes copied is
	// < len(dst), it returns a non-nil error explaining why.
	CopyIn(addr hostarch.Addr, dst []byte) (int, error)

	// ZeroOut sets toZero bytes to 0, starting at addr. It returns the number
	// of bytes zeroed. If the number of bytes zeroed is < toZero, it returns a
	// non-nil error explaining why.
	ZeroOut(addr hostarch.Addr, toZero int64) (int64, error)
}

// Limit returns an IO that refuses accesses to memory outside of ar with
// EFAULT, copying as much as lies inside ar first.
func Limit(io IO, ar hostarch.AddrRange) IO {
	return &limitedIO{io: io, ar: ar}
}

type limitedIO struct {
	io IO
	ar hostarch.AddrRange
}

// clip returns the number of bytes of [addr, addr+n) that lie within l.ar.
func (l *limitedIO) clip(addr hostarch.Addr, n int) int {
	if !l.ar.Contains(addr) {
		return 0
	}
	if avail := uint64(l.ar.End - addr); uint64(n) > avail {
		return int(avail)
	}
	return n
}

func (l *limitedIO) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	n := l.clip(addr, len(src))
	done, err := l.io.CopyOut(addr, src[:n])
	if err == nil && n < len(src) {
		err = linuxerr.EFAULT
	}
	return done, err
}

func (l *limitedIO) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	n := l.clip(addr, len(dst))
	done, err := l.io.CopyIn(addr, dst[:n])
	if err == nil && n < len(dst) {
		err = linuxerr.EFAULT
	}
	return done, err
}

func (l *limitedIO) ZeroOut(addr hostarch.Addr, toZero int64) (int64, error) {
	n := int64(l.clip(addr, int(toZero)))
	done, err := l.io.ZeroOut(addr, n)
	if err == nil && n < toZero {
		err = linuxerr.EFAULT
	}
	return done, err
}

const (
	// copyStringIncrement is the maximum number of bytes that are copied from
	// memory at a time by CopyStringIn.
	copyStringIncrement = 64

	// copyStringMaxInitBufLen is the maximum size of the buffer that
	// CopyStringIn allocates up front.
	copyStringMaxInitBufLen = 256
)

// CopyStringIn tuning parameters are defined above.

// CopyStringIn copies a NUL-terminated string of unknown length from the
// memory mapped at addr in io and returns it as a string (not including the
// trailing NUL). If the length of the string, including the terminating NUL,
// would exceed maxlen, CopyStringIn returns the string truncated to maxlen and
// ENAMETOOLONG.
func CopyStringIn(io IO, addr hostarch.Addr, maxlen int) (string, error) {
	initLen := maxlen
	if initLen > copyStringMaxInitBufLen {
		initLen = copyStringMaxInitBufLen
	}
	buf := make([]byte, initLen)
	var done int
	for done < maxlen {
		start, ok := addr.AddLength(uint64(done))
		if !ok {
			return string(buf[:done]), linuxerr.EFAULT
		}
		// Read up to copyStringIncrement bytes at a time.
		readlen := copyStringIncrement
		if readlen > maxlen-done {
			readlen = maxlen - done
		}
		end, ok := start.AddLength(uint64(readlen))
		if !ok {
			return string(buf[:done]), linuxerr.EFAULT
		}
		// Shorten the read to avoid crossing page boundaries, since faulting
		// in a page unnecessarily is expensive. This also ensures that partial
		// copies up to the end of trusted memory succeed.
		if start.RoundDown() != end.RoundDown() {
			end = end.RoundDown()
			readlen = int(end - start)
		}
		// Ensure that our buffer is large enough to accommodate the read.
		if done+readlen > len(buf) {
			newBufLen := len(buf) * 2
			if newBufLen > maxlen {
				newBufLen = maxlen
			}
			buf = append(buf, make([]byte, newBufLen-len(buf))...)
		}
		n, err := io.CopyIn(start, buf[done:done+readlen])
		if i := bytes.IndexByte(buf[done:done+n], 0); i >= 0 {
			return string(buf[:done+i]), nil
		}
		done += n
		if err != nil {
			return string(buf[:done]), err
		}
	}
	return string(buf), linuxerr.ENAMETOOLONG
}
