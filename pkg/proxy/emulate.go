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

package proxy

import (
	"io"
	"runtime"

	"golang.org/x/sys/unix"
	"gvisor.dev/keep/pkg/errors"
	"gvisor.dev/keep/pkg/errors/linuxerr"
	"gvisor.dev/keep/pkg/hostarch"
	"gvisor.dev/keep/pkg/safecopy"
	"gvisor.dev/keep/pkg/syscalls"
)

// emulator answers an Emulated syscall on the trusted side.
type emulator func(c *Client, e *syscalls.Entry, args Args) (uintptr, error)

// emulators are keyed by syscall name, so that the same handlers serve
// every architecture's table.
var emulators = map[string]emulator{
	"mmap":        Mmap,
	"munmap":      Munmap,
	"mprotect":    Mprotect,
	"madvise":     Madvise,
	"brk":         Brk,
	"getrandom":   Getrandom,
	"getpid":      Getpid,
	"gettid":      Gettid,
	"getuid":      Getuid,
	"geteuid":     Getuid,
	"getgid":      Getgid,
	"getegid":     Getgid,
	"uname":       Uname,
	"sched_yield": SchedYield,
}

func (c *Client) emulate(e syscalls.Entry, args Args) (uintptr, error) {
	fn, ok := emulators[e.Name]
	if !ok {
		return 0, errors.Policyf(unix.ENOSYS, "syscall %s has no emulation", e.Name)
	}
	return fn(c, &e, args)
}

const (
	mmapFlags = unix.MAP_SHARED | unix.MAP_PRIVATE | unix.MAP_ANONYMOUS |
		unix.MAP_FIXED | unix.MAP_FIXED_NOREPLACE | unix.MAP_NORESERVE | unix.MAP_POPULATE

	getrandomFlags = unix.GRND_NONBLOCK | unix.GRND_RANDOM
)

// Mmap implements the Linux syscall mmap for anonymous mappings. Mappings
// are carved out of the session's arena and recorded in the ledger.
//
// MAP_FIXED never replaces an existing mapping; it behaves as
// MAP_FIXED_NOREPLACE.
func Mmap(c *Client, _ *syscalls.Entry, args Args) (uintptr, error) {
	addr := hostarch.Addr(args[0])
	length := args[1]
	prot := args[2]
	flags := args[3]

	at, ok := hostarch.AccessTypeFromProt(prot)
	if !ok || length == 0 || flags&^mmapFlags != 0 {
		return 0, linuxerr.EINVAL
	}
	if share := flags & (unix.MAP_SHARED | unix.MAP_PRIVATE); share != unix.MAP_SHARED && share != unix.MAP_PRIVATE {
		return 0, linuxerr.EINVAL
	}
	size, ok := hostarch.PageRoundUp(length)
	if !ok {
		return 0, linuxerr.ENOMEM
	}

	s := c.session
	s.mmMu.Lock()
	defer s.mmMu.Unlock()

	if s.arena.Length() == 0 {
		return 0, linuxerr.ENOMEM
	}
	var ar hostarch.AddrRange
	if flags&(unix.MAP_FIXED|unix.MAP_FIXED_NOREPLACE) != 0 {
		if !addr.IsPageAligned() {
			return 0, linuxerr.EINVAL
		}
		ar, ok = addr.ToRange(size)
		if !ok || !s.arena.IsSupersetOf(ar) {
			return 0, linuxerr.ENOMEM
		}
		if len(s.ledger.Overlapping(ar)) != 0 {
			return 0, linuxerr.EEXIST
		}
	} else {
		start, err := s.ledger.FindGap(s.arena, size)
		if err != nil {
			return 0, linuxerr.ENOMEM
		}
		ar = hostarch.AddrRange{Start: start, End: start + hostarch.Addr(size)}
	}

	// Anonymous memory is zero. The range is recorded writable for the
	// zeroing and then given its requested permissions.
	if err := s.ledger.Insert(ar, hostarch.ReadWrite, MmapOwner); err != nil {
		return 0, linuxerr.ENOMEM
	}
	if err := zero(c, ar); err != nil {
		s.ledger.Remove(ar)
		return 0, err
	}
	if at != hostarch.ReadWrite {
		if err := s.ledger.Protect(ar, at); err != nil {
			s.ledger.Remove(ar)
			return 0, linuxerr.ENOMEM
		}
	}
	return uintptr(ar.Start), nil
}

func zero(c *Client, ar hostarch.AddrRange) error {
	g, err := c.session.ledger.Check(ar, hostarch.Write)
	if err != nil {
		return err
	}
	return safecopy.ZeroOut(c.session.mem, g)
}

// Munmap implements the Linux syscall munmap. Only mappings created by mmap
// can be unmapped; unmapping a range that is not mapped is not an error.
func Munmap(c *Client, _ *syscalls.Entry, args Args) (uintptr, error) {
	addr := hostarch.Addr(args[0])
	length := args[1]
	if !addr.IsPageAligned() || length == 0 {
		return 0, linuxerr.EINVAL
	}
	size, ok := hostarch.PageRoundUp(length)
	if !ok {
		return 0, linuxerr.EINVAL
	}
	ar, ok := addr.ToRange(size)
	if !ok {
		return 0, linuxerr.EINVAL
	}

	s := c.session
	s.mmMu.Lock()
	defer s.mmMu.Unlock()

	es := s.ledger.Overlapping(ar)
	for _, e := range es {
		if e.Owner != MmapOwner {
			return 0, linuxerr.EINVAL
		}
	}
	for _, e := range es {
		if err := s.ledger.Remove(e.Range.Intersect(ar)); err != nil {
			return 0, linuxerr.EINVAL
		}
	}
	return 0, nil
}

// Mprotect implements the Linux syscall mprotect. The range must be entirely
// covered by mappings created by mmap.
func Mprotect(c *Client, _ *syscalls.Entry, args Args) (uintptr, error) {
	addr := hostarch.Addr(args[0])
	length := args[1]
	at, ok := hostarch.AccessTypeFromProt(args[2])
	if !ok || !addr.IsPageAligned() {
		return 0, linuxerr.EINVAL
	}
	if length == 0 {
		return 0, nil
	}
	size, ok := hostarch.PageRoundUp(length)
	if !ok {
		return 0, linuxerr.ENOMEM
	}
	ar, ok := addr.ToRange(size)
	if !ok {
		return 0, linuxerr.ENOMEM
	}

	s := c.session
	s.mmMu.Lock()
	defer s.mmMu.Unlock()

	next := ar.Start
	for _, e := range s.ledger.Overlapping(ar) {
		if e.Owner != MmapOwner || e.Range.Start > next {
			return 0, linuxerr.ENOMEM
		}
		next = e.Range.End
	}
	if next < ar.End {
		return 0, linuxerr.ENOMEM
	}
	if err := s.ledger.Protect(ar, at); err != nil {
		return 0, linuxerr.ENOMEM
	}
	return 0, nil
}

// Madvise implements the Linux syscall madvise. Advice is accepted and
// ignored; trusted memory is never released to the host.
func Madvise(*Client, *syscalls.Entry, Args) (uintptr, error) {
	return 0, nil
}

// Brk implements the Linux syscall brk. The break moves within the
// session's heap range; requests outside it leave the break unchanged.
func Brk(c *Client, _ *syscalls.Entry, args Args) (uintptr, error) {
	addr := hostarch.Addr(args[0])

	s := c.session
	s.mmMu.Lock()
	defer s.mmMu.Unlock()

	if addr < s.heap.Start || addr > s.heap.End {
		return uintptr(s.brk), nil
	}
	// The heap bounds are page-aligned, so rounding up cannot overflow.
	oldEnd, _ := s.brk.RoundUp()
	newEnd, _ := addr.RoundUp()
	switch {
	case newEnd > oldEnd:
		ar := hostarch.AddrRange{Start: oldEnd, End: newEnd}
		if err := s.ledger.Insert(ar, hostarch.ReadWrite, BrkOwner); err != nil {
			return uintptr(s.brk), nil
		}
		if err := zero(c, ar); err != nil {
			s.ledger.Remove(ar)
			return uintptr(s.brk), nil
		}
	case newEnd < oldEnd:
		if err := s.ledger.Remove(hostarch.AddrRange{Start: newEnd, End: oldEnd}); err != nil {
			return uintptr(s.brk), nil
		}
	}
	s.brk = addr
	return uintptr(addr), nil
}

// Getrandom implements the Linux syscall getrandom. Bytes come from the
// session's trusted entropy source, never from the host.
func Getrandom(c *Client, e *syscalls.Entry, args Args) (uintptr, error) {
	addr := hostarch.Addr(args[0])
	length := args[1]
	if args[2]&^getrandomFlags != 0 {
		return 0, linuxerr.EINVAL
	}
	if max := e.Shape[0].Max; length > max {
		length = max
	}
	if length == 0 {
		return 0, nil
	}
	ar, ok := addr.ToRange(length)
	if !ok {
		return 0, linuxerr.EFAULT
	}
	s := c.session
	buf := make([]byte, length)
	if _, err := io.ReadFull(s.rand, buf); err != nil {
		return 0, linuxerr.EIO
	}

	// The destination must not be unmapped between the check and the copy.
	s.mmMu.Lock()
	defer s.mmMu.Unlock()
	g, err := s.ledger.Check(ar, hostarch.Write)
	if err != nil {
		return 0, err
	}
	n, err := safecopy.CopyOut(s.mem, g, buf)
	if err != nil {
		return 0, err
	}
	return uintptr(n), nil
}

// Getpid implements the Linux syscall getpid.
func Getpid(c *Client, _ *syscalls.Entry, _ Args) (uintptr, error) {
	return uintptr(c.session.identity.PID), nil
}

// Gettid implements the Linux syscall gettid.
func Gettid(c *Client, _ *syscalls.Entry, _ Args) (uintptr, error) {
	return uintptr(c.tid), nil
}

// Getuid implements the Linux syscalls getuid and geteuid.
func Getuid(c *Client, _ *syscalls.Entry, _ Args) (uintptr, error) {
	return uintptr(c.session.identity.UID), nil
}

// Getgid implements the Linux syscalls getgid and getegid.
func Getgid(c *Client, _ *syscalls.Entry, _ Args) (uintptr, error) {
	return uintptr(c.session.identity.GID), nil
}

// UTS names reported by uname.
const (
	utsLen      = 65
	utsSysname  = "Linux"
	utsNodename = "keep"
	utsRelease  = "6.1.0"
	utsVersion  = "#1 SMP keep"
	utsDomain   = "(none)"
)

func machine() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	default:
		return "unknown"
	}
}

// Uname implements the Linux syscall uname.
func Uname(c *Client, e *syscalls.Entry, args Args) (uintptr, error) {
	buf := make([]byte, e.Shape[0].Len.N)
	for i, f := range []string{utsSysname, utsNodename, utsRelease, utsVersion, machine(), utsDomain} {
		if off := i * utsLen; off < len(buf) {
			copy(buf[off:off+utsLen-1], f)
		}
	}
	ar, ok := hostarch.Addr(args[0]).ToRange(uint64(len(buf)))
	if !ok {
		return 0, linuxerr.EFAULT
	}
	s := c.session
	s.mmMu.Lock()
	defer s.mmMu.Unlock()
	g, err := s.ledger.Check(ar, hostarch.Write)
	if err != nil {
		return 0, err
	}
	if _, err := safecopy.CopyOut(s.mem, g, buf); err != nil {
		return 0, err
	}
	return 0, nil
}

// SchedYield implements the Linux syscall sched_yield.
func SchedYield(*Client, *syscalls.Entry, Args) (uintptr, error) {
	runtime.Gosched()
	return 0, nil
}
