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
	"unsafe"

	"golang.org/x/sys/unix"
)

// Sizes of the structures referenced by the default table.
const (
	statSize     = unsafe.Sizeof(unix.Stat_t{})
	timespecSize = unsafe.Sizeof(unix.Timespec{})
	utsnameSize  = unsafe.Sizeof(unix.Utsname{})
	pollFdSize   = unsafe.Sizeof(unix.PollFd{})

	// sockaddrMax is sizeof(struct sockaddr_storage).
	sockaddrMax = 128

	// socklenSize is sizeof(socklen_t).
	socklenSize = 4

	// sigsetSize is the kernel's sigset_t size.
	sigsetSize = 8

	// maxIO is the largest single read or write. Larger requests, and
	// anything that does not fit in the data area, are refused; callers
	// split their I/O.
	maxIO = 1 << 20

	// maxOptval is the largest socket option value.
	maxOptval = 256

	// maxPollFds is the largest number of pollfds per call.
	maxPollFds = 1024
)

var (
	path = in(CString, unix.PathMax)

	fcntlCommands = OneOf(unix.F_GETFD, unix.F_SETFD, unix.F_GETFL, unix.F_SETFL, unix.F_DUPFD_CLOEXEC)
)

// commonProxied are the proxied syscalls available on every architecture.
var commonProxied = []Entry{
	{Nr: unix.SYS_READ, Name: "read", Shape: shape(imm, buffer(Out, 2, maxIO), imm)},
	{Nr: unix.SYS_WRITE, Name: "write", Shape: shape(imm, buffer(In, 2, maxIO), imm)},
	{Nr: unix.SYS_PREAD64, Name: "pread64", Shape: shape(imm, buffer(Out, 2, maxIO), imm, imm)},
	{Nr: unix.SYS_PWRITE64, Name: "pwrite64", Shape: shape(imm, buffer(In, 2, maxIO), imm, imm)},
	{Nr: unix.SYS_CLOSE, Name: "close", Shape: shape(imm)},
	{Nr: unix.SYS_OPENAT, Name: "openat", Shape: shape(imm, path, imm, imm)},
	{Nr: unix.SYS_FSTAT, Name: "fstat", Shape: shape(imm, out(Fixed(statSize), uint64(statSize)))},
	{
		Nr:    unix.SYS_LSEEK,
		Name:  "lseek",
		Shape: shape(imm, imm, imm),
		Rules: Rules{{nil, nil, OneOf(unix.SEEK_SET, unix.SEEK_CUR, unix.SEEK_END)}},
	},
	{Nr: unix.SYS_FSYNC, Name: "fsync", Shape: shape(imm)},
	{Nr: unix.SYS_FTRUNCATE, Name: "ftruncate", Shape: shape(imm, imm)},
	{Nr: unix.SYS_UNLINKAT, Name: "unlinkat", Shape: shape(imm, path, imm)},
	{Nr: unix.SYS_MKDIRAT, Name: "mkdirat", Shape: shape(imm, path, imm)},
	{Nr: unix.SYS_GETDENTS64, Name: "getdents64", Shape: shape(imm, buffer(Out, 2, maxIO), imm)},
	{Nr: unix.SYS_READLINKAT, Name: "readlinkat", Shape: shape(imm, path, buffer(Out, 3, unix.PathMax), imm)},
	{
		Nr:    unix.SYS_SOCKET,
		Name:  "socket",
		Shape: shape(imm, imm, imm),
		Rules: Rules{{OneOf(unix.AF_UNIX, unix.AF_INET, unix.AF_INET6)}},
	},
	{Nr: unix.SYS_BIND, Name: "bind", Shape: shape(imm, in(FromArg(2), sockaddrMax), imm)},
	{Nr: unix.SYS_LISTEN, Name: "listen", Shape: shape(imm, imm)},
	{
		Nr:    unix.SYS_ACCEPT4,
		Name:  "accept4",
		Shape: shape(imm, nullable(out(FromRef(2), sockaddrMax)), nullable(inout(Fixed(socklenSize), socklenSize)), imm),
	},
	{Nr: unix.SYS_CONNECT, Name: "connect", Shape: shape(imm, in(FromArg(2), sockaddrMax), imm)},
	{
		Nr:    unix.SYS_SENDTO,
		Name:  "sendto",
		Shape: shape(imm, buffer(In, 2, maxIO), imm, imm, nullable(in(FromArg(5), sockaddrMax)), imm),
	},
	{
		Nr:    unix.SYS_RECVFROM,
		Name:  "recvfrom",
		Shape: shape(imm, buffer(Out, 2, maxIO), imm, imm, nullable(out(FromRef(5), sockaddrMax)), nullable(inout(Fixed(socklenSize), socklenSize))),
	},
	{Nr: unix.SYS_SHUTDOWN, Name: "shutdown", Shape: shape(imm, imm)},
	{Nr: unix.SYS_SETSOCKOPT, Name: "setsockopt", Shape: shape(imm, imm, imm, in(FromArg(4), maxOptval), imm)},
	{
		Nr:    unix.SYS_GETSOCKOPT,
		Name:  "getsockopt",
		Shape: shape(imm, imm, imm, out(FromRef(4), maxOptval), inout(Fixed(socklenSize), socklenSize)),
	},
	{Nr: unix.SYS_GETSOCKNAME, Name: "getsockname", Shape: shape(imm, out(FromRef(2), sockaddrMax), inout(Fixed(socklenSize), socklenSize))},
	{Nr: unix.SYS_GETPEERNAME, Name: "getpeername", Shape: shape(imm, out(FromRef(2), sockaddrMax), inout(Fixed(socklenSize), socklenSize))},
	{Nr: unix.SYS_CLOCK_GETTIME, Name: "clock_gettime", Shape: shape(imm, out(Fixed(timespecSize), uint64(timespecSize)))},
	{
		Nr:    unix.SYS_NANOSLEEP,
		Name:  "nanosleep",
		Shape: shape(in(Fixed(timespecSize), uint64(timespecSize)), nullable(out(Fixed(timespecSize), uint64(timespecSize)))),
	},
	{
		Nr:    unix.SYS_FCNTL,
		Name:  "fcntl",
		Shape: shape(imm, imm, imm),
		Rules: Rules{{nil, fcntlCommands}},
	},
	{Nr: unix.SYS_DUP, Name: "dup", Shape: shape(imm)},
	{Nr: unix.SYS_DUP3, Name: "dup3", Shape: shape(imm, imm, imm)},
	{Nr: unix.SYS_PIPE2, Name: "pipe2", Shape: shape(out(Fixed(2*4), 2*4), imm)},
	{
		Nr:    unix.SYS_PPOLL,
		Name:  "ppoll",
		Shape: shape(inout(FromArgScaled(1, pollFdSize), maxPollFds*uint64(pollFdSize)), imm, nullable(in(Fixed(timespecSize), uint64(timespecSize))), nullable(in(FromArg(4), sigsetSize)), imm),
	},
}

// commonEmulated are the syscalls answered by the trusted side.
var commonEmulated = []Entry{
	{
		Nr:    unix.SYS_MMAP,
		Name:  "mmap",
		Shape: shape(imm, imm, imm, imm, imm, imm),
		Rules: Rules{{nil, nil, nil, MaskedEqual(unix.MAP_ANONYMOUS, unix.MAP_ANONYMOUS)}},
	},
	{Nr: unix.SYS_MUNMAP, Name: "munmap", Shape: shape(imm, imm)},
	{Nr: unix.SYS_MPROTECT, Name: "mprotect", Shape: shape(imm, imm, imm)},
	{Nr: unix.SYS_MADVISE, Name: "madvise", Shape: shape(imm, imm, imm)},
	{Nr: unix.SYS_BRK, Name: "brk", Shape: shape(imm)},
	{Nr: unix.SYS_GETRANDOM, Name: "getrandom", Shape: shape(buffer(Out, 1, maxIO), imm, imm)},
	{Nr: unix.SYS_GETPID, Name: "getpid"},
	{Nr: unix.SYS_GETTID, Name: "gettid"},
	{Nr: unix.SYS_GETUID, Name: "getuid"},
	{Nr: unix.SYS_GETEUID, Name: "geteuid"},
	{Nr: unix.SYS_GETGID, Name: "getgid"},
	{Nr: unix.SYS_GETEGID, Name: "getegid"},
	{Nr: unix.SYS_UNAME, Name: "uname", Shape: shape(out(Fixed(utsnameSize), uint64(utsnameSize)))},
	{Nr: unix.SYS_SCHED_YIELD, Name: "sched_yield"},
}

// commonRejected are syscalls that are explicitly refused with EPERM.
var commonRejected = []Entry{
	{Nr: unix.SYS_EXECVE, Name: "execve"},
	{Nr: unix.SYS_EXECVEAT, Name: "execveat"},
	{Nr: unix.SYS_CLONE, Name: "clone"},
	{Nr: unix.SYS_CLONE3, Name: "clone3"},
	{Nr: unix.SYS_PTRACE, Name: "ptrace"},
	{Nr: unix.SYS_KILL, Name: "kill"},
	{Nr: unix.SYS_TKILL, Name: "tkill"},
	{Nr: unix.SYS_TGKILL, Name: "tgkill"},
	{Nr: unix.SYS_MOUNT, Name: "mount"},
	{Nr: unix.SYS_UMOUNT2, Name: "umount2"},
	{Nr: unix.SYS_REBOOT, Name: "reboot"},
	{Nr: unix.SYS_INIT_MODULE, Name: "init_module"},
	{Nr: unix.SYS_FINIT_MODULE, Name: "finit_module"},
	{Nr: unix.SYS_DELETE_MODULE, Name: "delete_module"},
	{Nr: unix.SYS_KEXEC_LOAD, Name: "kexec_load"},
	{Nr: unix.SYS_BPF, Name: "bpf"},
	{Nr: unix.SYS_PROCESS_VM_READV, Name: "process_vm_readv"},
	{Nr: unix.SYS_PROCESS_VM_WRITEV, Name: "process_vm_writev"},
	{Nr: unix.SYS_PERF_EVENT_OPEN, Name: "perf_event_open"},
	{Nr: unix.SYS_IOCTL, Name: "ioctl"},
	{Nr: unix.SYS_PRCTL, Name: "prctl"},
	{Nr: unix.SYS_SECCOMP, Name: "seccomp"},
	{Nr: unix.SYS_UNSHARE, Name: "unshare"},
	{Nr: unix.SYS_SETNS, Name: "setns"},
	{Nr: unix.SYS_CHROOT, Name: "chroot"},
	{Nr: unix.SYS_PIVOT_ROOT, Name: "pivot_root"},
	{Nr: unix.SYS_SETUID, Name: "setuid"},
	{Nr: unix.SYS_SETGID, Name: "setgid"},
	{Nr: unix.SYS_KEYCTL, Name: "keyctl"},
	{Nr: unix.SYS_MREMAP, Name: "mremap"},
}

// Linux64 returns the default table for the host architecture.
func Linux64() *Table {
	var entries []Entry
	add := func(p Policy, es []Entry) {
		for _, e := range es {
			e.Policy = p
			entries = append(entries, e)
		}
	}
	add(Proxied, commonProxied)
	add(Proxied, archProxied)
	add(Emulated, commonEmulated)
	add(Rejected, commonRejected)
	add(Rejected, archRejected)
	t, err := NewTable(entries...)
	if err != nil {
		panic(fmt.Sprintf("syscalls: invalid default table: %v", err))
	}
	return t
}
