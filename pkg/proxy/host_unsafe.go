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
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/keep/pkg/syscalls"
)

// UnixHost performs syscalls directly on the host kernel. References are
// passed as pointers into the Block's data area.
type UnixHost struct{}

// Syscall implements Host.Syscall.
func (UnixHost) Syscall(nr uintptr, args HostArgs) (uintptr, unix.Errno) {
	var a [syscalls.NumSlots]uintptr
	for i := range a {
		if b := args.Bufs[i]; b != nil {
			a[i] = uintptr(unsafe.Pointer(unsafe.SliceData(b)))
		} else {
			a[i] = uintptr(args.Vals[i])
		}
	}
	r, _, errno := unix.Syscall6(nr, a[0], a[1], a[2], a[3], a[4], a[5])
	runtime.KeepAlive(&args)
	return r, errno
}
