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

// Package proxy implements both halves of a syscall proxy channel.
//
// The trusted side, inside the TEE, owns a Session holding the allow-list,
// the memory ledger and the guest's memory. Each guest execution context
// gets its own Client, which marshals a syscall's arguments into a Block,
// crosses the boundary and validates and unmarshals the reply. The
// untrusted side runs one Executor per channel, which re-validates every
// request against its own copy of the allow-list before performing it on
// the host.
//
// Neither side trusts the other: every length and offset read from a Block
// is checked against the capacity the reader created the Block with, and
// every trusted address is checked against the ledger before it is copied
// to or from.
package proxy

import (
	"gvisor.dev/keep/pkg/syscalls"
)

// Args are the raw arguments of a syscall, in native ABI order. References
// are addresses in trusted memory.
type Args [syscalls.NumSlots]uint64

// Owners of ledger entries created by emulated syscalls.
const (
	MmapOwner = "mmap"
	BrkOwner  = "brk"
)
