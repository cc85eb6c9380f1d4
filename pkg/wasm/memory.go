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

package wasm

import (
	"math"

	"github.com/tetratelabs/wazero/api"
	"gvisor.dev/keep/pkg/errors/linuxerr"
	"gvisor.dev/keep/pkg/hostarch"
	"gvisor.dev/keep/pkg/ledger"
)

// MemoryOwner owns the ledger entries covering linear memory.
const MemoryOwner = "memory"

// Memory implements usermem.IO over a guest's linear memory. Addresses are
// offsets into linear memory.
//
// Memory is bound to the guest's memory on the guest's first syscall, and
// is only used from the guest's thread.
type Memory struct {
	mem    api.Memory
	ledger *ledger.Ledger

	// covered is the length of linear memory recorded in ledger.
	covered uint64
}

// NewMemory returns an unbound Memory that records linear memory in l.
func NewMemory(l *ledger.Ledger) *Memory {
	return &Memory{ledger: l}
}

// bind attaches m to mem, if it is not yet attached, and records any growth
// of linear memory in the ledger. Linear memory never shrinks.
func (m *Memory) bind(mem api.Memory) error {
	if m.mem == nil {
		m.mem = mem
	}
	size := uint64(m.mem.Size())
	if size <= m.covered {
		return nil
	}
	ar := hostarch.AddrRange{Start: hostarch.Addr(m.covered), End: hostarch.Addr(size)}
	if err := m.ledger.Insert(ar, hostarch.ReadWrite, MemoryOwner); err != nil {
		return err
	}
	m.covered = size
	return nil
}

// Size returns the current size of linear memory in bytes.
func (m *Memory) Size() uint64 {
	if m.mem == nil {
		return 0
	}
	return uint64(m.mem.Size())
}

// clip returns how many of the n bytes at addr are in linear memory.
func (m *Memory) clip(addr hostarch.Addr, n int) (int, error) {
	if n == 0 {
		return 0, nil
	}
	size := m.Size()
	if uint64(addr) >= size {
		return 0, linuxerr.EFAULT
	}
	if avail := size - uint64(addr); uint64(n) > avail {
		return int(avail), linuxerr.EFAULT
	}
	return n, nil
}

// CopyOut implements usermem.IO.CopyOut.
func (m *Memory) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	n, err := m.clip(addr, len(src))
	if n == 0 {
		return 0, err
	}
	if !m.mem.Write(uint32(addr), src[:n]) {
		return 0, linuxerr.EFAULT
	}
	return n, err
}

// CopyIn implements usermem.IO.CopyIn.
func (m *Memory) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	n, err := m.clip(addr, len(dst))
	if n == 0 {
		return 0, err
	}
	view, ok := m.mem.Read(uint32(addr), uint32(n))
	if !ok {
		return 0, linuxerr.EFAULT
	}
	return copy(dst, view), err
}

// ZeroOut implements usermem.IO.ZeroOut.
func (m *Memory) ZeroOut(addr hostarch.Addr, toZero int64) (int64, error) {
	if toZero < 0 || toZero > math.MaxUint32 {
		return 0, linuxerr.EINVAL
	}
	n, err := m.clip(addr, int(toZero))
	if n == 0 {
		return 0, err
	}
	view, ok := m.mem.Read(uint32(addr), uint32(n))
	if !ok {
		return 0, linuxerr.EFAULT
	}
	clear(view)
	return int64(n), err
}
