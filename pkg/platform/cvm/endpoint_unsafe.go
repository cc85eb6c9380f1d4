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

package cvm

import (
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/keep/pkg/log"
	"gvisor.dev/keep/pkg/platform"
)

// Connection state.
const (
	// The client is, by definition, initially active, so this must be 0.
	csClientActive = 0
	csServerActive = 1
	csShutdown     = 2
)

// Futex operations, from linux/futex.h. The window is MAP_SHARED, so the
// private flag must not be used.
const (
	futexOpWait = 0
	futexOpWake = 1
)

// endpoint is one side's mapping of a window.
type endpoint struct {
	// mem is the whole mapping, including the control header.
	mem []byte

	// size is the caller-visible window size.
	size int

	// activeState is the connection state in which this endpoint holds
	// control; inactiveState is the one in which its peer does.
	activeState   uint32
	inactiveState uint32

	// closing is set by the first call to destroy.
	closing atomic.Bool

	// mu is held for reading by operations that touch the mapping, and for
	// writing while it is unmapped.
	mu       sync.RWMutex
	unmapped bool
}

func newEndpoint(mem []byte, size int, active, inactive uint32) *endpoint {
	return &endpoint{
		mem:           mem,
		size:          size,
		activeState:   active,
		inactiveState: inactive,
	}
}

// Window returns the part of the mapping following the control header.
func (ep *endpoint) Window() []byte {
	return ep.mem[ctrlHeaderBytes : ctrlHeaderBytes+ep.size : ctrlHeaderBytes+ep.size]
}

// connState returns a pointer to the connection state word. The mapping is
// page-aligned, so the word is naturally aligned.
func (ep *endpoint) connState() *uint32 {
	return (*uint32)(unsafe.Pointer(&ep.mem[0]))
}

// enter is called before an operation touches the mapping. If it returns
// true, the caller must call exit when done.
func (ep *endpoint) enter() bool {
	ep.mu.RLock()
	if ep.unmapped {
		ep.mu.RUnlock()
		return false
	}
	return true
}

func (ep *endpoint) exit() {
	ep.mu.RUnlock()
}

// switchToPeer hands control to the peer.
func (ep *endpoint) switchToPeer() error {
	if !ep.enter() {
		return platform.ErrShutdown
	}
	defer ep.exit()
	if !atomic.CompareAndSwapUint32(ep.connState(), ep.activeState, ep.inactiveState) {
		if cs := atomic.LoadUint32(ep.connState()); cs != csShutdown {
			log.Warningf("cvm: unexpected connection state %d when switching to peer", cs)
		}
		return platform.ErrShutdown
	}
	if err := ep.futexWake(1); err != nil {
		log.Warningf("cvm: failed to FUTEX_WAKE peer: %v", err)
	}
	return nil
}

// switchFromPeer blocks until the peer hands control back.
func (ep *endpoint) switchFromPeer() error {
	if !ep.enter() {
		return platform.ErrShutdown
	}
	defer ep.exit()
	for {
		switch cs := atomic.LoadUint32(ep.connState()); cs {
		case ep.activeState:
			return nil
		case ep.inactiveState:
			if err := ep.futexWait(ep.inactiveState); err != nil {
				return err
			}
		case csShutdown:
			return platform.ErrShutdown
		default:
			log.Warningf("cvm: invalid connection state %d", cs)
			return platform.ErrShutdown
		}
	}
}

// destroy shuts the connection down and unmaps the window. Blocked
// operations on both ends observe the shutdown and return before the
// mapping goes away.
func (ep *endpoint) destroy() error {
	if ep.closing.Swap(true) {
		return nil
	}
	atomic.StoreUint32(ep.connState(), csShutdown)
	// Wake MaxInt32 threads to prevent a broken or malicious peer from
	// swallowing our wakeup by FUTEX_WAITing from multiple threads.
	if err := ep.futexWake(math.MaxInt32); err != nil {
		log.Warningf("cvm: failed to FUTEX_WAKE peer for shutdown: %v", err)
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.unmapped = true
	return unix.Munmap(ep.mem)
}

// futexWait blocks while the connection state is cur. Spurious wakeups are
// handled by the caller rechecking the state.
func (ep *endpoint) futexWait(cur uint32) error {
	_, _, e := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(ep.connState())), futexOpWait, uintptr(cur), 0, 0, 0)
	switch e {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	default:
		return e
	}
}

func (ep *endpoint) futexWake(n int) error {
	_, _, e := unix.RawSyscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(ep.connState())), futexOpWake, uintptr(n), 0, 0, 0)
	if e != 0 {
		return e
	}
	return nil
}
