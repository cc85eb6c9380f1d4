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
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"gvisor.dev/keep/pkg/block"
	"gvisor.dev/keep/pkg/cleanup"
	"gvisor.dev/keep/pkg/hostarch"
	"gvisor.dev/keep/pkg/ledger"
	"gvisor.dev/keep/pkg/log"
	"gvisor.dev/keep/pkg/platform"
	"gvisor.dev/keep/pkg/syscalls"
	"gvisor.dev/keep/pkg/usermem"
)

// Identity holds the process identity reported by emulated syscalls.
type Identity struct {
	PID int32
	UID uint32
	GID uint32
}

// SessionOpts configures a Session.
type SessionOpts struct {
	// Table is the allow-list. It is required.
	Table *syscalls.Table

	// Ledger records the trusted memory the guest may pass to syscalls. It
	// is required.
	Ledger *ledger.Ledger

	// Memory is the guest's memory. It is required.
	Memory usermem.IO

	// Capacity is the data area capacity of every Block. Zero selects
	// block.DefaultCapacity.
	Capacity uint64

	// Arena is the range anonymous mmap allocates from. It must not be
	// covered by the ledger. An empty Arena makes mmap fail with ENOMEM.
	Arena hostarch.AddrRange

	// Heap is the range the program break may move in. The break starts at
	// Heap.Start.
	Heap hostarch.AddrRange

	// Identity is reported by getpid and friends. A zero PID is reported
	// as 1.
	Identity Identity

	// Rand is the entropy source of getrandom. Nil selects crypto/rand.
	Rand io.Reader
}

// Session is the trusted side of a proxy: it owns the allow-list, the
// ledger and the guest memory shared by all of a guest's Clients.
type Session struct {
	table    *syscalls.Table
	ledger   *ledger.Ledger
	mem      usermem.IO
	capacity uint64
	arena    hostarch.AddrRange
	identity Identity
	rand     io.Reader

	// mmMu serializes emulated memory management and protects brk.
	mmMu sync.Mutex
	heap hostarch.AddrRange
	brk  hostarch.Addr

	// mu protects the fields below.
	mu      sync.Mutex
	nextTID int32
	clients map[*Client]struct{}
}

// NewSession returns a new Session.
func NewSession(opts SessionOpts) (*Session, error) {
	if opts.Table == nil || opts.Ledger == nil || opts.Memory == nil {
		return nil, fmt.Errorf("session requires a table, a ledger and memory")
	}
	capacity := opts.Capacity
	if capacity == 0 {
		capacity = block.DefaultCapacity
	}
	if capacity < block.MinCapacity {
		return nil, fmt.Errorf("block capacity %d is below the minimum of %d", capacity, block.MinCapacity)
	}
	if !opts.Arena.WellFormed() || !opts.Arena.IsPageAligned() {
		return nil, fmt.Errorf("mmap arena %v is not a page-aligned range", opts.Arena)
	}
	if !opts.Heap.WellFormed() || !opts.Heap.IsPageAligned() {
		return nil, fmt.Errorf("heap %v is not a page-aligned range", opts.Heap)
	}
	if opts.Arena.Overlaps(opts.Heap) {
		return nil, fmt.Errorf("mmap arena %v overlaps heap %v", opts.Arena, opts.Heap)
	}
	id := opts.Identity
	if id.PID == 0 {
		id.PID = 1
	}
	r := opts.Rand
	if r == nil {
		r = rand.Reader
	}
	return &Session{
		table:    opts.Table,
		ledger:   opts.Ledger,
		mem:      opts.Memory,
		capacity: capacity,
		arena:    opts.Arena,
		identity: id,
		rand:     r,
		heap:     opts.Heap,
		brk:      opts.Heap.Start,
		nextTID:  id.PID,
		clients:  make(map[*Client]struct{}),
	}, nil
}

// Table returns the session's allow-list.
func (s *Session) Table() *syscalls.Table { return s.table }

// Ledger returns the session's ledger.
func (s *Session) Ledger() *ledger.Ledger { return s.ledger }

// Capacity returns the data area capacity of the session's Blocks.
func (s *Session) Capacity() uint64 { return s.capacity }

// WindowSize returns the size of the shared window a channel of this
// session needs.
func (s *Session) WindowSize() int { return block.Size(s.capacity) }

// NewClient establishes a channel over gate and returns a Client for it.
// The untrusted end of the channel must be served by an Executor.
func (s *Session) NewClient(gate platform.Gate) (*Client, error) {
	b, err := block.New(gate.Window(), s.capacity)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	tid := s.nextTID
	s.nextTID++
	s.mu.Unlock()

	c := &Client{
		session: s,
		gate:    gate,
		tid:     tid,
		log:     log.WithFields(log.F("tid", tid)),
		block:   b,
		m:       marshaler{b: b, mem: s.mem, l: s.ledger},
	}
	cu := cleanup.Make(func() { gate.Close() })
	defer cu.Clean()
	if err := c.handshake(); err != nil {
		return nil, err
	}
	cu.Release()

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	c.log.Debugf("proxy: channel established, capacity %d", s.capacity)
	return c, nil
}

// Close closes every Client of the session.
func (s *Session) Close() {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[*Client]struct{})
	s.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

func (s *Session) forget(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}
