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
	"bytes"
	"encoding/binary"
	stderrors "errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gvisor.dev/keep/pkg/errors"
	"gvisor.dev/keep/pkg/hostarch"
	"gvisor.dev/keep/pkg/ledger"
	"gvisor.dev/keep/pkg/platform"
	"gvisor.dev/keep/pkg/platform/enclave"
	"gvisor.dev/keep/pkg/syscalls"
	"gvisor.dev/keep/pkg/usermem"
)

// Guest memory layout used by the tests.
const (
	memSize    = 1 << 20
	heapStart  = 0x40000
	arenaStart = 0x80000
)

// hostCall is a syscall observed by fakeHost. Buffers are copies taken
// when the call was made.
type hostCall struct {
	nr   uintptr
	vals [syscalls.NumSlots]uint64
	bufs [syscalls.NumSlots][]byte
}

// fakeHost records syscalls and answers them with do.
type fakeHost struct {
	mu    sync.Mutex
	calls []hostCall
	do    func(nr uintptr, args HostArgs) (uintptr, unix.Errno)
}

// Syscall implements Host.Syscall.
func (h *fakeHost) Syscall(nr uintptr, args HostArgs) (uintptr, unix.Errno) {
	c := hostCall{nr: nr, vals: args.Vals}
	for i, b := range args.Bufs {
		if b != nil {
			c.bufs[i] = append([]byte{}, b...)
		}
	}
	h.mu.Lock()
	h.calls = append(h.calls, c)
	do := h.do
	h.mu.Unlock()
	if do == nil {
		return 0, 0
	}
	return do(nr, args)
}

func (h *fakeHost) Calls() []hostCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hostCall(nil), h.calls...)
}

// countingGate counts crossings.
type countingGate struct {
	platform.Gate
	crossings atomic.Int64
}

func (g *countingGate) Cross() error {
	g.crossings.Add(1)
	return g.Gate.Cross()
}

type fixture struct {
	mem     *usermem.BytesIO
	ledger  *ledger.Ledger
	table   *syscalls.Table
	session *Session
	host    *fakeHost
}

type fixtureOpts struct {
	table    *syscalls.Table
	capacity uint64
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	mem := &usermem.BytesIO{Bytes: make([]byte, memSize)}
	l := ledger.New()
	if err := l.Insert(hostarch.AddrRange{Start: 0, End: heapStart}, hostarch.ReadWrite, "memory"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	table := opts.table
	if table == nil {
		table = syscalls.Linux64()
	}
	s, err := NewSession(SessionOpts{
		Table:    table,
		Ledger:   l,
		Memory:   mem,
		Capacity: opts.capacity,
		Arena:    hostarch.AddrRange{Start: arenaStart, End: memSize},
		Heap:     hostarch.AddrRange{Start: heapStart, End: arenaStart},
		Identity: Identity{PID: 42, UID: 1000, GID: 100},
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Close)
	return &fixture{mem: mem, ledger: l, table: table, session: s, host: &fakeHost{}}
}

// newClient connects a new Client to an Executor served by the enclave
// platform p. The Executor is shut down when the test ends.
func (f *fixture) newClient(t *testing.T, p *enclave.Enclave) (*Client, *countingGate) {
	t.Helper()
	if p == nil {
		p = &enclave.Enclave{}
	}
	gate, port, err := p.NewChannel(f.session.WindowSize())
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	ex, err := NewExecutor(port, f.table, f.session.Capacity(), f.host)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- ex.Serve() }()

	cg := &countingGate{Gate: gate}
	c, err := f.session.NewClient(cg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		if err := <-done; !stderrors.Is(err, platform.ErrShutdown) {
			t.Errorf("Serve: got %v, want %v", err, platform.ErrShutdown)
		}
	})
	return c, cg
}

func (f *fixture) write(addr uint64, data []byte) {
	copy(f.mem.Bytes[addr:], data)
}

func (f *fixture) read(addr, n uint64) []byte {
	return append([]byte(nil), f.mem.Bytes[addr:addr+n]...)
}

// echoLength answers every syscall with the length of its second argument,
// as write does.
func echoLength(_ uintptr, args HostArgs) (uintptr, unix.Errno) {
	return uintptr(len(args.Bufs[1])), 0
}

func checkError(t *testing.T, err error, kind errors.Kind, errno unix.Errno) {
	t.Helper()
	var e *errors.Error
	if !stderrors.As(err, &e) {
		t.Fatalf("got error %v, want a %v error", err, kind)
	}
	if e.Kind() != kind || e.Errno() != errno {
		t.Errorf("got %v error %v (%v), want %v error %v", e.Kind(), e.Errno(), err, kind, errno)
	}
}

func TestWrite(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.host.do = echoLength
	c, _ := f.newClient(t, nil)

	msg := []byte("Hello, TEE world")
	f.write(0x1000, msg)
	n, err := c.Call(unix.SYS_WRITE, Args{1, 0x1000, uint64(len(msg))})
	if err != nil || n != uintptr(len(msg)) {
		t.Fatalf("write: got (%d, %v), want (%d, nil)", n, err, len(msg))
	}
	calls := f.host.Calls()
	if len(calls) != 1 {
		t.Fatalf("host saw %d calls, want 1", len(calls))
	}
	got := calls[0]
	if got.nr != unix.SYS_WRITE || got.vals[0] != 1 || got.vals[2] != uint64(len(msg)) {
		t.Errorf("host call: got nr %d, args %v", got.nr, got.vals)
	}
	if !bytes.Equal(got.bufs[1], msg) {
		t.Errorf("host buffer: got %q, want %q", got.bufs[1], msg)
	}
}

func TestRead(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.host.do = func(_ uintptr, args HostArgs) (uintptr, unix.Errno) {
		return uintptr(copy(args.Bufs[1], "abc")), 0
	}
	c, _ := f.newClient(t, nil)

	f.write(0x2000, bytes.Repeat([]byte{'z'}, 8))
	n, err := c.Call(unix.SYS_READ, Args{0, 0x2000, 8})
	if err != nil || n != 3 {
		t.Fatalf("read: got (%d, %v), want (3, nil)", n, err)
	}
	if got, want := f.read(0x2000, 8), []byte("abczzzzz"); !bytes.Equal(got, want) {
		t.Errorf("memory after read: got %q, want %q", got, want)
	}
}

func TestHostError(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.host.do = func(uintptr, HostArgs) (uintptr, unix.Errno) { return 0, unix.EBADF }
	c, _ := f.newClient(t, nil)

	_, err := c.Call(unix.SYS_CLOSE, Args{77})
	checkError(t, err, errors.KindHost, unix.EBADF)
}

func TestUncoveredRange(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	c, _ := f.newClient(t, nil)

	// Only the first 32 bytes are in guest memory.
	_, err := c.Call(unix.SYS_WRITE, Args{1, heapStart - 32, 64})
	checkError(t, err, errors.KindValidation, unix.EFAULT)
	if n := len(f.host.Calls()); n != 0 {
		t.Errorf("host saw %d calls, want 0", n)
	}
}

func TestNoLeakBetweenCalls(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	c, _ := f.newClient(t, nil)

	secret := bytes.Repeat([]byte{0xa5}, 64)
	f.write(0x1000, secret)
	if _, err := c.Call(unix.SYS_WRITE, Args{1, 0x1000, 64}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := c.Call(unix.SYS_READ, Args{0, 0x3000, 64}); err != nil {
		t.Fatalf("read: %v", err)
	}
	calls := f.host.Calls()
	if len(calls) != 2 {
		t.Fatalf("host saw %d calls, want 2", len(calls))
	}
	if !bytes.Equal(calls[1].bufs[1], make([]byte, 64)) {
		t.Errorf("read buffer was not zero: %x", calls[1].bufs[1])
	}
}

func TestRejected(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	c, cg := f.newClient(t, nil)
	before := cg.crossings.Load()

	for _, test := range []struct {
		name  string
		nr    uintptr
		args  Args
		errno unix.Errno
	}{
		{name: "execve", nr: unix.SYS_EXECVE, errno: unix.EPERM},
		{name: "unknown", nr: 100000, errno: unix.ENOSYS},
		{name: "fcntl F_SETOWN", nr: unix.SYS_FCNTL, args: Args{0, unix.F_SETOWN, 1}, errno: unix.EPERM},
		{name: "socket AF_PACKET", nr: unix.SYS_SOCKET, args: Args{unix.AF_PACKET, unix.SOCK_RAW}, errno: unix.EPERM},
		{name: "mmap file", nr: unix.SYS_MMAP, args: Args{0, 4096, unix.PROT_READ, unix.MAP_PRIVATE, 3}, errno: unix.EPERM},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := c.Call(test.nr, test.args)
			checkError(t, err, errors.KindPolicy, test.errno)
		})
	}
	if n := cg.crossings.Load() - before; n != 0 {
		t.Errorf("rejected calls crossed the boundary %d times", n)
	}
	if n := len(f.host.Calls()); n != 0 {
		t.Errorf("host saw %d calls, want 0", n)
	}
}

func TestOversizedBufferRefused(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.host.do = echoLength
	c, cg := f.newClient(t, nil)
	before := cg.crossings.Load()

	for _, test := range []struct {
		name  string
		nr    uintptr
		args  Args
		kind  errors.Kind
		errno unix.Errno
	}{
		{name: "write over capacity", nr: unix.SYS_WRITE, args: Args{1, 0, 0x20000}, kind: errors.KindValidation, errno: unix.EFAULT},
		{name: "read over capacity", nr: unix.SYS_READ, args: Args{0, 0, 0x20000}, kind: errors.KindValidation, errno: unix.EFAULT},
		{name: "write over maximum", nr: unix.SYS_WRITE, args: Args{1, 0, 1<<20 + 1}, kind: errors.KindPolicy, errno: unix.EPERM},
		{name: "pread64 over maximum", nr: unix.SYS_PREAD64, args: Args{0, 0, 1<<20 + 1, 0}, kind: errors.KindPolicy, errno: unix.EPERM},
	} {
		t.Run(test.name, func(t *testing.T) {
			n, err := c.Call(test.nr, test.args)
			if n != 0 {
				t.Errorf("got %d bytes transferred, want 0", n)
			}
			checkError(t, err, test.kind, test.errno)
		})
	}
	if n := cg.crossings.Load() - before; n != 0 {
		t.Errorf("oversized buffers crossed the boundary %d times", n)
	}
	if n := len(f.host.Calls()); n != 0 {
		t.Errorf("host saw %d calls, want 0", n)
	}

	// A buffer that fits exactly still goes through.
	capacity := f.session.Capacity()
	n, err := c.Call(unix.SYS_WRITE, Args{1, 0, capacity})
	if err != nil || uint64(n) != capacity {
		t.Errorf("write of %d bytes: got (%d, %v)", capacity, n, err)
	}
}

func TestCapacityOverflow(t *testing.T) {
	table, err := syscalls.NewTable(syscalls.Entry{
		Nr:     unix.SYS_WRITE,
		Name:   "write",
		Policy: syscalls.Proxied,
		Shape: syscalls.Shape{
			{Kind: syscalls.Imm},
			{Kind: syscalls.Ref, Dir: syscalls.In, Len: syscalls.FromArg(2), Max: 1 << 20},
			{Kind: syscalls.Imm},
		},
	})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	f := newFixture(t, fixtureOpts{table: table, capacity: 8192})
	c, _ := f.newClient(t, nil)

	_, err = c.Call(unix.SYS_WRITE, Args{1, 0, 8193})
	checkError(t, err, errors.KindValidation, unix.EFAULT)
	if n := len(f.host.Calls()); n != 0 {
		t.Errorf("host saw %d calls, want 0", n)
	}
	if _, err := c.Call(unix.SYS_WRITE, Args{1, 0, 8192}); err != nil {
		t.Errorf("write of exactly the capacity: %v", err)
	}
}

func TestOutDestinationNotWritable(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	c, _ := f.newClient(t, nil)

	if err := f.ledger.Protect(hostarch.AddrRange{Start: 0x4000, End: 0x5000}, hostarch.Read); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	_, err := c.Call(unix.SYS_READ, Args{0, 0x4000, 16})
	checkError(t, err, errors.KindValidation, unix.EFAULT)
	if n := len(f.host.Calls()); n != 0 {
		t.Errorf("host saw %d calls, want 0", n)
	}
}

func TestNoPartialCopyBack(t *testing.T) {
	const (
		addr    = 0x1000
		socklen = 0x2000
	)
	f := newFixture(t, fixtureOpts{})
	// The host revokes write access to socklen while the call is in
	// flight, as a concurrent munmap would.
	f.host.do = func(_ uintptr, args HostArgs) (uintptr, unix.Errno) {
		copy(args.Bufs[1], bytes.Repeat([]byte{'x'}, 16))
		args.Bufs[2][0] = 16
		f.ledger.Protect(hostarch.AddrRange{Start: socklen, End: socklen + 4}, hostarch.Read)
		return 0, 0
	}
	c, _ := f.newClient(t, nil)

	f.write(socklen, []byte{32, 0, 0, 0})
	_, err := c.Call(unix.SYS_GETSOCKNAME, Args{3, addr, socklen})
	checkError(t, err, errors.KindValidation, unix.EFAULT)
	if got := f.read(addr, 16); !bytes.Equal(got, make([]byte, 16)) {
		t.Errorf("address was copied back despite the failure: %q", got)
	}
	if got := f.read(socklen, 4); !bytes.Equal(got, []byte{32, 0, 0, 0}) {
		t.Errorf("socklen was modified: %v", got)
	}
}

func TestLengthFromReference(t *testing.T) {
	const (
		addr    = 0x1000
		socklen = 0x2000
	)
	f := newFixture(t, fixtureOpts{})
	f.host.do = func(_ uintptr, args HostArgs) (uintptr, unix.Errno) {
		copy(args.Bufs[1], "sockaddr-sixteen")
		args.Bufs[2][0] = 16
		return 0, 0
	}
	c, _ := f.newClient(t, nil)

	// 200 exceeds sizeof(sockaddr_storage) and is clamped.
	f.write(socklen, []byte{200, 0, 0, 0})
	if _, err := c.Call(unix.SYS_GETSOCKNAME, Args{3, addr, socklen}); err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	calls := f.host.Calls()
	if len(calls) != 1 {
		t.Fatalf("host saw %d calls, want 1", len(calls))
	}
	if got := len(calls[0].bufs[1]); got != 128 {
		t.Errorf("host address buffer: got %d bytes, want 128", got)
	}
	if got := calls[0].bufs[2]; !bytes.Equal(got, []byte{128, 0, 0, 0}) {
		t.Errorf("host socklen: got %v, want 128", got)
	}
	if got := f.read(addr, 17); string(got) != "sockaddr-sixteen\x00" {
		t.Errorf("address: got %q", got)
	}
	if got := f.read(socklen, 4); !bytes.Equal(got, []byte{16, 0, 0, 0}) {
		t.Errorf("socklen: got %v, want 16", got)
	}
}

func TestNullLengthReference(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.host.do = func(uintptr, HostArgs) (uintptr, unix.Errno) { return 5, 0 }
	c, _ := f.newClient(t, nil)

	fd, err := c.Call(unix.SYS_ACCEPT4, Args{3, 0, 0, 0})
	if err != nil || fd != 5 {
		t.Fatalf("accept4 with null address: got (%d, %v)", fd, err)
	}
	calls := f.host.Calls()
	if calls[0].bufs[1] != nil || calls[0].bufs[2] != nil {
		t.Errorf("null references reached the host as buffers")
	}

	_, err = c.Call(unix.SYS_ACCEPT4, Args{3, 0x1000, 0, 0})
	checkError(t, err, errors.KindValidation, unix.EFAULT)
}

func TestCString(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.host.do = func(uintptr, HostArgs) (uintptr, unix.Errno) { return 3, 0 }
	c, _ := f.newClient(t, nil)

	f.write(0x1000, []byte("/etc/hosts\x00garbage"))
	if _, err := c.Call(unix.SYS_OPENAT, Args{3, 0x1000, unix.O_RDONLY}); err != nil {
		t.Fatalf("openat: %v", err)
	}
	if got := string(f.host.Calls()[0].bufs[1]); got != "/etc/hosts\x00" {
		t.Errorf("host path: got %q", got)
	}

	// A string that runs off the end of guest memory.
	f.write(heapStart-4, []byte("abcd"))
	_, err := c.Call(unix.SYS_OPENAT, Args{0, heapStart - 4, 0})
	checkError(t, err, errors.KindValidation, unix.EFAULT)

	// A string longer than PATH_MAX.
	f.write(0x8000, bytes.Repeat([]byte{'a'}, unix.PathMax+10))
	_, err = c.Call(unix.SYS_OPENAT, Args{0, 0x8000, 0})
	checkError(t, err, errors.KindPolicy, unix.ENAMETOOLONG)

	if n := len(f.host.Calls()); n != 1 {
		t.Errorf("host saw %d calls, want 1", n)
	}
}

func TestCrossingRetry(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.host.do = echoLength
	c, cg := f.newClient(t, &enclave.Enclave{InterruptEvery: 2})

	retries := crossingRetriesMetric.Value()
	crossings := cg.crossings.Load()
	const calls = 10
	for i := 0; i < calls; i++ {
		if _, err := c.Call(unix.SYS_WRITE, Args{1, 0x1000, 8}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if n := len(f.host.Calls()); n != calls {
		t.Errorf("host executed %d calls, want %d", n, calls)
	}
	if got := crossingRetriesMetric.Value() - retries; got == 0 {
		t.Errorf("no crossing was retried")
	}
	if got := cg.crossings.Load() - crossings; got <= calls {
		t.Errorf("got %d crossings for %d calls, want retries", got, calls)
	}
}

func TestEmulatedCallsDoNotCross(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	c, cg := f.newClient(t, nil)
	before := cg.crossings.Load()

	for _, test := range []struct {
		nr   uintptr
		want uintptr
	}{
		{nr: unix.SYS_GETPID, want: 42},
		{nr: unix.SYS_GETTID, want: uintptr(c.TID())},
		{nr: unix.SYS_GETUID, want: 1000},
		{nr: unix.SYS_GETEUID, want: 1000},
		{nr: unix.SYS_GETGID, want: 100},
		{nr: unix.SYS_GETEGID, want: 100},
		{nr: unix.SYS_SCHED_YIELD, want: 0},
	} {
		got, err := c.Call(test.nr, Args{})
		if err != nil || got != test.want {
			t.Errorf("syscall %d: got (%d, %v), want (%d, nil)", test.nr, got, err, test.want)
		}
	}
	if n := cg.crossings.Load() - before; n != 0 {
		t.Errorf("emulated calls crossed the boundary %d times", n)
	}
	if n := len(f.host.Calls()); n != 0 {
		t.Errorf("host saw %d calls, want 0", n)
	}
}

func TestConcurrentClients(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	var mismatches atomic.Int64
	f.host.do = func(_ uintptr, args HostArgs) (uintptr, unix.Errno) {
		buf := args.Bufs[1]
		if !bytes.Equal(buf, bytes.Repeat(buf[:1], len(buf))) {
			mismatches.Add(1)
		}
		return uintptr(len(buf)), 0
	}

	const (
		clients = 8
		calls   = 50
		size    = 512
	)
	var cs []*Client
	for i := 0; i < clients; i++ {
		c, _ := f.newClient(t, nil)
		cs = append(cs, c)
		f.write(uint64(i*size), bytes.Repeat([]byte{byte(i + 1)}, size))
	}
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i, c := range cs {
		wg.Add(1)
		go func(i int, c *Client) {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				if _, err := c.Call(unix.SYS_WRITE, Args{1, uint64(i * size), size}); err != nil {
					errs <- err
					return
				}
			}
		}(i, c)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("write: %v", err)
	}
	if n := mismatches.Load(); n != 0 {
		t.Errorf("%d host buffers mixed data from different clients", n)
	}
	if got, want := len(f.host.Calls()), clients*calls; got != want {
		t.Errorf("host saw %d calls, want %d", got, want)
	}
}

func TestCallAfterClose(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	c, _ := f.newClient(t, nil)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := c.Call(unix.SYS_WRITE, Args{1, 0, 1}); !stderrors.Is(err, platform.ErrShutdown) {
		t.Errorf("write after Close: got %v, want %v", err, platform.ErrShutdown)
	}
}

func TestServeAll(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.host.do = echoLength

	const channels = 4
	var (
		gates     []platform.Gate
		executors []*Executor
	)
	for i := 0; i < channels; i++ {
		gate, port, err := (&enclave.Enclave{}).NewChannel(f.session.WindowSize())
		if err != nil {
			t.Fatalf("NewChannel: %v", err)
		}
		ex, err := NewExecutor(port, f.table, f.session.Capacity(), f.host)
		if err != nil {
			t.Fatalf("NewExecutor: %v", err)
		}
		gates = append(gates, gate)
		executors = append(executors, ex)
	}
	done := make(chan error, 1)
	go func() { done <- ServeAll(executors...) }()

	var g errgroup.Group
	for i, gate := range gates {
		c, err := f.session.NewClient(gate)
		if err != nil {
			t.Fatalf("NewClient: %v", err)
		}
		addr := uint64(i * 64)
		g.Go(func() error {
			_, err := c.Call(unix.SYS_WRITE, Args{1, addr, 64})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Errorf("write: %v", err)
	}

	// Closing the session shuts every channel down.
	f.session.Close()
	if err := <-done; err != nil {
		t.Errorf("ServeAll: %v", err)
	}
	if got := len(f.host.Calls()); got != channels {
		t.Errorf("host saw %d calls, want %d", got, channels)
	}
}

// roundTripCall is a call built from an entry's shape, with the bytes each
// reference holds before the call and should hold after it.
type roundTripCall struct {
	args   Args
	addrs  [syscalls.NumSlots]uint64
	before [syscalls.NumSlots][]byte
	after  [syscalls.NumSlots][]byte
	result uintptr
}

// roundTripLen is the length used for references sized by other arguments.
const roundTripLen = 24

// buildRoundTrip fills trusted memory for a call of e: In and InOut
// references hold random bytes, Out references are zeroed and expect random
// bytes from the host.
func buildRoundTrip(t *testing.T, f *fixture, rng *rand.Rand, e syscalls.Entry) *roundTripCall {
	t.Helper()
	c := &roundTripCall{}
	random := func(n uint64) []byte {
		b := make([]byte, n)
		rng.Read(b)
		return b
	}

	// Immediates satisfy the first rule, if any.
	if len(e.Rules) > 0 {
		for i, m := range e.Rules[0] {
			if m == nil {
				continue
			}
			for v := uint64(0); v < 64; v++ {
				if m.Matches(v) {
					c.args[i] = v
					break
				}
			}
		}
	}

	lengths := make(map[int]uint64)
	for i, a := range e.Shape {
		if a.Kind != syscalls.Ref {
			continue
		}
		var n uint64
		switch a.Len.Kind {
		case syscalls.LenFixed:
			n = a.Len.N
		case syscalls.LenFromArg:
			n = min(a.Max, roundTripLen)
			c.args[a.Len.Arg] = n
		case syscalls.LenFromArgScaled:
			c.args[a.Len.Arg] = 1
			n = a.Len.Scale
		case syscalls.LenFromRef:
			n = min(a.Max, roundTripLen)
		case syscalls.LenCString:
			n = roundTripLen + 1
		}
		lengths[i] = n
		c.addrs[i] = uint64(0x1000 * (i + 1))
		c.args[i] = c.addrs[i]
	}
	for i, a := range e.Shape {
		if a.Kind != syscalls.Ref {
			continue
		}
		n := lengths[i]
		switch a.Dir {
		case syscalls.In, syscalls.InOut:
			c.before[i] = random(n)
			c.after[i] = c.before[i]
		case syscalls.Out:
			c.before[i] = make([]byte, n)
			c.after[i] = random(n)
			if a.RetLen {
				c.result = uintptr(n)
			}
		}
		if a.Len.Kind == syscalls.LenCString {
			for j := range c.before[i] {
				c.before[i][j] = 'a' + c.before[i][j]%26
			}
			c.before[i][n-1] = 0
		}
	}
	// Lengths taken from another reference are stored in it.
	for i, a := range e.Shape {
		if a.Kind == syscalls.Ref && a.Len.Kind == syscalls.LenFromRef {
			binary.LittleEndian.PutUint32(c.before[a.Len.Arg], uint32(lengths[i]))
		}
	}
	for i := range e.Shape {
		if c.before[i] != nil {
			f.write(c.addrs[i], c.before[i])
		}
	}
	return c
}

func TestProxiedRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, e := range syscalls.Linux64().Entries() {
		if e.Policy != syscalls.Proxied {
			continue
		}
		t.Run(e.Name, func(t *testing.T) {
			f := newFixture(t, fixtureOpts{})
			call := buildRoundTrip(t, f, rng, e)
			// The host echoes InOut bytes and fills Out references.
			f.host.do = func(nr uintptr, args HostArgs) (uintptr, unix.Errno) {
				for i, a := range e.Shape {
					if a.Kind == syscalls.Ref && a.Dir == syscalls.Out {
						copy(args.Bufs[i], call.after[i])
					}
				}
				return call.result, 0
			}
			c, _ := f.newClient(t, nil)

			n, err := c.Call(e.Nr, call.args)
			if err != nil {
				t.Fatalf("Call(%v): %v", call.args, err)
			}
			if n != call.result {
				t.Errorf("Call returned %d, want %d", n, call.result)
			}
			calls := f.host.Calls()
			if len(calls) != 1 {
				t.Fatalf("host saw %d calls, want 1", len(calls))
			}
			for i, a := range e.Shape {
				if a.Kind != syscalls.Ref {
					continue
				}
				if a.Dir.CopiesIn() && !bytes.Equal(calls[0].bufs[i], call.before[i]) {
					t.Errorf("arg %d: host received %x, want %x", i, calls[0].bufs[i], call.before[i])
				}
				if got := f.read(call.addrs[i], uint64(len(call.after[i]))); !bytes.Equal(got, call.after[i]) {
					t.Errorf("arg %d (%v): trusted memory holds %x, want %x", i, a, got, call.after[i])
				}
			}
		})
	}
}
