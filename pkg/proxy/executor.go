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
	"encoding/binary"
	stderrors "errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gvisor.dev/keep/pkg/block"
	"gvisor.dev/keep/pkg/errors"
	"gvisor.dev/keep/pkg/log"
	"gvisor.dev/keep/pkg/platform"
	"gvisor.dev/keep/pkg/syscalls"
)

// HostArgs are the arguments of a host syscall. Bufs[i] is set for every
// non-null reference and aliases the Block's data area; Vals[i] holds
// immediates.
type HostArgs struct {
	Vals [syscalls.NumSlots]uint64
	Bufs [syscalls.NumSlots][]byte
}

// Host performs syscalls on the untrusted side.
type Host interface {
	// Syscall performs syscall nr. A non-zero errno reports failure.
	Syscall(nr uintptr, args HostArgs) (uintptr, unix.Errno)
}

// Executor is the untrusted end of one proxy channel. It treats every Block
// as hostile input: nothing written by the trusted side is used before it
// has been validated against the Executor's own table and capacity.
type Executor struct {
	port     platform.Port
	table    *syscalls.Table
	host     Host
	capacity uint64
	block    *block.Block
}

// NewExecutor returns an Executor serving port. capacity must match the
// trusted side's; zero selects block.DefaultCapacity.
func NewExecutor(port platform.Port, table *syscalls.Table, capacity uint64, host Host) (*Executor, error) {
	if capacity == 0 {
		capacity = block.DefaultCapacity
	}
	b, err := block.New(port.Window(), capacity)
	if err != nil {
		return nil, err
	}
	return &Executor{
		port:     port,
		table:    table,
		host:     host,
		capacity: capacity,
		block:    b,
	}, nil
}

// Serve answers the handshake and then serves requests until the channel is
// shut down, in which case it returns an error wrapping
// platform.ErrShutdown. Malformed requests are answered with a policy or
// protocol status and do not stop the loop; a failed handshake does.
func (e *Executor) Serve() error {
	if err := e.port.Wait(); err != nil {
		return err
	}
	if err := e.handshake(); err != nil {
		return err
	}
	for {
		if err := e.port.Wait(); err != nil {
			return err
		}
		e.serve()
		if err := e.port.Reply(); err != nil {
			return err
		}
	}
}

// Close shuts the channel down.
func (e *Executor) Close() error {
	return e.port.Close()
}

func (e *Executor) handshake() error {
	b := e.block
	local := newHello(e.capacity, e.table)
	err := e.checkHello()
	if err != nil {
		b.SetStatus(block.StatusProtocol)
		b.SetErrno(uint32(unix.EPROTO))
	} else {
		b.SetStatus(block.StatusOK)
	}
	if werr := writeHelloReply(b, local); werr != nil && err == nil {
		err = werr
	}
	b.SetPhase(block.PhaseReply)
	if rerr := e.port.Reply(); rerr != nil && err == nil {
		err = rerr
	}
	if err != nil {
		log.Warningf("proxy: executor handshake failed: %v", err)
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// checkHello validates the trusted side's hello.
func (e *Executor) checkHello() error {
	b := e.block
	if p := b.Phase(); p != block.PhaseRequest {
		return errors.Protocolf("hello in phase %v", p)
	}
	if v := b.Version(); v != block.Version {
		return errors.Protocolf("protocol version mismatch: local %d, peer %d", block.Version, v)
	}
	if c := b.DeclaredCapacity(); c != e.capacity {
		return errors.Protocolf("block capacity mismatch: local %d, peer %d", e.capacity, c)
	}
	if nr := b.Sysno(); nr != helloSysno {
		return errors.Protocolf("expected hello, got syscall %d", nr)
	}
	peer, err := readHelloRequest(b)
	if err != nil {
		return err
	}
	return newHello(e.capacity, e.table).check(peer)
}

// hostRequest is a validated request.
type hostRequest struct {
	entry syscalls.Entry
	args  HostArgs
}

// serve handles the request in the Block and writes the reply.
func (e *Executor) serve() {
	b := e.block
	req, err := e.decode()
	if err != nil {
		e.refuse(err)
		return
	}
	r, errno := e.host.Syscall(req.entry.Nr, req.args)
	if errno != 0 {
		b.SetResult(-1)
		b.SetErrno(uint32(errno))
		b.SetStatus(block.StatusHostError)
		for i := 0; i < syscalls.NumSlots; i++ {
			b.SetProduced(i, 0)
		}
		b.SetPhase(block.PhaseReply)
		executorRequestsMetric.Increment(outcomeHostError)
		return
	}
	for i, a := range req.entry.Shape {
		b.SetProduced(i, produced(req, i, a, r))
	}
	b.SetResult(int64(r))
	b.SetErrno(0)
	b.SetStatus(block.StatusOK)
	b.SetPhase(block.PhaseReply)
	executorRequestsMetric.Increment(outcomeOK)
}

// produced returns the number of bytes the host produced in reference i.
func produced(req *hostRequest, i int, a syscalls.Arg, r uintptr) uint64 {
	buf := req.args.Bufs[i]
	if a.Kind != syscalls.Ref || buf == nil || !a.Dir.CopiesOut() {
		return 0
	}
	n := uint64(len(buf))
	switch {
	case a.RetLen:
		return uint64(r)
	case a.Len.Kind == syscalls.LenFromRef:
		// The host reports the full size through the length reference,
		// which may exceed what was reserved.
		if v := uint64(binary.LittleEndian.Uint32(req.args.Bufs[a.Len.Arg])); v < n {
			return v
		}
	}
	return n
}

// refuse writes a reply for a request that was not executed.
func (e *Executor) refuse(err *errors.Error) {
	b := e.block
	b.SetResult(-1)
	b.SetErrno(uint32(err.Errno()))
	for i := 0; i < syscalls.NumSlots; i++ {
		b.SetProduced(i, 0)
	}
	if err.Kind() == errors.KindPolicy {
		b.SetStatus(block.StatusPolicy)
		executorRequestsMetric.Increment(outcomePolicy)
		log.Debugf("proxy: executor refused request: %v", err)
	} else {
		b.SetStatus(block.StatusProtocol)
		executorRequestsMetric.Increment(outcomeProtocol)
		log.Warningf("proxy: executor received malformed request: %v", err)
	}
	b.SetPhase(block.PhaseReply)
}

// decode validates the request in the Block. Every field is read exactly
// once.
func (e *Executor) decode() (*hostRequest, *errors.Error) {
	b := e.block
	if p := b.Phase(); p != block.PhaseRequest {
		return nil, errors.Protocolf("request in phase %v", p)
	}
	if v := b.Version(); v != block.Version {
		return nil, errors.Protocolf("protocol version %d, want %d", v, block.Version)
	}
	if c := b.DeclaredCapacity(); c != e.capacity {
		return nil, errors.Protocolf("declared capacity %d, want %d", c, e.capacity)
	}
	cursor := b.DeclaredCursor()
	if cursor > e.capacity {
		return nil, errors.Protocolf("cursor %d exceeds capacity %d", cursor, e.capacity)
	}

	nr := b.Sysno()
	if nr > uint64(^uintptr(0)) {
		return nil, errors.Policyf(unix.ENOSYS, "syscall %d out of range", nr)
	}
	ent := e.table.Lookup(uintptr(nr))
	if ent.Policy != syscalls.Proxied {
		errno := ent.Errno
		if errno == 0 {
			errno = unix.EPERM
		}
		return nil, errors.Policyf(errno, "syscall %s (%d) is not proxied", ent.Name, nr)
	}

	req := &hostRequest{entry: ent}
	var slots [syscalls.NumSlots]block.Slot
	for i, a := range ent.Shape {
		s := b.Slot(i)
		slots[i] = s
		switch a.Kind {
		case syscalls.None:
			if s.Tag != block.TagUnused {
				return nil, errors.Protocolf("%s: unused arg %d tagged %v", ent.Name, i, s.Tag)
			}
		case syscalls.Imm:
			if s.Tag != block.TagImmediate {
				return nil, errors.Protocolf("%s: immediate arg %d tagged %v", ent.Name, i, s.Tag)
			}
			req.args.Vals[i] = s.Value
		case syscalls.Ref:
			switch {
			case s.Tag == block.TagNull && a.Nullable:
			case s.Tag == block.TagReference:
				if s.Value > cursor || s.Length > cursor-s.Value {
					return nil, errors.Protocolf("%s: arg %d [%#x, +%#x) beyond cursor %#x", ent.Name, i, s.Value, s.Length, cursor)
				}
				buf, err := b.Slice(s.Value, s.Length)
				if err != nil {
					return nil, errors.Protocolf("%s: arg %d: %v", ent.Name, i, err)
				}
				req.args.Bufs[i] = buf
			default:
				return nil, errors.Protocolf("%s: reference arg %d tagged %v", ent.Name, i, s.Tag)
			}
		}
	}
	if !ent.Rules.Matches(req.args.Vals) {
		return nil, errors.Policyf(unix.EPERM, "arguments of syscall %s do not match %v", ent.Name, ent.Rules)
	}
	for i, a := range ent.Shape {
		if a.Kind != syscalls.Ref || req.args.Bufs[i] == nil {
			continue
		}
		if err := checkLength(&ent, req, i); err != nil {
			return nil, err
		}
	}
	if err := checkOverlap(&ent, slots, req); err != nil {
		return nil, err
	}
	return req, nil
}

// checkLength verifies that reference i has exactly the length its shape
// computes, and no more than its maximum.
func checkLength(ent *syscalls.Entry, req *hostRequest, i int) *errors.Error {
	a := ent.Shape[i]
	buf := req.args.Bufs[i]
	n := uint64(len(buf))
	if n > a.Max {
		return errors.Policyf(unix.EPERM, "%s: arg %d length %d exceeds maximum %d", ent.Name, i, n, a.Max)
	}
	switch a.Len.Kind {
	case syscalls.LenCString:
		if n == 0 || buf[n-1] != 0 {
			return errors.Protocolf("%s: arg %d is not a NUL-terminated string", ent.Name, i)
		}
	case syscalls.LenFromRef:
		lb := req.args.Bufs[a.Len.Arg]
		if len(lb) != 4 {
			return errors.Protocolf("%s: arg %d length reference arg %d is not 4 bytes", ent.Name, i, a.Len.Arg)
		}
		if want := uint64(binary.LittleEndian.Uint32(lb)); n != want {
			return errors.Protocolf("%s: arg %d has %d bytes, length reference says %d", ent.Name, i, n, want)
		}
	default:
		want, ok := a.Length(req.args.Vals)
		if !ok || n != want {
			return errors.Protocolf("%s: arg %d has %d bytes, want %d", ent.Name, i, n, want)
		}
	}
	return nil
}

// checkOverlap verifies that no two references share data bytes, so the
// host can never write through one reference into another.
func checkOverlap(ent *syscalls.Entry, slots [syscalls.NumSlots]block.Slot, req *hostRequest) *errors.Error {
	for i := range slots {
		if len(req.args.Bufs[i]) == 0 {
			continue
		}
		for j := i + 1; j < len(slots); j++ {
			if len(req.args.Bufs[j]) == 0 {
				continue
			}
			si, sj := slots[i], slots[j]
			if si.Value < sj.Value+sj.Length && sj.Value < si.Value+si.Length {
				return errors.Protocolf("%s: args %d and %d overlap", ent.Name, i, j)
			}
		}
	}
	return nil
}

// ExecutorGroup serves executors that are added over time, such as one per
// channel dialed by a runtime. The zero value is ready to use.
type ExecutorGroup struct {
	g errgroup.Group
}

// Serve starts serving e in a new goroutine.
func (eg *ExecutorGroup) Serve(e *Executor) {
	eg.g.Go(func() error {
		if err := e.Serve(); !stderrors.Is(err, platform.ErrShutdown) {
			return err
		}
		return nil
	})
}

// Wait waits until every executor's channel is shut down. It returns the
// first error other than a shutdown.
func (eg *ExecutorGroup) Wait() error {
	return eg.g.Wait()
}

// ServeAll serves every executor concurrently until all channels are shut
// down. It returns the first error other than a shutdown.
func ServeAll(executors ...*Executor) error {
	var eg ExecutorGroup
	for _, e := range executors {
		eg.Serve(e)
	}
	return eg.Wait()
}
