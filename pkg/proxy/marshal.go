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
	"sort"

	"golang.org/x/sys/unix"
	"gvisor.dev/keep/pkg/block"
	"gvisor.dev/keep/pkg/errors"
	"gvisor.dev/keep/pkg/errors/linuxerr"
	"gvisor.dev/keep/pkg/hostarch"
	"gvisor.dev/keep/pkg/ledger"
	"gvisor.dev/keep/pkg/safecopy"
	"gvisor.dev/keep/pkg/syscalls"
	"gvisor.dev/keep/pkg/usermem"
)

// outRef is an out reference awaiting copy-back.
type outRef struct {
	// addr is the trusted destination.
	addr hostarch.Addr

	// off and reserved locate the bytes reserved in the data area.
	off      uint64
	reserved uint64
}

// request is a marshaled request.
type request struct {
	entry syscalls.Entry

	// args are the arguments as sent.
	args Args

	// outs are the out references, by slot.
	outs [syscalls.NumSlots]*outRef

	// copiedIn is the number of bytes copied from trusted memory.
	copiedIn uint64
}

// marshalOrder returns the order in which the reference slots of shape are
// marshaled. References whose length is read from another reference go last,
// after the reference holding their length has been copied in.
func marshalOrder(shape *syscalls.Shape) []int {
	var order []int
	for i, a := range shape {
		if a.Kind == syscalls.Ref {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(x, y int) bool {
		return shape[order[x]].Len.Kind != syscalls.LenFromRef && shape[order[y]].Len.Kind == syscalls.LenFromRef
	})
	return order
}

// marshaler writes requests into a Block and copies replies back.
type marshaler struct {
	b   *block.Block
	mem usermem.IO
	l   *ledger.Ledger
}

// marshal resets the Block and encodes a call of e with args into it. On
// error, nothing has been exposed to the untrusted side: the Block is left in
// the Idle phase.
func (m *marshaler) marshal(e syscalls.Entry, args Args) (*request, error) {
	m.b.Reset()
	req := &request{entry: e, args: args}
	for _, i := range marshalOrder(&e.Shape) {
		if err := m.marshalRef(req, i); err != nil {
			m.b.Reset()
			return nil, err
		}
	}
	for i, a := range e.Shape {
		if a.Kind == syscalls.Imm {
			m.b.SetSlot(i, block.Slot{Tag: block.TagImmediate, Value: req.args[i]})
		}
	}
	m.b.SetSysno(uint64(e.Nr))
	return req, nil
}

// marshalRef marshals reference slot i.
func (m *marshaler) marshalRef(req *request, i int) error {
	a := req.entry.Shape[i]
	addr := hostarch.Addr(req.args[i])
	if addr == 0 && a.Nullable {
		m.b.SetSlot(i, block.Slot{Tag: block.TagNull})
		return nil
	}
	if a.Len.Kind == syscalls.LenCString {
		return m.marshalString(req, i)
	}

	length, err := m.refLength(req, i)
	if err != nil {
		return err
	}
	ar, ok := addr.ToRange(length)
	if !ok {
		return errors.Validationf("arg %d of %s: range %v+%#x wraps", i, req.entry.Name, addr, length)
	}
	// Out references are checked for writability before crossing as well
	// as before copy-back, so that a bad destination fails without host
	// side effects.
	perms := hostarch.NoAccess
	if a.Dir.CopiesIn() {
		perms = perms.Union(hostarch.Read)
	}
	if a.Dir.CopiesOut() {
		perms = perms.Union(hostarch.Write)
	}
	grant, err := m.l.Check(ar, perms)
	if err != nil {
		return err
	}
	off, err := m.b.Reserve(length)
	if err != nil {
		return err
	}
	data, err := m.b.Slice(off, length)
	if err != nil {
		return err
	}
	if a.Dir.CopiesIn() {
		if _, err := safecopy.CopyIn(m.mem, grant, data); err != nil {
			return err
		}
		req.copiedIn += length
	}
	if a.Dir.CopiesOut() {
		req.outs[i] = &outRef{addr: addr, off: off, reserved: length}
	}
	m.b.SetSlot(i, block.Slot{Tag: block.TagReference, Value: off, Length: length})
	return nil
}

// refLength returns the length of reference slot i. A length above the
// descriptor's maximum is refused; one that does not fit in the data area is
// refused by Reserve.
func (m *marshaler) refLength(req *request, i int) (uint64, error) {
	a := req.entry.Shape[i]
	if a.Len.Kind == syscalls.LenFromRef {
		return m.lengthFromRef(req, i)
	}
	length, ok := a.Length([syscalls.NumSlots]uint64(req.args))
	if !ok {
		return 0, errors.Policyf(unix.EPERM, "arg %d of %s: length overflows", i, req.entry.Name)
	}
	if length > a.Max {
		return 0, errors.Policyf(unix.EPERM, "arg %d of %s: length %d exceeds maximum %d", i, req.entry.Name, length, a.Max)
	}
	return length, nil
}

// lengthFromRef returns the length of reference slot i, taken from the
// 32-bit value already copied in for the reference it names. A value larger
// than the maximum is clamped, in the data area too, as the kernel would
// truncate an address to the buffer it was given.
func (m *marshaler) lengthFromRef(req *request, i int) (uint64, error) {
	a := req.entry.Shape[i]
	j := a.Len.Arg
	s := m.b.Slot(j)
	if s.Tag != block.TagReference {
		return 0, errors.Validationf("arg %d of %s: length reference arg %d is null", i, req.entry.Name, j)
	}
	lenBuf, err := m.b.Slice(s.Value, s.Length)
	if err != nil || len(lenBuf) != 4 {
		return 0, errors.Protocolf("arg %d of %s: bad length reference", i, req.entry.Name)
	}
	length := uint64(binary.LittleEndian.Uint32(lenBuf))
	if length > a.Max {
		length = a.Max
		binary.LittleEndian.PutUint32(lenBuf, uint32(length))
	}
	return length, nil
}

// marshalString copies the NUL-terminated string at slot i, including its
// NUL, into the data area.
func (m *marshaler) marshalString(req *request, i int) error {
	a := req.entry.Shape[i]
	addr := hostarch.Addr(req.args[i])
	ar, ok := addr.ToRange(a.Max)
	if !ok {
		ar = hostarch.AddrRange{Start: addr, End: ^hostarch.Addr(0)}
	}
	grant, err := m.l.CheckPrefix(ar, hostarch.Read)
	if err != nil {
		return err
	}
	s, err := safecopy.CopyStringIn(m.mem, grant, int(a.Max)-1)
	if err != nil {
		if linuxerr.Equals(linuxerr.ENAMETOOLONG, err) {
			return errors.Policyf(unix.ENAMETOOLONG, "arg %d of %s: string longer than %d bytes", i, req.entry.Name, a.Max-1)
		}
		return errors.Validationf("arg %d of %s: %v", i, req.entry.Name, err)
	}
	length := uint64(len(s)) + 1
	off, err := m.b.Reserve(length)
	if err != nil {
		return err
	}
	data, err := m.b.Slice(off, length)
	if err != nil {
		return err
	}
	copy(data, s)
	data[len(s)] = 0
	req.copiedIn += length
	m.b.SetSlot(i, block.Slot{Tag: block.TagReference, Value: off, Length: length})
	return nil
}

// unmarshal validates the reply to req and returns its result. Out
// references are copied back only if every destination validates; otherwise
// no trusted memory is written.
func (m *marshaler) unmarshal(req *request) (uintptr, uint64, error) {
	b := m.b
	if p := b.Phase(); p != block.PhaseReply {
		return 0, 0, errors.Protocolf("%s: reply in phase %v", req.entry.Name, p)
	}
	switch st := b.Status(); st {
	case block.StatusOK:
	case block.StatusHostError:
		errno := unix.Errno(b.Errno())
		if errno == 0 {
			return 0, 0, errors.Protocolf("%s: host error without errno", req.entry.Name)
		}
		return 0, 0, linuxerr.FromHost(errno)
	case block.StatusPolicy:
		errno := unix.Errno(b.Errno())
		if errno == 0 {
			errno = unix.EPERM
		}
		return 0, 0, errors.Policyf(errno, "%s: refused by host", req.entry.Name)
	case block.StatusProtocol:
		return 0, 0, errors.Protocolf("%s: host reported a malformed request", req.entry.Name)
	default:
		return 0, 0, errors.Protocolf("%s: unknown reply status %d", req.entry.Name, uint32(st))
	}
	result := b.Result()
	if result < 0 {
		return 0, 0, errors.Protocolf("%s: negative result %d without host error", req.entry.Name, result)
	}

	// Validate every destination before copying anything.
	type copyBack struct {
		grant ledger.Grant
		data  []byte
	}
	var copies []copyBack
	var copiedOut uint64
	for i, o := range req.outs {
		if o == nil {
			continue
		}
		produced := b.Produced(i)
		if produced > o.reserved {
			return 0, 0, errors.Protocolf("%s: host produced %d bytes for arg %d, %d reserved", req.entry.Name, produced, i, o.reserved)
		}
		if req.entry.Shape[i].RetLen && produced != uint64(result) {
			return 0, 0, errors.Protocolf("%s: host produced %d bytes for arg %d, result is %d", req.entry.Name, produced, i, result)
		}
		ar, _ := o.addr.ToRange(produced)
		grant, err := m.l.Check(ar, hostarch.Write)
		if err != nil {
			return 0, 0, err
		}
		data, err := b.Slice(o.off, produced)
		if err != nil {
			return 0, 0, err
		}
		copies = append(copies, copyBack{grant: grant, data: data})
	}
	for _, c := range copies {
		if _, err := safecopy.CopyOut(m.mem, c.grant, c.data); err != nil {
			return 0, copiedOut, err
		}
		copiedOut += uint64(len(c.data))
	}
	return uintptr(result), copiedOut, nil
}
