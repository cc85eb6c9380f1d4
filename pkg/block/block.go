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

// Package block implements the shared-memory request/reply area of a proxy
// channel.
//
// A Block is a fixed-size window shared by the trusted and untrusted sides.
// It starts with a fixed-offset, little-endian header followed by a data
// area used for out-of-band payloads:
//
//	offset  size  field                                 writer
//	     0     4  protocol version                      trusted (setup)
//	     4     4  phase                                 alternating
//	     8     8  syscall number                        trusted
//	    16  6*24  slots: tag u32, pad u32, value u64,   trusted
//	              length u64
//	   160     8  result (int64)                        untrusted
//	   168     4  errno                                 untrusted
//	   172     4  reply status                          untrusted
//	   176   6*8  produced length per slot              untrusted
//	   224     8  data cursor                           trusted
//	   232     8  data capacity                         trusted (setup)
//	   240    16  reserved, zero
//	   256   cap  data area                             both, per phase
//
// Header fields are only written by the side that currently holds the
// in-flight request. The Block itself does not synchronize; the platform
// crossing provides the happens-before edge between phases.
package block

import (
	"encoding/binary"
	"fmt"

	"gvisor.dev/keep/pkg/errors"
)

// Protocol version 1 constants. Changing any of them requires a new Version.
const (
	// Version is the protocol version tag.
	Version = 1

	// NumSlots is the number of argument slots, matching the native syscall
	// ABI.
	NumSlots = 6

	// HeaderBytes is the size of the header preceding the data area.
	HeaderBytes = 256

	// DefaultCapacity is the default size of the data area, so that a
	// whole Block fits a 64 KiB window.
	DefaultCapacity = 64<<10 - HeaderBytes

	// MinCapacity is the smallest permitted data area.
	MinCapacity = 4 << 10
)

const (
	offVersion  = 0
	offPhase    = 4
	offSysno    = 8
	offSlots    = 16
	slotBytes   = 24
	offResult   = offSlots + NumSlots*slotBytes
	offErrno    = offResult + 8
	offStatus   = offErrno + 4
	offProduced = offStatus + 4
	offCursor   = offProduced + NumSlots*8
	offCapacity = offCursor + 8
	offReserved = offCapacity + 8
)

var order = binary.LittleEndian

// Phase is the protocol phase of a Block.
type Phase uint32

// Phases.
const (
	PhaseIdle Phase = iota
	PhaseRequest
	PhaseReply
)

// String implements fmt.Stringer.String.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRequest:
		return "request"
	case PhaseReply:
		return "reply"
	default:
		return fmt.Sprintf("Phase(%d)", uint32(p))
	}
}

// Tag describes the contents of an argument slot.
type Tag uint32

// Slot tags.
const (
	// TagUnused marks a slot the syscall does not take.
	TagUnused Tag = iota

	// TagImmediate marks a slot whose Value is passed by value.
	TagImmediate

	// TagNull marks a nullable reference passed as a null pointer.
	TagNull

	// TagReference marks a slot whose Value is an offset into the data
	// area and whose Length is the referenced size.
	TagReference
)

// String implements fmt.Stringer.String.
func (t Tag) String() string {
	switch t {
	case TagUnused:
		return "unused"
	case TagImmediate:
		return "immediate"
	case TagNull:
		return "null"
	case TagReference:
		return "reference"
	default:
		return fmt.Sprintf("Tag(%d)", uint32(t))
	}
}

// Status is the outcome of a request, as reported by the untrusted side.
type Status uint32

// Reply statuses.
const (
	// StatusOK means the host operation succeeded and Result holds its
	// value.
	StatusOK Status = iota

	// StatusHostError means the host operation failed with Errno.
	StatusHostError

	// StatusPolicy means the executor refused the request by policy.
	StatusPolicy

	// StatusProtocol means the executor found the request malformed.
	StatusProtocol
)

// String implements fmt.Stringer.String.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusHostError:
		return "host-error"
	case StatusPolicy:
		return "policy"
	case StatusProtocol:
		return "protocol"
	default:
		return fmt.Sprintf("Status(%d)", uint32(s))
	}
}

// Slot is a decoded argument slot.
type Slot struct {
	Tag    Tag
	Value  uint64
	Length uint64
}

// Block is a view of a shared window.
type Block struct {
	// buf is the whole window. Only buf[:HeaderBytes+capacity] is used.
	buf []byte

	// capacity is the data area size fixed at creation. It is never read
	// back from the header, which the peer may have overwritten.
	capacity uint64

	// cursor is the writer's private copy of the data cursor.
	cursor uint64
}

// Size returns the window size needed for a data area of the given capacity.
func Size(capacity uint64) int {
	return HeaderBytes + int(capacity)
}

// New returns a Block over window with the given data capacity.
func New(window []byte, capacity uint64) (*Block, error) {
	if capacity < MinCapacity {
		return nil, fmt.Errorf("block capacity %d is below the minimum of %d", capacity, MinCapacity)
	}
	if uint64(len(window)) < HeaderBytes+capacity {
		return nil, fmt.Errorf("window of %d bytes is too small for a block with capacity %d", len(window), capacity)
	}
	return &Block{buf: window[:HeaderBytes+capacity], capacity: capacity}, nil
}

// Init writes the setup fields of a fresh Block. It is called once by the
// trusted side when a channel is established.
func (b *Block) Init() {
	clear(b.buf[:HeaderBytes])
	order.PutUint32(b.buf[offVersion:], Version)
	order.PutUint64(b.buf[offCapacity:], b.capacity)
	b.cursor = 0
	b.SetPhase(PhaseIdle)
}

// Capacity returns the data area capacity the Block was created with.
func (b *Block) Capacity() uint64 { return b.capacity }

// Version returns the version field.
func (b *Block) Version() uint32 { return order.Uint32(b.buf[offVersion:]) }

// DeclaredCapacity returns the capacity field of the header. It is only used
// to detect a peer that disagrees about the layout.
func (b *Block) DeclaredCapacity() uint64 { return order.Uint64(b.buf[offCapacity:]) }

// Phase returns the phase field.
func (b *Block) Phase() Phase { return Phase(order.Uint32(b.buf[offPhase:])) }

// SetPhase sets the phase field.
func (b *Block) SetPhase(p Phase) { order.PutUint32(b.buf[offPhase:], uint32(p)) }

// Sysno returns the syscall number field.
func (b *Block) Sysno() uint64 { return order.Uint64(b.buf[offSysno:]) }

// SetSysno sets the syscall number field.
func (b *Block) SetSysno(nr uint64) { order.PutUint64(b.buf[offSysno:], nr) }

func slotOffset(i int) int {
	if i < 0 || i >= NumSlots {
		panic(fmt.Sprintf("slot %d out of range", i))
	}
	return offSlots + i*slotBytes
}

// Slot returns argument slot i.
func (b *Block) Slot(i int) Slot {
	off := slotOffset(i)
	return Slot{
		Tag:    Tag(order.Uint32(b.buf[off:])),
		Value:  order.Uint64(b.buf[off+8:]),
		Length: order.Uint64(b.buf[off+16:]),
	}
}

// SetSlot sets argument slot i.
func (b *Block) SetSlot(i int, s Slot) {
	off := slotOffset(i)
	order.PutUint32(b.buf[off:], uint32(s.Tag))
	order.PutUint32(b.buf[off+4:], 0)
	order.PutUint64(b.buf[off+8:], s.Value)
	order.PutUint64(b.buf[off+16:], s.Length)
}

// Result returns the result field.
func (b *Block) Result() int64 { return int64(order.Uint64(b.buf[offResult:])) }

// SetResult sets the result field.
func (b *Block) SetResult(r int64) { order.PutUint64(b.buf[offResult:], uint64(r)) }

// Errno returns the errno field.
func (b *Block) Errno() uint32 { return order.Uint32(b.buf[offErrno:]) }

// SetErrno sets the errno field.
func (b *Block) SetErrno(e uint32) { order.PutUint32(b.buf[offErrno:], e) }

// Status returns the reply status field.
func (b *Block) Status() Status { return Status(order.Uint32(b.buf[offStatus:])) }

// SetStatus sets the reply status field.
func (b *Block) SetStatus(s Status) { order.PutUint32(b.buf[offStatus:], uint32(s)) }

// Produced returns the number of bytes the host produced for slot i.
func (b *Block) Produced(i int) uint64 {
	slotOffset(i)
	return order.Uint64(b.buf[offProduced+i*8:])
}

// SetProduced sets the number of bytes the host produced for slot i.
func (b *Block) SetProduced(i int, n uint64) {
	slotOffset(i)
	order.PutUint64(b.buf[offProduced+i*8:], n)
}

// Cursor returns the number of data bytes reserved in the current cycle.
func (b *Block) Cursor() uint64 { return b.cursor }

// DeclaredCursor returns the cursor field of the header, as written by the
// trusted side.
func (b *Block) DeclaredCursor() uint64 { return order.Uint64(b.buf[offCursor:]) }

// Reset clears all request and reply fields, zeroes the data bytes used by
// the previous cycle and rewinds the cursor. It is called at the start of
// every request.
func (b *Block) Reset() {
	clear(b.buf[offSysno:offCapacity])
	clear(b.buf[offReserved:HeaderBytes])
	clear(b.buf[HeaderBytes : HeaderBytes+b.cursor])
	b.cursor = 0
	b.SetPhase(PhaseIdle)
}

// Reserve advances the cursor by n bytes and returns the offset of the
// reserved bytes within the data area. It fails, leaving the cursor
// unchanged, if the data area would overflow.
func (b *Block) Reserve(n uint64) (uint64, error) {
	if n > b.capacity-b.cursor {
		return 0, errors.Validationf("block capacity exceeded: %d bytes requested, %d of %d available", n, b.capacity-b.cursor, b.capacity)
	}
	off := b.cursor
	b.cursor += n
	order.PutUint64(b.buf[offCursor:], b.cursor)
	return off, nil
}

// Remaining returns the number of data bytes that can still be reserved.
func (b *Block) Remaining() uint64 { return b.capacity - b.cursor }

// Slice returns data bytes [off, off+length). Both values are checked
// against the capacity the Block was created with, so they may be taken from
// untrusted slots.
func (b *Block) Slice(off, length uint64) ([]byte, error) {
	if off > b.capacity || length > b.capacity-off {
		return nil, errors.Protocolf("data reference [%#x, +%#x) exceeds block capacity %#x", off, length, b.capacity)
	}
	start := HeaderBytes + off
	return b.buf[start : start+length : start+length], nil
}
