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
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"gvisor.dev/keep/pkg/block"
	"gvisor.dev/keep/pkg/errors"
	"gvisor.dev/keep/pkg/syscalls"
)

// helloSysno is the syscall number field of a handshake request. It is not
// a valid syscall number on any architecture.
const helloSysno = ^uint64(0)

// hello is exchanged once when a channel is established. Both sides send
// their own view; any difference is fatal for the channel.
type hello struct {
	Version  uint32 `cbor:"1,keyasint"`
	Capacity uint64 `cbor:"2,keyasint"`
	NumSlots uint32 `cbor:"3,keyasint"`
	Digest   []byte `cbor:"4,keyasint"`
}

func newHello(capacity uint64, t *syscalls.Table) hello {
	d := t.Digest()
	return hello{
		Version:  block.Version,
		Capacity: capacity,
		NumSlots: block.NumSlots,
		Digest:   d[:],
	}
}

// check returns a protocol error describing the first difference between
// h, the local hello, and peer.
func (h hello) check(peer hello) error {
	switch {
	case peer.Version != h.Version:
		return errors.Protocolf("protocol version mismatch: local %d, peer %d", h.Version, peer.Version)
	case peer.Capacity != h.Capacity:
		return errors.Protocolf("block capacity mismatch: local %d, peer %d", h.Capacity, peer.Capacity)
	case peer.NumSlots != h.NumSlots:
		return errors.Protocolf("slot count mismatch: local %d, peer %d", h.NumSlots, peer.NumSlots)
	case !bytes.Equal(peer.Digest, h.Digest):
		return errors.Protocolf("syscall table mismatch: local %x, peer %x", h.Digest, peer.Digest)
	}
	return nil
}

var (
	// helloEncMode is the CBOR encoder configured with Core Deterministic
	// Encoding (RFC 8949 §4.2).
	helloEncMode cbor.EncMode

	// helloDecMode rejects duplicate and unknown keys, so a hello has
	// exactly one encoding.
	helloDecMode cbor.DecMode
)

func init() {
	var err error
	helloEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("proxy: CBOR encoder initialization failed: " + err.Error())
	}
	helloDecMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxArrayElements:  16,
		MaxMapPairs:       16,
	}.DecMode()
	if err != nil {
		panic("proxy: CBOR decoder initialization failed: " + err.Error())
	}
}

// encodeHello encodes h, which must fit in the data area of b.
func encodeHello(b *block.Block, h hello) ([]byte, error) {
	data, err := helloEncMode.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encoding hello: %w", err)
	}
	if uint64(len(data)) > b.Capacity() {
		return nil, errors.Protocolf("hello of %d bytes does not fit block capacity %d", len(data), b.Capacity())
	}
	return data, nil
}

// writeHelloRequest makes b a hello request carrying h as the reference in
// slot 0. Only request fields are written.
func writeHelloRequest(b *block.Block, h hello) error {
	data, err := encodeHello(b, h)
	if err != nil {
		return err
	}
	// Reserving the hello makes the next Reset scrub it.
	off, err := b.Reserve(uint64(len(data)))
	if err != nil {
		return err
	}
	dst, err := b.Slice(off, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	b.SetSlot(0, block.Slot{Tag: block.TagReference, Value: off, Length: uint64(len(data))})
	b.SetSysno(helloSysno)
	return nil
}

// readHelloRequest decodes the hello referenced by slot 0 of a request.
func readHelloRequest(b *block.Block) (hello, error) {
	s := b.Slot(0)
	if s.Tag != block.TagReference {
		return hello{}, errors.Protocolf("hello request without a reference in slot 0: %v", s.Tag)
	}
	return decodeHello(b, s.Value, s.Length)
}

// writeHelloReply writes h at the start of the data area of b and records
// its length in produced slot 0. Only reply fields and data are written.
func writeHelloReply(b *block.Block, h hello) error {
	data, err := encodeHello(b, h)
	if err != nil {
		return err
	}
	dst, err := b.Slice(0, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	b.SetProduced(0, uint64(len(data)))
	return nil
}

// readHelloReply decodes the hello of a reply.
func readHelloReply(b *block.Block) (hello, error) {
	return decodeHello(b, 0, b.Produced(0))
}

// decodeHello decodes the hello in data bytes [off, off+n) and clears them.
func decodeHello(b *block.Block, off, n uint64) (hello, error) {
	var h hello
	data, err := b.Slice(off, n)
	if err != nil {
		return h, err
	}
	err = helloDecMode.Unmarshal(data, &h)
	clear(data)
	if err != nil {
		return h, errors.Protocolf("decoding hello: %v", err)
	}
	return h, nil
}
