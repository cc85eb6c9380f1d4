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

package syscalls

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// digestContext is the BLAKE3 key derivation context of table digests.
const digestContext = "gvisor.dev/keep syscall table v1"

// Digest is a BLAKE3 digest of the proxied part of a Table.
type Digest [32]byte

// String implements fmt.Stringer.String.
func (d Digest) String() string {
	return fmt.Sprintf("%x", d[:])
}

// cborEncMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2), so equal tables always produce identical bytes.
var cborEncMode cbor.EncMode

func init() {
	var err error
	cborEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("syscalls: CBOR encoder initialization failed: " + err.Error())
	}
}

type digestArg struct {
	_        struct{} `cbor:",toarray"`
	Kind     Kind
	Dir      Dir
	LenKind  LenKind
	N        uint64
	Arg      int
	Scale    uint64
	Max      uint64
	Nullable bool
	RetLen   bool
}

type digestEntry struct {
	Nr    uint64      `cbor:"1,keyasint"`
	Name  string      `cbor:"2,keyasint"`
	Shape []digestArg `cbor:"3,keyasint"`
	Rules string      `cbor:"4,keyasint"`
}

// Digest returns a digest of the syscall numbers, argument shapes and rules
// of the Proxied entries of t. Two sides that derive their tables
// independently compare digests to confirm they agree on the wire shape of
// every request.
func (t *Table) Digest() Digest {
	var es []digestEntry
	for _, e := range t.Entries() {
		if e.Policy != Proxied {
			continue
		}
		de := digestEntry{
			Nr:    uint64(e.Nr),
			Name:  e.Name,
			Shape: make([]digestArg, NumSlots),
			Rules: e.Rules.String(),
		}
		for i, a := range e.Shape {
			de.Shape[i] = digestArg{
				Kind:     a.Kind,
				Dir:      a.Dir,
				LenKind:  a.Len.Kind,
				N:        a.Len.N,
				Arg:      a.Len.Arg,
				Scale:    a.Len.Scale,
				Max:      a.Max,
				Nullable: a.Nullable,
				RetLen:   a.RetLen,
			}
		}
		es = append(es, de)
	}
	data, err := cborEncMode.Marshal(es)
	if err != nil {
		panic(fmt.Sprintf("syscalls: encoding table digest: %v", err))
	}
	h := blake3.NewDeriveKey(digestContext)
	h.Write(data)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}
