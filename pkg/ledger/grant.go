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

package ledger

import (
	"gvisor.dev/keep/pkg/hostarch"
)

// Grant is proof that a range was covered by the ledger with at least some
// permissions when it was checked. Grants can only be obtained from
// Ledger.Check and Ledger.CheckPrefix; the zero Grant authorizes nothing.
type Grant struct {
	ar    hostarch.AddrRange
	perms hostarch.AccessType
	valid bool
}

// Valid returns true if g was issued by a Ledger.
func (g Grant) Valid() bool {
	return g.valid
}

// Range returns the granted range.
func (g Grant) Range() hostarch.AddrRange {
	return g.ar
}

// Perms returns the granted permissions.
func (g Grant) Perms() hostarch.AccessType {
	return g.perms
}

// Length returns the number of granted bytes.
func (g Grant) Length() uint64 {
	return g.ar.Length()
}
