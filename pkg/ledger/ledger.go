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

// Package ledger tracks the ranges of trusted memory that are owned by the
// trusted side of a proxy channel, and the permissions they were mapped with.
//
// The ledger is the only authority consulted before guest-supplied addresses
// are read or written across the boundary. Validation results are returned as
// Grants that are only meaningful for the call that obtained them; a range's
// validity may change between calls as the guest maps and unmaps memory.
package ledger

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"golang.org/x/sys/unix"
	"gvisor.dev/keep/pkg/errors"
	"gvisor.dev/keep/pkg/hostarch"
)

// degree is the B-tree degree used for the entry set.
const degree = 16

// Entry is a single ledger entry.
type Entry struct {
	// Range is the covered address range.
	Range hostarch.AddrRange

	// Perms are the permissions the range was mapped with.
	Perms hostarch.AccessType

	// Owner tags the subsystem that mapped the range, e.g. "memory" for wasm
	// linear memory or "mmap" for emulated anonymous mappings.
	Owner string
}

// compatible returns true if e and o may be coalesced when adjacent.
func (e Entry) compatible(o Entry) bool {
	return e.Perms == o.Perms && e.Owner == o.Owner
}

// String implements fmt.Stringer.String.
func (e Entry) String() string {
	return fmt.Sprintf("%v %v %s", e.Range, e.Perms, e.Owner)
}

func lessByStart(a, b Entry) bool {
	return a.Range.Start < b.Range.Start
}

func key(addr hostarch.Addr) Entry {
	return Entry{Range: hostarch.AddrRange{Start: addr, End: addr}}
}

// Ledger is a sorted, non-overlapping set of entries. Adjacent entries with
// identical permissions and owner are always coalesced.
//
// Ledger is safe for concurrent use. Lookups never observe a partially
// applied mutation.
type Ledger struct {
	mu sync.RWMutex

	// +checklocks:mu
	tree *btree.BTreeG[Entry]
}

// New returns an empty Ledger.
func New() *Ledger {
	return &Ledger{tree: btree.NewG[Entry](degree, lessByStart)}
}

var (
	errWraps    = errors.New(errors.KindValidation, unix.EFAULT, "address range wraps")
	errEmpty    = errors.New(errors.KindValidation, unix.EINVAL, "zero-length range")
	errConflict = errors.New(errors.KindValidation, unix.EEXIST, "range overlaps an existing entry")
	errNoGap    = errors.New(errors.KindValidation, unix.ENOMEM, "no free range of the requested size")
)

func checkMutation(ar hostarch.AddrRange) error {
	if !ar.WellFormed() {
		return errWraps
	}
	if ar.Length() == 0 {
		return errEmpty
	}
	return nil
}

func notCovered(ar hostarch.AddrRange) error {
	return errors.New(errors.KindValidation, unix.ENOMEM, fmt.Sprintf("range %v is not fully covered", ar))
}

// overlapping returns the entries overlapping ar, in ascending order.
//
// Preconditions: l.mu must be locked.
func (l *Ledger) overlapping(ar hostarch.AddrRange) []Entry {
	var es []Entry
	if p, ok := l.prev(ar.Start); ok && p.Range.End > ar.Start {
		es = append(es, p)
	}
	l.tree.AscendRange(key(ar.Start), key(ar.End), func(e Entry) bool {
		es = append(es, e)
		return true
	})
	return es
}

// prev returns the last entry starting strictly before addr.
//
// Preconditions: l.mu must be locked.
func (l *Ledger) prev(addr hostarch.Addr) (Entry, bool) {
	var (
		found Entry
		ok    bool
	)
	if addr == 0 {
		return found, false
	}
	l.tree.DescendLessOrEqual(key(addr-1), func(e Entry) bool {
		found, ok = e, true
		return false
	})
	return found, ok
}

// covered returns true if es, as returned by overlapping(ar), covers ar
// without holes.
func covered(ar hostarch.AddrRange, es []Entry) bool {
	next := ar.Start
	for _, e := range es {
		if e.Range.Start > next {
			return false
		}
		next = e.Range.End
		if next >= ar.End {
			return true
		}
	}
	return next >= ar.End
}

// coalesce merges compatible neighbours among the entries touching
// [start, end].
//
// Preconditions: l.mu must be locked for writing.
func (l *Ledger) coalesce(start, end hostarch.Addr) {
	from := start
	if p, ok := l.prev(start); ok {
		from = p.Range.Start
	}
	var es []Entry
	l.tree.AscendGreaterOrEqual(key(from), func(e Entry) bool {
		if e.Range.Start > end {
			return false
		}
		es = append(es, e)
		return true
	})
	for i := 0; i < len(es); {
		run := es[i]
		j := i
		for j+1 < len(es) && es[j+1].Range.Start == run.Range.End && es[j+1].compatible(run) {
			j++
			run.Range.End = es[j].Range.End
		}
		if j > i {
			for k := i; k <= j; k++ {
				l.tree.Delete(es[k])
			}
			l.tree.ReplaceOrInsert(run)
		}
		i = j + 1
	}
}

// split removes the entries overlapping ar and reinserts the parts of them
// that lie outside ar.
//
// Preconditions: l.mu must be locked for writing.
func (l *Ledger) split(ar hostarch.AddrRange, es []Entry) {
	for _, e := range es {
		l.tree.Delete(e)
		if e.Range.Start < ar.Start {
			left := e
			left.Range.End = ar.Start
			l.tree.ReplaceOrInsert(left)
		}
		if e.Range.End > ar.End {
			right := e
			right.Range.Start = ar.End
			l.tree.ReplaceOrInsert(right)
		}
	}
}

// Insert records ar as owned by owner with the given permissions.
//
// Insert fails with EEXIST if ar overlaps any existing entry, so that a
// Remove of the same range restores the prior ledger. Adjacent entries with
// the same owner and permissions are merged.
func (l *Ledger) Insert(ar hostarch.AddrRange, perms hostarch.AccessType, owner string) error {
	if err := checkMutation(ar); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if es := l.overlapping(ar); len(es) != 0 {
		return errConflict
	}
	l.tree.ReplaceOrInsert(Entry{Range: ar, Perms: perms, Owner: owner})
	l.coalesce(ar.Start, ar.End)
	return nil
}

// Remove drops ar from the ledger, splitting entries at its boundaries. It
// fails, leaving the ledger unchanged, if ar is not fully covered.
func (l *Ledger) Remove(ar hostarch.AddrRange) error {
	if err := checkMutation(ar); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	es := l.overlapping(ar)
	if !covered(ar, es) {
		return notCovered(ar)
	}
	l.split(ar, es)
	return nil
}

// Protect changes the permissions of ar, which must be fully covered. Owners
// are preserved.
func (l *Ledger) Protect(ar hostarch.AddrRange, perms hostarch.AccessType) error {
	if err := checkMutation(ar); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	es := l.overlapping(ar)
	if !covered(ar, es) {
		return notCovered(ar)
	}
	l.split(ar, es)
	for _, e := range es {
		mid := Entry{Range: e.Range.Intersect(ar), Perms: perms, Owner: e.Owner}
		l.tree.ReplaceOrInsert(mid)
	}
	l.coalesce(ar.Start, ar.End)
	return nil
}

// Contains returns true if every byte of ar is covered by entries granting at
// least perms. A zero-length range is trivially contained.
func (l *Ledger) Contains(ar hostarch.AddrRange, perms hostarch.AccessType) bool {
	_, err := l.Check(ar, perms)
	return err == nil
}

// Check validates that every byte of ar is covered by entries granting at
// least perms, and returns a Grant that authorizes copies to or from ar.
func (l *Ledger) Check(ar hostarch.AddrRange, perms hostarch.AccessType) (Grant, error) {
	g, err := l.CheckPrefix(ar, perms)
	if err != nil {
		return Grant{}, err
	}
	if g.ar != ar {
		return Grant{}, errors.Validationf("range %v is not covered for %v access", ar, perms)
	}
	return g, nil
}

// CheckPrefix is like Check, but grants the longest prefix of ar that is
// covered with perms. It fails only if that prefix is empty and ar is not.
func (l *Ledger) CheckPrefix(ar hostarch.AddrRange, perms hostarch.AccessType) (Grant, error) {
	if !ar.WellFormed() {
		return Grant{}, errWraps
	}
	if ar.Length() == 0 {
		return Grant{ar: ar, perms: perms, valid: true}, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	next := ar.Start
	for _, e := range l.overlapping(ar) {
		if e.Range.Start > next || !e.Perms.SupersetOf(perms) {
			break
		}
		next = e.Range.End
	}
	if next > ar.End {
		next = ar.End
	}
	if next == ar.Start {
		return Grant{}, errors.Validationf("address %v is not covered for %v access", ar.Start, perms)
	}
	return Grant{ar: hostarch.AddrRange{Start: ar.Start, End: next}, perms: perms, valid: true}, nil
}

// FindGap returns the lowest page-aligned address in within at which length
// bytes (rounded up to a page) are not covered by any entry.
func (l *Ledger) FindGap(within hostarch.AddrRange, length uint64) (hostarch.Addr, error) {
	if !within.WellFormed() {
		return 0, errWraps
	}
	size, ok := hostarch.PageRoundUp(length)
	if !ok || size == 0 {
		return 0, errEmpty
	}
	start, ok := within.Start.RoundUp()
	if !ok {
		return 0, errNoGap
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, e := range l.overlapping(hostarch.AddrRange{Start: start, End: within.End}) {
		if e.Range.Start >= start && uint64(e.Range.Start-start) >= size {
			return start, nil
		}
		if e.Range.End > start {
			if start, ok = e.Range.End.RoundUp(); !ok {
				return 0, errNoGap
			}
		}
	}
	if end, ok := start.AddLength(size); ok && end <= within.End {
		return start, nil
	}
	return 0, errNoGap
}

// Lookup returns the entry covering addr, if any.
func (l *Ledger) Lookup(addr hostarch.Addr) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var (
		found Entry
		ok    bool
	)
	l.tree.DescendLessOrEqual(key(addr), func(e Entry) bool {
		found, ok = e, e.Range.Contains(addr)
		return false
	})
	return found, ok
}

// Overlapping returns a snapshot of the entries overlapping ar, in ascending
// order.
func (l *Ledger) Overlapping(ar hostarch.AddrRange) []Entry {
	if !ar.WellFormed() || ar.Length() == 0 {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.overlapping(ar)
}

// Entries returns a snapshot of all entries, in ascending order.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	es := make([]Entry, 0, l.tree.Len())
	l.tree.Ascend(func(e Entry) bool {
		es = append(es, e)
		return true
	})
	return es
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tree.Len()
}
