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
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/keep/pkg/errors"
	"gvisor.dev/keep/pkg/errors/linuxerr"
	"gvisor.dev/keep/pkg/hostarch"
)

func ar(start, end hostarch.Addr) hostarch.AddrRange {
	return hostarch.AddrRange{Start: start, End: end}
}

func mustInsert(t *testing.T, l *Ledger, r hostarch.AddrRange, perms hostarch.AccessType, owner string) {
	t.Helper()
	if err := l.Insert(r, perms, owner); err != nil {
		t.Fatalf("Insert(%v, %v, %q): %v", r, perms, owner, err)
	}
}

// checkInvariants verifies that entries are sorted, non-overlapping and
// coalesced.
func checkInvariants(t *testing.T, l *Ledger) {
	t.Helper()
	es := l.Entries()
	for i := 1; i < len(es); i++ {
		prev, cur := es[i-1], es[i]
		if prev.Range.End > cur.Range.Start {
			t.Fatalf("entries overlap: %v and %v", prev, cur)
		}
		if prev.Range.End == cur.Range.Start && prev.compatible(cur) {
			t.Fatalf("entries not coalesced: %v and %v", prev, cur)
		}
	}
}

func TestInsertCoalesces(t *testing.T) {
	l := New()
	mustInsert(t, l, ar(0x1000, 0x2000), hostarch.ReadWrite, "memory")
	mustInsert(t, l, ar(0x3000, 0x4000), hostarch.ReadWrite, "memory")
	mustInsert(t, l, ar(0x2000, 0x3000), hostarch.ReadWrite, "memory")
	mustInsert(t, l, ar(0x4000, 0x5000), hostarch.Read, "memory")
	checkInvariants(t, l)

	want := []Entry{
		{Range: ar(0x1000, 0x4000), Perms: hostarch.ReadWrite, Owner: "memory"},
		{Range: ar(0x4000, 0x5000), Perms: hostarch.Read, Owner: "memory"},
	}
	if diff := cmp.Diff(want, l.Entries()); diff != "" {
		t.Errorf("Entries mismatch (-want +got):\n%s", diff)
	}
}

func TestInsertOverlap(t *testing.T) {
	l := New()
	mustInsert(t, l, ar(0x1000, 0x3000), hostarch.ReadWrite, "memory")
	before := l.Entries()

	for _, test := range []struct {
		name  string
		r     hostarch.AddrRange
		perms hostarch.AccessType
		owner string
	}{
		{name: "same owner and perms", r: ar(0x2000, 0x4000), perms: hostarch.ReadWrite, owner: "memory"},
		{name: "contained", r: ar(0x1800, 0x2000), perms: hostarch.ReadWrite, owner: "memory"},
		{name: "owner", r: ar(0x2000, 0x5000), perms: hostarch.ReadWrite, owner: "mmap"},
		{name: "perms", r: ar(0x0, 0x1800), perms: hostarch.Read, owner: "memory"},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := l.Insert(test.r, test.perms, test.owner)
			if !linuxerr.Equals(linuxerr.EEXIST, err) {
				t.Errorf("Insert(%v): got %v, want EEXIST", test.r, err)
			}
			if diff := cmp.Diff(before, l.Entries()); diff != "" {
				t.Errorf("failed Insert modified the ledger (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMutationArguments(t *testing.T) {
	l := New()
	if err := l.Insert(ar(0x1000, 0x1000), hostarch.Read, "memory"); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("zero-length Insert: got %v, want EINVAL", err)
	}
	if err := l.Remove(ar(0x1000, 0x1000)); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("zero-length Remove: got %v, want EINVAL", err)
	}
	if err := l.Insert(ar(0x2000, 0x1000), hostarch.Read, "memory"); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("wrapping Insert: got %v, want EFAULT", err)
	}
	if !l.Contains(ar(0x5000, 0x5000), hostarch.ReadWrite) {
		t.Errorf("zero-length range should be trivially contained")
	}
}

func TestInsertRemoveRestores(t *testing.T) {
	l := New()
	mustInsert(t, l, ar(0x0, 0x10000), hostarch.ReadWrite, "memory")
	mustInsert(t, l, ar(0x20000, 0x30000), hostarch.Read, "mmap")
	before := l.Entries()

	for _, r := range []hostarch.AddrRange{
		ar(0x10000, 0x20000), // Adjacent to both entries.
		ar(0x40000, 0x41000),
		ar(0x10000, 0x12000), // Coalesces with the first entry.
	} {
		mustInsert(t, l, r, hostarch.ReadWrite, "memory")
		checkInvariants(t, l)
		if err := l.Remove(r); err != nil {
			t.Fatalf("Remove(%v): %v", r, err)
		}
		if diff := cmp.Diff(before, l.Entries()); diff != "" {
			t.Errorf("insert/remove of %v did not restore the ledger (-want +got):\n%s", r, diff)
		}
	}

	// An insert overlapping an entry is refused, so it has nothing to undo.
	r := ar(0x8000, 0x18000)
	if err := l.Insert(r, hostarch.ReadWrite, "memory"); !linuxerr.Equals(linuxerr.EEXIST, err) {
		t.Errorf("overlapping Insert(%v): got %v, want EEXIST", r, err)
	}
	if diff := cmp.Diff(before, l.Entries()); diff != "" {
		t.Errorf("overlapping Insert(%v) modified the ledger (-want +got):\n%s", r, diff)
	}
}

func TestRemoveRequiresCoverage(t *testing.T) {
	l := New()
	mustInsert(t, l, ar(0x1000, 0x2000), hostarch.ReadWrite, "memory")
	mustInsert(t, l, ar(0x3000, 0x4000), hostarch.ReadWrite, "memory")
	before := l.Entries()
	if err := l.Remove(ar(0x1000, 0x4000)); err == nil || !errors.Is(err, errors.KindValidation) {
		t.Errorf("Remove across a hole: got %v, want a validation error", err)
	}
	if diff := cmp.Diff(before, l.Entries()); diff != "" {
		t.Errorf("failed Remove modified the ledger (-want +got):\n%s", diff)
	}

	// Removing across owners is fine if there is no hole.
	mustInsert(t, l, ar(0x2000, 0x3000), hostarch.Read, "mmap")
	if err := l.Remove(ar(0x1800, 0x3800)); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	want := []Entry{
		{Range: ar(0x1000, 0x1800), Perms: hostarch.ReadWrite, Owner: "memory"},
		{Range: ar(0x3800, 0x4000), Perms: hostarch.ReadWrite, Owner: "memory"},
	}
	if diff := cmp.Diff(want, l.Entries()); diff != "" {
		t.Errorf("Entries mismatch (-want +got):\n%s", diff)
	}
}

func TestCheck(t *testing.T) {
	l := New()
	// Only the first 32 bytes of a 64-byte region are owned.
	mustInsert(t, l, ar(0x1000, 0x1020), hostarch.ReadWrite, "memory")
	mustInsert(t, l, ar(0x2000, 0x3000), hostarch.Read, "memory")

	for _, test := range []struct {
		name  string
		r     hostarch.AddrRange
		perms hostarch.AccessType
		ok    bool
	}{
		{name: "covered", r: ar(0x1000, 0x1020), perms: hostarch.ReadWrite, ok: true},
		{name: "partially covered", r: ar(0x1000, 0x1040), perms: hostarch.Read, ok: false},
		{name: "uncovered", r: ar(0x5000, 0x5010), perms: hostarch.Read, ok: false},
		{name: "read only", r: ar(0x2000, 0x2010), perms: hostarch.Read, ok: true},
		{name: "not writable", r: ar(0x2000, 0x2010), perms: hostarch.Write, ok: false},
		{name: "empty", r: ar(0x9000, 0x9000), perms: hostarch.Write, ok: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			g, err := l.Check(test.r, test.perms)
			if test.ok {
				if err != nil {
					t.Fatalf("Check(%v, %v): %v", test.r, test.perms, err)
				}
				if !g.Valid() || g.Range() != test.r || g.Perms() != test.perms {
					t.Errorf("Check(%v, %v): got grant %+v", test.r, test.perms, g)
				}
				return
			}
			if !linuxerr.Equals(linuxerr.EFAULT, err) || !errors.Is(err, errors.KindValidation) {
				t.Errorf("Check(%v, %v): got %v, want a validation EFAULT", test.r, test.perms, err)
			}
			if g.Valid() {
				t.Errorf("failed Check returned a valid grant")
			}
		})
	}
}

func TestCheckPrefix(t *testing.T) {
	l := New()
	mustInsert(t, l, ar(0x1000, 0x1020), hostarch.ReadWrite, "memory")
	g, err := l.CheckPrefix(ar(0x1010, 0x1040), hostarch.Read)
	if err != nil {
		t.Fatalf("CheckPrefix: %v", err)
	}
	if got, want := g.Range(), ar(0x1010, 0x1020); got != want {
		t.Errorf("CheckPrefix: got %v, want %v", got, want)
	}
	if _, err := l.CheckPrefix(ar(0x1020, 0x1040), hostarch.Read); err == nil {
		t.Errorf("CheckPrefix of an uncovered start should fail")
	}
}

func TestProtect(t *testing.T) {
	l := New()
	mustInsert(t, l, ar(0x0, 0x4000), hostarch.ReadWrite, "mmap")
	if err := l.Protect(ar(0x1000, 0x2000), hostarch.Read); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	want := []Entry{
		{Range: ar(0x0, 0x1000), Perms: hostarch.ReadWrite, Owner: "mmap"},
		{Range: ar(0x1000, 0x2000), Perms: hostarch.Read, Owner: "mmap"},
		{Range: ar(0x2000, 0x4000), Perms: hostarch.ReadWrite, Owner: "mmap"},
	}
	if diff := cmp.Diff(want, l.Entries()); diff != "" {
		t.Errorf("Entries mismatch (-want +got):\n%s", diff)
	}
	if l.Contains(ar(0x1000, 0x1001), hostarch.Write) {
		t.Errorf("protected range is still writable")
	}

	// Restoring the permissions coalesces again.
	if err := l.Protect(ar(0x1000, 0x2000), hostarch.ReadWrite); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if got := l.Len(); got != 1 {
		t.Errorf("Protect did not coalesce: %v", l.Entries())
	}

	if err := l.Protect(ar(0x3000, 0x5000), hostarch.Read); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("Protect of an uncovered range: got %v, want ENOMEM", err)
	}
}

func TestFindGap(t *testing.T) {
	l := New()
	arena := ar(0x10000, 0x20000)
	for _, test := range []struct {
		name   string
		insert hostarch.AddrRange
		length uint64
		want   hostarch.Addr
	}{
		{name: "empty arena", length: 0x2000, want: 0x10000},
		{name: "after first", insert: ar(0x10000, 0x12000), length: 0x1000, want: 0x12000},
		{name: "skips small hole", insert: ar(0x13000, 0x14000), length: 0x2000, want: 0x14000},
		{name: "fills small hole", length: 0x800, want: 0x12000},
	} {
		t.Run(test.name, func(t *testing.T) {
			if test.insert.Length() != 0 {
				mustInsert(t, l, test.insert, hostarch.ReadWrite, "mmap")
			}
			got, err := l.FindGap(arena, test.length)
			if err != nil || got != test.want {
				t.Errorf("FindGap(%v, %#x): got (%v, %v), want %v", arena, test.length, got, err, test.want)
			}
		})
	}

	if _, err := l.FindGap(arena, 0x10000); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("FindGap larger than free space: got %v, want ENOMEM", err)
	}
}

func TestLookup(t *testing.T) {
	l := New()
	mustInsert(t, l, ar(0x1000, 0x2000), hostarch.Read, "memory")
	if e, ok := l.Lookup(0x1fff); !ok || e.Range != ar(0x1000, 0x2000) {
		t.Errorf("Lookup(0x1fff): got (%v, %t)", e, ok)
	}
	if _, ok := l.Lookup(0x2000); ok {
		t.Errorf("Lookup(0x2000) found an entry")
	}
	if _, ok := l.Lookup(0x0); ok {
		t.Errorf("Lookup(0x0) found an entry")
	}
}

func TestRandomizedInvariants(t *testing.T) {
	l := New()
	rng := rand.New(rand.NewSource(1))
	owners := []string{"memory", "mmap"}
	perms := []hostarch.AccessType{hostarch.Read, hostarch.ReadWrite}
	for i := 0; i < 2000; i++ {
		start := hostarch.Addr(rng.Intn(64)) * hostarch.PageSize
		end := start + hostarch.Addr(1+rng.Intn(8))*hostarch.PageSize
		r := ar(start, end)
		switch rng.Intn(3) {
		case 0:
			l.Insert(r, perms[rng.Intn(2)], owners[rng.Intn(2)])
		case 1:
			l.Remove(r)
		case 2:
			l.Protect(r, perms[rng.Intn(2)])
		}
		checkInvariants(t, l)
	}
}

func TestConcurrentAccess(t *testing.T) {
	l := New()
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		base := hostarch.Addr(i) * 0x100000
		g.Go(func() error {
			for j := 0; j < 200; j++ {
				r := ar(base, base+hostarch.PageSize)
				if err := l.Insert(r, hostarch.ReadWrite, "mmap"); err != nil {
					return err
				}
				if !l.Contains(r, hostarch.Write) {
					return errors.Validationf("range %v vanished", r)
				}
				if err := l.Remove(r); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent access: %v", err)
	}
	if l.Len() != 0 {
		t.Errorf("ledger not empty: %v", l.Entries())
	}
}
