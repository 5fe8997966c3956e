// Package memregion maintains the accelerator's view of guest-physical to
// host-user-virtual memory mappings: an unsorted, non-overlapping set of
// regions rebuilt in response to memory-topology changes.
//
// The algorithms here are a direct, line-for-line port of
// vhost_dev_unassign_memory / vhost_dev_assign_memory from QEMU's
// hw/vhost.c: a compacting two-cursor pass over the region array, with the
// same split/shrink/shift/merge case analysis and the same mutual-exclusion
// assertions. Go's slice append replaces the C code's manual
// "grow capacity to nregions+1" step; the net effect — at most one extra
// region after any single call — is identical.
package memregion

import (
	"errors"
	"fmt"

	"github.com/nvio/vaccel/rangeutil"
)

// ErrInconsistent is panicked when a region-table invariant is violated.
// These are programmer-error conditions: the caller is expected to always
// call Unassign before Assign for an add, so Assign never sees an overlap,
// and at most one split/shrink/shift event can occur per Unassign call.
var ErrInconsistent = errors.New("memregion: invariant violation")

// Region is a tuple (guest-physical address, size, host-user-virtual
// address). Within one Table, no two regions overlap in guest-physical
// space.
type Region struct {
	GuestPhys uint64
	Size      uint64
	UserAddr  uint64
}

// Last returns the guest-physical address of the region's last byte.
func (r Region) Last() uint64 {
	return rangeutil.Last(r.GuestPhys, r.Size)
}

// Table is the variable-length set of regions exchanged with the
// accelerator via SET_MEM_TABLE.
type Table struct {
	regions []Region
}

// Regions returns the table's current regions. The order is insignificant
// and callers must not mutate the returned slice.
func (t *Table) Regions() []Region {
	return t.regions
}

// Len returns the number of regions currently in the table.
func (t *Table) Len() int {
	return len(t.regions)
}

// Find returns the first region overlapping [start, start+size), if any.
func (t *Table) Find(start, size uint64) (Region, bool) {
	for _, r := range t.regions {
		if rangeutil.Overlap(r.GuestPhys, r.Size, start, size) {
			return r, true
		}
	}

	return Region{}, false
}

// NeedsChange reports whether assigning (start, size, uaddr) would actually
// change the table. It is used to short-circuit no-op region_add calls that
// repeat an already-current mapping (vhost_dev_cmp_memory in the original).
func (t *Table) NeedsChange(start, size, uaddr uint64) bool {
	reg, ok := t.Find(start, size)
	if !ok {
		return true
	}

	regLast := reg.Last()
	memLast := rangeutil.Last(start, size)

	if start < reg.GuestPhys || memLast > regLast {
		return true
	}

	return uaddr != reg.UserAddr+start-reg.GuestPhys
}

// Unassign removes [start, start+size) from the table, splitting, shrinking
// or shifting any region that partially overlaps it. At most one region can
// be split by a single call (asserted).
func (t *Table) Unassign(start, size uint64) {
	var (
		overlapStart, overlapEnd, overlapMiddle, split int
		tail                                           Region
		haveTail                                       bool
	)

	to := 0
	n := len(t.regions)

	for from := 0; from < n; from++ {
		reg := t.regions[from]

		if !rangeutil.Overlap(reg.GuestPhys, reg.Size, start, size) {
			t.regions[to] = reg
			to++
			continue
		}

		assertf(split == 0, "unassign: more than one split in a single call")

		regLast := reg.Last()
		rangeLast := rangeutil.Last(start, size)

		switch {

		// Remove whole region.
		case start <= reg.GuestPhys && rangeLast >= regLast:
			overlapMiddle++

		// Shrink region: keep the head.
		case rangeLast >= regLast:
			reg.Size = start - reg.GuestPhys
			assertf(reg.Size != 0, "unassign: shrink produced empty region")
			assertf(overlapEnd == 0, "unassign: more than one shrink in a single call")
			overlapEnd++
			t.regions[to] = reg
			to++

		// Shift region: keep the tail.
		case start <= reg.GuestPhys:
			change := rangeLast + 1 - reg.GuestPhys
			reg.Size -= change
			reg.GuestPhys += change
			reg.UserAddr += change
			assertf(reg.Size != 0, "unassign: shift produced empty region")
			assertf(overlapStart == 0, "unassign: more than one shift in a single call")
			overlapStart++
			t.regions[to] = reg
			to++

		// Removed range is strictly inside the region: split in two.
		default:
			assertf(overlapStart == 0 && overlapEnd == 0 && overlapMiddle == 0,
				"unassign: split combined with another overlap kind")

			tail = reg
			change := rangeLast + 1 - reg.GuestPhys

			reg.Size = start - reg.GuestPhys
			assertf(reg.Size != 0, "unassign: split head is empty")

			tail.Size -= change
			assertf(tail.Size != 0, "unassign: split tail is empty")
			tail.GuestPhys += change
			tail.UserAddr += change

			t.regions[to] = reg
			to++
			haveTail = true
			split++
		}
	}

	t.regions = t.regions[:to]

	if haveTail {
		t.regions = append(t.regions, tail)
	}
}

// Assign adds (start, size, uaddr) to the table, merging with any region
// that is adjacent in both guest-physical and host-user-virtual space with
// consistent orientation. Callers must call Unassign first so that no
// existing region overlaps the incoming range.
func (t *Table) Assign(start, size, uaddr uint64) {
	mergedIdx := -1
	to := 0

	for from := 0; from < len(t.regions); from++ {
		reg := t.regions[from]

		prLast := reg.Last()
		pmLast := rangeutil.Last(start, size)
		urLast := rangeutil.Last(reg.UserAddr, reg.Size)
		umLast := rangeutil.Last(uaddr, size)

		assertf(prLast < start || pmLast < reg.GuestPhys,
			"assign: incoming range overlaps an existing region")

		adjacentAfter := rangeutil.Adjacent(prLast, start) && rangeutil.Adjacent(urLast, uaddr)
		adjacentBefore := rangeutil.Adjacent(pmLast, reg.GuestPhys) && rangeutil.Adjacent(umLast, reg.UserAddr)

		if !adjacentAfter && !adjacentBefore {
			t.regions[to] = reg
			to++
			continue
		}

		if mergedIdx < 0 {
			mergedIdx = to
			to++
		}

		u := min64(uaddr, reg.UserAddr)
		s := min64(start, reg.GuestPhys)
		e := max64(pmLast, prLast)

		uaddr = u
		start = s
		size = e - s + 1
		assertf(size != 0, "assign: merged region is empty")

		t.regions[mergedIdx] = Region{GuestPhys: start, Size: size, UserAddr: uaddr}
	}

	if mergedIdx < 0 {
		reg := Region{GuestPhys: start, Size: size, UserAddr: uaddr}
		assertf(reg.Size != 0, "assign: new region is empty")

		if to < len(t.regions) {
			t.regions[to] = reg
		} else {
			t.regions = append(t.regions, reg)
		}

		to++
	}

	assertf(to <= len(t.regions)+1, "assign: grew by more than one region")
	t.regions = t.regions[:to]
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}

	return b
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}

	return b
}

func assertf(ok bool, format string, args ...any) {
	if !ok {
		panic(fmt.Errorf("%w: %s", ErrInconsistent, fmt.Sprintf(format, args...)))
	}
}
