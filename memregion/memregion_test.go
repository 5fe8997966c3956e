package memregion_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nvio/vaccel/memregion"
)

func newTable(regions ...memregion.Region) *memregion.Table {
	t := &memregion.Table{}

	for _, r := range regions {
		t.Assign(r.GuestPhys, r.Size, r.UserAddr)
	}

	return t
}

func TestUnassignSplit(t *testing.T) {
	tbl := newTable(memregion.Region{GuestPhys: 0, Size: 0x10000, UserAddr: 0x1000})

	tbl.Unassign(0x4000, 0x2000)

	want := []memregion.Region{
		{GuestPhys: 0, Size: 0x4000, UserAddr: 0x1000},
		{GuestPhys: 0x6000, Size: 0xA000, UserAddr: 0x7000},
	}

	if diff := cmp.Diff(want, tbl.Regions()); diff != "" {
		t.Errorf("Regions() mismatch (-want +got):\n%s", diff)
	}
}

func TestAssignMergeAdjacent(t *testing.T) {
	tbl := newTable(memregion.Region{GuestPhys: 0, Size: 0x4000, UserAddr: 0x1000})

	tbl.Assign(0x4000, 0x4000, 0x5000)

	want := []memregion.Region{{GuestPhys: 0, Size: 0x8000, UserAddr: 0x1000}}

	if diff := cmp.Diff(want, tbl.Regions()); diff != "" {
		t.Errorf("Regions() mismatch (-want +got):\n%s", diff)
	}
}

func TestAssignNoMergeMismatchedUserAddr(t *testing.T) {
	tbl := newTable(memregion.Region{GuestPhys: 0, Size: 0x4000, UserAddr: 0x1000})

	tbl.Assign(0x4000, 0x4000, 0x9000)

	if tbl.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", tbl.Len())
	}
}

func TestUnassignShrinkRight(t *testing.T) {
	tbl := newTable(memregion.Region{GuestPhys: 0, Size: 0x10000, UserAddr: 0x1000})

	tbl.Unassign(0xC000, 0x8000)

	want := []memregion.Region{{GuestPhys: 0, Size: 0xC000, UserAddr: 0x1000}}

	if diff := cmp.Diff(want, tbl.Regions()); diff != "" {
		t.Errorf("Regions() mismatch (-want +got):\n%s", diff)
	}
}

func TestUnassignShiftLeft(t *testing.T) {
	tbl := newTable(memregion.Region{GuestPhys: 0, Size: 0x10000, UserAddr: 0x1000})

	tbl.Unassign(0, 0x4000)

	want := []memregion.Region{{GuestPhys: 0x4000, Size: 0xC000, UserAddr: 0x5000}}

	if diff := cmp.Diff(want, tbl.Regions()); diff != "" {
		t.Errorf("Regions() mismatch (-want +got):\n%s", diff)
	}
}

func TestUnassignWholeRegion(t *testing.T) {
	tbl := newTable(
		memregion.Region{GuestPhys: 0, Size: 0x1000, UserAddr: 0x1000},
		memregion.Region{GuestPhys: 0x2000, Size: 0x1000, UserAddr: 0x5000},
	)

	tbl.Unassign(0, 0x1000)

	want := []memregion.Region{{GuestPhys: 0x2000, Size: 0x1000, UserAddr: 0x5000}}

	if diff := cmp.Diff(want, tbl.Regions()); diff != "" {
		t.Errorf("Regions() mismatch (-want +got):\n%s", diff)
	}
}

func TestAssignUnassignRoundTrip(t *testing.T) {
	tbl := &memregion.Table{}
	tbl.Assign(0x1000, 0x2000, 0x8000)
	tbl.Unassign(0x1000, 0x2000)

	if tbl.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after round trip", tbl.Len())
	}
}

func TestNoOverlapInvariant(t *testing.T) {
	tbl := &memregion.Table{}
	tbl.Assign(0, 0x1000, 0x10000)
	tbl.Assign(0x2000, 0x1000, 0x20000)
	tbl.Assign(0x4000, 0x1000, 0x40000)

	regions := tbl.Regions()

	for i := range regions {
		for j := range regions {
			if i == j {
				continue
			}

			a, b := regions[i], regions[j]
			if a.GuestPhys <= b.Last() && b.GuestPhys <= a.Last() {
				t.Fatalf("regions %v and %v overlap", a, b)
			}
		}
	}
}

func TestNeedsChangeNoOp(t *testing.T) {
	tbl := &memregion.Table{}
	tbl.Assign(0x1000, 0x1000, 0x9000)

	if tbl.NeedsChange(0x1000, 0x1000, 0x9000) {
		t.Error("NeedsChange should be false for an unchanged add")
	}

	if !tbl.NeedsChange(0x1000, 0x1000, 0xa000) {
		t.Error("NeedsChange should be true when the user-addr changes")
	}

	if !tbl.NeedsChange(0x5000, 0x1000, 0x1000) {
		t.Error("NeedsChange should be true for an unknown range")
	}
}

func TestMergeAcrossRemovedGap(t *testing.T) {
	tbl := newTable(
		memregion.Region{GuestPhys: 0, Size: 0x1000, UserAddr: 0x1000},
		memregion.Region{GuestPhys: 0x2000, Size: 0x1000, UserAddr: 0x3000},
	)

	// Fill the gap at [0x1000, 0x2000) with a userspace range that is
	// bi-adjacent to both existing regions: the whole table must collapse
	// into a single region.
	tbl.Unassign(0x1000, 0x1000)
	tbl.Assign(0x1000, 0x1000, 0x2000)

	want := []memregion.Region{{GuestPhys: 0, Size: 0x3000, UserAddr: 0x1000}}

	if diff := cmp.Diff(want, tbl.Regions()); diff != "" {
		t.Errorf("Regions() mismatch (-want +got):\n%s", diff)
	}
}

func TestAssignGrowsByAtMostOne(t *testing.T) {
	tbl := newTable(memregion.Region{GuestPhys: 0x10000, Size: 0x1000, UserAddr: 0x1000})

	before := tbl.Len()
	tbl.Assign(0x20000, 0x1000, 0x2000)

	if tbl.Len() > before+1 {
		t.Fatalf("Len() grew by more than 1: %d -> %d", before, tbl.Len())
	}
}

func TestUnassignGrowsByAtMostOne(t *testing.T) {
	tbl := newTable(memregion.Region{GuestPhys: 0, Size: 0x10000, UserAddr: 0x1000})

	before := tbl.Len()
	tbl.Unassign(0x4000, 0x2000) // splits into 2

	if tbl.Len() > before+1 {
		t.Fatalf("Len() grew by more than 1: %d -> %d", before, tbl.Len())
	}
}
