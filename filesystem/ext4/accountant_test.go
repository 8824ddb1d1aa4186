package ext4

import (
	"errors"
	"testing"
)

func testAccountant() *freeSpaceAccountant {
	// 100 free clusters, 10 of them root-reserved; uid 4242 owns the
	// reserve
	return newFreeSpaceAccountant(100, 50, 10, 4242, 0)
}

func ordinary() AllocationFlags {
	return AllocationFlags{Creds: Credentials{UID: 1000, GID: 1000}}
}

func TestHasCapacityOrdinary(t *testing.T) {
	a := testAccountant()
	if !a.hasCapacity(90, ordinary()) {
		t.Error("90 clusters should fit outside the root reserve")
	}
	if a.hasCapacity(91, ordinary()) {
		t.Error("91 clusters would eat into the root reserve")
	}
}

func TestHasCapacityPrivileged(t *testing.T) {
	a := testAccountant()

	uidMatch := AllocationFlags{Creds: Credentials{UID: 4242}}
	capable := AllocationFlags{Creds: Credentials{UID: 1000, ResourceCapable: true}}
	flagged := AllocationFlags{UseRootReserve: true, Creds: Credentials{UID: 1000}}

	for name, f := range map[string]AllocationFlags{"uid": uidMatch, "capability": capable, "flag": flagged} {
		if !a.hasCapacity(95, f) {
			t.Errorf("%s: 95 clusters should fit using the root reserve", name)
		}
		if a.hasCapacity(101, f) {
			t.Errorf("%s: 101 clusters exceed everything", name)
		}
	}
}

func TestHasCapacityReservedGID(t *testing.T) {
	a := newFreeSpaceAccountant(100, 50, 10, 4242, 99)
	member := AllocationFlags{Creds: Credentials{UID: 1000, GID: 99}}
	if !a.hasCapacity(95, member) {
		t.Error("a member of the reserved group may use the root reserve")
	}
	// gid 0 configured means no group is privileged by membership
	b := testAccountant()
	rootGroup := AllocationFlags{Creds: Credentials{UID: 1000, GID: 0}}
	if b.hasCapacity(95, rootGroup) {
		t.Error("gid 0 must not grant the reserve")
	}
}

func TestHasCapacityExplicitReserve(t *testing.T) {
	a := testAccountant()
	a.reservedClusters.Store(20)

	if a.hasCapacity(71, ordinary()) {
		t.Error("71 clusters would eat into the explicit reserve")
	}
	if !a.hasCapacity(70, ordinary()) {
		t.Error("70 clusters should fit")
	}
	// UseReservedPool waives both pools
	waived := AllocationFlags{UseReservedPool: true, Creds: Credentials{UID: 1000}}
	if !a.hasCapacity(100, waived) {
		t.Error("the reserved pool should cover the full 100")
	}
	if a.hasCapacity(101, waived) {
		t.Error("101 clusters do not exist")
	}
}

func TestClaimAndRelease(t *testing.T) {
	a := testAccountant()

	if err := a.claim(40, ordinary()); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if got := a.dirtyClusters.sumPositive(); got != 40 {
		t.Fatalf("dirty count %d, expected 40", got)
	}

	// 40 dirty + 10 reserved leave 50 claimable
	if err := a.claim(51, ordinary()); err == nil {
		t.Fatal("claim should have failed")
	} else if !errors.Is(err, ErrNoSpace) {
		t.Fatalf("expected ErrNoSpace, got %v", err)
	}
	// a failed claim must not leak into the dirty count
	if got := a.dirtyClusters.sumPositive(); got != 40 {
		t.Fatalf("dirty count %d after failed claim, expected 40", got)
	}

	a.release(40)
	if got := a.dirtyClusters.sumPositive(); got != 0 {
		t.Fatalf("dirty count %d after release, expected 0", got)
	}
	if err := a.claim(90, ordinary()); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func TestDebitFree(t *testing.T) {
	a := testAccountant()
	a.debitFree(30)
	if got := a.freeClusters.sumPositive(); got != 70 {
		t.Fatalf("free count %d, expected 70", got)
	}
	if a.hasCapacity(61, ordinary()) {
		t.Error("the debited clusters must no longer be claimable")
	}
	a.debitFreeInodes(20)
	if got := a.freeInodes.sumPositive(); got != 30 {
		t.Fatalf("free inode count %d, expected 30", got)
	}
}
