package ext4

import (
	"fmt"
	"sync/atomic"
)

// Credentials identify the allocating caller for reserve-pool decisions.
// The zero value is the superuser analogue: uid and gid 0 with no extra
// capability.
type Credentials struct {
	UID uint32
	GID uint32
	// ResourceCapable marks a caller holding an elevated-resource
	// capability (the CAP_SYS_RESOURCE analogue).
	ResourceCapable bool
}

// AllocationFlags qualify a capacity check or claim.
type AllocationFlags struct {
	// UseRootReserve lets the caller dip into the root-reserved pool
	// even when its credentials alone would not.
	UseRootReserve bool
	// UseReservedPool waives both reserve pools. Used by internal
	// operations that must not fail once started.
	UseReservedPool bool
	Creds           Credentials
}

// freeSpaceAccountant tracks global free, dirty (claimed but uncommitted)
// and reserved cluster counts. free and dirty are sharded for low
// contention; capacity checks read them approximately and fall back to an
// exact sum only near the capacity boundary.
type freeSpaceAccountant struct {
	freeClusters  *shardedCounter
	dirtyClusters *shardedCounter
	freeInodes    *shardedCounter

	// reservedClusters is the explicit admin pool, adjustable at runtime
	reservedClusters atomic.Int64
	// rootReservedClusters derives from the on-disk root reservation and
	// is fixed for the mount
	rootReservedClusters int64

	resUID uint32
	resGID uint32
}

func newFreeSpaceAccountant(freeClusters, freeInodes, rootReserved int64, resUID, resGID uint32) *freeSpaceAccountant {
	return &freeSpaceAccountant{
		freeClusters:         newShardedCounter(freeClusters),
		dirtyClusters:        newShardedCounter(0),
		freeInodes:           newShardedCounter(freeInodes),
		rootReservedClusters: rootReserved,
		resUID:               resUID,
		resGID:               resGID,
	}
}

// privileged reports whether the caller may consume the root reserve:
// matching reserved uid, membership in a non-root reserved gid, an
// elevated-resource capability, or the explicit flag.
func (a *freeSpaceAccountant) privileged(f AllocationFlags) bool {
	return f.Creds.UID == a.resUID ||
		(a.resGID != 0 && f.Creds.GID == a.resGID) ||
		f.Creds.ResourceCapable ||
		f.UseRootReserve
}

// hasCapacity checks whether the filesystem has want clusters free and
// available to this caller. Approximate counter reads suffice unless the
// answer would be decided inside the shard-skew margin, in which case both
// counters are re-read exactly before deciding.
func (a *freeSpaceAccountant) hasCapacity(want int64, f AllocationFlags) bool {
	free := a.freeClusters.readPositive()
	dirty := a.dirtyClusters.readPositive()
	reserved := a.reservedClusters.Load()
	rsv := a.rootReservedClusters + reserved

	watermark := a.freeClusters.maxStaleness() + a.dirtyClusters.maxStaleness()
	if free-(want+rsv+dirty) < watermark {
		free = a.freeClusters.sumPositive()
		dirty = a.dirtyClusters.sumPositive()
	}

	// ordinary callers leave both reserve pools untouched
	if free >= want+dirty+rsv {
		return true
	}

	// privileged callers may consume the root reserve
	if a.privileged(f) && free >= want+dirty+reserved {
		return true
	}

	// last resort: the explicitly reserved pool
	if f.UseReservedPool && free >= want+dirty {
		return true
	}

	return false
}

// claim reserves want clusters: all or nothing. A successful claim only
// moves the clusters into the dirty count; the caller still has to set the
// bits and update the descriptor inside a transaction, and must release the
// claim if that transaction never completes.
func (a *freeSpaceAccountant) claim(want int64, f AllocationFlags) error {
	if !a.hasCapacity(want, f) {
		return fmt.Errorf("claiming %d clusters: %w", want, ErrNoSpace)
	}
	a.dirtyClusters.add(want)
	return nil
}

// release gives back a claim, either on abort or once the committed
// descriptor free-count decrement has replaced the reservation.
func (a *freeSpaceAccountant) release(amount int64) {
	a.dirtyClusters.add(-amount)
}

// debitFree removes previously-credited free clusters, used when a group is
// quarantined as corrupt.
func (a *freeSpaceAccountant) debitFree(amount int64) {
	a.freeClusters.add(-amount)
}

// debitFreeInodes removes previously-credited free inodes.
func (a *freeSpaceAccountant) debitFreeInodes(amount int64) {
	a.freeInodes.add(-amount)
}
