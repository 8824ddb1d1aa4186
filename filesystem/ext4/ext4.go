// Package ext4 provides group-level free-space accounting and the block
// bitmap lifecycle for ext4 filesystems: locating blocks in groups,
// calculating per-group metadata layout, caching and validating block
// bitmaps, and admission control for cluster allocations.
package ext4

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/trustelem/go-ext4alloc/util"
)

const (
	// SectorSize512 is a sector size of 512 bytes
	SectorSize512 int64 = 512
	// BootSectorSize is the space reserved before the superblock
	BootSectorSize int64 = 2 * SectorSize512
	// SuperblockSize is the size of the on-disk superblock
	SuperblockSize int64 = 2 * SectorSize512
	// Ext4MinSize is the smallest size this layer will try to read
	Ext4MinSize int64 = BootSectorSize + SuperblockSize

	max32Num = uint64(1) << 32

	// allocationRetryBudget is how many failed allocation attempts may be
	// retried before the failure is final
	allocationRetryBudget = 3
)

// FileSystem is one mounted-for-accounting ext4 filesystem. It is safe for
// concurrent use.
type FileSystem struct {
	superblock *superblock
	gdt        *groupDescriptors
	geo        *geometry
	groups     []*groupInfo
	accountant *freeSpaceAccountant
	journal    Journal

	file  util.File
	start int64
	size  int64

	log *logrus.Logger
}

// Read opens the ext4 filesystem in the area of file beginning at start and
// extending for size bytes, loads the superblock and the whole group
// descriptor table, and seeds the global free-space counters. Bitmaps are
// not read here; they load lazily per group.
//
// sectorsize must be 0 (meaning the default 512) or 512.
func Read(file util.File, size, start, sectorsize int64) (*FileSystem, error) {
	if sectorsize != SectorSize512 && sectorsize != 0 {
		return nil, fmt.Errorf("sector size %d bytes is unsupported, only %d bytes", sectorsize, SectorSize512)
	}
	if size < Ext4MinSize {
		return nil, fmt.Errorf("%d bytes is too small for an ext4 filesystem, need at least %d", size, Ext4MinSize)
	}

	b := make([]byte, SuperblockSize)
	n, err := file.ReadAt(b, start+BootSectorSize)
	if err != nil {
		return nil, fmt.Errorf("cannot read superblock: %v", err)
	}
	if int64(n) < SuperblockSize {
		return nil, fmt.Errorf("short superblock read: %d bytes instead of %d", n, SuperblockSize)
	}

	sb, err := superblockFromBytes(b)
	if err != nil {
		return nil, fmt.Errorf("cannot parse superblock: %v", err)
	}

	geo, err := sb.geometry()
	if err != nil {
		return nil, fmt.Errorf("invalid filesystem geometry: %v", err)
	}

	gdt, err := readDescriptors(file, start, sb, geo)
	if err != nil {
		return nil, err
	}

	clusterRatio := uint(0)
	if sb.features.bigalloc {
		clusterRatio = geo.clusterBits
	}
	accountant := newFreeSpaceAccountant(
		int64(sb.freeBlocks>>clusterRatio),
		int64(sb.freeInodes),
		int64(sb.reservedBlocks>>clusterRatio),
		uint32(sb.reservedBlocksDefaultUID),
		uint32(sb.reservedBlocksDefaultGID),
	)

	groups := make([]*groupInfo, geo.groupCount)
	for i := range groups {
		groups[i] = &groupInfo{
			number:       uint32(i),
			freeClusters: gdt.descriptors[i].freeClusters,
		}
	}

	fs := &FileSystem{
		superblock: sb,
		gdt:        gdt,
		geo:        geo,
		groups:     groups,
		accountant: accountant,
		file:       file,
		start:      start,
		size:       size,
		log:        logrus.StandardLogger(),
	}
	return fs, nil
}

// readDescriptors loads every group descriptor. The old-style table sits in
// the blocks right after the superblock's block; with meta block groups, the
// descriptors of governed groups live in the first block of their own
// meta-group instead.
func readDescriptors(file util.File, start int64, sb *superblock, g *geometry) (*groupDescriptors, error) {
	gdSize := sb.getGroupDescriptorSize()
	descriptors := make([]*groupDescriptor, g.groupCount)

	tableGroups := g.groupCount
	if g.metaBG && g.firstMetaBG*g.descriptorsPerBlock < tableGroups {
		tableGroups = g.firstMetaBG * g.descriptorsPerBlock
	}

	if tableGroups > 0 {
		b := make([]byte, int(tableGroups)*gdSize)
		offset := start + int64((g.firstDataBlock+1)*g.blockSize)
		if _, err := file.ReadAt(b, offset); err != nil {
			return nil, fmt.Errorf("cannot read group descriptor table: %v", err)
		}
		for i := uint32(0); i < tableGroups; i++ {
			gd, err := groupDescriptorFromBytes(b[int(i)*gdSize:int(i+1)*gdSize], sb, i)
			if err != nil {
				return nil, fmt.Errorf("cannot parse descriptor for group %d: %v", i, err)
			}
			descriptors[i] = gd
		}
	}

	for mg := tableGroups / g.descriptorsPerBlock; mg*g.descriptorsPerBlock < g.groupCount; mg++ {
		mgFirst := mg * g.descriptorsPerBlock
		if mgFirst < tableGroups {
			continue
		}
		blk := g.groupFirstBlock(mgFirst)
		if g.hasSuperblockCopy(mgFirst) {
			blk++
		}
		b := make([]byte, g.blockSize)
		if _, err := file.ReadAt(b, start+int64(blk*g.blockSize)); err != nil {
			return nil, fmt.Errorf("cannot read descriptor block of meta-group %d: %v", mg, err)
		}
		count := g.groupCount - mgFirst
		if count > g.descriptorsPerBlock {
			count = g.descriptorsPerBlock
		}
		for i := uint32(0); i < count; i++ {
			gd, err := groupDescriptorFromBytes(b[int(i)*gdSize:int(i+1)*gdSize], sb, mgFirst+i)
			if err != nil {
				return nil, fmt.Errorf("cannot parse descriptor for group %d: %v", mgFirst+i, err)
			}
			descriptors[mgFirst+i] = gd
		}
	}

	return &groupDescriptors{descriptors: descriptors}, nil
}

// SetLogger replaces the logger, which defaults to the logrus standard
// logger.
func (fs *FileSystem) SetLogger(log *logrus.Logger) {
	fs.log = log
}

// UseJournal attaches the transactional subsystem consulted by
// ShouldRetryAllocation. Without one, allocation failures are never
// retryable.
func (fs *FileSystem) UseJournal(j Journal) {
	fs.journal = j
}

// Label returns the volume label.
func (fs *FileSystem) Label() string {
	return fs.superblock.volumeLabel
}

// UUID returns the volume UUID.
func (fs *FileSystem) UUID() string {
	return fs.superblock.uuid
}

// BlockSize returns the filesystem block size in bytes.
func (fs *FileSystem) BlockSize() uint64 {
	return fs.geo.blockSize
}

// BlockCount returns the total number of blocks.
func (fs *FileSystem) BlockCount() uint64 {
	return fs.geo.blockCount
}

// GroupCount returns the number of block groups.
func (fs *FileSystem) GroupCount() uint32 {
	return fs.geo.groupCount
}

// Locate calculates the block group number and the offset into the group's
// cluster allocation bitmap for the given block. The block must be at or
// past the first data block.
func (fs *FileSystem) Locate(block uint64) (group, offset uint32) {
	return fs.geo.locate(block)
}

// GroupOf returns the block group the given block belongs to.
func (fs *FileSystem) GroupOf(block uint64) uint32 {
	return fs.geo.groupOf(block)
}

// HasSuperblockCopy reports whether the group holds a superblock copy.
func (fs *FileSystem) HasSuperblockCopy(group uint32) bool {
	return fs.geo.hasSuperblockCopy(group)
}

// GoalBlock returns the ideal first block to try when allocating for an
// object hosted in the given group.
func (fs *FileSystem) GoalBlock(group uint32, regularFile bool) (uint64, error) {
	if group >= fs.geo.groupCount {
		return 0, &GeometryError{Group: group, GroupCount: fs.geo.groupCount}
	}
	return fs.geo.goalBlock(group, regularFile), nil
}

// OverheadClusters returns the number of metadata clusters in the group.
func (fs *FileSystem) OverheadClusters(group uint32) (uint32, error) {
	gd, _, err := fs.groupState(group)
	if err != nil {
		return 0, err
	}
	return fs.geo.overheadClusters(group, gd), nil
}

// FreeClustersIfPristine returns the free cluster count the group would have
// if it has never been written: its size minus the metadata overhead.
func (fs *FileSystem) FreeClustersIfPristine(group uint32) (uint32, error) {
	gd, _, err := fs.groupState(group)
	if err != nil {
		return 0, err
	}
	return fs.geo.freeClustersIfPristine(group, gd), nil
}

// HasCapacity reports whether want clusters could be claimed by a caller
// with the given flags right now. The answer is advisory; only
// ClaimFreeClusters reserves anything.
func (fs *FileSystem) HasCapacity(want int64, f AllocationFlags) bool {
	return fs.accountant.hasCapacity(want, f)
}

// ClaimFreeClusters reserves want clusters against the global free count,
// all or nothing. A successful claim must be followed by either committing
// the allocation or ReleaseClusters.
func (fs *FileSystem) ClaimFreeClusters(want int64, f AllocationFlags) error {
	return fs.accountant.claim(want, f)
}

// ReleaseClusters gives back a claim, either on abort or once the committed
// allocation has replaced the reservation.
func (fs *FileSystem) ReleaseClusters(amount int64) {
	fs.accountant.release(amount)
}

// ShouldRetryAllocation reports whether an allocation that just failed for
// lack of space is worth retrying: the retry budget is not exhausted, at
// least one cluster remains counting the root reserve, and a journal commit
// could be forced to flush deferred frees.
func (fs *FileSystem) ShouldRetryAllocation(attempts int) bool {
	if attempts >= allocationRetryBudget {
		return false
	}
	if !fs.accountant.hasCapacity(1, AllocationFlags{UseRootReserve: true}) {
		return false
	}
	if fs.journal == nil {
		return false
	}
	if err := fs.journal.ForceCommitNested(); err != nil {
		fs.log.WithError(err).Warn("journal commit for allocation retry failed")
		return false
	}
	return true
}

// FreeClusters returns the exact global free cluster count as currently
// believed, which excludes every quarantined group.
func (fs *FileSystem) FreeClusters() int64 {
	return fs.accountant.freeClusters.sumPositive()
}

// FreeInodes returns the exact global free inode count.
func (fs *FileSystem) FreeInodes() int64 {
	return fs.accountant.freeInodes.sumPositive()
}

// DirtyClusters returns the clusters currently claimed but not yet
// committed.
func (fs *FileSystem) DirtyClusters() int64 {
	return fs.accountant.dirtyClusters.sumPositive()
}

// SetReservedClusters adjusts the explicitly reserved pool.
func (fs *FileSystem) SetReservedClusters(n int64) {
	fs.accountant.reservedClusters.Store(n)
}

// ReservedClusters returns the explicitly reserved pool size.
func (fs *FileSystem) ReservedClusters() int64 {
	return fs.accountant.reservedClusters.Load()
}

// CountAllFreeClusters returns the exact free-cluster total as recorded in
// the group descriptors, one pass over the table with no disk I/O.
// Quarantined groups contribute nothing.
func (fs *FileSystem) CountAllFreeClusters() uint64 {
	var total uint64
	for i, grp := range fs.groups {
		grp.mu.Lock()
		if !grp.blockBitmapCorrupt {
			total += uint64(fs.gdt.descriptors[i].freeClusters)
		}
		grp.mu.Unlock()
	}
	return total
}

// AuditFreeClusters recounts free clusters by reading every group's block
// bitmap and counting zero bits. Reads are issued for all groups up front
// and collected afterwards, so they overlap. Groups whose bitmap cannot be
// read or validated contribute nothing.
func (fs *FileSystem) AuditFreeClusters() uint64 {
	handles := make([]*BitmapHandle, 0, fs.geo.groupCount)
	for group := uint32(0); group < fs.geo.groupCount; group++ {
		h, err := fs.AcquireBitmap(group)
		if err != nil {
			fs.log.WithField("group", group).WithError(err).Warn("skipping group in free-cluster count")
			continue
		}
		handles = append(handles, h)
	}

	var total uint64
	for _, h := range handles {
		bm, err := fs.WaitBitmap(h)
		if err != nil {
			fs.log.WithField("group", h.group).WithError(err).Warn("skipping group in free-cluster count")
			continue
		}
		total += uint64(bm.FreeInRange(fs.geo.clustersInGroup(h.group)))
	}
	return total
}

// GroupStat is a point-in-time summary of one block group.
type GroupStat struct {
	Group                    uint32
	FirstBlock               uint64
	Clusters                 uint32
	FreeClusters             uint32
	FreeInodes               uint32
	UsedDirectories          uint32
	OverheadClusters         uint32
	HasSuperblockCopy        bool
	BlockBitmapUninitialized bool
	BitmapState              string
	Corrupt                  bool
}

// GroupStat returns a summary of the group for inspection tools.
func (fs *FileSystem) GroupStat(group uint32) (*GroupStat, error) {
	gd, grp, err := fs.groupState(group)
	if err != nil {
		return nil, err
	}

	grp.mu.Lock()
	state := grp.state.String()
	corrupt := grp.blockBitmapCorrupt
	grp.mu.Unlock()

	return &GroupStat{
		Group:                    group,
		FirstBlock:               fs.geo.groupFirstBlock(group),
		Clusters:                 fs.geo.clustersInGroup(group),
		FreeClusters:             gd.freeClusters,
		FreeInodes:               gd.freeInodes,
		UsedDirectories:          gd.usedDirectories,
		OverheadClusters:         fs.geo.overheadClusters(group, gd),
		HasSuperblockCopy:        fs.geo.hasSuperblockCopy(group),
		BlockBitmapUninitialized: gd.flags.blockBitmapUninitialized,
		BitmapState:              state,
		Corrupt:                  corrupt,
	}, nil
}
