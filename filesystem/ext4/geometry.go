package ext4

import "fmt"

// geometry is the immutable shape of the filesystem, derived from the
// superblock at mount and never mutated afterwards. All of the per-group
// layout math lives on it.
type geometry struct {
	firstDataBlock           uint64
	blockSize                uint64
	blockCount               uint64
	blocksPerGroup           uint64
	clusterBits              uint // log2 of blocks per cluster
	clustersPerGroup         uint32
	groupCount               uint32
	descriptorsPerBlock      uint32
	gdtBlockCount            uint32
	reservedGDTBlocks        uint32
	inodeTableBlocksPerGroup uint32

	sparseSuper   bool
	sparseSuper2  bool
	backupGroups  [2]uint32
	metaBG        bool
	firstMetaBG   uint32
	flexBG        bool
	groupsPerFlex uint64
}

// locate calculates the block group number and the offset into the group's
// cluster allocation bitmap for a given block number. Callers must not pass
// a block below the first data block; doing so is a programming error, not
// a recoverable condition.
func (g *geometry) locate(block uint64) (group, offset uint32) {
	if block < g.firstDataBlock {
		panic(fmt.Sprintf("ext4: block %d precedes first data block %d", block, g.firstDataBlock))
	}
	block -= g.firstDataBlock
	group = uint32(block / g.blocksPerGroup)
	offset = uint32((block % g.blocksPerGroup) >> g.clusterBits)
	return group, offset
}

// groupOf returns the block group a block belongs to.
func (g *geometry) groupOf(block uint64) uint32 {
	group, _ := g.locate(block)
	return group
}

// blockInGroup reports whether block lives within the given block group.
// Unlike locate, it tolerates blocks outside the filesystem entirely, since
// it is fed locations read from disk.
func (g *geometry) blockInGroup(block uint64, group uint32) bool {
	if block < g.firstDataBlock || block >= g.blockCount {
		return false
	}
	return g.groupOf(block) == group
}

// groupFirstBlock returns the first block of a group.
func (g *geometry) groupFirstBlock(group uint32) uint64 {
	return g.firstDataBlock + uint64(group)*g.blocksPerGroup
}

// blocksToClusters converts a block count to clusters, rounding up.
func (g *geometry) blocksToClusters(blocks uint64) uint32 {
	ratio := uint64(1) << g.clusterBits
	return uint32((blocks + ratio - 1) >> g.clusterBits)
}

// clusterOf converts an in-group block offset to its cluster index.
func (g *geometry) clusterOf(blockOffset uint64) uint32 {
	return uint32(blockOffset >> g.clusterBits)
}

// clustersInGroup returns the cluster count of a group. Every group has the
// filesystem-wide per-group count except the last, which is sized to the
// remainder of the total block count. mkfs initializes first and last group,
// but another tool may not have, so the free count math cannot assume it.
func (g *geometry) clustersInGroup(group uint32) uint32 {
	if group == g.groupCount-1 {
		return g.blocksToClusters(g.blockCount - g.groupFirstBlock(group))
	}
	return g.clustersPerGroup
}

// goalBlock returns the ideal location to start allocating blocks for an
// object hosted in the given group. With flexible groups large enough, the
// first group of each flex unit is kept for directories and special files,
// and regular files start at the second.
func (g *geometry) goalBlock(group uint32, regularFile bool) uint64 {
	if g.flexBG && g.groupsPerFlex >= flexSizeDirAllocScheme {
		group &= ^uint32(g.groupsPerFlex - 1)
		if regularFile {
			group++
		}
	}
	return g.groupFirstBlock(group)
}

// flexSizeDirAllocScheme is the minimum flex-group size at which the
// first-group-for-directories placement scheme kicks in.
const flexSizeDirAllocScheme = 4
