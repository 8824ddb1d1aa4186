package ext4

// Group metadata layout: how many clusters at the start of each group are
// occupied by superblock copies, descriptor-table blocks and reserved
// descriptor-growth blocks, and where the group's bitmaps and inode table
// land when flexible groups move them around.

// testRoot reports whether a is an exact non-negative integer power of b,
// by repeated division.
func testRoot(a, b uint32) bool {
	for {
		if a < b {
			return false
		}
		if a == b {
			return true
		}
		if a%b != 0 {
			return false
		}
		a = a / b
	}
}

// hasSuperblockCopy reports whether a group holds a primary or backup copy
// of the superblock. Group 0 always does. With sparse_super2, only the two
// configured backup groups do. Without sparse_super, every group does.
// With sparse_super, group 1 and the exact powers of 3, 5 and 7 do.
func (g *geometry) hasSuperblockCopy(group uint32) bool {
	if group == 0 {
		return true
	}
	if g.sparseSuper2 {
		return group == g.backupGroups[0] || group == g.backupGroups[1]
	}
	if group <= 1 || !g.sparseSuper {
		return true
	}
	if group%2 == 0 {
		return false
	}
	return testRoot(group, 3) || testRoot(group, 5) || testRoot(group, 7)
}

// descriptorBlocksMeta: under meta_bg, a meta-group is descriptorsPerBlock
// groups sharing a single descriptor block, replicated in the first, second
// and last group of the meta-group.
func (g *geometry) descriptorBlocksMeta(group uint32) uint32 {
	metaGroup := group / g.descriptorsPerBlock
	first := metaGroup * g.descriptorsPerBlock
	last := first + g.descriptorsPerBlock - 1

	if group == first || group == first+1 || group == last {
		return 1
	}
	return 0
}

func (g *geometry) descriptorBlocksNoMeta(group uint32) uint32 {
	if !g.hasSuperblockCopy(group) {
		return 0
	}
	return g.gdtBlockCount
}

// descriptorBlocksAt returns the number of blocks used by the group
// descriptor table (primary or backup) in the given group.
func (g *geometry) descriptorBlocksAt(group uint32) uint32 {
	metaGroup := group / g.descriptorsPerBlock
	if !g.metaBG || metaGroup < g.firstMetaBG {
		return g.descriptorBlocksNoMeta(group)
	}
	return g.descriptorBlocksMeta(group)
}

// baseMetadataClusters returns the number of clusters at the beginning of a
// group occupied by the superblock copy, its descriptor-table blocks and the
// reserved descriptor-growth blocks. Under meta_bg there is no separate
// superblock or reserved-growth accounting for governed groups.
func (g *geometry) baseMetadataClusters(group uint32) uint32 {
	var blocks uint64
	if g.hasSuperblockCopy(group) {
		blocks = 1
	}

	if !g.metaBG || group < g.firstMetaBG*g.descriptorsPerBlock {
		if blocks > 0 {
			blocks += uint64(g.descriptorBlocksAt(group))
			blocks += uint64(g.reservedGDTBlocks)
		}
	} else {
		blocks += uint64(g.descriptorBlocksAt(group))
	}

	return g.blocksToClusters(blocks)
}

// overheadClusters returns the number of clusters used for filesystem
// metadata in the given group: the base metadata run plus the group's block
// bitmap, inode bitmap and inode table wherever they physically fall inside
// the group. Normally those are contiguous with the base run; the special
// cases only matter for very unusual layouts, but each cluster must be
// counted exactly once.
func (g *geometry) overheadClusters(group uint32, gd *groupDescriptor) uint32 {
	numClusters := int64(g.baseMetadataClusters(group))
	blockCluster, inodeCluster, itblCluster := int64(-1), int64(-1), int64(-1)
	start := g.groupFirstBlock(group)

	if g.blockInGroup(gd.blockBitmapLocation, group) {
		c := int64(g.clusterOf(gd.blockBitmapLocation - start))
		if c < numClusters {
			// already inside the base metadata run
		} else if c == numClusters {
			numClusters++
		} else {
			blockCluster = c
		}
	}

	if g.blockInGroup(gd.inodeBitmapLocation, group) {
		c := int64(g.clusterOf(gd.inodeBitmapLocation - start))
		if c < numClusters || c == blockCluster {
			// counted already
		} else if c == numClusters {
			numClusters++
		} else {
			inodeCluster = c
		}
	}

	for i := uint32(0); i < g.inodeTableBlocksPerGroup; i++ {
		blk := gd.inodeTableLocation + uint64(i)
		if !g.blockInGroup(blk, group) {
			continue
		}
		c := int64(g.clusterOf(blk - start))
		if c < numClusters || c == inodeCluster || c == blockCluster || c == itblCluster {
			continue
		}
		if c == numClusters {
			numClusters++
			continue
		}
		numClusters++
		itblCluster = c
	}

	if blockCluster != -1 {
		numClusters++
	}
	if inodeCluster != -1 {
		numClusters++
	}

	return uint32(numClusters)
}

// freeClustersIfPristine returns the free cluster count of a group that has
// never been written: everything except the metadata overhead. Used when the
// block bitmap is uninitialized and the bits cannot simply be counted.
func (g *geometry) freeClustersIfPristine(group uint32, gd *groupDescriptor) uint32 {
	return g.clustersInGroup(group) - g.overheadClusters(group, gd)
}
