package ext4

import "testing"

// 64 groups of 8192 blocks, 1 KiB blocks, last group short at 100 blocks.
func sparseGeometry() *geometry {
	return &geometry{
		firstDataBlock:           1,
		blockSize:                1024,
		blockCount:               1 + 63*8192 + 100,
		blocksPerGroup:           8192,
		clustersPerGroup:         8192,
		groupCount:               64,
		descriptorsPerBlock:      32,
		gdtBlockCount:            2,
		reservedGDTBlocks:        64,
		inodeTableBlocksPerGroup: 512,
		sparseSuper:              true,
	}
}

func TestLocate(t *testing.T) {
	g := sparseGeometry()
	tests := []struct {
		block  uint64
		group  uint32
		offset uint32
	}{
		{1, 0, 0},
		{100, 0, 99},
		{8192, 0, 8191},
		{8193, 1, 0},
		{8194, 1, 1},
		{1 + 63*8192, 63, 0},
	}
	for _, tt := range tests {
		group, offset := g.locate(tt.block)
		if group != tt.group || offset != tt.offset {
			t.Errorf("locate(%d): got group %d offset %d, expected group %d offset %d",
				tt.block, group, offset, tt.group, tt.offset)
		}
	}
}

func TestLocatePanicsBelowFirstDataBlock(t *testing.T) {
	g := sparseGeometry()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for block 0")
		}
	}()
	g.locate(0)
}

func TestLocateBigalloc(t *testing.T) {
	g := sparseGeometry()
	g.clusterBits = 4 // 16 blocks per cluster
	g.clustersPerGroup = 512

	group, offset := g.locate(8193)
	if group != 1 || offset != 0 {
		t.Errorf("got group %d offset %d, expected group 1 offset 0", group, offset)
	}
	group, offset = g.locate(8193 + 33)
	if group != 1 || offset != 2 {
		t.Errorf("got group %d offset %d, expected group 1 offset 2", group, offset)
	}
}

func TestBlockInGroup(t *testing.T) {
	g := sparseGeometry()
	if !g.blockInGroup(8193, 1) {
		t.Error("block 8193 should be in group 1")
	}
	if g.blockInGroup(8192, 1) {
		t.Error("block 8192 should not be in group 1")
	}
	// garbage locations from a corrupt descriptor must not panic
	if g.blockInGroup(0, 0) {
		t.Error("block 0 precedes the first data block")
	}
	if g.blockInGroup(g.blockCount+5, 63) {
		t.Error("block past the end of the filesystem is in no group")
	}
}

func TestClustersInGroup(t *testing.T) {
	g := sparseGeometry()
	if n := g.clustersInGroup(0); n != 8192 {
		t.Errorf("group 0: got %d clusters, expected 8192", n)
	}
	if n := g.clustersInGroup(62); n != 8192 {
		t.Errorf("group 62: got %d clusters, expected 8192", n)
	}
	if n := g.clustersInGroup(63); n != 100 {
		t.Errorf("last group: got %d clusters, expected 100", n)
	}
}

func TestBlocksToClustersRoundsUp(t *testing.T) {
	g := sparseGeometry()
	g.clusterBits = 4
	if n := g.blocksToClusters(16); n != 1 {
		t.Errorf("16 blocks: got %d clusters, expected 1", n)
	}
	if n := g.blocksToClusters(17); n != 2 {
		t.Errorf("17 blocks: got %d clusters, expected 2", n)
	}
}

func TestGoalBlock(t *testing.T) {
	g := sparseGeometry()

	// without flexible groups the goal is simply the group's first block
	if goal := g.goalBlock(5, true); goal != g.groupFirstBlock(5) {
		t.Errorf("got %d, expected %d", goal, g.groupFirstBlock(5))
	}

	// with flexible groups of 16, the flex unit's first group is kept for
	// directories and regular files start at the second
	g.flexBG = true
	g.groupsPerFlex = 16
	if goal := g.goalBlock(18, false); goal != g.groupFirstBlock(16) {
		t.Errorf("directory goal: got %d, expected %d", goal, g.groupFirstBlock(16))
	}
	if goal := g.goalBlock(18, true); goal != g.groupFirstBlock(17) {
		t.Errorf("file goal: got %d, expected %d", goal, g.groupFirstBlock(17))
	}

	// too-small flex units do not trigger the placement scheme
	g.groupsPerFlex = 2
	if goal := g.goalBlock(3, true); goal != g.groupFirstBlock(3) {
		t.Errorf("got %d, expected %d", goal, g.groupFirstBlock(3))
	}
}
