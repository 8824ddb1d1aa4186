package ext4

import (
	"encoding/binary"
	"fmt"

	uuid "github.com/satori/go.uuid"
)

type feature uint32

const (
	// superblockSignature is the signature for every superblock
	superblockSignature uint16 = 0xef53
	// checksum type; the only valid value is 1 (crc32c)
	checksumTypeCRC32c byte = 1
	// compatible, incompatible, and compatibleReadOnly feature flags
	compatFeatureHasJournal                    feature = 0x4
	compatFeatureReservedGDTBlocksForExpansion feature = 0x10
	compatFeatureSparseSuperBlockV2            feature = 0x200
	incompatFeatureMetaBlockGroups             feature = 0x10
	incompatFeature64Bit                       feature = 0x80
	incompatFeatureFlexBlockGroups             feature = 0x200
	incompatFeatureMetadataChecksumSeedInSuperblock feature = 0x2000
	roCompatFeatureSparseSuperblock                 feature = 0x1
	roCompatFeatureGDTChecksum                      feature = 0x10
	roCompatFeatureBigalloc                         feature = 0x200
	roCompatFeatureMetadataChecksums                feature = 0x400

	// superblockChecksumStart is where the stored superblock checksum
	// begins; the checksum covers everything before it.
	superblockChecksumStart = 0x3fc
)

// superblock holds the subset of the on-disk superblock that the free-space
// accounting and bitmap lifecycle layer consumes. Fields this layer never
// reads (journal backup, error log, quota inodes, ...) are preserved
// verbatim in raw so toBytes round-trips a real superblock.
type superblock struct {
	inodeCount               uint32
	blockCount               uint64
	reservedBlocks           uint64
	freeBlocks               uint64
	freeInodes               uint32
	firstDataBlock           uint32
	logBlockSize             uint32
	logClusterSize           uint32
	blocksPerGroup           uint32
	clustersPerGroup         uint32
	inodesPerGroup           uint32
	reservedBlocksDefaultUID uint16
	reservedBlocksDefaultGID uint16
	inodeSize                uint16
	features                 featureFlags
	uuid                     string
	uuidRaw                  [16]byte
	volumeLabel              string
	reservedGDTBlocks        uint16
	groupDescriptorSize      uint16
	firstMetablockGroup      uint32
	logGroupsPerFlex         byte
	checksumType             byte
	backupSuperblockBlockGroups [2]uint32
	storedChecksumSeed          uint32

	raw []byte
}

// superblockFromBytes creates a superblock struct from bytes
func superblockFromBytes(b []byte) (*superblock, error) {
	bLen := len(b)
	if bLen != int(SuperblockSize) {
		return nil, fmt.Errorf("cannot read superblock from %d bytes instead of expected %d", bLen, SuperblockSize)
	}

	// check the magic signature
	actualSignature := binary.LittleEndian.Uint16(b[0x38:0x3a])
	if actualSignature != superblockSignature {
		return nil, fmt.Errorf("erroneous signature at location 0x38 was %x instead of expected %x", actualSignature, superblockSignature)
	}

	sb := superblock{}

	// first read feature flags of various types
	compatFlags := feature(binary.LittleEndian.Uint32(b[0x5c:0x60]))
	incompatFlags := feature(binary.LittleEndian.Uint32(b[0x60:0x64]))
	roCompatFlags := feature(binary.LittleEndian.Uint32(b[0x64:0x68]))
	sb.features = parseFeatureFlags(compatFlags, incompatFlags, roCompatFlags)

	sb.inodeCount = binary.LittleEndian.Uint32(b[0:4])

	// block count, reserved block count and free blocks depend on whether the fs is 64-bit or not
	blockCount := make([]byte, 8)
	reservedBlocks := make([]byte, 8)
	freeBlocks := make([]byte, 8)

	copy(blockCount[0:4], b[0x4:0x8])
	copy(reservedBlocks[0:4], b[0x8:0xc])
	copy(freeBlocks[0:4], b[0xc:0x10])

	if sb.features.fs64Bit {
		copy(blockCount[4:8], b[0x150:0x154])
		copy(reservedBlocks[4:8], b[0x154:0x158])
		copy(freeBlocks[4:8], b[0x158:0x15c])
	}
	sb.blockCount = binary.LittleEndian.Uint64(blockCount)
	sb.reservedBlocks = binary.LittleEndian.Uint64(reservedBlocks)
	sb.freeBlocks = binary.LittleEndian.Uint64(freeBlocks)

	sb.freeInodes = binary.LittleEndian.Uint32(b[0x10:0x14])
	sb.firstDataBlock = binary.LittleEndian.Uint32(b[0x14:0x18])
	sb.logBlockSize = binary.LittleEndian.Uint32(b[0x18:0x1c])
	sb.logClusterSize = binary.LittleEndian.Uint32(b[0x1c:0x20])
	if sb.logClusterSize < sb.logBlockSize {
		return nil, fmt.Errorf("invalid cluster size log %d smaller than block size log %d", sb.logClusterSize, sb.logBlockSize)
	}
	sb.blocksPerGroup = binary.LittleEndian.Uint32(b[0x20:0x24])
	if sb.features.bigalloc {
		sb.clustersPerGroup = binary.LittleEndian.Uint32(b[0x24:0x28])
	} else {
		sb.clustersPerGroup = sb.blocksPerGroup
	}
	sb.inodesPerGroup = binary.LittleEndian.Uint32(b[0x28:0x2c])

	sb.reservedBlocksDefaultUID = binary.LittleEndian.Uint16(b[0x50:0x52])
	sb.reservedBlocksDefaultGID = binary.LittleEndian.Uint16(b[0x52:0x54])
	sb.inodeSize = binary.LittleEndian.Uint16(b[0x58:0x5a])

	copy(sb.uuidRaw[:], b[0x68:0x78])
	voluuid, err := uuid.FromBytes(sb.uuidRaw[:])
	if err != nil {
		return nil, fmt.Errorf("unable to read volume UUID: %v", err)
	}
	sb.uuid = voluuid.String()
	sb.volumeLabel = cstring(b[0x78:0x88])

	sb.reservedGDTBlocks = binary.LittleEndian.Uint16(b[0xce:0xd0])
	sb.groupDescriptorSize = binary.LittleEndian.Uint16(b[0xfe:0x100])
	sb.firstMetablockGroup = binary.LittleEndian.Uint32(b[0x104:0x108])
	sb.logGroupsPerFlex = b[0x174]
	sb.checksumType = b[0x175]
	sb.backupSuperblockBlockGroups = [2]uint32{
		binary.LittleEndian.Uint32(b[0x24c:0x250]),
		binary.LittleEndian.Uint32(b[0x250:0x254]),
	}
	sb.storedChecksumSeed = binary.LittleEndian.Uint32(b[0x270:0x274])

	// calculate the checksum and validate - we use crc32c
	if sb.features.metadataChecksums {
		if sb.checksumType != checksumTypeCRC32c {
			return nil, fmt.Errorf("cannot read superblock: invalid checksum type %d, only valid is %d", sb.checksumType, checksumTypeCRC32c)
		}
		checksum := binary.LittleEndian.Uint32(b[superblockChecksumStart:0x400])
		actualChecksum := crc32c_update(crc32seed, b[:superblockChecksumStart])
		if actualChecksum != checksum {
			return nil, fmt.Errorf("invalid superblock checksum, actual was %x, on disk was %x", actualChecksum, checksum)
		}
	}

	sb.raw = make([]byte, bLen)
	copy(sb.raw, b)

	return &sb, nil
}

// toBytes returns a superblock ready to be written to disk
func (sb *superblock) toBytes() ([]byte, error) {
	b := make([]byte, SuperblockSize)
	if sb.raw != nil {
		copy(b, sb.raw)
	}

	binary.LittleEndian.PutUint16(b[0x38:0x3a], superblockSignature)
	compatFlags, incompatFlags, roCompatFlags := sb.features.toInts()
	binary.LittleEndian.PutUint32(b[0x5c:0x60], compatFlags)
	binary.LittleEndian.PutUint32(b[0x60:0x64], incompatFlags)
	binary.LittleEndian.PutUint32(b[0x64:0x68], roCompatFlags)

	binary.LittleEndian.PutUint32(b[0:4], sb.inodeCount)

	blockCount := make([]byte, 8)
	reservedBlocks := make([]byte, 8)
	freeBlocks := make([]byte, 8)

	binary.LittleEndian.PutUint64(blockCount, sb.blockCount)
	binary.LittleEndian.PutUint64(reservedBlocks, sb.reservedBlocks)
	binary.LittleEndian.PutUint64(freeBlocks, sb.freeBlocks)

	copy(b[0x4:0x8], blockCount[0:4])
	copy(b[0x8:0xc], reservedBlocks[0:4])
	copy(b[0xc:0x10], freeBlocks[0:4])

	if sb.features.fs64Bit {
		copy(b[0x150:0x154], blockCount[4:8])
		copy(b[0x154:0x158], reservedBlocks[4:8])
		copy(b[0x158:0x15c], freeBlocks[4:8])
	}

	binary.LittleEndian.PutUint32(b[0x10:0x14], sb.freeInodes)
	binary.LittleEndian.PutUint32(b[0x14:0x18], sb.firstDataBlock)
	binary.LittleEndian.PutUint32(b[0x18:0x1c], sb.logBlockSize)
	binary.LittleEndian.PutUint32(b[0x1c:0x20], sb.logClusterSize)
	binary.LittleEndian.PutUint32(b[0x20:0x24], sb.blocksPerGroup)
	if sb.features.bigalloc {
		binary.LittleEndian.PutUint32(b[0x24:0x28], sb.clustersPerGroup)
	}
	binary.LittleEndian.PutUint32(b[0x28:0x2c], sb.inodesPerGroup)

	binary.LittleEndian.PutUint16(b[0x50:0x52], sb.reservedBlocksDefaultUID)
	binary.LittleEndian.PutUint16(b[0x52:0x54], sb.reservedBlocksDefaultGID)
	binary.LittleEndian.PutUint16(b[0x58:0x5a], sb.inodeSize)

	copy(b[0x68:0x78], sb.uuidRaw[:])
	label := []byte(sb.volumeLabel)
	if len(label) > 16 {
		label = label[:16]
	}
	copy(b[0x78:0x88], label)

	binary.LittleEndian.PutUint16(b[0xce:0xd0], sb.reservedGDTBlocks)
	binary.LittleEndian.PutUint16(b[0xfe:0x100], sb.groupDescriptorSize)
	binary.LittleEndian.PutUint32(b[0x104:0x108], sb.firstMetablockGroup)
	b[0x174] = sb.logGroupsPerFlex
	b[0x175] = sb.checksumType
	binary.LittleEndian.PutUint32(b[0x24c:0x250], sb.backupSuperblockBlockGroups[0])
	binary.LittleEndian.PutUint32(b[0x250:0x254], sb.backupSuperblockBlockGroups[1])
	binary.LittleEndian.PutUint32(b[0x270:0x274], sb.storedChecksumSeed)

	if sb.features.metadataChecksums {
		checksum := crc32c_update(crc32seed, b[:superblockChecksumStart])
		binary.LittleEndian.PutUint32(b[superblockChecksumStart:0x400], checksum)
	}

	return b, nil
}

// getGroupDescriptorSize returns the size in bytes of a single group
// descriptor. Pre-64-bit filesystems always use 32 bytes.
func (sb *superblock) getGroupDescriptorSize() int {
	if sb.features.fs64Bit && sb.groupDescriptorSize > 32 {
		return int(sb.groupDescriptorSize)
	}
	return 32
}

// checksumSeed returns the seed for all metadata checksums on this
// filesystem: the stored seed when the superblock carries one, else derived
// from the volume UUID.
func (sb *superblock) checksumSeed() uint32 {
	if sb.features.metadataChecksumSeedInSuperblock {
		return sb.storedChecksumSeed
	}
	return crc32c_update(crc32seed, sb.uuidRaw[:])
}

// blockGroupCount returns the number of block groups on the filesystem,
// the last one possibly truncated.
func (sb *superblock) blockGroupCount() uint64 {
	dataBlocks := sb.blockCount - uint64(sb.firstDataBlock)
	return (dataBlocks + uint64(sb.blocksPerGroup) - 1) / uint64(sb.blocksPerGroup)
}

// geometry derives the immutable mount geometry from the superblock.
func (sb *superblock) geometry() (*geometry, error) {
	if sb.blocksPerGroup == 0 {
		return nil, fmt.Errorf("superblock has zero blocks per group")
	}
	if sb.blockCount <= uint64(sb.firstDataBlock) {
		return nil, fmt.Errorf("superblock block count %d does not reach past first data block %d", sb.blockCount, sb.firstDataBlock)
	}

	blockSize := uint64(1024) << sb.logBlockSize
	clusterBits := uint(0)
	if sb.features.bigalloc {
		clusterBits = uint(sb.logClusterSize - sb.logBlockSize)
	}

	gdSize := uint32(sb.getGroupDescriptorSize())
	descriptorsPerBlock := uint32(blockSize) / gdSize
	if descriptorsPerBlock == 0 {
		return nil, fmt.Errorf("group descriptor size %d larger than block size %d", gdSize, blockSize)
	}

	groupCount := sb.blockGroupCount()
	if groupCount > max32Num {
		return nil, fmt.Errorf("too many block groups: %d", groupCount)
	}

	// the filesystem-wide descriptor-table block count; under meta_bg only
	// the first firstMetablockGroup blocks live in the old-style table
	gdtBlockCount := uint32((groupCount + uint64(descriptorsPerBlock) - 1) / uint64(descriptorsPerBlock))
	if sb.features.metaBlockGroups {
		gdtBlockCount = sb.firstMetablockGroup
	}

	inodeTableBlocks := (uint64(sb.inodesPerGroup)*uint64(sb.inodeSize) + blockSize - 1) / blockSize

	g := geometry{
		firstDataBlock:           uint64(sb.firstDataBlock),
		blockSize:                blockSize,
		blockCount:               sb.blockCount,
		blocksPerGroup:           uint64(sb.blocksPerGroup),
		clusterBits:              clusterBits,
		clustersPerGroup:         sb.clustersPerGroup,
		groupCount:               uint32(groupCount),
		descriptorsPerBlock:      descriptorsPerBlock,
		gdtBlockCount:            gdtBlockCount,
		reservedGDTBlocks:        uint32(sb.reservedGDTBlocks),
		inodeTableBlocksPerGroup: uint32(inodeTableBlocks),
		sparseSuper:              sb.features.sparseSuperblock,
		sparseSuper2:             sb.features.sparseSuperBlockV2,
		backupGroups:             sb.backupSuperblockBlockGroups,
		metaBG:                   sb.features.metaBlockGroups,
		firstMetaBG:              sb.firstMetablockGroup,
		flexBG:                   sb.features.flexBlockGroups,
		groupsPerFlex:            uint64(1) << sb.logGroupsPerFlex,
	}
	return &g, nil
}

// cstring interprets b as a NUL-padded string
func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
