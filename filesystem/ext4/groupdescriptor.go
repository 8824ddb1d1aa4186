package ext4

import (
	"encoding/binary"
	"fmt"
)

type blockGroupFlag uint16

const (
	blockGroupFlagInodesUninitialized      blockGroupFlag = 0x1
	blockGroupFlagBlockBitmapUninitialized blockGroupFlag = 0x2
	blockGroupFlagInodeTableZeroed         blockGroupFlag = 0x4

	// descriptorChecksumOffset is where the descriptor checksum lives
	// inside a serialized descriptor
	descriptorChecksumOffset = 0x1e
)

type blockGroupFlags struct {
	inodesUninitialized      bool
	blockBitmapUninitialized bool
	inodeTableZeroed         bool
}

// groupDescriptors is a structure holding all of the group descriptors for all of the block groups
type groupDescriptors struct {
	descriptors []*groupDescriptor
}

// groupDescriptor is a structure holding the data about a single block group.
// A descriptor whose stored checksum did not match at load keeps
// checksumValid false; the bitmap lifecycle quarantines the group on first
// use instead of failing the whole mount.
type groupDescriptor struct {
	blockGroupNumber    uint32
	blockBitmapLocation uint64
	inodeBitmapLocation uint64
	inodeTableLocation  uint64
	freeClusters        uint32
	freeInodes          uint32
	usedDirectories     uint32
	flags               blockGroupFlags
	blockBitmapChecksum uint32
	inodeBitmapChecksum uint32
	unusedInodes        uint32
	storedChecksum      uint16
	checksumValid       bool
}

// groupDescriptorsFromBytes create a groupDescriptors struct from bytes
func groupDescriptorsFromBytes(b []byte, sb *superblock) (*groupDescriptors, error) {
	gds := groupDescriptors{}

	gdSize := sb.getGroupDescriptorSize()
	count := len(b) / gdSize
	gdSlice := make([]*groupDescriptor, count)

	// go through them gdSize bytes at a time
	for i := 0; i < count; i++ {
		start := i * gdSize
		end := start + gdSize
		gd, err := groupDescriptorFromBytes(b[start:end], sb, uint32(i))
		if err != nil {
			return nil, fmt.Errorf("groupDescriptorFromBytes [%d] error: %v", i, err)
		}
		gdSlice[i] = gd
	}
	gds.descriptors = gdSlice

	return &gds, nil
}

// groupDescriptorFromBytes create a groupDescriptor struct from bytes
func groupDescriptorFromBytes(b []byte, sb *superblock, blockGroupNumber uint32) (*groupDescriptor, error) {
	// locations and counts are split between a low half and, on 64-bit
	// filesystems with large descriptors, a high half
	blockBitmapLocation := make([]byte, 8)
	inodeBitmapLocation := make([]byte, 8)
	inodeTableLocation := make([]byte, 8)
	freeClusters := make([]byte, 4)
	freeInodes := make([]byte, 4)
	usedDirectories := make([]byte, 4)
	blockBitmapChecksum := make([]byte, 4)
	inodeBitmapChecksum := make([]byte, 4)
	unusedInodes := make([]byte, 4)

	copy(blockBitmapLocation[0:4], b[0x0:0x4])
	copy(inodeBitmapLocation[0:4], b[0x4:0x8])
	copy(inodeTableLocation[0:4], b[0x8:0xc])
	copy(freeClusters[0:2], b[0xc:0xe])
	copy(freeInodes[0:2], b[0xe:0x10])
	copy(usedDirectories[0:2], b[0x10:0x12])
	copy(blockBitmapChecksum[0:2], b[0x18:0x1a])
	copy(inodeBitmapChecksum[0:2], b[0x1a:0x1c])
	copy(unusedInodes[0:2], b[0x1c:0x1e])

	if sb.features.fs64Bit && len(b) >= 64 {
		copy(blockBitmapLocation[4:8], b[0x20:0x24])
		copy(inodeBitmapLocation[4:8], b[0x24:0x28])
		copy(inodeTableLocation[4:8], b[0x28:0x2c])
		copy(freeClusters[2:4], b[0x2c:0x2e])
		copy(freeInodes[2:4], b[0x2e:0x30])
		copy(usedDirectories[2:4], b[0x30:0x32])
		copy(unusedInodes[2:4], b[0x32:0x34])
		copy(blockBitmapChecksum[2:4], b[0x38:0x3a])
		copy(inodeBitmapChecksum[2:4], b[0x3a:0x3c])
	}

	gd := groupDescriptor{
		blockGroupNumber:    blockGroupNumber,
		blockBitmapLocation: binary.LittleEndian.Uint64(blockBitmapLocation),
		inodeBitmapLocation: binary.LittleEndian.Uint64(inodeBitmapLocation),
		inodeTableLocation:  binary.LittleEndian.Uint64(inodeTableLocation),
		freeClusters:        binary.LittleEndian.Uint32(freeClusters),
		freeInodes:          binary.LittleEndian.Uint32(freeInodes),
		usedDirectories:     binary.LittleEndian.Uint32(usedDirectories),
		blockBitmapChecksum: binary.LittleEndian.Uint32(blockBitmapChecksum),
		inodeBitmapChecksum: binary.LittleEndian.Uint32(inodeBitmapChecksum),
		unusedInodes:        binary.LittleEndian.Uint32(unusedInodes),
		flags:               parseBlockGroupFlags(blockGroupFlag(binary.LittleEndian.Uint16(b[0x12:0x14]))),
		storedChecksum:      binary.LittleEndian.Uint16(b[descriptorChecksumOffset : descriptorChecksumOffset+2]),
		checksumValid:       true,
	}

	// record rather than reject a checksum mismatch: the group gets
	// quarantined on first use, the rest of the filesystem stays usable
	if sb.features.metadataChecksums || sb.features.gdtChecksum {
		gd.checksumValid = gd.storedChecksum == groupDescriptorChecksum(b, sb, blockGroupNumber)
	}

	return &gd, nil
}

// toBytes serializes a group descriptor, recomputing and storing its
// checksum. The descriptor is marked checksum-valid again as a side effect.
func (gd *groupDescriptor) toBytes(sb *superblock) []byte {
	b := make([]byte, sb.getGroupDescriptorSize())

	blockBitmapLocation := make([]byte, 8)
	inodeBitmapLocation := make([]byte, 8)
	inodeTableLocation := make([]byte, 8)
	freeClusters := make([]byte, 4)
	freeInodes := make([]byte, 4)
	usedDirectories := make([]byte, 4)
	blockBitmapChecksum := make([]byte, 4)
	inodeBitmapChecksum := make([]byte, 4)
	unusedInodes := make([]byte, 4)

	binary.LittleEndian.PutUint64(blockBitmapLocation, gd.blockBitmapLocation)
	binary.LittleEndian.PutUint64(inodeBitmapLocation, gd.inodeBitmapLocation)
	binary.LittleEndian.PutUint64(inodeTableLocation, gd.inodeTableLocation)
	binary.LittleEndian.PutUint32(freeClusters, gd.freeClusters)
	binary.LittleEndian.PutUint32(freeInodes, gd.freeInodes)
	binary.LittleEndian.PutUint32(usedDirectories, gd.usedDirectories)
	binary.LittleEndian.PutUint32(blockBitmapChecksum, gd.blockBitmapChecksum)
	binary.LittleEndian.PutUint32(inodeBitmapChecksum, gd.inodeBitmapChecksum)
	binary.LittleEndian.PutUint32(unusedInodes, gd.unusedInodes)

	copy(b[0x0:0x4], blockBitmapLocation[0:4])
	copy(b[0x4:0x8], inodeBitmapLocation[0:4])
	copy(b[0x8:0xc], inodeTableLocation[0:4])
	copy(b[0xc:0xe], freeClusters[0:2])
	copy(b[0xe:0x10], freeInodes[0:2])
	copy(b[0x10:0x12], usedDirectories[0:2])
	binary.LittleEndian.PutUint16(b[0x12:0x14], gd.flags.toInt())
	copy(b[0x18:0x1a], blockBitmapChecksum[0:2])
	copy(b[0x1a:0x1c], inodeBitmapChecksum[0:2])
	copy(b[0x1c:0x1e], unusedInodes[0:2])

	if sb.features.fs64Bit && len(b) >= 64 {
		copy(b[0x20:0x24], blockBitmapLocation[4:8])
		copy(b[0x24:0x28], inodeBitmapLocation[4:8])
		copy(b[0x28:0x2c], inodeTableLocation[4:8])
		copy(b[0x2c:0x2e], freeClusters[2:4])
		copy(b[0x2e:0x30], freeInodes[2:4])
		copy(b[0x30:0x32], usedDirectories[2:4])
		copy(b[0x32:0x34], unusedInodes[2:4])
		copy(b[0x38:0x3a], blockBitmapChecksum[2:4])
		copy(b[0x3a:0x3c], inodeBitmapChecksum[2:4])
	}

	if sb.features.metadataChecksums || sb.features.gdtChecksum {
		gd.storedChecksum = groupDescriptorChecksum(b, sb, gd.blockGroupNumber)
		gd.checksumValid = true
	}
	binary.LittleEndian.PutUint16(b[descriptorChecksumOffset:descriptorChecksumOffset+2], gd.storedChecksum)

	return b
}

// updateChecksum recomputes the descriptor checksum after a field change.
func (gd *groupDescriptor) updateChecksum(sb *superblock) {
	gd.toBytes(sb)
}

func parseBlockGroupFlags(flags blockGroupFlag) blockGroupFlags {
	f := blockGroupFlags{
		inodeTableZeroed:         flags&blockGroupFlagInodeTableZeroed == blockGroupFlagInodeTableZeroed,
		inodesUninitialized:      flags&blockGroupFlagInodesUninitialized == blockGroupFlagInodesUninitialized,
		blockBitmapUninitialized: flags&blockGroupFlagBlockBitmapUninitialized == blockGroupFlagBlockBitmapUninitialized,
	}

	return f
}

func (f *blockGroupFlags) toInt() uint16 {
	var flags blockGroupFlag

	if f.inodeTableZeroed {
		flags = flags | blockGroupFlagInodeTableZeroed
	}
	if f.inodesUninitialized {
		flags = flags | blockGroupFlagInodesUninitialized
	}
	if f.blockBitmapUninitialized {
		flags = flags | blockGroupFlagBlockBitmapUninitialized
	}
	return uint16(flags)
}

// groupDescriptorChecksum calculate the checksum for a block group descriptor
func groupDescriptorChecksum(b []byte, sb *superblock, blockGroup uint32) uint16 {
	if sb.features.metadataChecksums {
		checksum32 := crc32c_update_u32(sb.checksumSeed(), blockGroup)
		checksum32 = crc32c_update(checksum32, b[:descriptorChecksumOffset])
		checksum32 = crc32c_update(checksum32, []byte{0, 0})
		offset := descriptorChecksumOffset + 2
		if offset < len(b) {
			checksum32 = crc32c_update(checksum32, b[offset:])
		}

		return uint16(checksum32 & 0xffff)
	}

	if sb.features.gdtChecksum {
		checksum := crc16_update(^uint16(0), sb.uuidRaw[:])
		checksum = crc16_update_u32(checksum, blockGroup)
		checksum = crc16_update(checksum, b[:descriptorChecksumOffset])
		offset := descriptorChecksumOffset + 2
		if sb.features.fs64Bit && offset < len(b) {
			checksum = crc16_update(checksum, b[offset:])
		}

		return checksum
	}

	return 0
}

// blockBitmapChecksumOf computes the checksum of a block bitmap payload.
// It covers exactly the first clustersInGroup/8 bytes of the bitmap.
func blockBitmapChecksumOf(sb *superblock, payload []byte, clusters uint32) uint32 {
	return crc32c_update(sb.checksumSeed(), payload[:clusters/8])
}

// verifyBlockBitmapChecksum checks a bitmap payload against the checksum
// stored in the descriptor. Filesystems without metadata checksums have
// nothing to compare against. Small descriptors only store the low 16 bits.
func (gd *groupDescriptor) verifyBlockBitmapChecksum(sb *superblock, payload []byte, clusters uint32) bool {
	if !sb.features.metadataChecksums {
		return true
	}
	computed := blockBitmapChecksumOf(sb, payload, clusters)
	if sb.getGroupDescriptorSize() >= 64 {
		return computed == gd.blockBitmapChecksum
	}
	return uint16(computed) == uint16(gd.blockBitmapChecksum)
}

// setBlockBitmapChecksum stores the checksum of a freshly built bitmap into
// the descriptor and refreshes the descriptor's own checksum.
func (gd *groupDescriptor) setBlockBitmapChecksum(sb *superblock, payload []byte, clusters uint32) {
	computed := blockBitmapChecksumOf(sb, payload, clusters)
	if sb.getGroupDescriptorSize() >= 64 {
		gd.blockBitmapChecksum = computed
	} else {
		gd.blockBitmapChecksum = uint32(uint16(computed))
	}
	gd.updateChecksum(sb)
}
