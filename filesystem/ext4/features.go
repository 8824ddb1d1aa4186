package ext4

// featureFlags is a structure holding which flags are set - compatible, incompatible and read-only compatible.
// Only the features that matter to free-space accounting and the block-bitmap
// lifecycle are tracked; bits we do not interpret are carried in unknown* so
// a rewrite does not lose them.
type featureFlags struct {
	// compatible
	hasJournal                    bool
	reservedGDTBlocksForExpansion bool
	sparseSuperBlockV2            bool
	// incompatible
	metaBlockGroups                  bool
	fs64Bit                          bool
	flexBlockGroups                  bool
	metadataChecksumSeedInSuperblock bool
	// read-only compatible
	sparseSuperblock  bool
	gdtChecksum       bool
	bigalloc          bool
	metadataChecksums bool

	unknownCompat   feature
	unknownIncompat feature
	unknownRoCompat feature
}

func parseFeatureFlags(compatFlags, incompatFlags, roCompatFlags feature) featureFlags {
	f := featureFlags{
		hasJournal:                       compatFlags&compatFeatureHasJournal == compatFeatureHasJournal,
		reservedGDTBlocksForExpansion:    compatFlags&compatFeatureReservedGDTBlocksForExpansion == compatFeatureReservedGDTBlocksForExpansion,
		sparseSuperBlockV2:               compatFlags&compatFeatureSparseSuperBlockV2 == compatFeatureSparseSuperBlockV2,
		metaBlockGroups:                  incompatFlags&incompatFeatureMetaBlockGroups == incompatFeatureMetaBlockGroups,
		fs64Bit:                          incompatFlags&incompatFeature64Bit == incompatFeature64Bit,
		flexBlockGroups:                  incompatFlags&incompatFeatureFlexBlockGroups == incompatFeatureFlexBlockGroups,
		metadataChecksumSeedInSuperblock: incompatFlags&incompatFeatureMetadataChecksumSeedInSuperblock == incompatFeatureMetadataChecksumSeedInSuperblock,
		sparseSuperblock:                 roCompatFlags&roCompatFeatureSparseSuperblock == roCompatFeatureSparseSuperblock,
		gdtChecksum:                      roCompatFlags&roCompatFeatureGDTChecksum == roCompatFeatureGDTChecksum,
		bigalloc:                         roCompatFlags&roCompatFeatureBigalloc == roCompatFeatureBigalloc,
		metadataChecksums:                roCompatFlags&roCompatFeatureMetadataChecksums == roCompatFeatureMetadataChecksums,
	}

	f.unknownCompat = compatFlags &^ (compatFeatureHasJournal | compatFeatureReservedGDTBlocksForExpansion | compatFeatureSparseSuperBlockV2)
	f.unknownIncompat = incompatFlags &^ (incompatFeatureMetaBlockGroups | incompatFeature64Bit | incompatFeatureFlexBlockGroups | incompatFeatureMetadataChecksumSeedInSuperblock)
	f.unknownRoCompat = roCompatFlags &^ (roCompatFeatureSparseSuperblock | roCompatFeatureGDTChecksum | roCompatFeatureBigalloc | roCompatFeatureMetadataChecksums)

	return f
}

func (f *featureFlags) toInts() (uint32, uint32, uint32) {
	compatFlags := f.unknownCompat
	incompatFlags := f.unknownIncompat
	roCompatFlags := f.unknownRoCompat

	// compatible flags
	if f.hasJournal {
		compatFlags = compatFlags | compatFeatureHasJournal
	}
	if f.reservedGDTBlocksForExpansion {
		compatFlags = compatFlags | compatFeatureReservedGDTBlocksForExpansion
	}
	if f.sparseSuperBlockV2 {
		compatFlags = compatFlags | compatFeatureSparseSuperBlockV2
	}

	// incompatible flags
	if f.metaBlockGroups {
		incompatFlags = incompatFlags | incompatFeatureMetaBlockGroups
	}
	if f.fs64Bit {
		incompatFlags = incompatFlags | incompatFeature64Bit
	}
	if f.flexBlockGroups {
		incompatFlags = incompatFlags | incompatFeatureFlexBlockGroups
	}
	if f.metadataChecksumSeedInSuperblock {
		incompatFlags = incompatFlags | incompatFeatureMetadataChecksumSeedInSuperblock
	}

	// read-only compatible flags
	if f.sparseSuperblock {
		roCompatFlags = roCompatFlags | roCompatFeatureSparseSuperblock
	}
	if f.gdtChecksum {
		roCompatFlags = roCompatFlags | roCompatFeatureGDTChecksum
	}
	if f.bigalloc {
		roCompatFlags = roCompatFlags | roCompatFeatureBigalloc
	}
	if f.metadataChecksums {
		roCompatFlags = roCompatFlags | roCompatFeatureMetadataChecksums
	}

	return uint32(compatFlags), uint32(incompatFlags), uint32(roCompatFlags)
}
