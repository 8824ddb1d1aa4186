package ext4

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Block bitmap lifecycle. Each group's bitmap buffer moves through
// uncached -> loading -> verified, or lands in corrupt, which is terminal
// for the mount: the group is frozen as though fully allocated and its
// believed free count is debited from the global counter exactly once.

type bitmapState uint8

const (
	bitmapUncached bitmapState = iota
	bitmapLoading
	bitmapVerified
	bitmapCorrupt
)

func (s bitmapState) String() string {
	switch s {
	case bitmapUncached:
		return "uncached"
	case bitmapLoading:
		return "loading"
	case bitmapVerified:
		return "verified"
	case bitmapCorrupt:
		return "corrupt"
	}
	return "unknown"
}

// groupInfo is the runtime state of a single block group, living for the
// whole mount. mu guards descriptor mutation and bitmap state transitions.
// A caller serializing on a bitmap buffer takes the buffer first and mu
// second, never the other way around.
type groupInfo struct {
	mu     sync.Mutex
	number uint32

	// freeClusters is the believed free count, the amount debited from
	// the global counter if the group is ever quarantined
	freeClusters uint32

	state   bitmapState
	buffer  *bitmapBuffer
	pending *bitmapFetch

	blockBitmapCorrupt bool
	inodeBitmapCorrupt bool
	corruptErr         error
}

// bitmapBuffer is one live in-memory bitmap. verified is sticky: validation
// happens at most once per mount per buffer instance.
type bitmapBuffer struct {
	bitmap   *Bitmap
	verified bool
}

// bitmapFetch is an in-flight asynchronous bitmap read, shared by every
// handle acquired while it is pending.
type bitmapFetch struct {
	done   chan struct{}
	buffer *bitmapBuffer
	err    error
}

// BitmapHandle is a waitable reference to a group's block bitmap, returned
// by AcquireBitmap. Handles for many groups can be acquired first and
// waited on later, so their reads overlap.
type BitmapHandle struct {
	group  uint32
	buffer *bitmapBuffer
	fetch  *bitmapFetch
}

// Ready reports whether WaitBitmap will return without blocking.
func (h *BitmapHandle) Ready() bool {
	return h.fetch == nil
}

// Group returns the block group this handle refers to.
func (h *BitmapHandle) Group() uint32 {
	return h.group
}

func (fs *FileSystem) groupState(group uint32) (*groupDescriptor, *groupInfo, error) {
	if group >= fs.geo.groupCount || int(group) >= len(fs.gdt.descriptors) {
		return nil, nil, &GeometryError{Group: group, GroupCount: fs.geo.groupCount}
	}
	gd := fs.gdt.descriptors[group]
	if gd == nil {
		return nil, nil, &GeometryError{Group: group, GroupCount: fs.geo.groupCount}
	}
	return gd, fs.groups[group], nil
}

// AcquireBitmap returns a handle on the block bitmap of a group. A group
// that was never written gets its bitmap synthesized in memory with no disk
// I/O; a cached group returns immediately; otherwise an asynchronous read is
// issued and the returned handle is pending. Corrupt groups fail straight
// away and stay failed for the rest of the mount.
func (fs *FileSystem) AcquireBitmap(group uint32) (*BitmapHandle, error) {
	gd, grp, err := fs.groupState(group)
	if err != nil {
		return nil, err
	}

	grp.mu.Lock()

	if grp.blockBitmapCorrupt {
		err := grp.corruptErr
		grp.mu.Unlock()
		return nil, err
	}

	if !gd.checksumValid {
		err := fs.quarantineDescriptorLocked(grp, gd)
		grp.mu.Unlock()
		return nil, err
	}

	// lazy synthesis for never-written groups. Only this check-and-build
	// step runs under the group lock, not the whole acquire.
	if gd.flags.blockBitmapUninitialized && grp.buffer == nil {
		buf := fs.initBlockBitmap(group, gd)
		grp.buffer = buf
		grp.state = bitmapVerified
		grp.mu.Unlock()
		return &BitmapHandle{group: group, buffer: buf}, nil
	}

	if grp.buffer != nil {
		h := &BitmapHandle{group: group, buffer: grp.buffer}
		grp.mu.Unlock()
		return h, nil
	}

	if grp.pending == nil {
		fetch := &bitmapFetch{done: make(chan struct{})}
		grp.pending = fetch
		grp.state = bitmapLoading
		go fs.fetchBitmap(grp, gd, fetch)
	}
	h := &BitmapHandle{group: group, fetch: grp.pending}
	grp.mu.Unlock()
	return h, nil
}

// WaitBitmap blocks until the handle's read completes, then validates the
// buffer and returns the bitmap. A failed read leaves the group uncached so
// the next acquire retries the fetch.
func (fs *FileSystem) WaitBitmap(h *BitmapHandle) (*Bitmap, error) {
	buf := h.buffer
	if h.fetch != nil {
		<-h.fetch.done
		if h.fetch.err != nil {
			return nil, h.fetch.err
		}
		buf = h.fetch.buffer
		h.buffer = buf
		h.fetch = nil
	}
	if err := fs.validateBitmap(h.group, buf); err != nil {
		return nil, err
	}
	return buf.bitmap, nil
}

// ReadBitmap acquires and waits in one step.
func (fs *FileSystem) ReadBitmap(group uint32) (*Bitmap, error) {
	h, err := fs.AcquireBitmap(group)
	if err != nil {
		return nil, err
	}
	return fs.WaitBitmap(h)
}

// fetchBitmap runs in its own goroutine per read.
func (fs *FileSystem) fetchBitmap(grp *groupInfo, gd *groupDescriptor, fetch *bitmapFetch) {
	b := make([]byte, fs.geo.blockSize)
	offset := fs.start + int64(gd.blockBitmapLocation*fs.geo.blockSize)
	read, err := fs.file.ReadAt(b, offset)
	if err == nil && read < len(b) {
		err = fmt.Errorf("short read: %d bytes instead of %d", read, len(b))
	}

	var buf *bitmapBuffer
	if err == nil {
		var bm *Bitmap
		bm, err = bitmapFromBytes(b)
		if err == nil {
			buf = &bitmapBuffer{bitmap: bm}
		}
	}

	grp.mu.Lock()
	if err != nil {
		fetch.err = fmt.Errorf("cannot read block bitmap for group %d at block %d: %v: %w",
			grp.number, gd.blockBitmapLocation, err, ErrReadFailed)
		grp.state = bitmapUncached
		fs.log.WithFields(logrus.Fields{
			"group": grp.number,
			"block": gd.blockBitmapLocation,
		}).WithError(err).Warn("block bitmap read failed")
	} else {
		fetch.buffer = buf
		grp.buffer = buf
	}
	grp.pending = nil
	grp.mu.Unlock()
	close(fetch.done)
}

// initBlockBitmap synthesizes the bitmap of a never-written group: the base
// metadata run, the group's own bitmap and inode-table clusters wherever
// they physically fall inside the group, and the unused tail of a short
// final group. The fresh checksum is stored into the descriptor.
// Called with the group lock held.
func (fs *FileSystem) initBlockBitmap(group uint32, gd *groupDescriptor) *bitmapBuffer {
	g := fs.geo
	bm := newBitmap(int(g.blockSize))

	for bit := uint32(0); bit < g.baseMetadataClusters(group); bit++ {
		bm.Set(bit)
	}

	start := g.groupFirstBlock(group)
	if g.blockInGroup(gd.blockBitmapLocation, group) {
		bm.Set(g.clusterOf(gd.blockBitmapLocation - start))
	}
	if g.blockInGroup(gd.inodeBitmapLocation, group) {
		bm.Set(g.clusterOf(gd.inodeBitmapLocation - start))
	}
	for blk := gd.inodeTableLocation; blk < gd.inodeTableLocation+uint64(g.inodeTableBlocksPerGroup); blk++ {
		if g.blockInGroup(blk, group) {
			bm.Set(g.clusterOf(blk - start))
		}
	}

	clusters := g.clustersInGroup(group)
	bm.markEnd(clusters)
	gd.setBlockBitmapChecksum(fs.superblock, bm.ToBytes(), clusters)

	return &bitmapBuffer{bitmap: bm, verified: true}
}

// validateBitmap checks a loaded buffer against the descriptor's stored
// checksum and, unless flexible groups allow metadata to live elsewhere,
// against the expected metadata layout. Runs under the group lock so the
// check-then-mark-verified transition is atomic with respect to other
// readers of the group's corruption flags. Verification is sticky: a buffer
// is validated at most once per mount.
func (fs *FileSystem) validateBitmap(group uint32, buf *bitmapBuffer) error {
	gd, grp, err := fs.groupState(group)
	if err != nil {
		return err
	}

	grp.mu.Lock()
	defer grp.mu.Unlock()

	if buf.verified {
		return nil
	}
	if grp.blockBitmapCorrupt {
		return grp.corruptErr
	}

	clusters := fs.geo.clustersInGroup(group)
	if !gd.verifyBlockBitmapChecksum(fs.superblock, buf.bitmap.ToBytes(), clusters) {
		return fs.quarantineBlockBitmapLocked(grp, ErrChecksumMismatch, "bad block bitmap checksum")
	}

	if bad := fs.invalidBitmapBlock(group, gd, buf.bitmap); bad != 0 {
		return fs.quarantineBlockBitmapLocked(grp, ErrInvalidLayout,
			fmt.Sprintf("block %d missing from block bitmap", bad))
	}

	buf.verified = true
	grp.state = bitmapVerified
	return nil
}

// invalidBitmapBlock returns the metadata block discovered to be unset in
// the bitmap, or 0 if the bitmap is consistent. With flexible groups the
// bitmaps and inode table may legitimately live outside the group, so the
// check is skipped entirely.
func (fs *FileSystem) invalidBitmapBlock(group uint32, gd *groupDescriptor, bm *Bitmap) uint64 {
	g := fs.geo
	if g.flexBG {
		return 0
	}
	first := g.groupFirstBlock(group)

	// the block bitmap's own cluster
	blk := gd.blockBitmapLocation
	if !g.blockInGroup(blk, group) || !bm.Test(g.clusterOf(blk-first)) {
		return blk
	}

	// the inode bitmap's cluster
	blk = gd.inodeBitmapLocation
	if !g.blockInGroup(blk, group) || !bm.Test(g.clusterOf(blk-first)) {
		return blk
	}

	// every cluster spanned by the inode table
	blk = gd.inodeTableLocation
	if !g.blockInGroup(blk, group) {
		return blk
	}
	offset := g.clusterOf(blk - first)
	limit := g.clusterOf(blk - first + uint64(g.inodeTableBlocksPerGroup))
	if next := bm.nextZero(offset, limit); next < limit {
		return blk
	}

	return 0
}

// quarantineBlockBitmapLocked transitions the group to corrupt, debiting its
// believed free count from the global counter. The debit happens exactly
// once no matter how often the group is touched afterwards.
// Called with the group lock held.
func (fs *FileSystem) quarantineBlockBitmapLocked(grp *groupInfo, sentinel error, msg string) error {
	if !grp.blockBitmapCorrupt {
		fs.accountant.debitFree(int64(grp.freeClusters))
		grp.blockBitmapCorrupt = true
		grp.state = bitmapCorrupt
		grp.corruptErr = fmt.Errorf("block group %d: %s: %w", grp.number, msg, sentinel)
		fs.log.WithFields(logrus.Fields{
			"group": grp.number,
			"free":  grp.freeClusters,
		}).Error(msg)
	}
	return grp.corruptErr
}

// quarantineDescriptorLocked handles a descriptor whose stored checksum does
// not match: both bitmaps are untrustworthy, so the group's free clusters
// and free inodes are debited, each exactly once.
// Called with the group lock held.
func (fs *FileSystem) quarantineDescriptorLocked(grp *groupInfo, gd *groupDescriptor) error {
	err := fs.quarantineBlockBitmapLocked(grp, ErrChecksumMismatch, "bad group descriptor checksum")
	if !grp.inodeBitmapCorrupt {
		fs.accountant.debitFreeInodes(int64(gd.freeInodes))
		grp.inodeBitmapCorrupt = true
	}
	return err
}
