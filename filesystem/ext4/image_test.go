package ext4

import (
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

// memFile is an in-memory disk image. It counts reads per offset and can be
// told to fail reads at a given offset.
type memFile struct {
	mu    sync.Mutex
	data  []byte
	pos   int64
	reads map[int64]int
	fail  map[int64]int
}

func newMemFile(size int64) *memFile {
	return &memFile{
		data:  make([]byte, size),
		reads: map[int64]int{},
		fail:  map[int64]int{},
	}
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	f.reads[off]++
	if f.fail[off] > 0 {
		f.fail[off]--
		f.mu.Unlock()
		return 0, fmt.Errorf("injected read failure at offset %d", off)
	}
	f.mu.Unlock()

	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copy(f.data[off:], p), nil
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.pos = offset
	case io.SeekCurrent:
		f.pos += offset
	case io.SeekEnd:
		f.pos = int64(len(f.data)) + offset
	}
	return f.pos, nil
}

func (f *memFile) readsAt(off int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads[off]
}

func (f *memFile) failNextRead(off int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[off]++
}

// The test image is a small two-group filesystem: 1 KiB blocks, 8192 blocks
// per group, 10240 blocks total, so the second group is short (2047 data
// blocks). Both groups hold a superblock copy, one descriptor table block
// and four reserved growth blocks, then their own bitmaps and a 256-block
// inode table, 264 metadata clusters in all.
const (
	testBlockSize      = 1024
	testBlocksPerGroup = 8192
	testBlockCount     = 10240
	testGroupOverhead  = 264

	testGroup0Free = 8192 - testGroupOverhead // 7928
	testGroup1Free = 2047 - testGroupOverhead // 1783
	testTotalFree  = testGroup0Free + testGroup1Free
)

func testUUID() [16]byte {
	var u [16]byte
	for i := range u {
		u[i] = byte(i + 1)
	}
	return u
}

type testImage struct {
	file    *memFile
	sb      *superblock
	gds     []*groupDescriptor
	bitmaps []*Bitmap
	size    int64
}

func newTestImage() *testImage {
	sb := &superblock{
		inodeCount:       2048,
		blockCount:       testBlockCount,
		reservedBlocks:   512,
		freeBlocks:       testTotalFree,
		freeInodes:       2037,
		firstDataBlock:   1,
		blocksPerGroup:   testBlocksPerGroup,
		clustersPerGroup: testBlocksPerGroup,
		inodesPerGroup:   1024,
		inodeSize:        256,
		features: featureFlags{
			fs64Bit:           true,
			sparseSuperblock:  true,
			metadataChecksums: true,
		},
		uuidRaw:             testUUID(),
		volumeLabel:         "testvol",
		reservedGDTBlocks:   4,
		groupDescriptorSize: 64,
		checksumType:        checksumTypeCRC32c,
	}

	gds := []*groupDescriptor{
		{
			blockGroupNumber:    0,
			blockBitmapLocation: 7,
			inodeBitmapLocation: 8,
			inodeTableLocation:  9,
			freeClusters:        testGroup0Free,
			freeInodes:          1013,
			usedDirectories:     2,
		},
		{
			blockGroupNumber:    1,
			blockBitmapLocation: 8199,
			inodeBitmapLocation: 8200,
			inodeTableLocation:  8201,
			freeClusters:        testGroup1Free,
			freeInodes:          1024,
		},
	}

	img := &testImage{
		file: newMemFile(testBlockCount * testBlockSize),
		sb:   sb,
		gds:  gds,
		size: testBlockCount * testBlockSize,
	}
	img.bitmaps = []*Bitmap{img.defaultBitmap(0), img.defaultBitmap(1)}
	return img
}

func (img *testImage) geometry(t *testing.T) *geometry {
	t.Helper()
	g, err := img.sb.geometry()
	if err != nil {
		t.Fatalf("geometry: %v", err)
	}
	return g
}

func (img *testImage) defaultBitmap(group uint32) *Bitmap {
	bm := newBitmap(testBlockSize)
	for i := uint32(0); i < testGroupOverhead; i++ {
		bm.Set(i)
	}
	g, err := img.sb.geometry()
	if err != nil {
		panic(err)
	}
	bm.markEnd(g.clustersInGroup(group))
	return bm
}

// write serializes the image into the backing file. Call it again after
// tweaking descriptors or bitmaps; all checksums are recomputed here.
func (img *testImage) write(t *testing.T) {
	t.Helper()
	g := img.geometry(t)

	gdt := make([]byte, 0, len(img.gds)*img.sb.getGroupDescriptorSize())
	for i, gd := range img.gds {
		if img.bitmaps[i] != nil && !gd.flags.blockBitmapUninitialized {
			payload := img.bitmaps[i].ToBytes()
			gd.setBlockBitmapChecksum(img.sb, payload, g.clustersInGroup(uint32(i)))
			if _, err := img.file.WriteAt(payload, img.bitmapOffset(i)); err != nil {
				t.Fatalf("writing bitmap %d: %v", i, err)
			}
		}
		gdt = append(gdt, gd.toBytes(img.sb)...)
	}
	if _, err := img.file.WriteAt(gdt, 2*testBlockSize); err != nil {
		t.Fatalf("writing descriptor table: %v", err)
	}

	b, err := img.sb.toBytes()
	if err != nil {
		t.Fatalf("serializing superblock: %v", err)
	}
	if _, err := img.file.WriteAt(b, BootSectorSize); err != nil {
		t.Fatalf("writing superblock: %v", err)
	}
}

func (img *testImage) bitmapOffset(group int) int64 {
	return int64(img.gds[group].blockBitmapLocation) * testBlockSize
}

func (img *testImage) mount(t *testing.T) *FileSystem {
	t.Helper()
	fs, err := Read(img.file, img.size, 0, 0)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	fs.SetLogger(log)
	return fs
}
