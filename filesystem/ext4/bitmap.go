package ext4

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/bits-and-blooms/bitset"
)

// Bitmap is one block group's cluster allocation bitmap: one bit per
// cluster, bit 0 the group's first cluster, bits packed little-endian
// within each byte. The in-memory form is a bitset whose 64-bit words
// serialize little-endian to exactly the on-disk layout.
type Bitmap struct {
	bits   *bitset.BitSet
	nbytes int
}

// newBitmap creates an all-zero bitmap occupying nbytes on disk.
func newBitmap(nbytes int) *Bitmap {
	return &Bitmap{
		bits:   bitset.New(uint(nbytes) * 8),
		nbytes: nbytes,
	}
}

// bitmapFromBytes creates a Bitmap from its on-disk payload.
func bitmapFromBytes(b []byte) (*Bitmap, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("bitmap size %d is not a multiple of 8 bytes", len(b))
	}
	words := make([]uint64, len(b)/8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(b[8*i : 8*i+8])
	}
	return &Bitmap{
		bits:   bitset.From(words),
		nbytes: len(b),
	}, nil
}

// ToBytes returns the bitmap ready to be written to disk.
func (bm *Bitmap) ToBytes() []byte {
	b := make([]byte, bm.nbytes)
	for i, w := range bm.bits.Bytes() {
		binary.LittleEndian.PutUint64(b[8*i:8*i+8], w)
	}
	return b
}

// Len returns the bitmap's capacity in bits.
func (bm *Bitmap) Len() uint32 {
	return uint32(bm.nbytes) * 8
}

// Test reports whether the cluster at the given in-group index is in use.
func (bm *Bitmap) Test(cluster uint32) bool {
	return bm.bits.Test(uint(cluster))
}

// Set marks the cluster at the given in-group index as in use.
func (bm *Bitmap) Set(cluster uint32) {
	bm.bits.Set(uint(cluster))
}

// Clear marks the cluster at the given in-group index as free.
func (bm *Bitmap) Clear(cluster uint32) {
	bm.bits.Clear(uint(cluster))
}

// NextFree returns the first free cluster at or after start, limited to the
// first limit bits, and whether one exists.
func (bm *Bitmap) NextFree(start, limit uint32) (uint32, bool) {
	i, ok := bm.bits.NextClear(uint(start))
	if !ok || uint32(i) >= limit {
		return 0, false
	}
	return uint32(i), true
}

// nextZero returns the first zero bit in [start, limit), or limit when all
// bits in the range are set.
func (bm *Bitmap) nextZero(start, limit uint32) uint32 {
	i, ok := bm.bits.NextClear(uint(start))
	if !ok || uint32(i) > limit {
		return limit
	}
	return uint32(i)
}

// markEnd sets every bit from the given cluster count up to the bitmap's
// full capacity, covering the unused tail of a short final group.
func (bm *Bitmap) markEnd(clusters uint32) {
	for i := uint(clusters); i < uint(bm.nbytes)*8; i++ {
		bm.bits.Set(i)
	}
}

// FreeInRange counts the free clusters among the first limit bits.
func (bm *Bitmap) FreeInRange(limit uint32) uint32 {
	var free uint32
	words := bm.bits.Bytes()
	for i := uint32(0); i < limit; i += 64 {
		w := words[i/64]
		n := limit - i
		if n < 64 {
			w |= ^uint64(0) << n
		}
		free += uint32(bits.OnesCount64(^w))
	}
	return free
}
