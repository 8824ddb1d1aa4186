package ext4

import (
	"bytes"
	"testing"
)

func TestBitmapBitOrder(t *testing.T) {
	b := make([]byte, 16)
	b[0] = 0x05 // bits 0 and 2
	b[1] = 0x80 // bit 15
	b[9] = 0x01 // bit 72

	bm, err := bitmapFromBytes(b)
	if err != nil {
		t.Fatalf("bitmapFromBytes: %v", err)
	}

	set := []uint32{0, 2, 15, 72}
	for _, bit := range set {
		if !bm.Test(bit) {
			t.Errorf("bit %d should be set", bit)
		}
	}
	for _, bit := range []uint32{1, 3, 8, 14, 16, 71, 73} {
		if bm.Test(bit) {
			t.Errorf("bit %d should be clear", bit)
		}
	}

	if out := bm.ToBytes(); !bytes.Equal(out, b) {
		t.Errorf("round trip mismatch:\ngot  %v\nfrom %v", out, b)
	}
}

func TestBitmapFromBytesRejectsOddSize(t *testing.T) {
	if _, err := bitmapFromBytes(make([]byte, 13)); err == nil {
		t.Fatal("expected error for a 13-byte bitmap")
	}
}

func TestBitmapSetClearRoundTrip(t *testing.T) {
	bm := newBitmap(8)
	bm.Set(5)
	if !bm.Test(5) {
		t.Fatal("bit 5 should be set")
	}
	bm.Clear(5)
	if bm.Test(5) {
		t.Fatal("bit 5 should be clear again")
	}
}

func TestBitmapNextFree(t *testing.T) {
	bm := newBitmap(8)
	for i := uint32(0); i < 10; i++ {
		bm.Set(i)
	}
	bm.Set(11)

	if free, ok := bm.NextFree(0, 64); !ok || free != 10 {
		t.Errorf("got %d/%v, expected 10/true", free, ok)
	}
	if free, ok := bm.NextFree(11, 64); !ok || free != 12 {
		t.Errorf("got %d/%v, expected 12/true", free, ok)
	}

	// nothing free below the limit
	if _, ok := bm.NextFree(0, 10); ok {
		t.Error("expected no free bit below 10")
	}
}

func TestBitmapNextZero(t *testing.T) {
	bm := newBitmap(8)
	for i := uint32(0); i < 20; i++ {
		bm.Set(i)
	}
	if got := bm.nextZero(5, 20); got != 20 {
		t.Errorf("got %d, expected the limit 20", got)
	}
	if got := bm.nextZero(5, 30); got != 20 {
		t.Errorf("got %d, expected 20", got)
	}
}

func TestBitmapMarkEnd(t *testing.T) {
	bm := newBitmap(16)
	bm.markEnd(100)
	if bm.Test(99) {
		t.Error("bit 99 is inside the group and should stay clear")
	}
	for _, bit := range []uint32{100, 101, 127} {
		if !bm.Test(bit) {
			t.Errorf("tail bit %d should be set", bit)
		}
	}
}

func TestBitmapFreeInRange(t *testing.T) {
	bm := newBitmap(16)
	for i := uint32(0); i < 10; i++ {
		bm.Set(i)
	}
	bm.markEnd(100)

	if got := bm.FreeInRange(100); got != 90 {
		t.Errorf("got %d free, expected 90", got)
	}
	if got := bm.FreeInRange(128); got != 90 {
		t.Errorf("got %d free, expected 90", got)
	}
	if got := bm.FreeInRange(10); got != 0 {
		t.Errorf("got %d free, expected 0", got)
	}
	if got := bm.FreeInRange(64); got != 54 {
		t.Errorf("got %d free, expected 54", got)
	}
}
