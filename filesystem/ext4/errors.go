package ext4

import (
	"errors"
	"fmt"
)

var (
	// ErrChecksumMismatch is returned when a group descriptor or block
	// bitmap fails its stored checksum. The group is quarantined for the
	// rest of the mount.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrInvalidLayout is returned when a block bitmap read from disk does
	// not have the bits for its own metadata blocks set. The group is
	// quarantined for the rest of the mount.
	ErrInvalidLayout = errors.New("invalid block bitmap layout")

	// ErrNoSpace is returned by ClaimFreeClusters when the filesystem
	// cannot satisfy the request. Recoverable via ShouldRetryAllocation.
	ErrNoSpace = errors.New("no space left on device")

	// ErrReadFailed is returned when an asynchronous bitmap read fails.
	// The bitmap stays uncached, so the next access retries the fetch.
	ErrReadFailed = errors.New("read failed")
)

// GeometryError reports a block group index outside the filesystem, or a
// descriptor that is not loaded. It is fatal for the single operation only.
type GeometryError struct {
	Group      uint32
	GroupCount uint32
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("block group %d out of range, filesystem has %d groups", e.Group, e.GroupCount)
}
