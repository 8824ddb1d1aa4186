// Package util provides the backing-store interface shared by filesystem
// implementations.
package util

import "io"

// File is the interface a backing store must implement for a filesystem to
// work with it. os.File satisfies it, as does any in-memory image that
// supports ReadAt, WriteAt and Seek.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Seeker
}
