// Package archive defines the contract between the archive controller and
// the archive format drivers, and the in-memory file system which holds the
// entries of one mounted archive.
package archive

import (
	"context"

	"fedfs/internal/vfs"
)

// Driver reads and writes one archive format.
type Driver interface {
	// NewInput parses the archive read from source.
	NewInput(ctx context.Context, model *vfs.Model, source vfs.InputSocket) (InputService, error)
	// NewOutput starts writing an archive to sink. input, if not nil, is the
	// archive being replaced; drivers may use it to copy entries cheaply.
	NewOutput(ctx context.Context, model *vfs.Model, sink vfs.OutputSocket, input InputService) (OutputService, error)
	// NewEntry creates an entry of this format. template, if not nil,
	// supplies sizes and times.
	NewEntry(name string, typ vfs.EntryType, template vfs.Entry) Entry
	// RedundantMetaDataSupport reports whether the format tolerates the same
	// entry written more than once, the last one winning.
	RedundantMetaDataSupport() bool
	// RedundantContentSupport reports whether the format tolerates content
	// appended after the first write of the archive.
	RedundantContentSupport() bool
}

// FalsePositiveClassifier is implemented by drivers which know better than
// the entry type of the archive file whether a mount failure will recur.
type FalsePositiveClassifier interface {
	PersistentFalsePositive(err error) bool
}

// InputService provides the entries of an archive being read.
type InputService interface {
	// Entries returns all entries in archive order.
	Entries() []Entry
	// Entry returns the named entry or nil.
	Entry(name string) Entry
	// Input returns a socket reading the content of e.
	Input(e Entry) vfs.InputSocket
	Close(ctx context.Context) error
}

// OutputService writes the entries of a new archive. Close completes the
// archive and commits it to the sink, Abort discards it.
type OutputService interface {
	// Entry returns the named entry if it has been written or nil.
	Entry(name string) Entry
	// Output returns a socket writing the content of e. Entries are written
	// one at a time.
	Output(e Entry) vfs.OutputSocket
	Close(ctx context.Context) error
	Abort() error
}
