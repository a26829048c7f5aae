package vfs

import (
	"context"
	"io"
	"time"
)

// Controller provides access to one file system. Implementations are stacked
// as decorators, each adding one concern on top of its delegate.
//
// Every method may return a control-flow signal (see IsControlFlow) which
// the layer built to react to it consumes.
type Controller interface {
	// Model returns the model of the file system.
	Model() *Model
	// Node returns the named entry or nil if it does not exist.
	Node(ctx context.Context, name EntryName, opts AccessOptions) (Entry, error)
	// CheckAccess fails unless every access kind in types is permitted.
	CheckAccess(ctx context.Context, name EntryName, opts AccessOptions, types AccessType) error
	SetReadOnly(ctx context.Context, name EntryName) error
	// SetTime sets the given timestamps of the named entry.
	SetTime(ctx context.Context, name EntryName, times map[AccessType]time.Time, opts AccessOptions) error
	// Input returns a socket for reading the named entry. No I/O happens
	// before one of the socket methods is called.
	Input(opts AccessOptions, name EntryName) InputSocket
	// Output returns a socket for writing the named entry. template, if not
	// nil, supplies the metadata of the written entry.
	Output(opts AccessOptions, name EntryName, template Entry) OutputSocket
	// Make creates or replaces the named entry.
	Make(ctx context.Context, name EntryName, typ EntryType, opts AccessOptions, template Entry) error
	Unlink(ctx context.Context, name EntryName, opts AccessOptions) error
	// Sync commits all changes to the parent file system. A returned
	// *SyncError without failures means the sync completed with warnings.
	Sync(ctx context.Context, opts SyncOptions) error
}

// InputSocket opens the content of one entry for reading. Every call returns
// a fresh stream or channel which the caller must close.
type InputSocket interface {
	// Target returns the entry to read. It fails with common.ErrNotFound if
	// the entry does not exist.
	Target(ctx context.Context) (Entry, error)
	// Stream opens a sequential reader. peer is the socket the content is
	// copied to, if any.
	Stream(ctx context.Context, peer OutputSocket) (io.ReadCloser, error)
	// Channel opens a random access reader. It may fail with
	// common.ErrNotSupported.
	Channel(ctx context.Context, peer OutputSocket) (ReadChannel, error)
}

// OutputSocket opens the content of one entry for writing.
type OutputSocket interface {
	// Target returns the entry as it is going to be written.
	Target(ctx context.Context) (Entry, error)
	// Stream opens a sequential writer. peer is the socket the content is
	// copied from, if any.
	Stream(ctx context.Context, peer InputSocket) (io.WriteCloser, error)
	// Channel opens a random access writer. It may fail with
	// common.ErrNotSupported.
	Channel(ctx context.Context, peer InputSocket) (WriteChannel, error)
}

// ReadChannel is a random access reader.
type ReadChannel interface {
	io.ReadSeekCloser
	io.ReaderAt
	Size() int64
}

// WriteChannel is a random access writer.
type WriteChannel interface {
	io.WriteSeeker
	io.WriterAt
	io.Closer
	Size() int64
}

// ContextCloser is implemented by streams whose Close needs to run further
// file system operations.
type ContextCloser interface {
	CloseContext(ctx context.Context) error
}

// Aborter is implemented by output streams which can be closed without
// committing what has been written.
type Aborter interface {
	Abort() error
}
