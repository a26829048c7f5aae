// Package pool allocates temporary I/O buffers, either in memory or as
// files in a temporary directory. Both kinds live on a go-billy file system.
package pool

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"fedfs/internal/common"
	"fedfs/internal/vfs"
)

// Pool allocates buffers.
type Pool struct {
	fs   billy.Filesystem
	live atomic.Int64
}

// New returns a pool allocating buffers on fs.
func New(fs billy.Filesystem) *Pool {
	return &Pool{fs: fs}
}

// NewMemory returns a pool keeping buffers in memory.
func NewMemory() *Pool {
	return New(memfs.New())
}

// NewTemp returns a pool keeping buffers as files in dir.
func NewTemp(dir string) (*Pool, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create pool directory: %w", err)
	}
	return New(osfs.New(dir)), nil
}

// Live returns the number of allocated buffers which are not yet released.
func (p *Pool) Live() int64 { return p.live.Load() }

// Allocate returns a new empty buffer.
func (p *Pool) Allocate() (*Buffer, error) {
	name := "fedfs-" + uuid.NewString() + ".tmp"
	f, err := p.fs.Create(name)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to allocate buffer: %w", err)
	}
	p.live.Add(1)
	log.Debugf("[Pool] allocated %s", name)
	return &Buffer{pool: p, name: name}, nil
}

// Buffer is a temporary file. It records the time of the last completed
// write as its write time.
type Buffer struct {
	pool *Pool
	name string

	mu       sync.Mutex
	written  time.Time
	released bool
}

// Name returns the name of the buffer file in its pool.
func (b *Buffer) Name() string { return b.name }

// Size returns the current content size.
func (b *Buffer) Size() (int64, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	fi, err := b.pool.fs.Stat(b.name)
	if err != nil {
		return 0, fmt.Errorf("failed to stat buffer: %w", err)
	}
	return fi.Size(), nil
}

// WriteTime returns the time the last write channel was closed.
func (b *Buffer) WriteTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

// OpenRead opens the content for reading.
func (b *Buffer) OpenRead() (vfs.ReadChannel, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	f, err := b.pool.fs.Open(b.name)
	if err != nil {
		return nil, fmt.Errorf("failed to open buffer: %w", err)
	}
	return &readChannel{File: f, buf: b}, nil
}

// OpenWrite opens the content for writing, truncating it unless appending.
func (b *Buffer) OpenWrite(appending bool) (vfs.WriteChannel, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	flag := os.O_RDWR | os.O_CREATE
	if appending {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	f, err := b.pool.fs.OpenFile(b.name, flag, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open buffer: %w", err)
	}
	return &writeChannel{File: f, buf: b}, nil
}

// Release deletes the buffer. Releasing twice is a no-op.
func (b *Buffer) Release() error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return nil
	}
	b.released = true
	b.mu.Unlock()

	b.pool.live.Add(-1)
	if err := b.pool.fs.Remove(b.name); err != nil {
		return fmt.Errorf("failed to release buffer %s: %w", b.name, err)
	}
	return nil
}

// Target returns the buffer content as a file entry.
func (b *Buffer) Target() (vfs.Entry, error) {
	size, err := b.Size()
	if err != nil {
		return nil, err
	}
	e := vfs.NewEntry(b.name, vfs.FileType).
		SetSize(vfs.DataSize, size).
		SetSize(vfs.StorageSize, size)
	if t := b.WriteTime(); !t.IsZero() {
		e.SetTime(vfs.WriteAccess, t)
	}
	return e, nil
}

// Input returns a socket reading the buffer.
func (b *Buffer) Input() vfs.InputSocket { return bufferInput{b} }

// Output returns a socket writing the buffer.
func (b *Buffer) Output() vfs.OutputSocket { return bufferOutput{b} }

func (b *Buffer) check() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return fmt.Errorf("buffer %s: %w", b.name, common.ErrClosed)
	}
	return nil
}

type readChannel struct {
	billy.File
	buf *Buffer
}

func (c *readChannel) Size() int64 {
	n, _ := c.buf.Size()
	return n
}

type writeChannel struct {
	billy.File
	buf *Buffer
}

// WriteAt leaves the offset of the channel unchanged, which memfs files do
// not guarantee on their own.
func (c *writeChannel) WriteAt(p []byte, off int64) (int, error) {
	pos, err := c.File.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	var n int
	if w, ok := c.File.(io.WriterAt); ok {
		n, err = w.WriteAt(p, off)
	} else if _, err = c.File.Seek(off, io.SeekStart); err == nil {
		n, err = c.File.Write(p)
	}
	if _, serr := c.File.Seek(pos, io.SeekStart); err == nil {
		err = serr
	}
	return n, err
}

func (c *writeChannel) Size() int64 {
	n, _ := c.buf.Size()
	return n
}

func (c *writeChannel) Close() error {
	err := c.File.Close()
	c.buf.mu.Lock()
	c.buf.written = time.Now()
	c.buf.mu.Unlock()
	return err
}

type bufferInput struct{ b *Buffer }

func (s bufferInput) Target(context.Context) (vfs.Entry, error) { return s.b.Target() }

func (s bufferInput) Stream(context.Context, vfs.OutputSocket) (io.ReadCloser, error) {
	return s.b.OpenRead()
}

func (s bufferInput) Channel(context.Context, vfs.OutputSocket) (vfs.ReadChannel, error) {
	return s.b.OpenRead()
}

type bufferOutput struct{ b *Buffer }

func (s bufferOutput) Target(context.Context) (vfs.Entry, error) { return s.b.Target() }

func (s bufferOutput) Stream(context.Context, vfs.InputSocket) (io.WriteCloser, error) {
	return s.b.OpenWrite(false)
}

func (s bufferOutput) Channel(context.Context, vfs.InputSocket) (vfs.WriteChannel, error) {
	return s.b.OpenWrite(false)
}
