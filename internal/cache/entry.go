package cache

import (
	"context"
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"

	"fedfs/internal/pool"
	"fedfs/internal/vfs"
)

// Strategy decides when written content reaches the backing store.
type Strategy int

const (
	// WriteBack flushes on Flush only.
	WriteBack Strategy = iota
	// WriteThrough flushes whenever an output stream closes.
	WriteThrough
)

func (s Strategy) String() string {
	if s == WriteThrough {
		return "write-through"
	}
	return "write-back"
}

// Sink returns the backing socket to flush to. template carries the metadata
// of the buffered content.
type Sink func(template vfs.Entry) vfs.OutputSocket

// Entry caches the content of one entry in a pool buffer. The buffer is
// filled from the source on first read and written to the sink on flush.
type Entry struct {
	name     string
	pool     *pool.Pool
	strategy Strategy
	source   vfs.InputSocket
	sink     Sink

	mu    sync.Mutex
	buf   *pool.Buffer
	dirty bool
}

// NewEntry creates an empty cache entry for name.
func NewEntry(name vfs.EntryName, p *pool.Pool, s Strategy, source vfs.InputSocket, sink Sink) *Entry {
	return &Entry{name: name.String(), pool: p, strategy: s, source: source, sink: sink}
}

// Dirty reports whether the buffer holds content which is not yet flushed.
func (e *Entry) Dirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirty
}

// Buffered reports whether the entry holds a buffer.
func (e *Entry) Buffered() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buf != nil
}

// Input returns a socket reading the cached content.
func (e *Entry) Input() vfs.InputSocket { return entryInput{e} }

// Output returns a socket writing the cached content. An appending output
// starts from the current content.
func (e *Entry) Output(appending bool) vfs.OutputSocket {
	return entryOutput{e: e, appending: appending}
}

// Fill copies the content of the source into the buffer unless the entry is
// buffered already.
func (e *Entry) Fill(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fillLocked(ctx)
}

// Flush writes dirty content to the sink.
func (e *Entry) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushLocked(ctx)
}

func (e *Entry) flushLocked(ctx context.Context) error {
	if !e.dirty || e.buf == nil {
		return nil
	}
	target, err := e.buf.Target()
	if err != nil {
		return err
	}
	log.Debugf("[Cache] flushing %s (%d bytes)", e.name, target.Size(vfs.DataSize))
	if err := vfs.Copy(ctx, e.buf.Input(), e.sink(vfs.CopyEntry(e.name, target))); err != nil {
		if vfs.IsControlFlow(err) {
			return err
		}
		return fmt.Errorf("failed to flush %s: %w", e.name, err)
	}
	e.dirty = false
	return nil
}

// Release discards the buffer, including unflushed content.
func (e *Entry) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.buf == nil {
		return nil
	}
	buf := e.buf
	e.buf, e.dirty = nil, false
	return buf.Release()
}

func (e *Entry) fillLocked(ctx context.Context) error {
	if e.buf != nil {
		return nil
	}
	buf, err := e.pool.Allocate()
	if err != nil {
		return err
	}
	if err := vfs.Copy(ctx, e.source, buf.Output()); err != nil {
		_ = buf.Release()
		return err
	}
	log.Debugf("[Cache] filled %s", e.name)
	e.buf = buf
	return nil
}

type entryInput struct{ e *Entry }

func (s entryInput) Target(ctx context.Context) (vfs.Entry, error) {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	if s.e.buf == nil {
		return s.e.source.Target(ctx)
	}
	t, err := s.e.buf.Target()
	if err != nil {
		return nil, err
	}
	return vfs.CopyEntry(s.e.name, t), nil
}

func (s entryInput) Stream(ctx context.Context, peer vfs.OutputSocket) (io.ReadCloser, error) {
	return s.Channel(ctx, peer)
}

func (s entryInput) Channel(ctx context.Context, _ vfs.OutputSocket) (vfs.ReadChannel, error) {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	if err := s.e.fillLocked(ctx); err != nil {
		return nil, err
	}
	return s.e.buf.OpenRead()
}

type entryOutput struct {
	e         *Entry
	appending bool
}

func (s entryOutput) Target(context.Context) (vfs.Entry, error) {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	if s.e.buf == nil {
		return vfs.NewEntry(s.e.name, vfs.FileType), nil
	}
	t, err := s.e.buf.Target()
	if err != nil {
		return nil, err
	}
	return vfs.CopyEntry(s.e.name, t), nil
}

func (s entryOutput) Stream(ctx context.Context, peer vfs.InputSocket) (io.WriteCloser, error) {
	return s.Channel(ctx, peer)
}

func (s entryOutput) Channel(ctx context.Context, _ vfs.InputSocket) (vfs.WriteChannel, error) {
	e := s.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.appending {
		if err := e.fillLocked(ctx); err != nil {
			return nil, err
		}
	}
	buf, err := e.pool.Allocate()
	if err != nil {
		return nil, err
	}
	if s.appending {
		if err := vfs.Copy(ctx, e.buf.Input(), buf.Output()); err != nil {
			_ = buf.Release()
			return nil, fmt.Errorf("failed to copy %s for appending: %w", e.name, err)
		}
	}
	ch, err := buf.OpenWrite(s.appending)
	if err != nil {
		_ = buf.Release()
		return nil, err
	}
	return &entryWriter{WriteChannel: ch, e: e, buf: buf}, nil
}

// entryWriter writes a fresh buffer which replaces the buffer of the entry
// when it closes, so readers of the previous content are not disturbed.
type entryWriter struct {
	vfs.WriteChannel
	e    *Entry
	buf  *pool.Buffer
	done bool
}

func (w *entryWriter) Close() error {
	return w.CloseContext(context.Background())
}

func (w *entryWriter) CloseContext(ctx context.Context) error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.WriteChannel.Close(); err != nil {
		_ = w.buf.Release()
		return err
	}
	e := w.e
	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.buf
	e.buf, e.dirty = w.buf, true
	if old != nil {
		if err := old.Release(); err != nil {
			log.Warnf("[Cache] %v", err)
		}
	}
	if e.strategy == WriteThrough {
		return e.flushLocked(ctx)
	}
	return nil
}

// Abort discards the written content.
func (w *entryWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	err := w.WriteChannel.Close()
	if rerr := w.buf.Release(); err == nil {
		err = rerr
	}
	return err
}
