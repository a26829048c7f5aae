// Package zipdriver reads and writes ZIP archives.
package zipdriver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"

	"github.com/klauspost/compress/zip"
	log "github.com/sirupsen/logrus"

	"fedfs/internal/archive"
	"fedfs/internal/common"
	"fedfs/internal/vfs"
)

// Driver is the ZIP driver.
type Driver struct{}

var _ archive.Driver = Driver{}

// New returns the ZIP driver.
func New() Driver { return Driver{} }

// Entry is a ZIP entry. Directory names end with a slash.
type Entry struct {
	archive.BaseEntry
	file *zip.File // nil unless read from an input archive
}

func (Driver) NewEntry(name string, typ vfs.EntryType, template vfs.Entry) archive.Entry {
	name = strings.TrimSuffix(name, vfs.Separator)
	if typ == vfs.DirectoryType && name != "" {
		name += vfs.Separator
	}
	return &Entry{BaseEntry: archive.NewBaseEntry(name, typ, template)}
}

func (Driver) RedundantMetaDataSupport() bool { return false }
func (Driver) RedundantContentSupport() bool  { return false }

// PersistentFalsePositive reports whether the archive file is no ZIP file at
// all, which will not change before it is rewritten.
func (Driver) PersistentFalsePositive(err error) bool {
	return errors.Is(err, zip.ErrFormat)
}

func (d Driver) NewInput(ctx context.Context, model *vfs.Model, source vfs.InputSocket) (archive.InputService, error) {
	ch, err := source.Channel(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip archive %s: %w", model.MountPoint(), err)
	}
	size := ch.Size()
	if size < 0 {
		_ = ch.Close()
		return nil, fmt.Errorf("zip archive %s has unknown size: %w", model.MountPoint(), common.ErrNotSupported)
	}
	zr, err := zip.NewReader(ch, size)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to read zip archive %s: %w", model.MountPoint(), err)
	}

	in := &input{ch: ch, byName: make(map[string]*Entry, len(zr.File))}
	for _, f := range zr.File {
		typ := vfs.FileType
		switch mode := f.Mode(); {
		case strings.HasSuffix(f.Name, vfs.Separator) || mode.IsDir():
			typ = vfs.DirectoryType
		case mode&fs.ModeSymlink != 0:
			typ = vfs.SymlinkType
		}
		e := d.NewEntry(f.Name, typ, nil).(*Entry)
		e.file = f
		e.SetSize(vfs.DataSize, int64(f.UncompressedSize64))
		e.SetSize(vfs.StorageSize, int64(f.CompressedSize64))
		if !f.Modified.IsZero() {
			e.SetTime(vfs.WriteAccess, f.Modified)
		}
		if _, dup := in.byName[e.Name()]; dup {
			log.Warnf("[ZipDriver] %s: duplicate entry %q, keeping the last one", model.MountPoint(), e.Name())
		} else {
			in.entries = append(in.entries, e)
		}
		in.byName[e.Name()] = e
	}
	return in, nil
}

type input struct {
	ch      vfs.ReadChannel
	entries []*Entry
	byName  map[string]*Entry
}

func (in *input) Entries() []archive.Entry {
	out := make([]archive.Entry, len(in.entries))
	for i, e := range in.entries {
		out[i] = in.byName[e.Name()]
	}
	return out
}

func (in *input) Entry(name string) archive.Entry {
	if e, ok := in.byName[name]; ok {
		return e
	}
	return nil
}

func (in *input) Input(e archive.Entry) vfs.InputSocket {
	return &inputSocket{in: in, e: e.(*Entry)}
}

func (in *input) Close(context.Context) error {
	return in.ch.Close()
}

type inputSocket struct {
	in *input
	e  *Entry
}

func (s *inputSocket) Target(context.Context) (vfs.Entry, error) { return s.e, nil }

// Stream decompresses the entry. A peer which copies the entry raw gets an
// empty stream.
func (s *inputSocket) Stream(_ context.Context, peer vfs.OutputSocket) (io.ReadCloser, error) {
	if out, ok := peer.(*outputSocket); ok && out.rawCopy(s) {
		return io.NopCloser(strings.NewReader("")), nil
	}
	if s.e.Type() == vfs.DirectoryType {
		return nil, fmt.Errorf("%q: %w", s.e.Name(), common.ErrIsDir)
	}
	return s.e.file.Open()
}

// Channel provides random access to stored entries only.
func (s *inputSocket) Channel(context.Context, vfs.OutputSocket) (vfs.ReadChannel, error) {
	if s.e.file.Method != zip.Store {
		return nil, fmt.Errorf("%q is compressed: %w", s.e.Name(), common.ErrNotSupported)
	}
	off, err := s.e.file.DataOffset()
	if err != nil {
		return nil, fmt.Errorf("failed to locate %q: %w", s.e.Name(), err)
	}
	return &sectionChannel{io.NewSectionReader(s.in.ch, off, int64(s.e.file.CompressedSize64))}, nil
}

type sectionChannel struct {
	*io.SectionReader
}

func (sectionChannel) Close() error { return nil }

func (d Driver) NewOutput(ctx context.Context, model *vfs.Model, sink vfs.OutputSocket, _ archive.InputService) (archive.OutputService, error) {
	w, err := sink.Stream(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip archive %s for writing: %w", model.MountPoint(), err)
	}
	return &output{
		mp:      model.MountPoint(),
		w:       w,
		zw:      zip.NewWriter(w),
		written: make(map[string]archive.Entry),
	}, nil
}

type output struct {
	mp vfs.MountPoint
	w  io.WriteCloser
	zw *zip.Writer

	mu      sync.Mutex
	busy    bool
	written map[string]archive.Entry // GUARDED_BY(mu)
}

func (o *output) Entry(name string) archive.Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.written[name]
}

func (o *output) Output(e archive.Entry) vfs.OutputSocket {
	return &outputSocket{o: o, e: e}
}

func (o *output) Close(ctx context.Context) error {
	if err := o.zw.Close(); err != nil {
		_ = vfs.Abort(o.w)
		return fmt.Errorf("failed to finish zip archive %s: %w", o.mp, err)
	}
	return vfs.CloseContext(ctx, o.w)
}

func (o *output) Abort() error {
	return vfs.Abort(o.w)
}

// begin reserves the writer for one entry.
func (o *output) begin(e archive.Entry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy {
		return fmt.Errorf("%s: another entry is being written: %w", o.mp, common.ErrBusy)
	}
	if _, ok := o.written[e.Name()]; ok {
		return fmt.Errorf("%q: %w", e.Name(), common.ErrExists)
	}
	o.busy = true
	return nil
}

func (o *output) end(e archive.Entry, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.busy = false
	if ok {
		o.written[e.Name()] = e
	}
}

type outputSocket struct {
	o *output
	e archive.Entry
}

func (s *outputSocket) Target(context.Context) (vfs.Entry, error) { return s.e, nil }

// rawCopy reports whether in provides this very entry with unchanged
// metadata, so its compressed form can be copied as is.
func (s *outputSocket) rawCopy(in *inputSocket) bool {
	e, ok := s.e.(*Entry)
	return ok && e == in.e && e.file != nil && e.Time(vfs.WriteAccess).Equal(e.file.Modified)
}

func (s *outputSocket) Stream(_ context.Context, peer vfs.InputSocket) (io.WriteCloser, error) {
	if err := s.o.begin(s.e); err != nil {
		return nil, err
	}
	if in, ok := peer.(*inputSocket); ok && s.rawCopy(in) {
		err := s.o.zw.Copy(in.e.file)
		s.o.end(s.e, err == nil)
		if err != nil {
			return nil, fmt.Errorf("failed to copy %q: %w", s.e.Name(), err)
		}
		return discard{}, nil
	}

	fh := &zip.FileHeader{Name: s.e.Name(), Method: zip.Deflate}
	if t := s.e.Time(vfs.WriteAccess); !t.IsZero() {
		fh.Modified = t
	}
	switch s.e.Type() {
	case vfs.DirectoryType:
		fh.Method = zip.Store
		fh.SetMode(fs.ModeDir | 0o755)
	case vfs.SymlinkType:
		fh.SetMode(fs.ModeSymlink | 0o777)
	default:
		fh.SetMode(0o644)
	}
	w, err := s.o.zw.CreateHeader(fh)
	if err != nil {
		s.o.end(s.e, false)
		return nil, fmt.Errorf("failed to write %q: %w", s.e.Name(), err)
	}
	return &entryWriter{s: s, w: w}, nil
}

func (s *outputSocket) Channel(context.Context, vfs.InputSocket) (vfs.WriteChannel, error) {
	return nil, fmt.Errorf("%q: random access output: %w", s.e.Name(), common.ErrNotSupported)
}

// entryWriter counts the bytes written to record the entry size.
type entryWriter struct {
	s    *outputSocket
	w    io.Writer
	n    int64
	done bool
}

func (w *entryWriter) Write(p []byte) (int, error) {
	if w.s.e.Type() == vfs.DirectoryType && len(p) > 0 {
		return 0, fmt.Errorf("%q: %w", w.s.e.Name(), common.ErrIsDir)
	}
	n, err := w.w.Write(p)
	w.n += int64(n)
	return n, err
}

func (w *entryWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	w.s.e.SetSize(vfs.DataSize, w.n)
	w.s.o.end(w.s.e, true)
	return nil
}

// Abort cannot take back what has been written, the entry is recorded as
// written so that it is not written twice.
func (w *entryWriter) Abort() error {
	return w.Close()
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
func (discard) Close() error                { return nil }
