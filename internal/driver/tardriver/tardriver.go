// Package tardriver reads and writes TAR archives, optionally compressed
// with gzip, zstd or lz4.
//
// A TAR archive offers no random access, so the input service decodes the
// whole archive once into a pool buffer and serves entries from there. The
// output service buffers each entry to learn its size before the header is
// written.
package tardriver

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	log "github.com/sirupsen/logrus"

	"fedfs/internal/archive"
	"fedfs/internal/common"
	"fedfs/internal/pool"
	"fedfs/internal/vfs"
)

// Compression selects the codec wrapped around the TAR stream.
type Compression int

const (
	None Compression = iota
	Gzip
	Zstd
	LZ4
)

func (c Compression) String() string {
	switch c {
	case None:
		return "tar"
	case Gzip:
		return "tar.gz"
	case Zstd:
		return "tar.zst"
	case LZ4:
		return "tar.lz4"
	default:
		return "unknown"
	}
}

// Driver is a TAR driver.
type Driver struct {
	pool *pool.Pool
	comp Compression
}

var _ archive.Driver = (*Driver)(nil)

// New returns a driver buffering entries in p.
func New(p *pool.Pool, comp Compression) *Driver {
	return &Driver{pool: p, comp: comp}
}

// Compression returns the codec of the driver.
func (d *Driver) Compression() Compression { return d.comp }

// Entry is a TAR entry. Directory names end with a slash.
type Entry struct {
	archive.BaseEntry
	off      int64 // content offset in the input buffer
	linkname string
	mode     int64
}

// Linkname returns the target of a symlink read from an archive.
func (e *Entry) Linkname() string { return e.linkname }

func (d *Driver) NewEntry(name string, typ vfs.EntryType, template vfs.Entry) archive.Entry {
	name = strings.TrimSuffix(name, vfs.Separator)
	if typ == vfs.DirectoryType && name != "" {
		name += vfs.Separator
	}
	return &Entry{BaseEntry: archive.NewBaseEntry(name, typ, template), off: -1}
}

// A TAR archive may be appended to and the last entry of a name wins.
func (d *Driver) RedundantMetaDataSupport() bool { return true }
func (d *Driver) RedundantContentSupport() bool  { return true }

// PersistentFalsePositive reports whether the archive file failed to decode
// because it is no archive of this format.
func (d *Driver) PersistentFalsePositive(err error) bool {
	for _, target := range []error{
		tar.ErrHeader,
		io.ErrUnexpectedEOF,
		gzip.ErrHeader,
		gzip.ErrChecksum,
		zstd.ErrMagicMismatch,
		lz4.ErrInvalidFrame,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (d *Driver) decompress(r io.Reader) (io.ReadCloser, error) {
	switch d.comp {
	case Gzip:
		return gzip.NewReader(r)
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return io.NopCloser(r), nil
	}
}

func (d *Driver) compress(w io.Writer) (io.WriteCloser, error) {
	switch d.comp {
	case Gzip:
		return gzip.NewWriter(w), nil
	case Zstd:
		return zstd.NewWriter(w)
	case LZ4:
		return lz4.NewWriter(w), nil
	default:
		return nopWriteCloser{w}, nil
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func (d *Driver) NewInput(ctx context.Context, model *vfs.Model, source vfs.InputSocket) (archive.InputService, error) {
	mp := model.MountPoint()
	r, err := source.Stream(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s archive %s: %w", d.comp, mp, err)
	}
	defer r.Close()

	buf, err := d.pool.Allocate()
	if err != nil {
		return nil, err
	}
	in, err := d.decode(r, buf, mp)
	if err != nil {
		_ = buf.Release()
		return nil, fmt.Errorf("failed to read %s archive %s: %w", d.comp, mp, err)
	}
	return in, nil
}

// decode copies the content of every entry into buf, one after another.
func (d *Driver) decode(r io.Reader, buf *pool.Buffer, mp vfs.MountPoint) (*input, error) {
	dr, err := d.decompress(r)
	if err != nil {
		return nil, err
	}
	defer dr.Close()

	w, err := buf.OpenWrite(false)
	if err != nil {
		return nil, err
	}
	in := &input{buf: buf, byName: make(map[string]*Entry)}
	tr := tar.NewReader(dr)
	var off int64
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = w.Close()
			return nil, err
		}

		name := strings.TrimPrefix(h.Name, "./")
		var typ vfs.EntryType
		switch h.Typeflag {
		case tar.TypeXGlobalHeader:
			continue
		case tar.TypeDir:
			typ = vfs.DirectoryType
		case tar.TypeSymlink:
			typ = vfs.SymlinkType
		default:
			if h.FileInfo().Mode().IsRegular() {
				typ = vfs.FileType
			} else {
				typ = vfs.SpecialType
			}
		}
		if name == "." || name == "" {
			name = ""
			if typ != vfs.DirectoryType {
				log.Warnf("[TarDriver] %s: skipping root entry of type %v", mp, typ)
				continue
			}
		}

		e := d.NewEntry(name, typ, nil).(*Entry)
		e.off = off
		e.mode = h.Mode
		e.linkname = h.Linkname
		var n int64
		switch typ {
		case vfs.FileType:
			if n, err = io.Copy(w, tr); err != nil {
				_ = w.Close()
				return nil, err
			}
		case vfs.SymlinkType:
			m, err := io.WriteString(w, h.Linkname)
			if err != nil {
				_ = w.Close()
				return nil, err
			}
			n = int64(m)
		}
		off += n
		e.SetSize(vfs.DataSize, n)
		e.SetSize(vfs.StorageSize, n)
		e.SetTime(vfs.WriteAccess, h.ModTime)
		e.SetTime(vfs.ReadAccess, h.AccessTime)

		if _, dup := in.byName[e.Name()]; !dup {
			in.order = append(in.order, e.Name())
		}
		in.byName[e.Name()] = e
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	ch, err := buf.OpenRead()
	if err != nil {
		return nil, err
	}
	in.ch = ch
	return in, nil
}

type input struct {
	buf    *pool.Buffer
	ch     vfs.ReadChannel
	order  []string
	byName map[string]*Entry
}

func (in *input) Entries() []archive.Entry {
	out := make([]archive.Entry, len(in.order))
	for i, name := range in.order {
		out[i] = in.byName[name]
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
	err := in.ch.Close()
	if rerr := in.buf.Release(); err == nil {
		err = rerr
	}
	return err
}

type inputSocket struct {
	in *input
	e  *Entry
}

func (s *inputSocket) Target(context.Context) (vfs.Entry, error) { return s.e, nil }

func (s *inputSocket) Stream(ctx context.Context, peer vfs.OutputSocket) (io.ReadCloser, error) {
	return s.Channel(ctx, peer)
}

func (s *inputSocket) Channel(context.Context, vfs.OutputSocket) (vfs.ReadChannel, error) {
	if s.e.Type() == vfs.DirectoryType {
		return nil, fmt.Errorf("%q: %w", s.e.Name(), common.ErrIsDir)
	}
	return sectionChannel{io.NewSectionReader(s.in.ch, s.e.off, s.e.Size(vfs.DataSize))}, nil
}

type sectionChannel struct {
	*io.SectionReader
}

func (sectionChannel) Close() error { return nil }

func (d *Driver) NewOutput(ctx context.Context, model *vfs.Model, sink vfs.OutputSocket, _ archive.InputService) (archive.OutputService, error) {
	mp := model.MountPoint()
	w, err := sink.Stream(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s archive %s for writing: %w", d.comp, mp, err)
	}
	cw, err := d.compress(w)
	if err != nil {
		_ = vfs.Abort(w)
		return nil, fmt.Errorf("failed to open %s archive %s for writing: %w", d.comp, mp, err)
	}
	return &output{
		mp:      mp,
		pool:    d.pool,
		w:       w,
		cw:      cw,
		tw:      tar.NewWriter(cw),
		written: make(map[string]archive.Entry),
	}, nil
}

type output struct {
	mp   vfs.MountPoint
	pool *pool.Pool
	w    io.WriteCloser
	cw   io.WriteCloser
	tw   *tar.Writer

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
	if err := o.tw.Close(); err != nil {
		_ = vfs.Abort(o.w)
		return fmt.Errorf("failed to finish tar archive %s: %w", o.mp, err)
	}
	if err := o.cw.Close(); err != nil {
		_ = vfs.Abort(o.w)
		return fmt.Errorf("failed to finish tar archive %s: %w", o.mp, err)
	}
	return vfs.CloseContext(ctx, o.w)
}

func (o *output) Abort() error {
	return vfs.Abort(o.w)
}

// begin reserves the writer for one entry. Entries may be written again,
// the last one wins.
func (o *output) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy {
		return fmt.Errorf("%s: another entry is being written: %w", o.mp, common.ErrBusy)
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

func (o *output) header(e archive.Entry, size int64) *tar.Header {
	h := &tar.Header{
		Name:       e.Name(),
		Size:       size,
		ModTime:    e.Time(vfs.WriteAccess),
		AccessTime: e.Time(vfs.ReadAccess),
		Typeflag:   tar.TypeReg,
		Mode:       0o644,
	}
	if h.ModTime.IsZero() {
		h.ModTime = time.Now()
	}
	if !h.AccessTime.IsZero() {
		h.Format = tar.FormatPAX
	}
	switch e.Type() {
	case vfs.DirectoryType:
		h.Typeflag, h.Mode, h.Size = tar.TypeDir, 0o755, 0
	case vfs.SymlinkType:
		h.Typeflag, h.Mode, h.Size = tar.TypeSymlink, 0o777, 0
	}
	if te, ok := e.(*Entry); ok && te.mode != 0 {
		h.Mode = te.mode
	}
	return h
}

type outputSocket struct {
	o *output
	e archive.Entry
}

func (s *outputSocket) Target(context.Context) (vfs.Entry, error) { return s.e, nil }

func (s *outputSocket) Stream(context.Context, vfs.InputSocket) (io.WriteCloser, error) {
	if err := s.o.begin(); err != nil {
		return nil, err
	}
	switch s.e.Type() {
	case vfs.DirectoryType, vfs.SymlinkType:
		return &headerWriter{s: s}, nil
	}
	buf, err := s.o.pool.Allocate()
	if err != nil {
		s.o.end(s.e, false)
		return nil, err
	}
	w, err := buf.OpenWrite(false)
	if err != nil {
		_ = buf.Release()
		s.o.end(s.e, false)
		return nil, err
	}
	return &entryWriter{s: s, buf: buf, w: w}, nil
}

func (s *outputSocket) Channel(context.Context, vfs.InputSocket) (vfs.WriteChannel, error) {
	return nil, fmt.Errorf("%q: random access output: %w", s.e.Name(), common.ErrNotSupported)
}

// entryWriter buffers the content of a file entry and writes the entry to
// the archive when it is closed.
type entryWriter struct {
	s    *outputSocket
	buf  *pool.Buffer
	w    vfs.WriteChannel
	done bool
}

func (w *entryWriter) Write(p []byte) (int, error) { return w.w.Write(p) }

func (w *entryWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.buf.Release()
	err := w.commit()
	w.s.o.end(w.s.e, err == nil)
	if err != nil {
		return fmt.Errorf("failed to write %q: %w", w.s.e.Name(), err)
	}
	return nil
}

func (w *entryWriter) commit() error {
	if err := w.w.Close(); err != nil {
		return err
	}
	size, err := w.buf.Size()
	if err != nil {
		return err
	}
	if err := w.s.o.tw.WriteHeader(w.s.o.header(w.s.e, size)); err != nil {
		return err
	}
	r, err := w.buf.OpenRead()
	if err != nil {
		return err
	}
	defer r.Close()
	if _, err := io.Copy(w.s.o.tw, r); err != nil {
		return err
	}
	w.s.e.SetSize(vfs.DataSize, size)
	w.s.e.SetSize(vfs.StorageSize, size)
	return nil
}

// Abort drops the buffered content without writing the entry.
func (w *entryWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.w.Close()
	w.s.o.end(w.s.e, false)
	return w.buf.Release()
}

// headerWriter writes a directory or symlink entry. The content of a
// symlink is its target.
type headerWriter struct {
	s      *outputSocket
	target strings.Builder
	done   bool
}

func (w *headerWriter) Write(p []byte) (int, error) {
	if w.s.e.Type() == vfs.DirectoryType {
		if len(p) > 0 {
			return 0, fmt.Errorf("%q: %w", w.s.e.Name(), common.ErrIsDir)
		}
		return 0, nil
	}
	return w.target.Write(p)
}

func (w *headerWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	h := w.s.o.header(w.s.e, 0)
	if w.s.e.Type() == vfs.SymlinkType {
		h.Linkname = w.target.String()
		w.s.e.SetSize(vfs.DataSize, int64(len(h.Linkname)))
	}
	err := w.s.o.tw.WriteHeader(h)
	w.s.o.end(w.s.e, err == nil)
	if err != nil {
		return fmt.Errorf("failed to write %q: %w", w.s.e.Name(), err)
	}
	return nil
}

func (w *headerWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.s.o.end(w.s.e, false)
	return nil
}
