package controller

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jacobsa/timeutil"
	log "github.com/sirupsen/logrus"

	"fedfs/internal/archive"
	"fedfs/internal/common"
	"fedfs/internal/metrics"
	"fedfs/internal/vfs"
)

// archiveOptions are added to every access of the archive file in the parent
// file system, so nested archives are buffered by the parent's cache.
const archiveOptions = vfs.Cache

// ArchiveController manages the file system of one archive file. The archive
// is mounted on first access by parsing it with the driver, and committed to
// the parent file system on Sync. It must only be used while holding the
// write lock of its model, except for the read operations which signal
// vfs.ErrNeedsWriteLock when they need to mount.
type ArchiveController struct {
	model   *LockModel
	parent  vfs.Controller
	name    vfs.EntryName // of the archive file in the parent
	driver  archive.Driver
	clock   timeutil.Clock
	metrics *metrics.Metrics

	fs       *archive.FileSystem
	input    archive.InputService
	output   archive.OutputService
	aborting bool
}

var _ vfs.Controller = (*ArchiveController)(nil)

// NewArchiveController returns the controller of the archive file system
// whose mount point is the model's.
func NewArchiveController(model *LockModel, parent vfs.Controller, driver archive.Driver, clock timeutil.Clock, m *metrics.Metrics) (*ArchiveController, error) {
	pp, ok := model.MountPoint().ParentPath()
	if !ok {
		return nil, fmt.Errorf("archive controller for %s: %w", model.MountPoint(), common.ErrInvalidPath)
	}
	if parent.Model() != model.Parent() {
		return nil, fmt.Errorf("archive controller for %s: parent controller of %s: %w",
			model.MountPoint(), parent.Model().MountPoint(), common.ErrInvalidPath)
	}
	return &ArchiveController{
		model:   model,
		parent:  parent,
		name:    pp.EntryName(),
		driver:  driver,
		clock:   clock,
		metrics: m,
	}, nil
}

func (c *ArchiveController) Model() *vfs.Model { return c.model.Model }

// Mounted reports whether the archive file system is mounted.
func (c *ArchiveController) Mounted() bool { return c.fs != nil }

func (c *ArchiveController) Node(ctx context.Context, name vfs.EntryName, opts vfs.AccessOptions) (vfs.Entry, error) {
	fs, err := c.autoMount(ctx, false, opts)
	if err != nil {
		return nil, err
	}
	node := fs.Node(name)
	if node == nil {
		return nil, nil
	}
	return vfs.CopyEntry(name.Path(), node), nil
}

func (c *ArchiveController) CheckAccess(ctx context.Context, name vfs.EntryName, opts vfs.AccessOptions, types vfs.AccessType) error {
	fs, err := c.autoMount(ctx, false, opts)
	if err != nil {
		return err
	}
	return fs.CheckAccess(name, types)
}

func (c *ArchiveController) SetReadOnly(_ context.Context, name vfs.EntryName) error {
	return fmt.Errorf("%s: cannot make archive entries read-only: %w", c.model.MountPoint().Resolve(name), common.ErrNotSupported)
}

func (c *ArchiveController) SetTime(ctx context.Context, name vfs.EntryName, times map[vfs.AccessType]time.Time, opts vfs.AccessOptions) error {
	fs, err := c.autoMount(ctx, false, opts)
	if err != nil {
		return err
	}
	if err := c.model.CheckWriteLocked(ctx); err != nil {
		return err
	}
	return fs.SetTime(ctx, name, times, opts)
}

func (c *ArchiveController) Input(opts vfs.AccessOptions, name vfs.EntryName) vfs.InputSocket {
	return &archiveInput{c: c, opts: opts, name: name}
}

func (c *ArchiveController) Output(opts vfs.AccessOptions, name vfs.EntryName, template vfs.Entry) vfs.OutputSocket {
	return &archiveOutput{c: c, opts: opts, name: name, template: template}
}

// Make creates the entry. Making the root directory creates an empty archive
// file, making the root as a file is a false positive which the parent file
// system serves.
func (c *ArchiveController) Make(ctx context.Context, name vfs.EntryName, typ vfs.EntryType, opts vfs.AccessOptions, template vfs.Entry) error {
	if err := c.model.CheckWriteLocked(ctx); err != nil {
		return err
	}
	if name.IsRoot() {
		return c.makeRoot(ctx, typ, opts)
	}
	fs, err := c.autoMount(ctx, opts.Has(vfs.CreateParents), opts)
	if err != nil {
		return err
	}
	if typ == vfs.FileType {
		if err := c.checkSync(fs, name, true, opts); err != nil {
			return err
		}
	}
	_, err = fs.Make(ctx, name, typ, opts, template)
	return err
}

func (c *ArchiveController) makeRoot(ctx context.Context, typ vfs.EntryType, opts vfs.AccessOptions) error {
	if typ != vfs.DirectoryType {
		return vfs.NewFalsePositive(fmt.Errorf("%s: cannot make the root as %s", c.model.MountPoint(), typ), false)
	}
	if c.fs != nil {
		return fmt.Errorf("%s: %w", c.model.MountPoint(), common.ErrExists)
	}
	pe, err := c.parent.Node(ctx, c.name, opts.Clear(vfs.Cache))
	if err != nil {
		return err
	}
	if pe != nil {
		if opts.Has(vfs.Exclusive) || pe.Type() == vfs.DirectoryType {
			return fmt.Errorf("%s: %w", c.model.MountPoint(), common.ErrExists)
		}
		// An existing archive file is fine unless it fails to mount.
		_, err := c.autoMount(ctx, false, opts)
		if err == nil {
			return fmt.Errorf("%s: %w", c.model.MountPoint(), common.ErrExists)
		}
		return err
	}
	_, err = c.autoMount(ctx, true, opts)
	return err
}

// Unlink removes the entry. Unlinking the root deletes the archive file,
// which must be empty.
func (c *ArchiveController) Unlink(ctx context.Context, name vfs.EntryName, opts vfs.AccessOptions) error {
	if err := c.model.CheckWriteLocked(ctx); err != nil {
		return err
	}
	fs, err := c.autoMount(ctx, false, opts)
	if err != nil {
		return err
	}
	if name.IsRoot() {
		if members := fs.Node(vfs.RootName).Members(); len(members) > 0 {
			return fmt.Errorf("%s: %w", c.model.MountPoint(), common.ErrNotEmpty)
		}
		if fs.ReadOnly() {
			return fmt.Errorf("%s: %w", c.model.MountPoint(), common.ErrReadOnly)
		}
		if err := c.Sync(ctx, vfs.AbortChanges|vfs.ClearCache); err != nil {
			return err
		}
		return c.parent.Unlink(ctx, c.name, opts.Clear(vfs.Cache))
	}
	if err := c.checkSync(fs, name, true, opts); err != nil {
		return err
	}
	return fs.Unlink(ctx, name, opts)
}

// Sync copies every entry which is not yet written to the output archive,
// then closes the input archive before the output archive so the parent
// commits the new archive file only once it is complete. The file system is
// unmounted afterwards.
func (c *ArchiveController) Sync(ctx context.Context, opts vfs.SyncOptions) error {
	mp := c.model.MountPoint()
	var b vfs.SyncErrorBuilder

	if c.fs != nil && c.output != nil && !opts.Has(vfs.AbortChanges) {
		if err := c.copyEntries(ctx, &b); err != nil {
			return err
		}
	}

	if c.input != nil {
		if err := c.input.Close(ctx); err != nil {
			if vfs.IsControlFlow(err) {
				return err
			}
			b.Warn(mp, fmt.Errorf("failed to close input archive: %w", err))
		}
		c.input = nil
	}
	if c.output != nil {
		if opts.Has(vfs.AbortChanges) {
			c.aborting = true
			if err := c.output.Abort(); err != nil {
				b.Warn(mp, fmt.Errorf("failed to abort output archive: %w", err))
			}
		} else if err := c.output.Close(ctx); err != nil {
			if vfs.IsControlFlow(err) {
				return err
			}
			b.Fail(mp, fmt.Errorf("failed to close output archive: %w", err))
		}
		c.output = nil
		c.aborting = false
	}
	if c.fs != nil {
		log.Debugf("[ArchiveController] %s: unmounted", mp)
		c.fs = nil
	}
	if opts.Any(vfs.AbortChanges | vfs.ClearCache) {
		c.model.SetTouched(false)
	}
	return b.Check()
}

// copyEntries writes every entry of the file system which is not yet in the
// output archive. Input failures are warnings, output failures abort the
// copy and are returned as the sync failure.
func (c *ArchiveController) copyEntries(ctx context.Context, b *vfs.SyncErrorBuilder) error {
	mp := c.model.MountPoint()
	for _, path := range c.fs.Names() {
		if path == "" {
			continue
		}
		node := c.fs.Node(vfs.MustEntryName(path))
		for _, typ := range node.Types() {
			e := node.Get(typ)
			if typ == vfs.DirectoryType && e.Time(vfs.WriteAccess).IsZero() {
				continue
			}
			if c.output.Entry(e.Name()) != nil {
				continue
			}
			var in vfs.InputSocket = emptyInput{e}
			if typ != vfs.DirectoryType && c.input != nil {
				if ie := c.input.Entry(e.Name()); ie != nil {
					in = c.input.Input(ie)
				}
			}
			err := vfs.Copy(ctx, in, c.output.Output(e))
			switch {
			case err == nil:
			case vfs.IsControlFlow(err):
				return err
			case vfs.IsInputError(err):
				b.Warn(mp, fmt.Errorf("failed to copy %q: %w", path, err))
			default:
				b.Fail(mp, fmt.Errorf("failed to copy %q: %w", path, err))
				return b.Check()
			}
		}
	}
	return nil
}

// autoMount returns the mounted file system, mounting it first if needed.
// A missing archive file is created if autoCreate is set and is a false
// positive otherwise.
func (c *ArchiveController) autoMount(ctx context.Context, autoCreate bool, opts vfs.AccessOptions) (*archive.FileSystem, error) {
	if c.fs != nil {
		return c.fs, nil
	}
	if err := c.model.CheckWriteLocked(ctx); err != nil {
		return nil, err
	}
	mp := c.model.MountPoint()
	popts := opts.Clear(vfs.Cache | vfs.Append | vfs.Exclusive)

	pe, err := c.parent.Node(ctx, c.name, popts)
	if err != nil {
		if vfs.IsControlFlow(err) || autoCreate {
			return nil, err
		}
		return nil, vfs.NewFalsePositive(err, true)
	}

	if pe == nil {
		if !autoCreate {
			pp, _ := mp.ParentPath()
			return nil, vfs.NewFalsePositive(fmt.Errorf("%s: %w", pp, common.ErrNotFound), false)
		}
		fs := archive.New(c.driver, c.clock, c.touch)
		if err := c.makeOutput(ctx, opts); err != nil {
			return nil, err
		}
		c.fs = fs
		log.Debugf("[ArchiveController] %s: created", mp)
		c.metrics.Mounted(mp.Scheme())
		return fs, nil
	}

	if pe.Type() == vfs.DirectoryType {
		return nil, vfs.NewFalsePositive(fmt.Errorf("%s: archive file is a directory: %w", mp, common.ErrIsDir), false)
	}
	readOnly := false
	if err := c.parent.CheckAccess(ctx, c.name, popts, vfs.WriteAccess); err != nil {
		if vfs.IsControlFlow(err) {
			return nil, err
		}
		readOnly = true
	}
	input, err := c.driver.NewInput(ctx, c.model.Model, c.parent.Input(popts|archiveOptions, c.name))
	if err != nil {
		if vfs.IsControlFlow(err) {
			return nil, err
		}
		return nil, vfs.NewFalsePositive(err, c.persistent(pe, err))
	}
	c.input = input
	c.fs = archive.Populate(c.driver, c.clock, input, readOnly, c.touch)
	log.Debugf("[ArchiveController] %s: mounted %d entries (read-only=%t)", mp, c.fs.Len()-1, readOnly)
	c.metrics.Mounted(mp.Scheme())
	return c.fs, nil
}

func (c *ArchiveController) persistent(pe vfs.Entry, err error) bool {
	if pe.Type() == vfs.SpecialType {
		return true
	}
	fpc, ok := c.driver.(archive.FalsePositiveClassifier)
	return ok && fpc.PersistentFalsePositive(err)
}

// touch runs before the first mutation of the file system.
func (c *ArchiveController) touch(ctx context.Context, opts vfs.AccessOptions) error {
	return c.makeOutput(ctx, opts)
}

// makeOutput starts writing the output archive unless it is started already.
func (c *ArchiveController) makeOutput(ctx context.Context, opts vfs.AccessOptions) error {
	if c.output != nil {
		return nil
	}
	popts := opts.Clear(vfs.Append|vfs.Exclusive) | archiveOptions
	sink := &guardedSink{c: c, socket: c.parent.Output(popts, c.name, nil)}
	output, err := c.driver.NewOutput(ctx, c.model.Model, sink, c.input)
	if err != nil {
		return err
	}
	c.output = output
	c.model.SetTouched(true)
	return nil
}

// checkSync signals vfs.ErrNeedsSync if accessing the entry requires a sync
// first: writing an entry which is in the output archive already, or reading
// an entry which is not in the input archive.
func (c *ArchiveController) checkSync(fs *archive.FileSystem, name vfs.EntryName, write bool, opts vfs.AccessOptions) error {
	node := fs.Node(name)
	if node == nil || name.IsRoot() {
		return nil
	}
	e := node.Get(vfs.FileType)
	if e == nil {
		e = node.Current()
	}
	grow := opts.Has(vfs.Grow) && c.driver.RedundantMetaDataSupport() && c.driver.RedundantContentSupport()
	if c.output != nil && c.output.Entry(e.Name()) != nil && !(write && grow) {
		return vfs.ErrNeedsSync
	}
	if !write && (c.input == nil || c.input.Entry(e.Name()) == nil) {
		return vfs.ErrNeedsSync
	}
	return nil
}

type archiveInput struct {
	c    *ArchiveController
	opts vfs.AccessOptions
	name vfs.EntryName
}

func (s *archiveInput) Target(ctx context.Context) (vfs.Entry, error) {
	e, err := s.c.Node(ctx, s.name, s.opts)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%q: %w", s.name, common.ErrNotFound)
	}
	return e, nil
}

// socket returns the input socket of the entry in the input archive.
func (s *archiveInput) socket(ctx context.Context) (vfs.InputSocket, error) {
	fs, err := s.c.autoMount(ctx, false, s.opts)
	if err != nil {
		return nil, err
	}
	node := fs.Node(s.name)
	switch {
	case node == nil:
		return nil, fmt.Errorf("%q: %w", s.name, common.ErrNotFound)
	case !node.IsType(vfs.FileType) && node.IsType(vfs.DirectoryType):
		return nil, fmt.Errorf("%q: %w", s.name, common.ErrIsDir)
	}
	if err := s.c.checkSync(fs, s.name, false, s.opts); err != nil {
		return nil, err
	}
	e := node.Get(vfs.FileType)
	if e == nil {
		e = node.Current()
	}
	return s.c.input.Input(s.c.input.Entry(e.Name())), nil
}

func (s *archiveInput) Stream(ctx context.Context, peer vfs.OutputSocket) (io.ReadCloser, error) {
	in, err := s.socket(ctx)
	if err != nil {
		return nil, err
	}
	return in.Stream(ctx, peer)
}

func (s *archiveInput) Channel(ctx context.Context, peer vfs.OutputSocket) (vfs.ReadChannel, error) {
	in, err := s.socket(ctx)
	if err != nil {
		return nil, err
	}
	return in.Channel(ctx, peer)
}

type archiveOutput struct {
	c        *ArchiveController
	opts     vfs.AccessOptions
	name     vfs.EntryName
	template vfs.Entry
}

func (s *archiveOutput) Target(ctx context.Context) (vfs.Entry, error) {
	if s.c.fs != nil {
		if node := s.c.fs.Node(s.name); node != nil {
			return vfs.CopyEntry(s.name.Path(), node), nil
		}
	}
	if s.template != nil {
		return vfs.CopyEntry(s.name.Path(), s.template), nil
	}
	return vfs.NewEntry(s.name.Path(), vfs.FileType), nil
}

// Stream makes the entry and starts writing it to the output archive. An
// appending stream copies the current content first.
func (s *archiveOutput) Stream(ctx context.Context, peer vfs.InputSocket) (io.WriteCloser, error) {
	c := s.c
	if err := c.model.CheckWriteLocked(ctx); err != nil {
		return nil, err
	}
	if s.name.IsRoot() {
		return nil, vfs.NewFalsePositive(fmt.Errorf("%s: cannot write the root", c.model.MountPoint()), false)
	}
	fs, err := c.autoMount(ctx, s.opts.Has(vfs.CreateParents), s.opts)
	if err != nil {
		return nil, err
	}
	if err := c.checkSync(fs, s.name, true, s.opts); err != nil {
		return nil, err
	}

	var previous archive.Entry
	if s.opts.Has(vfs.Append) {
		if node := fs.Node(s.name); node != nil && node.IsType(vfs.FileType) {
			if err := c.checkSync(fs, s.name, false, s.opts); err != nil {
				return nil, err
			}
			previous = c.input.Entry(node.Get(vfs.FileType).Name())
		}
	}

	e, err := fs.Make(ctx, s.name, vfs.FileType, s.opts, s.template)
	if err != nil {
		return nil, err
	}
	w, err := c.output.Output(e).Stream(ctx, peer)
	if err != nil {
		return nil, err
	}
	if previous != nil {
		if err := appendFrom(ctx, c.input.Input(previous), w); err != nil {
			_ = vfs.Abort(w)
			return nil, fmt.Errorf("failed to append to %q: %w", s.name, err)
		}
	}
	return w, nil
}

func (s *archiveOutput) Channel(context.Context, vfs.InputSocket) (vfs.WriteChannel, error) {
	return nil, fmt.Errorf("%s: random access output: %w", s.c.model.MountPoint().Resolve(s.name), common.ErrNotSupported)
}

func appendFrom(ctx context.Context, in vfs.InputSocket, w io.Writer) error {
	r, err := in.Stream(ctx, nil)
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = io.Copy(w, r)
	return err
}

// guardedSink is the socket the driver writes the output archive to. It
// aborts the parent stream instead of committing it while the controller
// aborts its changes.
type guardedSink struct {
	c      *ArchiveController
	socket vfs.OutputSocket
}

func (g *guardedSink) Target(ctx context.Context) (vfs.Entry, error) {
	return g.socket.Target(ctx)
}

func (g *guardedSink) Stream(ctx context.Context, peer vfs.InputSocket) (io.WriteCloser, error) {
	w, err := g.socket.Stream(ctx, peer)
	if err != nil {
		return nil, err
	}
	return &guardedWriter{WriteCloser: w, c: g.c, ctx: context.WithoutCancel(ctx)}, nil
}

func (g *guardedSink) Channel(ctx context.Context, peer vfs.InputSocket) (vfs.WriteChannel, error) {
	return g.socket.Channel(ctx, peer)
}

type guardedWriter struct {
	io.WriteCloser
	c   *ArchiveController
	ctx context.Context
}

func (w *guardedWriter) Close() error {
	return w.CloseContext(w.ctx)
}

func (w *guardedWriter) CloseContext(ctx context.Context) error {
	if w.c.aborting {
		return vfs.Abort(w.WriteCloser)
	}
	return vfs.CloseContext(ctx, w.WriteCloser)
}

func (w *guardedWriter) Abort() error {
	return vfs.Abort(w.WriteCloser)
}

// emptyInput provides no content for an entry.
type emptyInput struct {
	e vfs.Entry
}

func (s emptyInput) Target(context.Context) (vfs.Entry, error) { return s.e, nil }

func (s emptyInput) Stream(context.Context, vfs.OutputSocket) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (s emptyInput) Channel(context.Context, vfs.OutputSocket) (vfs.ReadChannel, error) {
	return nil, fmt.Errorf("%q: %w", s.e.Name(), common.ErrNotSupported)
}
