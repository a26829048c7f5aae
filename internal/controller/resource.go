package controller

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"fedfs/internal/account"
	"fedfs/internal/common"
	"fedfs/internal/metrics"
	"fedfs/internal/vfs"
)

// ResourceController accounts every stream and channel opened through it so
// that Sync can wait for them to close or close them by force.
type ResourceController struct {
	delegate vfs.Controller
	model    *LockModel
	cfg      Config
	acc      *account.Accountant
}

var _ vfs.Controller = (*ResourceController)(nil)

// NewResourceController decorates delegate with resource accounting.
func NewResourceController(delegate vfs.Controller, model *LockModel, cfg Config, m *metrics.Metrics) *ResourceController {
	opts := []account.Option{account.WithGauge(m.OpenResourcesGauge(model.MountPoint().String()))}
	if cfg.LeakTracing {
		opts = append(opts, account.WithLeakTracing())
	}
	return &ResourceController{
		delegate: delegate,
		model:    model,
		cfg:      cfg,
		acc:      account.New(model.Lock(), opts...),
	}
}

// Accountant returns the accountant of the open resources.
func (c *ResourceController) Accountant() *account.Accountant { return c.acc }

func (c *ResourceController) Model() *vfs.Model { return c.delegate.Model() }

func (c *ResourceController) Node(ctx context.Context, name vfs.EntryName, opts vfs.AccessOptions) (vfs.Entry, error) {
	return c.delegate.Node(ctx, name, opts)
}

func (c *ResourceController) CheckAccess(ctx context.Context, name vfs.EntryName, opts vfs.AccessOptions, types vfs.AccessType) error {
	return c.delegate.CheckAccess(ctx, name, opts, types)
}

func (c *ResourceController) SetReadOnly(ctx context.Context, name vfs.EntryName) error {
	return c.delegate.SetReadOnly(ctx, name)
}

func (c *ResourceController) SetTime(ctx context.Context, name vfs.EntryName, times map[vfs.AccessType]time.Time, opts vfs.AccessOptions) error {
	return c.delegate.SetTime(ctx, name, times, opts)
}

func (c *ResourceController) Input(opts vfs.AccessOptions, name vfs.EntryName) vfs.InputSocket {
	return &resourceInput{c: c, socket: c.delegate.Input(opts, name)}
}

func (c *ResourceController) Output(opts vfs.AccessOptions, name vfs.EntryName, template vfs.Entry) vfs.OutputSocket {
	return &resourceOutput{c: c, socket: c.delegate.Output(opts, name, template)}
}

func (c *ResourceController) Make(ctx context.Context, name vfs.EntryName, typ vfs.EntryType, opts vfs.AccessOptions, template vfs.Entry) error {
	return c.delegate.Make(ctx, name, typ, opts, template)
}

func (c *ResourceController) Unlink(ctx context.Context, name vfs.EntryName, opts vfs.AccessOptions) error {
	return c.delegate.Unlink(ctx, name, opts)
}

// Sync waits for the resources of other owners to close unless changes are
// aborted: indefinitely if a WAIT option is set, else for the configured
// wait timeout. Resources which are still open fail the sync with a
// *vfs.BusyError unless a FORCE option is set, in which case they are closed
// and reported as a warning.
func (c *ResourceController) Sync(ctx context.Context, opts vfs.SyncOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	ctx, o := vfs.EnsureOwner(ctx)
	mp := c.model.MountPoint()

	var total int
	if opts.Has(vfs.AbortChanges) {
		total = c.acc.Total()
	} else {
		timeout := c.cfg.WaitTimeout
		if opts.Any(vfs.WaitCloseInput | vfs.WaitCloseOutput) {
			timeout = 0
		}
		total = c.acc.WaitOtherOwners(ctx, o, timeout)
	}

	var b vfs.SyncErrorBuilder
	if total > 0 {
		busy := &vfs.BusyError{Local: c.acc.Local(o), Total: total}
		if !opts.Any(vfs.ForceCloseInput | vfs.ForceCloseOutput) {
			return vfs.NewSyncFailure(mp, busy)
		}
		log.Debugf("[ResourceController] %s: force closing %d resource(s)", mp, total)
		b.Warn(mp, busy)
		c.acc.CloseAll(ctx, func(r io.Closer, err error) {
			b.Warn(mp, fmt.Errorf("failed to close %T: %w", r, err))
		})
	}

	if err := c.delegate.Sync(ctx, opts); err != nil {
		if vfs.IsControlFlow(err) {
			return err
		}
		b.Add(mp, err)
	}
	return b.Check()
}

type resourceInput struct {
	c      *ResourceController
	socket vfs.InputSocket
}

func (s *resourceInput) Target(ctx context.Context) (vfs.Entry, error) {
	return s.socket.Target(ctx)
}

func (s *resourceInput) Stream(ctx context.Context, peer vfs.OutputSocket) (io.ReadCloser, error) {
	r, err := s.socket.Stream(ctx, peer)
	if err != nil {
		return nil, err
	}
	a := &accountedReader{accounted: accounted{c: s.c, closer: r}, r: r}
	s.c.start(ctx, &a.accounted)
	return a, nil
}

func (s *resourceInput) Channel(ctx context.Context, peer vfs.OutputSocket) (vfs.ReadChannel, error) {
	ch, err := s.socket.Channel(ctx, peer)
	if err != nil {
		return nil, err
	}
	a := &accountedReadChannel{accounted: accounted{c: s.c, closer: ch}, ch: ch}
	s.c.start(ctx, &a.accounted)
	return a, nil
}

type resourceOutput struct {
	c      *ResourceController
	socket vfs.OutputSocket
}

func (s *resourceOutput) Target(ctx context.Context) (vfs.Entry, error) {
	return s.socket.Target(ctx)
}

func (s *resourceOutput) Stream(ctx context.Context, peer vfs.InputSocket) (io.WriteCloser, error) {
	w, err := s.socket.Stream(ctx, peer)
	if err != nil {
		return nil, err
	}
	a := &accountedWriter{accounted: accounted{c: s.c, closer: w}, w: w}
	s.c.start(ctx, &a.accounted)
	return a, nil
}

func (s *resourceOutput) Channel(ctx context.Context, peer vfs.InputSocket) (vfs.WriteChannel, error) {
	ch, err := s.socket.Channel(ctx, peer)
	if err != nil {
		return nil, err
	}
	a := &accountedWriteChannel{accounted: accounted{c: s.c, closer: ch}, ch: ch}
	s.c.start(ctx, &a.accounted)
	return a, nil
}

func (c *ResourceController) start(ctx context.Context, r io.Closer) {
	_, o := vfs.EnsureOwner(ctx)
	c.acc.Start(r, o)
}

// accounted is the accounting part of a stream. Once closed, by its user or
// by force, all further I/O fails with common.ErrClosed and closing again is
// a no-op.
type accounted struct {
	c      *ResourceController
	closer io.Closer

	mu     sync.Mutex
	closed bool
}

func (a *accounted) check() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("%s stream: %w", a.c.model.MountPoint(), common.ErrClosed)
	}
	return nil
}

func (a *accounted) Close() error {
	return a.CloseContext(context.Background())
}

func (a *accounted) CloseContext(ctx context.Context) error {
	return a.finish(func() error { return vfs.CloseContext(ctx, a.closer) })
}

func (a *accounted) Abort() error {
	return a.finish(func() error { return vfs.Abort(a.closer) })
}

// finish runs close unless the stream is closed already. A control-flow
// signal leaves the stream open so the caller can retry.
func (a *accounted) finish(close func() error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	err := close()
	if vfs.IsControlFlow(err) {
		return err
	}
	a.closed = true
	a.c.acc.Stop(a)
	return err
}

type accountedReader struct {
	accounted
	r io.Reader
}

func (a *accountedReader) Read(p []byte) (int, error) {
	if err := a.check(); err != nil {
		return 0, err
	}
	return a.r.Read(p)
}

type accountedWriter struct {
	accounted
	w io.Writer
}

func (a *accountedWriter) Write(p []byte) (int, error) {
	if err := a.check(); err != nil {
		return 0, err
	}
	return a.w.Write(p)
}

type accountedReadChannel struct {
	accounted
	ch vfs.ReadChannel
}

func (a *accountedReadChannel) Read(p []byte) (int, error) {
	if err := a.check(); err != nil {
		return 0, err
	}
	return a.ch.Read(p)
}

func (a *accountedReadChannel) ReadAt(p []byte, off int64) (int, error) {
	if err := a.check(); err != nil {
		return 0, err
	}
	return a.ch.ReadAt(p, off)
}

func (a *accountedReadChannel) Seek(offset int64, whence int) (int64, error) {
	if err := a.check(); err != nil {
		return 0, err
	}
	return a.ch.Seek(offset, whence)
}

func (a *accountedReadChannel) Size() int64 {
	if a.check() != nil {
		return vfs.UnknownSize
	}
	return a.ch.Size()
}

type accountedWriteChannel struct {
	accounted
	ch vfs.WriteChannel
}

func (a *accountedWriteChannel) Write(p []byte) (int, error) {
	if err := a.check(); err != nil {
		return 0, err
	}
	return a.ch.Write(p)
}

func (a *accountedWriteChannel) WriteAt(p []byte, off int64) (int, error) {
	if err := a.check(); err != nil {
		return 0, err
	}
	return a.ch.WriteAt(p, off)
}

func (a *accountedWriteChannel) Seek(offset int64, whence int) (int64, error) {
	if err := a.check(); err != nil {
		return 0, err
	}
	return a.ch.Seek(offset, whence)
}

func (a *accountedWriteChannel) Size() int64 {
	if a.check() != nil {
		return vfs.UnknownSize
	}
	return a.ch.Size()
}
